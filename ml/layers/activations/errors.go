// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package activations

import (
	"github.com/gomlx/puddle/errs"
)

func invalidNameError(name string) error {
	return errs.Configurationf("invalid activation name %q: options are %v", name, TypeValues())
}
