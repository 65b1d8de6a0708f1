// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package errs defines the kinds of errors reported by puddle.
//
// Each kind is a sentinel error, and the constructors wrap it with a formatted message (and a stack trace,
// courtesy of github.com/pkg/errors), so callers can test the kind with errors.Is:
//
//	_, err := compiler.Compile(reg, independents, equations)
//	if errors.Is(err, errs.ErrConfiguration) { ... }
//
// Declarations (building the variable graph) panic with these errors, in the same way graph building does.
// Use exceptions.TryCatch[error] to recover them.
package errs

import (
	"github.com/pkg/errors"
)

var (
	// ErrConfiguration reports an invalid argument to a declaration, the compiler or a sampler constructor:
	// e.g.: wrong variable kinds, duplicate entries, rank mismatches.
	ErrConfiguration = errors.New("configuration error")

	// ErrMissingSample reports a sampling strategy that failed to supply a value for a declared variable.
	ErrMissingSample = errors.New("missing sample")

	// ErrUnconfiguredSampler is returned when sampling from the placeholder sampler.
	ErrUnconfiguredSampler = errors.New("unconfigured sampler")

	// ErrGraphLookup reports a request for the input of an output-only variable, or for a variable that
	// is not part of a compiled graph.
	ErrGraphLookup = errors.New("graph lookup error")
)

// Configurationf returns an error of kind ErrConfiguration with the formatted message.
func Configurationf(format string, args ...any) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}

// MissingSamplef returns an error of kind ErrMissingSample with the formatted message.
func MissingSamplef(format string, args ...any) error {
	return errors.Wrapf(ErrMissingSample, format, args...)
}

// UnconfiguredSamplerf returns an error of kind ErrUnconfiguredSampler with the formatted message.
func UnconfiguredSamplerf(format string, args ...any) error {
	return errors.Wrapf(ErrUnconfiguredSampler, format, args...)
}

// GraphLookupf returns an error of kind ErrGraphLookup with the formatted message.
func GraphLookupf(format string, args ...any) error {
	return errors.Wrapf(ErrGraphLookup, format, args...)
}

// Is reports whether err (or an error it wraps) is of the given kind. It's a shortcut to errors.Is.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}
