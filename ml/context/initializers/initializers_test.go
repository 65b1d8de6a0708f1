// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package initializers

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/puddle/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

func TestInitializers(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 42))
	shape := shapes.Make(20, 30)

	zeros := Zero(rng, shape)
	require.True(t, zeros.Shape().Equal(shape))
	for _, v := range zeros.Flat() {
		require.Equal(t, 0.0, v)
	}
	for _, v := range One(rng, shapes.Make(3)).Flat() {
		require.Equal(t, 1.0, v)
	}

	uniform := RandomUniformFn(1.5, 2.5)(rng, shape)
	for _, v := range uniform.Flat() {
		require.True(t, v >= 1.5 && v < 2.5, "value %g out of [1.5, 2.5)", v)
	}

	glorot := GlorotNormal(rng, shape)
	wantStddev := math.Sqrt(2.0 / 50.0)
	limit := 2 * wantStddev / truncatedNormalStddevCorrection
	for _, v := range glorot.Flat() {
		require.LessOrEqual(t, math.Abs(v), limit+1e-12)
	}
	mean, stddev := stat.MeanStdDev(glorot.Flat(), nil)
	assert.InDelta(t, 0.0, mean, 0.03)
	assert.InDelta(t, wantStddev, stddev, 0.03)

	normal := RandomNormalFn(2.0)(rng, shapes.Make(5000))
	_, stddev = stat.MeanStdDev(normal.Flat(), nil)
	assert.InDelta(t, 2.0, stddev, 0.1)
}

func TestDeterministicWithSeed(t *testing.T) {
	a := GlorotNormal(rand.New(rand.NewPCG(7, 11)), shapes.Make(4, 4))
	b := GlorotNormal(rand.New(rand.NewPCG(7, 11)), shapes.Make(4, 4))
	assert.Equal(t, a.Flat(), b.Flat())
}
