// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	gocontext "context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/puddle/ml/train/optimizers"
	"github.com/gomlx/puddle/samplers"
	"github.com/gomlx/puddle/system"
	"github.com/gomlx/puddle/variables"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlow(t *testing.T) {
	f := newFlow(4)
	require.Len(t, f.reg.Equations(), 9)
	require.Equal(t, []*variables.Variable{f.x, f.y}, f.reg.Sorted(f.reg.IndependentVariables()))
	for _, v := range []*variables.Variable{f.u, f.v, f.rho, f.p} {
		require.Equal(t, 0, v.Rank())
	}

	weighted, err := f.samplers(rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)
	require.Len(t, weighted, 5)

	// Wall sampler: points on the segment, with the no-slip conditions.
	wall := weighted[3].Sampler
	sample, err := wall.Sample(100)
	require.NoError(t, err)
	for _, x := range sample.Values[f.x.ID()].Flat() {
		require.Equal(t, wallX, x)
	}
	for _, y := range sample.Values[f.y.ID()].Flat() {
		require.GreaterOrEqual(t, y, wallBottom)
		require.LessOrEqual(t, y, wallTop)
	}
	require.Equal(t, 0.35, sample.Weights[f.noSlip[0].ID()].Flat()[0])
	require.Equal(t, 0.1, sample.Weights[f.conservation[0].ID()].Flat()[0])

	// Sides: y on the lower or upper boundary.
	sample, err = weighted[4].Sampler.Sample(50)
	require.NoError(t, err)
	for _, y := range sample.Values[f.y.ID()].Flat() {
		require.True(t, y == lower || y == upper, "y=%g is not on a side", y)
	}

	composite, err := samplers.NewCompositeSampler(weighted)
	require.NoError(t, err)
	sample, err = composite.Sample(64)
	require.NoError(t, err)
	require.Len(t, sample.Weights, 9)
	require.Len(t, sample.Values, 2)
}

func TestRun(t *testing.T) {
	ctx := createDefaultContext()
	ctx.SetParam(paramNumSteps, 3)
	ctx.SetParam(system.ParamBatchSize, 16)
	ctx.SetParam(paramSeed, 7)
	ctx.SetParam(paramResolution, 5)
	plotsDir := filepath.Join(t.TempDir(), "plots")
	checkpointDir := filepath.Join(t.TempDir(), "checkpoints")
	err := run(gocontext.Background(), ctx, config{
		checkpointDir:  checkpointDir,
		checkpointKeep: 1,
		plotsDir:       plotsDir,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), optimizers.GetGlobalStep(ctx))
	for _, name := range []string{"u.png", "v.png", "rho.png", "p.png"} {
		_, err := os.Stat(filepath.Join(plotsDir, name))
		assert.NoError(t, err, "missing plot %q", name)
	}
	entries, err := os.ReadDir(checkpointDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
}
