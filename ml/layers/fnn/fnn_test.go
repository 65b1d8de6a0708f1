// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fnn

import (
	"testing"

	"github.com/gomlx/puddle/errs"
	. "github.com/gomlx/puddle/graph"
	"github.com/gomlx/puddle/ml/context"
	"github.com/gomlx/puddle/ml/layers/activations"
	"github.com/gomlx/puddle/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLayers(t *testing.T) {
	layerList, err := ParseLayers("32:tanh, 16:leaky-relu,1:id")
	require.NoError(t, err)
	require.Equal(t, []Layer{{32, activations.TypeTanh}, {16, activations.TypeLeakyRelu}, {1, activations.TypeId}}, layerList)
	assert.Equal(t, "16:leaky-relu", layerList[1].String())

	for _, invalid := range []string{"", "32", "x:tanh", "32:swish", "0:tanh,1:id", "-1:id"} {
		_, err = ParseLayers(invalid)
		require.Errorf(t, err, "ParseLayers(%q) should fail", invalid)
		assert.True(t, errs.Is(err, errs.ErrConfiguration))
	}

	layerList, err = ParseLayers("8:sigmoid,0:id")
	require.NoError(t, err)
	assert.Equal(t, ScalarUnits, OutputDimension(layerList))
}

func TestNetwork(t *testing.T) {
	ctx := context.New()
	ctx.SetRandomSeed(1)
	g := NewGraph("fnn")
	x := Parameter(g, "x", shapes.WithBatch(shapes.Make(2)))

	vector := New(ctx.In("vector"), x, L(4, "tanh"), L(3, "id")).Done()
	assert.Equal(t, []int{shapes.BatchDim, 3}, vector.Shape().Dimensions)
	scalar := New(ctx.In("scalar"), x, L(4, "relu"), L(ScalarUnits, "id")).Done()
	assert.Equal(t, []int{shapes.BatchDim}, scalar.Shape().Dimensions)

	require.NotNil(t, ctx.InspectVariable("/vector/layer_1/dense", "weights"))
	require.Equal(t, []int{4, 1}, ctx.InspectVariable("/scalar/layer_1/dense", "weights").Shape().Dimensions)
	assert.Equal(t, (2*4+4)+(4*3+3)+(2*4+4)+(4*1+1), ctx.NumParameters())

	results, err := ctx.ExecRun(g, ParamsMap{x: [][]float64{{1, 2}, {3, 4}, {5, 6}}}, vector, scalar)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3}, results[0].Shape().Dimensions)
	assert.Equal(t, []int{3}, results[1].Shape().Dimensions)

	// Reusing the scope without Reuse() fails.
	assert.Panics(t, func() { _ = New(ctx.In("vector"), x, L(4, "tanh"), L(3, "id")).Done() })
	// Reusing it explicitly shares the weights.
	shared := New(ctx.In("vector").Reuse(), x, L(4, "tanh"), L(3, "id")).Done()
	results, err = ctx.ExecRun(g, ParamsMap{x: [][]float64{{1, 2}}}, vector, shared)
	require.NoError(t, err)
	assert.Equal(t, results[0].Flat(), results[1].Flat())
}
