// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"testing"

	. "github.com/gomlx/puddle/graph"
	"github.com/gomlx/puddle/ml/context"
	"github.com/gomlx/puddle/types/shapes"
	"github.com/gomlx/puddle/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDense(t *testing.T) {
	ctx := context.New()
	g := NewGraph("dense")
	x := Parameter(g, "x", shapes.WithBatch(shapes.Make(2)))
	y := DenseWithBias(ctx.In("model"), x, 3)
	require.Equal(t, []int{shapes.BatchDim, 3}, y.Shape().Dimensions)

	weights := ctx.InspectVariable("/model/dense", "weights")
	biases := ctx.InspectVariable("/model/dense", "biases")
	require.NotNil(t, weights)
	require.NotNil(t, biases)
	weights.SetValue(tensors.FromAnyValue([][]float64{{1, 2, 3}, {4, 5, 6}}))
	biases.SetValue(tensors.FromAnyValue([]float64{0.5, 0, -0.5}))

	results, err := ctx.ExecRun(g, ParamsMap{x: [][]float64{{1, 0}, {1, 1}}}, y)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1.5, 2, 2.5}, {5.5, 7, 8.5}}, results[0].Value())

	// Dense without bias creates only the weights.
	_ = Dense(ctx.In("no_bias"), x, false, 1)
	assert.Nil(t, ctx.InspectVariable("/no_bias/dense", "biases"))
	assert.Panics(t, func() { _ = Dense(ctx.In("bad"), Parameter(g, "v", shapes.WithBatch(shapes.Scalar())), true, 1) })
}
