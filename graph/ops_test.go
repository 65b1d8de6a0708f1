// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph_test

import (
	"math"
	"runtime"
	"testing"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/puddle/graph"
	"github.com/gomlx/puddle/graph/graphtest"
	"github.com/gomlx/puddle/types/shapes"
	"github.com/gomlx/puddle/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var xValue = [][]float64{{1, 2}, {3, 4}}

func TestElementWiseOps(t *testing.T) {
	graphtest.RunTestGraphFn(t, "Binary", func(g *Graph) (ParamsMap, []*Node) {
		params := ParamsMap{}
		x := graphtest.BatchedParameter(g, params, "x", xValue)
		return params, []*Node{
			AddScalar(x, 1),
			Mul(x, x),
			Div(Scalar(g, 1), x),
			Pow(x, Scalar(g, 2)),
			Max(x, Scalar(g, 2.5)),
			GreaterOrEqual(x, Scalar(g, 2)),
			Where(GreaterOrEqual(x, Scalar(g, 2)), x, Scalar(g, -1)),
			Sub(Scalar(g, 10), x),
		}
	}, []any{
		[][]float64{{2, 3}, {4, 5}},
		[][]float64{{1, 4}, {9, 16}},
		[][]float64{{1, 0.5}, {1.0 / 3.0, 0.25}},
		[][]float64{{1, 4}, {9, 16}},
		[][]float64{{2.5, 2.5}, {3, 4}},
		[][]float64{{0, 1}, {1, 1}},
		[][]float64{{-1, 2}, {3, 4}},
		[][]float64{{9, 8}, {7, 6}},
	}, 1e-9)

	graphtest.RunTestGraphFn(t, "Unary", func(g *Graph) (ParamsMap, []*Node) {
		params := ParamsMap{}
		x := graphtest.BatchedParameter(g, params, "x", []float64{-1, 0, 2})
		return params, []*Node{Neg(x), Abs(x), Sign(x), Exp(x), Tanh(x), Logistic(x), Sin(x), Cos(x)}
	}, []any{
		[]float64{1, 0, -2},
		[]float64{1, 0, 2},
		[]float64{-1, 0, 1},
		[]float64{math.Exp(-1), 1, math.Exp(2)},
		[]float64{math.Tanh(-1), 0, math.Tanh(2)},
		[]float64{1 / (1 + math.E), 0.5, 1 / (1 + math.Exp(-2))},
		[]float64{math.Sin(-1), 0, math.Sin(2)},
		[]float64{math.Cos(-1), 1, math.Cos(2)},
	}, 1e-9)
}

func TestReduceOps(t *testing.T) {
	graphtest.RunTestGraphFn(t, "Reduce", func(g *Graph) (ParamsMap, []*Node) {
		params := ParamsMap{}
		x := graphtest.BatchedParameter(g, params, "x", xValue)
		return params, []*Node{
			ReduceSum(x, 1),
			ReduceSum(x, 0),
			ReduceAllSum(x),
			ReduceMax(x, -1),
			ReduceAllMean(x),
			ReduceMean(x, 0),
		}
	}, []any{
		[]float64{3, 7},
		[]float64{4, 6},
		10.0,
		[]float64{2, 4},
		2.5,
		[]float64{2, 3},
	}, 1e-9)
}

func TestShapeOps(t *testing.T) {
	graphtest.RunTestGraphFn(t, "Shape", func(g *Graph) (ParamsMap, []*Node) {
		params := ParamsMap{}
		x := graphtest.BatchedParameter(g, params, "x", xValue)
		w := Const(g, [][]float64{{1, 0, 1}, {0, 1, 1}})
		return params, []*Node{
			Concatenate([]*Node{x, x}, 1),
			SliceAxis(x, 1, 1, 2),
			PadAxis(x, 1, 1, 0),
			Broadcast(ReduceSum(x, 1), shapes.WithBatch(shapes.Make(3)), 0),
			Reshape(x, shapes.BatchDim, 2, 1),
			Dot(x, w),
			BroadcastToShape(Const(g, []float64{10, 20}), x.Shape()),
			Flatten(Reshape(x, shapes.BatchDim, 2, 1)),
		}
	}, []any{
		[][]float64{{1, 2, 1, 2}, {3, 4, 3, 4}},
		[][]float64{{2}, {4}},
		[][]float64{{0, 1, 2}, {0, 3, 4}},
		[][]float64{{3, 3, 3}, {7, 7, 7}},
		[][][]float64{{{1}, {2}}, {{3}, {4}}},
		[][]float64{{1, 2, 3}, {3, 4, 7}},
		[][]float64{{10, 20}, {10, 20}},
		xValue,
	}, 1e-9)

	graphtest.RunTestGraphFn(t, "Softmax", func(g *Graph) (ParamsMap, []*Node) {
		params := ParamsMap{}
		x := graphtest.BatchedParameter(g, params, "x", [][]float64{{1, 1, 1}, {0, 0, 1000}})
		return params, []*Node{Softmax(x)}
	}, []any{
		[][]float64{{1.0 / 3, 1.0 / 3, 1.0 / 3}, {0, 0, 1}},
	}, 1e-9)
}

func TestShapeErrors(t *testing.T) {
	g := NewGraph("")
	x := Parameter(g, "x", shapes.WithBatch(shapes.Make(2)))
	y := Parameter(g, "y", shapes.WithBatch(shapes.Make(3)))
	require.Panics(t, func() { _ = Add(x, y) })
	require.Panics(t, func() { _ = Concatenate([]*Node{x, x}, 0) })
	require.Panics(t, func() { _ = Reshape(x, 2) })
	require.Panics(t, func() { _ = SliceAxis(x, 0, 0, 1) })
	require.Panics(t, func() { _ = Parameter(g, "x", shapes.Scalar()) })

	other := NewGraph("other")
	err := exceptions.TryCatch[error](func() { _ = Add(x, Scalar(other, 1)) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "different graphs")
}

func TestRun(t *testing.T) {
	g := NewGraph("run")
	x := Parameter(g, "x", shapes.WithBatch(shapes.Scalar()))
	y := Parameter(g, "y", shapes.WithBatch(shapes.Scalar()))
	sum := Add(x, y)

	results, err := g.Run(ParamsMap{x: []float64{1, 2}, y: []float64{3, 4}}, sum, BatchSize(g))
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 6}, results[0].Value())
	assert.Equal(t, 2.0, results[1].Value())

	// Only needed parameters are required.
	results, err = g.Run(ParamsMap{x: []float64{1, 2, 3}}, Square(x))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 4, 9}, results[0].Value())

	// The batch size comes from any fed parameter, even if the outputs don't depend on it.
	results, err = g.Run(ParamsMap{x: []float64{1, 2, 3}}, Zeros(g, shapes.WithBatch(shapes.Scalar())), BatchSize(g))
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0}, results[0].Value())
	assert.Equal(t, 3.0, results[1].Value())

	_, err = g.Run(ParamsMap{x: []float64{1, 2}}, sum)
	require.ErrorContains(t, err, "not fed")

	_, err = g.Run(ParamsMap{x: []float64{1, 2}, y: []float64{1, 2, 3}}, sum)
	require.ErrorContains(t, err, "batch size")

	_, err = g.Run(ParamsMap{x: [][]float64{{1, 2}}, y: []float64{1}}, sum)
	require.Error(t, err)

	_, err = g.Run(ParamsMap{}, BatchSize(g))
	require.Error(t, err)
}

func TestParallelKernels(t *testing.T) {
	const n = 50_000
	values := make([]float64, n)
	for ii := range values {
		values[ii] = float64(ii%100) / 10
	}
	g := NewGraph("parallel")
	x := Parameter(g, "x", shapes.WithBatch(shapes.Scalar()))
	out := Tanh(Mul(x, Scalar(g, 0.5)))

	SetMaxParallelism(0)
	sequential, err := g.Run(ParamsMap{x: values}, out)
	require.NoError(t, err)
	SetMaxParallelism(4)
	defer SetMaxParallelism(runtime.NumCPU())
	parallel, err := g.Run(ParamsMap{x: tensors.FromColumn(values)}, out)
	require.NoError(t, err)
	require.True(t, sequential[0].Equal(parallel[0]))
}
