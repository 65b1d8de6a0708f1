// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph_test

import (
	"math"
	"testing"

	. "github.com/gomlx/puddle/graph"
	"github.com/gomlx/puddle/graph/graphtest"
	"github.com/gomlx/puddle/types/shapes"
	"github.com/gomlx/puddle/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGradient(t *testing.T) {
	graphtest.RunTestGraphFn(t, "Gradient: x^2", func(g *Graph) (ParamsMap, []*Node) {
		params := ParamsMap{}
		x := graphtest.BatchedParameter(g, params, "x", xValue)
		return params, Gradient(ReduceAllSum(Square(x)), x)
	}, []any{[][]float64{{2, 4}, {6, 8}}}, 1e-9)

	graphtest.RunTestGraphFn(t, "Gradient: Dot", func(g *Graph) (ParamsMap, []*Node) {
		params := ParamsMap{}
		x := graphtest.BatchedParameter(g, params, "x", xValue)
		w := Parameter(g, "w", shapes.Make(2, 3))
		params[w] = [][]float64{{1, 0, 1}, {0, 1, 1}}
		return params, Gradient(ReduceAllSum(Dot(x, w)), w, x)
	}, []any{
		[][]float64{{4, 4, 4}, {6, 6, 6}},
		[][]float64{{2, 2}, {2, 2}},
	}, 1e-9)

	graphtest.RunTestGraphFn(t, "Gradient: shape ops", func(g *Graph) (ParamsMap, []*Node) {
		params := ParamsMap{}
		x := graphtest.BatchedParameter(g, params, "x", xValue)
		weights := Const(g, []float64{1, 10, 100, 1000})
		y := Mul(Concatenate([]*Node{x, SliceAxis(PadAxis(x, 1, 1, 0), 1, 0, 2)}, 1), BroadcastToShape(weights, shapes.WithBatch(shapes.Make(4))))
		return params, Gradient(ReduceAllSum(y), x)
	}, []any{
		// x contributes with weights [1, 10] directly, and shifted by one: x[0] with weight 1000.
		[][]float64{{1 + 1000, 10}, {1 + 1000, 10}},
	}, 1e-9)

	graphtest.RunTestGraphFn(t, "Gradient: no path", func(g *Graph) (ParamsMap, []*Node) {
		params := ParamsMap{}
		x := graphtest.BatchedParameter(g, params, "x", xValue)
		y := graphtest.BatchedParameter(g, params, "y", xValue)
		return params, Gradient(ReduceAllSum(Add(Square(x), StopGradient(y))), y)
	}, []any{[][]float64{{0, 0}, {0, 0}}}, 0)
}

func TestSecondOrderGradient(t *testing.T) {
	graphtest.RunTestGraphFn(t, "d2/dx2", func(g *Graph) (ParamsMap, []*Node) {
		params := ParamsMap{}
		x := graphtest.BatchedParameter(g, params, "x", []float64{1, 2, 3})
		cube := Pow(x, Scalar(g, 3))
		first := Gradient(ReduceAllSum(cube), x)[0]
		second := Gradient(ReduceAllSum(first), x)[0]
		s := graphtest.BatchedParameter(g, params, "s", []float64{0, math.Pi / 2, math.Pi})
		sinSecond := Gradient(ReduceAllSum(Gradient(ReduceAllSum(Sin(s)), s)[0]), s)[0]
		return params, []*Node{first, second, sinSecond}
	}, []any{
		[]float64{3, 12, 27},
		[]float64{6, 12, 18},
		[]float64{0, -1, 0},
	}, 1e-9)
}

// TestGradientOfDerivative checks the gradient with respect to weights of a loss over the derivative of a small
// network with respect to its input, against finite differences.
func TestGradientOfDerivative(t *testing.T) {
	g := NewGraph("")
	x := Parameter(g, "x", shapes.WithBatch(shapes.Make(1)))
	w := Parameter(g, "w", shapes.Make(1, 2))
	v := Parameter(g, "v", shapes.Make(2, 1))
	y := Dot(Tanh(Dot(x, w)), v)
	dydx := Gradient(ReduceAllSum(y), x)[0]
	loss := ReduceAllMean(Square(dydx))
	grads := Gradient(loss, w, v)

	xValue := tensors.FromFlatDataAndDimensions([]float64{0.5, 1.0, -0.3}, 3, 1)
	wValue := []float64{0.8, -0.4}
	vValue := []float64{0.3, 1.2}
	run := func(wFlat, vFlat []float64) []*tensors.Tensor {
		results, err := g.Run(ParamsMap{
			x: xValue,
			w: tensors.FromFlatDataAndDimensions(wFlat, 1, 2),
			v: tensors.FromFlatDataAndDimensions(vFlat, 2, 1),
		}, loss, grads[0], grads[1])
		require.NoError(t, err)
		return results
	}
	results := run(wValue, vValue)
	const eps = 1e-6
	for ii := range wValue {
		plus, minus := append([]float64(nil), wValue...), append([]float64(nil), wValue...)
		plus[ii] += eps
		minus[ii] -= eps
		numeric := (run(plus, vValue)[0].Scalar() - run(minus, vValue)[0].Scalar()) / (2 * eps)
		assert.InDeltaf(t, numeric, results[1].Flat()[ii], 1e-6, "dLoss/dw[%d]", ii)
	}
	for ii := range vValue {
		plus, minus := append([]float64(nil), vValue...), append([]float64(nil), vValue...)
		plus[ii] += eps
		minus[ii] -= eps
		numeric := (run(wValue, plus)[0].Scalar() - run(wValue, minus)[0].Scalar()) / (2 * eps)
		assert.InDeltaf(t, numeric, results[2].Flat()[ii], 1e-6, "dLoss/dv[%d]", ii)
	}
}

func TestGradientRequiresScalar(t *testing.T) {
	g := NewGraph("")
	x := Parameter(g, "x", shapes.WithBatch(shapes.Scalar()))
	require.Panics(t, func() { _ = Gradient(Square(x), x) })
}
