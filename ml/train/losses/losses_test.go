// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package losses

import (
	"testing"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/puddle/graph"
	"github.com/gomlx/puddle/graph/graphtest"
	"github.com/stretchr/testify/require"
)

func TestMeanSquaredError(t *testing.T) {
	graphtest.RunTestGraphFn(t, "MeanSquaredError: per example", func(g *Graph) (ParamsMap, []*Node) {
		params := ParamsMap{}
		labels := graphtest.BatchedParameter(g, params, "labels", [][]float64{{1, 2}, {3, 4}, {0, 0}})
		predictions := graphtest.BatchedParameter(g, params, "predictions", [][]float64{{1, 0}, {0, 4}, {1, 1}})
		return params, []*Node{MeanSquaredError([]*Node{labels}, []*Node{predictions})}
	}, []any{[]float64{2, 4.5, 1}}, 1e-9)

	graphtest.RunTestGraphFn(t, "MeanSquaredError: per example weights", func(g *Graph) (ParamsMap, []*Node) {
		params := ParamsMap{}
		labels := graphtest.BatchedParameter(g, params, "labels", [][]float64{{1, 2}, {3, 4}, {0, 0}})
		predictions := graphtest.BatchedParameter(g, params, "predictions", [][]float64{{1, 0}, {0, 4}, {1, 1}})
		weights := graphtest.BatchedParameter(g, params, "weights", []float64{0, 2, 0.5})
		return params, []*Node{MeanSquaredError([]*Node{labels, weights}, []*Node{predictions})}
	}, []any{[]float64{0, 9, 0.5}}, 1e-9)

	graphtest.RunTestGraphFn(t, "MeanSquaredError: scalar items", func(g *Graph) (ParamsMap, []*Node) {
		params := ParamsMap{}
		labels := graphtest.BatchedParameter(g, params, "labels", []float64{1, 2, 3})
		predictions := graphtest.BatchedParameter(g, params, "predictions", []float64{0, 2, 5})
		weights := graphtest.BatchedParameter(g, params, "weights", []float64{1, 1, 0.25})
		return params, []*Node{
			MeanSquaredError([]*Node{labels}, []*Node{predictions}),
			ReduceAllMean(MeanSquaredError([]*Node{labels, weights}, []*Node{predictions})),
		}
	}, []any{[]float64{1, 0, 4}, 2.0 / 3.0}, 1e-9)

	graphtest.RunTestGraphFn(t, "MeanSquaredError: no batch axis", func(g *Graph) (ParamsMap, []*Node) {
		labels := Const(g, []float64{1, 2, 3})
		predictions := Const(g, []float64{1, 0, 0})
		return ParamsMap{}, []*Node{MeanSquaredError([]*Node{labels}, []*Node{predictions})}
	}, []any{13.0 / 3.0}, 1e-9)
}

func TestMeanSquaredErrorShapes(t *testing.T) {
	g := NewGraph("shapes")
	labels := Const(g, []float64{1, 2, 3})
	err := exceptions.TryCatch[error](func() {
		MeanSquaredError([]*Node{labels}, []*Node{Const(g, []float64{1, 2})})
	})
	require.ErrorContains(t, err, "must have same shape")

	err = exceptions.TryCatch[error](func() {
		MeanSquaredError([]*Node{labels, Const(g, []float64{1})}, []*Node{labels})
	})
	require.ErrorContains(t, err, "extra tensors")
}
