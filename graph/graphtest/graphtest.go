// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graphtest holds test utilities for packages that depend on the graph package.
package graphtest

import (
	"fmt"
	"testing"

	"github.com/gomlx/puddle/graph"
	"github.com/gomlx/puddle/types/shapes"
	"github.com/gomlx/puddle/types/tensors"
	"github.com/stretchr/testify/require"
)

// TestGraphFn should build its own inputs, and return the parameters values to feed, and the outputs.
type TestGraphFn func(g *graph.Graph) (params graph.ParamsMap, outputs []*graph.Node)

// RunTestGraphFn tests a graph building function graphFn by executing it and comparing
// its output(s) to the values in want, reporting back any errors in t.
//
// delta is the margin of value on the difference of output and want values that are acceptable.
// Values of delta <= 0 means only exact equality is accepted.
func RunTestGraphFn(t *testing.T, testName string, graphFn TestGraphFn, want []any, delta float64) {
	t.Run(testName, func(t *testing.T) {
		wantTensors := make([]*tensors.Tensor, len(want))
		for ii, value := range want {
			if s, ok := value.(shapes.Shape); ok {
				wantTensors[ii] = tensors.FromShape(s)
			} else {
				wantTensors[ii] = tensors.FromAnyValue(value)
			}
		}
		g := graph.NewGraph(testName)
		var params graph.ParamsMap
		var outputs []*graph.Node
		require.NotPanicsf(t, func() { params, outputs = graphFn(g) }, "%s: failed to build graph", testName)
		require.Equalf(t, len(want), len(outputs), "%s: number of wanted results different from number of outputs", testName)
		results, err := g.Run(params, outputs...)
		require.NoErrorf(t, err, "%s: failed to execute graph", testName)

		fmt.Printf("\n%s:\n", testName)
		for ii, output := range results {
			fmt.Printf("\tOutput %d: %s\n", ii, output)
		}
		for ii, output := range results {
			require.Truef(t, wantTensors[ii].InDelta(output, delta), "%s: output #%d %s doesn't match wanted value %v",
				testName, ii, output, want[ii])
		}
	})
}

// BatchedParameter creates a parameter with the batch axis and item dimensions taken from value
// (whose first axis is the batch), and adds its value to params.
func BatchedParameter(g *graph.Graph, params graph.ParamsMap, name string, value any) *graph.Node {
	t := tensors.FromAnyValue(value)
	itemDims := t.Shape().Dimensions[1:]
	node := graph.Parameter(g, name, shapes.WithBatch(shapes.Make(itemDims...)))
	params[node] = t
	return node
}
