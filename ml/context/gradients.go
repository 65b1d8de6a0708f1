// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/puddle/graph"
)

// TrainableVariablesInUse returns the trainable variables used by graph g, in creation order.
func (ctx *Context) TrainableVariablesInUse(g *graph.Graph) []*Variable {
	var trainable []*Variable
	ctx.EnumerateVariables(func(v *Variable) {
		if v.Trainable && v.InUseByGraph(g) {
			trainable = append(trainable, v)
		}
	})
	return trainable
}

// BuildTrainableVariablesGradientsGraph returns the gradient of the loss with respect to the current value
// of each trainable variable used in the graph, in the order returned by TrainableVariablesInUse.
//
// loss must be a scalar.
func (ctx *Context) BuildTrainableVariablesGradientsGraph(loss *graph.Node) []*graph.Node {
	if !loss.IsScalar() {
		Panicf("Context.BuildTrainableVariablesGradientsGraph() requires a scalar loss, got %s", loss.Shape())
	}
	g := loss.Graph()
	trainable := ctx.TrainableVariablesInUse(g)
	if len(trainable) == 0 {
		return nil
	}
	values := make([]*graph.Node, len(trainable))
	for ii, v := range trainable {
		values[ii] = v.ValueGraph(g)
	}
	return graph.Gradient(loss, values...)
}
