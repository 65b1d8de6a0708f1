// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/puddle/graph"
	"github.com/gomlx/puddle/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ExecSetVariablesInParams adds all variables used by the graph to the ParamsMap. Variables not yet
// initialized are initialized first.
//
// `Exec*` methods are used by those implementing an executor (like Context.ExecRun) or related tests, not
// normally needed by end users.
func (ctx *Context) ExecSetVariablesInParams(params graph.ParamsMap, g *graph.Graph) {
	ctx.InitializeVariables()
	ctx.EnumerateVariables(func(v *Variable) {
		if v.InUseByGraph(g) {
			params[v.ParamNode(g)] = v.Value()
		}
	})
}

// ExecRun executes the graph g with the given params (usually the graph inputs) plus the current values of
// the variables used by the graph, and returns the values of the outputs.
//
// Variables whose value node was changed in g (see Variable.SetValueGraph) are also evaluated, and
// their new values are stored back in the variables.
func (ctx *Context) ExecRun(g *graph.Graph, params graph.ParamsMap, outputs ...*graph.Node) (results []*tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		allParams := make(graph.ParamsMap, len(params)+ctx.NumVariables())
		for node, value := range params {
			allParams[node] = value
		}
		ctx.ExecSetVariablesInParams(allParams, g)

		var changed []*Variable
		allOutputs := append([]*graph.Node{}, outputs...)
		ctx.EnumerateVariables(func(v *Variable) {
			if v.ChangedInGraph(g) {
				changed = append(changed, v)
				allOutputs = append(allOutputs, v.ValueGraph(g))
			}
		})
		var values []*tensors.Tensor
		values, err = g.Run(allParams, allOutputs...)
		if err != nil {
			panic(errors.WithMessagef(err, "Context.ExecRun(graph %q)", g.Name()))
		}
		for ii, v := range changed {
			v.SetValue(values[len(outputs)+ii])
		}
		if klog.V(3).Enabled() {
			klog.Infof("Context.ExecRun(graph %q): %d outputs, %d variables updated", g.Name(), len(outputs), len(changed))
		}
		results = values[:len(outputs)]
	})
	if err != nil {
		results = nil
	}
	return
}
