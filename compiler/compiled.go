// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compiler

import (
	"maps"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/puddle/errs"
	. "github.com/gomlx/puddle/graph"
	"github.com/gomlx/puddle/ml/context"
	"github.com/gomlx/puddle/types/shapes"
	"github.com/gomlx/puddle/types/tensors"
	"github.com/gomlx/puddle/variables"
	"github.com/pkg/errors"
)

// CompiledGraph is the result of Compile: the graph and the lookup of its nodes by variable ID.
type CompiledGraph struct {
	ctx   *context.Context
	graph *Graph
	reg   *variables.Registry
	cc    *compilationContext

	independents, equations []*variables.Variable

	// inputs are the placeholders of the independent variables, weights the placeholders of the
	// equation weights.
	inputs, weights map[variables.ID]*Node

	unweighted, weighted map[variables.ID]*Node
	mean, batchMean      *Node

	// nodes holds the per-item value of every compiled variable.
	nodes map[variables.ID]*Node
}

// Graph returns the computation graph.
func (cg *CompiledGraph) Graph() *Graph { return cg.graph }

// Context returns the context holding the weights of the dependent variables.
func (cg *CompiledGraph) Context() *context.Context { return cg.ctx }

// IndependentVariables returns the inputs of the graph, sorted by ID.
func (cg *CompiledGraph) IndependentVariables() []*variables.Variable {
	return slices.Clone(cg.independents)
}

// Equations returns the equations of the graph, sorted by ID.
func (cg *CompiledGraph) Equations() []*variables.Variable { return slices.Clone(cg.equations) }

// Input returns the placeholder fed for the variable id: the value placeholder of an independent variable,
// or the weight placeholder of an equation. Any other variable returns an errs.ErrGraphLookup error.
func (cg *CompiledGraph) Input(id variables.ID) (*Node, error) {
	if node, found := cg.inputs[id]; found {
		return node, nil
	}
	if node, found := cg.weights[id]; found {
		return node, nil
	}
	if _, found := cg.nodes[id]; found {
		return nil, errs.GraphLookupf("variable #%d is an output of the graph, it has no input", id)
	}
	return nil, errs.GraphLookupf("variable #%d is not part of the graph", id)
}

// Inputs returns the placeholders for each of the ids. See Input.
func (cg *CompiledGraph) Inputs(ids ...variables.ID) ([]*Node, error) {
	nodes := make([]*Node, len(ids))
	for ii, id := range ids {
		var err error
		nodes[ii], err = cg.Input(id)
		if err != nil {
			return nil, err
		}
	}
	return nodes, nil
}

// Output returns the per-item value of the variable id, shaped `[batch]+shape`.
//
// Equations return their loss, multiplied by their weight if weighted is true. Independent variables return
// their placeholder. Any other variable used by the equations returns its compiled value. Variables not
// in the graph return an errs.ErrGraphLookup error.
func (cg *CompiledGraph) Output(id variables.ID, weighted bool) (*Node, error) {
	if _, found := cg.unweighted[id]; found {
		if weighted {
			return cg.weighted[id], nil
		}
		return cg.unweighted[id], nil
	}
	if node, found := cg.inputs[id]; found {
		return node, nil
	}
	if node, found := cg.nodes[id]; found {
		return node, nil
	}
	return nil, errs.GraphLookupf("variable #%d is not part of the graph", id)
}

// AddOutputs compiles variables that are not used by the equations, so they can be queried with Output.
// Variables already compiled are left as they are.
//
// E.g.: a dependent variable to be evaluated in a graph compiled with no equations.
func (cg *CompiledGraph) AddOutputs(vars ...*variables.Variable) error {
	for ii, v := range vars {
		if v == nil {
			return errs.Configurationf("CompiledGraph.AddOutputs(): variable #%d is nil", ii)
		}
		if !cg.reg.Owns(v) {
			return errs.Configurationf("CompiledGraph.AddOutputs(): %s is not a variable of the registry", v)
		}
	}
	return exceptions.TryCatch[error](func() {
		for _, v := range vars {
			cg.cc.compileVariable(v)
		}
	})
}

// Outputs returns the per-item value of each of the ids. See Output.
func (cg *CompiledGraph) Outputs(ids []variables.ID, weighted bool) ([]*Node, error) {
	nodes := make([]*Node, len(ids))
	for ii, id := range ids {
		var err error
		nodes[ii], err = cg.Output(id, weighted)
		if err != nil {
			return nil, err
		}
	}
	return nodes, nil
}

// MeanLosses returns the per-item mean over the equations of their weighted losses, shaped `[batch]`.
func (cg *CompiledGraph) MeanLosses() *Node { return cg.mean }

// BatchMeanLoss returns the mean over the batch of MeanLosses: the scalar to minimize.
func (cg *CompiledGraph) BatchMeanLoss() *Node { return cg.batchMean }

// Nodes returns the per-item value of every compiled variable, including the placeholders of the
// independent variables and the unweighted equations. The returned map is a copy.
func (cg *CompiledGraph) Nodes() map[variables.ID]*Node { return maps.Clone(cg.nodes) }

// Feeds converts the values of independent variables, and the weights of equations, to the parameters
// of the graph. All values must have the same batch size.
//
// Values for variables not in the graph return an errs.ErrGraphLookup error, and invalid shapes an
// errs.ErrConfiguration error.
func (cg *CompiledGraph) Feeds(values, weights map[variables.ID]*tensors.Tensor) (ParamsMap, error) {
	params := make(ParamsMap, len(values)+len(weights))
	batchSize := -1
	feed := func(what string, placeholders map[variables.ID]*Node, id variables.ID, value *tensors.Tensor) error {
		node, found := placeholders[id]
		if !found {
			return errs.GraphLookupf("%s given for variable #%d, which is not one of the graph's %s", what, id, what)
		}
		if value == nil {
			return errs.Configurationf("nil %s given for variable #%d", what, id)
		}
		shape := value.Shape()
		if shape.Rank() != node.Rank() || !shapes.Make(shape.Dimensions[1:]...).Equal(node.Shape().Item()) {
			return errs.Configurationf("%s for variable #%d has shape %s, wanted [batch]+%s", what, id, shape,
				node.Shape().Item())
		}
		if batchSize >= 0 && value.BatchSize() != batchSize {
			return errs.Configurationf("%s for variable #%d has batch size %d, other values have batch size %d",
				what, id, value.BatchSize(), batchSize)
		}
		batchSize = value.BatchSize()
		params[node] = value
		return nil
	}
	for _, id := range sortedKeys(values) {
		if err := feed("values", cg.inputs, id, values[id]); err != nil {
			return nil, err
		}
	}
	for _, id := range sortedKeys(weights) {
		if err := feed("weights", cg.weights, id, weights[id]); err != nil {
			return nil, err
		}
	}
	return params, nil
}

func sortedKeys[T any](m map[variables.ID]T) []variables.ID {
	return slices.Sorted(maps.Keys(m))
}

// Run feeds the values and weights, evaluates the outputs of the queried variables (see Output) and returns
// their values, one per query.
//
// It's executed with Context.ExecRun: if the graph was extended with updates to the weights (by an
// optimizer), they are applied.
func (cg *CompiledGraph) Run(values, weights map[variables.ID]*tensors.Tensor, queries []variables.ID, weighted bool) (
	[]*tensors.Tensor, error) {
	params, err := cg.Feeds(values, weights)
	if err != nil {
		return nil, err
	}
	outputs, err := cg.Outputs(queries, weighted)
	if err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		return nil, nil
	}
	results, err := cg.ctx.ExecRun(cg.graph, params, outputs...)
	if err != nil {
		return nil, errors.WithMessagef(err, "running compiled graph %q", cg.graph.Name())
	}
	return results, nil
}
