// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package compiler builds one batched computation graph out of a system of equations.
//
// Given the independent variables (the inputs, fed at execution time) and the equations of a system, Compile
// walks the variables each equation depends on, and returns a CompiledGraph with:
//
//   - One placeholder per independent variable, shaped `[batch]+shape`.
//   - One weight placeholder per equation, shaped `[batch]`.
//   - The per-item value of each equation (the mean squared difference of its sides), unweighted and
//     multiplied by its weight.
//   - The per-item mean over the equations of the weighted values, and its mean over the batch: the
//     scalar to minimize when training.
//
// Dependent variables are networks whose weights are stored in a context.Context, under a scope derived
// from the name and ID of the variable. Two graphs compiled with the same context share the weights: one
// is typically used for training and another for evaluation.
package compiler

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/puddle/errs"
	. "github.com/gomlx/puddle/graph"
	"github.com/gomlx/puddle/ml/context"
	"github.com/gomlx/puddle/ml/layers/fnn"
	"github.com/gomlx/puddle/ml/train/losses"
	"github.com/gomlx/puddle/pkg/support/sets"
	"github.com/gomlx/puddle/types/shapes"
	"github.com/gomlx/puddle/variables"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NetworksScope is the scope, under the context given to CompileInContext, where the weights of the
// dependent variables are stored.
const NetworksScope = "dependents"

// compilationContext holds the state of one compilation: the memoized nodes are keyed by variable ID, so
// each variable is compiled only once, no matter how many expressions use it.
type compilationContext struct {
	ctx *context.Context
	g   *Graph

	// built holds the per-item value of each compiled variable, shaped `[batch]+shape`.
	built map[variables.ID]*Node

	// flattened holds the per-item values reshaped to `[batch, size]`, used as network inputs.
	flattened map[variables.ID]*Node
}

// Compile the equations into a new graph, with the independents as its inputs. The weights of the dependent
// variables are created in a new context. See CompileInContext.
func Compile(reg *variables.Registry, independents, equations []*variables.Variable) (*CompiledGraph, error) {
	return CompileInContext(context.New(), reg, independents, equations)
}

// CompileInContext compiles the equations into a new graph, with the independents as its inputs.
//
// independents must be Space variables, and equations must be Equation variables, all declared in reg. Neither
// can hold nil or duplicate entries, and no variable can be in both. Any violation, or an equation depending
// on a Space not given in independents, returns an errs.ErrConfiguration error.
//
// An empty list of equations is valid: the mean losses are then zero.
//
// The weights of the dependent variables are created (or reused, if they already exist) in ctx, under the
// scope NetworksScope.
func CompileInContext(ctx *context.Context, reg *variables.Registry, independents, equations []*variables.Variable) (
	compiled *CompiledGraph, err error) {
	if reg == nil {
		return nil, errs.Configurationf("compiler.Compile(): nil registry")
	}
	if ctx == nil {
		return nil, errs.Configurationf("compiler.Compile(): nil context")
	}
	independentsSet, err := toSet(reg, "independent variables", independents, func(v *variables.Variable) bool {
		return v.Kind() == variables.KindSpace
	})
	if err != nil {
		return nil, err
	}
	equationsSet, err := toSet(reg, "equations", equations, (*variables.Variable).IsEquation)
	if err != nil {
		return nil, err
	}
	if both := independentsSet.Intersect(equationsSet); len(both) > 0 {
		return nil, errs.Configurationf("compiler.Compile(): variables %v given both as independent variables and equations",
			reg.Sorted(both))
	}

	err = exceptions.TryCatch[error](func() {
		compiled = compile(ctx, reg, independentsSet, equationsSet)
	})
	if err != nil {
		if !errs.Is(err, errs.ErrConfiguration) {
			err = errors.WithMessagef(err, "compiler.Compile() failed to build the graph")
		}
		return nil, err
	}
	return compiled, nil
}

// toSet converts variables to a set, checking that they are valid, unique and of the expected kind.
func toSet(reg *variables.Registry, what string, vars []*variables.Variable, isKind func(v *variables.Variable) bool) (
	sets.Set[variables.ID], error) {
	set := sets.Make[variables.ID](len(vars))
	for ii, v := range vars {
		if v == nil {
			return nil, errs.Configurationf("compiler.Compile(): %s #%d is nil", what, ii)
		}
		if !reg.Owns(v) {
			return nil, errs.Configurationf("compiler.Compile(): %s: %s is not a variable of the registry", what, v)
		}
		if !isKind(v) {
			return nil, errs.Configurationf("compiler.Compile(): %s: %s has an invalid kind %s", what, v, v.Kind())
		}
		if set.Has(v.ID()) {
			return nil, errs.Configurationf("compiler.Compile(): %s is not a set, %s given more than once", what, v)
		}
		set.Insert(v.ID())
	}
	return set, nil
}

// compile builds the graph, it panics on errors.
func compile(ctx *context.Context, reg *variables.Registry, independentsSet, equationsSet sets.Set[variables.ID]) *CompiledGraph {
	g := NewGraph("compiled_" + uuid.NewString())
	cc := &compilationContext{
		ctx:       ctx.In(NetworksScope).Checked(false),
		g:         g,
		built:     make(map[variables.ID]*Node),
		flattened: make(map[variables.ID]*Node),
	}
	cg := &CompiledGraph{
		ctx:          ctx,
		graph:        g,
		reg:          reg,
		cc:           cc,
		independents: reg.Sorted(independentsSet),
		equations:    reg.Sorted(equationsSet),
		inputs:       make(map[variables.ID]*Node),
		weights:      make(map[variables.ID]*Node),
		unweighted:   make(map[variables.ID]*Node),
		weighted:     make(map[variables.ID]*Node),
	}

	// Placeholders are created first, in ID order, so they are there even if no equation uses them.
	for _, v := range cg.independents {
		node := Parameter(g, fmt.Sprintf("input:%s#%d", v.Name(), v.ID()), shapes.WithBatch(v.Shape()))
		cg.inputs[v.ID()] = node
		cc.built[v.ID()] = node
	}
	var allWeighted []*Node
	for _, eq := range cg.equations {
		weight := Parameter(g, fmt.Sprintf("weight:%s#%d", eq.Name(), eq.ID()), shapes.WithBatch(shapes.Scalar()))
		cg.weights[eq.ID()] = weight
		unweighted := cc.compileVariable(eq)
		cg.unweighted[eq.ID()] = unweighted
		left, right := cc.equationSides(eq.Definition().(*variables.Equation))
		weighted := losses.MeanSquaredError([]*Node{right, weight}, []*Node{left})
		cg.weighted[eq.ID()] = weighted
		allWeighted = append(allWeighted, weighted)
	}

	if len(allWeighted) == 0 {
		cg.mean = Zeros(g, shapes.WithBatch(shapes.Scalar()))
		cg.batchMean = Scalar(g, 0)
	} else {
		cg.mean = MulScalar(Sum(allWeighted...), 1.0/float64(len(allWeighted)))
		cg.batchMean = ReduceAllMean(cg.mean)
	}
	cg.nodes = cc.built
	if klog.V(1).Enabled() {
		klog.Infof("compiler: graph %q with %d independent variables, %d equations, %d variables compiled and %d nodes",
			g.Name(), len(cg.independents), len(cg.equations), len(cc.built), g.NumNodes())
	}
	return cg
}

// compileVariable returns the per-item value of v, shaped `[batch]+v.Shape()`, building it if needed.
func (cc *compilationContext) compileVariable(v *variables.Variable) *Node {
	if node, found := cc.built[v.ID()]; found {
		return node
	}
	var node *Node
	switch def := v.Definition().(type) {
	case *variables.Space:
		// Placeholders were all created upfront.
		panic(errs.Configurationf("compiler.Compile(): %s is used by an equation, but it's not one of the independent variables given", v))
	case *variables.Constant:
		node = cc.broadcastToBatch(Const(cc.g, def.Value()))
	case *variables.Dependent:
		node = cc.compileDependent(v, def)
	case *variables.Derivative:
		node = cc.compileDerivative(def)
	case *variables.Equation:
		node = cc.compileEquation(def)
	case *variables.Operator:
		node = cc.compileOperator(v, def)
	case *variables.Indexed:
		node = selectItem(cc.compileVariable(def.Target()), v, def)
	default:
		exceptions.Panicf("compiler.Compile(): variable %s has unknown definition type %T", v, def)
	}
	if want := shapes.WithBatch(v.Shape()); !node.Shape().Equal(want) {
		exceptions.Panicf("compiler.Compile(): variable %s compiled to shape %s, wanted %s", v, node.Shape(), want)
	}
	cc.built[v.ID()] = node
	return node
}

// broadcastToBatch broadcasts a node without the batch axis to `[batch]+shape`.
func (cc *compilationContext) broadcastToBatch(x *Node) *Node {
	axes := make([]int, x.Rank())
	for ii := range axes {
		axes[ii] = ii + 1
	}
	return Broadcast(x, shapes.WithBatch(x.Shape()), axes...)
}

// broadcastItems broadcasts a per-item scalar, shaped `[batch]`, to `[batch]+item`.
func broadcastItems(x *Node, item shapes.Shape) *Node {
	if item.Rank() == 0 || x.Rank() > 1 {
		return x
	}
	return Broadcast(x, shapes.WithBatch(item), 0)
}

// flatten returns the per-item value of v reshaped to `[batch, size]`.
func (cc *compilationContext) flatten(v *variables.Variable) *Node {
	if node, found := cc.flattened[v.ID()]; found {
		return node
	}
	node := Reshape(cc.compileVariable(v), shapes.BatchDim, v.Size())
	cc.flattened[v.ID()] = node
	return node
}

// networkScope returns the scope name of the weights of a dependent variable.
func networkScope(v *variables.Variable) string {
	name := v.Name()
	if name == "" {
		name = "dependent"
	}
	return fmt.Sprintf("%s_%d", context.EscapeScopeName(name), v.ID())
}

func (cc *compilationContext) compileDependent(v *variables.Variable, def *variables.Dependent) *Node {
	arguments := def.Arguments()
	parts := make([]*Node, len(arguments))
	for ii, arg := range arguments {
		parts[ii] = cc.flatten(arg)
	}
	input := Concatenate(parts, 1)
	return fnn.New(cc.ctx.In(networkScope(v)), input, def.Layers()...).Done()
}

// selectItem selects, from the per-item values of an indexed variable's target, the ones of v.
func selectItem(target *Node, v *variables.Variable, def *variables.Indexed) *Node {
	node := SliceAxis(target, 1, def.Index(), def.Index()+1)
	return Reshape(node, shapes.WithBatch(v.Shape()).Dimensions...)
}

// compileDerivative differentiates each component of the target separately: since items are
// independent, the gradient of the sum over the batch holds the per-item derivatives.
func (cc *compilationContext) compileDerivative(def *variables.Derivative) *Node {
	target := cc.compileVariable(def.Target())
	if def.Target().Rank() == 0 {
		return cc.gradient(target, def.WithRespectTo())
	}
	dim := def.Target().Shape().Dimensions[0]
	components := make([]*Node, dim)
	for ii := range dim {
		component := SliceAxis(target, 1, ii, ii+1)
		components[ii] = ExpandDims(cc.gradient(component, def.WithRespectTo()), 1)
	}
	return Concatenate(components, 1)
}

// gradient returns the per-item gradient of output with respect to wrt.
//
// The node of an indexed variable is a slice of its target's node, and expressions built from the whole
// target don't go through it. So for a chain of Index over a variable, the gradient is taken with respect
// to the variable at the root of the chain, and then indexed the same way.
func (cc *compilationContext) gradient(output *Node, wrt *variables.Variable) *Node {
	var chain []*variables.Variable
	root := wrt
	for root.Kind() == variables.KindIndexed {
		chain = append(chain, root)
		root = root.Definition().(*variables.Indexed).Target()
	}
	grad := Gradient(ReduceAllSum(output), cc.compileVariable(root))[0]
	for ii := len(chain) - 1; ii >= 0; ii-- {
		grad = selectItem(grad, chain[ii], chain[ii].Definition().(*variables.Indexed))
	}
	return grad
}

// equationSides returns the per-item values of both sides of an equation, with a scalar side broadcast
// to the shape of the other.
func (cc *compilationContext) equationSides(def *variables.Equation) (left, right *Node) {
	left, right = cc.compileVariable(def.Left()), cc.compileVariable(def.Right())
	item := def.Left().Shape()
	if item.Rank() == 0 {
		item = def.Right().Shape()
	}
	return broadcastItems(left, item), broadcastItems(right, item)
}

// compileEquation returns the per-item mean of the squared difference of the sides.
func (cc *compilationContext) compileEquation(def *variables.Equation) *Node {
	left, right := cc.equationSides(def)
	return losses.MeanSquaredError([]*Node{right}, []*Node{left})
}

func (cc *compilationContext) compileOperator(v *variables.Variable, def *variables.Operator) *Node {
	operands := def.Operands()
	nodes := make([]*Node, len(operands))
	for ii, operand := range operands {
		nodes[ii] = cc.compileVariable(operand)
	}
	op := def.Op()
	if op.IsElementWise() {
		for ii := range nodes {
			nodes[ii] = broadcastItems(nodes[ii], v.Shape())
		}
	}
	switch op {
	case variables.OpAdd:
		return Add(nodes[0], nodes[1])
	case variables.OpSubtract:
		return Sub(nodes[0], nodes[1])
	case variables.OpMultiply:
		return Mul(nodes[0], nodes[1])
	case variables.OpDivide:
		return Div(nodes[0], nodes[1])
	case variables.OpPow:
		return Pow(nodes[0], nodes[1])
	case variables.OpNegate:
		return Neg(nodes[0])
	case variables.OpSquare:
		return Square(nodes[0])
	case variables.OpSqrt:
		return Sqrt(nodes[0])
	case variables.OpExp:
		return Exp(nodes[0])
	case variables.OpLog:
		return Log(nodes[0])
	case variables.OpSin:
		return Sin(nodes[0])
	case variables.OpCos:
		return Cos(nodes[0])
	case variables.OpTanh:
		return Tanh(nodes[0])
	case variables.OpStack:
		expanded := slices.Clone(nodes)
		for ii, node := range expanded {
			expanded[ii] = ExpandDims(node, 1)
		}
		return Concatenate(expanded, 1)
	case variables.OpDot:
		return ReduceSum(Mul(nodes[0], nodes[1]), 1)
	}
	exceptions.Panicf("compiler.Compile(): operator %s of %s not supported", op, v)
	return nil
}
