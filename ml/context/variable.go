// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/puddle/graph"
	"github.com/gomlx/puddle/types/shapes"
	"github.com/gomlx/puddle/types/tensors"
)

// Variable is a value shared among computation graphs, or across multiple executions of the same graph.
// It's commonly used to store the weights of the networks approximating the dependent variables.
// It's defined in a scope in a Context.
//
// The materialized value can be accessed in between graph executions by Value and SetValue methods.
//
// During the computation graph building, for a particular graph, one can access the graph value (Node)
// of a variable with ValueGraph. Variables are fed to a graph as parameters (see ParamNode), and their
// values are only passed during execution (see Context.ExecRun).
type Variable struct {
	ctx         *Context
	name, scope string

	// Trainable indicates whether variable is trainable. If set to false it won't be
	// touched by the optimizers.
	Trainable bool

	shape       shapes.Shape
	initializer VariableInitializer // Set if variable is not yet initialized.
	value       *tensors.Tensor

	// graphToNodes maps graphs in which this variable was used to its parameter Node and
	// its last value Node.
	graphToNodes map[*graph.Graph]*variableNodes
}

// variableNodes is used to store the variable parameter and current value Node for a given graph.
type variableNodes struct {
	paramNode, valueNode *graph.Node
}

func newVariable(ctx *Context, name string, shape shapes.Shape) *Variable {
	return &Variable{
		ctx:          ctx,
		name:         name,
		scope:        ctx.Scope(),
		shape:        shape,
		Trainable:    true,
		graphToNodes: make(map[*graph.Graph]*variableNodes),
	}
}

// Name of the variable within the scope.
func (v *Variable) Name() string {
	v.AssertValid()
	return v.name
}

// String implements stringer.
func (v *Variable) String() string {
	if v == nil {
		return "INVALID (NIL) VARIABLE"
	}
	return JoinScope(v.scope, v.name)
}

// AssertValid panics if the variable is nil.
func (v *Variable) AssertValid() {
	if v == nil {
		Panicf("context.Variable is nil")
	}
}

// Scope where the variable was created.
func (v *Variable) Scope() string {
	v.AssertValid()
	return v.scope
}

// Shape returns the variable shape.
func (v *Variable) Shape() shapes.Shape {
	v.AssertValid()
	return v.shape
}

// ParameterPrefix is used to prefix Graph parameter names for variables.
const ParameterPrefix = "var:"

// ParameterName used when creating a parameter node in a Graph to access the variable.
func (v *Variable) ParameterName() string {
	v.AssertValid()
	return ParameterPrefix + JoinScope(v.scope, v.name)
}

// Value returns the tensor holding the variable value, or nil if it hasn't been initialized yet
// (see Context.InitializeVariables).
func (v *Variable) Value() *tensors.Tensor {
	v.AssertValid()
	return v.value
}

// SetValue updates the tensor holding the variable value. It must have the variable shape.
func (v *Variable) SetValue(value *tensors.Tensor) {
	v.AssertValid()
	if !value.Shape().Equal(v.shape) {
		Panicf("Variable(%q).SetValue(): value shape %s differs from the variable shape %s", v, value.Shape(), v.shape)
	}
	v.value = value
}

// InUseByGraph returns whether the variable is currently in use by the given graph.
func (v *Variable) InUseByGraph(g *graph.Graph) bool {
	v.AssertValid()
	_, found := v.graphToNodes[g]
	return found
}

// ChangedInGraph returns whether the variable is in use and was changed in the computation graph g.
func (v *Variable) ChangedInGraph(g *graph.Graph) bool {
	v.AssertValid()
	nodes, found := v.graphToNodes[g]
	if !found {
		return false
	}
	return nodes.paramNode != nodes.valueNode
}

// ValueGraph returns the Node of the Graph that holds the current value of the variable. It can be changed
// for the graph (for instance when applying a gradient descent) by SetValueGraph.
func (v *Variable) ValueGraph(g *graph.Graph) *graph.Node {
	v.AssertValid()
	nodes, found := v.graphToNodes[g]
	if !found {
		// Use a newly created parameter node as the initial graph value Node.
		return v.ParamNode(g)
	}
	return nodes.valueNode
}

// SetValueGraph sets the Node associated with the current value of the variable for the computation
// graph where value is defined.
//
// Context.ExecRun will use the last value set here as an extra output of the graph
// execution and then update the variable (with SetValue) accordingly. That is how the optimizers
// update the weights after each training step.
func (v *Variable) SetValueGraph(value *graph.Node) {
	v.AssertValid()
	g := value.Graph()
	g.AssertValid()
	if !value.Shape().Equal(v.shape) {
		Panicf("Variable(%q).SetValueGraph(): node shape %s differs from the variable shape %s", v, value.Shape(), v.shape)
	}
	_ = v.ParamNode(g)
	v.graphToNodes[g].valueNode = value
}

// ParamNode returns the given Graph g's Node that corresponds to the parameter that will be fed with
// the current variable value when the graph is executed. It's the initial value of the variable
// in the computation Graph.
//
// If parameter Node hasn't been created for the Graph g yet, one is created.
func (v *Variable) ParamNode(g *graph.Graph) *graph.Node {
	v.AssertValid()
	g.AssertValid()
	nodes, found := v.graphToNodes[g]
	if !found {
		paramNode := graph.Parameter(g, v.ParameterName(), v.shape)
		nodes = &variableNodes{valueNode: paramNode, paramNode: paramNode}
		v.graphToNodes[g] = nodes
	}
	return nodes.paramNode
}

// SetTrainable sets the variable trainable status. Returns itself, so calls can be cascaded.
func (v *Variable) SetTrainable(trainable bool) *Variable {
	v.AssertValid()
	v.Trainable = trainable
	return v
}
