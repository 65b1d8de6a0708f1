// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph is the computation graph used to evaluate and differentiate compiled systems of equations.
//
// The main elements in the package are:
//
//   - Graph: holds the nodes ("ops") of one computation. Nodes are appended in topological order, each with a
//     static shape known at graph building time.
//
//   - Node: represents the result of an operation. E.g.: Add, Mul, Tanh, ReduceSum, Dot, etc.
//
//   - Gradient: reverse-mode automatic differentiation. Gradients are built from regular graph ops, so the
//     gradient of a gradient is also available.
//
//   - Graph.Run: evaluates the requested outputs on the host CPU, given values for the parameters.
//
// ## Batch axis
//
// Shapes may have a symbolic leading batch axis (shapes.BatchDim). The batch size is only known at execution
// time, resolved from the parameters fed, and it's the same for every node. This allows one graph to be built
// once and then evaluated for batches of collocation points of any size.
//
// ## Error Handling
//
// Graph building functions panic (with github.com/gomlx/exceptions) on invalid arguments, with an error that
// includes a stack trace. Graph.Run returns errors instead.
package graph

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
)

// Graph with the operations and dependencies needed to run a computation.
type Graph struct {
	name  string
	nodes []*Node

	parameters       []*Node
	parametersByName map[string]*Node

	scalars scalarCache
}

// NodeId is a unique NodeId within a Graph
type NodeId int

// InvalidNodeId indicates a node that failed to be created.
const InvalidNodeId = NodeId(-1)

// ParamsMap is a shortcut for the map of parameters and their values passed to a graph
// execution. The values are anything that is accepted by tensors.FromAnyValue().
type ParamsMap map[*Node]any

// NewGraph creates an empty graph. If name is empty, a unique name is generated.
func NewGraph(name string) *Graph {
	if name == "" {
		name = "graph_" + uuid.NewString()
	}
	return &Graph{
		name:             name,
		parametersByName: make(map[string]*Node),
		scalars:          make(scalarCache),
	}
}

// Name of the computation this Graph defines, set during its construction.
func (g *Graph) Name() string { return g.name }

// AssertValid panics if graph is nil.
func (g *Graph) AssertValid() {
	if g == nil {
		exceptions.Panicf("the Graph is nil")
	}
}

// registerNode in the graph, setting its unique id within the Graph.
func (g *Graph) registerNode(node *Node) {
	node.graph = g
	node.id = NodeId(len(g.nodes))
	g.nodes = append(g.nodes, node)
}

// NumNodes returns the number of nodes in the graph.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// NodeById returns the node with the given id.
func (g *Graph) NodeById(id NodeId) *Node {
	if id < 0 || int(id) >= len(g.nodes) {
		exceptions.Panicf("invalid request Graph.NodeById(id=%d): there are only %d nodes", id, len(g.nodes))
	}
	return g.nodes[id]
}

// Parameters returns the parameter nodes of the graph, in order of creation.
func (g *Graph) Parameters() []*Node { return g.parameters }

// NumParameters returns the number of parameters created for this graph.
func (g *Graph) NumParameters() int { return len(g.parameters) }

// ParameterByName returns the parameter with the given name, or nil if there is none.
func (g *Graph) ParameterByName(name string) *Node {
	return g.parametersByName[name]
}

// String converts the Graph to a multiline string with a description of the full graph.
func (g *Graph) String() string {
	if g == nil {
		return "Graph(nil)"
	}
	var parts []string
	parts = append(parts, fmt.Sprintf("Graph %q: %d nodes, %d parameters", g.name, len(g.nodes), len(g.parameters)))
	for _, node := range g.nodes {
		parts = append(parts, fmt.Sprintf("\t#%d %s", node.id, node))
	}
	return strings.Join(parts, "\n")
}

// validateBuildingGraphFromInputs checks that all inputs are of the same Graph, and returns it.
func validateBuildingGraphFromInputs(inputs ...*Node) (g *Graph) {
	if len(inputs) == 0 {
		exceptions.Panicf("no input nodes given")
	}
	for ii, n := range inputs {
		if n == nil {
			exceptions.Panicf("input node #%d is nil", ii)
		}
		if g == nil {
			g = n.graph
		} else if n.graph != g {
			exceptions.Panicf("combining nodes from different graphs not allowed: input #0 is from graph %q, input #%d is from graph %q",
				g.name, ii, n.graph.name)
		}
	}
	g.AssertValid()
	return
}

// scalarCache provides a cache of a scalar value to its pre-created *Node.
// It helps avoid creating duplicate nodes for common values.
type scalarCache map[float64]*Node

// getScalarConst either creates a scalar constant or returns a previously created returned
// from the cache. It shouldn't be called directly by users, rather Scalar uses it.
func (g *Graph) getScalarConst(value float64) *Node {
	if output, found := g.scalars[value]; found {
		return output
	}
	output := newConstant(g, scalarTensor(value))
	g.scalars[value] = output
	return output
}
