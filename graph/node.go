// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/puddle/types/shapes"
)

// Node is the result of an operation in a Graph.
//
// The node keeps its static inputs (axes, dimensions, constant values) in inputs, and the edges of the
// computation graph in inputNodes.
type Node struct {
	graph *Graph
	shape shapes.Shape
	id    NodeId // id within graph.

	// inputNodes are the edges of the computation graph.
	// Notice that other static inputs to the node are registered in inputs
	inputNodes []*Node

	// inputs holds the type of the operation and its static parameters.
	inputs NodeInputs

	// stopGradient is set if no gradient is supposed to pass through.
	stopGradient bool

	// customVJP can be set for a custom reverse gradient definition for the function.
	customVJP VJP
}

// NodeInputs represents the inputs to node. The common interface is to return the type of the node.
// For the input parameters themselves, the pointer needs to be cast to the corresponding type, named
// nodeInputs<operation_name>.
type NodeInputs interface {
	Type() NodeType

	// String prints a descriptive representation of the node, using its parameters.
	String() string
}

// newNode creates a node with the given inputs and shape, and registers it in the graph of its input nodes.
func newNode(g *Graph, inputs NodeInputs, shape shapes.Shape, inputNodes ...*Node) *Node {
	node := &Node{
		shape:      shape,
		inputs:     inputs,
		inputNodes: inputNodes,
	}
	g.registerNode(node)
	return node
}

// Type identify the operation performed by the node.
func (n *Node) Type() NodeType {
	if n == nil || n.inputs == nil {
		return NodeTypeInvalid
	}
	return n.inputs.Type()
}

// Graph that holds this Node.
func (n *Node) Graph() *Graph {
	if n == nil {
		return nil
	}
	return n.graph
}

// Shape of the Node's output.
func (n *Node) Shape() shapes.Shape {
	if n == nil {
		return shapes.Shape{}
	}
	return n.shape
}

// Rank returns the rank of the node's shape.
func (n *Node) Rank() int {
	return n.shape.Rank()
}

// IsScalar returns whether the node's shape is a scalar.
func (n *Node) IsScalar() bool {
	return n.shape.IsScalar()
}

// HasBatch returns whether the node's shape has the symbolic batch axis.
func (n *Node) HasBatch() bool {
	return n.shape.HasBatch()
}

// Id is the unique id of this node within the Graph.
func (n *Node) Id() NodeId {
	return n.id
}

// Inputs are the other nodes that are direct inputNodes to the node.
// This doesn't include static inputNodes for some operations that are not given by other Graph nodes.
func (n *Node) Inputs() []*Node { return n.inputNodes }

// AssertValid panics if `n` is nil, or if its graph is invalid.
func (n *Node) AssertValid() {
	if n == nil {
		exceptions.Panicf("Node is nil")
	}
	if n.inputs == nil {
		exceptions.Panicf("Node in an invalid state")
	}
	n.graph.AssertValid()
}

// GetParameterName returns the parameter name.
// If node is not a parameter, it panics.
func (n *Node) GetParameterName() string {
	n.AssertValid()
	if n.Type() != NodeTypeParameter {
		exceptions.Panicf("trying to get GetParameterName of a non-parameter node %q", n.Type())
	}
	return n.inputs.(*nodeInputsParameter).name
}

// String implements the `fmt.Stringer` interface.
func (n *Node) String() (str string) {
	if n == nil {
		return "Node(nil)"
	}
	if n.Type() == NodeTypeInvalid {
		str = "Invalid(?)"
	} else {
		str = n.inputs.String()
	}
	parts := []string{str}
	if n.stopGradient {
		parts = append(parts, "[StopGradient]")
	}
	if n.customVJP != nil {
		parts = append(parts, "[CustomVJP]")
	}
	return fmt.Sprintf("%s -> %s", strings.Join(parts, " "), n.shape)
}

// StopGradient returns weather node is a StopGradient.
func (n *Node) StopGradient() bool {
	return n.stopGradient
}

// nodeIds formats the ids of the nodes for the String() of the NodeInputs.
func nodeIds(nodes ...*Node) string {
	parts := make([]string, len(nodes))
	for ii, node := range nodes {
		parts[ii] = fmt.Sprintf("#%d", node.id)
	}
	return strings.Join(parts, ", ")
}
