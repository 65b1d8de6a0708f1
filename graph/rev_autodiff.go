// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/puddle/types/shapes"
)

// This file implements reverse-mode automatic differentiation, using AccumulatedVJP (Vector Jacobian Product).
// There are many sources discussing this topic, some below:
//
// Jax Autodiff Cookbook: https://jax.readthedocs.io/en/latest/notebooks/autodiff_cookbook.html
// What is Automatic Differentiation ? (YouTube video), https://www.youtube.com/watch?v=wG_nF1awSSY&t=864s
//
// Overall in this file we assume the following conventions:
//
// * root node: the final output of the graph. The objective it to generate the gradient of this value with
//      respect to a list of selected gradient nodes.
// * selected gradient nodes: the nodes with respect to which we want to calculate the gradient of the output.
//      These are the trainable variables, or the inputs when calculating derivatives of the model.
// * VJP / Adjoint: the accumulated reverse gradient of the root node with respect to the current node being
//      processed. They are generated in reverse order, from the root back to its inputs.
//
// The VJPs are built with regular graph ops (which have their own VJPs), so gradients can be taken of
// gradients: that's how second order derivatives are calculated.

// reverseGraph stores information of the Graph in reverse order.
type reverseGraph struct {
	Graph *Graph
	Root  *Node // This is the output node

	ReverseNodes []*reverseNode
}

type reverseNode struct {
	Node *Node

	// Consumers is the list of nodes that utilize the output of this node.
	Consumers []*reverseNode

	// Selected indicates whether this is one of the nodes for which we want the gradient.
	Selected bool

	// Included is true for nodes to which the root node has a dependency. Nodes not included are irrelevant for root.
	Included bool

	// Useful is true when this node is in the path to one of the nodes we are calculating the gradient with
	// respect to.
	Useful bool

	// AccumulatedVJP is the gradient of the root node with respect to the output of this node. In the end it will be
	// the sum of the VJPs back-propagated by all its consumers.
	AccumulatedVJP *Node
}

// Gradient creates new nodes for the gradients of the output with respect to each node in gradientNodes.
// The output must be a scalar -- otherwise this would be called Jacobian.
//
// To get per-item gradients of a batched value, take the gradient of its ReduceAllSum: since items of a batch
// are independent, the gradient with respect to a batched input holds the gradient of each item.
//
// If there is no path from output to a gradient node, its gradient is zero.
func Gradient(output *Node, gradientNodes ...*Node) []*Node {
	allInputNodes := make([]*Node, 0, len(gradientNodes)+1)
	allInputNodes = append(allInputNodes, output)
	allInputNodes = append(allInputNodes, gradientNodes...)
	g := validateBuildingGraphFromInputs(allInputNodes...)

	if !output.IsScalar() {
		Panicf("only gradients of a scalar with respect to tensors are accepted, not jacobians, "+
			"that is, output must be a scalar, got %s", output.Shape())
	}

	rg := newReverseGraph(g, output, gradientNodes)
	rOutput := rg.ReverseNodes[output.Id()]
	rOutput.AccumulatedVJP = Scalar(g, 1)

	// Whether we need the gradient for the node.
	needGradientForNode := func(node *Node) bool {
		if node.stopGradient {
			return false
		}
		rNode := rg.ReverseNodes[node.Id()]
		return rNode.Included && rNode.Useful
	}

	// Loop from final node backwards, back propagating the gradients. Nodes are ordered according to
	// the DAG, so by the time g.nodes[ii] is reached, all nodes consuming its outputs will already have been
	// accounted for, and their VJPs summed up.
	for nodeIdx := output.Id(); nodeIdx >= 0; nodeIdx-- {
		node := g.nodes[nodeIdx]
		rNode := rg.ReverseNodes[nodeIdx]
		if !needGradientForNode(node) || rNode.AccumulatedVJP == nil {
			continue
		}
		needInputs := false
		for _, input := range node.Inputs() {
			if needGradientForNode(input) {
				needInputs = true
				break
			}
		}
		if !needInputs {
			continue
		}

		// Find vjpFn that calculates backpropagation for this node.
		vjpFn := node.customVJP
		if vjpFn == nil {
			var ok bool
			vjpFn, ok = VJPRegistration[node.Type()]
			if !ok {
				Panicf("graph has node %s, for which no gradient is defined yet, cannot generate graph gradient", node)
			}
		}
		inputsVJPs := vjpFn(node, []*Node{rNode.AccumulatedVJP}, output.Shape())
		if len(inputsVJPs) != len(node.Inputs()) {
			Panicf("AccumulatedVJP(%s) returned %d VJPs, but it has %d inputNodes, implementation of auto-differentiation for node failed",
				node, len(inputsVJPs), len(node.Inputs()))
		}
		for ii, input := range node.Inputs() {
			vjp := inputsVJPs[ii]
			if vjp == nil || !needGradientForNode(input) {
				// Input is static (or gradient stopped for some other reason).
				continue
			}
			if !vjp.Shape().Equal(input.Shape()) {
				Panicf("invalid Gradient calculation for node %q: invalid shape for calculated AccumulatedVJP for "+
					"input #%d (out of %d): input shape=%s, calculated AccumulatedVJP shape=%s"+
					" -- this probably indicates a bug in the code, please report the issue.",
					node, ii, len(node.Inputs()), input.Shape(), vjp.Shape())
			}
			rInput := rg.ReverseNodes[input.Id()]
			if rInput.AccumulatedVJP == nil {
				rInput.AccumulatedVJP = vjp
			} else {
				rInput.AccumulatedVJP = Add(rInput.AccumulatedVJP, vjp)
			}
		}
	}

	gradients := make([]*Node, len(gradientNodes))
	for ii, node := range gradientNodes {
		rNode := rg.ReverseNodes[node.Id()]
		if rNode.AccumulatedVJP == nil {
			// No path from the output to the gradient node (possibly because of a StopGradient).
			gradients[ii] = ZerosLike(node)
		} else {
			gradients[ii] = rNode.AccumulatedVJP
		}
	}
	return gradients
}

func newReverseGraph(g *Graph, root *Node, gradientNodes []*Node) *reverseGraph {
	numNodes := len(g.nodes)
	rg := &reverseGraph{
		Graph:        g,
		Root:         root,
		ReverseNodes: make([]*reverseNode, numNodes),
	}

	// Stitch reverse "consumer" links to graph.
	for ii, node := range g.nodes {
		rg.ReverseNodes[ii] = &reverseNode{Node: node}
	}
	for ii, node := range g.nodes {
		rNode := rg.ReverseNodes[ii]
		for _, input := range node.inputNodes {
			rInput := rg.ReverseNodes[input.Id()]
			rInput.Consumers = append(rInput.Consumers, rNode)
		}
	}

	// Mark nodes with a path from root as Included.
	recursivePathFromRoot(rg, root)

	// Mark gradient nodes as selected, and recursively mark all the nodes
	// in a path from root to the selected gradient nodes as Useful.
	for _, selected := range gradientNodes {
		rNode := rg.ReverseNodes[selected.Id()]
		rNode.Selected = true
		recursiveMarkAsUseful(rg, rNode)
	}
	return rg
}

// recursivePathFromRoot mark nodes and its inputNodes recursively as Included.
func recursivePathFromRoot(rg *reverseGraph, node *Node) {
	rNode := rg.ReverseNodes[node.Id()]
	if rNode.Included {
		// Already visited.
		return
	}
	rNode.Included = true
	for _, input := range node.inputNodes {
		recursivePathFromRoot(rg, input)
	}
}

func recursiveMarkAsUseful(rg *reverseGraph, rNode *reverseNode) {
	if !rNode.Included || rNode.Useful {
		// Not relevant or already marked as useful.
		return
	}
	rNode.Useful = true
	for _, consumer := range rNode.Consumers {
		recursiveMarkAsUseful(rg, consumer)
	}
}

// VJP returns the $v \dot Jacobian$ of the given `node`, with respect to each of its inputNodes (given
// by `node.Inputs()`).
//
// Args:
//
//	node: node for which we are calculating the backward gradient. The VJP function must return one gradient per input,
//	   or nil for inputs that have no gradient.
//	vjpOutputs: gradient of what we care about with the respect to the output of `node`, also known as the
//	   adjoint. There is only one, since all nodes have a single output.
//	outputShape: the shape of the value for which we are calculating the gradient for, always a scalar for now.
type VJP func(node *Node, vjpOutputs []*Node, outputShape shapes.Shape) []*Node

// SingleOutputVJP for VJP of ops that have a single output.
type SingleOutputVJP func(node, v *Node, outputShape shapes.Shape) []*Node

// vjpForSingleOutput is simple converter from SingleOutputVJP to generic VJP.
func vjpForSingleOutput(vjpFn SingleOutputVJP) VJP {
	return func(node *Node, vjpOutputs []*Node, outputShape shapes.Shape) []*Node {
		return vjpFn(node, vjpOutputs[0], outputShape)
	}
}

// VJPRegistration maps each node type to its implementation of VJP. If implementing a new op, or
// for experimentation, one can dynamically change this.
var VJPRegistration = map[NodeType]VJP{
	NodeTypeConstant:       vjpForSingleOutput(nilVJP),
	NodeTypeParameter:      vjpForSingleOutput(nilVJP),
	NodeTypeBatchSize:      vjpForSingleOutput(nilVJP),
	NodeTypeIdentity:       vjpForSingleOutput(identityVJP),
	NodeTypeAdd:            vjpForSingleOutput(addVJP),
	NodeTypeSub:            vjpForSingleOutput(subVJP),
	NodeTypeMul:            vjpForSingleOutput(mulVJP),
	NodeTypeDiv:            vjpForSingleOutput(divVJP),
	NodeTypePow:            vjpForSingleOutput(powVJP),
	NodeTypeMax:            vjpForSingleOutput(maxVJP),
	NodeTypeGreaterOrEqual: vjpForSingleOutput(noGradientVJP),
	NodeTypeNeg:            vjpForSingleOutput(negVJP),
	NodeTypeAbs:            vjpForSingleOutput(absVJP),
	NodeTypeSign:           vjpForSingleOutput(noGradientVJP),
	NodeTypeExp:            vjpForSingleOutput(expVJP),
	NodeTypeLog:            vjpForSingleOutput(logVJP),
	NodeTypeSqrt:           vjpForSingleOutput(sqrtVJP),
	NodeTypeSin:            vjpForSingleOutput(sinVJP),
	NodeTypeCos:            vjpForSingleOutput(cosVJP),
	NodeTypeTanh:           vjpForSingleOutput(tanhVJP),
	NodeTypeLogistic:       vjpForSingleOutput(logisticVJP),
	NodeTypeWhere:          vjpForSingleOutput(whereVJP),
	NodeTypeReduceSum:      vjpForSingleOutput(reduceSumVJP),
	NodeTypeReduceMax:      vjpForSingleOutput(reduceMaxVJP),
	NodeTypeReshape:        vjpForSingleOutput(reshapeVJP),
	NodeTypeConcatenate:    vjpForSingleOutput(concatenateVJP),
	NodeTypeSlice:          vjpForSingleOutput(sliceVJP),
	NodeTypePad:            vjpForSingleOutput(padVJP),
	NodeTypeBroadcast:      vjpForSingleOutput(broadcastVJP),
	NodeTypeDot:            vjpForSingleOutput(dotVJP),
}

// nilVJP returns no gradient, for functions without any inputNodes.
func nilVJP(_, _ *Node, _ shapes.Shape) []*Node {
	return nil
}

// noGradientVJP returns no gradient for each of the inputs: used for piecewise constant ops.
func noGradientVJP(node, _ *Node, _ shapes.Shape) []*Node {
	return make([]*Node, len(node.inputNodes))
}

func identityVJP(_, v *Node, _ shapes.Shape) []*Node {
	return []*Node{v}
}

// vjpForDefaultBroadcast returns the VJP for an input that may have been broadcast (if it's a scalar)
// in a binary operation.
func vjpForDefaultBroadcast(input, v *Node) *Node {
	if input.IsScalar() && !v.IsScalar() {
		return ReduceAllSum(v)
	}
	return v
}

func addVJP(node, v *Node, _ shapes.Shape) []*Node {
	x, y := node.inputNodes[0], node.inputNodes[1]
	return []*Node{vjpForDefaultBroadcast(x, v), vjpForDefaultBroadcast(y, v)}
}

func subVJP(node, v *Node, _ shapes.Shape) []*Node {
	x, y := node.inputNodes[0], node.inputNodes[1]
	return []*Node{vjpForDefaultBroadcast(x, v), vjpForDefaultBroadcast(y, Neg(v))}
}

func mulVJP(node, v *Node, _ shapes.Shape) []*Node {
	x, y := node.inputNodes[0], node.inputNodes[1]
	return []*Node{
		vjpForDefaultBroadcast(x, Mul(v, y)),
		vjpForDefaultBroadcast(y, Mul(v, x)),
	}
}

func divVJP(node, v *Node, _ shapes.Shape) []*Node {
	// d(x/y)/dy = -x/y^2 = -node/y
	x, y := node.inputNodes[0], node.inputNodes[1]
	return []*Node{
		vjpForDefaultBroadcast(x, Div(v, y)),
		vjpForDefaultBroadcast(y, Neg(Mul(v, Div(node, y)))),
	}
}

func powVJP(node, v *Node, _ shapes.Shape) []*Node {
	x, y := node.inputNodes[0], node.inputNodes[1]
	// d(x^y)/dx = y * x^(y-1)
	vjpX := Mul(v, Mul(y, Pow(x, AddScalar(y, -1))))
	// d(x^y)/dy = log(x) * x^y: only evaluated if y requires a gradient.
	vjpY := Mul(v, Mul(Log(x), node))
	return []*Node{vjpForDefaultBroadcast(x, vjpX), vjpForDefaultBroadcast(y, vjpY)}
}

func maxVJP(node, v *Node, _ shapes.Shape) []*Node {
	x, y := node.inputNodes[0], node.inputNodes[1]
	mask := GreaterOrEqual(x, y)
	return []*Node{
		vjpForDefaultBroadcast(x, Mul(v, mask)),
		vjpForDefaultBroadcast(y, Mul(v, OneMinus(mask))),
	}
}

func negVJP(_, v *Node, _ shapes.Shape) []*Node {
	return []*Node{Neg(v)}
}

func absVJP(node, v *Node, _ shapes.Shape) []*Node {
	return []*Node{Mul(v, Sign(node.inputNodes[0]))}
}

func expVJP(node, v *Node, _ shapes.Shape) []*Node {
	return []*Node{Mul(v, node)}
}

func logVJP(node, v *Node, _ shapes.Shape) []*Node {
	return []*Node{Div(v, node.inputNodes[0])}
}

func sqrtVJP(node, v *Node, _ shapes.Shape) []*Node {
	return []*Node{Div(v, MulScalar(node, 2))}
}

func sinVJP(node, v *Node, _ shapes.Shape) []*Node {
	return []*Node{Mul(v, Cos(node.inputNodes[0]))}
}

func cosVJP(node, v *Node, _ shapes.Shape) []*Node {
	return []*Node{Neg(Mul(v, Sin(node.inputNodes[0])))}
}

func tanhVJP(node, v *Node, _ shapes.Shape) []*Node {
	return []*Node{Mul(v, OneMinus(Square(node)))}
}

func logisticVJP(node, v *Node, _ shapes.Shape) []*Node {
	return []*Node{Mul(v, Mul(node, OneMinus(node)))}
}

func whereVJP(node, v *Node, _ shapes.Shape) []*Node {
	condition, onTrue, onFalse := node.inputNodes[0], node.inputNodes[1], node.inputNodes[2]
	zero := Scalar(node.graph, 0)
	return []*Node{
		nil,
		vjpForDefaultBroadcast(onTrue, Where(condition, v, zero)),
		vjpForDefaultBroadcast(onFalse, Where(condition, zero, v)),
	}
}

// keptAxes returns the axes of the given rank that are not in axes.
func keptAxes(rank int, axes []int) []int {
	kept := make([]int, 0, rank)
	for axis := range rank {
		if !slices.Contains(axes, axis) {
			kept = append(kept, axis)
		}
	}
	return kept
}

func reduceSumVJP(node, v *Node, _ shapes.Shape) []*Node {
	params := node.inputs.(*nodeInputsReduce)
	x := params.x
	return []*Node{Broadcast(v, x.shape, keptAxes(x.Rank(), params.axes)...)}
}

func reduceMaxVJP(node, v *Node, _ shapes.Shape) []*Node {
	// The gradient goes to the elements equal to the max.
	params := node.inputs.(*nodeInputsReduce)
	x := params.x
	kept := keptAxes(x.Rank(), params.axes)
	mask := GreaterOrEqual(x, Broadcast(node, x.shape, kept...))
	return []*Node{Mul(Broadcast(v, x.shape, kept...), mask)}
}

func reshapeVJP(node, v *Node, _ shapes.Shape) []*Node {
	return []*Node{Reshape(v, node.inputNodes[0].shape.Dimensions...)}
}

func concatenateVJP(node, v *Node, _ shapes.Shape) []*Node {
	params := node.inputs.(*nodeInputsConcatenate)
	vjps := make([]*Node, len(params.operands))
	offset := 0
	for ii, operand := range params.operands {
		dim := operand.shape.Dimensions[params.axis]
		vjps[ii] = SliceAxis(v, params.axis, offset, offset+dim)
		offset += dim
	}
	return vjps
}

func sliceVJP(node, v *Node, _ shapes.Shape) []*Node {
	params := node.inputs.(*nodeInputsSlice)
	dim := params.x.shape.Dimensions[params.axis]
	return []*Node{PadAxis(v, params.axis, params.start, dim-params.end)}
}

func padVJP(node, v *Node, _ shapes.Shape) []*Node {
	params := node.inputs.(*nodeInputsPad)
	dim := params.x.shape.Dimensions[params.axis]
	return []*Node{SliceAxis(v, params.axis, params.before, params.before+dim)}
}

func broadcastVJP(node, v *Node, _ shapes.Shape) []*Node {
	params := node.inputs.(*nodeInputsBroadcast)
	broadcastAxes := keptAxes(node.Rank(), params.axes)
	if len(broadcastAxes) == 0 {
		return []*Node{v}
	}
	return []*Node{ReduceSum(v, broadcastAxes...)}
}

func dotVJP(node, v *Node, _ shapes.Shape) []*Node {
	// For C = op(A)·op(B): d op(A) = V·op(B)ᵀ and d op(B) = op(A)ᵀ·V, transposed back if A or B were transposed.
	params := node.inputs.(*nodeInputsDot)
	a, b := params.a, params.b
	tA, tB := params.transposeA, params.transposeB
	var vjpA, vjpB *Node
	if !tA {
		vjpA = dotTransposed(v, b, false, !tB)
	} else {
		vjpA = dotTransposed(b, v, tB, true)
	}
	if !tB {
		vjpB = dotTransposed(a, v, !tA, false)
	} else {
		vjpB = dotTransposed(v, a, true, tA)
	}
	return []*Node{vjpA, vjpB}
}
