// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/puddle/types/shapes"
)

// Ones creates a computation with the same shape as the input, but with the value 1.
// The shape may have the batch axis.
func Ones(g *Graph, shape shapes.Shape) *Node {
	return Broadcast(Scalar(g, 1), shape)
}

// Zeros creates a computation with the given shape filled with zeros.
// The shape may have the batch axis.
func Zeros(g *Graph, shape shapes.Shape) *Node {
	return Broadcast(Scalar(g, 0), shape)
}

// OnesLike returns a node with the same shape of x, filled with 1.
func OnesLike(x *Node) *Node {
	return Ones(x.graph, x.shape)
}

// ZerosLike returns a node with the same shape of x, filled with 0.
func ZerosLike(x *Node) *Node {
	return Zeros(x.graph, x.shape)
}

// Square returns x*x.
func Square(x *Node) *Node {
	return Mul(x, x)
}

// OneMinus returns 1-x.
func OneMinus(x *Node) *Node {
	return Sub(Scalar(x.graph, 1), x)
}

// AddScalar returns x+value.
func AddScalar(x *Node, value float64) *Node {
	return Add(x, Scalar(x.graph, value))
}

// MulScalar returns x*value.
func MulScalar(x *Node, value float64) *Node {
	return Mul(x, Scalar(x.graph, value))
}

// Sum returns the sum of all the operands, which must have compatible shapes.
func Sum(operands ...*Node) *Node {
	_ = validateBuildingGraphFromInputs(operands...)
	result := operands[0]
	for _, operand := range operands[1:] {
		result = Add(result, operand)
	}
	return result
}

// ReduceAllSum reduces all dimensions to a scalar by summing.
func ReduceAllSum(x *Node) *Node {
	return ReduceSum(x)
}

// ReduceAllMax reduces all dimensions to a scalar by taking the max.
func ReduceAllMax(x *Node) *Node {
	return ReduceMax(x)
}

// countReduced returns a scalar node with the number of elements reduced when reducing the given axes of x.
// If the batch axis is reduced, the count is only known at execution time.
func countReduced(x *Node, axes ...int) *Node {
	g := x.graph
	if len(axes) == 0 {
		axes = make([]int, x.Rank())
		for ii := range axes {
			axes[ii] = ii
		}
	}
	count := 1.0
	reducesBatch := false
	for _, axis := range axes {
		axis = adjustAxisToRank(x.Rank(), axis)
		if x.shape.Dimensions[axis] == shapes.BatchDim {
			reducesBatch = true
			continue
		}
		count *= float64(x.shape.Dimensions[axis])
	}
	if reducesBatch {
		return MulScalar(BatchSize(g), count)
	}
	return Scalar(g, count)
}

// ReduceMean reduces x by taking the mean over the given axes. If no axes are given, it reduces over all axes.
// The mean over the batch axis uses the batch size of the execution.
func ReduceMean(x *Node, axes ...int) *Node {
	if x.IsScalar() {
		return x
	}
	return Div(ReduceSum(x, axes...), countReduced(x, axes...))
}

// ReduceAllMean reduces all dimensions to a scalar by taking the mean.
func ReduceAllMean(x *Node) *Node {
	return ReduceMean(x)
}

// ExpandDims adds a new axis of dimension 1 at the given position (after the batch axis, if any).
func ExpandDims(x *Node, axis int) *Node {
	dims := slices.Clone(x.shape.Dimensions)
	if axis < 0 {
		axis = len(dims) + 1 + axis
	}
	if axis < 0 || axis > len(dims) || (axis == 0 && x.HasBatch()) {
		Panicf("ExpandDims(%s, %d): invalid axis", x.shape, axis)
	}
	dims = slices.Insert(dims, axis, 1)
	return Reshape(x, dims...)
}

// Flatten reshapes x to `[batch, itemSize]` if it has the batch axis, or to `[size]` otherwise.
func Flatten(x *Node) *Node {
	if x.HasBatch() {
		return Reshape(x, shapes.BatchDim, x.shape.ItemSize())
	}
	return Reshape(x, x.shape.Size())
}

// Softmax computes softmax activations over the given axis (by default the last one). It's
// numerically stable, subtracting the max before taking the exponent.
func Softmax(logits *Node, axes ...int) *Node {
	axis := -1
	if len(axes) > 1 {
		Panicf("Softmax(): only one axis supported, got %v", axes)
	} else if len(axes) == 1 {
		axis = axes[0]
	}
	if logits.IsScalar() {
		return OnesLike(logits)
	}
	axis = adjustAxisToRank(logits.Rank(), axis)
	keptAxes := make([]int, 0, logits.Rank()-1)
	for ii := range logits.Rank() {
		if ii != axis {
			keptAxes = append(keptAxes, ii)
		}
	}
	maxLogits := StopGradient(Broadcast(ReduceMax(logits, axis), logits.shape, keptAxes...))
	normalizedExp := Exp(Sub(logits, maxLogits))
	sum := Broadcast(ReduceSum(normalizedExp, axis), logits.shape, keptAxes...)
	return Div(normalizedExp, sum)
}
