// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/puddle/types/shapes"
)

// adjustAxisToRank returns the positive axis to the operand, given its rank.
// Negative axes count from the end: -1 is the last axis.
func adjustAxisToRank(rank, axis int) int {
	adjustedAxis := axis
	if axis < 0 {
		adjustedAxis = rank + axis
	}
	if adjustedAxis >= rank || adjustedAxis < 0 {
		Panicf("axis %d out of range for rank %d", axis, rank)
	}
	return adjustedAxis
}

type nodeInputsReduce struct {
	op   NodeType
	x    *Node
	axes []int
}

func (ni *nodeInputsReduce) Type() NodeType { return ni.op }
func (ni *nodeInputsReduce) String() string {
	return fmt.Sprintf("%s(%s, axes=%v)", ni.op, nodeIds(ni.x), ni.axes)
}

// reduceOp reduces the given axes of x. If no axes are given, all axes are reduced.
func reduceOp(op NodeType, x *Node, axes ...int) *Node {
	g := validateBuildingGraphFromInputs(x)
	rank := x.Rank()
	var reduced []int
	if len(axes) == 0 {
		reduced = make([]int, rank)
		for ii := range reduced {
			reduced[ii] = ii
		}
	} else {
		reduced = make([]int, 0, len(axes))
		for _, axis := range axes {
			reduced = append(reduced, adjustAxisToRank(rank, axis))
		}
		slices.Sort(reduced)
		reduced = slices.Compact(reduced)
	}
	if len(reduced) == 0 {
		// Reducing a scalar is a no-op.
		return x
	}
	dims := make([]int, 0, rank-len(reduced))
	for axis, dim := range x.shape.Dimensions {
		if !slices.Contains(reduced, axis) {
			dims = append(dims, dim)
		}
	}
	return newNode(g, &nodeInputsReduce{op: op, x: x, axes: reduced}, shapes.Make(dims...), x)
}

// ReduceSum reduces x by summing over the given axes. If no axes are given, it reduces over all axes,
// returning a scalar.
//
// Reducing the batch axis is allowed: the result no longer has the batch axis.
func ReduceSum(x *Node, axes ...int) *Node { return reduceOp(NodeTypeReduceSum, x, axes...) }

// ReduceMax reduces x by taking the maximum over the given axes. If no axes are given, it reduces over all axes.
func ReduceMax(x *Node, axes ...int) *Node { return reduceOp(NodeTypeReduceMax, x, axes...) }

type nodeInputsReshape struct {
	x          *Node
	dimensions []int
}

func (ni *nodeInputsReshape) Type() NodeType { return NodeTypeReshape }
func (ni *nodeInputsReshape) String() string {
	return fmt.Sprintf("Reshape(%s, dims=%v)", nodeIds(ni.x), ni.dimensions)
}

// Reshape x to the given dimensions. The total size must remain the same.
//
// If x has the batch axis, the new dimensions must start with shapes.BatchDim, and the item size (without
// the batch axis) must remain the same.
func Reshape(x *Node, dimensions ...int) *Node {
	g := validateBuildingGraphFromInputs(x)
	shape := shapes.Make(dimensions...)
	if shape.HasBatch() != x.HasBatch() {
		Panicf("Reshape(%s, %v): batch axis must be kept as the first axis", x.shape, dimensions)
	}
	if shape.ItemSize() != x.shape.ItemSize() {
		Panicf("Reshape(%s, %v): size must remain the same", x.shape, dimensions)
	}
	if shape.Equal(x.shape) {
		return x
	}
	return newNode(g, &nodeInputsReshape{x: x, dimensions: slices.Clone(dimensions)}, shape, x)
}

type nodeInputsConcatenate struct {
	axis     int
	operands []*Node
}

func (ni *nodeInputsConcatenate) Type() NodeType { return NodeTypeConcatenate }
func (ni *nodeInputsConcatenate) String() string {
	return fmt.Sprintf("Concatenate(%s, axis=%d)", nodeIds(ni.operands...), ni.axis)
}

// Concatenate results on the given axis. A negative axis will be counted from the end -- so `axis==-1` means the last
// axis. All operands must have the same dimensions except on the concatenated axis, which can't be the batch axis.
// If operands is a single value, it is returned unchanged.
func Concatenate(operands []*Node, axis int) *Node {
	g := validateBuildingGraphFromInputs(operands...)
	if len(operands) == 1 {
		return operands[0]
	}
	first := operands[0]
	rank := first.Rank()
	if rank == 0 {
		Panicf("Concatenate(): cannot concatenate scalars")
	}
	axis = adjustAxisToRank(rank, axis)
	if axis == 0 && first.HasBatch() {
		Panicf("Concatenate(): cannot concatenate on the batch axis")
	}
	dims := slices.Clone(first.shape.Dimensions)
	dims[axis] = 0
	for ii, operand := range operands {
		if operand.Rank() != rank {
			Panicf("Concatenate(): operand #%d has rank %d, but operand #0 has rank %d", ii, operand.Rank(), rank)
		}
		for otherAxis, dim := range operand.shape.Dimensions {
			if otherAxis == axis {
				continue
			}
			if dim != first.shape.Dimensions[otherAxis] {
				Panicf("Concatenate(axis=%d): operand #%d has shape %s, incompatible with operand #0 shape %s",
					axis, ii, operand.shape, first.shape)
			}
		}
		dims[axis] += operand.shape.Dimensions[axis]
	}
	return newNode(g, &nodeInputsConcatenate{axis: axis, operands: slices.Clone(operands)}, shapes.Make(dims...), operands...)
}

type nodeInputsSlice struct {
	x                *Node
	axis, start, end int
}

func (ni *nodeInputsSlice) Type() NodeType { return NodeTypeSlice }
func (ni *nodeInputsSlice) String() string {
	return fmt.Sprintf("Slice(%s, axis=%d, [%d:%d])", nodeIds(ni.x), ni.axis, ni.start, ni.end)
}

// SliceAxis takes the range [start, end) of the given axis of x. It can't be the batch axis.
func SliceAxis(x *Node, axis, start, end int) *Node {
	g := validateBuildingGraphFromInputs(x)
	axis = adjustAxisToRank(x.Rank(), axis)
	if axis == 0 && x.HasBatch() {
		Panicf("SliceAxis(): cannot slice the batch axis")
	}
	dim := x.shape.Dimensions[axis]
	if start < 0 || end > dim || start >= end {
		Panicf("SliceAxis(%s, axis=%d, [%d:%d]): invalid range", x.shape, axis, start, end)
	}
	if start == 0 && end == dim {
		return x
	}
	dims := slices.Clone(x.shape.Dimensions)
	dims[axis] = end - start
	return newNode(g, &nodeInputsSlice{x: x, axis: axis, start: start, end: end}, shapes.Make(dims...), x)
}

type nodeInputsPad struct {
	x                   *Node
	axis, before, after int
}

func (ni *nodeInputsPad) Type() NodeType { return NodeTypePad }
func (ni *nodeInputsPad) String() string {
	return fmt.Sprintf("Pad(%s, axis=%d, before=%d, after=%d)", nodeIds(ni.x), ni.axis, ni.before, ni.after)
}

// PadAxis pads the given axis of x with zeros, `before` positions at the start and `after` at the end.
func PadAxis(x *Node, axis, before, after int) *Node {
	g := validateBuildingGraphFromInputs(x)
	axis = adjustAxisToRank(x.Rank(), axis)
	if axis == 0 && x.HasBatch() {
		Panicf("PadAxis(): cannot pad the batch axis")
	}
	if before < 0 || after < 0 {
		Panicf("PadAxis(): invalid negative padding (%d, %d)", before, after)
	}
	if before == 0 && after == 0 {
		return x
	}
	dims := slices.Clone(x.shape.Dimensions)
	dims[axis] += before + after
	return newNode(g, &nodeInputsPad{x: x, axis: axis, before: before, after: after}, shapes.Make(dims...), x)
}

type nodeInputsBroadcast struct {
	x    *Node
	axes []int
}

func (ni *nodeInputsBroadcast) Type() NodeType { return NodeTypeBroadcast }
func (ni *nodeInputsBroadcast) String() string {
	return fmt.Sprintf("Broadcast(%s, axes=%v)", nodeIds(ni.x), ni.axes)
}

// Broadcast x to the given shape. axes maps each axis of x to an axis of the output: they must be given in
// increasing order, and the dimensions must match. All other axes of the output are broadcast.
//
// E.g.: to broadcast a per-item value of shape `[batch]` to `[batch 3]`, use `Broadcast(x, shape, 0)`.
func Broadcast(x *Node, shape shapes.Shape, axes ...int) *Node {
	g := validateBuildingGraphFromInputs(x)
	if len(axes) != x.Rank() {
		Panicf("Broadcast(%s, %s, axes=%v): one axis must be given for each axis of x", x.shape, shape, axes)
	}
	for ii, axis := range axes {
		if axis < 0 || axis >= shape.Rank() || (ii > 0 && axis <= axes[ii-1]) {
			Panicf("Broadcast(%s, %s, axes=%v): axes must be increasing and within the output rank", x.shape, shape, axes)
		}
		if x.shape.Dimensions[ii] != shape.Dimensions[axis] {
			Panicf("Broadcast(%s, %s, axes=%v): dimension of axis %d doesn't match output axis %d",
				x.shape, shape, axes, ii, axis)
		}
	}
	if x.shape.Equal(shape) {
		return x
	}
	return newNode(g, &nodeInputsBroadcast{x: x, axes: slices.Clone(axes)}, shape.Clone(), x)
}

// BroadcastToShape broadcasts x to shape, aligning the axes of x with the trailing axes of shape.
// E.g.: a bias of shape `[3]` broadcast to `[batch 3]`.
func BroadcastToShape(x *Node, shape shapes.Shape) *Node {
	if x.Rank() > shape.Rank() {
		Panicf("BroadcastToShape(%s, %s): x rank is larger than target", x.shape, shape)
	}
	axes := make([]int, x.Rank())
	offset := shape.Rank() - x.Rank()
	for ii := range axes {
		axes[ii] = ii + offset
	}
	return Broadcast(x, shape, axes...)
}

type nodeInputsDot struct {
	a, b                   *Node
	transposeA, transposeB bool
}

func (ni *nodeInputsDot) Type() NodeType { return NodeTypeDot }
func (ni *nodeInputsDot) String() string {
	return fmt.Sprintf("Dot(%s, transposeA=%v, transposeB=%v)", nodeIds(ni.a, ni.b), ni.transposeA, ni.transposeB)
}

// Dot returns the matrix multiplication of a and b, both of rank 2: `[n k]·[k m] -> [n m]`.
// The first axis of a may be the batch axis.
func Dot(a, b *Node) *Node {
	return dotTransposed(a, b, false, false)
}

// dotTransposed multiplies a and b, optionally transposing them first.
// Contracting over the batch axis is allowed (it's how gradients of weights are calculated), but the result can't
// have the batch axis as its last axis.
func dotTransposed(a, b *Node, transposeA, transposeB bool) *Node {
	g := validateBuildingGraphFromInputs(a, b)
	if a.Rank() != 2 || b.Rank() != 2 {
		Panicf("Dot(): operands must have rank 2, got %s and %s", a.shape, b.shape)
	}
	rowsA, innerA := a.shape.Dimensions[0], a.shape.Dimensions[1]
	if transposeA {
		rowsA, innerA = innerA, rowsA
	}
	innerB, colsB := b.shape.Dimensions[0], b.shape.Dimensions[1]
	if transposeB {
		innerB, colsB = colsB, innerB
	}
	if innerA != innerB {
		Panicf("Dot(): contracting dimensions don't match for shapes %s (transposed=%v) and %s (transposed=%v)",
			a.shape, transposeA, b.shape, transposeB)
	}
	if colsB == shapes.BatchDim {
		Panicf("Dot(): result would have the batch axis as its last axis, for shapes %s and %s", a.shape, b.shape)
	}
	return newNode(g, &nodeInputsDot{a: a, b: b, transposeA: transposeA, transposeB: transposeB},
		shapes.Make(rowsA, colsB), a, b)
}
