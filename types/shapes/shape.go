// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape and helper functions to manipulate and check shapes.
//
// All values in puddle are float64, so a Shape is only its dimensions. The leading axis of a shape may be
// the symbolic batch axis (BatchDim): its size is only known when a graph is executed, and it's the same
// for every node of a graph in a given execution.
//
// E.g.: the value of a vector variable of dimension 3, for a batch of collocation points, has shape
// `[batch 3]`, built with `shapes.WithBatch(shapes.Make(3))`.
//
// Once the batch size is known, Shape.Resolve returns the concrete shape.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// BatchDim is the dimension used for the symbolic batch axis. It's only valid as the first axis.
const BatchDim = -1

// Shape represents the dimensions of a value. A scalar has no dimensions.
// Use Make to create a Shape.
type Shape struct {
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
// Dimensions must be > 0, except the first axis that can be BatchDim.
func Make(dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions)}
	for axis, dim := range dimensions {
		if dim == BatchDim && axis == 0 {
			continue
		}
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%v): cannot create a shape with an axis with dimension <= 0", dimensions)
		}
	}
	return s
}

// Scalar returns the shape of a scalar.
func Scalar() Shape {
	return Shape{}
}

// WithBatch returns the item shape prefixed with the symbolic batch axis.
func WithBatch(item Shape) Shape {
	if item.HasBatch() {
		exceptions.Panicf("shapes.WithBatch(%s): shape already has a batch axis", item)
	}
	dims := make([]int, 0, item.Rank()+1)
	dims = append(dims, BatchDim)
	dims = append(dims, item.Dimensions...)
	return Shape{Dimensions: dims}
}

// Rank of the shape, that is, the number of axes, including the batch axis.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Rank() == 0 }

// HasBatch returns whether the first axis is the symbolic batch axis.
func (s Shape) HasBatch() bool {
	return len(s.Dimensions) > 0 && s.Dimensions[0] == BatchDim
}

// Item returns the shape without the batch axis. If there is no batch axis, it returns a clone of s.
func (s Shape) Item() Shape {
	if s.HasBatch() {
		return Shape{Dimensions: slices.Clone(s.Dimensions[1:])}
	}
	return s.Clone()
}

// ItemSize is the number of elements of one item: the product of the dimensions excluding the batch axis.
func (s Shape) ItemSize() int {
	return s.Item().Size()
}

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting at the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// String implements fmt.Stringer.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return "()"
	}
	parts := make([]string, 0, s.Rank())
	for _, dim := range s.Dimensions {
		if dim == BatchDim {
			parts = append(parts, "batch")
		} else {
			parts = append(parts, fmt.Sprintf("%d", dim))
		}
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Size returns the number of elements of a concrete shape. For scalars returns 1.
// It panics if the shape still has a symbolic batch axis: see Resolve.
func (s Shape) Size() (size int) {
	if s.HasBatch() {
		exceptions.Panicf("Shape.Size() of %s: batch axis not resolved", s)
	}
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Resolve returns the concrete shape, with the batch axis (if any) replaced by batchSize.
func (s Shape) Resolve(batchSize int) Shape {
	if !s.HasBatch() {
		return s
	}
	if batchSize <= 0 {
		exceptions.Panicf("Shape.Resolve(%d) of %s: batch size must be > 0", batchSize, s)
	}
	s2 := s.Clone()
	s2.Dimensions[0] = batchSize
	return s2
}

// Equal compares two shapes for equality: a batch axis only matches another batch axis.
func (s Shape) Equal(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.Dimensions = slices.Clone(s.Dimensions)
	return
}

// Strides returns the row-major strides of a concrete shape: the number of elements to skip to
// advance one position in each axis.
func (s Shape) Strides() []int {
	strides := make([]int, s.Rank())
	stride := 1
	for axis := s.Rank() - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= s.Dimensions[axis]
	}
	return strides
}

// ConcatenateDimensions of two shapes. The resulting rank is the sum of both ranks.
// Only the first shape may have a batch axis.
func ConcatenateDimensions(s1, s2 Shape) (shape Shape) {
	if s2.HasBatch() {
		exceptions.Panicf("ConcatenateDimensions(%s, %s): only the first shape may have a batch axis", s1, s2)
	}
	if s1.IsScalar() {
		return s2.Clone()
	} else if s2.IsScalar() {
		return s1.Clone()
	}
	shape.Dimensions = make([]int, s1.Rank()+s2.Rank())
	copy(shape.Dimensions, s1.Dimensions)
	copy(shape.Dimensions[s1.Rank():], s2.Dimensions)
	return
}
