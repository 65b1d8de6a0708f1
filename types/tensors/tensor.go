// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a `Tensor`, a dense multi-dimensional array of float64 values stored in host memory.
//
// Tensors are the values fed to and fetched from computation graphs, the arrays produced by samplers and the
// values of trainable variables.
//
// There are various ways to construct a Tensor:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given (concrete) shape, and zero values.
//
//   - FromScalarAndDimensions[T Number](value T, dimensions ...int): creates a Tensor with the
//     given dimensions, filled with the scalar value given.
//
//   - FromFlatDataAndDimensions[T Number](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions, and set the flattened values with the given data. Example:
//
//     t := FromFlatDataAndDimensions([]float64{1, 2, 3, 4}, 2, 2}) // Tensor with [[1,2], [3,4]]
//
//   - FromAnyValue(value any): generic conversion of scalars and regular multidimensional slices of
//     any Go numeric type. If `value` is already a tensor, it is returned as is.
package tensors

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/puddle/types/shapes"
	"golang.org/x/exp/constraints"
)

// Number is the constraint on Go types that can be converted to tensor values.
type Number interface {
	constraints.Integer | constraints.Float
}

// Tensor represents a multidimensional array (from scalar with 0 dimensions, to arbitrarily large dimensions)
// of float64, stored as a flat (1D) slice in row-major order.
//
// The shape of a Tensor is always concrete: it never holds the symbolic batch axis.
type Tensor struct {
	shape shapes.Shape
	flat  []float64
}

// newTensor returns a Tensor for the shape wrapping the given flat data, which it takes ownership of.
func newTensor(shape shapes.Shape, flat []float64) *Tensor {
	if shape.HasBatch() {
		exceptions.Panicf("tensors: cannot create a tensor with a symbolic batch axis %s", shape)
	}
	if len(flat) != shape.Size() {
		exceptions.Panicf("tensors: flat data has %d elements, but shape %s requires %d", len(flat), shape, shape.Size())
	}
	return &Tensor{shape: shape, flat: flat}
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// Rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// IsScalar returns whether the tensor represents a scalar value.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return len(t.flat) }

// BatchSize returns the dimension of the first axis. It panics for scalars.
func (t *Tensor) BatchSize() int {
	if t.IsScalar() {
		exceptions.Panicf("tensors: BatchSize() of a scalar")
	}
	return t.shape.Dimensions[0]
}

// Flat returns the underlying flat data of the tensor, in row-major order.
// The slice is owned by the Tensor: changing it changes the tensor.
func (t *Tensor) Flat() []float64 { return t.flat }

// CopyFlatData returns a copy of the flat data.
func (t *Tensor) CopyFlatData() []float64 {
	return append([]float64(nil), t.flat...)
}

// Scalar returns the value of a tensor of size 1. It panics otherwise.
func (t *Tensor) Scalar() float64 {
	if len(t.flat) != 1 {
		exceptions.Panicf("tensors: Scalar() of tensor with shape %s", t.shape)
	}
	return t.flat[0]
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return newTensor(t.shape.Clone(), t.CopyFlatData())
}

// Reshape returns a tensor with the given dimensions sharing the same data. The total size must be the same.
func (t *Tensor) Reshape(dimensions ...int) *Tensor {
	return newTensor(shapes.Make(dimensions...), t.flat)
}

// HasNaNOrInf returns whether any of the values is NaN or ±Inf.
func (t *Tensor) HasNaNOrInf() bool {
	for _, v := range t.flat {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil tensor>"
	}
	if t.IsScalar() {
		return fmt.Sprintf("%s: %g", t.shape, t.flat[0])
	}
	return fmt.Sprintf("%s: %v", t.shape, t.Value())
}
