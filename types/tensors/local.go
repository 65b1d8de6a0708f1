// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/puddle/types/shapes"
	"github.com/pkg/errors"
)

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
func FromShape(shape shapes.Shape) *Tensor {
	if shape.HasBatch() {
		exceptions.Panicf("tensors.FromShape(%s): shape must be concrete", shape)
	}
	return newTensor(shape.Clone(), make([]float64, shape.Size()))
}

// Zeros returns a zero-filled tensor with the given dimensions.
func Zeros(dimensions ...int) *Tensor {
	return FromShape(shapes.Make(dimensions...))
}

// FromScalar returns a scalar tensor with the given value.
func FromScalar[T Number](value T) *Tensor {
	return newTensor(shapes.Scalar(), []float64{float64(value)})
}

// FromScalarAndDimensions returns a tensor with the given dimensions, filled with the given value.
func FromScalarAndDimensions[T Number](value T, dimensions ...int) *Tensor {
	t := Zeros(dimensions...)
	v := float64(value)
	for ii := range t.flat {
		t.flat[ii] = v
	}
	return t
}

// FromFlatDataAndDimensions returns a tensor with the given dimensions and a copy of the flat data (converted to
// float64). It panics if the size of data doesn't match the dimensions.
func FromFlatDataAndDimensions[T Number](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(): data has %d elements, but dimensions %v require %d",
			len(data), dimensions, shape.Size())
	}
	flat := make([]float64, len(data))
	for ii, v := range data {
		flat[ii] = float64(v)
	}
	return newTensor(shape, flat)
}

// FromColumn returns a tensor of shape `[len(column)]` with a copy of the values.
func FromColumn(column []float64) *Tensor {
	return FromFlatDataAndDimensions(column, len(column))
}

// FromAnyValue converts a scalar or a regular multidimensional slice of any Go numeric type to a Tensor.
// If value is a *Tensor already, it is returned as is.
//
// It panics with an error if `value` type is unsupported or the shape is not regular.
func FromAnyValue(value any) *Tensor {
	if t, ok := value.(*Tensor); ok {
		return t
	}
	shape, err := shapeForValue(value)
	if err != nil {
		panic(errors.Wrapf(err, "cannot create tensor from %T", value))
	}
	flat := make([]float64, 0, shape.Size())
	flat = appendValuesRecursively(flat, reflect.ValueOf(value))
	return newTensor(shape, flat)
}

// ToTensor is the error returning version of FromAnyValue.
func ToTensor(value any) (t *Tensor, err error) {
	err = exceptions.TryCatch[error](func() { t = FromAnyValue(value) })
	return
}

func appendValuesRecursively(flat []float64, v reflect.Value) []float64 {
	if v.Kind() == reflect.Slice || v.Kind() == reflect.Array {
		for ii := range v.Len() {
			flat = appendValuesRecursively(flat, v.Index(ii))
		}
		return flat
	}
	return append(flat, toFloat64(v))
}

func toFloat64(v reflect.Value) float64 {
	switch {
	case v.CanFloat():
		return v.Float()
	case v.CanInt():
		return float64(v.Int())
	case v.CanUint():
		return float64(v.Uint())
	}
	exceptions.Panicf("cannot convert type %s to a float64", v.Type())
	return 0
}

func shapeForValue(v any) (shape shapes.Shape, err error) {
	if v == nil {
		return shape, errors.New("nil value")
	}
	err = shapeForValueRecursive(&shape, reflect.ValueOf(v), reflect.TypeOf(v))
	return
}

func shapeForValueRecursive(shape *shapes.Shape, v reflect.Value, t reflect.Type) error {
	switch t.Kind() {
	case reflect.Slice, reflect.Array:
		// Recurse into inner slices.
		t = t.Elem()
		if v.Len() == 0 {
			return errors.Errorf("value with empty slice not valid for Tensor conversion: %s", v.Type())
		}
		shape.Dimensions = append(shape.Dimensions, v.Len())
		shapePrefix := shape.Clone()

		// The first element is the reference.
		if err := shapeForValueRecursive(shape, v.Index(0), t); err != nil {
			return err
		}

		// Test that other elements have the same shape as the first one.
		for ii := 1; ii < v.Len(); ii++ {
			shapeTest := shapePrefix.Clone()
			if err := shapeForValueRecursive(&shapeTest, v.Index(ii), t); err != nil {
				return err
			}
			if !shape.Equal(shapeTest) {
				return errors.Errorf("sub-slices have irregular shapes, found shapes %s, and %s", shape, shapeTest)
			}
		}
		return nil
	case reflect.Float32, reflect.Float64,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return nil
	}
	return errors.Errorf("cannot convert type %s to a tensor value", t)
}

// Value returns a multidimensional slice of float64 (or a float64 for scalars) with a copy of the values.
func (t *Tensor) Value() any {
	if t.IsScalar() {
		return t.flat[0]
	}
	dataV := reflect.ValueOf(t.CopyFlatData())
	return createSlicesRecursively(dataV, t.shape.Dimensions, t.shape.Strides()).Interface()
}

// createSlicesRecursively creates multidimensional slices pointing to the flat data, assuming the strides for each
// dimension.
func createSlicesRecursively(data reflect.Value, dimensions []int, strides []int) reflect.Value {
	if len(dimensions) == 1 {
		return data
	}
	resultT := data.Type()
	for range len(dimensions) - 1 {
		resultT = reflect.SliceOf(resultT)
	}
	numElements := dimensions[0]
	slice := reflect.MakeSlice(resultT, numElements, numElements)
	for ii := range numElements {
		subData := data.Slice(ii*strides[0], (ii+1)*strides[0])
		slice.Index(ii).Set(createSlicesRecursively(subData, dimensions[1:], strides[1:]))
	}
	return slice
}

// Row returns a copy of the values of the i-th element along the first axis.
func (t *Tensor) Row(i int) []float64 {
	if t.IsScalar() {
		exceptions.Panicf("tensors: Row(%d) of a scalar", i)
	}
	rowSize := t.shape.Strides()[0]
	return append([]float64(nil), t.flat[i*rowSize:(i+1)*rowSize]...)
}

// Concatenate returns a new tensor with the tensors concatenated along the first axis.
// All tensors must have the same shape except for the first axis dimension.
func Concatenate(tensors ...*Tensor) *Tensor {
	if len(tensors) == 0 {
		exceptions.Panicf("tensors.Concatenate() requires at least one tensor")
	}
	first := tensors[0]
	if first.IsScalar() {
		exceptions.Panicf("tensors.Concatenate() cannot concatenate scalars")
	}
	item := first.shape.Dimensions[1:]
	total := 0
	for ii, t := range tensors {
		if t.Rank() != first.Rank() || !shapes.Make(t.shape.Dimensions[1:]...).Equal(shapes.Make(item...)) {
			exceptions.Panicf("tensors.Concatenate(): tensor #%d has shape %s, incompatible with %s", ii, t.shape, first.shape)
		}
		total += t.shape.Dimensions[0]
	}
	flat := make([]float64, 0, total*shapes.Make(item...).Size())
	for _, t := range tensors {
		flat = append(flat, t.flat...)
	}
	dims := append([]int{total}, item...)
	return newTensor(shapes.Make(dims...), flat)
}

// Equal checks whether the other tensor has the same shape and values.
func (t *Tensor) Equal(otherTensor *Tensor) bool {
	return t.InDelta(otherTensor, 0)
}

// InDelta checks whether the other tensor has the same shape and values within delta of each other.
func (t *Tensor) InDelta(otherTensor *Tensor, delta float64) bool {
	if t == nil || otherTensor == nil {
		return t == otherTensor
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	for ii, v := range t.flat {
		if math.Abs(v-otherTensor.flat[ii]) > delta {
			return false
		}
	}
	return true
}

type jsonTensor struct {
	Dimensions []int     `json:"dimensions"`
	Values     []float64 `json:"values"`
}

// MarshalJSON implements json.Marshaler.
func (t *Tensor) MarshalJSON() ([]byte, error) {
	dims := t.shape.Dimensions
	if dims == nil {
		dims = []int{}
	}
	return json.Marshal(jsonTensor{Dimensions: dims, Values: t.flat})
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Tensor) UnmarshalJSON(data []byte) error {
	var jt jsonTensor
	if err := json.Unmarshal(data, &jt); err != nil {
		return errors.Wrap(err, "failed to decode tensor")
	}
	err := exceptions.TryCatch[error](func() {
		*t = *newTensor(shapes.Make(jt.Dimensions...), jt.Values)
	})
	if err != nil {
		return errors.WithMessage(err, "invalid tensor")
	}
	return nil
}

// AssertShape panics if the tensor doesn't have the given dimensions.
func (t *Tensor) AssertShape(dimensions ...int) {
	if err := t.shape.CheckDims(dimensions...); err != nil {
		panic(fmt.Sprintf("tensor %s: %+v", t.shape, err))
	}
}
