// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package variables

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/puddle/errs"
	"github.com/gomlx/puddle/ml/layers/fnn"
	"github.com/gomlx/puddle/types/shapes"
	"github.com/gomlx/puddle/types/tensors"
	"k8s.io/klog/v2"
)

// newVariable creates and registers a variable.
func (r *Registry) newVariable(name string, shape shapes.Shape, def Definition, isIndependent, isEquation bool) *Variable {
	v := &Variable{name: name, shape: shape, def: def}
	r.register(v, isIndependent, isEquation)
	if klog.V(2).Enabled() {
		klog.Infof("variables: declared %s %s", def.Kind(), v)
	}
	return v
}

// mustOwn panics with a configuration error if any of the variables is nil or doesn't belong to r.
func (r *Registry) mustOwn(what string, variables ...*Variable) {
	for _, v := range variables {
		if v == nil {
			panic(errs.Configurationf("%s: nil variable", what))
		}
		if !r.Owns(v) {
			panic(errs.Configurationf("%s: variable %s belongs to a different registry (or was declared before a Reset)", what, v))
		}
	}
}

// Scalar declares a scalar independent variable taking values in [lower, upper).
func (r *Registry) Scalar(name string, lower, upper float64) *Variable {
	return r.Space(name, shapes.Scalar(), []float64{lower}, []float64{upper})
}

// Vector declares an independent variable of the given dimension, with the same bounds
// [lower, upper) for every dimension.
func (r *Registry) Vector(name string, dimension int, lower, upper float64) *Variable {
	if dimension <= 0 {
		panic(errs.Configurationf("Vector(%q): dimension must be > 0, got %d", name, dimension))
	}
	return r.Space(name, shapes.Make(dimension), []float64{lower}, []float64{upper})
}

// Space declares an independent variable with the given item shape and bounds. The bounds are given
// for each scalar of an item (in row-major order), or as a single value used for all of them.
//
// Values sampled over the whole space are in [lower, upper). Boundary samplers may also pin a dimension
// to either edge, upper included (see samplers.NewConstrainedSpaceSampler).
//
// It panics with an errs.ErrConfiguration error if the bounds are invalid: lower must be smaller than
// upper, and both finite.
func (r *Registry) Space(name string, shape shapes.Shape, lower, upper []float64) *Variable {
	if shape.HasBatch() {
		panic(errs.Configurationf("Space(%q): shape %s cannot have a batch axis", name, shape))
	}
	size := shape.Size()
	if size <= 0 {
		panic(errs.Configurationf("Space(%q): invalid shape %s", name, shape))
	}
	lower, err := broadcastBounds(lower, size)
	if err != nil {
		panic(errs.Configurationf("Space(%q): lower bounds: %v", name, err))
	}
	upper, err = broadcastBounds(upper, size)
	if err != nil {
		panic(errs.Configurationf("Space(%q): upper bounds: %v", name, err))
	}
	for ii := range size {
		if math.IsNaN(lower[ii]) || math.IsInf(lower[ii], 0) || math.IsNaN(upper[ii]) || math.IsInf(upper[ii], 0) {
			panic(errs.Configurationf("Space(%q): bounds must be finite, got [%g, %g) for dimension %d", name, lower[ii], upper[ii], ii))
		}
		if lower[ii] >= upper[ii] {
			panic(errs.Configurationf("Space(%q): lower bound must be smaller than upper bound, got [%g, %g) for dimension %d",
				name, lower[ii], upper[ii], ii))
		}
	}
	return r.newVariable(name, shape.Clone(), &Space{lower: lower, upper: upper}, true, false)
}

func broadcastBounds(bounds []float64, size int) ([]float64, error) {
	switch len(bounds) {
	case size:
		return slices.Clone(bounds), nil
	case 1:
		result := make([]float64, size)
		for ii := range result {
			result[ii] = bounds[0]
		}
		return result, nil
	default:
		return nil, fmt.Errorf("expected 1 or %d values, got %d", size, len(bounds))
	}
}

// Constant declares a constant. The value can be a float64, an int, a (multi-dimensional) slice of them,
// or a *tensors.Tensor.
func (r *Registry) Constant(value any) *Variable {
	var t *tensors.Tensor
	switch v := value.(type) {
	case *Variable:
		panic(errs.Configurationf("Constant(): value is already a variable %s", v))
	case *tensors.Tensor:
		if v == nil {
			panic(errs.Configurationf("Constant(): nil tensor"))
		}
		t = v.Clone()
	default:
		var err error
		t, err = tensors.ToTensor(value)
		if err != nil {
			panic(errs.Configurationf("Constant(%v): %v", value, err))
		}
	}
	if t.Shape().HasBatch() {
		panic(errs.Configurationf("Constant(): value cannot have a batch axis, got %s", t.Shape()))
	}
	name := "const"
	if t.IsScalar() {
		name = fmt.Sprintf("%g", t.Scalar())
	}
	return r.newVariable(name, t.Shape(), &Constant{value: t}, false, false)
}

// wrap returns value if it is a Variable owned by r, or declares a Constant with it.
func (r *Registry) wrap(what string, value any) *Variable {
	if v, ok := value.(*Variable); ok {
		r.mustOwn(what, v)
		return v
	}
	return r.Constant(value)
}

// Dependent declares a variable approximated by a feed-forward network with the given layers, applied to
// the concatenation of its flattened arguments. The order of the arguments is significant: it's the order of
// the network input, and the default order of the arguments when exported (see system.Exported).
//
// The shape of the variable is given by the last layer: `(units,)`, or a scalar `()` if its units are
// fnn.ScalarUnits.
func (r *Registry) Dependent(name string, arguments []*Variable, layers ...fnn.Layer) *Variable {
	what := fmt.Sprintf("Dependent(%q)", name)
	if len(arguments) == 0 {
		panic(errs.Configurationf("%s: at least one argument is required", what))
	}
	r.mustOwn(what, arguments...)
	for ii, arg := range arguments {
		if slices.Contains(arguments[:ii], arg) {
			panic(errs.Configurationf("%s: argument %s given more than once", what, arg))
		}
		if arg.IsEquation() {
			panic(errs.Configurationf("%s: an equation (%s) can't be an argument", what, arg))
		}
	}
	if err := fnn.Validate(layers); err != nil {
		panic(errs.Configurationf("%s: %v", what, err))
	}
	shape := shapes.Scalar()
	if units := fnn.OutputDimension(layers); units != fnn.ScalarUnits {
		shape = shapes.Make(units)
	}
	def := &Dependent{arguments: slices.Clone(arguments), layers: slices.Clone(layers)}
	return r.newVariable(name, shape, def, false, false)
}

// Derivative declares ∂target/∂withRespectTo, per item.
//
// The target must have rank 0 or 1 (the derivative of each component is taken) and withRespectTo
// must be a scalar; the shape of the derivative is the shape of the target.
func (r *Registry) Derivative(target, withRespectTo *Variable) *Variable {
	r.mustOwn("Derivative()", target, withRespectTo)
	if target.Rank() > 1 {
		panic(errs.Configurationf("Derivative(%s, %s): target must be a scalar or a vector, got rank %d",
			target, withRespectTo, target.Rank()))
	}
	if withRespectTo.Rank() != 0 {
		panic(errs.Configurationf("Derivative(%s, %s): the variable of differentiation must be a scalar, got rank %d",
			target, withRespectTo, withRespectTo.Rank()))
	}
	if target.IsEquation() || withRespectTo.IsEquation() {
		panic(errs.Configurationf("Derivative(%s, %s): equations can't be differentiated", target, withRespectTo))
	}
	name := fmt.Sprintf("d%s/d%s", target.Name(), withRespectTo.Name())
	return r.newVariable(name, target.Shape(), &Derivative{target: target, withRespectTo: withRespectTo}, false, false)
}

// Equation declares a loss term: the per-item mean squared difference between left and right.
// Each side can be a Variable or a constant value (see Constant); if right is nil it defaults to 0.
//
// The shapes of the sides must be equal, or one of them a scalar (broadcast to the other).
func (r *Registry) Equation(name string, left, right any) *Variable {
	what := fmt.Sprintf("Equation(%q)", name)
	if left == nil {
		panic(errs.Configurationf("%s: left side is nil", what))
	}
	if right == nil {
		right = 0.0
	}
	leftV, rightV := r.wrap(what, left), r.wrap(what, right)
	if leftV.IsEquation() || rightV.IsEquation() {
		panic(errs.Configurationf("%s: equations can't be sides of another equation", what))
	}
	if _, err := broadcastShapes(leftV, rightV); err != nil {
		panic(errs.Configurationf("%s: %v", what, err))
	}
	return r.newVariable(name, shapes.Scalar(), &Equation{left: leftV, right: rightV}, false, true)
}

// TryDeclare runs fn, that declares variables, and returns the panic of an invalid declaration as an error.
func TryDeclare(fn func()) error {
	return exceptions.TryCatch[error](fn)
}
