// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package variables

import (
	"fmt"
	"slices"

	"github.com/gomlx/puddle/ml/layers/fnn"
	"github.com/gomlx/puddle/types/shapes"
	"github.com/gomlx/puddle/types/tensors"
)

// Kind of a Variable: it tells which Definition it holds.
type Kind int

const (
	KindSpace Kind = iota
	KindConstant
	KindDependent
	KindDerivative
	KindEquation
	KindOperator
	KindIndexed
)

var kindNames = []string{"Space", "Constant", "Dependent", "Derivative", "Equation", "Operator", "Indexed"}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Variable is a node of the variable graph. The shape of a variable is the shape of one item: for a batch of
// collocation points, its value is shaped `[batch]+shape`.
//
// Variables are compared by identity: two declarations of the same thing are two different variables.
type Variable struct {
	id            ID
	registry      *Registry
	generation    int
	isIndependent bool
	isEquation    bool

	name  string
	shape shapes.Shape
	def   Definition
}

// Definition is what defines a Variable. It's a closed set of types: *Space, *Constant, *Dependent,
// *Derivative, *Equation, *Operator and *Indexed.
type Definition interface {
	// Kind of the Variable with this definition.
	Kind() Kind

	// Inputs are the variables this definition depends on, in order.
	Inputs() []*Variable
}

// ID of the variable, issued at registration.
func (v *Variable) ID() ID { return v.id }

// Registry where the variable was declared.
func (v *Variable) Registry() *Registry { return v.registry }

// Kind of the variable.
func (v *Variable) Kind() Kind { return v.def.Kind() }

// Definition returns the definition of the variable. Switch on its type to access the details.
func (v *Variable) Definition() Definition { return v.def }

// Inputs returns the variables v depends on directly.
func (v *Variable) Inputs() []*Variable { return v.def.Inputs() }

// Shape of one item of the variable.
func (v *Variable) Shape() shapes.Shape { return v.shape }

// Rank of one item of the variable.
func (v *Variable) Rank() int { return v.shape.Rank() }

// Size of one item of the variable: the number of scalars it holds.
func (v *Variable) Size() int { return v.shape.Size() }

// IsIndependent returns whether the variable is an independent variable (a Space).
func (v *Variable) IsIndependent() bool { return v.isIndependent }

// IsEquation returns whether the variable is an Equation.
func (v *Variable) IsEquation() bool { return v.isEquation }

// Name of the variable. Declarations that don't take a name get one derived from their inputs.
func (v *Variable) Name() string { return v.name }

// String implements fmt.Stringer.
func (v *Variable) String() string {
	return fmt.Sprintf("%s#%d(%s)", v.name, v.id, v.shape)
}

// Space is the definition of an independent variable: a box in ℝⁿ given by per-dimension bounds.
// Its values are fed when the compiled graph is executed.
type Space struct {
	lower, upper []float64
}

// Kind implements Definition.
func (s *Space) Kind() Kind { return KindSpace }

// Inputs implements Definition.
func (s *Space) Inputs() []*Variable { return nil }

// Lower bounds for each dimension, in row-major order of the variable shape.
func (s *Space) Lower() []float64 { return slices.Clone(s.lower) }

// Upper bounds for each dimension, in row-major order of the variable shape.
func (s *Space) Upper() []float64 { return slices.Clone(s.upper) }

// Constant is the definition of a constant value.
type Constant struct {
	value *tensors.Tensor
}

// Kind implements Definition.
func (c *Constant) Kind() Kind { return KindConstant }

// Inputs implements Definition.
func (c *Constant) Inputs() []*Variable { return nil }

// Value of the constant. Don't change it.
func (c *Constant) Value() *tensors.Tensor { return c.value }

// Dependent is the definition of a variable approximated by a feed-forward network applied to the
// concatenation of its (flattened) arguments.
type Dependent struct {
	arguments []*Variable
	layers    []fnn.Layer
}

// Kind implements Definition.
func (d *Dependent) Kind() Kind { return KindDependent }

// Inputs implements Definition.
func (d *Dependent) Inputs() []*Variable { return d.arguments }

// Arguments of the network, in the order they are concatenated.
func (d *Dependent) Arguments() []*Variable { return slices.Clone(d.arguments) }

// Layers of the network.
func (d *Dependent) Layers() []fnn.Layer { return slices.Clone(d.layers) }

// InputSize is the width of the network input: the sum of the sizes of its arguments.
func (d *Dependent) InputSize() int {
	var size int
	for _, arg := range d.arguments {
		size += arg.Size()
	}
	return size
}

// Derivative is the definition of ∂target/∂withRespectTo.
type Derivative struct {
	target, withRespectTo *Variable
}

// Kind implements Definition.
func (d *Derivative) Kind() Kind { return KindDerivative }

// Inputs implements Definition.
func (d *Derivative) Inputs() []*Variable { return []*Variable{d.target, d.withRespectTo} }

// Target is the variable being differentiated.
func (d *Derivative) Target() *Variable { return d.target }

// WithRespectTo is the (scalar) variable the target is differentiated with respect to.
func (d *Derivative) WithRespectTo() *Variable { return d.withRespectTo }

// Equation is the definition of a loss term: the mean squared difference between its left and right sides.
type Equation struct {
	left, right *Variable
}

// Kind implements Definition.
func (e *Equation) Kind() Kind { return KindEquation }

// Inputs implements Definition.
func (e *Equation) Inputs() []*Variable { return []*Variable{e.left, e.right} }

// Left side of the equation.
func (e *Equation) Left() *Variable { return e.left }

// Right side of the equation.
func (e *Equation) Right() *Variable { return e.right }

// Operator is the definition of an element-wise (or per-item) operation over other variables.
type Operator struct {
	op       Op
	operands []*Variable
}

// Kind implements Definition.
func (o *Operator) Kind() Kind { return KindOperator }

// Inputs implements Definition.
func (o *Operator) Inputs() []*Variable { return o.operands }

// Op returns the operation.
func (o *Operator) Op() Op { return o.op }

// Operands of the operation, in order.
func (o *Operator) Operands() []*Variable { return slices.Clone(o.operands) }

// Indexed is the definition of one component of a variable of rank >= 1.
type Indexed struct {
	target *Variable
	index  int
}

// Kind implements Definition.
func (i *Indexed) Kind() Kind { return KindIndexed }

// Inputs implements Definition.
func (i *Indexed) Inputs() []*Variable { return []*Variable{i.target} }

// Target is the indexed variable.
func (i *Indexed) Target() *Variable { return i.target }

// Index selected on the first axis of the target.
func (i *Indexed) Index() int { return i.index }
