// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package variables

import (
	"testing"

	"github.com/gomlx/puddle/errs"
	"github.com/gomlx/puddle/ml/layers/fnn"
	"github.com/gomlx/puddle/pkg/support/sets"
	"github.com/gomlx/puddle/types/shapes"
	"github.com/gomlx/puddle/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requireConfigurationPanic checks that fn panics with an errs.ErrConfiguration error.
func requireConfigurationPanic(t *testing.T, fn func()) {
	t.Helper()
	err := TryDeclare(fn)
	require.Error(t, err)
	require.ErrorIs(t, err, errs.ErrConfiguration, "got error %+v", err)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	x := reg.Scalar("x", 0, 1)
	y := reg.Vector("y", 2, -1, 1)
	c := reg.Constant(3.0)
	u := reg.Dependent("u", []*Variable{x, y}, fnn.L(8, "tanh"), fnn.L(fnn.ScalarUnits, "id"))
	eq := reg.Equation("eq", u, c)

	assert.Equal(t, 5, reg.Len())
	assert.True(t, reg.Variables().Equal(sets.MakeWith(x.ID(), y.ID(), c.ID(), u.ID(), eq.ID())))
	assert.True(t, reg.IndependentVariables().Equal(sets.MakeWith(x.ID(), y.ID())))
	assert.True(t, reg.Equations().Equal(sets.MakeWith(eq.ID())))
	assert.Same(t, u, reg.Lookup(u.ID()))
	assert.Nil(t, reg.Lookup(100))
	assert.Nil(t, reg.Lookup(-1))

	assert.True(t, x.IsIndependent())
	assert.False(t, x.IsEquation())
	assert.True(t, eq.IsEquation())
	assert.Equal(t, 0, eq.Rank())
	assert.Equal(t, KindSpace, x.Kind())
	assert.Equal(t, KindConstant, c.Kind())
	assert.Equal(t, KindDependent, u.Kind())
	assert.Equal(t, KindEquation, eq.Kind())
	assert.Equal(t, "Dependent", u.Kind().String())

	// Registration is idempotent.
	reg.register(x, true, false)
	assert.Equal(t, 5, reg.Len())

	// Returned sets are copies.
	reg.Variables().Insert(1000)
	assert.False(t, reg.Variables().Has(1000))

	// Reset: ids restart, and old variables are not accepted anymore.
	reg.Reset()
	assert.Equal(t, 0, reg.Len())
	assert.Empty(t, reg.Equations())
	assert.False(t, reg.Owns(x))
	requireConfigurationPanic(t, func() { reg.Derivative(u, x) })
	x2 := reg.Scalar("x", 0, 1)
	assert.Equal(t, ID(0), x2.ID())
	assert.True(t, reg.Owns(x2))
}

func TestIdentityOrdering(t *testing.T) {
	reg := NewRegistry()
	var declared []*Variable
	for range 20 {
		declared = append(declared, reg.Scalar("s", 0, 1))
	}
	for ii := 1; ii < len(declared); ii++ {
		require.Less(t, declared[ii-1].ID(), declared[ii].ID())
	}

	// Flattening the same set many times always gives the same order.
	ids := reg.IndependentVariables()
	first := reg.Sorted(ids)
	assert.Equal(t, declared, first)
	for range 10 {
		assert.Equal(t, first, reg.Sorted(reg.IndependentVariables()))
	}

	shuffled := []*Variable{declared[3], declared[1], declared[2]}
	SortByID(shuffled)
	assert.Equal(t, []ID{declared[1].ID(), declared[2].ID(), declared[3].ID()}, IDs(shuffled))
}

func TestDependentShape(t *testing.T) {
	reg := NewRegistry()
	x := reg.Scalar("x", 0, 1)
	y := reg.Vector("y", 3, 0, 1)

	// Output width D > 0: shape (D,).
	vec := reg.Dependent("vec", []*Variable{x, y}, fnn.L(16, "tanh"), fnn.L(2, "id"))
	assert.Equal(t, []int{2}, vec.Shape().Dimensions)
	assert.Equal(t, 1, vec.Rank())
	def := vec.Definition().(*Dependent)
	assert.Equal(t, 4, def.InputSize())
	assert.Equal(t, []*Variable{x, y}, def.Arguments())
	assert.Len(t, def.Layers(), 2)

	// Width 1 is still a vector of dimension 1.
	one := reg.Dependent("one", []*Variable{x}, fnn.L(1, "sigmoid"))
	assert.Equal(t, []int{1}, one.Shape().Dimensions)

	// ScalarUnits: scalar shape.
	scalar := reg.Dependent("scalar", []*Variable{x, y}, fnn.L(16, "relu"), fnn.L(fnn.ScalarUnits, "id"))
	assert.True(t, scalar.Shape().IsScalar())

	// Dependents of dependents are allowed.
	nested := reg.Dependent("nested", []*Variable{vec, x}, fnn.L(3, "leaky-relu"))
	assert.Equal(t, 3, nested.Definition().(*Dependent).InputSize())

	requireConfigurationPanic(t, func() { reg.Dependent("none", nil, fnn.L(1, "id")) })
	requireConfigurationPanic(t, func() { reg.Dependent("dup", []*Variable{x, x}, fnn.L(1, "id")) })
	requireConfigurationPanic(t, func() { reg.Dependent("no_layers", []*Variable{x}) })
	requireConfigurationPanic(t, func() {
		reg.Dependent("hidden_scalar", []*Variable{x}, fnn.L(fnn.ScalarUnits, "id"), fnn.L(1, "id"))
	})
	other := NewRegistry().Scalar("other", 0, 1)
	requireConfigurationPanic(t, func() { reg.Dependent("foreign", []*Variable{x, other}, fnn.L(1, "id")) })
}

func TestDerivativeRank(t *testing.T) {
	reg := NewRegistry()
	x := reg.Scalar("x", 0, 1)
	v := reg.Vector("v", 2, 0, 1)
	u := reg.Dependent("u", []*Variable{x, v}, fnn.L(fnn.ScalarUnits, "tanh"))
	w := reg.Dependent("w", []*Variable{x, v}, fnn.L(3, "tanh"))

	// Scalar and vector targets are fine.
	du := reg.Derivative(u, x)
	assert.True(t, du.Shape().IsScalar())
	assert.Equal(t, KindDerivative, du.Kind())
	assert.Same(t, u, du.Definition().(*Derivative).Target())
	assert.Same(t, x, du.Definition().(*Derivative).WithRespectTo())
	dw := reg.Derivative(w, x)
	assert.Equal(t, []int{3}, dw.Shape().Dimensions)

	// Second derivative.
	duu := reg.Derivative(du, x)
	assert.True(t, duu.Shape().IsScalar())

	// The variable of differentiation must be a scalar.
	requireConfigurationPanic(t, func() { reg.Derivative(u, v) })
	requireConfigurationPanic(t, func() { reg.Derivative(w, w) })

	// Target must have rank <= 1.
	m := reg.Constant([][]float64{{1, 2}, {3, 4}})
	requireConfigurationPanic(t, func() { reg.Derivative(m, x) })

	// Nil.
	requireConfigurationPanic(t, func() { reg.Derivative(nil, x) })
}

func TestSpaces(t *testing.T) {
	reg := NewRegistry()
	x := reg.Scalar("x", 2, 5)
	sx := x.Definition().(*Space)
	assert.Equal(t, []float64{2}, sx.Lower())
	assert.Equal(t, []float64{5}, sx.Upper())

	v := reg.Vector("v", 3, -1, 1)
	sv := v.Definition().(*Space)
	assert.Equal(t, []float64{-1, -1, -1}, sv.Lower())
	assert.Equal(t, []float64{1, 1, 1}, sv.Upper())

	box := reg.Space("box", shapes.Make(2), []float64{0, 10}, []float64{1, 20})
	assert.Equal(t, []float64{0, 10}, box.Definition().(*Space).Lower())

	requireConfigurationPanic(t, func() { reg.Scalar("bad", 1, 1) })
	requireConfigurationPanic(t, func() { reg.Scalar("bad", 2, 1) })
	requireConfigurationPanic(t, func() { reg.Vector("bad", 0, 0, 1) })
	requireConfigurationPanic(t, func() { reg.Space("bad", shapes.Make(2), []float64{0, 0, 0}, []float64{1}) })
	requireConfigurationPanic(t, func() { reg.Space("bad", shapes.WithBatch(shapes.Make(2)), []float64{0}, []float64{1}) })
}

func TestConstantsAndEquations(t *testing.T) {
	reg := NewRegistry()
	c := reg.Constant([]float64{1, 2, 3})
	assert.Equal(t, []int{3}, c.Shape().Dimensions)
	assert.Equal(t, []float64{1, 2, 3}, c.Definition().(*Constant).Value().Flat())
	ci := reg.Constant(7)
	assert.Equal(t, 7.0, ci.Definition().(*Constant).Value().Scalar())
	ct := reg.Constant(tensors.FromFlatDataAndDimensions([]float64{1, 2, 3, 4}, 2, 2))
	assert.Equal(t, []int{2, 2}, ct.Shape().Dimensions)
	requireConfigurationPanic(t, func() { reg.Constant("a string") })

	x := reg.Scalar("x", 0, 1)
	eq := reg.Equation("x=x", x, x)
	def := eq.Definition().(*Equation)
	assert.Same(t, x, def.Left())
	assert.Same(t, x, def.Right())

	// Right side defaults to 0.
	zero := reg.Equation("x=0", x, nil)
	right := zero.Definition().(*Equation).Right()
	assert.Equal(t, KindConstant, right.Kind())
	assert.Equal(t, 0.0, right.Definition().(*Constant).Value().Scalar())

	// Shapes must be compatible.
	v := reg.Vector("v", 2, 0, 1)
	reg.Equation("v=1", v, 1.0)
	requireConfigurationPanic(t, func() { reg.Equation("v=c", v, c) })
	requireConfigurationPanic(t, func() { reg.Equation("eq=0", eq, nil) })
	requireConfigurationPanic(t, func() { reg.Equation("nil", nil, x) })
}

func TestOperators(t *testing.T) {
	reg := NewRegistry()
	x := reg.Scalar("x", 0, 1)
	v := reg.Vector("v", 2, 0, 1)

	sum := Add(x, 1.0)
	assert.Equal(t, KindOperator, sum.Kind())
	assert.Equal(t, OpAdd, sum.Definition().(*Operator).Op())
	assert.Equal(t, "add(x, 1)", sum.Name())
	operands := sum.Definition().(*Operator).Operands()
	require.Len(t, operands, 2)
	assert.Same(t, x, operands[0])
	assert.Equal(t, KindConstant, operands[1].Kind())

	// Scalars are broadcast.
	assert.Equal(t, []int{2}, Multiply(2.0, v).Shape().Dimensions)
	assert.Equal(t, []int{2}, Subtract(v, x).Shape().Dimensions)
	assert.Equal(t, []int{2}, Divide(v, v).Shape().Dimensions)
	assert.True(t, Pow(x, 2).Shape().IsScalar())
	for _, unary := range []func(*Variable) *Variable{Negate, Square, Sqrt, Exp, Log, Sin, Cos, Tanh} {
		assert.Equal(t, []int{2}, unary(v).Shape().Dimensions)
	}

	stacked := Stack(x, Square(x), 3.0)
	assert.Equal(t, []int{3}, stacked.Shape().Dimensions)
	assert.Equal(t, []int{2, 2}, Stack(v, v).Shape().Dimensions)
	assert.True(t, Dot(v, v).Shape().IsScalar())

	first := Index(v, 1)
	assert.True(t, first.Shape().IsScalar())
	assert.Equal(t, KindIndexed, first.Kind())
	assert.Equal(t, 1, first.Definition().(*Indexed).Index())
	assert.Equal(t, "v[1]", first.Name())

	requireConfigurationPanic(t, func() { Add(1.0, 2.0) })
	requireConfigurationPanic(t, func() { Add(v, reg.Vector("w", 3, 0, 1)) })
	requireConfigurationPanic(t, func() { Stack(x, v) })
	requireConfigurationPanic(t, func() { Stack() })
	requireConfigurationPanic(t, func() { Dot(x, x) })
	requireConfigurationPanic(t, func() { Index(x, 0) })
	requireConfigurationPanic(t, func() { Index(v, 2) })
	requireConfigurationPanic(t, func() { Add(x, NewRegistry().Scalar("y", 0, 1)) })
	requireConfigurationPanic(t, func() { Add(x, reg.Equation("eq", x, nil)) })
}
