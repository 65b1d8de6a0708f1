// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package variables

import (
	"fmt"
	"strings"

	"github.com/gomlx/puddle/errs"
	"github.com/gomlx/puddle/types/shapes"
)

// Op is the operation of an Operator variable.
type Op int

const (
	OpAdd Op = iota
	OpSubtract
	OpMultiply
	OpDivide
	OpPow
	OpNegate
	OpSquare
	OpSqrt
	OpExp
	OpLog
	OpSin
	OpCos
	OpTanh
	OpStack
	OpDot
)

var opNames = []string{"add", "subtract", "multiply", "divide", "pow", "negate", "square", "sqrt", "exp", "log",
	"sin", "cos", "tanh", "stack", "dot"}

// String implements fmt.Stringer.
func (op Op) String() string {
	if op < 0 || int(op) >= len(opNames) {
		return fmt.Sprintf("Op(%d)", int(op))
	}
	return opNames[op]
}

// IsElementWise returns whether the op is applied element-wise, with scalar operands broadcast.
func (op Op) IsElementWise() bool {
	return op != OpStack && op != OpDot
}

// registryOf returns the registry of the first Variable in operands, or panics if there is none.
func registryOf(op Op, operands []any) *Registry {
	for _, operand := range operands {
		if v, ok := operand.(*Variable); ok && v != nil {
			return v.Registry()
		}
	}
	panic(errs.Configurationf("%s(): at least one of the operands must be a variable", op))
}

// broadcastShapes returns the shape of an element-wise operation over the variables: they must all have
// the same shape, or be scalars.
func broadcastShapes(operands ...*Variable) (shapes.Shape, error) {
	shape := shapes.Scalar()
	for _, v := range operands {
		if v.Rank() == 0 {
			continue
		}
		if shape.Rank() == 0 {
			shape = v.Shape()
			continue
		}
		if !shape.Equal(v.Shape()) {
			return shapes.Shape{}, errs.Configurationf("incompatible shapes %s and %s: they must be equal or scalar", shape, v.Shape())
		}
	}
	return shape.Clone(), nil
}

// newOperator declares an Operator variable, with auto-wrapping of non-variable operands.
func newOperator(op Op, operands ...any) *Variable {
	r := registryOf(op, operands)
	vars := make([]*Variable, len(operands))
	names := make([]string, len(operands))
	for ii, operand := range operands {
		if operand == nil {
			panic(errs.Configurationf("%s(): operand #%d is nil", op, ii))
		}
		vars[ii] = r.wrap(op.String()+"()", operand)
		if vars[ii].IsEquation() {
			panic(errs.Configurationf("%s(): operand %s is an equation", op, vars[ii]))
		}
		names[ii] = vars[ii].Name()
	}

	var shape shapes.Shape
	switch op {
	case OpStack:
		// Operands are stacked along a new leading axis.
		inner := vars[0].Shape()
		for _, v := range vars[1:] {
			if !v.Shape().Equal(inner) {
				panic(errs.Configurationf("stack(): all operands must have the same shape, got %s and %s", inner, v.Shape()))
			}
		}
		shape = shapes.Make(append([]int{len(vars)}, inner.Dimensions...)...)
	case OpDot:
		if vars[0].Rank() != 1 || !vars[0].Shape().Equal(vars[1].Shape()) {
			panic(errs.Configurationf("dot(): operands must be vectors of the same dimension, got %s and %s",
				vars[0].Shape(), vars[1].Shape()))
		}
		shape = shapes.Scalar()
	default:
		var err error
		shape, err = broadcastShapes(vars...)
		if err != nil {
			panic(errs.Configurationf("%s(): %v", op, err))
		}
	}
	name := fmt.Sprintf("%s(%s)", op, strings.Join(names, ", "))
	return r.newVariable(name, shape, &Operator{op: op, operands: vars}, false, false)
}

// Add returns x+y, element-wise. One of the operands must be a Variable, the other is wrapped as a Constant if
// it's not a Variable. This is also true for the other binary operators.
func Add(x, y any) *Variable { return newOperator(OpAdd, x, y) }

// Subtract returns x-y, element-wise.
func Subtract(x, y any) *Variable { return newOperator(OpSubtract, x, y) }

// Multiply returns x*y, element-wise.
func Multiply(x, y any) *Variable { return newOperator(OpMultiply, x, y) }

// Divide returns x/y, element-wise.
func Divide(x, y any) *Variable { return newOperator(OpDivide, x, y) }

// Pow returns x^y, element-wise.
func Pow(x, y any) *Variable { return newOperator(OpPow, x, y) }

// Negate returns -x.
func Negate(x *Variable) *Variable { return newOperator(OpNegate, x) }

// Square returns x², element-wise.
func Square(x *Variable) *Variable { return newOperator(OpSquare, x) }

// Sqrt returns √x, element-wise.
func Sqrt(x *Variable) *Variable { return newOperator(OpSqrt, x) }

// Exp returns eˣ, element-wise.
func Exp(x *Variable) *Variable { return newOperator(OpExp, x) }

// Log returns the natural logarithm of x, element-wise.
func Log(x *Variable) *Variable { return newOperator(OpLog, x) }

// Sin returns sin(x), element-wise.
func Sin(x *Variable) *Variable { return newOperator(OpSin, x) }

// Cos returns cos(x), element-wise.
func Cos(x *Variable) *Variable { return newOperator(OpCos, x) }

// Tanh returns tanh(x), element-wise.
func Tanh(x *Variable) *Variable { return newOperator(OpTanh, x) }

// Stack the operands, all of the same shape S, into a variable of shape `(len(operands),)+S`.
// Non-variable operands are wrapped as constants, but at least one must be a Variable.
//
// E.g.: the velocity vector of a 2-D flow from its components: `Stack(u, v)`.
func Stack(operands ...any) *Variable {
	if len(operands) == 0 {
		panic(errs.Configurationf("stack(): no operands"))
	}
	return newOperator(OpStack, operands...)
}

// Dot returns the dot product of two vectors of the same dimension, per item.
func Dot(x, y any) *Variable { return newOperator(OpDot, x, y) }

// Index returns component i of x, along its first axis: x must have rank >= 1 and the result has the
// shape of x without its first axis.
func Index(x *Variable, i int) *Variable {
	if x == nil {
		panic(errs.Configurationf("Index(): nil variable"))
	}
	r := x.Registry()
	r.mustOwn("Index()", x)
	if x.Rank() == 0 {
		panic(errs.Configurationf("Index(%s, %d): can't index a scalar", x, i))
	}
	if x.IsEquation() {
		panic(errs.Configurationf("Index(%s, %d): can't index an equation", x, i))
	}
	if dim := x.Shape().Dimensions[0]; i < 0 || i >= dim {
		panic(errs.Configurationf("Index(%s, %d): index out of range [0, %d)", x, i, dim))
	}
	shape := shapes.Make(x.Shape().Dimensions[1:]...)
	name := fmt.Sprintf("%s[%d]", x.Name(), i)
	return r.newVariable(name, shape, &Indexed{target: x, index: i}, false, false)
}
