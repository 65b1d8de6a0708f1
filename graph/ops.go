// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/puddle/types/shapes"
	"github.com/gomlx/puddle/types/tensors"
)

// MaxSizeToPrint is the largest constant whose values are included in the node description.
const MaxSizeToPrint = 5

type nodeInputsParameter struct {
	name string
}

func (ni *nodeInputsParameter) Type() NodeType { return NodeTypeParameter }
func (ni *nodeInputsParameter) String() string { return fmt.Sprintf("Parameter(%q)", ni.name) }

// Parameter registers an input parameter for a computation Graph (e.g: a feature used as input).
// The shape may have the symbolic batch axis: its size is given by the values fed at execution.
//
// When created they get a handle (a plain index) and a unique name. If name is empty, a unique name
// is generated.
func Parameter(g *Graph, name string, shape shapes.Shape) *Node {
	g.AssertValid()
	if name == "" {
		name = fmt.Sprintf("p#%d", len(g.parameters))
	}
	if _, found := g.parametersByName[name]; found {
		Panicf("requested parameter with name %q for graph %q already exists", name, g.name)
	}
	node := newNode(g, &nodeInputsParameter{name: name}, shape.Clone())
	g.parameters = append(g.parameters, node)
	g.parametersByName[name] = node
	return node
}

type nodeInputsConstant struct {
	value *tensors.Tensor
}

func (ni *nodeInputsConstant) Type() NodeType { return NodeTypeConstant }
func (ni *nodeInputsConstant) String() string {
	if ni.value.Size() <= MaxSizeToPrint {
		return fmt.Sprintf("Constant(%v)", ni.value.Value())
	}
	return fmt.Sprintf("Constant(%s)", ni.value.Shape())
}

func newConstant(g *Graph, value *tensors.Tensor) *Node {
	return newNode(g, &nodeInputsConstant{value: value}, value.Shape().Clone())
}

func scalarTensor(value float64) *tensors.Tensor {
	return tensors.FromScalar(value)
}

// Const creates a constant in the graph with the given value. value can be anything accepted by
// tensors.FromAnyValue: a Go number, a multidimensional slice or a *tensors.Tensor.
func Const(g *Graph, value any) *Node {
	g.AssertValid()
	t := tensors.FromAnyValue(value)
	if t.IsScalar() {
		return g.getScalarConst(t.Scalar())
	}
	return newConstant(g, t)
}

// Scalar returns a scalar constant. Scalars are cached per graph.
func Scalar(g *Graph, value float64) *Node {
	g.AssertValid()
	return g.getScalarConst(value)
}

type nodeInputsBatchSize struct{}

func (ni *nodeInputsBatchSize) Type() NodeType { return NodeTypeBatchSize }
func (ni *nodeInputsBatchSize) String() string { return "BatchSize()" }

// BatchSize returns a scalar node that evaluates to the size of the batch axis in the current execution.
func BatchSize(g *Graph) *Node {
	g.AssertValid()
	return newNode(g, &nodeInputsBatchSize{}, shapes.Scalar())
}

type nodeInputsIdentity struct {
	x *Node
}

func (ni *nodeInputsIdentity) Type() NodeType { return NodeTypeIdentity }
func (ni *nodeInputsIdentity) String() string { return fmt.Sprintf("Identity(%s)", nodeIds(ni.x)) }

// Identity returns a node with the same value as x.
func Identity(x *Node) *Node {
	g := validateBuildingGraphFromInputs(x)
	return newNode(g, &nodeInputsIdentity{x: x}, x.shape.Clone(), x)
}

// StopGradient creates an identity node (see Identity), through which gradients don't back-propagate.
func StopGradient(x *Node) *Node {
	n := Identity(x)
	n.stopGradient = true
	return n
}

// IdentityWithCustomGradient returns x unchanged, but sets a custom gradient function to be applied when
// doing the reverse autograd (gradient) calculation.
//
// The gradientFn will be called during auto-grad and will be passed x and v, the "adjoint", which represents the
// gradient of the loss with respect to the output of this node, and should return the gradient with respect to x.
func IdentityWithCustomGradient(x *Node, gradientFn func(x, v *Node) *Node) *Node {
	n := Identity(x)
	n.customVJP = func(node *Node, vjpOutputs []*Node, _ shapes.Shape) []*Node {
		return []*Node{gradientFn(x, vjpOutputs[0])}
	}
	return n
}

type nodeInputsBinary struct {
	op   NodeType
	x, y *Node
}

func (ni *nodeInputsBinary) Type() NodeType { return ni.op }
func (ni *nodeInputsBinary) String() string {
	return fmt.Sprintf("%s(%s)", ni.op, nodeIds(ni.x, ni.y))
}

// binaryOp creates an element-wise binary op. Operands must have the same shape, or one of them is a scalar,
// which is then broadcast.
func binaryOp(op NodeType, x, y *Node) *Node {
	g := validateBuildingGraphFromInputs(x, y)
	var shape shapes.Shape
	switch {
	case x.shape.Equal(y.shape):
		shape = x.shape.Clone()
	case x.IsScalar():
		shape = y.shape.Clone()
	case y.IsScalar():
		shape = x.shape.Clone()
	default:
		Panicf("%s(x, y): incompatible shapes %s and %s, they must be equal or one of them a scalar", op, x.shape, y.shape)
	}
	return newNode(g, &nodeInputsBinary{op: op, x: x, y: y}, shape, x, y)
}

// Add returns the element-wise sum of x and y.
func Add(x, y *Node) *Node { return binaryOp(NodeTypeAdd, x, y) }

// Sub returns x - y, element-wise.
func Sub(x, y *Node) *Node { return binaryOp(NodeTypeSub, x, y) }

// Mul returns the element-wise product of x and y.
func Mul(x, y *Node) *Node { return binaryOp(NodeTypeMul, x, y) }

// Div returns x / y, element-wise.
func Div(x, y *Node) *Node { return binaryOp(NodeTypeDiv, x, y) }

// Pow returns x^y, element-wise.
func Pow(x, y *Node) *Node { return binaryOp(NodeTypePow, x, y) }

// Max returns the element-wise maximum of x and y.
func Max(x, y *Node) *Node { return binaryOp(NodeTypeMax, x, y) }

// GreaterOrEqual returns 1 where x >= y and 0 otherwise. It has no gradient.
func GreaterOrEqual(x, y *Node) *Node { return binaryOp(NodeTypeGreaterOrEqual, x, y) }

type nodeInputsUnary struct {
	op NodeType
	x  *Node
}

func (ni *nodeInputsUnary) Type() NodeType { return ni.op }
func (ni *nodeInputsUnary) String() string { return fmt.Sprintf("%s(%s)", ni.op, nodeIds(ni.x)) }

func unaryOp(op NodeType, x *Node) *Node {
	g := validateBuildingGraphFromInputs(x)
	return newNode(g, &nodeInputsUnary{op: op, x: x}, x.shape.Clone(), x)
}

// Neg returns -x.
func Neg(x *Node) *Node { return unaryOp(NodeTypeNeg, x) }

// Abs returns |x|.
func Abs(x *Node) *Node { return unaryOp(NodeTypeAbs, x) }

// Sign returns -1, 0 or 1, following the sign of x.
func Sign(x *Node) *Node { return unaryOp(NodeTypeSign, x) }

// Exp returns e^x.
func Exp(x *Node) *Node { return unaryOp(NodeTypeExp, x) }

// Log returns the natural logarithm of x.
func Log(x *Node) *Node { return unaryOp(NodeTypeLog, x) }

// Sqrt returns the square root of x.
func Sqrt(x *Node) *Node { return unaryOp(NodeTypeSqrt, x) }

// Sin returns sin(x).
func Sin(x *Node) *Node { return unaryOp(NodeTypeSin, x) }

// Cos returns cos(x).
func Cos(x *Node) *Node { return unaryOp(NodeTypeCos, x) }

// Tanh returns the hyperbolic tangent of x.
func Tanh(x *Node) *Node { return unaryOp(NodeTypeTanh, x) }

// Logistic returns 1/(1+e^{-x}), also known as sigmoid.
func Logistic(x *Node) *Node { return unaryOp(NodeTypeLogistic, x) }

// Sigmoid is an alias to Logistic.
func Sigmoid(x *Node) *Node { return Logistic(x) }

type nodeInputsWhere struct {
	condition, onTrue, onFalse *Node
}

func (ni *nodeInputsWhere) Type() NodeType { return NodeTypeWhere }
func (ni *nodeInputsWhere) String() string {
	return fmt.Sprintf("Where(%s)", nodeIds(ni.condition, ni.onTrue, ni.onFalse))
}

// Where takes element-wise values from onTrue or onFalse depending on whether condition is != 0.
// onTrue and onFalse must have the shape of condition, or be scalars.
func Where(condition, onTrue, onFalse *Node) *Node {
	g := validateBuildingGraphFromInputs(condition, onTrue, onFalse)
	for _, operand := range []*Node{onTrue, onFalse} {
		if !operand.IsScalar() && !operand.shape.Equal(condition.shape) {
			Panicf("Where(): onTrue/onFalse shape %s incompatible with condition shape %s", operand.shape, condition.shape)
		}
	}
	return newNode(g, &nodeInputsWhere{condition: condition, onTrue: onTrue, onFalse: onFalse},
		condition.shape.Clone(), condition, onTrue, onFalse)
}
