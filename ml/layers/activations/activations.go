// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package activations implements the activation functions of the feed-forward networks, and their
// conversion from/to their names.
package activations

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/puddle/graph"
	"github.com/gomlx/puddle/ml/context"
)

const (
	// ParamActivation context hyperparameter defines the activation to use, for models using ApplyFromContext.
	// See TypeValues for the complete list. The default is "tanh".
	ParamActivation = "activation"
)

// Type is an enum for the supported activation functions.
type Type int

const (
	TypeId Type = iota
	TypeSigmoid
	TypeRelu
	TypeLeakyRelu
	TypeTanh
	TypeSoftmax
)

var typeNames = []string{
	TypeId:        "id",
	TypeSigmoid:   "sigmoid",
	TypeRelu:      "relu",
	TypeLeakyRelu: "leaky-relu",
	TypeTanh:      "tanh",
	TypeSoftmax:   "softmax",
}

// String returns the name of the activation, as accepted by FromName.
func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return "Type(invalid)"
	}
	return typeNames[t]
}

// TypeValues returns all the valid activation types.
func TypeValues() []Type {
	values := make([]Type, len(typeNames))
	for ii := range values {
		values[ii] = Type(ii)
	}
	return values
}

// TypeString returns the activation type with the given name.
func TypeString(name string) (Type, bool) {
	for ii, typeName := range typeNames {
		if typeName == name {
			return Type(ii), true
		}
	}
	return TypeId, false
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(text []byte) error {
	activation, found := TypeString(string(text))
	if !found {
		return invalidNameError(string(text))
	}
	*t = activation
	return nil
}

// ApplyFromContext picks an activation function from the context using [ParamActivation] parameter,
// and applies it to x.
func ApplyFromContext(ctx *context.Context, x *Node) *Node {
	activationName := context.GetParamOr(ctx, ParamActivation, "tanh")
	return Apply(FromName(activationName), x)
}

// Apply the given activation type to x, shaped `[batch, units]`.
// The TypeId activation is a no-op.
func Apply(activation Type, x *Node) *Node {
	switch activation {
	case TypeId:
		return x
	case TypeRelu:
		return Relu(x)
	case TypeLeakyRelu:
		return LeakyRelu(x)
	case TypeSigmoid:
		return Sigmoid(x)
	case TypeTanh:
		return Tanh(x)
	case TypeSoftmax:
		return Softmax(x, -1)
	default:
		Panicf("Apply got invalid activation value %d: options are %v", activation, TypeValues())
	}
	return nil
}

// FromName converts the name of an activation to its type.
// It panics with a helpful message if name is invalid.
//
// An empty string is converted to TypeId.
func FromName(activationName string) Type {
	if activationName == "" {
		return TypeId
	}
	activation, found := TypeString(activationName)
	if !found {
		panic(invalidNameError(activationName))
	}
	return activation
}

// Relu activation function. It returns Max(x, 0).
func Relu(x *Node) *Node {
	return Max(x, ZerosLike(x))
}

// LeakyRelu activation function. It allows a small gradient when the unit is not active (x < 0).
// The `alpha` parameter is fixed at 0.2.
//
// It returns `x if x >= 0; alpha*x if x < 0`.
func LeakyRelu(x *Node) *Node {
	return LeakyReluWithAlpha(x, 0.2)
}

// LeakyReluWithAlpha activation function.
//
// It returns `x if x >= 0; alpha*x if x < 0`.
func LeakyReluWithAlpha(x *Node, alpha float64) *Node {
	return Where(
		GreaterOrEqual(x, ZerosLike(x)),
		x,
		MulScalar(x, alpha))
}
