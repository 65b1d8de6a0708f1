// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package layers holds the modeling layers used to build the networks approximating the dependent
// variables. Activation functions are in the activations sub-package, and feed-forward networks in fnn.
//
// A small convention on naming: typically layers are nouns (like "Dense" (layer)),
// while computations are usually verbs ("Reduce..", "Multiply (Mul)", etc.).
package layers

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/puddle/graph"
	"github.com/gomlx/puddle/ml/context"
	"github.com/gomlx/puddle/types/shapes"
)

// DenseWithBias adds a single dense linear layer, a learnable linear transformation plus a bias term.
func DenseWithBias(ctx *context.Context, input *Node, outputDimension int) *Node {
	return Dense(ctx, input, true, outputDimension)
}

// Dense adds a single dense linear layer, a learnable linear transformation.
// Optionally, it can include a bias term.
//
// The input must have shape `[batch, featureDimension]`, and the output will have shape `[batch, outputDimension]`.
// Variables "weights" and "biases" are created in the scope "dense" under ctx.
func Dense(ctx *context.Context, input *Node, useBias bool, outputDimension int) *Node {
	g := input.Graph()
	ctx = ctx.In("dense")
	inputShape := input.Shape()
	if inputShape.Rank() != 2 {
		Panicf("input for layers.Dense needs to have rank 2 ([batch, features]), got %s", inputShape)
	}
	if outputDimension <= 0 {
		Panicf("layers.Dense requires a positive output dimension, got %d", outputDimension)
	}
	inputLastDimension := inputShape.Dimensions[1]
	weightsVar := ctx.VariableWithShape("weights", shapes.Make(inputLastDimension, outputDimension))
	output := Dot(input, weightsVar.ValueGraph(g))
	if useBias {
		biasVar := ctx.VariableWithShape("biases", shapes.Make(outputDimension))
		output = Add(output, BroadcastToShape(biasVar.ValueGraph(g), output.Shape()))
	}
	return output
}
