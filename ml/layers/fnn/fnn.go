// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fnn implements the FNN (Feedforward Neural Network) used to approximate dependent variables:
// a stack of dense layers, each with its own width and activation.
//
// E.g: A network mapping 2 inputs to a 3-dimensional output, with two hidden layers:
//
//	func Velocity(ctx *context.Context, x *Node) *Node {
//		return fnn.New(ctx.In("velocity"), x,
//			fnn.L(32, "tanh"), fnn.L(32, "tanh"), fnn.L(3, "id")).
//			Done()
//	}
package fnn

import (
	"fmt"
	"strconv"
	"strings"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/puddle/errs"
	. "github.com/gomlx/puddle/graph"
	"github.com/gomlx/puddle/ml/context"
	"github.com/gomlx/puddle/ml/layers"
	"github.com/gomlx/puddle/ml/layers/activations"
)

// ScalarUnits can be used as the number of units of the last layer, to indicate the network output is a
// scalar per example: the last layer has one unit, and its output is squeezed from `[batch, 1]` to `[batch]`.
const ScalarUnits = 0

// Layer specifies one dense layer of the network: its width (Units) and activation.
type Layer struct {
	Units      int
	Activation activations.Type
}

// L creates a Layer with the given number of units and activation name.
// It panics if the activation name is not valid.
func L(units int, activation string) Layer {
	return Layer{Units: units, Activation: activations.FromName(activation)}
}

// String returns the layer as "<units>:<activation>", the format accepted by ParseLayers.
func (l Layer) String() string {
	return fmt.Sprintf("%d:%s", l.Units, l.Activation)
}

// ParseLayers parses a comma-separated list of layers in the format "<units>:<activation>",
// e.g.: "32:tanh,32:tanh,1:id".
func ParseLayers(spec string) ([]Layer, error) {
	var layerList []Layer
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		unitsStr, activationName, found := strings.Cut(part, ":")
		if !found {
			return nil, errs.Configurationf("invalid layer %q in %q: expected format <units>:<activation>", part, spec)
		}
		units, err := strconv.Atoi(strings.TrimSpace(unitsStr))
		if err != nil {
			return nil, errs.Configurationf("invalid number of units in layer %q: %v", part, err)
		}
		activation, ok := activations.TypeString(strings.TrimSpace(activationName))
		if !ok {
			return nil, errs.Configurationf("invalid activation in layer %q: options are %v", part, activations.TypeValues())
		}
		layerList = append(layerList, Layer{Units: units, Activation: activation})
	}
	if err := Validate(layerList); err != nil {
		return nil, err
	}
	return layerList, nil
}

// Validate checks that the layers form a valid network: at least one layer, positive widths for the hidden
// layers, and a non-negative width (possibly ScalarUnits) for the last one.
func Validate(layerList []Layer) error {
	if len(layerList) == 0 {
		return errs.Configurationf("a network requires at least one layer")
	}
	for ii, layer := range layerList {
		last := ii == len(layerList)-1
		if layer.Units < 0 || (layer.Units == ScalarUnits && !last) {
			return errs.Configurationf("invalid number of units %d for layer #%d of %v", layer.Units, ii, layerList)
		}
		if layer.Activation < 0 || int(layer.Activation) >= len(activations.TypeValues()) {
			return errs.Configurationf("invalid activation %d for layer #%d", layer.Activation, ii)
		}
	}
	return nil
}

// OutputDimension returns the width of the network output: 0 (ScalarUnits) if the output is a scalar per example.
func OutputDimension(layerList []Layer) int {
	if len(layerList) == 0 {
		return ScalarUnits
	}
	return layerList[len(layerList)-1].Units
}

// Config is created with New and can be configured with its methods.
type Config struct {
	ctx     *context.Context
	input   *Node
	layers  []Layer
	useBias bool
}

// New creates the configuration of a feed-forward network applied to input, shaped `[batch, features]`.
// Call Done to build it.
func New(ctx *context.Context, input *Node, layerList ...Layer) *Config {
	return &Config{
		ctx:     ctx,
		input:   input,
		layers:  layerList,
		useBias: true,
	}
}

// UseBias configures whether the dense layers use a bias term. Default is true.
func (c *Config) UseBias(useBias bool) *Config {
	c.useBias = useBias
	return c
}

// Done builds the network and returns its output: shaped `[batch, units]` of the last layer, or
// `[batch]` if the last layer has ScalarUnits.
//
// Each layer's variables are created in the scope "layer_<i>".
func (c *Config) Done() *Node {
	if err := Validate(c.layers); err != nil {
		panic(err)
	}
	if c.input.Rank() != 2 || !c.input.HasBatch() {
		Panicf("fnn.New(): input must be shaped [batch, features], got %s", c.input.Shape())
	}
	x := c.input
	for ii, layer := range c.layers {
		ctx := c.ctx.In(fmt.Sprintf("layer_%d", ii))
		units := max(layer.Units, 1)
		x = layers.Dense(ctx, x, c.useBias, units)
		x = activations.Apply(layer.Activation, x)
	}
	if OutputDimension(c.layers) == ScalarUnits {
		x = Reshape(x, x.Shape().Dimensions[0])
	}
	return x
}
