// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package initializers include several weight initializers, to be used with context.
// They implement the context.VariableInitializer type.
//
// Initializers run on the host: they take the random number generator of the Context and
// return the initial value of the variable as a tensor.
package initializers

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/puddle/types/shapes"
	"github.com/gomlx/puddle/types/tensors"
	"gonum.org/v1/gonum/stat/distuv"
)

// VariableInitializer returns a value to initialize a variable of the given shape.
// rng is the random number generator owned by the Context creating the variable.
type VariableInitializer func(rng *rand.Rand, shape shapes.Shape) *tensors.Tensor

// Zero initializes variables with zero.
func Zero(_ *rand.Rand, shape shapes.Shape) *tensors.Tensor {
	return tensors.FromShape(shape)
}

// One initializes variables with one.
func One(_ *rand.Rand, shape shapes.Shape) *tensors.Tensor {
	t := tensors.FromShape(shape)
	flat := t.Flat()
	for ii := range flat {
		flat[ii] = 1
	}
	return t
}

// fill sets every element of a new tensor of the given shape with values drawn by sampleFn.
func fill(shape shapes.Shape, sampleFn func() float64) *tensors.Tensor {
	t := tensors.FromShape(shape)
	flat := t.Flat()
	for ii := range flat {
		flat[ii] = sampleFn()
	}
	return t
}

// RandomUniformFn returns an initializer that generates random uniform values from [min, max).
func RandomUniformFn(min, max float64) VariableInitializer {
	return func(rng *rand.Rand, shape shapes.Shape) *tensors.Tensor {
		dist := distuv.Uniform{Min: min, Max: max, Src: rng}
		return fill(shape, dist.Rand)
	}
}

// RandomNormalFn returns an initializer that generates random normal values with the given standard deviation
// and mean set to 0.
func RandomNormalFn(stddev float64) VariableInitializer {
	return func(rng *rand.Rand, shape shapes.Shape) *tensors.Tensor {
		dist := distuv.Normal{Mu: 0, Sigma: stddev, Src: rng}
		return fill(shape, dist.Rand)
	}
}

// computeFanInFanOut of a variable expected to be the weights or the biases of a dense layer.
// Biases (rank 1) use their dimension for both fan-in and fan-out.
func computeFanInFanOut(shape shapes.Shape) (fanIn, fanOut int) {
	rank := shape.Rank()
	switch rank {
	case 0:
		fanIn = 1
		fanOut = 1
	case 1:
		fanIn = shape.Dimensions[0]
		fanOut = fanIn
	default:
		receptiveFieldSize := 1
		for _, dim := range shape.Dimensions[:rank-2] {
			receptiveFieldSize *= dim
		}
		fanIn = shape.Dimensions[rank-2] * receptiveFieldSize
		fanOut = shape.Dimensions[rank-1] * receptiveFieldSize
	}
	return
}

// truncatedNormalStddevCorrection is the standard deviation of a unit normal distribution truncated at
// two standard deviations.
const truncatedNormalStddevCorrection = 0.87962566103423978

// GlorotNormal initializes variables with a truncated normal distribution (cut at two standard
// deviations) with standard deviation sqrt(2/(fanIn+fanOut)), also known as Xavier normal initialization.
//
// It's the default initializer for new contexts.
func GlorotNormal(rng *rand.Rand, shape shapes.Shape) *tensors.Tensor {
	fanIn, fanOut := computeFanInFanOut(shape)
	stddev := math.Sqrt(2.0/float64(max(1, fanIn+fanOut))) / truncatedNormalStddevCorrection
	unit := distuv.UnitNormal
	unit.Src = rng
	return fill(shape, func() float64 {
		for {
			x := unit.Rand()
			if math.Abs(x) <= 2 {
				return x * stddev
			}
		}
	})
}
