// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package samplers

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/gomlx/puddle/errs"
	"github.com/gomlx/puddle/types/tensors"
	"github.com/gomlx/puddle/variables"
	"gonum.org/v1/gonum/stat/distuv"
)

// SpaceSampler draws the values of its spaces uniformly from their bounds, independently for each dimension
// and item. Every equation is given the same weight, 1/#equations.
type SpaceSampler struct {
	*base
}

var _ Sampler = (*SpaceSampler)(nil)

// NewSpaceSampler creates a SpaceSampler for the given Space variables and equations. There must be at
// least one of each.
func NewSpaceSampler(spaces, equations []*variables.Variable, opts ...Option) (*SpaceSampler, error) {
	b, err := newBase("NewSpaceSampler()", spaces, equations, opts)
	if err != nil {
		return nil, err
	}
	if len(b.independents) == 0 {
		return nil, errs.Configurationf("NewSpaceSampler(): no spaces given")
	}
	if len(b.equations) == 0 {
		return nil, errs.Configurationf("NewSpaceSampler(): no equations given")
	}
	return &SpaceSampler{base: b}, nil
}

// Sample implements Sampler.
func (s *SpaceSampler) Sample(size int) (*Sample, error) {
	if err := s.checkSize("SpaceSampler", size); err != nil {
		return nil, err
	}
	sample := newSample()
	for _, v := range s.reg.Sorted(s.independents) {
		space := v.Definition().(*variables.Space)
		sample.Values[v.ID()] = uniform(s.rng, v, size, space.Lower(), space.Upper())
	}
	s.equalWeights(sample, size)
	return sample, nil
}

// uniform draws a batch of the variable v, with each dimension from [lower, upper).
// If lower == upper the value is constant.
func uniform(rng *rand.Rand, v *variables.Variable, size int, lower, upper []float64) *tensors.Tensor {
	itemSize := v.Size()
	flat := make([]float64, size*itemSize)
	for dim := range itemSize {
		if lower[dim] == upper[dim] {
			for ii := range size {
				flat[ii*itemSize+dim] = lower[dim]
			}
			continue
		}
		dist := distuv.Uniform{Min: lower[dim], Max: upper[dim], Src: rng}
		for ii := range size {
			value := dist.Rand()
			if value >= upper[dim] {
				// Rounding may land on the upper bound, which is excluded.
				value = math.Nextafter(upper[dim], lower[dim])
			}
			flat[ii*itemSize+dim] = value
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, batchShape(v, size)...)
}

// ConstrainedSpaceSampler draws the values of one space uniformly from a sub-box of its bounds. Every
// equation is given the same weight, 1/#equations.
//
// A dimension can be fixed by setting the same lower and upper bound: e.g. to sample the boundary `t=0`
// of a time variable. A fixed dimension may sit on either edge of the space, including its upper bound,
// which values sampled from the whole space never reach: the boundaries of the domain are closed.
type ConstrainedSpaceSampler struct {
	*base
	space        *variables.Variable
	lower, upper []float64
}

var _ Sampler = (*ConstrainedSpaceSampler)(nil)

// NewConstrainedSpaceSampler creates a ConstrainedSpaceSampler for space, with values in [lower, upper), or
// exactly lower for a dimension where lower == upper. The bounds are given per dimension, or as a single
// value used for all dimensions, and they must be within the closed bounds of the space.
func NewConstrainedSpaceSampler(space *variables.Variable, lower, upper []float64, equations []*variables.Variable,
	opts ...Option) (*ConstrainedSpaceSampler, error) {
	const what = "NewConstrainedSpaceSampler()"
	if space == nil {
		return nil, errs.Configurationf("%s: nil space", what)
	}
	b, err := newBase(what, []*variables.Variable{space}, equations, opts)
	if err != nil {
		return nil, err
	}
	if len(b.equations) == 0 {
		return nil, errs.Configurationf("%s: no equations given", what)
	}
	itemSize := space.Size()
	if lower, err = broadcastBounds(lower, itemSize); err != nil {
		return nil, errs.Configurationf("%s: lower bounds: %v", what, err)
	}
	if upper, err = broadcastBounds(upper, itemSize); err != nil {
		return nil, errs.Configurationf("%s: upper bounds: %v", what, err)
	}
	def := space.Definition().(*variables.Space)
	spaceLower, spaceUpper := def.Lower(), def.Upper()
	for dim := range itemSize {
		if math.IsNaN(lower[dim]) || math.IsNaN(upper[dim]) || lower[dim] > upper[dim] {
			return nil, errs.Configurationf("%s: invalid bounds [%g, %g) for dimension %d", what, lower[dim], upper[dim], dim)
		}
		if lower[dim] < spaceLower[dim] || upper[dim] > spaceUpper[dim] {
			return nil, errs.Configurationf("%s: bounds [%g, %g) for dimension %d are outside of the bounds [%g, %g) of %s",
				what, lower[dim], upper[dim], dim, spaceLower[dim], spaceUpper[dim], space)
		}
	}
	return &ConstrainedSpaceSampler{base: b, space: space, lower: lower, upper: upper}, nil
}

// Sample implements Sampler.
func (s *ConstrainedSpaceSampler) Sample(size int) (*Sample, error) {
	if err := s.checkSize("ConstrainedSpaceSampler", size); err != nil {
		return nil, err
	}
	sample := newSample()
	sample.Values[s.space.ID()] = uniform(s.rng, s.space, size, s.lower, s.upper)
	s.equalWeights(sample, size)
	return sample, nil
}

func broadcastBounds(bounds []float64, size int) ([]float64, error) {
	switch len(bounds) {
	case size:
		return slices.Clone(bounds), nil
	case 1:
		return slices.Repeat(bounds, size), nil
	default:
		return nil, fmt.Errorf("expected 1 or %d values, got %d", size, len(bounds))
	}
}
