// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package samplers

import (
	"github.com/gomlx/puddle/errs"
	"github.com/gomlx/puddle/types/tensors"
	"github.com/gomlx/puddle/variables"
)

// Strategy draws one item at a time for an AnonymousSampler.
type Strategy interface {
	// SampleVariables returns the value of each independent variable for one item, as a flat slice
	// with the size of the variable.
	SampleVariables() map[variables.ID][]float64

	// SampleWeights returns the weight of the equations for one item. Missing equations have weight 0.
	SampleWeights() map[variables.ID]float64
}

// StrategyFuncs adapts two functions to a Strategy. Weights can be left nil, in which case all weights are 0.
type StrategyFuncs struct {
	Variables func() map[variables.ID][]float64
	Weights   func() map[variables.ID]float64
}

var _ Strategy = StrategyFuncs{}

// SampleVariables implements Strategy.
func (f StrategyFuncs) SampleVariables() map[variables.ID][]float64 { return f.Variables() }

// SampleWeights implements Strategy.
func (f StrategyFuncs) SampleWeights() map[variables.ID]float64 {
	if f.Weights == nil {
		return nil
	}
	return f.Weights()
}

// AnonymousSampler builds a batch by drawing each item from a Strategy.
type AnonymousSampler struct {
	*base
	strategy Strategy
}

var _ Sampler = (*AnonymousSampler)(nil)

// NewAnonymousSampler creates an AnonymousSampler for the given independent variables and equations.
// The random number generator option is not used: the randomness is up to the strategy.
func NewAnonymousSampler(independents, equations []*variables.Variable, strategy Strategy, opts ...Option) (
	*AnonymousSampler, error) {
	const what = "NewAnonymousSampler()"
	if strategy == nil {
		return nil, errs.Configurationf("%s: nil strategy", what)
	}
	if funcs, ok := strategy.(StrategyFuncs); ok && funcs.Variables == nil {
		return nil, errs.Configurationf("%s: StrategyFuncs.Variables is nil", what)
	}
	b, err := newBase(what, independents, equations, opts)
	if err != nil {
		return nil, err
	}
	if len(b.independents) == 0 && len(b.equations) == 0 {
		return nil, errs.Configurationf("%s: no independent variables or equations given", what)
	}
	return &AnonymousSampler{base: b, strategy: strategy}, nil
}

// Sample implements Sampler. A variable missing from the strategy's SampleVariables returns an
// errs.ErrMissingSample error.
func (s *AnonymousSampler) Sample(size int) (*Sample, error) {
	if err := s.checkSize("AnonymousSampler", size); err != nil {
		return nil, err
	}
	spaces := s.reg.Sorted(s.independents)
	equations := s.reg.Sorted(s.equations)
	values := make([][]float64, len(spaces))
	for ii, v := range spaces {
		values[ii] = make([]float64, 0, size*v.Size())
	}
	weights := make([][]float64, len(equations))
	for ii := range equations {
		weights[ii] = make([]float64, size)
	}

	for item := range size {
		itemValues := s.strategy.SampleVariables()
		for ii, v := range spaces {
			value, found := itemValues[v.ID()]
			if !found {
				return nil, errs.MissingSamplef("AnonymousSampler.Sample(): no value given for %s in item #%d", v, item)
			}
			if len(value) != v.Size() {
				return nil, errs.Configurationf("AnonymousSampler.Sample(): value for %s has %d elements, wanted %d",
					v, len(value), v.Size())
			}
			values[ii] = append(values[ii], value...)
		}
		itemWeights := s.strategy.SampleWeights()
		for ii, eq := range equations {
			weights[ii][item] = itemWeights[eq.ID()]
		}
	}

	sample := newSample()
	for ii, v := range spaces {
		sample.Values[v.ID()] = tensors.FromFlatDataAndDimensions(values[ii], batchShape(v, size)...)
	}
	for ii, eq := range equations {
		sample.Weights[eq.ID()] = tensors.FromFlatDataAndDimensions(weights[ii], size)
	}
	return sample, nil
}
