// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package samplers

import (
	"math"
	"slices"

	"github.com/gomlx/puddle/errs"
	"github.com/gomlx/puddle/pkg/support/sets"
	"github.com/gomlx/puddle/types/tensors"
	"github.com/gomlx/puddle/variables"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// thresholdEpsilon is added to the last cumulative threshold of a CompositeSampler, so rounding errors
// never leave a draw unassigned.
const thresholdEpsilon = 1e-9

// WeightedSampler is a Sampler and its relative weight in a CompositeSampler.
type WeightedSampler struct {
	Sampler Sampler
	Weight  float64
}

// CompositeSampler draws each item of a batch from one of its samplers, chosen with probability proportional
// to its weight. Variables and equations not covered by the chosen sampler are zero for that item.
//
// To draw a batch it draws one uniform number per item and sorts them: the items with numbers within the
// cumulative range of a sampler form one contiguous sub-batch, requested from that sampler in one call.
type CompositeSampler struct {
	*base
	samplers   []Sampler
	weights    []float64
	thresholds []float64
}

var _ Sampler = (*CompositeSampler)(nil)

// combine validates the samplers, and returns a base with the union of their variables and equations.
func combine(what string, samplers []Sampler, opts []Option) (*base, error) {
	if len(samplers) == 0 {
		return nil, errs.Configurationf("%s: no samplers given", what)
	}
	b := &base{rng: buildOptions(opts).rng}
	independents := make([]sets.Set[variables.ID], len(samplers))
	equations := make([]sets.Set[variables.ID], len(samplers))
	for ii, s := range samplers {
		if s == nil {
			return nil, errs.Configurationf("%s: sampler #%d is nil", what, ii)
		}
		if reg := s.Registry(); reg != nil {
			if b.reg == nil {
				b.reg = reg
			} else if reg != b.reg {
				return nil, errs.Configurationf("%s: sampler #%d uses variables of a different registry", what, ii)
			}
		}
		independents[ii], equations[ii] = s.IndependentVariables(), s.Equations()
		if s.Registry() == nil && (len(independents[ii]) > 0 || len(equations[ii]) > 0) {
			return nil, errs.Configurationf("%s: sampler #%d has variables but no registry", what, ii)
		}
	}
	b.independents = sets.Union(independents...)
	b.equations = sets.Union(equations...)
	return b, nil
}

// NewCompositeSampler creates a CompositeSampler. Weights must be positive and finite, and they are
// normalized to sum 1.
func NewCompositeSampler(weighted []WeightedSampler, opts ...Option) (*CompositeSampler, error) {
	const what = "NewCompositeSampler()"
	samplers := make([]Sampler, len(weighted))
	var total float64
	for ii, ws := range weighted {
		if math.IsNaN(ws.Weight) || math.IsInf(ws.Weight, 0) || ws.Weight <= 0 {
			return nil, errs.Configurationf("%s: invalid weight %g for sampler #%d, it must be positive and finite",
				what, ws.Weight, ii)
		}
		samplers[ii] = ws.Sampler
		total += ws.Weight
	}
	b, err := combine(what, samplers, opts)
	if err != nil {
		return nil, err
	}
	c := &CompositeSampler{
		base:       b,
		samplers:   samplers,
		weights:    make([]float64, len(weighted)),
		thresholds: make([]float64, len(weighted)),
	}
	var cumulative float64
	for ii, ws := range weighted {
		c.weights[ii] = ws.Weight / total
		cumulative += c.weights[ii]
		c.thresholds[ii] = cumulative
	}
	c.thresholds[len(c.thresholds)-1] = 1 + thresholdEpsilon
	return c, nil
}

// Weights returns the normalized weights of the samplers.
func (c *CompositeSampler) Weights() []float64 { return slices.Clone(c.weights) }

// Samplers returns the samplers combined.
func (c *CompositeSampler) Samplers() []Sampler { return slices.Clone(c.samplers) }

// partition returns how many items of a batch of the given size each sampler draws.
func (c *CompositeSampler) partition(size int) []int {
	draws := make([]float64, size)
	for ii := range draws {
		draws[ii] = c.rng.Float64()
	}
	slices.Sort(draws)
	counts := make([]int, len(c.samplers))
	next := 0
	for ii, threshold := range c.thresholds {
		for next < size && draws[next] < threshold {
			counts[ii]++
			next++
		}
	}
	return counts
}

// Sample implements Sampler.
func (c *CompositeSampler) Sample(size int) (*Sample, error) {
	if err := c.checkSize("CompositeSampler", size); err != nil {
		return nil, err
	}
	counts := c.partition(size)
	if klog.V(2).Enabled() {
		klog.Infof("CompositeSampler.Sample(%d): partition %v", size, counts)
	}
	subSamples := make([]*Sample, len(c.samplers))
	for ii, s := range c.samplers {
		if counts[ii] == 0 {
			continue
		}
		sub, err := s.Sample(counts[ii])
		if err != nil {
			return nil, errors.WithMessagef(err, "CompositeSampler.Sample(%d): sampler #%d", size, ii)
		}
		if err = checkSample(s, sub, counts[ii]); err != nil {
			return nil, errors.WithMessagef(err, "CompositeSampler.Sample(%d): sampler #%d", size, ii)
		}
		subSamples[ii] = sub
	}

	sample := newSample()
	concat := func(id variables.ID, get func(sub *Sample) *tensors.Tensor) *tensors.Tensor {
		parts := make([]*tensors.Tensor, 0, len(subSamples))
		for ii, sub := range subSamples {
			if sub == nil {
				continue
			}
			part := get(sub)
			if part == nil {
				part = zeros(c.reg, id, counts[ii])
			}
			parts = append(parts, part)
		}
		return tensors.Concatenate(parts...)
	}
	for id := range c.independents {
		sample.Values[id] = concat(id, func(sub *Sample) *tensors.Tensor { return sub.Values[id] })
	}
	for id := range c.equations {
		sample.Weights[id] = concat(id, func(sub *Sample) *tensors.Tensor { return sub.Weights[id] })
	}
	return sample, nil
}

// MergedSampler draws a full batch from each of its samplers, and merges them: when more than one sampler
// provides a variable (or equation), the value of the last one is used.
//
// It is used to layer specific values over a default coverage.
type MergedSampler struct {
	*base
	samplers []Sampler
}

var _ Sampler = (*MergedSampler)(nil)

// NewMergedSampler creates a MergedSampler. Later samplers have priority.
func NewMergedSampler(samplers ...Sampler) (*MergedSampler, error) {
	b, err := combine("NewMergedSampler()", samplers, nil)
	if err != nil {
		return nil, err
	}
	return &MergedSampler{base: b, samplers: slices.Clone(samplers)}, nil
}

// Sample implements Sampler.
func (m *MergedSampler) Sample(size int) (*Sample, error) {
	if err := m.checkSize("MergedSampler", size); err != nil {
		return nil, err
	}
	merged := newSample()
	for ii, s := range m.samplers {
		sub, err := s.Sample(size)
		if err != nil {
			return nil, errors.WithMessagef(err, "MergedSampler.Sample(%d): sampler #%d", size, ii)
		}
		if err = checkSample(s, sub, size); err != nil {
			return nil, errors.WithMessagef(err, "MergedSampler.Sample(%d): sampler #%d", size, ii)
		}
		for id := range s.IndependentVariables() {
			merged.Values[id] = sub.Values[id]
		}
		for id := range s.Equations() {
			merged.Weights[id] = sub.Weights[id]
		}
	}
	return merged, nil
}

// PlaceholderSampler is used where a sampler is required but none was configured. Sampling from it
// returns an errs.ErrUnconfiguredSampler error.
type PlaceholderSampler struct{}

var _ Sampler = PlaceholderSampler{}

// Placeholder returns a PlaceholderSampler.
func Placeholder() PlaceholderSampler { return PlaceholderSampler{} }

// Registry implements Sampler: it's always nil.
func (PlaceholderSampler) Registry() *variables.Registry { return nil }

// IndependentVariables implements Sampler: it's always empty.
func (PlaceholderSampler) IndependentVariables() sets.Set[variables.ID] {
	return sets.Make[variables.ID]()
}

// Equations implements Sampler: it's always empty.
func (PlaceholderSampler) Equations() sets.Set[variables.ID] { return sets.Make[variables.ID]() }

// Sample implements Sampler.
func (PlaceholderSampler) Sample(size int) (*Sample, error) {
	return nil, errs.UnconfiguredSamplerf("a placeholder sampler is in use, configure a sampler before sampling (size=%d)", size)
}
