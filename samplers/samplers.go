// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package samplers generates the batches of collocation points used to train a system: values for the
// independent variables, and the weight of each equation on each item of the batch.
//
// The basic samplers are:
//
//   - SpaceSampler: values drawn uniformly from the bounds of the spaces; equal weights for its equations.
//   - ConstrainedSpaceSampler: values of one space drawn from a sub-box of its bounds.
//   - HyperplaneSampler: values of one space drawn from a bounded hyperplane: `origin + axes·latent`.
//   - AnonymousSampler: one item at a time, drawn by a user given Strategy.
//
// And they can be combined with:
//
//   - CompositeSampler: each item of the batch comes from one of the samplers, with the given probabilities.
//   - MergedSampler: the values of all samplers are drawn for every item, and the last sampler providing
//     a variable wins.
//
// Samplers are not safe for concurrent use.
package samplers

import (
	"math/rand/v2"
	"slices"

	"github.com/gomlx/puddle/errs"
	"github.com/gomlx/puddle/pkg/support/sets"
	"github.com/gomlx/puddle/types/tensors"
	"github.com/gomlx/puddle/variables"
)

// Sampler generates batches of values for a fixed set of independent variables, and weights for a fixed
// set of equations.
type Sampler interface {
	// Registry where the variables of the sampler were declared. It may be nil if the sampler has no variables.
	Registry() *variables.Registry

	// IndependentVariables the sampler generates values for.
	IndependentVariables() sets.Set[variables.ID]

	// Equations the sampler generates weights for.
	Equations() sets.Set[variables.ID]

	// Sample returns a batch of the given size. It must include every one of its independent variables and equations.
	Sample(size int) (*Sample, error)
}

// Sample is a batch generated by a Sampler.
type Sample struct {
	// Values of the independent variables, each shaped `[size]+shape`.
	Values map[variables.ID]*tensors.Tensor

	// Weights of the equations, each shaped `[size]`.
	Weights map[variables.ID]*tensors.Tensor
}

// newSample creates an empty sample.
func newSample() *Sample {
	return &Sample{
		Values:  make(map[variables.ID]*tensors.Tensor),
		Weights: make(map[variables.ID]*tensors.Tensor),
	}
}

// Joined returns the values and the weights of the sample in one map.
func Joined(sample *Sample) map[variables.ID]*tensors.Tensor {
	joined := make(map[variables.ID]*tensors.Tensor, len(sample.Values)+len(sample.Weights))
	for id, value := range sample.Values {
		joined[id] = value
	}
	for id, weight := range sample.Weights {
		joined[id] = weight
	}
	return joined
}

// Option for the constructors of the samplers.
type Option func(o *options)

type options struct {
	rng *rand.Rand
}

// WithRand sets the random number generator used by a sampler. The default is the shared generator of
// math/rand/v2. Use a seeded generator for reproducible samples.
func WithRand(rng *rand.Rand) Option {
	return func(o *options) {
		o.rng = rng
	}
}

// globalSource is a rand.Source backed by the shared generator of math/rand/v2.
type globalSource struct{}

func (globalSource) Uint64() uint64 { return rand.Uint64() }

func buildOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.rng == nil {
		o.rng = rand.New(globalSource{})
	}
	return o
}

// base implements the common methods of the samplers.
type base struct {
	reg                     *variables.Registry
	independents, equations sets.Set[variables.ID]
	rng                     *rand.Rand
}

// Registry implements Sampler.
func (b *base) Registry() *variables.Registry { return b.reg }

// IndependentVariables implements Sampler.
func (b *base) IndependentVariables() sets.Set[variables.ID] { return b.independents.Clone() }

// Equations implements Sampler.
func (b *base) Equations() sets.Set[variables.ID] { return b.equations.Clone() }

// checkSize validates the size of a requested sample.
func (b *base) checkSize(what string, size int) error {
	if size <= 0 {
		return errs.Configurationf("%s.Sample(%d): size must be > 0", what, size)
	}
	if len(b.independents) == 0 && len(b.equations) == 0 {
		return errs.Configurationf("%s.Sample(%d): sampler has no independent variables or equations", what, size)
	}
	return nil
}

// newBase validates the independent variables and equations of a sampler: they must be sets of Spaces and
// Equations of the same registry.
func newBase(what string, independents, equations []*variables.Variable, opts []Option) (*base, error) {
	b := &base{rng: buildOptions(opts).rng}
	var err error
	b.independents, err = b.collect(what, "independent variables", independents, variables.KindSpace)
	if err != nil {
		return nil, err
	}
	b.equations, err = b.collect(what, "equations", equations, variables.KindEquation)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (b *base) collect(what, role string, vars []*variables.Variable, kind variables.Kind) (sets.Set[variables.ID], error) {
	set := sets.Make[variables.ID](len(vars))
	for ii, v := range vars {
		if v == nil {
			return nil, errs.Configurationf("%s: %s #%d is nil", what, role, ii)
		}
		if b.reg == nil {
			b.reg = v.Registry()
		}
		if !b.reg.Owns(v) {
			return nil, errs.Configurationf("%s: %s: %s belongs to a different registry", what, role, v)
		}
		if v.Kind() != kind {
			return nil, errs.Configurationf("%s: %s: %s is a %s, expected a %s", what, role, v, v.Kind(), kind)
		}
		if set.Has(v.ID()) {
			return nil, errs.Configurationf("%s: %s is not a set, %s is given more than once", what, role, v)
		}
		set.Insert(v.ID())
	}
	return set, nil
}

// equalWeights sets the weights of all equations of the sampler to 1/#equations.
func (b *base) equalWeights(sample *Sample, size int) {
	if len(b.equations) == 0 {
		return
	}
	weight := 1.0 / float64(len(b.equations))
	for id := range b.equations {
		sample.Weights[id] = tensors.FromScalarAndDimensions(weight, size)
	}
}

// batchShape returns the dimensions of a batch of size items of v.
func batchShape(v *variables.Variable, size int) []int {
	return append([]int{size}, v.Shape().Dimensions...)
}

// zeros returns a batch of zeros for the variable id, or for an equation weight.
func zeros(reg *variables.Registry, id variables.ID, size int) *tensors.Tensor {
	v := reg.Lookup(id)
	if v == nil || v.IsEquation() {
		return tensors.Zeros(size)
	}
	return tensors.Zeros(batchShape(v, size)...)
}

// checkSample verifies that a sample drawn from s has every variable and equation of s, with the
// expected shapes for the given size.
func checkSample(s Sampler, sample *Sample, size int) error {
	if sample == nil {
		return errs.MissingSamplef("sampler %T returned a nil sample", s)
	}
	reg := s.Registry()
	if reg == nil && len(s.IndependentVariables()) > 0 {
		return errs.Configurationf("sampler %T has independent variables but no registry", s)
	}
	for id := range s.IndependentVariables() {
		value, found := sample.Values[id]
		if !found || value == nil {
			return errs.MissingSamplef("sampler %T returned no value for variable #%d", s, id)
		}
		v := reg.Lookup(id)
		if v == nil {
			return errs.Configurationf("sampler %T has an unknown variable #%d", s, id)
		}
		if want := batchShape(v, size); !slices.Equal(value.Shape().Dimensions, want) {
			return errs.Configurationf("sampler %T returned a value shaped %s for %s, wanted %v", s, value.Shape(), v, want)
		}
	}
	for id := range s.Equations() {
		weight, found := sample.Weights[id]
		if !found || weight == nil {
			return errs.MissingSamplef("sampler %T returned no weight for equation #%d", s, id)
		}
		if weight.Rank() != 1 || weight.Shape().Dimensions[0] != size {
			return errs.Configurationf("sampler %T returned weights shaped %s for equation #%d, wanted [%d]",
				s, weight.Shape(), id, size)
		}
	}
	return nil
}
