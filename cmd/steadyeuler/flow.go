// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math/rand/v2"

	"github.com/gomlx/puddle/ml/layers/fnn"
	"github.com/gomlx/puddle/samplers"
	"github.com/gomlx/puddle/variables"
)

const (
	// Free stream velocity entering the domain from the left.
	uInfinity = 5.0

	// Pressure at the right (downstream) boundary.
	backPressure = 0.0001

	// Domain is the unit square.
	lower, upper = 0.0, 1.0

	// The wall is the segment x=wallX, y in [wallBottom, wallTop].
	wallX, wallBottom, wallTop = 0.5, 0.25, 0.75
)

// flow declares the steady compressible Euler equations in 2D, for the flow around a vertical wall.
type flow struct {
	reg *variables.Registry

	x, y         *variables.Variable
	u, v, rho, p *variables.Variable
	conservation []*variables.Variable // mass, momentum in x and momentum in y.
	upstream     []*variables.Variable // u=uInfinity, v=0 at x=lower.
	side         *variables.Variable   // v=0 at y=lower and y=upper.
	noSlip       []*variables.Variable // u=0, v=0 on the wall.
	downstream   *variables.Variable   // p=backPressure at x=upper.
}

// newFlow declares the variables and equations of the flow. Each of the dependent variables is approximated
// by a network with one hidden layer of hiddenUnits.
func newFlow(hiddenUnits int) *flow {
	reg := variables.NewRegistry()
	f := &flow{reg: reg}
	f.x = reg.Scalar("x", lower, upper)
	f.y = reg.Scalar("y", lower, upper)
	args := []*variables.Variable{f.x, f.y}
	hidden := fnn.L(hiddenUnits, "tanh")
	f.u = reg.Dependent("u", args, hidden, fnn.L(fnn.ScalarUnits, "id"))
	f.v = reg.Dependent("v", args, hidden, fnn.L(fnn.ScalarUnits, "id"))
	f.rho = reg.Dependent("rho", args, hidden, fnn.L(fnn.ScalarUnits, "relu"))
	f.p = reg.Dependent("p", args, hidden, fnn.L(fnn.ScalarUnits, "relu"))

	rhoU := variables.Multiply(f.rho, f.u)
	rhoV := variables.Multiply(f.rho, f.v)
	rhoUU := variables.Multiply(rhoU, f.u)
	rhoVV := variables.Multiply(rhoV, f.v)
	rhoUV := variables.Multiply(rhoU, f.v)
	dx := func(target *variables.Variable) *variables.Variable { return reg.Derivative(target, f.x) }
	dy := func(target *variables.Variable) *variables.Variable { return reg.Derivative(target, f.y) }

	f.conservation = []*variables.Variable{
		reg.Equation("mass", variables.Add(dx(rhoU), dy(rhoV)), nil),
		reg.Equation("momentum_x", variables.Add(dx(rhoUU), dy(rhoUV)), variables.Negate(dx(f.p))),
		reg.Equation("momentum_y", variables.Add(dx(rhoUV), dy(rhoVV)), variables.Negate(dy(f.p))),
	}
	f.upstream = []*variables.Variable{
		reg.Equation("upstream_u", f.u, uInfinity),
		reg.Equation("upstream_v", f.v, 0.0),
	}
	f.side = reg.Equation("side_v", f.v, 0.0)
	f.noSlip = []*variables.Variable{
		reg.Equation("no_slip_u", f.u, 0.0),
		reg.Equation("no_slip_v", f.v, 0.0),
	}
	f.downstream = reg.Equation("downstream_p", f.p, backPressure)
	return f
}

// boundary returns the equations of a boundary sampler: the conservation equations plus the boundary conditions.
func (f *flow) boundary(conditions ...*variables.Variable) []*variables.Variable {
	return append(append([]*variables.Variable{}, f.conservation...), conditions...)
}

// weights of the conservation equations, plus the given boundary conditions.
func (f *flow) weights(conservationWeight float64, conditions map[*variables.Variable]float64) func() map[variables.ID]float64 {
	weights := make(map[variables.ID]float64, len(f.conservation)+len(conditions))
	for _, eq := range f.conservation {
		weights[eq.ID()] = conservationWeight
	}
	for eq, weight := range conditions {
		weights[eq.ID()] = weight
	}
	return func() map[variables.ID]float64 { return weights }
}

// point returns a strategy for the values of x and y.
func (f *flow) point(fn func() (x, y float64)) func() map[variables.ID][]float64 {
	return func() map[variables.ID][]float64 {
		x, y := fn()
		return map[variables.ID][]float64{f.x.ID(): {x}, f.y.ID(): {y}}
	}
}

// samplers returns the samplers of the interior of the domain, of its boundaries and of the wall, with their
// relative weights.
func (f *flow) samplers(rng *rand.Rand) ([]samplers.WeightedSampler, error) {
	uniform := func(a, b float64) float64 { return a + (b-a)*rng.Float64() }
	args := []*variables.Variable{f.x, f.y}
	opts := []samplers.Option{samplers.WithRand(rng)}

	interior, err := samplers.NewSpaceSampler(args, f.conservation, opts...)
	if err != nil {
		return nil, err
	}
	upstream, err := samplers.NewAnonymousSampler(args, f.boundary(f.upstream...), samplers.StrategyFuncs{
		Variables: f.point(func() (float64, float64) { return lower, uniform(lower, upper) }),
		Weights:   f.weights(0, map[*variables.Variable]float64{f.upstream[0]: 0.5, f.upstream[1]: 0.5}),
	}, opts...)
	if err != nil {
		return nil, err
	}
	downstream, err := samplers.NewAnonymousSampler(args, f.boundary(f.downstream), samplers.StrategyFuncs{
		Variables: f.point(func() (float64, float64) { return upper, uniform(lower, upper) }),
		Weights:   f.weights(0, map[*variables.Variable]float64{f.downstream: 1}),
	}, opts...)
	if err != nil {
		return nil, err
	}
	wall, err := samplers.NewAnonymousSampler(args, f.boundary(f.noSlip...), samplers.StrategyFuncs{
		Variables: f.point(func() (float64, float64) { return wallX, uniform(wallBottom, wallTop) }),
		Weights:   f.weights(0.1, map[*variables.Variable]float64{f.noSlip[0]: 0.35, f.noSlip[1]: 0.35}),
	}, opts...)
	if err != nil {
		return nil, err
	}
	sides, err := samplers.NewAnonymousSampler(args, f.boundary(f.side), samplers.StrategyFuncs{
		Variables: f.point(func() (float64, float64) {
			y := lower
			if rng.Float64() < 0.5 {
				y = upper
			}
			return uniform(lower, upper), y
		}),
		Weights: f.weights(0.2, map[*variables.Variable]float64{f.side: 0.4}),
	}, opts...)
	if err != nil {
		return nil, err
	}
	return []samplers.WeightedSampler{
		{Sampler: interior, Weight: 1},
		{Sampler: upstream, Weight: 0.1},
		{Sampler: downstream, Weight: 0.1},
		{Sampler: wall, Weight: 1},
		{Sampler: sides, Weight: 0.1},
	}, nil
}
