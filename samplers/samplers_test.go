// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package samplers

import (
	"math/rand/v2"
	"testing"

	"github.com/gomlx/puddle/errs"
	"github.com/gomlx/puddle/pkg/support/sets"
	"github.com/gomlx/puddle/types/shapes"
	"github.com/gomlx/puddle/variables"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type vars = []*variables.Variable

func seeded(seed uint64) Option {
	return WithRand(rand.New(rand.NewPCG(seed, seed+1)))
}

func requireKind(t *testing.T, err error, kind error) {
	t.Helper()
	require.Error(t, err)
	require.True(t, errs.Is(err, kind), "expected error of kind %q, got %+v", kind, err)
}

func TestSpaceSampler(t *testing.T) {
	reg := variables.NewRegistry()
	x := reg.Scalar("x", 2, 5)
	v := reg.Space("v", shapes.Make(2), []float64{-1, 10}, []float64{1, 20})
	eq1 := reg.Equation("x=0", x, nil)
	eq2 := reg.Equation("v=0", v, nil)

	s := must.M1(NewSpaceSampler(vars{x, v}, vars{eq1, eq2}, seeded(42)))
	assert.Equal(t, []variables.ID{x.ID(), v.ID()}, variables.IDs(reg.Sorted(s.IndependentVariables())))
	assert.Equal(t, reg, s.Registry())

	const size = 10_000
	sample := must.M1(s.Sample(size))
	require.Len(t, sample.Values, 2)
	require.Len(t, sample.Weights, 2)
	xs := sample.Values[x.ID()]
	assert.Equal(t, []int{size}, xs.Shape().Dimensions)
	var sum float64
	for _, value := range xs.Flat() {
		require.GreaterOrEqual(t, value, 2.0)
		require.Less(t, value, 5.0)
		sum += value
	}
	assert.InDelta(t, 3.5, sum/size, 0.05)

	vs := sample.Values[v.ID()]
	assert.Equal(t, []int{size, 2}, vs.Shape().Dimensions)
	for ii := range size {
		row := vs.Row(ii)
		require.True(t, row[0] >= -1 && row[0] < 1, "got %v", row)
		require.True(t, row[1] >= 10 && row[1] < 20, "got %v", row)
	}
	for _, eq := range (vars{eq1, eq2}) {
		weights := sample.Weights[eq.ID()]
		assert.Equal(t, []int{size}, weights.Shape().Dimensions)
		assert.Equal(t, 0.5, weights.Flat()[0])
		assert.Equal(t, 0.5, weights.Flat()[size-1])
	}

	_, err := s.Sample(0)
	requireKind(t, err, errs.ErrConfiguration)
	joined := Joined(sample)
	assert.Len(t, joined, 4)
	assert.Same(t, sample.Weights[eq1.ID()], joined[eq1.ID()])
}

func TestSamplerValidation(t *testing.T) {
	reg := variables.NewRegistry()
	x := reg.Scalar("x", 0, 1)
	y := reg.Scalar("y", 0, 1)
	eq := reg.Equation("x=y", x, y)
	sum := variables.Add(x, y)
	otherX := variables.NewRegistry().Scalar("x", 0, 1)

	for name, tc := range map[string]struct{ spaces, equations vars }{
		"no spaces":       {nil, vars{eq}},
		"no equations":    {vars{x}, nil},
		"nil space":       {vars{x, nil}, vars{eq}},
		"duplicate space": {vars{x, y, x}, vars{eq}},
		"duplicate eq":    {vars{x}, vars{eq, eq}},
		"not a space":     {vars{x, sum}, vars{eq}},
		"not an equation": {vars{x}, vars{sum}},
		"foreign":         {vars{x, otherX}, vars{eq}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewSpaceSampler(tc.spaces, tc.equations)
			requireKind(t, err, errs.ErrConfiguration)
		})
	}
}

func TestConstrainedSpaceSampler(t *testing.T) {
	reg := variables.NewRegistry()
	t0 := reg.Scalar("t", 0, 10)
	xy := reg.Vector("xy", 2, -1, 1)
	initial := reg.Equation("initial", t0, nil)

	atZero := must.M1(NewConstrainedSpaceSampler(t0, []float64{0}, []float64{0}, vars{initial}, seeded(1)))
	sample := must.M1(atZero.Sample(5))
	assert.Equal(t, []float64{0, 0, 0, 0, 0}, sample.Values[t0.ID()].Flat())
	assert.Equal(t, []float64{1, 1, 1, 1, 1}, sample.Weights[initial.ID()].Flat())

	// Left edge of the square: x = -1, y in [0, 0.5).
	edge := must.M1(NewConstrainedSpaceSampler(xy, []float64{-1, 0}, []float64{-1, 0.5}, vars{initial}, seeded(2)))
	sample = must.M1(edge.Sample(100))
	values := sample.Values[xy.ID()]
	assert.Equal(t, []int{100, 2}, values.Shape().Dimensions)
	for ii := range 100 {
		row := values.Row(ii)
		require.Equal(t, -1.0, row[0])
		require.True(t, row[1] >= 0 && row[1] < 0.5, "got %v", row)
	}

	// Right edge: x pinned to the upper bound of the space.
	right := must.M1(NewConstrainedSpaceSampler(xy, []float64{1, -1}, []float64{1, 1}, vars{initial}, seeded(3)))
	sample = must.M1(right.Sample(20))
	for ii := range 20 {
		row := sample.Values[xy.ID()].Row(ii)
		require.Equal(t, 1.0, row[0])
		require.True(t, row[1] >= -1 && row[1] < 1, "got %v", row)
	}
	_, err := NewConstrainedSpaceSampler(xy, []float64{1.5, -1}, []float64{1.5, 1}, vars{initial})
	requireKind(t, err, errs.ErrConfiguration)

	_, err = NewConstrainedSpaceSampler(xy, []float64{-2}, []float64{0}, vars{initial})
	requireKind(t, err, errs.ErrConfiguration)
	_, err = NewConstrainedSpaceSampler(xy, []float64{0.5}, []float64{0}, vars{initial})
	requireKind(t, err, errs.ErrConfiguration)
	_, err = NewConstrainedSpaceSampler(xy, []float64{0, 0, 0}, []float64{1}, vars{initial})
	requireKind(t, err, errs.ErrConfiguration)
	_, err = NewConstrainedSpaceSampler(xy, []float64{0}, []float64{1}, nil)
	requireKind(t, err, errs.ErrConfiguration)
	_, err = NewConstrainedSpaceSampler(initial, []float64{0}, []float64{1}, vars{initial})
	requireKind(t, err, errs.ErrConfiguration)
}

func TestHyperplaneSampler(t *testing.T) {
	reg := variables.NewRegistry()
	p := reg.Vector("p", 3, -10, 10)
	eq := reg.Equation("p=0", p, nil)

	// Segment from (1, 0, 0) to (1, 2, 0).
	segment := must.M1(NewHyperplaneSampler(p, []float64{1, 0, 0}, [][]float64{{0}, {2}, {0}}, vars{eq}, seeded(3)))
	assert.Equal(t, 1, segment.Intrinsic())
	sample := must.M1(segment.Sample(200))
	values := sample.Values[p.ID()]
	assert.Equal(t, []int{200, 3}, values.Shape().Dimensions)
	for ii := range 200 {
		row := values.Row(ii)
		require.Equal(t, 1.0, row[0])
		require.True(t, row[1] >= 0 && row[1] < 2, "got %v", row)
		require.Equal(t, 0.0, row[2])
	}
	assert.Equal(t, 1.0, sample.Weights[eq.ID()].Flat()[0])

	// Plane x + y = 1 (with z free), through (1, 0, 0) with axes (-1, 1, 0) and (0, 0, 1).
	plane := must.M1(NewHyperplaneSampler(p, []float64{1, 0, 0}, [][]float64{{-1, 0}, {1, 0}, {0, 1}}, vars{eq}, seeded(4)))
	sample = must.M1(plane.Sample(50))
	values = sample.Values[p.ID()]
	for ii := range 50 {
		row := values.Row(ii)
		require.InDelta(t, 1.0, row[0]+row[1], 1e-12)
		require.True(t, row[2] >= 0 && row[2] < 1)
	}

	_, err := NewHyperplaneSampler(p, []float64{0, 0}, [][]float64{{0}, {1}, {0}}, vars{eq})
	requireKind(t, err, errs.ErrConfiguration)
	_, err = NewHyperplaneSampler(p, []float64{0, 0, 0}, [][]float64{{0}, {1}}, vars{eq})
	requireKind(t, err, errs.ErrConfiguration)
	_, err = NewHyperplaneSampler(p, []float64{0, 0, 0}, [][]float64{{0, 1}, {1}, {0, 1}}, vars{eq})
	requireKind(t, err, errs.ErrConfiguration)
	_, err = NewHyperplaneSampler(p, []float64{0, 0, 0}, [][]float64{{}, {}, {}}, vars{eq})
	requireKind(t, err, errs.ErrConfiguration)
	_, err = NewHyperplaneSampler(p, []float64{0, 0, 0}, [][]float64{{0}, {1}, {0}}, nil)
	requireKind(t, err, errs.ErrConfiguration)
}

// constantSampler returns an AnonymousSampler where every item has the given values, and weight 1 for
// the equations.
func constantSampler(t *testing.T, values map[*variables.Variable][]float64, equations vars) *AnonymousSampler {
	var spaces vars
	itemValues := make(map[variables.ID][]float64)
	for v, value := range values {
		spaces = append(spaces, v)
		itemValues[v.ID()] = value
	}
	itemWeights := make(map[variables.ID]float64)
	for _, eq := range equations {
		itemWeights[eq.ID()] = 1
	}
	return must.M1(NewAnonymousSampler(spaces, equations, StrategyFuncs{
		Variables: func() map[variables.ID][]float64 { return itemValues },
		Weights:   func() map[variables.ID]float64 { return itemWeights },
	}))
}

func TestAnonymousSampler(t *testing.T) {
	reg := variables.NewRegistry()
	x := reg.Scalar("x", 0, 1)
	v := reg.Vector("v", 2, 0, 1)
	eq1 := reg.Equation("x=0", x, nil)
	eq2 := reg.Equation("v=0", v, nil)

	counter := 0
	s := must.M1(NewAnonymousSampler(vars{x, v}, vars{eq1, eq2}, StrategyFuncs{
		Variables: func() map[variables.ID][]float64 {
			counter++
			c := float64(counter)
			return map[variables.ID][]float64{x.ID(): {c}, v.ID(): {c, -c}}
		},
		Weights: func() map[variables.ID]float64 {
			// eq2 is missing: its weight is 0.
			return map[variables.ID]float64{eq1.ID(): 0.3}
		},
	}))
	sample := must.M1(s.Sample(3))
	assert.Equal(t, []float64{1, 2, 3}, sample.Values[x.ID()].Flat())
	assert.Equal(t, []int{3, 2}, sample.Values[v.ID()].Shape().Dimensions)
	assert.Equal(t, []float64{1, -1, 2, -2, 3, -3}, sample.Values[v.ID()].Flat())
	assert.Equal(t, []float64{0.3, 0.3, 0.3}, sample.Weights[eq1.ID()].Flat())
	assert.Equal(t, []float64{0, 0, 0}, sample.Weights[eq2.ID()].Flat())

	// Missing variable.
	missing := must.M1(NewAnonymousSampler(vars{x, v}, nil, StrategyFuncs{
		Variables: func() map[variables.ID][]float64 { return map[variables.ID][]float64{x.ID(): {0}} },
	}))
	_, err := missing.Sample(2)
	requireKind(t, err, errs.ErrMissingSample)

	// Wrong size.
	wrong := must.M1(NewAnonymousSampler(vars{v}, nil, StrategyFuncs{
		Variables: func() map[variables.ID][]float64 { return map[variables.ID][]float64{v.ID(): {0}} },
	}))
	_, err = wrong.Sample(2)
	requireKind(t, err, errs.ErrConfiguration)

	_, err = NewAnonymousSampler(vars{x}, nil, nil)
	requireKind(t, err, errs.ErrConfiguration)
	_, err = NewAnonymousSampler(vars{x}, nil, StrategyFuncs{})
	requireKind(t, err, errs.ErrConfiguration)
	_, err = NewAnonymousSampler(nil, nil, StrategyFuncs{Variables: func() map[variables.ID][]float64 { return nil }})
	requireKind(t, err, errs.ErrConfiguration)
}

func TestCompositeProportions(t *testing.T) {
	reg := variables.NewRegistry()
	x := reg.Scalar("x", 0, 1)
	y := reg.Scalar("y", 5, 6)
	eqA := reg.Equation("A", x, nil)
	eqB := reg.Equation("B", y, nil)
	a := must.M1(NewSpaceSampler(vars{x}, vars{eqA}, seeded(5)))
	b := must.M1(NewSpaceSampler(vars{x, y}, vars{eqB}, seeded(6)))
	composite := must.M1(NewCompositeSampler([]WeightedSampler{{a, 0.75}, {b, 0.25}}, seeded(7)))
	assert.True(t, composite.IndependentVariables().Equal(sets.Union(a.IndependentVariables(), b.IndependentVariables())))
	assert.Len(t, composite.Equations(), 2)

	const size = 1000
	for range 5 {
		sample := must.M1(composite.Sample(size))
		weightsA, weightsB := sample.Weights[eqA.ID()].Flat(), sample.Weights[eqB.ID()].Flat()
		require.Len(t, weightsA, size)
		require.Len(t, weightsB, size)
		var countA, countB int
		for ii := range size {
			// Each item comes from exactly one of the samplers.
			require.True(t, (weightsA[ii] == 0) != (weightsB[ii] == 0), "item %d: weights %g, %g", ii, weightsA[ii], weightsB[ii])
			if weightsA[ii] != 0 {
				countA++
			} else {
				countB++
			}
		}
		assert.Equal(t, size, countA+countB)
		assert.InDelta(t, 750, countA, 75)
		assert.InDelta(t, 250, countB, 75)

		// Items from A come first: y is 0 for them (not covered by A).
		xs, ys := sample.Values[x.ID()].Flat(), sample.Values[y.ID()].Flat()
		require.Len(t, xs, size)
		for ii := range size {
			if ii < countA {
				require.Equal(t, 0.0, ys[ii])
			} else {
				require.True(t, ys[ii] >= 5 && ys[ii] < 6)
			}
			require.True(t, xs[ii] >= 0 && xs[ii] < 1)
		}
	}
}

func TestCompositeNormalization(t *testing.T) {
	reg := variables.NewRegistry()
	x := reg.Scalar("x", 0, 1)
	eqA := reg.Equation("A", x, nil)
	eqB := reg.Equation("B", x, 1.0)
	a := must.M1(NewSpaceSampler(vars{x}, vars{eqA}))
	b := must.M1(NewSpaceSampler(vars{x}, vars{eqB}))

	twos := must.M1(NewCompositeSampler([]WeightedSampler{{a, 2}, {b, 2}}, seeded(11)))
	ones := must.M1(NewCompositeSampler([]WeightedSampler{{a, 1}, {b, 1}}, seeded(11)))
	assert.Equal(t, []float64{0.5, 0.5}, twos.Weights())
	assert.Equal(t, ones.Weights(), twos.Weights())

	// With the same random numbers, both partition the batches in the same way.
	for range 10 {
		assert.Equal(t, ones.partition(500), twos.partition(500))
	}

	_, err := NewCompositeSampler(nil)
	requireKind(t, err, errs.ErrConfiguration)
	_, err = NewCompositeSampler([]WeightedSampler{{a, 1}, {b, 0}})
	requireKind(t, err, errs.ErrConfiguration)
	_, err = NewCompositeSampler([]WeightedSampler{{a, 1}, {nil, 1}})
	requireKind(t, err, errs.ErrConfiguration)
	otherReg := variables.NewRegistry()
	otherX := otherReg.Scalar("x", 0, 1)
	other := must.M1(NewSpaceSampler(vars{otherX}, vars{otherReg.Equation("eq", otherX, nil)}))
	_, err = NewCompositeSampler([]WeightedSampler{{a, 1}, {other, 1}})
	requireKind(t, err, errs.ErrConfiguration)
}

func TestMergedSampler(t *testing.T) {
	reg := variables.NewRegistry()
	x := reg.Scalar("x", 0, 10)
	y := reg.Scalar("y", 0, 10)
	eqA := reg.Equation("A", x, nil)
	eqB := reg.Equation("B", y, nil)
	a := constantSampler(t, map[*variables.Variable][]float64{x: {1}, y: {1}}, vars{eqA})
	b := constantSampler(t, map[*variables.Variable][]float64{x: {2}}, vars{eqB})

	merged := must.M1(NewMergedSampler(a, b))
	sample := must.M1(merged.Sample(4))
	assert.Equal(t, []float64{2, 2, 2, 2}, sample.Values[x.ID()].Flat())
	assert.Equal(t, []float64{1, 1, 1, 1}, sample.Values[y.ID()].Flat())
	assert.Equal(t, []float64{1, 1, 1, 1}, sample.Weights[eqA.ID()].Flat())
	assert.Equal(t, []float64{1, 1, 1, 1}, sample.Weights[eqB.ID()].Flat())

	// Reversed order: a wins.
	sample = must.M1(must.M1(NewMergedSampler(b, a)).Sample(2))
	assert.Equal(t, []float64{1, 1}, sample.Values[x.ID()].Flat())

	_, err := NewMergedSampler()
	requireKind(t, err, errs.ErrConfiguration)
	_, err = must.M1(NewMergedSampler(a, Placeholder())).Sample(2)
	requireKind(t, err, errs.ErrUnconfiguredSampler)
}

func TestPlaceholder(t *testing.T) {
	p := Placeholder()
	assert.Nil(t, p.Registry())
	assert.Empty(t, p.IndependentVariables())
	assert.Empty(t, p.Equations())
	_, err := p.Sample(10)
	requireKind(t, err, errs.ErrUnconfiguredSampler)
}
