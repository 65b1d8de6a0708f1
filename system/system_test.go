// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package system

import (
	gocontext "context"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/puddle/errs"
	"github.com/gomlx/puddle/ml/context"
	"github.com/gomlx/puddle/ml/layers/fnn"
	"github.com/gomlx/puddle/ml/train/optimizers"
	"github.com/gomlx/puddle/samplers"
	"github.com/gomlx/puddle/types/tensors"
	"github.com/gomlx/puddle/variables"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed+1))
}

func requireKind(t *testing.T, err error, kind error) {
	t.Helper()
	require.Error(t, err)
	require.Truef(t, errs.Is(err, kind), "wanted error of kind %q, got %+v", kind, err)
}

// constantSystem declares u(x) fitted to the constant 1, over x in [0, 1].
func constantSystem(t *testing.T) (sys *System, x, u *variables.Variable) {
	t.Helper()
	reg := variables.NewRegistry()
	x = reg.Scalar("x", 0, 1)
	u = reg.Dependent("u", []*variables.Variable{x}, fnn.L(8, "tanh"), fnn.L(fnn.ScalarUnits, "id"))
	reg.Equation("u=1", u, 1.0)
	ctx := context.New()
	ctx.SetRandomSeed(42)
	ctx.SetParam(optimizers.ParamLearningRate, 0.01)
	sys = must.M1(New(reg, WithContext(ctx)))
	return
}

func TestIdentityRoundTrip(t *testing.T) {
	reg := variables.NewRegistry()
	x := reg.Scalar("x", 0, 1)
	reg.Equation("x=x", x, x)
	sys, err := New(reg)
	require.NoError(t, err)
	require.Equal(t, []*variables.Variable{x}, sys.IndependentVariables())
	require.Len(t, sys.Equations(), 1)

	trainer, err := NewTrainer(sys)
	require.NoError(t, err)
	losses, err := trainer.Fit(gocontext.Background(), 0)
	require.NoError(t, err)
	require.Empty(t, losses)

	identity, err := sys.Export(x)
	require.NoError(t, err)
	require.Equal(t, []*variables.Variable{x}, identity.Arguments())
	require.Equal(t, "x(x)", identity.String())

	values := []float64{0, 0.25, 0.5, 0.999}
	got, err := identity.Eval(values)
	require.NoError(t, err)
	require.Equal(t, []int{4}, got.Shape().Dimensions)
	require.Equal(t, values, got.Flat())

	got, err = identity.Call(tensors.FromFlatDataAndDimensions([]float64{7, -3}, 2))
	require.NoError(t, err)
	require.Equal(t, []float64{7, -3}, got.Flat())
}

func TestCompile(t *testing.T) {
	sys, x, _ := constantSystem(t)
	compiled, err := sys.Compile()
	require.NoError(t, err)
	again, err := sys.Compile()
	require.NoError(t, err)
	require.Same(t, compiled, again)
	require.Equal(t, []*variables.Variable{x}, compiled.IndependentVariables())
	require.Same(t, sys.Context(), compiled.Context())
}

func TestExport(t *testing.T) {
	reg := variables.NewRegistry()
	x := reg.Scalar("x", 0, 1)
	y := reg.Scalar("y", -1, 1)
	p := reg.Vector("p", 2, 0, 1)
	u := reg.Dependent("u", []*variables.Variable{x, y}, fnn.L(4, "tanh"), fnn.L(3, "id"))
	sum := variables.Add(x, y)
	sys := must.M1(New(reg))

	uFn, err := sys.Export(u)
	require.NoError(t, err)
	require.Equal(t, []*variables.Variable{x, y}, uFn.Arguments())
	require.Same(t, u, uFn.Variable())
	values, err := uFn.Eval([]float64{0, 0.5, 1}, []float64{-1, 0, 1})
	require.NoError(t, err)
	require.Equal(t, []int{3, 3}, values.Shape().Dimensions)

	// Same weights when exported again.
	uFn2 := must.M1(sys.Export(u))
	values2, err := uFn2.Eval([]float64{0, 0.5, 1}, []float64{-1, 0, 1})
	require.NoError(t, err)
	require.Equal(t, values.Flat(), values2.Flat())

	sumFn, err := sys.Export(sum, y, x)
	require.NoError(t, err)
	got, err := sumFn.Eval([]float64{10, 20}, []float64{1, 2})
	require.NoError(t, err)
	require.Equal(t, []float64{11, 22}, got.Flat())

	pFn := must.M1(sys.Export(p))
	got, err = pFn.Eval([]float64{1, 2, 3, 4})
	require.NoError(t, err)
	require.Equal(t, []int{2, 2}, got.Shape().Dimensions)
	require.Equal(t, []float64{1, 2, 3, 4}, got.Flat())

	t.Run("errors", func(t *testing.T) {
		_, err := sys.Export(nil)
		requireKind(t, err, errs.ErrConfiguration)
		_, err = sys.Export(sum)
		requireKind(t, err, errs.ErrConfiguration)
		_, err = sys.Export(sum, x)
		requireKind(t, err, errs.ErrConfiguration)
		_, err = sys.Export(u, x, u)
		requireKind(t, err, errs.ErrConfiguration)
		_, err = sys.Export(variables.NewRegistry().Scalar("x", 0, 1))
		requireKind(t, err, errs.ErrConfiguration)

		_, err = uFn.Eval([]float64{0, 1})
		requireKind(t, err, errs.ErrConfiguration)
		_, err = uFn.Eval([]float64{0, 1}, []float64{0})
		requireKind(t, err, errs.ErrConfiguration)
		_, err = uFn.Eval([]float64{}, []float64{})
		requireKind(t, err, errs.ErrConfiguration)
		_, err = pFn.Eval([]float64{1, 2, 3})
		requireKind(t, err, errs.ErrConfiguration)
		_, err = pFn.Call(tensors.Zeros(3))
		requireKind(t, err, errs.ErrConfiguration)
	})
}

func TestLosses(t *testing.T) {
	reg := variables.NewRegistry()
	x := reg.Scalar("x", 0, 5)
	eq := reg.Equation("x=2", x, 2.0)
	sys := must.M1(New(reg))
	losses, err := sys.Losses(&samplers.Sample{
		Values:  map[variables.ID]*tensors.Tensor{x.ID(): tensors.FromFlatDataAndDimensions([]float64{1, 3, 2}, 3)},
		Weights: map[variables.ID]*tensors.Tensor{eq.ID(): tensors.FromFlatDataAndDimensions([]float64{1, 0.5, 1}, 3)},
	})
	require.NoError(t, err)
	require.Len(t, losses, 1)
	assert.InDeltaSlice(t, []float64{1, 0.5, 0}, losses[0].Flat(), 1e-9)

	_, err = sys.Losses(nil)
	requireKind(t, err, errs.ErrConfiguration)
}

func TestFit(t *testing.T) {
	sys, _, u := constantSystem(t)
	trainer, err := NewTrainer(sys, WithBatchSize(16), WithRand(seeded(1)))
	require.NoError(t, err)
	require.Equal(t, 16, trainer.BatchSize())
	require.IsType(t, &samplers.SpaceSampler{}, trainer.Sampler())

	uFn := must.M1(sys.Export(u))
	before := must.M1(uFn.Eval([]float64{0, 0.5, 1})).Flat()

	var preSteps, postSteps []int
	trainer.OnPreBatch("pre", func(step int) error {
		preSteps = append(preSteps, step)
		return nil
	})
	trainer.OnPostBatch("post", func(step int, loss float64) error {
		postSteps = append(postSteps, step)
		require.GreaterOrEqual(t, loss, 0.0)
		return nil
	})

	losses, err := trainer.Fit(gocontext.Background(), 300)
	require.NoError(t, err)
	require.Len(t, losses, 300)
	require.False(t, trainer.Interrupted())
	require.Len(t, preSteps, 300)
	require.Equal(t, preSteps, postSteps)
	require.Equal(t, 0, preSteps[0])

	mean := func(values []float64) float64 {
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	}
	first, last := mean(losses[:10]), mean(losses[290:])
	require.Lessf(t, last, first/2, "loss didn't decrease: first steps %g, last steps %g", first, last)
	require.Equal(t, int64(300), optimizers.GetGlobalStep(sys.Context()))

	// The exported function uses the trained weights.
	after := must.M1(uFn.Eval([]float64{0, 0.5, 1})).Flat()
	require.NotEqual(t, before, after)
	for _, value := range after {
		assert.InDelta(t, 1.0, value, 0.5)
	}

	// Continues counting steps.
	losses, err = trainer.Fit(gocontext.Background(), 5)
	require.NoError(t, err)
	require.Len(t, losses, 5)
	require.Equal(t, 300, preSteps[300])
}

func TestFitCancellation(t *testing.T) {
	sys, _, _ := constantSystem(t)
	trainer := must.M1(NewTrainer(sys, WithRand(seeded(2))))

	ctx, cancel := gocontext.WithCancel(gocontext.Background())
	cancel()
	losses, err := trainer.Fit(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, losses)
	require.True(t, trainer.Interrupted())

	ctx, cancel = gocontext.WithCancel(gocontext.Background())
	defer cancel()
	trainer.OnPostBatch("cancel", func(step int, _ float64) error {
		if step == 4 {
			cancel()
		}
		return nil
	})
	losses, err = trainer.Fit(ctx, 100)
	require.NoError(t, err)
	require.Len(t, losses, 5)
	require.True(t, trainer.Interrupted())
}

func TestTrainerSamplers(t *testing.T) {
	sys, x, _ := constantSystem(t)
	eq := sys.Equations()[0]

	t.Run("placeholder", func(t *testing.T) {
		trainer := must.M1(NewTrainer(sys, WithSamplers()))
		require.IsType(t, samplers.PlaceholderSampler{}, trainer.Sampler())
		_, err := trainer.Fit(gocontext.Background(), 1)
		requireKind(t, err, errs.ErrUnconfiguredSampler)

		require.NoError(t, trainer.AddSampler(must.M1(samplers.NewSpaceSampler(
			[]*variables.Variable{x}, []*variables.Variable{eq})), 1))
		require.IsType(t, &samplers.CompositeSampler{}, trainer.Sampler())
		losses, err := trainer.Fit(gocontext.Background(), 2)
		require.NoError(t, err)
		require.Len(t, losses, 2)
	})

	t.Run("missing equation", func(t *testing.T) {
		trainer := must.M1(NewTrainer(sys, WithSamplers(samplers.WeightedSampler{
			Sampler: must.M1(samplers.NewAnonymousSampler([]*variables.Variable{x}, nil, samplers.StrategyFuncs{
				Variables: func() map[variables.ID][]float64 { return map[variables.ID][]float64{x.ID(): {0.5}} },
			})),
			Weight: 1,
		})))
		_, err := trainer.Fit(gocontext.Background(), 1)
		requireKind(t, err, errs.ErrMissingSample)
	})

	t.Run("add sampler", func(t *testing.T) {
		trainer := must.M1(NewTrainer(sys))
		constrained := must.M1(samplers.NewConstrainedSpaceSampler(x, []float64{0}, []float64{0.5},
			[]*variables.Variable{eq}))
		require.NoError(t, trainer.AddSampler(constrained, 3))
		c, ok := trainer.Sampler().(*samplers.CompositeSampler)
		require.True(t, ok)
		require.Len(t, c.Samplers(), 1)

		err := trainer.AddSampler(constrained, -1)
		requireKind(t, err, errs.ErrConfiguration)
		require.Same(t, c, trainer.Sampler())

		other := variables.NewRegistry()
		z := other.Scalar("z", 0, 1)
		err = trainer.AddSampler(must.M1(samplers.NewSpaceSampler(
			[]*variables.Variable{z}, []*variables.Variable{other.Equation("z=0", z, nil)})), 1)
		requireKind(t, err, errs.ErrConfiguration)
		require.Same(t, c, trainer.Sampler())
	})
}

func TestTrainerErrors(t *testing.T) {
	_, err := NewTrainer(nil)
	requireKind(t, err, errs.ErrConfiguration)

	reg := variables.NewRegistry()
	reg.Scalar("x", 0, 1)
	sys := must.M1(New(reg))
	_, err = NewTrainer(sys)
	requireKind(t, err, errs.ErrConfiguration)

	sys, _, _ = constantSystem(t)
	_, err = NewTrainer(sys, WithBatchSize(0))
	requireKind(t, err, errs.ErrConfiguration)

	sys.Context().SetParam(ParamBatchSize, 7)
	trainer := must.M1(NewTrainer(sys))
	require.Equal(t, 7, trainer.BatchSize())

	_, err = New(nil)
	requireKind(t, err, errs.ErrConfiguration)
}
