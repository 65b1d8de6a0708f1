// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"testing"

	. "github.com/gomlx/puddle/graph"
	"github.com/gomlx/puddle/ml/context"
	"github.com/gomlx/puddle/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimize builds the graph of `sum((w - target)^2)` with an optimizer update and runs it for numSteps.
func minimize(t *testing.T, ctx *context.Context, opt Interface, numSteps int) *context.Variable {
	g := NewGraph("minimize")
	w := ctx.VariableWithValue("w", []float64{0, 10})
	target := Const(g, []float64{3, -2})
	loss := ReduceAllSum(Square(Sub(w.ValueGraph(g), target)))
	opt.UpdateGraph(ctx, g, loss)
	for range numSteps {
		_, err := ctx.ExecRun(g, nil, loss)
		require.NoError(t, err)
	}
	return w
}

func TestSGD(t *testing.T) {
	ctx := context.New()
	ctx.SetParam(ParamLearningRate, 0.1)
	w := minimize(t, ctx, ByName(ctx, "sgd"), 500)
	assert.InDeltaSlice(t, []float64{3, -2}, w.Value().Flat(), 1e-2)
	assert.Equal(t, int64(500), GetGlobalStep(ctx))
	assert.Equal(t, 0.1, ctx.InspectVariable("/"+Scope, ParamLearningRate).Value().Scalar())
}

func TestAdam(t *testing.T) {
	ctx := context.New()
	ctx.SetParam(ParamOptimizer, "adam")
	ctx.SetParam(ParamLearningRate, 0.05)
	ctx.SetParam(ParamAdamEpsilon, 1e-8)
	w := minimize(t, ctx, FromContext(ctx), 2000)
	assert.InDeltaSlice(t, []float64{3, -2}, w.Value().Flat(), 5e-2)
	assert.Equal(t, int64(2000), GetGlobalStep(ctx))
	assert.Equal(t, int64(2000), GetGlobalStep(ctx.In(AdamDefaultScope)))

	m1 := ctx.InspectVariable("/"+AdamDefaultScope, "w_1st_moment")
	require.NotNil(t, m1)
	assert.False(t, m1.Trainable)
	assert.True(t, m1.Shape().Equal(shapes.Make(2)))
}

func TestAdamax(t *testing.T) {
	ctx := context.New()
	w := minimize(t, ctx, Adam().Adamax().LearningRate(0.05).Done(), 2000)
	assert.InDeltaSlice(t, []float64{3, -2}, w.Value().Flat(), 5e-2)
}

func TestClipStepByValue(t *testing.T) {
	ctx := context.New()
	ctx.SetParam(ParamLearningRate, 10.0)
	ctx.SetParam(ParamClipStepByValue, 0.5)
	w := minimize(t, ctx, StochasticGradientDescent(), 1)
	assert.Equal(t, []float64{0.5, 9.5}, w.Value().Flat())
}

func TestByName(t *testing.T) {
	ctx := context.New()
	assert.Panics(t, func() { _ = ByName(ctx, "rmsprop") })
	assert.Panics(t, func() { _ = Adam().Betas(1, 0.9).Done() })
	assert.Panics(t, func() {
		g := NewGraph("no_vars")
		Adam().Done().UpdateGraph(ctx, g, ReduceAllSum(Const(g, []float64{1})))
	})
}
