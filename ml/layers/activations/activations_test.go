// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package activations

import (
	"math"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/puddle/errs"
	. "github.com/gomlx/puddle/graph"
	"github.com/gomlx/puddle/graph/graphtest"
	"github.com/gomlx/puddle/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNames(t *testing.T) {
	for _, name := range []string{"sigmoid", "relu", "leaky-relu", "tanh", "softmax", "id"} {
		activation := FromName(name)
		assert.Equal(t, name, activation.String())
		text, err := activation.MarshalText()
		require.NoError(t, err)
		var parsed Type
		require.NoError(t, parsed.UnmarshalText(text))
		assert.Equal(t, activation, parsed)
	}
	assert.Equal(t, TypeId, FromName(""))
	err := exceptions.TryCatch[error](func() { _ = FromName("leaky_relu") })
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrConfiguration))
}

func TestActivations(t *testing.T) {
	input := [][]float64{{0, -1, 2}, {-3, 4, -5}}
	sigmoid := func(x float64) float64 { return 1 / (1 + math.Exp(-x)) }
	graphtest.RunTestGraphFn(t, "Activations", func(g *Graph) (params ParamsMap, outputs []*Node) {
		params = ParamsMap{}
		x := graphtest.BatchedParameter(g, params, "x", input)
		outputs = []*Node{
			Apply(TypeId, x),
			Apply(TypeRelu, x),
			Apply(TypeLeakyRelu, x),
			Apply(TypeSigmoid, x),
			Apply(TypeTanh, x),
			Apply(TypeSoftmax, x),
		}
		return
	}, []any{
		input,
		[][]float64{{0, 0, 2}, {0, 4, 0}},
		[][]float64{{0, -0.2, 2}, {-0.6, 4, -1}},
		[][]float64{{0.5, sigmoid(-1), sigmoid(2)}, {sigmoid(-3), sigmoid(4), sigmoid(-5)}},
		[][]float64{{0, math.Tanh(-1), math.Tanh(2)}, {math.Tanh(-3), math.Tanh(4), math.Tanh(-5)}},
		[][]float64{
			{1 / (1 + math.Exp(-1) + math.Exp(2)), math.Exp(-1) / (1 + math.Exp(-1) + math.Exp(2)), math.Exp(2) / (1 + math.Exp(-1) + math.Exp(2))},
			{math.Exp(-3) / (math.Exp(-3) + math.Exp(4) + math.Exp(-5)), math.Exp(4) / (math.Exp(-3) + math.Exp(4) + math.Exp(-5)), math.Exp(-5) / (math.Exp(-3) + math.Exp(4) + math.Exp(-5))},
		},
	}, 1e-9)
}

func TestApplyFromContext(t *testing.T) {
	ctx := context.New()
	ctx.In("net").SetParam(ParamActivation, "relu")
	graphtest.RunTestGraphFn(t, "ApplyFromContext", func(g *Graph) (params ParamsMap, outputs []*Node) {
		x := Const(g, []float64{-1, 1})
		outputs = []*Node{ApplyFromContext(ctx, x), ApplyFromContext(ctx.In("net"), x)}
		return
	}, []any{
		[]float64{math.Tanh(-1), math.Tanh(1)},
		[]float64{0, 1},
	}, 1e-9)
}
