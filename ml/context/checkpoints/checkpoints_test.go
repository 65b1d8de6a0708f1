// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/puddle/graph"
	"github.com/gomlx/puddle/ml/context"
	"github.com/gomlx/puddle/ml/train/optimizers"
	"github.com/gomlx/puddle/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpoints(t *testing.T) {
	var dir string
	{
		// Build model, checkpoint a few times.
		ctx := context.New()
		ctx.SetParam(optimizers.ParamLearningRate, 0.01)
		ctx.SetParam("batch_size", 64)
		ctx.In("pinn").SetParam("layers", []int{8, 8, 1})
		checkpoint, err := Build(ctx).TempDir("", "test_checkpoints_").Keep(3).Done()
		require.NoError(t, err)
		dir = checkpoint.Dir()
		defer func() { _ = os.RemoveAll(dir) }()

		ctx.In("pinn").VariableWithValue("w", []float64{1, 2, 3})
		g := graph.NewGraph("increment")
		globalStep := optimizers.IncrementGlobalStepGraph(ctx, g)
		for ii := 0; ii < 10; ii++ {
			results, err := ctx.ExecRun(g, nil, globalStep)
			require.NoError(t, err)
			assert.Equal(t, float64(ii)+1, results[0].Scalar(), "LoopStep")
			require.NoError(t, checkpoint.Save(), "Saving checkpoint")
		}
		list, err := checkpoint.ListCheckpoints()
		require.NoError(t, err)
		assert.Len(t, list, 3)
		assert.Contains(t, list[2], "-step-00000010")
	}

	{
		// Re-create the context: params and variables are loaded from the checkpoint.
		ctx := context.New()
		ctx.SetParam(optimizers.ParamLearningRate, 0.1)
		ctx.In("unused").VariableWithValue("u", 7.0)
		checkpoint, err := Build(ctx).Dir(dir).Keep(3).Done()
		require.NoError(t, err)
		assert.Equal(t, 0.01, context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0))
		assert.Equal(t, 64, context.GetParamOr(ctx, "batch_size", 0))
		assert.Equal(t, []int{8, 8, 1}, context.GetParamOr(ctx.In("pinn"), "layers", []int{}))
		assert.Equal(t, int64(10), optimizers.GetGlobalStep(ctx))

		// "/pinn/w" not used yet, so it is still held by the Handler.
		assert.Contains(t, checkpoint.LoadedVariables(), "var:/pinn/w")
		require.NoError(t, checkpoint.Save())
		w := ctx.In("pinn").VariableWithShape("w", shapes.Make(3))
		assert.Equal(t, []float64{1, 2, 3}, w.Value().Flat())
		assert.NotContains(t, checkpoint.LoadedVariables(), "var:/pinn/w")
	}

	{
		// The unused value was saved again by the second Handler.
		ctx := context.New()
		_, err := Build(ctx).Dir(dir).ExcludeParams().Done()
		require.NoError(t, err)
		_, found := ctx.GetParam("batch_size")
		assert.False(t, found)
		w := ctx.In("pinn").VariableWithShape("w", shapes.Make(3))
		assert.Equal(t, []float64{1, 2, 3}, w.Value().Flat())

		// Wrong shape panics.
		require.Panics(t, func() { ctx.In("unused").VariableWithShape("u", shapes.Make(2)) })
	}
}

func TestConfigErrors(t *testing.T) {
	_, err := Build(context.New()).Done()
	require.Error(t, err)

	filePath := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(filePath, []byte("x"), 0o600))
	_, err = Build(context.New()).Dir(filePath).Done()
	require.Error(t, err)

	// Corrupted checkpoint.
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checkpoint-n0000001-x.json"), []byte("{"), 0o600))
	_, err = Build(context.New()).Dir(dir).Done()
	require.Error(t, err)
}
