// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	gocontext "context"
	"math"
	"testing"
	"time"

	"github.com/gomlx/puddle/ml/train/metrics"
	"github.com/gomlx/puddle/types/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingTrainer returns a loss of 1/(step+1), or the losses given.
type countingTrainer struct {
	steps  int
	losses []float64
	err    error
}

func (c *countingTrainer) TrainStep() ([]*tensors.Tensor, error) {
	if c.err != nil {
		return nil, c.err
	}
	loss := 1.0 / float64(c.steps+1)
	if c.steps < len(c.losses) {
		loss = c.losses[c.steps]
	}
	c.steps++
	return []*tensors.Tensor{tensors.FromScalar(loss)}, nil
}

func (c *countingTrainer) TrainMetrics() []metrics.Interface {
	return []metrics.Interface{metrics.NewBatchLoss()}
}

func TestLoopHooks(t *testing.T) {
	trainer := &countingTrainer{}
	loop := NewLoop(trainer)
	var calls []string
	loop.OnStart("start", 0, func(*Loop) error {
		calls = append(calls, "start")
		return nil
	})
	loop.OnBeforeStep("before", 0, func(loop *Loop) error {
		calls = append(calls, "before")
		return nil
	})
	// Lower priority runs first.
	loop.OnStep("second", 10, func(*Loop, []*tensors.Tensor) error {
		calls = append(calls, "second")
		return nil
	})
	loop.OnStep("first", -1, func(*Loop, []*tensors.Tensor) error {
		calls = append(calls, "first")
		return nil
	})
	loop.OnEnd("end", 0, func(_ *Loop, m []*tensors.Tensor) error {
		calls = append(calls, "end")
		return nil
	})

	lastMetrics, err := loop.RunSteps(gocontext.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"start", "before", "first", "second", "before", "first", "second", "end"}, calls)
	assert.Equal(t, 2, loop.LoopStep)
	assert.InDelta(t, 0.5, lastMetrics[0].Scalar(), 1e-9)
	assert.Len(t, loop.TrainStepDurations, 2)
	assert.False(t, loop.Interrupted)

	// A second run picks up where the first stopped.
	_, err = loop.RunSteps(gocontext.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 2, loop.StartStep)
	assert.Equal(t, 5, loop.EndStep)
	assert.Equal(t, 5, trainer.steps)
	assert.GreaterOrEqual(t, loop.MedianTrainStepDuration(), time.Duration(0))
}

func TestLoopErrors(t *testing.T) {
	t.Run("NaN", func(t *testing.T) {
		loop := NewLoop(&countingTrainer{losses: []float64{1, math.NaN()}})
		_, err := loop.RunSteps(gocontext.Background(), 5)
		require.ErrorContains(t, err, "NaN")
		assert.Equal(t, 1, loop.LoopStep)
	})
	t.Run("Inf", func(t *testing.T) {
		loop := NewLoop(&countingTrainer{losses: []float64{math.Inf(1)}})
		_, err := loop.RunSteps(gocontext.Background(), 5)
		require.ErrorContains(t, err, "infinity")
	})
	t.Run("TrainStep", func(t *testing.T) {
		loop := NewLoop(&countingTrainer{err: errors.New("boom")})
		_, err := loop.RunSteps(gocontext.Background(), 5)
		require.ErrorContains(t, err, "boom")
	})
	t.Run("Hook", func(t *testing.T) {
		loop := NewLoop(&countingTrainer{})
		loop.OnStep("failing", 0, func(*Loop, []*tensors.Tensor) error { return errors.New("hook failed") })
		_, err := loop.RunSteps(gocontext.Background(), 5)
		require.ErrorContains(t, err, `OnStep(hook "failing")`)
	})
}

func TestLoopInterrupted(t *testing.T) {
	trainer := &countingTrainer{}
	loop := NewLoop(trainer)
	runCtx, cancel := gocontext.WithCancel(gocontext.Background())
	defer cancel()
	EveryNSteps(loop, 3, "cancel", 0, func(*Loop, []*tensors.Tensor) error {
		cancel()
		return nil
	})
	endCalled := false
	loop.OnEnd("end", 0, func(*Loop, []*tensors.Tensor) error {
		endCalled = true
		return nil
	})
	lastMetrics, err := loop.RunSteps(runCtx, 100)
	require.NoError(t, err)
	assert.True(t, loop.Interrupted)
	assert.True(t, endCalled)
	assert.Equal(t, 3, trainer.steps)
	assert.InDelta(t, 1.0/3.0, lastMetrics[0].Scalar(), 1e-9)
}

func TestNTimesDuringLoop(t *testing.T) {
	loop := NewLoop(&countingTrainer{})
	var steps []int
	NTimesDuringLoop(loop, 4, "log", 0, func(loop *Loop, _ []*tensors.Tensor) error {
		steps = append(steps, loop.LoopStep)
		return nil
	})
	_, err := loop.RunSteps(gocontext.Background(), 100)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(steps), 5)
	assert.GreaterOrEqual(t, len(steps), 4)
	assert.Equal(t, 99, steps[len(steps)-1])

	// Counters are reset on a new run.
	steps = nil
	_, err = loop.RunSteps(gocontext.Background(), 8)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(steps), 4)
	assert.Equal(t, 107, steps[len(steps)-1])
}
