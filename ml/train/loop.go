// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train holds the training Loop, that repeatedly calls a Trainer's TrainStep, and the tools
// (hooks) that can be attached to it: progress reporting, checkpointing, early stopping, etc.
package train

import (
	gocontext "context"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/gomlx/puddle/ml/context"
	"github.com/gomlx/puddle/ml/train/metrics"
	"github.com/gomlx/puddle/ml/train/optimizers"
	"github.com/gomlx/puddle/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Trainer is what a Loop drives: each TrainStep trains on one batch.
type Trainer interface {
	// TrainStep runs one training step and returns the values of the train metrics: the first one
	// is the batch loss, and the others match TrainMetrics.
	TrainStep() (metrics []*tensors.Tensor, err error)

	// TrainMetrics returns the metrics returned by TrainStep. The first one is the batch loss.
	TrainMetrics() []metrics.Interface
}

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop) error

// OnBeforeStepFn is the type of OnBeforeStep hooks.
type OnBeforeStepFn func(loop *Loop) error

// OnStepFn is the type of OnStep hooks.
type OnStepFn func(loop *Loop, metrics []*tensors.Tensor) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop, metrics []*tensors.Tensor) error

// Loop will run a training loop, invoking Trainer.TrainStep every step,
// and calling the appropriate hooks.
//
// In itself it doesn't do much, but one can attach functionality to it, like
// checkpointing, progress bars, early-stopping strategies, etc.
//
// The public attributes are meant for reading only, don't change them -- behavior
// can be undefined.
type Loop struct {
	// Trainer associated with this loop.
	Trainer Trainer

	// LoopStep currently being executed. Defaults to 0. Notice this may not be in sync with model's
	// typical `GlobalStep` variable.
	LoopStep int

	// StartStep is the value of LoopStep at the start of a run (RunSteps). At the first
	// run it wil be 0 (the default value for LoopStep) and if Loop.RunSteps is called
	// multiple times, StartStep is reset to the last LoopStep value of the previous run.
	StartStep int

	// EndStep is one-past the last step to be executed.
	EndStep int

	// Interrupted is set if the last run was interrupted by the cancellation of its context.
	Interrupted bool

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by loop.
	SharedData map[string]any

	// TrainStepDurations collected during training.
	TrainStepDurations []time.Duration

	// Registered hooks.
	onStart      *priorityHooks[*hookWithName[OnStartFn]]
	onBeforeStep *priorityHooks[*hookWithName[OnBeforeStepFn]]
	onStep       *priorityHooks[*hookWithName[OnStepFn]]
	onEnd        *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a new training loop trainer.
func NewLoop(trainer Trainer) *Loop {
	return &Loop{
		Trainer:      trainer,
		SharedData:   make(map[string]any),
		onStart:      newPriorityHooks[*hookWithName[OnStartFn]](),
		onBeforeStep: newPriorityHooks[*hookWithName[OnBeforeStepFn]](),
		onStep:       newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:        newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// start of loop: it calls the appropriate hooks.
func (loop *Loop) start() (err error) {
	loop.onStart.Enumerate(func(hook *hookWithName[OnStartFn]) {
		if err != nil {
			// After the first error stop.
			return
		}
		err = hook.fn(loop)
		if err != nil {
			err = errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	})
	return
}

// step of loop: it calls the appropriate hooks around Trainer.TrainStep, and checks the batch loss.
func (loop *Loop) step() (metrics []*tensors.Tensor, err error) {
	loop.onBeforeStep.Enumerate(func(hook *hookWithName[OnBeforeStepFn]) {
		if err != nil {
			return
		}
		err = hook.fn(loop)
		if err != nil {
			err = errors.WithMessagef(err, "OnBeforeStep(hook %q)", hook.name)
		}
	})
	if err != nil {
		return nil, err
	}

	startTime := time.Now()
	metrics, err = loop.Trainer.TrainStep()
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))
	if err != nil {
		return nil, err
	}
	if len(metrics) == 0 {
		return nil, errors.Errorf("Trainer.TrainStep() returned no metrics, the batch loss is required")
	}
	batchLoss := metrics[0].Scalar()
	if math.IsNaN(batchLoss) {
		return nil, errors.Errorf("batch loss is NaN, training interrupted")
	}
	if math.IsInf(batchLoss, 0) {
		return nil, errors.Errorf("batch loss is infinity (%f), training interrupted", batchLoss)
	}

	loop.onStep.Enumerate(func(hook *hookWithName[OnStepFn]) {
		if err != nil {
			return
		}
		err = hook.fn(loop, metrics)
		if err != nil {
			err = errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	})
	if err != nil {
		return nil, err
	}
	return
}

// end of loop: it calls the appropriate hooks.
func (loop *Loop) end(metrics []*tensors.Tensor) (err error) {
	loop.onEnd.Enumerate(func(hook *hookWithName[OnEndFn]) {
		if err != nil {
			return
		}
		err = hook.fn(loop, metrics)
		if err != nil {
			err = errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	})
	return
}

// ReadGlobalStep will read the global step from the context and initialize the LoopStep
// to that value.
// The default is to have the LoopStep counter always start from 0 -- independent of the model's GlobalStep.
func (loop *Loop) ReadGlobalStep(ctx *context.Context) {
	loop.LoopStep = int(optimizers.GetGlobalStep(ctx))
}

// RunSteps runs those many steps. StartStep and EndStep are adjusted to the current
// LoopStep, so it can be called multiple times, and it will simply pick up
// where it left of last time.
//
// If runCtx is cancelled (e.g.: the user interrupted the program), the loop stops gracefully after the
// current step: the OnEnd hooks are called, Loop.Interrupted is set and no error is returned.
//
// It returns the metrics of the last step run.
func (loop *Loop) RunSteps(runCtx gocontext.Context, steps int) (metrics []*tensors.Tensor, err error) {
	loop.Interrupted = false
	if steps <= 0 {
		return nil, nil
	}
	loop.StartStep = loop.LoopStep
	loop.EndStep = loop.LoopStep + steps
	if err = loop.start(); err != nil {
		return nil, err
	}
	loop.TrainStepDurations = make([]time.Duration, 0, steps)
	for loop.LoopStep = loop.StartStep; loop.LoopStep < loop.EndStep; loop.LoopStep++ {
		if runCtx.Err() != nil {
			loop.Interrupted = true
			klog.Infof("training interrupted at step %d (of %d): %v", loop.LoopStep, loop.EndStep, runCtx.Err())
			break
		}
		var stepMetrics []*tensors.Tensor
		stepMetrics, err = loop.step()
		if err != nil {
			return nil, errors.WithMessagef(err, "Loop.RunSteps(%d): failed TrainStep(LoopStep=%d)", steps, loop.LoopStep)
		}
		metrics = stepMetrics
	}
	if err = loop.end(metrics); err != nil {
		return nil, errors.WithMessagef(err, "Loop.RunSteps(%d): failed end (LoopStep=%d)", steps, loop.LoopStep)
	}
	return
}

// MedianTrainStepDuration returns the median duration of each training step. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		return time.Millisecond
	}
	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnBeforeStep adds a hook with given priority and name (for error reporting) called just before
// each `Trainer.TrainStep`.
func (loop *Loop) OnBeforeStep(name string, priority Priority, fn OnBeforeStepFn) {
	loop.onBeforeStep.Add(priority, &hookWithName[OnBeforeStepFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a loop.
// The function `fn` is called after each `Trainer.TrainStep`.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last call to `Trainer.TrainStep`.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// Enumerate will call fn for all registered hooks in priority order.
func (h *priorityHooks[H]) Enumerate(fn func(hook H)) {
	keys := make([]Priority, 0, len(h.hooks))
	for key := range h.hooks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i] < keys[j]
	})
	for _, key := range keys {
		for _, hook := range h.hooks[key] {
			fn(hook)
		}
	}
}
