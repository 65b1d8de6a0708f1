// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"time"

	"github.com/gomlx/puddle/types/tensors"
)

// nTimes is used to implement NTimesDuringLoop.
type nTimes struct {
	n, nUsed int
	fn       OnStepFn
}

func (nT *nTimes) onStep(loop *Loop, metrics []*tensors.Tensor) error {
	stepsDone := (loop.LoopStep - loop.StartStep) + 1 // Current LoopStep just finished.
	if loop.LoopStep < loop.EndStep-1 {               // Last step is always included.
		stepsPerCall := float64(loop.EndStep-loop.StartStep) / float64(nT.n)
		if stepsPerCall > 1 && float64(nT.nUsed) > float64(stepsDone)/stepsPerCall {
			return nil
		}
	}
	nT.nUsed++
	return nT.fn(loop, metrics)
}

// NTimesDuringLoop registers a OnStep hook on the loop that is called at most n times per run, split evenly
// across all steps. It always calls `fn` at the very last step.
//
// It is used to log the loss of long trainings a few times.
func NTimesDuringLoop(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	loop.OnStart(fmt.Sprintf("NTimesDuringLoop(%d) reset: %s", n, name), priority, func(loop *Loop) error {
		nT := &nTimes{n: n, fn: fn}
		loop.SharedData[nTimesKey(name)] = nT
		return nil
	})
	loop.OnStep(fmt.Sprintf("NTimesDuringLoop(%d): %s", n, name), priority, func(loop *Loop, metrics []*tensors.Tensor) error {
		return loop.SharedData[nTimesKey(name)].(*nTimes).onStep(loop, metrics)
	})
}

func nTimesKey(name string) string { return "train.NTimesDuringLoop:" + name }

// EveryNSteps registers a OnStep hook on the loop that is called every n steps (counted across runs).
//
// Notice that it does not call `fn` at the last step (except by coincidence).
func EveryNSteps(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	count := 0
	loop.OnStep(fmt.Sprintf("EveryNSteps(%d): %s", n, name), priority, func(loop *Loop, metrics []*tensors.Tensor) error {
		count++
		if count%n != 0 {
			return nil
		}
		return fn(loop, metrics)
	})
}

type periodicCallback struct {
	last    time.Time
	period  time.Duration
	started bool
	fn      OnStepFn
}

func (p *periodicCallback) onStep(loop *Loop, metrics []*tensors.Tensor) error {
	if !p.started {
		// Start the clock.
		p.started = true
		p.last = time.Now()
		return nil
	}
	if time.Since(p.last) < p.period {
		return nil
	}
	err := p.fn(loop, metrics)
	p.last = time.Now()
	return err
}

// PeriodicCallback registers an `OnStep` hook on the loop that is called every period of time.
// The period counts from the end of the previous call, so an expensive `fn` (e.g. saving a checkpoint)
// is not called back-to-back.
//
// If callOnEnd is set, it will also call at the end of the loop.
func PeriodicCallback(loop *Loop, period time.Duration, callOnEnd bool, name string, priority Priority, fn OnStepFn) {
	p := &periodicCallback{period: period, fn: fn}
	fullName := fmt.Sprintf("PeriodicCallback(%s): %s", period, name)
	loop.OnStep(fullName, priority, p.onStep)
	if callOnEnd {
		loop.OnEnd(fullName, priority, func(loop *Loop, metrics []*tensors.Tensor) error {
			if len(metrics) == 0 {
				// Nothing run.
				return nil
			}
			return p.fn(loop, metrics)
		})
	}
}
