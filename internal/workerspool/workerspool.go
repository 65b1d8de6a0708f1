// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements a soft-limited pool of goroutines, used by the graph executor to split large
// element-wise kernels over the batch.
package workerspool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// goroutinesPerWorker is how many goroutines may run per unit of parallelism: tasks blocked waiting
// don't count as work.
const goroutinesPerWorker = 2

// Pool limits the number of goroutines started by StartIfAvailable and ParallelFor.
//
// Its parallelism is 0 (disabled: everything runs inline), a positive soft limit, or negative for
// unlimited.
type Pool struct {
	parallelism atomic.Int64
	running     atomic.Int64
}

// New returns a Pool with the parallelism set to runtime.NumCPU().
func New() *Pool {
	p := &Pool{}
	p.parallelism.Store(int64(runtime.NumCPU()))
	return p
}

// MaxParallelism returns the current parallelism. See SetMaxParallelism.
func (p *Pool) MaxParallelism() int { return int(p.parallelism.Load()) }

// SetMaxParallelism sets the soft limit of parallel tasks: 0 disables parallelism, and -1 makes it unlimited.
// It should be set while no tasks are running.
func (p *Pool) SetMaxParallelism(parallelism int) {
	p.parallelism.Store(int64(parallelism))
}

// StartIfAvailable runs task in a new goroutine if the limit wasn't reached, and returns whether it did.
// Waiting for the task to finish is up to the caller.
func (p *Pool) StartIfAvailable(task func()) bool {
	parallelism := p.parallelism.Load()
	switch {
	case parallelism == 0:
		return false
	case parallelism < 0:
		go task()
		return true
	}
	if p.running.Add(1) > goroutinesPerWorker*parallelism {
		p.running.Add(-1)
		return false
	}
	go func() {
		defer p.running.Add(-1)
		task()
	}()
	return true
}

// ParallelFor splits [0, n) in contiguous chunks of at least minChunk elements, calls fn(start, end) on
// each, and returns once all are done. Chunks for which no goroutine is available run inline.
//
// fn must be safe to call concurrently on disjoint ranges.
func (p *Pool) ParallelFor(n, minChunk int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	minChunk = max(minChunk, 1)
	numChunks := 1
	if parallelism := p.MaxParallelism(); parallelism < 0 {
		numChunks = max(1, n/minChunk)
	} else if parallelism > 0 {
		numChunks = max(1, min(n/minChunk, parallelism))
	}
	if numChunks == 1 {
		fn(0, n)
		return
	}
	chunkSize := (n + numChunks - 1) / numChunks
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		wg.Add(1)
		task := func() {
			defer wg.Done()
			fn(start, end)
		}
		if !p.StartIfAvailable(task) {
			task()
		}
	}
	wg.Wait()
}
