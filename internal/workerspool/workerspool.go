// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs tasks in goroutines, with a soft limit on the number running in parallel.
// It is used to run the forward/backward passes of model replicas concurrently.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool limits the number of tasks running in parallel.
type Pool struct {
	// maxParallelism: 0 runs tasks inline, < 0 is unlimited.
	maxParallelism int
	mu             sync.Mutex
	done           sync.Cond // Signaled whenever a task finishes.
	numRunning     int
}

// New returns a Pool with runtime.NumCPU() parallelism.
func New() *Pool {
	p := &Pool{maxParallelism: runtime.NumCPU()}
	p.done.L = &p.mu
	return p
}

// SetMaxParallelism sets the number of tasks that can run in parallel: 0 runs them inline, and -1 doesn't
// limit them. It must be called before any task is started.
func (p *Pool) SetMaxParallelism(maxParallelism int) {
	p.maxParallelism = maxParallelism
}

// start runs task in a goroutine once the pool has room for it, or inline if parallelism is disabled.
func (p *Pool) start(task func()) {
	switch {
	case p.maxParallelism < 0:
		go task()
		return
	case p.maxParallelism == 0:
		task()
		return
	}
	p.mu.Lock()
	for p.numRunning >= p.maxParallelism {
		p.done.Wait()
	}
	p.numRunning++
	p.mu.Unlock()
	go func() {
		task()
		p.mu.Lock()
		p.numRunning--
		p.done.Signal()
		p.mu.Unlock()
	}()
}

// ForEach calls fn(i) for i in [0, n), in parallel (respecting the pool parallelism), and waits for all of them
// to finish.
//
// It returns the error of the lowest index that failed, so the result doesn't depend on scheduling.
func (p *Pool) ForEach(n int, fn func(i int) error) error {
	if n <= 0 {
		return nil
	}
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := range n {
		p.start(func() {
			defer wg.Done()
			errs[i] = fn(i)
		})
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
