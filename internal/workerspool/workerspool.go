// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs tasks on goroutines, with a soft limit on how many run in parallel.
//
// It is used to dispatch the asynchronous loads and runs of models, and by the generic engine to
// split kernels across workers.
package workerspool

import (
	"runtime"
	"sync"
)

// Parallelism limits with special meaning.
const (
	// Unlimited gives every task its own goroutine, without counting it.
	Unlimited = -1

	// Disabled runs WaitToStart tasks inline, and StartIfAvailable never starts anything.
	Disabled = 0
)

// Pool of workers. Create it with New or NewUnlimited.
type Pool struct {
	mu       sync.Mutex
	released *sync.Cond // Broadcast when a slot frees up or the limit changes.

	limit   int
	running int
}

// New returns a Pool limited to runtime.NumCPU() tasks in parallel.
func New() *Pool {
	return newPool(runtime.NumCPU())
}

// NewUnlimited returns a Pool that starts every task right away.
func NewUnlimited() *Pool {
	return newPool(Unlimited)
}

func newPool(limit int) *Pool {
	p := &Pool{limit: limit}
	p.released = sync.NewCond(&p.mu)
	return p
}

// IsEnabled is false if parallelism was disabled.
func (p *Pool) IsEnabled() bool { return p.MaxParallelism() != Disabled }

// IsUnlimited is true if every task gets its own goroutine.
func (p *Pool) IsUnlimited() bool { return p.MaxParallelism() < 0 }

// MaxParallelism returns the current limit: Unlimited (or any negative value), Disabled or
// a positive number of tasks.
func (p *Pool) MaxParallelism() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limit
}

// SetMaxParallelism changes the limit. Running tasks are not affected; tasks blocked in
// WaitToStart are re-checked against the new limit.
func (p *Pool) SetMaxParallelism(limit int) {
	p.mu.Lock()
	p.limit = limit
	p.mu.Unlock()
	p.released.Broadcast()
}

// NumRunning returns how many counted tasks are still running. Tasks started while the pool
// was unlimited are not counted.
func (p *Pool) NumRunning() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// WaitToStart blocks until a slot is free and then runs task in a new goroutine.
//
// With parallelism Disabled the task runs inline, and WaitToStart returns only after it
// finishes: callers relying on concurrency may deadlock.
func (p *Pool) WaitToStart(task func()) {
	p.mu.Lock()
	for p.limit > 0 && p.running >= p.limit {
		p.released.Wait()
	}
	limit := p.limit
	if limit > 0 {
		p.running++
	}
	p.mu.Unlock()

	switch {
	case limit < 0:
		go task()
	case limit == Disabled:
		task()
	default:
		go p.runCounted(task)
	}
}

// StartIfAvailable starts task in a new goroutine if a slot is free, and reports whether
// it did. Synchronizing with the end of the task is up to the caller.
func (p *Pool) StartIfAvailable(task func()) bool {
	p.mu.Lock()
	limit := p.limit
	available := limit < 0 || (limit > 0 && p.running < limit)
	if available && limit > 0 {
		p.running++
	}
	p.mu.Unlock()

	if !available {
		return false
	}
	if limit < 0 {
		go task()
	} else {
		go p.runCounted(task)
	}
	return true
}

// runCounted runs task and frees its slot when it returns, even on panic.
func (p *Pool) runCounted(task func()) {
	defer func() {
		p.mu.Lock()
		p.running--
		p.mu.Unlock()
		p.released.Broadcast()
	}()
	task()
}
