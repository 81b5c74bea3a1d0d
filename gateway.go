// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package menoh

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/menoh/internal/workerspool"
	"github.com/gomlx/menoh/pkg/support/xsync"
	"github.com/pkg/errors"
)

// gateway runs asynchronous units of work (graph loads and model runs) on background workers,
// and delivers exactly one completion for each.
type gateway struct {
	workers *workerspool.Pool

	// completionMu serializes all completions.
	completionMu sync.Mutex

	// inFlight counts the dispatched units not yet completed.
	inFlight *xsync.DynamicWaitGroup
}

func newGateway() *gateway {
	return &gateway{
		workers:  workerspool.NewUnlimited(),
		inFlight: xsync.NewDynamicWaitGroup(),
	}
}

var defaultGateway = newGateway()

// dispatch runs work in a background worker, and returns immediately a Future for its result.
//
// When work finishes, complete is called with its result, holding the gateway completion mutex
// and the owner's lock (if owner is not nil), so it is serialized with every other completion
// and with the synchronous operations on the owner. Its result resolves the Future, after the
// locks are released, so callbacks registered in the Future can freely call the owner.
//
// work must not touch any state visible to the caller; that is left to complete.
func dispatch[W, T any](g *gateway, owner sync.Locker, work func() (W, error), complete func(W, error) (T, error)) *xsync.Future[T] {
	future := xsync.NewFuture[T]()
	g.inFlight.Add(1)
	task := func() {
		defer g.inFlight.Done()
		var value W
		var err error
		if panicErr := exceptions.TryCatch[error](func() { value, err = work() }); panicErr != nil {
			err = errors.WithMessage(panicErr, "panic while running asynchronous work")
		}

		g.completionMu.Lock()
		if owner != nil {
			owner.Lock()
		}
		result, err := complete(value, err)
		if owner != nil {
			owner.Unlock()
		}
		g.completionMu.Unlock()

		future.Resolve(result, err)
	}
	// The caller never blocks, even if all workers are busy.
	go g.workers.WaitToStart(task)
	return future
}

// Wait blocks until every unit of work dispatched so far (and those dispatched while waiting) is
// completed, including the callbacks registered in their futures.
func Wait() {
	defaultGateway.inFlight.Wait()
}

// SetMaxParallelism limits the number of graph loads and model runs executing in parallel.
// Values < 1 mean unlimited, the default.
func SetMaxParallelism(maxParallelism int) {
	if maxParallelism < 1 {
		maxParallelism = -1
	}
	defaultGateway.workers.SetMaxParallelism(maxParallelism)
}
