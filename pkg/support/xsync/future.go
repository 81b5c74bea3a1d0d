// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"context"
	"sync"
)

// Future holds the result (a value and an error) of an asynchronous operation.
//
// It is resolved exactly once: later calls to Resolve are ignored. Callbacks registered
// with Then are called exactly once, after the resolution.
type Future[T any] struct {
	done *Latch

	mu        sync.Mutex
	resolved  bool
	value     T
	err       error
	callbacks []func(T, error)
}

// NewFuture returns an unresolved Future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: NewLatch()}
}

// Resolved returns a Future already resolved with value and err.
func Resolved[T any](value T, err error) *Future[T] {
	f := NewFuture[T]()
	f.Resolve(value, err)
	return f
}

// Resolve sets the result of the future, wakes up the waiters and calls the registered callbacks,
// in the calling goroutine.
//
// It returns false (and does nothing) if the future was already resolved.
func (f *Future[T]) Resolve(value T, err error) bool {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return false
	}
	f.resolved = true
	f.value, f.err = value, err
	callbacks := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	f.done.Trigger()
	for _, callback := range callbacks {
		callback(value, err)
	}
	return true
}

// Done returns a channel closed when the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done.WaitChan()
}

// IsDone returns whether the future is resolved.
func (f *Future[T]) IsDone() bool {
	return f.done.Test()
}

// Wait blocks until the future is resolved, and returns its result.
func (f *Future[T]) Wait() (T, error) {
	f.done.Wait()
	return f.value, f.err
}

// WaitContext blocks until the future is resolved or ctx is done, in which case it returns
// ctx.Err(). Cancelling ctx doesn't cancel the asynchronous operation.
func (f *Future[T]) WaitContext(ctx context.Context) (T, error) {
	select {
	case <-f.done.WaitChan():
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then registers callback to be called with the result of the future. If the future is already
// resolved, callback is called immediately in the calling goroutine; otherwise it is called by
// the goroutine that resolves the future.
func (f *Future[T]) Then(callback func(T, error)) {
	f.mu.Lock()
	if !f.resolved {
		f.callbacks = append(f.callbacks, callback)
		f.mu.Unlock()
		return
	}
	value, err := f.value, f.err
	f.mu.Unlock()
	callback(value, err)
}
