// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync holds the synchronization tools used by the asynchronous gateway: latches,
// futures, a wait group that accepts new work while being waited on, and a typed cache.
package xsync

import "sync"

// Latch is a one-shot signal: once triggered it stays triggered.
type Latch struct {
	once      sync.Once
	triggered chan struct{}
}

// NewLatch returns a latch not yet triggered.
func NewLatch() *Latch {
	return &Latch{triggered: make(chan struct{})}
}

// Trigger the latch, releasing all waiters. Only the first call has an effect, and only
// it returns true.
func (l *Latch) Trigger() (first bool) {
	l.once.Do(func() {
		close(l.triggered)
		first = true
	})
	return
}

// Wait blocks until the latch is triggered.
func (l *Latch) Wait() { <-l.triggered }

// Test returns whether the latch was triggered, without blocking.
func (l *Latch) Test() bool {
	select {
	case <-l.triggered:
		return true
	default:
	}
	return false
}

// WaitChan is closed once the latch is triggered. Use it in a select.
func (l *Latch) WaitChan() <-chan struct{} { return l.triggered }
