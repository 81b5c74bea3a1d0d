// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync"

	"github.com/gomlx/exceptions"
)

// DynamicWaitGroup counts in-flight work, like sync.WaitGroup, but Add can be called at
// any time, including while other goroutines are blocked in Wait.
//
// Wait returns the first time it observes the counter at zero.
type DynamicWaitGroup struct {
	mu    sync.Mutex
	count int

	// idle is closed whenever count is zero; it is replaced by a new open channel when
	// count leaves zero.
	idle chan struct{}
}

// NewDynamicWaitGroup returns a DynamicWaitGroup with the counter at zero.
func NewDynamicWaitGroup() *DynamicWaitGroup {
	idle := make(chan struct{})
	close(idle)
	return &DynamicWaitGroup{idle: idle}
}

// Add delta to the counter. It panics if the counter becomes negative.
func (wg *DynamicWaitGroup) Add(delta int) {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	before := wg.count
	wg.count += delta
	switch {
	case wg.count < 0:
		wg.count = before
		exceptions.Panicf("DynamicWaitGroup: negative counter (%d%+d)", before, delta)
	case before == 0 && wg.count > 0:
		wg.idle = make(chan struct{})
	case before > 0 && wg.count == 0:
		close(wg.idle)
	}
}

// Done decrements the counter by one.
func (wg *DynamicWaitGroup) Done() { wg.Add(-1) }

// Count returns the current counter.
func (wg *DynamicWaitGroup) Count() int {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	return wg.count
}

// Wait blocks until the counter reaches zero.
func (wg *DynamicWaitGroup) Wait() {
	wg.mu.Lock()
	idle := wg.idle
	wg.mu.Unlock()
	<-idle
}
