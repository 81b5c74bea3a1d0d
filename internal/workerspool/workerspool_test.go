// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/menoh/pkg/support/xsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Limit(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(2)

	release := xsync.NewLatch()
	var maxSeen, running atomic.Int32
	wg := xsync.NewDynamicWaitGroup()
	for range 6 {
		wg.Add(1)
		pool.WaitToStart(func() {
			defer wg.Done()
			n := running.Add(1)
			for {
				seen := maxSeen.Load()
				if n <= seen || maxSeen.CompareAndSwap(seen, n) {
					break
				}
			}
			if n == 2 {
				release.Trigger()
			}
			release.Wait()
			running.Add(-1)
		})
	}
	wg.Wait()
	assert.Equal(t, int32(2), maxSeen.Load())
	require.Eventually(t, func() bool { return pool.NumRunning() == 0 }, time.Second, time.Millisecond)
}

func TestPool_StartIfAvailable(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(1)
	block := xsync.NewLatch()
	started := xsync.NewLatch()
	require.True(t, pool.StartIfAvailable(func() {
		started.Trigger()
		block.Wait()
	}))
	started.Wait()
	require.False(t, pool.StartIfAvailable(func() {}))
	block.Trigger()

	// Eventually the worker is released.
	require.Eventually(t, func() bool { return pool.NumRunning() == 0 }, time.Second, time.Millisecond)

	// Disabled parallelism: nothing is started, WaitToStart runs inline.
	pool.SetMaxParallelism(0)
	require.False(t, pool.IsEnabled())
	require.False(t, pool.StartIfAvailable(func() {}))
	var count atomic.Int32
	pool.WaitToStart(func() { count.Add(1) })
	require.Equal(t, int32(1), count.Load())
}

func TestPool_Unlimited(t *testing.T) {
	pool := NewUnlimited()
	require.True(t, pool.IsUnlimited())
	const numTasks = 50
	release := xsync.NewLatch()
	var started atomic.Int32
	wg := xsync.NewDynamicWaitGroup()
	for range numTasks {
		wg.Add(1)
		pool.WaitToStart(func() {
			defer wg.Done()
			if started.Add(1) == numTasks {
				release.Trigger()
			}
			// All tasks must be running at the same time for this to return.
			release.Wait()
		})
	}
	wg.Wait()
	require.Equal(t, int32(numTasks), started.Load())
}
