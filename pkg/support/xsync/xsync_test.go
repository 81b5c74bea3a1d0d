// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	require.False(t, l.Test())
	go func() { l.Trigger() }()
	l.Wait()
	require.True(t, l.Test())
	require.False(t, l.Trigger(), "second Trigger must be a no-op")
	select {
	case <-l.WaitChan():
	default:
		t.Fatal("WaitChan should be closed after Trigger")
	}
}

func TestFuture(t *testing.T) {
	f := NewFuture[int]()
	require.False(t, f.IsDone())

	var calls atomic.Int32
	f.Then(func(v int, err error) {
		assert.Equal(t, 7, v)
		assert.NoError(t, err)
		calls.Add(1)
	})
	go func() { f.Resolve(7, nil) }()
	v, err := f.Wait()
	require.NoError(t, err)
	require.Equal(t, 7, v)

	// Resolve is single-shot.
	require.False(t, f.Resolve(8, errors.New("late")))
	v, err = f.Wait()
	require.NoError(t, err)
	require.Equal(t, 7, v)

	// Callbacks registered after resolution are called immediately.
	f.Then(func(v int, _ error) {
		assert.Equal(t, 7, v)
		calls.Add(1)
	})
	require.Equal(t, int32(2), calls.Load())
}

func TestFutureWaitContext(t *testing.T) {
	f := NewFuture[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.WaitContext(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, f.IsDone())

	failed := Resolved("", errors.New("boom"))
	_, err = failed.WaitContext(context.Background())
	require.ErrorContains(t, err, "boom")
	<-failed.Done()
}

func TestFutureConcurrentResolve(t *testing.T) {
	f := NewFuture[int]()
	var calls atomic.Int32
	for range 10 {
		f.Then(func(int, error) { calls.Add(1) })
	}
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.Resolve(i, nil) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
	require.Equal(t, int32(10), calls.Load())
}

func TestDynamicWaitGroup(t *testing.T) {
	wg := NewDynamicWaitGroup()
	wg.Wait() // Nothing to wait for.

	wg.Add(2)
	require.Equal(t, 2, wg.Count())
	done := NewLatch()
	go func() {
		wg.Wait()
		done.Trigger()
	}()
	wg.Done()
	wg.Add(1) // Added while someone is waiting.
	wg.Done()
	require.False(t, done.Test())
	wg.Done()
	select {
	case <-done.WaitChan():
	case <-time.After(time.Second):
		t.Fatal("Wait didn't return after the counter reached 0")
	}
	require.Panics(t, func() { wg.Done() })
}

func TestCache(t *testing.T) {
	var c Cache[string, int]
	_, found := c.Peek("a")
	require.False(t, found)
	require.Equal(t, 1, c.Get("a", func() int { return 1 }))
	require.Equal(t, 1, c.Get("a", func() int {
		t.Fatal("value already cached, create shouldn't be called")
		return 2
	}))

	var wg sync.WaitGroup
	results := make([]int, 20)
	for ii := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[ii] = c.Get("b", func() int { return ii + 100 })
		}()
	}
	wg.Wait()
	for _, r := range results {
		require.Equal(t, results[0], r, "all callers must see the same value")
	}
	require.Equal(t, 2, c.Len())
}
