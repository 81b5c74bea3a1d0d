// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import "sync"

// Cache maps keys to values created on demand, once per key.
//
// The zero value is ready to use. It should not be copied after first use.
type Cache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]V
}

// Get returns the value for key, calling create to build it if it is not cached yet.
//
// create is called with no locks held; if two goroutines race on the same key, only the
// first value stored is kept and returned to both.
func (c *Cache[K, V]) Get(key K, create func() V) V {
	c.mu.RLock()
	value, found := c.entries[key]
	c.mu.RUnlock()
	if found {
		return value
	}

	newValue := create()
	c.mu.Lock()
	defer c.mu.Unlock()
	if value, found = c.entries[key]; found {
		return value
	}
	if c.entries == nil {
		c.entries = make(map[K]V)
	}
	c.entries[key] = newValue
	return newValue
}

// Peek returns the cached value for key, without creating it.
func (c *Cache[K, V]) Peek(key K) (value V, found bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, found = c.entries[key]
	return
}

// Len returns the number of cached keys.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
