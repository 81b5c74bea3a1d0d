// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package generic

import (
	"sync"

	"github.com/gomlx/menoh/pkg/core/shapes"
)

// tensor is a value of the graph during execution: a shape and its flat float32 data.
//
// The flat data is either owned by the engine (taken from the backend pool of buffers), or it
// is an external buffer attached by the caller, or the (read-only) data of an initializer.
type tensor struct {
	shape  shapes.Shape
	flat   []float32
	pooled bool
}

// maxPooledBuffers is the number of released buffers of each length kept for reuse.
const maxPooledBuffers = 32

// bufferPool is a free list of buffers of one length.
type bufferPool struct {
	mu   sync.Mutex
	free [][]float32
}

// getBufferPool for the given length.
func (b *Backend) getBufferPool(length int) *bufferPool {
	return b.bufferPools.Get(length, func() *bufferPool { return &bufferPool{} })
}

// getBuffer from backend pool of buffers, or a new one if none is available. The contents of
// reused buffers are not cleared.
func (b *Backend) getBuffer(length int) []float32 {
	pool := b.getBufferPool(length)
	pool.mu.Lock()
	if n := len(pool.free); n > 0 {
		flat := pool.free[n-1]
		pool.free[n-1] = nil
		pool.free = pool.free[:n-1]
		pool.mu.Unlock()
		return flat
	}
	pool.mu.Unlock()
	b.numAllocations.Add(1)
	return make([]float32, length)
}

// putBuffer back into the backend pool of buffers.
// After this any references to flat should be dropped.
func (b *Backend) putBuffer(flat []float32) {
	if len(flat) == 0 {
		return
	}
	pool := b.getBufferPool(len(flat))
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if len(pool.free) < maxPooledBuffers {
		pool.free = append(pool.free, flat)
	}
}

// NumAllocations returns the number of buffers allocated so far. Reused buffers are not counted.
func (b *Backend) NumAllocations() int64 { return b.numAllocations.Load() }

// newTensor allocates a tensor of the given shape from the pool of buffers.
func (b *Backend) newTensor(shape shapes.Shape) *tensor {
	return &tensor{shape: shape.Clone(), flat: b.getBuffer(shape.Size()), pooled: true}
}

// releaseTensor returns the tensor data to the pool, if it is owned by the engine.
func (b *Backend) releaseTensor(t *tensor) {
	if t == nil || !t.pooled {
		return
	}
	b.putBuffer(t.flat)
	t.flat = nil
	t.pooled = false
}
