// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package menoh

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/menoh/pkg/core/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Ownership of a TensorBuffer.
type Ownership int

const (
	// Attached buffers are allocated by the runtime and handed to the engine as inputs. They are
	// released by the Model that owns them.
	Attached Ownership = iota

	// BackendOwned buffers (outputs) live in the engine, and are released with the engine model.
	BackendOwned
)

// String implements fmt.Stringer.
func (o Ownership) String() string {
	switch o {
	case Attached:
		return "Attached"
	case BackendOwned:
		return "BackendOwned"
	}
	return "Unknown"
}

// TensorBuffer is a contiguous block of float32 values of exactly one named variable.
//
// Its number of elements never changes: setting new values overwrites it in place.
type TensorBuffer struct {
	name  string
	shape shapes.Shape
	data  []float32
	owner Ownership
}

// Name of the variable the buffer holds.
func (b *TensorBuffer) Name() string { return b.name }

// Shape of the variable.
func (b *TensorBuffer) Shape() shapes.Shape { return b.shape.Clone() }

// Len returns the number of elements of the buffer.
func (b *TensorBuffer) Len() int { return len(b.data) }

// Owner of the buffer.
func (b *TensorBuffer) Owner() Ownership { return b.owner }

// Data returns the underlying values, not a copy: it's only valid while the owning Model is alive,
// and it must not be changed while a run is in flight.
func (b *TensorBuffer) Data() []float32 { return b.data }

// CopyFrom overwrites the buffer with values, which must have exactly Len elements.
func (b *TensorBuffer) CopyFrom(values []float32) error {
	if b.data == nil {
		return errors.Wrapf(ErrInvalidState, "buffer for %q was released", b.name)
	}
	if len(values) != len(b.data) {
		return errors.Wrapf(ErrLengthMismatch, "variable %q of shape %s requires %d values, got %d",
			b.name, b.shape, len(b.data), len(values))
	}
	copy(b.data, values)
	return nil
}

// bufferManager allocates the attached buffers, and keeps account of the live ones.
type bufferManager struct {
	mu        sync.Mutex
	live      int
	liveBytes uint64
}

var buffers bufferManager

// allocate a zero-initialized Attached buffer for the variable name.
func (m *bufferManager) allocate(name string, shape shapes.Shape) *TensorBuffer {
	b := &TensorBuffer{
		name:  name,
		shape: shape.Clone(),
		data:  make([]float32, shape.Size()),
		owner: Attached,
	}
	memory := uint64(shape.Memory())
	m.mu.Lock()
	m.live++
	m.liveBytes += memory
	m.mu.Unlock()
	klog.V(2).Infof("allocated buffer for %q %s (%s)", name, shape, humanize.Bytes(memory))
	return b
}

// release the buffer. It is a no-op if it was already released.
func (m *bufferManager) release(b *TensorBuffer) {
	if b == nil || b.data == nil {
		return
	}
	memory := uint64(b.shape.Memory())
	b.data = nil
	m.mu.Lock()
	m.live--
	m.liveBytes -= memory
	m.mu.Unlock()
	klog.V(2).Infof("released buffer for %q (%s)", b.name, humanize.Bytes(memory))
}

// LiveBuffers returns the number of attached buffers currently allocated, and their total size in bytes.
func LiveBuffers() (count int, bytes uint64) {
	buffers.mu.Lock()
	defer buffers.mu.Unlock()
	return buffers.live, buffers.liveBytes
}
