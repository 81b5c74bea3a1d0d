// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package generic

import (
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/menoh/backends"
	"github.com/gomlx/menoh/pkg/core/onnx"
	"github.com/gomlx/menoh/pkg/core/profile"
	"github.com/pkg/errors"
)

// step of the execution: one node and its kernel, bound to its input and output tensors.
type step struct {
	node   *onnx.NodeProto
	kernel kernel
}

// Model implements backends.Model for the generic engine.
type Model struct {
	backend *Backend
	table   *profile.Table

	// values hold the tensors of every value available during execution, by name.
	values map[string]*tensor

	// owned tensors are released to the backend pool on Finalize.
	owned []*tensor
	steps []step

	// mu serializes runs, and protects finalized.
	mu        sync.Mutex
	finalized bool
}

// Compile-time check.
var _ backends.Model = (*Model)(nil)

// NumSteps returns the number of kernels executed by Run.
func (m *Model) NumSteps() int { return len(m.steps) }

// VariableBuffer implements backends.Model.
func (m *Model) VariableBuffer(name string) ([]float32, error) {
	t, err := m.variable(name)
	if err != nil {
		return nil, err
	}
	return t.flat, nil
}

// VariableDims implements backends.Model.
func (m *Model) VariableDims(name string) ([]int, error) {
	t, err := m.variable(name)
	if err != nil {
		return nil, err
	}
	return slices.Clone(t.shape.Dimensions), nil
}

func (m *Model) variable(name string) (*tensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return nil, errors.New("model already finalized")
	}
	t, found := m.values[name]
	if !found {
		return nil, errors.Wrapf(backends.ErrUnknownVariable, "%q", name)
	}
	return t, nil
}

// Run implements backends.Model. Concurrent calls are serialized.
func (m *Model) Run() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return errors.New("model already finalized")
	}
	current := -1
	err := exceptions.TryCatch[error](func() {
		for ii, s := range m.steps {
			current = ii
			s.kernel()
		}
	})
	if err != nil {
		if current < 0 {
			return err
		}
		node := m.steps[current].node
		return errors.WithMessagef(err, "while executing node %q (%s)", node.Name, node.OpType)
	}
	return nil
}

// Finalize implements backends.Model. Engine-owned buffers are returned to the backend pool.
func (m *Model) Finalize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return
	}
	m.finalized = true
	for _, t := range m.owned {
		m.backend.releaseTensor(t)
	}
	m.owned = nil
	m.values = nil
	m.steps = nil
}
