// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package menoh

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gomlx/menoh/backends"
	"github.com/gomlx/menoh/pkg/core/onnx"
	"github.com/gomlx/menoh/pkg/core/profile"
	"github.com/pkg/errors"
)

// testEngineName is an engine that copies its first input into its first output.
//
// Configuration options (comma-separated):
//   - "gated": Run blocks until a value is received from testEngineGate.
//   - "fail": Run fails with the message "engine exploded".
const testEngineName = "test-engine"

var testEngineGate = make(chan struct{})

func init() {
	backends.Register(testEngineName, func(config string) (backends.Backend, error) {
		e := &testEngine{}
		for _, option := range strings.Split(config, ",") {
			switch strings.TrimSpace(option) {
			case "":
			case "gated":
				e.gated = true
			case "fail":
				e.fail = true
			default:
				return nil, errors.Errorf("unknown option %q", option)
			}
		}
		return e, nil
	})
}

type testEngine struct {
	gated, fail  bool
	numFinalized atomic.Int32
}

func (e *testEngine) Name() string        { return testEngineName }
func (e *testEngine) Description() string { return "test engine" }
func (e *testEngine) Version() string     { return "1.2.3" }
func (e *testEngine) Finalize()           { e.numFinalized.Add(1) }

func (e *testEngine) NewModelBuilder(table *profile.Table) (backends.ModelBuilder, error) {
	return &testEngineModel{
		engine:  e,
		table:   table,
		buffers: make(map[string][]float32),
	}, nil
}

type testEngineModel struct {
	engine  *testEngine
	table   *profile.Table
	mu      sync.Mutex
	buffers map[string][]float32
}

func (m *testEngineModel) AttachExternalBuffer(name string, buffer []float32) error {
	if !m.table.IsInput(name) {
		return errors.Wrapf(backends.ErrUnknownVariable, "%q", name)
	}
	m.buffers[name] = buffer
	return nil
}

func (m *testEngineModel) Build(_ *onnx.ModelProto) (backends.Model, error) {
	model := &testEngineModel{
		engine:  m.engine,
		table:   m.table,
		buffers: make(map[string][]float32),
	}
	for name, buffer := range m.buffers {
		model.buffers[name] = buffer
	}
	for _, name := range m.table.Outputs() {
		size, err := m.table.Size(name)
		if err != nil {
			return nil, err
		}
		model.buffers[name] = make([]float32, size)
	}
	return model, nil
}

func (m *testEngineModel) VariableBuffer(name string) ([]float32, error) {
	buffer, found := m.buffers[name]
	if !found {
		return nil, errors.Wrapf(backends.ErrUnknownVariable, "%q", name)
	}
	return buffer, nil
}

func (m *testEngineModel) VariableDims(name string) ([]int, error) {
	if _, found := m.buffers[name]; !found {
		return nil, errors.Wrapf(backends.ErrUnknownVariable, "%q", name)
	}
	return m.table.Dims(name)
}

func (m *testEngineModel) Run() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.engine.gated {
		<-testEngineGate
	}
	if m.engine.fail {
		return errors.New("engine exploded")
	}
	input := m.buffers[m.table.Inputs()[0]]
	output := m.buffers[m.table.Outputs()[0]]
	copy(output, input)
	return nil
}

func (m *testEngineModel) Finalize() {}
