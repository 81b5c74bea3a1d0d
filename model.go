// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package menoh

import (
	"context"
	"sync"

	"github.com/gomlx/menoh/backends"
	"github.com/gomlx/menoh/pkg/core/onnx"
	"github.com/gomlx/menoh/pkg/core/profile"
	"github.com/gomlx/menoh/pkg/support/xsync"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	// Registers the default engines.
	_ "github.com/gomlx/menoh/backends/default"
)

// Model is a graph compiled by an engine, with its bound input buffers, ready to run.
//
// Input values are set with SetInputData, Run executes the forward pass asynchronously, and the
// results are read with GetOutput. SetInputData and GetOutput must not be called while a run is in
// flight on the same Model.
//
// It is safe for concurrent use, but only one run can be in flight at a time.
type Model struct {
	id             uuid.UUID
	backendName    string
	backendVersion string

	backend backends.Backend
	engine  backends.Model
	table   *profile.Table

	// releaseBackend drops the reference to the backend shared with the builder.
	releaseBackend func()

	inputNames, outputNames []string
	inputs                  map[string]*TensorBuffer

	mu        sync.Mutex
	running   bool
	finalized bool
	numRuns   int
}

// Output is a copy of an output variable.
type Output struct {
	Data []float32
	Dims []int
}

// newModel compiles model with backend. release is called to drop the reference to backend,
// either when the model is finalized or right away if the build fails.
func newModel(model *onnx.ModelProto, table *profile.Table, name string, backend backends.Backend, release func()) (*Model, error) {
	m := &Model{
		id:             uuid.New(),
		backendName:    name,
		backendVersion: backend.Version(),
		backend:        backend,
		releaseBackend: release,
		table:          table,
		inputNames:     table.Inputs(),
		outputNames:    table.Outputs(),
		inputs:         make(map[string]*TensorBuffer),
	}
	if err := m.setUp(model); err != nil {
		release()
		return nil, withKind(ErrBackendBuild, err)
	}
	klog.V(1).Infof("model %s: built graph %q with backend %q %s (inputs %q, outputs %q)",
		m.id, model.Graph.Name, name, m.backendVersion, m.inputNames, m.outputNames)
	return m, nil
}

// setUp allocates and attaches the input buffers, and builds the engine model.
// On failure all buffers allocated are released.
func (m *Model) setUp(model *onnx.ModelProto) error {
	engineBuilder, err := m.backend.NewModelBuilder(m.table)
	if err != nil {
		return err
	}
	defer engineBuilder.Finalize()
	for _, name := range m.inputNames {
		shape, err := m.table.Shape(name)
		if err != nil {
			m.releaseBuffers()
			return err
		}
		buffer := buffers.allocate(name, shape)
		m.inputs[name] = buffer
		if err := engineBuilder.AttachExternalBuffer(name, buffer.data); err != nil {
			m.releaseBuffers()
			return err
		}
	}
	m.engine, err = engineBuilder.Build(model)
	if err != nil {
		m.releaseBuffers()
		return err
	}
	return nil
}

func (m *Model) releaseBuffers() {
	for _, buffer := range m.inputs {
		buffers.release(buffer)
	}
	m.inputs = nil
}

// checkAlive must be called with the lock held.
func (m *Model) checkAlive() error {
	if m.finalized {
		return errors.Wrapf(ErrInvalidState, "model %s already finalized", m.id)
	}
	return nil
}

// input must be called with the lock held.
func (m *Model) input(name string) (*TensorBuffer, error) {
	if err := m.checkAlive(); err != nil {
		return nil, err
	}
	buffer, found := m.inputs[name]
	if !found {
		return nil, errors.Wrapf(ErrUnknownVariable, "%q is not a declared input", name)
	}
	return buffer, nil
}

// Input returns the buffer bound to the input variable name.
func (m *Model) Input(name string) (*TensorBuffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.input(name)
}

// SetInputData copies values into the buffer of the input variable name. The number of values must
// match exactly the size of the variable, otherwise it fails with ErrLengthMismatch.
func (m *Model) SetInputData(name string, values []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buffer, err := m.input(name)
	if err != nil {
		return err
	}
	return buffer.CopyFrom(values)
}

// Run starts the forward pass asynchronously, and returns a Future resolved when it finishes.
// If it fails, the Future error matches ErrRun and carries the engine message.
//
// It fails immediately with ErrAlreadyRunning if a run is already in flight.
func (m *Model) Run() (*xsync.Future[struct{}], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAlive(); err != nil {
		return nil, err
	}
	if m.running {
		return nil, errors.Wrapf(ErrAlreadyRunning, "model %s", m.id)
	}
	m.running = true
	engine := m.engine
	klog.V(2).Infof("model %s: run #%d started", m.id, m.numRuns+1)
	return dispatch(defaultGateway, &m.mu,
		func() (struct{}, error) {
			return struct{}{}, engine.Run()
		},
		func(_ struct{}, err error) (struct{}, error) {
			m.running = false
			m.numRuns++
			if err != nil {
				return struct{}{}, withKind(ErrRun, err)
			}
			klog.V(2).Infof("model %s: run #%d finished", m.id, m.numRuns)
			return struct{}{}, nil
		}), nil
}

// RunWithCallback starts the forward pass asynchronously, and calls callback exactly once with its
// result. When callback is called the model is no longer running, so it can read the outputs and
// start a new run.
func (m *Model) RunWithCallback(callback func(err error)) error {
	future, err := m.Run()
	if err != nil {
		return err
	}
	future.Then(func(_ struct{}, err error) { callback(err) })
	return nil
}

// RunSync runs the forward pass and waits for it to finish. If ctx is done first it returns
// ctx.Err(), but the run continues in the background.
func (m *Model) RunSync(ctx context.Context) error {
	future, err := m.Run()
	if err != nil {
		return err
	}
	_, err = future.WaitContext(ctx)
	return err
}

// IsRunning returns whether a run is in flight.
func (m *Model) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// NumRuns returns the number of completed runs, successful or not.
func (m *Model) NumRuns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numRuns
}

// GetOutput returns a copy of the values and the dimensions of the output variable name.
func (m *Model) GetOutput(name string) (Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAlive(); err != nil {
		return Output{}, err
	}
	if !m.table.IsOutput(name) {
		return Output{}, errors.Wrapf(ErrUnknownVariable, "%q is not a declared output", name)
	}
	dims, err := m.engine.VariableDims(name)
	if err != nil {
		return Output{}, ensureKind(ErrUnknownVariable, err)
	}
	data, err := m.engine.VariableBuffer(name)
	if err != nil {
		return Output{}, ensureKind(ErrUnknownVariable, err)
	}
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	if len(data) < size {
		return Output{}, errors.Errorf("engine buffer for %q has %d elements, but its dimensions %v require %d",
			name, len(data), dims, size)
	}
	output := Output{
		Data: make([]float32, size),
		Dims: dims,
	}
	copy(output.Data, data)
	return output, nil
}

// Finalize releases the input buffers and the engine resources, including the backend if no
// other model of the same builder uses it. It fails with ErrResourceBusy if
// a run is in flight, and it is a no-op if the model was already finalized.
func (m *Model) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return nil
	}
	if m.running {
		return errors.Wrapf(ErrResourceBusy, "model %s can't be finalized while running", m.id)
	}
	m.finalized = true
	m.releaseBuffers()
	m.engine.Finalize()
	m.engine = nil
	m.backend = nil
	m.releaseBackend()
	klog.V(1).Infof("model %s finalized after %d runs", m.id, m.numRuns)
	return nil
}

// ID returns the unique id of the model, used in the logs.
func (m *Model) ID() uuid.UUID { return m.id }

// Backend returns the name of the engine the model was built with.
func (m *Model) Backend() string { return m.backendName }

// BackendVersion returns the version reported by the engine the model was built with.
func (m *Model) BackendVersion() string { return m.backendVersion }

// InputNames returns the input variable names, in declaration order.
func (m *Model) InputNames() []string { return m.table.Inputs() }

// OutputNames returns the output variable names, in declaration order.
func (m *Model) OutputNames() []string { return m.table.Outputs() }
