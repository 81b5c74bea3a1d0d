//go:build cgo

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ort

import (
	"sync"

	"github.com/gomlx/menoh/backends"
	"github.com/gomlx/menoh/pkg/core/onnx"
	"github.com/gomlx/menoh/pkg/core/profile"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"k8s.io/klog/v2"
)

// ModelBuilder implements backends.ModelBuilder for ONNX Runtime.
type ModelBuilder struct {
	backend *Backend
	table   *profile.Table

	mu        sync.Mutex
	attached  map[string][]float32
	finalized bool
}

// Compile-time check.
var _ backends.ModelBuilder = (*ModelBuilder)(nil)

// AttachExternalBuffer implements backends.ModelBuilder. The buffer becomes the backing memory of
// the session input tensor, so no copy is made at run time.
func (mb *ModelBuilder) AttachExternalBuffer(name string, buffer []float32) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.finalized {
		return errors.New("ModelBuilder already finalized")
	}
	if !mb.table.IsInput(name) {
		return errors.Wrapf(backends.ErrUnknownVariable, "cannot attach a buffer to %q, it is not a declared input", name)
	}
	size, err := mb.table.Size(name)
	if err != nil {
		return err
	}
	if len(buffer) != size {
		return errors.Errorf("buffer attached to %q has %d elements, but the variable requires %d", name, len(buffer), size)
	}
	mb.attached[name] = buffer
	return nil
}

func toShape(dims []int) ort.Shape {
	shape := make([]int64, len(dims))
	for ii, dim := range dims {
		shape[ii] = int64(dim)
	}
	return ort.NewShape(shape...)
}

// Build implements backends.ModelBuilder: the model is serialized and a new session is created.
//
// The graph inputs must all have attached buffers, and the graph outputs are the ones fetched
// from the session.
func (mb *ModelBuilder) Build(model *onnx.ModelProto) (backends.Model, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.finalized {
		return nil, errors.New("ModelBuilder already finalized")
	}
	if model == nil || model.Graph == nil {
		return nil, errors.New("model has no graph")
	}
	m := &Model{
		inputs:  make(map[string]*ort.Tensor[float32]),
		outputs: make(map[string]*ort.Tensor[float32]),
	}
	var inputNames, outputNames []string
	var inputValues, outputValues []ort.Value
	initializers := model.Graph.InitializerMap()
	for _, vi := range model.Graph.Inputs {
		if _, isInitializer := initializers[vi.Name]; isInitializer {
			continue
		}
		buffer, found := mb.attached[vi.Name]
		if !found {
			m.Finalize()
			return nil, errors.Errorf("graph input %q has no attached buffer", vi.Name)
		}
		dims, err := mb.table.Dims(vi.Name)
		if err != nil {
			m.Finalize()
			return nil, err
		}
		tensor, err := ort.NewTensor(toShape(dims), buffer)
		if err != nil {
			m.Finalize()
			return nil, errors.Wrapf(err, "failed to create tensor for input %q", vi.Name)
		}
		m.inputs[vi.Name] = tensor
		inputNames = append(inputNames, vi.Name)
		inputValues = append(inputValues, tensor)
	}
	for _, vi := range model.Graph.Outputs {
		shape, found := mb.table.Inferred(vi.Name)
		if !found {
			m.Finalize()
			return nil, errors.Errorf("shape of graph output %q is unknown", vi.Name)
		}
		tensor, err := ort.NewEmptyTensor[float32](toShape(shape.Dimensions))
		if err != nil {
			m.Finalize()
			return nil, errors.Wrapf(err, "failed to create tensor for output %q", vi.Name)
		}
		m.outputs[vi.Name] = tensor
		outputNames = append(outputNames, vi.Name)
		outputValues = append(outputValues, tensor)
	}

	options, err := mb.backend.newSessionOptions()
	if err != nil {
		m.Finalize()
		return nil, err
	}
	if options != nil {
		defer func() { _ = options.Destroy() }()
	}
	data := onnx.Marshal(model)
	m.session, err = ort.NewAdvancedSessionWithONNXData(data, inputNames, outputNames, inputValues, outputValues, options)
	if err != nil {
		m.Finalize()
		return nil, errors.Wrap(err, "failed to create ONNX Runtime session")
	}
	klog.V(1).Infof("onnxruntime: created session for %q with inputs %q and outputs %q", model.Graph.Name, inputNames, outputNames)
	return m, nil
}

// Finalize implements backends.ModelBuilder.
func (mb *ModelBuilder) Finalize() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.finalized = true
	mb.attached = nil
}

// Model implements backends.Model with an ONNX Runtime session.
type Model struct {
	session *ort.AdvancedSession
	inputs  map[string]*ort.Tensor[float32]
	outputs map[string]*ort.Tensor[float32]

	mu        sync.Mutex
	finalized bool
}

// Compile-time check.
var _ backends.Model = (*Model)(nil)

func (m *Model) tensor(name string) (*ort.Tensor[float32], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return nil, errors.New("model already finalized")
	}
	if t, found := m.inputs[name]; found {
		return t, nil
	}
	if t, found := m.outputs[name]; found {
		return t, nil
	}
	return nil, errors.Wrapf(backends.ErrUnknownVariable, "%q", name)
}

// VariableBuffer implements backends.Model.
func (m *Model) VariableBuffer(name string) ([]float32, error) {
	t, err := m.tensor(name)
	if err != nil {
		return nil, err
	}
	return t.GetData(), nil
}

// VariableDims implements backends.Model.
func (m *Model) VariableDims(name string) ([]int, error) {
	t, err := m.tensor(name)
	if err != nil {
		return nil, err
	}
	shape := t.GetShape()
	dims := make([]int, len(shape))
	for ii, dim := range shape {
		dims[ii] = int(dim)
	}
	return dims, nil
}

// Run implements backends.Model. Concurrent calls are serialized.
func (m *Model) Run() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return errors.New("model already finalized")
	}
	if err := m.session.Run(); err != nil {
		return errors.Wrap(err, "onnxruntime session failed")
	}
	return nil
}

// Finalize implements backends.Model.
func (m *Model) Finalize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return
	}
	m.finalized = true
	if m.session != nil {
		if err := m.session.Destroy(); err != nil {
			klog.Warningf("onnxruntime: failed to destroy session: %+v", err)
		}
		m.session = nil
	}
	for _, tensors := range []map[string]*ort.Tensor[float32]{m.inputs, m.outputs} {
		for name, t := range tensors {
			if err := t.Destroy(); err != nil {
				klog.Warningf("onnxruntime: failed to destroy tensor %q: %+v", name, err)
			}
		}
	}
	m.inputs, m.outputs = nil, nil
}
