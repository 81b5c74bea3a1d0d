// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package generic

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/menoh/backends"
	"github.com/gomlx/menoh/pkg/core/onnx"
	"github.com/gomlx/menoh/pkg/core/profile"
	"github.com/gomlx/menoh/pkg/core/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ModelBuilder implements backends.ModelBuilder for the generic engine.
type ModelBuilder struct {
	backend *Backend
	table   *profile.Table

	mu        sync.Mutex
	attached  map[string][]float32
	finalized bool
}

// Compile-time check.
var _ backends.ModelBuilder = (*ModelBuilder)(nil)

// AttachExternalBuffer implements backends.ModelBuilder.
//
// Only declared inputs can have external buffers, and the buffer length must match the number of
// elements of the variable.
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

// Build implements backends.ModelBuilder. It can be called more than once: each Model gets its own
// intermediate and output buffers, but they all share the attached input buffers.
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
		backend: mb.backend,
		table:   mb.table,
		values:  make(map[string]*tensor),
	}
	if err := mb.compile(m, model); err != nil {
		m.Finalize()
		return nil, err
	}
	var memory uint64
	for _, t := range m.owned {
		memory += uint64(t.shape.Memory())
	}
	klog.V(1).Infof("generic: built model %q with %d steps, %s of engine-owned buffers",
		model.Graph.Name, len(m.steps), humanize.Bytes(memory))
	return m, nil
}

// compile binds the values of the graph to tensors, and a kernel to each node.
func (mb *ModelBuilder) compile(m *Model, model *onnx.ModelProto) error {
	graph := model.Graph
	for name, buffer := range mb.attached {
		shape, err := mb.table.Shape(name)
		if err != nil {
			return err
		}
		m.values[name] = &tensor{shape: shape, flat: buffer}
	}
	for _, initializer := range graph.Initializers {
		if _, found := m.values[initializer.Name]; found {
			// Attached buffers override initializers.
			continue
		}
		dims := initializer.DimsInt()
		if shapes.Validate(dims) != nil {
			klog.V(2).Infof("generic: skipping initializer %q with invalid dims %v", initializer.Name, dims)
			continue
		}
		flat, err := initializer.Float32s()
		if err != nil {
			return errors.WithMessagef(err, "initializer %q", initializer.Name)
		}
		m.values[initializer.Name] = &tensor{shape: shapes.Float32(dims...), flat: flat}
	}

	nodes, err := graph.SortedNodes()
	if err != nil {
		return err
	}
	opset := model.OpsetVersion()
	for _, node := range nodes {
		step, err := mb.compileNode(m, node, opset)
		if err != nil {
			return errors.WithMessagef(err, "node %q (%s)", node.Name, node.OpType)
		}
		m.steps = append(m.steps, step)
	}

	for _, name := range mb.table.Outputs() {
		if _, found := m.values[name]; !found {
			return errors.Errorf("output %q is not computed by the graph", name)
		}
	}
	return nil
}

func (mb *ModelBuilder) compileNode(m *Model, node *onnx.NodeProto, opset int64) (step, error) {
	build, found := opBuilders[node.OpType]
	if !found || (node.Domain != "" && node.Domain != onnx.DefaultDomain) {
		return step{}, errors.Wrapf(backends.ErrNotImplemented, "operator %q (domain %q) is not supported by the %s engine",
			node.OpType, node.Domain, BackendName)
	}
	ctx := &opContext{
		backend: mb.backend,
		node:    node,
		opset:   opset,
		inputs:  make([]*tensor, len(node.Inputs)),
		outputs: make([]*tensor, len(node.Outputs)),
	}
	for ii, name := range node.Inputs {
		if name == "" {
			continue
		}
		t, found := m.values[name]
		if !found {
			return step{}, errors.Errorf("input %q is not available: it has no attached buffer, or its dtype is not supported", name)
		}
		ctx.inputs[ii] = t
	}
	for ii, name := range node.Outputs {
		if name == "" {
			continue
		}
		shape, found := mb.table.Inferred(name)
		if !found {
			return step{}, errors.Errorf("shape of output %q is unknown", name)
		}
		if shape.DType != dtypes.Float32 {
			if ii == 0 {
				return step{}, errors.Wrapf(backends.ErrNotImplemented, "output %q has dtype %s, only Float32 is supported", name, shape.DType)
			}
			// Secondary outputs (masks and indices) are only computed if float.
			continue
		}
		t := mb.backend.newTensor(shape)
		m.values[name] = t
		m.owned = append(m.owned, t)
		ctx.outputs[ii] = t
	}
	kernel, err := build(ctx)
	if err != nil {
		return step{}, err
	}
	return step{node: node, kernel: kernel}, nil
}

// Finalize implements backends.ModelBuilder. The attached buffers are forgotten, but models already
// built keep their references.
func (mb *ModelBuilder) Finalize() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.finalized = true
	mb.attached = nil
}
