// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package profile

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/menoh/pkg/core/onnx"
	"github.com/gomlx/menoh/pkg/core/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Build resolves the declarations against the graph and returns the profile table.
//
// Shapes are resolved in priority order: declared input shapes, initializer shapes, shapes
// propagated through the operators and, for operators without a propagation rule, the static
// shapes annotated in the graph (value_info and graph outputs).
//
// Only the nodes needed to compute the declared outputs are resolved. Any failure wraps
// ErrProfileBuild. The builder is not modified, so Build can be retried after fixing the declarations.
func (b *TableBuilder) Build(graph *onnx.GraphProto) (*Table, error) {
	if graph == nil {
		return nil, errors.Wrap(ErrProfileBuild, "no graph")
	}
	t := &Table{
		declared: make(map[string]shapes.Shape, len(b.declarations)),
		inferred: make(map[string]shapes.Shape),
		inputs:   b.InputNames(),
		outputs:  b.OutputNames(),
	}
	initializers := graph.InitializerMap()

	// Declared inputs: must be graph inputs with compatible shapes.
	for _, decl := range b.declarations {
		if decl.Role != RoleInput {
			continue
		}
		if err := checkGraphInput(graph, initializers, decl); err != nil {
			return nil, err
		}
		t.declared[decl.Name] = decl.Shape.Clone()
		t.inferred[decl.Name] = decl.Shape.Clone()
	}

	// Initializers.
	for name, tensor := range initializers {
		if _, found := t.inferred[name]; found {
			// Declared inputs override initializers (they act as default values).
			continue
		}
		dims := tensor.DimsInt()
		if err := shapes.Validate(dims); err != nil {
			return nil, errors.Wrapf(ErrProfileBuild, "initializer %q: %v", name, err)
		}
		t.inferred[name] = shapes.Make(dtypeOf(tensor.DataType), dims...)
	}

	sorted, err := graph.SortedNodes()
	if err != nil {
		return nil, errors.Wrap(ErrProfileBuild, err.Error())
	}
	needed, err := b.neededNodes(graph, t.inferred)
	if err != nil {
		return nil, err
	}
	resolver := &resolver{graph: graph, shapes: t.inferred, constants: initializers}
	for _, node := range sorted {
		if !needed[node] {
			continue
		}
		if err := resolver.resolve(node); err != nil {
			return nil, errors.Wrapf(ErrProfileBuild, "node %q (%s): %v", node.Name, node.OpType, err)
		}
	}

	for _, name := range t.outputs {
		shape, found := t.inferred[name]
		if !found {
			return nil, errors.Wrapf(ErrProfileBuild, "output %q is not produced by the graph", name)
		}
		t.declared[name] = shape.Clone()
	}
	klog.V(1).Infof("profile: table built with %d inputs, %d outputs, %d values resolved",
		len(t.inputs), len(t.outputs), len(t.inferred))
	return t, nil
}

func checkGraphInput(graph *onnx.GraphProto, initializers map[string]*onnx.TensorProto, decl Declaration) error {
	input := graph.Input(decl.Name)
	if input == nil {
		if _, isInitializer := initializers[decl.Name]; isInitializer {
			return errors.Wrapf(ErrProfileBuild, "input %q is an initializer, not a graph input", decl.Name)
		}
		return errors.Wrapf(ErrProfileBuild, "input %q is not an input of the graph", decl.Name)
	}
	if elemType := input.ElemType(); elemType != onnx.DataTypeUndefined && elemType != onnx.DataTypeFloat {
		return errors.Wrapf(ErrProfileBuild, "input %q has element type %s in the graph, only FLOAT is supported",
			decl.Name, elemType)
	}
	graphDims, hasShape := input.Dims()
	if !hasShape {
		return nil
	}
	if len(graphDims) != decl.Shape.Rank() {
		return errors.Wrapf(ErrProfileBuild, "input %q declared with shape %s, but the graph expects rank %d (dims=%v)",
			decl.Name, decl.Shape, len(graphDims), graphDims)
	}
	for axis, dim := range graphDims {
		if dim > 0 && dim != decl.Shape.Dimensions[axis] {
			return errors.Wrapf(ErrProfileBuild, "input %q declared with shape %s, but the graph expects dimension %d at axis %d",
				decl.Name, decl.Shape, dim, axis)
		}
	}
	return nil
}

// neededNodes walks back from the declared outputs to the nodes required to compute them.
func (b *TableBuilder) neededNodes(graph *onnx.GraphProto, known map[string]shapes.Shape) (map[*onnx.NodeProto]bool, error) {
	producers := graph.Producers()
	needed := make(map[*onnx.NodeProto]bool)
	visited := make(map[string]bool)
	var visit func(name string) error
	visit = func(name string) error {
		if name == "" || visited[name] {
			return nil
		}
		visited[name] = true
		node, found := producers[name]
		if !found {
			if _, isKnown := known[name]; isKnown {
				return nil
			}
			if graph.Input(name) != nil {
				return errors.Wrapf(ErrProfileBuild, "graph input %q is required by the declared outputs but was not declared", name)
			}
			// Not produced: reported as a missing output, or as a missing node input.
			return nil
		}
		if needed[node] {
			return nil
		}
		needed[node] = true
		for _, input := range node.Inputs {
			if err := visit(input); err != nil {
				return err
			}
		}
		return nil
	}
	for _, decl := range b.declarations {
		if decl.Role == RoleOutput {
			if err := visit(decl.Name); err != nil {
				return nil, err
			}
		}
	}
	return needed, nil
}

// dtypeOf converts ONNX element types to dtypes.
func dtypeOf(dt onnx.DataType) dtypes.DType {
	switch dt {
	case onnx.DataTypeFloat16:
		return dtypes.Float16
	case onnx.DataTypeDouble:
		return dtypes.Float64
	case onnx.DataTypeInt8:
		return dtypes.Int8
	case onnx.DataTypeUint8:
		return dtypes.Uint8
	case onnx.DataTypeInt32:
		return dtypes.Int32
	case onnx.DataTypeInt64:
		return dtypes.Int64
	case onnx.DataTypeBool:
		return dtypes.Bool
	}
	return dtypes.Float32
}
