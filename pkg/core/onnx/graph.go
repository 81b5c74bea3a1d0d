// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package onnx

import (
	"fmt"

	"github.com/pkg/errors"
)

// DefaultDomain is the alias of the default ("") operator set domain.
const DefaultDomain = "ai.onnx"

// OpsetVersion returns the version of the default operator set imported by the model, or 0 if
// the model doesn't import it.
func (m *ModelProto) OpsetVersion() int64 {
	for _, opset := range m.OpsetImport {
		if opset.Domain == "" || opset.Domain == DefaultDomain {
			return opset.Version
		}
	}
	return 0
}

// String returns a one-line summary of the model.
func (m *ModelProto) String() string {
	numNodes := 0
	if m.Graph != nil {
		numNodes = len(m.Graph.Nodes)
	}
	return fmt.Sprintf("ONNX model (ir_version=%d, opset=%d, producer=%q %s, %d nodes)",
		m.IRVersion, m.OpsetVersion(), m.ProducerName, m.ProducerVersion, numNodes)
}

// InitializerMap returns the initializers indexed by name.
func (g *GraphProto) InitializerMap() map[string]*TensorProto {
	initializers := make(map[string]*TensorProto, len(g.Initializers))
	for _, t := range g.Initializers {
		initializers[t.Name] = t
	}
	return initializers
}

// Input returns the graph input with the given name, or nil.
func (g *GraphProto) Input(name string) *ValueInfoProto {
	return findValueInfo(g.Inputs, name)
}

// Output returns the graph output with the given name, or nil.
func (g *GraphProto) Output(name string) *ValueInfoProto {
	return findValueInfo(g.Outputs, name)
}

// ValueInfoFor returns the ValueInfo for any named value (inputs, outputs or intermediate), or nil.
func (g *GraphProto) ValueInfoFor(name string) *ValueInfoProto {
	if vi := findValueInfo(g.ValueInfo, name); vi != nil {
		return vi
	}
	if vi := findValueInfo(g.Outputs, name); vi != nil {
		return vi
	}
	return findValueInfo(g.Inputs, name)
}

func findValueInfo(values []*ValueInfoProto, name string) *ValueInfoProto {
	for _, vi := range values {
		if vi.Name == name {
			return vi
		}
	}
	return nil
}

// Producers maps each value name to the node that produces it.
func (g *GraphProto) Producers() map[string]*NodeProto {
	producers := make(map[string]*NodeProto)
	for _, node := range g.Nodes {
		for _, output := range node.Outputs {
			if output != "" {
				producers[output] = node
			}
		}
	}
	return producers
}

// SortedNodes returns the nodes of the graph in topological order: every node comes after the
// producers of its inputs. Values not produced by any node (graph inputs, initializers) impose no
// ordering.
//
// It returns an error if the graph has a cycle.
func (g *GraphProto) SortedNodes() ([]*NodeProto, error) {
	producerIdx := make(map[string]int, len(g.Nodes))
	for i, node := range g.Nodes {
		for _, output := range node.Outputs {
			if output != "" {
				producerIdx[output] = i
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(g.Nodes))
	sorted := make([]*NodeProto, 0, len(g.Nodes))
	var visit func(i int) error
	visit = func(i int) error {
		switch state[i] {
		case done:
			return nil
		case visiting:
			return errors.Errorf("graph has a cycle through node %q (%s)", g.Nodes[i].Name, g.Nodes[i].OpType)
		}
		state[i] = visiting
		for _, input := range g.Nodes[i].Inputs {
			if depIdx, found := producerIdx[input]; found {
				if err := visit(depIdx); err != nil {
					return err
				}
			}
		}
		state[i] = done
		sorted = append(sorted, g.Nodes[i])
		return nil
	}
	for i := range g.Nodes {
		if err := visit(i); err != nil {
			return nil, err
		}
	}
	return sorted, nil
}

// ElemType returns the element type of the value, or DataTypeUndefined if it's not a tensor.
func (vi *ValueInfoProto) ElemType() DataType {
	if vi.Type == nil || vi.Type.TensorType == nil {
		return DataTypeUndefined
	}
	return vi.Type.TensorType.ElemType
}

// Dims returns the declared dimensions of the value: -1 is used for symbolic or unknown
// dimensions. hasShape is false if the value has no shape information at all.
func (vi *ValueInfoProto) Dims() (dims []int, hasShape bool) {
	if vi.Type == nil || vi.Type.TensorType == nil || vi.Type.TensorType.Shape == nil {
		return nil, false
	}
	dims = make([]int, len(vi.Type.TensorType.Shape.Dims))
	for axis, dim := range vi.Type.TensorType.Shape.Dims {
		if dim.DimParam != "" || dim.DimValue <= 0 {
			dims[axis] = -1
		} else {
			dims[axis] = int(dim.DimValue)
		}
	}
	return dims, true
}

// StaticDims returns the dimensions of the value if its shape is fully known.
func (vi *ValueInfoProto) StaticDims() ([]int, bool) {
	dims, hasShape := vi.Dims()
	if !hasShape {
		return nil, false
	}
	for _, dim := range dims {
		if dim < 0 {
			return nil, false
		}
	}
	return dims, true
}

// NewValueInfo creates a float32 tensor ValueInfo. Dimensions <= 0 are written as symbolic
// dimensions named after the value and axis.
func NewValueInfo(name string, dims ...int) *ValueInfoProto {
	shape := &TensorShapeProto{Dims: make([]*DimensionProto, len(dims))}
	for axis, dim := range dims {
		if dim > 0 {
			shape.Dims[axis] = &DimensionProto{DimValue: int64(dim)}
		} else {
			shape.Dims[axis] = &DimensionProto{DimParam: fmt.Sprintf("%s_%d", name, axis)}
		}
	}
	return &ValueInfoProto{
		Name: name,
		Type: &TypeProto{TensorType: &TensorTypeProto{ElemType: DataTypeFloat, Shape: shape}},
	}
}
