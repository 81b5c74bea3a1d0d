// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimize implements backend-independent graph transformations, run once per model
// builder after the variable profile table is built and before any engine compiles the graph.
//
// The passes, in order:
//
//   - Graph outputs are set to the declared outputs, so any declared intermediate value can be fetched.
//   - Constant nodes are converted to initializers.
//   - Dropout nodes (inference mode) are converted to Identity.
//   - Identity nodes are elided, except where needed to keep a declared output name.
//   - Nodes not needed by the declared outputs are pruned, along with unused initializers and
//     undeclared unused graph inputs.
package optimize

import (
	"slices"

	"github.com/gomlx/menoh/pkg/core/onnx"
	"github.com/gomlx/menoh/pkg/core/profile"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrOptimize is wrapped by all errors returned by Optimize.
var ErrOptimize = errors.New("graph optimization failed")

// Stats reports what each pass changed.
type Stats struct {
	ConstantsFolded    int
	DropoutsRemoved    int
	IdentitiesElided   int
	NodesPruned        int
	InitializersPruned int
	InputsPruned       int
}

// Optimize transforms graph in place, using the resolved shapes in table.
func Optimize(graph *onnx.GraphProto, table *profile.Table) (stats Stats, err error) {
	if graph == nil || table == nil {
		return stats, errors.Wrap(ErrOptimize, "graph and table must be given")
	}
	o := &optimizer{graph: graph, table: table}
	if err = o.setGraphOutputs(); err != nil {
		return
	}
	stats.ConstantsFolded = o.foldConstants()
	stats.DropoutsRemoved = o.removeDropouts()
	stats.IdentitiesElided = o.elideIdentities()
	stats.NodesPruned, stats.InitializersPruned, stats.InputsPruned = o.prune()

	sorted, sortErr := graph.SortedNodes()
	if sortErr != nil {
		return stats, errors.Wrap(ErrOptimize, sortErr.Error())
	}
	graph.Nodes = sorted
	if err = o.checkOutputsAvailable(); err != nil {
		return
	}
	klog.V(1).Infof("optimize: %d nodes left; %+v", len(graph.Nodes), stats)
	return
}

type optimizer struct {
	graph *onnx.GraphProto
	table *profile.Table
}

// setGraphOutputs replaces the graph outputs by the declared outputs, reusing the existing
// ValueInfo when available.
func (o *optimizer) setGraphOutputs() error {
	outputs := make([]*onnx.ValueInfoProto, 0, len(o.table.Outputs()))
	for _, name := range o.table.Outputs() {
		if vi := o.graph.ValueInfoFor(name); vi != nil && vi.Type != nil {
			outputs = append(outputs, vi)
			continue
		}
		dims, err := o.table.Dims(name)
		if err != nil {
			return errors.Wrap(ErrOptimize, err.Error())
		}
		outputs = append(outputs, onnx.NewValueInfo(name, dims...))
	}
	o.graph.Outputs = outputs
	return nil
}

// foldConstants converts Constant nodes to initializers.
func (o *optimizer) foldConstants() (count int) {
	o.graph.Nodes = slices.DeleteFunc(o.graph.Nodes, func(node *onnx.NodeProto) bool {
		if node.OpType != "Constant" || len(node.Outputs) != 1 {
			return false
		}
		var tensor *onnx.TensorProto
		switch {
		case node.AttrTensor("value") != nil:
			tensor = node.AttrTensor("value")
		case node.Attribute("value_float") != nil:
			tensor = onnx.NewFloatTensor("", nil, []float32{node.AttrFloat("value_float", 0)})
		case node.Attribute("value_floats") != nil:
			values := node.Attribute("value_floats").Floats
			tensor = onnx.NewFloatTensor("", []int{len(values)}, values)
		case node.Attribute("value_int") != nil:
			tensor = onnx.NewInt64Tensor("", nil, []int64{node.AttrInt("value_int", 0)})
		case node.Attribute("value_ints") != nil:
			values := node.AttrInts("value_ints")
			tensor = onnx.NewInt64Tensor("", []int{len(values)}, values)
		default:
			return false
		}
		initializer := *tensor
		initializer.Name = node.Outputs[0]
		o.graph.Initializers = append(o.graph.Initializers, &initializer)
		count++
		return true
	})
	return
}

// removeDropouts converts Dropout nodes whose mask output is not used to Identity.
func (o *optimizer) removeDropouts() (count int) {
	for _, node := range o.graph.Nodes {
		if node.OpType != "Dropout" || len(node.Inputs) == 0 || len(node.Outputs) == 0 {
			continue
		}
		if len(node.Outputs) > 1 && node.Outputs[1] != "" &&
			(o.numConsumers(node.Outputs[1]) > 0 || o.table.IsOutput(node.Outputs[1])) {
			continue
		}
		node.OpType = "Identity"
		node.Inputs = node.Inputs[:1]
		node.Outputs = node.Outputs[:1]
		node.Attributes = nil
		count++
	}
	return
}

// elideIdentities removes Identity nodes, rewiring their consumers. If the Identity output is a
// declared output, the producer of its input is renamed instead, when that is safe.
func (o *optimizer) elideIdentities() (count int) {
	producers := o.graph.Producers()
	var kept []*onnx.NodeProto
	for _, node := range o.graph.Nodes {
		if node.OpType != "Identity" || len(node.Inputs) != 1 || len(node.Outputs) != 1 {
			kept = append(kept, node)
			continue
		}
		in, out := node.Inputs[0], node.Outputs[0]
		if o.table.IsOutput(out) {
			producer, found := producers[in]
			if !found || o.table.IsOutput(in) || o.table.IsInput(in) || o.numConsumers(in) > 1 {
				kept = append(kept, node)
				continue
			}
			for i, name := range producer.Outputs {
				if name == in {
					producer.Outputs[i] = out
				}
			}
			delete(producers, in)
			producers[out] = producer
		} else {
			o.renameInputs(out, in)
		}
		node.Inputs = nil
		count++
	}
	// Elided nodes were cleared of their inputs so numConsumers ignores them while iterating.
	o.graph.Nodes = kept
	return
}

func (o *optimizer) numConsumers(name string) (count int) {
	for _, node := range o.graph.Nodes {
		for _, input := range node.Inputs {
			if input == name {
				count++
			}
		}
	}
	return
}

func (o *optimizer) renameInputs(from, to string) {
	for _, node := range o.graph.Nodes {
		for i, input := range node.Inputs {
			if input == from {
				node.Inputs[i] = to
			}
		}
	}
}

// prune removes nodes not needed by the declared outputs, then initializers and graph inputs no
// longer referenced.
func (o *optimizer) prune() (nodes, initializers, inputs int) {
	producers := o.graph.Producers()
	needed := make(map[*onnx.NodeProto]bool)
	used := make(map[string]bool)
	var visit func(name string)
	visit = func(name string) {
		if name == "" || used[name] {
			return
		}
		used[name] = true
		node, found := producers[name]
		if !found || needed[node] {
			return
		}
		needed[node] = true
		for _, input := range node.Inputs {
			visit(input)
		}
	}
	for _, name := range o.table.Outputs() {
		visit(name)
	}

	numNodes := len(o.graph.Nodes)
	o.graph.Nodes = slices.DeleteFunc(o.graph.Nodes, func(node *onnx.NodeProto) bool { return !needed[node] })
	nodes = numNodes - len(o.graph.Nodes)

	numInitializers := len(o.graph.Initializers)
	o.graph.Initializers = slices.DeleteFunc(o.graph.Initializers, func(t *onnx.TensorProto) bool {
		return !used[t.Name] && !o.table.IsInput(t.Name)
	})
	initializers = numInitializers - len(o.graph.Initializers)

	numInputs := len(o.graph.Inputs)
	o.graph.Inputs = slices.DeleteFunc(o.graph.Inputs, func(vi *onnx.ValueInfoProto) bool {
		return !used[vi.Name] && !o.table.IsInput(vi.Name)
	})
	inputs = numInputs - len(o.graph.Inputs)
	return
}

// checkOutputsAvailable verifies every declared output is still computed by the graph.
func (o *optimizer) checkOutputsAvailable() error {
	available := make(map[string]bool)
	for _, node := range o.graph.Nodes {
		for _, output := range node.Outputs {
			available[output] = true
		}
	}
	for _, t := range o.graph.Initializers {
		available[t.Name] = true
	}
	for _, vi := range o.graph.Inputs {
		available[vi.Name] = true
	}
	for _, name := range o.table.Outputs() {
		if !available[name] {
			return errors.Wrapf(ErrOptimize, "declared output %q is no longer computed by the graph", name)
		}
	}
	return nil
}
