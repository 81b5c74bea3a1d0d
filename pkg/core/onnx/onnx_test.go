// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package onnx_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/menoh/pkg/core/onnx"
	"github.com/gomlx/menoh/pkg/core/onnx/onnxtest"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
	"google.golang.org/protobuf/encoding/protowire"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func TestParseRoundTrip(t *testing.T) {
	data := onnxtest.MLP().Bytes()
	model, err := onnx.Parse(data)
	require.NoError(t, err)
	require.Equal(t, int64(7), model.IRVersion)
	require.Equal(t, int64(onnxtest.DefaultOpset), model.OpsetVersion())
	require.Equal(t, "onnxtest", model.ProducerName)

	graph := model.Graph
	require.Equal(t, "mlp", graph.Name)
	require.Len(t, graph.Nodes, 7)
	require.Equal(t, "Gemm", graph.Nodes[1].OpType)
	require.Equal(t, []string{"input", "w1", "b1"}, graph.Nodes[1].Inputs)
	require.Equal(t, int64(1), graph.Nodes[6].AttrInt("axis", -1))
	require.Equal(t, float32(0.5), graph.Nodes[3].AttrFloat("ratio", 0))
	require.Len(t, graph.Initializers, 4)

	dims, hasShape := graph.Input("input").Dims()
	require.True(t, hasShape)
	require.Equal(t, []int{-1, onnxtest.MLPInputSize}, dims)
	_, isStatic := graph.Input("input").StaticDims()
	require.False(t, isStatic)
	require.Equal(t, onnx.DataTypeFloat, graph.Output("probs").ElemType())

	// Re-encoding what was decoded yields the same bytes.
	require.Equal(t, data, onnx.Marshal(model))
}

func TestUnknownFieldsPreserved(t *testing.T) {
	data := onnxtest.Identity().Bytes()
	// Append to the model a field this package doesn't decode (ModelProto.training_info = 20).
	data = protowire.AppendTag(data, 20, protowire.BytesType)
	data = protowire.AppendBytes(data, []byte("opaque"))

	model, err := onnx.Parse(data)
	require.NoError(t, err)
	require.Equal(t, data, onnx.Marshal(model))

	// Changes to decoded fields are kept along with the unknown ones.
	model.DocString = "changed"
	reparsed, err := onnx.Parse(onnx.Marshal(model))
	require.NoError(t, err)
	require.Equal(t, "changed", reparsed.DocString)
	require.Equal(t, "Identity", reparsed.Graph.Nodes[0].OpType)
}

func TestParseErrors(t *testing.T) {
	_, err := onnx.Parse(nil)
	require.Error(t, err)

	_, err = onnx.Parse([]byte{0xFF, 0xFF, 0xFF})
	require.Error(t, err)

	// Valid encoding, but no graph.
	var noGraph []byte
	noGraph = protowire.AppendTag(noGraph, 1, protowire.VarintType)
	noGraph = protowire.AppendVarint(noGraph, 7)
	_, err = onnx.Parse(noGraph)
	require.ErrorContains(t, err, "no graph")

	path := filepath.Join(t.TempDir(), "missing.onnx")
	_, err = onnx.ReadFile(path)
	require.ErrorContains(t, err, path)

	garbage := filepath.Join(t.TempDir(), "garbage.onnx")
	require.NoError(t, os.WriteFile(garbage, []byte("this is not a model"), 0o644))
	_, err = onnx.ReadFile(garbage)
	require.ErrorContains(t, err, garbage)
}

func TestReadFile(t *testing.T) {
	path := onnxtest.ConvNet().WriteFile(t)
	model, err := onnx.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "Conv", model.Graph.Nodes[0].OpType)
	require.Equal(t, []int64{3, 3}, model.Graph.Nodes[0].AttrInts("kernel_shape"))
}

func TestFloat32s(t *testing.T) {
	// Raw float32.
	values, err := onnx.NewFloatTensor("a", []int{2, 2}, []float32{1, 2, 3, 4}).Float32s()
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3, 4}, values)

	// Typed float_data.
	values, err = (&onnx.TensorProto{Dims: []int64{3}, DataType: onnx.DataTypeFloat, FloatData: []float32{1, 0, -1}}).Float32s()
	require.NoError(t, err)
	require.Equal(t, []float32{1, 0, -1}, values)

	// float16 stored both raw and in int32_data.
	raw := make([]byte, 4)
	binary.LittleEndian.PutUint16(raw, float16.Fromfloat32(1.5).Bits())
	binary.LittleEndian.PutUint16(raw[2:], float16.Fromfloat32(-2).Bits())
	values, err = (&onnx.TensorProto{Dims: []int64{2}, DataType: onnx.DataTypeFloat16, RawData: raw}).Float32s()
	require.NoError(t, err)
	require.Equal(t, []float32{1.5, -2}, values)
	values, err = (&onnx.TensorProto{Dims: []int64{1}, DataType: onnx.DataTypeFloat16,
		Int32Data: []int32{int32(float16.Fromfloat32(0.25).Bits())}}).Float32s()
	require.NoError(t, err)
	require.Equal(t, []float32{0.25}, values)

	// Double and int64.
	values, err = (&onnx.TensorProto{Dims: []int64{2}, DataType: onnx.DataTypeDouble, DoubleData: []float64{0.5, 8}}).Float32s()
	require.NoError(t, err)
	require.Equal(t, []float32{0.5, 8}, values)
	values, err = onnx.NewInt64Tensor("shape", []int{2}, []int64{-1, 6}).Float32s()
	require.NoError(t, err)
	require.Equal(t, []float32{-1, 6}, values)

	// Size mismatch.
	_, err = (&onnx.TensorProto{Dims: []int64{3}, DataType: onnx.DataTypeFloat, FloatData: []float32{1}}).Float32s()
	require.Error(t, err)

	// External data.
	_, err = (&onnx.TensorProto{Name: "ext", Dims: []int64{1}, DataType: onnx.DataTypeFloat,
		DataLocation: onnx.DataLocationExternal}).Float32s()
	require.ErrorContains(t, err, "external")

	// Strings are not supported.
	_, err = (&onnx.TensorProto{Dims: []int64{1}, DataType: onnx.DataTypeString}).Float32s()
	require.ErrorContains(t, err, "STRING")
}

func TestSortedNodes(t *testing.T) {
	b := onnxtest.New("unsorted").Input("x", 1, 2)
	// Nodes declared in reverse order.
	b.Node("Relu", []string{"b"}, []string{"c"})
	b.Node("Neg", []string{"a"}, []string{"b"})
	b.Node("Abs", []string{"x"}, []string{"a"})
	sorted, err := b.Model.Graph.SortedNodes()
	require.NoError(t, err)
	var ops []string
	for _, node := range sorted {
		ops = append(ops, node.OpType)
	}
	require.Equal(t, []string{"Abs", "Neg", "Relu"}, ops)

	cyclic := onnxtest.New("cyclic").Input("x", 1, 2)
	cyclic.Node("Add", []string{"x", "b"}, []string{"a"})
	cyclic.Node("Relu", []string{"a"}, []string{"b"})
	_, err = cyclic.Model.Graph.SortedNodes()
	require.ErrorContains(t, err, "cycle")
}
