// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package profile

import (
	"testing"

	"github.com/gomlx/menoh/pkg/core/onnx"
	"github.com/gomlx/menoh/pkg/core/onnx/onnxtest"
	"github.com/gomlx/menoh/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func TestAddInput(t *testing.T) {
	b := NewTableBuilder()
	require.NoError(t, b.AddInput("x", []int{1, 3}))
	require.NoError(t, b.AddInput("image", []int{1, 3, 224, 224}))

	for _, dims := range [][]int{{3}, {1, 2, 3}, {1, 1, 1, 1, 1}, {}} {
		err := b.AddInput("bad", dims)
		require.ErrorIs(t, err, ErrInvalidShape, "dims=%v", dims)
		require.ErrorContains(t, err, "must be 2 or 4")
	}
	require.ErrorIs(t, b.AddInput("zero", []int{1, 0}), ErrInvalidShape)
	require.ErrorIs(t, b.AddInput("negative", []int{-1, 3}), ErrInvalidShape)

	// Failed declarations leave the set unchanged.
	require.Equal(t, []string{"x", "image"}, b.InputNames())
	require.Len(t, b.Declarations(), 2)

	require.ErrorIs(t, b.AddInput("x", []int{1, 3}), ErrDuplicateName)
	require.ErrorIs(t, b.AddOutput("x"), ErrDuplicateName)
	require.NoError(t, b.AddOutput("y"))
	require.ErrorIs(t, b.AddOutput("y"), ErrDuplicateName)
	require.ErrorIs(t, b.AddOutput(""), ErrEmptyName)
	require.ErrorIs(t, b.AddInput("", []int{1, 3}), ErrEmptyName)
	require.Equal(t, []string{"y"}, b.OutputNames())

	// The shape is checked before the name.
	require.ErrorIs(t, b.AddInput("x", []int{1, 3, 4}), ErrInvalidShape)
	require.ErrorIs(t, b.AddInput("", []int{1, 3, 4}), ErrInvalidShape)
}

func TestAddInputTooLarge(t *testing.T) {
	b := NewTableBuilder()
	for _, dims := range [][]int{{1 << 62, 3}, {1 << 32, 1 << 32}, {1, 1 << 20, 1 << 20, 3}} {
		err := b.AddInput("x", dims)
		require.ErrorIs(t, err, ErrInvalidShape, "dims=%v", dims)
	}
	require.Empty(t, b.Declarations())
	require.NoError(t, b.AddInput("x", []int{1, shapes.MaxSize}))
}

func TestBuildIdentity(t *testing.T) {
	graph := onnxtest.Identity().Model.Graph
	b := NewTableBuilder()
	require.NoError(t, b.AddInput("x", []int{2, 3}))
	require.NoError(t, b.AddOutput("y"))
	table, err := b.Build(graph)
	require.NoError(t, err)

	dims, err := table.Dims("y")
	require.NoError(t, err)
	require.Equal(t, []int{2, 3}, dims)
	rank, err := table.Rank("x")
	require.NoError(t, err)
	require.Equal(t, 2, rank)
	dim, err := table.DimAt("y", -1)
	require.NoError(t, err)
	require.Equal(t, 3, dim)
	_, err = table.DimAt("y", 2)
	require.Error(t, err)
	size, err := table.Size("y")
	require.NoError(t, err)
	require.Equal(t, 6, size)
	require.Equal(t, []string{"x"}, table.Inputs())
	require.Equal(t, []string{"y"}, table.Outputs())
	require.True(t, table.IsInput("x"))
	require.True(t, table.IsOutput("y"))

	_, err = table.Shape("z")
	require.ErrorIs(t, err, ErrNotFound)

	// The table doesn't share the dimensions slices.
	dims[0] = 100
	shape, err := table.Shape("y")
	require.NoError(t, err)
	require.True(t, shape.Equal(shapes.Float32(2, 3)))
}

func TestBuildRank4Input(t *testing.T) {
	// Identity over an input with dynamic dimensions: the declared shape is kept as is.
	graph := onnxtest.New("identity4").
		Input("x", -1, -1, -1, -1).
		Node("Identity", []string{"x"}, []string{"y"}).
		Output("y", -1, -1, -1, -1).
		Model.Graph
	for _, declared := range [][]int{{1, 3, 224, 224}, {2, 1, 5, 7}} {
		b := NewTableBuilder()
		require.NoError(t, b.AddInput("x", declared))
		require.NoError(t, b.AddOutput("y"))
		table, err := b.Build(graph)
		require.NoError(t, err)
		for _, name := range []string{"x", "y"} {
			dims, err := table.Dims(name)
			require.NoError(t, err)
			require.Equal(t, declared, dims, "variable %q", name)
		}
		rank, err := table.Rank("x")
		require.NoError(t, err)
		require.Equal(t, 4, rank)
	}
}

func TestBuildErrors(t *testing.T) {
	graph := onnxtest.Identity().Model.Graph

	// Unknown input.
	b := NewTableBuilder()
	require.NoError(t, b.AddInput("not_x", []int{1, 3}))
	require.NoError(t, b.AddOutput("y"))
	_, err := b.Build(graph)
	require.ErrorIs(t, err, ErrProfileBuild)
	require.ErrorContains(t, err, "not_x")

	// Incompatible fixed dimension: the graph requires 3 at axis 1.
	b = NewTableBuilder()
	require.NoError(t, b.AddInput("x", []int{1, 4}))
	require.NoError(t, b.AddOutput("y"))
	_, err = b.Build(graph)
	require.ErrorIs(t, err, ErrProfileBuild)

	// Unknown output.
	b = NewTableBuilder()
	require.NoError(t, b.AddInput("x", []int{1, 3}))
	require.NoError(t, b.AddOutput("nope"))
	_, err = b.Build(graph)
	require.ErrorIs(t, err, ErrProfileBuild)
	require.ErrorContains(t, err, "nope")

	// Missing input declaration needed by the output.
	b = NewTableBuilder()
	require.NoError(t, b.AddOutput("y"))
	_, err = b.Build(graph)
	require.ErrorIs(t, err, ErrProfileBuild)
	require.ErrorContains(t, err, "was not declared")

	_, err = b.Build(nil)
	require.ErrorIs(t, err, ErrProfileBuild)
}

func TestBuildMLP(t *testing.T) {
	graph := onnxtest.MLP().Model.Graph
	b := NewTableBuilder()
	require.NoError(t, b.AddInput("input", []int{5, onnxtest.MLPInputSize}))
	require.NoError(t, b.AddOutput("probs"))
	require.NoError(t, b.AddOutput("hidden"))
	table, err := b.Build(graph)
	require.NoError(t, err)

	dims, err := table.Dims("probs")
	require.NoError(t, err)
	require.Equal(t, []int{5, onnxtest.MLPOutputSize}, dims)
	dims, err = table.Dims("hidden")
	require.NoError(t, err)
	require.Equal(t, []int{5, onnxtest.MLPHiddenSize}, dims)

	// Intermediate values and the constant bias.
	for name, want := range map[string][]int{
		"fc1":     {5, onnxtest.MLPHiddenSize},
		"dropped": {5, onnxtest.MLPHiddenSize},
		"b2":      {onnxtest.MLPOutputSize},
		"logits":  {5, onnxtest.MLPOutputSize},
	} {
		shape, found := table.Inferred(name)
		require.True(t, found, name)
		require.Equal(t, want, shape.Dimensions, name)
	}
}

func TestBuildConvNet(t *testing.T) {
	graph := onnxtest.ConvNet().Model.Graph
	b := NewTableBuilder()
	require.NoError(t, b.AddInput("data", []int{2, 1, 8, 8}))
	require.NoError(t, b.AddOutput("features"))
	table, err := b.Build(graph)
	require.NoError(t, err)
	shape, _ := table.Inferred("conv")
	require.Equal(t, []int{2, 2, 8, 8}, shape.Dimensions)
	shape, _ = table.Inferred("pool")
	require.Equal(t, []int{2, 2, 4, 4}, shape.Dimensions)
	dims, err := table.Dims("features")
	require.NoError(t, err)
	require.Equal(t, []int{2, 32}, dims)
}

func TestShapeRules(t *testing.T) {
	build := func(builder *onnxtest.Builder, inputs map[string][]int, output string) ([]int, error) {
		b := NewTableBuilder()
		for _, name := range []string{"a", "b"} {
			if dims, found := inputs[name]; found {
				if err := b.AddInput(name, dims); err != nil {
					return nil, err
				}
			}
		}
		if err := b.AddOutput(output); err != nil {
			return nil, err
		}
		table, err := b.Build(builder.Model.Graph)
		if err != nil {
			return nil, err
		}
		return table.Dims(output)
	}

	t.Run("Broadcast", func(t *testing.T) {
		g := onnxtest.New("add").Input("a", 0, 0).Input("b", 0, 0).
			Node("Add", []string{"a", "b"}, []string{"c"}).Output("c", 0, 0)
		dims, err := build(g, map[string][]int{"a": {4, 3}, "b": {1, 3}}, "c")
		require.NoError(t, err)
		require.Equal(t, []int{4, 3}, dims)
		_, err = build(g, map[string][]int{"a": {4, 3}, "b": {2, 3}}, "c")
		require.ErrorIs(t, err, ErrProfileBuild)
	})

	t.Run("MatMul", func(t *testing.T) {
		g := onnxtest.New("matmul").Input("a", 0, 0).Input("b", 0, 0).
			Node("MatMul", []string{"a", "b"}, []string{"c"}).Output("c", 0, 0)
		dims, err := build(g, map[string][]int{"a": {2, 5}, "b": {5, 7}}, "c")
		require.NoError(t, err)
		require.Equal(t, []int{2, 7}, dims)
		_, err = build(g, map[string][]int{"a": {2, 5}, "b": {4, 7}}, "c")
		require.ErrorIs(t, err, ErrProfileBuild)
	})

	t.Run("GemmTransposed", func(t *testing.T) {
		g := onnxtest.New("gemm").Input("a", 0, 0).Input("b", 0, 0).
			Node("Gemm", []string{"a", "b"}, []string{"c"}, onnx.IntAttr("transA", 1), onnx.IntAttr("transB", 1)).
			Output("c", 0, 0)
		dims, err := build(g, map[string][]int{"a": {5, 2}, "b": {7, 5}}, "c")
		require.NoError(t, err)
		require.Equal(t, []int{2, 7}, dims)
	})

	t.Run("ReshapeTransposeConcat", func(t *testing.T) {
		g := onnxtest.New("reshape").Input("a", 0, 0).
			Int64Initializer("target", []int{3}, []int64{0, -1, 2}).
			Node("Reshape", []string{"a", "target"}, []string{"r"}).
			Node("Transpose", []string{"r"}, []string{"t"}, onnx.IntsAttr("perm", 2, 0, 1)).
			Node("Concat", []string{"t", "t"}, []string{"c"}, onnx.IntAttr("axis", -1)).
			Output("c", 0, 0, 0)
		dims, err := build(g, map[string][]int{"a": {2, 6}}, "c")
		require.NoError(t, err)
		// Reshape: [2, 3, 2]; Transpose: [2, 2, 3]; Concat on the last axis: [2, 2, 6].
		require.Equal(t, []int{2, 2, 6}, dims)
	})

	t.Run("Flatten", func(t *testing.T) {
		g := onnxtest.New("flatten").Input("a", 0, 0, 0, 0).
			Node("Flatten", []string{"a"}, []string{"f"}, onnx.IntAttr("axis", 2)).
			Output("f", 0, 0)
		dims, err := build(g, map[string][]int{"a": {2, 3, 4, 5}}, "f")
		require.NoError(t, err)
		require.Equal(t, []int{6, 20}, dims)
	})

	t.Run("ValueInfoFallback", func(t *testing.T) {
		g := onnxtest.New("custom").Input("a", 0, 0).
			Node("MyOp", []string{"a"}, []string{"out"}).Output("out", 1, 10)
		dims, err := build(g, map[string][]int{"a": {1, 3}}, "out")
		require.NoError(t, err)
		require.Equal(t, []int{1, 10}, dims)

		g = onnxtest.New("custom").Input("a", 0, 0).
			Node("MyOp", []string{"a"}, []string{"out"}).Output("out", 0, 10)
		_, err = build(g, map[string][]int{"a": {1, 3}}, "out")
		require.ErrorIs(t, err, ErrProfileBuild)
		require.ErrorContains(t, err, "MyOp")
	})
}

func TestBuildRetry(t *testing.T) {
	graph := onnxtest.Identity().Model.Graph
	b := NewTableBuilder()
	require.NoError(t, b.AddOutput("nope"))
	_, err := b.Build(graph)
	require.True(t, errors.Is(err, ErrProfileBuild))

	// The builder can still be used: declare what was missing and retry.
	require.NoError(t, b.AddInput("x", []int{1, 3}))
	require.NoError(t, b.AddOutput("y"))
	_, err = b.Build(graph)
	require.ErrorContains(t, err, "nope")
}
