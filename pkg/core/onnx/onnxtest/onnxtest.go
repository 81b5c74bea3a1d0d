// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package onnxtest builds small ONNX models in-process, to be used in tests.
package onnxtest

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/menoh/pkg/core/onnx"
	"github.com/janpfeifer/must"
)

// DefaultOpset is the opset version of the models created by New.
const DefaultOpset = 13

// Builder accumulates the graph of a model.
type Builder struct {
	Model *onnx.ModelProto
}

// New creates a Builder for a model with an empty graph named name.
func New(name string) *Builder {
	return &Builder{
		Model: &onnx.ModelProto{
			IRVersion:       7,
			ProducerName:    "onnxtest",
			ProducerVersion: "0.1.0",
			OpsetImport:     []onnx.OperatorSetID{{Version: DefaultOpset}},
			Graph:           &onnx.GraphProto{Name: name},
		},
	}
}

// Opset sets the version of the default operator set.
func (b *Builder) Opset(version int64) *Builder {
	b.Model.OpsetImport[0].Version = version
	return b
}

// Input adds a float32 graph input. Dimensions <= 0 are symbolic.
func (b *Builder) Input(name string, dims ...int) *Builder {
	b.Model.Graph.Inputs = append(b.Model.Graph.Inputs, onnx.NewValueInfo(name, dims...))
	return b
}

// Output adds a float32 graph output. Dimensions <= 0 are symbolic.
func (b *Builder) Output(name string, dims ...int) *Builder {
	b.Model.Graph.Outputs = append(b.Model.Graph.Outputs, onnx.NewValueInfo(name, dims...))
	return b
}

// Initializer adds a float32 constant.
func (b *Builder) Initializer(name string, dims []int, values []float32) *Builder {
	b.Model.Graph.Initializers = append(b.Model.Graph.Initializers, onnx.NewFloatTensor(name, dims, values))
	return b
}

// Int64Initializer adds an int64 constant.
func (b *Builder) Int64Initializer(name string, dims []int, values []int64) *Builder {
	b.Model.Graph.Initializers = append(b.Model.Graph.Initializers, onnx.NewInt64Tensor(name, dims, values))
	return b
}

// Node appends a node. Its name is derived from its first output.
func (b *Builder) Node(opType string, inputs, outputs []string, attrs ...*onnx.AttributeProto) *Builder {
	name := opType
	if len(outputs) > 0 {
		name = opType + "_" + outputs[0]
	}
	b.Model.Graph.Nodes = append(b.Model.Graph.Nodes, &onnx.NodeProto{
		Name:       name,
		OpType:     opType,
		Inputs:     inputs,
		Outputs:    outputs,
		Attributes: attrs,
	})
	return b
}

// Bytes serializes the model.
func (b *Builder) Bytes() []byte {
	return onnx.Marshal(b.Model)
}

// WriteFile serializes the model to a file in a test temporary directory, and returns its path.
func (b *Builder) WriteFile(t testing.TB) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), b.Model.Graph.Name+".onnx")
	must.M(os.WriteFile(path, b.Bytes(), 0o644))
	return path
}

// Identity returns a model with a single Identity node from "x" ([batch, 3], batch symbolic)
// to "y".
func Identity() *Builder {
	return New("identity").
		Input("x", 0, 3).
		Node("Identity", []string{"x"}, []string{"y"}).
		Output("y", 0, 3)
}

// Shapes of the MLP model.
const (
	MLPInputSize  = 4
	MLPHiddenSize = 8
	MLPOutputSize = 3
)

// MLPWeights returns deterministic weights for the MLP model: w1 [4, 8], b1 [8], w2 [8, 3], b2 [3].
func MLPWeights() (w1, b1, w2, b2 []float32) {
	w1 = make([]float32, MLPInputSize*MLPHiddenSize)
	for i := range w1 {
		w1[i] = float32(math.Sin(float64(i))) * 0.5
	}
	b1 = make([]float32, MLPHiddenSize)
	for i := range b1 {
		b1[i] = 0.1 * float32(i%3)
	}
	w2 = make([]float32, MLPHiddenSize*MLPOutputSize)
	for i := range w2 {
		w2[i] = float32(math.Cos(float64(i))) * 0.3
	}
	b2 = []float32{0.05, -0.05, 0}
	return
}

// MLP returns a two-layer perceptron model:
//
//	"input" [batch, 4] -> Gemm(w1, b1) -> Relu -> Dropout -> Gemm(w2, b2) -> Identity -> Softmax -> "probs" [batch, 3]
//
// The hidden activations are also available as "hidden" [batch, 8]. The second bias is provided
// by a Constant node, and the model has an unused initializer "unused".
func MLP() *Builder {
	w1, b1, w2, b2 := MLPWeights()
	return New("mlp").
		Input("input", 0, MLPInputSize).
		Initializer("w1", []int{MLPInputSize, MLPHiddenSize}, w1).
		Initializer("b1", []int{MLPHiddenSize}, b1).
		Initializer("w2", []int{MLPHiddenSize, MLPOutputSize}, w2).
		Initializer("unused", []int{2}, []float32{1, 2}).
		Node("Constant", nil, []string{"b2"},
			onnx.TensorAttr("value", onnx.NewFloatTensor("", []int{MLPOutputSize}, b2))).
		Node("Gemm", []string{"input", "w1", "b1"}, []string{"fc1"}).
		Node("Relu", []string{"fc1"}, []string{"hidden"}).
		Node("Dropout", []string{"hidden"}, []string{"dropped"}, onnx.FloatAttr("ratio", 0.5)).
		Node("Gemm", []string{"dropped", "w2", "b2"}, []string{"fc2"}).
		Node("Identity", []string{"fc2"}, []string{"logits"}).
		Node("Softmax", []string{"logits"}, []string{"probs"}, onnx.IntAttr("axis", 1)).
		Output("probs", 0, MLPOutputSize)
}

// MLPForward computes the MLP model outputs ("hidden" and "probs") for a batch of inputs, with
// plain loops. Used as the reference to compare engines against.
func MLPForward(input []float32, batchSize int) (hidden, probs []float32) {
	w1, b1, w2, b2 := MLPWeights()
	hidden = make([]float32, batchSize*MLPHiddenSize)
	probs = make([]float32, batchSize*MLPOutputSize)
	for example := range batchSize {
		for j := range MLPHiddenSize {
			sum := b1[j]
			for i := range MLPInputSize {
				sum += input[example*MLPInputSize+i] * w1[i*MLPHiddenSize+j]
			}
			hidden[example*MLPHiddenSize+j] = max(sum, 0)
		}
		logits := make([]float64, MLPOutputSize)
		maxLogit := math.Inf(-1)
		for k := range MLPOutputSize {
			sum := b2[k]
			for j := range MLPHiddenSize {
				sum += hidden[example*MLPHiddenSize+j] * w2[j*MLPOutputSize+k]
			}
			logits[k] = float64(sum)
			maxLogit = max(maxLogit, logits[k])
		}
		var total float64
		for k := range logits {
			logits[k] = math.Exp(logits[k] - maxLogit)
			total += logits[k]
		}
		for k := range logits {
			probs[example*MLPOutputSize+k] = float32(logits[k] / total)
		}
	}
	return
}

// ConvNetKernel returns the deterministic [2, 1, 3, 3] kernel of the ConvNet model.
func ConvNetKernel() []float32 {
	kernel := make([]float32, 2*1*3*3)
	for i := range kernel {
		kernel[i] = float32(i%5) * 0.1
	}
	return kernel
}

// ConvNetForward computes the "features" output of the ConvNet model for a batch of [1, 8, 8]
// inputs, with plain loops.
func ConvNetForward(input []float32, batchSize int) []float32 {
	kernel := ConvNetKernel()
	features := make([]float32, 0, batchSize*32)
	for example := range batchSize {
		image := input[example*64 : (example+1)*64]
		for channel := range 2 {
			var conv [8][8]float32
			for row := range 8 {
				for col := range 8 {
					var sum float32
					for i := range 3 {
						for j := range 3 {
							r, c := row+i-1, col+j-1
							if r < 0 || r >= 8 || c < 0 || c >= 8 {
								continue
							}
							sum += image[r*8+c] * kernel[channel*9+i*3+j]
						}
					}
					conv[row][col] = max(sum, 0)
				}
			}
			for row := 0; row < 8; row += 2 {
				for col := 0; col < 8; col += 2 {
					features = append(features, max(conv[row][col], conv[row][col+1], conv[row+1][col], conv[row+1][col+1]))
				}
			}
		}
	}
	return features
}

// ConvNet returns a model with a rank-4 input "data" [batch, 1, 8, 8], a Conv with a 3x3 kernel
// and 2 output channels (padding 1), Relu, MaxPool 2x2 and Flatten to "features" [batch, 32].
func ConvNet() *Builder {
	return New("convnet").
		Input("data", 0, 1, 8, 8).
		Initializer("kernel", []int{2, 1, 3, 3}, ConvNetKernel()).
		Node("Conv", []string{"data", "kernel"}, []string{"conv"},
			onnx.IntsAttr("kernel_shape", 3, 3), onnx.IntsAttr("pads", 1, 1, 1, 1)).
		Node("Relu", []string{"conv"}, []string{"relu"}).
		Node("MaxPool", []string{"relu"}, []string{"pool"},
			onnx.IntsAttr("kernel_shape", 2, 2), onnx.IntsAttr("strides", 2, 2)).
		Node("Flatten", []string{"pool"}, []string{"features"}, onnx.IntAttr("axis", 1)).
		Output("features", 0, 32)
}
