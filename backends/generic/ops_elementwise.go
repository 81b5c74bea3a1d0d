// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package generic

import (
	"math"

	"github.com/gomlx/menoh/pkg/core/onnx"
	"github.com/pkg/errors"
)

func init() {
	registerOp(buildCopy, "Identity", "Dropout", "Flatten", "Reshape", "Squeeze", "Unsqueeze")
	for opType := range unaryOps {
		registerOp(buildUnary, opType)
	}
	registerOp(buildClip, "Clip")
	registerOp(buildNAry, "Add", "Sub", "Mul", "Div", "Pow", "Max", "Min", "Sum", "Mean")
	registerOp(buildConstant, "Constant")
}

// buildCopy is used by ops that don't change the data, only (possibly) its shape.
func buildCopy(ctx *opContext) (kernel, error) {
	if err := ctx.requireInputs(1); err != nil {
		return nil, err
	}
	x, out := ctx.inputs[0], ctx.output()
	if len(x.flat) != len(out.flat) {
		return nil, errors.Errorf("%s input %s and output %s have different sizes", ctx.node.OpType, x.shape, out.shape)
	}
	mask := (*tensor)(nil)
	if ctx.node.OpType == "Dropout" && len(ctx.outputs) > 1 {
		mask = ctx.outputs[1]
	}
	return func() {
		copy(out.flat, x.flat)
		if mask != nil {
			// In inference Dropout keeps everything.
			for ii := range mask.flat {
				mask.flat[ii] = 1
			}
		}
	}, nil
}

// unaryOps maps the element-wise operators to a function that returns the element function,
// given the node attributes.
var unaryOps = map[string]func(node *onnx.NodeProto) func(float32) float32{
	"Relu": func(*onnx.NodeProto) func(float32) float32 {
		return func(x float32) float32 { return max(x, 0) }
	},
	"LeakyRelu": func(node *onnx.NodeProto) func(float32) float32 {
		alpha := node.AttrFloat("alpha", 0.01)
		return func(x float32) float32 {
			if x < 0 {
				return alpha * x
			}
			return x
		}
	},
	"Elu": func(node *onnx.NodeProto) func(float32) float32 {
		alpha := float64(node.AttrFloat("alpha", 1))
		return func(x float32) float32 {
			if x < 0 {
				return float32(alpha * math.Expm1(float64(x)))
			}
			return x
		}
	},
	"Selu": func(node *onnx.NodeProto) func(float32) float32 {
		alpha := float64(node.AttrFloat("alpha", 1.67326319217681884765625))
		gamma := float64(node.AttrFloat("gamma", 1.05070102214813232421875))
		return func(x float32) float32 {
			if x <= 0 {
				return float32(gamma * alpha * math.Expm1(float64(x)))
			}
			return float32(gamma * float64(x))
		}
	},
	"Sigmoid": func(*onnx.NodeProto) func(float32) float32 {
		return func(x float32) float32 { return float32(1 / (1 + math.Exp(-float64(x)))) }
	},
	"HardSigmoid": func(node *onnx.NodeProto) func(float32) float32 {
		alpha, beta := node.AttrFloat("alpha", 0.2), node.AttrFloat("beta", 0.5)
		return func(x float32) float32 { return max(0, min(1, alpha*x+beta)) }
	},
	"Tanh":       mathFn(math.Tanh),
	"Exp":        mathFn(math.Exp),
	"Log":        mathFn(math.Log),
	"Abs":        mathFn(math.Abs),
	"Sqrt":       mathFn(math.Sqrt),
	"Floor":      mathFn(math.Floor),
	"Ceil":       mathFn(math.Ceil),
	"Erf":        mathFn(math.Erf),
	"Softplus":   mathFn(func(x float64) float64 { return math.Log1p(math.Exp(x)) }),
	"Reciprocal": mathFn(func(x float64) float64 { return 1 / x }),
	"Neg": func(*onnx.NodeProto) func(float32) float32 {
		return func(x float32) float32 { return -x }
	},
	"Sign": func(*onnx.NodeProto) func(float32) float32 {
		return func(x float32) float32 {
			switch {
			case x > 0:
				return 1
			case x < 0:
				return -1
			}
			return 0
		}
	},
}

func mathFn(fn func(float64) float64) func(*onnx.NodeProto) func(float32) float32 {
	return func(*onnx.NodeProto) func(float32) float32 {
		return func(x float32) float32 { return float32(fn(float64(x))) }
	}
}

func buildUnary(ctx *opContext) (kernel, error) {
	if err := ctx.requireInputs(1); err != nil {
		return nil, err
	}
	fn := unaryOps[ctx.node.OpType](ctx.node)
	x, out := ctx.inputs[0], ctx.output()
	return func() {
		for ii, v := range x.flat {
			out.flat[ii] = fn(v)
		}
	}, nil
}

// buildClip: before opset 11 the bounds are attributes, after they are optional inputs.
func buildClip(ctx *opContext) (kernel, error) {
	if err := ctx.requireInputs(1); err != nil {
		return nil, err
	}
	x, out := ctx.inputs[0], ctx.output()
	if ctx.opset < 11 {
		low := ctx.node.AttrFloat("min", -math.MaxFloat32)
		high := ctx.node.AttrFloat("max", math.MaxFloat32)
		return func() { clip(out.flat, x.flat, low, high) }, nil
	}
	lowInput, highInput := ctx.input(1), ctx.input(2)
	for _, bound := range []*tensor{lowInput, highInput} {
		if bound != nil && len(bound.flat) != 1 {
			return nil, errors.Errorf("Clip bounds must be scalars, got %s", bound.shape)
		}
	}
	return func() {
		low, high := float32(-math.MaxFloat32), float32(math.MaxFloat32)
		if lowInput != nil {
			low = lowInput.flat[0]
		}
		if highInput != nil {
			high = highInput.flat[0]
		}
		clip(out.flat, x.flat, low, high)
	}, nil
}

func clip(out, x []float32, low, high float32) {
	for ii, v := range x {
		out[ii] = min(max(v, low), high)
	}
}

var binaryOps = map[string]func(x, y float32) float32{
	"Add":  func(x, y float32) float32 { return x + y },
	"Sum":  func(x, y float32) float32 { return x + y },
	"Mean": func(x, y float32) float32 { return x + y },
	"Sub":  func(x, y float32) float32 { return x - y },
	"Mul":  func(x, y float32) float32 { return x * y },
	"Div":  func(x, y float32) float32 { return x / y },
	"Pow":  func(x, y float32) float32 { return float32(math.Pow(float64(x), float64(y))) },
	"Max":  func(x, y float32) float32 { return max(x, y) },
	"Min":  func(x, y float32) float32 { return min(x, y) },
}

// buildNAry handles the broadcasting binary operators, and the variadic ones (Sum, Mean, Max
// and Min) by folding them pairwise into the output.
func buildNAry(ctx *opContext) (kernel, error) {
	opType := ctx.node.OpType
	numInputs := len(ctx.inputs)
	switch opType {
	case "Sum", "Mean", "Max", "Min":
		if numInputs < 1 {
			return nil, errors.Errorf("%s requires at least one input", opType)
		}
	default:
		numInputs = 2
	}
	if err := ctx.requireInputs(numInputs); err != nil {
		return nil, err
	}
	out := ctx.output()
	maps := make([][]int, numInputs)
	for ii := range numInputs {
		in := ctx.inputs[ii]
		if in.shape.Rank() > out.shape.Rank() {
			return nil, errors.Errorf("%s input #%d %s can't be broadcast to %s", opType, ii, in.shape, out.shape)
		}
		maps[ii] = indexMap(in.shape, out.shape)
	}
	fn := binaryOps[opType]
	inputs := ctx.inputs[:numInputs]
	return func() {
		first, firstMap := inputs[0].flat, maps[0]
		if numInputs == 1 {
			broadcastCopy(out.flat, first, firstMap)
		} else {
			applyBinary(out.flat, first, firstMap, inputs[1].flat, maps[1], fn)
			for ii := 2; ii < numInputs; ii++ {
				applyBinary(out.flat, out.flat, nil, inputs[ii].flat, maps[ii], fn)
			}
		}
		if opType == "Mean" && numInputs > 1 {
			scale := 1 / float32(numInputs)
			for ii := range out.flat {
				out.flat[ii] *= scale
			}
		}
	}, nil
}

func broadcastCopy(out, x []float32, xMap []int) {
	if xMap == nil {
		copy(out, x)
		return
	}
	for ii, idx := range xMap {
		out[ii] = x[idx]
	}
}

// applyBinary computes out = fn(x, y) with x and y broadcast through the given index maps (nil
// meaning no broadcasting). out may be the same slice as x.
func applyBinary(out, x []float32, xMap []int, y []float32, yMap []int, fn func(x, y float32) float32) {
	switch {
	case xMap == nil && yMap == nil:
		for ii := range out {
			out[ii] = fn(x[ii], y[ii])
		}
	case xMap == nil && len(y) == 1:
		scalar := y[0]
		for ii := range out {
			out[ii] = fn(x[ii], scalar)
		}
	case xMap == nil:
		for ii := range out {
			out[ii] = fn(x[ii], y[yMap[ii]])
		}
	case yMap == nil:
		for ii := range out {
			out[ii] = fn(x[xMap[ii]], y[ii])
		}
	default:
		for ii := range out {
			out[ii] = fn(x[xMap[ii]], y[yMap[ii]])
		}
	}
}

// buildConstant copies the constant value into its output at every run, since outputs are engine
// buffers the caller may write to.
func buildConstant(ctx *opContext) (kernel, error) {
	out := ctx.output()
	var values []float32
	switch {
	case ctx.node.Attribute("value") != nil:
		var err error
		values, err = ctx.node.AttrTensor("value").Float32s()
		if err != nil {
			return nil, err
		}
	case ctx.node.Attribute("value_float") != nil:
		values = []float32{ctx.node.AttrFloat("value_float", 0)}
	case ctx.node.Attribute("value_floats") != nil:
		values = ctx.node.Attribute("value_floats").Floats
	case ctx.node.Attribute("value_int") != nil:
		values = []float32{float32(ctx.node.AttrInt("value_int", 0))}
	case ctx.node.Attribute("value_ints") != nil:
		for _, v := range ctx.node.AttrInts("value_ints") {
			values = append(values, float32(v))
		}
	}
	if len(values) != len(out.flat) {
		return nil, errors.Errorf("Constant value has %d elements, output %s requires %d", len(values), out.shape, len(out.flat))
	}
	return func() { copy(out.flat, values) }, nil
}
