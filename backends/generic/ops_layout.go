// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package generic

import (
	"math"

	"github.com/gomlx/menoh/pkg/core/profile"
	"github.com/pkg/errors"
)

func init() {
	registerOp(buildTranspose, "Transpose")
	registerOp(buildConcat, "Concat")
	registerOp(buildSoftmax, "Softmax", "LogSoftmax")
}

func buildTranspose(ctx *opContext) (kernel, error) {
	if err := ctx.requireInputs(1); err != nil {
		return nil, err
	}
	x, out := ctx.inputs[0], ctx.output()
	perm, err := profile.Permutation(ctx.node, x.shape.Rank())
	if err != nil {
		return nil, err
	}
	xStrides := x.shape.Strides()
	strides := make([]int, len(perm))
	for axis, from := range perm {
		if out.shape.Dim(axis) != x.shape.Dim(from) {
			return nil, errors.Errorf("Transpose output %s doesn't match input %s with perm %v", out.shape, x.shape, perm)
		}
		strides[axis] = xStrides[from]
	}
	mapping := out.shape.Gather(strides)
	return func() { broadcastCopy(out.flat, x.flat, mapping) }, nil
}

func buildConcat(ctx *opContext) (kernel, error) {
	out := ctx.output()
	axis, err := normalizeAxis(ctx.node.AttrInt("axis", 0), out.shape.Rank())
	if err != nil {
		return nil, err
	}
	if err := ctx.requireInputs(len(ctx.inputs)); err != nil {
		return nil, err
	}
	outer := product(out.shape.Dimensions[:axis])
	// Size of the chunk copied from each input, for each index of the outer axes.
	chunks := make([]int, len(ctx.inputs))
	var total int
	for ii, in := range ctx.inputs {
		if in.shape.Rank() != out.shape.Rank() {
			return nil, errors.Errorf("Concat input #%d %s has the wrong rank for output %s", ii, in.shape, out.shape)
		}
		chunks[ii] = product(in.shape.Dimensions[axis:])
		total += chunks[ii]
	}
	if total*outer != len(out.flat) {
		return nil, errors.Errorf("Concat inputs don't add up to output %s", out.shape)
	}
	inputs := ctx.inputs
	return func() {
		pos := 0
		for outerIdx := range outer {
			for ii, in := range inputs {
				chunk := chunks[ii]
				copy(out.flat[pos:pos+chunk], in.flat[outerIdx*chunk:(outerIdx+1)*chunk])
				pos += chunk
			}
		}
	}, nil
}

// buildSoftmax handles Softmax and LogSoftmax. Up to opset 12 the input is coerced to a matrix
// at axis (default 1), and the normalization is over the whole rows; from opset 13 it is over
// the single axis (default -1).
func buildSoftmax(ctx *opContext) (kernel, error) {
	if err := ctx.requireInputs(1); err != nil {
		return nil, err
	}
	x, out := ctx.inputs[0], ctx.output()
	rank := x.shape.Rank()
	if rank == 0 {
		return nil, errors.Errorf("%s of a scalar", ctx.node.OpType)
	}
	var outer, size, inner int
	if ctx.opset < 13 {
		axis, err := normalizeAxis(ctx.node.AttrInt("axis", 1), rank)
		if err != nil {
			return nil, err
		}
		outer, size, inner = product(x.shape.Dimensions[:axis]), product(x.shape.Dimensions[axis:]), 1
	} else {
		axis, err := normalizeAxis(ctx.node.AttrInt("axis", -1), rank)
		if err != nil {
			return nil, err
		}
		outer, size, inner = product(x.shape.Dimensions[:axis]), x.shape.Dim(axis), product(x.shape.Dimensions[axis+1:])
	}
	logarithmic := ctx.node.OpType == "LogSoftmax"
	return func() {
		for o := range outer {
			for i := range inner {
				base := o*size*inner + i
				maxValue := float32(math.Inf(-1))
				for j := range size {
					maxValue = max(maxValue, x.flat[base+j*inner])
				}
				var sum float64
				for j := range size {
					idx := base + j*inner
					e := math.Exp(float64(x.flat[idx] - maxValue))
					out.flat[idx] = float32(e)
					sum += e
				}
				if logarithmic {
					logSum := float32(math.Log(sum))
					for j := range size {
						idx := base + j*inner
						out.flat[idx] = x.flat[idx] - maxValue - logSum
					}
					continue
				}
				for j := range size {
					out.flat[base+j*inner] /= float32(sum)
				}
			}
		}
	}, nil
}
