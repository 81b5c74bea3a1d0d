// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package generic

import (
	"math"

	"github.com/gomlx/menoh/backends"
	"github.com/gomlx/menoh/pkg/core/profile"
	"github.com/pkg/errors"
)

func init() {
	registerOp(buildConv, "Conv")
	registerOp(buildPool, "MaxPool", "AveragePool")
	registerOp(buildGlobalPool, "GlobalAveragePool", "GlobalMaxPool")
	registerOp(buildBatchNormalization, "BatchNormalization")
}

// window2D holds the resolved parameters of a 2D window over an NCHW input.
type window2D struct {
	kernelH, kernelW     int
	strideH, strideW     int
	dilationH, dilationW int
	padH, padW           int
	inH, inW, outH, outW int
}

func readWindow2D(ctx *opContext, kernel []int) (window2D, error) {
	x, out := ctx.inputs[0], ctx.output()
	if x.shape.Rank() != 4 {
		return window2D{}, errors.Wrapf(backends.ErrNotImplemented, "%s only supports 2D spatial inputs (rank 4), got %s",
			ctx.node.OpType, x.shape)
	}
	w, err := profile.ReadWindow(ctx.node, 2, kernel)
	if err != nil {
		return window2D{}, err
	}
	spatial := x.shape.Dimensions[2:]
	outSpatial := out.shape.Dimensions[2:]
	pads := w.PadsBegin(spatial, outSpatial)
	return window2D{
		kernelH: w.Kernel[0], kernelW: w.Kernel[1],
		strideH: w.Strides[0], strideW: w.Strides[1],
		dilationH: w.Dilations[0], dilationW: w.Dilations[1],
		padH: pads[0], padW: pads[1],
		inH: spatial[0], inW: spatial[1],
		outH: outSpatial[0], outW: outSpatial[1],
	}, nil
}

func buildConv(ctx *opContext) (kernel, error) {
	if err := ctx.requireInputs(2); err != nil {
		return nil, err
	}
	x, w, bias, out := ctx.inputs[0], ctx.inputs[1], ctx.input(2), ctx.output()
	if w.shape.Rank() != 4 {
		return nil, errors.Errorf("Conv kernel %s must have rank 4", w.shape)
	}
	win, err := readWindow2D(ctx, w.shape.Dimensions[2:])
	if err != nil {
		return nil, err
	}
	batchSize, inChannels := x.shape.Dim(0), x.shape.Dim(1)
	outChannels := w.shape.Dim(0)
	group := int(ctx.node.AttrInt("group", 1))
	if group <= 0 || inChannels%group != 0 || outChannels%group != 0 || w.shape.Dim(1)*group != inChannels {
		return nil, errors.Errorf("Conv channels don't match: input %s, kernel %s, group %d", x.shape, w.shape, group)
	}
	if bias != nil && len(bias.flat) != outChannels {
		return nil, errors.Errorf("Conv bias %s doesn't match %d output channels", bias.shape, outChannels)
	}
	channelsPerGroup := inChannels / group
	outChannelsPerGroup := outChannels / group
	planeSize := win.outH * win.outW
	costPerPlane := planeSize * channelsPerGroup * win.kernelH * win.kernelW
	backend := ctx.backend
	return func() {
		backend.parallelize(batchSize*outChannels, costPerPlane, func(start, end int) {
			for item := start; item < end; item++ {
				n, f := item/outChannels, item%outChannels
				firstChannel := (f / outChannelsPerGroup) * channelsPerGroup
				plane := out.flat[item*planeSize : (item+1)*planeSize]
				var initial float32
				if bias != nil {
					initial = bias.flat[f]
				}
				for oh := range win.outH {
					for ow := range win.outW {
						sum := initial
						for c := range channelsPerGroup {
							xChannel := x.flat[(n*inChannels+firstChannel+c)*win.inH*win.inW:]
							kernelBase := (f*channelsPerGroup + c) * win.kernelH * win.kernelW
							for i := range win.kernelH {
								ih := oh*win.strideH - win.padH + i*win.dilationH
								if ih < 0 || ih >= win.inH {
									continue
								}
								for j := range win.kernelW {
									iw := ow*win.strideW - win.padW + j*win.dilationW
									if iw < 0 || iw >= win.inW {
										continue
									}
									sum += xChannel[ih*win.inW+iw] * w.flat[kernelBase+i*win.kernelW+j]
								}
							}
						}
						plane[oh*win.outW+ow] = sum
					}
				}
			}
		})
	}, nil
}

func buildPool(ctx *opContext) (kernel, error) {
	if err := ctx.requireInputs(1); err != nil {
		return nil, err
	}
	x, out := ctx.inputs[0], ctx.output()
	win, err := readWindow2D(ctx, nil)
	if err != nil {
		return nil, err
	}
	isMax := ctx.node.OpType == "MaxPool"
	countIncludePad := ctx.node.AttrInt("count_include_pad", 0) != 0
	numPlanes := x.shape.Dim(0) * x.shape.Dim(1)
	inPlaneSize, outPlaneSize := win.inH*win.inW, win.outH*win.outW
	backend := ctx.backend
	return func() {
		backend.parallelize(numPlanes, outPlaneSize*win.kernelH*win.kernelW, func(start, end int) {
			for plane := start; plane < end; plane++ {
				in := x.flat[plane*inPlaneSize : (plane+1)*inPlaneSize]
				result := out.flat[plane*outPlaneSize : (plane+1)*outPlaneSize]
				for oh := range win.outH {
					for ow := range win.outW {
						value := float32(0)
						if isMax {
							value = float32(math.Inf(-1))
						}
						var count int
						for i := range win.kernelH {
							ih := oh*win.strideH - win.padH + i*win.dilationH
							for j := range win.kernelW {
								iw := ow*win.strideW - win.padW + j*win.dilationW
								if ih < 0 || ih >= win.inH || iw < 0 || iw >= win.inW {
									if countIncludePad && ih < win.inH+win.padH && iw < win.inW+win.padW {
										count++
									}
									continue
								}
								v := in[ih*win.inW+iw]
								if isMax {
									value = max(value, v)
								} else {
									value += v
								}
								count++
							}
						}
						if !isMax && count > 0 {
							value /= float32(count)
						}
						result[oh*win.outW+ow] = value
					}
				}
			}
		})
	}, nil
}

func buildGlobalPool(ctx *opContext) (kernel, error) {
	if err := ctx.requireInputs(1); err != nil {
		return nil, err
	}
	x, out := ctx.inputs[0], ctx.output()
	if x.shape.Rank() < 3 {
		return nil, errors.Errorf("%s input %s must have rank >= 3", ctx.node.OpType, x.shape)
	}
	numPlanes := x.shape.Dim(0) * x.shape.Dim(1)
	planeSize := product(x.shape.Dimensions[2:])
	isMax := ctx.node.OpType == "GlobalMaxPool"
	return func() {
		for plane := range numPlanes {
			values := x.flat[plane*planeSize : (plane+1)*planeSize]
			if isMax {
				result := float32(math.Inf(-1))
				for _, v := range values {
					result = max(result, v)
				}
				out.flat[plane] = result
				continue
			}
			var sum float64
			for _, v := range values {
				sum += float64(v)
			}
			out.flat[plane] = float32(sum / float64(planeSize))
		}
	}, nil
}

// buildBatchNormalization implements the inference mode: y = scale * (x - mean) / sqrt(var + epsilon) + B,
// per channel (axis 1).
func buildBatchNormalization(ctx *opContext) (kernel, error) {
	if err := ctx.requireInputs(5); err != nil {
		return nil, err
	}
	x, scale, bias, mean, variance, out := ctx.inputs[0], ctx.inputs[1], ctx.inputs[2], ctx.inputs[3], ctx.inputs[4], ctx.output()
	if x.shape.Rank() < 2 {
		return nil, errors.Errorf("BatchNormalization input %s must have rank >= 2", x.shape)
	}
	channels := x.shape.Dim(1)
	for _, param := range []*tensor{scale, bias, mean, variance} {
		if len(param.flat) != channels {
			return nil, errors.Errorf("BatchNormalization parameter %s doesn't match %d channels", param.shape, channels)
		}
	}
	epsilon := float64(ctx.node.AttrFloat("epsilon", 1e-5))
	batchSize := x.shape.Dim(0)
	planeSize := product(x.shape.Dimensions[2:])
	return func() {
		for c := range channels {
			factor := float32(float64(scale.flat[c]) / math.Sqrt(float64(variance.flat[c])+epsilon))
			shift := bias.flat[c] - mean.flat[c]*factor
			for n := range batchSize {
				base := (n*channels + c) * planeSize
				for ii := base; ii < base+planeSize; ii++ {
					out.flat[ii] = x.flat[ii]*factor + shift
				}
			}
		}
	}, nil
}
