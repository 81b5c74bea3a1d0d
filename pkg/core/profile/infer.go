// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package profile

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/menoh/pkg/core/onnx"
	"github.com/gomlx/menoh/pkg/core/shapes"
	"github.com/pkg/errors"
)

// errNoRule is returned by resolver.infer for operators without a shape propagation rule.
var errNoRule = errors.New("no shape propagation rule")

// resolver propagates shapes through the nodes of a graph.
type resolver struct {
	graph  *onnx.GraphProto
	shapes map[string]shapes.Shape

	// constants are the tensors with known values (initializers and Constant node outputs),
	// used by rules that take shapes as inputs (Reshape).
	constants map[string]*onnx.TensorProto
}

// resolve the shapes of the outputs of node, whose inputs must be already resolved.
func (r *resolver) resolve(node *onnx.NodeProto) error {
	inputs := make([]shapes.Shape, len(node.Inputs))
	for i, name := range node.Inputs {
		if name == "" {
			inputs[i] = shapes.Invalid()
			continue
		}
		shape, found := r.shapes[name]
		if !found {
			return errors.Errorf("value %q is not a graph input, an initializer or the output of any node", name)
		}
		inputs[i] = shape
	}
	outputs, err := r.infer(node, inputs)
	if errors.Is(err, errNoRule) {
		outputs, err = r.fromValueInfo(node)
	}
	if err != nil {
		return err
	}
	for i, shape := range outputs {
		if i >= len(node.Outputs) || node.Outputs[i] == "" {
			continue
		}
		if err := shapes.Validate(shape.Dimensions); err != nil {
			return errors.WithMessagef(err, "output %q", node.Outputs[i])
		}
		r.shapes[node.Outputs[i]] = shape
	}
	return nil
}

// fromValueInfo returns the static shapes annotated in the graph for the outputs of node.
func (r *resolver) fromValueInfo(node *onnx.NodeProto) ([]shapes.Shape, error) {
	outputs := make([]shapes.Shape, len(node.Outputs))
	for i, name := range node.Outputs {
		if name == "" {
			continue
		}
		vi := r.graph.ValueInfoFor(name)
		if vi == nil {
			return nil, errors.Errorf("operator %s has no shape propagation rule, and no shape is annotated for %q",
				node.OpType, name)
		}
		dims, ok := vi.StaticDims()
		if !ok {
			return nil, errors.Errorf("operator %s has no shape propagation rule, and the shape annotated for %q is not static",
				node.OpType, name)
		}
		outputs[i] = shapes.Make(dtypeOf(vi.ElemType()), dims...)
	}
	return outputs, nil
}

func (r *resolver) infer(node *onnx.NodeProto, inputs []shapes.Shape) ([]shapes.Shape, error) {
	if node.Domain != "" && node.Domain != onnx.DefaultDomain {
		return nil, errNoRule
	}
	if node.OpType != "Constant" {
		if len(inputs) == 0 {
			return nil, errNoRule
		}
		if !inputs[0].Ok() {
			return nil, errors.New("missing first input")
		}
	}
	switch node.OpType {
	case "Identity", "Relu", "LeakyRelu", "Elu", "Selu", "Sigmoid", "HardSigmoid", "Tanh", "Exp", "Log",
		"Abs", "Neg", "Sqrt", "Reciprocal", "Floor", "Ceil", "Sign", "Softplus", "Erf", "Clip",
		"Softmax", "LogSoftmax", "LRN", "BatchNormalization", "InstanceNormalization":
		return []shapes.Shape{inputs[0]}, nil
	case "Dropout":
		return []shapes.Shape{inputs[0], shapes.Make(dtypes.Bool, inputs[0].Dimensions...)}, nil
	case "Add", "Sub", "Mul", "Div", "Pow", "Max", "Min", "Sum", "Mean":
		shape, err := Broadcast(inputs...)
		return []shapes.Shape{shape}, err
	case "MatMul":
		return one(inferMatMul(inputs))
	case "Gemm":
		return one(inferGemm(node, inputs))
	case "Flatten":
		return one(inferFlatten(node, inputs[0]))
	case "Reshape":
		return one(r.inferReshape(node, inputs))
	case "Transpose":
		return one(inferTranspose(node, inputs[0]))
	case "Concat":
		return one(inferConcat(node, inputs))
	case "Conv":
		return one(inferConv(node, inputs))
	case "MaxPool", "AveragePool":
		shape, err := inferPool(node, inputs[0])
		// MaxPool has an optional Indices output of the same shape.
		return []shapes.Shape{shape, shapes.Make(dtypes.Int64, shape.Dimensions...)}, err
	case "GlobalAveragePool", "GlobalMaxPool":
		return one(inferGlobalPool(inputs[0]))
	case "Constant":
		return one(r.inferConstant(node))
	}
	return nil, errNoRule
}

func one(shape shapes.Shape, err error) ([]shapes.Shape, error) {
	if err != nil {
		return nil, err
	}
	return []shapes.Shape{shape}, nil
}

// Broadcast returns the shape resulting from the multidirectional (numpy-style) broadcast of
// the given shapes. The dtype is taken from the first shape.
func Broadcast(inputs ...shapes.Shape) (shapes.Shape, error) {
	if len(inputs) == 0 {
		return shapes.Invalid(), errors.New("no shapes to broadcast")
	}
	rank := 0
	for _, input := range inputs {
		rank = max(rank, input.Rank())
	}
	dims := make([]int, rank)
	for axis := range dims {
		dims[axis] = 1
	}
	for _, input := range inputs {
		offset := rank - input.Rank()
		for axis, dim := range input.Dimensions {
			outAxis := offset + axis
			switch {
			case dim == dims[outAxis] || dim == 1:
			case dims[outAxis] == 1:
				dims[outAxis] = dim
			default:
				return shapes.Invalid(), errors.Errorf("shapes %v cannot be broadcast together", inputs)
			}
		}
	}
	return shapes.Make(inputs[0].DType, dims...), nil
}

func inferMatMul(inputs []shapes.Shape) (shapes.Shape, error) {
	if len(inputs) != 2 || !inputs[1].Ok() {
		return shapes.Invalid(), errors.New("MatMul requires 2 inputs")
	}
	a, b := inputs[0].Clone(), inputs[1].Clone()
	if a.Rank() == 0 || b.Rank() == 0 {
		return shapes.Invalid(), errors.New("MatMul doesn't accept scalars")
	}
	aVector, bVector := a.Rank() == 1, b.Rank() == 1
	if aVector {
		a.Dimensions = []int{1, a.Dimensions[0]}
	}
	if bVector {
		b.Dimensions = []int{b.Dimensions[0], 1}
	}
	k := a.Dim(-1)
	if b.Dim(-2) != k {
		return shapes.Invalid(), errors.Errorf("MatMul contracting dimensions don't match: %s x %s", inputs[0], inputs[1])
	}
	batchA := shapes.Make(a.DType, a.Dimensions[:a.Rank()-2]...)
	batchB := shapes.Make(b.DType, b.Dimensions[:b.Rank()-2]...)
	batch, err := Broadcast(batchA, batchB)
	if err != nil {
		return shapes.Invalid(), errors.WithMessage(err, "MatMul batch dimensions")
	}
	dims := batch.Dimensions
	if !aVector {
		dims = append(dims, a.Dim(-2))
	}
	if !bVector {
		dims = append(dims, b.Dim(-1))
	}
	return shapes.Make(a.DType, dims...), nil
}

func inferGemm(node *onnx.NodeProto, inputs []shapes.Shape) (shapes.Shape, error) {
	if len(inputs) < 2 || !inputs[1].Ok() {
		return shapes.Invalid(), errors.New("Gemm requires at least 2 inputs")
	}
	a, b := inputs[0], inputs[1]
	if a.Rank() != 2 || b.Rank() != 2 {
		return shapes.Invalid(), errors.Errorf("Gemm requires rank-2 inputs, got %s and %s", a, b)
	}
	m, k := a.Dim(0), a.Dim(1)
	if node.AttrInt("transA", 0) != 0 {
		m, k = k, m
	}
	kB, n := b.Dim(0), b.Dim(1)
	if node.AttrInt("transB", 0) != 0 {
		kB, n = n, kB
	}
	if k != kB {
		return shapes.Invalid(), errors.Errorf("Gemm contracting dimensions don't match: %s x %s", a, b)
	}
	output := shapes.Make(a.DType, m, n)
	if len(inputs) > 2 && inputs[2].Ok() {
		broadcast, err := Broadcast(output, inputs[2])
		if err != nil || !broadcast.EqualDimensions(output) {
			return shapes.Invalid(), errors.Errorf("Gemm bias %s is not unidirectionally broadcastable to %s", inputs[2], output)
		}
	}
	return output, nil
}

func inferFlatten(node *onnx.NodeProto, input shapes.Shape) (shapes.Shape, error) {
	axis := int(node.AttrInt("axis", 1))
	if axis < 0 {
		axis += input.Rank()
	}
	if axis < 0 || axis > input.Rank() {
		return shapes.Invalid(), errors.Errorf("Flatten axis %d out of range for %s", node.AttrInt("axis", 1), input)
	}
	outer := 1
	for _, dim := range input.Dimensions[:axis] {
		outer *= dim
	}
	return shapes.Make(input.DType, outer, input.Size()/outer), nil
}

func (r *resolver) inferReshape(node *onnx.NodeProto, inputs []shapes.Shape) (shapes.Shape, error) {
	input := inputs[0]
	var target []int64
	if len(node.Inputs) > 1 {
		constant, found := r.constants[node.Inputs[1]]
		if !found {
			return shapes.Invalid(), errors.Errorf("Reshape target shape %q is not a constant", node.Inputs[1])
		}
		var err error
		target, err = constant.Int64s()
		if err != nil {
			return shapes.Invalid(), err
		}
	} else {
		// Opset < 5 took the shape as an attribute.
		target = node.AttrInts("shape")
	}
	allowZero := node.AttrInt("allowzero", 0) != 0
	dims := make([]int, len(target))
	inferredAxis := -1
	known := 1
	for axis, dim := range target {
		switch {
		case dim == 0 && !allowZero:
			if axis >= input.Rank() {
				return shapes.Invalid(), errors.Errorf("Reshape target %v copies axis %d, out of range for %s", target, axis, input)
			}
			dims[axis] = input.Dimensions[axis]
		case dim == -1:
			if inferredAxis >= 0 {
				return shapes.Invalid(), errors.Errorf("Reshape target %v has more than one -1", target)
			}
			inferredAxis = axis
			continue
		case dim <= 0:
			return shapes.Invalid(), errors.Errorf("Reshape target %v has invalid dimension %d", target, dim)
		default:
			dims[axis] = int(dim)
		}
		known *= dims[axis]
	}
	if inferredAxis >= 0 {
		if known == 0 || input.Size()%known != 0 {
			return shapes.Invalid(), errors.Errorf("Reshape of %s to %v: cannot infer the -1 dimension", input, target)
		}
		dims[inferredAxis] = input.Size() / known
		known *= dims[inferredAxis]
	}
	if known != input.Size() {
		return shapes.Invalid(), errors.Errorf("Reshape of %s to %v changes the number of elements", input, target)
	}
	return shapes.Make(input.DType, dims...), nil
}

// Permutation returns the Transpose permutation of node for the given rank: the "perm" attribute,
// or the reversed axes by default.
func Permutation(node *onnx.NodeProto, rank int) ([]int, error) {
	perm64 := node.AttrInts("perm")
	perm := make([]int, rank)
	if perm64 == nil {
		for axis := range perm {
			perm[axis] = rank - 1 - axis
		}
		return perm, nil
	}
	if len(perm64) != rank {
		return nil, errors.Errorf("Transpose perm %v doesn't match rank %d", perm64, rank)
	}
	seen := make([]bool, rank)
	for i, axis := range perm64 {
		if axis < 0 || int(axis) >= rank || seen[axis] {
			return nil, errors.Errorf("Transpose perm %v is not a permutation of the axes", perm64)
		}
		seen[axis] = true
		perm[i] = int(axis)
	}
	return perm, nil
}

func inferTranspose(node *onnx.NodeProto, input shapes.Shape) (shapes.Shape, error) {
	perm, err := Permutation(node, input.Rank())
	if err != nil {
		return shapes.Invalid(), err
	}
	dims := make([]int, input.Rank())
	for i, axis := range perm {
		dims[i] = input.Dimensions[axis]
	}
	return shapes.Make(input.DType, dims...), nil
}

func inferConcat(node *onnx.NodeProto, inputs []shapes.Shape) (shapes.Shape, error) {
	if node.Attribute("axis") == nil {
		return shapes.Invalid(), errors.New("Concat requires the axis attribute")
	}
	first := inputs[0]
	axis := int(node.AttrInt("axis", 0))
	if axis < 0 {
		axis += first.Rank()
	}
	if axis < 0 || axis >= first.Rank() {
		return shapes.Invalid(), errors.Errorf("Concat axis %d out of range for %s", node.AttrInt("axis", 0), first)
	}
	dims := slices.Clone(first.Dimensions)
	for _, input := range inputs[1:] {
		if input.Rank() != first.Rank() {
			return shapes.Invalid(), errors.Errorf("Concat inputs have different ranks: %v", inputs)
		}
		for i, dim := range input.Dimensions {
			if i == axis {
				dims[i] += dim
			} else if dim != dims[i] {
				return shapes.Invalid(), errors.Errorf("Concat inputs have different dimensions at axis %d: %v", i, inputs)
			}
		}
	}
	return shapes.Make(first.DType, dims...), nil
}

// Window holds the window parameters of convolutions and pooling, for the spatial axes.
type Window struct {
	Kernel, Strides, Dilations []int

	// Pads holds the explicit paddings: the begin paddings of all spatial axes, followed by the end ones.
	Pads     []int
	AutoPad  string
	CeilMode bool
}

// ReadWindow reads the window attributes of node. The kernel_shape attribute, if present, takes
// precedence over kernel.
func ReadWindow(node *onnx.NodeProto, numSpatial int, kernel []int) (Window, error) {
	w := Window{
		Kernel:    kernel,
		Strides:   ones(numSpatial),
		Dilations: ones(numSpatial),
		Pads:      make([]int, 2*numSpatial),
		AutoPad:   node.AttrString("auto_pad", "NOTSET"),
		CeilMode:  node.AttrInt("ceil_mode", 0) != 0,
	}
	if attr := node.AttrInts("kernel_shape"); attr != nil {
		w.Kernel = toInts(attr)
	}
	if attr := node.AttrInts("strides"); attr != nil {
		w.Strides = toInts(attr)
	}
	if attr := node.AttrInts("dilations"); attr != nil {
		w.Dilations = toInts(attr)
	}
	if attr := node.AttrInts("pads"); attr != nil {
		w.Pads = toInts(attr)
	}
	if len(w.Kernel) != numSpatial || len(w.Strides) != numSpatial || len(w.Dilations) != numSpatial ||
		len(w.Pads) != 2*numSpatial {
		return w, errors.Errorf("window attributes (kernel_shape=%v, strides=%v, dilations=%v, pads=%v) don't match %d spatial axes",
			w.Kernel, w.Strides, w.Dilations, w.Pads, numSpatial)
	}
	return w, nil
}

// OutputDims returns the dimensions of the spatial axes of the output, given the ones of the input.
func (w Window) OutputDims(spatial []int) ([]int, error) {
	dims := make([]int, len(spatial))
	for i, in := range spatial {
		if w.Strides[i] <= 0 || w.Dilations[i] <= 0 || w.Kernel[i] <= 0 {
			return nil, errors.Errorf("invalid window parameters at spatial axis %d", i)
		}
		effectiveKernel := (w.Kernel[i]-1)*w.Dilations[i] + 1
		switch w.AutoPad {
		case "SAME_UPPER", "SAME_LOWER":
			dims[i] = (in + w.Strides[i] - 1) / w.Strides[i]
		case "VALID":
			dims[i] = (in-effectiveKernel)/w.Strides[i] + 1
		case "NOTSET", "":
			padded := in + w.Pads[i] + w.Pads[i+len(spatial)] - effectiveKernel
			if padded < 0 {
				return nil, errors.Errorf("window of size %d larger than padded input %d at spatial axis %d",
					effectiveKernel, in+w.Pads[i]+w.Pads[i+len(spatial)], i)
			}
			if w.CeilMode {
				dims[i] = (padded+w.Strides[i]-1)/w.Strides[i] + 1
			} else {
				dims[i] = padded/w.Strides[i] + 1
			}
		default:
			return nil, errors.Errorf("unknown auto_pad %q", w.AutoPad)
		}
		if dims[i] <= 0 {
			return nil, errors.Errorf("window of size %d yields no output at spatial axis %d of dimension %d",
				effectiveKernel, i, in)
		}
	}
	return dims, nil
}

// PadsBegin returns the padding at the start of each spatial axis, resolving auto_pad.
func (w Window) PadsBegin(spatial, output []int) []int {
	begin := make([]int, len(spatial))
	for i, in := range spatial {
		switch w.AutoPad {
		case "SAME_UPPER", "SAME_LOWER":
			effectiveKernel := (w.Kernel[i]-1)*w.Dilations[i] + 1
			total := max((output[i]-1)*w.Strides[i]+effectiveKernel-in, 0)
			if w.AutoPad == "SAME_UPPER" {
				begin[i] = total / 2
			} else {
				begin[i] = total - total/2
			}
		case "VALID":
		default:
			begin[i] = w.Pads[i]
		}
	}
	return begin
}

func inferConv(node *onnx.NodeProto, inputs []shapes.Shape) (shapes.Shape, error) {
	if len(inputs) < 2 || !inputs[1].Ok() {
		return shapes.Invalid(), errors.New("Conv requires at least 2 inputs")
	}
	x, w := inputs[0], inputs[1]
	if x.Rank() < 3 || w.Rank() != x.Rank() {
		return shapes.Invalid(), errors.Errorf("Conv input %s and kernel %s ranks are not compatible", x, w)
	}
	group := int(node.AttrInt("group", 1))
	if group <= 0 || x.Dim(1) != w.Dim(1)*group {
		return shapes.Invalid(), errors.Errorf("Conv input channels %d don't match kernel %s with group %d", x.Dim(1), w, group)
	}
	numSpatial := x.Rank() - 2
	params, err := ReadWindow(node, numSpatial, w.Dimensions[2:])
	if err != nil {
		return shapes.Invalid(), err
	}
	spatial, err := params.OutputDims(x.Dimensions[2:])
	if err != nil {
		return shapes.Invalid(), err
	}
	return shapes.Make(x.DType, append([]int{x.Dim(0), w.Dim(0)}, spatial...)...), nil
}

func inferPool(node *onnx.NodeProto, x shapes.Shape) (shapes.Shape, error) {
	if x.Rank() < 3 {
		return shapes.Invalid(), errors.Errorf("%s input %s must have rank >= 3", node.OpType, x)
	}
	if node.AttrInts("kernel_shape") == nil {
		return shapes.Invalid(), errors.Errorf("%s requires the kernel_shape attribute", node.OpType)
	}
	params, err := ReadWindow(node, x.Rank()-2, nil)
	if err != nil {
		return shapes.Invalid(), err
	}
	spatial, err := params.OutputDims(x.Dimensions[2:])
	if err != nil {
		return shapes.Invalid(), err
	}
	return shapes.Make(x.DType, append([]int{x.Dim(0), x.Dim(1)}, spatial...)...), nil
}

func inferGlobalPool(x shapes.Shape) (shapes.Shape, error) {
	if x.Rank() < 3 {
		return shapes.Invalid(), errors.Errorf("global pooling input %s must have rank >= 3", x)
	}
	dims := ones(x.Rank())
	dims[0], dims[1] = x.Dim(0), x.Dim(1)
	return shapes.Make(x.DType, dims...), nil
}

func (r *resolver) inferConstant(node *onnx.NodeProto) (shapes.Shape, error) {
	var tensor *onnx.TensorProto
	switch {
	case node.Attribute("value") != nil:
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
	}
	if tensor == nil {
		return shapes.Invalid(), errors.New("Constant node without a supported value attribute")
	}
	if len(node.Outputs) > 0 {
		r.constants[node.Outputs[0]] = tensor
	}
	dims := tensor.DimsInt()
	if err := shapes.Validate(dims); err != nil {
		return shapes.Invalid(), err
	}
	return shapes.Make(dtypeOf(tensor.DataType), dims...), nil
}

func ones(n int) []int {
	values := make([]int, n)
	for i := range values {
		values[i] = 1
	}
	return values
}

func toInts(values []int64) []int {
	ints := make([]int, len(values))
	for i, v := range values {
		ints[i] = int(v)
	}
	return ints
}
