// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package generic

import (
	"runtime"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/menoh/pkg/core/onnx"
	"github.com/gomlx/menoh/pkg/core/shapes"
	"github.com/gomlx/menoh/pkg/support/xsync"
	"github.com/pkg/errors"
)

// kernel executes one node, reading its input tensors and writing its output tensors.
// Errors are reported by panicking (see exceptions.Panicf).
type kernel func()

// opContext holds what an opBuilder needs to bind a node to a kernel.
type opContext struct {
	backend *Backend
	node    *onnx.NodeProto
	opset   int64

	// inputs and outputs are nil for missing optional values.
	inputs, outputs []*tensor
}

// opBuilder validates a node and returns its kernel.
type opBuilder func(ctx *opContext) (kernel, error)

// opBuilders maps ONNX operator types to their builders. It is populated during initialization.
var opBuilders = make(map[string]opBuilder)

func registerOp(builder opBuilder, opTypes ...string) {
	for _, opType := range opTypes {
		opBuilders[opType] = builder
	}
}

// SupportedOps returns the operator types supported by the generic engine.
func SupportedOps() []string {
	ops := make([]string, 0, len(opBuilders))
	for opType := range opBuilders {
		ops = append(ops, opType)
	}
	return ops
}

// requireInputs checks that the first n inputs are present.
func (ctx *opContext) requireInputs(n int) error {
	if len(ctx.inputs) < n {
		return errors.Errorf("%s requires %d inputs, got %d", ctx.node.OpType, n, len(ctx.inputs))
	}
	for ii := range n {
		if ctx.inputs[ii] == nil {
			return errors.Errorf("%s input #%d is missing", ctx.node.OpType, ii)
		}
	}
	return nil
}

// input returns the ii-th input, or nil if it is missing.
func (ctx *opContext) input(ii int) *tensor {
	if ii >= len(ctx.inputs) {
		return nil
	}
	return ctx.inputs[ii]
}

// output returns the first output.
func (ctx *opContext) output() *tensor {
	return ctx.outputs[0]
}

// minParallelWork is the minimum amount of work (in multiply-adds) worth splitting across workers.
const minParallelWork = 16 * 1024

// parallelize calls fn over contiguous ranges of [0, numItems), split across the backend workers
// if the total cost justifies it. It returns when all ranges have been processed.
//
// Panics raised by fn in other goroutines are re-raised in the caller.
func (b *Backend) parallelize(numItems, costPerItem int, fn func(start, end int)) {
	if numItems <= 0 {
		return
	}
	maxParallelism := b.workers.MaxParallelism()
	if maxParallelism == 0 || numItems < 2 || numItems*costPerItem < minParallelWork {
		fn(0, numItems)
		return
	}
	if maxParallelism < 0 {
		maxParallelism = runtime.NumCPU()
	}
	numChunks := min(maxParallelism, numItems)
	chunkSize := (numItems + numChunks - 1) / numChunks

	var (
		errMu    sync.Mutex
		firstErr error
	)
	wg := xsync.NewDynamicWaitGroup() // Control workers started.
	for start := 0; start < numItems; start += chunkSize {
		end := min(start+chunkSize, numItems)
		wg.Add(1)
		task := func() {
			defer wg.Done()
			err := exceptions.TryCatch[error](func() { fn(start, end) })
			if err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		}
		if !b.workers.StartIfAvailable(task) {
			// No worker available, run it in the current goroutine.
			task()
		}
	}
	wg.Wait()
	if firstErr != nil {
		panic(firstErr)
	}
}

// indexMap returns for each flat index of out the flat index of in, when in is broadcast to out
// following the numpy rules. It returns nil if no broadcasting is needed.
func indexMap(in, out shapes.Shape) []int {
	if in.EqualDimensions(out) {
		return nil
	}
	rank := out.Rank()
	offset := rank - in.Rank()
	strides := make([]int, rank)
	inStrides := in.Strides()
	for axis, dim := range in.Dimensions {
		if dim != 1 {
			strides[axis+offset] = inStrides[axis]
		}
	}
	return out.Gather(strides)
}

// normalizeAxis converts a negative axis to its positive counterpart, and checks its bounds.
func normalizeAxis(axis int64, rank int) (int, error) {
	adjusted := int(axis)
	if adjusted < 0 {
		adjusted += rank
	}
	if adjusted < 0 || adjusted >= rank {
		return 0, errors.Errorf("axis %d out of bounds for rank %d", axis, rank)
	}
	return adjusted, nil
}

// product of the dimensions.
func product(dims []int) int {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	return size
}
