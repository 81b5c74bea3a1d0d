// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package generic

import (
	"slices"

	"github.com/gomlx/menoh/pkg/core/shapes"
	"github.com/pkg/errors"
)

func init() {
	registerOp(buildMatMul, "MatMul")
	registerOp(buildGemm, "Gemm")
}

// matrixLayout describes how to read a [rows, cols] matrix from a flat slice.
type matrixLayout struct {
	rowStride, colStride int
}

func rowMajor(cols int) matrixLayout { return matrixLayout{rowStride: cols, colStride: 1} }

func transposed(cols int) matrixLayout { return matrixLayout{rowStride: 1, colStride: cols} }

// matMulRows computes out[i, :] = alpha * sum_k lhs[i, k] * rhs[k, :], for the rows in
// [rowStart, rowEnd). out is row-major with n columns, and it is overwritten.
func matMulRows(out, lhs, rhs []float32, lhsLayout, rhsLayout matrixLayout, rowStart, rowEnd, n, k int, alpha float32) {
	for row := rowStart; row < rowEnd; row++ {
		outRow := out[row*n : (row+1)*n]
		clear(outRow)
		for contract := range k {
			lhsValue := alpha * lhs[row*lhsLayout.rowStride+contract*lhsLayout.colStride]
			if lhsValue == 0 {
				continue
			}
			if rhsLayout.colStride == 1 {
				rhsRow := rhs[contract*rhsLayout.rowStride : contract*rhsLayout.rowStride+n]
				for col, rhsValue := range rhsRow {
					outRow[col] += lhsValue * rhsValue
				}
				continue
			}
			for col := range n {
				outRow[col] += lhsValue * rhs[contract*rhsLayout.rowStride+col*rhsLayout.colStride]
			}
		}
	}
}

// buildMatMul implements numpy-like matrix multiplication: the last 2 axes are multiplied, and the
// leading (batch) axes are broadcast. 1D operands are promoted to matrices.
func buildMatMul(ctx *opContext) (kernel, error) {
	if err := ctx.requireInputs(2); err != nil {
		return nil, err
	}
	lhs, rhs, out := ctx.inputs[0], ctx.inputs[1], ctx.output()
	lhsDims, rhsDims := slices.Clone(lhs.shape.Dimensions), slices.Clone(rhs.shape.Dimensions)
	if len(lhsDims) == 0 || len(rhsDims) == 0 {
		return nil, errors.New("MatMul operands can't be scalars")
	}
	if len(lhsDims) == 1 {
		lhsDims = []int{1, lhsDims[0]}
	}
	if len(rhsDims) == 1 {
		rhsDims = []int{rhsDims[0], 1}
	}
	m, k := lhsDims[len(lhsDims)-2], lhsDims[len(lhsDims)-1]
	n := rhsDims[len(rhsDims)-1]
	if rhsDims[len(rhsDims)-2] != k {
		return nil, errors.Errorf("MatMul contracting dimensions don't match: %s x %s", lhs.shape, rhs.shape)
	}
	lhsBatch, rhsBatch := lhsDims[:len(lhsDims)-2], rhsDims[:len(rhsDims)-2]
	outBatch := make([]int, max(len(lhsBatch), len(rhsBatch)))
	for axis := range outBatch {
		lhsDim, rhsDim := 1, 1
		if idx := axis - (len(outBatch) - len(lhsBatch)); idx >= 0 {
			lhsDim = lhsBatch[idx]
		}
		if idx := axis - (len(outBatch) - len(rhsBatch)); idx >= 0 {
			rhsDim = rhsBatch[idx]
		}
		outBatch[axis] = max(lhsDim, rhsDim)
	}
	numBatches := product(outBatch)
	if numBatches*m*n != len(out.flat) {
		return nil, errors.Errorf("MatMul output %s doesn't match operands %s x %s", out.shape, lhs.shape, rhs.shape)
	}
	lhsOffsets := batchOffsets(lhsBatch, outBatch)
	rhsOffsets := batchOffsets(rhsBatch, outBatch)
	backend := ctx.backend
	return func() {
		backend.parallelize(numBatches*m, n*k, func(start, end int) {
			for row := start; row < end; {
				batch := row / m
				rowInBatch := row % m
				batchEnd := min(end-batch*m, m)
				matMulRows(out.flat[batch*m*n:(batch+1)*m*n],
					lhs.flat[lhsOffsets[batch]*m*k:], rhs.flat[rhsOffsets[batch]*k*n:],
					rowMajor(k), rowMajor(n), rowInBatch, batchEnd, n, k, 1)
				row += batchEnd - rowInBatch
			}
		})
	}, nil
}

// batchOffsets returns for each batch of the output the index of the corresponding batch of the
// input, broadcasting as needed.
func batchOffsets(inBatch, outBatch []int) []int {
	if len(outBatch) == 0 {
		return []int{0}
	}
	outShape := shapes.Float32(outBatch...)
	mapping := indexMap(shapes.Float32(inBatch...), outShape)
	if mapping == nil {
		mapping = make([]int, outShape.Size())
		for ii := range mapping {
			mapping[ii] = ii
		}
	}
	return mapping
}

// buildGemm implements Y = alpha * A' * B' + beta * C, where A' and B' are optionally transposed,
// and C is broadcast to the output.
func buildGemm(ctx *opContext) (kernel, error) {
	if err := ctx.requireInputs(2); err != nil {
		return nil, err
	}
	a, b, c, out := ctx.inputs[0], ctx.inputs[1], ctx.input(2), ctx.output()
	if a.shape.Rank() != 2 || b.shape.Rank() != 2 || out.shape.Rank() != 2 {
		return nil, errors.Errorf("Gemm requires matrices, got %s x %s", a.shape, b.shape)
	}
	alpha := ctx.node.AttrFloat("alpha", 1)
	beta := ctx.node.AttrFloat("beta", 1)
	m, k := a.shape.Dim(0), a.shape.Dim(1)
	aLayout := rowMajor(k)
	if ctx.node.AttrInt("transA", 0) != 0 {
		m, k = k, m
		aLayout = transposed(m)
	}
	kB, n := b.shape.Dim(0), b.shape.Dim(1)
	bLayout := rowMajor(n)
	if ctx.node.AttrInt("transB", 0) != 0 {
		kB, n = n, kB
		bLayout = transposed(kB)
	}
	if k != kB {
		return nil, errors.Errorf("Gemm contracting dimensions don't match: %s x %s", a.shape, b.shape)
	}
	if out.shape.Dim(0) != m || out.shape.Dim(1) != n {
		return nil, errors.Errorf("Gemm output %s doesn't match operands %s x %s", out.shape, a.shape, b.shape)
	}
	var cMap []int
	if c != nil {
		if c.shape.Rank() > 2 {
			return nil, errors.Errorf("Gemm bias %s can't be broadcast to %s", c.shape, out.shape)
		}
		cMap = indexMap(c.shape, out.shape)
	}
	backend := ctx.backend
	return func() {
		backend.parallelize(m, n*k, func(start, end int) {
			matMulRows(out.flat, a.flat, b.flat, aLayout, bLayout, start, end, n, k, alpha)
			if c == nil || beta == 0 {
				return
			}
			for ii := start * n; ii < end*n; ii++ {
				cIdx := ii
				if cMap != nil {
					cIdx = cMap[ii]
				}
				out.flat[ii] += beta * c.flat[cIdx]
			}
		})
	}, nil
}
