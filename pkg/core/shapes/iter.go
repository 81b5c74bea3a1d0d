// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import "iter"

// Strides of each axis in a row-major layout, counted in elements (not bytes).
// A scalar has no strides.
func (s Shape) Strides() []int {
	strides := make([]int, s.Rank())
	stride := 1
	for axis := len(strides) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= s.Dimensions[axis]
	}
	if len(strides) == 0 {
		return nil
	}
	return strides
}

// Iter yields, in row-major order, the flat position and the per-axis indices of every
// element of the shape.
//
// The indices slice is reused between iterations: clone it if it must outlive the step.
func (s Shape) Iter() iter.Seq2[int, []int] {
	return func(yield func(int, []int) bool) {
		size := s.Size()
		if !s.Ok() || size <= 0 {
			return
		}
		indices := make([]int, s.Rank())
		for flatIdx := range size {
			if !yield(flatIdx, indices) {
				return
			}
			// Odometer increment: the last axis moves fastest.
			for axis := len(indices) - 1; axis >= 0; axis-- {
				if indices[axis]++; indices[axis] < s.Dimensions[axis] {
					break
				}
				indices[axis] = 0
			}
		}
	}
}

// Gather returns, for each element of the shape in row-major order, the flat position
// sum(indices[axis] * strides[axis]) into some source buffer.
//
// A zero stride repeats the source along that axis (broadcasting). Permuted strides
// transpose it.
func (s Shape) Gather(strides []int) []int {
	positions := make([]int, s.Size())
	for flatIdx, indices := range s.Iter() {
		var pos int
		for axis, idx := range indices {
			pos += idx * strides[axis]
		}
		positions[flatIdx] = pos
	}
	return positions
}
