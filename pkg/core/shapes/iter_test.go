// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShape_Strides(t *testing.T) {
	require.Equal(t, []int{12, 4, 1}, Float32(2, 3, 4).Strides())
	require.Equal(t, []int{1}, Float32(5).Strides())
	require.Equal(t, []int{2, 2, 1}, Float32(3, 1, 2).Strides())
}

func TestShape_Iter(t *testing.T) {
	shape := Float32(1, 1, 1, 1)
	collect := make([][]int, 0, shape.Size())
	for flatIdx, indices := range shape.Iter() {
		collect = append(collect, slices.Clone(indices))
		require.Equal(t, 0, flatIdx)
	}
	require.Equal(t, [][]int{{0, 0, 0, 0}}, collect)

	shape = Float32(3, 2)
	collect = collect[:0]
	var flatIndices []int
	for flatIdx, indices := range shape.Iter() {
		collect = append(collect, slices.Clone(indices))
		flatIndices = append(flatIndices, flatIdx)
	}
	require.Equal(t, [][]int{{0, 0}, {0, 1}, {1, 0}, {1, 1}, {2, 0}, {2, 1}}, collect)
	require.Equal(t, []int{0, 1, 2, 3, 4, 5}, flatIndices)

	// Early break must be honored.
	count := 0
	for range Float32(10, 10).Iter() {
		count++
		if count == 7 {
			break
		}
	}
	require.Equal(t, 7, count)
}

func TestShape_Gather(t *testing.T) {
	// Transpose of a [2, 3] source: output [3, 2] with swapped strides.
	require.Equal(t, []int{0, 3, 1, 4, 2, 5}, Float32(3, 2).Gather([]int{1, 3}))

	// Broadcast of a [3] source over a [2, 3] output.
	require.Equal(t, []int{0, 1, 2, 0, 1, 2}, Float32(2, 3).Gather([]int{0, 1}))

	// Scalar shape: a single element at position 0.
	require.Equal(t, []int{0}, Float32().Gather(nil))
}
