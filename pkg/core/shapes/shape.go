// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the dtype and dimensions of a tensor variable.
//
// Shapes are used by the profile table (the resolved shape of every declared variable), by the
// engines to size the buffers they own and by the runtime to size the buffers it attaches.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a tensor.
//   - Axis: the index of a dimension. Sometimes used interchangeably with Dimension, but here we
//     refer to a dimension index as "axis" (plural axes), and its size as its dimension.
//   - Dimension: the size of a tensor in one of its axes.
//   - DType: the data type of the unit element of a tensor. Enumeration defined in
//     github.com/gomlx/gopjrt/dtypes. Variables exchanged with the engines are always dtypes.Float32.
//   - Scalar: a shape with no axes, only a single value.
//
// Example: a tensor with 2 rows and 3 columns of float32 has shape `(Float32)[2 3]`, rank 2,
// and can be created with `shapes.Make(dtypes.Float32, 2, 3)`.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Shape of a variable: element type and the extent of each axis. A shape with no axes is a
// scalar. Create it with Make or Float32.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// MaxSize is the largest number of elements of a shape accepted by Validate: 8GiB of float32.
const MaxSize = 1 << 31

// Make builds a shape, copying dimensions. It panics on a non-positive dimension; check
// dimensions from user input with Validate first.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	if axis := nonPositiveAxis(dimensions); axis >= 0 {
		exceptions.Panicf("shapes.Make(%s, %v): dimension at axis %d is not positive", dtype, dimensions, axis)
	}
	return Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
}

// Float32 shape with the given dimensions.
func Float32(dimensions ...int) Shape { return Make(dtypes.Float32, dimensions...) }

func nonPositiveAxis(dimensions []int) int {
	return slices.IndexFunc(dimensions, func(dim int) bool { return dim <= 0 })
}

// Validate returns an error if a dimension is not positive, or if the number of elements
// exceeds MaxSize. The product is checked axis by axis, so it never overflows.
func Validate(dimensions []int) error {
	if axis := nonPositiveAxis(dimensions); axis >= 0 {
		return errors.Errorf("dimension %d at axis %d of %v is not positive", dimensions[axis], axis, dimensions)
	}
	size := 1
	for _, dim := range dimensions {
		if dim > MaxSize/size {
			return errors.Errorf("dimensions %v have more than %d elements", dimensions, MaxSize)
		}
		size *= dim
	}
	return nil
}

// Invalid is the shape of unknown variables. Its Ok method returns false, and so does the
// zero Shape's.
func Invalid() Shape { return Shape{DType: dtypes.InvalidDType} }

// Ok is false for Invalid and zero shapes.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank is the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar is true for valid shapes without axes.
func (s Shape) IsScalar() bool { return s.Ok() && len(s.Dimensions) == 0 }

// Dim returns the extent of axis. Negative axes count from the end, so -1 is the last one.
// It panics when axis is out of range.
func (s Shape) Dim(axis int) int {
	rank := len(s.Dimensions)
	adjusted := axis
	if adjusted < 0 {
		adjusted += rank
	}
	if adjusted < 0 || adjusted >= rank {
		exceptions.Panicf("axis %d out of range for shape %s", axis, s)
	}
	return s.Dimensions[adjusted]
}

// String formats the shape as "(Float32)[2 3]", or "(Float32)" for scalars.
func (s Shape) String() string {
	if len(s.Dimensions) == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size is the number of elements: the product of the dimensions, 1 for scalars.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Memory is the size of the shape in bytes.
func (s Shape) Memory() uintptr { return uintptr(s.Size()) * s.DType.Memory() }

// Equal is true if both the dtype and the dimensions match.
func (s Shape) Equal(other Shape) bool {
	return s.DType == other.DType && s.EqualDimensions(other)
}

// EqualDimensions ignores the dtypes.
func (s Shape) EqualDimensions(other Shape) bool {
	return slices.Equal(s.Dimensions, other.Dimensions)
}

// Clone returns a copy that doesn't share the dimensions slice.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}
