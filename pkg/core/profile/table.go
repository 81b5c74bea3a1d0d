// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package profile

import (
	"slices"

	"github.com/gomlx/menoh/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Table is the immutable result of TableBuilder.Build: the shapes of the declared variables, plus
// the inferred shapes of every value needed to compute the declared outputs.
//
// It is safe for concurrent use.
type Table struct {
	declared map[string]shapes.Shape
	inferred map[string]shapes.Shape
	inputs   []string
	outputs  []string
}

// Shape returns the shape of a declared variable.
func (t *Table) Shape(name string) (shapes.Shape, error) {
	shape, found := t.declared[name]
	if !found {
		return shapes.Invalid(), errors.Wrapf(ErrNotFound, "%q", name)
	}
	return shape.Clone(), nil
}

// Dims returns the dimensions of a declared variable.
func (t *Table) Dims(name string) ([]int, error) {
	shape, err := t.Shape(name)
	if err != nil {
		return nil, err
	}
	return shape.Dimensions, nil
}

// Rank returns the rank of a declared variable.
func (t *Table) Rank(name string) (int, error) {
	shape, found := t.declared[name]
	if !found {
		return 0, errors.Wrapf(ErrNotFound, "%q", name)
	}
	return shape.Rank(), nil
}

// DimAt returns the dimension of a declared variable at the given axis. Negative axes count from
// the end.
func (t *Table) DimAt(name string, axis int) (int, error) {
	shape, found := t.declared[name]
	if !found {
		return 0, errors.Wrapf(ErrNotFound, "%q", name)
	}
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += shape.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= shape.Rank() {
		return 0, errors.Errorf("axis %d out of bounds for variable %q of shape %s", axis, name, shape)
	}
	return shape.Dimensions[adjustedAxis], nil
}

// Size returns the number of elements of a declared variable.
func (t *Table) Size(name string) (int, error) {
	shape, found := t.declared[name]
	if !found {
		return 0, errors.Wrapf(ErrNotFound, "%q", name)
	}
	return shape.Size(), nil
}

// Inputs returns the names of the declared inputs, in declaration order.
func (t *Table) Inputs() []string { return slices.Clone(t.inputs) }

// Outputs returns the names of the declared outputs, in declaration order.
func (t *Table) Outputs() []string { return slices.Clone(t.outputs) }

// IsInput returns whether name was declared as an input.
func (t *Table) IsInput(name string) bool { return slices.Contains(t.inputs, name) }

// IsOutput returns whether name was declared as an output.
func (t *Table) IsOutput(name string) bool { return slices.Contains(t.outputs, name) }

// Inferred returns the shape of any value resolved while building the table: declared variables,
// initializers and intermediate node outputs needed by the declared outputs.
func (t *Table) Inferred(name string) (shapes.Shape, bool) {
	shape, found := t.inferred[name]
	if !found {
		return shapes.Invalid(), false
	}
	return shape.Clone(), true
}

// NumInferred returns the number of values with a resolved shape.
func (t *Table) NumInferred() int { return len(t.inferred) }
