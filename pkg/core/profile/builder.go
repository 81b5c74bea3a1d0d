// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package profile builds the variable profile table of a graph: the resolved shape of every
// declared input and output variable, and of every intermediate value needed to compute them.
//
// Usage:
//
//	builder := profile.NewTableBuilder()
//	if err := builder.AddInput("x", []int{1, 3}); err != nil { ... }
//	if err := builder.AddOutput("y"); err != nil { ... }
//	table, err := builder.Build(model.Graph)
//	dims, err := table.Dims("y")
package profile

import (
	"slices"

	"github.com/gomlx/menoh/pkg/core/shapes"
	"github.com/pkg/errors"
)

var (
	// ErrInvalidShape is returned when declaring an input with a rank other than 2 or 4, or with
	// non-positive dimensions.
	ErrInvalidShape = errors.New("invalid shape")

	// ErrEmptyName is returned when declaring a variable without a name.
	ErrEmptyName = errors.New("variable name cannot be empty")

	// ErrDuplicateName is returned when a variable name is declared twice.
	ErrDuplicateName = errors.New("duplicate variable name")

	// ErrProfileBuild is returned by TableBuilder.Build when the declarations can't be resolved
	// against the graph.
	ErrProfileBuild = errors.New("failed to build variable profile table")

	// ErrNotFound is returned by Table queries for names that are not in the table.
	ErrNotFound = errors.New("variable not found in profile table")
)

// Role of a declared variable.
type Role int

const (
	RoleInput Role = iota
	RoleOutput
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RoleInput:
		return "input"
	case RoleOutput:
		return "output"
	}
	return "invalid"
}

// Declaration of a variable. Outputs have an invalid Shape: they are resolved by
// TableBuilder.Build.
type Declaration struct {
	Name  string
	Role  Role
	Shape shapes.Shape
}

// TableBuilder accumulates the variable declarations of a model. It is not safe for concurrent use.
type TableBuilder struct {
	declarations []Declaration
	index        map[string]int
}

// NewTableBuilder creates an empty TableBuilder.
func NewTableBuilder() *TableBuilder {
	return &TableBuilder{index: make(map[string]int)}
}

// AddInput declares an input variable with the given dimensions (dtype is always Float32).
//
// The rank must be 2 or 4, all dimensions must be positive and the number of elements at most
// shapes.MaxSize: otherwise it returns an error wrapping ErrInvalidShape, whatever the name,
// and the declarations are left unchanged.
func (b *TableBuilder) AddInput(name string, dims []int) error {
	if len(dims) != 2 && len(dims) != 4 {
		return errors.Wrapf(ErrInvalidShape, "input %q: size of input dims must be 2 or 4, got %d (dims=%v)",
			name, len(dims), dims)
	}
	if err := shapes.Validate(dims); err != nil {
		return errors.Wrapf(ErrInvalidShape, "input %q: %v", name, err)
	}
	if err := b.checkName(name); err != nil {
		return err
	}
	b.add(Declaration{Name: name, Role: RoleInput, Shape: shapes.Float32(dims...)})
	return nil
}

// AddOutput declares an output variable. Its shape is resolved by Build.
func (b *TableBuilder) AddOutput(name string) error {
	if err := b.checkName(name); err != nil {
		return err
	}
	b.add(Declaration{Name: name, Role: RoleOutput, Shape: shapes.Invalid()})
	return nil
}

func (b *TableBuilder) checkName(name string) error {
	if name == "" {
		return errors.WithStack(ErrEmptyName)
	}
	if idx, found := b.index[name]; found {
		return errors.Wrapf(ErrDuplicateName, "variable %q already declared as %s", name, b.declarations[idx].Role)
	}
	return nil
}

func (b *TableBuilder) add(decl Declaration) {
	b.index[decl.Name] = len(b.declarations)
	b.declarations = append(b.declarations, decl)
}

// Declarations returns a copy of the declarations, in declaration order.
func (b *TableBuilder) Declarations() []Declaration {
	decls := make([]Declaration, len(b.declarations))
	for i, decl := range b.declarations {
		decls[i] = decl
		decls[i].Shape = decl.Shape.Clone()
	}
	return decls
}

// InputNames returns the names of the declared inputs, in declaration order.
func (b *TableBuilder) InputNames() []string {
	return b.namesWithRole(RoleInput)
}

// OutputNames returns the names of the declared outputs, in declaration order.
func (b *TableBuilder) OutputNames() []string {
	return b.namesWithRole(RoleOutput)
}

func (b *TableBuilder) namesWithRole(role Role) []string {
	var names []string
	for _, decl := range b.declarations {
		if decl.Role == role {
			names = append(names, decl.Name)
		}
	}
	return slices.Clip(names)
}
