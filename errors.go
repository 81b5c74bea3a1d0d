// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package menoh

import (
	"fmt"
	"io"

	"github.com/gomlx/menoh/backends"
	"github.com/gomlx/menoh/pkg/core/optimize"
	"github.com/gomlx/menoh/pkg/core/profile"
	"github.com/pkg/errors"
)

// Kinds of errors returned by the package. Use errors.Is to classify an error.
//
// Errors originated in the engines (or in the table builder and optimizer) keep their message
// verbatim, prefixed by the kind.
var (
	// ErrArgument is returned for invalid arguments, before any state is touched.
	ErrArgument = errors.New("invalid argument")

	// ErrLoad is returned (through the Future) when a graph can't be loaded.
	ErrLoad = errors.New("failed to load graph")

	// ErrTableBuild is returned by ModelBuilder.Build when the variable profile table can't be built.
	ErrTableBuild = profile.ErrProfileBuild

	// ErrOptimize is returned by ModelBuilder.Build when the graph optimization fails.
	ErrOptimize = optimize.ErrOptimize

	// ErrBackendBuild is returned by ModelBuilder.Build when the engine fails to build the model.
	ErrBackendBuild = errors.New("failed to build model in backend")

	// ErrUnknownVariable is returned when a variable name can't be resolved.
	ErrUnknownVariable = backends.ErrUnknownVariable

	// ErrLengthMismatch is returned by Model.SetInputData when the number of values doesn't match
	// the size of the variable.
	ErrLengthMismatch = errors.New("length mismatch")

	// ErrAlreadyRunning is returned by Model.Run when a run is already in flight.
	ErrAlreadyRunning = errors.New("model is already running")

	// ErrRun is returned (through the Future) when the forward pass fails.
	ErrRun = errors.New("failed to run model")

	// ErrInvalidShape is returned by ModelBuilder.AddInput for shapes not of rank 2 or 4, or with
	// non-positive dimensions.
	ErrInvalidShape = profile.ErrInvalidShape

	// ErrDuplicateName is returned by ModelBuilder.AddInput and AddOutput for names already declared.
	ErrDuplicateName = profile.ErrDuplicateName

	// ErrInvalidState is returned when an operation is not valid in the current phase of a
	// ModelBuilder, or on a finalized Model.
	ErrInvalidState = errors.New("invalid state")

	// ErrResourceBusy is returned by Model.Finalize while a run is in flight.
	ErrResourceBusy = errors.New("resource busy")
)

// kindError classifies a cause with one of the package error kinds: errors.Is matches both.
type kindError struct {
	kind, cause error
}

// withKind returns err classified as kind. It returns nil if err is nil.
func withKind(kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, cause: err}
}

// ensureKind returns err as is if it already matches kind, otherwise it classifies it with withKind.
func ensureKind(kind, err error) error {
	if err == nil || errors.Is(err, kind) {
		return err
	}
	return withKind(kind, err)
}

// Error implements error.
func (e *kindError) Error() string {
	return e.kind.Error() + ": " + e.cause.Error()
}

// Unwrap allows errors.Is and errors.As to match the kind and the cause.
func (e *kindError) Unwrap() []error {
	return []error{e.kind, e.cause}
}

// Format implements fmt.Formatter: "%+v" prints the cause with its stack trace.
func (e *kindError) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			_, _ = io.WriteString(s, e.kind.Error()+": ")
			_, _ = fmt.Fprintf(s, "%+v", e.cause)
			return
		}
		fallthrough
	case 's':
		_, _ = io.WriteString(s, e.Error())
	case 'q':
		_, _ = fmt.Fprintf(s, "%q", e.Error())
	}
}
