//go:build cgo

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ort

import (
	"os"
	"slices"
	"strings"
	"testing"

	"github.com/gomlx/menoh/backends"
	"github.com/gomlx/menoh/pkg/core/onnx/onnxtest"
	"github.com/gomlx/menoh/pkg/core/optimize"
	"github.com/gomlx/menoh/pkg/core/profile"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func TestParseConfig(t *testing.T) {
	t.Setenv(LibraryEnvVar, "")
	path, threads, err := ParseConfig("")
	require.NoError(t, err)
	require.Equal(t, DefaultLibrary, path)
	require.Zero(t, threads)

	path, threads, err = ParseConfig("/opt/lib/libonnxruntime.so.1, threads=2")
	require.NoError(t, err)
	require.Equal(t, "/opt/lib/libonnxruntime.so.1", path)
	require.Equal(t, 2, threads)

	path, _, err = ParseConfig("library=/a/b.so")
	require.NoError(t, err)
	require.Equal(t, "/a/b.so", path)

	t.Setenv(LibraryEnvVar, "/from/env.so")
	path, _, err = ParseConfig("threads=1")
	require.NoError(t, err)
	require.Equal(t, "/from/env.so", path)

	_, _, err = ParseConfig("threads=-3")
	require.Error(t, err)
	_, _, err = ParseConfig("gpu=1")
	require.ErrorContains(t, err, "unknown option")
}

func TestRegistered(t *testing.T) {
	require.Contains(t, backends.List(), BackendName)
}

// newTestBackend returns a backend, or skips the test if the onnxruntime library is not configured.
func newTestBackend(t *testing.T) *Backend {
	if os.Getenv(LibraryEnvVar) == "" {
		t.Skipf("%s not set, skipping ONNX Runtime tests", LibraryEnvVar)
	}
	backend, err := New("")
	if err != nil {
		t.Skipf("ONNX Runtime not available: %+v", err)
	}
	t.Cleanup(backend.Finalize)
	return backend
}

func TestVersion(t *testing.T) {
	backend := newTestBackend(t)
	require.Len(t, strings.Split(backend.Version(), "."), 3, "version %q", backend.Version())
}

func TestMLP(t *testing.T) {
	backend := newTestBackend(t)
	const batchSize = 3
	input := make([]float32, batchSize*onnxtest.MLPInputSize)
	for ii := range input {
		input[ii] = float32(ii) * 0.1
	}
	wantHidden, wantProbs := onnxtest.MLPForward(input, batchSize)

	model := onnxtest.MLP().Model
	tb := profile.NewTableBuilder()
	require.NoError(t, tb.AddInput("input", []int{batchSize, onnxtest.MLPInputSize}))
	require.NoError(t, tb.AddOutput("probs"))
	require.NoError(t, tb.AddOutput("hidden"))
	table := must.M1(tb.Build(model.Graph))
	must.M1(optimize.Optimize(model.Graph, table))

	mb := must.M1(backend.NewModelBuilder(table))
	defer mb.Finalize()
	err := mb.AttachExternalBuffer("probs", make([]float32, batchSize*onnxtest.MLPOutputSize))
	require.True(t, errors.Is(err, backends.ErrUnknownVariable))
	require.NoError(t, mb.AttachExternalBuffer("input", input))
	m := must.M1(mb.Build(model))
	defer m.Finalize()

	require.NoError(t, m.Run())
	assert.InDeltaSlice(t, wantProbs, slices.Clone(must.M1(m.VariableBuffer("probs"))), 1e-5)
	assert.InDeltaSlice(t, wantHidden, slices.Clone(must.M1(m.VariableBuffer("hidden"))), 1e-5)
	require.Equal(t, []int{batchSize, onnxtest.MLPOutputSize}, must.M1(m.VariableDims("probs")))
}
