// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/menoh/pkg/core/onnx/onnxtest"
	"github.com/stretchr/testify/require"
)

func TestLoadRunFile(t *testing.T) {
	dir := t.TempDir()
	valuesPath := filepath.Join(dir, "values.txt")
	require.NoError(t, os.WriteFile(valuesPath, []byte("1 2,3\n4\n"), 0o644))
	runPath := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(runPath, []byte(`
model: mlp.onnx
backend: generic
backend_config: parallelism=2
runs: 3
inputs:
  - name: input
    dims: [1, 4]
    file: `+valuesPath+`
  - name: other
    dims: [2, 2]
    fill: 0.5
outputs: [probs, hidden]
`), 0o644))

	rf, err := LoadRunFile(runPath)
	require.NoError(t, err)
	require.NoError(t, rf.Validate())
	require.Equal(t, "mlp.onnx", rf.Model)
	require.Equal(t, "generic", rf.Backend)
	require.Equal(t, "parallelism=2", rf.BackendConfig)
	require.Equal(t, 3, rf.Runs)
	require.Equal(t, []string{"probs", "hidden"}, rf.Outputs)
	require.Len(t, rf.Inputs, 2)
	require.Equal(t, []int{1, 4}, rf.Inputs[0].Dims)

	data, err := rf.Inputs[0].Data(4)
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3, 4}, data)
	data, err = rf.Inputs[1].Data(4)
	require.NoError(t, err)
	require.Equal(t, []float32{0.5, 0.5, 0.5, 0.5}, data)

	_, err = LoadRunFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	fill := float32(1)
	rf := &RunFile{Model: "m.onnx", Inputs: []InputConfig{{Name: "x", Dims: []int{1, 3}}}, Outputs: []string{"y"}}
	require.NoError(t, rf.Validate())
	require.Equal(t, 1, rf.Runs)
	data, err := rf.Inputs[0].Data(3)
	require.NoError(t, err)
	require.Nil(t, data)

	rf.Inputs[0].Fill = &fill
	rf.Inputs[0].Values = []float32{1, 2, 3}
	require.ErrorContains(t, rf.Validate(), "only one of")

	require.ErrorContains(t, (&RunFile{}).Validate(), "no model")
	require.ErrorContains(t, (&RunFile{Model: "m.onnx"}).Validate(), "no inputs")
}

func TestParseInputFlag(t *testing.T) {
	input, err := ParseInputFlag("data=1x3x224x224")
	require.NoError(t, err)
	require.Equal(t, "data", input.Name)
	require.Equal(t, []int{1, 3, 224, 224}, input.Dims)

	for _, invalid := range []string{"data", "=1x3", "data=", "data=1xa"} {
		_, err = ParseInputFlag(invalid)
		require.Error(t, err, "input %q", invalid)
	}
}

func TestRun(t *testing.T) {
	*flagProgress = false
	rf := &RunFile{
		Model:   onnxtest.Identity().WriteFile(t),
		Backend: "generic",
		Runs:    2,
		TopK:    2,
		Inputs:  []InputConfig{{Name: "x", Dims: []int{1, 3}, Values: []float32{1, 2, 3}}},
		Outputs: []string{"y"},
	}
	require.NoError(t, rf.Validate())
	require.NoError(t, run(rf))

	rf.Inputs[0].Values = []float32{1, 2}
	require.Error(t, run(rf))
}
