// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package menoh

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/menoh/backends"
	"github.com/gomlx/menoh/backends/generic"
	"github.com/gomlx/menoh/pkg/core/onnx"
	"github.com/gomlx/menoh/pkg/core/onnx/onnxtest"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// loadIdentity loads the identity model ("x" -> "y"), with "x" declared as [2, 3].
func loadIdentity(t *testing.T) *ModelBuilder {
	t.Helper()
	builder, err := CreateBuilderFromFile(onnxtest.Identity().WriteFile(t)).Wait()
	require.NoError(t, err)
	t.Cleanup(builder.Finalize)
	require.Equal(t, PhaseLoaded, builder.Phase())
	require.NoError(t, builder.AddInput("x", []int{2, 3}))
	require.NoError(t, builder.AddOutput("y"))
	return builder
}

// buildIdentity builds a model from loadIdentity with the given config.
func buildIdentity(t *testing.T, config BuildConfig) *Model {
	t.Helper()
	model, err := loadIdentity(t).Build(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = model.Finalize() })
	return model
}

func TestIdentity(t *testing.T) {
	t.Setenv(backends.ConfigEnvVar, "")
	builder := loadIdentity(t)
	model, err := builder.Build(BuildConfig{})
	require.NoError(t, err)
	defer func() { require.NoError(t, model.Finalize()) }()
	require.Equal(t, PhaseBuilt, builder.Phase())
	require.Equal(t, backends.DefaultName, model.Backend())
	require.Equal(t, []string{"x"}, model.InputNames())
	require.Equal(t, []string{"y"}, model.OutputNames())

	// Inputs are zero-initialized.
	x := must.M1(model.Input("x"))
	require.Equal(t, Attached, x.Owner())
	require.Equal(t, make([]float32, 6), x.Data())
	require.NoError(t, model.RunSync(context.Background()))
	y := must.M1(model.GetOutput("y"))
	require.Equal(t, make([]float32, 6), y.Data)

	require.NoError(t, model.SetInputData("x", []float32{1, 2, 3, 4, 5, 6}))
	require.NoError(t, model.RunSync(context.Background()))
	y = must.M1(model.GetOutput("y"))
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6}, y.Data)
	require.Equal(t, []int{2, 3}, y.Dims)
	require.Equal(t, 2, model.NumRuns())

	// GetOutput returns a copy.
	y.Data[0] = 100
	require.Equal(t, float32(1), must.M1(model.GetOutput("y")).Data[0])

	// Declarations are frozen after Build.
	require.ErrorIs(t, builder.AddInput("z", []int{1, 1}), ErrInvalidState)
	require.ErrorIs(t, builder.AddOutput("z"), ErrInvalidState)
}

func TestLoadErrors(t *testing.T) {
	_, err := CreateBuilderFromFile("").Wait()
	require.ErrorIs(t, err, ErrArgument)
	_, err = CreateBuilderFromBytes(nil).Wait()
	require.ErrorIs(t, err, ErrArgument)

	missing := filepath.Join(t.TempDir(), "missing.onnx")
	_, err = CreateBuilderFromFile(missing).Wait()
	require.ErrorIs(t, err, ErrLoad)
	require.ErrorContains(t, err, missing)

	garbage := filepath.Join(t.TempDir(), "garbage.onnx")
	require.NoError(t, os.WriteFile(garbage, []byte{0xff, 0xff, 0xff, 0xff}, 0o644))
	_, err = CreateBuilderFromFile(garbage).Wait()
	require.ErrorIs(t, err, ErrLoad)

	noNodes := onnxtest.New("empty").Input("x", 1, 3).Output("x", 1, 3)
	_, err = CreateBuilderFromBytes(noNodes.Bytes()).Wait()
	require.ErrorIs(t, err, ErrLoad)
	require.ErrorContains(t, err, "no nodes")

	builder, err := LoadBuilder(context.Background(), onnxtest.Identity().WriteFile(t))
	require.NoError(t, err)
	builder.Finalize()
}

func TestDeclarationErrors(t *testing.T) {
	builder := must.M1(CreateBuilderFromBytes(onnxtest.MLP().Bytes()).Wait())
	defer builder.Finalize()

	require.ErrorIs(t, builder.AddInput("input", []int{1, 2, 4}), ErrInvalidShape)
	require.ErrorIs(t, builder.AddInput("input", []int{0, 4}), ErrInvalidShape)
	require.NoError(t, builder.AddOutput("probs"))
	require.ErrorIs(t, builder.AddOutput("probs"), ErrDuplicateName)
	require.ErrorIs(t, builder.AddInput("probs", []int{1, 3}), ErrDuplicateName)
	require.ErrorIs(t, builder.AddInput("probs", []int{1, 3, 4}), ErrInvalidShape, "shape is checked before the name")
	require.ErrorIs(t, builder.AddInput("", []int{1, 3}), ErrArgument)
	require.ErrorIs(t, builder.AddOutput(""), ErrArgument)

	// Element counts that overflow int, or would wrap to 0, are rejected before any buffer exists.
	require.ErrorIs(t, builder.AddInput("input", []int{1 << 62, onnxtest.MLPInputSize}), ErrInvalidShape)
	require.ErrorIs(t, builder.AddInput("input", []int{1 << 32, 1 << 32}), ErrInvalidShape)

	// "input" is required by "probs": the table build fails, but the builder can be fixed.
	_, err := builder.Build(BuildConfig{BackendName: "generic"})
	require.ErrorIs(t, err, ErrTableBuild)
	require.ErrorContains(t, err, "input")
	require.Equal(t, PhaseLoaded, builder.Phase())
	require.Nil(t, builder.Table())

	require.NoError(t, builder.AddInput("input", []int{1, onnxtest.MLPInputSize}))
	model, err := builder.Build(BuildConfig{BackendName: "generic"})
	require.NoError(t, err)
	require.NoError(t, model.Finalize())
	require.Equal(t, PhaseBuilt, builder.Phase())
	require.Equal(t, []int{1, onnxtest.MLPOutputSize}, must.M1(builder.Table().Dims("probs")))
	require.Equal(t, []string{"input"}, builder.InputNames())
	require.Equal(t, []string{"probs"}, builder.OutputNames())
	stats := builder.OptimizeStats()
	require.Equal(t, 1, stats.ConstantsFolded)
	require.Equal(t, 1, stats.DropoutsRemoved)
}

func TestBackendBuildErrors(t *testing.T) {
	count, bytes := LiveBuffers()
	builder := loadIdentity(t)
	_, err := builder.Build(BuildConfig{BackendName: "no-such-engine"})
	require.ErrorIs(t, err, ErrBackendBuild)
	require.ErrorContains(t, err, "no-such-engine")

	_, err = builder.Build(BuildConfig{BackendName: testEngineName, BackendConfig: "bogus"})
	require.ErrorIs(t, err, ErrBackendBuild)
	require.ErrorContains(t, err, "bogus")

	// LRN is not implemented by the generic engine: buffers allocated must be released.
	lrn := onnxtest.New("lrn").
		Input("x", 1, 2, 2, 2).
		Node("LRN", []string{"x"}, []string{"y"}, onnx.IntAttr("size", 3)).
		Output("y", 1, 2, 2, 2)
	builder = must.M1(CreateBuilderFromBytes(lrn.Bytes()).Wait())
	defer builder.Finalize()
	require.NoError(t, builder.AddInput("x", []int{1, 2, 2, 2}))
	require.NoError(t, builder.AddOutput("y"))
	_, err = builder.Build(BuildConfig{BackendName: "generic"})
	require.ErrorIs(t, err, ErrBackendBuild)
	require.ErrorIs(t, err, backends.ErrNotImplemented)
	require.ErrorContains(t, err, "LRN")

	newCount, newBytes := LiveBuffers()
	require.Equal(t, count, newCount)
	require.Equal(t, bytes, newBytes)
}

func TestBackendFromEnvironment(t *testing.T) {
	t.Setenv(backends.ConfigEnvVar, testEngineName+":")
	model := buildIdentity(t, BuildConfig{})
	require.Equal(t, testEngineName, model.Backend())

	// An explicit name takes precedence.
	model = buildIdentity(t, BuildConfig{BackendName: "generic"})
	require.Equal(t, "generic", model.Backend())
}

func TestAlreadyRunning(t *testing.T) {
	model := buildIdentity(t, BuildConfig{BackendName: testEngineName, BackendConfig: "gated"})
	require.NoError(t, model.SetInputData("x", []float32{1, 2, 3, 4, 5, 6}))
	future, err := model.Run()
	require.NoError(t, err)
	require.True(t, model.IsRunning())

	_, err = model.Run()
	require.ErrorIs(t, err, ErrAlreadyRunning)
	require.ErrorIs(t, model.RunWithCallback(func(error) { t.Error("callback of rejected run called") }), ErrAlreadyRunning)
	require.ErrorIs(t, model.Finalize(), ErrResourceBusy)
	require.False(t, future.IsDone())

	testEngineGate <- struct{}{}
	_, err = future.Wait()
	require.NoError(t, err)
	require.False(t, model.IsRunning())
	require.Equal(t, 1, model.NumRuns())
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6}, must.M1(model.GetOutput("y")).Data)

	// A new run can start, and the model can be finalized afterwards.
	future = must.M1(model.Run())
	testEngineGate <- struct{}{}
	_, err = future.Wait()
	require.NoError(t, err)
	require.NoError(t, model.Finalize())
	require.NoError(t, model.Finalize())
	_, err = model.Run()
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestRunError(t *testing.T) {
	model := buildIdentity(t, BuildConfig{BackendName: testEngineName, BackendConfig: "fail"})
	for range 2 {
		future, err := model.Run()
		require.NoError(t, err)
		_, err = future.Wait()
		require.ErrorIs(t, err, ErrRun)
		require.ErrorContains(t, err, "engine exploded")
		require.False(t, model.IsRunning())
	}
	require.Equal(t, 2, model.NumRuns())
}

func TestRunContext(t *testing.T) {
	model := buildIdentity(t, BuildConfig{BackendName: testEngineName, BackendConfig: "gated"})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := model.RunSync(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The run continues in the background.
	require.True(t, model.IsRunning())
	testEngineGate <- struct{}{}
	Wait()
	require.False(t, model.IsRunning())
}

func TestRunWithCallback(t *testing.T) {
	model := buildIdentity(t, BuildConfig{})
	require.NoError(t, model.SetInputData("x", []float32{6, 5, 4, 3, 2, 1}))
	var calls int
	var outputs [][]float32
	done := make(chan struct{})
	var callback func(err error)
	callback = func(err error) {
		// Called after the guard is cleared: the model can be used from within.
		assert.NoError(t, err)
		assert.False(t, model.IsRunning())
		calls++
		outputs = append(outputs, must.M1(model.GetOutput("y")).Data)
		if calls == 1 {
			assert.NoError(t, model.SetInputData("x", []float32{1, 1, 1, 1, 1, 1}))
			assert.NoError(t, model.RunWithCallback(callback))
			return
		}
		close(done)
	}
	require.NoError(t, model.RunWithCallback(callback))
	<-done
	Wait()
	require.Equal(t, 2, calls)
	require.Equal(t, []float32{6, 5, 4, 3, 2, 1}, outputs[0])
	require.Equal(t, []float32{1, 1, 1, 1, 1, 1}, outputs[1])
}

func TestVariableErrors(t *testing.T) {
	model := buildIdentity(t, BuildConfig{})
	require.ErrorIs(t, model.SetInputData("unknown", nil), ErrUnknownVariable)
	require.ErrorIs(t, model.SetInputData("y", make([]float32, 6)), ErrUnknownVariable)
	err := model.SetInputData("x", make([]float32, 5))
	require.ErrorIs(t, err, ErrLengthMismatch)
	require.ErrorContains(t, err, "requires 6 values, got 5")
	_, err = model.GetOutput("x")
	require.ErrorIs(t, err, ErrUnknownVariable)
	_, err = model.GetOutput("unknown")
	require.ErrorIs(t, err, ErrUnknownVariable)

	require.NoError(t, model.Finalize())
	require.ErrorIs(t, model.SetInputData("x", make([]float32, 6)), ErrInvalidState)
	_, err = model.GetOutput("y")
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestBuildOnceSpawnMany(t *testing.T) {
	const batchSize = 2
	builder := must.M1(CreateBuilderFromBytes(onnxtest.MLP().Bytes()).Wait())
	require.NoError(t, builder.AddInput("input", []int{batchSize, onnxtest.MLPInputSize}))
	require.NoError(t, builder.AddOutput("probs"))
	require.NoError(t, builder.AddOutput("hidden"))

	const numModels = 3
	models := make([]*Model, numModels)
	inputs := make([][]float32, numModels)
	for ii := range models {
		models[ii] = must.M1(builder.Build(BuildConfig{BackendName: "generic"}))
		inputs[ii] = make([]float32, batchSize*onnxtest.MLPInputSize)
		for jj := range inputs[ii] {
			inputs[ii][jj] = float32(ii+1) * 0.1 * float32(jj-3)
		}
		require.NoError(t, models[ii].SetInputData("input", inputs[ii]))
	}
	require.NotEqual(t, models[0].ID(), models[1].ID())

	// The builder can be released: the models keep the graph alive.
	builder.Finalize()
	require.Equal(t, PhaseUnloaded, builder.Phase())
	_, err := builder.Build(BuildConfig{})
	require.ErrorIs(t, err, ErrInvalidState)

	var wg sync.WaitGroup
	for _, model := range models {
		wg.Add(1)
		require.NoError(t, model.RunWithCallback(func(err error) {
			assert.NoError(t, err)
			wg.Done()
		}))
	}
	wg.Wait()
	for ii, model := range models {
		wantHidden, wantProbs := onnxtest.MLPForward(inputs[ii], batchSize)
		probs := must.M1(model.GetOutput("probs"))
		require.Equal(t, []int{batchSize, onnxtest.MLPOutputSize}, probs.Dims)
		require.InDeltaSlice(t, wantProbs, probs.Data, 1e-5)
		require.InDeltaSlice(t, wantHidden, must.M1(model.GetOutput("hidden")).Data, 1e-5)
		require.NoError(t, model.Finalize())
	}
}

func TestSharedEngine(t *testing.T) {
	builder := loadIdentity(t)
	first := must.M1(builder.Build(BuildConfig{BackendName: testEngineName}))
	second := must.M1(builder.Build(BuildConfig{BackendName: testEngineName}))
	failing := must.M1(builder.Build(BuildConfig{BackendName: testEngineName, BackendConfig: "fail"}))
	require.Same(t, first.backend, second.backend, "same engine name and config should share the engine")
	require.NotSame(t, first.backend, failing.backend)
	require.Equal(t, 2, builder.NumEngines())
	engine := first.backend.(*testEngine)
	failingEngine := failing.backend.(*testEngine)

	require.NoError(t, failing.Finalize())
	require.NoError(t, first.Finalize())
	builder.Finalize()
	require.Equal(t, int32(1), failingEngine.numFinalized.Load())
	require.Equal(t, int32(0), engine.numFinalized.Load(), "engine still used by the second model")
	require.Equal(t, 1, builder.NumEngines())

	require.NoError(t, second.Finalize())
	require.Equal(t, int32(1), engine.numFinalized.Load())
	require.Equal(t, 0, builder.NumEngines())

	// Finalizing again doesn't release the engine twice.
	require.NoError(t, second.Finalize())
	require.Equal(t, int32(1), engine.numFinalized.Load())
}

func TestEngineBufferReuse(t *testing.T) {
	const batchSize = 2
	builder := must.M1(CreateBuilderFromBytes(onnxtest.MLP().Bytes()).Wait())
	defer builder.Finalize()
	require.NoError(t, builder.AddInput("input", []int{batchSize, onnxtest.MLPInputSize}))
	require.NoError(t, builder.AddOutput("probs"))

	first := must.M1(builder.Build(BuildConfig{BackendName: "generic"}))
	engine := first.backend.(*generic.Backend)
	allocated := engine.NumAllocations()
	require.Positive(t, allocated)
	require.NoError(t, first.Finalize())

	second := must.M1(builder.Build(BuildConfig{BackendName: "generic"}))
	defer func() { _ = second.Finalize() }()
	require.Same(t, engine, second.backend)
	require.Equal(t, allocated, engine.NumAllocations(), "buffers released by the first model should be reused")

	input := make([]float32, batchSize*onnxtest.MLPInputSize)
	for ii := range input {
		input[ii] = 0.1 * float32(ii)
	}
	require.NoError(t, second.SetInputData("input", input))
	require.NoError(t, second.RunSync(context.Background()))
	_, wantProbs := onnxtest.MLPForward(input, batchSize)
	require.InDeltaSlice(t, wantProbs, must.M1(second.GetOutput("probs")).Data, 1e-5)
	require.Equal(t, allocated, engine.NumAllocations())
}

func TestConvNet(t *testing.T) {
	const batchSize = 2
	builder := must.M1(CreateBuilderFromBytes(onnxtest.ConvNet().Bytes()).Wait())
	defer builder.Finalize()
	require.NoError(t, builder.AddInput("data", []int{batchSize, 1, 8, 8}))
	require.NoError(t, builder.AddOutput("features"))
	model := must.M1(builder.Build(BuildConfig{BackendName: "mkldnn", BackendConfig: "parallelism=2"}))
	defer func() { require.NoError(t, model.Finalize()) }()

	input := make([]float32, batchSize*64)
	for ii := range input {
		input[ii] = float32(ii%7) - 3
	}
	require.NoError(t, model.SetInputData("data", input))
	require.NoError(t, model.RunSync(context.Background()))
	features := must.M1(model.GetOutput("features"))
	require.Equal(t, []int{batchSize, 32}, features.Dims)
	require.InDeltaSlice(t, onnxtest.ConvNetForward(input, batchSize), features.Data, 1e-5)
}

func TestErrorFormat(t *testing.T) {
	cause := errors.New("engine said no")
	err := withKind(ErrRun, cause)
	require.ErrorIs(t, err, ErrRun)
	require.ErrorIs(t, err, cause)
	require.Equal(t, "failed to run model: engine said no", err.Error())
	detailed := strings.Split(errors.Errorf("%+v", err).Error(), "\n")
	require.Equal(t, "failed to run model: engine said no", detailed[0])
	require.Greater(t, len(detailed), 1, "%%+v should include the stack trace")
	require.NoError(t, withKind(ErrRun, nil))
	require.Same(t, ErrTableBuild, ensureKind(ErrTableBuild, ErrTableBuild))
}

func TestVersion(t *testing.T) {
	parts := strings.Split(GetNativeVersion(), ".")
	require.Len(t, parts, 3)

	builder := loadIdentity(t)
	model, err := builder.Build(BuildConfig{BackendName: testEngineName})
	require.NoError(t, err)
	defer func() { require.NoError(t, model.Finalize()) }()
	require.Equal(t, "1.2.3", model.BackendVersion())
}
