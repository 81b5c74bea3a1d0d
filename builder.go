// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package menoh

import (
	"context"
	"sync"

	"github.com/gomlx/menoh/backends"
	"github.com/gomlx/menoh/pkg/core/onnx"
	"github.com/gomlx/menoh/pkg/core/optimize"
	"github.com/gomlx/menoh/pkg/core/profile"
	"github.com/gomlx/menoh/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Phase of a ModelBuilder.
type Phase int

const (
	// PhaseUnloaded is the phase of a finalized builder: it holds no graph.
	PhaseUnloaded Phase = iota

	// PhaseLoaded builders accept variable declarations.
	PhaseLoaded

	// PhaseOptimized builders have their graph transformed by the optimizer, but it failed:
	// the graph can't be used any longer.
	PhaseOptimized

	// PhaseBuilt builders have their profile table and optimized graph cached, and can build any
	// number of models.
	PhaseBuilt
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case PhaseUnloaded:
		return "Unloaded"
	case PhaseLoaded:
		return "Loaded"
	case PhaseOptimized:
		return "Optimized"
	case PhaseBuilt:
		return "Built"
	}
	return "Invalid"
}

// BuildConfig selects the engine used by ModelBuilder.Build.
type BuildConfig struct {
	// BackendName is the name of a registered engine. If empty the backends.ConfigEnvVar
	// environment variable is used, and if that is not set, "mkldnn".
	BackendName string

	// BackendConfig is passed verbatim to the engine constructor.
	BackendConfig string
}

// ModelBuilder owns a loaded graph and the declarations of its input and output variables, and
// builds Model objects from them.
//
// It is safe for concurrent use.
type ModelBuilder struct {
	mu     sync.Mutex
	phase  Phase
	source string

	model        *onnx.ModelProto
	declarations *profile.TableBuilder

	// Set when the builder reaches PhaseBuilt.
	table *profile.Table
	stats optimize.Stats

	// optimizeErr is returned by every Build call after a failed optimization.
	optimizeErr error

	// engines created by Build, shared by all the models built with the same configuration.
	engines map[engineKey]*sharedEngine
}

// engineKey is a resolved engine name and configuration.
type engineKey struct {
	name, config string
}

// sharedEngine is an engine instance used by the models of a builder.
type sharedEngine struct {
	backend backends.Backend

	// refs counts the models using it, plus one while the builder is not finalized.
	refs int
}

// loadModel reads and validates a graph: it must have at least one node.
func loadModel(path string, data []byte) (*onnx.ModelProto, error) {
	var model *onnx.ModelProto
	var err error
	if data != nil {
		model, err = onnx.Parse(data)
	} else {
		model, err = onnx.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	if len(model.Graph.Nodes) == 0 {
		return nil, errors.Errorf("graph %q has no nodes", model.Graph.Name)
	}
	return model, nil
}

func createBuilder(path string, data []byte) *xsync.Future[*ModelBuilder] {
	source := path
	if data != nil {
		source = "<bytes>"
	}
	return dispatch(defaultGateway, nil,
		func() (*onnx.ModelProto, error) {
			return loadModel(path, data)
		},
		func(model *onnx.ModelProto, err error) (*ModelBuilder, error) {
			if err != nil {
				return nil, withKind(ErrLoad, err)
			}
			klog.V(1).Infof("loaded graph %q from %s: %s", model.Graph.Name, source, model)
			return &ModelBuilder{
				phase:        PhaseLoaded,
				source:       source,
				model:        model,
				declarations: profile.NewTableBuilder(),
			}, nil
		})
}

// CreateBuilderFromFile loads the ONNX graph in path asynchronously, and returns a Future for the
// ModelBuilder. The Future resolves to an error matching ErrLoad if the file can't be read or
// parsed, or if the graph has no nodes.
func CreateBuilderFromFile(path string) *xsync.Future[*ModelBuilder] {
	if path == "" {
		return xsync.Resolved[*ModelBuilder](nil, errors.Wrap(ErrArgument, "path to the ONNX file must be given"))
	}
	return createBuilder(path, nil)
}

// CreateBuilderFromBytes is like CreateBuilderFromFile, but decodes the serialized model in data.
// data must not be changed until the Future is resolved.
func CreateBuilderFromBytes(data []byte) *xsync.Future[*ModelBuilder] {
	if len(data) == 0 {
		return xsync.Resolved[*ModelBuilder](nil, errors.Wrap(ErrArgument, "serialized ONNX model is empty"))
	}
	return createBuilder("", data)
}

// LoadBuilder is the synchronous version of CreateBuilderFromFile. If ctx is done before the graph
// is loaded, it returns ctx.Err(), and the loaded builder (if any) is discarded.
func LoadBuilder(ctx context.Context, path string) (*ModelBuilder, error) {
	return CreateBuilderFromFile(path).WaitContext(ctx)
}

// checkPhase returns ErrInvalidState if the builder is not in the given phase. It must be called
// with the lock held.
func (b *ModelBuilder) checkPhase(op string, phase Phase) error {
	if b.phase != phase {
		return errors.Wrapf(ErrInvalidState, "%s is only valid in phase %s, ModelBuilder is in phase %s", op, phase, b.phase)
	}
	return nil
}

// AddInput declares an input variable with the given dimensions. The rank must be 2 or 4.
//
// Inputs are bound in declaration order in every Model built.
func (b *ModelBuilder) AddInput(name string, dims []int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkPhase("AddInput", PhaseLoaded); err != nil {
		return err
	}
	return declarationError(b.declarations.AddInput(name, dims))
}

// AddOutput declares an output variable. Any value computed by the graph can be declared as output.
func (b *ModelBuilder) AddOutput(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkPhase("AddOutput", PhaseLoaded); err != nil {
		return err
	}
	return declarationError(b.declarations.AddOutput(name))
}

// declarationError classifies a missing name as ErrArgument. Other errors (ErrInvalidShape,
// ErrDuplicateName) are returned as is.
func declarationError(err error) error {
	if errors.Is(err, profile.ErrEmptyName) {
		return withKind(ErrArgument, err)
	}
	return err
}

// prepare builds the profile table and optimizes the graph, the first time it's called.
// It must be called with the lock held.
func (b *ModelBuilder) prepare() error {
	switch b.phase {
	case PhaseBuilt:
		return nil
	case PhaseOptimized:
		return b.optimizeErr
	case PhaseUnloaded:
		return errors.Wrap(ErrInvalidState, "ModelBuilder already finalized")
	}

	table, err := b.declarations.Build(b.model.Graph)
	if err != nil {
		// Nothing was changed: the declarations can be fixed and Build retried.
		return ensureKind(ErrTableBuild, err)
	}
	b.phase = PhaseOptimized
	stats, err := optimize.Optimize(b.model.Graph, table)
	if err != nil {
		b.optimizeErr = ensureKind(ErrOptimize, err)
		return b.optimizeErr
	}
	b.table = table
	b.stats = stats
	b.phase = PhaseBuilt
	klog.V(1).Infof("ModelBuilder for %s: %d variables profiled, %d nodes after optimization",
		b.source, table.NumInferred(), len(b.model.Graph.Nodes))
	return nil
}

// Build creates a new Model, compiled by the engine selected in config.
//
// The first call resolves the declarations into the profile table (errors match ErrTableBuild, and
// the builder can be fixed and retried) and optimizes the graph (errors match ErrOptimize, and are
// permanent). Further calls reuse them: each returns a new independent Model, with its own buffers.
//
// Models built with the same engine name and configuration share one engine instance (and its
// pools of buffers). It is finalized once the builder and all those models are finalized.
//
// Engine failures match ErrBackendBuild.
func (b *ModelBuilder) Build(config BuildConfig) (*Model, error) {
	b.mu.Lock()
	if err := b.prepare(); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	name, engineConfig := backends.Resolve(config.BackendName, config.BackendConfig)
	backend, release, err := b.acquireEngine(engineKey{name: name, config: engineConfig})
	model, table := b.model, b.table
	b.mu.Unlock()
	if err != nil {
		return nil, withKind(ErrBackendBuild, err)
	}

	// The optimized graph and the table are immutable from here on.
	return newModel(model, table, name, backend, release)
}

// acquireEngine returns the engine for key, creating it if needed, and the function that
// releases the reference taken. It must be called with the lock held.
func (b *ModelBuilder) acquireEngine(key engineKey) (backends.Backend, func(), error) {
	engine, found := b.engines[key]
	if !found {
		backend, err := backends.New(key.name, key.config)
		if err != nil {
			return nil, nil, err
		}
		engine = &sharedEngine{backend: backend, refs: 1}
		if b.engines == nil {
			b.engines = make(map[engineKey]*sharedEngine)
		}
		b.engines[key] = engine
		klog.V(1).Infof("ModelBuilder for %s: created engine %q (config %q)", b.source, key.name, key.config)
	}
	engine.refs++
	var once sync.Once
	release := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.releaseEngine(key, engine)
		})
	}
	return engine.backend, release, nil
}

// releaseEngine drops one reference to engine, and finalizes it when it was the last one.
// It must be called with the lock held.
func (b *ModelBuilder) releaseEngine(key engineKey, engine *sharedEngine) {
	engine.refs--
	if engine.refs > 0 {
		return
	}
	if b.engines[key] == engine {
		delete(b.engines, key)
	}
	engine.backend.Finalize()
	klog.V(1).Infof("ModelBuilder for %s: engine %q (config %q) finalized", b.source, key.name, key.config)
}

// NumEngines returns the number of engine instances alive, shared by the models of the builder.
func (b *ModelBuilder) NumEngines() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.engines)
}

// Phase returns the current phase of the builder.
func (b *ModelBuilder) Phase() Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}

// InputNames returns the declared input names, in declaration order.
func (b *ModelBuilder) InputNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.declarations == nil {
		return nil
	}
	return b.declarations.InputNames()
}

// OutputNames returns the declared output names, in declaration order.
func (b *ModelBuilder) OutputNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.declarations == nil {
		return nil
	}
	return b.declarations.OutputNames()
}

// Table returns the profile table, or nil if the builder is not in PhaseBuilt.
func (b *ModelBuilder) Table() *profile.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.table
}

// Graph returns the loaded model, or nil if the builder was finalized. After Build it holds the
// optimized graph, shared by all the models built: it must not be modified.
func (b *ModelBuilder) Graph() *onnx.ModelProto {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.model
}

// OptimizeStats returns what the optimizer changed in the graph. It's zero before PhaseBuilt.
func (b *ModelBuilder) OptimizeStats() optimize.Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Finalize releases the graph and the table, and the engines not used by any model. Models
// already built are not affected. It is a no-op if the builder was already finalized.
func (b *ModelBuilder) Finalize() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase == PhaseUnloaded {
		return
	}
	b.phase = PhaseUnloaded
	b.model = nil
	b.declarations = nil
	b.table = nil
	b.optimizeErr = nil
	for key, engine := range b.engines {
		b.releaseEngine(key, engine)
	}
	klog.V(1).Infof("ModelBuilder for %s finalized", b.source)
}
