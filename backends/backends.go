// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface an inference engine needs to implement to execute models,
// and the registry of the available engines.
//
// The lifecycle of a model in an engine:
//
//  1. Backend.NewModelBuilder creates a ModelBuilder for a variable profile table.
//  2. ModelBuilder.AttachExternalBuffer binds caller-owned buffers to input variables.
//  3. ModelBuilder.Build compiles the (optimized) graph into a Model.
//  4. Model.Run executes the forward pass synchronously, reading attached buffers and writing
//     the output buffers, accessed with Model.VariableBuffer.
//  5. Model.Finalize releases the engine resources.
//
// Engines register themselves during package initialization with Register, and are usually
// imported only for their side effects:
//
//	import _ "github.com/gomlx/menoh/backends/generic"
//
// All methods return errors whose message is the engine's own message.
package backends

import (
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/menoh/pkg/core/onnx"
	"github.com/gomlx/menoh/pkg/core/profile"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Backend is the API that needs to be implemented by an inference engine.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "generic".
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Version of the engine implementation, e.g. the version of the native library it loads.
	Version() string

	// NewModelBuilder creates a builder for a model whose variables are described by table.
	NewModelBuilder(table *profile.Table) (ModelBuilder, error)

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// ModelBuilder binds external buffers and compiles a graph into a Model.
type ModelBuilder interface {
	// AttachExternalBuffer binds buffer to the input variable name. The engine reads the input
	// values from buffer at every Model.Run, so the caller must keep it alive (and not resize it)
	// until the Model is finalized.
	AttachExternalBuffer(name string, buffer []float32) error

	// Build compiles the graph of model into an executable Model. The model is shared read-only:
	// engines must not modify it.
	Build(model *onnx.ModelProto) (Model, error)

	// Finalize releases the builder. Models already built are not affected.
	Finalize()
}

// Model is a compiled model, ready to run.
type Model interface {
	// VariableBuffer returns the buffer of a variable: the attached buffer for inputs, or the
	// engine-owned buffer for outputs. The returned slice is only valid until Finalize.
	VariableBuffer(name string) ([]float32, error)

	// VariableDims returns the dimensions of a variable.
	VariableDims(name string) ([]int, error)

	// Run executes the forward pass synchronously.
	Run() error

	// Finalize releases the model resources. It must be called exactly once.
	Finalize()
}

// ErrUnknownVariable should be wrapped by engines when a variable name can't be resolved.
var ErrUnknownVariable = errors.New("unknown variable")

// ErrNotImplemented should be wrapped by engines for operators (or configurations) they don't support.
var ErrNotImplemented = errors.New("not implemented")

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registryMu             sync.RWMutex
	registeredConstructors = make(map[string]Constructor)
	aliases                = make(map[string]string)
)

// Register backend with the given name, and a constructor that takes as input a configuration string that is
// passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registeredConstructors[name] = constructor
}

// RegisterAlias makes alias resolve to the backend registered as target. Registering a backend
// with the same name as an alias takes precedence over the alias.
func RegisterAlias(alias, target string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	aliases[alias] = target
}

// List returns the sorted names of the registered backends (aliases not included).
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ConfigEnvVar is the environment variable with the backend configuration to use when none is
// given explicitly, see Resolve.
//
// The format of config is "<backend_name>:<backend_configuration>", see NewWithConfig.
const ConfigEnvVar = "MENOH_BACKEND"

// DefaultName is the backend name used when none is given, nor configured with ConfigEnvVar.
const DefaultName = "mkldnn"

// Resolve returns the backend name and configuration to use: name and config if name is not empty,
// otherwise the configuration in the environment variable ConfigEnvVar if set, or DefaultName with
// the given config.
func Resolve(name, config string) (string, string) {
	if name != "" {
		return name, config
	}
	if envConfig, found := os.LookupEnv(ConfigEnvVar); found && envConfig != "" {
		return SplitConfig(envConfig)
	}
	return DefaultName, config
}

// SplitConfig splits a "<backend_name>:<backend_configuration>" string. Without a ":" the whole
// string is the backend name.
func SplitConfig(config string) (name, backendConfig string) {
	if idx := strings.Index(config, ":"); idx != -1 {
		return config[:idx], config[idx+1:]
	}
	return config, ""
}

// New creates the backend registered as name (or as an alias), with the given configuration.
func New(name, config string) (Backend, error) {
	registryMu.RLock()
	constructor, found := registeredConstructors[name]
	resolvedName := name
	if !found {
		if target, isAlias := aliases[name]; isAlias {
			resolvedName = target
			constructor, found = registeredConstructors[target]
		}
	}
	registryMu.RUnlock()
	if !found {
		return nil, errors.Errorf("backend %q not registered (registered backends: %q) -- maybe import the "+
			`engine with import _ "github.com/gomlx/menoh/backends/generic"?`, name, List())
	}
	if resolvedName != name {
		klog.V(1).Infof("backends: %q resolved to backend %q", name, resolvedName)
	}
	backend, err := constructor(config)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create backend %q with config %q", resolvedName, config)
	}
	return backend, nil
}

// NewWithConfig takes a configurations string formatted as "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "onnxruntime") and
// "<backend_configuration>" is backend specific (e.g.: for "onnxruntime" it is the path to the
// shared library).
func NewWithConfig(config string) (Backend, error) {
	name, backendConfig := SplitConfig(config)
	return New(name, backendConfig)
}
