//go:build cgo

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ort implements an inference engine backed by the ONNX Runtime shared library, using
// github.com/yalue/onnxruntime_go.
//
// It registers itself as "onnxruntime". The configuration string is a comma-separated list of
// options:
//
//   - "library=<path>": path to the onnxruntime shared library. A bare value without "=" is also
//     taken as the library path. If not given, LibraryEnvVar is used, and then the default
//     library name, left to the dynamic loader to find.
//   - "threads=<n>": number of intra-op threads of each session. 0 (default) lets ONNX Runtime decide.
//
// The ONNX Runtime environment is process-wide: it is initialized by the first backend created,
// and destroyed when the last one is finalized.
package ort

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/gomlx/menoh/backends"
	"github.com/gomlx/menoh/pkg/core/profile"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"k8s.io/klog/v2"
)

// BackendName to be used in MENOH_BACKEND to specify this backend.
const BackendName = "onnxruntime"

// LibraryEnvVar is the environment variable with the path to the onnxruntime shared library, used
// when it is not given in the configuration.
const LibraryEnvVar = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

// DefaultLibrary is the library name used when no path is configured.
const DefaultLibrary = "libonnxruntime.so"

func init() {
	backends.Register(BackendName, func(config string) (backends.Backend, error) {
		return New(config)
	})
}

var (
	environmentMu    sync.Mutex
	environmentUsers int
	environmentPath  string
)

// acquireEnvironment initializes the ONNX Runtime environment, if not yet initialized.
func acquireEnvironment(libraryPath string) error {
	environmentMu.Lock()
	defer environmentMu.Unlock()
	if environmentUsers > 0 {
		if libraryPath != environmentPath {
			return errors.Errorf("ONNX Runtime already initialized with library %q, can't use %q", environmentPath, libraryPath)
		}
		environmentUsers++
		return nil
	}
	ort.SetSharedLibraryPath(libraryPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrapf(err, "failed to initialize ONNX Runtime from %q", libraryPath)
	}
	klog.V(1).Infof("ONNX Runtime initialized from %q", libraryPath)
	environmentPath = libraryPath
	environmentUsers = 1
	return nil
}

func releaseEnvironment() {
	environmentMu.Lock()
	defer environmentMu.Unlock()
	if environmentUsers == 0 {
		return
	}
	environmentUsers--
	if environmentUsers > 0 {
		return
	}
	if err := ort.DestroyEnvironment(); err != nil {
		klog.Warningf("failed to destroy ONNX Runtime environment: %+v", err)
	}
}

// Backend implements backends.Backend with ONNX Runtime.
type Backend struct {
	libraryPath string
	threads     int

	mu        sync.Mutex
	finalized bool
}

// Compile-time check.
var _ backends.Backend = &Backend{}

// ParseConfig returns the library path and number of threads of the given configuration.
func ParseConfig(config string) (libraryPath string, threads int, err error) {
	for _, option := range strings.Split(config, ",") {
		option = strings.TrimSpace(option)
		if option == "" {
			continue
		}
		key, value, found := strings.Cut(option, "=")
		if !found {
			libraryPath = option
			continue
		}
		switch key {
		case "library":
			libraryPath = value
		case "threads":
			threads, err = strconv.Atoi(value)
			if err != nil || threads < 0 {
				return "", 0, errors.Errorf("invalid value for option %q", option)
			}
		default:
			return "", 0, errors.Errorf("unknown option %q for backend %q", key, BackendName)
		}
	}
	if libraryPath == "" {
		libraryPath = os.Getenv(LibraryEnvVar)
	}
	if libraryPath == "" {
		libraryPath = DefaultLibrary
	}
	return
}

// New creates a Backend for the given configuration, initializing ONNX Runtime if needed.
func New(config string) (*Backend, error) {
	libraryPath, threads, err := ParseConfig(config)
	if err != nil {
		return nil, err
	}
	if err := acquireEnvironment(libraryPath); err != nil {
		return nil, err
	}
	return &Backend{libraryPath: libraryPath, threads: threads}, nil
}

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return "ONNX Runtime (" + b.libraryPath + ")"
}

// Version returns the version of the ONNX Runtime library loaded.
func (b *Backend) Version() string { return ort.GetVersion() }

// NewModelBuilder implements backends.Backend.
func (b *Backend) NewModelBuilder(table *profile.Table) (backends.ModelBuilder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return nil, errors.New("backend already finalized")
	}
	if table == nil {
		return nil, errors.New("nil variable profile table")
	}
	return &ModelBuilder{backend: b, table: table, attached: make(map[string][]float32)}, nil
}

// Finalize implements backends.Backend. Sessions already created keep working until finalized,
// as long as another backend keeps the environment alive.
func (b *Backend) Finalize() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return
	}
	b.finalized = true
	releaseEnvironment()
}

// newSessionOptions returns the session options for the backend configuration, or nil for the defaults.
func (b *Backend) newSessionOptions() (*ort.SessionOptions, error) {
	if b.threads == 0 {
		return nil, nil
	}
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create session options")
	}
	if err := options.SetIntraOpNumThreads(b.threads); err != nil {
		_ = options.Destroy()
		return nil, errors.Wrapf(err, "failed to set %d intra-op threads", b.threads)
	}
	return options, nil
}
