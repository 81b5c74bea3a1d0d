// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package generic implements a simple, portable, pure Go inference engine.
//
// It supports float32 models built from the most common ONNX operators: element-wise math,
// matrix multiplications, convolutions, pooling and layout manipulations. Matrix multiplications
// and convolutions are split across a pool of workers.
//
// It registers itself as "generic", and as the alias "mkldnn" (the default engine name), so
// importing it for its side effects is enough to make the default configuration work:
//
//	import _ "github.com/gomlx/menoh/backends/generic"
//
// The configuration string is a comma-separated list of options. Currently only
// "parallelism=<n>" is supported: 0 disables parallelism, -1 makes it unlimited, and the default
// is the number of CPUs.
package generic

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/gomlx/menoh/backends"
	"github.com/gomlx/menoh/internal/workerspool"
	"github.com/gomlx/menoh/pkg/core/profile"
	"github.com/gomlx/menoh/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in MENOH_BACKEND to specify this backend.
const BackendName = "generic"

// Version of the generic engine kernels.
const Version = "0.1.0"

// AliasName is the conventional name of the default engine, resolved to this backend.
const AliasName = "mkldnn"

func init() {
	backends.Register(BackendName, func(config string) (backends.Backend, error) {
		return New(config)
	})
	backends.RegisterAlias(AliasName, BackendName)
}

// Backend implements the backends.Backend interface.
type Backend struct {
	workers *workerspool.Pool

	// bufferPools hold released float32 slices, keyed by their length. They are shared by all
	// the models built with this backend.
	bufferPools    xsync.Cache[int, *bufferPool]
	numAllocations atomic.Int64
}

// Compile-time check that generic.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// New constructs a new generic Backend with the given configuration.
func New(config string) (*Backend, error) {
	b := &Backend{workers: workerspool.New()}
	for _, option := range strings.Split(config, ",") {
		option = strings.TrimSpace(option)
		if option == "" {
			continue
		}
		key, value, _ := strings.Cut(option, "=")
		switch key {
		case "parallelism":
			parallelism, err := strconv.Atoi(value)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid value for option %q", option)
			}
			b.workers.SetMaxParallelism(parallelism)
		default:
			return nil, errors.Errorf("unknown option %q for backend %q", key, BackendName)
		}
	}
	klog.V(1).Infof("generic backend created with parallelism %d", b.workers.MaxParallelism())
	return b, nil
}

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return "Generic pure Go portable engine"
}

// Version of the generic engine.
func (b *Backend) Version() string { return Version }

// MaxParallelism returns the soft limit of workers used by the kernels.
func (b *Backend) MaxParallelism() int { return b.workers.MaxParallelism() }

// NewModelBuilder implements backends.Backend.
func (b *Backend) NewModelBuilder(table *profile.Table) (backends.ModelBuilder, error) {
	if table == nil {
		return nil, errors.New("nil variable profile table")
	}
	return &ModelBuilder{
		backend:  b,
		table:    table,
		attached: make(map[string][]float32),
	}, nil
}

// Finalize implements backends.Backend. Models already built remain usable.
func (b *Backend) Finalize() {}
