// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package _default includes the default engines, namely the pure Go "generic" engine (also
// registered as "mkldnn") and ONNX Runtime.
//
// The root menoh package already includes it, but it can be included on its own with:
//
//	import _ "github.com/gomlx/menoh/backends/default"
//
// If you add the tag `noort` it will not include ONNX Runtime -- useful if you can't build with cgo.
package _default

import (
	_ "github.com/gomlx/menoh/backends/generic"
)
