// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package menoh

// Version of the menoh runtime, as "<major>.<minor>.<patch>".
const Version = "0.1.0"

// GetNativeVersion returns the version of the runtime core, in the same "<major>.<minor>.<patch>"
// format as Version. Engines are versioned on their own: see Model.BackendVersion, e.g. the
// ONNX Runtime library version for models built with the "onnxruntime" engine.
func GetNativeVersion() string {
	return Version
}
