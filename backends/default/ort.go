//go:build cgo && !noort

// ONNX Runtime is loaded at run time, but onnxruntime_go requires cgo to build.

package _default

import _ "github.com/gomlx/menoh/backends/ort"
