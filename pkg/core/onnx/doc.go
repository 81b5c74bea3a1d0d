// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package onnx decodes and encodes ONNX models (the ModelProto protobuf) without generated code.
//
// It decodes the parts of the model the runtime works with: the graph nodes, initializers,
// inputs/outputs with their shapes and the operator set imports. Everything else is preserved
// verbatim, so Marshal(Parse(data)) keeps the model intact for engines that take ONNX bytes.
//
// Example:
//
//	model, err := onnx.ReadFile("mnist.onnx")
//	if err != nil { ... }
//	fmt.Println(model.OpsetVersion(), len(model.Graph.Nodes))
package onnx
