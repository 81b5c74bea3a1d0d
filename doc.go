// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package menoh is a runtime for inference of ONNX graphs.
//
// A graph is loaded asynchronously into a ModelBuilder, where the input variables (with their
// shapes) and the output variables are declared. ModelBuilder.Build resolves the shapes of every
// variable, optimizes the graph and compiles it with an engine (see package backends) into a Model.
// A Model owns the buffers of its inputs and runs the forward pass asynchronously:
//
//	builder, err := menoh.CreateBuilderFromFile("mnist.onnx").Wait()
//	if err != nil { ... }
//	defer builder.Finalize()
//	_ = builder.AddInput("input", []int{1, 1, 28, 28})
//	_ = builder.AddOutput("probs")
//	model, err := builder.Build(menoh.BuildConfig{})
//	if err != nil { ... }
//	defer func() { _ = model.Finalize() }()
//	_ = model.SetInputData("input", image)
//	future, err := model.Run()
//	if err != nil { ... }
//	if _, err = future.Wait(); err != nil { ... }
//	probs, err := model.GetOutput("probs")
//
// Errors can be classified with errors.Is against the Err* values of this package.
//
// The default engine ("mkldnn") resolves to the pure Go reference engine, unless configured
// otherwise with the MENOH_BACKEND environment variable, formatted as "<backend_name>:<config>".
package menoh
