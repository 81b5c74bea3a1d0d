// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// menoh_run loads an ONNX model, feeds its inputs, runs it a number of times and prints a report
// of the outputs.
//
// The run can be described with flags:
//
//	menoh_run -model=mlp.onnx -input=input=1x4 -fill=0.5 -output=probs -runs=100
//
// Or with a YAML run file (flags given explicitly override its values):
//
//	model: mlp.onnx
//	backend: generic
//	backend_config: parallelism=4
//	runs: 100
//	top_k: 3
//	inputs:
//	  - name: input
//	    dims: [1, 4]
//	    values: [0.1, 0.2, 0.3, 0.4]
//	outputs: [probs]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/menoh"
	"github.com/gomlx/menoh/backends"
	"github.com/gomlx/menoh/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagRunFile       = flag.String("run", "", "YAML file describing the run. Flags set explicitly override its values.")
	flagModel         = flag.String("model", "", "Path to the ONNX model.")
	flagBackend       = flag.String("backend", "", fmt.Sprintf("Engine to use. If empty, uses $%s or %q.", backends.ConfigEnvVar, backends.DefaultName))
	flagBackendConfig = flag.String("backend_config", "", "Engine configuration.")
	flagRuns          = flag.Int("runs", 1, "Number of times to run the model.")
	flagTopK          = flag.Int("top_k", 5, "Number of largest values to report for each output. 0 disables it.")
	flagFill          = flag.Float64("fill", 0, "Value to fill the inputs declared with -input.")
	flagProgress      = flag.Bool("progress", true, "Display a progress bar while running.")
	flagList          = flag.Bool("list_backends", false, "List the registered engines and exit.")

	flagInputs  []InputConfig
	flagOutputs []string
)

func init() {
	flag.Func("input", "Input declaration \"<name>=<dim>x<dim>...\". Can be repeated.", func(value string) error {
		input, err := ParseInputFlag(value)
		if err != nil {
			return err
		}
		flagInputs = append(flagInputs, input)
		return nil
	})
	flag.Func("output", "Output variable name. Can be repeated.", func(value string) error {
		flagOutputs = append(flagOutputs, value)
		return nil
	})
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *flagList {
		listBackends()
		return
	}
	rf, err := buildRunFile()
	if err != nil {
		klog.Errorf("%v. See 'menoh_run -help'.", err)
		os.Exit(1)
	}
	if err := run(rf); err != nil {
		klog.Errorf("Failed: %+v", err)
		os.Exit(1)
	}
}

// buildRunFile merges the run file (if given) with the flags set explicitly.
func buildRunFile() (*RunFile, error) {
	rf := &RunFile{}
	if *flagRunFile != "" {
		var err error
		rf, err = LoadRunFile(*flagRunFile)
		if err != nil {
			return nil, err
		}
	}
	fill := float32(*flagFill)
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "model":
			rf.Model = *flagModel
		case "backend":
			rf.Backend = *flagBackend
		case "backend_config":
			rf.BackendConfig = *flagBackendConfig
		case "runs":
			rf.Runs = *flagRuns
		case "top_k":
			rf.TopK = *flagTopK
		}
	})
	if *flagRunFile == "" {
		rf.Runs = *flagRuns
		rf.TopK = *flagTopK
	}
	for _, input := range flagInputs {
		input.Fill = &fill
		rf.Inputs = append(rf.Inputs, input)
	}
	rf.Outputs = append(rf.Outputs, flagOutputs...)
	if err := rf.Validate(); err != nil {
		return nil, err
	}
	return rf, nil
}

func run(rf *RunFile) error {
	builder, err := menoh.CreateBuilderFromFile(rf.Model).Wait()
	if err != nil {
		return err
	}
	defer builder.Finalize()
	for _, input := range rf.Inputs {
		if err := builder.AddInput(input.Name, input.Dims); err != nil {
			return err
		}
	}
	for _, name := range rf.Outputs {
		if err := builder.AddOutput(name); err != nil {
			return err
		}
	}
	model, err := builder.Build(menoh.BuildConfig{BackendName: rf.Backend, BackendConfig: rf.BackendConfig})
	if err != nil {
		return err
	}
	defer func() {
		if err := model.Finalize(); err != nil {
			klog.Warningf("Failed to finalize model: %+v", err)
		}
	}()

	for _, input := range rf.Inputs {
		buffer := must.M1(model.Input(input.Name))
		data, err := input.Data(buffer.Len())
		if err != nil {
			return errors.WithMessagef(err, "input %q", input.Name)
		}
		if data == nil {
			continue
		}
		if err := model.SetInputData(input.Name, data); err != nil {
			return err
		}
	}

	durations, err := runModel(model, rf.Runs)
	if err != nil {
		return err
	}

	outputs := make([]commandline.NamedValues, 0, len(rf.Outputs))
	for _, name := range rf.Outputs {
		output := must.M1(model.GetOutput(name))
		outputs = append(outputs, commandline.NamedValues{Name: name, Dims: output.Dims, Data: output.Data})
	}
	commandline.ReportOutputs(os.Stdout, outputs, rf.TopK)
	summary(rf, builder, model, durations)
	menoh.Wait()
	return nil
}

// runModel runs the model the given number of times, and returns the duration of each run.
func runModel(model *menoh.Model, numRuns int) ([]time.Duration, error) {
	var pBar *commandline.ProgressBar
	if *flagProgress {
		pBar = commandline.NewProgressBar(os.Stdout, model.Backend(), numRuns, func() (string, string) {
			count, bytes := menoh.LiveBuffers()
			return "Input buffers", fmt.Sprintf("%d (%s)", count, humanize.Bytes(bytes))
		})
		defer pBar.Done()
	}
	durations := make([]time.Duration, 0, numRuns)
	for range numRuns {
		start := time.Now()
		if err := model.RunSync(context.Background()); err != nil {
			return nil, err
		}
		elapsed := time.Since(start)
		durations = append(durations, elapsed)
		if pBar != nil {
			pBar.Step(elapsed)
		}
	}
	return durations, nil
}

func summary(rf *RunFile, builder *menoh.ModelBuilder, model *menoh.Model, durations []time.Duration) {
	fmt.Println(commandline.TitleStyle.Render("Summary"))
	graph := builder.Graph()
	stats := builder.OptimizeStats()
	table := commandline.NewPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row("model", rf.Model)
	table.Row("graph", fmt.Sprintf("%q (producer %q, ir_version %d, opset %d)",
		graph.Graph.Name, graph.ProducerName, graph.IRVersion, graph.OpsetVersion()))
	table.Row("# nodes", humanize.Comma(int64(len(graph.Graph.Nodes))))
	table.Row("optimizations", fmt.Sprintf("%d constants folded, %d dropouts removed, %d identities elided, %d nodes pruned",
		stats.ConstantsFolded, stats.DropoutsRemoved, stats.IdentitiesElided, stats.NodesPruned))
	table.Row("backend", fmt.Sprintf("%s (version %s)", model.Backend(), model.BackendVersion()))
	table.Row("model id", model.ID().String())
	table.Row("menoh version", menoh.GetNativeVersion())
	table.Row("# runs", humanize.Comma(int64(len(durations))))
	table.Row("median run", commandline.FormatDuration(commandline.MedianDuration(durations)))
	fmt.Println(table.Render())
}

func listBackends() {
	fmt.Println(commandline.TitleStyle.Render("Backends"))
	table := commandline.NewPlainTable(lipgloss.Left)
	table.Headers("Name", "Description")
	for _, name := range backends.List() {
		backend, err := backends.New(name, "")
		if err != nil {
			table.Row(name, fmt.Sprintf("not available: %v", err))
			continue
		}
		table.Row(name, backend.Description())
		backend.Finalize()
	}
	fmt.Println(table.Render())
}
