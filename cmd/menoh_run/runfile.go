// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// RunFile describes a model run: it can be loaded from YAML, and completed or overridden by flags.
type RunFile struct {
	Model         string        `yaml:"model"`
	Backend       string        `yaml:"backend"`
	BackendConfig string        `yaml:"backend_config"`
	Runs          int           `yaml:"runs"`
	TopK          int           `yaml:"top_k"`
	Inputs        []InputConfig `yaml:"inputs"`
	Outputs       []string      `yaml:"outputs"`
}

// InputConfig declares one input variable and where to take its values from: at most one of
// Fill, Values or File can be set. Without any, the input is left zero-initialized.
type InputConfig struct {
	Name   string    `yaml:"name"`
	Dims   []int     `yaml:"dims"`
	Fill   *float32  `yaml:"fill,omitempty"`
	Values []float32 `yaml:"values,omitempty"`

	// File with the values in text, separated by spaces, commas or new lines.
	File string `yaml:"file,omitempty"`
}

// LoadRunFile reads a YAML run file. Relative paths in it are kept as is.
func LoadRunFile(path string) (*RunFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read run file %q", path)
	}
	rf := &RunFile{}
	if err := yaml.Unmarshal(data, rf); err != nil {
		return nil, errors.Wrapf(err, "failed to parse run file %q", path)
	}
	return rf, nil
}

// Validate checks the run file is complete, and sets the defaults.
func (rf *RunFile) Validate() error {
	if rf.Model == "" {
		return errors.New("no model given")
	}
	if rf.Runs <= 0 {
		rf.Runs = 1
	}
	if len(rf.Inputs) == 0 {
		return errors.New("no inputs declared")
	}
	if len(rf.Outputs) == 0 {
		return errors.New("no outputs declared")
	}
	for _, input := range rf.Inputs {
		if input.Name == "" {
			return errors.New("input without a name")
		}
		sources := 0
		if input.Fill != nil {
			sources++
		}
		if len(input.Values) > 0 {
			sources++
		}
		if input.File != "" {
			sources++
		}
		if sources > 1 {
			return errors.Errorf("input %q: only one of fill, values or file can be given", input.Name)
		}
	}
	return nil
}

// Data returns the values for the input, of the given size. It returns nil if no values are configured.
func (in *InputConfig) Data(size int) ([]float32, error) {
	switch {
	case in.Fill != nil:
		data := make([]float32, size)
		for ii := range data {
			data[ii] = *in.Fill
		}
		return data, nil
	case len(in.Values) > 0:
		return in.Values, nil
	case in.File != "":
		return readValues(in.File)
	}
	return nil, nil
}

// readValues reads float values in text, separated by spaces, commas or new lines.
func readValues(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open values file")
	}
	defer func() { _ = f.Close() }()
	var values []float32
	scanner := bufio.NewScanner(f)
	scanner.Split(bufio.ScanWords)
	for scanner.Scan() {
		for _, field := range strings.Split(scanner.Text(), ",") {
			if field == "" {
				continue
			}
			v, err := strconv.ParseFloat(field, 32)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid value in %q", path)
			}
			values = append(values, float32(v))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", path)
	}
	return values, nil
}

// ParseInputFlag parses an input declaration in the format "<name>=<dim>x<dim>[x...]", e.g.: "data=1x3x224x224".
func ParseInputFlag(value string) (InputConfig, error) {
	name, dimsStr, found := strings.Cut(value, "=")
	if !found || name == "" || dimsStr == "" {
		return InputConfig{}, errors.Errorf("invalid input %q, expected <name>=<dim>x<dim>...", value)
	}
	var dims []int
	for _, part := range strings.Split(dimsStr, "x") {
		dim, err := strconv.Atoi(strings.ReplaceAll(part, "_", ""))
		if err != nil {
			return InputConfig{}, errors.Wrapf(err, "invalid dimension in input %q", value)
		}
		dims = append(dims, dim)
	}
	return InputConfig{Name: name, Dims: dims}, nil
}
