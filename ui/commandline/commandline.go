// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for the command line: a progress bar for
// repeated model runs, and tables to report the outputs.
package commandline

import (
	"fmt"
	"io"
	"math"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

// NamedValues are the values of a variable, with its dimensions.
type NamedValues struct {
	Name string
	Dims []int
	Data []float32
}

// Stats summarizes a list of values.
type Stats struct {
	Min, Max, Mean float32
	ArgMax         int
}

// ComputeStats returns the statistics of values. ArgMax is -1 if values is empty.
func ComputeStats(values []float32) (stats Stats) {
	stats.ArgMax = -1
	if len(values) == 0 {
		return
	}
	stats.Min, stats.Max = float32(math.Inf(1)), float32(math.Inf(-1))
	var sum float64
	for ii, v := range values {
		if v < stats.Min {
			stats.Min = v
		}
		if v > stats.Max {
			stats.Max = v
			stats.ArgMax = ii
		}
		sum += float64(v)
	}
	stats.Mean = float32(sum / float64(len(values)))
	return
}

// TopK returns the indices of the k largest values, largest first. Ties are ordered by index.
func TopK(values []float32, k int) []int {
	indices := make([]int, len(values))
	for ii := range indices {
		indices[ii] = ii
	}
	slices.SortStableFunc(indices, func(a, b int) int {
		switch {
		case values[a] > values[b]:
			return -1
		case values[a] < values[b]:
			return 1
		}
		return 0
	})
	return indices[:min(k, len(indices))]
}

// FormatTopK formats the k largest values as "index:value" pairs.
func FormatTopK(values []float32, k int) string {
	parts := make([]string, 0, k)
	for _, idx := range TopK(values, k) {
		parts = append(parts, fmt.Sprintf("%d:%.4g", idx, values[idx]))
	}
	return strings.Join(parts, " ")
}

// ReportOutputs prints a table summarizing each of the outputs: dimensions, size, statistics and,
// if topK > 0, the topK largest values of the last axis, for the first example of the batch.
func ReportOutputs(w io.Writer, outputs []NamedValues, topK int) {
	_, _ = fmt.Fprintln(w, TitleStyle.Render("Outputs"))
	table := NewPlainTable(lipgloss.Right, lipgloss.Left, lipgloss.Right)
	headers := []string{"Name", "Dims", "Size", "Min", "Max", "Mean", "ArgMax"}
	if topK > 0 {
		headers = append(headers, fmt.Sprintf("Top-%d", topK))
	}
	table.Headers(headers...)
	for _, output := range outputs {
		stats := ComputeStats(output.Data)
		row := []string{
			output.Name,
			fmt.Sprintf("%v", output.Dims),
			humanize.Comma(int64(len(output.Data))),
			fmt.Sprintf("%.4g", stats.Min),
			fmt.Sprintf("%.4g", stats.Max),
			fmt.Sprintf("%.4g", stats.Mean),
			fmt.Sprintf("%d", stats.ArgMax),
		}
		if topK > 0 {
			row = append(row, FormatTopK(firstExample(output), topK))
		}
		table.Row(row...)
	}
	_, _ = fmt.Fprintln(w, table.Render())
}

// firstExample returns the values of the first row of the last axis.
func firstExample(output NamedValues) []float32 {
	if len(output.Dims) == 0 {
		return output.Data
	}
	lastDim := output.Dims[len(output.Dims)-1]
	return output.Data[:min(lastDim, len(output.Data))]
}
