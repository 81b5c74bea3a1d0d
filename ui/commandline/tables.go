// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

// TitleStyle is used for the titles printed before each table.
var TitleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4)

var (
	tableHeaderStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2).Align(lipgloss.Center)
	tableCellStyle   = lipgloss.NewStyle().Padding(0, 1)
	plainBorderColor = lipgloss.Color("99")
)

// alignmentFor returns the alignment of column col: columns past the end of alignments
// take the last one, and with no alignments everything is left-aligned.
func alignmentFor(alignments []lipgloss.Position, col int) lipgloss.Position {
	switch {
	case len(alignments) == 0:
		return lipgloss.Left
	case col >= len(alignments):
		return alignments[len(alignments)-1]
	}
	return alignments[col]
}

// NewPlainTable returns a table whose data rows alternate between normal and faint text.
// Set headers, if any, with Table.Headers.
//
// alignments are per column.
func NewPlainTable(alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(plainBorderColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row < 0 { // Header.
				return tableHeaderStyle
			}
			return tableCellStyle.Faint(row%2 == 1).Align(alignmentFor(alignments, col))
		})
}
