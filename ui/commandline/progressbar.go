// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBar displays the progress of a fixed number of steps (model runs) and a table with
// the run durations, redrawn asynchronously on the terminal.
type ProgressBar struct {
	numSteps int
	out      io.Writer
	bar      *progressbar.ProgressBar

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn

	mu        sync.Mutex
	durations []time.Duration
	done      bool
}

type progressBarUpdate struct {
	amount    int
	stepsDone int
	last      time.Duration
	median    time.Duration
}

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// maxUpdateFrequency is the time between updates to the commandline display of stats.
var maxUpdateFrequency = time.Millisecond * 200

// NewProgressBar creates a progress bar for numSteps steps, printed to out.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func NewProgressBar(out io.Writer, description string, numSteps int, extraMetrics ...ExtraMetricFn) *ProgressBar {
	pBar := &ProgressBar{
		numSteps:       numSteps,
		out:            out,
		extraMetricFns: extraMetrics,
		isFirstOutput:  true,
		termenv:        termenv.NewOutput(out),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
	}
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription(fmt.Sprintf("      [bold]%s[reset]", description)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("runs"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(out),
	)
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so things are not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates()
	return pBar
}

// drawUpdates redraws the display from a goroutine, so slow terminals don't slow down the runs.
// Updates queued while drawing are coalesced into one redraw.
func (pBar *ProgressBar) drawUpdates() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		update, amount := pBar.coalesce(update)
		pBar.renderStats(update)

		// Move the cursor back over the previous table (3 fixed rows, extra metrics and 2 borders),
		// the bar and the blank line.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(3 + len(pBar.extraMetricFns) + 4)
		}
		pBar.isFirstOutput = false
		_, _ = fmt.Fprintln(pBar.out, pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount)
		_, _ = fmt.Fprintln(pBar.out)
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// coalesce takes every update already queued after first. It returns the latest one and the
// total amount of steps.
func (pBar *ProgressBar) coalesce(first progressBarUpdate) (latest progressBarUpdate, amount int) {
	latest, amount = first, first.amount
	for {
		select {
		case next, ok := <-pBar.updates:
			if !ok {
				return
			}
			latest = next
			amount += next.amount
		default:
			return
		}
	}
}

// renderStats refills the stats table.
func (pBar *ProgressBar) renderStats(update progressBarUpdate) {
	rows := lgtable.NewStringData()
	rows.Append([]string{"Runs", fmt.Sprintf("%s of %s",
		humanize.Comma(int64(update.stepsDone)), humanize.Comma(int64(pBar.numSteps)))})
	rows.Append([]string{"Last run duration", FormatDuration(update.last)})
	rows.Append([]string{"Median run duration", FormatDuration(update.median)})
	for _, metricFn := range pBar.extraMetricFns {
		name, value := metricFn()
		rows.Append([]string{name, value})
	}
	pBar.statsTable.Data(rows)
}

// Step reports one more step finished, that took elapsed time. Steps reported after Done are ignored.
func (pBar *ProgressBar) Step(elapsed time.Duration) {
	pBar.mu.Lock()
	defer pBar.mu.Unlock()
	if pBar.done {
		return
	}
	pBar.durations = append(pBar.durations, elapsed)
	pBar.updates <- progressBarUpdate{
		amount:    1,
		stepsDone: len(pBar.durations),
		last:      elapsed,
		median:    MedianDuration(pBar.durations),
	}
}

// Durations returns a copy of the durations of the steps reported so far.
func (pBar *ProgressBar) Durations() []time.Duration {
	pBar.mu.Lock()
	defer pBar.mu.Unlock()
	return append([]time.Duration(nil), pBar.durations...)
}

// Done waits for the pending updates to be drawn, and finishes the display.
// It is a no-op if called more than once.
func (pBar *ProgressBar) Done() {
	pBar.mu.Lock()
	if pBar.done {
		pBar.mu.Unlock()
		return
	}
	pBar.done = true
	close(pBar.updates)
	pBar.mu.Unlock()

	pBar.asyncUpdatesDone.Wait()
	pBar.termenv.ShowCursor()
	_, _ = fmt.Fprintln(pBar.out)
}
