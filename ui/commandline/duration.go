// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"slices"
	"time"
)

// durationUnits from largest to smallest, used by FormatDuration.
var durationUnits = []struct {
	unit   time.Duration
	suffix string
}{
	{time.Second, "s"},
	{time.Millisecond, "ms"},
	{time.Microsecond, "µs"},
}

// FormatDuration prints d with two decimal places in its largest unit below a minute
// ("1.23ms", "2.00s"). From one minute on it is rounded to seconds ("1m30s").
func FormatDuration(d time.Duration) string {
	abs := d.Abs()
	if abs >= time.Minute {
		return d.Round(time.Second).String()
	}
	for _, u := range durationUnits {
		if abs >= u.unit {
			return fmt.Sprintf("%.2f%s", float64(d)/float64(u.unit), u.suffix)
		}
	}
	return d.String()
}

// MedianDuration returns the median of durations, or 0 if it is empty. The input is not
// reordered.
func MedianDuration(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := slices.Sorted(slices.Values(durations))
	return sorted[len(sorted)/2]
}
