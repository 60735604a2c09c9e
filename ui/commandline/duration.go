// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"time"
)

var reDurationNumber = regexp.MustCompile(`(\d+\.?\d*)([µa-z]+)$`)

// FormatDuration pretty prints duration without a long list of decimal points.
func FormatDuration(d time.Duration) string {
	s := d.String()
	if d >= time.Minute {
		return FormatElapsed(d)
	}
	matches := reDurationNumber.FindStringSubmatch(s)
	if len(matches) != 3 {
		return s
	}
	num, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%.2f%s", num, matches[2])
}

// FormatElapsed formats a long duration as "Hh Mm Ss", dropping the leading zero parts.
// Fractions of a second are rounded.
func FormatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	if d < 0 {
		return "-" + FormatElapsed(-d)
	}
	hours := int64(d / time.Hour)
	minutes := int64((d % time.Hour) / time.Minute)
	seconds := int64((d % time.Minute) / time.Second)
	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// medianDuration returns the median of the given durations, or 0 if empty.
func medianDuration(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := slices.Clone(durations)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}
