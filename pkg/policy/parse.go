// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var durationPattern = regexp.MustCompile(`^(\d+)(ms|s|m|h)$`)

// ParseDuration parses the policy duration shorthand: Nms, Ns, Nm, or Nh.
// Anything else is an error, never a silent default.
func ParseDuration(s string) (time.Duration, error) {
	match := durationPattern.FindStringSubmatch(s)
	if match == nil {
		return 0, fmt.Errorf("invalid duration %q: want <number>ms|s|m|h", s)
	}
	n, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}

	switch match[2] {
	case "ms":
		return time.Duration(n) * time.Millisecond, nil
	case "s":
		return time.Duration(n) * time.Second, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	default:
		return time.Duration(n) * time.Hour, nil
	}
}

// FormatDuration renders a duration in the largest shorthand unit that
// divides it evenly, so ParseDuration(FormatDuration(d)) == d for any
// millisecond-granular duration.
func FormatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	case d >= time.Second && d%time.Second == 0:
		return fmt.Sprintf("%ds", d/time.Second)
	default:
		return fmt.Sprintf("%dms", d/time.Millisecond)
	}
}

var byteSizePattern = regexp.MustCompile(`^(\d+)(B|KB|MB|GB)?$`)

// ParseByteSize parses the policy size shorthand: a bare byte count or
// N with a B, KB, MB, or GB suffix.
func ParseByteSize(s string) (int64, error) {
	match := byteSizePattern.FindStringSubmatch(s)
	if match == nil {
		return 0, fmt.Errorf("invalid size %q: want <number>[B|KB|MB|GB]", s)
	}
	n, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	switch match[2] {
	case "", "B":
		return n, nil
	case "KB":
		return n << 10, nil
	case "MB":
		return n << 20, nil
	default:
		return n << 30, nil
	}
}

// FormatByteSize renders a byte count in the largest unit that divides it
// evenly, so ParseByteSize(FormatByteSize(n)) == n.
func FormatByteSize(n int64) string {
	switch {
	case n >= 1<<30 && n%(1<<30) == 0:
		return fmt.Sprintf("%dGB", n>>30)
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%dMB", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return fmt.Sprintf("%dKB", n>>10)
	default:
		return strconv.FormatInt(n, 10)
	}
}

// ParseRateLimit parses the N/window shorthand, e.g. "100/1m".
func ParseRateLimit(s string) (RateLimit, error) {
	var rl RateLimit
	numPart, windowPart, found := strings.Cut(s, "/")
	if !found {
		return rl, fmt.Errorf("invalid rate limit %q: want <requests>/<window>", s)
	}
	n, err := strconv.Atoi(numPart)
	if err != nil || n < 0 {
		return rl, fmt.Errorf("invalid rate limit %q: bad request count", s)
	}
	window, err := ParseDuration(windowPart)
	if err != nil {
		return rl, fmt.Errorf("invalid rate limit %q: %w", s, err)
	}
	rl.Requests = n
	rl.Window = window
	return rl, nil
}
