// Package xtime extends time.Duration parsing and formatting with day and
// week units.
package xtime

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	Day  = 24 * time.Hour
	Week = 7 * Day
)

var (
	durationRx = regexp.MustCompile(`^(\d+(?:\.\d+)?)(ns|us|µs|ms|s|m|h|d|w)`)
	unitMap    = map[string]time.Duration{
		"ns": time.Nanosecond,
		"us": time.Microsecond,
		"µs": time.Microsecond,
		"ms": time.Millisecond,
		"s":  time.Second,
		"m":  time.Minute,
		"h":  time.Hour,
		"d":  Day,
		"w":  Week,
	}
)

// ParseDuration parses a duration string such as "90s", "1h30m" or "2d12h".
// It accepts the units of time.ParseDuration, plus "d" for days and "w" for
// weeks. A bare "0" is a zero duration.
func ParseDuration(s string) (time.Duration, error) {
	orig := s
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	if s == "0" {
		return 0, nil
	}
	if s == "" {
		return 0, fmt.Errorf("invalid duration '%s'", orig)
	}

	var total time.Duration
	for s != "" {
		match := durationRx.FindStringSubmatch(s)
		if match == nil {
			return 0, fmt.Errorf("invalid duration '%s'", orig)
		}
		val, err := strconv.ParseFloat(match[1], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration '%s': %w", orig, err)
		}
		total += time.Duration(val * float64(unitMap[match[2]]))
		s = s[len(match[0]):]
	}

	if neg {
		total = -total
	}

	return total, nil
}

// FormatDuration formats a duration with the units accepted by ParseDuration,
// after rounding it to round. E.g. 36h is formatted as "1d12h".
func FormatDuration(d, round time.Duration) string {
	if round > 0 {
		d = d.Round(round)
	}
	if d == 0 {
		return "0s"
	}

	var sb strings.Builder
	if d < 0 {
		sb.WriteByte('-')
		d = -d
	}

	for _, u := range []struct {
		unit string
		dur  time.Duration
	}{
		{"w", Week}, {"d", Day}, {"h", time.Hour}, {"m", time.Minute},
		{"s", time.Second}, {"ms", time.Millisecond}, {"µs", time.Microsecond}, {"ns", time.Nanosecond},
	} {
		if n := d / u.dur; n > 0 {
			fmt.Fprintf(&sb, "%d%s", n, u.unit)
			d -= n * u.dur
		}
	}

	return sb.String()
}
