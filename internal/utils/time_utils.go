package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var timeUnits = []struct {
	suffix string
	unit   time.Duration
}{
	{"ms", time.Millisecond},
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", 24 * time.Hour},
}

// ParseStringTime parses durations written as "<n><unit>" where unit is one of ms, s, m, h, d.
// Units are case-insensitive, so "20M" is twenty minutes.
func ParseStringTime(timeString string) (time.Duration, error) {
	value := strings.ToLower(strings.TrimSpace(timeString))
	if value == "" {
		return 0, fmt.Errorf("empty time string")
	}
	for _, u := range timeUnits {
		cutString, found := strings.CutSuffix(value, u.suffix)
		if !found {
			continue
		}
		number, err := strconv.Atoi(cutString)
		if err != nil {
			return 0, fmt.Errorf("invalid time string %q: %w", timeString, err)
		}
		if number < 0 {
			return 0, fmt.Errorf("negative time string %q", timeString)
		}
		return time.Duration(number) * u.unit, nil
	}
	return 0, fmt.Errorf("invalid time format: %s", timeString)
}

// DurationOr parses timeString and falls back to def when it is empty or malformed.
func DurationOr(timeString string, def time.Duration) time.Duration {
	if strings.TrimSpace(timeString) == "" {
		return def
	}
	d, err := ParseStringTime(timeString)
	if err != nil || d == 0 {
		return def
	}
	return d
}
