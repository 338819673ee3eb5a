package utils

import (
	"testing"
	"time"
)

func TestParseStringTime(t *testing.T) {
	tests := []struct {
		timeString string
		expected   time.Duration
	}{
		{"10s", 10 * time.Second},
		{"20M", 20 * time.Minute},
		{"48h", 48 * time.Hour},
		{"2d", 2 * time.Hour * 24},
		{"250ms", 250 * time.Millisecond},
		{" 3s ", 3 * time.Second},
	}

	for _, test := range tests {
		result, err := ParseStringTime(test.timeString)
		if err != nil {
			t.Errorf("ParseStringTime(%s): unexpected error %v", test.timeString, err)
			continue
		}
		if result != test.expected {
			t.Errorf("ParseStringTime(%s): expected %v, got %v", test.timeString, test.expected, result)
		}
	}
}

func TestParseStringTimeRejectsGarbage(t *testing.T) {
	for _, input := range []string{"", "abc", "10", "xs", "-5s"} {
		if _, err := ParseStringTime(input); err == nil {
			t.Errorf("ParseStringTime(%q): expected error", input)
		}
	}
}

func TestDurationOr(t *testing.T) {
	if got := DurationOr("", time.Second); got != time.Second {
		t.Fatalf("expected default, got %v", got)
	}
	if got := DurationOr("nope", time.Second); got != time.Second {
		t.Fatalf("expected default for malformed input, got %v", got)
	}
	if got := DurationOr("5m", time.Second); got != 5*time.Minute {
		t.Fatalf("expected 5m, got %v", got)
	}
}
