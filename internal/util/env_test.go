package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value    string
		def      bool
		expected bool
	}{
		{"", true, true},
		{"true", false, true},
		{"YES", false, true},
		{"on", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("SMSAGENT_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("SMSAGENT_TEST_BOOL", tt.def); got != tt.expected {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.expected)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("SMSAGENT_TEST_INT", "42")
	if got := ParseIntEnv("SMSAGENT_TEST_INT", 1); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	t.Setenv("SMSAGENT_TEST_INT", "forty")
	if got := ParseIntEnv("SMSAGENT_TEST_INT", 1); got != 1 {
		t.Errorf("expected default 1, got %d", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("SMSAGENT_TEST_DUR", "90m")
	if got := ParseDurationEnv("SMSAGENT_TEST_DUR", time.Hour); got != 90*time.Minute {
		t.Errorf("expected 90m, got %v", got)
	}
	t.Setenv("SMSAGENT_TEST_DUR", "-5s")
	if got := ParseDurationEnv("SMSAGENT_TEST_DUR", time.Hour); got != time.Hour {
		t.Errorf("expected default for negative duration, got %v", got)
	}
	t.Setenv("SMSAGENT_TEST_DUR", "soon")
	if got := ParseDurationEnv("SMSAGENT_TEST_DUR", time.Hour); got != time.Hour {
		t.Errorf("expected default for invalid duration, got %v", got)
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("SMSAGENT_TEST_STR", "  ")
	if got := GetEnv("SMSAGENT_TEST_STR", "fallback"); got != "fallback" {
		t.Errorf("expected fallback for blank value, got %q", got)
	}
	t.Setenv("SMSAGENT_TEST_STR", "value")
	if got := GetEnv("SMSAGENT_TEST_STR", "fallback"); got != "value" {
		t.Errorf("expected value, got %q", got)
	}
}
