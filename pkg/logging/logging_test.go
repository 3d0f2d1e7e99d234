package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogLevelString(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{LogLevel(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestInitAndLog(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelDebug, &buf)

	Info("TestSubsystem", "hello %s", "world")

	out := buf.String()
	if !strings.Contains(out, "hello world") {
		t.Errorf("expected message in output, got %q", out)
	}
	if !strings.Contains(out, "TestSubsystem") {
		t.Errorf("expected subsystem in output, got %q", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelWarn, &buf)

	Debug("Test", "should be filtered")
	Info("Test", "should be filtered too")
	Warn("Test", "should appear")

	out := buf.String()
	if strings.Contains(out, "filtered") {
		t.Errorf("low-severity entries leaked through: %q", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Errorf("warn entry missing from output: %q", out)
	}
}

func TestTruncateSubject(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"short", "short"},
		{"exactly12chr", "exactly12chr"},
		{"did:key:z6MkVeryLongSubjectValue", "did:key:z6Mk..."},
		{"", ""},
	}

	for _, tt := range tests {
		if got := TruncateSubject(tt.in); got != tt.want {
			t.Errorf("TruncateSubject(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
