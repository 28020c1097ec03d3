package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{" WARN ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestSetLoggerAndWith(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(New(&buf, "info"))
	defer Discard()

	With("component", "presence").Info("subject arrived", "episode", "e1")
	Debug("hidden")

	out := buf.String()
	if !strings.Contains(out, "component=presence") || !strings.Contains(out, "episode=e1") {
		t.Errorf("missing attributes in %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Error("debug message written at info level")
	}
}
