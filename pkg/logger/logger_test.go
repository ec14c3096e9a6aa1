package logger

import (
	"log/slog"
	"testing"
)

func TestLoggerSelfInitialises(t *testing.T) {
	if L() == nil {
		t.Fatal("expected a usable default logger without explicit Init")
	}
	if Audit() == nil {
		t.Fatal("expected the audit logger to fall back to the default")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for input, want := range cases {
		if got := parseLevel(input); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}
