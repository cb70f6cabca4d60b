package logging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "intelsync.log")
	logger, closer := New(Options{Level: "debug", File: path})

	logger.Debug("pool loaded", "credentials", 2)
	if err := closer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected log file to exist: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"pool loaded"`) || !strings.Contains(string(data), `"credentials":2`) {
		t.Errorf("Unexpected log content: %s", data)
	}
}

func TestNew_LevelFilter(t *testing.T) {
	logger, closer := New(Options{Level: "error"})
	defer closer.Close()

	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Errorf("Expected info to be filtered at error level")
	}
}
