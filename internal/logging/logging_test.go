package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestNew_FiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn, err := New(&buf, "warn", "")
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()

	logger.Info("hidden")
	logger.Warn("shown", "conversation_id", "c1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered: %q", out)
	}
	if !strings.Contains(out, "conversation_id=c1") {
		t.Fatalf("missing warn line: %q", out)
	}
}

func TestNew_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "convsync.log")
	var buf bytes.Buffer
	logger, closeFn, err := New(&buf, "info", path)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("to both")
	if err := closeFn(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "to both") || !strings.Contains(buf.String(), "to both") {
		t.Fatalf("expected line in file and writer; file=%q writer=%q", data, buf.String())
	}
}
