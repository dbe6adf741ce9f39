package logger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", DebugLevel},
		{"info", InfoLevel},
		{"warn", WarnLevel},
		{"warning", WarnLevel},
		{"error", ErrorLevel},
		{"unknown", InfoLevel},
		{"", InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{DebugLevel, "debug"},
		{InfoLevel, "info"},
		{WarnLevel, "warn"},
		{ErrorLevel, "error"},
		{Level(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.level.String(); got != tt.expected {
				t.Errorf("Level.String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestSetLevel_SharedWithChildren(t *testing.T) {
	log := New(&Config{Level: InfoLevel, Format: "text", Output: "stderr"})
	child := log.Named("queue")

	log.SetLevel(DebugLevel)
	if child.GetLevel() != DebugLevel {
		t.Fatalf("child level = %v, want debug", child.GetLevel())
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sorter.log")
	log := New(&Config{Level: DebugLevel, Format: "json", Output: path})

	log.Named("emc").Info("handshake confirmed", "event_id", "abc")
	if err := log.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	for _, want := range []string{`"message":"handshake confirmed"`, `"component":"emc"`, `"event_id":"abc"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}

func TestFromContext(t *testing.T) {
	log := NewNop()
	ctx := log.WithContext(context.Background())
	if FromContext(ctx) != log {
		t.Fatal("expected logger from context")
	}
	if FromContext(context.Background()) != Global() {
		t.Fatal("expected global fallback")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
	l := NewNop()
	if OrNop(l) != l {
		t.Fatal("OrNop should return the given logger")
	}
}
