package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func newBufferedLogger(t *testing.T, level LogLevel) (*ZapLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l, err := NewZapLogger(Config{Level: level, Format: JSONFormat, Output: &buf})
	if err != nil {
		t.Fatalf("NewZapLogger() error = %v", err)
	}
	return l, &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid json log line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestZapLogger_LogLevels(t *testing.T) {
	tests := []struct {
		name     string
		level    LogLevel
		logFunc  func(Logger)
		expected bool
	}{
		{name: "debug level logs debug", level: DebugLevel, logFunc: func(l Logger) { l.Debug("m") }, expected: true},
		{name: "info level drops debug", level: InfoLevel, logFunc: func(l Logger) { l.Debug("m") }, expected: false},
		{name: "info level logs info", level: InfoLevel, logFunc: func(l Logger) { l.Info("m") }, expected: true},
		{name: "warn level drops info", level: WarnLevel, logFunc: func(l Logger) { l.Info("m") }, expected: false},
		{name: "warn level logs warn", level: WarnLevel, logFunc: func(l Logger) { l.Warn("m") }, expected: true},
		{name: "error level drops warn", level: ErrorLevel, logFunc: func(l Logger) { l.Warn("m") }, expected: false},
		{name: "error level logs error", level: ErrorLevel, logFunc: func(l Logger) { l.Error("m") }, expected: true},
		{name: "unknown level behaves as info", level: "verbose", logFunc: func(l Logger) { l.Debug("m") }, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, buf := newBufferedLogger(t, tt.level)
			tt.logFunc(l)
			_ = l.Sync()
			if got := buf.Len() > 0; got != tt.expected {
				t.Fatalf("logged = %v, want %v (output %q)", got, tt.expected, buf.String())
			}
		})
	}
}

func TestZapLogger_StructuredFields(t *testing.T) {
	l, buf := newBufferedLogger(t, InfoLevel)
	l.Info("batch flushed", "kind", "pattern", "count", 42)
	_ = l.Sync()

	entries := decodeLines(t, buf)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry["message"] != "batch flushed" {
		t.Fatalf("unexpected message %v", entry["message"])
	}
	if entry["level"] != "info" {
		t.Fatalf("unexpected level %v", entry["level"])
	}
	if entry["kind"] != "pattern" || entry["count"] != float64(42) {
		t.Fatalf("missing structured fields: %v", entry)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatal("expected timestamp key")
	}
}

func TestZapLogger_WithDoesNotLeakToParent(t *testing.T) {
	l, buf := newBufferedLogger(t, InfoLevel)
	child := l.With("component", "dispatcher")
	child.Info("child")
	l.Info("parent")
	_ = l.Sync()

	entries := decodeLines(t, buf)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0]["component"] != "dispatcher" {
		t.Fatalf("child entry missing component: %v", entries[0])
	}
	if _, ok := entries[1]["component"]; ok {
		t.Fatalf("parent entry must not carry child fields: %v", entries[1])
	}
}

func TestZapLogger_WithContext(t *testing.T) {
	l, buf := newBufferedLogger(t, InfoLevel)

	l.WithContext(ContextWithSessionID(context.Background(), "sess-1")).Info("with session")
	l.WithContext(context.Background()).Info("without session")
	_ = l.Sync()

	entries := decodeLines(t, buf)
	if entries[0]["session_id"] != "sess-1" {
		t.Fatalf("expected session_id, got %v", entries[0])
	}
	if _, ok := entries[1]["session_id"]; ok {
		t.Fatalf("unexpected session_id: %v", entries[1])
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", DebugLevel, false},
		{"INFO", InfoLevel, false},
		{"warning", WarnLevel, false},
		{" error ", ErrorLevel, false},
		{"trace", "", true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("ParseLogLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseLogFormat(t *testing.T) {
	if f, err := ParseLogFormat("console"); err != nil || f != TextFormat {
		t.Fatalf("ParseLogFormat(console) = %q, %v", f, err)
	}
	if f, err := ParseLogFormat("json"); err != nil || f != JSONFormat {
		t.Fatalf("ParseLogFormat(json) = %q, %v", f, err)
	}
	if _, err := ParseLogFormat("xml"); err == nil {
		t.Fatal("expected error for xml")
	}
}

func TestNop(t *testing.T) {
	l := NewNop()
	l.Info("ignored", "k", "v")
	if l.With("a", 1) == nil || l.WithContext(context.Background()) == nil {
		t.Fatal("nop logger children must not be nil")
	}
}

func TestZapLogger_InitialFields(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewZapLogger(Config{
		Level:  InfoLevel,
		Format: JSONFormat,
		Output: &buf,
		Fields: map[string]any{"service": "tickstream", "environment": "test"},
	})
	if err != nil {
		t.Fatalf("NewZapLogger() error = %v", err)
	}

	l.With("component", "buffer").Info("flushed")
	_ = l.Sync()

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	for k, want := range map[string]string{"service": "tickstream", "environment": "test", "component": "buffer"} {
		if entries[0][k] != want {
			t.Fatalf("field %s = %v, want %q", k, entries[0][k], want)
		}
	}
}
