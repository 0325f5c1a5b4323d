package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-atlas/internal/shared"
)

func readLastEntry(t *testing.T, home string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		t.Fatalf("expected at least one log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	return entry
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, sink, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer sink.Close()

	logger.Info("task claimed", "task_id", 7)

	entry := readLastEntry(t, home)
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "atlas" {
		t.Fatalf("expected component=atlas, got %#v", entry["component"])
	}
	if entry["trace_id"] != "-" {
		t.Fatalf("expected trace_id='-', got %#v", entry["trace_id"])
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	home := t.TempDir()
	logger, sink, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer sink.Close()

	logger.Info("trigger created",
		"webhook_secret", "abc123",
		"header", "Authorization: Bearer super-secret-token",
	)

	entry := readLastEntry(t, home)
	if entry["webhook_secret"] != "[REDACTED]" {
		t.Fatalf("expected webhook_secret redaction, got %#v", entry["webhook_secret"])
	}
	if entry["header"] != "[REDACTED]" {
		t.Fatalf("expected header redaction, got %#v", entry["header"])
	}
}

func TestFromContext_AddsTraceID(t *testing.T) {
	var buf bytes.Buffer
	base := Component(slogFor(&buf), "queue")
	ctx := shared.WithTraceID(context.Background(), "trace-9")
	FromContext(ctx, base).Info("hello")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["trace_id"] != "trace-9" {
		t.Fatalf("trace_id = %#v", entry["trace_id"])
	}
	if entry["component"] != "queue" {
		t.Fatalf("component = %#v", entry["component"])
	}
}

func TestFromContext_AddsRunAndTrigger(t *testing.T) {
	var buf bytes.Buffer
	ctx := shared.WithRunID(context.Background(), "inv-1")
	ctx = shared.WithTriggerName(ctx, "nightly")
	FromContext(ctx, slogFor(&buf)).Info("runtime started")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["run_id"] != "inv-1" || entry["run_trigger"] != "nightly" {
		t.Fatalf("unexpected entry: %#v", entry)
	}
	if _, ok := entry["trace_id"]; ok {
		t.Fatalf("absent trace_id should be left off: %#v", entry)
	}
}

func TestSink_SetLevelAppliesLive(t *testing.T) {
	home := t.TempDir()
	logger, sink, err := NewLogger(home, "warn", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer sink.Close()

	logger.Warn("first")
	logger.Info("hidden")
	if got := readLastEntry(t, home)["msg"]; got != "first" {
		t.Fatalf("info must be filtered at warn, last msg = %#v", got)
	}

	if !sink.SetLevel("debug") {
		t.Fatal("SetLevel(debug) should report a change")
	}
	if sink.SetLevel("DEBUG") {
		t.Fatal("SetLevel with the same level should report no change")
	}
	logger.Debug("now visible")
	if got := readLastEntry(t, home)["msg"]; got != "now visible" {
		t.Fatalf("debug should pass after SetLevel, last msg = %#v", got)
	}
}

func TestSink_NilIsSafe(t *testing.T) {
	var s *Sink
	if s.SetLevel("debug") {
		t.Fatal("nil sink cannot change level")
	}
	if s.Level() != slog.LevelInfo {
		t.Fatalf("nil sink level = %v", s.Level())
	}
	if err := s.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{"debug": "DEBUG", "WARN": "WARN", "warning": "WARN", " info ": "INFO", "error": "ERROR", "": "INFO", "bogus": "INFO", "debug+2": "INFO"}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func slogFor(buf *bytes.Buffer) *slog.Logger {
	return slog.New(newHandler(buf, slog.LevelDebug))
}
