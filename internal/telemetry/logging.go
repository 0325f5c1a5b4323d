package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/go-atlas/internal/shared"
)

const logFileName = "system.jsonl"

// Sink owns the log file behind a logger built by NewLogger and the level
// it filters at. The level can be changed while the logger is in use.
type Sink struct {
	file  *os.File
	level *slog.LevelVar
}

// Close closes the log file.
func (s *Sink) Close() error {
	if s == nil || s.file == nil {
		return nil
	}
	return s.file.Close()
}

// SetLevel switches the minimum level and reports whether it changed.
func (s *Sink) SetLevel(level string) bool {
	if s == nil || s.level == nil {
		return false
	}
	next := parseLevel(level)
	if s.level.Level() == next {
		return false
	}
	s.level.Set(next)
	return true
}

// Level is the current minimum level.
func (s *Sink) Level() slog.Level {
	if s == nil || s.level == nil {
		return slog.LevelInfo
	}
	return s.level.Level()
}

// NewLogger writes JSON lines to <home>/logs/system.jsonl and, unless quiet,
// to stderr as well. stdout stays free for command output.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, *Sink, error) {
	dir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	sink := &Sink{file: f, level: new(slog.LevelVar)}
	sink.level.Set(parseLevel(level))

	out := io.Writer(f)
	if !quiet {
		out = io.MultiWriter(os.Stderr, f)
	}
	logger := slog.New(newHandler(out, sink.level)).With("component", "atlas", "trace_id", "-")
	return logger, sink, nil
}

func newHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, ReplaceAttr: scrubAttr})
}

// scrubAttr renames the time key and masks secrets by key name or by value.
func scrubAttr(_ []string, a slog.Attr) slog.Attr {
	switch {
	case a.Key == slog.TimeKey:
		a.Key = "timestamp"
		return a
	case shared.IsSensitiveKey(a.Key):
		return slog.String(a.Key, shared.Redacted)
	case a.Value.Kind() != slog.KindString:
		return a
	}
	if v, changed := scrubString(a.Value.String()); changed {
		return slog.String(a.Key, v)
	}
	return a
}

func scrubString(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "authorization:") || strings.Contains(lower, "bearer ") {
		return shared.Redacted, true
	}
	out := shared.Redact(v)
	return out, out != v
}

// Component returns a child logger tagged with the given component name.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}

// FromContext tags logger with the trace_id, run_id and run_trigger carried
// by ctx. Absent values are left off.
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	var attrs []any
	if id := shared.TraceID(ctx); id != "-" {
		attrs = append(attrs, "trace_id", id)
	}
	if id := shared.RunID(ctx); id != "" {
		attrs = append(attrs, "run_id", id)
	}
	if name := shared.TriggerName(ctx); name != "" {
		attrs = append(attrs, "run_trigger", name)
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	switch s := strings.ToLower(strings.TrimSpace(level)); s {
	case "warning":
		return slog.LevelWarn
	case "debug", "info", "warn", "error":
		if err := l.UnmarshalText([]byte(s)); err == nil {
			return l
		}
	}
	return slog.LevelInfo
}
