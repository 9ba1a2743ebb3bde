// Package logging provides the component-scoped structured logger used
// across the controller and agent processes.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is a runtime-adjustable severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLevel accepts case-insensitive level names, defaulting to Info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is the interface every component depends on. Implementations must
// be safe for concurrent use.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// logIDKey is the context key used to thread a correlation id through a
// request or workflow execution.
type logIDKey struct{}

// ContextWithLogID attaches a correlation id to ctx.
func ContextWithLogID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, logIDKey{}, id)
}

// LogIDFromContext extracts the correlation id previously attached with
// ContextWithLogID, or "" if none is present.
func LogIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(logIDKey{}).(string); ok {
		return v
	}
	return ""
}

// Sink is the shared, process-wide log destination. Multiple
// ComponentLoggers write through the same Sink so level, rotation and
// output are configured once.
type Sink struct {
	mu       sync.Mutex
	out      io.Writer
	level    Level
	category string
}

// RotationConfig mirrors the logSettings configuration schema.
type RotationConfig struct {
	Path       string
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
	Compress   bool
}

// NewSink creates a process-wide sink writing to both stderr and, if path is
// configured, a rotated log file managed by lumberjack.
func NewSink(level Level, rotation RotationConfig, category string) *Sink {
	writers := []io.Writer{os.Stderr}
	if rotation.Path != "" {
		if dir := filepath.Dir(rotation.Path); dir != "." {
			_ = os.MkdirAll(dir, 0o755)
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   rotation.Path,
			MaxSize:    maxOrDefault(rotation.MaxSizeMB, 50),
			MaxAge:     rotation.MaxAgeDays,
			MaxBackups: rotation.MaxBackups,
			Compress:   rotation.Compress,
		})
	}
	return &Sink{out: io.MultiWriter(writers...), level: level, category: category}
}

func maxOrDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// SetLevel changes the sink's runtime level. Safe for concurrent use.
func (s *Sink) SetLevel(l Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.level = l
}

// Level returns the sink's current runtime level.
func (s *Sink) Level() Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

func (s *Sink) write(level Level, component, logID, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if level < s.level {
		return
	}
	_, file, line, ok := runtime.Caller(3)
	source := "unknown:0"
	if ok {
		source = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}
	ts := time.Now().UTC().Format("2006-01-02 15:04:05")
	idPart := ""
	if logID != "" {
		idPart = fmt.Sprintf(" [log_id=%s]", logID)
	}
	fmt.Fprintf(s.out, "%s [%s] [%s] [%s]%s %s - %s\n", ts, level, s.category, component, idPart, source, msg)
}

// ComponentLogger is a Logger bound to one component name and optionally one
// correlation id, writing through a shared Sink.
type ComponentLogger struct {
	sink      *Sink
	component string
	logID     string
}

// NewComponentLogger returns a Logger scoped to component, writing through
// sink. If sink is nil, a process-default sink at Info level is created.
func NewComponentLogger(sink *Sink, component string) *ComponentLogger {
	if sink == nil {
		sink = NewSink(LevelInfo, RotationConfig{}, "SERVICE")
	}
	return &ComponentLogger{sink: sink, component: component}
}

// WithLogID returns a derived logger that stamps every line with id.
func WithLogID(l Logger, id string) Logger {
	if cl, ok := l.(*ComponentLogger); ok {
		return &ComponentLogger{sink: cl.sink, component: cl.component, logID: id}
	}
	return l
}

func (c *ComponentLogger) Debug(format string, args ...any) {
	c.sink.write(LevelDebug, c.component, c.logID, fmt.Sprintf(format, args...))
}

func (c *ComponentLogger) Info(format string, args ...any) {
	c.sink.write(LevelInfo, c.component, c.logID, fmt.Sprintf(format, args...))
}

func (c *ComponentLogger) Warn(format string, args ...any) {
	c.sink.write(LevelWarn, c.component, c.logID, fmt.Sprintf(format, args...))
}

func (c *ComponentLogger) Error(format string, args ...any) {
	c.sink.write(LevelError, c.component, c.logID, fmt.Sprintf(format, args...))
}

// nop is a Logger that discards everything; used as the never-nil default.
type nop struct{}

func (nop) Debug(string, ...any) {}
func (nop) Info(string, ...any)  {}
func (nop) Warn(string, ...any)  {}
func (nop) Error(string, ...any) {}

// Nop is a Logger that discards all output.
var Nop Logger = nop{}

// OrNop returns l, or Nop if l is nil, so callers never need a nil check.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop
	}
	return l
}
