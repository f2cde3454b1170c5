package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"
)

// Logger is the leveled logging interface every ragmesh component accepts.
// Arguments after the message are slog style key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// LogLevel decouples configuration from slog levels.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l LogLevel) String() string {
	if l < LogLevelDebug || l > LogLevelError {
		return "UNKNOWN"
	}
	return levelNames[l]
}

func (l LogLevel) slog() slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// ParseLevel maps a config string to a LogLevel, defaulting to info.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	}
	return LogLevelInfo
}

// SlogAdapter lets a caller-owned *slog.Logger satisfy Logger.
type SlogAdapter struct {
	*slog.Logger
}

// NewSlogAdapter wraps logger.
func NewSlogAdapter(logger *slog.Logger) Logger {
	return &SlogAdapter{Logger: logger}
}

func (s *SlogAdapter) Debug(msg string, args ...any) { s.Logger.Debug(msg, args...) }
func (s *SlogAdapter) Info(msg string, args ...any)  { s.Logger.Info(msg, args...) }
func (s *SlogAdapter) Warn(msg string, args ...any)  { s.Logger.Warn(msg, args...) }
func (s *SlogAdapter) Error(msg string, args ...any) { s.Logger.Error(msg, args...) }

// NoOpLogger discards everything.
type NoOpLogger struct{}

func (NoOpLogger) Debug(string, ...any) {}
func (NoOpLogger) Info(string, ...any)  {}
func (NoOpLogger) Warn(string, ...any)  {}
func (NoOpLogger) Error(string, ...any) {}

// LoggerConfig configures NewLogger.
type LoggerConfig struct {
	Level     LogLevel
	Format    string // json or text
	Output    io.Writer
	AddSource bool

	// Attributes bound to every entry.
	Component   string
	SessionID   string
	RunID       string
	CustomAttrs map[string]any
}

// DefaultLoggerConfig logs JSON at info level to stdout.
func DefaultLoggerConfig() *LoggerConfig {
	return &LoggerConfig{Level: LogLevelInfo, Format: "json", Output: os.Stdout, AddSource: true}
}

// MeshLogger is a structured logger with thread/run scoping and helpers for
// the recurring engine events. With* methods return derived loggers and
// leave the receiver untouched.
type MeshLogger struct {
	sl *slog.Logger
}

// NewLogger builds a MeshLogger; a nil cfg means DefaultLoggerConfig.
func NewLogger(cfg *LoggerConfig) *MeshLogger {
	if cfg == nil {
		cfg = DefaultLoggerConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: cfg.Level.slog(), AddSource: cfg.AddSource}

	var h slog.Handler
	if cfg.Format == "text" {
		h = slog.NewTextHandler(out, opts)
	} else {
		h = slog.NewJSONHandler(out, opts)
	}

	l := &MeshLogger{sl: slog.New(h)}
	if cfg.Component != "" {
		l = l.WithComponent(cfg.Component)
	}
	if cfg.SessionID != "" || cfg.RunID != "" {
		l = l.WithSession(cfg.SessionID, cfg.RunID)
	}
	for k, v := range cfg.CustomAttrs {
		l = l.WithContext(k, v)
	}
	return l
}

// NewSlogLogger is NewLogger with the common knobs as arguments.
func NewSlogLogger(level LogLevel, format string, addSource bool) *MeshLogger {
	cfg := DefaultLoggerConfig()
	cfg.Level = level
	cfg.AddSource = addSource
	if format != "" {
		cfg.Format = format
	}
	return NewLogger(cfg)
}

func (l *MeshLogger) with(args ...any) *MeshLogger {
	return &MeshLogger{sl: l.sl.With(args...)}
}

// WithContext binds one attribute.
func (l *MeshLogger) WithContext(key string, value any) *MeshLogger {
	return l.with(key, value)
}

// WithComponent names the emitting component (engine, planner, cli).
func (l *MeshLogger) WithComponent(c string) *MeshLogger {
	return l.with("component", c)
}

// WithSession binds thread and run ids; empty ids are skipped.
func (l *MeshLogger) WithSession(threadID, runID string) *MeshLogger {
	var args []any
	if threadID != "" {
		args = append(args, "session_id", threadID)
	}
	if runID != "" {
		args = append(args, "run_id", runID)
	}
	if len(args) == 0 {
		return l
	}
	return l.with(args...)
}

func (l *MeshLogger) Debug(msg string, args ...any) { l.sl.Debug(msg, args...) }
func (l *MeshLogger) Info(msg string, args ...any)  { l.sl.Info(msg, args...) }
func (l *MeshLogger) Warn(msg string, args ...any)  { l.sl.Warn(msg, args...) }
func (l *MeshLogger) Error(msg string, args ...any) { l.sl.Error(msg, args...) }

// ErrorWithStack logs err with its dynamic type and the current goroutine's
// stack.
func (l *MeshLogger) ErrorWithStack(err error, msg string, args ...any) {
	ctx := context.Background()
	if !l.sl.Enabled(ctx, slog.LevelError) {
		return
	}
	buf := make([]byte, 4096)
	buf = buf[:runtime.Stack(buf, false)]
	l.sl.Error(msg, append([]any{
		"error", err.Error(),
		"error_type", fmt.Sprintf("%T", err),
		"stack_trace", string(buf),
	}, args...)...)
}

// outcome logs at info on success and at error otherwise, picking the
// matching message.
func (l *MeshLogger) outcome(ok bool, okMsg, failMsg string, err error, args ...any) {
	if err != nil {
		args = append(args, "error", err.Error())
	}
	if ok {
		l.sl.Info(okMsg, args...)
		return
	}
	l.sl.Error(failMsg, args...)
}

// LogCapabilityCall records one capability invocation.
func (l *MeshLogger) LogCapabilityCall(name string, dur time.Duration, success bool, err error) {
	l.outcome(success, "Capability invocation completed", "Capability invocation failed", err,
		"capability", name, "duration", dur, "success", success)
}

// LogLLMCall records one model call.
func (l *MeshLogger) LogLLMCall(model string, tokens int, dur time.Duration, success bool, err error) {
	l.outcome(success, "LLM call completed", "LLM call failed", err,
		"model", model, "token_count", tokens, "duration", dur, "success", success)
}

// LogRun records the end of a run: outcome label, dispatcher hops and
// evidence retries.
func (l *MeshLogger) LogRun(outcome string, hops, retries int, dur time.Duration, err error) {
	l.outcome(err == nil, "Run finished", "Run failed", err,
		"outcome", outcome, "hop_count", hops, "retry_count", retries, "duration", dur)
}

// LogApproval records a human decision on a pending action.
func (l *MeshLogger) LogApproval(action, decision string) {
	l.sl.Info("Approval resolved", "action", action, "decision", decision)
}

// StartTimer returns a func that logs the time elapsed since StartTimer.
func (l *MeshLogger) StartTimer(op string) func() {
	start := time.Now()
	return func() {
		l.sl.Info("Operation completed", "operation", op, "duration", time.Since(start))
	}
}
