// Package observability provides structured logging and metrics collection.
//
// Logger wraps log/slog with component-specific context fields.
// MetricsCollector records operation latencies, counts, and failures with a
// rolling window, and computes latency summaries.
package observability

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// Logger wraps slog with a persistent component name.
type Logger struct {
	mu        sync.RWMutex
	inner     *slog.Logger
	component string
	fields    []slog.Attr
}

// NewLogger creates a structured logger for a given component.
// Output defaults to os.Stderr if w is nil.
func NewLogger(component string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	return &Logger{
		inner:     slog.New(handler),
		component: component,
	}
}

// NewLoggerWithHandler creates a logger with a custom slog handler.
func NewLoggerWithHandler(component string, h slog.Handler) *Logger {
	return &Logger{
		inner:     slog.New(h),
		component: component,
	}
}

// Nop returns a logger that discards everything. Useful as a default when
// a caller does not provide one.
func Nop() *Logger {
	return NewLogger("nop", io.Discard)
}

// With returns a new Logger with additional persistent fields.
func (l *Logger) With(key string, value any) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{
		inner:     l.inner.With(slog.Any(key, value)),
		component: l.component,
		fields:    append(l.fields, slog.Any(key, value)),
	}
}

// attrs prepends the component name to the arguments.
func (l *Logger) attrs(msg string, args []any) (string, []any) {
	return msg, append([]any{slog.String("component", l.component)}, args...)
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(msg string, args ...any) {
	msg, args = l.attrs(msg, args)
	l.inner.Debug(msg, args...)
}

// Info logs at INFO level.
func (l *Logger) Info(msg string, args ...any) {
	msg, args = l.attrs(msg, args)
	l.inner.Info(msg, args...)
}

// Warn logs at WARN level.
func (l *Logger) Warn(msg string, args ...any) {
	msg, args = l.attrs(msg, args)
	l.inner.Warn(msg, args...)
}

// Error logs at ERROR level.
func (l *Logger) Error(msg string, args ...any) {
	msg, args = l.attrs(msg, args)
	l.inner.Error(msg, args...)
}

// Operation logs a storage operation event with op/table context.
func (l *Logger) Operation(op, table string, args ...any) {
	allArgs := append([]any{
		slog.String("component", l.component),
		slog.String("op", op),
		slog.String("table", table),
	}, args...)
	l.inner.Debug("operation", allArgs...)
}

// SlowOperation logs an operation that exceeded the slow threshold.
func (l *Logger) SlowOperation(op, table string, ms float64, args ...any) {
	allArgs := append([]any{
		slog.String("component", l.component),
		slog.String("op", op),
		slog.String("table", table),
		slog.Float64("duration_ms", ms),
	}, args...)
	l.inner.Warn("slow operation", allArgs...)
}

// Component returns the component name associated with this logger.
func (l *Logger) Component() string {
	return l.component
}
