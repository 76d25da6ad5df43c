// Package observability defines shared logging and metrics primitives.
package observability

import (
	"fmt"
	"log"
	"strings"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F builds a logging field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// StdLogger adapts a standard library logger to the Logger interface. Debug
// output is suppressed unless verbose is set.
type StdLogger struct {
	out     *log.Logger
	verbose bool
}

// NewStdLogger wraps the provided standard logger.
func NewStdLogger(out *log.Logger, verbose bool) *StdLogger {
	logger := new(StdLogger)
	logger.out = out
	logger.verbose = verbose
	return logger
}

// Debug emits a debug line when verbose logging is enabled.
func (l *StdLogger) Debug(msg string, fields ...Field) {
	if l == nil || l.out == nil || !l.verbose {
		return
	}
	l.out.Printf("DEBUG %s%s", msg, formatFields(fields))
}

// Info emits an informational line.
func (l *StdLogger) Info(msg string, fields ...Field) {
	if l == nil || l.out == nil {
		return
	}
	l.out.Printf("INFO %s%s", msg, formatFields(fields))
}

// Error emits an error line.
func (l *StdLogger) Error(msg string, fields ...Field) {
	if l == nil || l.out == nil {
		return
	}
	l.out.Printf("ERROR %s%s", msg, formatFields(fields))
}

func formatFields(fields []Field) string {
	if len(fields) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range fields {
		if strings.TrimSpace(f.Key) == "" {
			continue
		}
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	return b.String()
}
