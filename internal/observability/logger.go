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

// F builds a Field.
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

// NewStdLogger adapts a standard library logger to the Logger interface.
// Debug output is suppressed unless verbose is set.
func NewStdLogger(base *log.Logger, verbose bool) Logger {
	return &stdLogger{base: base, verbose: verbose}
}

type stdLogger struct {
	base    *log.Logger
	verbose bool
}

func (l *stdLogger) Debug(msg string, fields ...Field) {
	if !l.verbose {
		return
	}
	l.print("DEBUG", msg, fields)
}

func (l *stdLogger) Info(msg string, fields ...Field) {
	l.print("INFO", msg, fields)
}

func (l *stdLogger) Error(msg string, fields ...Field) {
	l.print("ERROR", msg, fields)
}

func (l *stdLogger) print(level, msg string, fields []Field) {
	if l.base == nil {
		return
	}
	var b strings.Builder
	b.WriteString(level)
	b.WriteString(" ")
	b.WriteString(msg)
	for _, f := range fields {
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	l.base.Print(b.String())
}
