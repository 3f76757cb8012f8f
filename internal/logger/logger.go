// Package logger provides module-scoped structured logging on top of log/slog.
//
// Packages derive their logger from the global one:
//
//	log := logger.Global().Module("reconcile")
//	log.Debug("node added", logger.Node(n.ID), logger.String("type", n.Type))
package logger

import (
	"context"
	"time"
	"unique"
)

// LogLevel is a level name as written in the configuration file.
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Field is one structured attribute of a record.
type Field struct {
	Key   string
	Value any
}

// Logger is implemented by module loggers. Records below the module's
// configured level are dropped before any attribute is built.
type Logger interface {
	// Module returns a child logger named parent.name.
	Module(name string) Logger

	Trace(msg string, fields ...Field)
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	With(fields ...Field) Logger
	// WithContext adds the trace id stored by WithTraceID, if any.
	WithContext(ctx context.Context) Logger

	Flush() error
}

// keys are interned, the same few are attached on every render quantum
func key(k string) string { return unique.Make(k).Value() }

var (
	errorKey = key("error")
	nodeKey  = key("node")
)

func String(k, v string) Field { return Field{Key: key(k), Value: v} }

func Int(k string, v int) Field { return Field{Key: key(k), Value: v} }

func Uint64(k string, v uint64) Field { return Field{Key: key(k), Value: v} }

// Float64 values are rounded to three decimals when rendered.
func Float64(k string, v float64) Field { return Field{Key: key(k), Value: v} }

func Bool(k string, v bool) Field { return Field{Key: key(k), Value: v} }

func Duration(k string, v time.Duration) Field { return Field{Key: key(k), Value: v} }

// Node tags a record with a graph node id.
func Node[ID ~string](id ID) Field { return Field{Key: nodeKey, Value: string(id)} }

// Error records err's message under "error"; a nil err logs null.
func Error(err error) Field {
	if err == nil {
		return Field{Key: errorKey}
	}
	return Field{Key: errorKey, Value: err.Error()}
}
