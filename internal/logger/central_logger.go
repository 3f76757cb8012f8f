package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "time/tzdata"
)

const (
	// slog has no trace level; it sits one step below debug.
	traceLevelValue = slog.LevelDebug - 4

	moduleKey  = "module"
	traceIDKey = "trace_id"
)

var levels = map[string]slog.Level{
	"trace": traceLevelValue,
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// parseLogLevel maps a configured level name to slog; unknown names are info.
func parseLogLevel(level string) slog.Level {
	if l, ok := levels[strings.ToLower(level)]; ok {
		return l
	}
	return slog.LevelInfo
}

func parseSlogLevel(level LogLevel) slog.Level { return parseLogLevel(string(level)) }

var global atomic.Pointer[CentralLogger]

// SetGlobal installs cl as the logger returned by Global.
func SetGlobal(cl *CentralLogger) { global.Store(cl) }

// Global returns the logger installed by SetGlobal. Before that it returns an
// info level console logger on stderr.
func Global() *CentralLogger {
	if cl := global.Load(); cl != nil {
		return cl
	}
	cl, _ := NewCentralLogger(&LoggingConfig{}, os.Stderr)
	if global.CompareAndSwap(nil, cl) {
		return cl
	}
	return global.Load()
}

type traceIDContextKey struct{}

// TraceIDKey is the context key WithTraceID stores under.
var TraceIDKey traceIDContextKey

// WithTraceID returns ctx carrying traceID; WithContext picks it up.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// CentralLogger owns the console and file handlers and hands out module
// loggers whose level comes from module_levels.
type CentralLogger struct {
	config  *LoggingConfig
	handler slog.Handler
	levels  map[string]slog.Level

	mu   sync.Mutex
	file *os.File
}

// NewCentralLogger builds the handlers described by cfg. Console records go
// to console, os.Stdout when nil.
func NewCentralLogger(cfg *LoggingConfig, console io.Writer) (*CentralLogger, error) {
	if cfg == nil {
		return nil, errors.New("logging config cannot be nil")
	}
	applyConfigDefaults(cfg)
	if console == nil {
		console = os.Stdout
	}

	tz, err := loadTimezone(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	cl := &CentralLogger{config: cfg, levels: make(map[string]slog.Level, len(cfg.ModuleLevels))}
	for module, level := range cfg.ModuleLevels {
		cl.levels[module] = parseLogLevel(level)
	}

	var handlers []slog.Handler
	if cfg.Console.Enabled {
		handlers = append(handlers, newTextHandler(console, traceLevelValue, tz))
	}
	if fo := cfg.FileOutput; fo != nil && fo.Enabled && fo.Path != "" {
		f, err := openLogFile(fo.Path)
		if err != nil {
			return nil, err
		}
		cl.file = f
		handlers = append(handlers, newJSONHandler(f, parseLogLevel(fo.Level), tz))
	}
	cl.handler = fanOut(handlers)
	return cl, nil
}

func loadTimezone(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	tz, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %s: %w", name, err)
	}
	return tz, nil
}

func openLogFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating log directory %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}

// Module returns the logger for name. "engine.reconcile" uses the level of
// "engine" unless it has its own entry.
func (cl *CentralLogger) Module(name string) Logger {
	return &moduleLogger{
		module: name,
		logger: slog.New(cl.handler),
		level:  cl.levelFor(name),
	}
}

func (cl *CentralLogger) levelFor(module string) slog.Level {
	for name := module; name != ""; {
		if level, ok := cl.levels[name]; ok {
			return level
		}
		i := strings.LastIndexByte(name, '.')
		if i < 0 {
			break
		}
		name = name[:i]
	}
	if c := cl.config.Console; c != nil && c.Enabled && c.Level != "" {
		return parseLogLevel(c.Level)
	}
	return parseLogLevel(cl.config.DefaultLevel)
}

// Close syncs and closes the log file. Later file writes fail silently.
func (cl *CentralLogger) Close() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.file == nil {
		return nil
	}
	err := errors.Join(cl.file.Sync(), cl.file.Close())
	cl.file = nil
	return err
}

// Flush syncs the log file.
func (cl *CentralLogger) Flush() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.file == nil {
		return nil
	}
	return cl.file.Sync()
}

type moduleLogger struct {
	module string
	logger *slog.Logger
	level  slog.Level
	fields []Field
}

func (m *moduleLogger) Module(name string) Logger {
	child := *m
	child.module = m.module + "." + name
	child.fields = slices.Clone(m.fields)
	return &child
}

func (m *moduleLogger) Trace(msg string, fields ...Field) { m.log(traceLevelValue, msg, fields) }
func (m *moduleLogger) Debug(msg string, fields ...Field) { m.log(slog.LevelDebug, msg, fields) }
func (m *moduleLogger) Info(msg string, fields ...Field)  { m.log(slog.LevelInfo, msg, fields) }
func (m *moduleLogger) Warn(msg string, fields ...Field)  { m.log(slog.LevelWarn, msg, fields) }

// Error is never filtered by the module level.
func (m *moduleLogger) Error(msg string, fields ...Field) {
	m.emit(slog.LevelError, msg, fields)
}

func (m *moduleLogger) With(fields ...Field) Logger {
	child := *m
	child.fields = slices.Concat(m.fields, fields)
	return &child
}

func (m *moduleLogger) WithContext(ctx context.Context) Logger {
	if ctx == nil {
		return m
	}
	if id, ok := ctx.Value(TraceIDKey).(string); ok && id != "" {
		return m.With(String(traceIDKey, id))
	}
	return m
}

// Flush is a no-op; the CentralLogger owns the file.
func (m *moduleLogger) Flush() error { return nil }

func (m *moduleLogger) log(level slog.Level, msg string, fields []Field) {
	if level < m.level {
		return
	}
	m.emit(level, msg, fields)
}

func (m *moduleLogger) emit(level slog.Level, msg string, fields []Field) {
	attrs := make([]slog.Attr, 0, 1+len(m.fields)+len(fields))
	if m.module != "" {
		attrs = append(attrs, slog.String(moduleKey, m.module))
	}
	for _, f := range m.fields {
		attrs = append(attrs, fieldToAttr(f))
	}
	for _, f := range fields {
		attrs = append(attrs, fieldToAttr(f))
	}
	m.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

func fieldToAttr(f Field) slog.Attr {
	switch v := f.Value.(type) {
	case string:
		return slog.String(f.Key, v)
	case int:
		return slog.Int(f.Key, v)
	case uint64:
		return slog.Uint64(f.Key, v)
	case float32:
		return slog.Float64(f.Key, round3(float64(v)))
	case float64:
		return slog.Float64(f.Key, round3(v))
	case bool:
		return slog.Bool(f.Key, v)
	case time.Duration:
		// slog.Duration renders nanoseconds in JSON
		return slog.String(f.Key, v.Round(time.Microsecond).String())
	default:
		return slog.Any(f.Key, v)
	}
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
