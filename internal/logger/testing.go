package logger

import (
	"io"
	"log/slog"
)

// NewTestLogger returns a Logger writing console-format records to w,
// bypassing the global logger.
func NewTestLogger(w io.Writer, level LogLevel) Logger {
	return &moduleLogger{
		module: "test",
		logger: slog.New(newTextHandler(w, traceLevelValue, nil)),
		level:  parseSlogLevel(level),
	}
}

// NewDiscard returns a Logger that drops every record.
func NewDiscard() Logger {
	return &moduleLogger{logger: slog.New(slog.DiscardHandler), level: slog.LevelError + 1}
}
