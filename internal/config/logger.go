package config

import (
	"io"
	"log/slog"
)

// NewLogger builds the process logger writing to w: JSON at info in
// production, text at debug otherwise.
func NewLogger(env string, w io.Writer) *slog.Logger {
	level := slog.LevelDebug
	if env == "production" {
		level = slog.LevelInfo
	}
	return NewLoggerAtLevel(env, w, level)
}

// NewLoggerAtLevel is NewLogger with an explicit minimum level.
func NewLoggerAtLevel(env string, w io.Writer, level slog.Level) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		AddSource: env == "development",
		Level:     level,
	}

	if env == "production" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
