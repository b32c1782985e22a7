package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/natefinch/lumberjack"
)

// NewLogger builds a JSON logger writing to stdout.
func NewLogger(level string) *slog.Logger {
	return newLogger(os.Stdout, level)
}

// NewFileLogger writes to stdout and to a size-rotated file.
func NewFileLogger(level, path string) *slog.Logger {
	if path == "" {
		return NewLogger(level)
	}
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 7,
		MaxAge:     7, // days
		Compress:   true,
	}
	return newLogger(io.MultiWriter(os.Stdout, rotator), level)
}

// Discard is handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLogger(w io.Writer, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     levelFromString(level),
		AddSource: true,
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func levelFromString(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
