package utils

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type Logger struct {
	log *slog.Logger
}

func NewLogger() *Logger {
	return NewLoggerWithWriter(os.Stderr, "info")
}

func NewLoggerWithWriter(w io.Writer, level string) *Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return &Logger{log: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))}
}

func (l *Logger) Printf(format string, args ...any) {
	if l == nil {
		return
	}
	l.log.Info(fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...any) {
	if l == nil {
		return
	}
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...any) {
	if l == nil {
		return
	}
	l.log.Error(fmt.Sprintf(format, args...))
}

// Errorw logs msg with structured key/value pairs, e.g. incident_id and rule_id.
func (l *Logger) Errorw(msg string, kv ...any) {
	if l == nil {
		return
	}
	l.log.Error(msg, kv...)
}

func (l *Logger) Infow(msg string, kv ...any) {
	if l == nil {
		return
	}
	l.log.Info(msg, kv...)
}

func (l *Logger) With(kv ...any) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{log: l.log.With(kv...)}
}
