package identity

import (
	"context"
	"log/slog"
)

// Logger is the logging contract used across the package. Arguments are
// key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type slogLogger struct {
	l *slog.Logger
}

// NewSlogLogger adapts a slog.Logger. A nil logger uses slog.Default.
func NewSlogLogger(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return &slogLogger{l: l.With("component", "identity")}
}

func (s *slogLogger) Debug(msg string, args ...any) {
	s.l.Log(context.Background(), slog.LevelDebug, msg, args...)
}

func (s *slogLogger) Info(msg string, args ...any) {
	s.l.Log(context.Background(), slog.LevelInfo, msg, args...)
}

func (s *slogLogger) Warn(msg string, args ...any) {
	s.l.Log(context.Background(), slog.LevelWarn, msg, args...)
}

func (s *slogLogger) Error(msg string, args ...any) {
	s.l.Log(context.Background(), slog.LevelError, msg, args...)
}

func defLogger() Logger {
	return NewSlogLogger(nil)
}

func normalizeLogger(l Logger) Logger {
	if l == nil {
		return defLogger()
	}
	return l
}
