package socket

import (
	"log/slog"

	"github.com/rs/zerolog"
)

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library.
// Applications can provide their own implementation, use the default slog
// logger, or wrap a zerolog.Logger with NewZerologLogger.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

type zerologLogger struct {
	log zerolog.Logger
}

// NewZerologLogger adapts l to Logger. Key-value pairs become event fields.
func NewZerologLogger(l zerolog.Logger) Logger {
	return zerologLogger{log: l}
}

func (z zerologLogger) Debug(msg string, args ...any) { z.emit(z.log.Debug(), msg, args) }
func (z zerologLogger) Info(msg string, args ...any)  { z.emit(z.log.Info(), msg, args) }
func (z zerologLogger) Warn(msg string, args ...any)  { z.emit(z.log.Warn(), msg, args) }
func (z zerologLogger) Error(msg string, args ...any) { z.emit(z.log.Error(), msg, args) }

func (zerologLogger) emit(e *zerolog.Event, msg string, args []any) {
	if e == nil {
		return
	}
	if len(args)%2 == 1 {
		args = append(args, "!MISSING")
	}
	e.Fields(args).Msg(msg)
}

// sessionLogger tags every record with the identity of one connection.
func sessionLogger(l Logger, identity uint64, role string) Logger {
	return taggedLogger{base: l, tags: []any{"identity", identity, "title", role}}
}

type taggedLogger struct {
	base Logger
	tags []any
}

func (t taggedLogger) with(args []any) []any {
	out := make([]any, 0, len(t.tags)+len(args))
	return append(append(out, t.tags...), args...)
}

func (t taggedLogger) Debug(msg string, args ...any) { t.base.Debug(msg, t.with(args)...) }
func (t taggedLogger) Info(msg string, args ...any)  { t.base.Info(msg, t.with(args)...) }
func (t taggedLogger) Warn(msg string, args ...any)  { t.base.Warn(msg, t.with(args)...) }
func (t taggedLogger) Error(msg string, args ...any) { t.base.Error(msg, t.with(args)...) }
