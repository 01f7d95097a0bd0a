// Package logger defines the leveled key/value logging contract the engine
// emits through, with adapters for oarkflow/log and log/slog. The engine
// never logs through a concrete sink directly, so hosts plug in whatever
// their service already uses.
package logger

import (
	"fmt"
	"log/slog"

	oarklog "github.com/oarkflow/log"
)

// Logger is the minimal leveled contract. Keyvals are alternating key/value
// pairs, keys always strings.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

// ============================================================================
// OARKFLOW/LOG ADAPTER (default)
// ============================================================================

type phusluLogger struct{}

// NewPhusluLogger returns the default structured logger: JSON lines through
// the process-wide oarkflow/log logger.
func NewPhusluLogger() Logger { return phusluLogger{} }

func (phusluLogger) Debug(msg string, keyvals ...any) { emit(oarklog.Debug(), msg, keyvals) }
func (phusluLogger) Info(msg string, keyvals ...any)  { emit(oarklog.Info(), msg, keyvals) }
func (phusluLogger) Error(msg string, keyvals ...any) { emit(oarklog.Error(), msg, keyvals) }

func emit(e *oarklog.Entry, msg string, keyvals []any) {
	for i := 0; i+1 < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		switch v := keyvals[i+1].(type) {
		case string:
			e = e.Str(key, v)
		case bool:
			e = e.Bool(key, v)
		case int:
			e = e.Int(key, v)
		default:
			e = e.Any(key, v)
		}
	}
	e.Msg(msg)
}

// ============================================================================
// SLOG ADAPTER
// ============================================================================

type slogLogger struct {
	l *slog.Logger
}

// NewSlogLogger adapts a *slog.Logger for hosts standardized on slog.
func NewSlogLogger(l *slog.Logger) Logger {
	return &slogLogger{l: l}
}

func (s *slogLogger) Debug(msg string, keyvals ...any) { s.l.Debug(msg, keyvals...) }
func (s *slogLogger) Info(msg string, keyvals ...any)  { s.l.Info(msg, keyvals...) }
func (s *slogLogger) Error(msg string, keyvals ...any) { s.l.Error(msg, keyvals...) }

// ============================================================================
// NOP
// ============================================================================

type nopLogger struct{}

// NewNop returns a logger that discards everything; tests use it to keep
// output quiet.
func NewNop() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
