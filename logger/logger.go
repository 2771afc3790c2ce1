// Package logger is the structured logging facade used by the engine, the
// modem driver and the gateway. Messages carry key-value pairs; the default
// implementation is backed by log/slog.
package logger

import "strings"

// Level indicates the logging severity level.
type Level int8

const (
	// DebugLevel carries per-command traffic and is usually disabled in production.
	DebugLevel Level = iota - 1
	// InfoLevel is the default logging priority.
	InfoLevel
	// WarnLevel reports timeouts, retries exhausted and dropped bytes.
	WarnLevel
	// ErrorLevel reports conditions that need attention.
	ErrorLevel
)

// Logger defines a common interface for logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	// With creates a child logger and adds structured context to it.
	// Key-values added to the child don't affect the parent, and vice versa.
	With(keyValues ...any) Logger
	// Level returns the minimum enabled level for this logger.
	Level() Level
	// SetLevel sets the minimum enabled level for this logger and its children.
	SetLevel(level Level)
}

// ParseLevel maps "debug", "info", "warn" and "error" to a Level.
// Unknown names yield InfoLevel.
func ParseLevel(name string) Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "unknown"
	}
}
