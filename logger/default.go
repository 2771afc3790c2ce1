package logger

import (
	"io"
	"os"
)

var defLogger = NewSlog(os.Stderr, InfoLevel, false)

// GetLogger returns the process wide default logger.
func GetLogger() Logger {
	return defLogger
}

// SetDefault replaces the process wide default logger.
func SetDefault(l Logger) {
	if l != nil {
		defLogger = l
	}
}

// Discard returns a logger that drops every record.
func Discard() Logger {
	return NewSlog(io.Discard, ErrorLevel, false)
}

func Debug(msg string, keysAndValues ...any) { defLogger.Debug(msg, keysAndValues...) }

func Info(msg string, keysAndValues ...any) { defLogger.Info(msg, keysAndValues...) }

func Warn(msg string, keysAndValues ...any) { defLogger.Warn(msg, keysAndValues...) }

func Error(msg string, keysAndValues ...any) { defLogger.Error(msg, keysAndValues...) }
