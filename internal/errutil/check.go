package errutil

import (
	"io"
	"log/slog"
)

// LogMsg logs the error with a custom message if it is not nil.
func LogMsg(err error, msg string, args ...any) {
	if err != nil {
		allArgs := append([]any{"error", err}, args...)
		slog.Warn(msg, allArgs...)
	}
}

// ReportError logs an unexpected error.
// It funnels errors through a centralized reporting mechanism (currently slog).
func ReportError(err error, msg string, args ...any) {
	if err != nil {
		allArgs := append([]any{"error", err}, args...)
		slog.Error(msg, allArgs...)
	}
}

// LogClose closes c and logs a failure with msg.
func LogClose(c io.Closer, msg string, args ...any) {
	if c == nil {
		return
	}
	LogMsg(c.Close(), msg, args...)
}
