// Package logutil provides the process-wide slog.Logger construction and a
// sub-Debug "trace" level used on the hottest per-token log lines.
package logutil

import (
	"context"
	"io"
	"log/slog"
)

// LevelTrace sits one step below slog.LevelDebug so it can be enabled
// independently of ordinary debug logging.
const LevelTrace = slog.LevelDebug - 4

// NewLogger builds the default logger for the process, writing text-format
// records to w at or above level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				level := a.Value.Any().(slog.Level)
				if level == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}))
}

// Trace logs at LevelTrace against the default logger.
func Trace(msg string, args ...any) {
	slog.Default().Log(context.Background(), LevelTrace, msg, args...)
}
