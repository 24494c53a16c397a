package logger

import (
	"io"
	"log/slog"
)

// NewWithWriter returns a text slog.Logger writing to w, tagged with the
// service name. The CLI passes stderr; stdout is left to the progress
// reporter.
func NewWithWriter(w io.Writer, service string, level slog.Level) *slog.Logger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", service)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
