// Package logging sets up the process-wide structured logger, matching the
// teacher's log/slog-based logging style, and adapts it to watermill's
// LoggerAdapter interface for the pub/sub components.
package logging

import (
	"log/slog"
	"os"

	"github.com/ThreeDotsLabs/watermill"
)

// New builds the process slog.Logger: JSON handler in production (for log
// aggregators), a human-readable text handler otherwise.
func New(environment string) *slog.Logger {
	level := slog.LevelInfo
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if environment == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// watermillAdapter bridges *slog.Logger onto watermill.LoggerAdapter, since
// watermill predates slog and ships its own logging interface.
type watermillAdapter struct {
	logger *slog.Logger
}

func NewWatermillAdapter(logger *slog.Logger) watermill.LoggerAdapter {
	return &watermillAdapter{logger: logger}
}

func (a *watermillAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.logger.Error(msg, slogArgs(fields, "error", err)...)
}

func (a *watermillAdapter) Info(msg string, fields watermill.LogFields) {
	a.logger.Info(msg, slogArgs(fields)...)
}

func (a *watermillAdapter) Debug(msg string, fields watermill.LogFields) {
	a.logger.Debug(msg, slogArgs(fields)...)
}

func (a *watermillAdapter) Trace(msg string, fields watermill.LogFields) {
	a.logger.Debug(msg, slogArgs(fields)...)
}

func (a *watermillAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillAdapter{logger: a.logger.With(slogArgs(fields)...)}
}

func slogArgs(fields watermill.LogFields, extra ...any) []any {
	args := make([]any, 0, len(fields)*2+len(extra))
	args = append(args, extra...)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}
