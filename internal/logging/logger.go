// internal/logging/logger.go
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/colebrumley/integrator/internal/coordinator"
)

// ParseLevel maps a config log level onto slog. Unknown levels are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a new structured logger
func NewLogger(format string, level string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// WithRule returns a logger with the rule name attached
func WithRule(logger *slog.Logger, ruleName string) *slog.Logger {
	return logger.With("rule", ruleName)
}

// WithService returns a logger with the target service attached
func WithService(logger *slog.Logger, service string) *slog.Logger {
	return logger.With("service", service)
}

// WithSource returns a logger with the event source attached
func WithSource(logger *slog.Logger, source string) *slog.Logger {
	return logger.With("source", source)
}

// WithNotification attaches the identifying fields of n.
func WithNotification(logger *slog.Logger, n coordinator.Notification) *slog.Logger {
	l := logger.With(
		"notification", n.ID,
		"rule", n.Rule,
		"service", n.TargetService,
		"source", n.SourceID,
	)
	if n.Step != "" {
		l = l.With("step", n.Step)
	}
	return l
}
