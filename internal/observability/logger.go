// Package observability provides logging and metrics for streamgate.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/streamgate/streamgate/internal/config"
)

// contextKey is a type for context keys to avoid collisions.
type contextKey string

// loggerKey is the context key for the logger.
const loggerKey contextKey = "logger"

// NewLogger creates a new slog.Logger based on the provided configuration.
// The logger supports JSON and text formats with configurable log levels.
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	return NewLoggerWithWriter(cfg, os.Stderr)
}

// NewLoggerWithWriter creates a new slog.Logger that writes to the provided
// writer. This is useful for testing or custom output destinations.
func NewLoggerWithWriter(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && cfg.TimeFormat != "" {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(slog.TimeKey, t.Format(cfg.TimeFormat))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetDefault sets the provided logger as the default slog logger.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}

// WithApp adds the application name to the logger.
func WithApp(logger *slog.Logger, app string) *slog.Logger {
	return logger.With(slog.String("app", app))
}

// WithComponent adds a component name to the logger for identifying the source.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}

// WithSessionID adds a stream session ID to the logger.
func WithSessionID(logger *slog.Logger, sessionID string) *slog.Logger {
	return logger.With(slog.String("session_id", sessionID))
}

// WithError adds an error to the logger attributes.
func WithError(logger *slog.Logger, err error) *slog.Logger {
	if err == nil {
		return logger
	}
	return logger.With(slog.String("error", err.Error()))
}

// LoggerFromContext extracts a logger from the context.
// If no logger is found, returns the default logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// ContextWithLogger adds a logger to the context.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}
