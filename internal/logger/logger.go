package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys used by the logger
type ContextKey string

const (
	// LoggerKey is the context key for the logger instance
	LoggerKey ContextKey = "logger"
)

// Options controls how New builds a logger.
type Options struct {
	Level  string    // debug, info, warn, error; empty means info
	Format string    // "console" (default) or "json"
	Out    io.Writer // defaults to os.Stdout
}

// New creates a console logger at info level writing to stdout.
func New() zerolog.Logger {
	return NewWithOptions(Options{})
}

// NewWithOptions creates a logger from explicit options.
func NewWithOptions(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	var base zerolog.Logger
	if strings.EqualFold(opts.Format, "json") {
		base = zerolog.New(out)
	} else {
		base = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	}

	return base.Level(ParseLevel(opts.Level)).With().Timestamp().Caller().Logger()
}

// ParseLevel maps a level name to a zerolog level, falling back to info.
func ParseLevel(level string) zerolog.Level {
	if level == "" {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// WithContext adds the logger to the context
func WithContext(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// FromContext retrieves the logger from the context or returns a default logger
func FromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(zerolog.Logger); ok {
		return logger
	}
	return New()
}

// ForTask returns a child logger tagged with the DAG run and task name.
func ForTask(logger zerolog.Logger, runID, task string) zerolog.Logger {
	return logger.With().Str("run_id", runID).Str("task", task).Logger()
}
