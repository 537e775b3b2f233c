// Package logging sets up slog and carries the run correlation id.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/withObsrvr/nodechain/internal/model"
)

// Config holds logging configuration.
type Config struct {
	Format string `yaml:"format"` // "json" | "text"
	Level  string `yaml:"level"`  // "debug" | "info" | "warn" | "error"
}

// Setup installs the default logger, writing to stdout.
func Setup(cfg Config) {
	slog.SetDefault(New(os.Stdout, cfg))
}

// New returns a logger writing to w in the configured format.
func New(w io.Writer, cfg Config) *slog.Logger {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level, AddSource: level == slog.LevelDebug}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
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

type correlationIDKey struct{}

// WithCorrelationID adds a correlation ID to the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationID retrieves the correlation ID from context.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// GenerateCorrelationID returns 16 hex characters identifying one run.
func GenerateCorrelationID() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:16]
}

// RunLogger returns the logger of one coordinator run.
func RunLogger(ctx context.Context, build model.Build, mode model.Mode) *slog.Logger {
	return slog.With(
		"component", "coordinator",
		"correlation_id", CorrelationID(ctx),
		"build", build.String(),
		"mode", string(mode),
	)
}

// ConfigurationLogger returns the logger of one configuration of a run.
func ConfigurationLogger(ctx context.Context, build model.Build, conf model.Configuration) *slog.Logger {
	return slog.With(
		"component", "coordinator",
		"correlation_id", CorrelationID(ctx),
		"build", build.String(),
		"project", conf.ProjectRef,
		"profile", conf.ProfileName,
	)
}
