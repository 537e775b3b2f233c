// Package catalog records coordinator runs and their configuration outcomes
// in a relational catalog.
package catalog

import (
	"context"
	"log/slog"
	"time"

	"github.com/withObsrvr/nodechain/internal/model"
)

// Config configures the catalog.
type Config struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// RunRecord describes one coordinator run.
type RunRecord struct {
	Build         model.Build
	Mode          model.Mode
	CorrelationID string
	StartedAt     time.Time
}

// ConfigurationRecord is the outcome of one configuration of a run.
type ConfigurationRecord struct {
	RunID         int64
	Configuration model.Configuration
	NodesBuilt    int
	Status        string
	Error         string
	Duration      time.Duration
}

// Writer persists run records.
type Writer interface {
	RecordRun(ctx context.Context, rec RunRecord) (int64, error)
	FinishRun(ctx context.Context, runID int64, status, errMsg string) error
	RecordConfiguration(ctx context.Context, rec ConfigurationRecord) error
	Close()
}

// NewWriter returns a PostgreSQL writer when a DSN is configured, and a
// no-op writer otherwise or when the database is unreachable.
func NewWriter(cfg Config) Writer {
	log := slog.With("component", "catalog")
	if cfg.PostgresDSN == "" {
		log.Info("no DSN configured, using no-op catalog")
		return noopWriter{}
	}
	w, err := NewPostgresWriter(cfg)
	if err != nil {
		log.Warn("catalog unavailable, using no-op catalog", "error", err)
		return noopWriter{}
	}
	return w
}

// Noop returns a writer that records nothing.
func Noop() Writer {
	return noopWriter{}
}

type noopWriter struct{}

func (noopWriter) RecordRun(context.Context, RunRecord) (int64, error)            { return 0, nil }
func (noopWriter) FinishRun(context.Context, int64, string, string) error         { return nil }
func (noopWriter) RecordConfiguration(context.Context, ConfigurationRecord) error { return nil }
func (noopWriter) Close()                                                         {}
