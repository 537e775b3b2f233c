package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

var _ Writer = (*PostgresWriter)(nil)

// NewPostgresWriter connects to the catalog and creates its tables.
func NewPostgresWriter(cfg Config) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	w := &PostgresWriter{pool: pool, log: slog.With("component", "catalog")}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	w.log.Info("connected to PostgreSQL catalog")
	return w, nil
}

// RecordRun registers a run. Re-running the same build resets its record.
func (w *PostgresWriter) RecordRun(ctx context.Context, rec RunRecord) (int64, error) {
	query := `
		INSERT INTO nodechain_runs (build_name, build_number, mode, correlation_id, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (build_name, build_number)
		DO UPDATE SET
			mode = EXCLUDED.mode,
			correlation_id = EXCLUDED.correlation_id,
			started_at = EXCLUDED.started_at,
			status = 'running',
			error = '',
			finished_at = NULL
		RETURNING id
	`

	var id int64
	err := w.pool.QueryRow(ctx, query,
		rec.Build.Name,
		rec.Build.Number,
		string(rec.Mode),
		rec.CorrelationID,
		rec.StartedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("record run: %w", err)
	}
	return id, nil
}

// FinishRun stores the final status of a run.
func (w *PostgresWriter) FinishRun(ctx context.Context, runID int64, status, errMsg string) error {
	_, err := w.pool.Exec(ctx, `
		UPDATE nodechain_runs
		SET status = $2, error = $3, finished_at = NOW()
		WHERE id = $1
	`, runID, status, errMsg)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// RecordConfiguration stores the outcome of one configuration.
func (w *PostgresWriter) RecordConfiguration(ctx context.Context, rec ConfigurationRecord) error {
	query := `
		INSERT INTO nodechain_configurations (
			run_id, project_ref, profile_name, nodes_built, status, error, duration_ms
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id, project_ref, profile_name)
		DO UPDATE SET
			nodes_built = EXCLUDED.nodes_built,
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			duration_ms = EXCLUDED.duration_ms,
			recorded_at = NOW()
	`

	_, err := w.pool.Exec(ctx, query,
		rec.RunID,
		rec.Configuration.ProjectRef,
		rec.Configuration.ProfileName,
		rec.NodesBuilt,
		rec.Status,
		rec.Error,
		rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("record configuration: %w", err)
	}

	w.log.Debug("recorded configuration", "run_id", rec.RunID, "project", rec.Configuration.ProjectRef,
		"profile", rec.Configuration.ProfileName, "status", rec.Status)
	return nil
}

// Close closes the pool.
func (w *PostgresWriter) Close() {
	w.pool.Close()
}
