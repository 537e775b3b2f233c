// Package worker builds a single node of a configuration: it fetches the
// project lock, runs the package builder against it and records the outcome
// in the meta store where the coordinator polls for it.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/withObsrvr/nodechain/internal/dispatch"
	"github.com/withObsrvr/nodechain/internal/lockgraph"
	"github.com/withObsrvr/nodechain/internal/metastore"
)

// DefaultCompressAbove is the log size above which logs are stored
// zstd-compressed.
const DefaultCompressAbove = 64 * 1024

// PackageBuilder builds one package reference against a lock.
type PackageBuilder interface {
	// Build builds and uploads ref as resolved in lock, using workdir as
	// scratch space. It returns the build output and the lock updated by
	// the build, in which the built node is flagged modified.
	Build(ctx context.Context, job dispatch.Job, lock *lockgraph.Graph, workdir string) ([]byte, *lockgraph.Graph, error)
}

// Config tunes the worker.
type Config struct {
	// CompressAbove is the log size in bytes above which logs are stored
	// compressed. Negative disables compression.
	CompressAbove int `yaml:"compress_above"`
	// WorkDir is the parent of per-build scratch folders; empty uses the
	// system temp folder.
	WorkDir string `yaml:"work_dir"`
}

// Worker runs node builds. It implements dispatch.Runner.
type Worker struct {
	meta    *metastore.MetaStore
	builder PackageBuilder
	cfg     Config
	enc     *zstd.Encoder
	log     *slog.Logger
}

var _ dispatch.Runner = (*Worker)(nil)

// New creates a worker writing results to meta.
func New(meta *metastore.MetaStore, builder PackageBuilder, cfg Config) (*Worker, error) {
	if cfg.CompressAbove == 0 {
		cfg.CompressAbove = DefaultCompressAbove
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create log encoder: %w", err)
	}
	return &Worker{
		meta:    meta,
		builder: builder,
		cfg:     cfg,
		enc:     enc,
		log:     slog.With("component", "worker"),
	}, nil
}

// Close releases the log encoder.
func (w *Worker) Close() error {
	return w.enc.Close()
}

// Run builds the node of job. The outcome is always recorded in the node's
// result folder; a failed build is also returned as an error.
func (w *Worker) Run(ctx context.Context, job dispatch.Job) error {
	folder := job.ResultFolder()
	log := w.log.With("build", job.Build.String(), "profile", job.Configuration.ProfileName,
		"ref", job.Node.Ref, "node_id", job.Node.ID)
	log.Info("building node", "folder", folder)

	data, err := w.meta.ProjectLock(ctx, job.Build, job.Configuration)
	if err != nil {
		return w.fail(ctx, folder, nil, fmt.Errorf("download project lock: %w", err))
	}
	lock, err := lockgraph.Parse(data)
	if err != nil {
		return w.fail(ctx, folder, nil, fmt.Errorf("parse project lock: %w", err))
	}

	workdir, err := os.MkdirTemp(w.cfg.WorkDir, "nodechain-build-*")
	if err != nil {
		return w.fail(ctx, folder, nil, fmt.Errorf("create work folder: %w", err))
	}
	defer os.RemoveAll(workdir)

	output, nodeLock, err := w.builder.Build(ctx, job, lock, workdir)
	if err != nil {
		log.Error("node build failed", "error", err)
		return w.fail(ctx, folder, output, err)
	}
	if err := w.storeLog(ctx, folder, output); err != nil {
		return err
	}

	nodeData, err := nodeLock.Marshal()
	if err != nil {
		return w.fail(ctx, folder, output, fmt.Errorf("encode node lock: %w", err))
	}
	if err := w.meta.StoreNodeLock(ctx, folder, nodeData); err != nil {
		return fmt.Errorf("upload node lock: %w", err)
	}
	if err := w.meta.StoreSuccess(ctx, folder); err != nil {
		return fmt.Errorf("mark success: %w", err)
	}
	log.Info("node built", "log_bytes", len(output))
	return nil
}

// fail records the log and the FAILED marker, then returns cause.
func (w *Worker) fail(ctx context.Context, folder string, output []byte, cause error) error {
	text := append([]byte(nil), output...)
	if len(text) > 0 && text[len(text)-1] != '\n' {
		text = append(text, '\n')
	}
	text = append(text, cause.Error()...)

	if err := w.storeLog(ctx, folder, text); err != nil {
		w.log.Warn("failed to store build log", "folder", folder, "error", err)
	}
	if err := w.meta.StoreFailure(ctx, folder); err != nil {
		return fmt.Errorf("mark failure (%v): %w", cause, err)
	}
	return cause
}

func (w *Worker) storeLog(ctx context.Context, folder string, output []byte) error {
	data := output
	if w.cfg.CompressAbove >= 0 && len(output) > w.cfg.CompressAbove {
		data = w.enc.EncodeAll(output, make([]byte, 0, len(output)/4))
	}
	if err := w.meta.StoreLog(ctx, folder, data); err != nil {
		return fmt.Errorf("upload build log: %w", err)
	}
	return nil
}
