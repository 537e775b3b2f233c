// Package storage provides the artifact repositories used by the build
// coordinator. Every repository is a blob bucket (or a prefix of one); the
// package and meta stores are both built on it.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a path does not exist in a repository.
var ErrNotFound = errors.New("not found")

// Store is a named repository of files with per-file properties.
type Store interface {
	// Name returns the repository name.
	Name() string

	// List returns the paths below folder, relative to it, sorted.
	List(ctx context.Context, folder string) ([]string, error)

	// Read returns the content at path or ErrNotFound.
	Read(ctx context.Context, path string) ([]byte, error)

	// Write stores data at path, replacing any existing file.
	Write(ctx context.Context, path string, data []byte) error

	// Exists reports whether path holds a file.
	Exists(ctx context.Context, path string) (bool, error)

	// SetProperties merges props into the properties of path. The empty
	// path addresses the repository itself.
	SetProperties(ctx context.Context, path string, props map[string][]string) error

	// GetProperties returns the properties of path.
	GetProperties(ctx context.Context, path string) (map[string][]string, error)

	// Files describes every file below folder, with checksums.
	Files(ctx context.Context, folder string) ([]FileInfo, error)

	// URI returns the canonical URI for path.
	URI(path string) string

	// Close releases any resources.
	Close() error
}

// FileInfo describes one stored file.
type FileInfo struct {
	Path   string `json:"path"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA1   string `json:"sha1"`
	MD5    string `json:"md5"`
	SHA256 string `json:"sha256"`
}

// StorageConfig configures the storage backend.
type StorageConfig struct {
	Backend string `yaml:"backend"` // "local" | "gcs" | "s3" | "mem"

	// Local filesystem
	LocalDir string `yaml:"local_dir"`

	// GCS
	GCSBucket string `yaml:"gcs_bucket"`

	// S3 (also works for B2, R2, MinIO)
	S3Bucket   string `yaml:"s3_bucket"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Region   string `yaml:"s3_region"`

	// Common
	Prefix string `yaml:"prefix"` // path prefix within the bucket, before the repo name
}

// Open opens the repository named repo on the configured backend.
func Open(cfg StorageConfig, repo string) (*BlobStore, error) {
	if repo == "" {
		return nil, fmt.Errorf("repository name required")
	}
	switch cfg.Backend {
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir, repo)
	case "gcs":
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("GCSBucket required for gcs backend")
		}
		return NewGCSStore(cfg.GCSBucket, cfg.Prefix, repo)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3Bucket required for s3 backend")
		}
		return NewS3Store(cfg.S3Bucket, cfg.Prefix, repo, cfg.S3Endpoint, cfg.S3Region)
	case "mem":
		return NewMemoryStore(repo), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// Copy copies the file at path, with its properties, from src to dst.
func Copy(ctx context.Context, src, dst Store, path string) error {
	data, err := src.Read(ctx, path)
	if err != nil {
		return fmt.Errorf("read %s from %s: %w", path, src.Name(), err)
	}
	props, err := src.GetProperties(ctx, path)
	if err != nil {
		return fmt.Errorf("read properties of %s: %w", path, err)
	}
	if err := dst.Write(ctx, path, data); err != nil {
		return fmt.Errorf("write %s to %s: %w", path, dst.Name(), err)
	}
	if len(props) > 0 {
		if err := dst.SetProperties(ctx, path, props); err != nil {
			return fmt.Errorf("copy properties of %s: %w", path, err)
		}
	}
	return nil
}
