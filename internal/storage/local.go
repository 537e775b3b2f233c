package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"gocloud.dev/blob/fileblob"
)

// NewLocalStore opens repository repo as a directory below baseDir.
func NewLocalStore(baseDir, repo string) (*BlobStore, error) {
	dir, err := filepath.Abs(filepath.Join(baseDir, repo))
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", baseDir, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create repository directory %s: %w", dir, err)
	}

	bucket, err := fileblob.OpenBucket(dir, &fileblob.Options{CreateDir: true})
	if err != nil {
		return nil, fmt.Errorf("open local repository %s: %w", dir, err)
	}
	return newBlobStore(bucket, repo, "file://"+dir), nil
}
