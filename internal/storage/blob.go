package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// repositoryKey holds repository-level properties.
const repositoryKey = ".repository"

// BlobStore implements Store on a gocloud bucket.
type BlobStore struct {
	bucket  *blob.Bucket
	name    string
	uriBase string
	shared  bool
	log     *slog.Logger
}

var _ Store = (*BlobStore)(nil)

func newBlobStore(bucket *blob.Bucket, name, uriBase string) *BlobStore {
	return &BlobStore{
		bucket:  bucket,
		name:    name,
		uriBase: strings.TrimSuffix(uriBase, "/"),
		log:     slog.With("component", "storage", "repo", name),
	}
}

// Name returns the repository name.
func (s *BlobStore) Name() string {
	return s.name
}

// List returns the file paths below folder, relative to it.
func (s *BlobStore) List(ctx context.Context, folder string) ([]string, error) {
	prefix := folderPrefix(folder)
	var out []string
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", folder, err)
		}
		if obj.IsDir || obj.Key == repositoryKey {
			continue
		}
		out = append(out, strings.TrimPrefix(obj.Key, prefix))
	}
	sort.Strings(out)
	return out, nil
}

// Read returns the content at p.
func (s *BlobStore) Read(ctx context.Context, p string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, cleanKey(p))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%s/%s: %w", s.name, p, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return data, nil
}

// Write stores data at p.
func (s *BlobStore) Write(ctx context.Context, p string, data []byte) error {
	return s.write(ctx, cleanKey(p), data, nil)
}

func (s *BlobStore) write(ctx context.Context, key string, data []byte, md map[string]string) error {
	var opts *blob.WriterOptions
	if len(md) > 0 {
		opts = &blob.WriterOptions{Metadata: md}
	}

	w, err := s.bucket.NewWriter(ctx, key, opts)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write data to %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

// Exists reports whether p holds a file.
func (s *BlobStore) Exists(ctx context.Context, p string) (bool, error) {
	return s.bucket.Exists(ctx, cleanKey(p))
}

// SetProperties merges props into the metadata of p. Blob metadata cannot be
// updated in place, so the file is rewritten.
func (s *BlobStore) SetProperties(ctx context.Context, p string, props map[string][]string) error {
	key := propertiesKey(p)

	data, err := s.bucket.ReadAll(ctx, key)
	switch {
	case err == nil:
	case gcerrors.Code(err) == gcerrors.NotFound && key == repositoryKey:
		data = []byte{}
	case gcerrors.Code(err) == gcerrors.NotFound:
		return fmt.Errorf("set properties on %s: %w", p, ErrNotFound)
	default:
		return fmt.Errorf("read %s: %w", p, err)
	}

	md := map[string]string{}
	if attrs, err := s.bucket.Attributes(ctx, key); err == nil {
		for k, v := range attrs.Metadata {
			md[k] = v
		}
	}
	for k, values := range props {
		md[strings.ToLower(k)] = strings.Join(values, ",")
	}

	if err := s.write(ctx, key, data, md); err != nil {
		return err
	}
	s.log.Debug("properties updated", "path", p, "keys", len(props))
	return nil
}

// GetProperties returns the properties of p.
func (s *BlobStore) GetProperties(ctx context.Context, p string) (map[string][]string, error) {
	attrs, err := s.bucket.Attributes(ctx, propertiesKey(p))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			if p == "" {
				return map[string][]string{}, nil
			}
			return nil, fmt.Errorf("%s/%s: %w", s.name, p, ErrNotFound)
		}
		return nil, fmt.Errorf("attributes of %s: %w", p, err)
	}
	out := make(map[string][]string, len(attrs.Metadata))
	for k, v := range attrs.Metadata {
		out[k] = strings.Split(v, ",")
	}
	return out, nil
}

// Files describes every file below folder.
func (s *BlobStore) Files(ctx context.Context, folder string) ([]FileInfo, error) {
	names, err := s.List(ctx, folder)
	if err != nil {
		return nil, err
	}
	out := make([]FileInfo, 0, len(names))
	for _, name := range names {
		full := path.Join(folder, name)
		data, err := s.Read(ctx, full)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, describe(full, path.Base(name), data))
	}
	return out, nil
}

// URI returns the canonical URI for p.
func (s *BlobStore) URI(p string) string {
	return s.uriBase + "/" + cleanKey(p)
}

// Close releases the bucket. Shared in-memory buckets stay open.
func (s *BlobStore) Close() error {
	if s.bucket != nil && !s.shared {
		return s.bucket.Close()
	}
	return nil
}

func cleanKey(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

func folderPrefix(folder string) string {
	key := cleanKey(folder)
	if key == "" {
		return ""
	}
	return key + "/"
}

func propertiesKey(p string) string {
	if key := cleanKey(p); key != "" {
		return key
	}
	return repositoryKey
}
