// Package metastore keeps the coordination state of a build in a repository:
// project locks, per-node results, profiles, the project list and build
// records. Every location is derived from the build identity alone.
package metastore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"

	"github.com/klauspost/compress/zstd"
	"github.com/withObsrvr/nodechain/internal/model"
	"github.com/withObsrvr/nodechain/internal/storage"
)

// NoLogPlaceholder is returned for a node that produced no install log.
const NoLogPlaceholder = "No log generated"

var (
	// ErrNoBuildForPR indicates no build was recorded for a pull request.
	ErrNoBuildForPR = errors.New("no build recorded for pull request")

	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// MetaStore is the coordination repository.
type MetaStore struct {
	store storage.Store
	dec   *zstd.Decoder
	log   *slog.Logger
}

// New wraps a repository as a meta store.
func New(store storage.Store) (*MetaStore, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &MetaStore{
		store: store,
		dec:   dec,
		log:   slog.With("component", "metastore", "repo", store.Name()),
	}, nil
}

// Store returns the underlying repository.
func (m *MetaStore) Store() storage.Store {
	return m.store
}

// Close releases the decoder. The repository is owned by the caller.
func (m *MetaStore) Close() {
	m.dec.Close()
}

// StoreProjectLock persists the project lock of a configuration.
func (m *MetaStore) StoreProjectLock(ctx context.Context, b model.Build, c model.Configuration, lock []byte) error {
	p := ProjectLockPath(b, c)
	if err := m.store.Write(ctx, p, lock); err != nil {
		return fmt.Errorf("store project lock %s: %w", p, err)
	}
	return nil
}

// ProjectLock reads the project lock of a configuration.
func (m *MetaStore) ProjectLock(ctx context.Context, b model.Build, c model.Configuration) ([]byte, error) {
	return m.store.Read(ctx, ProjectLockPath(b, c))
}

// StoreNodeLock persists the lock produced by a node build.
func (m *MetaStore) StoreNodeLock(ctx context.Context, folder string, lock []byte) error {
	return m.put(ctx, path.Join(folder, LockFile), lock)
}

// NodeLock reads the lock produced by a node build.
func (m *MetaStore) NodeLock(ctx context.Context, folder string) ([]byte, error) {
	return m.store.Read(ctx, path.Join(folder, LockFile))
}

// StoreLog persists the install log of a node build. Logs may be stored
// zstd-compressed; Log decodes them transparently.
func (m *MetaStore) StoreLog(ctx context.Context, folder string, log []byte) error {
	return m.put(ctx, path.Join(folder, LogFile), log)
}

// Log returns the install log of a node, or NoLogPlaceholder when there is
// none.
func (m *MetaStore) Log(ctx context.Context, folder string) (string, error) {
	data, err := m.store.Read(ctx, path.Join(folder, LogFile))
	if errors.Is(err, storage.ErrNotFound) {
		return NoLogPlaceholder, nil
	}
	if err != nil {
		return "", err
	}
	if bytes.HasPrefix(data, zstdMagic) {
		if data, err = m.dec.DecodeAll(data, nil); err != nil {
			return "", fmt.Errorf("decompress log in %s: %w", folder, err)
		}
	}
	if len(data) == 0 {
		return NoLogPlaceholder, nil
	}
	return string(data), nil
}

// StoreSuccess writes the OK marker.
func (m *MetaStore) StoreSuccess(ctx context.Context, folder string) error {
	return m.put(ctx, path.Join(folder, SuccessFile), []byte{})
}

// StoreFailure writes the FAILED marker.
func (m *MetaStore) StoreFailure(ctx context.Context, folder string) error {
	return m.put(ctx, path.Join(folder, FailureFile), []byte{})
}

// Status reports whether the node in folder succeeded. Only the OK marker
// counts as success; a missing marker is a failure.
func (m *MetaStore) Status(ctx context.Context, folder string) (bool, error) {
	ok, err := m.store.Exists(ctx, path.Join(folder, SuccessFile))
	if err != nil {
		return false, fmt.Errorf("check status of %s: %w", folder, err)
	}
	return ok, nil
}

// ProfileNames lists the available profiles.
func (m *MetaStore) ProfileNames(ctx context.Context) ([]string, error) {
	names, err := m.store.List(ctx, profilesFolder)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	return names, nil
}

// Profile returns the content of a profile.
func (m *MetaStore) Profile(ctx context.Context, name string) ([]byte, error) {
	data, err := m.store.Read(ctx, path.Join(profilesFolder, name))
	if err != nil {
		return nil, fmt.Errorf("read profile %s: %w", name, err)
	}
	return data, nil
}

// StoreProfile adds or replaces a profile.
func (m *MetaStore) StoreProfile(ctx context.Context, name string, content []byte) error {
	return m.put(ctx, path.Join(profilesFolder, name), content)
}

type projectList struct {
	Projects []string `json:"projects"`
}

// ProjectRefs returns the projects listed in projects.json.
func (m *MetaStore) ProjectRefs(ctx context.Context) ([]string, error) {
	data, err := m.store.Read(ctx, projectsFile)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", projectsFile, err)
	}
	var list projectList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse %s: %w", projectsFile, err)
	}
	return list.Projects, nil
}

// StoreProjectRefs replaces projects.json.
func (m *MetaStore) StoreProjectRefs(ctx context.Context, refs []string) error {
	sorted := append([]string(nil), refs...)
	sort.Strings(sorted)
	data, err := json.Marshal(projectList{Projects: sorted})
	if err != nil {
		return err
	}
	return m.put(ctx, projectsFile, data)
}

// StoreBuildPRAssociation records which build tested a pull request.
func (m *MetaStore) StoreBuildPRAssociation(ctx context.Context, b model.Build, slug, pr string) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	if err := m.put(ctx, PRAssociationPath(slug, pr), data); err != nil {
		return err
	}
	m.log.Info("pull request associated", "slug", slug, "pr", pr, "build", b.String())
	return nil
}

// BuildFromPR returns the build recorded for a pull request.
func (m *MetaStore) BuildFromPR(ctx context.Context, slug, pr string) (model.Build, error) {
	data, err := m.store.Read(ctx, PRAssociationPath(slug, pr))
	if errors.Is(err, storage.ErrNotFound) {
		return model.Build{}, fmt.Errorf("%s#%s: %w", slug, pr, ErrNoBuildForPR)
	}
	if err != nil {
		return model.Build{}, err
	}
	var b model.Build
	if err := json.Unmarshal(data, &b); err != nil {
		return model.Build{}, fmt.Errorf("parse build of %s#%s: %w", slug, pr, err)
	}
	return b, nil
}

// StoreBuildFile writes a file of a published build, e.g. its manifest.
func (m *MetaStore) StoreBuildFile(ctx context.Context, b model.Build, name string, data []byte) error {
	return m.put(ctx, path.Join(BuildInfoFolder(b), name), data)
}

// BuildFile reads a file of a published build.
func (m *MetaStore) BuildFile(ctx context.Context, b model.Build, name string) ([]byte, error) {
	return m.store.Read(ctx, path.Join(BuildInfoFolder(b), name))
}

func (m *MetaStore) put(ctx context.Context, p string, data []byte) error {
	if err := m.store.Write(ctx, p, data); err != nil {
		return fmt.Errorf("store %s: %w", p, err)
	}
	return nil
}
