// Package manifest assembles the build info published at the end of a run:
// one module per package built, with the checksums of its files and of the
// prebuilt packages it depends on.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/withObsrvr/nodechain/internal/lockgraph"
	"github.com/withObsrvr/nodechain/internal/metastore"
	"github.com/withObsrvr/nodechain/internal/metrics"
	"github.com/withObsrvr/nodechain/internal/model"
	"github.com/withObsrvr/nodechain/internal/storage"
)

const (
	// Version of the build info document format.
	Version = "1.0.1"

	// BuildInfoFile is the JSON manifest within the build folder.
	BuildInfoFile = "buildinfo.json"

	// ArtifactsFile is the columnar export of the manifest.
	ArtifactsFile = "artifacts.parquet"

	// StartedLayout formats the start timestamp.
	StartedLayout = "2006-01-02T15:04:05.000-0700"
)

// Agent identifies the producer of the build info.
type Agent struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// DefaultAgent is the agent recorded in every manifest.
var DefaultAgent = Agent{Name: "Conan Client", Version: "1.X"}

// Artifact is one file of a module.
type Artifact struct {
	SHA1 string `json:"sha1"`
	MD5  string `json:"md5"`
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
}

// Module groups the files produced for one reference.
type Module struct {
	ID           string     `json:"id"`
	Artifacts    []Artifact `json:"artifacts"`
	Dependencies []Artifact `json:"dependencies"`
}

// BuildInfo is the published manifest.
type BuildInfo struct {
	Version    string   `json:"version"`
	Name       string   `json:"name"`
	Number     string   `json:"number"`
	Started    string   `json:"started"`
	BuildAgent Agent    `json:"buildAgent"`
	Modules    []Module `json:"modules"`
}

// ArtifactPaths returns the store path of every artifact and dependency,
// deduplicated, in order of appearance.
func (bi BuildInfo) ArtifactPaths() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(arts []Artifact) {
		for _, a := range arts {
			if a.Path == "" {
				continue
			}
			if _, ok := seen[a.Path]; ok {
				continue
			}
			seen[a.Path] = struct{}{}
			out = append(out, a.Path)
		}
	}
	for _, m := range bi.Modules {
		add(m.Artifacts)
		add(m.Dependencies)
	}
	return out
}

// Parse decodes a published manifest.
func Parse(data []byte) (BuildInfo, error) {
	var bi BuildInfo
	if err := json.Unmarshal(data, &bi); err != nil {
		return BuildInfo{}, fmt.Errorf("parse build info: %w", err)
	}
	return bi, nil
}

// Load reads the manifest published for build b.
func Load(ctx context.Context, meta *metastore.MetaStore, b model.Build) (BuildInfo, error) {
	data, err := meta.BuildFile(ctx, b, BuildInfoFile)
	if err != nil {
		return BuildInfo{}, fmt.Errorf("read build info of %s: %w", b, err)
	}
	return Parse(data)
}

// Builder accumulates modules over the final locks of every configuration.
// It is safe for concurrent use.
type Builder struct {
	store   storage.Store
	started time.Time
	log     *slog.Logger

	mu      sync.Mutex
	modules map[string]*Module
}

// NewBuilder returns a builder reading artifacts from store. The start
// time is taken from now once, at construction.
func NewBuilder(store storage.Store, now func() time.Time) *Builder {
	if now == nil {
		now = time.Now
	}
	return &Builder{
		store:   store,
		started: now(),
		log:     slog.With("component", "manifest"),
		modules: make(map[string]*Module),
	}
}

// Started returns the start time captured at construction.
func (b *Builder) Started() time.Time {
	return b.started
}

// AccumulateData parses a lock document and accumulates it.
func (b *Builder) AccumulateData(ctx context.Context, data []byte) error {
	lock, err := lockgraph.Parse(data)
	if err != nil {
		return fmt.Errorf("accumulate: %w", err)
	}
	return b.Accumulate(ctx, lock)
}

// Accumulate records a module for every modified node of lock. Artifacts of
// the unmodified nodes a modified node requires become its dependencies.
func (b *Builder) Accumulate(ctx context.Context, lock *lockgraph.Graph) error {
	found := make(map[string]*Module)
	for _, n := range lock.ModifiedNodes() {
		arts, err := b.artifacts(ctx, n.PRef)
		if err != nil {
			return fmt.Errorf("accumulate node %s: %w", n.ID, err)
		}
		id := lockgraph.ModuleID(n.PRef)
		mod, ok := found[id]
		if !ok {
			mod = &Module{ID: id}
			found[id] = mod
		}
		mod.Artifacts = union(mod.Artifacts, arts)

		for _, req := range n.Requires {
			dep, ok := lock.Node(req)
			if !ok || dep.Modified {
				continue
			}
			folders, err := artifactFolders(dep.PRef)
			if err != nil {
				b.log.Warn("skipping dependency without revisions", "module", id, "dependency", dep.PRef, "error", err)
				continue
			}
			depArts, err := b.filesIn(ctx, folders)
			if err != nil {
				return fmt.Errorf("accumulate dependency %s of %s: %w", dep.ID, id, err)
			}
			mod.Dependencies = union(mod.Dependencies, depArts)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, mod := range found {
		existing, ok := b.modules[id]
		if !ok {
			b.modules[id] = mod
			continue
		}
		existing.Artifacts = union(existing.Artifacts, mod.Artifacts)
		existing.Dependencies = union(existing.Dependencies, mod.Dependencies)
	}
	b.log.Debug("lock accumulated", "modules", len(found), "total_modules", len(b.modules))
	return nil
}

// artifacts lists the package files and then the recipe files of pref.
func (b *Builder) artifacts(ctx context.Context, pref string) ([]Artifact, error) {
	folders, err := artifactFolders(pref)
	if err != nil {
		return nil, err
	}
	return b.filesIn(ctx, folders)
}

// artifactFolders returns the package folder and the recipe folder of pref.
func artifactFolders(pref string) ([]string, error) {
	pkgPath, err := lockgraph.PackagePath(pref)
	if err != nil {
		return nil, err
	}
	recipePath, err := lockgraph.RecipePath(pref)
	if err != nil {
		return nil, err
	}
	return []string{pkgPath, recipePath}, nil
}

func (b *Builder) filesIn(ctx context.Context, folders []string) ([]Artifact, error) {
	var out []Artifact
	for _, folder := range folders {
		files, err := b.store.Files(ctx, folder)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", folder, err)
		}
		for _, f := range files {
			out = append(out, Artifact{SHA1: f.SHA1, MD5: f.MD5, Name: f.Name, Path: f.Path})
		}
	}
	return union(nil, out), nil
}

// BuildInfo returns the manifest accumulated so far, modules sorted by id.
func (b *Builder) BuildInfo(build model.Build) BuildInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.modules))
	for id := range b.modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	modules := make([]Module, 0, len(ids))
	for _, id := range ids {
		m := b.modules[id]
		modules = append(modules, Module{
			ID:           m.ID,
			Artifacts:    nonNil(m.Artifacts),
			Dependencies: nonNil(m.Dependencies),
		})
	}
	return BuildInfo{
		Version:    Version,
		Name:       build.Name,
		Number:     build.Number,
		Started:    b.started.Format(StartedLayout),
		BuildAgent: DefaultAgent,
		Modules:    modules,
	}
}

// Publish writes the manifest and its columnar export to the meta store.
func (b *Builder) Publish(ctx context.Context, meta *metastore.MetaStore, build model.Build) (BuildInfo, error) {
	bi := b.BuildInfo(build)
	data, err := json.MarshalIndent(bi, "", "  ")
	if err != nil {
		return BuildInfo{}, fmt.Errorf("encode build info: %w", err)
	}
	if err := meta.StoreBuildFile(ctx, build, BuildInfoFile, data); err != nil {
		return BuildInfo{}, fmt.Errorf("publish build info: %w", err)
	}

	rows := bi.rows()
	table, err := encodeRows(rows)
	if err != nil {
		return BuildInfo{}, err
	}
	if err := meta.StoreBuildFile(ctx, build, ArtifactsFile, table); err != nil {
		return BuildInfo{}, fmt.Errorf("publish artifacts table: %w", err)
	}

	if m := metrics.Get(); m != nil {
		m.SetManifestSize(float64(len(bi.Modules)), float64(len(rows)))
	}
	b.log.Info("build info published",
		"build", build.String(),
		"modules", len(bi.Modules),
		"rows", len(rows),
		"path", metastore.BuildInfoFolder(build),
	)
	return bi, nil
}

// union appends the artifacts of add whose sha1 is not already in dst.
func union(dst, add []Artifact) []Artifact {
	seen := make(map[string]struct{}, len(dst)+len(add))
	for _, a := range dst {
		seen[a.SHA1] = struct{}{}
	}
	for _, a := range add {
		if _, ok := seen[a.SHA1]; ok {
			continue
		}
		seen[a.SHA1] = struct{}{}
		dst = append(dst, a)
	}
	return dst
}

func nonNil(a []Artifact) []Artifact {
	if a == nil {
		return []Artifact{}
	}
	return append([]Artifact(nil), a...)
}
