package manifest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/withObsrvr/nodechain/internal/metastore"
	"github.com/withObsrvr/nodechain/internal/model"
	"github.com/withObsrvr/nodechain/internal/storage"
)

var (
	testBuild   = model.Build{Name: "company_repo_develop", Number: "12"}
	testStarted = time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
)

// P and A were built under the gcc profile; B is a prebuilt requirement.
const gccLock = `{
  "graph_lock": {
    "nodes": {
      "0": {"pref": "P/1.0@conan/stable#r0:pg#vg", "modified": true, "requires": ["1", "2"]},
      "1": {"pref": "A/1.0@conan/stable#r1:ag#vg", "modified": "Build", "requires": ["2"]},
      "2": {"pref": "B/1.0@conan/stable#r2:b#v2"}
    }
  }
}`

// Same graph under clang: new binaries, same recipes.
const clangLock = `{
  "graph_lock": {
    "nodes": {
      "0": {"pref": "P/1.0@conan/stable#r0:pc#vc", "modified": true, "requires": ["1", "2"]},
      "1": {"pref": "A/1.0@conan/stable#r1:ac#vc", "modified": true, "requires": ["2"]},
      "2": {"pref": "B/1.0@conan/stable#r2:b#v2"}
    }
  }
}`

func seedStore(t *testing.T) storage.Store {
	t.Helper()
	ctx := context.Background()
	s := storage.NewIsolatedMemoryStore("ci-write")
	t.Cleanup(func() { s.Close() })

	files := map[string]string{
		"conan/P/1.0/stable/r0/export/conanfile.py":             "P recipe",
		"conan/P/1.0/stable/r0/package/pg/vg/conan_package.tgz": "P gcc",
		"conan/P/1.0/stable/r0/package/pc/vc/conan_package.tgz": "P clang",
		"conan/A/1.0/stable/r1/export/conanfile.py":             "A recipe",
		"conan/A/1.0/stable/r1/export/conan_export.tgz":         "A sources",
		"conan/A/1.0/stable/r1/package/ag/vg/conan_package.tgz": "A gcc",
		"conan/A/1.0/stable/r1/package/ac/vc/conan_package.tgz": "A clang",
		"conan/B/1.0/stable/r2/export/conanfile.py":             "B recipe",
		"conan/B/1.0/stable/r2/package/b/v2/conan_package.tgz":  "B binary",
	}
	for p, content := range files {
		if err := s.Write(ctx, p, []byte(content)); err != nil {
			t.Fatalf("Write(%s) failed: %v", p, err)
		}
	}
	return s
}

func fixedNow() time.Time { return testStarted }

func moduleByID(bi BuildInfo, id string) (Module, bool) {
	for _, m := range bi.Modules {
		if m.ID == id {
			return m, true
		}
	}
	return Module{}, false
}

func TestAccumulateSingleLock(t *testing.T) {
	b := NewBuilder(seedStore(t), fixedNow)
	if err := b.AccumulateData(context.Background(), []byte(gccLock)); err != nil {
		t.Fatalf("Accumulate failed: %v", err)
	}

	bi := b.BuildInfo(testBuild)
	if bi.Version != Version || bi.Name != testBuild.Name || bi.Number != testBuild.Number {
		t.Errorf("header = %s %s %s", bi.Version, bi.Name, bi.Number)
	}
	if bi.Started != "2024-03-01T12:30:00.000+0000" {
		t.Errorf("Started = %s", bi.Started)
	}
	if bi.BuildAgent != DefaultAgent {
		t.Errorf("BuildAgent = %+v", bi.BuildAgent)
	}
	if len(bi.Modules) != 2 || bi.Modules[0].ID != "A/1.0@conan/stable" || bi.Modules[1].ID != "P/1.0@conan/stable" {
		t.Fatalf("Modules = %+v", bi.Modules)
	}

	a, _ := moduleByID(bi, "A/1.0@conan/stable")
	if len(a.Artifacts) != 3 {
		t.Errorf("A artifacts = %+v, want package + two recipe files", a.Artifacts)
	}
	if a.Artifacts[0].Path != "conan/A/1.0/stable/r1/package/ag/vg/conan_package.tgz" {
		t.Errorf("first A artifact = %+v, want the package file", a.Artifacts[0])
	}
	if len(a.Dependencies) != 2 {
		t.Errorf("A dependencies = %+v, want B package and recipe", a.Dependencies)
	}

	// A is modified, so only B counts as P's dependency.
	p, _ := moduleByID(bi, "P/1.0@conan/stable")
	if len(p.Dependencies) != 2 {
		t.Errorf("P dependencies = %+v, want B package and recipe", p.Dependencies)
	}
	for _, d := range p.Dependencies {
		if d.SHA1 == "" || d.MD5 == "" {
			t.Errorf("dependency %+v lacks checksums", d)
		}
	}
}

func TestAccumulateDeduplicatesBySHA1(t *testing.T) {
	ctx := context.Background()
	b := NewBuilder(seedStore(t), fixedNow)
	for _, lock := range []string{gccLock, clangLock, gccLock} {
		if err := b.AccumulateData(ctx, []byte(lock)); err != nil {
			t.Fatalf("Accumulate failed: %v", err)
		}
	}

	bi := b.BuildInfo(testBuild)
	a, ok := moduleByID(bi, "A/1.0@conan/stable")
	if !ok {
		t.Fatal("module A missing")
	}
	// Two packages plus the shared recipe files once.
	if len(a.Artifacts) != 4 {
		t.Errorf("A artifacts = %d, want 4", len(a.Artifacts))
	}
	seen := map[string]bool{}
	for _, art := range a.Artifacts {
		if seen[art.SHA1] {
			t.Errorf("duplicate sha1 %s", art.SHA1)
		}
		seen[art.SHA1] = true
	}
	if len(a.Dependencies) != 2 {
		t.Errorf("A dependencies = %d, want 2", len(a.Dependencies))
	}
}

func TestAccumulateMissingRevisions(t *testing.T) {
	b := NewBuilder(seedStore(t), fixedNow)
	lock := `{"graph_lock": {"nodes": {"0": {"pref": "P/1.0@conan/stable#r0:pg", "modified": true}}}}`
	if err := b.AccumulateData(context.Background(), []byte(lock)); err == nil {
		t.Error("Accumulate accepted a modified node without package revision")
	}
}

// unreachableStore fails listing any folder below prefix.
type unreachableStore struct {
	storage.Store
	prefix string
}

var errUnreachable = errors.New("connection reset")

func (s unreachableStore) Files(ctx context.Context, folder string) ([]storage.FileInfo, error) {
	if strings.HasPrefix(folder, s.prefix) {
		return nil, errUnreachable
	}
	return s.Store.Files(ctx, folder)
}

func TestAccumulateDependencyStoreFailure(t *testing.T) {
	store := unreachableStore{Store: seedStore(t), prefix: "conan/B/"}
	b := NewBuilder(store, fixedNow)

	err := b.AccumulateData(context.Background(), []byte(gccLock))
	if !errors.Is(err, errUnreachable) {
		t.Errorf("Accumulate error = %v, want the store failure", err)
	}
}

func TestAccumulateSkipsDependencyWithoutRevisions(t *testing.T) {
	b := NewBuilder(seedStore(t), fixedNow)
	lock := `{"graph_lock": {"nodes": {
	  "1": {"pref": "A/1.0@conan/stable#r1:ag#vg", "modified": true, "requires": ["2"]},
	  "2": {"pref": "B/1.0@conan/stable:b"}
	}}}`
	if err := b.AccumulateData(context.Background(), []byte(lock)); err != nil {
		t.Fatalf("Accumulate failed: %v", err)
	}
	a, ok := moduleByID(b.BuildInfo(testBuild), "A/1.0@conan/stable")
	if !ok || len(a.Artifacts) != 3 || len(a.Dependencies) != 0 {
		t.Errorf("module A = %+v, want its artifacts and no dependencies", a)
	}
}

func TestEmptyBuilder(t *testing.T) {
	bi := NewBuilder(storage.NewIsolatedMemoryStore("ci-write"), fixedNow).BuildInfo(testBuild)
	if bi.Modules == nil || len(bi.Modules) != 0 {
		t.Errorf("Modules = %#v, want empty list", bi.Modules)
	}
}

func TestPublishAndLoad(t *testing.T) {
	ctx := context.Background()
	meta, err := metastore.New(storage.NewIsolatedMemoryStore("ci-meta"))
	if err != nil {
		t.Fatalf("metastore.New failed: %v", err)
	}
	defer meta.Close()

	b := NewBuilder(seedStore(t), fixedNow)
	if err := b.AccumulateData(ctx, []byte(gccLock)); err != nil {
		t.Fatalf("Accumulate failed: %v", err)
	}
	published, err := b.Publish(ctx, meta, testBuild)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	loaded, err := Load(ctx, meta, testBuild)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Started != published.Started || len(loaded.Modules) != len(published.Modules) {
		t.Errorf("loaded %+v, published %+v", loaded, published)
	}

	paths := loaded.ArtifactPaths()
	// A: 3 files, P: 2 files, B (dependency of both): 2 files.
	if len(paths) != 7 {
		t.Errorf("ArtifactPaths() = %v, want 7 distinct paths", paths)
	}

	data, err := meta.BuildFile(ctx, testBuild, ArtifactsFile)
	if err != nil {
		t.Fatalf("BuildFile failed: %v", err)
	}
	rows, err := DecodeRows(data)
	if err != nil {
		t.Fatalf("DecodeRows failed: %v", err)
	}
	if len(rows) != 9 {
		t.Fatalf("rows = %d, want 9", len(rows))
	}
	deps := 0
	for _, r := range rows {
		if r.Build != testBuild.Name || r.Number != testBuild.Number {
			t.Errorf("row %+v has wrong build", r)
		}
		if r.Kind == KindDependency {
			deps++
		}
	}
	if deps != 4 {
		t.Errorf("dependency rows = %d, want 4", deps)
	}
}
