package worker

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/withObsrvr/nodechain/internal/dispatch"
	"github.com/withObsrvr/nodechain/internal/lockgraph"
	"github.com/withObsrvr/nodechain/internal/metastore"
	"github.com/withObsrvr/nodechain/internal/model"
	"github.com/withObsrvr/nodechain/internal/oracle/oracletest"
	"github.com/withObsrvr/nodechain/internal/storage"
)

const projectLock = `{
  "profile_host": "[settings]\ncompiler=gcc\ncompiler.version=9\nos=Linux\n",
  "graph_lock": {
    "nodes": {
      "0": {"pref": "P/1.0@conan/stable#r0:p0", "requires": ["1"]},
      "1": {"pref": "A/1.0@conan/stable#r1:p1"}
    }
  }
}`

var testJob = dispatch.Job{
	Build:         model.Build{Name: "company_repo_develop", Number: "4"},
	Configuration: model.Configuration{ProjectRef: "P/1.0@conan/stable", ProfileName: "linux_gcc"},
	Node:          model.NodeInfo{Ref: "A/1.0@conan/stable", ID: "1"},
	Repos:         model.Repos{Read: "ci-read", Write: "ci-write", Meta: "ci-meta"},
}

// fakeBuilder marks the job's node built, or fails with err.
type fakeBuilder struct {
	mu      sync.Mutex
	output  []byte
	err     error
	calls   int
	workdir string
}

func (b *fakeBuilder) Build(_ context.Context, job dispatch.Job, lock *lockgraph.Graph, workdir string) ([]byte, *lockgraph.Graph, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	b.workdir = workdir
	if b.err != nil {
		return b.output, nil, b.err
	}
	built, err := oracletest.BuildNode(lock, job.Node.ID, "built")
	return b.output, built, err
}

func newTestWorker(t *testing.T, builder PackageBuilder, cfg Config) (*Worker, *metastore.MetaStore) {
	t.Helper()
	meta, err := metastore.New(storage.NewIsolatedMemoryStore("ci-meta"))
	if err != nil {
		t.Fatalf("metastore.New failed: %v", err)
	}
	t.Cleanup(meta.Close)
	if err := meta.StoreProjectLock(context.Background(), testJob.Build, testJob.Configuration, []byte(projectLock)); err != nil {
		t.Fatalf("StoreProjectLock failed: %v", err)
	}
	w, err := New(meta, builder, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w, meta
}

func TestRunSuccess(t *testing.T) {
	ctx := context.Background()
	builder := &fakeBuilder{output: []byte("compiling A\n")}
	w, meta := newTestWorker(t, builder, Config{})

	if err := w.Run(ctx, testJob); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	folder := testJob.ResultFolder()
	ok, err := meta.Status(ctx, folder)
	if err != nil || !ok {
		t.Fatalf("Status = %v, %v; want OK", ok, err)
	}
	data, err := meta.NodeLock(ctx, folder)
	if err != nil {
		t.Fatalf("NodeLock failed: %v", err)
	}
	g, err := lockgraph.Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if n, _ := g.Node("1"); !n.Modified || n.PRef != "A/1.0@conan/stable#r1:p1#built" {
		t.Errorf("built node = %+v", n)
	}
	if log, _ := meta.Log(ctx, folder); log != "compiling A\n" {
		t.Errorf("Log = %q", log)
	}
	if failed, _ := meta.Store().Exists(ctx, folder+"/"+metastore.FailureFile); failed {
		t.Error("FAILED marker written on success")
	}
}

func TestRunFailure(t *testing.T) {
	ctx := context.Background()
	builder := &fakeBuilder{output: []byte("compiling A"), err: errors.New("exit status 2")}
	w, meta := newTestWorker(t, builder, Config{})

	if err := w.Run(ctx, testJob); err == nil {
		t.Fatal("Run succeeded, want error")
	}

	folder := testJob.ResultFolder()
	if ok, _ := meta.Status(ctx, folder); ok {
		t.Error("OK marker written on failure")
	}
	if failed, _ := meta.Store().Exists(ctx, folder+"/"+metastore.FailureFile); !failed {
		t.Error("FAILED marker missing")
	}
	if log, _ := meta.Log(ctx, folder); log != "compiling A\nexit status 2" {
		t.Errorf("Log = %q", log)
	}
	if _, err := meta.NodeLock(ctx, folder); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("NodeLock error = %v, want ErrNotFound", err)
	}
}

func TestRunMissingProjectLock(t *testing.T) {
	ctx := context.Background()
	builder := &fakeBuilder{}
	w, meta := newTestWorker(t, builder, Config{})

	job := testJob
	job.Configuration.ProfileName = "windows_msvc"
	if err := w.Run(ctx, job); err == nil {
		t.Fatal("Run succeeded without a project lock")
	}
	if builder.calls != 0 {
		t.Errorf("builder called %d times", builder.calls)
	}
	log, _ := meta.Log(ctx, job.ResultFolder())
	if !strings.Contains(log, "download project lock") {
		t.Errorf("Log = %q", log)
	}
}

func TestRunCompressesLargeLogs(t *testing.T) {
	ctx := context.Background()
	big := bytes.Repeat([]byte("warning: unused variable\n"), 100)
	w, meta := newTestWorker(t, &fakeBuilder{output: big}, Config{CompressAbove: 512})

	if err := w.Run(ctx, testJob); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	folder := testJob.ResultFolder()
	raw, err := meta.Store().Read(ctx, folder+"/"+metastore.LogFile)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(raw) >= len(big) {
		t.Errorf("stored log is %d bytes, want compressed below %d", len(raw), len(big))
	}
	log, err := meta.Log(ctx, folder)
	if err != nil || log != string(big) {
		t.Errorf("Log did not round trip: %v", err)
	}
}

func TestRunRemovesWorkdir(t *testing.T) {
	builder := &fakeBuilder{}
	w, _ := newTestWorker(t, builder, Config{WorkDir: t.TempDir()})
	if err := w.Run(context.Background(), testJob); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if builder.workdir == "" {
		t.Fatal("builder got no workdir")
	}
	if _, err := os.Stat(builder.workdir); !os.IsNotExist(err) {
		t.Errorf("workdir %s still exists: %v", builder.workdir, err)
	}
}

func TestWorkerAsLocalRunner(t *testing.T) {
	ctx := context.Background()
	w, meta := newTestWorker(t, &fakeBuilder{output: []byte("ok")}, Config{})

	d := dispatch.NewLocal(w, 2)
	defer d.Close()
	if err := d.Dispatch(ctx, testJob); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	d.Wait()

	ended, err := d.PollEnded(ctx)
	if err != nil || len(ended) != 1 {
		t.Fatalf("PollEnded = %v, %v", ended, err)
	}
	if ended[0].State != dispatch.StatePassed {
		t.Errorf("State = %s, want passed", ended[0].State)
	}
	if ok, _ := meta.Status(ctx, testJob.ResultFolder()); !ok {
		t.Error("OK marker missing")
	}
}

func TestDockerImage(t *testing.T) {
	tests := []struct {
		name string
		lock string
		want string
	}{
		{"gcc", projectLock, "conanio/gcc9"},
		{"clang", `{"profile_host": "[settings]\ncompiler=clang\ncompiler.version=10\n"}`, "conanio/clang10"},
		{"msvc", `{"profile_host": "[settings]\ncompiler=Visual Studio\ncompiler.version=16\n"}`, ""},
		{"no version", `{"profile_host": "[settings]\ncompiler=gcc\n"}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DockerImage([]byte(tt.lock)); got != tt.want {
				t.Errorf("DockerImage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWriteArtifactProperties(t *testing.T) {
	dir := t.TempDir()
	if err := writeArtifactProperties(dir, testJob, time.Unix(1700000000, 0)); err != nil {
		t.Fatalf("writeArtifactProperties failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, ".conan", "artifacts.properties"))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	want := "artifact_property_build.name=company_repo_develop\nartifact_property_build.number=4\nartifact_property_build.timestamp=1700000000\n"
	if string(data) != want {
		t.Errorf("properties = %q, want %q", data, want)
	}
}
