package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLocalStoreOperations(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "nodechain-store-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	store, err := Open(StorageConfig{Backend: "local", LocalDir: tmpDir}, "meta")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Write(ctx, "profiles/linux_gcc", []byte("[settings]\nos=Linux\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tmpDir, "meta", "profiles", "linux_gcc")); err != nil {
		t.Errorf("file should exist on disk: %v", err)
	}
	if got := store.URI("profiles/linux_gcc"); got != "file://"+filepath.Join(tmpDir, "meta")+"/profiles/linux_gcc" {
		t.Errorf("URI = %s", got)
	}

	exerciseStore(t, store)
}

func TestMemoryStoreOperations(t *testing.T) {
	store := NewIsolatedMemoryStore("meta")
	defer store.Close()

	if err := store.Write(context.Background(), "profiles/linux_gcc", []byte("[settings]\nos=Linux\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	exerciseStore(t, store)
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	data, err := store.Read(ctx, "profiles/linux_gcc")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(data) != "[settings]\nos=Linux\n" {
		t.Errorf("Read returned %q", data)
	}

	if _, err := store.Read(ctx, "profiles/missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read of missing file: got %v, want ErrNotFound", err)
	}

	ok, err := store.Exists(ctx, "profiles/linux_gcc")
	if err != nil || !ok {
		t.Errorf("Exists = %v, %v", ok, err)
	}

	if err := store.Write(ctx, "profiles/windows_msvc", []byte("[settings]\nos=Windows\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := store.Write(ctx, "projects.json", []byte(`{"projects":[]}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	names, err := store.List(ctx, "profiles")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if want := []string{"linux_gcc", "windows_msvc"}; !reflect.DeepEqual(names, want) {
		t.Errorf("List = %v, want %v", names, want)
	}

	if err := store.SetProperties(ctx, "profiles/linux_gcc", map[string][]string{"build.name": {"b1"}}); err != nil {
		t.Fatalf("SetProperties failed: %v", err)
	}
	if err := store.SetProperties(ctx, "profiles/linux_gcc", map[string][]string{"build.number": {"7"}}); err != nil {
		t.Fatalf("SetProperties failed: %v", err)
	}
	props, err := store.GetProperties(ctx, "profiles/linux_gcc")
	if err != nil {
		t.Fatalf("GetProperties failed: %v", err)
	}
	if props["build.name"][0] != "b1" || props["build.number"][0] != "7" {
		t.Errorf("properties not merged: %v", props)
	}
	data, _ = store.Read(ctx, "profiles/linux_gcc")
	if string(data) != "[settings]\nos=Linux\n" {
		t.Errorf("SetProperties changed content: %q", data)
	}

	if err := store.SetProperties(ctx, "", map[string][]string{"promoted_from": {"pr-1", "pr-2"}}); err != nil {
		t.Fatalf("repository SetProperties failed: %v", err)
	}
	repoProps, err := store.GetProperties(ctx, "")
	if err != nil {
		t.Fatalf("repository GetProperties failed: %v", err)
	}
	if !reflect.DeepEqual(repoProps["promoted_from"], []string{"pr-1", "pr-2"}) {
		t.Errorf("repository properties = %v", repoProps)
	}
	all, _ := store.List(ctx, "")
	for _, name := range all {
		if name == repositoryKey {
			t.Error("List should hide repository properties")
		}
	}

	files, err := store.Files(ctx, "profiles")
	if err != nil {
		t.Fatalf("Files failed: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("Files returned %d entries", len(files))
	}
	if files[0].Name != "linux_gcc" || files[0].Path != "profiles/linux_gcc" || len(files[0].SHA1) != 40 || len(files[0].MD5) != 32 {
		t.Errorf("unexpected file info %+v", files[0])
	}
}

func TestCopyKeepsProperties(t *testing.T) {
	ctx := context.Background()
	src := NewIsolatedMemoryStore("pr-repo")
	dst := NewIsolatedMemoryStore("develop")

	_ = src.Write(ctx, "conan/A/1.0/stable/r1/export/conanfile.py", []byte("recipe"))
	_ = src.SetProperties(ctx, "conan/A/1.0/stable/r1/export/conanfile.py", map[string][]string{"build.name": {"repo-pr-1"}})

	if err := Copy(ctx, src, dst, "conan/A/1.0/stable/r1/export/conanfile.py"); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	props, err := dst.GetProperties(ctx, "conan/A/1.0/stable/r1/export/conanfile.py")
	if err != nil {
		t.Fatalf("GetProperties failed: %v", err)
	}
	if props["build.name"][0] != "repo-pr-1" {
		t.Errorf("properties lost on copy: %v", props)
	}
}

func TestSharedMemoryStore(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryStore("shared-test-repo")
	_ = a.Write(ctx, "x", []byte("1"))
	a.Close()

	b := NewMemoryStore("shared-test-repo")
	if data, err := b.Read(ctx, "x"); err != nil || string(data) != "1" {
		t.Errorf("shared memory store did not share content: %q, %v", data, err)
	}
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	if _, err := Open(StorageConfig{Backend: "ftp"}, "meta"); err == nil {
		t.Error("expected error for unknown backend")
	}
	if _, err := Open(StorageConfig{Backend: "local"}, "meta"); err == nil {
		t.Error("expected error for missing LocalDir")
	}
}
