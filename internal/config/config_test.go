package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nodechain.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Dispatch.Mode != DispatchLocal || cfg.Dispatch.PollDelay != 3*time.Second {
		t.Errorf("dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Dispatch.NodeTimeout != 0 {
		t.Errorf("NodeTimeout = %v, want disabled", cfg.Dispatch.NodeTimeout)
	}
	if got := cfg.Repos.Repos(); got.Read != "ci-read" || got.Write != "ci-write" || got.Meta != "ci-meta" {
		t.Errorf("Repos() = %+v", got)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
repos:
  read: develop
  write: pr-staging
  meta: meta
storage:
  backend: mem
dispatch:
  mode: travis
  poll_delay: 10s
  node_timeout: 2h
  travis:
    slug: company/builds
    token: secret
coordinator:
  overlap_profiles: true
worker:
  compress_above: 1024
  conan:
    docker: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Repos.Read != "develop" || cfg.Repos.Write != "pr-staging" {
		t.Errorf("repos = %+v", cfg.Repos)
	}
	if cfg.Dispatch.PollDelay != 10*time.Second || cfg.Dispatch.NodeTimeout != 2*time.Hour {
		t.Errorf("dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Dispatch.Travis.Slug != "company/builds" || cfg.Dispatch.Travis.Branch != "master" {
		t.Errorf("travis = %+v", cfg.Dispatch.Travis)
	}
	if !cfg.Coordinator.OverlapProfiles || cfg.Worker.CompressAbove != 1024 || !cfg.Worker.Conan.Docker {
		t.Errorf("coordinator/worker = %+v %+v", cfg.Coordinator, cfg.Worker)
	}
	// Unset keys keep their defaults.
	if !cfg.Dispatch.CancelOnFailure || cfg.CI.User != "conan" {
		t.Errorf("defaults lost: %+v %+v", cfg.Dispatch, cfg.CI)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CONAN_CI_CHECK_DELAY_SECONDS", "7")
	t.Setenv("REPO_WRITE", "other-write")
	t.Setenv("OVERLAP_PROFILES", "true")
	t.Setenv("NODE_TIMEOUT", "45m")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Dispatch.PollDelay != 7*time.Second {
		t.Errorf("PollDelay = %v, want 7s", cfg.Dispatch.PollDelay)
	}
	if cfg.Dispatch.NodeTimeout != 45*time.Minute {
		t.Errorf("NodeTimeout = %v", cfg.Dispatch.NodeTimeout)
	}
	if cfg.Repos.Write != "other-write" || !cfg.Coordinator.OverlapProfiles {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}

func TestEnvOverrideInvalid(t *testing.T) {
	t.Setenv("CONAN_CI_CHECK_DELAY_SECONDS", "soon")
	if _, err := Load(""); err == nil {
		t.Error("Load accepted a non-numeric delay")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad backend", func(c *Config) { c.Storage.Backend = "ftp" }, "storage.backend"},
		{"bad mode", func(c *Config) { c.Dispatch.Mode = "jenkins" }, "dispatch.mode"},
		{"travis without slug", func(c *Config) { c.Dispatch.Mode = DispatchTravis }, "dispatch.travis.slug"},
		{"no meta repo", func(c *Config) { c.Repos.Meta = "" }, "repos.read"},
		{"zero delay", func(c *Config) { c.Dispatch.PollDelay = 0 }, "poll_delay"},
		{"no workers", func(c *Config) { c.Dispatch.MaxParallel = 0 }, "max_parallel"},
		{"bad provider", func(c *Config) { c.CI.Provider = "circle" }, "ci.provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}
