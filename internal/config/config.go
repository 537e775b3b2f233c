// Package config loads the coordinator configuration from an optional YAML
// file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/nodechain/internal/catalog"
	"github.com/withObsrvr/nodechain/internal/dispatch"
	"github.com/withObsrvr/nodechain/internal/journal"
	"github.com/withObsrvr/nodechain/internal/logging"
	"github.com/withObsrvr/nodechain/internal/metrics"
	"github.com/withObsrvr/nodechain/internal/model"
	"github.com/withObsrvr/nodechain/internal/oracle"
	"github.com/withObsrvr/nodechain/internal/storage"
	"github.com/withObsrvr/nodechain/internal/worker"
)

// PathEnv names the environment variable holding the config file path.
const PathEnv = "NODECHAIN_CONFIG"

// Dispatch modes.
const (
	DispatchLocal  = "local"
	DispatchTravis = "travis"
)

type Config struct {
	CI          CIConfig              `yaml:"ci"`
	Repos       ReposConfig           `yaml:"repos"`
	Storage     storage.StorageConfig `yaml:"storage"`
	Dispatch    DispatchConfig        `yaml:"dispatch"`
	Oracle      oracle.Config         `yaml:"oracle"`
	Worker      WorkerConfig          `yaml:"worker"`
	Coordinator CoordinatorConfig     `yaml:"coordinator"`
	Journal     journal.Config        `yaml:"journal"`
	Catalog     catalog.Config        `yaml:"catalog"`
	Metrics     metrics.Config        `yaml:"metrics"`
	Logging     logging.Config        `yaml:"logging"`
}

type CIConfig struct {
	Provider    string `yaml:"provider"` // "travis" | "env"
	CheckoutDir string `yaml:"checkout_dir"`
	User        string `yaml:"user"`
	Channel     string `yaml:"channel"`
}

type ReposConfig struct {
	Read     string `yaml:"read"`
	Write    string `yaml:"write"`
	Meta     string `yaml:"meta"`
	ReadURL  string `yaml:"read_url"`  // conan remote of the read repository
	WriteURL string `yaml:"write_url"` // conan remote of the write repository
}

// Repos returns the repository names.
func (r ReposConfig) Repos() model.Repos {
	return model.Repos{Read: r.Read, Write: r.Write, Meta: r.Meta}
}

type DispatchConfig struct {
	Mode            string                `yaml:"mode"` // "local" | "travis"
	PollDelay       time.Duration         `yaml:"poll_delay"`
	NodeTimeout     time.Duration         `yaml:"node_timeout"` // 0 disables
	MaxParallel     int                   `yaml:"max_parallel"` // local mode workers
	CancelOnFailure bool                  `yaml:"cancel_on_failure"`
	Travis          dispatch.TravisConfig `yaml:"travis"`
}

type WorkerConfig struct {
	worker.Config `yaml:",inline"`
	Conan         worker.ConanConfig `yaml:"conan"`
}

type CoordinatorConfig struct {
	OverlapProfiles bool `yaml:"overlap_profiles"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		CI: CIConfig{
			Provider: "travis",
			User:     "conan",
			Channel:  "stable",
		},
		Repos: ReposConfig{
			Read:  "ci-read",
			Write: "ci-write",
			Meta:  "ci-meta",
		},
		Storage: storage.StorageConfig{
			Backend:  "local",
			LocalDir: "./data",
		},
		Dispatch: DispatchConfig{
			Mode:            DispatchLocal,
			PollDelay:       3 * time.Second,
			MaxParallel:     4,
			CancelOnFailure: true,
			Travis:          dispatch.TravisConfig{BaseURL: dispatch.DefaultTravisURL, Branch: "master"},
		},
		Logging: logging.Config{Format: "text", Level: "info"},
		Metrics: metrics.Config{Address: ":9090", Namespace: "nodechain"},
	}
}

// Load reads the file at path, if any, over the defaults and applies the
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFromEnv loads the file named by NODECHAIN_CONFIG, if set.
func LoadFromEnv() (Config, error) {
	return Load(os.Getenv(PathEnv))
}

// MustLoad is LoadFromEnv exiting the process on error.
func MustLoad() Config {
	cfg, err := LoadFromEnv()
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	return cfg
}

func (c *Config) applyEnv() error {
	c.CI.Provider = getenvDefault("CI_PROVIDER", c.CI.Provider)
	c.CI.CheckoutDir = getenvDefault("CHECKOUT_DIR", c.CI.CheckoutDir)

	c.Repos.Read = getenvDefault("REPO_READ", c.Repos.Read)
	c.Repos.Write = getenvDefault("REPO_WRITE", c.Repos.Write)
	c.Repos.Meta = getenvDefault("REPO_META", c.Repos.Meta)
	c.Repos.ReadURL = getenvDefault("REPO_READ_URL", c.Repos.ReadURL)
	c.Repos.WriteURL = getenvDefault("REPO_WRITE_URL", c.Repos.WriteURL)

	c.Storage.Backend = getenvDefault("STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.LocalDir = getenvDefault("LOCAL_DIR", c.Storage.LocalDir)
	c.Storage.Prefix = getenvDefault("STORAGE_PREFIX", c.Storage.Prefix)
	c.Storage.GCSBucket = getenvDefault("GCS_BUCKET", c.Storage.GCSBucket)
	c.Storage.S3Bucket = getenvDefault("S3_BUCKET", c.Storage.S3Bucket)
	c.Storage.S3Endpoint = getenvDefault("S3_ENDPOINT", c.Storage.S3Endpoint)
	c.Storage.S3Region = getenvDefault("S3_REGION", c.Storage.S3Region)

	c.Dispatch.Mode = getenvDefault("DISPATCH_MODE", c.Dispatch.Mode)
	if v := os.Getenv("CONAN_CI_CHECK_DELAY_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse CONAN_CI_CHECK_DELAY_SECONDS: %w", err)
		}
		c.Dispatch.PollDelay = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("NODE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse NODE_TIMEOUT: %w", err)
		}
		c.Dispatch.NodeTimeout = d
	}
	if v := os.Getenv("MAX_PARALLEL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse MAX_PARALLEL: %w", err)
		}
		c.Dispatch.MaxParallel = n
	}
	c.Dispatch.Travis.BaseURL = getenvDefault("TRAVIS_API_URL", c.Dispatch.Travis.BaseURL)
	c.Dispatch.Travis.Token = getenvDefault("TRAVIS_TOKEN", c.Dispatch.Travis.Token)
	c.Dispatch.Travis.Slug = getenvDefault("TRAVIS_BUILD_REPO_SLUG", c.Dispatch.Travis.Slug)
	c.Dispatch.Travis.Branch = getenvDefault("TRAVIS_BUILD_REPO_BRANCH", c.Dispatch.Travis.Branch)

	c.Oracle.Binary = getenvDefault("CONAN_BINARY", c.Oracle.Binary)
	c.Worker.Conan.Binary = getenvDefault("CONAN_BINARY", c.Worker.Conan.Binary)
	c.Worker.Conan.Docker = getenvBool("CONAN_DOCKER", c.Worker.Conan.Docker)

	c.Coordinator.OverlapProfiles = getenvBool("OVERLAP_PROFILES", c.Coordinator.OverlapProfiles)

	c.Journal.Enabled = getenvBool("JOURNAL_ENABLED", c.Journal.Enabled)
	c.Journal.Endpoint = getenvDefault("JOURNAL_ENDPOINT", c.Journal.Endpoint)
	c.Journal.BackupDir = getenvDefault("JOURNAL_BACKUP_DIR", c.Journal.BackupDir)

	c.Catalog.PostgresDSN = getenvDefault("CATALOG_DSN", c.Catalog.PostgresDSN)

	c.Metrics.Enabled = getenvBool("METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Address = getenvDefault("METRICS_ADDRESS", c.Metrics.Address)

	c.Logging.Format = getenvDefault("LOG_FORMAT", c.Logging.Format)
	c.Logging.Level = getenvDefault("LOG_LEVEL", c.Logging.Level)
	return nil
}

// Validate rejects configurations the coordinator cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case "local", "gcs", "s3", "mem":
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend))
	}
	switch c.Dispatch.Mode {
	case DispatchLocal:
		if c.Dispatch.MaxParallel < 1 {
			errs = append(errs, errors.New("dispatch.max_parallel must be at least 1"))
		}
	case DispatchTravis:
		if c.Dispatch.Travis.Slug == "" {
			errs = append(errs, errors.New("dispatch.travis.slug required in travis mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("dispatch.mode: unknown mode %q", c.Dispatch.Mode))
	}
	if c.Dispatch.PollDelay <= 0 {
		errs = append(errs, errors.New("dispatch.poll_delay must be positive"))
	}
	if c.Dispatch.NodeTimeout < 0 {
		errs = append(errs, errors.New("dispatch.node_timeout must not be negative"))
	}
	if c.Repos.Read == "" || c.Repos.Write == "" || c.Repos.Meta == "" {
		errs = append(errs, errors.New("repos.read, repos.write and repos.meta are required"))
	}
	switch c.CI.Provider {
	case "travis", "env":
	default:
		errs = append(errs, fmt.Errorf("ci.provider: unknown provider %q", c.CI.Provider))
	}
	return errors.Join(errs...)
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
