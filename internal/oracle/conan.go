package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/withObsrvr/nodechain/internal/lockgraph"
)

// Config configures the conan command line adapter.
type Config struct {
	Binary       string `yaml:"binary"`        // conan executable
	BuildMode    string `yaml:"build_mode"`    // build-order policy, "missing" by default
	UploadRemote string `yaml:"upload_remote"` // remote receiving exported recipes
	UserHome     string `yaml:"user_home"`     // CONAN_USER_HOME, empty keeps the environment's
}

// ConanCLI implements Oracle by running the conan client in scratch folders.
type ConanCLI struct {
	cfg Config
	log *slog.Logger
}

var _ Oracle = (*ConanCLI)(nil)

// NewConanCLI creates the adapter.
func NewConanCLI(cfg Config) *ConanCLI {
	if cfg.Binary == "" {
		cfg.Binary = "conan"
	}
	if cfg.BuildMode == "" {
		cfg.BuildMode = "missing"
	}
	if cfg.UploadRemote == "" {
		cfg.UploadRemote = "upload_remote"
	}
	return &ConanCLI{cfg: cfg, log: slog.With("component", "oracle")}
}

// Remote is a package remote registered in the conan client.
type Remote struct {
	Name string
	URL  string
}

// Configure prepares the client: package revision mode and remotes.
func (c *ConanCLI) Configure(ctx context.Context, remotes []Remote) error {
	if _, err := c.run(ctx, "", "config", "set", "general.default_package_id_mode=package_revision_mode"); err != nil {
		return err
	}
	// The default remote may already be gone.
	_, _ = c.run(ctx, "", "remote", "remove", "conan-center")
	for _, r := range remotes {
		if r.URL == "" {
			continue
		}
		if _, err := c.run(ctx, "", "remote", "add", r.Name, r.URL, "--force"); err != nil {
			return err
		}
		if _, err := c.run(ctx, "", "user", "-r", r.Name, "-p"); err != nil {
			return err
		}
	}
	return nil
}

// Lock resolves the initial lock of projectRef.
func (c *ConanCLI) Lock(ctx context.Context, projectRef string, profile Profile) (*lockgraph.Graph, error) {
	dir, cleanup, err := scratch()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	profilePath := filepath.Join(dir, "profile_"+profile.Name)
	if err := os.WriteFile(profilePath, profile.Content, 0644); err != nil {
		return nil, fmt.Errorf("write profile: %w", err)
	}
	if _, err := c.run(ctx, dir, "graph", "lock", projectRef, "--profile", profilePath, "--lockfile", dir); err != nil {
		return nil, err
	}
	return readLock(dir)
}

// MergeLock runs "graph update-lock" on a copy of the project lock.
func (c *ConanCLI) MergeLock(ctx context.Context, project, node *lockgraph.Graph) (*lockgraph.Graph, error) {
	projectDir, cleanupProject, err := scratch()
	if err != nil {
		return nil, err
	}
	defer cleanupProject()
	nodeDir, cleanupNode, err := scratch()
	if err != nil {
		return nil, err
	}
	defer cleanupNode()

	if err := writeLock(projectDir, project); err != nil {
		return nil, err
	}
	if err := writeLock(nodeDir, node); err != nil {
		return nil, err
	}
	if _, err := c.run(ctx, projectDir, "graph", "update-lock", projectDir, nodeDir); err != nil {
		return nil, err
	}
	return readLock(projectDir)
}

// BuildOrder runs "graph build-order" with the configured build mode.
func (c *ConanCLI) BuildOrder(ctx context.Context, lock *lockgraph.Graph) ([][]NodeRef, *lockgraph.Graph, error) {
	dir, cleanup, err := scratch()
	if err != nil {
		return nil, nil, err
	}
	defer cleanup()

	if err := writeLock(dir, lock); err != nil {
		return nil, nil, err
	}
	orderPath := filepath.Join(dir, "bo.json")
	if _, err := c.run(ctx, dir, "graph", "build-order", dir, "--json", orderPath, "-b", c.cfg.BuildMode); err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(orderPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read build order: %w", err)
	}
	groups, err := parseBuildOrder(data)
	if err != nil {
		return nil, nil, err
	}
	updated, err := readLock(dir)
	if err != nil {
		return nil, nil, err
	}
	return groups, updated, nil
}

// ExportModified exports the checked-out recipe into the lock and uploads it.
func (c *ConanCLI) ExportModified(ctx context.Context, checkoutFolder, ref string, lock *lockgraph.Graph) (*lockgraph.Graph, error) {
	dir, cleanup, err := scratch()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if err := writeLock(dir, lock); err != nil {
		return nil, err
	}
	if _, err := c.run(ctx, dir, "export", checkoutFolder, ref, "--lockfile", dir); err != nil {
		return nil, err
	}
	if _, err := c.run(ctx, dir, "upload", ref, "-r", c.cfg.UploadRemote); err != nil {
		return nil, err
	}
	return readLock(dir)
}

// Inspect reads name and version from the recipe in folder.
func (c *ConanCLI) Inspect(ctx context.Context, folder string) (string, string, error) {
	dir, cleanup, err := scratch()
	if err != nil {
		return "", "", err
	}
	defer cleanup()

	out := filepath.Join(dir, "nv.json")
	if _, err := c.run(ctx, dir, "inspect", folder, "-a", "name", "-a", "version", "--json", out); err != nil {
		return "", "", err
	}
	data, err := os.ReadFile(out)
	if err != nil {
		return "", "", fmt.Errorf("read inspect output: %w", err)
	}
	var nv struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &nv); err != nil {
		return "", "", fmt.Errorf("parse inspect output: %w", err)
	}
	return nv.Name, nv.Version, nil
}

// RemoveAll clears the local package cache.
func (c *ConanCLI) RemoveAll(ctx context.Context) error {
	_, err := c.run(ctx, "", "remove", "*", "-f")
	return err
}

func (c *ConanCLI) run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.cfg.Binary, args...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	if c.cfg.UserHome != "" {
		cmd.Env = append(cmd.Env, "CONAN_USER_HOME="+c.cfg.UserHome)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	c.log.Debug("running", "args", strings.Join(args, " "), "dir", dir)
	if err := cmd.Run(); err != nil {
		return out.Bytes(), fmt.Errorf("%s %s: %w\n%s", c.cfg.Binary, strings.Join(args, " "), err, out.String())
	}
	return out.Bytes(), nil
}

func scratch() (string, func(), error) {
	dir, err := os.MkdirTemp("", "nodechain-oracle-*")
	if err != nil {
		return "", nil, fmt.Errorf("create scratch folder: %w", err)
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

func writeLock(dir string, g *lockgraph.Graph) error {
	data, err := g.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "conan.lock"), data, 0644); err != nil {
		return fmt.Errorf("write lock: %w", err)
	}
	return nil
}

func readLock(dir string) (*lockgraph.Graph, error) {
	data, err := os.ReadFile(filepath.Join(dir, "conan.lock"))
	if err != nil {
		return nil, fmt.Errorf("read lock: %w", err)
	}
	return lockgraph.Parse(data)
}
