package worker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/withObsrvr/nodechain/internal/dispatch"
	"github.com/withObsrvr/nodechain/internal/lockgraph"
)

// ConanConfig configures the conan package builder.
type ConanConfig struct {
	Binary       string `yaml:"binary"`
	UploadRemote string `yaml:"upload_remote"`
	Docker       bool   `yaml:"docker"` // build in the compiler image inferred from the lock
	DockerBinary string `yaml:"docker_binary"`
}

// ConanBuilder builds packages with the conan client.
type ConanBuilder struct {
	cfg ConanConfig
	log *slog.Logger
}

var _ PackageBuilder = (*ConanBuilder)(nil)

// NewConanBuilder creates the builder.
func NewConanBuilder(cfg ConanConfig) *ConanBuilder {
	if cfg.Binary == "" {
		cfg.Binary = "conan"
	}
	if cfg.UploadRemote == "" {
		cfg.UploadRemote = "upload_remote"
	}
	if cfg.DockerBinary == "" {
		cfg.DockerBinary = "docker"
	}
	return &ConanBuilder{cfg: cfg, log: slog.With("component", "conan-builder")}
}

// Build installs ref from sources with the lock and uploads the result.
func (b *ConanBuilder) Build(ctx context.Context, job dispatch.Job, lock *lockgraph.Graph, workdir string) ([]byte, *lockgraph.Graph, error) {
	data, err := lock.Marshal()
	if err != nil {
		return nil, nil, err
	}
	lockPath := filepath.Join(workdir, "conan.lock")
	if err := os.WriteFile(lockPath, data, 0644); err != nil {
		return nil, nil, fmt.Errorf("write lock: %w", err)
	}
	if err := writeArtifactProperties(workdir, job, time.Now()); err != nil {
		return nil, nil, err
	}

	image := ""
	if b.cfg.Docker {
		image = DockerImage(data)
	}
	ref := job.Node.Ref

	var out bytes.Buffer
	install := []string{"install", ref, "--lockfile=" + workdir, "--build", ref, "--install-folder=" + workdir}
	if err := b.run(ctx, &out, workdir, image, install...); err != nil {
		return out.Bytes(), nil, err
	}
	if err := b.run(ctx, &out, workdir, image, "upload", ref, "--all", "-r", b.cfg.UploadRemote, "--force"); err != nil {
		return out.Bytes(), nil, err
	}

	updated, err := os.ReadFile(lockPath)
	if err != nil {
		return out.Bytes(), nil, fmt.Errorf("read updated lock: %w", err)
	}
	nodeLock, err := lockgraph.Parse(updated)
	if err != nil {
		return out.Bytes(), nil, err
	}
	return out.Bytes(), nodeLock, nil
}

func (b *ConanBuilder) run(ctx context.Context, out *bytes.Buffer, workdir, image string, args ...string) error {
	name, argv := b.cfg.Binary, args
	if image != "" {
		name = b.cfg.DockerBinary
		argv = append([]string{"run", "--rm",
			"-v", workdir + ":" + workdir, "-w", workdir,
			"-e", "CONAN_USER_HOME=" + workdir,
			image, b.cfg.Binary}, args...)
	}
	cmd := exec.CommandContext(ctx, name, argv...)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(), "CONAN_USER_HOME="+workdir)
	cmd.Stdout = out
	cmd.Stderr = out

	fmt.Fprintf(out, "$ %s %s\n", name, strings.Join(argv, " "))
	b.log.Debug("running", "cmd", name, "args", strings.Join(argv, " "))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w", name, strings.Join(argv, " "), err)
	}
	return nil
}

// writeArtifactProperties tags every uploaded file with the build identity.
func writeArtifactProperties(workdir string, job dispatch.Job, now time.Time) error {
	home := filepath.Join(workdir, ".conan")
	if err := os.MkdirAll(home, 0755); err != nil {
		return fmt.Errorf("create conan home: %w", err)
	}
	props := fmt.Sprintf("artifact_property_build.name=%s\nartifact_property_build.number=%s\nartifact_property_build.timestamp=%d\n",
		job.Build.Name, job.Build.Number, now.Unix())
	if err := os.WriteFile(filepath.Join(home, "artifacts.properties"), []byte(props), 0644); err != nil {
		return fmt.Errorf("write artifact properties: %w", err)
	}
	return nil
}

var compilerVersion = regexp.MustCompile(`compiler\.version=(\d+\.*\d*)\\n`)

// DockerImage infers the compiler image from the profile embedded in a lock
// document, e.g. "conanio/gcc9". It returns "" for other compilers.
func DockerImage(lockData []byte) string {
	m := compilerVersion.FindSubmatch(lockData)
	if m == nil {
		return ""
	}
	version := string(m[1])
	switch {
	case bytes.Contains(lockData, []byte(`compiler=gcc\n`)):
		return "conanio/gcc" + version
	case bytes.Contains(lockData, []byte(`compiler=clang\n`)):
		return "conanio/clang" + version
	}
	return ""
}
