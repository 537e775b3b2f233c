// Package coordinator drives one CI-triggered run: it resolves the run mode,
// builds every configuration (project ref and profile) through a node chain
// and publishes the build manifest.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/nodechain/internal/catalog"
	"github.com/withObsrvr/nodechain/internal/dispatch"
	"github.com/withObsrvr/nodechain/internal/journal"
	"github.com/withObsrvr/nodechain/internal/logging"
	"github.com/withObsrvr/nodechain/internal/manifest"
	"github.com/withObsrvr/nodechain/internal/metastore"
	"github.com/withObsrvr/nodechain/internal/metrics"
	"github.com/withObsrvr/nodechain/internal/model"
	"github.com/withObsrvr/nodechain/internal/nodechain"
	"github.com/withObsrvr/nodechain/internal/oracle"
	"github.com/withObsrvr/nodechain/internal/storage"
)

var (
	// ErrNoProjects is returned when the meta store lists no project.
	ErrNoProjects = errors.New("no projects configured")
	// ErrNoProfiles is returned when the meta store holds no profile.
	ErrNoProfiles = errors.New("no profiles configured")
)

// StoreOpener opens a repository by name.
type StoreOpener func(repo string) (storage.Store, error)

// DispatcherFactory creates the dispatcher of one configuration.
type DispatcherFactory func(conf model.Configuration, repos model.Repos) (dispatch.Dispatcher, error)

// Config configures a coordinator job.
type Config struct {
	Repos           model.Repos
	CheckoutFolder  string // sources of the changed package, empty for none
	User            string
	Channel         string
	OverlapProfiles bool
	Chain           nodechain.Config
}

// Deps are the collaborators of a job.
type Deps struct {
	Meta          *metastore.MetaStore
	OpenStore     StoreOpener
	Oracle        oracle.Oracle
	NewDispatcher DispatcherFactory
	Journal       journal.Emitter
	Catalog       catalog.Writer
	Clock         nodechain.Clock
}

// ConfigurationResult is the outcome of one configuration.
type ConfigurationResult struct {
	Configuration model.Configuration
	Launched      int
	Completed     int
	Duration      time.Duration
	Err           error
}

// Summary reports a finished run.
type Summary struct {
	Mode           model.Mode
	Build          model.Build
	PromotedBuild  *model.Build
	PromotedFiles  int
	Configurations []ConfigurationResult
	BuildInfo      manifest.BuildInfo
}

// Job runs coordinator runs.
type Job struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
}

// cacheCleaner is implemented by oracles keeping a local package cache.
type cacheCleaner interface {
	RemoveAll(ctx context.Context) error
}

// New creates a job.
func New(cfg Config, deps Deps) (*Job, error) {
	if deps.Meta == nil || deps.Oracle == nil || deps.OpenStore == nil || deps.NewDispatcher == nil {
		return nil, fmt.Errorf("coordinator: meta store, oracle, store opener and dispatcher factory are required")
	}
	if deps.Journal == nil {
		deps.Journal = journal.Noop()
	}
	if deps.Catalog == nil {
		deps.Catalog = catalog.Noop()
	}
	if deps.Clock == nil {
		deps.Clock = nodechain.RealClock()
	}
	if cfg.User == "" {
		cfg.User = "conan"
	}
	if cfg.Channel == "" {
		cfg.Channel = "stable"
	}
	return &Job{cfg: cfg, deps: deps, log: slog.With("component", "coordinator")}, nil
}

// Run resolves the mode of ev and runs it.
func (j *Job) Run(ctx context.Context, ev Event) (*Summary, error) {
	if logging.CorrelationID(ctx) == "" {
		ctx = logging.WithCorrelationID(ctx, logging.GenerateCorrelationID())
	}
	mode := ev.Mode()
	j.log.Info("run triggered", "mode", mode, "slug", ev.Slug, "branch", ev.Branch,
		"build_number", ev.BuildNumber, "pull_request", ev.PullRequest, "commit", ev.Commit)

	switch mode {
	case model.ModePullRequest:
		return j.RunPullRequest(ctx, ev)
	case model.ModePromotion:
		pr, _ := ev.MergedPullRequest()
		promoted, files, err := j.Promote(ctx, ev.Slug, pr)
		if err != nil {
			return &Summary{Mode: mode}, err
		}
		sum, err := j.RunBranch(ctx, ev)
		if sum != nil {
			sum.Mode = mode
			sum.PromotedBuild = &promoted
			sum.PromotedFiles = files
		}
		return sum, err
	default:
		return j.RunBranch(ctx, ev)
	}
}

// RunPullRequest builds a pull request into the write repository and
// records which build tested it.
func (j *Job) RunPullRequest(ctx context.Context, ev Event) (*Summary, error) {
	build := PullRequestBuild(ev)
	if err := j.deps.Meta.StoreBuildPRAssociation(ctx, build, ev.Slug, ev.PullRequest); err != nil {
		return &Summary{Mode: model.ModePullRequest, Build: build}, &nodechain.StoreError{Op: "write pr association", Path: metastore.PRAssociationPath(ev.Slug, ev.PullRequest), Err: err}
	}
	return j.RunBuild(ctx, model.ModePullRequest, build, j.cfg.Repos)
}

// RunBranch builds a branch push, reading and writing the read repository.
func (j *Job) RunBranch(ctx context.Context, ev Event) (*Summary, error) {
	repos := j.cfg.Repos
	repos.Write = repos.Read
	return j.RunBuild(ctx, model.ModeBranch, BranchBuild(ev), repos)
}

// Promote copies every artifact of the build that tested pull request pr
// from the write repository to the read repository.
func (j *Job) Promote(ctx context.Context, slug, pr string) (model.Build, int, error) {
	build, err := j.deps.Meta.BuildFromPR(ctx, slug, pr)
	if err != nil {
		return model.Build{}, 0, err
	}
	bi, err := manifest.Load(ctx, j.deps.Meta, build)
	if err != nil {
		return build, 0, err
	}

	src, err := j.deps.OpenStore(j.cfg.Repos.Write)
	if err != nil {
		return build, 0, fmt.Errorf("open %s: %w", j.cfg.Repos.Write, err)
	}
	defer src.Close()
	dst, err := j.deps.OpenStore(j.cfg.Repos.Read)
	if err != nil {
		return build, 0, fmt.Errorf("open %s: %w", j.cfg.Repos.Read, err)
	}
	defer dst.Close()

	paths := bi.ArtifactPaths()
	for _, p := range paths {
		if err := storage.Copy(ctx, src, dst, p); err != nil {
			return build, 0, fmt.Errorf("promote %s: %w", build, err)
		}
	}
	j.log.Info("pull request promoted", "pr", pr, "build", build.String(),
		"files", len(paths), "from", src.Name(), "to", dst.Name())
	return build, len(paths), nil
}

// RunBuild builds every configuration, project by project, and publishes
// the manifest of their final locks.
func (j *Job) RunBuild(ctx context.Context, mode model.Mode, build model.Build, repos model.Repos) (*Summary, error) {
	log := logging.RunLogger(ctx, build, mode)
	sum := &Summary{Mode: mode, Build: build}

	projects, err := j.deps.Meta.ProjectRefs(ctx)
	if err != nil {
		return sum, &nodechain.StoreError{Op: "read projects", Path: "projects.json", Err: err}
	}
	if len(projects) == 0 {
		return sum, ErrNoProjects
	}
	profiles, err := j.deps.Meta.ProfileNames(ctx)
	if err != nil {
		return sum, &nodechain.StoreError{Op: "list profiles", Path: "profiles", Err: err}
	}
	if len(profiles) == 0 {
		return sum, ErrNoProfiles
	}

	changed, err := j.changedPackage(ctx)
	if err != nil {
		return sum, err
	}

	artifacts, err := j.deps.OpenStore(repos.Write)
	if err != nil {
		return sum, fmt.Errorf("open %s: %w", repos.Write, err)
	}
	defer artifacts.Close()
	builder := manifest.NewBuilder(artifacts, j.deps.Clock.Now)

	runID, err := j.deps.Catalog.RecordRun(ctx, catalog.RunRecord{
		Build:         build,
		Mode:          mode,
		CorrelationID: logging.CorrelationID(ctx),
		StartedAt:     builder.Started(),
	})
	if err != nil {
		j.catalogFailed("record run", err)
	}

	log.Info("run started", "projects", len(projects), "profiles", len(profiles),
		"changed", changed.Ref, "read", repos.Read, "write", repos.Write)

	for _, project := range projects {
		results, err := j.runProject(ctx, runID, build, repos, project, profiles, changed)
		sum.Configurations = append(sum.Configurations, results...)
		if err != nil {
			j.finishRun(ctx, runID, catalog.StatusFailed, err)
			log.Error("run failed", "project", project, "error", err)
			return sum, err
		}

		for _, profile := range profiles {
			conf := model.Configuration{ProjectRef: project, ProfileName: profile}
			data, err := j.deps.Meta.ProjectLock(ctx, build, conf)
			if err != nil {
				err = &nodechain.StoreError{Op: "read project lock", Path: metastore.ProjectLockPath(build, conf), Err: err}
				j.finishRun(ctx, runID, catalog.StatusFailed, err)
				return sum, err
			}
			if err := builder.AccumulateData(ctx, data); err != nil {
				j.finishRun(ctx, runID, catalog.StatusFailed, err)
				return sum, err
			}
		}
		log.Info("project built", "project", project)
	}

	bi, err := builder.Publish(ctx, j.deps.Meta, build)
	if err != nil {
		j.finishRun(ctx, runID, catalog.StatusFailed, err)
		return sum, err
	}
	sum.BuildInfo = bi
	j.finishRun(ctx, runID, catalog.StatusSucceeded, nil)
	log.Info("run completed", "configurations", len(sum.Configurations), "modules", len(bi.Modules))
	return sum, nil
}

// runProject builds every profile of project, one after the other or
// overlapped.
func (j *Job) runProject(ctx context.Context, runID int64, build model.Build, repos model.Repos, project string, profiles []string, changed nodechain.Changed) ([]ConfigurationResult, error) {
	confs := make([]model.Configuration, len(profiles))
	for i, p := range profiles {
		confs[i] = model.Configuration{ProjectRef: project, ProfileName: p}
	}

	if !j.cfg.OverlapProfiles {
		var results []ConfigurationResult
		for _, conf := range confs {
			res := j.runConfiguration(ctx, runID, build, repos, conf, changed)
			results = append(results, res)
			if res.Err != nil {
				return results, res.Err
			}
			j.cleanCache(ctx)
		}
		return results, nil
	}

	results := make([]ConfigurationResult, len(confs))
	g, gctx := errgroup.WithContext(ctx)
	for i, conf := range confs {
		g.Go(func() error {
			results[i] = j.runConfiguration(gctx, runID, build, repos, conf, changed)
			return results[i].Err
		})
	}
	err := g.Wait()
	j.cleanCache(ctx)
	return results, err
}

func (j *Job) runConfiguration(ctx context.Context, runID int64, build model.Build, repos model.Repos, conf model.Configuration, changed nodechain.Changed) ConfigurationResult {
	log := logging.ConfigurationLogger(ctx, build, conf)
	res := ConfigurationResult{Configuration: conf}

	d, err := j.deps.NewDispatcher(conf, repos)
	if err != nil {
		res.Err = &nodechain.DispatchError{Err: fmt.Errorf("create dispatcher for %s: %w", conf, err)}
		return res
	}
	if c, ok := d.(io.Closer); ok {
		defer c.Close()
	}

	chain := nodechain.New(build, conf, repos, changed, nodechain.Deps{
		Meta:       j.deps.Meta,
		Oracle:     j.deps.Oracle,
		Dispatcher: d,
		Journal:    j.deps.Journal,
		Clock:      j.deps.Clock,
	}, j.cfg.Chain)

	log.Info("configuration started")
	out, err := chain.Run(ctx)
	if out != nil {
		res.Launched = len(out.Launched)
		res.Completed = len(out.Completed)
		res.Duration = out.Duration
	}
	res.Err = err

	rec := catalog.ConfigurationRecord{
		RunID:         runID,
		Configuration: conf,
		NodesBuilt:    res.Completed,
		Status:        catalog.StatusSucceeded,
		Duration:      res.Duration,
	}
	if err != nil {
		rec.Status = catalog.StatusFailed
		rec.Error = err.Error()
		log.Error("configuration failed", "error", err, "launched", res.Launched)
	} else {
		log.Info("configuration completed", "nodes_built", res.Completed, "duration", res.Duration)
	}
	if err := j.deps.Catalog.RecordConfiguration(context.WithoutCancel(ctx), rec); err != nil {
		j.catalogFailed("record configuration", err)
	}
	return res
}

// changedPackage identifies the package checked out for this run.
func (j *Job) changedPackage(ctx context.Context) (nodechain.Changed, error) {
	if j.cfg.CheckoutFolder == "" {
		return nodechain.Changed{}, nil
	}
	name, version, err := j.deps.Oracle.Inspect(ctx, j.cfg.CheckoutFolder)
	if err != nil {
		if m := metrics.Get(); m != nil {
			m.IncOracleErrors("inspect")
		}
		return nodechain.Changed{}, &nodechain.OracleError{Op: "inspect", Err: err}
	}
	return nodechain.Changed{
		CheckoutFolder: j.cfg.CheckoutFolder,
		Ref:            fmt.Sprintf("%s/%s@%s/%s", name, version, j.cfg.User, j.cfg.Channel),
	}, nil
}

func (j *Job) cleanCache(ctx context.Context) {
	c, ok := j.deps.Oracle.(cacheCleaner)
	if !ok {
		return
	}
	if err := c.RemoveAll(ctx); err != nil {
		j.log.Warn("failed to clear package cache", "error", err)
	}
}

func (j *Job) finishRun(ctx context.Context, runID int64, status string, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := j.deps.Catalog.FinishRun(context.WithoutCancel(ctx), runID, status, msg); err != nil {
		j.catalogFailed("finish run", err)
	}
}

func (j *Job) catalogFailed(op string, err error) {
	j.log.Warn("catalog write failed", "operation", op, "error", err)
	if m := metrics.Get(); m != nil {
		m.IncCatalogErrors()
	}
}
