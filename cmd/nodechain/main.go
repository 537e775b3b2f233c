package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/withObsrvr/nodechain/internal/catalog"
	"github.com/withObsrvr/nodechain/internal/config"
	"github.com/withObsrvr/nodechain/internal/coordinator"
	"github.com/withObsrvr/nodechain/internal/dispatch"
	"github.com/withObsrvr/nodechain/internal/journal"
	"github.com/withObsrvr/nodechain/internal/logging"
	"github.com/withObsrvr/nodechain/internal/metastore"
	"github.com/withObsrvr/nodechain/internal/metrics"
	"github.com/withObsrvr/nodechain/internal/model"
	"github.com/withObsrvr/nodechain/internal/nodechain"
	"github.com/withObsrvr/nodechain/internal/oracle"
	"github.com/withObsrvr/nodechain/internal/storage"
	"github.com/withObsrvr/nodechain/internal/worker"
)

// Version is set at build time.
var Version = "dev"

// actionEnv selects the role of the process: "create" builds one node
// from the job in CONAN_CI_BUILD_JSON, anything else coordinates a run.
const actionEnv = "ACTION"

func main() {
	cfg := config.MustLoad()
	logging.Setup(cfg.Logging)
	log := slog.With("component", "main")
	log.Info("nodechain starting", "version", Version, "action", os.Getenv(actionEnv))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Info("received signal", "signal", sig.String())
		cancel()
	}()

	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Namespace)
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	if err := run(ctx, cfg, log); err != nil {
		if ctx.Err() != nil {
			log.Info("shutdown complete")
			os.Exit(130)
		}
		log.Error("nodechain failed", "error", err)
		os.Exit(1)
	}
	log.Info("nodechain stopped cleanly")
	time.Sleep(100 * time.Millisecond)
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	openStore := func(repo string) (storage.Store, error) {
		return storage.Open(cfg.Storage, repo)
	}
	metaStore, err := storage.Open(cfg.Storage, cfg.Repos.Meta)
	if err != nil {
		return fmt.Errorf("open meta repository: %w", err)
	}
	meta, err := metastore.New(metaStore)
	if err != nil {
		return err
	}
	defer meta.Close()

	if os.Getenv(actionEnv) == "create" {
		return runWorker(ctx, cfg, meta)
	}

	conan := oracle.NewConanCLI(cfg.Oracle)
	remotes := []oracle.Remote{
		{Name: "upload_remote", URL: cfg.Repos.WriteURL},
		{Name: "read_remote", URL: cfg.Repos.ReadURL},
	}
	if err := conan.Configure(ctx, remotes); err != nil {
		return fmt.Errorf("configure conan client: %w", err)
	}

	emitter := journal.NewEmitter(cfg.Journal)
	defer emitter.Close()
	cat := catalog.NewWriter(cfg.Catalog)
	defer cat.Close()

	newDispatcher, err := dispatcherFactory(cfg, meta)
	if err != nil {
		return err
	}

	job, err := coordinator.New(coordinator.Config{
		Repos:           cfg.Repos.Repos(),
		CheckoutFolder:  cfg.CI.CheckoutDir,
		User:            cfg.CI.User,
		Channel:         cfg.CI.Channel,
		OverlapProfiles: cfg.Coordinator.OverlapProfiles,
		Chain: nodechain.Config{
			PollDelay:       cfg.Dispatch.PollDelay,
			NodeTimeout:     cfg.Dispatch.NodeTimeout,
			CancelOnFailure: cfg.Dispatch.CancelOnFailure,
		},
	}, coordinator.Deps{
		Meta:          meta,
		OpenStore:     openStore,
		Oracle:        conan,
		NewDispatcher: newDispatcher,
		Journal:       emitter,
		Catalog:       cat,
	})
	if err != nil {
		return err
	}

	ev, err := coordinator.NewTravisAdapter().Event()
	if err != nil {
		return err
	}
	sum, err := job.Run(ctx, ev)
	if sum != nil {
		for _, c := range sum.Configurations {
			log.Info("configuration", "configuration", c.Configuration.String(),
				"launched", c.Launched, "completed", c.Completed, "duration", c.Duration, "error", c.Err)
		}
	}
	return err
}

// dispatcherFactory builds node dispatchers for the configured mode.
func dispatcherFactory(cfg config.Config, meta *metastore.MetaStore) (coordinator.DispatcherFactory, error) {
	switch cfg.Dispatch.Mode {
	case config.DispatchTravis:
		return func(model.Configuration, model.Repos) (dispatch.Dispatcher, error) {
			return dispatch.NewTravis(cfg.Dispatch.Travis)
		}, nil
	case config.DispatchLocal:
		return func(model.Configuration, model.Repos) (dispatch.Dispatcher, error) {
			w, err := worker.New(meta, worker.NewConanBuilder(cfg.Worker.Conan), cfg.Worker.Config)
			if err != nil {
				return nil, err
			}
			return &localDispatcher{Local: dispatch.NewLocal(w, cfg.Dispatch.MaxParallel), worker: w}, nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown dispatch mode %q", cfg.Dispatch.Mode)
	}
}

// localDispatcher releases its worker along with the dispatcher.
type localDispatcher struct {
	*dispatch.Local
	worker *worker.Worker
}

func (d *localDispatcher) Close() error {
	err := d.Local.Close()
	d.worker.Close()
	return err
}

// runWorker builds the node described by the job in the environment.
func runWorker(ctx context.Context, cfg config.Config, meta *metastore.MetaStore) error {
	job, err := dispatch.DecodeJob(os.Getenv(dispatch.BuildJSONEnv))
	if err != nil {
		return err
	}
	w, err := worker.New(meta, worker.NewConanBuilder(cfg.Worker.Conan), cfg.Worker.Config)
	if err != nil {
		return err
	}
	defer w.Close()
	return w.Run(ctx, job)
}
