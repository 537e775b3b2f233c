package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/withObsrvr/nodechain/internal/metrics"
)

// Runner builds one node in-process.
type Runner interface {
	Run(ctx context.Context, job Job) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job Job) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// Local runs jobs on a bounded pool of goroutines.
type Local struct {
	runner Runner
	slots  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger

	mu       sync.Mutex
	launched map[string]*Launch
	running  int
	ended    []Launch
	closed   bool
	wg       sync.WaitGroup
}

var (
	_ Dispatcher = (*Local)(nil)
	_ Canceler   = (*Local)(nil)
)

// NewLocal creates a local dispatcher running at most workers jobs at once.
func NewLocal(runner Runner, workers int) *Local {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Local{
		runner:   runner,
		slots:    make(chan struct{}, workers),
		ctx:      ctx,
		cancel:   cancel,
		log:      slog.With("component", "dispatch", "mode", "local"),
		launched: make(map[string]*Launch),
	}
}

// Dispatch starts job in the background.
func (d *Local) Dispatch(ctx context.Context, job Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDispatcherClosed
	}
	if _, ok := d.launched[job.Node.ID]; ok {
		d.log.Debug("already launched", "node_id", job.Node.ID, "ref", job.Node.Ref)
		if m := metrics.Get(); m != nil {
			m.IncDuplicateDispatches(job.Configuration.ProfileName)
		}
		return nil
	}

	l := &Launch{
		Job:          job,
		Handle:       uuid.New().String(),
		DispatchedAt: time.Now(),
		State:        StateRunning,
	}
	d.launched[job.Node.ID] = l
	d.running++
	d.wg.Add(1)
	go d.execute(l)

	d.log.Info("node launched", "node_id", job.Node.ID, "ref", job.Node.Ref, "handle", l.Handle)
	return nil
}

func (d *Local) execute(l *Launch) {
	defer d.wg.Done()

	var err error
	select {
	case d.slots <- struct{}{}:
		err = d.runSafely(l.Job)
		<-d.slots
	case <-d.ctx.Done():
		err = d.ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	l.EndedAt = time.Now()
	l.Err = err
	switch {
	case err == nil:
		l.State = StatePassed
	case d.ctx.Err() != nil:
		l.State = StateCancelled
	default:
		l.State = StateFailed
	}
	d.running--
	d.ended = append(d.ended, *l)
}

func (d *Local) runSafely(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("runner panic: %v", r)
		}
	}()
	return d.runner.Run(d.ctx, job)
}

// PollEnded returns the launches that ended since the previous call.
func (d *Local) PollEnded(_ context.Context) ([]Launch, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.ended
	d.ended = nil
	return out, nil
}

// HasOutstanding reports running launches and ended ones not yet polled.
func (d *Local) HasOutstanding() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running > 0 || len(d.ended) > 0
}

// CancelAll cancels every in-flight job.
func (d *Local) CancelAll(_ context.Context) error {
	d.log.Warn("cancelling in-flight jobs")
	d.cancel()
	return nil
}

// Close cancels in-flight jobs and waits for their goroutines.
func (d *Local) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
	return nil
}

// Wait blocks until no job is running.
func (d *Local) Wait() {
	d.wg.Wait()
}
