package nodechain

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/withObsrvr/nodechain/internal/dispatch"
	"github.com/withObsrvr/nodechain/internal/journal"
	"github.com/withObsrvr/nodechain/internal/lockgraph"
	"github.com/withObsrvr/nodechain/internal/metastore"
	"github.com/withObsrvr/nodechain/internal/oracle/oracletest"
	"github.com/withObsrvr/nodechain/internal/storage"
)

// fakeDispatcher builds nodes when they are polled: it reads the current
// project lock, writes the node lock and the OK marker, or the log and the
// FAILED marker for nodes listed in fail.
type fakeDispatcher struct {
	mu   sync.Mutex
	meta *metastore.MetaStore

	fail    map[string]string // ref -> log written on failure
	hold    map[string]bool   // node ids that never end
	perPoll int               // 0 ends every pending job per poll
	lifo    bool              // end the latest dispatched jobs first

	dispatched []dispatch.Job
	pending    []dispatch.Job
	counts     map[string]int
	cancelled  bool
	pollErr    error
}

var (
	_ dispatch.Dispatcher = (*fakeDispatcher)(nil)
	_ dispatch.Canceler   = (*fakeDispatcher)(nil)
)

func newFakeDispatcher(meta *metastore.MetaStore) *fakeDispatcher {
	return &fakeDispatcher{
		meta:   meta,
		fail:   make(map[string]string),
		hold:   make(map[string]bool),
		counts: make(map[string]int),
	}
}

func (d *fakeDispatcher) Dispatch(_ context.Context, job dispatch.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counts[job.Node.ID]++
	if d.counts[job.Node.ID] > 1 {
		return nil
	}
	d.dispatched = append(d.dispatched, job)
	d.pending = append(d.pending, job)
	return nil
}

func (d *fakeDispatcher) PollEnded(ctx context.Context) ([]dispatch.Launch, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pollErr != nil {
		return nil, d.pollErr
	}

	order := append([]dispatch.Job(nil), d.pending...)
	if d.lifo {
		slices.Reverse(order)
	}
	var ended []dispatch.Launch
	var still []dispatch.Job
	for _, job := range order {
		if d.hold[job.Node.ID] || (d.perPoll > 0 && len(ended) >= d.perPoll) {
			still = append(still, job)
			continue
		}
		state, err := d.build(ctx, job)
		if err != nil {
			return nil, err
		}
		ended = append(ended, dispatch.Launch{Job: job, Handle: "h-" + job.Node.ID, State: state})
	}
	if d.lifo {
		slices.Reverse(still)
	}
	d.pending = still
	return ended, nil
}

func (d *fakeDispatcher) build(ctx context.Context, job dispatch.Job) (dispatch.State, error) {
	folder := job.ResultFolder()
	if log, ok := d.fail[job.Node.Ref]; ok {
		if log != "" {
			if err := d.meta.StoreLog(ctx, folder, []byte(log)); err != nil {
				return "", err
			}
		}
		return dispatch.StateFailed, d.meta.StoreFailure(ctx, folder)
	}

	data, err := d.meta.ProjectLock(ctx, job.Build, job.Configuration)
	if err != nil {
		return "", err
	}
	project, err := lockgraph.Parse(data)
	if err != nil {
		return "", err
	}
	built, err := oracletest.BuildNode(project, job.Node.ID, "b"+job.Node.ID)
	if err != nil {
		return "", err
	}
	nodeLock, err := built.Marshal()
	if err != nil {
		return "", err
	}
	if err := d.meta.StoreNodeLock(ctx, folder, nodeLock); err != nil {
		return "", err
	}
	if err := d.meta.StoreLog(ctx, folder, []byte("built "+job.Node.Ref)); err != nil {
		return "", err
	}
	return dispatch.StatePassed, d.meta.StoreSuccess(ctx, folder)
}

func (d *fakeDispatcher) HasOutstanding() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending) > 0
}

func (d *fakeDispatcher) CancelAll(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = true
	return nil
}

func (d *fakeDispatcher) dispatchedRefs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	refs := make([]string, 0, len(d.dispatched))
	for _, j := range d.dispatched {
		refs = append(refs, j.Node.Ref)
	}
	return refs
}

func (d *fakeDispatcher) count(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[id]
}

// fakeClock advances only when slept on.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  int
	onSleep func()
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if c.onSleep != nil {
		c.onSleep()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.sleeps++
	return nil
}

// recordingEmitter keeps every journal event.
type recordingEmitter struct {
	mu     sync.Mutex
	events []journal.Event
}

func (r *recordingEmitter) Emit(_ context.Context, evt journal.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recordingEmitter) Close() error { return nil }

func (r *recordingEmitter) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		if e.Node != nil {
			out = append(out, fmt.Sprintf("%s %s", e.Action, e.Node.Ref))
			continue
		}
		out = append(out, e.Action)
	}
	return out
}

func newTestMeta(t *testing.T) *metastore.MetaStore {
	t.Helper()
	m, err := metastore.New(storage.NewIsolatedMemoryStore("meta"))
	if err != nil {
		t.Fatalf("metastore.New failed: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}
