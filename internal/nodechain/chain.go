// Package nodechain drives the build of one configuration (project ref and
// profile): it locks the dependency graph, launches every node whose
// prerequisites are satisfied, folds each finished node back into the
// project lock and launches what became buildable, until nothing is left.
package nodechain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/withObsrvr/nodechain/internal/dispatch"
	"github.com/withObsrvr/nodechain/internal/journal"
	"github.com/withObsrvr/nodechain/internal/lockgraph"
	"github.com/withObsrvr/nodechain/internal/metastore"
	"github.com/withObsrvr/nodechain/internal/metrics"
	"github.com/withObsrvr/nodechain/internal/model"
	"github.com/withObsrvr/nodechain/internal/oracle"
)

// DefaultPollDelay is the wait between completion polls that found nothing.
const DefaultPollDelay = 3 * time.Second

// Config tunes the completion loop.
type Config struct {
	// PollDelay is the wait between empty polls.
	PollDelay time.Duration
	// NodeTimeout fails the configuration when a launched node has not ended
	// after this long. Zero disables it.
	NodeTimeout time.Duration
	// CancelOnFailure asks the dispatcher to stop sibling builds when a node
	// fails, if it supports it.
	CancelOnFailure bool
}

// Deps are the collaborators of a chain.
type Deps struct {
	Meta       *metastore.MetaStore
	Oracle     oracle.Oracle
	Dispatcher dispatch.Dispatcher
	Journal    journal.Emitter
	Clock      Clock
}

// Changed identifies the package whose sources triggered the build. Its
// checkout is exported into the lock before the first build order.
type Changed struct {
	CheckoutFolder string
	Ref            string
}

// Result summarizes a finished configuration.
type Result struct {
	Launched  []model.NodeInfo
	Completed []model.NodeInfo
	Polls     int
	Duration  time.Duration
}

// Chain builds one configuration. A chain is single-use and not safe for
// concurrent use; separate configurations use separate chains.
type Chain struct {
	build   model.Build
	conf    model.Configuration
	repos   model.Repos
	changed Changed
	cfg     Config

	meta       *metastore.MetaStore
	oracle     oracle.Oracle
	dispatcher dispatch.Dispatcher
	journal    journal.Emitter
	clock      Clock

	launched  *LaunchedSet
	inFlight  map[string]time.Time
	completed []model.NodeInfo
	log       *slog.Logger
}

// New creates a chain for conf within build.
func New(build model.Build, conf model.Configuration, repos model.Repos, changed Changed, deps Deps, cfg Config) *Chain {
	if cfg.PollDelay <= 0 {
		cfg.PollDelay = DefaultPollDelay
	}
	if deps.Journal == nil {
		deps.Journal = journal.Noop()
	}
	if deps.Clock == nil {
		deps.Clock = RealClock()
	}
	return &Chain{
		build:      build,
		conf:       conf,
		repos:      repos,
		changed:    changed,
		cfg:        cfg,
		meta:       deps.Meta,
		oracle:     deps.Oracle,
		dispatcher: deps.Dispatcher,
		journal:    deps.Journal,
		clock:      deps.Clock,
		launched:   NewLaunchedSet(),
		inFlight:   make(map[string]time.Time),
		log: slog.With(
			"component", "nodechain",
			"build", build.String(),
			"project", conf.ProjectRef,
			"profile", conf.ProfileName,
		),
	}
}

// Launched returns the set of nodes launched so far.
func (c *Chain) Launched() *LaunchedSet {
	return c.launched
}

// Run builds the configuration to completion. It returns the first node
// failure as a *NodeBuildFailure without launching anything further.
func (c *Chain) Run(ctx context.Context) (*Result, error) {
	start := c.clock.Now()
	res, err := c.run(ctx)
	elapsed := c.clock.Now().Sub(start)
	res.Duration = elapsed

	result := "succeeded"
	if err != nil {
		result = "failed"
		c.abort(ctx, err)
	}
	if m := metrics.Get(); m != nil {
		m.ObserveConfigurationDuration(c.conf.ProfileName, result, elapsed.Seconds())
		m.SetOutstandingLaunches(c.conf.ProfileName, 0)
	}
	detail := result
	if err != nil {
		detail = err.Error()
	}
	c.emit(ctx, journal.Event{
		Action:        journal.ActionConfigurationDone,
		Build:         c.build,
		Configuration: c.conf,
		Detail:        detail,
	})
	return res, err
}

func (c *Chain) run(ctx context.Context) (*Result, error) {
	res := &Result{}
	defer func() {
		res.Launched = c.launched.Nodes()
		res.Completed = append([]model.NodeInfo(nil), c.completed...)
	}()

	lock, err := c.lockGraph(ctx)
	if err != nil {
		return res, err
	}
	frontier, err := c.initialFrontier(ctx, lock)
	if err != nil {
		return res, err
	}
	c.log.Info("initial frontier computed", "nodes", len(frontier), "graph_nodes", lock.Len())
	if err := c.dispatchAll(ctx, frontier); err != nil {
		return res, err
	}

	for c.dispatcher.HasOutstanding() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ended, err := c.dispatcher.PollEnded(ctx)
		if err != nil {
			return res, &DispatchError{Err: fmt.Errorf("poll ended builds: %w", err)}
		}
		res.Polls++
		if m := metrics.Get(); m != nil {
			m.IncPollIterations(c.conf.ProfileName)
		}

		if len(ended) == 0 {
			if err := c.checkTimeouts(); err != nil {
				return res, err
			}
			if err := c.clock.Sleep(ctx, c.cfg.PollDelay); err != nil {
				return res, err
			}
			continue
		}
		built, err := c.checkEnded(ctx, ended)
		if err != nil {
			return res, err
		}
		for _, l := range built {
			if err := c.processEnded(ctx, l); err != nil {
				return res, err
			}
		}
	}

	c.log.Info("configuration built",
		"launched", c.launched.Len(),
		"completed", len(c.completed),
		"polls", res.Polls,
	)
	return res, nil
}

// lockGraph asks the oracle for the initial lock, exports the changed
// package into it and persists the result as the project lock.
func (c *Chain) lockGraph(ctx context.Context) (*lockgraph.Graph, error) {
	content, err := c.meta.Profile(ctx, c.conf.ProfileName)
	if err != nil {
		return nil, c.storeErr("read profile", c.conf.ProfileName, err)
	}
	profile := oracle.Profile{Name: c.conf.ProfileName, Content: content}

	lock, err := c.oracle.Lock(ctx, c.conf.ProjectRef, profile)
	if err != nil {
		return nil, c.oracleErr("lock", err)
	}
	if c.changed.Ref != "" {
		lock, err = c.oracle.ExportModified(ctx, c.changed.CheckoutFolder, c.changed.Ref, lock)
		if err != nil {
			return nil, c.oracleErr("export", err)
		}
	}

	data, err := c.persist(ctx, lock)
	if err != nil {
		return nil, err
	}
	c.emit(ctx, journal.GraphLocked(c.build, c.conf, data))
	return lock, nil
}

// initialFrontier returns the first build-order group plus the nodes the
// export flagged as modified that the oracle does not hold back behind
// other groups.
func (c *Chain) initialFrontier(ctx context.Context, lock *lockgraph.Graph) ([]model.NodeInfo, error) {
	groups, updated, err := c.buildOrder(ctx, lock)
	if err != nil {
		return nil, err
	}

	blocked := make(map[string]struct{})
	for _, g := range groups[min(1, len(groups)):] {
		for _, n := range g {
			blocked[n.ID] = struct{}{}
		}
	}

	frontier := c.firstGroup(groups)
	seen := make(map[string]struct{}, len(frontier))
	for _, n := range frontier {
		seen[n.ID] = struct{}{}
	}

	var extra []model.NodeInfo
	for _, n := range updated.Nodes() {
		if !n.Modified && (c.changed.Ref == "" || n.Ref() != c.changed.Ref) {
			continue
		}
		if _, ok := blocked[n.ID]; ok {
			continue
		}
		if _, ok := seen[n.ID]; ok || c.launched.Contains(n.ID) {
			continue
		}
		seen[n.ID] = struct{}{}
		extra = append(extra, model.NodeInfo{Ref: n.Ref(), ID: n.ID})
	}
	sort.Slice(extra, func(i, j int) bool { return lessID(extra[i].ID, extra[j].ID) })
	return append(frontier, extra...), nil
}

// checkEnded reads the status marker of every launch of a poll and fails on
// the first failed one, before any of them is merged. It returns the
// launches that built.
func (c *Chain) checkEnded(ctx context.Context, ended []dispatch.Launch) ([]dispatch.Launch, error) {
	built := make([]dispatch.Launch, 0, len(ended))
	for _, l := range ended {
		delete(c.inFlight, l.Job.Node.ID)
		folder := l.Job.ResultFolder()
		ok, err := c.meta.Status(ctx, folder)
		if err != nil {
			return nil, c.storeErr("read status", folder, err)
		}
		if !ok || l.Failed() {
			return nil, c.nodeFailed(ctx, l, folder)
		}
		built = append(built, l)
	}
	return built, nil
}

// processEnded merges one successful launch into the project lock and
// dispatches the nodes it unblocks.
func (c *Chain) processEnded(ctx context.Context, l dispatch.Launch) error {
	node := l.Job.Node
	folder := l.Job.ResultFolder()

	mergeStart := c.clock.Now()
	nodeData, err := c.meta.NodeLock(ctx, folder)
	if err != nil {
		return c.storeErr("read node lock", folder, err)
	}
	nodeLock, err := lockgraph.Parse(nodeData)
	if err != nil {
		return c.storeErr("parse node lock", folder, err)
	}
	projectPath := metastore.ProjectLockPath(c.build, c.conf)
	projectData, err := c.meta.ProjectLock(ctx, c.build, c.conf)
	if err != nil {
		return c.storeErr("read project lock", projectPath, err)
	}
	project, err := lockgraph.Parse(projectData)
	if err != nil {
		return c.storeErr("parse project lock", projectPath, err)
	}

	merged, err := c.oracle.MergeLock(ctx, project, nodeLock)
	if err != nil {
		return c.oracleErr("merge", err)
	}
	if _, err := c.persist(ctx, merged); err != nil {
		return err
	}
	if m := metrics.Get(); m != nil {
		m.ObserveMergeDuration(c.conf.ProfileName, c.clock.Now().Sub(mergeStart).Seconds())
		m.IncNodesCompleted(c.conf.ProfileName)
	}

	c.completed = append(c.completed, node)
	c.log.Info("node built", "ref", node.Ref, "node_id", node.ID, "handle", l.Handle)
	c.emit(ctx, journal.NodeEvent(journal.ActionNodeStoppedBuilding, c.build, c.conf, node, string(l.State)))

	groups, _, err := c.buildOrder(ctx, merged)
	if err != nil {
		return err
	}
	return c.dispatchAll(ctx, c.firstGroup(groups))
}

func (c *Chain) nodeFailed(ctx context.Context, l dispatch.Launch, folder string) error {
	node := l.Job.Node
	text, err := c.meta.Log(ctx, folder)
	if err != nil {
		c.log.Warn("failed to read build log", "node_id", node.ID, "error", err)
		text = metastore.NoLogPlaceholder
	}
	if m := metrics.Get(); m != nil {
		m.IncNodesFailed(c.conf.ProfileName)
	}
	c.log.Error("node build failed", "ref", node.Ref, "node_id", node.ID, "state", l.State)
	c.emit(ctx, journal.NodeEvent(journal.ActionNodeFailed, c.build, c.conf, node, text))
	return &NodeBuildFailure{Node: node, Profile: c.conf.ProfileName, State: l.State, Log: text}
}

// buildOrder asks the oracle for the build order of lock and persists the
// lock it returns.
func (c *Chain) buildOrder(ctx context.Context, lock *lockgraph.Graph) ([][]oracle.NodeRef, *lockgraph.Graph, error) {
	groups, updated, err := c.oracle.BuildOrder(ctx, lock)
	if err != nil {
		return nil, nil, c.oracleErr("build order", err)
	}
	if updated == nil {
		updated = lock
	}
	if _, err := c.persist(ctx, updated); err != nil {
		return nil, nil, err
	}
	return groups, updated, nil
}

// firstGroup returns the first build-order group without the nodes already
// launched.
func (c *Chain) firstGroup(groups [][]oracle.NodeRef) []model.NodeInfo {
	if len(groups) == 0 {
		return nil
	}
	out := make([]model.NodeInfo, 0, len(groups[0]))
	for _, n := range groups[0] {
		if c.launched.Contains(n.ID) {
			continue
		}
		out = append(out, model.NodeInfo{Ref: lockgraph.RefFromPRef(n.PRef), ID: n.ID})
	}
	return out
}

func (c *Chain) dispatchAll(ctx context.Context, nodes []model.NodeInfo) error {
	for _, n := range nodes {
		if err := c.dispatchNode(ctx, n); err != nil {
			return err
		}
	}
	if m := metrics.Get(); m != nil {
		m.SetOutstandingLaunches(c.conf.ProfileName, float64(len(c.inFlight)))
	}
	return nil
}

func (c *Chain) dispatchNode(ctx context.Context, n model.NodeInfo) error {
	if c.launched.Contains(n.ID) {
		c.log.Debug("node already launched", "node_id", n.ID)
		return nil
	}
	job := dispatch.Job{Build: c.build, Configuration: c.conf, Node: n, Repos: c.repos}
	if err := c.dispatcher.Dispatch(ctx, job); err != nil {
		return &DispatchError{Node: n, Err: err}
	}
	c.launched.Add(n)
	c.inFlight[n.ID] = c.clock.Now()
	if m := metrics.Get(); m != nil {
		m.IncNodesDispatched(c.conf.ProfileName)
	}
	c.log.Info("node launched", "ref", n.Ref, "node_id", n.ID)
	c.emit(ctx, journal.NodeEvent(journal.ActionNodeBuilding, c.build, c.conf, n, ""))
	return nil
}

func (c *Chain) checkTimeouts() error {
	if c.cfg.NodeTimeout <= 0 {
		return nil
	}
	now := c.clock.Now()
	for _, n := range c.launched.Nodes() {
		at, ok := c.inFlight[n.ID]
		if !ok {
			continue
		}
		if now.Sub(at) > c.cfg.NodeTimeout {
			return &DispatchError{Node: n, Err: ErrNodeTimeout}
		}
	}
	return nil
}

// abort stops sibling builds after a failure when configured to.
func (c *Chain) abort(ctx context.Context, cause error) {
	if !c.cfg.CancelOnFailure || len(c.inFlight) == 0 {
		return
	}
	canceler, ok := c.dispatcher.(dispatch.Canceler)
	if !ok {
		return
	}
	// Context may already be cancelled; cancellation still has to go out.
	cctx := context.WithoutCancel(ctx)
	if err := canceler.CancelAll(cctx); err != nil {
		c.log.Warn("failed to cancel in-flight builds", "error", err)
		return
	}
	c.log.Info("cancelled in-flight builds", "count", len(c.inFlight), "cause", cause)
}

func (c *Chain) persist(ctx context.Context, lock *lockgraph.Graph) ([]byte, error) {
	data, err := lock.Marshal()
	if err != nil {
		return nil, c.storeErr("encode project lock", metastore.ProjectLockPath(c.build, c.conf), err)
	}
	if err := c.meta.StoreProjectLock(ctx, c.build, c.conf, data); err != nil {
		return nil, c.storeErr("write project lock", metastore.ProjectLockPath(c.build, c.conf), err)
	}
	return data, nil
}

func (c *Chain) emit(ctx context.Context, evt journal.Event) {
	if err := c.journal.Emit(context.WithoutCancel(ctx), evt); err != nil {
		c.log.Warn("failed to emit journal event", "action", evt.Action, "error", err)
		if m := metrics.Get(); m != nil {
			m.IncJournalErrors()
		}
	}
}

func (c *Chain) storeErr(op, path string, err error) error {
	if m := metrics.Get(); m != nil {
		m.IncStoreErrors(op)
	}
	return &StoreError{Op: op, Path: path, Err: err}
}

func (c *Chain) oracleErr(op string, err error) error {
	if m := metrics.Get(); m != nil {
		m.IncOracleErrors(op)
	}
	return &OracleError{Op: op, Err: err}
}

// lessID orders node ids numerically when both are numbers.
func lessID(a, b string) bool {
	if len(a) != len(b) && isDigits(a) && isDigits(b) {
		return len(a) < len(b)
	}
	return a < b
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// IsNodeFailure reports whether err is a node build failure.
func IsNodeFailure(err error) bool {
	var f *NodeBuildFailure
	return errors.As(err, &f)
}
