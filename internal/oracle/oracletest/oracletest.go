// Package oracletest provides an in-process Oracle for tests. It models the
// binary-missing rules of the graph tool on plain lock graphs: a node needs a
// build when its package reference carries no package revision, and so does
// every node requiring such a node.
package oracletest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/withObsrvr/nodechain/internal/lockgraph"
	"github.com/withObsrvr/nodechain/internal/oracle"
)

// DefaultExportRevision is the recipe revision given to exported nodes.
const DefaultExportRevision = "exported"

// Fake is an in-process oracle.Oracle.
type Fake struct {
	mu sync.Mutex

	locks    map[string]string
	packages map[string][2]string
	errs     map[string]error
	hidden   map[string]bool
	calls    map[string]int
	profiles []string

	// ExportRevision is the recipe revision written by ExportModified.
	ExportRevision string
}

var _ oracle.Oracle = (*Fake)(nil)

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		locks:          make(map[string]string),
		packages:       make(map[string][2]string),
		errs:           make(map[string]error),
		hidden:         make(map[string]bool),
		calls:          make(map[string]int),
		ExportRevision: DefaultExportRevision,
	}
}

// SetLock registers the lock document returned by Lock for projectRef.
func (f *Fake) SetLock(projectRef, doc string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locks[projectRef] = doc
}

// SetPackage registers the name and version Inspect reports for folder.
func (f *Fake) SetPackage(folder, name, version string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.packages[folder] = [2]string{name, version}
}

// FailOn makes op ("lock", "merge", "build-order", "export", "inspect")
// return err.
func (f *Fake) FailOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = err
}

// Hide keeps node id out of every build order. The group it would have
// appeared in is still returned, possibly empty.
func (f *Fake) Hide(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hidden[id] = true
}

// Calls returns how often op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Profiles returns the profile names Lock was called with, in call order.
func (f *Fake) Profiles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.profiles...)
}

func (f *Fake) enter(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.errs[op]
}

func (f *Fake) Lock(_ context.Context, projectRef string, profile oracle.Profile) (*lockgraph.Graph, error) {
	if err := f.enter("lock"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	doc, ok := f.locks[projectRef]
	f.profiles = append(f.profiles, profile.Name)
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no lock registered for %s", projectRef)
	}
	return lockgraph.Parse([]byte(doc))
}

func (f *Fake) MergeLock(_ context.Context, project, node *lockgraph.Graph) (*lockgraph.Graph, error) {
	if err := f.enter("merge"); err != nil {
		return nil, err
	}
	merged := project.Clone()
	merged.UpdateFrom(node)
	return merged, nil
}

func (f *Fake) BuildOrder(_ context.Context, lock *lockgraph.Graph) ([][]oracle.NodeRef, *lockgraph.Graph, error) {
	if err := f.enter("build-order"); err != nil {
		return nil, nil, err
	}
	g := lock.Clone()

	pending := make(map[string]bool)
	for _, n := range g.Nodes() {
		if !HasPackageRevision(n.PRef) {
			pending[n.ID] = true
		}
	}
	for changed := true; changed; {
		changed = false
		for _, n := range g.Nodes() {
			if pending[n.ID] {
				continue
			}
			for _, r := range n.Requires {
				if pending[r] {
					pending[n.ID] = true
					n.PRef = WithoutPackageRevision(n.PRef)
					g.Put(n)
					changed = true
					break
				}
			}
		}
	}

	f.mu.Lock()
	hidden := make(map[string]bool, len(f.hidden))
	for id := range f.hidden {
		hidden[id] = true
	}
	f.mu.Unlock()

	var groups [][]oracle.NodeRef
	remaining := pending
	for len(remaining) > 0 {
		var ready []string
		for id := range remaining {
			n, _ := g.Node(id)
			blocked := false
			for _, r := range n.Requires {
				if remaining[r] {
					blocked = true
					break
				}
			}
			if !blocked {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			return nil, nil, fmt.Errorf("dependency cycle among %d nodes", len(remaining))
		}
		sortIDs(ready)
		var group []oracle.NodeRef
		for _, id := range ready {
			delete(remaining, id)
			if hidden[id] {
				continue
			}
			n, _ := g.Node(id)
			group = append(group, oracle.NodeRef{ID: id, PRef: n.PRef})
		}
		groups = append(groups, group)
	}
	return groups, g, nil
}

func (f *Fake) ExportModified(_ context.Context, _ string, ref string, lock *lockgraph.Graph) (*lockgraph.Graph, error) {
	if err := f.enter("export"); err != nil {
		return nil, err
	}
	g := lock.Clone()
	found := false
	for _, n := range g.Nodes() {
		if n.Ref() != ref {
			continue
		}
		p, err := lockgraph.ParsePRef(n.PRef)
		if err != nil {
			return nil, err
		}
		if err := g.SetModified(n.ID, fmt.Sprintf("%s#%s:%s", ref, f.ExportRevision, p.PackageID)); err != nil {
			return nil, err
		}
		found = true
	}
	if !found {
		return nil, fmt.Errorf("%s is not part of the graph", ref)
	}
	return g, nil
}

func (f *Fake) Inspect(_ context.Context, folder string) (string, string, error) {
	if err := f.enter("inspect"); err != nil {
		return "", "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.packages[folder]
	if !ok {
		return "", "", fmt.Errorf("no package in %s", folder)
	}
	return p[0], p[1], nil
}

// BuildNode returns a copy of lock in which node id is flagged modified and
// its package reference carries package revision prev, as a worker would
// produce after building it.
func BuildNode(lock *lockgraph.Graph, id, prev string) (*lockgraph.Graph, error) {
	g := lock.Clone()
	n, ok := g.Node(id)
	if !ok {
		return nil, fmt.Errorf("node %s not in lock graph", id)
	}
	if err := g.SetModified(id, WithoutPackageRevision(n.PRef)+"#"+prev); err != nil {
		return nil, err
	}
	return g, nil
}

// HasPackageRevision reports whether pref names a built binary.
func HasPackageRevision(pref string) bool {
	_, pkg, ok := strings.Cut(pref, ":")
	return ok && strings.Contains(pkg, "#")
}

// WithoutPackageRevision strips the package revision of pref.
func WithoutPackageRevision(pref string) string {
	ref, pkg, ok := strings.Cut(pref, ":")
	if !ok {
		return pref
	}
	pkg, _, _ = strings.Cut(pkg, "#")
	return ref + ":" + pkg
}

func sortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return ids[i] < ids[j]
	})
}
