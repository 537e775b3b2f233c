// Package oracle wraps the dependency graph tool that resolves lock graphs,
// merges node results and computes build orders.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/withObsrvr/nodechain/internal/lockgraph"
)

// Profile is a named build profile.
type Profile struct {
	Name    string
	Content []byte
}

// NodeRef is one entry of a build-order group.
type NodeRef struct {
	ID   string
	PRef string
}

// Oracle answers graph questions about lock graphs.
type Oracle interface {
	// Lock resolves the initial lock graph of projectRef under profile.
	Lock(ctx context.Context, projectRef string, profile Profile) (*lockgraph.Graph, error)

	// MergeLock folds the result of one node build into the project lock.
	MergeLock(ctx context.Context, project, node *lockgraph.Graph) (*lockgraph.Graph, error)

	// BuildOrder returns the groups of nodes still to build, in order, and
	// the lock as updated by the computation.
	BuildOrder(ctx context.Context, lock *lockgraph.Graph) ([][]NodeRef, *lockgraph.Graph, error)

	// ExportModified records a new recipe revision of ref, built from the
	// checked-out sources, into lock.
	ExportModified(ctx context.Context, checkoutFolder, ref string, lock *lockgraph.Graph) (*lockgraph.Graph, error)

	// Inspect returns name and version of the package checked out in folder.
	Inspect(ctx context.Context, folder string) (name, version string, err error)
}

// parseBuildOrder decodes the build-order document: a list of groups, each a
// list of [node_id, pref] pairs.
func parseBuildOrder(data []byte) ([][]NodeRef, error) {
	var raw [][][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse build order: %w", err)
	}
	groups := make([][]NodeRef, 0, len(raw))
	for i, g := range raw {
		group := make([]NodeRef, 0, len(g))
		for _, pair := range g {
			if len(pair) != 2 {
				return nil, fmt.Errorf("parse build order: group %d has entry %v", i, pair)
			}
			group = append(group, NodeRef{ID: pair[0], PRef: pair[1]})
		}
		groups = append(groups, group)
	}
	return groups, nil
}
