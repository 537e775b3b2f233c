package nodechain

import "github.com/withObsrvr/nodechain/internal/model"

// LaunchedSet holds every node launched for one configuration, in launch
// order. A node id enters it once and never leaves.
type LaunchedSet struct {
	order []model.NodeInfo
	ids   map[string]struct{}
}

// NewLaunchedSet returns an empty set.
func NewLaunchedSet() *LaunchedSet {
	return &LaunchedSet{ids: make(map[string]struct{})}
}

// Add records n and reports whether it was new.
func (s *LaunchedSet) Add(n model.NodeInfo) bool {
	if _, ok := s.ids[n.ID]; ok {
		return false
	}
	s.ids[n.ID] = struct{}{}
	s.order = append(s.order, n)
	return true
}

// Contains reports whether node id was launched.
func (s *LaunchedSet) Contains(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of launched nodes.
func (s *LaunchedSet) Len() int {
	return len(s.order)
}

// Nodes returns the launched nodes in launch order.
func (s *LaunchedSet) Nodes() []model.NodeInfo {
	return append([]model.NodeInfo(nil), s.order...)
}
