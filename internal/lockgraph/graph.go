// Package lockgraph models a conan lock file: the fully-resolved dependency
// graph of one project under one profile. Fields it does not interpret are
// preserved verbatim when the graph is written back.
package lockgraph

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// ErrMalformed is returned when a document is not a lock file.
var ErrMalformed = errors.New("malformed lock graph")

// Node is one package node of a lock graph.
type Node struct {
	ID       string
	PRef     string
	Modified bool
	Requires []string

	raw map[string]json.RawMessage
}

// Ref returns the plain reference of the node, without revisions.
func (n Node) Ref() string {
	return RefFromPRef(n.PRef)
}

// Graph is a parsed lock file.
type Graph struct {
	top   map[string]json.RawMessage
	lock  map[string]json.RawMessage
	nodes map[string]*Node
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		top:   map[string]json.RawMessage{},
		lock:  map[string]json.RawMessage{},
		nodes: map[string]*Node{},
	}
}

// Parse decodes a lock file document.
func Parse(data []byte) (*Graph, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	rawLock, ok := top["graph_lock"]
	if !ok {
		return nil, fmt.Errorf("%w: missing graph_lock", ErrMalformed)
	}
	delete(top, "graph_lock")

	var lock map[string]json.RawMessage
	if err := json.Unmarshal(rawLock, &lock); err != nil {
		return nil, fmt.Errorf("%w: graph_lock: %v", ErrMalformed, err)
	}
	var rawNodes map[string]map[string]json.RawMessage
	if n, ok := lock["nodes"]; ok {
		if err := json.Unmarshal(n, &rawNodes); err != nil {
			return nil, fmt.Errorf("%w: nodes: %v", ErrMalformed, err)
		}
	}
	delete(lock, "nodes")

	g := &Graph{top: top, lock: lock, nodes: make(map[string]*Node, len(rawNodes))}
	for id, raw := range rawNodes {
		n, err := parseNode(id, raw)
		if err != nil {
			return nil, err
		}
		g.nodes[id] = n
	}
	return g, nil
}

func parseNode(id string, raw map[string]json.RawMessage) (*Node, error) {
	n := &Node{ID: id, raw: raw}
	if v, ok := raw["pref"]; ok {
		if err := json.Unmarshal(v, &n.PRef); err != nil {
			return nil, fmt.Errorf("%w: node %s pref: %v", ErrMalformed, id, err)
		}
	}
	if v, ok := raw["requires"]; ok {
		if err := json.Unmarshal(v, &n.Requires); err != nil {
			return nil, fmt.Errorf("%w: node %s requires: %v", ErrMalformed, id, err)
		}
	}
	if v, ok := raw["modified"]; ok {
		n.Modified = truthy(v)
	}
	return n, nil
}

// truthy accepts both the boolean and the string form ("Build") of the
// modified flag.
func truthy(v json.RawMessage) bool {
	var b bool
	if json.Unmarshal(v, &b) == nil {
		return b
	}
	var s string
	if json.Unmarshal(v, &s) == nil {
		return s != ""
	}
	return false
}

// Marshal encodes the graph back to a lock file document.
func (g *Graph) Marshal() ([]byte, error) {
	nodes := make(map[string]map[string]json.RawMessage, len(g.nodes))
	for id, n := range g.nodes {
		out := make(map[string]json.RawMessage, len(n.raw)+3)
		for k, v := range n.raw {
			out[k] = v
		}
		if n.PRef != "" {
			out["pref"], _ = json.Marshal(n.PRef)
		}
		if len(n.Requires) > 0 {
			out["requires"], _ = json.Marshal(n.Requires)
		}
		switch {
		case n.Modified && !truthy(n.raw["modified"]):
			out["modified"] = json.RawMessage("true")
		case !n.Modified && n.raw["modified"] != nil:
			out["modified"] = json.RawMessage("false")
		}
		nodes[id] = out
	}

	lock := make(map[string]json.RawMessage, len(g.lock)+1)
	for k, v := range g.lock {
		lock[k] = v
	}
	rawNodes, err := json.Marshal(nodes)
	if err != nil {
		return nil, fmt.Errorf("marshal nodes: %w", err)
	}
	lock["nodes"] = rawNodes

	top := make(map[string]json.RawMessage, len(g.top)+1)
	for k, v := range g.top {
		top[k] = v
	}
	if top["graph_lock"], err = json.Marshal(lock); err != nil {
		return nil, fmt.Errorf("marshal graph_lock: %w", err)
	}
	return json.MarshalIndent(top, "", "  ")
}

// Clone returns a copy that can be mutated independently.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		top:   make(map[string]json.RawMessage, len(g.top)),
		lock:  make(map[string]json.RawMessage, len(g.lock)),
		nodes: make(map[string]*Node, len(g.nodes)),
	}
	for k, v := range g.top {
		c.top[k] = v
	}
	for k, v := range g.lock {
		c.lock[k] = v
	}
	for id, n := range g.nodes {
		cp := *n
		cp.Requires = append([]string(nil), n.Requires...)
		c.nodes[id] = &cp
	}
	return c
}

// Put adds or replaces a node.
func (g *Graph) Put(n Node) {
	cp := n
	cp.Requires = append([]string(nil), n.Requires...)
	if existing, ok := g.nodes[n.ID]; ok && cp.raw == nil {
		cp.raw = existing.raw
	}
	g.nodes[n.ID] = &cp
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// NodeRef returns the plain reference of node id.
func (g *Graph) NodeRef(id string) (string, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return "", false
	}
	return n.Ref(), true
}

// Nodes returns all nodes ordered by id.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.nodes))
	for _, id := range g.sortedIDs() {
		out = append(out, *g.nodes[id])
	}
	return out
}

// ModifiedNodes returns the nodes built during the current run, ordered by id.
func (g *Graph) ModifiedNodes() []Node {
	var out []Node
	for _, id := range g.sortedIDs() {
		if n := g.nodes[id]; n.Modified {
			out = append(out, *n)
		}
	}
	return out
}

// SetModified flags node id as built and records its final package reference.
// An empty pref keeps the current one.
func (g *Graph) SetModified(id, pref string) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("node %s not in lock graph", id)
	}
	n.Modified = true
	if pref != "" {
		n.PRef = pref
	}
	return nil
}

// UpdateFrom copies every modified node of other into g. Nodes unknown to g
// are ignored.
func (g *Graph) UpdateFrom(other *Graph) {
	for id, n := range other.nodes {
		if !n.Modified {
			continue
		}
		if mine, ok := g.nodes[id]; ok {
			mine.Modified = true
			mine.PRef = n.PRef
		}
	}
}

func (g *Graph) sortedIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return ids[i] < ids[j]
	})
	return ids
}
