package journal

import (
	"encoding/json"
	"time"

	"github.com/withObsrvr/nodechain/internal/model"
)

// Event actions.
const (
	ActionGraphLocked         = "graph_locked"
	ActionNodeBuilding        = "node_building"
	ActionNodeStoppedBuilding = "node_stopped_building"
	ActionNodeFailed          = "node_failed"
	ActionConfigurationDone   = "configuration_done"
)

// Event is one entry of the build journal.
type Event struct {
	Version       string              `json:"version"`
	Action        string              `json:"action"`
	EventID       string              `json:"event_id"`
	Timestamp     time.Time           `json:"timestamp"`
	Build         model.Build         `json:"build"`
	Configuration model.Configuration `json:"configuration"`
	Node          *model.NodeInfo     `json:"node,omitempty"`
	Graph         json.RawMessage     `json:"graph,omitempty"`
	Detail        string              `json:"detail,omitempty"`
	Chain         ChainInfo           `json:"chain"`
}

// ChainInfo links events of one configuration into a tamper-evident chain.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey returns the chain an event belongs to: one per configuration of
// a build.
func (e *Event) ChainKey() string {
	return e.Build.Name + "/" + e.Build.Number + "/" + e.Configuration.ProjectRef + "/" + e.Configuration.ProfileName
}

// SetChainHashes links the event after prevHash and computes its hash.
func (e *Event) SetChainHashes(prevHash string) {
	e.Chain.PrevEventHash = prevHash
	e.Chain.EventHash = ComputeEventHash(e)
}
