// Package dispatch launches node builds asynchronously and reports the ones
// that have ended. A dispatcher launches each node id at most once.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/withObsrvr/nodechain/internal/metastore"
	"github.com/withObsrvr/nodechain/internal/model"
)

// ErrDispatcherClosed is returned by Dispatch after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// BuildJSONEnv carries an encoded Job to a remote worker.
const BuildJSONEnv = "CONAN_CI_BUILD_JSON"

// Job is everything a worker needs to build one node.
type Job struct {
	Build         model.Build         `json:"build"`
	Configuration model.Configuration `json:"build_conf"`
	Node          model.NodeInfo      `json:"node_info"`
	Repos         model.Repos         `json:"repos"`
}

// ResultFolder is the meta store folder receiving the node's results.
func (j Job) ResultFolder() string {
	return metastore.NodeResultFolder(j.Build, j.Configuration, j.Node)
}

// Encode serializes the job for a worker.
func (j Job) Encode() (string, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	return string(data), nil
}

// DecodeJob parses an encoded job.
func DecodeJob(s string) (Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(s), &j); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	if j.Node.ID == "" || j.Build.Name == "" {
		return Job{}, fmt.Errorf("decode job: missing build or node")
	}
	return j, nil
}

// State is the lifecycle state of a launch.
type State string

const (
	StateRunning   State = "running"
	StatePassed    State = "passed"
	StateFailed    State = "failed"
	StateErrored   State = "errored"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is an end state.
func (s State) Terminal() bool {
	switch s {
	case StatePassed, StateFailed, StateErrored, StateCancelled:
		return true
	}
	return false
}

// Launch is the record of one dispatched job.
type Launch struct {
	Job          Job
	Handle       string
	DispatchedAt time.Time
	EndedAt      time.Time
	State        State
	Err          error
}

// Failed reports whether the dispatcher itself saw the build fail.
func (l Launch) Failed() bool {
	return l.State.Terminal() && l.State != StatePassed
}

// Dispatcher launches jobs and reports the ended ones.
type Dispatcher interface {
	// Dispatch launches job unless its node id was already launched, in
	// which case it does nothing.
	Dispatch(ctx context.Context, job Job) error

	// PollEnded returns the launches that ended since the previous call.
	PollEnded(ctx context.Context) ([]Launch, error)

	// HasOutstanding reports whether any launch has not been returned by
	// PollEnded yet.
	HasOutstanding() bool
}

// Canceler is implemented by dispatchers able to stop in-flight builds.
type Canceler interface {
	CancelAll(ctx context.Context) error
}
