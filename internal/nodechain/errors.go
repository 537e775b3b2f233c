package nodechain

import (
	"errors"
	"fmt"

	"github.com/withObsrvr/nodechain/internal/dispatch"
	"github.com/withObsrvr/nodechain/internal/model"
)

// ErrNodeTimeout is wrapped in a DispatchError when a launched node does not
// end within the configured node timeout.
var ErrNodeTimeout = errors.New("node build timed out")

// OracleError reports a failed graph lock, merge, export or build order.
type OracleError struct {
	Op  string
	Err error
}

func (e *OracleError) Error() string {
	return fmt.Sprintf("oracle %s: %v", e.Op, e.Err)
}

func (e *OracleError) Unwrap() error { return e.Err }

// DispatchError reports a node build that could not be launched or tracked.
type DispatchError struct {
	Node model.NodeInfo
	Err  error
}

func (e *DispatchError) Error() string {
	if e.Node.ID == "" {
		return fmt.Sprintf("dispatch: %v", e.Err)
	}
	return fmt.Sprintf("dispatch %s (node %s): %v", e.Node.Ref, e.Node.ID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// NodeBuildFailure reports a node whose build failed. Log holds the build
// output for diagnostics.
type NodeBuildFailure struct {
	Node    model.NodeInfo
	Profile string
	State   dispatch.State
	Log     string
}

func (e *NodeBuildFailure) Error() string {
	return fmt.Sprintf("the job '%s:%s' failed with error: %s", e.Node.Ref, e.Profile, e.Log)
}

// StoreError reports a failed meta store read or write.
type StoreError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
