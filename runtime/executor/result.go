// Package executor implements the workflow engine: node executors for every
// node variant, the post-execution processor pipeline, and the loop that
// drives an execution from its start node to a terminal result, checkpointing
// after every pass so crashed executions resume from their last snapshot.
package executor

import (
	"goa.design/hensu/runtime/state"
)

type (
	// ExecutionResult is the closed set of terminal outcomes. Every variant
	// carries the final execution state.
	ExecutionResult interface {
		isExecutionResult()
		// FinalState returns the execution state at termination.
		FinalState() *state.State
	}

	// Completed reports an execution that reached an end node with a
	// SUCCESS exit status.
	Completed struct {
		State *state.State
		// FinalNodeID is the end node that terminated the execution.
		FinalNodeID string
		// Output is the last recorded node output.
		Output string
	}

	// Paused reports an execution parked for an out-of-band decision: a
	// pending review or a plan awaiting approval. The persisted snapshot
	// carries reason "paused"; Resume continues from the paused node.
	Paused struct {
		State *state.State
		// NodeID is the node awaiting the decision.
		NodeID string
		// Reason says what the execution is waiting for.
		Reason string
	}

	// Rejected reports an execution terminated by a reviewer or by an end
	// node with a FAILURE exit status.
	Rejected struct {
		State *state.State
		// Reason is the reviewer's stated reason, or the end node id.
		Reason string
	}

	// Failure reports an execution that broke: a fatal fault, a missing
	// node, an exhausted step budget.
	Failure struct {
		State *state.State
		// Err classifies the failure; fault.KindOf extracts its kind.
		Err error
	}
)

func (Completed) isExecutionResult() {}
func (Paused) isExecutionResult()    {}
func (Rejected) isExecutionResult()  {}
func (Failure) isExecutionResult()   {}

// FinalState implements ExecutionResult.
func (r Completed) FinalState() *state.State { return r.State }

// FinalState implements ExecutionResult.
func (r Paused) FinalState() *state.State { return r.State }

// FinalState implements ExecutionResult.
func (r Rejected) FinalState() *state.State { return r.State }

// FinalState implements ExecutionResult.
func (r Failure) FinalState() *state.State { return r.State }

// snapshotReason maps a terminal result to its persisted checkpoint reason.
func snapshotReason(r ExecutionResult) state.Reason {
	switch r.(type) {
	case Completed:
		return state.ReasonCompleted
	case Paused:
		return state.ReasonPaused
	case Rejected:
		return state.ReasonRejected
	default:
		return state.ReasonFailed
	}
}
