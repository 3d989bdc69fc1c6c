// Package review defines the human checkpoint protocol. Nodes opt in
// through a Config; after such a node runs, the engine builds a Request and
// asks the installed Handler for a Decision: approve and continue, backtrack
// to an earlier step, or reject the whole execution. The bundled
// AutoApprover keeps non-interactive deployments moving.
package review

import (
	"context"
	"errors"

	"goa.design/hensu/runtime/state"
)

// ErrPending is returned by handlers that cannot decide synchronously. The
// engine pauses the execution; a later resume re-runs the node and asks
// again.
var ErrPending = errors.New("review decision pending")

// DefaultBacktrackReason is recorded when a reviewer backtracks without
// giving a reason.
const DefaultBacktrackReason = "Manual backtrack by reviewer"

// Mode controls when a node's output is put in front of a reviewer.
type Mode string

const (
	// ModeOptional requests review but lets auto-approving handlers wave
	// it through.
	ModeOptional Mode = "OPTIONAL"
	// ModeRequired always requests review; interactive deployments block
	// until a human decides.
	ModeRequired Mode = "REQUIRED"
	// ModeOnFailure requests review only when the node result failed.
	ModeOnFailure Mode = "ON_FAILURE"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeOptional, ModeRequired, ModeOnFailure:
		return true
	}
	return false
}

type (
	// Config is the per-node review policy carried by workflow
	// definitions.
	Config struct {
		// Mode selects when review happens.
		Mode Mode `json:"mode"`
		// AllowBacktrack permits Backtrack decisions; without it a
		// backtrack is treated as invalid.
		AllowBacktrack bool `json:"allow_backtrack,omitempty"`
		// AllowEditPrompt permits the reviewer to substitute the prompt
		// used when the target node re-executes.
		AllowEditPrompt bool `json:"allow_edit_prompt,omitempty"`
		// Plans extends the review to proposed plans: plan creation on
		// this node pauses the execution until resumed.
		Plans bool `json:"plans,omitempty"`
	}

	// Request is everything a handler needs to decide. Handlers must treat
	// State as read-only; edits travel back inside the Decision.
	Request struct {
		TenantID    string
		ExecutionID string
		WorkflowID  string
		// NodeID is the node whose output is under review.
		NodeID string
		// Prompt is the resolved prompt that produced the result, when the
		// node has one.
		Prompt string
		// Result is the node output under review.
		Result state.NodeResult
		// State is the live execution state, including history.
		State *state.State
		// Config is the node's review policy.
		Config Config
	}

	// Handler produces review decisions. Implementations may block on
	// human input; they must honor ctx cancellation and may return
	// ErrPending to park the execution instead of blocking.
	Handler interface {
		RequestReview(ctx context.Context, req Request) (Decision, error)
	}

	// HandlerFunc adapts a function to Handler.
	HandlerFunc func(ctx context.Context, req Request) (Decision, error)
)

// RequestReview implements Handler.
func (f HandlerFunc) RequestReview(ctx context.Context, req Request) (Decision, error) {
	return f(ctx, req)
}

type (
	// Decision is the closed set of review outcomes.
	Decision interface {
		isDecision()
	}

	// Approve lets the execution continue. A non-nil EditedContext
	// replaces the execution context before transitions run.
	Approve struct {
		EditedContext map[string]any
	}

	// Backtrack rewinds the execution to an earlier step.
	Backtrack struct {
		// TargetStep is the node id of a step already present in history.
		TargetStep string
		// Reason is recorded on the backtrack entry;
		// DefaultBacktrackReason when empty.
		Reason string
		// EditedContext, when non-nil, replaces the execution context.
		EditedContext map[string]any
		// EditedPrompt, when non-empty and permitted by the node config,
		// overrides the target node's prompt for its next execution.
		EditedPrompt string
	}

	// Reject terminates the execution as rejected.
	Reject struct {
		Reason string
	}
)

func (Approve) isDecision()   {}
func (Backtrack) isDecision() {}
func (Reject) isDecision()    {}

// AutoApprover approves everything it can. With Interactive set it refuses
// to decide REQUIRED reviews, returning ErrPending so the execution pauses
// for an out-of-band decision.
type AutoApprover struct {
	Interactive bool
}

// RequestReview implements Handler.
func (a AutoApprover) RequestReview(_ context.Context, req Request) (Decision, error) {
	if a.Interactive && req.Config.Mode == ModeRequired {
		return nil, ErrPending
	}
	return Approve{}, nil
}
