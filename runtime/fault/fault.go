// Package fault provides structured, classified errors for the workflow
// runtime. A fault.Error carries a Kind identifying the failure class so
// callers can branch on classification without string matching, while the
// wrapped cause keeps errors.Is/As working across package boundaries.
package fault

import (
	"errors"
	"fmt"
)

// Kind identifies a class of runtime failure. Kinds are stable strings so
// they can travel through NodeResult metadata and persisted snapshots.
type Kind string

const (
	// Unknown marks errors that were never classified.
	Unknown Kind = "unknown"

	// AgentNotFound reports a node referencing an agent id absent from the
	// workflow's agent map.
	AgentNotFound Kind = "agent_not_found"
	// ProviderMissingForModel reports that no registered provider supports
	// the model named by an agent config.
	ProviderMissingForModel Kind = "provider_missing_for_model"
	// AgentExecutionError reports a failure inside Agent.Execute.
	AgentExecutionError Kind = "agent_execution_error"

	// RubricNotFound reports a node referencing an unknown rubric.
	RubricNotFound Kind = "rubric_not_found"
	// RubricEvaluationError reports a failure while scoring a rubric.
	RubricEvaluationError Kind = "rubric_evaluation_error"

	// NoMatchingTransition reports that every transition rule of a
	// non-terminal node returned no target.
	NoMatchingTransition Kind = "no_matching_transition"
	// MissingNode reports a transition target or current node id absent
	// from the workflow graph.
	MissingNode Kind = "missing_node"
	// StepCapExceeded reports that an execution hit its step budget.
	StepCapExceeded Kind = "step_cap_exceeded"
	// InvariantViolated reports a broken internal invariant.
	InvariantViolated Kind = "invariant_violated"

	// UnsafeAgentOutput reports agent output rejected by the output
	// validator before entering execution context.
	UnsafeAgentOutput Kind = "unsafe_agent_output"

	// ActionHandlerMissing reports a Send/Execute action with no
	// registered handler.
	ActionHandlerMissing Kind = "action_handler_missing"
	// ActionExecutionError reports a failure inside an action handler.
	ActionExecutionError Kind = "action_execution_error"

	// ReviewRejected reports a reviewer rejecting an execution.
	ReviewRejected Kind = "review_rejected"
	// ReviewBacktrackInvalid reports a backtrack decision targeting a step
	// that is not in the execution history.
	ReviewBacktrackInvalid Kind = "review_backtrack_invalid"

	// PersistenceError reports a snapshot save or load failure.
	PersistenceError Kind = "persistence_error"
	// LeaseLost reports that another node claimed this execution's lease.
	LeaseLost Kind = "lease_lost"

	// PlanCreationError reports a planner failing to produce a plan.
	PlanCreationError Kind = "plan_creation_error"
	// PlanRevisionError reports a planner failing to revise a plan.
	PlanRevisionError Kind = "plan_revision_error"
	// StepTimeout reports a plan step exceeding its deadline.
	StepTimeout Kind = "step_timeout"
)

// Error is a classified runtime error. It preserves the causal chain via
// Unwrap so errors.Is/As see through it.
type Error struct {
	// Kind is the failure classification.
	Kind Kind
	// Message is the human-readable summary.
	Message string
	// Cause is the wrapped underlying error, if any.
	Cause error
}

// New constructs a classified error with the given message.
func New(kind Kind, message string) *Error {
	if kind == "" {
		kind = Unknown
	}
	return &Error{Kind: kind, Message: message}
}

// Errorf constructs a classified error from a format string.
func Errorf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap classifies an underlying error. A nil cause yields a plain
// classified error so call sites need not branch.
func Wrap(kind Kind, message string, cause error) *Error {
	e := New(kind, message)
	e.Cause = cause
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil && e.Message != "" {
		return e.Message + ": " + e.Cause.Error()
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the cause so errors.Is/As traverse the chain.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// KindOf walks err's chain and returns the first classification found, or
// Unknown when the chain carries no *Error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// IsKind reports whether err's chain contains a classification equal to k.
func IsKind(err error, k Kind) bool {
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Kind == k {
			return true
		}
		err = fe.Unwrap()
	}
	return false
}
