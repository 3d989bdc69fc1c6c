// Package state holds the mutable execution state threaded through the
// workflow engine, its append-only history, and the immutable snapshots the
// persistence layer stores. It is the shared data vocabulary of the
// runtime: node executors produce NodeResults, the processor pipeline
// mutates State, and checkpoints serialize Snapshots.
package state

import (
	"time"

	"github.com/google/uuid"
)

// Status is the outcome of a single node execution.
type Status string

const (
	// StatusSuccess marks a node execution that produced usable output.
	StatusSuccess Status = "SUCCESS"
	// StatusFailure marks a node execution that failed.
	StatusFailure Status = "FAILURE"
)

type (
	// NodeResult is what a node executor returns: an outcome, the raw agent
	// or handler output, and free-form metadata (model name, token counts,
	// error kind, exit status).
	NodeResult struct {
		Status   Status         `json:"status"`
		Output   string         `json:"output,omitempty"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// State is the mutable per-execution state. It is exclusively owned by
	// one execution in flight; concurrent access never happens by
	// construction, so none of its methods lock.
	State struct {
		// TenantID scopes persistence; executions never cross tenants.
		TenantID string
		// ExecutionID uniquely identifies this run.
		ExecutionID string
		// WorkflowID names the workflow being executed.
		WorkflowID string
		// CurrentNodeID is the node the engine will execute next.
		CurrentNodeID string
		// Context carries workflow inputs and per-node outputs.
		Context map[string]any
		// History is the append-only record of executed steps.
		History *History
		// RetryCount counts consecutive executions of the current node; it
		// resets whenever CurrentNodeID changes.
		RetryCount int
		// RubricEvaluation is the most recent rubric outcome, if any.
		RubricEvaluation *RubricEvaluation
		// LoopBreakTarget is a one-shot override consumed by transition
		// processing when a loop's break rule fires.
		LoopBreakTarget string
		// ActivePlan is non-nil while a plan sub-state-machine is running
		// inside the current node.
		ActivePlan *PlanSnapshot
	}

	// RubricEvaluation is the stored outcome of scoring a node's output
	// against a rubric.
	RubricEvaluation struct {
		RubricID    string           `json:"rubric_id"`
		Score       float64          `json:"score"`
		Passed      bool             `json:"passed"`
		Criteria    []CriterionScore `json:"criteria,omitempty"`
		EvaluatedAt time.Time        `json:"evaluated_at"`
	}

	// CriterionScore is the per-criterion detail inside a RubricEvaluation.
	CriterionScore struct {
		CriterionID string  `json:"criterion_id"`
		Name        string  `json:"name,omitempty"`
		Score       float64 `json:"score"`
		Weight      float64 `json:"weight"`
		MinScore    float64 `json:"min_score"`
		Passed      bool    `json:"passed"`
	}

	// PlanSnapshot is the serializable form of an in-flight plan. The plan
	// package converts to and from its richer runtime representation.
	PlanSnapshot struct {
		PlanID    string             `json:"plan_id"`
		Origin    string             `json:"origin,omitempty"`
		Goal      string             `json:"goal,omitempty"`
		Steps     []PlanStepSnapshot `json:"steps"`
		Revisions int                `json:"revisions,omitempty"`
	}

	// PlanStepSnapshot is one step of a PlanSnapshot.
	PlanStepSnapshot struct {
		Index       int            `json:"index"`
		Tool        string         `json:"tool"`
		Arguments   map[string]any `json:"arguments,omitempty"`
		Description string         `json:"description,omitempty"`
		Status      string         `json:"status"`
	}
)

// New builds the state for a fresh execution: a new execution id, the
// workflow's start node, a deep copy of the initial context, and empty
// history.
func New(tenantID, workflowID, startNodeID string, initialContext map[string]any) *State {
	return &State{
		TenantID:      tenantID,
		ExecutionID:   uuid.NewString(),
		WorkflowID:    workflowID,
		CurrentNodeID: startNodeID,
		Context:       CloneContext(initialContext),
		History:       NewHistory(),
	}
}

// Success builds a successful NodeResult carrying output.
func Success(output string) NodeResult {
	return NodeResult{Status: StatusSuccess, Output: output}
}

// Failure builds a failed NodeResult; message is stored under the "error"
// metadata key.
func Failure(message string) NodeResult {
	return NodeResult{
		Status:   StatusFailure,
		Metadata: map[string]any{"error": message},
	}
}

// WithMeta returns a copy of r with key set in its metadata.
func (r NodeResult) WithMeta(key string, value any) NodeResult {
	meta := make(map[string]any, len(r.Metadata)+1)
	for k, v := range r.Metadata {
		meta[k] = v
	}
	meta[key] = value
	r.Metadata = meta
	return r
}

// Succeeded reports whether the result status is SUCCESS.
func (r NodeResult) Succeeded() bool { return r.Status == StatusSuccess }

// ErrorMessage returns the "error" metadata entry, if present.
func (r NodeResult) ErrorMessage() string {
	if r.Metadata == nil {
		return ""
	}
	if msg, ok := r.Metadata["error"].(string); ok {
		return msg
	}
	return ""
}

// AdvanceTo moves the execution to nodeID, resetting the retry counter when
// the node actually changes. Retrying the same node keeps the counter.
func (s *State) AdvanceTo(nodeID string) {
	if nodeID != s.CurrentNodeID {
		s.RetryCount = 0
	}
	s.CurrentNodeID = nodeID
}

// Set stores a context value.
func (s *State) Set(key string, value any) {
	if s.Context == nil {
		s.Context = make(map[string]any)
	}
	s.Context[key] = value
}

// Value reads a context value.
func (s *State) Value(key string) (any, bool) {
	v, ok := s.Context[key]
	return v, ok
}
