package state

import "time"

// Reason says why a snapshot was taken. Checkpoint snapshots keep the
// lease; terminal reasons release it.
type Reason string

const (
	// ReasonCheckpoint marks an in-flight snapshot after a pipeline pass.
	ReasonCheckpoint Reason = "checkpoint"
	// ReasonCompleted marks a successful terminal snapshot.
	ReasonCompleted Reason = "completed"
	// ReasonPaused marks an execution waiting on review or resume.
	ReasonPaused Reason = "paused"
	// ReasonFailed marks a failed terminal snapshot.
	ReasonFailed Reason = "failed"
	// ReasonRejected marks a reviewer-rejected or FAILURE-exit terminal
	// snapshot.
	ReasonRejected Reason = "rejected"
)

// Terminal reports whether the reason releases the execution's lease.
func (r Reason) Terminal() bool {
	switch r {
	case ReasonCompleted, ReasonPaused, ReasonFailed, ReasonRejected:
		return true
	}
	return false
}

// Valid reports whether r is one of the five defined reasons.
func (r Reason) Valid() bool {
	return r == ReasonCheckpoint || r.Terminal()
}

// Snapshot is an immutable, serializable capture of an execution. Restore
// rebuilds a fresh mutable State; the snapshot itself is never mutated.
type Snapshot struct {
	TenantID         string            `json:"tenant_id"`
	ExecutionID      string            `json:"execution_id"`
	WorkflowID       string            `json:"workflow_id"`
	CurrentNodeID    string            `json:"current_node_id"`
	Context          map[string]any    `json:"context,omitempty"`
	History          []Step            `json:"history,omitempty"`
	RetryCount       int               `json:"retry_count,omitempty"`
	RubricEvaluation *RubricEvaluation `json:"rubric_evaluation,omitempty"`
	ActivePlan       *PlanSnapshot     `json:"active_plan,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	Reason           Reason            `json:"checkpoint_reason"`
}

// Snapshot captures the state with the given reason. Context and history
// are deep-copied so later mutation of the live state cannot leak into the
// capture.
func (s *State) Snapshot(reason Reason) *Snapshot {
	return &Snapshot{
		TenantID:         s.TenantID,
		ExecutionID:      s.ExecutionID,
		WorkflowID:       s.WorkflowID,
		CurrentNodeID:    s.CurrentNodeID,
		Context:          CloneContext(s.Context),
		History:          s.History.clone().steps,
		RetryCount:       s.RetryCount,
		RubricEvaluation: cloneEvaluation(s.RubricEvaluation),
		ActivePlan:       clonePlan(s.ActivePlan),
		CreatedAt:        time.Now().UTC(),
		Reason:           reason,
	}
}

// Clone returns a deep copy of the snapshot.
func (sn *Snapshot) Clone() *Snapshot {
	cp := *sn
	cp.Context = cloneAnyMap(sn.Context)
	cp.History = (&History{steps: sn.History}).clone().steps
	cp.RubricEvaluation = cloneEvaluation(sn.RubricEvaluation)
	cp.ActivePlan = clonePlan(sn.ActivePlan)
	return &cp
}

// Restore builds a fresh mutable State from the snapshot. The restored
// state shares nothing with the snapshot.
func (sn *Snapshot) Restore() *State {
	return &State{
		TenantID:         sn.TenantID,
		ExecutionID:      sn.ExecutionID,
		WorkflowID:       sn.WorkflowID,
		CurrentNodeID:    sn.CurrentNodeID,
		Context:          CloneContext(sn.Context),
		History:          (&History{steps: sn.History}).clone(),
		RetryCount:       sn.RetryCount,
		RubricEvaluation: cloneEvaluation(sn.RubricEvaluation),
		ActivePlan:       clonePlan(sn.ActivePlan),
	}
}

// CloneContext deep-copies a context map. Maps and slices are copied
// structurally; scalar values are shared (they are immutable in Go).
func CloneContext(m map[string]any) map[string]any {
	if m == nil {
		return make(map[string]any)
	}
	return cloneAnyMap(m)
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return cloneAnyMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = cloneValue(e)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(tv))
		for k, e := range tv {
			out[k] = e
		}
		return out
	case []string:
		out := make([]string, len(tv))
		copy(out, tv)
		return out
	default:
		return v
	}
}

func cloneEvaluation(e *RubricEvaluation) *RubricEvaluation {
	if e == nil {
		return nil
	}
	cp := *e
	if len(e.Criteria) > 0 {
		cp.Criteria = make([]CriterionScore, len(e.Criteria))
		copy(cp.Criteria, e.Criteria)
	}
	return &cp
}

func clonePlan(p *PlanSnapshot) *PlanSnapshot {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Steps = make([]PlanStepSnapshot, len(p.Steps))
	for i, s := range p.Steps {
		sc := s
		sc.Arguments = cloneAnyMap(s.Arguments)
		cp.Steps[i] = sc
	}
	return &cp
}
