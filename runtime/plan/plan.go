// Package plan implements the multi-step plan sub-state-machine nodes enter
// when an agent requests tools or proposes a plan outright. A Plan is an
// ordered list of tool steps; the Executor drives pending steps through the
// action dispatcher, revising the plan on failures when the planner supports
// it and keeping the owning execution state checkpointable after every step.
package plan

import (
	"github.com/google/uuid"

	"goa.design/hensu/runtime/state"
)

// Origin records how a plan came to exist.
type Origin string

const (
	// OriginStatic marks plans parsed from agent output (plan blocks and
	// tool requests).
	OriginStatic Origin = "static"
	// OriginLLM marks plans produced by a planner.
	OriginLLM Origin = "llm"
)

// StepStatus is the lifecycle of a single plan step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

type (
	// Step is one tool invocation inside a plan. Arguments may contain
	// {key} templates resolved against execution context at dispatch time.
	Step struct {
		// Index is the step's position; stable across revisions of the
		// steps that survive.
		Index int `json:"index"`
		// Tool names the action handler to dispatch to.
		Tool string `json:"tool"`
		// Arguments is the raw argument object.
		Arguments map[string]any `json:"arguments,omitempty"`
		// Description says what the step is for, for observers and review.
		Description string `json:"description,omitempty"`
		// Status tracks execution progress.
		Status StepStatus `json:"status"`
	}

	// Plan is an ordered tool-step program owned by a single node
	// execution. Plans are mutated only by the Executor.
	Plan struct {
		// ID is unique per plan instance; revisions produce new IDs.
		ID string `json:"id"`
		// Origin records whether the plan was parsed or planner-built.
		Origin Origin `json:"origin"`
		// Goal restates what the plan is meant to accomplish.
		Goal string `json:"goal,omitempty"`
		// Steps run in slice order.
		Steps []Step `json:"steps"`
		// Revisions counts how many times the plan has been revised.
		Revisions int `json:"revisions,omitempty"`
	}
)

// New builds a plan from steps, assigning an id and normalizing indexes and
// statuses.
func New(origin Origin, goal string, steps []Step) *Plan {
	p := &Plan{
		ID:     uuid.NewString(),
		Origin: origin,
		Goal:   goal,
		Steps:  make([]Step, len(steps)),
	}
	copy(p.Steps, steps)
	for i := range p.Steps {
		p.Steps[i].Index = i
		if p.Steps[i].Status == "" {
			p.Steps[i].Status = StepPending
		}
	}
	return p
}

// FirstPending returns the index of the first step still waiting to run.
func (p *Plan) FirstPending() (int, bool) {
	for i := range p.Steps {
		if p.Steps[i].Status == StepPending || p.Steps[i].Status == StepRunning {
			return i, true
		}
	}
	return 0, false
}

// Truncate drops steps beyond max. Zero or negative max means no limit.
func (p *Plan) Truncate(max int) {
	if max > 0 && len(p.Steps) > max {
		p.Steps = p.Steps[:max]
	}
}

// Succeeded reports whether every step ran to success.
func (p *Plan) Succeeded() bool {
	for i := range p.Steps {
		if p.Steps[i].Status != StepSucceeded {
			return false
		}
	}
	return len(p.Steps) > 0
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	c := &Plan{
		ID:        p.ID,
		Origin:    p.Origin,
		Goal:      p.Goal,
		Steps:     make([]Step, len(p.Steps)),
		Revisions: p.Revisions,
	}
	for i, s := range p.Steps {
		c.Steps[i] = s
		if s.Arguments != nil {
			args := make(map[string]any, len(s.Arguments))
			for k, v := range s.Arguments {
				args[k] = v
			}
			c.Steps[i].Arguments = args
		}
	}
	return c
}

// Snapshot converts the plan to its persisted form.
func (p *Plan) Snapshot() *state.PlanSnapshot {
	snap := &state.PlanSnapshot{
		PlanID:    p.ID,
		Origin:    string(p.Origin),
		Goal:      p.Goal,
		Steps:     make([]state.PlanStepSnapshot, len(p.Steps)),
		Revisions: p.Revisions,
	}
	for i, s := range p.Steps {
		snap.Steps[i] = state.PlanStepSnapshot{
			Index:       s.Index,
			Tool:        s.Tool,
			Arguments:   s.Arguments,
			Description: s.Description,
			Status:      string(s.Status),
		}
	}
	return snap
}

// FromSnapshot rebuilds a plan from its persisted form. Steps that were
// running when the snapshot was taken rewind to pending so resumed
// executions re-dispatch them.
func FromSnapshot(snap *state.PlanSnapshot) *Plan {
	if snap == nil {
		return nil
	}
	p := &Plan{
		ID:        snap.PlanID,
		Origin:    Origin(snap.Origin),
		Goal:      snap.Goal,
		Steps:     make([]Step, len(snap.Steps)),
		Revisions: snap.Revisions,
	}
	for i, s := range snap.Steps {
		status := StepStatus(s.Status)
		if status == StepRunning || status == "" {
			status = StepPending
		}
		p.Steps[i] = Step{
			Index:       s.Index,
			Tool:        s.Tool,
			Arguments:   s.Arguments,
			Description: s.Description,
			Status:      status,
		}
	}
	return p
}
