// Package events defines the typed lifecycle events executions emit and the
// in-process bus that fans them out to subscribers. Delivery is best-effort
// by design: consumers observe progress through events, but execution
// correctness never depends on one being seen.
package events

import (
	"encoding/json"
	"time"
)

// Type tags event variants on the bus and in stored envelopes.
type Type string

const (
	TypeExecutionStarted   Type = "execution.started"
	TypePlanCreated        Type = "plan.created"
	TypeStepStarted        Type = "step.started"
	TypeStepCompleted      Type = "step.completed"
	TypePlanRevised        Type = "plan.revised"
	TypePlanCompleted      Type = "plan.completed"
	TypeExecutionPaused    Type = "execution.paused"
	TypeExecutionCompleted Type = "execution.completed"
	TypeExecutionError     Type = "execution.error"
)

type (
	// Event is one execution lifecycle notification.
	Event interface {
		// EventType returns the variant tag.
		EventType() Type
		// ExecutionID identifies the execution the event belongs to.
		ExecutionID() string
		// OccurredAt is when the event was created.
		OccurredAt() time.Time
		// Payload returns the typed payload for serialization.
		Payload() any
	}

	// Base carries the fields shared by all events. Concrete event types
	// embed it and add nothing else.
	Base struct {
		t  Type
		id string
		at time.Time
		p  any
	}
)

// NewBase builds the shared portion of an event.
func NewBase(t Type, executionID string, payload any) Base {
	return Base{t: t, id: executionID, at: time.Now().UTC(), p: payload}
}

// EventType implements Event.
func (b Base) EventType() Type { return b.t }

// ExecutionID implements Event.
func (b Base) ExecutionID() string { return b.id }

// OccurredAt implements Event.
func (b Base) OccurredAt() time.Time { return b.at }

// Payload implements Event.
func (b Base) Payload() any { return b.p }

type (
	// ExecutionStartedPayload announces a fresh execution.
	ExecutionStartedPayload struct {
		TenantID    string `json:"tenant_id"`
		WorkflowID  string `json:"workflow_id"`
		StartNodeID string `json:"start_node_id"`
	}

	// PlanCreatedPayload announces a new plan entering execution or
	// review.
	PlanCreatedPayload struct {
		PlanID    string `json:"plan_id"`
		Origin    string `json:"origin"`
		Goal      string `json:"goal,omitempty"`
		StepCount int    `json:"step_count"`
	}

	// StepStartedPayload announces one plan step dispatch.
	StepStartedPayload struct {
		PlanID      string `json:"plan_id"`
		StepIndex   int    `json:"step_index"`
		Tool        string `json:"tool"`
		Description string `json:"description,omitempty"`
	}

	// StepCompletedPayload carries a finished plan step.
	StepCompletedPayload struct {
		PlanID     string `json:"plan_id"`
		StepIndex  int    `json:"step_index"`
		Tool       string `json:"tool"`
		Success    bool   `json:"success"`
		Output     string `json:"output,omitempty"`
		Error      string `json:"error,omitempty"`
		DurationMS int64  `json:"duration_ms"`
	}

	// PlanRevisedPayload announces a plan replacement after a step
	// failure.
	PlanRevisedPayload struct {
		PlanID    string `json:"plan_id"`
		NewPlanID string `json:"new_plan_id"`
		Revision  int    `json:"revision"`
		Reason    string `json:"reason,omitempty"`
		StepCount int    `json:"step_count"`
	}

	// PlanCompletedPayload closes a plan run.
	PlanCompletedPayload struct {
		PlanID  string `json:"plan_id"`
		Success bool   `json:"success"`
		Output  string `json:"output,omitempty"`
		Error   string `json:"error,omitempty"`
	}

	// ExecutionPausedPayload announces an execution parked for review or
	// an out-of-band decision.
	ExecutionPausedPayload struct {
		NodeID string `json:"node_id"`
		Reason string `json:"reason,omitempty"`
	}

	// ExecutionCompletedPayload closes an execution that reached an end
	// node; Success is false for rejected executions.
	ExecutionCompletedPayload struct {
		Success     bool   `json:"success"`
		FinalNodeID string `json:"final_node_id"`
		Output      string `json:"output,omitempty"`
	}

	// ExecutionErrorPayload closes an execution that failed.
	ExecutionErrorPayload struct {
		NodeID  string `json:"node_id,omitempty"`
		Kind    string `json:"kind,omitempty"`
		Message string `json:"message"`
	}
)

type (
	// ExecutionStarted is emitted once per fresh execution.
	ExecutionStarted struct{ Base }
	// PlanCreated is emitted when a plan enters execution or review.
	PlanCreated struct{ Base }
	// StepStarted is emitted before each plan step dispatch.
	StepStarted struct{ Base }
	// StepCompleted is emitted after each plan step dispatch.
	StepCompleted struct{ Base }
	// PlanRevised is emitted when a planner replaces a failing plan.
	PlanRevised struct{ Base }
	// PlanCompleted is emitted when a plan run finishes.
	PlanCompleted struct{ Base }
	// ExecutionPaused is emitted when an execution parks.
	ExecutionPaused struct{ Base }
	// ExecutionCompleted is emitted when an execution reaches an end node.
	ExecutionCompleted struct{ Base }
	// ExecutionError is emitted when an execution fails.
	ExecutionError struct{ Base }
)

// NewExecutionStarted builds an ExecutionStarted event.
func NewExecutionStarted(executionID string, p ExecutionStartedPayload) ExecutionStarted {
	return ExecutionStarted{NewBase(TypeExecutionStarted, executionID, p)}
}

// NewPlanCreated builds a PlanCreated event.
func NewPlanCreated(executionID string, p PlanCreatedPayload) PlanCreated {
	return PlanCreated{NewBase(TypePlanCreated, executionID, p)}
}

// NewStepStarted builds a StepStarted event.
func NewStepStarted(executionID string, p StepStartedPayload) StepStarted {
	return StepStarted{NewBase(TypeStepStarted, executionID, p)}
}

// NewStepCompleted builds a StepCompleted event.
func NewStepCompleted(executionID string, p StepCompletedPayload) StepCompleted {
	return StepCompleted{NewBase(TypeStepCompleted, executionID, p)}
}

// NewPlanRevised builds a PlanRevised event.
func NewPlanRevised(executionID string, p PlanRevisedPayload) PlanRevised {
	return PlanRevised{NewBase(TypePlanRevised, executionID, p)}
}

// NewPlanCompleted builds a PlanCompleted event.
func NewPlanCompleted(executionID string, p PlanCompletedPayload) PlanCompleted {
	return PlanCompleted{NewBase(TypePlanCompleted, executionID, p)}
}

// NewExecutionPaused builds an ExecutionPaused event.
func NewExecutionPaused(executionID string, p ExecutionPausedPayload) ExecutionPaused {
	return ExecutionPaused{NewBase(TypeExecutionPaused, executionID, p)}
}

// NewExecutionCompleted builds an ExecutionCompleted event.
func NewExecutionCompleted(executionID string, p ExecutionCompletedPayload) ExecutionCompleted {
	return ExecutionCompleted{NewBase(TypeExecutionCompleted, executionID, p)}
}

// NewExecutionError builds an ExecutionError event.
func NewExecutionError(executionID string, p ExecutionErrorPayload) ExecutionError {
	return ExecutionError{NewBase(TypeExecutionError, executionID, p)}
}

// Envelope is an event reconstructed from storage. Its payload is the raw
// JSON the original payload serialized to.
type Envelope struct {
	EnvelopeType Type            `json:"type"`
	Execution    string          `json:"execution_id"`
	At           time.Time       `json:"timestamp"`
	Raw          json.RawMessage `json:"payload,omitempty"`
}

// EventType implements Event.
func (e Envelope) EventType() Type { return e.EnvelopeType }

// ExecutionID implements Event.
func (e Envelope) ExecutionID() string { return e.Execution }

// OccurredAt implements Event.
func (e Envelope) OccurredAt() time.Time { return e.At }

// Payload implements Event.
func (e Envelope) Payload() any { return e.Raw }
