package plan

import (
	"context"
	"time"
)

type (
	// StepResult captures one dispatched step.
	StepResult struct {
		// Index is the step's position in the plan it ran under.
		Index int `json:"index"`
		// Tool is the dispatched handler name.
		Tool string `json:"tool"`
		// Success mirrors the handler result; dispatch errors set it false.
		Success bool `json:"success"`
		// Output is the handler output.
		Output string `json:"output,omitempty"`
		// Error holds the dispatch or handler failure message.
		Error string `json:"error,omitempty"`
		// Duration is wall time spent in dispatch.
		Duration time.Duration `json:"duration"`
	}

	// Outcome summarizes a finished plan run.
	Outcome struct {
		// Success is true when every step succeeded.
		Success bool `json:"success"`
		// Output is the last successful step's output.
		Output string `json:"output,omitempty"`
		// Error describes why the plan failed, empty on success.
		Error string `json:"error,omitempty"`
		// Steps records every dispatch in order, across revisions.
		Steps []StepResult `json:"steps,omitempty"`
	}

	// Observer receives plan lifecycle callbacks. The engine bridges them
	// onto the execution event bus; callbacks run synchronously on the
	// executing goroutine and must be quick.
	Observer interface {
		PlanCreated(ctx context.Context, p *Plan)
		PlanPaused(ctx context.Context, p *Plan)
		StepStarted(ctx context.Context, p *Plan, index int)
		StepCompleted(ctx context.Context, p *Plan, res StepResult)
		PlanRevised(ctx context.Context, prev, next *Plan, reason string)
		PlanCompleted(ctx context.Context, p *Plan, out Outcome)
	}

	// NoopObserver ignores every callback.
	NoopObserver struct{}
)

// NewNoopObserver returns an observer that drops all callbacks.
func NewNoopObserver() NoopObserver { return NoopObserver{} }

func (NoopObserver) PlanCreated(context.Context, *Plan)             {}
func (NoopObserver) PlanPaused(context.Context, *Plan)              {}
func (NoopObserver) StepStarted(context.Context, *Plan, int)        {}
func (NoopObserver) StepCompleted(context.Context, *Plan, StepResult) {
}
func (NoopObserver) PlanRevised(context.Context, *Plan, *Plan, string) {}
func (NoopObserver) PlanCompleted(context.Context, *Plan, Outcome)     {}
