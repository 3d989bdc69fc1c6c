package plan

import "context"

type (
	// Planner builds plans for goals the runtime cannot answer directly.
	// Implementations typically wrap a planning agent; the stub planner in
	// tests returns canned step lists.
	Planner interface {
		// CreatePlan builds a plan that accomplishes goal. vars is the
		// execution context visible to the planner; implementations must
		// not mutate it.
		CreatePlan(ctx context.Context, goal string, vars map[string]any) (*Plan, error)
	}

	// Reviser is implemented by planners that can repair a plan after a
	// step failure. The Executor checks for it with a type assertion;
	// planners without it cause failed plans to fail the node.
	Reviser interface {
		// RevisePlan returns a replacement plan. Completed steps of p keep
		// their statuses when carried over; the executor resumes from the
		// first pending step of the result.
		RevisePlan(ctx context.Context, p *Plan, rev Revision) (*Plan, error)
	}

	// Revision describes the failure that triggered a revision request.
	Revision struct {
		// FailedStep is the index of the step that failed.
		FailedStep int
		// Reason is the step's error message.
		Reason string
		// Output is whatever output the failed step produced.
		Output string
	}
)

// PlannerFunc adapts a function to the Planner interface.
type PlannerFunc func(ctx context.Context, goal string, vars map[string]any) (*Plan, error)

// CreatePlan implements Planner.
func (f PlannerFunc) CreatePlan(ctx context.Context, goal string, vars map[string]any) (*Plan, error) {
	return f(ctx, goal, vars)
}
