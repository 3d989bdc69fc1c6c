package plan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/hensu/runtime/action"
	"goa.design/hensu/runtime/fault"
	"goa.design/hensu/runtime/state"
	"goa.design/hensu/runtime/telemetry"
	"goa.design/hensu/runtime/template"
	"goa.design/hensu/runtime/tools"
)

// ErrPaused is returned by Start when the plan was parked for review before
// any step ran. The execution state keeps the plan as ActivePlan so a later
// resume can continue it.
var ErrPaused = errors.New("plan paused for review")

// Default constraints applied when the node's planning config leaves them
// unset.
const (
	DefaultMaxSteps   = 20
	DefaultMaxReplans = 2
	DefaultTimeout    = 5 * time.Minute
)

type (
	// Constraints bound a plan run.
	Constraints struct {
		// MaxSteps caps total dispatched steps across revisions; plans are
		// also truncated to this length up front.
		MaxSteps int
		// MaxReplans caps planner revisions.
		MaxReplans int
		// Timeout bounds the whole run.
		Timeout time.Duration
	}

	// Checkpoint persists the owning execution mid-plan. The executor
	// calls it after every step so crash recovery resumes from the last
	// completed step instead of re-running the whole plan.
	Checkpoint func(ctx context.Context) error

	// Executor drives plans through the action dispatcher. One executor is
	// shared per engine; per-run state lives in the Plan and the owning
	// execution state.
	Executor struct {
		actions    *action.Executor
		tools      *tools.Registry
		templates  *template.Resolver
		planner    Planner
		observer   Observer
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		checkpoint Checkpoint
	}

	// ExecutorOption configures an Executor.
	ExecutorOption func(*Executor)
)

// WithTools supplies the tool registry used to normalize and validate step
// arguments before dispatch. Steps naming unregistered tools dispatch their
// arguments unvalidated.
func WithTools(reg *tools.Registry) ExecutorOption {
	return func(e *Executor) { e.tools = reg }
}

// WithPlanner installs the planner consulted for revisions. Revision only
// happens when the planner also implements Reviser.
func WithPlanner(p Planner) ExecutorOption {
	return func(e *Executor) { e.planner = p }
}

// WithObserver installs the lifecycle observer.
func WithObserver(o Observer) ExecutorOption {
	return func(e *Executor) { e.observer = o }
}

// WithLogger sets the executor logger.
func WithLogger(l telemetry.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithMetrics sets the executor metrics sink.
func WithMetrics(m telemetry.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithCheckpoint installs the mid-plan persistence hook.
func WithCheckpoint(fn Checkpoint) ExecutorOption {
	return func(e *Executor) { e.checkpoint = fn }
}

// NewExecutor builds a plan executor dispatching through actions.
func NewExecutor(actions *action.Executor, opts ...ExecutorOption) *Executor {
	e := &Executor{
		actions:   actions,
		templates: template.New(),
		observer:  NoopObserver{},
		logger:    telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (c Constraints) withDefaults() Constraints {
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.MaxReplans < 0 {
		c.MaxReplans = DefaultMaxReplans
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Start adopts p as st's active plan and runs it, unless pauseForReview is
// set, in which case the plan is announced, parked on the state, and
// ErrPaused returned so the engine can suspend the execution.
func (e *Executor) Start(ctx context.Context, p *Plan, st *state.State, c Constraints, pauseForReview bool) (Outcome, error) {
	c = c.withDefaults()
	p.Truncate(c.MaxSteps)
	st.ActivePlan = p.Snapshot()
	e.observer.PlanCreated(ctx, p)
	if pauseForReview {
		e.observer.PlanPaused(ctx, p)
		return Outcome{}, ErrPaused
	}
	return e.run(ctx, p, st, c)
}

// Resume continues st's active plan from its first pending step. It is the
// path taken when an execution restarts after a pause or crash mid-plan.
func (e *Executor) Resume(ctx context.Context, st *state.State, c Constraints) (Outcome, error) {
	if st.ActivePlan == nil {
		return Outcome{}, fault.New(fault.InvariantViolated, "resume requested with no active plan")
	}
	return e.run(ctx, FromSnapshot(st.ActivePlan), st, c.withDefaults())
}

func (e *Executor) run(ctx context.Context, p *Plan, st *state.State, c Constraints) (Outcome, error) {
	runCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	out := Outcome{Steps: make([]StepResult, 0, len(p.Steps))}
	for {
		if err := runCtx.Err(); err != nil {
			if ctx.Err() != nil {
				// Parent cancellation: the engine owns what happens next,
				// the plan stays active for resume.
				st.ActivePlan = p.Snapshot()
				return out, ctx.Err()
			}
			return e.fail(ctx, p, st, out,
				fault.Errorf(fault.StepTimeout, "plan %s exceeded %s", p.ID, c.Timeout).Error()), nil
		}

		idx, ok := p.FirstPending()
		if !ok {
			break
		}
		if len(out.Steps) >= c.MaxSteps {
			return e.fail(ctx, p, st, out,
				fmt.Sprintf("plan %s exhausted its %d-step budget", p.ID, c.MaxSteps)), nil
		}

		res := e.dispatch(runCtx, p, st, idx)
		out.Steps = append(out.Steps, res)
		st.ActivePlan = p.Snapshot()
		if e.checkpoint != nil {
			if err := e.checkpoint(ctx); err != nil {
				e.logger.Warn(ctx, "mid-plan checkpoint failed",
					"plan_id", p.ID, "step", idx, "err", err)
			}
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}

		if res.Success {
			out.Output = res.Output
			continue
		}

		revised, ok := e.revise(runCtx, p, c, Revision{
			FailedStep: idx,
			Reason:     res.Error,
			Output:     res.Output,
		})
		if !ok {
			return e.fail(ctx, p, st, out,
				fmt.Sprintf("step %d (%s): %s", idx, res.Tool, res.Error)), nil
		}
		p = revised
		st.ActivePlan = p.Snapshot()
	}

	out.Success = true
	st.ActivePlan = nil
	e.observer.PlanCompleted(ctx, p, out)
	return out, nil
}

// dispatch runs a single step: resolve argument templates, normalize against
// the tool registry when the tool is known, and call its handler.
func (e *Executor) dispatch(ctx context.Context, p *Plan, st *state.State, idx int) StepResult {
	step := &p.Steps[idx]
	step.Status = StepRunning
	e.observer.StepStarted(ctx, p, idx)

	res := StepResult{Index: idx, Tool: step.Tool}
	args := e.templates.ResolveMap(step.Arguments, st.Context)
	var normErr error
	if e.tools != nil {
		if _, known := e.tools.Lookup(step.Tool); known {
			args, normErr = e.tools.NormalizeArguments(step.Tool, args)
		}
	}

	start := time.Now()
	if normErr != nil {
		res.Error = normErr.Error()
	} else {
		actRes, err := e.actions.Dispatch(ctx, step.Tool, args)
		switch {
		case err != nil:
			res.Error = err.Error()
		case actRes.Success:
			res.Success = true
			res.Output = actRes.Output
		default:
			res.Output = actRes.Output
			res.Error = actRes.Output
			if res.Error == "" {
				res.Error = "handler reported failure"
			}
		}
	}
	res.Duration = time.Since(start)

	if res.Success {
		step.Status = StepSucceeded
	} else {
		step.Status = StepFailed
	}
	e.observer.StepCompleted(ctx, p, res)
	outcome := "failed"
	if res.Success {
		outcome = "succeeded"
	}
	e.metrics.IncCounter(telemetry.MetricPlanSteps, 1, "outcome", outcome)
	e.logger.Debug(ctx, "plan step finished",
		"plan_id", p.ID, "step", idx, "tool", step.Tool, "success", res.Success)
	return res
}

// revise asks the planner to repair p after a failed step. It returns false
// when the planner cannot revise or the replan budget is spent.
func (e *Executor) revise(ctx context.Context, p *Plan, c Constraints, rev Revision) (*Plan, bool) {
	reviser, ok := e.planner.(Reviser)
	if !ok || p.Revisions >= c.MaxReplans {
		return nil, false
	}
	revised, err := reviser.RevisePlan(ctx, p, rev)
	if err != nil || revised == nil {
		e.logger.Warn(ctx, "plan revision failed",
			"plan_id", p.ID, "failed_step", rev.FailedStep, "err", err)
		return nil, false
	}
	revised.Revisions = p.Revisions + 1
	revised.Truncate(c.MaxSteps)
	e.observer.PlanRevised(ctx, p, revised, rev.Reason)
	e.logger.Info(ctx, "plan revised",
		"plan_id", p.ID, "revision", revised.Revisions, "reason", rev.Reason)
	return revised, true
}

func (e *Executor) fail(ctx context.Context, p *Plan, st *state.State, out Outcome, msg string) Outcome {
	out.Success = false
	out.Error = msg
	st.ActivePlan = nil
	e.observer.PlanCompleted(ctx, p, out)
	e.logger.Warn(ctx, "plan failed", "plan_id", p.ID, "reason", msg)
	return out
}
