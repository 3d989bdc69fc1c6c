package executor

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/codes"

	"goa.design/hensu/runtime/action"
	"goa.design/hensu/runtime/agent"
	"goa.design/hensu/runtime/events"
	"goa.design/hensu/runtime/fault"
	"goa.design/hensu/runtime/plan"
	"goa.design/hensu/runtime/review"
	"goa.design/hensu/runtime/rubric"
	"goa.design/hensu/runtime/safety"
	"goa.design/hensu/runtime/state"
	"goa.design/hensu/runtime/store"
	"goa.design/hensu/runtime/telemetry"
	"goa.design/hensu/runtime/template"
	"goa.design/hensu/runtime/tools"
	"goa.design/hensu/runtime/workflow"
)

const (
	// DefaultStepCap bounds node executions per run when neither the
	// workflow nor the engine sets one.
	DefaultStepCap = 10000
	// DefaultMaxConcurrency bounds branch and path fan-out per execution.
	DefaultMaxConcurrency = 4
	// DefaultMaxRubricRetries bounds rubric-driven same-node retries.
	DefaultMaxRubricRetries = 3
	// DefaultCheckpointRetries is how many times a failed snapshot save is
	// retried before the execution gives up.
	DefaultCheckpointRetries = 3
)

// Default rubric score thresholds for the auto-backtrack ladder. Scores
// below critical or moderate rewind to the most recent prior rubric node;
// scores below minor retry the current node.
const (
	DefaultBacktrackCritical = 30.0
	DefaultBacktrackModerate = 60.0
	DefaultBacktrackMinor    = 80.0
)

type (
	// Engine executes workflows: it dispatches nodes to their executors,
	// runs the post-execution pipeline, checkpoints after every pass, and
	// publishes lifecycle events. One engine serves many executions
	// concurrently; per-execution state lives in the ExecutionContext.
	Engine struct {
		agents       *agent.Registry
		templates    *template.Resolver
		rubrics      *rubric.Engine
		safety       *safety.Validator
		actions      *action.Executor
		tools        *tools.Registry
		planner      plan.Planner
		reviews      review.Handler
		states       store.StateRepository
		workflows    store.WorkflowRepository
		bus          events.Bus
		logger       telemetry.Logger
		metrics      telemetry.Metrics
		tracer       telemetry.Tracer
		processors   []processor
		executors    map[workflow.Kind]NodeExecutor
		generics     map[string]GenericHandler
		mergers      map[string]MergeFunc
		planDefaults plan.Constraints

		serverNodeID      string
		stepCap           int
		maxConcurrency    int
		maxRubricRetries  int
		checkpointRetries int

		backtrackCritical float64
		backtrackModerate float64
		backtrackMinor    float64
	}

	// Option configures an Engine.
	Option func(*Engine)
)

// WithAgentRegistry installs the provider-backed agent registry nodes
// resolve their agents through.
func WithAgentRegistry(r *agent.Registry) Option {
	return func(e *Engine) { e.agents = r }
}

// WithRubricEngine installs the rubric engine used for node and branch
// scoring.
func WithRubricEngine(r *rubric.Engine) Option {
	return func(e *Engine) { e.rubrics = r }
}

// WithSafetyValidator replaces the default agent-output validator.
func WithSafetyValidator(v *safety.Validator) Option {
	return func(e *Engine) { e.safety = v }
}

// WithActionExecutor installs the shared action handler registry.
func WithActionExecutor(a *action.Executor) Option {
	return func(e *Engine) { e.actions = a }
}

// WithToolRegistry installs the tool catalog plan steps validate against.
func WithToolRegistry(r *tools.Registry) Option {
	return func(e *Engine) { e.tools = r }
}

// WithPlanner installs the planner used by ALWAYS-mode nodes and goal-backed
// tool requests.
func WithPlanner(p plan.Planner) Option {
	return func(e *Engine) { e.planner = p }
}

// WithReviewHandler installs the review decision source. The default
// auto-approves everything.
func WithReviewHandler(h review.Handler) Option {
	return func(e *Engine) { e.reviews = h }
}

// WithStateRepository installs snapshot persistence. Without one the engine
// runs ephemerally: no checkpoints, no resume.
func WithStateRepository(r store.StateRepository) Option {
	return func(e *Engine) { e.states = r }
}

// WithWorkflowRepository installs workflow definition storage, required by
// sub-workflow nodes.
func WithWorkflowRepository(r store.WorkflowRepository) Option {
	return func(e *Engine) { e.workflows = r }
}

// WithEventBus installs the bus lifecycle events are published on.
func WithEventBus(b events.Bus) Option {
	return func(e *Engine) { e.bus = b }
}

// WithLogger sets the engine logger.
func WithLogger(l telemetry.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the engine metrics sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer sets the engine tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithServerNodeID names this engine instance for lease ownership.
func WithServerNodeID(id string) Option {
	return func(e *Engine) { e.serverNodeID = id }
}

// WithStepCap sets the per-execution node budget.
func WithStepCap(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.stepCap = n
		}
	}
}

// WithMaxConcurrency sets the default branch fan-out bound. Negative values
// remove the bound so every branch gets its own goroutine.
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) {
		if n != 0 {
			e.maxConcurrency = n
		}
	}
}

// WithMaxRubricRetries sets the rubric retry budget.
func WithMaxRubricRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRubricRetries = n
		}
	}
}

// WithCheckpointRetries sets how many times a failed snapshot save is
// retried (with exponential backoff) before the execution gives up.
func WithCheckpointRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.checkpointRetries = n
		}
	}
}

// WithBacktrackThresholds tunes the rubric auto-backtrack ladder. Scores
// below moderate rewind to the most recent prior rubric node (tagged
// critical below critical); scores below minor retry the current node.
func WithBacktrackThresholds(critical, moderate, minor float64) Option {
	return func(e *Engine) {
		if critical > 0 {
			e.backtrackCritical = critical
		}
		if moderate > 0 {
			e.backtrackModerate = moderate
		}
		if minor > 0 {
			e.backtrackMinor = minor
		}
	}
}

// WithPlanDefaults sets the constraints applied when a node's planning
// config leaves them unset.
func WithPlanDefaults(c plan.Constraints) Option {
	return func(e *Engine) { e.planDefaults = c }
}

// WithGenericExecutor registers the handler behind Generic nodes of the
// given executor type.
func WithGenericExecutor(executorType string, h GenericHandler) Option {
	return func(e *Engine) { e.generics[executorType] = h }
}

// WithMerger registers a custom join merge function under name.
func WithMerger(name string, m MergeFunc) Option {
	return func(e *Engine) { e.mergers[name] = m }
}

// WithNodeExecutor replaces the executor for one node kind.
func WithNodeExecutor(kind workflow.Kind, ex NodeExecutor) Option {
	return func(e *Engine) { e.executors[kind] = ex }
}

// New builds an engine. The zero configuration runs ephemerally with
// auto-approved reviews and no planner.
func New(opts ...Option) *Engine {
	e := &Engine{
		agents:            agent.NewRegistry(),
		templates:         template.New(),
		safety:            safety.NewValidator(0),
		actions:           action.NewExecutor(),
		reviews:           review.AutoApprover{},
		logger:            telemetry.NewNoopLogger(),
		metrics:           telemetry.NewNoopMetrics(),
		tracer:            telemetry.NewNoopTracer(),
		processors:        pipeline(),
		executors:         defaultExecutors(),
		generics:          make(map[string]GenericHandler),
		mergers:           make(map[string]MergeFunc),
		stepCap:           DefaultStepCap,
		maxConcurrency:    DefaultMaxConcurrency,
		maxRubricRetries:  DefaultMaxRubricRetries,
		checkpointRetries: DefaultCheckpointRetries,
		backtrackCritical: DefaultBacktrackCritical,
		backtrackModerate: DefaultBacktrackModerate,
		backtrackMinor:    DefaultBacktrackMinor,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs wf from its start node with a fresh execution state.
func (e *Engine) Execute(ctx context.Context, wf *workflow.Workflow, tenantID string, initialContext map[string]any) (ExecutionResult, error) {
	if wf == nil {
		return nil, fault.New(fault.InvariantViolated, "nil workflow")
	}
	return e.Start(ctx, wf, state.New(tenantID, wf.ID, wf.StartNodeID, initialContext))
}

// Start runs wf over st, a fresh state built with state.New, publishing
// ExecutionStarted and driving the execution to a terminal result. Callers
// that need the execution id while the run is in flight (lease tracking,
// cancellation) build the state themselves and enter here.
func (e *Engine) Start(ctx context.Context, wf *workflow.Workflow, st *state.State) (ExecutionResult, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fault.New(fault.InvariantViolated, "nil state")
	}
	e.publish(ctx, events.NewExecutionStarted(st.ExecutionID, events.ExecutionStartedPayload{
		TenantID:    st.TenantID,
		WorkflowID:  wf.ID,
		StartNodeID: st.CurrentNodeID,
	}))
	return e.run(ctx, wf, st)
}

// ExecuteFrom continues an execution from a persisted snapshot. Recovery
// and resume-after-review both enter here.
func (e *Engine) ExecuteFrom(ctx context.Context, wf *workflow.Workflow, snap *state.Snapshot) (ExecutionResult, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fault.New(fault.InvariantViolated, "nil snapshot")
	}
	return e.run(ctx, wf, snap.Restore())
}

// run is the main loop: execute the current node, run the pipeline,
// checkpoint, repeat until a terminal result.
func (e *Engine) run(ctx context.Context, wf *workflow.Workflow, st *state.State) (ExecutionResult, error) {
	ctx, span := e.tracer.Start(ctx, "hensu.execute")
	defer span.End()

	ec := e.newExecutionContext(wf, st)
	budget := ec.stepCap()

	for steps := 0; ; steps++ {
		// Cancellation returns without a terminal save: the lease stands
		// and the sweeper hands the execution to a live node.
		if err := ctx.Err(); err != nil {
			return Failure{State: st, Err: err}, nil
		}
		if steps >= budget {
			return e.finish(ctx, Failure{State: st,
				Err: fault.Errorf(fault.StepCapExceeded, "execution exceeded %d steps", budget)})
		}
		node, ok := wf.Node(st.CurrentNodeID)
		if !ok {
			return e.finish(ctx, Failure{State: st,
				Err: fault.Errorf(fault.MissingNode, "node %q not in workflow %q", st.CurrentNodeID, wf.ID)})
		}

		res, err := e.executeNode(ctx, node, ec)
		if err != nil {
			switch {
			case errors.Is(err, plan.ErrPaused):
				return e.finish(ctx, Paused{State: st, NodeID: node.NodeID(), Reason: "plan awaiting approval"})
			case ctx.Err() != nil:
				return Failure{State: st, Err: ctx.Err()}, nil
			default:
				span.RecordError(err)
				return e.finish(ctx, Failure{State: st, Err: err})
			}
		}

		var (
			terminal ExecutionResult
			halted   bool
		)
		for _, p := range e.processors {
			dec, perr := p.Process(ctx, node, res, ec)
			if perr != nil {
				if ctx.Err() != nil {
					return Failure{State: st, Err: ctx.Err()}, nil
				}
				span.RecordError(perr)
				return e.finish(ctx, Failure{State: st, Err: perr})
			}
			if dec.terminal != nil {
				terminal = dec.terminal
				break
			}
			if dec.halt {
				halted = true
				break
			}
		}
		if terminal != nil {
			return e.finish(ctx, terminal)
		}

		if !halted {
			if end, isEnd := node.(workflow.End); isEnd {
				if end.ExitStatus == state.StatusFailure {
					return e.finish(ctx, Rejected{State: st, Reason: end.ID})
				}
				return e.finish(ctx, Completed{State: st, FinalNodeID: end.ID, Output: lastOutput(st)})
			}
		}

		if err := e.checkpoint(ctx, st); err != nil {
			if ctx.Err() != nil {
				return Failure{State: st, Err: ctx.Err()}, nil
			}
			span.RecordError(err)
			return e.finish(ctx, Failure{State: st, Err: err})
		}
	}
}

// executeNode dispatches one node to its executor with logging and metrics.
func (e *Engine) executeNode(ctx context.Context, node workflow.Node, ec *ExecutionContext) (state.NodeResult, error) {
	exec, err := e.executorFor(node.Kind())
	if err != nil {
		return state.NodeResult{}, err
	}
	st := ec.State
	e.logger.Debug(ctx, "executing node",
		"execution_id", st.ExecutionID, "node_id", node.NodeID(), "kind", string(node.Kind()))

	start := time.Now()
	res, err := exec.Execute(ctx, node, ec)
	e.metrics.RecordTimer(telemetry.MetricNodeDuration, time.Since(start), "kind", string(node.Kind()))

	status := "success"
	switch {
	case err != nil:
		status = "error"
	case !res.Succeeded():
		status = "failure"
	}
	e.metrics.IncCounter(telemetry.MetricNodeExecutions, 1, "kind", string(node.Kind()), "status", status)
	return res, err
}

// executorFor returns the executor registered for kind.
func (e *Engine) executorFor(kind workflow.Kind) (NodeExecutor, error) {
	exec, ok := e.executors[kind]
	if !ok {
		return nil, fault.Errorf(fault.InvariantViolated, "no executor for node kind %q", kind)
	}
	return exec, nil
}

// newExecutionContext binds an execution to its plan executors and fork
// tracker. The main plan executor checkpoints through the engine; the path
// executor does not, because path plan progress is not snapshot-consistent.
func (e *Engine) newExecutionContext(wf *workflow.Workflow, st *state.State) *ExecutionContext {
	ec := &ExecutionContext{
		State:    st,
		Workflow: wf,
		engine:   e,
		forks:    newForkTracker(),
	}
	obs := busObserver{engine: e, executionID: st.ExecutionID}
	base := []plan.ExecutorOption{
		plan.WithObserver(obs),
		plan.WithLogger(e.logger),
		plan.WithMetrics(e.metrics),
	}
	if e.tools != nil {
		base = append(base, plan.WithTools(e.tools))
	}
	if e.planner != nil {
		base = append(base, plan.WithPlanner(e.planner))
	}
	main := append(append([]plan.ExecutorOption{}, base...),
		plan.WithCheckpoint(func(ctx context.Context) error {
			return e.checkpoint(ctx, st)
		}))
	ec.plans = plan.NewExecutor(e.actions, main...)
	ec.pathPlans = plan.NewExecutor(e.actions, base...)
	return ec
}

// checkpoint saves an in-flight snapshot, retrying transient store failures
// with exponential backoff.
func (e *Engine) checkpoint(ctx context.Context, st *state.State) error {
	if e.states == nil {
		return nil
	}
	snap := st.Snapshot(state.ReasonCheckpoint)
	save := func() error {
		return e.states.Save(ctx, snap, e.serverNodeID)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(e.checkpointRetries)), ctx)
	if err := backoff.Retry(save, bo); err != nil {
		e.metrics.IncCounter(telemetry.MetricCheckpoints, 1, "reason", string(state.ReasonCheckpoint), "outcome", "error")
		return fault.Wrap(fault.PersistenceError, "checkpoint", err)
	}
	e.metrics.IncCounter(telemetry.MetricCheckpoints, 1, "reason", string(state.ReasonCheckpoint), "outcome", "ok")
	return nil
}

// finish persists the terminal snapshot and publishes the matching
// lifecycle event. Terminal persistence is best-effort: a result is always
// returned so callers see the outcome even when the store is down.
func (e *Engine) finish(ctx context.Context, result ExecutionResult) (ExecutionResult, error) {
	st := result.FinalState()
	reason := snapshotReason(result)

	if e.states != nil {
		snap := st.Snapshot(reason)
		save := func() error {
			return e.states.Save(ctx, snap, e.serverNodeID)
		}
		bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(e.checkpointRetries)), ctx)
		if err := backoff.Retry(save, bo); err != nil {
			e.logger.Error(ctx, "terminal snapshot save failed",
				"execution_id", st.ExecutionID, "reason", string(reason), "err", err)
			e.metrics.IncCounter(telemetry.MetricCheckpoints, 1, "reason", string(reason), "outcome", "error")
		} else {
			e.metrics.IncCounter(telemetry.MetricCheckpoints, 1, "reason", string(reason), "outcome", "ok")
		}
	}

	span := e.tracer.Span(ctx)
	switch r := result.(type) {
	case Completed:
		span.SetStatus(codes.Ok, "completed")
		e.publish(ctx, events.NewExecutionCompleted(st.ExecutionID, events.ExecutionCompletedPayload{
			Success:     true,
			FinalNodeID: r.FinalNodeID,
			Output:      r.Output,
		}))
	case Rejected:
		span.SetStatus(codes.Ok, "rejected")
		e.publish(ctx, events.NewExecutionCompleted(st.ExecutionID, events.ExecutionCompletedPayload{
			Success:     false,
			FinalNodeID: st.CurrentNodeID,
			Output:      r.Reason,
		}))
	case Paused:
		span.SetStatus(codes.Ok, "paused")
		e.publish(ctx, events.NewExecutionPaused(st.ExecutionID, events.ExecutionPausedPayload{
			NodeID: r.NodeID,
			Reason: r.Reason,
		}))
	case Failure:
		span.SetStatus(codes.Error, "failed")
		e.publish(ctx, events.NewExecutionError(st.ExecutionID, events.ExecutionErrorPayload{
			NodeID:  st.CurrentNodeID,
			Kind:    string(fault.KindOf(r.Err)),
			Message: r.Err.Error(),
		}))
	}
	e.logger.Info(ctx, "execution finished",
		"execution_id", st.ExecutionID, "reason", string(reason), "node_id", st.CurrentNodeID)
	return result, nil
}

// publish sends an event on the bus, logging delivery failures instead of
// propagating them; a broken subscriber must not take the execution down.
func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.logger.Error(ctx, "event publish failed",
			"execution_id", ev.ExecutionID(), "type", string(ev.EventType()), "err", err)
	}
}

// lastOutput returns the most recent non-empty node output in history.
func lastOutput(st *state.State) string {
	steps := st.History.Steps()
	for i := len(steps) - 1; i >= 0; i-- {
		if out := steps[i].Result.Output; out != "" {
			return out
		}
	}
	return ""
}

// busObserver bridges plan lifecycle callbacks onto the event bus.
type busObserver struct {
	engine      *Engine
	executionID string
}

func (o busObserver) PlanCreated(ctx context.Context, p *plan.Plan) {
	o.engine.publish(ctx, events.NewPlanCreated(o.executionID, events.PlanCreatedPayload{
		PlanID:    p.ID,
		Origin:    string(p.Origin),
		Goal:      p.Goal,
		StepCount: len(p.Steps),
	}))
}

// PlanPaused is a no-op: the engine publishes execution.paused when the
// pause becomes terminal.
func (o busObserver) PlanPaused(context.Context, *plan.Plan) {}

func (o busObserver) StepStarted(ctx context.Context, p *plan.Plan, index int) {
	payload := events.StepStartedPayload{PlanID: p.ID, StepIndex: index}
	if index >= 0 && index < len(p.Steps) {
		payload.Tool = p.Steps[index].Tool
		payload.Description = p.Steps[index].Description
	}
	o.engine.publish(ctx, events.NewStepStarted(o.executionID, payload))
}

func (o busObserver) StepCompleted(ctx context.Context, p *plan.Plan, res plan.StepResult) {
	o.engine.publish(ctx, events.NewStepCompleted(o.executionID, events.StepCompletedPayload{
		PlanID:     p.ID,
		StepIndex:  res.Index,
		Tool:       res.Tool,
		Success:    res.Success,
		Output:     res.Output,
		Error:      res.Error,
		DurationMS: res.Duration.Milliseconds(),
	}))
}

func (o busObserver) PlanRevised(ctx context.Context, prev, next *plan.Plan, reason string) {
	o.engine.publish(ctx, events.NewPlanRevised(o.executionID, events.PlanRevisedPayload{
		PlanID:    prev.ID,
		NewPlanID: next.ID,
		Revision:  next.Revisions,
		Reason:    reason,
		StepCount: len(next.Steps),
	}))
}

func (o busObserver) PlanCompleted(ctx context.Context, p *plan.Plan, out plan.Outcome) {
	o.engine.publish(ctx, events.NewPlanCompleted(o.executionID, events.PlanCompletedPayload{
		PlanID:  p.ID,
		Success: out.Success,
		Output:  out.Output,
		Error:   out.Error,
	}))
}
