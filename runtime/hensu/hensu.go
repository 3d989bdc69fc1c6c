// Package hensu assembles the workflow runtime into a single Environment:
// the engine with its processor pipeline, the agent registry and providers,
// rubric and review wiring, snapshot persistence with lease-based ownership,
// and the event bus with its append-only log. The Environment adds what the
// engine alone does not have: a heartbeat loop that keeps leases fresh and
// detects lost ones, a recovery sweeper that claims and resumes orphaned
// executions, replayable event streams, and graceful shutdown.
//
// Lifecycle:
//  1. Construct with New (heartbeat and sweeper start immediately)
//  2. Register rubrics, action handlers, and tools through the accessors
//  3. Start and Resume executions; consume Events
//  4. Shutdown to stop the loops and drain in-flight executions
//
// The zero configuration runs entirely in memory with auto-approved reviews,
// which is what tests and single-process deployments want; production wiring
// supplies Postgres-backed state, a Mongo event log, and real agent
// providers through the options.
package hensu

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"goa.design/hensu/runtime/action"
	"goa.design/hensu/runtime/agent"
	"goa.design/hensu/runtime/agent/middleware"
	"goa.design/hensu/runtime/eventlog"
	eventloginmem "goa.design/hensu/runtime/eventlog/inmem"
	"goa.design/hensu/runtime/events"
	"goa.design/hensu/runtime/executor"
	"goa.design/hensu/runtime/fault"
	"goa.design/hensu/runtime/plan"
	"goa.design/hensu/runtime/review"
	"goa.design/hensu/runtime/rubric"
	"goa.design/hensu/runtime/state"
	"goa.design/hensu/runtime/store"
	storeinmem "goa.design/hensu/runtime/store/inmem"
	"goa.design/hensu/runtime/telemetry"
	"goa.design/hensu/runtime/tools"
	"goa.design/hensu/runtime/workflow"
)

// ErrClosed is returned by Start, Resume, and Events after Shutdown.
var ErrClosed = errors.New("environment is shut down")

type (
	// Environment is the assembled runtime. All methods are safe for
	// concurrent use; one environment serves many executions at once.
	Environment struct {
		cfg          Config
		serverNodeID string

		engine    *executor.Engine
		agents    *agent.Registry
		stub      *agent.StubProvider
		rubrics   rubric.Repository
		actions   *action.Executor
		tools     *tools.Registry
		states    store.StateRepository
		workflows store.WorkflowRepository
		bus       events.Bus
		log       eventlog.Store
		sinks     []events.Sink

		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer

		loopCancel context.CancelFunc
		loops      sync.WaitGroup

		mu       sync.Mutex
		closed   bool
		inflight map[store.StateRef]*execHandle
		running  sync.WaitGroup
	}

	// Options configures the Environment. Every field is optional; nil
	// collaborators get in-memory or no-op defaults.
	Options struct {
		// Config carries the tuning knobs; defaults to DefaultConfig.
		Config Config
		// States persists execution snapshots; defaults to the in-memory
		// store.
		States store.StateRepository
		// Workflows persists workflow definitions; defaults to the
		// in-memory store.
		Workflows store.WorkflowRepository
		// EventLog is the append-only event store behind Events; defaults
		// to the in-memory log.
		EventLog eventlog.Store
		// Bus fans lifecycle events out; defaults to the in-process bus.
		Bus events.Bus
		// Sinks are external event transports registered on the bus and
		// flushed at shutdown.
		Sinks []events.Sink
		// Providers construct agents; the stub provider is appended when
		// Config.StubEnabled is set.
		Providers []agent.Provider
		// Credentials are handed to providers when agents are created.
		Credentials agent.Credentials
		// AgentWrapper decorates every created agent (rate limiting,
		// instrumentation).
		AgentWrapper func(model string, a agent.Agent) agent.Agent
		// Rubrics stores rubric definitions; defaults to the in-memory
		// repository.
		Rubrics rubric.Repository
		// RubricEvaluator is the agent used for LLM-strategy rubric
		// criteria. Without one the engine falls back to the keyword
		// heuristic.
		RubricEvaluator agent.Agent
		// Reviews decides checkpointed reviews; defaults to auto-approval.
		Reviews review.Handler
		// Actions dispatches action nodes and plan steps; defaults to an
		// empty executor callers populate through the accessor.
		Actions *action.Executor
		// Tools is the tool catalog plan steps validate against; defaults
		// to an empty registry.
		Tools *tools.Registry
		// Planner builds and revises plans for ALWAYS-mode and goal-backed
		// nodes. NewAgentPlanner adapts an agent into one.
		Planner plan.Planner
		// Generics maps executor type names to generic node handlers.
		Generics map[string]executor.GenericHandler
		// Mergers maps custom join merge names to merge functions.
		Mergers map[string]executor.MergeFunc
		// Logger, Metrics, and Tracer default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// Option configures the Environment via New.
	Option func(*Options)

	// execHandle tracks one in-flight execution so the heartbeat can cancel
	// it when its lease moves to another node and shutdown can cancel
	// stragglers past the drain deadline.
	execHandle struct {
		cancel context.CancelCauseFunc
		// leased flips once a heartbeat round reports the execution's row;
		// a lease observed once must persist until the terminal save, so
		// its later absence means another node claimed the execution.
		leased atomic.Bool
	}
)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(o *Options) { o.Config = cfg }
}

// WithStateRepository installs snapshot persistence.
func WithStateRepository(r store.StateRepository) Option {
	return func(o *Options) { o.States = r }
}

// WithWorkflowRepository installs workflow definition storage.
func WithWorkflowRepository(r store.WorkflowRepository) Option {
	return func(o *Options) { o.Workflows = r }
}

// WithEventLog installs the append-only event store behind Events.
func WithEventLog(s eventlog.Store) Option {
	return func(o *Options) { o.EventLog = s }
}

// WithEventBus replaces the in-process event bus.
func WithEventBus(b events.Bus) Option {
	return func(o *Options) { o.Bus = b }
}

// WithEventSink registers an external event transport. Sinks receive every
// bus event and are closed at shutdown.
func WithEventSink(s events.Sink) Option {
	return func(o *Options) { o.Sinks = append(o.Sinks, s) }
}

// WithProvider registers an agent provider.
func WithProvider(p agent.Provider) Option {
	return func(o *Options) { o.Providers = append(o.Providers, p) }
}

// WithCredentials supplies provider credentials.
func WithCredentials(creds agent.Credentials) Option {
	return func(o *Options) { o.Credentials = creds }
}

// WithAgentWrapper decorates every created agent. It replaces any wrapper
// installed earlier, including WithRateLimit's.
func WithAgentWrapper(wrap func(model string, a agent.Agent) agent.Agent) Option {
	return func(o *Options) { o.AgentWrapper = wrap }
}

// WithRateLimit wraps every created agent with a per-model token bucket
// allowing rps requests per second with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(o *Options) { o.AgentWrapper = middleware.NewRateLimiter(rps, burst).Wrapper() }
}

// WithRubricRepository installs rubric definition storage.
func WithRubricRepository(r rubric.Repository) Option {
	return func(o *Options) { o.Rubrics = r }
}

// WithRubricEvaluator installs the agent used for LLM-strategy rubric
// criteria.
func WithRubricEvaluator(a agent.Agent) Option {
	return func(o *Options) { o.RubricEvaluator = a }
}

// WithReviewHandler installs the review decision source.
func WithReviewHandler(h review.Handler) Option {
	return func(o *Options) { o.Reviews = h }
}

// WithActionExecutor installs a pre-populated action handler registry.
func WithActionExecutor(a *action.Executor) Option {
	return func(o *Options) { o.Actions = a }
}

// WithToolRegistry installs a pre-populated tool catalog.
func WithToolRegistry(r *tools.Registry) Option {
	return func(o *Options) { o.Tools = r }
}

// WithPlanner installs the planner consulted by ALWAYS-mode nodes,
// goal-backed tool requests, and plan revisions.
func WithPlanner(p plan.Planner) Option {
	return func(o *Options) { o.Planner = p }
}

// WithGenericExecutor registers the handler behind Generic nodes of the
// given executor type.
func WithGenericExecutor(executorType string, h executor.GenericHandler) Option {
	return func(o *Options) {
		if o.Generics == nil {
			o.Generics = make(map[string]executor.GenericHandler)
		}
		o.Generics[executorType] = h
	}
}

// WithMerger registers a custom join merge function under name.
func WithMerger(name string, m executor.MergeFunc) Option {
	return func(o *Options) {
		if o.Mergers == nil {
			o.Mergers = make(map[string]executor.MergeFunc)
		}
		o.Mergers[name] = m
	}
}

// WithLogger sets the environment logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithMetrics sets the environment metrics sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithTracer sets the environment tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(o *Options) { o.Tracer = t }
}

// New assembles an environment and starts its heartbeat and recovery loops.
// The zero configuration runs in memory with auto-approved reviews and the
// stub provider disabled.
func New(opts ...Option) (*Environment, error) {
	o := Options{Config: DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := o.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("hensu config: %w", err)
	}

	logger := o.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := o.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := o.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	states := o.States
	if states == nil {
		states = storeinmem.NewStateStore()
	}
	workflows := o.Workflows
	if workflows == nil {
		workflows = storeinmem.NewWorkflowStore()
	}
	log := o.EventLog
	if log == nil {
		log = eventloginmem.New()
	}
	bus := o.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	rubricRepo := o.Rubrics
	if rubricRepo == nil {
		rubricRepo = rubric.NewMemRepository()
	}
	actions := o.Actions
	if actions == nil {
		actions = action.NewExecutor()
	}
	toolReg := o.Tools
	if toolReg == nil {
		toolReg = tools.NewRegistry()
	}

	serverNodeID := cfg.ServerNodeID
	if serverNodeID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "hensu"
		}
		serverNodeID = host + "-" + uuid.NewString()[:8]
	}

	regOpts := []agent.RegistryOption{
		agent.WithLogger(logger),
		agent.WithCredentials(o.Credentials),
	}
	if o.AgentWrapper != nil {
		regOpts = append(regOpts, agent.WithAgentWrapper(o.AgentWrapper))
	}
	for _, p := range o.Providers {
		regOpts = append(regOpts, agent.WithProvider(p))
	}
	var stub *agent.StubProvider
	if cfg.StubEnabled {
		stub = agent.NewStubProvider()
		regOpts = append(regOpts, agent.WithProvider(stub))
	}
	registry := agent.NewRegistry(regOpts...)

	rubricOpts := []rubric.EngineOption{rubric.WithLogger(logger)}
	if o.RubricEvaluator != nil {
		rubricOpts = append(rubricOpts, rubric.WithEvaluator(o.RubricEvaluator))
	}
	rubrics := rubric.NewEngine(rubricRepo, rubricOpts...)

	// The recorder registers before any other subscriber so an event is in
	// the log by the time later subscribers (Events wakeups, sinks) see it.
	recorder := eventlog.NewRecorder(log,
		eventlog.WithRecorderLogger(logger),
		eventlog.WithRecorderTenant(cfg.TenantID))
	if _, err := bus.Register(recorder); err != nil {
		return nil, fmt.Errorf("register event recorder: %w", err)
	}
	for _, s := range o.Sinks {
		if _, err := bus.Register(events.SinkSubscriber(s)); err != nil {
			return nil, fmt.Errorf("register event sink: %w", err)
		}
	}

	fanout := cfg.MaxConcurrency
	if fanout == 0 {
		fanout = -1
	}
	engOpts := []executor.Option{
		executor.WithAgentRegistry(registry),
		executor.WithRubricEngine(rubrics),
		executor.WithActionExecutor(actions),
		executor.WithToolRegistry(toolReg),
		executor.WithStateRepository(states),
		executor.WithWorkflowRepository(workflows),
		executor.WithEventBus(bus),
		executor.WithLogger(logger),
		executor.WithMetrics(metrics),
		executor.WithTracer(tracer),
		executor.WithServerNodeID(serverNodeID),
		executor.WithStepCap(cfg.MaxExecutionSteps),
		executor.WithMaxConcurrency(fanout),
		executor.WithMaxRubricRetries(cfg.MaxRubricRetries),
		executor.WithCheckpointRetries(cfg.Checkpoint.Retries),
		executor.WithBacktrackThresholds(cfg.Backtrack.Critical, cfg.Backtrack.Moderate, cfg.Backtrack.Minor),
		executor.WithPlanDefaults(cfg.Plan.constraints()),
	}
	if o.Reviews != nil {
		engOpts = append(engOpts, executor.WithReviewHandler(o.Reviews))
	}
	if o.Planner != nil {
		engOpts = append(engOpts, executor.WithPlanner(o.Planner))
	}
	for name, h := range o.Generics {
		engOpts = append(engOpts, executor.WithGenericExecutor(name, h))
	}
	for name, m := range o.Mergers {
		engOpts = append(engOpts, executor.WithMerger(name, m))
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	env := &Environment{
		cfg:          cfg,
		serverNodeID: serverNodeID,
		engine:       executor.New(engOpts...),
		agents:       registry,
		stub:         stub,
		rubrics:      rubricRepo,
		actions:      actions,
		tools:        toolReg,
		states:       states,
		workflows:    workflows,
		bus:          bus,
		log:          log,
		sinks:        o.Sinks,
		logger:       logger,
		metrics:      metrics,
		tracer:       tracer,
		loopCancel:   loopCancel,
		inflight:     make(map[store.StateRef]*execHandle),
	}

	env.loops.Add(2)
	go env.heartbeatLoop(loopCtx)
	go env.sweepLoop(loopCtx)
	return env, nil
}

// Start validates wf, persists it under the environment tenant, and runs it
// to a terminal result. The execution is tracked for lease-loss detection
// while it is in flight.
func (env *Environment) Start(ctx context.Context, wf *workflow.Workflow, initialContext map[string]any) (executor.ExecutionResult, error) {
	if wf == nil {
		return nil, fault.New(fault.InvariantViolated, "nil workflow")
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	if err := env.workflows.SaveWorkflow(ctx, env.cfg.TenantID, wf); err != nil {
		return nil, fault.Wrap(fault.PersistenceError, fmt.Sprintf("save workflow %q", wf.ID), err)
	}
	st := state.New(env.cfg.TenantID, wf.ID, wf.StartNodeID, initialContext)
	ref := store.StateRef{TenantID: st.TenantID, ExecutionID: st.ExecutionID}
	return env.runTracked(ctx, ref, func(ctx context.Context) (executor.ExecutionResult, error) {
		return env.engine.Start(ctx, wf, st)
	})
}

// Resume continues a persisted execution from its latest snapshot: a paused
// execution after its out-of-band decision arrived, or a checkpointed one
// this node owns. The current node re-executes.
func (env *Environment) Resume(ctx context.Context, tenantID, executionID string) (executor.ExecutionResult, error) {
	snap, err := env.states.Load(ctx, tenantID, executionID)
	if err != nil {
		return nil, err
	}
	wf, err := env.workflows.LoadWorkflow(ctx, tenantID, snap.WorkflowID)
	if err != nil {
		return nil, err
	}
	ref := store.StateRef{TenantID: tenantID, ExecutionID: executionID}
	return env.runTracked(ctx, ref, func(ctx context.Context) (executor.ExecutionResult, error) {
		return env.engine.ExecuteFrom(ctx, wf, snap)
	})
}

// Shutdown stops the heartbeat and sweeper, waits for in-flight executions
// until ctx expires (then cancels them and waits for the unwind), flushes
// and closes the event sinks, and drops cached agents. Shutdown is
// idempotent; later calls return nil immediately.
func (env *Environment) Shutdown(ctx context.Context) error {
	env.mu.Lock()
	if env.closed {
		env.mu.Unlock()
		return nil
	}
	env.closed = true
	env.mu.Unlock()

	env.loopCancel()
	env.loops.Wait()

	done := make(chan struct{})
	go func() {
		env.running.Wait()
		close(done)
	}()
	var errs error
	select {
	case <-done:
	case <-ctx.Done():
		errs = ctx.Err()
		for _, h := range env.handles() {
			h.cancel(fmt.Errorf("environment shutting down: %w", ctx.Err()))
		}
		<-done
	}

	flushCtx := context.WithoutCancel(ctx)
	for _, s := range env.sinks {
		if err := s.Close(flushCtx); err != nil {
			errs = errors.Join(errs, fmt.Errorf("close event sink: %w", err))
		}
	}
	env.agents.Shutdown()
	env.logger.Info(flushCtx, "environment shut down", "server_node_id", env.serverNodeID)
	return errs
}

// ServerNodeID returns the lease owner identity of this environment.
func (env *Environment) ServerNodeID() string { return env.serverNodeID }

// Agents returns the agent registry for late provider registration.
func (env *Environment) Agents() *agent.Registry { return env.agents }

// Stub returns the stub provider for scripting test responses, or nil when
// stub mode is disabled.
func (env *Environment) Stub() *agent.StubProvider { return env.stub }

// Rubrics returns the rubric repository so callers can register rubric
// definitions.
func (env *Environment) Rubrics() rubric.Repository { return env.rubrics }

// Actions returns the action executor so callers can register handlers and
// commands.
func (env *Environment) Actions() *action.Executor { return env.actions }

// Tools returns the tool catalog so callers can register tool definitions.
func (env *Environment) Tools() *tools.Registry { return env.tools }

// Workflows returns the workflow repository.
func (env *Environment) Workflows() store.WorkflowRepository { return env.workflows }

// runTracked runs fn under a cancellable handle registered in the in-flight
// table, surfacing a lease-loss cancellation as its LeaseLost cause.
func (env *Environment) runTracked(ctx context.Context, ref store.StateRef, fn func(ctx context.Context) (executor.ExecutionResult, error)) (executor.ExecutionResult, error) {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if err := env.track(ref, cancel); err != nil {
		return nil, err
	}
	defer env.untrack(ref)

	res, err := fn(runCtx)
	if f, ok := res.(executor.Failure); ok {
		if cause := context.Cause(runCtx); fault.IsKind(cause, fault.LeaseLost) {
			f.Err = cause
			res = f
		}
	}
	return res, err
}

// track registers an in-flight execution. It fails after shutdown and when
// the execution is already running on this node.
func (env *Environment) track(ref store.StateRef, cancel context.CancelCauseFunc) error {
	env.mu.Lock()
	defer env.mu.Unlock()
	if env.closed {
		return ErrClosed
	}
	if _, dup := env.inflight[ref]; dup {
		return fault.Errorf(fault.InvariantViolated,
			"execution %s/%s is already running on this node", ref.TenantID, ref.ExecutionID)
	}
	env.inflight[ref] = &execHandle{cancel: cancel}
	env.running.Add(1)
	return nil
}

func (env *Environment) untrack(ref store.StateRef) {
	env.mu.Lock()
	delete(env.inflight, ref)
	env.mu.Unlock()
	env.running.Done()
}

// handles snapshots the in-flight table for iteration outside the lock.
func (env *Environment) handles() map[store.StateRef]*execHandle {
	env.mu.Lock()
	defer env.mu.Unlock()
	out := make(map[store.StateRef]*execHandle, len(env.inflight))
	for ref, h := range env.inflight {
		out[ref] = h
	}
	return out
}
