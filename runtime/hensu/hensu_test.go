package hensu

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/hensu/runtime/action"
	"goa.design/hensu/runtime/agent"
	"goa.design/hensu/runtime/executor"
	"goa.design/hensu/runtime/fault"
	"goa.design/hensu/runtime/review"
	"goa.design/hensu/runtime/state"
	"goa.design/hensu/runtime/store"
	"goa.design/hensu/runtime/workflow"
)

// quietConfig keeps the background loops effectively idle so tests drive
// beat and sweep by hand.
func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.StubEnabled = true
	cfg.Heartbeat.Interval = Duration(time.Hour)
	return cfg
}

func testEnv(t *testing.T, opts ...Option) *Environment {
	t.Helper()
	env, err := New(append([]Option{WithConfig(quietConfig())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.Shutdown(ctx)
	})
	return env
}

func defineWorkflow(id, start string, nodes ...workflow.Node) *workflow.Workflow {
	set := make(workflow.NodeSet, len(nodes))
	for _, n := range nodes {
		set[n.NodeID()] = n
	}
	return &workflow.Workflow{ID: id, StartNodeID: start, Nodes: set}
}

func stdNode(id, agentID, prompt string, rules ...workflow.TransitionRule) workflow.Standard {
	return workflow.Standard{
		Base:    workflow.Base{ID: id, Transitions: workflow.Rules(rules)},
		AgentID: agentID,
		Prompt:  prompt,
	}
}

func endNode(id string) workflow.End {
	return workflow.End{Base: workflow.Base{ID: id}, ExitStatus: state.StatusSuccess}
}

func sendNode(id, handlerID string, rules ...workflow.TransitionRule) workflow.Action {
	return workflow.Action{
		Base: workflow.Base{ID: id, Transitions: workflow.Rules(rules)},
		Act:  action.Send{HandlerID: handlerID},
	}
}

func stubConfigs(ids ...string) map[string]agent.Config {
	cfgs := make(map[string]agent.Config, len(ids))
	for _, id := range ids {
		cfgs[id] = agent.Config{Model: "stub-model"}
	}
	return cfgs
}

// gate is a Send handler that blocks until released or cancelled, reporting
// each entry so tests can synchronize with the in-flight execution.
type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (g *gate) handler(ctx context.Context, _ map[string]any) (action.Result, error) {
	g.entered <- struct{}{}
	select {
	case <-ctx.Done():
		return action.Result{}, ctx.Err()
	case <-g.release:
		return action.Result{Success: true, Output: "released"}, nil
	}
}

func (g *gate) awaitEntry(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("gate handler was never entered")
	}
}

// outcome carries a Start or Resume result across goroutines.
type outcome struct {
	res executor.ExecutionResult
	err error
}

// pendingOnceReviews parks the first review and approves the rest.
type pendingOnceReviews struct {
	calls atomic.Int32
}

func (r *pendingOnceReviews) RequestReview(context.Context, review.Request) (review.Decision, error) {
	if r.calls.Add(1) == 1 {
		return nil, review.ErrPending
	}
	return review.Approve{}, nil
}

func TestStartRunsWorkflowToCompletion(t *testing.T) {
	env := testEnv(t)
	env.Stub().Script("Summarize", agent.TextResponse{Content: "short version", Model: "stub-model"})

	wf := defineWorkflow("memo", "draft",
		stdNode("draft", "writer", "Summarize {topic}", workflow.SuccessRule{Target: "done"}),
		endNode("done"),
	)
	wf.Agents = stubConfigs("writer")

	res, err := env.Start(context.Background(), wf, map[string]any{"topic": "leases"})
	require.NoError(t, err)
	done, ok := res.(executor.Completed)
	require.True(t, ok, "got %T", res)
	require.Equal(t, "done", done.FinalNodeID)
	require.Equal(t, "short version", done.Output)
	require.Equal(t, DefaultTenantID, done.State.TenantID)

	ctx := context.Background()
	stored, err := env.Workflows().LoadWorkflow(ctx, DefaultTenantID, "memo")
	require.NoError(t, err)
	require.Equal(t, wf.ID, stored.ID)

	snap, err := env.states.Load(ctx, DefaultTenantID, done.State.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, state.ReasonCompleted, snap.Reason)

	require.Empty(t, env.handles())
}

func TestStartRejectsInvalidWorkflow(t *testing.T) {
	env := testEnv(t)
	wf := defineWorkflow("broken", "draft",
		stdNode("draft", "writer", "Write", workflow.SuccessRule{Target: "nowhere"}),
	)
	wf.Agents = stubConfigs("writer")

	_, err := env.Start(context.Background(), wf, nil)
	require.Error(t, err)

	_, err = env.Workflows().LoadWorkflow(context.Background(), DefaultTenantID, "broken")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStartNilWorkflow(t *testing.T) {
	env := testEnv(t)
	_, err := env.Start(context.Background(), nil, nil)
	require.True(t, fault.IsKind(err, fault.InvariantViolated))
}

func TestResumeContinuesPausedExecution(t *testing.T) {
	env := testEnv(t, WithReviewHandler(&pendingOnceReviews{}))

	check := stdNode("check", "writer", "Check the figures", workflow.SuccessRule{Target: "done"})
	check.ReviewConfig = &review.Config{Mode: review.ModeRequired}
	wf := defineWorkflow("audited", "check", check, endNode("done"))
	wf.Agents = stubConfigs("writer")

	ctx := context.Background()
	res, err := env.Start(ctx, wf, nil)
	require.NoError(t, err)
	paused, ok := res.(executor.Paused)
	require.True(t, ok, "got %T", res)
	require.Equal(t, "check", paused.NodeID)

	snap, err := env.states.Load(ctx, DefaultTenantID, paused.State.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, state.ReasonPaused, snap.Reason)

	res, err = env.Resume(ctx, DefaultTenantID, paused.State.ExecutionID)
	require.NoError(t, err)
	done, ok := res.(executor.Completed)
	require.True(t, ok, "got %T", res)
	require.Equal(t, "done", done.FinalNodeID)

	snap, err = env.states.Load(ctx, DefaultTenantID, paused.State.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, state.ReasonCompleted, snap.Reason)
}

func TestResumeUnknownExecution(t *testing.T) {
	env := testEnv(t)
	_, err := env.Resume(context.Background(), DefaultTenantID, "no-such-execution")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStartAfterShutdown(t *testing.T) {
	env, err := New(WithConfig(quietConfig()))
	require.NoError(t, err)
	require.NoError(t, env.Shutdown(context.Background()))

	wf := defineWorkflow("late", "draft",
		stdNode("draft", "writer", "Write", workflow.SuccessRule{Target: "done"}),
		endNode("done"),
	)
	wf.Agents = stubConfigs("writer")

	_, err = env.Start(context.Background(), wf, nil)
	require.ErrorIs(t, err, ErrClosed)

	_, err = env.Events(context.Background(), "any")
	require.ErrorIs(t, err, ErrClosed)
}

func TestShutdownIdempotent(t *testing.T) {
	env, err := New(WithConfig(quietConfig()))
	require.NoError(t, err)
	require.NoError(t, env.Shutdown(context.Background()))
	require.NoError(t, env.Shutdown(context.Background()))
}

func TestShutdownCancelsInflightPastDeadline(t *testing.T) {
	env, err := New(WithConfig(quietConfig()))
	require.NoError(t, err)
	g := newGate()
	require.NoError(t, env.Actions().RegisterHandler("hold", g.handler))

	wf := defineWorkflow("holding", "wait",
		sendNode("wait", "hold", workflow.SuccessRule{Target: "done"}),
		endNode("done"),
	)

	got := make(chan outcome, 1)
	go func() {
		res, err := env.Start(context.Background(), wf, nil)
		got <- outcome{res: res, err: err}
	}()
	g.awaitEntry(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = env.Shutdown(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	o := <-got
	require.NoError(t, o.err)
	f, ok := o.res.(executor.Failure)
	require.True(t, ok, "got %T", o.res)
	require.ErrorIs(t, f.Err, context.Canceled)
}

func TestShutdownWaitsForInflight(t *testing.T) {
	env, err := New(WithConfig(quietConfig()))
	require.NoError(t, err)
	g := newGate()
	require.NoError(t, env.Actions().RegisterHandler("hold", g.handler))

	wf := defineWorkflow("draining", "wait",
		sendNode("wait", "hold", workflow.SuccessRule{Target: "done"}),
		endNode("done"),
	)

	got := make(chan outcome, 1)
	go func() {
		res, err := env.Start(context.Background(), wf, nil)
		got <- outcome{res: res, err: err}
	}()
	g.awaitEntry(t)

	// Release the handler just after Shutdown starts draining.
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(g.release)
	}()
	require.NoError(t, env.Shutdown(context.Background()))

	o := <-got
	require.NoError(t, o.err)
	done, ok := o.res.(executor.Completed)
	require.True(t, ok, "got %T", o.res)
	require.Equal(t, "done", done.FinalNodeID)
}

func TestTrackRejectsDuplicateExecution(t *testing.T) {
	env := testEnv(t)
	ref := store.StateRef{TenantID: DefaultTenantID, ExecutionID: "exec-1"}
	require.NoError(t, env.track(ref, func(error) {}))
	defer env.untrack(ref)

	err := env.track(ref, func(error) {})
	require.True(t, fault.IsKind(err, fault.InvariantViolated))
}

func TestServerNodeID(t *testing.T) {
	cfg := quietConfig()
	cfg.ServerNodeID = "node-a"
	env := testEnv(t, WithConfig(cfg))
	require.Equal(t, "node-a", env.ServerNodeID())

	envA := testEnv(t)
	envB := testEnv(t)
	require.NotEmpty(t, envA.ServerNodeID())
	require.NotEmpty(t, envB.ServerNodeID())
	require.NotEqual(t, envA.ServerNodeID(), envB.ServerNodeID())
}

func TestStubAccessor(t *testing.T) {
	env := testEnv(t)
	require.NotNil(t, env.Stub())

	cfg := DefaultConfig()
	cfg.Heartbeat.Interval = Duration(time.Hour)
	disabled := testEnv(t, WithConfig(cfg))
	require.Nil(t, disabled.Stub())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TenantID = ""
	_, err := New(WithConfig(cfg))
	require.Error(t, err)
}
