package hensu

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/hensu/runtime/action"
	"goa.design/hensu/runtime/executor"
	"goa.design/hensu/runtime/fault"
	"goa.design/hensu/runtime/state"
	"goa.design/hensu/runtime/store"
	"goa.design/hensu/runtime/workflow"
)

func TestBeatDelayJitterBounds(t *testing.T) {
	interval := 100 * time.Millisecond
	jitter := 10 * time.Millisecond
	for i := 0; i < 200; i++ {
		d := beatDelay(interval, jitter)
		require.GreaterOrEqual(t, d, interval)
		require.Less(t, d, interval+jitter)
	}
	require.Equal(t, interval, beatDelay(interval, 0))
}

func TestBeatCancelsExecutionWhoseLeaseMoved(t *testing.T) {
	env := testEnv(t)
	g := newGate()
	require.NoError(t, env.Actions().RegisterHandler("hold", g.handler))
	require.NoError(t, env.Actions().RegisterHandler("quick", func(context.Context, map[string]any) (action.Result, error) {
		return action.Result{Success: true, Output: "prepped"}, nil
	}))

	// prep checkpoints before wait blocks, so a lease row exists while the
	// execution is parked in the gate.
	wf := defineWorkflow("leased", "prep",
		sendNode("prep", "quick", workflow.SuccessRule{Target: "wait"}),
		sendNode("wait", "hold", workflow.SuccessRule{Target: "done"}),
		endNode("done"),
	)

	got := make(chan outcome, 1)
	go func() {
		res, err := env.Start(context.Background(), wf, nil)
		got <- outcome{res: res, err: err}
	}()
	g.awaitEntry(t)

	ctx := context.Background()
	env.beat(ctx)

	handles := env.handles()
	require.Len(t, handles, 1)
	var (
		ref store.StateRef
		h   *execHandle
	)
	for r, hh := range handles {
		ref, h = r, hh
	}
	require.True(t, h.leased.Load())

	// Another node claims the lease out from under this one.
	snap, err := env.states.Load(ctx, ref.TenantID, ref.ExecutionID)
	require.NoError(t, err)
	require.NoError(t, env.states.Save(ctx, snap, "rival-node"))

	env.beat(ctx)

	o := <-got
	require.NoError(t, o.err)
	f, ok := o.res.(executor.Failure)
	require.True(t, ok, "got %T", o.res)
	require.True(t, fault.IsKind(f.Err, fault.LeaseLost), "got %v", f.Err)

	// No terminal save clobbered the rival's row.
	snap, err = env.states.Load(ctx, ref.TenantID, ref.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, state.ReasonCheckpoint, snap.Reason)
}

func TestBeatSparesExecutionsWithoutLease(t *testing.T) {
	env := testEnv(t)
	g := newGate()
	require.NoError(t, env.Actions().RegisterHandler("hold", g.handler))

	// The start node blocks before any checkpoint, so the store owns no row
	// for this execution yet.
	wf := defineWorkflow("fresh", "wait",
		sendNode("wait", "hold", workflow.SuccessRule{Target: "done"}),
		endNode("done"),
	)

	got := make(chan outcome, 1)
	go func() {
		res, err := env.Start(context.Background(), wf, nil)
		got <- outcome{res: res, err: err}
	}()
	g.awaitEntry(t)

	env.beat(context.Background())
	env.beat(context.Background())

	select {
	case o := <-got:
		t.Fatalf("execution finished prematurely: %T", o.res)
	case <-time.After(50 * time.Millisecond):
	}

	close(g.release)
	o := <-got
	require.NoError(t, o.err)
	done, ok := o.res.(executor.Completed)
	require.True(t, ok, "got %T", o.res)
	require.Equal(t, "done", done.FinalNodeID)
}

func TestHeartbeatLoopMarksLeases(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StubEnabled = true
	cfg.Heartbeat.Interval = Duration(5 * time.Millisecond)
	env := testEnv(t, WithConfig(cfg))

	g := newGate()
	require.NoError(t, env.Actions().RegisterHandler("hold", g.handler))
	require.NoError(t, env.Actions().RegisterHandler("quick", func(context.Context, map[string]any) (action.Result, error) {
		return action.Result{Success: true}, nil
	}))

	wf := defineWorkflow("beating", "prep",
		sendNode("prep", "quick", workflow.SuccessRule{Target: "wait"}),
		sendNode("wait", "hold", workflow.SuccessRule{Target: "done"}),
		endNode("done"),
	)

	got := make(chan outcome, 1)
	go func() {
		res, err := env.Start(context.Background(), wf, nil)
		got <- outcome{res: res, err: err}
	}()
	g.awaitEntry(t)

	require.Eventually(t, func() bool {
		for _, h := range env.handles() {
			if h.leased.Load() {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	close(g.release)
	o := <-got
	require.NoError(t, o.err)
	_, ok := o.res.(executor.Completed)
	require.True(t, ok, "got %T", o.res)
}

func TestSweepClaimsAndRecoversStaleExecution(t *testing.T) {
	env := testEnv(t)
	var ran atomic.Int32
	require.NoError(t, env.Actions().RegisterHandler("work", func(context.Context, map[string]any) (action.Result, error) {
		ran.Add(1)
		return action.Result{Success: true, Output: "recovered"}, nil
	}))

	wf := defineWorkflow("recoverable", "work",
		sendNode("work", "work", workflow.SuccessRule{Target: "done"}),
		endNode("done"),
	)
	ctx := context.Background()
	require.NoError(t, env.workflows.SaveWorkflow(ctx, DefaultTenantID, wf))

	st := state.New(DefaultTenantID, "recoverable", "work", map[string]any{"seed": "v"})
	require.NoError(t, env.states.Save(ctx, st.Snapshot(state.ReasonCheckpoint), "dead-node"))

	// Age the lease: re-claim it for the dead node with a heartbeat far in
	// the past.
	stale := time.Now().UTC().Add(-3 * env.cfg.Heartbeat.staleThreshold())
	claimed, err := env.states.ClaimStale(ctx, "dead-node", time.Now().UTC().Add(time.Hour), stale)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.Equal(t, 1, env.sweep(ctx))

	require.Eventually(t, func() bool {
		snap, err := env.states.Load(ctx, DefaultTenantID, st.ExecutionID)
		return err == nil && snap.Reason == state.ReasonCompleted
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(env.handles()) == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, int32(1), ran.Load())
}

func TestSweepWithNothingStale(t *testing.T) {
	env := testEnv(t)
	require.Zero(t, env.sweep(context.Background()))
}
