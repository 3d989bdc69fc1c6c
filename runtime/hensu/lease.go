package hensu

import (
	"context"
	"math/rand/v2"
	"strconv"
	"time"

	"goa.design/hensu/runtime/executor"
	"goa.design/hensu/runtime/fault"
	"goa.design/hensu/runtime/store"
	"goa.design/hensu/runtime/telemetry"
)

// heartbeatLoop refreshes this node's leases on a jittered interval until
// the environment shuts down. Jitter keeps a fleet of nodes restarted
// together from hammering the store in lockstep.
func (env *Environment) heartbeatLoop(ctx context.Context) {
	defer env.loops.Done()
	interval := env.cfg.Heartbeat.Interval.Std()
	jitter := env.cfg.Heartbeat.jitter()
	timer := time.NewTimer(beatDelay(interval, jitter))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		env.beat(ctx)
		timer.Reset(beatDelay(interval, jitter))
	}
}

func beatDelay(interval, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return interval
	}
	return interval + rand.N(jitter)
}

// beat bumps last_heartbeat_at on every row this node owns and reconciles
// the result against the in-flight table. An execution whose row was
// reported by an earlier beat but is missing now has been claimed by
// another node's sweeper; its context is cancelled with a LeaseLost cause
// so the engine abandons it without a terminal save. Executions that have
// not checkpointed yet own no row and are left alone.
func (env *Environment) beat(ctx context.Context) {
	now := time.Now().UTC()
	refs, err := env.states.Heartbeat(ctx, env.serverNodeID, now)
	if err != nil {
		env.logger.Error(ctx, "heartbeat failed", "server_node_id", env.serverNodeID, "err", err)
		return
	}
	owned := make(map[store.StateRef]struct{}, len(refs))
	for _, ref := range refs {
		owned[ref] = struct{}{}
	}
	for ref, h := range env.handles() {
		if _, ok := owned[ref]; ok {
			h.leased.Store(true)
			continue
		}
		if h.leased.Load() {
			env.logger.Warn(ctx, "execution lease lost",
				"tenant_id", ref.TenantID,
				"execution_id", ref.ExecutionID,
				"server_node_id", env.serverNodeID)
			h.cancel(fault.Errorf(fault.LeaseLost,
				"lease for execution %s moved off node %s", ref.ExecutionID, env.serverNodeID))
		}
	}
}

// sweepLoop periodically claims executions whose owner stopped heartbeating
// and resumes them on this node.
func (env *Environment) sweepLoop(ctx context.Context) {
	defer env.loops.Done()
	ticker := time.NewTicker(env.cfg.Heartbeat.sweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		env.sweep(ctx)
	}
}

// sweep claims every execution whose lease went stale before the threshold
// and launches a recovery for each. Claiming and resuming are separate
// steps: the claim stamps this node as owner in one atomic update, so a
// concurrent sweeper on another node gets a disjoint set of rows.
func (env *Environment) sweep(ctx context.Context) int {
	now := time.Now().UTC()
	threshold := now.Add(-env.cfg.Heartbeat.staleThreshold())
	refs, err := env.states.ClaimStale(ctx, env.serverNodeID, threshold, now)
	if err != nil {
		env.logger.Error(ctx, "stale lease sweep failed", "server_node_id", env.serverNodeID, "err", err)
		return 0
	}
	env.metrics.IncCounter(telemetry.MetricLeaseSweeps, 1, "claimed", strconv.Itoa(len(refs)))
	if len(refs) == 0 {
		return 0
	}
	env.logger.Info(ctx, "claimed stale executions",
		"count", len(refs), "server_node_id", env.serverNodeID)
	for _, ref := range refs {
		go env.recoverExecution(ref)
	}
	return len(refs)
}

// recoverExecution resumes a claimed execution from its latest snapshot.
// Recoveries run under a fresh context rather than the sweep loop's: once
// claimed, an execution should finish (or pause, or checkpoint) even while
// the environment is shutting its loops down. Shutdown still reaches it
// through the in-flight handle.
func (env *Environment) recoverExecution(ref store.StateRef) {
	ctx := context.Background()
	snap, err := env.states.Load(ctx, ref.TenantID, ref.ExecutionID)
	if err != nil {
		env.logger.Error(ctx, "recovery load failed",
			"tenant_id", ref.TenantID, "execution_id", ref.ExecutionID, "err", err)
		return
	}
	wf, err := env.workflows.LoadWorkflow(ctx, ref.TenantID, snap.WorkflowID)
	if err != nil {
		env.logger.Error(ctx, "recovery workflow load failed",
			"tenant_id", ref.TenantID, "workflow_id", snap.WorkflowID, "err", err)
		return
	}
	res, err := env.runTracked(ctx, ref, func(ctx context.Context) (executor.ExecutionResult, error) {
		return env.engine.ExecuteFrom(ctx, wf, snap)
	})
	switch {
	case err != nil:
		env.logger.Error(ctx, "recovered execution failed to run",
			"tenant_id", ref.TenantID, "execution_id", ref.ExecutionID, "err", err)
	case res != nil:
		env.logger.Info(ctx, "recovered execution finished",
			"tenant_id", ref.TenantID,
			"execution_id", ref.ExecutionID,
			"workflow_id", snap.WorkflowID)
	}
}
