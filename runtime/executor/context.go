package executor

import (
	"context"
	"fmt"
	"sync"

	"goa.design/hensu/runtime/plan"
	"goa.design/hensu/runtime/state"
	"goa.design/hensu/runtime/workflow"
)

type (
	// ExecutionContext is the per-execution view node executors receive. It
	// bundles the mutable state, the immutable workflow, and the engine
	// collaborators bound to this execution (plan executor with its
	// observer and checkpoint hooks, fork tracker, history lock).
	ExecutionContext struct {
		// State is the mutable execution state. The main loop owns it;
		// fork paths touch it only through the recording helpers below.
		State *state.State
		// Workflow is the definition being executed.
		Workflow *workflow.Workflow

		engine *Engine
		// plans is the plan executor bound to this execution's event
		// stream and checkpoint hook.
		plans *plan.Executor
		// pathPlans is the plan executor fork paths use: same planner and
		// tools, no checkpoint hook. Path plan progress is not durable; a
		// crash re-runs the path.
		pathPlans *plan.Executor
		// forks tracks fork-path completions awaited by join nodes.
		forks *forkTracker
		// histMu serializes history and context writes from fork paths.
		// The main loop never contends with itself; it locks only while
		// paths may be running.
		histMu sync.Mutex
	}

	// forkTracker records which fork-path nodes have completed so join
	// nodes can await them. complete and await pair through a broadcast
	// channel that is replaced on every change.
	forkTracker struct {
		mu      sync.Mutex
		active  int
		results map[string]state.NodeResult
		order   []string
		waitCh  chan struct{}
	}
)

func newForkTracker() *forkTracker {
	return &forkTracker{
		results: make(map[string]state.NodeResult),
		waitCh:  make(chan struct{}),
	}
}

// pathStarted registers a running fork path.
func (t *forkTracker) pathStarted() {
	t.mu.Lock()
	t.active++
	t.mu.Unlock()
}

// pathFinished unregisters a path and wakes waiters so they can re-check.
func (t *forkTracker) pathFinished() {
	t.mu.Lock()
	t.active--
	t.wake()
	t.mu.Unlock()
}

// complete records a node result produced by a fork path.
func (t *forkTracker) complete(nodeID string, res state.NodeResult) {
	t.mu.Lock()
	if _, seen := t.results[nodeID]; !seen {
		t.order = append(t.order, nodeID)
	}
	t.results[nodeID] = res
	t.wake()
	t.mu.Unlock()
}

// seed marks a node as already completed, used on resume when history
// already records fork-path results.
func (t *forkTracker) seed(nodeID string, res state.NodeResult) {
	t.complete(nodeID, res)
}

// completed returns the recorded result for nodeID, if any.
func (t *forkTracker) completed(nodeID string) (state.NodeResult, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	res, ok := t.results[nodeID]
	return res, ok
}

// anyActive reports whether any path is still running.
func (t *forkTracker) anyActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active > 0
}

// completionOrder returns the given ids sorted by completion time,
// excluding ids that never completed.
func (t *forkTracker) completionOrder(ids []string) []string {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(ids))
	for _, id := range t.order {
		if wanted[id] {
			out = append(out, id)
		}
	}
	return out
}

// await blocks until nodeID completes. It fails when every path has finished
// without completing nodeID, and on context cancellation.
func (t *forkTracker) await(ctx context.Context, nodeID string) (state.NodeResult, error) {
	for {
		t.mu.Lock()
		if res, ok := t.results[nodeID]; ok {
			t.mu.Unlock()
			return res, nil
		}
		if t.active == 0 {
			t.mu.Unlock()
			return state.NodeResult{}, fmt.Errorf("no fork path completed node %q", nodeID)
		}
		ch := t.waitCh
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return state.NodeResult{}, ctx.Err()
		case <-ch:
		}
	}
}

// awaitAny blocks until any of ids completes and returns the earliest
// completion among them.
func (t *forkTracker) awaitAny(ctx context.Context, ids []string) (string, state.NodeResult, error) {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	for {
		t.mu.Lock()
		for _, id := range t.order {
			if wanted[id] {
				res := t.results[id]
				t.mu.Unlock()
				return id, res, nil
			}
		}
		if t.active == 0 {
			t.mu.Unlock()
			return "", state.NodeResult{}, fmt.Errorf("no fork path completed any of %v", ids)
		}
		ch := t.waitCh
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", state.NodeResult{}, ctx.Err()
		case <-ch:
		}
	}
}

// wake must be called with t.mu held.
func (t *forkTracker) wake() {
	close(t.waitCh)
	t.waitCh = make(chan struct{})
}

// recordPathStep appends a fork-path step to history and stores its output
// in the execution context, serialized against other paths.
func (ec *ExecutionContext) recordPathStep(nodeID string, res state.NodeResult) {
	ec.histMu.Lock()
	defer ec.histMu.Unlock()
	if res.Output != "" || res.Succeeded() {
		ec.State.Context[nodeID] = res.Output
	}
	ec.State.History.Append(state.Step{
		NodeID:  nodeID,
		Result:  res,
		Context: state.CloneContext(ec.State.Context),
	})
}

// snapshotContext returns a copy of the shared execution context taken
// under the history lock, safe against concurrent path writes.
func (ec *ExecutionContext) snapshotContext() map[string]any {
	ec.histMu.Lock()
	defer ec.histMu.Unlock()
	return state.CloneContext(ec.State.Context)
}

// maxConcurrency returns the branch fan-out bound for this execution.
func (ec *ExecutionContext) maxConcurrency() int {
	if n := ec.Workflow.Config.MaxConcurrency; n > 0 {
		return n
	}
	return ec.engine.maxConcurrency
}

// stepCap returns the node execution budget for this execution.
func (ec *ExecutionContext) stepCap() int {
	if n := ec.Workflow.Config.StepCap; n > 0 {
		return n
	}
	return ec.engine.stepCap
}

// planConstraints merges a node's planning config with engine defaults.
func (ec *ExecutionContext) planConstraints(cfg *workflow.PlanConfig) plan.Constraints {
	c := ec.engine.planDefaults
	if cfg != nil {
		if cfg.MaxSteps > 0 {
			c.MaxSteps = cfg.MaxSteps
		}
		if cfg.MaxReplans > 0 {
			c.MaxReplans = cfg.MaxReplans
		}
		if cfg.Timeout > 0 {
			c.Timeout = cfg.Timeout
		}
	}
	return c
}
