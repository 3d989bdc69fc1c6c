package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"goa.design/hensu/runtime/fault"
	"goa.design/hensu/runtime/state"
	"goa.design/hensu/runtime/workflow"
)

// forkExecutor launches each target as an independent execution path and
// returns immediately; the next join collects the paths' results through the
// shared fork tracker.
type forkExecutor struct{}

func (forkExecutor) Execute(ctx context.Context, node workflow.Node, ec *ExecutionContext) (state.NodeResult, error) {
	n, ok := node.(workflow.Fork)
	if !ok {
		return state.NodeResult{}, fault.Errorf(fault.InvariantViolated, "fork executor received %T", node)
	}
	if len(n.Targets) == 0 {
		return state.Failure(fmt.Sprintf("fork node %q has no targets", n.ID)), nil
	}
	for _, target := range n.Targets {
		launchPath(ctx, ec, target, false)
	}
	return state.Success("").WithMeta("targets", strings.Join(n.Targets, ",")), nil
}

// launchPath starts a goroutine that walks nodes from startID until it
// reaches a join or end node. resume reuses history results for nodes a
// previous run already completed instead of re-executing them.
func launchPath(ctx context.Context, ec *ExecutionContext, startID string, resume bool) {
	ec.forks.pathStarted()
	go func() {
		defer ec.forks.pathFinished()
		runPath(ctx, ec, startID, resume)
	}()
}

// runPath is the reduced execution loop fork paths use: dispatch the node,
// screen its output, record the step, follow result-based transitions. Paths
// never review, never score and never pause; the main loop owns those.
func runPath(ctx context.Context, ec *ExecutionContext, startID string, resume bool) {
	current := startID
	skipCompleted := resume
	for steps := 0; steps < ec.stepCap(); steps++ {
		if ctx.Err() != nil {
			return
		}
		node, ok := ec.Workflow.Node(current)
		if !ok {
			ec.engine.logger.Error(ctx, "fork path hit unknown node",
				"execution_id", ec.State.ExecutionID, "node_id", current)
			return
		}
		if k := node.Kind(); k == workflow.KindJoin || k == workflow.KindEnd {
			// The main loop executes joins and ends.
			return
		}

		if skipCompleted {
			if res, done := ec.State.History.LastResult(current); done && res.Succeeded() {
				ec.forks.complete(current, res)
				next, ok := pathNext(node, res)
				if !ok {
					return
				}
				current = next
				continue
			}
			skipCompleted = false
		}

		res, err := executePathNode(ctx, ec, node)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			res = state.Failure(err.Error())
		}
		if verr := ec.engine.safety.Validate(res.Output); verr != nil {
			res = state.Failure(verr.Error()).WithMeta(metaKind, string(fault.UnsafeAgentOutput))
		}
		ec.recordPathStep(current, res)
		ec.forks.complete(current, res)

		next, ok := pathNext(node, res)
		if !ok {
			return
		}
		current = next
	}
	ec.engine.logger.Error(ctx, "fork path exceeded step budget",
		"execution_id", ec.State.ExecutionID, "start_node", startID)
}

// executePathNode dispatches one node against a path-local state so
// concurrent paths never share mutable plan or retry state. The path-local
// context is a snapshot of the shared context; outputs merge back through
// recordPathStep.
func executePathNode(ctx context.Context, ec *ExecutionContext, node workflow.Node) (state.NodeResult, error) {
	exec, err := ec.engine.executorFor(node.Kind())
	if err != nil {
		return state.NodeResult{}, err
	}
	pathEC := &ExecutionContext{
		State: &state.State{
			ExecutionID:   ec.State.ExecutionID,
			TenantID:      ec.State.TenantID,
			WorkflowID:    ec.State.WorkflowID,
			CurrentNodeID: node.NodeID(),
			Context:       ec.snapshotContext(),
			History:       state.NewHistory(),
		},
		Workflow:  ec.Workflow,
		engine:    ec.engine,
		plans:     ec.pathPlans,
		pathPlans: ec.pathPlans,
		forks:     ec.forks,
	}
	return exec.Execute(ctx, node, pathEC)
}

// pathNext evaluates the reduced transition set paths support: success,
// failure and always rules. Failure rules inside paths never retry; score
// and rubric rules need the main loop's evaluation state and are skipped.
func pathNext(node workflow.Node, res state.NodeResult) (string, bool) {
	for _, r := range node.Rules() {
		switch rule := r.(type) {
		case workflow.SuccessRule:
			if res.Succeeded() {
				return rule.Target, true
			}
		case workflow.FailureRule:
			if !res.Succeeded() {
				return rule.Target, true
			}
		case workflow.AlwaysRule:
			return rule.Target, true
		}
	}
	return "", false
}

// joinExecutor blocks until the awaited path nodes complete, folds their
// outputs with the node's merge strategy, and stores the merged value in the
// execution context.
type joinExecutor struct{}

func (joinExecutor) Execute(ctx context.Context, node workflow.Node, ec *ExecutionContext) (state.NodeResult, error) {
	n, ok := node.(workflow.Join)
	if !ok {
		return state.NodeResult{}, fault.Errorf(fault.InvariantViolated, "join executor received %T", node)
	}
	if len(n.AwaitTargets) == 0 {
		return state.Failure(fmt.Sprintf("join node %q awaits nothing", n.ID)), nil
	}

	seedFromHistory(ec, n.AwaitTargets)
	relaunchMissing(ctx, ec, n.AwaitTargets)

	strategy := n.Merge
	if strategy == "" {
		strategy = workflow.MergeCollectAll
	}

	var (
		merged any
		err    error
	)
	if strategy == workflow.MergeFirstCompleted {
		merged, err = firstCompleted(ctx, ec, n.AwaitTargets)
	} else {
		var results map[string]state.NodeResult
		var order []string
		results, order, err = awaitAll(ctx, ec, n.AwaitTargets)
		if err == nil {
			merged, err = mergeResults(ec, n, strategy, results, order)
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return state.NodeResult{}, ctx.Err()
		}
		return state.Failure(err.Error()), nil
	}

	field := n.OutputField
	if field == "" {
		field = n.ID
	}
	ec.histMu.Lock()
	ec.State.Context[field] = merged
	ec.histMu.Unlock()

	return state.Success(stringifyMerged(merged)).
		WithMeta("merge", string(strategy)).
		WithMeta("output_field", field), nil
}

// seedFromHistory marks awaited nodes a previous run already completed, in
// history order so completion order survives a resume.
func seedFromHistory(ec *ExecutionContext, awaits []string) {
	wanted := make(map[string]bool, len(awaits))
	for _, id := range awaits {
		wanted[id] = true
	}
	for _, step := range ec.State.History.Steps() {
		if !wanted[step.NodeID] || !step.Result.Succeeded() {
			continue
		}
		if _, seen := ec.forks.completed(step.NodeID); !seen {
			ec.forks.seed(step.NodeID, step.Result)
		}
	}
}

// relaunchMissing restarts paths for awaited nodes that neither history nor
// a live path covers. Restart points are the fork targets whose transition
// chains reach the missing node; completed prefixes replay from history.
func relaunchMissing(ctx context.Context, ec *ExecutionContext, awaits []string) {
	var missing []string
	for _, id := range awaits {
		if _, done := ec.forks.completed(id); !done {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 || ec.forks.anyActive() {
		return
	}
	launched := make(map[string]bool)
	for _, nd := range ec.Workflow.Nodes {
		f, ok := nd.(workflow.Fork)
		if !ok {
			continue
		}
		for _, target := range f.Targets {
			if launched[target] {
				continue
			}
			for _, want := range missing {
				if pathReaches(ec.Workflow, target, want) {
					launched[target] = true
					launchPath(ctx, ec, target, true)
					break
				}
			}
		}
	}
}

// pathReaches reports whether want is reachable from start through
// transition targets without crossing a join or end node.
func pathReaches(wf *workflow.Workflow, start, want string) bool {
	seen := make(map[string]bool)
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == want {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		node, ok := wf.Node(id)
		if !ok {
			continue
		}
		if k := node.Kind(); k == workflow.KindJoin || k == workflow.KindEnd {
			continue
		}
		for _, r := range node.Rules() {
			stack = append(stack, workflow.Targets(r)...)
		}
	}
	return false
}

// awaitAll collects results for every awaited node, failing when any awaited
// node failed or can no longer complete.
func awaitAll(ctx context.Context, ec *ExecutionContext, awaits []string) (map[string]state.NodeResult, []string, error) {
	results := make(map[string]state.NodeResult, len(awaits))
	for _, id := range awaits {
		res, err := ec.forks.await(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if !res.Succeeded() {
			return nil, nil, fmt.Errorf("awaited node %q failed: %s", id, res.ErrorMessage())
		}
		results[id] = res
	}
	order := ec.forks.completionOrder(awaits)
	return results, order, nil
}

// firstCompleted returns the output of the earliest awaited node to succeed,
// skipping failed awaits while other candidates remain.
func firstCompleted(ctx context.Context, ec *ExecutionContext, awaits []string) (any, error) {
	remaining := append([]string(nil), awaits...)
	for len(remaining) > 0 {
		id, res, err := ec.forks.awaitAny(ctx, remaining)
		if err != nil {
			return nil, err
		}
		if res.Succeeded() {
			return res.Output, nil
		}
		next := remaining[:0]
		for _, rid := range remaining {
			if rid != id {
				next = append(next, rid)
			}
		}
		remaining = next
	}
	return nil, fmt.Errorf("every awaited node failed")
}

// mergeResults folds awaited results per strategy. order lists awaited ids
// by completion time.
func mergeResults(ec *ExecutionContext, n workflow.Join, strategy workflow.MergeStrategy, results map[string]state.NodeResult, order []string) (any, error) {
	switch strategy {
	case workflow.MergeCollectAll:
		out := make(map[string]any, len(results))
		for id, res := range results {
			out[id] = res.Output
		}
		return out, nil

	case workflow.MergeConcatenate:
		parts := make([]string, 0, len(n.AwaitTargets))
		for _, id := range n.AwaitTargets {
			parts = append(parts, results[id].Output)
		}
		return strings.Join(parts, "\n"), nil

	case workflow.MergeMaps:
		out := make(map[string]any)
		for _, id := range n.AwaitTargets {
			var m map[string]any
			if err := json.Unmarshal([]byte(results[id].Output), &m); err != nil {
				return nil, fmt.Errorf("merge_maps: output of %q is not a JSON object: %w", id, err)
			}
			for k, v := range m {
				out[k] = v
			}
		}
		return out, nil

	case workflow.MergeCustom:
		merger, ok := ec.engine.mergers[n.Merger]
		if !ok {
			return nil, fmt.Errorf("no merger registered under %q", n.Merger)
		}
		return merger(results, order)

	default:
		return nil, fmt.Errorf("unknown merge strategy %q", strategy)
	}
}

// stringifyMerged renders a merged value for the node output; structured
// values become JSON.
func stringifyMerged(v any) string {
	switch m := v.(type) {
	case string:
		return m
	case nil:
		return ""
	default:
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Sprint(m)
		}
		return string(data)
	}
}
