package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"goa.design/hensu/runtime/agent"
	"goa.design/hensu/runtime/fault"
	"goa.design/hensu/runtime/state"
	"goa.design/hensu/runtime/workflow"
)

// branchOutcome is one branch's terminal record. Failed branches carry a
// message; rubric-failed branches keep their output for diagnostics.
type branchOutcome struct {
	id     string
	output string
	errMsg string
	ok     bool
}

// parallelExecutor fans a node's branches out over concurrent agent calls,
// bounded by the execution's concurrency budget, and folds the results with
// the node's consensus strategy.
type parallelExecutor struct{}

func (parallelExecutor) Execute(ctx context.Context, node workflow.Node, ec *ExecutionContext) (state.NodeResult, error) {
	n, ok := node.(workflow.Parallel)
	if !ok {
		return state.NodeResult{}, fault.Errorf(fault.InvariantViolated, "parallel executor received %T", node)
	}
	if len(n.Branches) == 0 {
		return state.Failure(fmt.Sprintf("parallel node %q has no branches", n.ID)), nil
	}
	strategy := n.Consensus
	if strategy == "" {
		strategy = workflow.ConsensusAll
	}

	// ANY cancels the stragglers once a winner exists; the derived context
	// keeps that cancellation away from the rest of the execution.
	runCtx, cancelRest := context.WithCancel(ctx)
	defer cancelRest()

	var (
		mu       sync.Mutex
		outcomes = make([]branchOutcome, len(n.Branches))
		winner   = -1
	)
	g := new(errgroup.Group)
	g.SetLimit(ec.maxConcurrency())
	for i, b := range n.Branches {
		g.Go(func() error {
			out := runBranch(runCtx, ec, b)
			mu.Lock()
			outcomes[i] = out
			if out.ok && winner < 0 {
				winner = i
				if strategy == workflow.ConsensusAny {
					cancelRest()
				}
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // branch failures travel in outcomes

	if ctx.Err() != nil {
		return state.NodeResult{}, ctx.Err()
	}

	var res state.NodeResult
	switch strategy {
	case workflow.ConsensusAll:
		res = foldAll(outcomes)
	case workflow.ConsensusMajority:
		res = foldMajority(outcomes)
	case workflow.ConsensusAny:
		res = foldAny(outcomes, winner)
	default:
		return state.NodeResult{}, fault.Errorf(fault.InvariantViolated,
			"parallel node %q has unknown consensus strategy %q", n.ID, strategy)
	}
	return res.WithMeta("consensus", string(strategy)).WithMeta("branches", len(outcomes)), nil
}

// runBranch executes one branch against a private copy of the execution
// context so concurrent branches never observe each other's writes.
func runBranch(ctx context.Context, ec *ExecutionContext, b workflow.Branch) branchOutcome {
	branchCtx := state.CloneContext(ec.State.Context)
	prompt := ec.engine.templates.Resolve(b.Prompt, branchCtx)

	cfg, ok := ec.Workflow.Agents[b.AgentID]
	if !ok {
		return branchOutcome{id: b.ID, errMsg: fmt.Sprintf("agent %q missing from workflow", b.AgentID)}
	}
	ag, err := ec.engine.agents.Resolve(ec.Workflow.ID, b.AgentID, cfg)
	if err != nil {
		return branchOutcome{id: b.ID, errMsg: err.Error()}
	}
	resp, err := ag.Execute(ctx, prompt, branchCtx)
	if err != nil {
		return branchOutcome{id: b.ID, errMsg: err.Error()}
	}

	var output string
	switch r := resp.(type) {
	case agent.TextResponse:
		output = r.Content
	case agent.ErrorResponse:
		return branchOutcome{id: b.ID, errMsg: r.Message}
	default:
		// Branches cannot enter the plan sub-state-machine.
		return branchOutcome{id: b.ID, errMsg: fmt.Sprintf("branch %q agent returned %T; branches accept text only", b.ID, resp)}
	}

	if b.RubricID != "" {
		if ec.engine.rubrics == nil {
			return branchOutcome{id: b.ID, errMsg: fmt.Sprintf("branch %q requires a rubric engine", b.ID)}
		}
		defID, ok := ec.Workflow.Rubrics[b.RubricID]
		if !ok {
			return branchOutcome{id: b.ID, errMsg: fmt.Sprintf("rubric %q missing from workflow", b.RubricID)}
		}
		eval, err := ec.engine.rubrics.Evaluate(ctx, defID, state.Success(output), branchCtx)
		if err != nil {
			return branchOutcome{id: b.ID, errMsg: err.Error()}
		}
		if !eval.Passed {
			return branchOutcome{id: b.ID, output: output,
				errMsg: fmt.Sprintf("branch %q scored %.1f against rubric %q", b.ID, eval.Score, b.RubricID)}
		}
	}
	return branchOutcome{id: b.ID, output: output, ok: true}
}

// foldAll succeeds only when every branch succeeded; the output is a JSON
// object keyed by branch id.
func foldAll(outcomes []branchOutcome) state.NodeResult {
	agg := make(map[string]string, len(outcomes))
	var failed []string
	for _, o := range outcomes {
		if !o.ok {
			failed = append(failed, fmt.Sprintf("%s: %s", o.id, o.errMsg))
			continue
		}
		agg[o.id] = o.output
	}
	if len(failed) > 0 {
		return state.Failure("branches failed: " + strings.Join(failed, "; "))
	}
	data, err := json.Marshal(agg)
	if err != nil {
		return state.Failure("aggregate branch outputs: " + err.Error())
	}
	return state.Success(string(data))
}

// foldMajority succeeds when at least ceil(n/2)+1 branches agree on the same
// whitespace-normalized output.
func foldMajority(outcomes []branchOutcome) state.NodeResult {
	n := len(outcomes)
	threshold := (n+1)/2 + 1
	counts := make(map[string]int)
	firstRaw := make(map[string]string)
	for _, o := range outcomes {
		if !o.ok {
			continue
		}
		norm := strings.TrimSpace(o.output)
		counts[norm]++
		if _, seen := firstRaw[norm]; !seen {
			firstRaw[norm] = o.output
		}
	}
	for norm, count := range counts {
		if count >= threshold {
			return state.Success(firstRaw[norm]).WithMeta("agreement", count)
		}
	}
	return state.Failure(fmt.Sprintf("no majority: %d branches, %d agreements required", n, threshold))
}

// foldAny succeeds with the first branch that completed successfully.
func foldAny(outcomes []branchOutcome, winner int) state.NodeResult {
	if winner >= 0 {
		o := outcomes[winner]
		return state.Success(o.output).WithMeta("winner", o.id)
	}
	var failed []string
	for _, o := range outcomes {
		failed = append(failed, fmt.Sprintf("%s: %s", o.id, o.errMsg))
	}
	return state.Failure("all branches failed: " + strings.Join(failed, "; "))
}
