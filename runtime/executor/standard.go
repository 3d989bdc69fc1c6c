package executor

import (
	"context"
	"fmt"

	"goa.design/hensu/runtime/agent"
	"goa.design/hensu/runtime/fault"
	"goa.design/hensu/runtime/plan"
	"goa.design/hensu/runtime/state"
	"goa.design/hensu/runtime/workflow"
)

// metaKind is the NodeResult metadata key carrying the fault kind of an
// expected failure, so transition rules and operators can classify without
// parsing messages.
const metaKind = "kind"

// metaPrompt carries the resolved prompt that produced a result; review
// requests and history audits read it.
const metaPrompt = "prompt"

// promptOverrideKey names the one-shot context slot a reviewer's edited
// prompt waits in until the target node re-executes.
func promptOverrideKey(nodeID string) string {
	return "_prompt_override:" + nodeID
}

// takePromptOverride consumes a reviewer-installed prompt override.
func takePromptOverride(st *state.State, nodeID string) (string, bool) {
	key := promptOverrideKey(nodeID)
	v, ok := st.Context[key]
	if !ok {
		return "", false
	}
	delete(st.Context, key)
	s, isStr := v.(string)
	return s, isStr && s != ""
}

// standardExecutor runs the ordinary agent-calling node: resolve the prompt,
// execute the agent, interpret the response, optionally entering the plan
// sub-state-machine.
type standardExecutor struct{}

func (standardExecutor) Execute(ctx context.Context, node workflow.Node, ec *ExecutionContext) (state.NodeResult, error) {
	n, ok := node.(workflow.Standard)
	if !ok {
		return state.NodeResult{}, fault.Errorf(fault.InvariantViolated, "standard executor received %T", node)
	}
	st := ec.State

	// A live plan snapshot means this node paused or crashed mid-plan;
	// continue it instead of re-asking the agent.
	if st.ActivePlan != nil {
		out, err := ec.plans.Resume(ctx, st, ec.planConstraints(n.Planning))
		return planNodeResult(ec, n, "", out, err)
	}

	prompt := n.Prompt
	if override, ok := takePromptOverride(st, n.ID); ok {
		prompt = override
	}
	resolved := ec.engine.templates.Resolve(prompt, st.Context)

	if n.PlanningMode() == workflow.PlanAlways {
		return startGoalPlan(ctx, ec, n, resolved, resolved)
	}

	cfg, ok := ec.Workflow.Agents[n.AgentID]
	if !ok {
		return state.NodeResult{}, fault.Errorf(fault.AgentNotFound,
			"node %q references agent %q missing from workflow %q", n.ID, n.AgentID, ec.Workflow.ID)
	}
	ag, err := ec.engine.agents.Resolve(ec.Workflow.ID, n.AgentID, cfg)
	if err != nil {
		return state.Failure(err.Error()).
			WithMeta(metaKind, string(fault.KindOf(err))).
			WithMeta(metaPrompt, resolved), nil
	}

	resp, err := ag.Execute(ctx, resolved, st.Context)
	if err != nil {
		if ctx.Err() != nil {
			return state.NodeResult{}, ctx.Err()
		}
		return state.Failure(err.Error()).
			WithMeta(metaKind, string(fault.AgentExecutionError)).
			WithMeta(metaPrompt, resolved), nil
	}

	switch r := resp.(type) {
	case agent.TextResponse:
		res := state.Success(r.Content).WithMeta(metaPrompt, resolved)
		if r.Model != "" {
			res = res.WithMeta("model", r.Model)
		}
		if r.TokensUsed > 0 {
			res = res.WithMeta("tokens_used", r.TokensUsed)
		}
		return res, nil

	case agent.ErrorResponse:
		return state.Failure(r.Message).
			WithMeta(metaKind, string(fault.AgentExecutionError)).
			WithMeta(metaPrompt, resolved), nil

	case agent.ToolRequest:
		if n.PlanningMode() == workflow.PlanDisabled {
			return state.Failure(fmt.Sprintf("agent requested tool %q but node %q has planning disabled", r.Tool, n.ID)).
				WithMeta(metaPrompt, resolved), nil
		}
		// A stated goal plus a planner grows a full plan around the
		// request; otherwise the single call is the plan.
		if r.Goal != "" && ec.engine.planner != nil {
			return startGoalPlan(ctx, ec, n, r.Goal, resolved)
		}
		p := plan.New(plan.OriginStatic, r.Goal, []plan.Step{{
			Tool:        r.Tool,
			Arguments:   r.Arguments,
			Description: r.Goal,
		}})
		return runPlan(ctx, ec, n, p, resolved)

	case agent.PlanProposal:
		if r.Plan == nil || len(r.Plan.Steps) == 0 {
			return state.Failure("agent proposed an empty plan").
				WithMeta(metaKind, string(fault.PlanCreationError)).
				WithMeta(metaPrompt, resolved), nil
		}
		return runPlan(ctx, ec, n, r.Plan, resolved)

	default:
		return state.NodeResult{}, fault.Errorf(fault.InvariantViolated,
			"agent %q returned unknown response variant %T", n.AgentID, resp)
	}
}

// startGoalPlan asks the planner for a plan accomplishing goal and runs it.
func startGoalPlan(ctx context.Context, ec *ExecutionContext, n workflow.Standard, goal, prompt string) (state.NodeResult, error) {
	planner := ec.engine.planner
	if planner == nil {
		return planFailure(ec, n, prompt, fault.PlanCreationError,
			fmt.Sprintf("node %q requires planning but no planner is configured", n.ID)), nil
	}
	p, err := planner.CreatePlan(ctx, goal, ec.State.Context)
	if err != nil {
		if ctx.Err() != nil {
			return state.NodeResult{}, ctx.Err()
		}
		return planFailure(ec, n, prompt, fault.PlanCreationError, err.Error()), nil
	}
	if p == nil || len(p.Steps) == 0 {
		return planFailure(ec, n, prompt, fault.PlanCreationError,
			fmt.Sprintf("planner produced no steps for node %q", n.ID)), nil
	}
	return runPlan(ctx, ec, n, p, prompt)
}

// runPlan drives p through the plan executor, pausing first when the node's
// review config covers plans.
func runPlan(ctx context.Context, ec *ExecutionContext, n workflow.Standard, p *plan.Plan, prompt string) (state.NodeResult, error) {
	pause := false
	if cfg := n.Review(); cfg != nil && cfg.Plans {
		pause = true
	}
	out, err := ec.plans.Start(ctx, p, ec.State, ec.planConstraints(n.Planning), pause)
	return planNodeResult(ec, n, prompt, out, err)
}

// planNodeResult folds a plan outcome into a node result. ErrPaused and
// cancellation propagate to the engine; plan failures route to the node's
// plan failure target when one is configured.
func planNodeResult(ec *ExecutionContext, n workflow.Standard, prompt string, out plan.Outcome, err error) (state.NodeResult, error) {
	if err != nil {
		return state.NodeResult{}, err
	}
	if out.Success {
		res := state.Success(out.Output).WithMeta("plan_steps", len(out.Steps))
		if prompt != "" {
			res = res.WithMeta(metaPrompt, prompt)
		}
		return res, nil
	}
	return planFailure(ec, n, prompt, fault.ActionExecutionError, out.Error).
		WithMeta("plan_steps", len(out.Steps)), nil
}

// planFailure builds a plan-related failure result, installing the node's
// plan failure target as the one-shot transition override when set.
func planFailure(ec *ExecutionContext, n workflow.Standard, prompt string, kind fault.Kind, msg string) state.NodeResult {
	if n.PlanFailureTarget != "" {
		ec.State.LoopBreakTarget = n.PlanFailureTarget
	}
	res := state.Failure(msg).WithMeta(metaKind, string(kind))
	if prompt != "" {
		res = res.WithMeta(metaPrompt, prompt)
	}
	return res
}
