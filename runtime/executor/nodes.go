package executor

import (
	"context"
	"fmt"

	"goa.design/hensu/runtime/action"
	"goa.design/hensu/runtime/fault"
	"goa.design/hensu/runtime/state"
	"goa.design/hensu/runtime/workflow"
)

// actionExecutor dispatches the node's action through the shared action
// executor, template-resolving its payload first.
type actionExecutor struct{}

func (actionExecutor) Execute(ctx context.Context, node workflow.Node, ec *ExecutionContext) (state.NodeResult, error) {
	n, ok := node.(workflow.Action)
	if !ok {
		return state.NodeResult{}, fault.Errorf(fault.InvariantViolated, "action executor received %T", node)
	}
	if n.Act == nil {
		return state.Failure(fmt.Sprintf("action node %q carries no action", n.ID)), nil
	}

	var act action.Action
	switch a := n.Act.(type) {
	case action.Send:
		a.Payload = ec.engine.templates.ResolveMap(a.Payload, ec.State.Context)
		act = a
	case action.Execute:
		a.Args = ec.engine.templates.ResolveMap(a.Args, ec.State.Context)
		act = a
	default:
		return state.NodeResult{}, fault.Errorf(fault.InvariantViolated,
			"action node %q carries unknown action %T", n.ID, n.Act)
	}

	res, err := ec.engine.actions.Execute(ctx, act)
	if err != nil {
		if ctx.Err() != nil {
			return state.NodeResult{}, ctx.Err()
		}
		return state.Failure(err.Error()).WithMeta(metaKind, string(fault.KindOf(err))), nil
	}
	if !res.Success {
		msg := res.Output
		if msg == "" {
			msg = "action reported failure"
		}
		out := state.Failure(msg)
		for k, v := range res.Metadata {
			out = out.WithMeta(k, v)
		}
		return out, nil
	}
	out := state.Success(res.Output)
	for k, v := range res.Metadata {
		out = out.WithMeta(k, v)
	}
	return out, nil
}

// genericExecutor delegates to the handler registered under the node's
// executor type.
type genericExecutor struct{}

func (genericExecutor) Execute(ctx context.Context, node workflow.Node, ec *ExecutionContext) (state.NodeResult, error) {
	n, ok := node.(workflow.Generic)
	if !ok {
		return state.NodeResult{}, fault.Errorf(fault.InvariantViolated, "generic executor received %T", node)
	}
	h, ok := ec.engine.generics[n.ExecutorType]
	if !ok {
		return state.Failure(fmt.Sprintf("no generic executor registered under %q", n.ExecutorType)).
			WithMeta(metaKind, string(fault.ActionHandlerMissing)), nil
	}
	return h(ctx, n, ec)
}

// subWorkflowExecutor runs another workflow to completion as one node,
// projecting context in through the input mapping and back out through the
// output mapping. The child is a full execution with its own id, snapshots
// and events.
type subWorkflowExecutor struct{}

func (subWorkflowExecutor) Execute(ctx context.Context, node workflow.Node, ec *ExecutionContext) (state.NodeResult, error) {
	n, ok := node.(workflow.SubWorkflow)
	if !ok {
		return state.NodeResult{}, fault.Errorf(fault.InvariantViolated, "subworkflow executor received %T", node)
	}
	if ec.engine.workflows == nil {
		return state.Failure(fmt.Sprintf("sub-workflow node %q requires a workflow repository", n.ID)), nil
	}
	child, err := ec.engine.workflows.LoadWorkflow(ctx, ec.State.TenantID, n.WorkflowID)
	if err != nil {
		if ctx.Err() != nil {
			return state.NodeResult{}, ctx.Err()
		}
		return state.Failure(fmt.Sprintf("load sub-workflow %q: %v", n.WorkflowID, err)), nil
	}

	childCtx := make(map[string]any, len(n.InputMapping))
	for childKey, parentKey := range n.InputMapping {
		if v, ok := ec.State.Context[parentKey]; ok {
			childCtx[childKey] = v
		}
	}

	result, err := ec.engine.Execute(ctx, child, ec.State.TenantID, childCtx)
	if err != nil {
		return state.NodeResult{}, err
	}

	childID := ""
	if st := result.FinalState(); st != nil {
		childID = st.ExecutionID
	}
	switch r := result.(type) {
	case Completed:
		final := r.State.Context
		for parentKey, childKey := range n.OutputMapping {
			if v, ok := final[childKey]; ok {
				ec.State.Context[parentKey] = v
			}
		}
		return state.Success(r.Output).WithMeta("child_execution_id", childID), nil
	case Paused:
		// A parked child cannot complete this node; the parent treats it
		// as a failure and routes accordingly.
		return state.Failure(fmt.Sprintf("sub-workflow %q paused at node %q", n.WorkflowID, r.NodeID)).
			WithMeta("child_execution_id", childID), nil
	case Rejected:
		return state.Failure(fmt.Sprintf("sub-workflow %q rejected: %s", n.WorkflowID, r.Reason)).
			WithMeta("child_execution_id", childID), nil
	case Failure:
		return state.Failure(fmt.Sprintf("sub-workflow %q failed: %v", n.WorkflowID, r.Err)).
			WithMeta("child_execution_id", childID).
			WithMeta(metaKind, string(fault.KindOf(r.Err))), nil
	default:
		return state.NodeResult{}, fault.Errorf(fault.InvariantViolated,
			"sub-workflow returned unknown result %T", result)
	}
}

// endExecutor records the terminal node; the main loop reads the exit
// status and stops after the pipeline pass.
type endExecutor struct{}

func (endExecutor) Execute(_ context.Context, node workflow.Node, _ *ExecutionContext) (state.NodeResult, error) {
	n, ok := node.(workflow.End)
	if !ok {
		return state.NodeResult{}, fault.Errorf(fault.InvariantViolated, "end executor received %T", node)
	}
	status := n.ExitStatus
	if status == "" {
		status = state.StatusSuccess
	}
	return state.Success("").WithMeta("exit_status", string(status)), nil
}
