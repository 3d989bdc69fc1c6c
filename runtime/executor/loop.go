package executor

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"goa.design/hensu/runtime/fault"
	"goa.design/hensu/runtime/state"
	"goa.design/hensu/runtime/workflow"
)

// loopExecutor re-executes the body node until a break rule fires or the
// iteration ceiling is reached. Break conditions are expr programs evaluated
// against the execution context after every iteration.
type loopExecutor struct{}

func (loopExecutor) Execute(ctx context.Context, node workflow.Node, ec *ExecutionContext) (state.NodeResult, error) {
	n, ok := node.(workflow.Loop)
	if !ok {
		return state.NodeResult{}, fault.Errorf(fault.InvariantViolated, "loop executor received %T", node)
	}
	body, ok := ec.Workflow.Node(n.Body)
	if !ok {
		return state.NodeResult{}, fault.Errorf(fault.MissingNode,
			"loop %q body %q not in workflow %q", n.ID, n.Body, ec.Workflow.ID)
	}

	programs := make([]*vm.Program, len(n.BreakRules))
	for i, rule := range n.BreakRules {
		p, err := expr.Compile(rule.Condition)
		if err != nil {
			return state.Failure(fmt.Sprintf("loop %q break condition %d does not compile: %v", n.ID, i, err)), nil
		}
		programs[i] = p
	}

	exec, err := ec.engine.executorFor(body.Kind())
	if err != nil {
		return state.NodeResult{}, err
	}
	maxIter := n.MaxIterations
	if maxIter <= 0 {
		maxIter = 1
	}

	var last state.NodeResult
	for i := 1; i <= maxIter; i++ {
		if ctx.Err() != nil {
			return state.NodeResult{}, ctx.Err()
		}
		res, err := exec.Execute(ctx, body, ec)
		if err != nil {
			return state.NodeResult{}, err
		}
		if verr := ec.engine.safety.Validate(res.Output); verr != nil {
			res = state.Failure(verr.Error()).WithMeta(metaKind, string(fault.UnsafeAgentOutput))
		}
		ec.recordPathStep(n.Body, res.WithMeta("iteration", i))
		if !res.Succeeded() {
			return state.Failure(fmt.Sprintf("loop %q body failed on iteration %d: %s",
				n.ID, i, res.ErrorMessage())).WithMeta("iterations", i), nil
		}
		last = res

		for j, rule := range n.BreakRules {
			matched, err := evalBreak(programs[j], ec.State.Context)
			if err != nil {
				// Conditions over keys the context does not hold yet
				// evaluate as no-match rather than killing the loop.
				ec.engine.logger.Warn(ctx, "loop break condition errored",
					"loop", n.ID, "condition", rule.Condition, "err", err)
				continue
			}
			if matched {
				ec.State.LoopBreakTarget = rule.Target
				return state.Success(last.Output).
					WithMeta("iterations", i).
					WithMeta("break_rule", j), nil
			}
		}
	}
	return state.Success(last.Output).WithMeta("iterations", maxIter), nil
}

// evalBreak runs a compiled break condition; only a boolean true breaks.
func evalBreak(p *vm.Program, env map[string]any) (bool, error) {
	out, err := expr.Run(p, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	return ok && b, nil
}
