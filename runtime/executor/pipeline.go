package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/hensu/runtime/fault"
	"goa.design/hensu/runtime/review"
	"goa.design/hensu/runtime/state"
	"goa.design/hensu/runtime/workflow"
)

// retryAttemptKey counts rubric-driven same-node retries in the execution
// context. It resets when an evaluation passes or the budget is spent.
const retryAttemptKey = "retry_attempt"

type (
	// decision is a processor's verdict. A non-nil terminal ends the
	// execution; halt skips the remaining processors and re-enters the main
	// loop with whatever currentNodeID the processor installed.
	decision struct {
		terminal ExecutionResult
		halt     bool
	}

	// processor is one stage of the post-execution pipeline. Stages run in
	// fixed order after every node execution; errors abort the execution.
	processor interface {
		Process(ctx context.Context, node workflow.Node, res state.NodeResult, ec *ExecutionContext) (decision, error)
	}
)

// pipeline returns the processor chain in evaluation order.
func pipeline() []processor {
	return []processor{
		outputProcessor{},
		historyProcessor{},
		reviewProcessor{},
		rubricProcessor{},
		transitionProcessor{},
	}
}

// outputProcessor screens the node output and stores it in the execution
// context, along with any declared output parameters.
type outputProcessor struct{}

func (outputProcessor) Process(_ context.Context, node workflow.Node, res state.NodeResult, ec *ExecutionContext) (decision, error) {
	if err := ec.engine.safety.Validate(res.Output); err != nil {
		return decision{terminal: Failure{State: ec.State, Err: err}}, nil
	}
	if res.Output != "" || res.Succeeded() {
		ec.State.Set(node.NodeID(), res.Output)
	}
	if std, ok := node.(workflow.Standard); ok && res.Succeeded() {
		extractOutputParams(ec.State, std.OutputParams, res.Output)
	}
	return decision{}, nil
}

// extractOutputParams lifts whitelisted keys from a JSON object output into
// the execution context. Output that is not a JSON object extracts nothing.
func extractOutputParams(st *state.State, params []string, output string) {
	if len(params) == 0 {
		return
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(output), &obj); err != nil {
		return
	}
	for _, key := range params {
		if v, ok := obj[key]; ok {
			st.Set(key, v)
		}
	}
}

// historyProcessor appends the execution step. Never terminal.
type historyProcessor struct{}

func (historyProcessor) Process(_ context.Context, node workflow.Node, res state.NodeResult, ec *ExecutionContext) (decision, error) {
	ec.histMu.Lock()
	ec.State.History.Append(state.Step{
		NodeID:  node.NodeID(),
		Result:  res,
		Context: state.CloneContext(ec.State.Context),
	})
	ec.histMu.Unlock()
	return decision{}, nil
}

// reviewProcessor puts the node result in front of the review handler when
// the node's config asks for it and applies the decision.
type reviewProcessor struct{}

func (reviewProcessor) Process(ctx context.Context, node workflow.Node, res state.NodeResult, ec *ExecutionContext) (decision, error) {
	cfg := node.Review()
	if cfg == nil {
		return decision{}, nil
	}
	if cfg.Mode == review.ModeOnFailure && res.Succeeded() {
		return decision{}, nil
	}

	prompt, _ := res.Metadata[metaPrompt].(string)
	req := review.Request{
		TenantID:    ec.State.TenantID,
		ExecutionID: ec.State.ExecutionID,
		WorkflowID:  ec.State.WorkflowID,
		NodeID:      node.NodeID(),
		Prompt:      prompt,
		Result:      res,
		State:       ec.State,
		Config:      *cfg,
	}
	dec, err := ec.engine.reviews.RequestReview(ctx, req)
	if err != nil {
		if errors.Is(err, review.ErrPending) {
			return decision{terminal: Paused{
				State:  ec.State,
				NodeID: node.NodeID(),
				Reason: "review pending",
			}}, nil
		}
		return decision{}, fault.Wrap(fault.ReviewRejected, "review handler", err)
	}

	switch d := dec.(type) {
	case review.Approve:
		if d.EditedContext != nil {
			ec.State.Context = state.CloneContext(d.EditedContext)
		}
		return decision{}, nil

	case review.Reject:
		return decision{terminal: Rejected{State: ec.State, Reason: d.Reason}}, nil

	case review.Backtrack:
		if !cfg.AllowBacktrack {
			return decision{}, fault.Errorf(fault.ReviewBacktrackInvalid,
				"node %q does not allow backtracks", node.NodeID())
		}
		if ec.State.History.CountFor(d.TargetStep) == 0 {
			return decision{}, fault.Errorf(fault.ReviewBacktrackInvalid,
				"backtrack target %q is not in execution history", d.TargetStep)
		}
		reason := d.Reason
		if reason == "" {
			reason = review.DefaultBacktrackReason
		}
		ec.State.History.RecordBacktrack(state.Backtrack{
			FromNodeID: node.NodeID(),
			ToNodeID:   d.TargetStep,
			Reason:     reason,
		})
		if d.EditedContext != nil {
			ec.State.Context = state.CloneContext(d.EditedContext)
		}
		if cfg.AllowEditPrompt && d.EditedPrompt != "" {
			ec.State.Set(promptOverrideKey(d.TargetStep), d.EditedPrompt)
		}
		ec.State.AdvanceTo(d.TargetStep)
		return decision{halt: true}, nil

	default:
		return decision{}, fault.Errorf(fault.InvariantViolated,
			"review handler returned unknown decision %T", dec)
	}
}

// rubricProcessor scores the node output against its rubric and applies the
// auto-backtrack ladder on failing evaluations.
type rubricProcessor struct{}

func (rubricProcessor) Process(ctx context.Context, node workflow.Node, res state.NodeResult, ec *ExecutionContext) (decision, error) {
	name := node.RubricName()
	if name == "" {
		return decision{}, nil
	}
	if ec.engine.rubrics == nil {
		return decision{terminal: Failure{
			State: ec.State,
			Err:   fault.Errorf(fault.RubricNotFound, "node %q requires a rubric engine", node.NodeID()),
		}}, nil
	}
	defID, ok := ec.Workflow.Rubrics[name]
	if !ok {
		return decision{terminal: Failure{
			State: ec.State,
			Err:   fault.Errorf(fault.RubricNotFound, "rubric %q is not bound in workflow %q", name, ec.Workflow.ID),
		}}, nil
	}
	eval, err := ec.engine.rubrics.Evaluate(ctx, defID, res, ec.State.Context)
	if err != nil {
		if fault.IsKind(err, fault.RubricNotFound) {
			return decision{terminal: Failure{State: ec.State, Err: err}}, nil
		}
		return decision{}, err
	}
	ec.State.RubricEvaluation = eval

	if eval.Passed {
		delete(ec.State.Context, retryAttemptKey)
		return decision{}, nil
	}

	score := eval.Score
	switch {
	case score < ec.engine.backtrackModerate:
		severity := "moderate"
		if score < ec.engine.backtrackCritical {
			severity = "critical"
		}
		if target, found := priorRubricNode(ec, node.NodeID()); found {
			ec.State.History.RecordBacktrack(state.Backtrack{
				FromNodeID: node.NodeID(),
				ToNodeID:   target,
				Reason:     fmt.Sprintf("rubric %q score %.1f (%s)", name, score, severity),
				Auto:       true,
			})
			ec.State.AdvanceTo(target)
			return decision{halt: true}, nil
		}
		// No prior scored node to rewind to; degrade to a retry.
		return rubricRetry(ec, node, name, score), nil

	case score < ec.engine.backtrackMinor:
		return rubricRetry(ec, node, name, score), nil

	default:
		// Close misses route through RubricFail transition rules.
		return decision{}, nil
	}
}

// rubricRetry re-runs the current node while the retry budget lasts, then
// falls through to transitions.
func rubricRetry(ec *ExecutionContext, node workflow.Node, name string, score float64) decision {
	attempts := contextInt(ec.State.Context, retryAttemptKey) + 1
	ec.State.Set(retryAttemptKey, attempts)
	if attempts < ec.engine.maxRubricRetries {
		ec.State.History.RecordBacktrack(state.Backtrack{
			FromNodeID: node.NodeID(),
			ToNodeID:   node.NodeID(),
			Reason:     fmt.Sprintf("rubric %q score %.1f, retry %d of %d", name, score, attempts, ec.engine.maxRubricRetries),
			Auto:       true,
		})
		return decision{halt: true}
	}
	delete(ec.State.Context, retryAttemptKey)
	return decision{}
}

// priorRubricNode finds the most recent node in history, other than current,
// that carries a rubric.
func priorRubricNode(ec *ExecutionContext, current string) (string, bool) {
	steps := ec.State.History.Steps()
	for i := len(steps) - 1; i >= 0; i-- {
		id := steps[i].NodeID
		if id == current {
			continue
		}
		node, ok := ec.Workflow.Node(id)
		if !ok {
			continue
		}
		if node.RubricName() != "" {
			return id, true
		}
	}
	return "", false
}

// contextInt reads an integer-ish context value; anything else is zero.
func contextInt(ctx map[string]any, key string) int {
	switch v := ctx[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return 0
}

// transitionProcessor picks the next node: the one-shot break target when
// set, otherwise the first matching transition rule.
type transitionProcessor struct{}

func (transitionProcessor) Process(_ context.Context, node workflow.Node, res state.NodeResult, ec *ExecutionContext) (decision, error) {
	st := ec.State
	if target := st.LoopBreakTarget; target != "" {
		st.LoopBreakTarget = ""
		st.AdvanceTo(target)
		return decision{}, nil
	}

	score, hasScore := extractScore(st)
	for _, r := range node.Rules() {
		switch rule := r.(type) {
		case workflow.SuccessRule:
			if res.Succeeded() {
				st.AdvanceTo(rule.Target)
				return decision{}, nil
			}
		case workflow.FailureRule:
			if !res.Succeeded() {
				if st.RetryCount < rule.RetryCount {
					st.RetryCount++
					return decision{}, nil
				}
				st.AdvanceTo(rule.Target)
				return decision{}, nil
			}
		case workflow.AlwaysRule:
			st.AdvanceTo(rule.Target)
			return decision{}, nil
		case workflow.ScoreRule:
			if !hasScore {
				continue
			}
			for _, c := range rule.Conditions {
				if c.Matches(score) {
					st.AdvanceTo(c.Target)
					return decision{}, nil
				}
			}
		case workflow.RubricFailRule:
			eval := st.RubricEvaluation
			if eval == nil {
				continue
			}
			if !eval.Passed {
				st.AdvanceTo(rule.Target)
				return decision{}, nil
			}
			if rule.PassTarget != "" {
				st.AdvanceTo(rule.PassTarget)
				return decision{}, nil
			}
		}
	}

	if node.Kind() == workflow.KindEnd {
		return decision{}, nil
	}
	return decision{terminal: Failure{
		State: st,
		Err:   fault.Errorf(fault.NoMatchingTransition, "No valid transition from %s", node.NodeID()),
	}}, nil
}

// extractScore returns the execution's current score: the stored rubric
// evaluation when present, else the first well-known numeric context key.
func extractScore(st *state.State) (float64, bool) {
	if st.RubricEvaluation != nil {
		return st.RubricEvaluation.Score, true
	}
	for _, key := range []string{"score", "final_score", "quality_score", "evaluation_score"} {
		switch v := st.Context[key].(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		case int64:
			return float64(v), true
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}
