package executor

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/hensu/runtime/fault"
	"goa.design/hensu/runtime/review"
	"goa.design/hensu/runtime/safety"
	"goa.design/hensu/runtime/state"
	"goa.design/hensu/runtime/workflow"
)

// newPipelineContext binds a state positioned at current to an execution
// context for driving processors by hand.
func newPipelineContext(eng *Engine, wf *workflow.Workflow, current string) *ExecutionContext {
	st := state.New("tenant-1", wf.ID, wf.StartNodeID, nil)
	st.CurrentNodeID = current
	return eng.newExecutionContext(wf, st)
}

// runPipeline drives one full pipeline pass the way the engine loop does,
// stopping at the first terminal or halting decision.
func runPipeline(t *testing.T, eng *Engine, ec *ExecutionContext, node workflow.Node, res state.NodeResult) decision {
	t.Helper()
	for _, p := range eng.processors {
		dec, err := p.Process(context.Background(), node, res, ec)
		require.NoError(t, err)
		if dec.terminal != nil || dec.halt {
			return dec
		}
	}
	return decision{}
}

func TestTransitionFailureRuleCountsRetries(t *testing.T) {
	node := stdNode("a", "x", "p", workflow.FailureRule{RetryCount: 2, Target: "b"})
	wf := defineWorkflow("wf", "a", node, stdNode("b", "x", "p", workflow.SuccessRule{Target: "end"}), endNode("end"))
	wf.Agents = stubConfigs("x")
	eng := New()
	ec := newPipelineContext(eng, wf, "a")

	failed := state.Failure("boom")
	proc := transitionProcessor{}

	for want := 1; want <= 2; want++ {
		dec, err := proc.Process(context.Background(), node, failed, ec)
		require.NoError(t, err)
		require.Nil(t, dec.terminal)
		require.Equal(t, "a", ec.State.CurrentNodeID)
		require.Equal(t, want, ec.State.RetryCount)
	}

	dec, err := proc.Process(context.Background(), node, failed, ec)
	require.NoError(t, err)
	require.Nil(t, dec.terminal)
	require.Equal(t, "b", ec.State.CurrentNodeID)
	require.Zero(t, ec.State.RetryCount)
}

func TestTransitionLoopBreakTargetWinsOverRules(t *testing.T) {
	node := stdNode("a", "x", "p", workflow.SuccessRule{Target: "b"})
	wf := defineWorkflow("wf", "a", node, stdNode("b", "x", "p"), stdNode("c", "x", "p"), endNode("end"))
	wf.Agents = stubConfigs("x")
	eng := New()
	ec := newPipelineContext(eng, wf, "a")
	ec.State.LoopBreakTarget = "c"

	dec, err := transitionProcessor{}.Process(context.Background(), node, state.Success("out"), ec)
	require.NoError(t, err)
	require.Nil(t, dec.terminal)
	require.Equal(t, "c", ec.State.CurrentNodeID)
	// The override is one-shot.
	require.Empty(t, ec.State.LoopBreakTarget)
}

func TestTransitionScoreFromContextKeys(t *testing.T) {
	node := stdNode("a", "x", "p", workflow.ScoreRule{Conditions: []workflow.ScoreCondition{
		{Op: workflow.OpGTE, Value: 80, Target: "high"},
		{Op: workflow.OpLT, Value: 80, Target: "low"},
	}})
	wf := defineWorkflow("wf", "a", node, stdNode("high", "x", "p"), stdNode("low", "x", "p"), endNode("end"))
	wf.Agents = stubConfigs("x")
	eng := New()

	ec := newPipelineContext(eng, wf, "a")
	ec.State.Set("final_score", 77)
	dec, err := transitionProcessor{}.Process(context.Background(), node, state.Success("out"), ec)
	require.NoError(t, err)
	require.Nil(t, dec.terminal)
	require.Equal(t, "low", ec.State.CurrentNodeID)

	// "score" outranks "final_score".
	ec = newPipelineContext(eng, wf, "a")
	ec.State.Set("final_score", 10)
	ec.State.Set("score", 95.0)
	dec, err = transitionProcessor{}.Process(context.Background(), node, state.Success("out"), ec)
	require.NoError(t, err)
	require.Nil(t, dec.terminal)
	require.Equal(t, "high", ec.State.CurrentNodeID)
}

func TestTransitionRangeCondition(t *testing.T) {
	node := stdNode("a", "x", "p", workflow.ScoreRule{Conditions: []workflow.ScoreCondition{
		{Op: workflow.OpRange, Min: 40, Max: 60, Target: "mid"},
		{Op: workflow.OpGT, Value: 60, Target: "high"},
	}})
	wf := defineWorkflow("wf", "a", node, stdNode("mid", "x", "p"), stdNode("high", "x", "p"), endNode("end"))
	wf.Agents = stubConfigs("x")
	eng := New()
	ec := newPipelineContext(eng, wf, "a")
	ec.State.Set("score", 60)

	dec, err := transitionProcessor{}.Process(context.Background(), node, state.Success("out"), ec)
	require.NoError(t, err)
	require.Nil(t, dec.terminal)
	require.Equal(t, "mid", ec.State.CurrentNodeID)
}

func TestTransitionRubricFailRule(t *testing.T) {
	node := stdNode("a", "x", "p", workflow.RubricFailRule{Target: "rework", PassTarget: "ship"})
	wf := defineWorkflow("wf", "a", node, stdNode("rework", "x", "p"), stdNode("ship", "x", "p"), endNode("end"))
	wf.Agents = stubConfigs("x")
	eng := New()

	ec := newPipelineContext(eng, wf, "a")
	ec.State.RubricEvaluation = &state.RubricEvaluation{Score: 82, Passed: false}
	dec, err := transitionProcessor{}.Process(context.Background(), node, state.Success("out"), ec)
	require.NoError(t, err)
	require.Nil(t, dec.terminal)
	require.Equal(t, "rework", ec.State.CurrentNodeID)

	ec = newPipelineContext(eng, wf, "a")
	ec.State.RubricEvaluation = &state.RubricEvaluation{Score: 91, Passed: true}
	dec, err = transitionProcessor{}.Process(context.Background(), node, state.Success("out"), ec)
	require.NoError(t, err)
	require.Nil(t, dec.terminal)
	require.Equal(t, "ship", ec.State.CurrentNodeID)
}

func TestTransitionNoMatchFailsExceptOnEndNodes(t *testing.T) {
	wf := defineWorkflow("wf", "a",
		stdNode("a", "x", "p", workflow.SuccessRule{Target: "end"}),
		endNode("end"),
	)
	wf.Agents = stubConfigs("x")
	eng := New()

	ec := newPipelineContext(eng, wf, "a")
	node, _ := wf.Node("a")
	dec, err := transitionProcessor{}.Process(context.Background(), node, state.Failure("boom"), ec)
	require.NoError(t, err)
	require.NotNil(t, dec.terminal)
	failure, ok := dec.terminal.(Failure)
	require.True(t, ok)
	require.True(t, fault.IsKind(failure.Err, fault.NoMatchingTransition))

	// End nodes are exempt: no rules, no failure.
	ec = newPipelineContext(eng, wf, "end")
	end, _ := wf.Node("end")
	dec, err = transitionProcessor{}.Process(context.Background(), end, state.Success(""), ec)
	require.NoError(t, err)
	require.Nil(t, dec.terminal)
	require.False(t, dec.halt)
}

// rubricLadderWorkflow wires two rubric-scored nodes in sequence plus a
// rework target for RubricFail rules.
func rubricLadderWorkflow() *workflow.Workflow {
	wf := defineWorkflow("ladder", "a",
		workflow.Standard{
			Base: workflow.Base{
				ID:          "a",
				RubricID:    "quality",
				Transitions: workflow.Rules{workflow.SuccessRule{Target: "b"}},
			},
			AgentID: "x",
			Prompt:  "p",
		},
		workflow.Standard{
			Base: workflow.Base{
				ID:       "b",
				RubricID: "quality",
				Transitions: workflow.Rules{
					workflow.RubricFailRule{Target: "rework", PassTarget: "end"},
				},
			},
			AgentID: "x",
			Prompt:  "p",
		},
		stdNode("rework", "x", "p", workflow.SuccessRule{Target: "end"}),
		endNode("end"),
	)
	wf.Agents = stubConfigs("x")
	wf.Rubrics = map[string]string{"quality": "quality-v1"}
	return wf
}

func TestRubricModerateFailureBacktracksToPriorScoredNode(t *testing.T) {
	wf := rubricLadderWorkflow()
	eng := New(WithRubricEngine(qualityRubrics(t, 70)))
	ec := newPipelineContext(eng, wf, "b")
	ec.State.History.Append(state.Step{NodeID: "a", Result: state.Success("ok")})

	nodeB, _ := wf.Node("b")
	dec := runPipeline(t, eng, ec, nodeB, state.Success(`{"score": 45}`))

	require.Nil(t, dec.terminal)
	require.True(t, dec.halt)
	require.Equal(t, "a", ec.State.CurrentNodeID)

	backs := ec.State.History.Backtracks()
	require.Len(t, backs, 1)
	require.Equal(t, "b", backs[0].FromNodeID)
	require.Equal(t, "a", backs[0].ToNodeID)
	require.True(t, backs[0].Auto)
	require.Contains(t, backs[0].Reason, "moderate")
}

func TestRubricCriticalFailureMarksSeverity(t *testing.T) {
	wf := rubricLadderWorkflow()
	eng := New(WithRubricEngine(qualityRubrics(t, 70)))
	ec := newPipelineContext(eng, wf, "b")
	ec.State.History.Append(state.Step{NodeID: "a", Result: state.Success("ok")})

	nodeB, _ := wf.Node("b")
	dec := runPipeline(t, eng, ec, nodeB, state.Success(`{"score": 12}`))

	require.True(t, dec.halt)
	backs := ec.State.History.Backtracks()
	require.Len(t, backs, 1)
	require.Contains(t, backs[0].Reason, "critical")
}

func TestRubricLowScoreWithoutPriorScoredNodeRetries(t *testing.T) {
	wf := rubricLadderWorkflow()
	eng := New(WithRubricEngine(qualityRubrics(t, 70)))
	// Node a is first: nothing before it to rewind to.
	ec := newPipelineContext(eng, wf, "a")

	nodeA, _ := wf.Node("a")
	dec := runPipeline(t, eng, ec, nodeA, state.Success(`{"score": 45}`))

	require.Nil(t, dec.terminal)
	require.True(t, dec.halt)
	require.Equal(t, "a", ec.State.CurrentNodeID)
	require.Equal(t, 1, ec.State.Context[retryAttemptKey])
}

func TestRubricBorderlineRetriesThenFallsThrough(t *testing.T) {
	wf := rubricLadderWorkflow()
	eng := New(WithRubricEngine(qualityRubrics(t, 70)))
	ec := newPipelineContext(eng, wf, "b")
	nodeB, _ := wf.Node("b")
	borderline := state.Success(`{"score": 65}`)

	// Two self-retries, then the budget is spent and RubricFail routes.
	for attempt := 1; attempt < DefaultMaxRubricRetries; attempt++ {
		dec := runPipeline(t, eng, ec, nodeB, borderline)
		require.True(t, dec.halt, "attempt %d should halt", attempt)
		require.Equal(t, "b", ec.State.CurrentNodeID)
		require.Equal(t, attempt, ec.State.Context[retryAttemptKey])
	}

	dec := runPipeline(t, eng, ec, nodeB, borderline)
	require.Nil(t, dec.terminal)
	require.False(t, dec.halt)
	require.Equal(t, "rework", ec.State.CurrentNodeID)
	require.NotContains(t, ec.State.Context, retryAttemptKey)
}

func TestRubricPassClearsRetryAttempt(t *testing.T) {
	wf := rubricLadderWorkflow()
	eng := New(WithRubricEngine(qualityRubrics(t, 70)))
	ec := newPipelineContext(eng, wf, "b")
	ec.State.Set(retryAttemptKey, 2)

	nodeB, _ := wf.Node("b")
	dec := runPipeline(t, eng, ec, nodeB, state.Success(`{"score": 88}`))

	require.Nil(t, dec.terminal)
	require.False(t, dec.halt)
	require.Equal(t, "end", ec.State.CurrentNodeID)
	require.NotContains(t, ec.State.Context, retryAttemptKey)
	require.True(t, ec.State.RubricEvaluation.Passed)
}

func TestRubricNearMissRoutesThroughTransitions(t *testing.T) {
	wf := rubricLadderWorkflow()
	eng := New(WithRubricEngine(qualityRubrics(t, 90)))
	ec := newPipelineContext(eng, wf, "b")

	// 85 fails the 90 threshold but clears the retry band, so the
	// RubricFail rule decides.
	nodeB, _ := wf.Node("b")
	dec := runPipeline(t, eng, ec, nodeB, state.Success(`{"score": 85}`))

	require.Nil(t, dec.terminal)
	require.False(t, dec.halt)
	require.Equal(t, "rework", ec.State.CurrentNodeID)
	require.Empty(t, ec.State.History.Backtracks())
}

func TestRubricUnboundNameIsTerminal(t *testing.T) {
	wf := rubricLadderWorkflow()
	delete(wf.Rubrics, "quality")
	eng := New(WithRubricEngine(qualityRubrics(t, 70)))
	ec := newPipelineContext(eng, wf, "b")

	nodeB, _ := wf.Node("b")
	dec, err := rubricProcessor{}.Process(context.Background(), nodeB, state.Success("out"), ec)
	require.NoError(t, err)
	require.NotNil(t, dec.terminal)
	failure, ok := dec.terminal.(Failure)
	require.True(t, ok)
	require.True(t, fault.IsKind(failure.Err, fault.RubricNotFound))
}

func TestOutputProcessorRejectsUnsafeOutput(t *testing.T) {
	wf := defineWorkflow("wf", "a", stdNode("a", "x", "p", workflow.SuccessRule{Target: "end"}), endNode("end"))
	wf.Agents = stubConfigs("x")
	eng := New(WithSafetyValidator(safety.NewValidator(16)))
	ec := newPipelineContext(eng, wf, "a")

	node, _ := wf.Node("a")
	oversized := state.Success(strings.Repeat("x", 17))
	dec, err := outputProcessor{}.Process(context.Background(), node, oversized, ec)
	require.NoError(t, err)
	require.NotNil(t, dec.terminal)
	failure, ok := dec.terminal.(Failure)
	require.True(t, ok)
	require.True(t, fault.IsKind(failure.Err, fault.UnsafeAgentOutput))
	// Nothing leaked into the context.
	require.NotContains(t, ec.State.Context, "a")
}

func TestOutputProcessorSkipsEmptyFailures(t *testing.T) {
	wf := defineWorkflow("wf", "a", stdNode("a", "x", "p", workflow.SuccessRule{Target: "end"}), endNode("end"))
	wf.Agents = stubConfigs("x")
	eng := New()
	ec := newPipelineContext(eng, wf, "a")

	node, _ := wf.Node("a")
	dec, err := outputProcessor{}.Process(context.Background(), node, state.Failure("boom"), ec)
	require.NoError(t, err)
	require.Nil(t, dec.terminal)
	require.NotContains(t, ec.State.Context, "a")
}

func TestReviewApproveReplacesContext(t *testing.T) {
	handler := review.HandlerFunc(func(_ context.Context, _ review.Request) (review.Decision, error) {
		return review.Approve{EditedContext: map[string]any{"only": "this"}}, nil
	})
	wf := defineWorkflow("wf", "a",
		workflow.Standard{
			Base: workflow.Base{
				ID:           "a",
				ReviewConfig: &review.Config{Mode: review.ModeOptional},
				Transitions:  workflow.Rules{workflow.SuccessRule{Target: "end"}},
			},
			AgentID: "x",
			Prompt:  "p",
		},
		endNode("end"),
	)
	wf.Agents = stubConfigs("x")
	eng := New(WithReviewHandler(handler))
	ec := newPipelineContext(eng, wf, "a")
	ec.State.Set("stale", "value")

	node, _ := wf.Node("a")
	dec, err := reviewProcessor{}.Process(context.Background(), node, state.Success("out"), ec)
	require.NoError(t, err)
	require.Nil(t, dec.terminal)
	require.False(t, dec.halt)
	// Edits replace, not merge.
	require.Equal(t, map[string]any{"only": "this"}, ec.State.Context)
}

func TestReviewBacktrackValidation(t *testing.T) {
	toStart := review.HandlerFunc(func(_ context.Context, _ review.Request) (review.Decision, error) {
		return review.Backtrack{TargetStep: "start"}, nil
	})
	buildWf := func(allow bool) *workflow.Workflow {
		wf := defineWorkflow("wf", "start",
			stdNode("start", "x", "p", workflow.SuccessRule{Target: "a"}),
			workflow.Standard{
				Base: workflow.Base{
					ID:           "a",
					ReviewConfig: &review.Config{Mode: review.ModeOptional, AllowBacktrack: allow},
					Transitions:  workflow.Rules{workflow.SuccessRule{Target: "end"}},
				},
				AgentID: "x",
				Prompt:  "p",
			},
			endNode("end"),
		)
		wf.Agents = stubConfigs("x")
		return wf
	}

	// Disallowed by config.
	wf := buildWf(false)
	eng := New(WithReviewHandler(toStart))
	ec := newPipelineContext(eng, wf, "a")
	ec.State.History.Append(state.Step{NodeID: "start", Result: state.Success("ok")})
	node, _ := wf.Node("a")
	_, err := reviewProcessor{}.Process(context.Background(), node, state.Success("out"), ec)
	require.True(t, fault.IsKind(err, fault.ReviewBacktrackInvalid))

	// Target never executed.
	wf = buildWf(true)
	eng = New(WithReviewHandler(toStart))
	ec = newPipelineContext(eng, wf, "a")
	node, _ = wf.Node("a")
	_, err = reviewProcessor{}.Process(context.Background(), node, state.Success("out"), ec)
	require.True(t, fault.IsKind(err, fault.ReviewBacktrackInvalid))

	// Both checks pass: the jump is recorded with the default reason.
	ec = newPipelineContext(eng, wf, "a")
	ec.State.History.Append(state.Step{NodeID: "start", Result: state.Success("ok")})
	dec, err := reviewProcessor{}.Process(context.Background(), node, state.Success("out"), ec)
	require.NoError(t, err)
	require.True(t, dec.halt)
	require.Equal(t, "start", ec.State.CurrentNodeID)
	backs := ec.State.History.Backtracks()
	require.Len(t, backs, 1)
	require.Equal(t, review.DefaultBacktrackReason, backs[0].Reason)
}

func TestReviewOnFailureSkipsSuccesses(t *testing.T) {
	var called bool
	handler := review.HandlerFunc(func(_ context.Context, _ review.Request) (review.Decision, error) {
		called = true
		return review.Approve{}, nil
	})
	wf := defineWorkflow("wf", "a",
		workflow.Standard{
			Base: workflow.Base{
				ID:           "a",
				ReviewConfig: &review.Config{Mode: review.ModeOnFailure},
				Transitions:  workflow.Rules{workflow.SuccessRule{Target: "end"}, workflow.FailureRule{Target: "end"}},
			},
			AgentID: "x",
			Prompt:  "p",
		},
		endNode("end"),
	)
	wf.Agents = stubConfigs("x")
	eng := New(WithReviewHandler(handler))
	ec := newPipelineContext(eng, wf, "a")
	node, _ := wf.Node("a")

	_, err := reviewProcessor{}.Process(context.Background(), node, state.Success("fine"), ec)
	require.NoError(t, err)
	require.False(t, called)

	_, err = reviewProcessor{}.Process(context.Background(), node, state.Failure("broken"), ec)
	require.NoError(t, err)
	require.True(t, called)
}

func TestHistoryProcessorSnapshotsContext(t *testing.T) {
	wf := defineWorkflow("wf", "a", stdNode("a", "x", "p", workflow.SuccessRule{Target: "end"}), endNode("end"))
	wf.Agents = stubConfigs("x")
	eng := New()
	ec := newPipelineContext(eng, wf, "a")
	ec.State.Set("k", "before")

	node, _ := wf.Node("a")
	_, err := historyProcessor{}.Process(context.Background(), node, state.Success("out"), ec)
	require.NoError(t, err)

	// Later context writes must not show up in the recorded step.
	ec.State.Set("k", "after")
	step, ok := ec.State.History.Last()
	require.True(t, ok)
	require.Equal(t, "before", step.Context["k"])
	require.Equal(t, "out", step.Result.Output)
}
