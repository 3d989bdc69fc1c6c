package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/hensu/runtime/action"
	"goa.design/hensu/runtime/agent"
	"goa.design/hensu/runtime/review"
	"goa.design/hensu/runtime/state"
)

// fixture returns a valid workflow touching every node variant.
func fixture() *Workflow {
	return &Workflow{
		ID:          "wf-ref",
		Version:     "3",
		StartNodeID: "draft",
		Agents: map[string]agent.Config{
			"writer":   {Model: "stub"},
			"reviewer": {Model: "stub"},
		},
		Rubrics: map[string]string{
			"quality": "rubric-quality-v2",
		},
		Nodes: NodeSet{
			"draft": Standard{
				Base: Base{
					ID:          "draft",
					Transitions: Rules{SuccessRule{Target: "fan"}, FailureRule{RetryCount: 2, Target: "finish"}},
					RubricID:    "quality",
					ReviewConfig: &review.Config{
						Mode:           review.ModeOnFailure,
						AllowBacktrack: true,
					},
				},
				AgentID:      "writer",
				Prompt:       "Draft a note about {topic}",
				OutputParams: []string{"title"},
			},
			"fan": Parallel{
				Base: Base{
					ID:          "fan",
					Transitions: Rules{AlwaysRule{Target: "fork"}},
				},
				Branches: []Branch{
					{ID: "a", AgentID: "writer", Prompt: "variant a"},
					{ID: "b", AgentID: "reviewer", Prompt: "variant b", RubricID: "quality"},
				},
				Consensus: ConsensusMajority,
			},
			"fork": Fork{
				Base:    Base{ID: "fork", Transitions: Rules{AlwaysRule{Target: "join"}}},
				Targets: []string{"side"},
			},
			"side": Standard{
				Base:    Base{ID: "side"},
				AgentID: "writer",
				Prompt:  "side quest",
			},
			"join": Join{
				Base:         Base{ID: "join", Transitions: Rules{AlwaysRule{Target: "polish"}}},
				AwaitTargets: []string{"side"},
				Merge:        MergeConcatenate,
			},
			"polish": Loop{
				Base:          Base{ID: "polish", Transitions: Rules{AlwaysRule{Target: "notify"}}},
				Body:          "side",
				MaxIterations: 3,
				BreakRules:    []BreakRule{{Condition: `score >= 90`, Target: "notify"}},
			},
			"notify": Action{
				Base: Base{ID: "notify", Transitions: Rules{AlwaysRule{Target: "custom"}}},
				Act:  action.Send{HandlerID: "mailer", Payload: map[string]any{"to": "{owner}"}},
			},
			"custom": Generic{
				Base:         Base{ID: "custom", Transitions: Rules{AlwaysRule{Target: "child"}}},
				ExecutorType: "shell",
				Config:       map[string]any{"cmd": "true"},
			},
			"child": SubWorkflow{
				Base: Base{ID: "child", Transitions: Rules{
					ScoreRule{Conditions: []ScoreCondition{{Op: OpGTE, Value: 80, Target: "finish"}}},
					RubricFailRule{Target: "finish"},
					AlwaysRule{Target: "finish"},
				}},
				WorkflowID:    "wf-sub",
				InputMapping:  map[string]string{"goal": "topic"},
				OutputMapping: map[string]string{"summary": "result"},
			},
			"finish": End{
				Base:       Base{ID: "finish"},
				ExitStatus: state.StatusSuccess,
			},
		},
	}
}

func TestValidateAcceptsFixture(t *testing.T) {
	require.NoError(t, fixture().Validate())
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(w *Workflow)
		want   string
	}{
		{"missing id", func(w *Workflow) { w.ID = "" }, "id is required"},
		{"no nodes", func(w *Workflow) { w.Nodes = nil }, "has no nodes"},
		{"missing start", func(w *Workflow) { w.StartNodeID = "ghost" }, "start node"},
		{"mismatched node id", func(w *Workflow) {
			n := w.Nodes["side"].(Standard)
			n.ID = "other"
			w.Nodes["side"] = n
		}, "mismatched id"},
		{"dangling transition", func(w *Workflow) {
			n := w.Nodes["draft"].(Standard)
			n.Transitions = Rules{SuccessRule{Target: "nowhere"}}
			w.Nodes["draft"] = n
		}, "targets undefined node"},
		{"unknown rubric", func(w *Workflow) {
			n := w.Nodes["draft"].(Standard)
			n.RubricID = "ghost-rubric"
			w.Nodes["draft"] = n
		}, "undefined rubric"},
		{"unknown agent", func(w *Workflow) {
			n := w.Nodes["draft"].(Standard)
			n.AgentID = "ghost"
			w.Nodes["draft"] = n
		}, "undefined agent"},
		{"bad review mode", func(w *Workflow) {
			n := w.Nodes["draft"].(Standard)
			n.ReviewConfig = &review.Config{Mode: "MAYBE"}
			w.Nodes["draft"] = n
		}, "review mode"},
		{"negative retries", func(w *Workflow) {
			n := w.Nodes["draft"].(Standard)
			n.Transitions = Rules{FailureRule{RetryCount: -1, Target: "finish"}}
			w.Nodes["draft"] = n
		}, "negative retry count"},
		{"empty parallel", func(w *Workflow) {
			n := w.Nodes["fan"].(Parallel)
			n.Branches = nil
			w.Nodes["fan"] = n
		}, "has no branches"},
		{"duplicate branch", func(w *Workflow) {
			n := w.Nodes["fan"].(Parallel)
			n.Branches = []Branch{
				{ID: "a", AgentID: "writer"},
				{ID: "a", AgentID: "writer"},
			}
			w.Nodes["fan"] = n
		}, "duplicates branch id"},
		{"bad consensus", func(w *Workflow) {
			n := w.Nodes["fan"].(Parallel)
			n.Consensus = "MOST"
			w.Nodes["fan"] = n
		}, "consensus"},
		{"empty fork", func(w *Workflow) {
			n := w.Nodes["fork"].(Fork)
			n.Targets = nil
			w.Nodes["fork"] = n
		}, "has no targets"},
		{"join awaits nothing", func(w *Workflow) {
			n := w.Nodes["join"].(Join)
			n.AwaitTargets = nil
			w.Nodes["join"] = n
		}, "awaits nothing"},
		{"custom merge without merger", func(w *Workflow) {
			n := w.Nodes["join"].(Join)
			n.Merge = MergeCustom
			w.Nodes["join"] = n
		}, "no merger name"},
		{"loop without iterations", func(w *Workflow) {
			n := w.Nodes["polish"].(Loop)
			n.MaxIterations = 0
			w.Nodes["polish"] = n
		}, "positive max_iterations"},
		{"break rule without condition", func(w *Workflow) {
			n := w.Nodes["polish"].(Loop)
			n.BreakRules = []BreakRule{{Target: "notify"}}
			w.Nodes["polish"] = n
		}, "no condition"},
		{"action without act", func(w *Workflow) {
			n := w.Nodes["notify"].(Action)
			n.Act = nil
			w.Nodes["notify"] = n
		}, "carries no action"},
		{"generic without type", func(w *Workflow) {
			n := w.Nodes["custom"].(Generic)
			n.ExecutorType = ""
			w.Nodes["custom"] = n
		}, "names no executor type"},
		{"subworkflow without id", func(w *Workflow) {
			n := w.Nodes["child"].(SubWorkflow)
			n.WorkflowID = ""
			w.Nodes["child"] = n
		}, "names no workflow"},
		{"bad exit status", func(w *Workflow) {
			n := w.Nodes["finish"].(End)
			n.ExitStatus = "MAYBE"
			w.Nodes["finish"] = n
		}, "exit status"},
		{"no end node", func(w *Workflow) {
			delete(w.Nodes, "finish")
			n := w.Nodes["child"].(SubWorkflow)
			n.Transitions = Rules{AlwaysRule{Target: "child"}}
			w.Nodes["child"] = n
			d := w.Nodes["draft"].(Standard)
			d.Transitions = Rules{SuccessRule{Target: "fan"}}
			w.Nodes["draft"] = d
		}, "no end node"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := fixture()
			tc.mutate(w)
			err := w.Validate()
			require.Error(t, err)
			require.ErrorIs(t, err, ErrInvalid)
			if tc.want != "" {
				require.Contains(t, err.Error(), tc.want)
			}
		})
	}
}

func TestPlanningMode(t *testing.T) {
	n := Standard{}
	require.Equal(t, PlanDisabled, n.PlanningMode())
	n.Planning = &PlanConfig{}
	require.Equal(t, PlanDisabled, n.PlanningMode())
	n.Planning.Mode = PlanAuto
	require.Equal(t, PlanAuto, n.PlanningMode())
}

func TestScoreConditionMatches(t *testing.T) {
	cases := []struct {
		cond  ScoreCondition
		score float64
		want  bool
	}{
		{ScoreCondition{Op: OpGT, Value: 50}, 51, true},
		{ScoreCondition{Op: OpGT, Value: 50}, 50, false},
		{ScoreCondition{Op: OpGTE, Value: 50}, 50, true},
		{ScoreCondition{Op: OpLT, Value: 50}, 49, true},
		{ScoreCondition{Op: OpLTE, Value: 50}, 50, true},
		{ScoreCondition{Op: OpEQ, Value: 50}, 50, true},
		{ScoreCondition{Op: OpEQ, Value: 50}, 50.5, false},
		{ScoreCondition{Op: OpRange, Min: 40, Max: 60}, 40, true},
		{ScoreCondition{Op: OpRange, Min: 40, Max: 60}, 60, true},
		{ScoreCondition{Op: OpRange, Min: 40, Max: 60}, 61, false},
		{ScoreCondition{Op: "junk"}, 100, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, tc.cond.Matches(tc.score), "%+v vs %v", tc.cond, tc.score)
	}
}

func TestRuleTargets(t *testing.T) {
	require.Equal(t, []string{"a"}, Targets(SuccessRule{Target: "a"}))
	require.Equal(t, []string{"a"}, Targets(FailureRule{Target: "a"}))
	require.Equal(t, []string{"a"}, Targets(AlwaysRule{Target: "a"}))
	require.Equal(t, []string{"x", "y"}, Targets(ScoreRule{Conditions: []ScoreCondition{
		{Op: OpGT, Value: 1, Target: "x"},
		{Op: OpLT, Value: 1, Target: "y"},
	}}))
	require.Equal(t, []string{"f", "p"}, Targets(RubricFailRule{Target: "f", PassTarget: "p"}))
	require.Equal(t, []string{"f"}, Targets(RubricFailRule{Target: "f"}))
}
