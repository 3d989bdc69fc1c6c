// Package workflow defines the immutable workflow model the engine
// executes: a graph of typed nodes joined by transition rules, plus the
// agent configurations and rubric bindings the graph references. Definitions
// arrive as JSON produced by authoring tools; Validate establishes the
// structural invariants the engine relies on so execution never has to
// re-check them.
package workflow

import (
	"time"

	"goa.design/hensu/runtime/action"
	"goa.design/hensu/runtime/review"
	"goa.design/hensu/runtime/state"
)

// Kind discriminates node variants on the wire and in executor dispatch.
type Kind string

const (
	KindStandard    Kind = "standard"
	KindParallel    Kind = "parallel"
	KindFork        Kind = "fork"
	KindJoin        Kind = "join"
	KindLoop        Kind = "loop"
	KindAction      Kind = "action"
	KindGeneric     Kind = "generic"
	KindSubWorkflow Kind = "subworkflow"
	KindEnd         Kind = "end"
)

type (
	// Node is the closed set of workflow node variants. All variants share
	// the Base fields; the executor dispatches on Kind.
	Node interface {
		isNode()
		// NodeID returns the node's graph identifier.
		NodeID() string
		// Kind returns the variant tag.
		Kind() Kind
		// Rules returns the node's transition rules in evaluation order.
		Rules() []TransitionRule
		// RubricName returns the workflow-level rubric name scoring this
		// node's output, empty when the node is unscored.
		RubricName() string
		// Review returns the node's review policy, nil when review is off.
		Review() *review.Config
	}

	// Base carries the fields every node variant shares.
	Base struct {
		// ID identifies the node inside its workflow.
		ID string `json:"id"`
		// Transitions are evaluated first-match-wins after the node runs.
		Transitions Rules `json:"transitions,omitempty"`
		// RubricID names an entry of Workflow.Rubrics; outputs of this
		// node are scored against it.
		RubricID string `json:"rubric,omitempty"`
		// ReviewConfig turns on human review for this node.
		ReviewConfig *review.Config `json:"review,omitempty"`
	}
)

func (b Base) isNode()                {}
func (b Base) NodeID() string         { return b.ID }
func (b Base) Rules() []TransitionRule {
	return b.Transitions
}
func (b Base) RubricName() string     { return b.RubricID }
func (b Base) Review() *review.Config { return b.ReviewConfig }

// PlanMode controls whether a standard node may enter the plan
// sub-state-machine.
type PlanMode string

const (
	// PlanDisabled treats tool requests as node failures.
	PlanDisabled PlanMode = "DISABLED"
	// PlanAuto enters planning when the agent requests tools or proposes
	// a plan.
	PlanAuto PlanMode = "AUTO"
	// PlanAlways skips the agent call and asks the planner directly.
	PlanAlways PlanMode = "ALWAYS"
)

type (
	// PlanConfig bounds the plan sub-state-machine of a standard node.
	PlanConfig struct {
		// Mode selects when planning happens; empty means DISABLED.
		Mode PlanMode `json:"mode"`
		// MaxSteps caps plan length and total dispatched steps.
		MaxSteps int `json:"max_steps,omitempty"`
		// MaxReplans caps planner revisions after step failures.
		MaxReplans int `json:"max_replans,omitempty"`
		// Timeout bounds the whole plan run, in nanoseconds on the wire.
		Timeout time.Duration `json:"timeout,omitempty"`
	}

	// Standard is the ordinary agent-calling node: resolve the prompt,
	// execute the agent, interpret its response.
	Standard struct {
		Base
		// AgentID keys into Workflow.Agents.
		AgentID string `json:"agent"`
		// Prompt may contain {key} placeholders resolved against the
		// execution context.
		Prompt string `json:"prompt"`
		// OutputParams lists JSON keys lifted from the agent output into
		// the execution context.
		OutputParams []string `json:"output_params,omitempty"`
		// Planning enables the plan sub-state-machine.
		Planning *PlanConfig `json:"planning,omitempty"`
		// PlanFailureTarget routes plan failures to a dedicated node
		// instead of the regular failure transitions.
		PlanFailureTarget string `json:"plan_failure_target,omitempty"`
	}
)

// PlanningMode returns the node's effective planning mode.
func (n Standard) PlanningMode() PlanMode {
	if n.Planning == nil || n.Planning.Mode == "" {
		return PlanDisabled
	}
	return n.Planning.Mode
}

// ConsensusStrategy aggregates parallel branch results.
type ConsensusStrategy string

const (
	// ConsensusAll succeeds only when every branch succeeds.
	ConsensusAll ConsensusStrategy = "ALL"
	// ConsensusMajority succeeds when enough branches agree on the same
	// normalized output.
	ConsensusMajority ConsensusStrategy = "MAJORITY"
	// ConsensusAny succeeds on the first branch success and cancels the
	// rest.
	ConsensusAny ConsensusStrategy = "ANY"
)

// Valid reports whether s is a known strategy.
func (s ConsensusStrategy) Valid() bool {
	switch s {
	case ConsensusAll, ConsensusMajority, ConsensusAny:
		return true
	}
	return false
}

type (
	// Branch is one agent call inside a Parallel node.
	Branch struct {
		// ID identifies the branch in outputs and metadata.
		ID string `json:"id"`
		// AgentID keys into Workflow.Agents.
		AgentID string `json:"agent"`
		// Prompt is template-resolved like standard prompts.
		Prompt string `json:"prompt"`
		// RubricID optionally scores this branch's output; a failing
		// score fails the branch.
		RubricID string `json:"rubric,omitempty"`
	}

	// Parallel fans one prompt set out across branches and folds the
	// results with a consensus strategy.
	Parallel struct {
		Base
		Branches  []Branch          `json:"branches"`
		Consensus ConsensusStrategy `json:"consensus"`
	}

	// Fork launches independent execution paths. Each target runs
	// concurrently until it reaches a Join or End node; the next Join
	// collects them.
	Fork struct {
		Base
		Targets []string `json:"targets"`
	}
)

// MergeStrategy folds joined fork-path outputs into one value.
type MergeStrategy string

const (
	// MergeCollectAll produces a JSON object keyed by awaited node id.
	MergeCollectAll MergeStrategy = "COLLECT_ALL"
	// MergeFirstCompleted keeps the output of the first awaited node that
	// finished.
	MergeFirstCompleted MergeStrategy = "FIRST_COMPLETED"
	// MergeConcatenate joins outputs with newlines in await order.
	MergeConcatenate MergeStrategy = "CONCATENATE"
	// MergeMaps JSON-decodes each output as an object and merges keys,
	// later awaits winning collisions.
	MergeMaps MergeStrategy = "MERGE_MAPS"
	// MergeCustom delegates to a merger registered on the engine under
	// Join.Merger.
	MergeCustom MergeStrategy = "CUSTOM"
)

// Valid reports whether m is a known strategy.
func (m MergeStrategy) Valid() bool {
	switch m {
	case MergeCollectAll, MergeFirstCompleted, MergeConcatenate, MergeMaps, MergeCustom:
		return true
	}
	return false
}

type (
	// Join blocks until the awaited fork paths complete, merges their
	// outputs, and stores the merged value in the execution context.
	Join struct {
		Base
		// AwaitTargets are node ids whose results the join waits for.
		AwaitTargets []string `json:"await"`
		// Merge selects the fold.
		Merge MergeStrategy `json:"merge"`
		// Merger names a registered custom merger; only with MergeCustom.
		Merger string `json:"merger,omitempty"`
		// OutputField is the context key receiving the merged output;
		// defaults to the join node id.
		OutputField string `json:"output_field,omitempty"`
	}

	// BreakRule exits a loop early: when Condition evaluates true against
	// the execution context, the loop ends and the execution transitions
	// to Target.
	BreakRule struct {
		// Condition is an expr-lang boolean expression over the context.
		Condition string `json:"condition"`
		// Target is the node to transition to on break.
		Target string `json:"target"`
	}

	// Loop repeatedly executes Body, testing break rules after every
	// iteration, for at most MaxIterations iterations.
	Loop struct {
		Base
		// Body is the node executed each iteration.
		Body string `json:"body"`
		// MaxIterations is the hard iteration ceiling.
		MaxIterations int `json:"max_iterations"`
		// BreakRules are tested in order after each iteration.
		BreakRules []BreakRule `json:"break_rules,omitempty"`
	}

	// Action performs a side effect through the action executor instead of
	// calling an agent.
	Action struct {
		Base
		// Act is the dispatch to perform; payload templates resolve
		// against the execution context.
		Act action.Action `json:"-"`
	}

	// Generic delegates to an executor registered on the engine under
	// ExecutorType, with free-form configuration.
	Generic struct {
		Base
		ExecutorType string         `json:"executor_type"`
		Config       map[string]any `json:"config,omitempty"`
	}

	// SubWorkflow runs another workflow to completion as a single node.
	SubWorkflow struct {
		Base
		// WorkflowID names the child workflow in the workflow repository.
		WorkflowID string `json:"workflow_id"`
		// InputMapping projects parent context into the child's initial
		// context: child key <- parent key.
		InputMapping map[string]string `json:"input_mapping,omitempty"`
		// OutputMapping projects the child's final context back:
		// parent key <- child key.
		OutputMapping map[string]string `json:"output_mapping,omitempty"`
	}

	// End terminates the execution with ExitStatus.
	End struct {
		Base
		ExitStatus state.Status `json:"exit_status"`
	}
)

func (Standard) Kind() Kind    { return KindStandard }
func (Parallel) Kind() Kind    { return KindParallel }
func (Fork) Kind() Kind        { return KindFork }
func (Join) Kind() Kind        { return KindJoin }
func (Loop) Kind() Kind        { return KindLoop }
func (Action) Kind() Kind      { return KindAction }
func (Generic) Kind() Kind     { return KindGeneric }
func (SubWorkflow) Kind() Kind { return KindSubWorkflow }
func (End) Kind() Kind         { return KindEnd }
