package workflow

import (
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/hensu/runtime/agent"
	"goa.design/hensu/runtime/state"
)

// ErrInvalid is wrapped by every validation failure so callers can classify
// definition errors without string matching.
var ErrInvalid = errors.New("invalid workflow definition")

type (
	// NodeSet maps node ids to their definitions.
	NodeSet map[string]Node

	// Config carries workflow-level execution tuning. Zero values defer to
	// the engine defaults.
	Config struct {
		// MaxConcurrency bounds concurrent branch and fork-path
		// executions within one workflow execution.
		MaxConcurrency int `json:"max_concurrency,omitempty"`
		// StepCap overrides the engine's per-execution step budget.
		StepCap int `json:"step_cap,omitempty"`
	}

	// Workflow is an immutable process definition. Engines never mutate
	// workflows; all run-scoped data lives on the execution state.
	Workflow struct {
		// ID identifies the workflow within a tenant.
		ID string `json:"id"`
		// Version is an opaque definition version carried into metadata.
		Version string `json:"version,omitempty"`
		// Name and Description are for humans.
		Name        string `json:"name,omitempty"`
		Description string `json:"description,omitempty"`
		// StartNodeID is where fresh executions begin.
		StartNodeID string `json:"start"`
		// Nodes is the execution graph.
		Nodes NodeSet `json:"nodes"`
		// Rubrics maps the rubric names nodes reference to rubric
		// definition ids in the rubric repository.
		Rubrics map[string]string `json:"rubrics,omitempty"`
		// Agents maps the agent ids nodes reference to their configs.
		Agents map[string]agent.Config `json:"agents,omitempty"`
		// Metadata carries free-form definition labels.
		Metadata map[string]string `json:"metadata,omitempty"`
		// Config tunes execution.
		Config Config `json:"config,omitempty"`
	}
)

// Node returns the node with the given id.
func (w *Workflow) Node(id string) (Node, bool) {
	n, ok := w.Nodes[id]
	return n, ok
}

// Parse decodes and validates a JSON workflow definition.
func Parse(data []byte) (*Workflow, error) {
	var w Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, err)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// Validate checks the structural invariants execution relies on: the start
// node and every transition target exist, rubric names resolve, agent
// references resolve, and each variant's own requirements hold.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return invalidf("workflow id is required")
	}
	if len(w.Nodes) == 0 {
		return invalidf("workflow %s has no nodes", w.ID)
	}
	if w.StartNodeID == "" {
		return invalidf("workflow %s has no start node", w.ID)
	}
	if _, ok := w.Nodes[w.StartNodeID]; !ok {
		return invalidf("workflow %s start node %q is not defined", w.ID, w.StartNodeID)
	}

	ends := 0
	for id, n := range w.Nodes {
		if n == nil {
			return invalidf("node %q is null", id)
		}
		if n.NodeID() != id {
			return invalidf("node %q declares mismatched id %q", id, n.NodeID())
		}
		if err := w.validateNode(n); err != nil {
			return err
		}
		if n.Kind() == KindEnd {
			ends++
		}
	}
	if ends == 0 {
		return invalidf("workflow %s has no end node", w.ID)
	}
	return nil
}

func (w *Workflow) validateNode(n Node) error {
	id := n.NodeID()

	for _, rule := range n.Rules() {
		for _, target := range Targets(rule) {
			if err := w.checkTarget(id, target); err != nil {
				return err
			}
		}
		if f, ok := rule.(FailureRule); ok && f.RetryCount < 0 {
			return invalidf("node %q failure rule has negative retry count", id)
		}
		if s, ok := rule.(ScoreRule); ok {
			if len(s.Conditions) == 0 {
				return invalidf("node %q score rule has no conditions", id)
			}
			for _, c := range s.Conditions {
				if !c.Op.Valid() {
					return invalidf("node %q score condition op %q is unknown", id, c.Op)
				}
			}
		}
	}
	if err := w.checkRubric(id, n.RubricName()); err != nil {
		return err
	}
	if cfg := n.Review(); cfg != nil && !cfg.Mode.Valid() {
		return invalidf("node %q review mode %q is unknown", id, cfg.Mode)
	}

	switch v := n.(type) {
	case Standard:
		if v.AgentID == "" {
			return invalidf("standard node %q names no agent", id)
		}
		if _, ok := w.Agents[v.AgentID]; !ok {
			return invalidf("standard node %q references undefined agent %q", id, v.AgentID)
		}
		if v.PlanFailureTarget != "" {
			if err := w.checkTarget(id, v.PlanFailureTarget); err != nil {
				return err
			}
		}
		if v.Planning != nil && v.Planning.Mode != "" {
			switch v.Planning.Mode {
			case PlanDisabled, PlanAuto, PlanAlways:
			default:
				return invalidf("standard node %q planning mode %q is unknown", id, v.Planning.Mode)
			}
		}
	case Parallel:
		if len(v.Branches) == 0 {
			return invalidf("parallel node %q has no branches", id)
		}
		if !v.Consensus.Valid() {
			return invalidf("parallel node %q consensus %q is unknown", id, v.Consensus)
		}
		seen := make(map[string]bool, len(v.Branches))
		for i, b := range v.Branches {
			if b.ID == "" {
				return invalidf("parallel node %q branch %d has no id", id, i)
			}
			if seen[b.ID] {
				return invalidf("parallel node %q duplicates branch id %q", id, b.ID)
			}
			seen[b.ID] = true
			if _, ok := w.Agents[b.AgentID]; !ok {
				return invalidf("parallel node %q branch %q references undefined agent %q", id, b.ID, b.AgentID)
			}
			if err := w.checkRubric(id, b.RubricID); err != nil {
				return err
			}
		}
	case Fork:
		if len(v.Targets) == 0 {
			return invalidf("fork node %q has no targets", id)
		}
		for _, t := range v.Targets {
			if err := w.checkTarget(id, t); err != nil {
				return err
			}
		}
	case Join:
		if len(v.AwaitTargets) == 0 {
			return invalidf("join node %q awaits nothing", id)
		}
		for _, t := range v.AwaitTargets {
			if err := w.checkTarget(id, t); err != nil {
				return err
			}
		}
		if !v.Merge.Valid() {
			return invalidf("join node %q merge strategy %q is unknown", id, v.Merge)
		}
		if v.Merge == MergeCustom && v.Merger == "" {
			return invalidf("join node %q uses a custom merge with no merger name", id)
		}
	case Loop:
		if v.MaxIterations <= 0 {
			return invalidf("loop node %q needs a positive max_iterations", id)
		}
		if err := w.checkTarget(id, v.Body); err != nil {
			return err
		}
		for i, br := range v.BreakRules {
			if br.Condition == "" {
				return invalidf("loop node %q break rule %d has no condition", id, i)
			}
			if err := w.checkTarget(id, br.Target); err != nil {
				return err
			}
		}
	case Action:
		if v.Act == nil {
			return invalidf("action node %q carries no action", id)
		}
	case Generic:
		if v.ExecutorType == "" {
			return invalidf("generic node %q names no executor type", id)
		}
	case SubWorkflow:
		if v.WorkflowID == "" {
			return invalidf("subworkflow node %q names no workflow", id)
		}
	case End:
		if v.ExitStatus != state.StatusSuccess && v.ExitStatus != state.StatusFailure {
			return invalidf("end node %q exit status %q is unknown", id, v.ExitStatus)
		}
	}
	return nil
}

func (w *Workflow) checkTarget(nodeID, target string) error {
	if target == "" {
		return invalidf("node %q has an empty transition target", nodeID)
	}
	if _, ok := w.Nodes[target]; !ok {
		return invalidf("node %q targets undefined node %q", nodeID, target)
	}
	return nil
}

func (w *Workflow) checkRubric(nodeID, name string) error {
	if name == "" {
		return nil
	}
	if _, ok := w.Rubrics[name]; !ok {
		return invalidf("node %q references undefined rubric %q", nodeID, name)
	}
	return nil
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
