package hensu

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"goa.design/hensu/runtime/agent"
	"goa.design/hensu/runtime/fault"
	"goa.design/hensu/runtime/plan"
	"goa.design/hensu/runtime/telemetry"
	"goa.design/hensu/runtime/tools"
)

type (
	// AgentPlanner adapts a planning agent into the plan.Planner and
	// plan.Reviser the engine consumes. The agent is prompted for a JSON
	// plan; PlanProposal and ToolRequest responses are accepted directly,
	// text responses are parsed for the first JSON plan object.
	AgentPlanner struct {
		agent   agent.Agent
		catalog *tools.Registry
		logger  telemetry.Logger
	}

	// AgentPlannerOption configures an AgentPlanner.
	AgentPlannerOption func(*AgentPlanner)

	// planSpec is the JSON shape planning agents are asked to produce.
	planSpec struct {
		Goal  string     `json:"goal"`
		Steps []stepSpec `json:"steps"`
	}

	stepSpec struct {
		Tool        string         `json:"tool"`
		Arguments   map[string]any `json:"arguments"`
		Description string         `json:"description"`
	}
)

// WithPlannerCatalog advertises the tool catalog in planning prompts so the
// agent only proposes registered tools.
func WithPlannerCatalog(r *tools.Registry) AgentPlannerOption {
	return func(p *AgentPlanner) { p.catalog = r }
}

// WithPlannerLogger sets the adapter logger.
func WithPlannerLogger(l telemetry.Logger) AgentPlannerOption {
	return func(p *AgentPlanner) { p.logger = l }
}

// NewAgentPlanner wraps a planning agent.
func NewAgentPlanner(a agent.Agent, opts ...AgentPlannerOption) *AgentPlanner {
	p := &AgentPlanner{agent: a, logger: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CreatePlan implements plan.Planner.
func (p *AgentPlanner) CreatePlan(ctx context.Context, goal string, vars map[string]any) (*plan.Plan, error) {
	prompt := fmt.Sprintf(`Produce a plan of tool calls that accomplishes the goal.
%s
Goal: %s

Reply with JSON only:
{"goal": "<restated goal>", "steps": [{"tool": "<tool name>", "arguments": {}, "description": "<what the step does>"}]}`,
		p.catalogSection(), goal)

	resp, err := p.agent.Execute(ctx, prompt, vars)
	if err != nil {
		return nil, fault.Wrap(fault.PlanCreationError, "planning agent call failed", err)
	}
	built, err := p.planFromResponse(resp, goal, fault.PlanCreationError)
	if err != nil {
		return nil, err
	}
	p.logger.Debug(ctx, "plan created", "plan_id", built.ID, "steps", len(built.Steps))
	return built, nil
}

// RevisePlan implements plan.Reviser. Steps that already succeeded carry
// over with their statuses; the agent is asked to re-plan only the remaining
// work.
func (p *AgentPlanner) RevisePlan(ctx context.Context, prev *plan.Plan, rev plan.Revision) (*plan.Plan, error) {
	var done []plan.Step
	for _, s := range prev.Steps {
		if s.Status != plan.StepSucceeded {
			break
		}
		done = append(done, s)
	}

	prompt := fmt.Sprintf(`A plan failed partway through. Produce replacement steps for the remaining work.
%s
Goal: %s

Completed steps:
%s
Failed step %d (%s): %s
Failure output: %s

Reply with JSON only:
{"steps": [{"tool": "<tool name>", "arguments": {}, "description": "<what the step does>"}]}`,
		p.catalogSection(), prev.Goal, describeSteps(done),
		rev.FailedStep, stepTool(prev, rev.FailedStep), rev.Reason, rev.Output)

	resp, err := p.agent.Execute(ctx, prompt, nil)
	if err != nil {
		return nil, fault.Wrap(fault.PlanRevisionError, "planning agent call failed", err)
	}
	next, err := p.planFromResponse(resp, prev.Goal, fault.PlanRevisionError)
	if err != nil {
		return nil, err
	}

	steps := make([]plan.Step, 0, len(done)+len(next.Steps))
	steps = append(steps, done...)
	steps = append(steps, next.Steps...)
	for i := len(done); i < len(steps); i++ {
		steps[i].Status = plan.StepPending
	}
	revised := plan.New(plan.OriginLLM, prev.Goal, steps)
	p.logger.Debug(ctx, "plan revised",
		"plan_id", prev.ID, "new_plan_id", revised.ID, "kept", len(done), "steps", len(revised.Steps))
	return revised, nil
}

// planFromResponse converts any of the agent response variants into a plan.
func (p *AgentPlanner) planFromResponse(resp agent.Response, goal string, kind fault.Kind) (*plan.Plan, error) {
	switch r := resp.(type) {
	case agent.PlanProposal:
		if r.Plan == nil || len(r.Plan.Steps) == 0 {
			return nil, fault.New(kind, "agent proposed an empty plan")
		}
		return plan.New(plan.OriginLLM, orGoal(r.Plan.Goal, goal), r.Plan.Steps), nil
	case agent.ToolRequest:
		return plan.New(plan.OriginLLM, orGoal(r.Goal, goal), []plan.Step{{
			Tool:      r.Tool,
			Arguments: r.Arguments,
		}}), nil
	case agent.TextResponse:
		spec, ok := parsePlanText(r.Content)
		if !ok {
			return nil, fault.New(kind, "agent response contained no JSON plan")
		}
		steps := make([]plan.Step, len(spec.Steps))
		for i, s := range spec.Steps {
			if s.Tool == "" {
				return nil, fault.Errorf(kind, "plan step %d names no tool", i)
			}
			steps[i] = plan.Step{Tool: s.Tool, Arguments: s.Arguments, Description: s.Description}
		}
		return plan.New(plan.OriginLLM, orGoal(spec.Goal, goal), steps), nil
	case agent.ErrorResponse:
		return nil, fault.Errorf(kind, "planning agent: %s", r.Message)
	default:
		return nil, fault.New(kind, "unsupported planning agent response")
	}
}

// catalogSection renders the registered tools for inclusion in prompts.
func (p *AgentPlanner) catalogSection() string {
	if p.catalog == nil {
		return ""
	}
	defs := p.catalog.List()
	if len(defs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\nAvailable tools:\n")
	for _, def := range defs {
		fmt.Fprintf(&b, "- %s", def.Name)
		if def.Description != "" {
			fmt.Fprintf(&b, ": %s", def.Description)
		}
		for _, param := range def.Parameters {
			fmt.Fprintf(&b, "\n    %s (%s)", param.Name, paramHint(param))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func paramHint(p tools.Parameter) string {
	hint := p.Type
	if hint == "" {
		hint = "any"
	}
	if p.Required {
		hint += ", required"
	}
	return hint
}

func describeSteps(steps []plan.Step) string {
	if len(steps) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, s := range steps {
		fmt.Fprintf(&b, "%d. %s", s.Index, s.Tool)
		if s.Description != "" {
			fmt.Fprintf(&b, " - %s", s.Description)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func stepTool(p *plan.Plan, idx int) string {
	if idx < 0 || idx >= len(p.Steps) {
		return "unknown"
	}
	return p.Steps[idx].Tool
}

func orGoal(got, fallback string) string {
	if got != "" {
		return got
	}
	return fallback
}

// parsePlanText scans text for the first brace-balanced JSON object that
// decodes into a plan with at least one step.
func parsePlanText(s string) (planSpec, bool) {
	for start := strings.IndexByte(s, '{'); start >= 0 && start < len(s); {
		end, ok := jsonObjectEnd(s, start)
		if ok {
			var spec planSpec
			if err := json.Unmarshal([]byte(s[start:end+1]), &spec); err == nil && len(spec.Steps) > 0 {
				return spec, true
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += 1 + next
	}
	return planSpec{}, false
}

// jsonObjectEnd returns the index of the brace closing the object that opens
// at start, accounting for strings and escapes.
func jsonObjectEnd(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
