// Package agent defines the language-model capability the workflow runtime
// consumes: an Agent executes a resolved prompt against execution context
// and answers with one of a closed set of response variants. Providers
// construct agents from per-workflow configs; the Registry picks the
// highest-priority provider that supports the requested model.
package agent

import (
	"context"

	"goa.design/hensu/runtime/plan"
)

type (
	// Agent is a configured language-model caller. Implementations may
	// block on network I/O; they must honor ctx cancellation.
	Agent interface {
		// ID returns the agent's workflow-scoped identifier.
		ID() string
		// Execute runs prompt with the execution context visible to the
		// model and returns one response variant. Transport failures are
		// returned as errors; model-reported failures use ErrorResponse.
		Execute(ctx context.Context, prompt string, execCtx map[string]any) (Response, error)
	}

	// Config is the per-workflow agent configuration carried by Workflow
	// definitions.
	Config struct {
		// Model names the language model ("claude-sonnet-4-5", "gpt-4o").
		Model string `json:"model"`
		// Role is a free-form role hint included in system prompts.
		Role string `json:"role,omitempty"`
		// Temperature adjusts sampling; zero means provider default.
		Temperature float64 `json:"temperature,omitempty"`
		// MaxTokens caps the response length; zero means provider default.
		MaxTokens int `json:"max_tokens,omitempty"`
		// Tools lists tool names this agent may request.
		Tools []string `json:"tools,omitempty"`
		// Instructions is the standing system instruction text.
		Instructions string `json:"instructions,omitempty"`
	}

	// Credentials carries provider secrets. Discovery is out of scope;
	// callers populate this from their own configuration.
	Credentials map[string]string

	// Response is the closed set of agent answers. Exactly four variants
	// exist: TextResponse, ToolRequest, PlanProposal, and ErrorResponse.
	Response interface {
		isResponse()
	}

	// TextResponse is a plain completion.
	TextResponse struct {
		// Content is the model output.
		Content string
		// Model is the model that actually served the call.
		Model string
		// TokensUsed is the total token count when the provider reports it.
		TokensUsed int
		// Metadata carries provider-specific extras.
		Metadata map[string]any
	}

	// ToolRequest asks the runtime to call a tool on the agent's behalf.
	// Nodes without planning enabled treat it as a failure.
	ToolRequest struct {
		// Tool is the requested tool name.
		Tool string
		// Arguments is the requested argument object.
		Arguments map[string]any
		// Goal optionally restates what the agent is trying to achieve;
		// planners use it when growing a plan around the request.
		Goal string
	}

	// PlanProposal carries a complete plan produced by the model.
	PlanProposal struct {
		// Plan is the proposed step sequence.
		Plan *plan.Plan
	}

	// ErrorResponse is a model-reported failure (refusal, overload
	// surfaced in-band, malformed generation).
	ErrorResponse struct {
		// Message describes the failure.
		Message string
	}
)

func (TextResponse) isResponse()  {}
func (ToolRequest) isResponse()   {}
func (PlanProposal) isResponse()  {}
func (ErrorResponse) isResponse() {}
