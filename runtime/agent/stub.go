package agent

import (
	"context"
	"strings"
	"sync"
)

// StubPriority ranks the stub provider above any real provider so that
// enabling stub mode intercepts every model.
const StubPriority = 1000

type (
	// StubProvider serves deterministic canned responses for every model.
	// It backs stub mode in development and the scripted agents used by
	// tests. Scripts are consulted in registration order; the first one
	// that answers wins, and unscripted prompts fall back to a
	// deterministic echo.
	StubProvider struct {
		mu      sync.RWMutex
		scripts []stubScript
	}

	// ScriptFunc inspects a prompt and either answers it (ok true) or
	// passes (ok false).
	ScriptFunc func(agentID, prompt string, execCtx map[string]any) (Response, bool)

	stubScript struct {
		fn ScriptFunc
	}

	stubAgent struct {
		id       string
		model    string
		provider *StubProvider
	}
)

// NewStubProvider returns an empty stub provider.
func NewStubProvider() *StubProvider {
	return &StubProvider{}
}

// Name implements Provider.
func (p *StubProvider) Name() string { return "stub" }

// SupportsModel implements Provider; the stub serves everything.
func (p *StubProvider) SupportsModel(string) bool { return true }

// Priority implements Provider.
func (p *StubProvider) Priority() int { return StubPriority }

// CreateAgent implements Provider.
func (p *StubProvider) CreateAgent(id string, cfg Config, _ Credentials) (Agent, error) {
	return &stubAgent{id: id, model: cfg.Model, provider: p}, nil
}

// Script registers a substring-matched response: prompts containing substr
// receive resp.
func (p *StubProvider) Script(substr string, resp Response) {
	p.ScriptFunc(func(_, prompt string, _ map[string]any) (Response, bool) {
		if substr != "" && !strings.Contains(prompt, substr) {
			return nil, false
		}
		return resp, true
	})
}

// ScriptFunc registers an arbitrary script. Scripts run in registration
// order under the provider lock, so stateful closures (fail twice, then
// succeed) need no extra synchronization.
func (p *StubProvider) ScriptFunc(fn ScriptFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts = append(p.scripts, stubScript{fn: fn})
}

func (p *StubProvider) respond(agentID, model, prompt string, execCtx map[string]any) Response {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.scripts {
		if resp, ok := s.fn(agentID, prompt, execCtx); ok {
			return resp
		}
	}
	return TextResponse{
		Content: "stub:" + model + " response for " + head(prompt, 48),
		Model:   model,
	}
}

// ID implements Agent.
func (a *stubAgent) ID() string { return a.id }

// Execute implements Agent. The stub never fails at the transport level;
// scripted failures use ErrorResponse.
func (a *stubAgent) Execute(ctx context.Context, prompt string, execCtx map[string]any) (Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.provider.respond(a.id, a.model, prompt, execCtx), nil
}

func head(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
