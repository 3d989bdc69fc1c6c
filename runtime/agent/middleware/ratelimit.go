// Package middleware provides reusable agent decorators such as request
// rate limiting. Decorators plug into the agent registry through
// agent.WithAgentWrapper so every provider-created agent is wrapped once.
package middleware

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"goa.design/hensu/runtime/agent"
)

type (
	// RateLimiter applies a process-local token bucket per model. Callers
	// construct one limiter per environment and wrap agents with
	// Middleware; Execute then blocks until capacity is available or the
	// context is cancelled.
	RateLimiter struct {
		mu       sync.Mutex
		limiters map[string]*rate.Limiter

		rps   rate.Limit
		burst int
	}

	limitedAgent struct {
		next    agent.Agent
		model   string
		limiter *RateLimiter
	}
)

// NewRateLimiter constructs a limiter allowing rps requests per second with
// the given burst per model. Non-positive values select one request per
// second with a burst of one.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Wrapper returns the decorator to pass to agent.WithAgentWrapper. Each
// created agent is wrapped with the bucket for its configured model.
func (l *RateLimiter) Wrapper() func(model string, next agent.Agent) agent.Agent {
	return func(model string, next agent.Agent) agent.Agent {
		if next == nil {
			return nil
		}
		return &limitedAgent{next: next, model: model, limiter: l}
	}
}

// Wait blocks until the model's bucket grants a token or ctx is done.
func (l *RateLimiter) Wait(ctx context.Context, model string) error {
	return l.bucket(model).Wait(ctx)
}

// Allow reports whether a token is immediately available for model,
// consuming it when so.
func (l *RateLimiter) Allow(model string) bool {
	return l.bucket(model).Allow()
}

func (l *RateLimiter) bucket(model string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[model]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[model] = lim
	}
	return lim
}

// ID implements agent.Agent.
func (a *limitedAgent) ID() string { return a.next.ID() }

// Execute implements agent.Agent, blocking on the model's bucket first.
func (a *limitedAgent) Execute(ctx context.Context, prompt string, execCtx map[string]any) (agent.Response, error) {
	if err := a.limiter.Wait(ctx, a.model); err != nil {
		return nil, err
	}
	return a.next.Execute(ctx, prompt, execCtx)
}
