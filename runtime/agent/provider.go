package agent

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"goa.design/hensu/runtime/fault"
	"goa.design/hensu/runtime/telemetry"
)

// ErrProviderMissing is returned when no registered provider supports a
// requested model.
var ErrProviderMissing = errors.New("no provider supports model")

type (
	// Provider constructs agents for the models it supports. When several
	// providers support a model the highest Priority wins; ties break by
	// registration order.
	Provider interface {
		// Name identifies the provider in logs.
		Name() string
		// SupportsModel reports whether the provider can serve model.
		SupportsModel(model string) bool
		// Priority ranks the provider; higher wins.
		Priority() int
		// CreateAgent builds an agent for the given id and config.
		CreateAgent(id string, cfg Config, creds Credentials) (Agent, error)
	}

	// Registry owns providers and the agents they create. Agents live for
	// the registry's lifetime; executors borrow references and never
	// mutate them. All methods are safe for concurrent use.
	Registry struct {
		mu        sync.RWMutex
		providers []Provider
		agents    map[string]Agent
		creds     Credentials
		wrap      func(model string, a Agent) Agent
		logger    telemetry.Logger
	}

	// RegistryOption configures a Registry.
	RegistryOption func(*Registry)
)

// WithCredentials supplies provider credentials used by CreateAgent.
func WithCredentials(creds Credentials) RegistryOption {
	return func(r *Registry) { r.creds = creds }
}

// WithLogger sets the registry logger; the default discards records.
func WithLogger(logger telemetry.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithProvider registers a provider at construction time.
func WithProvider(p Provider) RegistryOption {
	return func(r *Registry) { r.insert(p) }
}

// WithAgentWrapper decorates every created agent (rate limiting,
// instrumentation). Wrapping happens once, when the agent is first built;
// the wrapper receives the model name the agent was configured with.
func WithAgentWrapper(wrap func(model string, a Agent) Agent) RegistryOption {
	return func(r *Registry) { r.wrap = wrap }
}

// NewRegistry builds an agent registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		agents: make(map[string]Agent),
		logger: telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterProvider adds a provider after construction.
func (r *Registry) RegisterProvider(p Provider) error {
	if p == nil {
		return errors.New("provider is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, p)
	// Stable sort keeps registration order among equal priorities.
	sort.SliceStable(r.providers, func(i, j int) bool {
		return r.providers[i].Priority() > r.providers[j].Priority()
	})
	return nil
}

func (r *Registry) insert(p Provider) {
	r.providers = append(r.providers, p)
	sort.SliceStable(r.providers, func(i, j int) bool {
		return r.providers[i].Priority() > r.providers[j].Priority()
	})
}

// Resolve returns the agent for agentID within workflowID, creating and
// caching it on first use. The provider chosen is the highest-priority one
// supporting cfg.Model.
func (r *Registry) Resolve(workflowID, agentID string, cfg Config) (Agent, error) {
	key := workflowID + "/" + agentID
	r.mu.RLock()
	if a, ok := r.agents[key]; ok {
		r.mu.RUnlock()
		return a, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[key]; ok {
		return a, nil
	}
	var chosen Provider
	for _, p := range r.providers {
		if p.SupportsModel(cfg.Model) {
			chosen = p
			break
		}
	}
	if chosen == nil {
		return nil, fault.Wrap(fault.ProviderMissingForModel,
			fmt.Sprintf("agent %q model %q", agentID, cfg.Model), ErrProviderMissing)
	}
	a, err := chosen.CreateAgent(agentID, cfg, r.creds)
	if err != nil {
		return nil, fault.Wrap(fault.AgentExecutionError,
			fmt.Sprintf("provider %q create agent %q", chosen.Name(), agentID), err)
	}
	if r.wrap != nil {
		a = r.wrap(cfg.Model, a)
	}
	r.agents[key] = a
	return a, nil
}

// Providers returns the registered providers in resolution order.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// Shutdown drops all cached agents. Subsequent Resolve calls rebuild them.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]Agent)
}
