// Package tools maintains the process-wide catalog of tools that planners
// may call. Definitions describe a tool's parameters for prompt assembly
// and optionally carry a JSON Schema that arguments are validated against
// before dispatch.
package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrUnknownTool is returned for lookups and validations against a name
// that was never registered.
var ErrUnknownTool = errors.New("unknown tool")

type (
	// Parameter describes one argument of a tool.
	Parameter struct {
		// Name is the argument key.
		Name string `json:"name"`
		// Type is a free-form type hint surfaced to planners ("string",
		// "number", ...). Enforcement happens through InputSchema when set.
		Type string `json:"type,omitempty"`
		// Required marks arguments that must be present at dispatch.
		Required bool `json:"required,omitempty"`
		// Default fills the argument when the caller omits it.
		Default any `json:"default,omitempty"`
		// Description is surfaced in planner prompts.
		Description string `json:"description,omitempty"`
	}

	// Definition describes a callable tool.
	Definition struct {
		// Name uniquely identifies the tool.
		Name string `json:"name"`
		// Description is surfaced in planner prompts.
		Description string `json:"description,omitempty"`
		// Parameters lists the tool's arguments in declaration order.
		Parameters []Parameter `json:"parameters,omitempty"`
		// InputSchema optionally holds a JSON Schema for the argument
		// object. It is compiled at registration; invalid schemas are
		// rejected there, not at dispatch time.
		InputSchema json.RawMessage `json:"input_schema,omitempty"`
	}

	// Registry is the thread-safe tool catalog. Registries are shared
	// across executions for the lifetime of an environment.
	Registry struct {
		mu      sync.RWMutex
		defs    map[string]Definition
		schemas map[string]*jsonschema.Schema
	}
)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:    make(map[string]Definition),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds or replaces a tool definition. When the definition carries
// an InputSchema it is compiled here so dispatch-time validation cannot
// fail on a malformed schema.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return errors.New("tool name is required")
	}
	var compiled *jsonschema.Schema
	if len(def.InputSchema) > 0 {
		var err error
		compiled, err = compileSchema(def.Name, def.InputSchema)
		if err != nil {
			return fmt.Errorf("tool %q: %w", def.Name, err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
	if compiled != nil {
		r.schemas[def.Name] = compiled
	} else {
		delete(r.schemas, def.Name)
	}
	return nil
}

// Unregister removes a tool. Removing an unknown name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.defs, name)
	delete(r.schemas, name)
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// List returns all definitions sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NormalizeArguments prepares args for dispatching the named tool: defaults
// are filled in for absent optional parameters, required parameters are
// checked, and the result is validated against the tool's InputSchema when
// one is registered. The returned map is a copy; args is not mutated.
func (r *Registry) NormalizeArguments(name string, args map[string]any) (map[string]any, error) {
	r.mu.RLock()
	def, ok := r.defs[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	for _, p := range def.Parameters {
		if _, present := out[p.Name]; present {
			continue
		}
		if p.Default != nil {
			out[p.Name] = p.Default
			continue
		}
		if p.Required {
			return nil, fmt.Errorf("tool %q: missing required argument %q", name, p.Name)
		}
	}
	if schema != nil {
		doc, err := toJSONValue(out)
		if err != nil {
			return nil, fmt.Errorf("tool %q: encode arguments: %w", name, err)
		}
		if err := schema.Validate(doc); err != nil {
			return nil, fmt.Errorf("tool %q: arguments rejected by schema: %w", name, err)
		}
	}
	return out, nil
}

// compileSchema compiles raw JSON Schema bytes under a synthetic resource
// URL derived from the tool name.
func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse input schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	url := "tool://" + name + "/input.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile input schema: %w", err)
	}
	return schema, nil
}

// toJSONValue roundtrips a Go value through JSON so schema validation sees
// canonical JSON types regardless of how callers built the argument map.
func toJSONValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}
