package state

import "time"

type (
	// Step records one node execution: what ran, what it produced, and the
	// context as it stood after output extraction. Steps are immutable once
	// appended except for backtrack annotations.
	Step struct {
		// NodeID is the executed node.
		NodeID string `json:"node_id"`
		// Result is the node's outcome.
		Result NodeResult `json:"result"`
		// Context is a deep copy of the execution context captured when the
		// step was recorded.
		Context map[string]any `json:"context,omitempty"`
		// Timestamp is when the step was appended.
		Timestamp time.Time `json:"timestamp"`
		// Backtracks records jumps away from this step (reviewer-driven or
		// rubric-driven). Usually empty.
		Backtracks []Backtrack `json:"backtracks,omitempty"`
	}

	// Backtrack records a currentNodeId mutation to a prior step. History
	// is never unwound; the jump itself is the event.
	Backtrack struct {
		// FromNodeID is the node that was current when the jump happened.
		FromNodeID string `json:"from_node_id"`
		// ToNodeID is the jump target.
		ToNodeID string `json:"to_node_id"`
		// Reason explains the jump ("rubric score 45 below threshold",
		// "Manual backtrack by reviewer").
		Reason string `json:"reason"`
		// Auto distinguishes rubric-ladder jumps from reviewer decisions.
		Auto bool `json:"auto,omitempty"`
		// Timestamp is when the jump was recorded.
		Timestamp time.Time `json:"timestamp"`
	}

	// History is the append-only sequence of steps for one execution.
	// Appends are totally ordered; there is no removal. History is owned by
	// a single execution and is not itself synchronized; callers that fan
	// out (fork branches) serialize their appends.
	History struct {
		steps []Step
	}
)

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{}
}

// Append adds a step.
func (h *History) Append(step Step) {
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now().UTC()
	}
	h.steps = append(h.steps, step)
}

// Len returns the number of recorded steps.
func (h *History) Len() int { return len(h.steps) }

// Steps returns a copy of the step slice. Mutating the returned slice does
// not affect the history, though context maps are shared.
func (h *History) Steps() []Step {
	out := make([]Step, len(h.steps))
	copy(out, h.steps)
	return out
}

// Last returns the most recent step.
func (h *History) Last() (Step, bool) {
	if len(h.steps) == 0 {
		return Step{}, false
	}
	return h.steps[len(h.steps)-1], true
}

// RecordBacktrack annotates the most recent step with a backtrack entry.
// With no steps yet the annotation is dropped; a backtrack before any
// execution cannot reference a prior step.
func (h *History) RecordBacktrack(b Backtrack) {
	if len(h.steps) == 0 {
		return
	}
	if b.Timestamp.IsZero() {
		b.Timestamp = time.Now().UTC()
	}
	last := &h.steps[len(h.steps)-1]
	last.Backtracks = append(last.Backtracks, b)
}

// Completed reports whether any step for nodeID finished with SUCCESS.
func (h *History) Completed(nodeID string) bool {
	for i := len(h.steps) - 1; i >= 0; i-- {
		if h.steps[i].NodeID == nodeID && h.steps[i].Result.Succeeded() {
			return true
		}
	}
	return false
}

// LastResult returns the most recent result recorded for nodeID.
func (h *History) LastResult(nodeID string) (NodeResult, bool) {
	for i := len(h.steps) - 1; i >= 0; i-- {
		if h.steps[i].NodeID == nodeID {
			return h.steps[i].Result, true
		}
	}
	return NodeResult{}, false
}

// CountFor returns how many steps were recorded for nodeID.
func (h *History) CountFor(nodeID string) int {
	n := 0
	for i := range h.steps {
		if h.steps[i].NodeID == nodeID {
			n++
		}
	}
	return n
}

// Backtracks returns all backtrack entries in append order.
func (h *History) Backtracks() []Backtrack {
	var out []Backtrack
	for i := range h.steps {
		out = append(out, h.steps[i].Backtracks...)
	}
	return out
}

// clone deep-copies the history, including step contexts.
func (h *History) clone() *History {
	if h == nil {
		return NewHistory()
	}
	steps := make([]Step, len(h.steps))
	for i, s := range h.steps {
		cp := s
		cp.Context = CloneContext(s.Context)
		cp.Result.Metadata = cloneAnyMap(s.Result.Metadata)
		if len(s.Backtracks) > 0 {
			cp.Backtracks = make([]Backtrack, len(s.Backtracks))
			copy(cp.Backtracks, s.Backtracks)
		}
		steps[i] = cp
	}
	return &History{steps: steps}
}
