// Package rubric scores node outputs against weighted criteria. The Engine
// resolves a rubric from its repository and runs each criterion through a
// strategy chain: failed results short-circuit to zero, explicit context
// scores win, then a self-reported JSON score in the output, then an LLM
// evaluator for LLM-based rubrics, and finally a keyword heuristic. The
// resulting evaluation is stored on the execution state where transitions
// and the auto-backtrack ladder consume it.
package rubric

import (
	"errors"
	"fmt"
)

// EvaluationType selects how criteria without explicit scores are judged.
type EvaluationType string

const (
	// EvalAutomated scores criteria with deterministic heuristics only.
	EvalAutomated EvaluationType = "AUTOMATED"
	// EvalLLMBased lets a configured evaluator agent judge criteria that
	// heuristics cannot settle.
	EvalLLMBased EvaluationType = "LLM_BASED"
)

type (
	// Criterion is one weighted dimension of a rubric.
	Criterion struct {
		// ID identifies the criterion within its rubric.
		ID string `json:"id"`
		// Name is the human label, also used to find context score
		// overrides ("<name>_score").
		Name string `json:"name"`
		// Description tells evaluators what the criterion measures.
		Description string `json:"description,omitempty"`
		// Weight in (0,1] sets the criterion's share of the overall score.
		Weight float64 `json:"weight"`
		// MinScore is a per-criterion floor; scoring below it fails the
		// whole evaluation regardless of the weighted total.
		MinScore float64 `json:"min_score,omitempty"`
		// EvaluationLogic guides evaluation: prose instructions for LLM
		// judging, or a whitespace-separated keyword list that elevates
		// the heuristic score per keyword found in the output.
		EvaluationLogic string `json:"evaluation_logic,omitempty"`
	}

	// Rubric is a named set of criteria with a pass threshold.
	Rubric struct {
		// ID is the repository key workflows bind rubric names to.
		ID string `json:"id"`
		// Name and Description are for humans.
		Name        string `json:"name,omitempty"`
		Description string `json:"description,omitempty"`
		// EvaluationType selects the judging strategy.
		EvaluationType EvaluationType `json:"evaluation_type"`
		// PassThreshold is the weighted score (0-100) required to pass.
		PassThreshold float64 `json:"pass_threshold"`
		// Criteria must not be empty.
		Criteria []Criterion `json:"criteria"`
	}
)

// ErrInvalid is wrapped by every rubric validation failure.
var ErrInvalid = errors.New("invalid rubric")

// Validate checks the rubric is usable by the engine.
func (r Rubric) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if r.EvaluationType != EvalAutomated && r.EvaluationType != EvalLLMBased {
		return fmt.Errorf("%w: rubric %s evaluation type %q is unknown", ErrInvalid, r.ID, r.EvaluationType)
	}
	if r.PassThreshold < 0 || r.PassThreshold > 100 {
		return fmt.Errorf("%w: rubric %s pass threshold %v out of range", ErrInvalid, r.ID, r.PassThreshold)
	}
	if len(r.Criteria) == 0 {
		return fmt.Errorf("%w: rubric %s has no criteria", ErrInvalid, r.ID)
	}
	seen := make(map[string]bool, len(r.Criteria))
	for i, c := range r.Criteria {
		if c.ID == "" {
			return fmt.Errorf("%w: rubric %s criterion %d has no id", ErrInvalid, r.ID, i)
		}
		if seen[c.ID] {
			return fmt.Errorf("%w: rubric %s duplicates criterion id %q", ErrInvalid, r.ID, c.ID)
		}
		seen[c.ID] = true
		if c.Weight <= 0 || c.Weight > 1 {
			return fmt.Errorf("%w: rubric %s criterion %q weight %v out of (0,1]", ErrInvalid, r.ID, c.ID, c.Weight)
		}
		if c.MinScore < 0 || c.MinScore > 100 {
			return fmt.Errorf("%w: rubric %s criterion %q min score %v out of range", ErrInvalid, r.ID, c.ID, c.MinScore)
		}
	}
	return nil
}
