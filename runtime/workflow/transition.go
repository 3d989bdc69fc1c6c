package workflow

type (
	// TransitionRule picks the next node after a node execution. Rules are
	// pure data; the engine evaluates them in order and follows the first
	// one that yields a target.
	TransitionRule interface {
		isTransitionRule()
	}

	// Rules is a decodable slice of transition rules.
	Rules []TransitionRule

	// SuccessRule fires when the node result succeeded.
	SuccessRule struct {
		Target string `json:"target"`
	}

	// FailureRule fires when the node result failed. While the state's
	// retry counter is below RetryCount it re-targets the current node,
	// incrementing the counter; once retries are spent it yields Target.
	FailureRule struct {
		// RetryCount is the number of same-node retries before giving up.
		RetryCount int `json:"retry_count,omitempty"`
		Target     string `json:"target"`
	}

	// AlwaysRule fires unconditionally.
	AlwaysRule struct {
		Target string `json:"target"`
	}

	// ScoreRule routes on the node's score: the stored rubric evaluation
	// when present, otherwise well-known numeric context keys. Without any
	// score the rule yields nothing.
	ScoreRule struct {
		// Conditions are tested in order; the first match wins.
		Conditions []ScoreCondition `json:"conditions"`
	}

	// RubricFailRule routes on the stored rubric evaluation: Target when
	// the evaluation failed, PassTarget (optional) when it passed. Without
	// an evaluation the rule yields nothing.
	RubricFailRule struct {
		Target     string `json:"target"`
		PassTarget string `json:"pass_target,omitempty"`
	}
)

func (SuccessRule) isTransitionRule()    {}
func (FailureRule) isTransitionRule()    {}
func (AlwaysRule) isTransitionRule()     {}
func (ScoreRule) isTransitionRule()      {}
func (RubricFailRule) isTransitionRule() {}

// CompareOp is a score comparison operator.
type CompareOp string

const (
	OpGT    CompareOp = "gt"
	OpGTE   CompareOp = "gte"
	OpLT    CompareOp = "lt"
	OpLTE   CompareOp = "lte"
	OpEQ    CompareOp = "eq"
	OpRange CompareOp = "range"
)

// Valid reports whether op is a known operator.
func (op CompareOp) Valid() bool {
	switch op {
	case OpGT, OpGTE, OpLT, OpLTE, OpEQ, OpRange:
		return true
	}
	return false
}

// ScoreCondition matches a score against one comparison.
type ScoreCondition struct {
	// Op selects the comparison. OpRange uses Min and Max (inclusive);
	// every other op uses Value.
	Op    CompareOp `json:"op"`
	Value float64   `json:"value,omitempty"`
	Min   float64   `json:"min,omitempty"`
	Max   float64   `json:"max,omitempty"`
	// Target is the next node when the condition matches.
	Target string `json:"target"`
}

// Matches reports whether score satisfies the condition.
func (c ScoreCondition) Matches(score float64) bool {
	switch c.Op {
	case OpGT:
		return score > c.Value
	case OpGTE:
		return score >= c.Value
	case OpLT:
		return score < c.Value
	case OpLTE:
		return score <= c.Value
	case OpEQ:
		return score == c.Value
	case OpRange:
		return score >= c.Min && score <= c.Max
	}
	return false
}

// Targets returns every node id a rule can yield, for validation.
func Targets(r TransitionRule) []string {
	switch rule := r.(type) {
	case SuccessRule:
		return []string{rule.Target}
	case FailureRule:
		return []string{rule.Target}
	case AlwaysRule:
		return []string{rule.Target}
	case ScoreRule:
		out := make([]string, 0, len(rule.Conditions))
		for _, c := range rule.Conditions {
			out = append(out, c.Target)
		}
		return out
	case RubricFailRule:
		if rule.PassTarget != "" {
			return []string{rule.Target, rule.PassTarget}
		}
		return []string{rule.Target}
	}
	return nil
}
