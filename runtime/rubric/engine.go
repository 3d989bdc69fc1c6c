package rubric

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"goa.design/hensu/runtime/agent"
	"goa.design/hensu/runtime/fault"
	"goa.design/hensu/runtime/state"
	"goa.design/hensu/runtime/telemetry"
)

// neutralScore is used when an evaluator cannot judge a criterion.
const neutralScore = 50

// RecommendationsKey is the context key evaluation recommendations are
// appended under.
const RecommendationsKey = "recommendations"

type (
	// Engine evaluates node results against rubrics.
	Engine struct {
		repo      Repository
		evaluator agent.Agent
		logger    telemetry.Logger
	}

	// EngineOption configures an Engine.
	EngineOption func(*Engine)
)

// WithEvaluator installs the judge agent used for LLM-based rubrics.
// Without one, LLM-based rubrics degrade to the keyword heuristic.
func WithEvaluator(a agent.Agent) EngineOption {
	return func(e *Engine) { e.evaluator = a }
}

// WithLogger sets the engine logger.
func WithLogger(l telemetry.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine builds a rubric engine over repo.
func NewEngine(repo Repository, opts ...EngineOption) *Engine {
	e := &Engine{
		repo:   repo,
		logger: telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate scores result against the rubric stored under rubricID. evalCtx
// is the live execution context: explicit "<criterion>_score" keys override
// scoring, and recommendations from self-reported scores are appended under
// RecommendationsKey. Failed results evaluate to zero without running any
// strategy.
func (e *Engine) Evaluate(ctx context.Context, rubricID string, result state.NodeResult, evalCtx map[string]any) (*state.RubricEvaluation, error) {
	r, err := e.repo.Get(ctx, rubricID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fault.Wrap(fault.RubricNotFound, rubricID, err)
		}
		return nil, fault.Wrap(fault.RubricEvaluationError, rubricID, err)
	}

	eval := &state.RubricEvaluation{
		RubricID:    r.ID,
		EvaluatedAt: time.Now().UTC(),
		Criteria:    make([]state.CriterionScore, 0, len(r.Criteria)),
	}

	if !result.Succeeded() || result.Output == "" {
		for _, c := range r.Criteria {
			eval.Criteria = append(eval.Criteria, state.CriterionScore{
				CriterionID: c.ID,
				Name:        c.Name,
				Weight:      c.Weight,
				MinScore:    c.MinScore,
			})
		}
		appendRecommendation(evalCtx, "execution failed")
		return eval, nil
	}

	report, hasReport := parseSelfReport(result.Output)

	var (
		weighted    float64
		totalWeight float64
		allFloors   = true
		lowReport   bool
	)
	for _, c := range r.Criteria {
		score := e.scoreCriterion(ctx, r, c, result.Output, evalCtx, report, hasReport)
		passed := score >= c.MinScore
		if !passed {
			allFloors = false
			if hasReport {
				lowReport = true
			}
		}
		weighted += score * c.Weight
		totalWeight += c.Weight
		eval.Criteria = append(eval.Criteria, state.CriterionScore{
			CriterionID: c.ID,
			Name:        c.Name,
			Score:       score,
			Weight:      c.Weight,
			MinScore:    c.MinScore,
			Passed:      passed,
		})
	}
	if totalWeight > 0 {
		eval.Score = weighted / totalWeight
	}
	eval.Passed = eval.Score >= r.PassThreshold && allFloors

	if lowReport && report.recommendation != "" {
		appendRecommendation(evalCtx, report.recommendation)
	}

	e.logger.Debug(ctx, "rubric evaluated",
		"rubric_id", r.ID, "score", eval.Score, "passed", eval.Passed)
	return eval, nil
}

// scoreCriterion runs the strategy chain for one criterion: explicit
// context score, self-reported JSON score, LLM evaluator, keyword heuristic.
func (e *Engine) scoreCriterion(ctx context.Context, r Rubric, c Criterion, output string, evalCtx map[string]any, report selfReport, hasReport bool) float64 {
	if v, ok := contextScore(evalCtx, c); ok {
		return clamp(v)
	}
	if hasReport {
		return clamp(report.score)
	}
	if r.EvaluationType == EvalLLMBased && e.evaluator != nil {
		return e.llmScore(ctx, c, output, evalCtx)
	}
	logic := c.EvaluationLogic
	if r.EvaluationType != EvalAutomated {
		logic = ""
	}
	return keywordScore(output, logic)
}

// llmScore asks the evaluator agent to judge one criterion. Unparseable or
// failed judgments yield the neutral score.
func (e *Engine) llmScore(ctx context.Context, c Criterion, output string, evalCtx map[string]any) float64 {
	prompt := fmt.Sprintf(`Score the following output against one evaluation criterion.

Criterion: %s
Description: %s
Guidance: %s

Output:
%s

Reply with JSON: {"score": <number between 0 and 100>}`,
		c.Name, c.Description, c.EvaluationLogic, output)

	resp, err := e.evaluator.Execute(ctx, prompt, evalCtx)
	if err != nil {
		e.logger.Warn(ctx, "rubric evaluator failed", "criterion", c.ID, "err", err)
		return neutralScore
	}
	text, ok := resp.(agent.TextResponse)
	if !ok {
		e.logger.Warn(ctx, "rubric evaluator returned non-text response", "criterion", c.ID)
		return neutralScore
	}
	score, ok := parseScore(text.Content)
	if !ok {
		e.logger.Warn(ctx, "rubric evaluator response unparseable", "criterion", c.ID)
		return neutralScore
	}
	return clamp(score)
}

type selfReport struct {
	score          float64
	recommendation string
}

// parseSelfReport extracts the first balanced JSON object from output and
// reads a numeric "score" (number or numeric string) plus an optional
// "recommendation".
func parseSelfReport(output string) (selfReport, bool) {
	obj, ok := firstJSONObject(output)
	if !ok {
		return selfReport{}, false
	}
	score, ok := numericField(obj, "score")
	if !ok {
		return selfReport{}, false
	}
	rep := selfReport{score: score}
	if rec, ok := obj["recommendation"].(string); ok {
		rep.recommendation = strings.TrimSpace(rec)
	}
	return rep, true
}

// firstJSONObject scans output for the first brace-balanced substring that
// decodes as a JSON object.
func firstJSONObject(s string) (map[string]any, bool) {
	for start := strings.IndexByte(s, '{'); start >= 0 && start < len(s); {
		end, ok := balancedObjectEnd(s, start)
		if ok {
			var obj map[string]any
			if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err == nil {
				return obj, true
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += 1 + next
	}
	return nil, false
}

// balancedObjectEnd returns the index of the brace closing the object that
// opens at start, accounting for strings and escapes.
func balancedObjectEnd(s string, start int) (int, bool) {
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

func numericField(obj map[string]any, key string) (float64, bool) {
	switch v := obj[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err == nil {
			return f, true
		}
	case json.Number:
		f, err := v.Float64()
		if err == nil {
			return f, true
		}
	}
	return 0, false
}

// contextScore looks for explicit per-criterion overrides in the execution
// context: "<criterion id>_score" or "<normalized name>_score".
func contextScore(evalCtx map[string]any, c Criterion) (float64, bool) {
	if evalCtx == nil {
		return 0, false
	}
	keys := []string{c.ID + "_score"}
	if c.Name != "" {
		keys = append(keys, normalizeKey(c.Name)+"_score")
	}
	for _, k := range keys {
		if v, ok := numericField(evalCtx, k); ok {
			return v, true
		}
	}
	return 0, false
}

func normalizeKey(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}

var scorePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)"score"\s*:\s*"?(-?\d+(?:\.\d+)?)"?`),
	regexp.MustCompile(`(?i)\bscore\s*[=:]\s*(-?\d+(?:\.\d+)?)`),
}

// parseScore extracts a numeric score from free-form evaluator output.
func parseScore(s string) (float64, bool) {
	for _, pat := range scorePatterns {
		m := pat.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		f, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			return f, true
		}
	}
	return 0, false
}

// keywordScore infers a score from sentiment keywords; a non-empty logic
// keyword list elevates the score for each keyword present in the output.
func keywordScore(output, logic string) float64 {
	lower := strings.ToLower(output)
	score := float64(neutralScore)
	switch {
	case strings.Contains(lower, "excellent"):
		score = 95
	case strings.Contains(lower, "good"):
		score = 80
	case strings.Contains(lower, "poor"):
		score = 35
	}
	for _, kw := range strings.Fields(logic) {
		if strings.Contains(lower, strings.ToLower(kw)) {
			score += 10
		}
	}
	return clamp(score)
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

func appendRecommendation(evalCtx map[string]any, rec string) {
	if evalCtx == nil {
		return
	}
	switch existing := evalCtx[RecommendationsKey].(type) {
	case []any:
		evalCtx[RecommendationsKey] = append(existing, rec)
	case []string:
		out := make([]any, 0, len(existing)+1)
		for _, s := range existing {
			out = append(out, s)
		}
		evalCtx[RecommendationsKey] = append(out, rec)
	default:
		evalCtx[RecommendationsKey] = []any{rec}
	}
}
