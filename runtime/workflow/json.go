package workflow

import (
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/hensu/runtime/action"
)

// Wire tags discriminating transition rule variants.
const (
	ruleSuccess    = "success"
	ruleFailure    = "failure"
	ruleAlways     = "always"
	ruleScore      = "score"
	ruleRubricFail = "rubric_fail"
)

// MarshalJSON implements json.Marshaler, adding the variant tag.
func (r SuccessRule) MarshalJSON() ([]byte, error) {
	type alias SuccessRule
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{ruleSuccess, alias(r)})
}

// MarshalJSON implements json.Marshaler, adding the variant tag.
func (r FailureRule) MarshalJSON() ([]byte, error) {
	type alias FailureRule
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{ruleFailure, alias(r)})
}

// MarshalJSON implements json.Marshaler, adding the variant tag.
func (r AlwaysRule) MarshalJSON() ([]byte, error) {
	type alias AlwaysRule
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{ruleAlways, alias(r)})
}

// MarshalJSON implements json.Marshaler, adding the variant tag.
func (r ScoreRule) MarshalJSON() ([]byte, error) {
	type alias ScoreRule
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{ruleScore, alias(r)})
}

// MarshalJSON implements json.Marshaler, adding the variant tag.
func (r RubricFailRule) MarshalJSON() ([]byte, error) {
	type alias RubricFailRule
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{ruleRubricFail, alias(r)})
}

// DecodeRule materializes a TransitionRule from its tagged JSON form.
func DecodeRule(raw json.RawMessage) (TransitionRule, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("decode rule envelope: %w", err)
	}
	switch probe.Type {
	case ruleSuccess:
		var r SuccessRule
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return r, nil
	case ruleFailure:
		var r FailureRule
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return r, nil
	case ruleAlways:
		var r AlwaysRule
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return r, nil
	case ruleScore:
		var r ScoreRule
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return r, nil
	case ruleRubricFail:
		var r RubricFailRule
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return r, nil
	case "":
		return nil, errors.New("rule envelope missing type")
	default:
		return nil, fmt.Errorf("unknown rule type %q", probe.Type)
	}
}

// UnmarshalJSON implements json.Unmarshaler, materializing rule variants.
func (r *Rules) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(Rules, 0, len(raws))
	for i, raw := range raws {
		rule, err := DecodeRule(raw)
		if err != nil {
			return fmt.Errorf("rule[%d]: %w", i, err)
		}
		out = append(out, rule)
	}
	*r = out
	return nil
}

// MarshalJSON implements json.Marshaler, adding the variant tag.
func (n Standard) MarshalJSON() ([]byte, error) {
	type alias Standard
	return json.Marshal(struct {
		Type Kind `json:"type"`
		alias
	}{KindStandard, alias(n)})
}

// MarshalJSON implements json.Marshaler, adding the variant tag.
func (n Parallel) MarshalJSON() ([]byte, error) {
	type alias Parallel
	return json.Marshal(struct {
		Type Kind `json:"type"`
		alias
	}{KindParallel, alias(n)})
}

// MarshalJSON implements json.Marshaler, adding the variant tag.
func (n Fork) MarshalJSON() ([]byte, error) {
	type alias Fork
	return json.Marshal(struct {
		Type Kind `json:"type"`
		alias
	}{KindFork, alias(n)})
}

// MarshalJSON implements json.Marshaler, adding the variant tag.
func (n Join) MarshalJSON() ([]byte, error) {
	type alias Join
	return json.Marshal(struct {
		Type Kind `json:"type"`
		alias
	}{KindJoin, alias(n)})
}

// MarshalJSON implements json.Marshaler, adding the variant tag.
func (n Loop) MarshalJSON() ([]byte, error) {
	type alias Loop
	return json.Marshal(struct {
		Type Kind `json:"type"`
		alias
	}{KindLoop, alias(n)})
}

// MarshalJSON implements json.Marshaler, adding the variant tag and the
// action envelope.
func (n Action) MarshalJSON() ([]byte, error) {
	type alias Action
	var rawAct json.RawMessage
	if n.Act != nil {
		b, err := json.Marshal(n.Act)
		if err != nil {
			return nil, fmt.Errorf("marshal action node %q: %w", n.ID, err)
		}
		rawAct = b
	}
	return json.Marshal(struct {
		Type Kind `json:"type"`
		alias
		Act json.RawMessage `json:"action,omitempty"`
	}{KindAction, alias(n), rawAct})
}

// UnmarshalJSON implements json.Unmarshaler, materializing the action
// variant.
func (n *Action) UnmarshalJSON(data []byte) error {
	type alias Action
	var tmp struct {
		alias
		Act json.RawMessage `json:"action"`
	}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*n = Action(tmp.alias)
	if len(tmp.Act) > 0 {
		act, err := action.Decode(tmp.Act)
		if err != nil {
			return fmt.Errorf("action node %q: %w", n.ID, err)
		}
		n.Act = act
	}
	return nil
}

// MarshalJSON implements json.Marshaler, adding the variant tag.
func (n Generic) MarshalJSON() ([]byte, error) {
	type alias Generic
	return json.Marshal(struct {
		Type Kind `json:"type"`
		alias
	}{KindGeneric, alias(n)})
}

// MarshalJSON implements json.Marshaler, adding the variant tag.
func (n SubWorkflow) MarshalJSON() ([]byte, error) {
	type alias SubWorkflow
	return json.Marshal(struct {
		Type Kind `json:"type"`
		alias
	}{KindSubWorkflow, alias(n)})
}

// MarshalJSON implements json.Marshaler, adding the variant tag.
func (n End) MarshalJSON() ([]byte, error) {
	type alias End
	return json.Marshal(struct {
		Type Kind `json:"type"`
		alias
	}{KindEnd, alias(n)})
}

// DecodeNode materializes a Node from its tagged JSON form.
func DecodeNode(raw json.RawMessage) (Node, error) {
	var probe struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("decode node envelope: %w", err)
	}
	switch probe.Type {
	case KindStandard:
		var n Standard
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		return n, nil
	case KindParallel:
		var n Parallel
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		return n, nil
	case KindFork:
		var n Fork
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		return n, nil
	case KindJoin:
		var n Join
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		return n, nil
	case KindLoop:
		var n Loop
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		return n, nil
	case KindAction:
		var n Action
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		return n, nil
	case KindGeneric:
		var n Generic
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		return n, nil
	case KindSubWorkflow:
		var n SubWorkflow
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		return n, nil
	case KindEnd:
		var n End
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		return n, nil
	case "":
		return nil, errors.New("node envelope missing type")
	default:
		return nil, fmt.Errorf("unknown node type %q", probe.Type)
	}
}

// UnmarshalJSON implements json.Unmarshaler. Node ids omitted inside the
// JSON objects are backfilled from the map keys.
func (s *NodeSet) UnmarshalJSON(data []byte) error {
	var raws map[string]json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(NodeSet, len(raws))
	for id, raw := range raws {
		n, err := DecodeNode(raw)
		if err != nil {
			return fmt.Errorf("node %q: %w", id, err)
		}
		out[id] = withID(n, id)
	}
	*s = out
	return nil
}

// withID backfills an empty node id from the enclosing map key.
func withID(n Node, id string) Node {
	if n.NodeID() != "" {
		return n
	}
	switch v := n.(type) {
	case Standard:
		v.ID = id
		return v
	case Parallel:
		v.ID = id
		return v
	case Fork:
		v.ID = id
		return v
	case Join:
		v.ID = id
		return v
	case Loop:
		v.ID = id
		return v
	case Action:
		v.ID = id
		return v
	case Generic:
		v.ID = id
		return v
	case SubWorkflow:
		v.ID = id
		return v
	case End:
		v.ID = id
		return v
	}
	return n
}
