package action

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Wire tags discriminating action variants.
const (
	typeSend    = "send"
	typeExecute = "execute"
)

// MarshalJSON implements json.Marshaler, adding the variant tag.
func (a Send) MarshalJSON() ([]byte, error) {
	type alias Send
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{typeSend, alias(a)})
}

// MarshalJSON implements json.Marshaler, adding the variant tag.
func (a Execute) MarshalJSON() ([]byte, error) {
	type alias Execute
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{typeExecute, alias(a)})
}

// Decode materializes an Action from its tagged JSON form.
func Decode(raw json.RawMessage) (Action, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("decode action envelope: %w", err)
	}
	switch probe.Type {
	case typeSend:
		var a Send
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("decode send action: %w", err)
		}
		return a, nil
	case typeExecute:
		var a Execute
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("decode execute action: %w", err)
		}
		return a, nil
	case "":
		return nil, errors.New("action envelope missing type")
	default:
		return nil, fmt.Errorf("unknown action type %q", probe.Type)
	}
}
