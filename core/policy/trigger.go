package policy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TriggerCondition is a closed set of matching rules. The evaluator is
// exhaustive over the four variants; there are no dynamic rule dictionaries.
type TriggerCondition interface {
	Matches(incidentType, subType string) bool
	triggerKind() string
}

type IncidentTypeMatch struct {
	Value string
}

type SubTypeMatch struct {
	Value string
}

type CompositeAnd struct {
	All []TriggerCondition
}

type CompositeOr struct {
	Any []TriggerCondition
}

func (t IncidentTypeMatch) Matches(incidentType, _ string) bool {
	return strings.EqualFold(strings.TrimSpace(incidentType), strings.TrimSpace(t.Value))
}

func (t SubTypeMatch) Matches(_, subType string) bool {
	return strings.EqualFold(strings.TrimSpace(subType), strings.TrimSpace(t.Value))
}

func (t CompositeAnd) Matches(incidentType, subType string) bool {
	for _, c := range t.All {
		if !c.Matches(incidentType, subType) {
			return false
		}
	}
	return true
}

func (t CompositeOr) Matches(incidentType, subType string) bool {
	for _, c := range t.Any {
		if c.Matches(incidentType, subType) {
			return true
		}
	}
	return false
}

func (IncidentTypeMatch) triggerKind() string { return "incident_type" }
func (SubTypeMatch) triggerKind() string      { return "sub_type" }
func (CompositeAnd) triggerKind() string      { return "and" }
func (CompositeOr) triggerKind() string       { return "or" }

type triggerEnvelope struct {
	Kind  string            `json:"kind"`
	Value string            `json:"value,omitempty"`
	All   []json.RawMessage `json:"all,omitempty"`
	Any   []json.RawMessage `json:"any,omitempty"`
}

// MarshalTrigger encodes a condition as tagged JSON.
func MarshalTrigger(t TriggerCondition) ([]byte, error) {
	if t == nil {
		return nil, fmt.Errorf("nil trigger")
	}
	switch c := t.(type) {
	case IncidentTypeMatch:
		return json.Marshal(triggerEnvelope{Kind: c.triggerKind(), Value: c.Value})
	case SubTypeMatch:
		return json.Marshal(triggerEnvelope{Kind: c.triggerKind(), Value: c.Value})
	case CompositeAnd:
		parts, err := marshalChildren(c.All)
		if err != nil {
			return nil, err
		}
		return json.Marshal(triggerEnvelope{Kind: c.triggerKind(), All: parts})
	case CompositeOr:
		parts, err := marshalChildren(c.Any)
		if err != nil {
			return nil, err
		}
		return json.Marshal(triggerEnvelope{Kind: c.triggerKind(), Any: parts})
	default:
		return nil, fmt.Errorf("unknown trigger type %T", t)
	}
}

func marshalChildren(children []TriggerCondition) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(children))
	for _, c := range children {
		raw, err := MarshalTrigger(c)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

// UnmarshalTrigger decodes tagged JSON into a condition.
func UnmarshalTrigger(data []byte) (TriggerCondition, error) {
	var env triggerEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode trigger: %w", err)
	}
	switch env.Kind {
	case "incident_type":
		if env.Value == "" {
			return nil, fmt.Errorf("incident_type trigger requires value")
		}
		return IncidentTypeMatch{Value: env.Value}, nil
	case "sub_type":
		if env.Value == "" {
			return nil, fmt.Errorf("sub_type trigger requires value")
		}
		return SubTypeMatch{Value: env.Value}, nil
	case "and":
		children, err := unmarshalChildren(env.All)
		if err != nil {
			return nil, err
		}
		return CompositeAnd{All: children}, nil
	case "or":
		children, err := unmarshalChildren(env.Any)
		if err != nil {
			return nil, err
		}
		return CompositeOr{Any: children}, nil
	default:
		return nil, fmt.Errorf("unknown trigger kind %q", env.Kind)
	}
}

func unmarshalChildren(raw []json.RawMessage) ([]TriggerCondition, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("composite trigger requires children")
	}
	out := make([]TriggerCondition, 0, len(raw))
	for _, r := range raw {
		c, err := UnmarshalTrigger(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
