package automation

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/weft/internal/graph"
	"github.com/roach88/weft/internal/query"
)

// Well-known graph identifiers for persisted automations.
const (
	// Supertag marks a node as an automation definition.
	Supertag graph.SupertagID = "sys.automation"

	fieldDefinition graph.FieldID = "sys.automation.definition"
	fieldState      graph.FieldID = "sys.automation.state"
	fieldLastFired  graph.FieldID = "sys.automation.lastFired"
)

// NowMarker is the reserved SetProperty value substituted with the
// current instant at execution time.
const NowMarker = "$now"

// MembershipEvent selects which side of a query diff fires a membership
// trigger.
type MembershipEvent string

const (
	OnEnter  MembershipEvent = "onEnter"
	OnExit   MembershipEvent = "onExit"
	OnChange MembershipEvent = "onChange"
)

// ConditionOp enumerates threshold comparison operators.
type ConditionOp string

const (
	CondGT  ConditionOp = "gt"
	CondGTE ConditionOp = "gte"
	CondLT  ConditionOp = "lt"
	CondLTE ConditionOp = "lte"
	CondEQ  ConditionOp = "eq"
)

// Condition is a numeric threshold test.
type Condition struct {
	Op    ConditionOp `json:"operator"`
	Value float64     `json:"value"`
}

// Met reports whether v satisfies the condition.
func (c Condition) Met(v float64) bool {
	switch c.Op {
	case CondGT:
		return v > c.Value
	case CondGTE:
		return v >= c.Value
	case CondLT:
		return v < c.Value
	case CondLTE:
		return v <= c.Value
	case CondEQ:
		return v == c.Value
	default:
		return false
	}
}

// Trigger determines when an automation fires.
//
// Sealed interface - only MembershipTrigger and ThresholdTrigger
// implement it.
type Trigger interface {
	triggerNode()
}

// MembershipTrigger fires when nodes enter, exit, or change within a
// query's result set.
type MembershipTrigger struct {
	Query query.Definition
	On    MembershipEvent
}

func (MembershipTrigger) triggerNode() {}

// ThresholdTrigger fires when a computed field's value crosses a
// condition. With FireOnce set, the trigger re-arms only after the
// condition becomes false again.
type ThresholdTrigger struct {
	Field     graph.FieldID
	Condition Condition
	FireOnce  bool
}

func (ThresholdTrigger) triggerNode() {}

// Action is what an automation does when it fires.
//
// Sealed interface - only the four action types implement it.
type Action interface {
	actionNode()
}

// SetPropertyAction writes a property on the target node. A Value of
// NowMarker is replaced with the current RFC 3339 instant.
type SetPropertyAction struct {
	Field graph.FieldID
	Value string
}

func (SetPropertyAction) actionNode() {}

// AddSupertagAction attaches a supertag to the target node.
type AddSupertagAction struct {
	Tag graph.SupertagID
}

func (AddSupertagAction) actionNode() {}

// RemoveSupertagAction detaches a supertag from the target node.
type RemoveSupertagAction struct {
	Tag graph.SupertagID
}

func (RemoveSupertagAction) actionNode() {}

// WebhookAction enqueues an HTTP call. All string fields may carry
// {{ path }} template tokens.
type WebhookAction struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    map[string]any
}

func (WebhookAction) actionNode() {}

// Definition is one automation rule. ID is the node the definition is
// persisted on; it is assigned by Create and empty on unsaved definitions.
type Definition struct {
	ID      graph.NodeID
	Name    string
	Enabled bool
	Trigger Trigger
	Action  Action
}

// State is the persisted runtime bookkeeping that must survive restarts:
// a fireOnce threshold already met must not re-fire on Initialize.
type State struct {
	ThresholdCrossed bool `json:"thresholdCrossed,omitempty"`
}

// Validate checks that the definition is complete enough to persist.
func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("automation requires a name")
	}
	if d.Trigger == nil {
		return fmt.Errorf("automation %q requires a trigger", d.Name)
	}
	if d.Action == nil {
		return fmt.Errorf("automation %q requires an action", d.Name)
	}
	switch t := d.Trigger.(type) {
	case MembershipTrigger:
		switch t.On {
		case OnEnter, OnExit, OnChange:
		default:
			return fmt.Errorf("automation %q: unknown membership event %q", d.Name, t.On)
		}
	case ThresholdTrigger:
		if t.Field == "" {
			return fmt.Errorf("automation %q: threshold trigger requires a computed field", d.Name)
		}
		switch t.Condition.Op {
		case CondGT, CondGTE, CondLT, CondLTE, CondEQ:
		default:
			return fmt.Errorf("automation %q: unknown condition operator %q", d.Name, t.Condition.Op)
		}
	}
	if a, ok := d.Action.(WebhookAction); ok && a.URL == "" {
		return fmt.Errorf("automation %q: webhook action requires a URL", d.Name)
	}
	return nil
}

// JSON envelopes for the persisted tagged unions.

type triggerEnvelope struct {
	Type string `json:"type"`

	Query json.RawMessage `json:"query,omitempty"`
	Event string          `json:"event,omitempty"`

	Field     string     `json:"computedFieldId,omitempty"`
	Condition *Condition `json:"condition,omitempty"`
	FireOnce  bool       `json:"fireOnce,omitempty"`
}

type actionEnvelope struct {
	Type string `json:"type"`

	Field string `json:"fieldId,omitempty"`
	Value string `json:"value,omitempty"`
	Tag   string `json:"supertagId,omitempty"`

	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    map[string]any    `json:"body,omitempty"`
}

type definitionEnvelope struct {
	Name    string          `json:"name"`
	Enabled bool            `json:"enabled"`
	Trigger triggerEnvelope `json:"trigger"`
	Action  actionEnvelope  `json:"action"`
}

// MarshalJSON encodes the definition for persistence on its node.
func (d Definition) MarshalJSON() ([]byte, error) {
	env := definitionEnvelope{Name: d.Name, Enabled: d.Enabled}

	switch t := d.Trigger.(type) {
	case MembershipTrigger:
		queryJSON, err := json.Marshal(t.Query)
		if err != nil {
			return nil, fmt.Errorf("encode trigger query: %w", err)
		}
		env.Trigger = triggerEnvelope{
			Type:  "queryMembership",
			Query: queryJSON,
			Event: string(t.On),
		}
	case ThresholdTrigger:
		cond := t.Condition
		env.Trigger = triggerEnvelope{
			Type:      "threshold",
			Field:     string(t.Field),
			Condition: &cond,
			FireOnce:  t.FireOnce,
		}
	default:
		return nil, fmt.Errorf("unknown trigger type %T", d.Trigger)
	}

	switch a := d.Action.(type) {
	case SetPropertyAction:
		env.Action = actionEnvelope{Type: "set_property", Field: string(a.Field), Value: a.Value}
	case AddSupertagAction:
		env.Action = actionEnvelope{Type: "add_supertag", Tag: string(a.Tag)}
	case RemoveSupertagAction:
		env.Action = actionEnvelope{Type: "remove_supertag", Tag: string(a.Tag)}
	case WebhookAction:
		env.Action = actionEnvelope{
			Type:    "webhook",
			URL:     a.URL,
			Method:  a.Method,
			Headers: a.Headers,
			Body:    a.Body,
		}
	default:
		return nil, fmt.Errorf("unknown action type %T", d.Action)
	}

	return json.Marshal(env)
}

// UnmarshalJSON decodes a persisted definition. The node ID is not part
// of the payload; callers set it from the carrying node.
func (d *Definition) UnmarshalJSON(data []byte) error {
	var env definitionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	d.Name = env.Name
	d.Enabled = env.Enabled

	switch env.Trigger.Type {
	case "queryMembership":
		var q query.Definition
		if len(env.Trigger.Query) > 0 {
			if err := json.Unmarshal(env.Trigger.Query, &q); err != nil {
				return fmt.Errorf("decode trigger query: %w", err)
			}
		}
		d.Trigger = MembershipTrigger{Query: q, On: MembershipEvent(env.Trigger.Event)}
	case "threshold":
		t := ThresholdTrigger{
			Field:    graph.FieldID(env.Trigger.Field),
			FireOnce: env.Trigger.FireOnce,
		}
		if env.Trigger.Condition != nil {
			t.Condition = *env.Trigger.Condition
		}
		d.Trigger = t
	default:
		return fmt.Errorf("unknown trigger type %q", env.Trigger.Type)
	}

	switch env.Action.Type {
	case "set_property":
		d.Action = SetPropertyAction{Field: graph.FieldID(env.Action.Field), Value: env.Action.Value}
	case "add_supertag":
		d.Action = AddSupertagAction{Tag: graph.SupertagID(env.Action.Tag)}
	case "remove_supertag":
		d.Action = RemoveSupertagAction{Tag: graph.SupertagID(env.Action.Tag)}
	case "webhook":
		d.Action = WebhookAction{
			URL:     env.Action.URL,
			Method:  env.Action.Method,
			Headers: env.Action.Headers,
			Body:    env.Action.Body,
		}
	default:
		return fmt.Errorf("unknown action type %q", env.Action.Type)
	}

	return nil
}
