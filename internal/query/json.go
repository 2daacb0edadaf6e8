package query

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/weft/internal/graph"
)

// Filter trees are persisted (inside automation definitions) as JSON with
// a "type" discriminator per node. The envelope carries the union of all
// variant fields; the discriminator picks which are meaningful.

type filterEnvelope struct {
	Type string `json:"type"`

	Field  string `json:"field,omitempty"`
	Op     string `json:"op,omitempty"`
	Value  string `json:"value,omitempty"`
	Tag    string `json:"tag,omitempty"`
	Substr string `json:"substring,omitempty"`

	TimeField string     `json:"time_field,omitempty"`
	After     *time.Time `json:"after,omitempty"`
	Before    *time.Time `json:"before,omitempty"`

	Target string `json:"target,omitempty"`

	Children []json.RawMessage `json:"children,omitempty"`
	Child    json.RawMessage   `json:"child,omitempty"`
}

// MarshalFilter encodes a filter tree. A nil filter encodes as JSON null.
func MarshalFilter(f Filter) ([]byte, error) {
	if f == nil {
		return []byte("null"), nil
	}

	env := filterEnvelope{}
	switch filter := deref(f).(type) {
	case Property:
		env.Type = "property"
		env.Field = string(filter.Field)
		env.Op = string(filter.Op)
		env.Value = filter.Value
	case Supertag:
		env.Type = "supertag"
		env.Tag = string(filter.Tag)
	case Content:
		env.Type = "content"
		env.Substr = filter.Substring
	case Temporal:
		env.Type = "temporal"
		env.TimeField = string(filter.Field)
		if !filter.After.IsZero() {
			after := filter.After
			env.After = &after
		}
		if !filter.Before.IsZero() {
			before := filter.Before
			env.Before = &before
		}
	case Relation:
		env.Type = "relation"
		env.Field = string(filter.Field)
		env.Target = string(filter.Target)
	case And:
		env.Type = "and"
		children, err := marshalChildren(filter.Children)
		if err != nil {
			return nil, err
		}
		env.Children = children
	case Or:
		env.Type = "or"
		children, err := marshalChildren(filter.Children)
		if err != nil {
			return nil, err
		}
		env.Children = children
	case Not:
		env.Type = "not"
		child, err := MarshalFilter(filter.Child)
		if err != nil {
			return nil, err
		}
		env.Child = child
	default:
		return nil, fmt.Errorf("unknown filter type %T", f)
	}

	return json.Marshal(env)
}

// deref normalizes pointer variants to their value form.
func deref(f Filter) Filter {
	switch filter := f.(type) {
	case *Property:
		return *filter
	case *Supertag:
		return *filter
	case *Content:
		return *filter
	case *Temporal:
		return *filter
	case *Relation:
		return *filter
	case *And:
		return *filter
	case *Or:
		return *filter
	case *Not:
		return *filter
	default:
		return f
	}
}

func marshalChildren(children []Filter) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(children))
	for i, c := range children {
		raw, err := MarshalFilter(c)
		if err != nil {
			return nil, err
		}
		out[i] = raw
	}
	return out, nil
}

// UnmarshalFilter decodes a filter tree. JSON null decodes to nil.
func UnmarshalFilter(data []byte) (Filter, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	var env filterEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode filter: %w", err)
	}

	switch env.Type {
	case "property":
		return Property{
			Field: graph.FieldID(env.Field),
			Op:    PropertyOp(env.Op),
			Value: env.Value,
		}, nil
	case "supertag":
		return Supertag{Tag: graph.SupertagID(env.Tag)}, nil
	case "content":
		return Content{Substring: env.Substr}, nil
	case "temporal":
		f := Temporal{Field: TemporalField(env.TimeField)}
		if env.After != nil {
			f.After = *env.After
		}
		if env.Before != nil {
			f.Before = *env.Before
		}
		return f, nil
	case "relation":
		return Relation{
			Field:  graph.FieldID(env.Field),
			Target: graph.NodeID(env.Target),
		}, nil
	case "and":
		children, err := unmarshalChildren(env.Children)
		if err != nil {
			return nil, err
		}
		return And{Children: children}, nil
	case "or":
		children, err := unmarshalChildren(env.Children)
		if err != nil {
			return nil, err
		}
		return Or{Children: children}, nil
	case "not":
		child, err := UnmarshalFilter(env.Child)
		if err != nil {
			return nil, err
		}
		return Not{Child: child}, nil
	default:
		return nil, fmt.Errorf("unknown filter type %q", env.Type)
	}
}

func unmarshalChildren(raw []json.RawMessage) ([]Filter, error) {
	children := make([]Filter, len(raw))
	for i, r := range raw {
		c, err := UnmarshalFilter(r)
		if err != nil {
			return nil, err
		}
		children[i] = c
	}
	return children, nil
}

// MarshalJSON encodes the definition with its filter tree.
func (d Definition) MarshalJSON() ([]byte, error) {
	filter, err := MarshalFilter(d.Filter)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Name   string          `json:"name,omitempty"`
		Filter json.RawMessage `json:"filter"`
	}{Name: d.Name, Filter: filter})
}

// UnmarshalJSON decodes the definition.
func (d *Definition) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name   string          `json:"name"`
		Filter json.RawMessage `json:"filter"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	filter, err := UnmarshalFilter(raw.Filter)
	if err != nil {
		return err
	}
	d.Name = raw.Name
	d.Filter = filter
	return nil
}
