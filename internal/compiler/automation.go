// Package compiler turns CUE-authored automation definitions into the
// engine's tagged-union Go types. It uses the CUE SDK's Go API directly
// (not a CLI subprocess) and reports errors with source positions.
package compiler

import (
	"encoding/json"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/weft/internal/automation"
	"github.com/roach88/weft/internal/graph"
	"github.com/roach88/weft/internal/query"
)

// CompileError is a structured compile failure with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}
	return err
}

// LoadString compiles CUE source and extracts every automation it
// declares. Definitions live under the top-level "automation" struct,
// keyed by name:
//
//	automation: "archive-done": {
//	    enabled: true
//	    trigger: { type: "queryMembership", event: "onEnter", query: {...} }
//	    action:  { type: "set_property", fieldId: "archivedAt", value: "$now" }
//	}
//
// Definitions are returned in declaration order. Returned definitions
// have no node ID; persisting them is the caller's concern.
func LoadString(filename, source string) ([]automation.Definition, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(source, cue.Filename(filename))
	if err := root.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	autos := root.LookupPath(cue.ParsePath("automation"))
	if !autos.Exists() {
		return nil, &CompileError{
			Field:   "automation",
			Message: "no top-level automation declarations found",
			Pos:     root.Pos(),
		}
	}

	iter, err := autos.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var defs []automation.Definition
	for iter.Next() {
		def, err := CompileAutomation(iter.Value())
		if err != nil {
			return nil, err
		}
		defs = append(defs, *def)
	}
	return defs, nil
}

// CompileAutomation parses a single CUE value into a Definition. The
// automation's name comes from its struct label.
func CompileAutomation(v cue.Value) (*automation.Definition, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	def := &automation.Definition{Enabled: true}

	// Name from the struct label, e.g. `automation: "archive-done": {...}`.
	// The label may be quoted in CUE.
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		def.Name = strings.Trim(labels[len(labels)-1].String(), `"`)
	}

	enabledVal := v.LookupPath(cue.ParsePath("enabled"))
	if enabledVal.Exists() {
		enabled, err := enabledVal.Bool()
		if err != nil {
			return nil, &CompileError{
				Field:   "enabled",
				Message: "enabled must be a boolean",
				Pos:     enabledVal.Pos(),
			}
		}
		def.Enabled = enabled
	}

	trigger, err := parseTrigger(v)
	if err != nil {
		return nil, err
	}
	def.Trigger = trigger

	action, err := parseAction(v)
	if err != nil {
		return nil, err
	}
	def.Action = action

	return def, nil
}

// parseTrigger extracts the trigger union from its "type" discriminator.
func parseTrigger(v cue.Value) (automation.Trigger, error) {
	triggerVal := v.LookupPath(cue.ParsePath("trigger"))
	if !triggerVal.Exists() {
		return nil, &CompileError{
			Field:   "trigger",
			Message: "trigger is required",
			Pos:     v.Pos(),
		}
	}

	kind, err := requiredString(triggerVal, "type")
	if err != nil {
		return nil, err
	}

	switch kind {
	case "queryMembership":
		event, err := requiredString(triggerVal, "event")
		if err != nil {
			return nil, err
		}
		switch automation.MembershipEvent(event) {
		case automation.OnEnter, automation.OnExit, automation.OnChange:
		default:
			return nil, &CompileError{
				Field:   "trigger.event",
				Message: fmt.Sprintf("invalid event %q, must be onEnter, onExit, or onChange", event),
				Pos:     triggerVal.Pos(),
			}
		}

		q, err := parseQuery(triggerVal)
		if err != nil {
			return nil, err
		}
		return automation.MembershipTrigger{Query: q, On: automation.MembershipEvent(event)}, nil

	case "threshold":
		field, err := requiredString(triggerVal, "computedFieldId")
		if err != nil {
			return nil, err
		}
		op, err := requiredString(triggerVal.LookupPath(cue.ParsePath("condition")), "operator")
		if err != nil {
			return nil, err
		}
		valueVal := triggerVal.LookupPath(cue.ParsePath("condition.value"))
		if !valueVal.Exists() {
			return nil, &CompileError{
				Field:   "trigger.condition.value",
				Message: "condition requires a numeric value",
				Pos:     triggerVal.Pos(),
			}
		}
		value, err := valueVal.Float64()
		if err != nil {
			return nil, &CompileError{
				Field:   "trigger.condition.value",
				Message: "condition value must be a number",
				Pos:     valueVal.Pos(),
			}
		}

		t := automation.ThresholdTrigger{
			Field:     graph.FieldID(field),
			Condition: automation.Condition{Op: automation.ConditionOp(op), Value: value},
		}
		fireOnceVal := triggerVal.LookupPath(cue.ParsePath("fireOnce"))
		if fireOnceVal.Exists() {
			fireOnce, err := fireOnceVal.Bool()
			if err != nil {
				return nil, &CompileError{
					Field:   "trigger.fireOnce",
					Message: "fireOnce must be a boolean",
					Pos:     fireOnceVal.Pos(),
				}
			}
			t.FireOnce = fireOnce
		}
		return t, nil

	default:
		return nil, &CompileError{
			Field:   "trigger.type",
			Message: fmt.Sprintf("unknown trigger type %q, must be queryMembership or threshold", kind),
			Pos:     triggerVal.Pos(),
		}
	}
}

// parseQuery decodes the trigger's query by exporting the CUE value to
// JSON and running it through the query codec, so the CUE authoring
// shape and the persisted shape cannot drift apart.
func parseQuery(triggerVal cue.Value) (query.Definition, error) {
	queryVal := triggerVal.LookupPath(cue.ParsePath("query"))
	if !queryVal.Exists() {
		return query.Definition{}, &CompileError{
			Field:   "trigger.query",
			Message: "queryMembership trigger requires a query",
			Pos:     triggerVal.Pos(),
		}
	}

	data, err := queryVal.MarshalJSON()
	if err != nil {
		return query.Definition{}, formatCUEError(err)
	}
	var q query.Definition
	if err := json.Unmarshal(data, &q); err != nil {
		return query.Definition{}, &CompileError{
			Field:   "trigger.query",
			Message: err.Error(),
			Pos:     queryVal.Pos(),
		}
	}
	return q, nil
}

// parseAction extracts the action union from its "type" discriminator.
func parseAction(v cue.Value) (automation.Action, error) {
	actionVal := v.LookupPath(cue.ParsePath("action"))
	if !actionVal.Exists() {
		return nil, &CompileError{
			Field:   "action",
			Message: "action is required",
			Pos:     v.Pos(),
		}
	}

	kind, err := requiredString(actionVal, "type")
	if err != nil {
		return nil, err
	}

	switch kind {
	case "set_property":
		field, err := requiredString(actionVal, "fieldId")
		if err != nil {
			return nil, err
		}
		value, err := requiredString(actionVal, "value")
		if err != nil {
			return nil, err
		}
		return automation.SetPropertyAction{Field: graph.FieldID(field), Value: value}, nil

	case "add_supertag":
		tag, err := requiredString(actionVal, "supertagId")
		if err != nil {
			return nil, err
		}
		return automation.AddSupertagAction{Tag: graph.SupertagID(tag)}, nil

	case "remove_supertag":
		tag, err := requiredString(actionVal, "supertagId")
		if err != nil {
			return nil, err
		}
		return automation.RemoveSupertagAction{Tag: graph.SupertagID(tag)}, nil

	case "webhook":
		url, err := requiredString(actionVal, "url")
		if err != nil {
			return nil, err
		}
		a := automation.WebhookAction{URL: url}

		methodVal := actionVal.LookupPath(cue.ParsePath("method"))
		if methodVal.Exists() {
			if a.Method, err = methodVal.String(); err != nil {
				return nil, formatCUEError(err)
			}
		}

		headersVal := actionVal.LookupPath(cue.ParsePath("headers"))
		if headersVal.Exists() {
			iter, err := headersVal.Fields()
			if err != nil {
				return nil, formatCUEError(err)
			}
			a.Headers = make(map[string]string)
			for iter.Next() {
				hv, err := iter.Value().String()
				if err != nil {
					return nil, &CompileError{
						Field:   fmt.Sprintf("action.headers.%s", iter.Label()),
						Message: "header value must be a string",
						Pos:     iter.Value().Pos(),
					}
				}
				a.Headers[iter.Label()] = hv
			}
		}

		bodyVal := actionVal.LookupPath(cue.ParsePath("body"))
		if bodyVal.Exists() {
			data, err := bodyVal.MarshalJSON()
			if err != nil {
				return nil, formatCUEError(err)
			}
			if err := json.Unmarshal(data, &a.Body); err != nil {
				return nil, &CompileError{
					Field:   "action.body",
					Message: err.Error(),
					Pos:     bodyVal.Pos(),
				}
			}
		}
		return a, nil

	default:
		return nil, &CompileError{
			Field:   "action.type",
			Message: fmt.Sprintf("unknown action type %q", kind),
			Pos:     actionVal.Pos(),
		}
	}
}

func requiredString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", &CompileError{
			Field:   field,
			Message: fmt.Sprintf("%s is required", field),
			Pos:     v.Pos(),
		}
	}
	s, err := fv.String()
	if err != nil {
		return "", &CompileError{
			Field:   field,
			Message: fmt.Sprintf("%s must be a string", field),
			Pos:     fv.Pos(),
		}
	}
	return s, nil
}
