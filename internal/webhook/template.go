package webhook

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/roach88/weft/internal/graph"
)

// placeholderPattern matches the {{ path.to.value }} token syntax.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// ComputedFieldValue is the computed-field part of a webhook context.
type ComputedFieldValue struct {
	ID    graph.FieldID
	Value float64
}

// Context is the template-interpolation environment for one webhook job:
// the triggering node (nil for threshold triggers with no natural target),
// the computed field that crossed (nil for membership triggers), the
// automation identity, and an RFC 3339 timestamp.
type Context struct {
	Node           *graph.AssembledNode
	ComputedField  *ComputedFieldValue
	AutomationID   string
	AutomationName string
	Timestamp      time.Time
}

// toMap flattens the context into the nested lookup structure templates
// traverse. Keys follow the template vocabulary of the authoring surface
// (camelCase), not Go naming.
func (c Context) toMap() map[string]any {
	m := map[string]any{
		"automationId":   c.AutomationID,
		"automationName": c.AutomationName,
		"timestamp":      c.Timestamp.UTC().Format(time.RFC3339),
	}

	if c.Node != nil {
		props := make(map[string]any, len(c.Node.Properties))
		for _, p := range c.Node.Properties {
			props[p.FieldName] = strings.Join(p.Values, "|")
		}
		tags := make([]any, len(c.Node.Supertags))
		for i, st := range c.Node.Supertags {
			tags[i] = st.Name
		}
		m["node"] = map[string]any{
			"id":         string(c.Node.ID),
			"content":    c.Node.Content,
			"properties": props,
			"supertags":  tags,
		}
	}

	if c.ComputedField != nil {
		m["computedField"] = map[string]any{
			"id":    string(c.ComputedField.ID),
			"value": c.ComputedField.Value,
		}
	}

	return m
}

// interpolate replaces every {{ path }} token in s with the value found by
// traversing the dot-separated path through the context. A missing or null
// value interpolates to the empty string; non-string leaves are
// stringified.
func interpolate(s string, env map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		path := placeholderPattern.FindStringSubmatch(match)[1]
		return stringify(lookupPath(env, path))
	})
}

// interpolateValue recursively interpolates string leaves of a JSON-shaped
// body template. Maps and slices are rebuilt; other values pass through.
func interpolateValue(v any, env map[string]any) any {
	switch val := v.(type) {
	case string:
		return interpolate(val, env)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = interpolateValue(child, env)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = interpolateValue(child, env)
		}
		return out
	default:
		return v
	}
}

// lookupPath walks a dot-separated path through nested maps. Returns nil
// when any segment is missing or the value at a segment is not traversable.
func lookupPath(env map[string]any, path string) any {
	var cur any = env
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		// Render integral floats without a trailing ".0" fraction.
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
