package query

import (
	"time"

	"github.com/roach88/weft/internal/graph"
)

// Definition is a standing query over the node graph. It is a plain value:
// two definitions with the same filter tree describe the same query.
type Definition struct {
	// Name is an optional human-readable label used in logs.
	Name string
	// Filter is the root of the filter tree. A nil filter matches every
	// live node.
	Filter Filter
}

// Filter represents one node of a query filter tree.
//
// Sealed interface - only types in this package implement it.
//
// Filter types:
//   - Property: a property field compared against a literal value
//   - Supertag: node carries a supertag
//   - Content:  node content matches a substring
//   - Temporal: created/updated timestamp within a window
//   - Relation: a property value references a target node
//   - And/Or/Not: logical combinators
type Filter interface {
	filterNode() // Marker method - seals interface to this package
}

// PropertyOp enumerates property comparison operators.
type PropertyOp string

const (
	OpEquals    PropertyOp = "eq"
	OpNotEquals PropertyOp = "neq"
	OpContains  PropertyOp = "contains"
	OpExists    PropertyOp = "exists"
)

// Property matches nodes whose property Field satisfies Op against Value.
// Multi-valued fields match when any value satisfies the comparison.
// For OpExists the Value is ignored.
type Property struct {
	Field graph.FieldID
	Op    PropertyOp
	Value string
}

func (Property) filterNode() {}

// Supertag matches nodes carrying the supertag.
type Supertag struct {
	Tag graph.SupertagID
}

func (Supertag) filterNode() {}

// Content matches nodes whose content contains Substring (case-folded).
type Content struct {
	Substring string
}

func (Content) filterNode() {}

// TemporalField selects which node timestamp a Temporal filter inspects.
type TemporalField string

const (
	TemporalCreated TemporalField = "created"
	TemporalUpdated TemporalField = "updated"
)

// Temporal matches nodes whose timestamp falls inside [After, Before].
// A zero bound imposes no constraint on that side.
type Temporal struct {
	Field  TemporalField
	After  time.Time
	Before time.Time
}

func (Temporal) filterNode() {}

// Relation matches nodes with a property value referencing Target.
type Relation struct {
	Field  graph.FieldID
	Target graph.NodeID
}

func (Relation) filterNode() {}

// And matches when every child matches. An empty And matches everything.
type And struct {
	Children []Filter
}

func (And) filterNode() {}

// Or matches when at least one child matches. An empty Or matches nothing.
type Or struct {
	Children []Filter
}

func (Or) filterNode() {}

// Not inverts its child.
type Not struct {
	Child Filter
}

func (Not) filterNode() {}
