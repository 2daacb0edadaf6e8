package graph

import "time"

// NodeID identifies a node in the graph.
type NodeID string

// FieldID identifies a property field definition.
type FieldID string

// SupertagID identifies a supertag definition.
type SupertagID string

// MutationKind enumerates the logical graph changes the repository emits.
type MutationKind int

const (
	// NodeCreated is emitted once when a node comes into existence.
	NodeCreated MutationKind = iota + 1
	// NodeUpdated is emitted when a node's content changes.
	NodeUpdated
	// NodeDeleted is emitted when a node is soft-deleted.
	NodeDeleted
	// PropertySet is emitted when a property value is written.
	PropertySet
	// PropertyCleared is emitted when a property value is removed.
	PropertyCleared
	// SupertagAdded is emitted when a supertag is attached to a node.
	SupertagAdded
	// SupertagRemoved is emitted when a supertag is detached from a node.
	SupertagRemoved
)

// String returns the wire name of the mutation kind.
func (k MutationKind) String() string {
	switch k {
	case NodeCreated:
		return "node_created"
	case NodeUpdated:
		return "node_updated"
	case NodeDeleted:
		return "node_deleted"
	case PropertySet:
		return "property_set"
	case PropertyCleared:
		return "property_cleared"
	case SupertagAdded:
		return "supertag_added"
	case SupertagRemoved:
		return "supertag_removed"
	default:
		return "unknown"
	}
}

// MutationEvent describes one logical change to the node graph.
//
// Events are immutable values, emitted exactly once per change by the
// repository and broadcast on the event bus. FieldID and SupertagID are
// set only for the mutation kinds they apply to.
type MutationEvent struct {
	Kind       MutationKind
	NodeID     NodeID
	FieldID    FieldID
	SupertagID SupertagID
}

// PropertyValue is one materialized property on an assembled node.
//
// Values holds the raw values in declared order; multi-valued fields keep
// every value. FieldName is the display name of the field definition and is
// the sort key used when fingerprinting a node.
type PropertyValue struct {
	FieldID   FieldID
	FieldName string
	Values    []string
}

// SupertagRef is one supertag attached to an assembled node.
type SupertagRef struct {
	ID   SupertagID
	Name string
}

// AssembledNode is a node with its properties and supertags materialized
// into a single value. Assembly is a point-in-time snapshot; the value is
// never mutated after the repository returns it.
type AssembledNode struct {
	ID         NodeID
	Content    string
	Properties []PropertyValue
	Supertags  []SupertagRef
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// HasSupertag reports whether the node carries the given supertag.
func (n *AssembledNode) HasSupertag(id SupertagID) bool {
	for _, st := range n.Supertags {
		if st.ID == id {
			return true
		}
	}
	return false
}

// Property returns the property with the given field ID, or nil.
func (n *AssembledNode) Property(id FieldID) *PropertyValue {
	for i := range n.Properties {
		if n.Properties[i].FieldID == id {
			return &n.Properties[i]
		}
	}
	return nil
}
