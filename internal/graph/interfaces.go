package graph

import "context"

// Repository is the node store boundary the automation core writes through.
//
// Contract:
//   - Read-your-writes: a SetProperty followed by AssembleNode on the same
//     node reflects the write.
//   - DeleteNode is a soft delete: the node becomes invisible to
//     AssembleNode and queries without necessarily erasing storage.
//   - Every successful mutation emits exactly one MutationEvent on the
//     process event bus.
type Repository interface {
	CreateNode(ctx context.Context, content string) (NodeID, error)
	SetNodeContent(ctx context.Context, id NodeID, content string) error
	SetProperty(ctx context.Context, id NodeID, field FieldID, values ...string) error
	ClearProperty(ctx context.Context, id NodeID, field FieldID) error
	AddSupertag(ctx context.Context, id NodeID, tag SupertagID) error
	RemoveSupertag(ctx context.Context, id NodeID, tag SupertagID) error

	// AssembleNode returns the node with properties and supertags
	// materialized, or nil if the node does not exist or is deleted.
	AssembleNode(ctx context.Context, id NodeID) (*AssembledNode, error)
	DeleteNode(ctx context.Context, id NodeID) error

	// SystemNode resolves a well-known system identifier (for example the
	// "automation" supertag) to its node ID.
	SystemNode(ctx context.Context, systemID string) (NodeID, error)

	// FindNodesBySupertag returns the IDs of all live nodes carrying the
	// supertag. This is the typed enumeration used to discover persisted
	// automation definitions.
	FindNodesBySupertag(ctx context.Context, tag SupertagID) ([]NodeID, error)

	// ListNodeIDs returns the IDs of all live nodes in deterministic order.
	ListNodeIDs(ctx context.Context) ([]NodeID, error)
}

// ValueChange carries a computed-field transition to its listeners.
type ValueChange struct {
	Current  float64
	Previous float64
}

// ComputedFieldSource maintains derived numeric values and notifies
// listeners when a value changes. Threshold triggers subscribe through it.
type ComputedFieldSource interface {
	// Value returns the current value of the field. ok is false when the
	// field has no value yet.
	Value(field FieldID) (value float64, ok bool, err error)

	// OnValueChange registers a listener for the field. The returned
	// function unregisters it; calling it more than once is a no-op.
	OnValueChange(field FieldID, fn func(ValueChange)) (unsubscribe func(), err error)
}
