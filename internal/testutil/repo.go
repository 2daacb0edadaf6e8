package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/weft/internal/bus"
	"github.com/roach88/weft/internal/graph"
)

// MemoryRepo is an in-memory graph.Repository for tests. It mirrors the
// sqlite store's contract: read-your-writes, soft deletes, and exactly
// one mutation event emitted on the bus per successful state change.
// Node IDs are sequential ("node-1", "node-2") for deterministic diffs.
//
// Events are emitted after the internal lock is released, so subscriber
// callbacks may re-enter the repository.
type MemoryRepo struct {
	mu         sync.Mutex
	bus        *bus.Bus
	now        func() time.Time
	newID      func() string
	nodes      map[graph.NodeID]*memNode
	order      []graph.NodeID
	fieldNames map[graph.FieldID]string
	tagNames   map[graph.SupertagID]string
	system     map[string]graph.NodeID
}

type memNode struct {
	content   string
	props     map[graph.FieldID][]string
	propOrder []graph.FieldID
	tags      []graph.SupertagID
	created   time.Time
	updated   time.Time
	deleted   bool
}

// NewMemoryRepo creates an empty repository that broadcasts mutations
// on b.
func NewMemoryRepo(b *bus.Bus) *MemoryRepo {
	return &MemoryRepo{
		bus:        b,
		now:        time.Now,
		newID:      SequenceIDs("node"),
		nodes:      make(map[graph.NodeID]*memNode),
		fieldNames: make(map[graph.FieldID]string),
		tagNames:   make(map[graph.SupertagID]string),
		system:     make(map[string]graph.NodeID),
	}
}

// SetNow overrides the timestamp source.
func (r *MemoryRepo) SetNow(fn func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = fn
}

// NameField assigns a display name to a field definition. Unnamed
// fields assemble with their ID as the name.
func (r *MemoryRepo) NameField(id graph.FieldID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fieldNames[id] = name
}

// NameTag assigns a display name to a supertag definition.
func (r *MemoryRepo) NameTag(id graph.SupertagID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tagNames[id] = name
}

func (r *MemoryRepo) CreateNode(ctx context.Context, content string) (graph.NodeID, error) {
	r.mu.Lock()
	id := graph.NodeID(r.newID())
	now := r.now()
	r.nodes[id] = &memNode{
		content: content,
		props:   make(map[graph.FieldID][]string),
		created: now,
		updated: now,
	}
	r.order = append(r.order, id)
	r.mu.Unlock()

	r.bus.Emit(graph.MutationEvent{Kind: graph.NodeCreated, NodeID: id})
	return id, nil
}

func (r *MemoryRepo) SetNodeContent(ctx context.Context, id graph.NodeID, content string) error {
	r.mu.Lock()
	n, err := r.live(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	n.content = content
	n.updated = r.now()
	r.mu.Unlock()

	r.bus.Emit(graph.MutationEvent{Kind: graph.NodeUpdated, NodeID: id})
	return nil
}

func (r *MemoryRepo) SetProperty(ctx context.Context, id graph.NodeID, field graph.FieldID, values ...string) error {
	r.mu.Lock()
	n, err := r.live(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if _, exists := n.props[field]; !exists {
		n.propOrder = append(n.propOrder, field)
	}
	n.props[field] = append([]string(nil), values...)
	n.updated = r.now()
	r.mu.Unlock()

	r.bus.Emit(graph.MutationEvent{Kind: graph.PropertySet, NodeID: id, FieldID: field})
	return nil
}

func (r *MemoryRepo) ClearProperty(ctx context.Context, id graph.NodeID, field graph.FieldID) error {
	r.mu.Lock()
	n, err := r.live(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if _, exists := n.props[field]; !exists {
		r.mu.Unlock()
		return nil
	}
	delete(n.props, field)
	for i, f := range n.propOrder {
		if f == field {
			n.propOrder = append(n.propOrder[:i], n.propOrder[i+1:]...)
			break
		}
	}
	n.updated = r.now()
	r.mu.Unlock()

	r.bus.Emit(graph.MutationEvent{Kind: graph.PropertyCleared, NodeID: id, FieldID: field})
	return nil
}

func (r *MemoryRepo) AddSupertag(ctx context.Context, id graph.NodeID, tag graph.SupertagID) error {
	r.mu.Lock()
	n, err := r.live(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	for _, t := range n.tags {
		if t == tag {
			r.mu.Unlock()
			return nil
		}
	}
	n.tags = append(n.tags, tag)
	n.updated = r.now()
	r.mu.Unlock()

	r.bus.Emit(graph.MutationEvent{Kind: graph.SupertagAdded, NodeID: id, SupertagID: tag})
	return nil
}

func (r *MemoryRepo) RemoveSupertag(ctx context.Context, id graph.NodeID, tag graph.SupertagID) error {
	r.mu.Lock()
	n, err := r.live(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	found := false
	for i, t := range n.tags {
		if t == tag {
			n.tags = append(n.tags[:i], n.tags[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		r.mu.Unlock()
		return nil
	}
	n.updated = r.now()
	r.mu.Unlock()

	r.bus.Emit(graph.MutationEvent{Kind: graph.SupertagRemoved, NodeID: id, SupertagID: tag})
	return nil
}

func (r *MemoryRepo) AssembleNode(ctx context.Context, id graph.NodeID) (*graph.AssembledNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok || n.deleted {
		return nil, nil
	}

	out := &graph.AssembledNode{
		ID:        id,
		Content:   n.content,
		CreatedAt: n.created,
		UpdatedAt: n.updated,
	}
	for _, f := range n.propOrder {
		name := r.fieldNames[f]
		if name == "" {
			name = string(f)
		}
		out.Properties = append(out.Properties, graph.PropertyValue{
			FieldID:   f,
			FieldName: name,
			Values:    append([]string(nil), n.props[f]...),
		})
	}
	for _, t := range n.tags {
		name := r.tagNames[t]
		if name == "" {
			name = string(t)
		}
		out.Supertags = append(out.Supertags, graph.SupertagRef{ID: t, Name: name})
	}
	return out, nil
}

func (r *MemoryRepo) DeleteNode(ctx context.Context, id graph.NodeID) error {
	r.mu.Lock()
	n, err := r.live(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	n.deleted = true
	n.updated = r.now()
	r.mu.Unlock()

	r.bus.Emit(graph.MutationEvent{Kind: graph.NodeDeleted, NodeID: id})
	return nil
}

// SystemNode resolves a well-known identifier, creating its node on
// first use.
func (r *MemoryRepo) SystemNode(ctx context.Context, systemID string) (graph.NodeID, error) {
	r.mu.Lock()
	if id, ok := r.system[systemID]; ok {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	id, err := r.CreateNode(ctx, systemID)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.system[systemID] = id
	r.mu.Unlock()
	return id, nil
}

func (r *MemoryRepo) FindNodesBySupertag(ctx context.Context, tag graph.SupertagID) ([]graph.NodeID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []graph.NodeID
	for _, id := range r.order {
		n := r.nodes[id]
		if n.deleted {
			continue
		}
		for _, t := range n.tags {
			if t == tag {
				out = append(out, id)
				break
			}
		}
	}
	return out, nil
}

func (r *MemoryRepo) ListNodeIDs(ctx context.Context) ([]graph.NodeID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]graph.NodeID, 0, len(r.order))
	for _, id := range r.order {
		if !r.nodes[id].deleted {
			out = append(out, id)
		}
	}
	return out, nil
}

func (r *MemoryRepo) live(id graph.NodeID) (*memNode, error) {
	n, ok := r.nodes[id]
	if !ok || n.deleted {
		return nil, fmt.Errorf("node %s not found", id)
	}
	return n, nil
}
