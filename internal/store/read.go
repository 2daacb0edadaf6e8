package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/weft/internal/graph"
)

// AssembleNode materializes the node with its properties and supertags,
// or returns nil when the node is absent or soft-deleted.
//
// Properties come back in first-write field order with values in
// declared order; supertags in attachment order. Field and supertag
// names fall back to the raw ID when no definition names them.
func (s *Store) AssembleNode(ctx context.Context, id graph.NodeID) (*graph.AssembledNode, error) {
	var (
		content            string
		createdAt, updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT content, created_at, updated_at FROM nodes
		WHERE id = ? AND deleted = 0
	`, string(id)).Scan(&content, &createdAt, &updated)
	switch {
	case err == sql.ErrNoRows:
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("assemble %s: %w", id, err)
	}

	node := &graph.AssembledNode{
		ID:        id,
		Content:   content,
		CreatedAt: time.Unix(0, createdAt),
		UpdatedAt: time.Unix(0, updated),
	}

	if err := s.loadProperties(ctx, node); err != nil {
		return nil, fmt.Errorf("assemble %s: %w", id, err)
	}
	if err := s.loadSupertags(ctx, node); err != nil {
		return nil, fmt.Errorf("assemble %s: %w", id, err)
	}
	return node, nil
}

func (s *Store) loadProperties(ctx context.Context, node *graph.AssembledNode) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.field_id, COALESCE(f.name, p.field_id), p.value
		FROM properties p
		LEFT JOIN field_defs f ON f.id = p.field_id
		WHERE p.node_id = ?
		ORDER BY p.field_seq ASC, p.position ASC
	`, string(node.ID))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var fieldID, name, value string
		if err := rows.Scan(&fieldID, &name, &value); err != nil {
			return err
		}
		n := len(node.Properties)
		if n > 0 && node.Properties[n-1].FieldID == graph.FieldID(fieldID) {
			node.Properties[n-1].Values = append(node.Properties[n-1].Values, value)
			continue
		}
		node.Properties = append(node.Properties, graph.PropertyValue{
			FieldID:   graph.FieldID(fieldID),
			FieldName: name,
			Values:    []string{value},
		})
	}
	return rows.Err()
}

func (s *Store) loadSupertags(ctx context.Context, node *graph.AssembledNode) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.supertag_id, COALESCE(d.name, t.supertag_id)
		FROM node_supertags t
		LEFT JOIN supertag_defs d ON d.id = t.supertag_id
		WHERE t.node_id = ?
		ORDER BY t.added_seq ASC
	`, string(node.ID))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var tagID, name string
		if err := rows.Scan(&tagID, &name); err != nil {
			return err
		}
		node.Supertags = append(node.Supertags, graph.SupertagRef{
			ID:   graph.SupertagID(tagID),
			Name: name,
		})
	}
	return rows.Err()
}

// FindNodesBySupertag returns live node IDs carrying the tag, in node
// creation order.
func (s *Store) FindNodesBySupertag(ctx context.Context, tag graph.SupertagID) ([]graph.NodeID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.id
		FROM node_supertags t
		JOIN nodes n ON n.id = t.node_id
		WHERE t.supertag_id = ? AND n.deleted = 0
		ORDER BY n.seq ASC, n.id ASC
	`, string(tag))
	if err != nil {
		return nil, fmt.Errorf("find by supertag %s: %w", tag, err)
	}
	defer rows.Close()

	return scanIDs(rows)
}

// ListNodeIDs returns every live node ID in creation order.
func (s *Store) ListNodeIDs(ctx context.Context) ([]graph.NodeID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM nodes WHERE deleted = 0
		ORDER BY seq ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]graph.NodeID, error) {
	var out []graph.NodeID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, graph.NodeID(id))
	}
	return out, rows.Err()
}
