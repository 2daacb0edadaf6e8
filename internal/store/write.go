package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/weft/internal/graph"
)

// CreateNode inserts a new node and emits NodeCreated.
func (s *Store) CreateNode(ctx context.Context, content string) (graph.NodeID, error) {
	id := graph.NodeID(s.newID())
	now := s.now().UnixNano()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, content, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`, string(id), content, now, now)
	if err != nil {
		return "", fmt.Errorf("create node: %w", err)
	}

	s.bus.Emit(graph.MutationEvent{Kind: graph.NodeCreated, NodeID: id})
	return id, nil
}

// SetNodeContent replaces the node's content and emits NodeUpdated.
func (s *Store) SetNodeContent(ctx context.Context, id graph.NodeID, content string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET content = ?, updated_at = ?
		WHERE id = ? AND deleted = 0
	`, content, s.now().UnixNano(), string(id))
	if err != nil {
		return fmt.Errorf("set content on %s: %w", id, err)
	}
	if err := requireHit(res, id); err != nil {
		return err
	}

	s.bus.Emit(graph.MutationEvent{Kind: graph.NodeUpdated, NodeID: id})
	return nil
}

// SetProperty replaces the field's values on the node and emits
// PropertySet. Values keep their argument order; the field keeps its
// first-write position among the node's properties.
func (s *Store) SetProperty(ctx context.Context, id graph.NodeID, field graph.FieldID, values ...string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireLive(ctx, tx, id); err != nil {
			return err
		}

		// Preserve the field's original position if it was set before.
		var fieldSeq int64
		err := tx.QueryRowContext(ctx, `
			SELECT field_seq FROM properties
			WHERE node_id = ? AND field_id = ? LIMIT 1
		`, string(id), string(field)).Scan(&fieldSeq)
		switch {
		case err == sql.ErrNoRows:
			if err := tx.QueryRowContext(ctx, `
				SELECT COALESCE(MAX(field_seq), 0) + 1 FROM properties WHERE node_id = ?
			`, string(id)).Scan(&fieldSeq); err != nil {
				return fmt.Errorf("next field seq: %w", err)
			}
		case err != nil:
			return fmt.Errorf("field seq: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM properties WHERE node_id = ? AND field_id = ?
		`, string(id), string(field)); err != nil {
			return fmt.Errorf("clear old values: %w", err)
		}
		for i, v := range values {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO properties (node_id, field_id, field_seq, position, value)
				VALUES (?, ?, ?, ?, ?)
			`, string(id), string(field), fieldSeq, i, v); err != nil {
				return fmt.Errorf("insert value: %w", err)
			}
		}
		return s.touch(ctx, tx, id)
	})
	if err != nil {
		return fmt.Errorf("set property %s on %s: %w", field, id, err)
	}

	s.bus.Emit(graph.MutationEvent{Kind: graph.PropertySet, NodeID: id, FieldID: field})
	return nil
}

// ClearProperty removes the field from the node and emits
// PropertyCleared. Clearing an absent field is a no-op without event.
func (s *Store) ClearProperty(ctx context.Context, id graph.NodeID, field graph.FieldID) error {
	var removed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireLive(ctx, tx, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM properties WHERE node_id = ? AND field_id = ?
		`, string(id), string(field))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		removed = true
		return s.touch(ctx, tx, id)
	})
	if err != nil {
		return fmt.Errorf("clear property %s on %s: %w", field, id, err)
	}
	if !removed {
		return nil
	}

	s.bus.Emit(graph.MutationEvent{Kind: graph.PropertyCleared, NodeID: id, FieldID: field})
	return nil
}

// AddSupertag attaches the tag and emits SupertagAdded. Attaching a tag
// the node already carries is a no-op without event.
func (s *Store) AddSupertag(ctx context.Context, id graph.NodeID, tag graph.SupertagID) error {
	var added bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireLive(ctx, tx, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO node_supertags (node_id, supertag_id, added_seq)
			VALUES (?, ?, (SELECT COALESCE(MAX(added_seq), 0) + 1 FROM node_supertags WHERE node_id = ?))
			ON CONFLICT(node_id, supertag_id) DO NOTHING
		`, string(id), string(tag), string(id))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		added = true
		return s.touch(ctx, tx, id)
	})
	if err != nil {
		return fmt.Errorf("add supertag %s to %s: %w", tag, id, err)
	}
	if !added {
		return nil
	}

	s.bus.Emit(graph.MutationEvent{Kind: graph.SupertagAdded, NodeID: id, SupertagID: tag})
	return nil
}

// RemoveSupertag detaches the tag and emits SupertagRemoved. Removing a
// tag the node does not carry is a no-op without event.
func (s *Store) RemoveSupertag(ctx context.Context, id graph.NodeID, tag graph.SupertagID) error {
	var removed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireLive(ctx, tx, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM node_supertags WHERE node_id = ? AND supertag_id = ?
		`, string(id), string(tag))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		removed = true
		return s.touch(ctx, tx, id)
	})
	if err != nil {
		return fmt.Errorf("remove supertag %s from %s: %w", tag, id, err)
	}
	if !removed {
		return nil
	}

	s.bus.Emit(graph.MutationEvent{Kind: graph.SupertagRemoved, NodeID: id, SupertagID: tag})
	return nil
}

// DeleteNode soft-deletes the node and emits NodeDeleted.
func (s *Store) DeleteNode(ctx context.Context, id graph.NodeID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET deleted = 1, updated_at = ?
		WHERE id = ? AND deleted = 0
	`, s.now().UnixNano(), string(id))
	if err != nil {
		return fmt.Errorf("delete node %s: %w", id, err)
	}
	if err := requireHit(res, id); err != nil {
		return err
	}

	s.bus.Emit(graph.MutationEvent{Kind: graph.NodeDeleted, NodeID: id})
	return nil
}

// DefineField upserts a field definition's display name.
func (s *Store) DefineField(ctx context.Context, id graph.FieldID, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO field_defs (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, string(id), name)
	if err != nil {
		return fmt.Errorf("define field %s: %w", id, err)
	}
	return nil
}

// DefineSupertag upserts a supertag definition's display name.
func (s *Store) DefineSupertag(ctx context.Context, id graph.SupertagID, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO supertag_defs (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, string(id), name)
	if err != nil {
		return fmt.Errorf("define supertag %s: %w", id, err)
	}
	return nil
}

// SystemNode resolves a well-known system identifier to its node,
// creating the node on first use.
func (s *Store) SystemNode(ctx context.Context, systemID string) (graph.NodeID, error) {
	var existing string
	err := s.db.QueryRowContext(ctx, `
		SELECT node_id FROM system_nodes WHERE system_id = ?
	`, systemID).Scan(&existing)
	switch {
	case err == nil:
		return graph.NodeID(existing), nil
	case err != sql.ErrNoRows:
		return "", fmt.Errorf("system node %s: %w", systemID, err)
	}

	id, err := s.CreateNode(ctx, systemID)
	if err != nil {
		return "", fmt.Errorf("system node %s: %w", systemID, err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO system_nodes (system_id, node_id) VALUES (?, ?)
		ON CONFLICT(system_id) DO NOTHING
	`, systemID, string(id)); err != nil {
		return "", fmt.Errorf("system node %s: %w", systemID, err)
	}
	return id, nil
}

// inTx runs fn inside a transaction, committing on nil error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// touch bumps the node's updated_at inside the caller's transaction.
func (s *Store) touch(ctx context.Context, tx *sql.Tx, id graph.NodeID) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE nodes SET updated_at = ? WHERE id = ?
	`, s.now().UnixNano(), string(id))
	return err
}

// requireLive fails when the node is absent or soft-deleted.
func requireLive(ctx context.Context, tx *sql.Tx, id graph.NodeID) error {
	var one int
	err := tx.QueryRowContext(ctx, `
		SELECT 1 FROM nodes WHERE id = ? AND deleted = 0
	`, string(id)).Scan(&one)
	if err == sql.ErrNoRows {
		return fmt.Errorf("node %s not found", id)
	}
	return err
}

func requireHit(res sql.Result, id graph.NodeID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("node %s not found", id)
	}
	return nil
}
