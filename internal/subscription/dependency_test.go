package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/weft/internal/graph"
	"github.com/roach88/weft/internal/query"
)

func affectedIDs(t *DependencyTracker, ev graph.MutationEvent) []string {
	out := []string{}
	for id := range t.Affected(ev) {
		out = append(out, id)
	}
	return out
}

func TestDependencyTracker_PropertyFilter(t *testing.T) {
	tr := NewDependencyTracker()
	tr.Register("sub-1", query.Definition{
		Filter: query.Property{Field: "status", Op: query.OpEquals, Value: "open"},
	})

	assert.Contains(t, affectedIDs(tr, graph.MutationEvent{
		Kind: graph.PropertySet, NodeID: "n1", FieldID: "status",
	}), "sub-1")
	assert.Empty(t, affectedIDs(tr, graph.MutationEvent{
		Kind: graph.PropertySet, NodeID: "n1", FieldID: "due",
	}), "unrelated field must not invalidate")
	assert.Empty(t, affectedIDs(tr, graph.MutationEvent{
		Kind: graph.SupertagAdded, NodeID: "n1", SupertagID: "task",
	}))
}

func TestDependencyTracker_SupertagFilter(t *testing.T) {
	tr := NewDependencyTracker()
	tr.Register("sub-1", query.Definition{Filter: query.Supertag{Tag: "task"}})

	assert.Contains(t, affectedIDs(tr, graph.MutationEvent{
		Kind: graph.SupertagAdded, NodeID: "n1", SupertagID: "task",
	}), "sub-1")
	assert.Contains(t, affectedIDs(tr, graph.MutationEvent{
		Kind: graph.SupertagRemoved, NodeID: "n1", SupertagID: "task",
	}), "sub-1")
	assert.Empty(t, affectedIDs(tr, graph.MutationEvent{
		Kind: graph.SupertagAdded, NodeID: "n1", SupertagID: "project",
	}))
}

func TestDependencyTracker_LogicalFiltersUnionChildren(t *testing.T) {
	tr := NewDependencyTracker()
	tr.Register("sub-1", query.Definition{
		Filter: query.And{Children: []query.Filter{
			query.Supertag{Tag: "task"},
			query.Or{Children: []query.Filter{
				query.Property{Field: "status", Op: query.OpEquals, Value: "open"},
				query.Not{Child: query.Property{Field: "archived", Op: query.OpExists}},
			}},
		}},
	})

	for _, ev := range []graph.MutationEvent{
		{Kind: graph.SupertagAdded, NodeID: "n1", SupertagID: "task"},
		{Kind: graph.PropertySet, NodeID: "n1", FieldID: "status"},
		{Kind: graph.PropertyCleared, NodeID: "n1", FieldID: "archived"},
	} {
		assert.Contains(t, affectedIDs(tr, ev), "sub-1", "kind %s field %s", ev.Kind, ev.FieldID)
	}
	assert.Empty(t, affectedIDs(tr, graph.MutationEvent{
		Kind: graph.PropertySet, NodeID: "n1", FieldID: "priority",
	}))
}

func TestDependencyTracker_StructuralMutationsAffectAll(t *testing.T) {
	tr := NewDependencyTracker()
	tr.Register("sub-1", query.Definition{Filter: query.Supertag{Tag: "task"}})
	tr.Register("sub-2", query.Definition{Filter: query.Property{Field: "status", Op: query.OpExists}})

	created := tr.Affected(graph.MutationEvent{Kind: graph.NodeCreated, NodeID: "n1"})
	deleted := tr.Affected(graph.MutationEvent{Kind: graph.NodeDeleted, NodeID: "n1"})
	assert.Len(t, created, 2)
	assert.Len(t, deleted, 2)
}

func TestDependencyTracker_ConservativeFilters(t *testing.T) {
	// Content, temporal, and relation filters have no provable narrow
	// dependency, so every mutation invalidates them.
	cases := map[string]query.Filter{
		"content":  query.Content{Substring: "urgent"},
		"temporal": query.Temporal{Field: query.TemporalCreated},
		"relation": query.Relation{Field: "parent", Target: "n9"},
	}
	for name, f := range cases {
		t.Run(name, func(t *testing.T) {
			tr := NewDependencyTracker()
			tr.Register("sub-1", query.Definition{Filter: f})

			for _, ev := range []graph.MutationEvent{
				{Kind: graph.NodeUpdated, NodeID: "n1"},
				{Kind: graph.PropertySet, NodeID: "n1", FieldID: "anything"},
				{Kind: graph.SupertagAdded, NodeID: "n1", SupertagID: "anything"},
			} {
				assert.Contains(t, affectedIDs(tr, ev), "sub-1")
			}
		})
	}
}

func TestDependencyTracker_ContentUpdateOnlyAffectsEverythingQueries(t *testing.T) {
	tr := NewDependencyTracker()
	tr.Register("narrow", query.Definition{Filter: query.Supertag{Tag: "task"}})
	tr.Register("wide", query.Definition{Filter: query.Content{Substring: "x"}})

	got := tr.Affected(graph.MutationEvent{Kind: graph.NodeUpdated, NodeID: "n1"})
	assert.Contains(t, got, "wide")
	assert.NotContains(t, got, "narrow")
}

func TestDependencyTracker_UnregisterAndClear(t *testing.T) {
	tr := NewDependencyTracker()
	tr.Register("sub-1", query.Definition{Filter: query.Supertag{Tag: "task"}})
	tr.Register("sub-2", query.Definition{Filter: query.Supertag{Tag: "task"}})

	tr.Unregister("sub-1")
	got := tr.Affected(graph.MutationEvent{Kind: graph.SupertagAdded, NodeID: "n1", SupertagID: "task"})
	assert.NotContains(t, got, "sub-1")
	assert.Contains(t, got, "sub-2")

	tr.Clear()
	assert.Empty(t, tr.Affected(graph.MutationEvent{Kind: graph.NodeCreated, NodeID: "n1"}))
}

func TestDependencyTracker_NilFilterRegistersEmptyFootprint(t *testing.T) {
	tr := NewDependencyTracker()
	tr.Register("all", query.Definition{})

	// Membership of a match-all query changes only on create/delete.
	assert.Contains(t, affectedIDs(tr, graph.MutationEvent{Kind: graph.NodeCreated, NodeID: "n1"}), "all")
	assert.Empty(t, affectedIDs(tr, graph.MutationEvent{Kind: graph.PropertySet, NodeID: "n1", FieldID: "f"}))
}
