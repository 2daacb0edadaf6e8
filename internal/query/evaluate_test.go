package query_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/weft/internal/bus"
	"github.com/roach88/weft/internal/graph"
	"github.com/roach88/weft/internal/query"
	"github.com/roach88/weft/internal/testutil"
)

func taskNode(content, status string, tags ...graph.SupertagID) *graph.AssembledNode {
	node := &graph.AssembledNode{
		ID:      "node-1",
		Content: content,
		Properties: []graph.PropertyValue{
			{FieldID: "status", FieldName: "status", Values: []string{status}},
			{FieldID: "assignees", FieldName: "assignees", Values: []string{"ada", "grace"}},
		},
		CreatedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	for _, tag := range tags {
		node.Supertags = append(node.Supertags, graph.SupertagRef{ID: tag, Name: string(tag)})
	}
	return node
}

func TestMatches_Property(t *testing.T) {
	node := taskNode("write report", "open", "task")

	cases := []struct {
		name   string
		filter query.Filter
		want   bool
	}{
		{"equals hit", query.Property{Field: "status", Op: query.OpEquals, Value: "open"}, true},
		{"equals miss", query.Property{Field: "status", Op: query.OpEquals, Value: "done"}, false},
		{"equals any value", query.Property{Field: "assignees", Op: query.OpEquals, Value: "grace"}, true},
		{"not equals", query.Property{Field: "status", Op: query.OpNotEquals, Value: "done"}, true},
		{"not equals hit", query.Property{Field: "status", Op: query.OpNotEquals, Value: "open"}, false},
		{"not equals on missing field", query.Property{Field: "priority", Op: query.OpNotEquals, Value: "high"}, true},
		{"contains", query.Property{Field: "assignees", Op: query.OpContains, Value: "ad"}, true},
		{"contains miss", query.Property{Field: "assignees", Op: query.OpContains, Value: "zed"}, false},
		{"exists", query.Property{Field: "status", Op: query.OpExists}, true},
		{"exists miss", query.Property{Field: "priority", Op: query.OpExists}, false},
		{"unknown op", query.Property{Field: "status", Op: "regex", Value: "o.*"}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, query.Matches(c.filter, node))
		})
	}
}

func TestMatches_SupertagAndContent(t *testing.T) {
	node := taskNode("Write Quarterly Report", "open", "task", "urgent")

	assert.True(t, query.Matches(query.Supertag{Tag: "task"}, node))
	assert.False(t, query.Matches(query.Supertag{Tag: "project"}, node))

	// Content matching is case-insensitive substring.
	assert.True(t, query.Matches(query.Content{Substring: "quarterly"}, node))
	assert.True(t, query.Matches(query.Content{Substring: "REPORT"}, node))
	assert.False(t, query.Matches(query.Content{Substring: "annual"}, node))
}

func TestMatches_Temporal(t *testing.T) {
	node := taskNode("x", "open")

	created := node.CreatedAt
	assert.True(t, query.Matches(query.Temporal{
		Field: query.TemporalCreated,
		After: created.Add(-time.Hour),
	}, node))
	assert.False(t, query.Matches(query.Temporal{
		Field: query.TemporalCreated,
		After: created.Add(time.Hour),
	}, node))
	assert.True(t, query.Matches(query.Temporal{
		Field:  query.TemporalUpdated,
		Before: node.UpdatedAt.Add(time.Minute),
	}, node))

	// Zero bounds constrain nothing.
	assert.True(t, query.Matches(query.Temporal{Field: query.TemporalCreated}, node))
}

func TestMatches_Relation(t *testing.T) {
	node := &graph.AssembledNode{
		ID: "node-1",
		Properties: []graph.PropertyValue{
			{FieldID: "project", FieldName: "project", Values: []string{"node-42"}},
		},
	}

	assert.True(t, query.Matches(query.Relation{Field: "project", Target: "node-42"}, node))
	assert.False(t, query.Matches(query.Relation{Field: "project", Target: "node-7"}, node))
	assert.False(t, query.Matches(query.Relation{Field: "owner", Target: "node-42"}, node))
}

func TestMatches_Combinators(t *testing.T) {
	node := taskNode("x", "open", "task")

	task := query.Supertag{Tag: "task"}
	open := query.Property{Field: "status", Op: query.OpEquals, Value: "open"}
	done := query.Property{Field: "status", Op: query.OpEquals, Value: "done"}

	assert.True(t, query.Matches(query.And{Children: []query.Filter{task, open}}, node))
	assert.False(t, query.Matches(query.And{Children: []query.Filter{task, done}}, node))
	assert.True(t, query.Matches(query.And{}, node), "empty And matches everything")

	assert.True(t, query.Matches(query.Or{Children: []query.Filter{done, open}}, node))
	assert.False(t, query.Matches(query.Or{}, node), "empty Or matches nothing")

	assert.True(t, query.Matches(query.Not{Child: done}, node))
	assert.False(t, query.Matches(query.Not{Child: open}, node))

	// Nesting and pointer filter nodes both work.
	nested := query.And{Children: []query.Filter{
		&task,
		query.Not{Child: &done},
	}}
	assert.True(t, query.Matches(nested, node))
}

func TestMatches_NilFilterMatchesEverything(t *testing.T) {
	assert.True(t, query.Matches(nil, taskNode("x", "open")))
}

func TestRepoEvaluator_Evaluate(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewMemoryRepo(bus.New())

	openTask, err := repo.CreateNode(ctx, "open task")
	require.NoError(t, err)
	require.NoError(t, repo.AddSupertag(ctx, openTask, "task"))
	require.NoError(t, repo.SetProperty(ctx, openTask, "status", "open"))

	doneTask, err := repo.CreateNode(ctx, "done task")
	require.NoError(t, err)
	require.NoError(t, repo.AddSupertag(ctx, doneTask, "task"))
	require.NoError(t, repo.SetProperty(ctx, doneTask, "status", "done"))

	_, err = repo.CreateNode(ctx, "loose note")
	require.NoError(t, err)

	deleted, err := repo.CreateNode(ctx, "gone")
	require.NoError(t, err)
	require.NoError(t, repo.AddSupertag(ctx, deleted, "task"))
	require.NoError(t, repo.DeleteNode(ctx, deleted))

	ev := query.NewEvaluator(repo)

	res, err := ev.Evaluate(ctx, query.Definition{Filter: query.Supertag{Tag: "task"}})
	require.NoError(t, err)
	require.Equal(t, 2, res.TotalCount)
	assert.Equal(t, openTask, res.Nodes[0].ID, "results follow repository ID order")
	assert.Equal(t, doneTask, res.Nodes[1].ID)
	assert.False(t, res.EvaluatedAt.IsZero())

	res, err = ev.Evaluate(ctx, query.Definition{Filter: query.And{Children: []query.Filter{
		query.Supertag{Tag: "task"},
		query.Property{Field: "status", Op: query.OpEquals, Value: "open"},
	}}})
	require.NoError(t, err)
	require.Len(t, res.Nodes, 1)
	assert.Equal(t, openTask, res.Nodes[0].ID)

	// Nil filter selects every live node, deleted ones stay out.
	res, err = ev.Evaluate(ctx, query.Definition{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalCount)
	for _, n := range res.Nodes {
		assert.NotEqual(t, deleted, n.ID)
	}
}
