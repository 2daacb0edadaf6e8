package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/weft/internal/graph"
)

// Result is the outcome of one query evaluation.
type Result struct {
	Nodes       []*graph.AssembledNode
	TotalCount  int
	EvaluatedAt time.Time
}

// Evaluator evaluates a query definition against the current graph state.
//
// Implementations must be pure functions of repository state and the
// definition - no hidden caching that could desynchronize from mutations.
type Evaluator interface {
	Evaluate(ctx context.Context, def Definition) (Result, error)
}

// RepoEvaluator matches filter trees in-process against a graph.Repository.
//
// Nodes are visited in the repository's deterministic ID order, so results
// are stable across evaluations of unchanged state.
type RepoEvaluator struct {
	repo graph.Repository
	now  func() time.Time
}

// NewEvaluator creates a RepoEvaluator over the repository.
func NewEvaluator(repo graph.Repository) *RepoEvaluator {
	return &RepoEvaluator{repo: repo, now: time.Now}
}

// Evaluate assembles every live node and keeps those matching the filter.
func (e *RepoEvaluator) Evaluate(ctx context.Context, def Definition) (Result, error) {
	ids, err := e.repo.ListNodeIDs(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list nodes: %w", err)
	}

	var nodes []*graph.AssembledNode
	for _, id := range ids {
		node, err := e.repo.AssembleNode(ctx, id)
		if err != nil {
			return Result{}, fmt.Errorf("assemble node %s: %w", id, err)
		}
		if node == nil {
			// Deleted between listing and assembly.
			continue
		}
		if Matches(def.Filter, node) {
			nodes = append(nodes, node)
		}
	}

	return Result{
		Nodes:       nodes,
		TotalCount:  len(nodes),
		EvaluatedAt: e.now(),
	}, nil
}

// Matches reports whether a node satisfies the filter. A nil filter
// matches every node.
func Matches(f Filter, node *graph.AssembledNode) bool {
	if f == nil {
		return true
	}

	switch filter := f.(type) {
	case Property:
		return matchProperty(filter, node)
	case *Property:
		return matchProperty(*filter, node)
	case Supertag:
		return node.HasSupertag(filter.Tag)
	case *Supertag:
		return node.HasSupertag(filter.Tag)
	case Content:
		return matchContent(filter, node)
	case *Content:
		return matchContent(*filter, node)
	case Temporal:
		return matchTemporal(filter, node)
	case *Temporal:
		return matchTemporal(*filter, node)
	case Relation:
		return matchRelation(filter, node)
	case *Relation:
		return matchRelation(*filter, node)
	case And:
		return matchAll(filter.Children, node)
	case *And:
		return matchAll(filter.Children, node)
	case Or:
		return matchAny(filter.Children, node)
	case *Or:
		return matchAny(filter.Children, node)
	case Not:
		return !Matches(filter.Child, node)
	case *Not:
		return !Matches(filter.Child, node)
	default:
		// Unreachable for sealed filters; fail closed.
		return false
	}
}

func matchProperty(f Property, node *graph.AssembledNode) bool {
	prop := node.Property(f.Field)
	if prop == nil {
		return f.Op == OpNotEquals
	}

	switch f.Op {
	case OpExists:
		return len(prop.Values) > 0
	case OpEquals:
		for _, v := range prop.Values {
			if v == f.Value {
				return true
			}
		}
		return false
	case OpNotEquals:
		for _, v := range prop.Values {
			if v == f.Value {
				return false
			}
		}
		return true
	case OpContains:
		for _, v := range prop.Values {
			if strings.Contains(v, f.Value) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func matchContent(f Content, node *graph.AssembledNode) bool {
	return strings.Contains(strings.ToLower(node.Content), strings.ToLower(f.Substring))
}

func matchTemporal(f Temporal, node *graph.AssembledNode) bool {
	var ts time.Time
	switch f.Field {
	case TemporalUpdated:
		ts = node.UpdatedAt
	default:
		ts = node.CreatedAt
	}

	if !f.After.IsZero() && ts.Before(f.After) {
		return false
	}
	if !f.Before.IsZero() && ts.After(f.Before) {
		return false
	}
	return true
}

func matchRelation(f Relation, node *graph.AssembledNode) bool {
	prop := node.Property(f.Field)
	if prop == nil {
		return false
	}
	for _, v := range prop.Values {
		if v == string(f.Target) {
			return true
		}
	}
	return false
}

func matchAll(children []Filter, node *graph.AssembledNode) bool {
	for _, c := range children {
		if !Matches(c, node) {
			return false
		}
	}
	return true
}

func matchAny(children []Filter, node *graph.AssembledNode) bool {
	for _, c := range children {
		if Matches(c, node) {
			return true
		}
	}
	return false
}
