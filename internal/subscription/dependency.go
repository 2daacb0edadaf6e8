package subscription

import (
	"sync"

	"github.com/roach88/weft/internal/graph"
	"github.com/roach88/weft/internal/query"
)

// queryDeps is the static dependency footprint of one query: the field and
// supertag IDs whose mutations could change result membership.
//
// everything marks queries containing content, temporal, or relation
// filters. Their membership can shift on mutations no field/tag analysis
// can attribute, so they are conservatively invalidated by every mutation.
type queryDeps struct {
	fields     map[graph.FieldID]struct{}
	tags       map[graph.SupertagID]struct{}
	everything bool
}

// DependencyTracker maps live subscriptions to the mutations that could
// change their result membership.
//
// The tracker is used only to prune re-evaluation candidates: including an
// unaffected subscription costs one wasted evaluation, omitting an
// affected one is a correctness bug. Every rule below errs toward
// inclusion.
type DependencyTracker struct {
	mu   sync.Mutex
	deps map[string]queryDeps
}

// NewDependencyTracker creates an empty tracker.
func NewDependencyTracker() *DependencyTracker {
	return &DependencyTracker{deps: make(map[string]queryDeps)}
}

// Register analyzes the query's filter tree and records its dependency
// footprint under the subscription ID.
func (t *DependencyTracker) Register(subscriptionID string, def query.Definition) {
	d := queryDeps{
		fields: make(map[graph.FieldID]struct{}),
		tags:   make(map[graph.SupertagID]struct{}),
	}
	collectDeps(def.Filter, &d)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.deps[subscriptionID] = d
}

// Unregister drops the subscription's footprint.
func (t *DependencyTracker) Unregister(subscriptionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.deps, subscriptionID)
}

// Clear drops every footprint.
func (t *DependencyTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deps = make(map[string]queryDeps)
}

// Affected returns the IDs of subscriptions whose membership the mutation
// could change.
//
// Node creation and deletion can change any query's membership, so they
// affect every subscription. Content updates affect only queries marked
// everything; property and supertag mutations affect queries depending on
// that field or tag, plus everything-queries.
func (t *DependencyTracker) Affected(ev graph.MutationEvent) map[string]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	affected := make(map[string]struct{})
	for id, d := range t.deps {
		if t.dependsOn(d, ev) {
			affected[id] = struct{}{}
		}
	}
	return affected
}

func (t *DependencyTracker) dependsOn(d queryDeps, ev graph.MutationEvent) bool {
	switch ev.Kind {
	case graph.NodeCreated, graph.NodeDeleted:
		return true
	case graph.NodeUpdated:
		return d.everything
	case graph.PropertySet, graph.PropertyCleared:
		if d.everything {
			return true
		}
		_, ok := d.fields[ev.FieldID]
		return ok
	case graph.SupertagAdded, graph.SupertagRemoved:
		if d.everything {
			return true
		}
		_, ok := d.tags[ev.SupertagID]
		return ok
	default:
		// Unknown mutation kinds invalidate everything, to stay sound.
		return true
	}
}

// collectDeps walks the filter tree. A nil filter matches all nodes;
// membership then changes only on create/delete, which affect every
// subscription regardless, so nil contributes nothing.
func collectDeps(f query.Filter, d *queryDeps) {
	switch filter := f.(type) {
	case nil:
	case query.Property:
		d.fields[filter.Field] = struct{}{}
	case *query.Property:
		d.fields[filter.Field] = struct{}{}
	case query.Supertag:
		d.tags[filter.Tag] = struct{}{}
	case *query.Supertag:
		d.tags[filter.Tag] = struct{}{}
	case query.Content, *query.Content,
		query.Temporal, *query.Temporal,
		query.Relation, *query.Relation:
		// No narrower inference is proven safe for these filter kinds.
		d.everything = true
	case query.And:
		for _, c := range filter.Children {
			collectDeps(c, d)
		}
	case *query.And:
		for _, c := range filter.Children {
			collectDeps(c, d)
		}
	case query.Or:
		for _, c := range filter.Children {
			collectDeps(c, d)
		}
	case *query.Or:
		for _, c := range filter.Children {
			collectDeps(c, d)
		}
	case query.Not:
		collectDeps(filter.Child, d)
	case *query.Not:
		collectDeps(filter.Child, d)
	default:
		d.everything = true
	}
}
