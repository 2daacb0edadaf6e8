// Package bus implements the in-memory pub/sub channel for graph mutation
// events. The bus has no knowledge of queries or subscriptions; it only
// matches events against listener filters and fans them out.
package bus

import (
	"log/slog"
	"sync"

	"github.com/roach88/weft/internal/graph"
)

// LeakWarningThreshold is the listener count above which the bus logs a
// one-time warning. Forgotten unsubscribes usually show up as a slowly
// growing listener set; the warning re-arms once the count drops back
// under the threshold so it fires again on the next leak.
const LeakWarningThreshold = 50

// Listener receives mutation events. Listeners run synchronously on the
// emitting goroutine; a panicking listener is recovered and logged and
// never prevents delivery to the remaining listeners.
type Listener func(graph.MutationEvent)

// Filter narrows the events a listener receives. A zero-value field
// imposes no constraint; all set constraints must match (AND semantics).
type Filter struct {
	Kinds      []graph.MutationKind
	NodeID     graph.NodeID
	FieldID    graph.FieldID
	SupertagID graph.SupertagID
}

func (f *Filter) matches(ev graph.MutationEvent) bool {
	if f == nil {
		return true
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == ev.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.NodeID != "" && f.NodeID != ev.NodeID {
		return false
	}
	if f.FieldID != "" && f.FieldID != ev.FieldID {
		return false
	}
	if f.SupertagID != "" && f.SupertagID != ev.SupertagID {
		return false
	}
	return true
}

type registration struct {
	id     int64
	fn     Listener
	filter *Filter
}

// Bus broadcasts mutation events to registered listeners.
//
// Emit iterates a snapshot of the listener list, so a listener
// unsubscribing (or subscribing) during emission cannot corrupt iteration.
// Events are delivered to listeners in subscription order.
type Bus struct {
	mu         sync.Mutex
	nextID     int64
	listeners  []registration
	leakWarned bool
	onEmit     func(graph.MutationEvent) // optional metrics hook
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// OnEmit installs a hook invoked once per emitted event, before delivery.
// Used to wire the metrics collector without the bus importing it.
func (b *Bus) OnEmit(fn func(graph.MutationEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onEmit = fn
}

// Subscribe registers a listener with an optional filter and returns its
// unsubscribe function. Calling the returned function more than once is a
// no-op.
func (b *Bus) Subscribe(fn Listener, filter *Filter) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, registration{id: id, fn: fn, filter: filter})

	if !b.leakWarned && len(b.listeners) > LeakWarningThreshold {
		b.leakWarned = true
		slog.Warn("possible event listener leak",
			"listener_count", len(b.listeners),
			"threshold", LeakWarningThreshold,
		)
	}

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, reg := range b.listeners {
		if reg.id == id {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			break
		}
	}
	if b.leakWarned && len(b.listeners) < LeakWarningThreshold {
		b.leakWarned = false
	}
}

// Emit delivers the event to every listener whose filter matches.
//
// Listener faults are isolated: a panic in one listener is recovered and
// logged, and the remaining listeners still run.
func (b *Bus) Emit(ev graph.MutationEvent) {
	b.mu.Lock()
	snapshot := make([]registration, len(b.listeners))
	copy(snapshot, b.listeners)
	hook := b.onEmit
	b.mu.Unlock()

	if hook != nil {
		hook(ev)
	}

	for _, reg := range snapshot {
		if !reg.filter.matches(ev) {
			continue
		}
		b.invoke(reg, ev)
	}
}

func (b *Bus) invoke(reg registration, ev graph.MutationEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event listener panicked",
				"panic", r,
				"kind", ev.Kind.String(),
				"node_id", ev.NodeID,
			)
		}
	}()
	reg.fn(ev)
}

// ListenerCount returns the number of registered listeners.
func (b *Bus) ListenerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// Clear removes all listeners and re-arms the leak warning.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = nil
	b.leakWarned = false
}
