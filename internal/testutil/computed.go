package testutil

import (
	"sync"

	"github.com/roach88/weft/internal/graph"
)

// StubComputed is a scriptable graph.ComputedFieldSource. Tests drive
// it with Set, which records the value and notifies listeners with the
// previous value, synchronously on the calling goroutine.
type StubComputed struct {
	mu        sync.Mutex
	values    map[graph.FieldID]float64
	known     map[graph.FieldID]bool
	listeners map[graph.FieldID]map[int]func(graph.ValueChange)
	nextID    int
}

// NewStubComputed creates a source with no values.
func NewStubComputed() *StubComputed {
	return &StubComputed{
		values:    make(map[graph.FieldID]float64),
		known:     make(map[graph.FieldID]bool),
		listeners: make(map[graph.FieldID]map[int]func(graph.ValueChange)),
	}
}

// Set updates the field's value and delivers the change to listeners.
// The first Set of a field reports a zero previous value.
func (c *StubComputed) Set(field graph.FieldID, value float64) {
	c.mu.Lock()
	prev := c.values[field]
	c.values[field] = value
	c.known[field] = true

	var fns []func(graph.ValueChange)
	for _, fn := range c.listeners[field] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(graph.ValueChange{Current: value, Previous: prev})
	}
}

func (c *StubComputed) Value(field graph.FieldID) (float64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[field], c.known[field], nil
}

func (c *StubComputed) OnValueChange(field graph.FieldID, fn func(graph.ValueChange)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.listeners[field] == nil {
		c.listeners[field] = make(map[int]func(graph.ValueChange))
	}
	c.nextID++
	id := c.nextID
	c.listeners[field][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners[field], id)
			c.mu.Unlock()
		})
	}, nil
}

// ListenerCount returns the number of live listeners on field.
func (c *StubComputed) ListenerCount(field graph.FieldID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners[field])
}
