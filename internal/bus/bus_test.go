package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/weft/internal/graph"
)

func TestBus_SubscribeAndEmit(t *testing.T) {
	b := New()

	var got []graph.MutationEvent
	b.Subscribe(func(ev graph.MutationEvent) {
		got = append(got, ev)
	}, nil)

	b.Emit(graph.MutationEvent{Kind: graph.NodeCreated, NodeID: "n1"})
	b.Emit(graph.MutationEvent{Kind: graph.PropertySet, NodeID: "n1", FieldID: "status"})

	require.Len(t, got, 2)
	assert.Equal(t, graph.NodeCreated, got[0].Kind)
	assert.Equal(t, graph.PropertySet, got[1].Kind)
	assert.Equal(t, graph.FieldID("status"), got[1].FieldID)
}

func TestBus_DeliveryOrder(t *testing.T) {
	b := New()

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		b.Subscribe(func(graph.MutationEvent) { order = append(order, i) }, nil)
	}

	b.Emit(graph.MutationEvent{Kind: graph.NodeCreated, NodeID: "n1"})
	assert.Equal(t, []int{1, 2, 3}, order, "listeners run in subscription order")
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()

	calls := 0
	unsub := b.Subscribe(func(graph.MutationEvent) { calls++ }, nil)
	require.Equal(t, 1, b.ListenerCount())

	b.Emit(graph.MutationEvent{Kind: graph.NodeCreated, NodeID: "n1"})
	unsub()
	b.Emit(graph.MutationEvent{Kind: graph.NodeCreated, NodeID: "n2"})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.ListenerCount())

	// Second call is a no-op.
	unsub()
	assert.Equal(t, 0, b.ListenerCount())
}

func TestBus_FilterKinds(t *testing.T) {
	b := New()

	var got []graph.MutationKind
	b.Subscribe(func(ev graph.MutationEvent) {
		got = append(got, ev.Kind)
	}, &Filter{Kinds: []graph.MutationKind{graph.SupertagAdded, graph.SupertagRemoved}})

	b.Emit(graph.MutationEvent{Kind: graph.NodeCreated, NodeID: "n1"})
	b.Emit(graph.MutationEvent{Kind: graph.SupertagAdded, NodeID: "n1", SupertagID: "task"})
	b.Emit(graph.MutationEvent{Kind: graph.PropertySet, NodeID: "n1", FieldID: "status"})
	b.Emit(graph.MutationEvent{Kind: graph.SupertagRemoved, NodeID: "n1", SupertagID: "task"})

	assert.Equal(t, []graph.MutationKind{graph.SupertagAdded, graph.SupertagRemoved}, got)
}

func TestBus_FilterConstraintsAND(t *testing.T) {
	b := New()

	calls := 0
	b.Subscribe(func(graph.MutationEvent) { calls++ }, &Filter{
		NodeID:  "n1",
		FieldID: "status",
	})

	// Matches both constraints.
	b.Emit(graph.MutationEvent{Kind: graph.PropertySet, NodeID: "n1", FieldID: "status"})
	// Wrong node.
	b.Emit(graph.MutationEvent{Kind: graph.PropertySet, NodeID: "n2", FieldID: "status"})
	// Wrong field.
	b.Emit(graph.MutationEvent{Kind: graph.PropertySet, NodeID: "n1", FieldID: "due"})

	assert.Equal(t, 1, calls, "all set filter fields must match")
}

func TestBus_UnsubscribeDuringEmit(t *testing.T) {
	b := New()

	var unsub2 func()
	got1, got2, got3 := 0, 0, 0

	b.Subscribe(func(graph.MutationEvent) {
		got1++
		unsub2() // remove the next listener mid-emission
	}, nil)
	unsub2 = b.Subscribe(func(graph.MutationEvent) { got2++ }, nil)
	b.Subscribe(func(graph.MutationEvent) { got3++ }, nil)

	b.Emit(graph.MutationEvent{Kind: graph.NodeCreated, NodeID: "n1"})

	// Emit iterates a snapshot: listener 2 still sees this event, and
	// listener 3 is unaffected.
	assert.Equal(t, 1, got1)
	assert.Equal(t, 1, got2)
	assert.Equal(t, 1, got3)

	b.Emit(graph.MutationEvent{Kind: graph.NodeCreated, NodeID: "n2"})
	assert.Equal(t, 1, got2, "unsubscribed listener does not see later events")
	assert.Equal(t, 2, got3)
}

func TestBus_PanicIsolation(t *testing.T) {
	b := New()

	b.Subscribe(func(graph.MutationEvent) { panic("listener bug") }, nil)
	after := 0
	b.Subscribe(func(graph.MutationEvent) { after++ }, nil)

	require.NotPanics(t, func() {
		b.Emit(graph.MutationEvent{Kind: graph.NodeCreated, NodeID: "n1"})
	})
	assert.Equal(t, 1, after, "a panicking listener must not block the rest")
}

func TestBus_LeakWarningRearms(t *testing.T) {
	b := New()

	unsubs := make([]func(), 0, LeakWarningThreshold+1)
	for i := 0; i <= LeakWarningThreshold; i++ {
		unsubs = append(unsubs, b.Subscribe(func(graph.MutationEvent) {}, nil))
	}
	assert.True(t, b.leakWarned, "crossing the threshold sets the warning flag")

	// One more subscribe does not re-warn while the flag is set.
	unsubs = append(unsubs, b.Subscribe(func(graph.MutationEvent) {}, nil))
	assert.True(t, b.leakWarned)

	// Dropping back under the threshold re-arms the warning.
	for _, u := range unsubs[:3] {
		u()
	}
	assert.False(t, b.leakWarned)
}

func TestBus_Clear(t *testing.T) {
	b := New()

	calls := 0
	b.Subscribe(func(graph.MutationEvent) { calls++ }, nil)
	b.Subscribe(func(graph.MutationEvent) { calls++ }, nil)

	b.Clear()
	assert.Equal(t, 0, b.ListenerCount())

	b.Emit(graph.MutationEvent{Kind: graph.NodeCreated, NodeID: "n1"})
	assert.Equal(t, 0, calls)
}

func TestBus_OnEmitHook(t *testing.T) {
	b := New()

	emitted := 0
	b.OnEmit(func(graph.MutationEvent) { emitted++ })

	b.Emit(graph.MutationEvent{Kind: graph.NodeCreated, NodeID: "n1"})
	b.Emit(graph.MutationEvent{Kind: graph.NodeDeleted, NodeID: "n1"})

	assert.Equal(t, 2, emitted, "hook fires once per event even with no listeners")
}
