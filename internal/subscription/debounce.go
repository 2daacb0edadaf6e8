package subscription

import (
	"time"

	"github.com/roach88/weft/internal/graph"
)

// Clock abstracts wall time and timer scheduling so the debounce window is
// deterministic under test. Production code uses SystemClock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a stoppable pending callback.
type Timer interface {
	// Stop prevents the callback from firing. Reports whether the timer
	// was still pending.
	Stop() bool
}

// SystemClock is the real-time Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// batchState is the debounce state machine. Transitions:
//
//	idle --mutation(debounce>0)--> armed
//	armed --mutation--> armed (timer restarted)
//	armed --timer fire / flush--> flushing --done--> idle
//
// With a zero debounce the machine stays idle and mutations are processed
// as they arrive with no coalescing.
type batchState int

const (
	batchIdle batchState = iota
	batchArmed
	batchFlushing
)

// batcher collects mutations for a debounce window. It is owned by the
// Service and every method is called with the service lock held; the timer
// callback re-enters through the owner-provided flush function, which
// takes the lock itself.
type batcher struct {
	clock   Clock
	window  time.Duration
	state   batchState
	pending []graph.MutationEvent
	timer   Timer
	fire    func() // invoked by the timer, without the service lock
}

func newBatcher(clock Clock, fire func()) *batcher {
	return &batcher{clock: clock, fire: fire}
}

// setWindow updates the debounce window for subsequent mutations. An
// already armed timer keeps its original deadline.
func (b *batcher) setWindow(d time.Duration) {
	if d < 0 {
		d = 0
	}
	b.window = d
}

// add records a mutation. Reports true when the caller should process the
// mutation immediately (zero window); otherwise the mutation is held and
// the window timer is restarted.
func (b *batcher) add(ev graph.MutationEvent) (immediate bool) {
	if b.window == 0 {
		return true
	}

	b.pending = append(b.pending, ev)
	if b.timer != nil {
		b.timer.Stop()
	}
	b.state = batchArmed
	b.timer = b.clock.AfterFunc(b.window, b.fire)
	return false
}

// take cancels any armed timer and returns the held mutations, resetting
// the machine to idle via flushing.
func (b *batcher) take() []graph.MutationEvent {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.state = batchFlushing
	events := b.pending
	b.pending = nil
	b.state = batchIdle
	return events
}

// len returns the number of held mutations.
func (b *batcher) len() int {
	return len(b.pending)
}
