package automation

import (
	"github.com/roach88/weft/internal/graph"
)

// thresholdWatcher holds the crossing state for one threshold
// automation. A firing happens only on a crossing: condition false for
// the previous value and true for the current one. With fireOnce set,
// a crossing that already happened suppresses further firings until
// the condition becomes false again and re-arms the watcher.
type thresholdWatcher struct {
	trigger ThresholdTrigger
	crossed bool
}

// seed primes the watcher from the field's current value without
// firing. A fireOnce condition already met at startup marks the
// threshold as crossed so the next change event cannot spuriously fire.
func (w *thresholdWatcher) seed(value float64, known bool) {
	if !known || !w.trigger.FireOnce {
		return
	}
	w.crossed = w.trigger.Condition.Met(value)
}

// restore applies persisted state on top of the seeded value, so a
// fireOnce automation that fired before a restart stays suppressed.
func (w *thresholdWatcher) restore(st State) {
	if st.ThresholdCrossed {
		w.crossed = true
	}
}

// observe feeds the watcher a value change and reports whether the
// automation should fire. It returns the firing decision and whether
// the persisted crossed flag changed.
func (w *thresholdWatcher) observe(change graph.ValueChange) (fire, dirty bool) {
	metPrev := w.trigger.Condition.Met(change.Previous)
	metCur := w.trigger.Condition.Met(change.Current)

	if !metCur {
		if w.crossed {
			w.crossed = false
			dirty = true
		}
		return false, dirty
	}
	if metPrev {
		return false, false
	}
	if w.trigger.FireOnce && w.crossed {
		return false, false
	}
	if !w.crossed {
		w.crossed = true
		dirty = true
	}
	return true, dirty
}

// state returns the bookkeeping worth persisting.
func (w *thresholdWatcher) state() State {
	return State{ThresholdCrossed: w.crossed}
}
