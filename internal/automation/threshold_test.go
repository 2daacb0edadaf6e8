package automation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/weft/internal/graph"
)

func gt5FireOnce() *thresholdWatcher {
	return &thresholdWatcher{trigger: ThresholdTrigger{
		Field:     "metric",
		Condition: Condition{Op: CondGT, Value: 5},
		FireOnce:  true,
	}}
}

func TestThresholdWatcher_FiresOnlyOnCrossing(t *testing.T) {
	w := gt5FireOnce()

	// Value sequence 4, 6, 6, 3, 7: fires at 4->6 and 3->7 only.
	type step struct {
		prev, cur float64
		fire      bool
	}
	steps := []step{
		{4, 6, true},  // crossing
		{6, 6, false}, // still above, no crossing
		{6, 3, false}, // drops below, re-arms
		{3, 7, true},  // crossing again
	}

	for i, st := range steps {
		fire, _ := w.observe(graph.ValueChange{Previous: st.prev, Current: st.cur})
		assert.Equal(t, st.fire, fire, "step %d (%v -> %v)", i, st.prev, st.cur)
	}
}

func TestThresholdWatcher_FireOnceSuppressesWhileCrossed(t *testing.T) {
	w := gt5FireOnce()
	w.restore(State{ThresholdCrossed: true})

	// A crossing arrives, but the persisted flag says we already fired.
	fire, _ := w.observe(graph.ValueChange{Previous: 3, Current: 7})
	assert.False(t, fire, "fireOnce with persisted crossed state must not re-fire")

	// Dropping below the threshold re-arms.
	fire, dirty := w.observe(graph.ValueChange{Previous: 7, Current: 2})
	assert.False(t, fire)
	assert.True(t, dirty, "the cleared flag must be persisted")

	fire, _ = w.observe(graph.ValueChange{Previous: 2, Current: 9})
	assert.True(t, fire)
}

func TestThresholdWatcher_SeedMarksMetConditionWithoutFiring(t *testing.T) {
	w := gt5FireOnce()
	w.seed(8, true)

	assert.Equal(t, State{ThresholdCrossed: true}, w.state(),
		"a condition already met at startup is recorded, not fired")
}

func TestThresholdWatcher_SeedUnknownValue(t *testing.T) {
	w := gt5FireOnce()
	w.seed(0, false)
	assert.Equal(t, State{}, w.state())
}

func TestThresholdWatcher_SeedWithoutFireOnceIsNoop(t *testing.T) {
	w := &thresholdWatcher{trigger: ThresholdTrigger{
		Field:     "metric",
		Condition: Condition{Op: CondGT, Value: 5},
	}}
	w.seed(8, true)
	assert.Equal(t, State{}, w.state())
}

func TestThresholdWatcher_WithoutFireOnceFiresEveryCrossing(t *testing.T) {
	w := &thresholdWatcher{trigger: ThresholdTrigger{
		Field:     "metric",
		Condition: Condition{Op: CondLTE, Value: 10},
	}}

	fire, _ := w.observe(graph.ValueChange{Previous: 20, Current: 5})
	assert.True(t, fire)
	fire, _ = w.observe(graph.ValueChange{Previous: 5, Current: 30})
	assert.False(t, fire)
	fire, _ = w.observe(graph.ValueChange{Previous: 30, Current: 10})
	assert.True(t, fire, "each fresh crossing fires without fireOnce")
}

func TestCondition_Operators(t *testing.T) {
	cases := []struct {
		op   ConditionOp
		v    float64
		want bool
	}{
		{CondGT, 6, true}, {CondGT, 5, false},
		{CondGTE, 5, true}, {CondGTE, 4.9, false},
		{CondLT, 4, true}, {CondLT, 5, false},
		{CondLTE, 5, true}, {CondLTE, 5.1, false},
		{CondEQ, 5, true}, {CondEQ, 5.0001, false},
	}
	for _, c := range cases {
		cond := Condition{Op: c.op, Value: 5}
		assert.Equal(t, c.want, cond.Met(c.v), "%s %v", c.op, c.v)
	}

	assert.False(t, Condition{Op: "between", Value: 5}.Met(5), "unknown operator never matches")
}
