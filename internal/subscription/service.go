package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/weft/internal/bus"
	"github.com/roach88/weft/internal/graph"
	"github.com/roach88/weft/internal/metrics"
	"github.com/roach88/weft/internal/query"
)

// ChangeEvent is the diff delivered to a subscriber after re-evaluation.
// It is only ever delivered when at least one of Added, Removed, or
// Changed is non-empty.
type ChangeEvent struct {
	SubscriptionID string
	Added          []*graph.AssembledNode
	Removed        []*graph.AssembledNode
	Changed        []*graph.AssembledNode
	TotalCount     int
	EvaluatedAt    time.Time
}

// Callback receives change events for one subscription. Callbacks run
// synchronously on the dispatch goroutine; a panicking callback is
// recovered and logged and never corrupts subscription state or delivery
// to other subscribers.
type Callback func(ChangeEvent)

// subscription is the service-owned state of one live query. It is created
// on Subscribe, mutated only by re-evaluation, and destroyed on
// Unsubscribe or Clear.
//
// Invariant: lastResultIDs always equals the key set of lastAssembled.
type subscription struct {
	id         string
	def        query.Definition
	callback   Callback
	lastIDs    map[graph.NodeID]struct{}
	lastNodes  map[graph.NodeID]*graph.AssembledNode
	lastSigs   map[graph.NodeID]string
	lastOrder  []graph.NodeID
	evaluated  time.Time
}

// Handle is the subscriber's view of a live subscription.
type Handle struct {
	ID  string
	svc *Service
}

// Unsubscribe removes the subscription. Safe to call more than once.
func (h *Handle) Unsubscribe() {
	h.svc.Unsubscribe(h.ID)
}

// LastResults returns the most recently evaluated result set in result
// order. The returned slice is a copy; the nodes are shared snapshots.
func (h *Handle) LastResults() []*graph.AssembledNode {
	return h.svc.lastResults(h.ID)
}

// Service owns the set of live query subscriptions.
//
// Mutation-to-subscription dispatch is serialized through one logical
// queue: whichever goroutine triggers processing drains the queue to
// completion, and mutations emitted by subscriber callbacks (an automation
// writing back to the repository, for example) are appended to the queue
// and picked up by the same drain rather than re-entering.
type Service struct {
	evaluator query.Evaluator
	bus       *bus.Bus
	metrics   *metrics.Collector
	tracker   *DependencyTracker
	clock     Clock
	newID     func() string

	mu          sync.Mutex
	subs        map[string]*subscription
	order       []string
	detachBus   func()
	smart       bool
	batch       *batcher
	queue       []graph.MutationEvent
	dispatching bool
	settleHooks []func()

	// runMu serializes processing passes (batch drains and RefreshAll) so
	// within one window all implicated subscriptions are evaluated before
	// any are re-batched by a newly arriving mutation.
	runMu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithClock injects the clock used for debounce timers and evaluation
// timestamps.
func WithClock(c Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithIDGenerator injects the subscription ID generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// WithDebounce sets the initial debounce window.
func WithDebounce(d time.Duration) Option {
	return func(s *Service) { s.batch.setWindow(d) }
}

// New creates a subscription service. Smart invalidation is enabled and
// the debounce window is zero (immediate processing) by default.
func New(evaluator query.Evaluator, b *bus.Bus, m *metrics.Collector, opts ...Option) *Service {
	s := &Service{
		evaluator: evaluator,
		bus:       b,
		metrics:   m,
		tracker:   NewDependencyTracker(),
		clock:     SystemClock{},
		newID:     func() string { return uuid.Must(uuid.NewV7()).String() },
		subs:      make(map[string]*subscription),
		smart:     true,
	}
	s.batch = newBatcher(SystemClock{}, s.flushFromTimer)
	for _, opt := range opts {
		opt(s)
	}
	s.batch.clock = s.clock
	return s
}

// Subscribe registers a standing query. The query is evaluated once
// immediately to seed the result cache; evaluation errors propagate to the
// caller and leave no subscription behind.
func (s *Service) Subscribe(ctx context.Context, def query.Definition, cb Callback) (*Handle, error) {
	res, err := s.evaluator.Evaluate(ctx, def)
	if err != nil {
		return nil, fmt.Errorf("seed evaluation: %w", err)
	}

	sub := &subscription{
		id:        s.newID(),
		def:       def,
		callback:  cb,
		lastIDs:   make(map[graph.NodeID]struct{}, len(res.Nodes)),
		lastNodes: make(map[graph.NodeID]*graph.AssembledNode, len(res.Nodes)),
		lastSigs:  make(map[graph.NodeID]string, len(res.Nodes)),
		evaluated: res.EvaluatedAt,
	}
	for _, n := range res.Nodes {
		sub.lastIDs[n.ID] = struct{}{}
		sub.lastNodes[n.ID] = n
		sub.lastSigs[n.ID] = ContentSignature(n)
		sub.lastOrder = append(sub.lastOrder, n.ID)
	}

	s.tracker.Register(sub.id, def)

	s.mu.Lock()
	s.subs[sub.id] = sub
	s.order = append(s.order, sub.id)
	if s.detachBus == nil {
		// Attach lazily: listen only while at least one subscription exists.
		s.detachBus = s.bus.Subscribe(s.onMutation, nil)
	}
	s.mu.Unlock()

	s.metrics.ActiveSubscriptions.Inc()
	slog.Debug("subscription created", "subscription_id", sub.id, "query", def.Name, "seed_count", len(res.Nodes))

	return &Handle{ID: sub.id, svc: s}, nil
}

// Unsubscribe removes a subscription from all future batches. A
// re-evaluation already in flight still completes, but its results are
// discarded.
func (s *Service) Unsubscribe(id string) {
	s.tracker.Unregister(id)

	s.mu.Lock()
	_, existed := s.subs[id]
	if existed {
		delete(s.subs, id)
		for i, sid := range s.order {
			if sid == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	detach := func() {}
	if len(s.subs) == 0 && s.detachBus != nil {
		detach = s.detachBus
		s.detachBus = nil
	}
	s.mu.Unlock()

	detach()
	if existed {
		s.metrics.ActiveSubscriptions.Dec()
		slog.Debug("subscription removed", "subscription_id", id)
	}
}

// Count returns the number of live subscriptions.
func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Clear removes every subscription, detaches from the bus, and drops any
// pending batched mutations.
func (s *Service) Clear() {
	s.tracker.Clear()

	s.mu.Lock()
	n := len(s.subs)
	s.subs = make(map[string]*subscription)
	s.order = nil
	s.queue = nil
	s.batch.take()
	detach := func() {}
	if s.detachBus != nil {
		detach = s.detachBus
		s.detachBus = nil
	}
	s.mu.Unlock()

	detach()
	s.metrics.ActiveSubscriptions.Sub(float64(n))
}

// OnSettled registers a hook invoked whenever the dispatch queue drains
// empty: every callback of the window has run and every mutation those
// callbacks caused has been processed. The automation engine uses this to
// end execution chains.
func (s *Service) OnSettled(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settleHooks = append(s.settleHooks, fn)
}

// SetSmartInvalidation toggles dependency-based pruning. When disabled,
// every mutation re-evaluates every subscription (brute force).
func (s *Service) SetSmartInvalidation(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.smart = enabled
}

// SetDebounce sets the mutation coalescing window. Zero processes each
// mutation as it arrives.
func (s *Service) SetDebounce(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batch.setWindow(d)
}

// FlushPending cancels any armed debounce timer and processes the held
// mutations immediately. Callers needing a synchronous settle (tests,
// shutdown) use this.
func (s *Service) FlushPending() {
	s.mu.Lock()
	events := s.batch.take()
	s.mu.Unlock()
	if len(events) > 0 {
		s.enqueue(events)
	}
}

// flushFromTimer is the debounce timer callback.
func (s *Service) flushFromTimer() {
	s.FlushPending()
}

// onMutation is the bus listener. Zero-window mutations are enqueued for
// immediate dispatch; otherwise they are held by the batcher.
func (s *Service) onMutation(ev graph.MutationEvent) {
	s.mu.Lock()
	if len(s.subs) == 0 {
		s.mu.Unlock()
		return
	}
	immediate := s.batch.add(ev)
	s.mu.Unlock()

	if immediate {
		s.enqueue([]graph.MutationEvent{ev})
	}
}

// enqueue appends mutations to the dispatch queue and drains it unless a
// drain is already running on another frame of this or another goroutine.
func (s *Service) enqueue(events []graph.MutationEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, events...)
	if s.dispatching {
		s.mu.Unlock()
		return
	}
	s.dispatching = true
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.dispatching = false
			hooks := s.settleHooks
			s.mu.Unlock()
			// The dispatch queue drained: any cascade of callbacks and the
			// mutations they caused has run to completion.
			for _, fn := range hooks {
				fn()
			}
			return
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		deliveries := s.process(batch)
		s.dispatch(deliveries)
	}
}

// delivery pairs a computed change event with its subscriber.
type delivery struct {
	sub *subscription
	ev  ChangeEvent
}

// dispatch invokes subscriber callbacks outside runMu, so a callback that
// mutates the graph re-enters through the dispatch queue instead of
// deadlocking against an in-progress processing pass.
func (s *Service) dispatch(deliveries []delivery) {
	for _, d := range deliveries {
		s.metrics.ChangeEvents.Inc()
		s.deliver(d.sub, d.ev)
	}
}

// process evaluates all subscriptions implicated by one batch of
// mutations and returns the non-empty diffs to deliver. Each subscription
// is evaluated at most once per batch even when several mutations
// implicate it.
func (s *Service) process(events []graph.MutationEvent) []delivery {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	smart := s.smart
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	subs := make(map[string]*subscription, len(s.subs))
	for id, sub := range s.subs {
		subs[id] = sub
	}
	s.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}

	affected := make(map[string]struct{}, len(ids))
	if !smart {
		for _, id := range ids {
			affected[id] = struct{}{}
		}
	} else {
		for _, ev := range events {
			for id := range s.tracker.Affected(ev) {
				affected[id] = struct{}{}
			}
			// A mutation on a node already inside a result set is a
			// content change that must surface as "changed" even when the
			// dependency analysis sees no membership dependency.
			if ev.NodeID != "" {
				for id, sub := range subs {
					if _, ok := sub.lastIDs[ev.NodeID]; ok {
						affected[id] = struct{}{}
					}
				}
			}
		}
	}

	skipped := len(ids) - len(affected)
	if skipped > 0 {
		s.metrics.EvaluationsSkipped.Add(float64(skipped))
	}

	var deliveries []delivery
	for _, id := range ids {
		if _, ok := affected[id]; !ok {
			continue
		}
		sub := subs[id]
		ev, err := s.reevaluate(context.Background(), sub)
		if err != nil {
			slog.Error("subscription re-evaluation failed",
				"subscription_id", id,
				"query", sub.def.Name,
				"error", err,
			)
			continue
		}
		if ev != nil {
			deliveries = append(deliveries, delivery{sub: sub, ev: *ev})
		}
	}
	return deliveries
}

// RefreshAll forces re-evaluation of every subscription regardless of
// dependency pruning, bypassing batching. Intended for manual refresh and
// recovery from missed events. The first evaluation error is returned;
// remaining subscriptions are still refreshed.
func (s *Service) RefreshAll(ctx context.Context) error {
	s.runMu.Lock()

	s.mu.Lock()
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	subs := make(map[string]*subscription, len(s.subs))
	for id, sub := range s.subs {
		subs[id] = sub
	}
	s.mu.Unlock()

	var firstErr error
	var deliveries []delivery
	for _, id := range ids {
		sub := subs[id]
		ev, err := s.reevaluate(ctx, sub)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("refresh subscription %s: %w", id, err)
			}
			continue
		}
		if ev != nil {
			deliveries = append(deliveries, delivery{sub: sub, ev: *ev})
		}
	}
	s.runMu.Unlock()

	s.dispatch(deliveries)
	return firstErr
}

// reevaluate runs the evaluator for one subscription, diffs against the
// cached result, and updates the cache. It returns the change event to
// deliver, or nil for a no-op re-evaluation.
func (s *Service) reevaluate(ctx context.Context, sub *subscription) (*ChangeEvent, error) {
	start := s.clock.Now()
	res, err := s.evaluator.Evaluate(ctx, sub.def)
	s.metrics.ObserveEvaluation(s.clock.Now().Sub(start))
	if err != nil {
		return nil, err
	}

	ev, apply := diff(sub, res)

	s.mu.Lock()
	if _, live := s.subs[sub.id]; live {
		apply()
	} else {
		// Unsubscribed while evaluating; drop the result.
		s.mu.Unlock()
		return nil, nil
	}
	s.mu.Unlock()

	if len(ev.Added) == 0 && len(ev.Removed) == 0 && len(ev.Changed) == 0 {
		return nil, nil
	}
	return &ev, nil
}

// diff computes the added/removed/changed sets between a subscription's
// cached result and a fresh evaluation. It returns the change event and a
// closure that commits the new cache state; commit is deferred so that a
// subscription removed mid-evaluation is never resurrected.
//
// added   = nodes absent from the previous ID set
// removed = previous IDs absent from the new set, materialized from the
//           previously cached snapshots
// changed = nodes in both sets whose content signature differs
func diff(sub *subscription, res query.Result) (ChangeEvent, func()) {
	newIDs := make(map[graph.NodeID]struct{}, len(res.Nodes))
	newNodes := make(map[graph.NodeID]*graph.AssembledNode, len(res.Nodes))
	newSigs := make(map[graph.NodeID]string, len(res.Nodes))
	newOrder := make([]graph.NodeID, 0, len(res.Nodes))

	ev := ChangeEvent{
		SubscriptionID: sub.id,
		TotalCount:     res.TotalCount,
		EvaluatedAt:    res.EvaluatedAt,
	}

	for _, n := range res.Nodes {
		newIDs[n.ID] = struct{}{}
		newNodes[n.ID] = n
		sig := ContentSignature(n)
		newSigs[n.ID] = sig
		newOrder = append(newOrder, n.ID)

		if _, existed := sub.lastIDs[n.ID]; !existed {
			ev.Added = append(ev.Added, n)
		} else if sub.lastSigs[n.ID] != sig {
			ev.Changed = append(ev.Changed, n)
		}
	}

	for _, id := range sub.lastOrder {
		if _, still := newIDs[id]; !still {
			ev.Removed = append(ev.Removed, sub.lastNodes[id])
		}
	}

	apply := func() {
		sub.lastIDs = newIDs
		sub.lastNodes = newNodes
		sub.lastSigs = newSigs
		sub.lastOrder = newOrder
		sub.evaluated = res.EvaluatedAt
	}
	return ev, apply
}

// deliver invokes the subscriber callback with fault isolation.
func (s *Service) deliver(sub *subscription, ev ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("subscriber callback panicked",
				"subscription_id", sub.id,
				"query", sub.def.Name,
				"panic", r,
			)
		}
	}()
	sub.callback(ev)
}

func (s *Service) lastResults(id string) []*graph.AssembledNode {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok {
		return nil
	}
	out := make([]*graph.AssembledNode, 0, len(sub.lastOrder))
	for _, nid := range sub.lastOrder {
		out = append(out, sub.lastNodes[nid])
	}
	return out
}
