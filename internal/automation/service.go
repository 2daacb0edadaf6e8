package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/weft/internal/graph"
	"github.com/roach88/weft/internal/metrics"
	"github.com/roach88/weft/internal/subscription"
	"github.com/roach88/weft/internal/webhook"
)

// activeAutomation is the runtime entry for an enabled automation:
// the definition plus whichever live registration its trigger type
// uses. Disabled automations have no entry.
type activeAutomation struct {
	def    Definition
	handle *subscription.Handle
	unsub  func()
	watch  *thresholdWatcher
}

func (a *activeAutomation) detach() {
	if a.handle != nil {
		a.handle.Unsubscribe()
	}
	if a.unsub != nil {
		a.unsub()
	}
}

// Service manages persisted automation definitions and their live
// trigger registrations.
type Service struct {
	repo     graph.Repository
	subs     *subscription.Service
	computed graph.ComputedFieldSource
	webhooks *webhook.Queue
	metrics  *metrics.Collector
	log      *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	active map[graph.NodeID]*activeAutomation
	chain  *ExecutionContext
}

// Option configures a Service.
type Option func(*Service)

// WithNow overrides the wall clock, for tests.
func WithNow(fn func() time.Time) Option {
	return func(s *Service) { s.now = fn }
}

// WithLogger overrides the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// New wires an automation service to its collaborators. The service
// scopes execution chains to the subscription dispatch queue: a chain
// opens at the first firing after the queue was idle and closes when
// the queue settles.
func New(repo graph.Repository, subs *subscription.Service, computed graph.ComputedFieldSource, webhooks *webhook.Queue, m *metrics.Collector, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		subs:     subs,
		computed: computed,
		webhooks: webhooks,
		metrics:  m,
		log:      slog.Default(),
		now:      time.Now,
		active:   make(map[graph.NodeID]*activeAutomation),
	}
	for _, opt := range opts {
		opt(s)
	}
	subs.OnSettled(s.endChain)
	return s
}

// Create persists def as a new automation node and, when enabled,
// activates its trigger. It returns the new node's ID.
func (s *Service) Create(ctx context.Context, def Definition) (graph.NodeID, error) {
	if err := def.Validate(); err != nil {
		return "", err
	}

	id, err := s.repo.CreateNode(ctx, def.Name)
	if err != nil {
		return "", fmt.Errorf("create automation node: %w", err)
	}
	def.ID = id

	if err := s.repo.AddSupertag(ctx, id, Supertag); err != nil {
		return "", fmt.Errorf("tag automation node: %w", err)
	}
	if err := s.persistDefinition(ctx, def); err != nil {
		return "", err
	}

	if def.Enabled {
		if err := s.activate(ctx, def, State{}); err != nil {
			return "", err
		}
	}
	return id, nil
}

// Delete deactivates and soft-deletes the automation.
func (s *Service) Delete(ctx context.Context, id graph.NodeID) error {
	s.deactivate(id)
	if err := s.repo.DeleteNode(ctx, id); err != nil {
		return fmt.Errorf("delete automation %s: %w", id, err)
	}
	return nil
}

// SetEnabled flips the persisted enabled flag and activates or
// deactivates the trigger registration to match.
func (s *Service) SetEnabled(ctx context.Context, id graph.NodeID, enabled bool) error {
	def, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if def.Enabled == enabled {
		return nil
	}
	def.Enabled = enabled
	if err := s.persistDefinition(ctx, def); err != nil {
		return err
	}

	if enabled {
		st, err := s.loadState(ctx, id)
		if err != nil {
			return err
		}
		return s.activate(ctx, def, st)
	}
	s.deactivate(id)
	return nil
}

// Get loads one automation definition from its node.
func (s *Service) Get(ctx context.Context, id graph.NodeID) (Definition, error) {
	node, err := s.repo.AssembleNode(ctx, id)
	if err != nil {
		return Definition{}, err
	}
	if node == nil {
		return Definition{}, fmt.Errorf("automation %s not found", id)
	}
	return parseDefinition(node)
}

// GetAll discovers every persisted automation by supertag, whether or
// not it is active. Nodes with corrupt definitions are logged and
// skipped rather than failing the whole listing.
func (s *Service) GetAll(ctx context.Context) ([]Definition, error) {
	ids, err := s.repo.FindNodesBySupertag(ctx, Supertag)
	if err != nil {
		return nil, fmt.Errorf("list automation nodes: %w", err)
	}

	defs := make([]Definition, 0, len(ids))
	for _, id := range ids {
		node, err := s.repo.AssembleNode(ctx, id)
		if err != nil {
			return nil, err
		}
		if node == nil {
			continue
		}
		def, err := parseDefinition(node)
		if err != nil {
			s.log.Warn("skipping automation with unreadable definition",
				"node", id, "error", err)
			continue
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Initialize activates every persisted enabled automation. Called once
// at process startup, after the repository and subscription service
// are up.
func (s *Service) Initialize(ctx context.Context) error {
	defs, err := s.GetAll(ctx)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		st, err := s.loadState(ctx, def.ID)
		if err != nil {
			return err
		}
		if err := s.activate(ctx, def, st); err != nil {
			s.log.Warn("automation failed to activate",
				"automation", def.ID, "name", def.Name, "error", err)
		}
	}
	return nil
}

// Trigger fires the automation manually, outside any mutation-driven
// chain. Membership triggers act on the current result set; threshold
// triggers act when the condition holds for the field's current value.
func (s *Service) Trigger(ctx context.Context, id graph.NodeID) error {
	s.mu.Lock()
	a, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("automation %s is not active", id)
	}

	switch t := a.def.Trigger.(type) {
	case MembershipTrigger:
		for _, node := range a.handle.LastResults() {
			s.fire(ctx, a.def, node.ID, node, nil)
		}
	case ThresholdTrigger:
		v, ok, err := s.computed.Value(t.Field)
		if err != nil {
			return fmt.Errorf("read computed field %s: %w", t.Field, err)
		}
		if ok && t.Condition.Met(v) {
			s.fire(ctx, a.def, a.def.ID, nil, &webhook.ComputedFieldValue{ID: t.Field, Value: v})
		}
	}
	s.endChain()
	return nil
}

// Close deactivates every live automation. Definitions stay persisted.
func (s *Service) Close() {
	s.mu.Lock()
	entries := make([]*activeAutomation, 0, len(s.active))
	for _, a := range s.active {
		entries = append(entries, a)
	}
	s.active = make(map[graph.NodeID]*activeAutomation)
	s.mu.Unlock()

	for _, a := range entries {
		a.detach()
	}
}

// ActiveCount returns the number of live trigger registrations.
func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Service) activate(ctx context.Context, def Definition, st State) error {
	a := &activeAutomation{def: def}

	switch t := def.Trigger.(type) {
	case MembershipTrigger:
		handle, err := s.subs.Subscribe(ctx, t.Query, func(ev subscription.ChangeEvent) {
			s.onMembership(def, t, ev)
		})
		if err != nil {
			return fmt.Errorf("subscribe automation %s: %w", def.ID, err)
		}
		a.handle = handle

	case ThresholdTrigger:
		w := &thresholdWatcher{trigger: t}
		v, ok, err := s.computed.Value(t.Field)
		if err != nil {
			return fmt.Errorf("read computed field %s: %w", t.Field, err)
		}
		w.seed(v, ok)
		w.restore(st)
		a.watch = w

		unsub, err := s.computed.OnValueChange(t.Field, func(ch graph.ValueChange) {
			s.onThreshold(def, t, w, ch)
		})
		if err != nil {
			return fmt.Errorf("watch computed field %s: %w", t.Field, err)
		}
		a.unsub = unsub

	default:
		s.log.Warn("automation has an unsupported trigger type and stays inactive",
			"automation", def.ID, "name", def.Name)
		return nil
	}

	s.mu.Lock()
	old := s.active[def.ID]
	s.active[def.ID] = a
	s.mu.Unlock()
	if old != nil {
		old.detach()
	}
	return nil
}

func (s *Service) deactivate(id graph.NodeID) {
	s.mu.Lock()
	a := s.active[id]
	delete(s.active, id)
	s.mu.Unlock()
	if a != nil {
		a.detach()
	}
}

// onMembership handles one query result diff for a membership trigger,
// firing the action once per node in the selected side of the diff.
func (s *Service) onMembership(def Definition, t MembershipTrigger, ev subscription.ChangeEvent) {
	var targets []*graph.AssembledNode
	switch t.On {
	case OnEnter:
		targets = ev.Added
	case OnExit:
		targets = ev.Removed
	case OnChange:
		targets = ev.Changed
	}

	ctx := context.Background()
	for _, node := range targets {
		s.fire(ctx, def, node.ID, node, nil)
	}
}

// onThreshold handles one computed-field change for a threshold
// trigger. Watcher state transitions are persisted best-effort so a
// fireOnce crossing survives restarts.
func (s *Service) onThreshold(def Definition, t ThresholdTrigger, w *thresholdWatcher, ch graph.ValueChange) {
	ctx := context.Background()

	s.mu.Lock()
	fire, dirty := w.observe(ch)
	st := w.state()
	s.mu.Unlock()

	if dirty {
		s.persistState(ctx, def.ID, st)
	}
	if !fire {
		return
	}
	s.fire(ctx, def, def.ID, nil, &webhook.ComputedFieldValue{ID: t.Field, Value: ch.Current})
	s.endChain()
}

// fire executes the automation's action against target within the
// current execution chain. Guard violations and action errors are
// logged, never propagated: a faulty firing must not break the
// subscriber dispatch it runs inside.
func (s *Service) fire(ctx context.Context, def Definition, target graph.NodeID, node *graph.AssembledNode, cf *webhook.ComputedFieldValue) {
	chain := s.chainContext()
	if err := chain.Enter(def.ID, target); err != nil {
		s.log.Warn("automation firing aborted",
			"automation", def.ID, "name", def.Name, "node", target, "error", err)
		return
	}

	if err := s.execute(ctx, def, target, node, cf); err != nil {
		s.log.Error("automation action failed",
			"automation", def.ID, "name", def.Name, "node", target, "error", err)
		return
	}

	s.metrics.AutomationsFired.Inc()

	// Best effort: a failed bookkeeping write must not fail the firing.
	stamp := s.now().UTC().Format(time.RFC3339)
	if err := s.repo.SetProperty(ctx, def.ID, fieldLastFired, stamp); err != nil {
		s.log.Warn("automation lastFired update failed",
			"automation", def.ID, "error", err)
	}
}

func (s *Service) execute(ctx context.Context, def Definition, target graph.NodeID, node *graph.AssembledNode, cf *webhook.ComputedFieldValue) error {
	switch a := def.Action.(type) {
	case SetPropertyAction:
		value := a.Value
		if value == NowMarker {
			value = s.now().UTC().Format(time.RFC3339)
		}
		return s.repo.SetProperty(ctx, target, a.Field, value)

	case AddSupertagAction:
		return s.repo.AddSupertag(ctx, target, a.Tag)

	case RemoveSupertagAction:
		return s.repo.RemoveSupertag(ctx, target, a.Tag)

	case WebhookAction:
		wctx := webhook.Context{
			Node:           node,
			ComputedField:  cf,
			AutomationID:   string(def.ID),
			AutomationName: def.Name,
			Timestamp:      s.now(),
		}
		s.webhooks.Enqueue(string(def.ID), webhook.Action{
			URL:     a.URL,
			Method:  a.Method,
			Headers: a.Headers,
			Body:    a.Body,
		}, wctx)
		go func() {
			if _, err := s.webhooks.ProcessQueue(context.Background()); err != nil {
				s.log.Error("webhook queue pass failed", "error", err)
			}
		}()
		return nil

	default:
		return fmt.Errorf("unknown action type %T", def.Action)
	}
}

// chainContext returns the execution chain for the current dispatch
// window, opening a new one if the previous window has settled.
func (s *Service) chainContext() *ExecutionContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chain == nil {
		s.chain = NewExecutionContext()
	}
	return s.chain
}

func (s *Service) endChain() {
	s.mu.Lock()
	s.chain = nil
	s.mu.Unlock()
}

func (s *Service) persistDefinition(ctx context.Context, def Definition) error {
	payload, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode automation %s: %w", def.ID, err)
	}
	if err := s.repo.SetProperty(ctx, def.ID, fieldDefinition, string(payload)); err != nil {
		return fmt.Errorf("persist automation %s: %w", def.ID, err)
	}
	return nil
}

func (s *Service) persistState(ctx context.Context, id graph.NodeID, st State) {
	payload, err := json.Marshal(st)
	if err != nil {
		s.log.Warn("automation state encode failed", "automation", id, "error", err)
		return
	}
	if err := s.repo.SetProperty(ctx, id, fieldState, string(payload)); err != nil {
		s.log.Warn("automation state persist failed", "automation", id, "error", err)
	}
}

func (s *Service) loadState(ctx context.Context, id graph.NodeID) (State, error) {
	node, err := s.repo.AssembleNode(ctx, id)
	if err != nil {
		return State{}, err
	}
	if node == nil {
		return State{}, nil
	}
	return parseState(node), nil
}

func parseDefinition(node *graph.AssembledNode) (Definition, error) {
	prop := node.Property(fieldDefinition)
	if prop == nil || len(prop.Values) == 0 {
		return Definition{}, errors.New("node has no automation definition")
	}
	var def Definition
	if err := json.Unmarshal([]byte(prop.Values[0]), &def); err != nil {
		return Definition{}, fmt.Errorf("decode automation definition: %w", err)
	}
	def.ID = node.ID
	return def, nil
}

// parseState reads the persisted runtime state, tolerating absence and
// corruption: bad state only risks one extra or one suppressed
// threshold firing, which is preferable to losing the automation.
func parseState(node *graph.AssembledNode) State {
	prop := node.Property(fieldState)
	if prop == nil || len(prop.Values) == 0 {
		return State{}
	}
	var st State
	if err := json.Unmarshal([]byte(prop.Values[0]), &st); err != nil {
		slog.Warn("automation state unreadable, assuming defaults",
			"node", node.ID, "error", err)
		return State{}
	}
	return st
}
