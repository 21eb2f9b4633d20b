package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/store"
)

// ErrBusClosed is returned by Publish after Close.
var ErrBusClosed = errors.New("event bus closed")

// Bus is the fan-out contract the control plane publishes through.
// Delivery to subscribers is at-least-once, ordered per
// (entity_type, entity_id).
type Bus interface {
	// Publish appends an event to the durable outbox. Components that need
	// publish-to-commit atomicity bypass Publish and co-commit events
	// through the store's composite operations; the drainer picks both up.
	Publish(ctx context.Context, ev models.SystemEvent) error
	// Subscribe registers a subscriber for the given event types; no types
	// means all events. Cancel the subscription with Unsubscribe.
	Subscribe(types ...string) *Subscription
	// Close flushes the outbox and rejects further publishes.
	Close(ctx context.Context) error
}

// Notifier broadcasts a drained event beyond the local process, e.g. via
// PostgreSQL NOTIFY. May be nil when running single-process.
type Notifier interface {
	Notify(ctx context.Context, channel string, payload []byte) error
}

// Subscription is a registered subscriber. Events arrive on C in outbox
// commit order. The channel is buffered; a subscriber that stops reading
// eventually backpressures the drainer.
type Subscription struct {
	C chan models.SystemEvent

	id    int
	types map[string]bool
	bus   *OutboxBus
	once  sync.Once
}

// Unsubscribe removes the subscription and closes C.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.removeSub(s.id)
		close(s.C)
	})
}

func (s *Subscription) wants(eventType string) bool {
	return len(s.types) == 0 || s.types[eventType]
}

// OutboxBus drains the store's outbox table into local subscriptions and
// an optional cross-pod Notifier. Events written by store composite
// operations and events published directly both flow through the same
// outbox, giving exactly-once-on-commit publication.
type OutboxBus struct {
	store    store.OutboxStore
	notifier Notifier

	pollInterval time.Duration
	batchSize    int

	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int

	closed   atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures an OutboxBus.
type Option func(*OutboxBus)

// WithNotifier sets the cross-pod notifier.
func WithNotifier(n Notifier) Option {
	return func(b *OutboxBus) { b.notifier = n }
}

// WithPollInterval overrides the drain cadence (default 200ms).
func WithPollInterval(d time.Duration) Option {
	return func(b *OutboxBus) { b.pollInterval = d }
}

// NewOutboxBus creates a bus over the given outbox store.
func NewOutboxBus(s store.OutboxStore, opts ...Option) *OutboxBus {
	b := &OutboxBus{
		store:        s,
		pollInterval: 200 * time.Millisecond,
		batchSize:    256,
		subs:         make(map[int]*Subscription),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ Bus = (*OutboxBus)(nil)

// Publish appends the event to the outbox. Delivery happens on the next
// drain pass.
func (b *OutboxBus) Publish(ctx context.Context, ev models.SystemEvent) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	if err := b.store.AppendEvents(ctx, ev); err != nil {
		return fmt.Errorf("append event to outbox: %w", err)
	}
	return nil
}

// Subscribe registers a subscriber for the given event types.
func (b *OutboxBus) Subscribe(types ...string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		C:     make(chan models.SystemEvent, 256),
		id:    b.nextID,
		types: make(map[string]bool, len(types)),
		bus:   b,
	}
	for _, t := range types {
		sub.types[t] = true
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *OutboxBus) removeSub(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Start launches the background drain loop.
func (b *OutboxBus) Start(ctx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-b.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := b.DrainOnce(ctx); err != nil {
					slog.Error("Outbox drain failed", "error", err)
				}
			}
		}
	}()
}

// DrainOnce delivers one batch of undrained events and marks them drained.
// Exposed so tests can pump the bus synchronously. Returns the number of
// events delivered.
func (b *OutboxBus) DrainOnce(ctx context.Context) (int, error) {
	batch, err := b.store.NextOutboxBatch(ctx, b.batchSize)
	if err != nil {
		return 0, fmt.Errorf("next outbox batch: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	ids := make([]int64, 0, len(batch))
	for _, ev := range batch {
		b.broadcast(ctx, ev)
		ids = append(ids, ev.ID)
	}

	// Marking drained after delivery gives at-least-once: a crash between
	// delivery and the mark replays the batch.
	if err := b.store.MarkDrained(ctx, ids); err != nil {
		return len(batch), fmt.Errorf("mark outbox drained: %w", err)
	}
	return len(batch), nil
}

func (b *OutboxBus) broadcast(ctx context.Context, ev models.SystemEvent) {
	if b.notifier != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			slog.Error("Failed to marshal event for notify", "event_type", ev.EventType, "error", err)
		} else {
			if err := b.notifier.Notify(ctx, GlobalChannel, payload); err != nil {
				slog.Warn("Cross-pod notify failed", "event_type", ev.EventType, "error", err)
			}
			if err := b.notifier.Notify(ctx, EntityChannel(ev.EntityType, ev.EntityID), payload); err != nil {
				slog.Warn("Cross-pod entity notify failed", "event_type", ev.EventType, "error", err)
			}
		}
	}

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(ev.EventType) {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.C <- ev:
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the drain loop, flushes remaining events, and rejects
// further publishes.
func (b *OutboxBus) Close(ctx context.Context) error {
	b.closed.Store(true)
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()

	// Final flush so no committed event is stranded.
	for {
		n, err := b.DrainOnce(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}
