// Package events is the typed transit event bus and the durable journal of
// events an operator must be able to query.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/peerhost/transitd/internal/identity"
)

// Kind names an event type.
type Kind string

const (
	OutboxItemProcessed  Kind = "outbox.item_processed"
	OutboxDeliveryFailed Kind = "outbox.delivery_failed"
	RecipientUnreachable Kind = "outbox.recipient_unreachable"
	InboxItemReceived    Kind = "inbox.item_received"
	InboxItemApplied     Kind = "inbox.item_applied"
	InboxItemParked      Kind = "inbox.item_parked"
	TransferQuarantined  Kind = "quarantine.held"
	TransferRejected     Kind = "quarantine.rejected"
)

// Journaled reports whether the journal keeps events of this kind.
// Received and applied inbox events are too frequent to keep.
func (k Kind) Journaled() bool {
	switch k {
	case InboxItemReceived, InboxItemApplied:
		return false
	default:
		return true
	}
}

// Event is one transit occurrence. Fields that do not apply stay zero.
type Event struct {
	ID         int64             `json:"id,omitempty"`
	Kind       Kind              `json:"kind"`
	Peer       identity.Identity `json:"peer"`
	DriveID    uuid.UUID         `json:"driveId"`
	FileID     uuid.UUID         `json:"fileId"`
	VersionTag string            `json:"versionTag,omitempty"`
	Problem    string            `json:"problem,omitempty"`
	Message    string            `json:"message,omitempty"`
	Attempts   int               `json:"attempts,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// Handler receives events synchronously on the publisher's goroutine.
type Handler func(ctx context.Context, e Event)

// Bus fans events out to handlers registered at startup and to buffered
// channel subscriptions. A subscriber whose buffer is full misses the event;
// misses are counted, never blocking the publisher.
type Bus struct {
	logger  *slog.Logger
	nowFunc func() time.Time

	mu       sync.RWMutex
	handlers []Handler
	subs     map[*Subscription]struct{}

	dropped atomic.Int64
}

// NewBus creates an empty Bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}

	return &Bus{
		logger:  logger,
		nowFunc: time.Now,
		subs:    make(map[*Subscription]struct{}),
	}
}

// On registers a handler.
func (b *Bus) On(h Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Publish delivers e to every handler, then to every subscription.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = b.nowFunc().UTC()
	}

	b.mu.RLock()
	handlers := b.handlers
	subs := make([]*Subscription, 0, len(b.subs))

	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, e)
	}

	for _, s := range subs {
		s.send(e, b)
	}
}

// Dropped returns how many subscription deliveries were skipped.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscription is a buffered channel of published events.
type Subscription struct {
	bus *Bus
	ch  chan Event

	mu     sync.Mutex
	closed bool
}

// Subscribe returns a subscription buffering up to buffer events.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}

	s := &Subscription{bus: b, ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	return s
}

// C returns the event channel. It is closed by Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

func (s *Subscription) send(e Event, b *Bus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- e:
	default:
		if n := b.dropped.Add(1); n == 1 || n%100 == 0 {
			b.logger.Warn("event subscriber too slow, dropping events", slog.Int64("dropped_total", n))
		}
	}
}

// Close unsubscribes and closes the channel. Safe to call twice.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
