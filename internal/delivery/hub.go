package delivery

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/vedran77/courtside/internal/metrics"
	"github.com/vedran77/courtside/pkg/logger"
)

const (
	subscriptionBufSize = 64
	publishBufSize      = 256
)

// Subscription receives every event whose sender or receiver is its user.
// Delivery is best-effort: when the buffer is full the event is dropped and
// the subscription is flagged as lagged so the consumer can resync.
type Subscription struct {
	hub    *Hub
	userID uuid.UUID
	events chan Event
	lagged atomic.Bool
	once   sync.Once
}

func (s *Subscription) UserID() uuid.UUID { return s.userID }

// Events is closed once the subscription is closed or the hub stops.
func (s *Subscription) Events() <-chan Event { return s.events }

// TakeLagged reports and clears the lagged flag.
func (s *Subscription) TakeLagged() bool { return s.lagged.Swap(false) }

// Drain discards every buffered event without blocking.
func (s *Subscription) Drain() {
	for {
		select {
		case _, ok := <-s.events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Close unsubscribes. Once it returns the hub delivers nothing further to
// this subscription; already-buffered events remain readable.
func (s *Subscription) Close() {
	s.once.Do(func() {
		select {
		case s.hub.unregister <- s:
		case <-s.hub.done:
		}
	})
}

// Hub routes delivery events to per-user subscriptions on this instance.
type Hub struct {
	subs map[uuid.UUID]map[*Subscription]struct{}

	register   chan *Subscription
	unregister chan *Subscription
	publish    chan Event
	lagAll     chan struct{}
	done       chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		subs:       make(map[uuid.UUID]map[*Subscription]struct{}),
		register:   make(chan *Subscription),
		unregister: make(chan *Subscription),
		publish:    make(chan Event, publishBufSize),
		lagAll:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Run starts the Hub's main event loop. Call this in a goroutine; it returns
// when ctx is cancelled, closing every open subscription.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for _, set := range h.subs {
				for sub := range set {
					close(sub.events)
					metrics.ActiveSubscriptions.Dec()
				}
			}
			h.subs = make(map[uuid.UUID]map[*Subscription]struct{})
			logger.Info().Msg("delivery hub: stopped")
			return

		case sub := <-h.register:
			set, ok := h.subs[sub.userID]
			if !ok {
				set = make(map[*Subscription]struct{})
				h.subs[sub.userID] = set
			}
			set[sub] = struct{}{}
			metrics.ActiveSubscriptions.Inc()
			logger.Debug().Stringer("user_id", sub.userID).Int("user_subs", len(set)).Msg("delivery hub: subscribed")

		case sub := <-h.unregister:
			set := h.subs[sub.userID]
			if _, ok := set[sub]; ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(h.subs, sub.userID)
				}
				close(sub.events)
				metrics.ActiveSubscriptions.Dec()
				logger.Debug().Stringer("user_id", sub.userID).Msg("delivery hub: unsubscribed")
			}

		case evt := <-h.publish:
			h.deliver(evt.SenderID, evt)
			if evt.ReceiverID != evt.SenderID {
				h.deliver(evt.ReceiverID, evt)
			}

		case <-h.lagAll:
			n := 0
			for _, set := range h.subs {
				for sub := range set {
					sub.lagged.Store(true)
					select {
					case sub.events <- Event{Kind: ResyncRequired}:
					default:
						// a full buffer already wakes the consumer
					}
					n++
				}
			}
			logger.Info().Int("subscriptions", n).Msg("delivery hub: all subscriptions flagged for resync")
		}
	}
}

func (h *Hub) deliver(userID uuid.UUID, evt Event) {
	for sub := range h.subs[userID] {
		select {
		case sub.events <- evt:
		default:
			// Subscriber buffer full - drop and let it resync
			sub.lagged.Store(true)
			metrics.DeliveryDropped.Inc()
			logger.Warn().Stringer("user_id", userID).Str("kind", string(evt.Kind)).Msg("delivery hub: subscriber lagging, event dropped")
		}
	}
}

// Subscribe registers a subscription for userID. The subscription is live
// when Subscribe returns, so a pull issued afterwards cannot miss an event.
func (h *Hub) Subscribe(userID uuid.UUID) *Subscription {
	sub := &Subscription{
		hub:    h,
		userID: userID,
		events: make(chan Event, subscriptionBufSize),
	}
	select {
	case h.register <- sub:
	case <-h.done:
		sub.once.Do(func() {})
		close(sub.events)
	}
	return sub
}

// MarkLagged flags every current subscription as lagged, for when events may
// have been lost upstream of the hub. Calls made while one is pending are
// coalesced.
func (h *Hub) MarkLagged() {
	select {
	case h.lagAll <- struct{}{}:
	default:
	}
}

// Publish hands an event to the local hub. It never blocks past ctx.
func (h *Hub) Publish(ctx context.Context, evt Event) error {
	select {
	case h.publish <- evt:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
