package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/vedran77/courtside/internal/delivery"
	"github.com/vedran77/courtside/internal/domain"
	"github.com/vedran77/courtside/internal/metrics"
	"github.com/vedran77/courtside/pkg/logger"
)

type ViewConfig struct {
	ViewerID      uuid.UUID
	CounterpartID uuid.UUID
	Store         Store
	Subscriber    Subscriber
	Sink          Sink
	// OnIncoming runs after a message addressed to the viewer has been
	// reconciled into the view.
	OnIncoming func(ctx context.Context)
}

// View is one open conversation. It holds its own delivery subscription
// and reconciles events into an ordered, duplicate-free message list.
type View struct {
	cfg ViewConfig
	sub *delivery.Subscription

	mu       sync.Mutex
	messages []domain.Message
	seen     map[uuid.UUID]struct{}

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// OpenView subscribes before pulling so no event between the pull and the
// subscription can be missed, sends the snapshot to the sink and starts
// reconciling.
func OpenView(ctx context.Context, cfg ViewConfig) (*View, error) {
	v := &View{
		cfg:  cfg,
		seen: make(map[uuid.UUID]struct{}),
		done: make(chan struct{}),
	}
	v.sub = cfg.Subscriber.Subscribe(cfg.ViewerID)

	if err := v.Resync(ctx); err != nil {
		v.sub.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	v.cancel = cancel
	go v.run(runCtx)
	return v, nil
}

func (v *View) CounterpartID() uuid.UUID { return v.cfg.CounterpartID }

func (v *View) run(ctx context.Context) {
	defer close(v.done)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-v.sub.Events():
			if !ok {
				return
			}
			if v.sub.TakeLagged() {
				// the backlog predates the resync and would only repeat it
				v.sub.Drain()
				if err := v.Resync(ctx); err != nil {
					logger.Warn().Err(err).Stringer("viewer_id", v.cfg.ViewerID).Msg("view: resync after lag failed")
				}
				continue
			}
			switch evt.Kind {
			case delivery.MessageInserted:
				v.ApplyInserted(ctx, evt)
			case delivery.MessageUpdated:
				v.ApplyUpdated(evt)
			}
		}
	}
}

// ApplyInserted reconciles an insert event. Events for other conversations
// and ids already in the list are ignored. The message itself is fetched by
// id; if that fails the event is dropped and the next resync catches up.
func (v *View) ApplyInserted(ctx context.Context, evt delivery.Event) bool {
	if !evt.Involves(v.cfg.ViewerID, v.cfg.CounterpartID) {
		return false
	}
	if v.has(evt.MessageID) {
		return false
	}

	msg, err := v.cfg.Store.GetMessage(ctx, v.cfg.ViewerID, evt.MessageID)
	if err != nil || msg == nil {
		metrics.ReconcileDropped.Inc()
		logger.Debug().Err(err).Stringer("message_id", evt.MessageID).Msg("view: insert dropped, fetch failed")
		return false
	}

	v.mu.Lock()
	if _, dup := v.seen[msg.ID]; dup {
		v.mu.Unlock()
		return false
	}
	v.seen[msg.ID] = struct{}{}
	v.messages = append(v.messages, *msg)
	if n := len(v.messages); n > 1 && v.messages[n-1].Before(&v.messages[n-2]) {
		domain.SortMessages(v.messages)
	}
	v.mu.Unlock()

	v.cfg.Sink.MessageInserted(v.cfg.CounterpartID, *msg)

	if msg.ReceiverID == v.cfg.ViewerID && v.cfg.OnIncoming != nil {
		v.cfg.OnIncoming(ctx)
	}
	return true
}

// ApplyUpdated patches is_read on a message already in the list. Nothing
// else is taken from the event.
func (v *View) ApplyUpdated(evt delivery.Event) bool {
	if !evt.Involves(v.cfg.ViewerID, v.cfg.CounterpartID) {
		return false
	}

	v.mu.Lock()
	patched := false
	for i := range v.messages {
		if v.messages[i].ID == evt.MessageID {
			v.messages[i].IsRead = evt.IsRead
			patched = true
			break
		}
	}
	v.mu.Unlock()

	if patched {
		v.cfg.Sink.MessageUpdated(v.cfg.CounterpartID, evt.MessageID, evt.IsRead)
	}
	return patched
}

// Resync replaces the list with the store's authoritative copy.
func (v *View) Resync(ctx context.Context) error {
	msgs, err := v.cfg.Store.ListMessages(ctx, v.cfg.ViewerID, v.cfg.CounterpartID)
	if err != nil {
		return err
	}

	seen := make(map[uuid.UUID]struct{}, len(msgs))
	for _, m := range msgs {
		seen[m.ID] = struct{}{}
	}

	v.mu.Lock()
	v.messages = msgs
	v.seen = seen
	snapshot := v.copyLocked()
	v.mu.Unlock()

	v.cfg.Sink.MessagesSnapshot(v.cfg.CounterpartID, snapshot)
	return nil
}

// Messages returns a copy of the current list, oldest first.
func (v *View) Messages() []domain.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.copyLocked()
}

func (v *View) copyLocked() []domain.Message {
	out := make([]domain.Message, len(v.messages))
	copy(out, v.messages)
	return out
}

func (v *View) has(id uuid.UUID) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.seen[id]
	return ok
}

// Close unsubscribes and waits for the reconcile loop to exit; nothing is
// applied to the view after Close returns.
func (v *View) Close() {
	v.closeOnce.Do(func() {
		v.cancel()
		v.sub.Close()
		<-v.done
	})
}
