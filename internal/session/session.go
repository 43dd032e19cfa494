// Package session keeps one connected client's state consistent with the
// message store: the unread counter, the conversation list and at most one
// open conversation view. State is always pulled from the store first; the
// delivery channel only tells the session what to re-fetch.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/vedran77/courtside/internal/delivery"
	"github.com/vedran77/courtside/internal/domain"
	"github.com/vedran77/courtside/pkg/logger"
)

var ErrInvalidCounterpart = errors.New("invalid conversation counterpart")

// Store is the subset of the message service a session reads through.
type Store interface {
	GetMessage(ctx context.Context, viewerID, id uuid.UUID) (*domain.Message, error)
	ListMessages(ctx context.Context, viewerID, counterpartID uuid.UUID) ([]domain.Message, error)
	ListConversations(ctx context.Context, viewerID uuid.UUID) ([]domain.Conversation, error)
	MarkRead(ctx context.Context, readerID, counterpartID uuid.UUID) (int, error)
	CountUnread(ctx context.Context, userID uuid.UUID) (int, error)
}

type Subscriber interface {
	Subscribe(userID uuid.UUID) *delivery.Subscription
}

// Sink receives state changes for the client. It is called from more than
// one goroutine.
type Sink interface {
	MessagesSnapshot(counterpartID uuid.UUID, msgs []domain.Message)
	MessageInserted(counterpartID uuid.UUID, msg domain.Message)
	MessageUpdated(counterpartID, messageID uuid.UUID, isRead bool)
	Conversations(convs []domain.Conversation)
	Unread(n int)
}

type Session struct {
	userID     uuid.UUID
	store      Store
	subscriber Subscriber
	sink       Sink
	counter    *UnreadCounter

	mu     sync.Mutex
	view   *View
	sub    *delivery.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

func New(userID uuid.UUID, store Store, subscriber Subscriber, sink Sink, badge BadgeSink) *Session {
	s := &Session{
		userID:     userID,
		store:      store,
		subscriber: subscriber,
		sink:       sink,
	}
	s.counter = NewUnreadCounter(userID, store, badge, sink.Unread)
	return s
}

func (s *Session) UserID() uuid.UUID { return s.userID }

// Unread returns the session's current unread counter.
func (s *Session) Unread() int { return s.counter.Value() }

// Start subscribes to the delivery channel, pulls the initial state and
// begins consuming events until ctx is cancelled or Close is called.
func (s *Session) Start(ctx context.Context) error {
	sub := s.subscriber.Subscribe(s.userID)
	if err := s.Resync(ctx); err != nil {
		sub.Close()
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.sub = sub
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(loopCtx, sub)
	return nil
}

func (s *Session) run(ctx context.Context, sub *delivery.Subscription) {
	defer close(s.done)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if sub.TakeLagged() {
				// the backlog predates the resync and would only repeat it
				sub.Drain()
				if err := s.Resync(ctx); err != nil {
					logger.Warn().Err(err).Stringer("user_id", s.userID).Msg("session: resync after lag failed")
				}
				continue
			}
			s.handle(ctx, evt)
		}
	}
}

func (s *Session) handle(ctx context.Context, evt delivery.Event) {
	s.counter.Apply(ctx, evt)
	if err := s.RefreshConversations(ctx); err != nil {
		logger.Warn().Err(err).Stringer("user_id", s.userID).Msg("session: refreshing conversations failed")
	}
}

// Resync re-pulls everything the session shows: counter, conversation list
// and the open view. Called at start, after a reconnect and after lag.
func (s *Session) Resync(ctx context.Context) error {
	if _, err := s.counter.Recount(ctx); err != nil {
		return err
	}
	if err := s.RefreshConversations(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	v := s.view
	s.mu.Unlock()
	if v != nil {
		return v.Resync(ctx)
	}
	return nil
}

func (s *Session) RefreshConversations(ctx context.Context) error {
	convs, err := s.store.ListConversations(ctx, s.userID)
	if err != nil {
		return err
	}
	s.sink.Conversations(convs)
	return nil
}

// Open shows the conversation with counterpartID, replacing any open view,
// and marks its incoming messages read.
func (s *Session) Open(ctx context.Context, counterpartID uuid.UUID) error {
	if counterpartID == uuid.Nil || counterpartID == s.userID {
		return ErrInvalidCounterpart
	}

	s.CloseView()

	v, err := OpenView(ctx, ViewConfig{
		ViewerID:      s.userID,
		CounterpartID: counterpartID,
		Store:         s.store,
		Subscriber:    s.subscriber,
		Sink:          s.sink,
		OnIncoming: func(ctx context.Context) {
			s.markRead(ctx, counterpartID)
		},
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.view = v
	s.mu.Unlock()

	s.markRead(ctx, counterpartID)
	return nil
}

// View returns the open conversation view, or nil.
func (s *Session) View() *View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// CloseView unsubscribes the open view, if any. It returns once the view
// has stopped reconciling.
func (s *Session) CloseView() {
	s.mu.Lock()
	v := s.view
	s.view = nil
	s.mu.Unlock()

	if v != nil {
		v.Close()
	}
}

func (s *Session) markRead(ctx context.Context, counterpartID uuid.UUID) {
	n, err := s.store.MarkRead(ctx, s.userID, counterpartID)
	if err != nil {
		logger.Warn().Err(err).Stringer("user_id", s.userID).Stringer("counterpart_id", counterpartID).Msg("session: mark read failed")
	}
	if _, err := s.counter.Recount(ctx); err != nil {
		logger.Warn().Err(err).Stringer("user_id", s.userID).Msg("session: recount failed")
	}
	if n > 0 {
		if err := s.RefreshConversations(ctx); err != nil {
			logger.Warn().Err(err).Stringer("user_id", s.userID).Msg("session: refreshing conversations failed")
		}
	}
}

// Close stops the session and its view. Safe to call more than once.
func (s *Session) Close() {
	s.CloseView()

	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
