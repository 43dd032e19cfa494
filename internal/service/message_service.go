package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/vedran77/courtside/internal/domain"
	"github.com/vedran77/courtside/internal/metrics"
	"github.com/vedran77/courtside/internal/repository"
	"github.com/vedran77/courtside/pkg/logger"
	"github.com/vedran77/courtside/pkg/validator"
)

const (
	defaultRetryDelay = 250 * time.Millisecond
	previewLength     = 120
)

// Notifier puts store changes on the delivery channel.
type Notifier interface {
	NotifyInserted(ctx context.Context, msg *domain.Message)
	// NotifyRead emits one update event per id.
	NotifyRead(ctx context.Context, readerID, senderID uuid.UUID, ids []uuid.UUID)
}

// PushPayload is handed to the push-notification collaborator after every
// successful send.
type PushPayload struct {
	ReceiverID uuid.UUID `json:"receiver_id"`
	SenderID   uuid.UUID `json:"sender_id"`
	Preview    string    `json:"preview"`
	MessageID  uuid.UUID `json:"message_id"`
}

type PushNotifier interface {
	NotifyNewMessage(ctx context.Context, p PushPayload) error
}

type RateLimiter interface {
	Allow(ctx context.Context, userID uuid.UUID) (bool, error)
}

// Caller is the identity the request runs as, taken from verified claims.
type Caller struct {
	UserID  uuid.UUID
	IsAdmin bool
}

type MessageService struct {
	messages   repository.MessageRepository
	users      repository.UserRepository
	convs      *ConversationAggregator
	notifier   Notifier
	pusher     PushNotifier
	limiter    RateLimiter
	retryDelay time.Duration
	now        func() time.Time
}

func NewMessageService(messages repository.MessageRepository, users repository.UserRepository) *MessageService {
	return &MessageService{
		messages:   messages,
		users:      users,
		convs:      NewConversationAggregator(messages),
		retryDelay: defaultRetryDelay,
		now:        time.Now,
	}
}

// SetNotifier sets the real-time notifier (optional dependency).
func (s *MessageService) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetPusher sets the push-notification collaborator (optional dependency).
func (s *MessageService) SetPusher(p PushNotifier) {
	s.pusher = p
}

// SetRateLimiter enables per-sender rate limiting of Send.
func (s *MessageService) SetRateLimiter(l RateLimiter) {
	s.limiter = l
}

// SetRetryDelay sets the fixed wait before the single retry of an insert.
func (s *MessageService) SetRetryDelay(d time.Duration) {
	s.retryDelay = d
}

// Send stores a user message from senderID to receiverID. callerID must be
// the sender. A transient store failure is retried once after a fixed delay.
func (s *MessageService) Send(ctx context.Context, callerID, senderID, receiverID uuid.UUID, content string) (*domain.Message, error) {
	if callerID != senderID {
		return nil, ErrUnauthorized
	}
	if errs := validator.ValidateMessage(senderID, receiverID, content); errs.HasErrors() {
		return nil, &ValidationError{Fields: errs}
	}

	if s.limiter != nil {
		ok, err := s.limiter.Allow(ctx, senderID)
		if err != nil {
			logger.Warn().Err(err).Stringer("sender_id", senderID).Msg("rate limiter unavailable, allowing send")
		} else if !ok {
			return nil, ErrRateLimited
		}
	}

	sender, err := s.users.GetByID(ctx, senderID)
	if err != nil {
		return nil, fmt.Errorf("loading sender: %w", err)
	}

	msg := s.newMessage(sender, senderID, receiverID, content, domain.MessageTypeUser)
	if err := s.deliver(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// SendSystem stores an informational message. Only admins may create them.
func (s *MessageService) SendSystem(ctx context.Context, caller Caller, receiverID uuid.UUID, content string) (*domain.Message, error) {
	if !caller.IsAdmin {
		return nil, ErrForbidden
	}
	if errs := validator.ValidateMessage(caller.UserID, receiverID, content); errs.HasErrors() {
		return nil, &ValidationError{Fields: errs}
	}

	sender, err := s.users.GetByID(ctx, caller.UserID)
	if err != nil {
		return nil, fmt.Errorf("loading sender: %w", err)
	}

	msg := s.newMessage(sender, caller.UserID, receiverID, content, domain.MessageTypeSystem)
	if err := s.deliver(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *MessageService) newMessage(sender *domain.User, senderID, receiverID uuid.UUID, content string, typ domain.MessageType) *domain.Message {
	msg := &domain.Message{
		ID:         uuid.Must(uuid.NewV7()),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    strings.TrimSpace(content),
		Type:       typ,
		CreatedAt:  s.now().UTC(),
	}
	if sender != nil {
		msg.SenderUsername = sender.Username
		msg.SenderDisplayName = sender.DisplayName
	}
	return msg
}

// deliver persists msg and fans the insert out to the delivery channel and
// the push collaborator. Only the persist step can fail the send.
func (s *MessageService) deliver(ctx context.Context, msg *domain.Message) error {
	if err := s.create(ctx, msg); err != nil {
		return fmt.Errorf("creating message: %w", err)
	}
	metrics.MessagesSent.WithLabelValues(string(msg.Type)).Inc()
	s.announce(ctx, msg)
	return nil
}

func (s *MessageService) announce(ctx context.Context, msg *domain.Message) {
	if s.notifier != nil {
		s.notifier.NotifyInserted(ctx, msg)
	}
	if s.pusher != nil {
		err := s.pusher.NotifyNewMessage(ctx, PushPayload{
			ReceiverID: msg.ReceiverID,
			SenderID:   msg.SenderID,
			Preview:    preview(msg.Content),
			MessageID:  msg.ID,
		})
		if err != nil {
			metrics.PushFailures.Inc()
			logger.Warn().Err(err).Stringer("message_id", msg.ID).Msg("push notification failed")
		}
	}
}

func (s *MessageService) create(ctx context.Context, msg *domain.Message) error {
	return s.retryOnce(ctx, func() error { return s.messages.Create(ctx, msg) })
}

// retryOnce runs fn and, on a transient store error, runs it one more time
// after retryDelay.
func (s *MessageService) retryOnce(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !errors.Is(err, repository.ErrTransient) {
		return err
	}

	logger.Warn().Err(err).Dur("delay", s.retryDelay).Msg("transient store error, retrying once")
	metrics.SendRetries.Inc()

	timer := time.NewTimer(s.retryDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return err
	}
	return fn()
}

// MarkRead flips every unread message from counterpartID to readerID and
// returns how many changed. Calling it again is a no-op.
func (s *MessageService) MarkRead(ctx context.Context, readerID, counterpartID uuid.UUID) (int, error) {
	ids, err := s.messages.MarkRead(ctx, readerID, counterpartID)
	if err != nil {
		return 0, fmt.Errorf("marking read: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	metrics.MessagesRead.Add(float64(len(ids)))
	if s.notifier != nil {
		s.notifier.NotifyRead(ctx, readerID, counterpartID, ids)
	}
	return len(ids), nil
}

// SoftDelete hides the pair's messages from actingUserID for the given role.
// There is no undelete.
func (s *MessageService) SoftDelete(ctx context.Context, actingUserID, counterpartID uuid.UUID, direction domain.DeleteDirection) (int64, error) {
	if !direction.Valid() {
		return 0, invalid("direction", "Direction must be sender or receiver")
	}
	if actingUserID == counterpartID {
		return 0, invalid("counterpart_id", "Cannot delete a conversation with yourself")
	}

	n, err := s.messages.SoftDelete(ctx, actingUserID, counterpartID, direction)
	if err != nil {
		return 0, fmt.Errorf("soft deleting: %w", err)
	}
	return n, nil
}

// ListMessages returns the conversation as viewerID sees it, oldest first.
func (s *MessageService) ListMessages(ctx context.Context, viewerID, counterpartID uuid.UUID) ([]domain.Message, error) {
	msgs, err := s.messages.ListBetween(ctx, viewerID, counterpartID)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return msgs, nil
}

func (s *MessageService) ListConversations(ctx context.Context, viewerID uuid.UUID) ([]domain.Conversation, error) {
	return s.convs.List(ctx, viewerID)
}

// GetMessage is the fetch-by-id used to resolve insert events. It returns
// ErrMessageNotFound when the viewer cannot see the message.
func (s *MessageService) GetMessage(ctx context.Context, viewerID, id uuid.UUID) (*domain.Message, error) {
	msg, err := s.messages.GetVisible(ctx, viewerID, id)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, ErrMessageNotFound
	}
	return msg, nil
}

// CountUnread is the authoritative unread count; deletion flags are ignored.
func (s *MessageService) CountUnread(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.messages.CountUnread(ctx, userID)
}

func preview(content string) string {
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewLength]) + "…"
}
