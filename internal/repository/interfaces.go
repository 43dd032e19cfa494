package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/courtside/internal/domain"
)

// ErrTransient marks storage failures worth retrying (connectivity, timeouts).
var ErrTransient = errors.New("transient store error")

type UserRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	// ListRecipientIDs resolves a broadcast filter to user ids, ascending.
	ListRecipientIDs(ctx context.Context, filter domain.RecipientFilter) ([]uuid.UUID, error)
}

type MessageRepository interface {
	// Create inserts msg. Inserting an id that already exists is a no-op so a
	// retried insert never duplicates a row.
	Create(ctx context.Context, msg *domain.Message) error
	// CreateBatch inserts all messages atomically. Ids that already exist are
	// skipped as in Create, so replaying a committed batch succeeds.
	CreateBatch(ctx context.Context, msgs []domain.Message) error
	// GetVisible returns the hydrated message if viewerID is a participant and
	// has not deleted it, nil otherwise.
	GetVisible(ctx context.Context, viewerID, id uuid.UUID) (*domain.Message, error)
	ListBetween(ctx context.Context, viewerID, counterpartID uuid.UUID) ([]domain.Message, error)
	ListConversations(ctx context.Context, viewerID uuid.UUID) ([]domain.Conversation, error)
	// MarkRead flips is_read for unread messages from counterpartID to
	// readerID and returns the ids it changed.
	MarkRead(ctx context.Context, readerID, counterpartID uuid.UUID) ([]uuid.UUID, error)
	SoftDelete(ctx context.Context, actingUserID, counterpartID uuid.UUID, direction domain.DeleteDirection) (int64, error)
	CountUnread(ctx context.Context, userID uuid.UUID) (int, error)
	// PurgeExpired physically removes rows deleted by both sides or created
	// before cutoff. Only the retention job calls it.
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)
}
