package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/vedran77/courtside/internal/delivery"
	"github.com/vedran77/courtside/pkg/logger"
)

// UnreadCounter tracks how many messages addressed to its user are unread,
// whatever either side's deletion flags say. Every insert or update addressed
// to the user triggers a full recount, so a stale or repeated event can never
// move the value away from the store's count.
type UnreadCounter struct {
	userID   uuid.UUID
	store    Store
	badge    BadgeSink
	onChange func(n int)

	mu    sync.Mutex
	value int
}

func NewUnreadCounter(userID uuid.UUID, store Store, badge BadgeSink, onChange func(n int)) *UnreadCounter {
	return &UnreadCounter{
		userID:   userID,
		store:    store,
		badge:    badge,
		onChange: onChange,
	}
}

func (c *UnreadCounter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Recount replaces the value with the store's count.
func (c *UnreadCounter) Recount(ctx context.Context) (int, error) {
	n, err := c.store.CountUnread(ctx, c.userID)
	if err != nil {
		return c.Value(), err
	}

	c.mu.Lock()
	c.value = n
	c.mu.Unlock()

	c.publish(ctx, n)
	return n, nil
}

// Apply adjusts the counter for one delivery event and reports whether the
// value may have changed.
func (c *UnreadCounter) Apply(ctx context.Context, evt delivery.Event) bool {
	if evt.ReceiverID != c.userID {
		return false
	}

	switch evt.Kind {
	case delivery.MessageInserted:
		if evt.IsRead {
			return false
		}
	case delivery.MessageUpdated:
	default:
		return false
	}

	if _, err := c.Recount(ctx); err != nil {
		logger.Warn().Err(err).Stringer("user_id", c.userID).Msg("unread: recount failed")
	}
	return true
}

func (c *UnreadCounter) publish(ctx context.Context, n int) {
	if c.onChange != nil {
		c.onChange(n)
	}
	if c.badge == nil {
		return
	}
	if err := c.badge.SetUnread(ctx, c.userID, n); err != nil {
		logger.Debug().Err(err).Stringer("user_id", c.userID).Msg("unread: badge update failed")
	}
}
