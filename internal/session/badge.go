package session

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// BadgeSink receives the current unread count for a user. Implementations
// may be unavailable; errors are logged and ignored.
type BadgeSink interface {
	SetUnread(ctx context.Context, userID uuid.UUID, n int) error
}

// RedisBadge publishes the count under badge:unread:<user id> for the
// mobile app and any other badge reader.
type RedisBadge struct {
	rdb *redis.Client
}

func NewRedisBadge(rdb *redis.Client) *RedisBadge {
	return &RedisBadge{rdb: rdb}
}

func BadgeKey(userID uuid.UUID) string {
	return "badge:unread:" + userID.String()
}

func (b *RedisBadge) SetUnread(ctx context.Context, userID uuid.UUID, n int) error {
	return b.rdb.Set(ctx, BadgeKey(userID), strconv.Itoa(n), 0).Err()
}
