// Package ratelimit counts attempts per user in fixed Redis windows. The
// first attempt of a window creates the key with its expiry; later attempts
// only increment it, so denied retries do not extend the window.
package ratelimit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Limiter struct {
	rdb    *redis.Client
	prefix string
	limit  int64
	window time.Duration
}

func New(rdb *redis.Client, prefix string, limit int64, window time.Duration) *Limiter {
	return &Limiter{rdb: rdb, prefix: prefix, limit: limit, window: window}
}

// Allow counts one attempt for userID and reports whether it is within the
// limit.
func (l *Limiter) Allow(ctx context.Context, userID uuid.UUID) (bool, error) {
	key := "rl:" + l.prefix + ":" + userID.String()

	pipe := l.rdb.TxPipeline()
	pipe.SetNX(ctx, key, 0, l.window)
	incr := pipe.Incr(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return incr.Val() <= l.limit, nil
}
