package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vedran77/courtside/pkg/logger"
)

const relayChannel = "dm:events"

// RedisRelay shares the delivery channel between instances. Publish goes to
// Redis only; every instance, the publishing one included, receives the
// event back through Run and hands it to its local hub.
type RedisRelay struct {
	rdb        *redis.Client
	local      *Hub
	retryDelay time.Duration
}

func NewRedisRelay(rdb *redis.Client, local *Hub) *RedisRelay {
	return &RedisRelay{rdb: rdb, local: local, retryDelay: 200 * time.Millisecond}
}

func (r *RedisRelay) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return r.rdb.Publish(ctx, relayChannel, data).Err()
}

// StartRelay runs a relay for local and returns the publisher to use once its
// subscription is live. If subscribing fails the hub itself is returned, since
// a relay that never subscribed would deliver nothing.
func StartRelay(ctx context.Context, rdb *redis.Client, local *Hub) Publisher {
	relay := NewRedisRelay(rdb, local)
	ready := make(chan struct{})
	failed := make(chan error, 1)
	go func() {
		failed <- relay.Run(ctx, ready)
	}()

	select {
	case <-ready:
		return relay
	case err := <-failed:
		logger.Error().Err(err).Msg("delivery relay: unavailable, delivering on this instance only")
		return local
	}
}

// Run relays events from Redis into the local hub until ctx is cancelled.
// ready, if non-nil, is closed once the Redis subscription is live.
//
// Redis pub/sub keeps nothing for a subscriber that is away, so losing the
// connection flags every local subscription as lagged, and so does the
// resubscribe that follows.
func (r *RedisRelay) Run(ctx context.Context, ready chan<- struct{}) error {
	pubsub := r.rdb.Subscribe(ctx, relayChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", relayChannel, err)
	}
	if ready != nil {
		close(ready)
	}
	logger.Info().Str("channel", relayChannel).Msg("delivery relay: subscribed")

	// Receive does not watch ctx; closing the pubsub unblocks it.
	stop := context.AfterFunc(ctx, func() { pubsub.Close() })
	defer stop()

	disconnected := false
	for {
		msg, err := pubsub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !disconnected {
				disconnected = true
				logger.Warn().Err(err).Msg("delivery relay: connection lost")
				r.local.MarkLagged()
			}
			if !sleep(ctx, r.retryDelay) {
				return nil
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind != "subscribe" {
				continue
			}
			logger.Info().Str("channel", m.Channel).Msg("delivery relay: resubscribed")
			disconnected = false
			r.local.MarkLagged()

		case *redis.Message:
			var evt Event
			if err := json.Unmarshal([]byte(m.Payload), &evt); err != nil {
				logger.Warn().Err(err).Msg("delivery relay: bad payload")
				continue
			}
			if err := r.local.Publish(ctx, evt); err != nil {
				return nil
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
