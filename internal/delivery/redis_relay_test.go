package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisRelayFeedsEveryInstance(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// two instances sharing one Redis
	hubA, hubB := NewHub(), NewHub()
	go hubA.Run(ctx)
	go hubB.Run(ctx)

	relayA := NewRedisRelay(redis.NewClient(&redis.Options{Addr: mr.Addr()}), hubA)
	relayB := NewRedisRelay(redis.NewClient(&redis.Options{Addr: mr.Addr()}), hubB)

	readyA, readyB := make(chan struct{}), make(chan struct{})
	go relayA.Run(ctx, readyA)
	go relayB.Run(ctx, readyB)
	<-readyA
	<-readyB

	x, y := uuid.New(), uuid.New()
	senderSession := hubA.Subscribe(x)
	receiverSession := hubB.Subscribe(y)
	defer senderSession.Close()
	defer receiverSession.Close()

	evt := Event{Kind: MessageInserted, MessageID: uuid.New(), SenderID: x, ReceiverID: y}
	require.NoError(t, relayA.Publish(ctx, evt))

	assert.Equal(t, evt, recv(t, senderSession))
	assert.Equal(t, evt, recv(t, receiverSession))
}

// awaitResync waits for the wake-up event sent to lagged subscriptions.
func awaitResync(t *testing.T, sub *Subscription) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt, ok := <-sub.Events():
			require.True(t, ok, "subscription closed")
			if evt.Kind == ResyncRequired {
				assert.True(t, sub.TakeLagged())
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for resync")
		}
	}
}

func TestRedisRelayFlagsLagAcrossReconnect(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	go hub.Run(ctx)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	relay := NewRedisRelay(rdb, hub)
	relay.retryDelay = 10 * time.Millisecond
	ready := make(chan struct{})
	go relay.Run(ctx, ready)
	<-ready

	x, y := uuid.New(), uuid.New()
	sub := hub.Subscribe(y)
	defer sub.Close()

	// anything published while the connection is down is gone
	mr.Close()
	awaitResync(t, sub)

	require.NoError(t, mr.Restart())
	awaitResync(t, sub)

	evt := Event{Kind: MessageInserted, MessageID: uuid.New(), SenderID: x, ReceiverID: y}
	require.NoError(t, relay.Publish(ctx, evt))
	assert.Equal(t, evt, recv(t, sub))
}

func TestStartRelayFallsBackToLocalHub(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	go hub.Run(ctx)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	mr.Close()

	pub := StartRelay(ctx, rdb, hub)
	assert.Same(t, hub, pub)

	x, y := uuid.New(), uuid.New()
	sub := hub.Subscribe(y)
	defer sub.Close()

	evt := Event{Kind: MessageInserted, MessageID: uuid.New(), SenderID: x, ReceiverID: y}
	require.NoError(t, pub.Publish(ctx, evt))
	assert.Equal(t, evt, recv(t, sub))
}

func TestStartRelayUsesRedisWhenSubscribed(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	go hub.Run(ctx)

	pub := StartRelay(ctx, redis.NewClient(&redis.Options{Addr: mr.Addr()}), hub)
	_, isRelay := pub.(*RedisRelay)
	assert.True(t, isRelay)
}
