package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub()
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h
}

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case evt, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestHubRoutesToBothParticipants(t *testing.T) {
	h := startHub(t)
	x, y, z := uuid.New(), uuid.New(), uuid.New()

	subX := h.Subscribe(x)
	subY := h.Subscribe(y)
	subZ := h.Subscribe(z)
	defer subX.Close()
	defer subY.Close()
	defer subZ.Close()

	evt := Event{Kind: MessageInserted, MessageID: uuid.New(), SenderID: x, ReceiverID: y}
	require.NoError(t, h.Publish(context.Background(), evt))

	assert.Equal(t, evt, recv(t, subX))
	assert.Equal(t, evt, recv(t, subY))

	select {
	case got := <-subZ.Events():
		t.Fatalf("unrelated user received %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubMultipleSessionsPerUser(t *testing.T) {
	h := startHub(t)
	x, y := uuid.New(), uuid.New()

	first := h.Subscribe(y)
	second := h.Subscribe(y)
	defer first.Close()
	defer second.Close()

	evt := Event{Kind: MessageUpdated, MessageID: uuid.New(), SenderID: x, ReceiverID: y, IsRead: true}
	require.NoError(t, h.Publish(context.Background(), evt))

	assert.Equal(t, evt, recv(t, first))
	assert.Equal(t, evt, recv(t, second))
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	h := startHub(t)
	x, y := uuid.New(), uuid.New()

	sub := h.Subscribe(y)
	sub.Close()
	sub.Close() // idempotent

	require.NoError(t, h.Publish(context.Background(), Event{Kind: MessageInserted, SenderID: x, ReceiverID: y}))

	_, ok := <-sub.Events()
	assert.False(t, ok, "closed subscription must not receive events")
}

func TestHubFlagsLaggingSubscriber(t *testing.T) {
	h := startHub(t)
	x, y := uuid.New(), uuid.New()

	sub := h.Subscribe(y)
	defer sub.Close()

	for i := 0; i < subscriptionBufSize+5; i++ {
		require.NoError(t, h.Publish(context.Background(), Event{Kind: MessageInserted, MessageID: uuid.New(), SenderID: x, ReceiverID: y}))
	}

	assert.Eventually(t, func() bool { return len(sub.Events()) == subscriptionBufSize }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, sub.TakeLagged, time.Second, 5*time.Millisecond)
	assert.False(t, sub.TakeLagged(), "flag is cleared once taken")
}

func TestSubscriptionDrainDiscardsBacklog(t *testing.T) {
	h := startHub(t)
	x, y := uuid.New(), uuid.New()

	sub := h.Subscribe(y)
	defer sub.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, h.Publish(context.Background(), Event{Kind: MessageInserted, MessageID: uuid.New(), SenderID: x, ReceiverID: y}))
	}
	require.Eventually(t, func() bool { return len(sub.Events()) == 3 }, time.Second, 5*time.Millisecond)

	sub.Drain()
	assert.Zero(t, len(sub.Events()))

	evt := Event{Kind: MessageInserted, MessageID: uuid.New(), SenderID: x, ReceiverID: y}
	require.NoError(t, h.Publish(context.Background(), evt))
	assert.Equal(t, evt, recv(t, sub), "drained subscription stays live")
}

func TestHubMarkLaggedWakesEverySubscription(t *testing.T) {
	h := startHub(t)
	x, y := uuid.New(), uuid.New()

	subX := h.Subscribe(x)
	subY := h.Subscribe(y)
	defer subX.Close()
	defer subY.Close()

	h.MarkLagged()

	for _, sub := range []*Subscription{subX, subY} {
		assert.Equal(t, ResyncRequired, recv(t, sub).Kind)
		assert.True(t, sub.TakeLagged())
	}
}

func TestHubStopClosesSubscriptions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub()
	go h.Run(ctx)

	sub := h.Subscribe(uuid.New())
	cancel()

	_, ok := <-sub.Events()
	assert.False(t, ok)

	late := h.Subscribe(uuid.New())
	_, ok = <-late.Events()
	assert.False(t, ok)
	late.Close()
}

func TestChannelNotifierEmitsOneUpdatePerMessage(t *testing.T) {
	h := startHub(t)
	reader, sender := uuid.New(), uuid.New()

	sub := h.Subscribe(sender)
	defer sub.Close()

	ids := []uuid.UUID{uuid.New(), uuid.New()}
	NewChannelNotifier(h).NotifyRead(context.Background(), reader, sender, ids)

	for _, id := range ids {
		evt := recv(t, sub)
		assert.Equal(t, MessageUpdated, evt.Kind)
		assert.Equal(t, id, evt.MessageID)
		assert.Equal(t, sender, evt.SenderID)
		assert.Equal(t, reader, evt.ReceiverID)
		assert.True(t, evt.IsRead)
	}
}
