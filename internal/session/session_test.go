package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vedran77/courtside/internal/delivery"
	"github.com/vedran77/courtside/internal/domain"
	"github.com/vedran77/courtside/internal/repository/memory"
	"github.com/vedran77/courtside/internal/service"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type recordingSink struct {
	mu        sync.Mutex
	snapshots [][]domain.Message
	inserted  []domain.Message
	updated   []uuid.UUID
	convs     []domain.Conversation
	unread    []int
}

func (s *recordingSink) MessagesSnapshot(_ uuid.UUID, msgs []domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, msgs)
}

func (s *recordingSink) MessageInserted(_ uuid.UUID, msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, msg)
}

func (s *recordingSink) MessageUpdated(_, id uuid.UUID, _ bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated = append(s.updated, id)
}

func (s *recordingSink) Conversations(convs []domain.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs = convs
}

func (s *recordingSink) Unread(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread = append(s.unread, n)
}

func (s *recordingSink) insertedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserted)
}

func (s *recordingSink) unreadValues() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.unread...)
}

func (s *recordingSink) lastConversations() []domain.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convs
}

type env struct {
	store *memory.Store
	svc   *service.MessageService
	hub   *delivery.Hub
	x, y  uuid.UUID
}

// newEnv wires the message service to a running hub. Set quiet to leave the
// service without a notifier so tests can feed events by hand.
func newEnv(t *testing.T, quiet bool) *env {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	e := &env{
		store: memory.New(),
		hub:   delivery.NewHub(),
		x:     uuid.New(),
		y:     uuid.New(),
	}
	go e.hub.Run(ctx)

	e.store.AddUser(domain.User{ID: e.x, Username: "xavi", DisplayName: "Xavi"})
	e.store.AddUser(domain.User{ID: e.y, Username: "yana", DisplayName: "Yana"})

	e.svc = service.NewMessageService(e.store, e.store)
	if !quiet {
		e.svc.SetNotifier(delivery.NewChannelNotifier(e.hub))
	}
	return e
}

func (e *env) send(t *testing.T, from, to uuid.UUID, content string) *domain.Message {
	t.Helper()
	msg, err := e.svc.Send(context.Background(), from, from, to, content)
	require.NoError(t, err)
	return msg
}

func (e *env) openView(t *testing.T, store Store, sink Sink) *View {
	t.Helper()
	v, err := OpenView(context.Background(), ViewConfig{
		ViewerID:      e.y,
		CounterpartID: e.x,
		Store:         store,
		Subscriber:    e.hub,
		Sink:          sink,
	})
	require.NoError(t, err)
	t.Cleanup(v.Close)
	return v
}

func insertEvent(m *domain.Message) delivery.Event {
	return delivery.Event{Kind: delivery.MessageInserted, MessageID: m.ID, SenderID: m.SenderID, ReceiverID: m.ReceiverID}
}

func TestViewOpensWithSnapshot(t *testing.T) {
	e := newEnv(t, true)
	e.send(t, e.x, e.y, "one")
	e.send(t, e.y, e.x, "two")

	sink := &recordingSink{}
	v := e.openView(t, e.svc, sink)

	require.Len(t, sink.snapshots, 1)
	assert.Len(t, sink.snapshots[0], 2)
	assert.Len(t, v.Messages(), 2)
}

func TestViewDeduplicatesInserts(t *testing.T) {
	e := newEnv(t, true)
	sink := &recordingSink{}
	v := e.openView(t, e.svc, sink)

	msg := e.send(t, e.x, e.y, "hi")
	evt := insertEvent(msg)

	assert.True(t, v.ApplyInserted(context.Background(), evt))
	assert.False(t, v.ApplyInserted(context.Background(), evt))

	msgs := v.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.ID, msgs[0].ID)
	assert.Equal(t, 1, sink.insertedCount())
}

func TestViewIgnoresOtherConversations(t *testing.T) {
	e := newEnv(t, true)
	sink := &recordingSink{}
	v := e.openView(t, e.svc, sink)

	stranger := uuid.New()
	e.store.AddUser(domain.User{ID: stranger, Username: "zed"})
	msg := e.send(t, stranger, e.y, "not this one")

	assert.False(t, v.ApplyInserted(context.Background(), insertEvent(msg)))
	assert.Empty(t, v.Messages())
}

func TestViewUpdatePatchesReadFlagOnly(t *testing.T) {
	e := newEnv(t, true)
	msg := e.send(t, e.y, e.x, "are you playing saturday?")

	sink := &recordingSink{}
	v := e.openView(t, e.svc, sink)

	evt := delivery.Event{
		Kind:       delivery.MessageUpdated,
		MessageID:  msg.ID,
		SenderID:   e.y,
		ReceiverID: e.x,
		IsRead:     true,
	}
	assert.True(t, v.ApplyUpdated(evt))

	msgs := v.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsRead)
	assert.Equal(t, "are you playing saturday?", msgs[0].Content)
	assert.Equal(t, "read", msgs[0].ReadReceipt())

	// unknown ids are not fetched
	evt.MessageID = uuid.New()
	assert.False(t, v.ApplyUpdated(evt))
	assert.Len(t, v.Messages(), 1)
}

type failingStore struct {
	Store
}

func (failingStore) GetMessage(context.Context, uuid.UUID, uuid.UUID) (*domain.Message, error) {
	return nil, errors.New("connection refused")
}

func TestViewDropsInsertWhenFetchFails(t *testing.T) {
	e := newEnv(t, true)
	sink := &recordingSink{}
	v := e.openView(t, failingStore{Store: e.svc}, sink)

	msg := e.send(t, e.x, e.y, "lost in transit")
	assert.False(t, v.ApplyInserted(context.Background(), insertEvent(msg)))
	assert.Empty(t, v.Messages())

	// the next resync catches up
	require.NoError(t, v.Resync(context.Background()))
	assert.Len(t, v.Messages(), 1)
}

func TestViewDropsInsertDeletedBeforeFetch(t *testing.T) {
	e := newEnv(t, true)
	sink := &recordingSink{}
	v := e.openView(t, e.svc, sink)

	msg := e.send(t, e.x, e.y, "gone")
	_, err := e.svc.SoftDelete(context.Background(), e.y, e.x, domain.DeleteAsReceiver)
	require.NoError(t, err)

	assert.False(t, v.ApplyInserted(context.Background(), insertEvent(msg)))
	assert.Empty(t, v.Messages())
}

func TestViewReconcilesFromChannel(t *testing.T) {
	e := newEnv(t, false)
	sink := &recordingSink{}
	v := e.openView(t, e.svc, sink)

	first := e.send(t, e.x, e.y, "first")
	second := e.send(t, e.y, e.x, "second")

	require.Eventually(t, func() bool { return len(v.Messages()) == 2 }, waitFor, tick)
	msgs := v.Messages()
	assert.Equal(t, first.ID, msgs[0].ID)
	assert.Equal(t, second.ID, msgs[1].ID)
}

func TestViewCloseStopsReconciling(t *testing.T) {
	e := newEnv(t, false)
	sink := &recordingSink{}
	v := e.openView(t, e.svc, sink)

	v.Close()
	v.Close()

	e.send(t, e.x, e.y, "after close")
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, v.Messages())
	assert.Equal(t, 0, sink.insertedCount())
}

func TestSessionConversationAndReadReceipt(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()

	xSink, ySink := &recordingSink{}, &recordingSink{}
	xs := New(e.x, e.svc, e.hub, xSink, nil)
	ys := New(e.y, e.svc, e.hub, ySink, nil)
	require.NoError(t, xs.Start(ctx))
	require.NoError(t, ys.Start(ctx))
	defer xs.Close()
	defer ys.Close()

	require.NoError(t, xs.Open(ctx, e.y))
	msg := e.send(t, e.x, e.y, "hi")

	require.Eventually(t, func() bool {
		convs := ySink.lastConversations()
		return len(convs) == 1 && convs[0].HasUnread && convs[0].LastMessage.Content == "hi"
	}, waitFor, tick)
	require.Eventually(t, func() bool { return ys.Unread() == 1 }, waitFor, tick)

	require.NoError(t, ys.Open(ctx, e.x))
	assert.Equal(t, 0, ys.Unread())

	row, ok := e.store.Raw(msg.ID)
	require.True(t, ok)
	assert.True(t, row.IsRead)

	// the sender's open view flips to read
	require.Eventually(t, func() bool {
		msgs := xs.View().Messages()
		return len(msgs) == 1 && msgs[0].ReadReceipt() == "read"
	}, waitFor, tick)
}

func TestSessionMarksIncomingReadWhileViewing(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()

	ySink := &recordingSink{}
	ys := New(e.y, e.svc, e.hub, ySink, nil)
	require.NoError(t, ys.Start(ctx))
	defer ys.Close()
	require.NoError(t, ys.Open(ctx, e.x))

	msg := e.send(t, e.x, e.y, "see you at court 4")

	require.Eventually(t, func() bool {
		row, _ := e.store.Raw(msg.ID)
		return row.IsRead
	}, waitFor, tick)
	require.Eventually(t, func() bool { return ys.Unread() == 0 }, waitFor, tick)
	assert.Len(t, ys.View().Messages(), 1)
}

func TestSessionUnreadSurvivesDeletion(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()

	e.send(t, e.x, e.y, "one")
	e.send(t, e.x, e.y, "two")
	_, err := e.svc.SoftDelete(ctx, e.y, e.x, domain.DeleteAsReceiver)
	require.NoError(t, err)

	ys := New(e.y, e.svc, e.hub, &recordingSink{}, nil)
	require.NoError(t, ys.Start(ctx))
	defer ys.Close()

	assert.Equal(t, 2, ys.Unread())
}

func TestSessionOpenRejectsSelf(t *testing.T) {
	e := newEnv(t, true)
	ys := New(e.y, e.svc, e.hub, &recordingSink{}, nil)
	require.NoError(t, ys.Start(context.Background()))
	defer ys.Close()

	assert.ErrorIs(t, ys.Open(context.Background(), e.y), ErrInvalidCounterpart)
	assert.ErrorIs(t, ys.Open(context.Background(), uuid.Nil), ErrInvalidCounterpart)
}

func TestSessionReopenReplacesView(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	z := uuid.New()
	e.store.AddUser(domain.User{ID: z, Username: "zoe"})

	ys := New(e.y, e.svc, e.hub, &recordingSink{}, nil)
	require.NoError(t, ys.Start(ctx))
	defer ys.Close()

	require.NoError(t, ys.Open(ctx, e.x))
	first := ys.View()
	require.NoError(t, ys.Open(ctx, z))
	assert.NotSame(t, first, ys.View())
	assert.Equal(t, z, ys.View().CounterpartID())

	e.send(t, e.x, e.y, "to the closed view")
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, first.Messages())

	ys.CloseView()
	assert.Nil(t, ys.View())
}

type flakyBadge struct {
	mu   sync.Mutex
	last int
}

func (b *flakyBadge) SetUnread(_ context.Context, _ uuid.UUID, n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = n
	return errors.New("badge service unavailable")
}

func TestUnreadCounter(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	badge := &flakyBadge{}
	var seen []int
	c := NewUnreadCounter(e.y, e.svc, badge, func(n int) { seen = append(seen, n) })

	e.send(t, e.x, e.y, "already here")
	n, err := c.Recount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msg := e.send(t, e.x, e.y, "new")
	assert.True(t, c.Apply(ctx, insertEvent(msg)))
	assert.True(t, c.Apply(ctx, insertEvent(msg)))
	assert.Equal(t, 2, c.Value(), "a repeated insert recounts to the same value")

	// outgoing messages do not count
	out := e.send(t, e.y, e.x, "reply")
	assert.False(t, c.Apply(ctx, insertEvent(out)))
	assert.Equal(t, 2, c.Value())

	_, err = e.svc.MarkRead(ctx, e.y, e.x)
	require.NoError(t, err)
	assert.True(t, c.Apply(ctx, delivery.Event{Kind: delivery.MessageUpdated, MessageID: msg.ID, SenderID: e.x, ReceiverID: e.y, IsRead: true}))
	assert.Equal(t, 0, c.Value())

	assert.False(t, c.Apply(ctx, delivery.Event{Kind: delivery.ResyncRequired}))

	assert.Equal(t, []int{1, 2, 2, 0}, seen)
	assert.Equal(t, 0, badge.last)
}

func TestUnreadCounterIgnoresStaleInsert(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	c := NewUnreadCounter(e.y, e.svc, nil, nil)

	msg := e.send(t, e.x, e.y, "counted by the first recount")
	_, err := c.Recount(ctx)
	require.NoError(t, err)

	// the insert event for a row the recount already saw
	c.Apply(ctx, insertEvent(msg))
	assert.Equal(t, 1, c.Value())
}

// sendOnFirstCount delivers a message while the session's first count is
// in flight, so the insert event arrives after a count that includes it.
type sendOnFirstCount struct {
	*service.MessageService
	once sync.Once
	send func()
}

func (s *sendOnFirstCount) CountUnread(ctx context.Context, userID uuid.UUID) (int, error) {
	s.once.Do(s.send)
	return s.MessageService.CountUnread(ctx, userID)
}

func TestSessionCounterSettlesWhenInsertRacesStart(t *testing.T) {
	e := newEnv(t, false)
	store := &sendOnFirstCount{MessageService: e.svc}
	store.send = func() { e.send(t, e.x, e.y, "sent during the first count") }

	sink := &recordingSink{}
	s := New(e.y, store, e.hub, sink, nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	require.Eventually(t, func() bool { return len(sink.unreadValues()) >= 2 }, waitFor, tick)
	assert.Never(t, func() bool { return s.Unread() != 1 }, 100*time.Millisecond, tick)
	assert.Equal(t, []int{1, 1}, sink.unreadValues())
}

// gatedStore can hold ListConversations so the session loop stops reading
// its subscription.
type gatedStore struct {
	*service.MessageService

	mu      sync.Mutex
	hold    chan struct{}
	entered chan struct{}
}

func (g *gatedStore) block() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hold = make(chan struct{})
	g.entered = make(chan struct{}, 1)
}

func (g *gatedStore) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	close(g.hold)
	g.hold = nil
}

func (g *gatedStore) ListConversations(ctx context.Context, viewerID uuid.UUID) ([]domain.Conversation, error) {
	g.mu.Lock()
	hold, entered := g.hold, g.entered
	g.mu.Unlock()
	if hold != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-hold
	}
	return g.MessageService.ListConversations(ctx, viewerID)
}

func TestSessionCounterSettlesAfterLag(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	store := &gatedStore{MessageService: e.svc}

	s := New(e.y, store, e.hub, &recordingSink{}, nil)
	require.NoError(t, s.Start(ctx))
	defer s.Close()

	store.block()
	e.send(t, e.x, e.y, "first")
	select {
	case <-store.entered:
	case <-time.After(waitFor):
		t.Fatal("session never refreshed conversations")
	}

	// overflow the subscription while the loop is stuck
	for i := 0; i < 100; i++ {
		e.send(t, e.x, e.y, "burst")
	}
	store.release()

	want, err := e.svc.CountUnread(ctx, e.y)
	require.NoError(t, err)
	require.Equal(t, 101, want)

	require.Eventually(t, func() bool { return s.Unread() == want }, waitFor, tick)
	assert.Never(t, func() bool { return s.Unread() != want }, 200*time.Millisecond, tick)
}

func TestRedisBadge(t *testing.T) {
	mr := miniredis.RunT(t)
	badge := NewRedisBadge(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	user := uuid.New()

	require.NoError(t, badge.SetUnread(context.Background(), user, 3))

	got, err := mr.Get(BadgeKey(user))
	require.NoError(t, err)
	assert.Equal(t, "3", got)
}
