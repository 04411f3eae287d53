package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/message"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.UnixMilli(1_700_000_000_000)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type notifications struct {
	got []store.Kind
}

func (n *notifications) HandleNotification(kind store.Kind, _ string) {
	n.got = append(n.got, kind)
}

type engineFixture struct {
	engine  *Engine
	tracker *message.Tracker
	db      *store.DB
	bus     *bus.Bus
	notes   *notifications
}

func newEngine(t *testing.T) *engineFixture {
	t.Helper()
	db := testDB(t)
	b := bus.New()
	clock := clockwork.NewFakeClockAt(epoch)
	tr, err := message.NewTracker(db, message.Config{}, message.WithClock(clock), message.WithBus(b))
	require.NoError(t, err)

	_, err = db.Chats().Apply(context.Background(), store.Changeset[store.Chat]{
		Upserts: []store.Chat{{ID: "chat-1", Name: "one", UpdatedAt: 1}},
	})
	require.NoError(t, err)

	notes := &notifications{}
	e := NewEngine(db, tr, notes, "me", b, nil)
	e.clock = clock
	return &engineFixture{engine: e, tracker: tr, db: db, bus: b, notes: notes}
}

func (f *engineFixture) messages(t *testing.T) []store.Message {
	t.Helper()
	msgs, err := f.db.ListMessages(context.Background(), "chat-1", 0, 50)
	require.NoError(t, err)
	return msgs
}

func TestEngineIngestMessage(t *testing.T) {
	f := newEngine(t)
	ch, unsub := f.bus.Subscribe("message.", 10)
	defer unsub()

	f.engine.HandleFrame(context.Background(), transport.ChatMessage{
		MessageID: "s1", ChatID: "chat-1", SenderID: "ana", Content: "hello", SentAt: 1000,
	})

	msgs := f.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "s1", msgs[0].ServerMessageID)
	assert.Equal(t, store.StatusDelivered, msgs[0].Status)
	assert.False(t, msgs[0].FromMe)

	chats, err := f.db.Chats().List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", chats[0].LastMessagePreview)
	assert.Equal(t, int64(1000), chats[0].LastMessageAt)

	select {
	case evt := <-ch:
		assert.Equal(t, bus.MessageUpserted, evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message.upserted event")
	}
}

func TestEngineIngestIsIdempotent(t *testing.T) {
	f := newEngine(t)
	msg := transport.ChatMessage{MessageID: "s1", ChatID: "chat-1", SenderID: "ana", Content: "hi", SentAt: 1000}

	f.engine.HandleFrame(context.Background(), msg)
	f.engine.HandleFrame(context.Background(), msg)

	assert.Len(t, f.messages(t), 1)
}

func TestEngineLinksOwnEcho(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()
	_, err := f.tracker.RegisterPending(ctx, "c1", "chat-1", "me", "hello")
	require.NoError(t, err)

	f.engine.HandleFrame(ctx, transport.ChatMessage{
		MessageID: "s1", ChatID: "chat-1", SenderID: "me", Content: "hello", SentAt: epoch.UnixMilli() + 500,
	})

	msgs := f.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c1", msgs[0].ClientMessageID)
	assert.Equal(t, "s1", msgs[0].ServerMessageID)
	assert.Equal(t, store.StatusSent, msgs[0].Status)
}

func TestEngineLinksLateEchoByClientID(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()
	_, err := f.tracker.RegisterPending(ctx, "c1", "chat-1", "me", "hello")
	require.NoError(t, err)

	// Far outside the fallback window.
	f.engine.HandleFrame(ctx, transport.ChatMessage{
		MessageID: "s1", ClientMessageID: "c1", ChatID: "chat-1", SenderID: "me", Content: "hello",
		SentAt: epoch.Add(time.Minute).UnixMilli(),
	})

	msgs := f.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c1", msgs[0].ClientMessageID)
	assert.Equal(t, "s1", msgs[0].ServerMessageID)
}

func TestEngineUnmatchedEchoMergesOnAcknowledgement(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()
	_, err := f.tracker.RegisterPending(ctx, "c1", "chat-1", "me", "hello")
	require.NoError(t, err)

	f.engine.HandleFrame(ctx, transport.ChatMessage{
		MessageID: "s1", ChatID: "chat-1", SenderID: "me", Content: "hello",
		SentAt: epoch.Add(10 * time.Second).UnixMilli(),
	})
	require.Len(t, f.messages(t), 2)

	require.NoError(t, f.tracker.LinkByClientID(ctx, "c1", "s1", nil))

	msgs := f.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c1", msgs[0].ClientMessageID)
	assert.Equal(t, "s1", msgs[0].ServerMessageID)
	assert.Equal(t, store.StatusSent, msgs[0].Status)
}

func TestEngineStoresOwnMessageFromOtherDevice(t *testing.T) {
	f := newEngine(t)

	f.engine.HandleFrame(context.Background(), transport.ChatMessage{
		MessageID: "s9", ChatID: "chat-1", SenderID: "me", Content: "from phone", SentAt: 1000,
	})

	msgs := f.messages(t)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].FromMe)
	assert.Equal(t, store.StatusSent, msgs[0].Status)
}

func TestEngineStatusLinksByClientID(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()
	_, err := f.tracker.RegisterPending(ctx, "c1", "chat-1", "me", "hello")
	require.NoError(t, err)

	f.engine.HandleFrame(ctx, transport.StatusUpdate{
		Status: store.StatusDelivered, MessageID: "s1", ClientMessageID: "c1", Timestamp: 1000,
	})

	m, err := f.tracker.Message(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "s1", m.ServerMessageID)
	assert.Equal(t, store.StatusDelivered, m.Status)
	assert.Equal(t, int64(1000), m.ServerTimestamp)
}

func TestEngineStatusFallbackMatch(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()
	_, err := f.tracker.RegisterPending(ctx, "c1", "chat-1", "me", "hello")
	require.NoError(t, err)

	err = f.engine.ApplyStatus(ctx, transport.StatusUpdate{
		Status: store.StatusSent, MessageID: "s1", ChatID: "chat-1", SenderID: "me", Timestamp: epoch.UnixMilli() + 1200,
	})
	require.NoError(t, err)

	m, err := f.tracker.Message(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "s1", m.ServerMessageID)
	assert.Equal(t, store.StatusSent, m.Status)
}

func TestEngineStatusBeforeLinkIsParked(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()
	_, err := f.tracker.RegisterPending(ctx, "c1", "chat-1", "me", "hello")
	require.NoError(t, err)

	err = f.engine.ApplyStatus(ctx, transport.StatusUpdate{Status: store.StatusRead, MessageID: "s1"})
	assert.ErrorIs(t, err, message.ErrNotFound)

	require.NoError(t, f.tracker.LinkByClientID(ctx, "c1", "s1", nil))
	m, err := f.tracker.Message(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRead, m.Status)
}

func TestEngineBulkRead(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()
	for _, id := range []string{"c1", "c2"} {
		_, err := f.tracker.RegisterPending(ctx, id, "chat-1", "me", "hello")
		require.NoError(t, err)
		require.NoError(t, f.tracker.LinkByClientID(ctx, id, "s-"+id, nil))
	}

	err := f.engine.ApplyBulkStatus(ctx, transport.BulkStatus{
		Status: store.StatusRead, MessageIDs: []string{"s-c1", "s-c2", "s-unknown"},
	})
	require.NoError(t, err, "unknown ids in a bulk frame are not an error")

	for _, id := range []string{"c1", "c2"} {
		m, err := f.tracker.Message(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.StatusRead, m.Status)
		assert.NotZero(t, m.DeliveredAt)
	}
}

func TestEngineBulkDelivered(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()
	_, err := f.tracker.RegisterPending(ctx, "c1", "chat-1", "me", "hello")
	require.NoError(t, err)
	require.NoError(t, f.tracker.LinkByClientID(ctx, "c1", "s1", nil))

	require.NoError(t, f.engine.ApplyBulkStatus(ctx, transport.BulkStatus{
		Status: store.StatusDelivered, MessageIDs: []string{"s1"},
	}))

	m, err := f.tracker.Message(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusDelivered, m.Status)
}

func TestEngineForwardsNotifications(t *testing.T) {
	f := newEngine(t)

	f.engine.HandleFrame(context.Background(), transport.Notification{Kind: store.KindFriend, ID: "f1", Action: "updated"})

	assert.Equal(t, []store.Kind{store.KindFriend}, f.notes.got)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abc", 2))
	assert.Equal(t, "çã", truncate("çãõ", 2))
}
