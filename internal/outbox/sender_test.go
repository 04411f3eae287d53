package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/chatsync/internal/message"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSender records calls and returns configurable results.
type mockSender struct {
	mu    sync.Mutex
	calls []remote.SendRequest
	err   error
}

func (m *mockSender) SendMessage(_ context.Context, req remote.SendRequest) (*remote.SendAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if m.err != nil {
		return nil, m.err
	}
	return &remote.SendAck{MessageID: "server-" + req.ClientMessageID, Timestamp: 1234}, nil
}

func (m *mockSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockSender) fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func newSender(t *testing.T, cfg Config) (*Sender, *message.Tracker, *mockSender, *clockwork.FakeClock) {
	t.Helper()
	s, tr, mock, clock, _ := newSenderWithDB(t, cfg)
	return s, tr, mock, clock
}

func newSenderWithDB(t *testing.T, cfg Config) (*Sender, *message.Tracker, *mockSender, *clockwork.FakeClock, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	tr, err := message.NewTracker(db, message.Config{}, message.WithClock(clock))
	require.NoError(t, err)
	mock := &mockSender{}
	return NewSender(cfg, tr, mock, "me", WithClock(clock)), tr, mock, clock, db
}

func TestComposeRegistersPending(t *testing.T) {
	s, tr, _, _ := newSender(t, Config{})
	ctx := context.Background()

	m, err := s.Compose(ctx, "chat-1", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, m.ClientMessageID)
	assert.Equal(t, "me", m.SenderID)
	assert.Equal(t, store.StatusPending, m.Status)

	pending, err := tr.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, m.ClientMessageID, pending[0].ClientMessageID)
}

func TestSenderLinksAck(t *testing.T) {
	s, tr, mock, _ := newSender(t, Config{})
	ctx := context.Background()
	m, err := s.Compose(ctx, "chat-1", "hello")
	require.NoError(t, err)

	s.ProcessPending(ctx)

	require.Equal(t, 1, mock.count())
	assert.Equal(t, m.ClientMessageID, mock.calls[0].ClientMessageID)
	assert.Equal(t, "chat-1", mock.calls[0].ChatID)

	got, err := tr.Message(ctx, m.ClientMessageID)
	require.NoError(t, err)
	assert.Equal(t, "server-"+m.ClientMessageID, got.ServerMessageID)
	assert.Equal(t, store.StatusSent, got.Status)
	assert.Equal(t, int64(1234), got.ServerTimestamp)
	assert.Equal(t, 1, got.SendAttempts)

	s.ProcessPending(ctx)
	assert.Equal(t, 1, mock.count(), "linked messages are not resent")
}

func TestSenderAckAfterEarlyRealtimeCopyIsSentOnce(t *testing.T) {
	s, tr, mock, clock, db := newSenderWithDB(t, Config{})
	ctx := context.Background()
	m, err := s.Compose(ctx, "chat-1", "hello")
	require.NoError(t, err)
	clock.Advance(10 * time.Second)

	// The realtime copy came in first and matched nothing, so it was stored
	// under its server id.
	serverID := "server-" + m.ClientMessageID
	_, err = db.InsertMessage(ctx, &store.Message{
		ClientMessageID: serverID, ServerMessageID: serverID, ChatID: "chat-1", SenderID: "me",
		Content: "hello", ServerTimestamp: clock.Now().UnixMilli(), Status: store.StatusSent, FromMe: true,
	})
	require.NoError(t, err)

	for range 3 {
		s.ProcessPending(ctx)
	}

	assert.Equal(t, 1, mock.count())
	got, err := tr.Message(ctx, m.ClientMessageID)
	require.NoError(t, err)
	assert.Equal(t, serverID, got.ServerMessageID)
	assert.Equal(t, store.StatusSent, got.Status)
	rows, err := db.ListMessages(ctx, "chat-1", 0, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSenderNeverResendsAcceptedMessage(t *testing.T) {
	s, tr, mock, _, db := newSenderWithDB(t, Config{})
	ctx := context.Background()
	m, err := s.Compose(ctx, "chat-1", "hello")
	require.NoError(t, err)

	serverID := "server-" + m.ClientMessageID
	_, err = db.InsertMessage(ctx, &store.Message{
		ClientMessageID: serverID, ServerMessageID: serverID, ChatID: "chat-1", SenderID: "ana", Status: store.StatusDelivered,
	})
	require.NoError(t, err)

	for range 3 {
		s.ProcessPending(ctx)
	}

	assert.Equal(t, 1, mock.count())
	got, err := tr.Message(ctx, m.ClientMessageID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "not linked")
	pending, err := tr.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSenderOfflineKeepsAttempts(t *testing.T) {
	s, tr, mock, _ := newSender(t, Config{MaxAttempts: 2})
	ctx := context.Background()
	mock.fail(remote.ErrOffline)
	for range 2 {
		_, err := s.Compose(ctx, "chat-1", "hello")
		require.NoError(t, err)
	}

	for range 3 {
		s.ProcessPending(ctx)
	}

	assert.Equal(t, 3, mock.count(), "one call per round; the rest wait for the connection")
	pending, err := tr.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, m := range pending {
		assert.Zero(t, m.SendAttempts)
	}
}

func TestSenderMarksFailedAfterMaxAttempts(t *testing.T) {
	s, tr, mock, _ := newSender(t, Config{MaxAttempts: 3})
	ctx := context.Background()
	mock.fail(errors.New("rejected"))
	m, err := s.Compose(ctx, "chat-1", "hello")
	require.NoError(t, err)

	s.ProcessPending(ctx)
	s.ProcessPending(ctx)
	got, err := tr.Message(ctx, m.ClientMessageID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.Equal(t, 2, got.SendAttempts)
	assert.Equal(t, "rejected", got.LastError)

	s.ProcessPending(ctx)
	got, err = tr.Message(ctx, m.ClientMessageID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "gave up after 3 attempts")

	s.ProcessPending(ctx)
	assert.Equal(t, 3, mock.count(), "failed messages are not retried")
}

func TestSenderLoopSendsOnCompose(t *testing.T) {
	s, tr, mock, clock := newSender(t, Config{PollInterval: time.Minute})
	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop()
	clock.BlockUntil(1)

	m, err := s.Compose(ctx, "chat-1", "hello")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := tr.Message(ctx, m.ClientMessageID)
		return err == nil && got.Linked()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, mock.count())
}

func TestSenderLoopRetriesOnTick(t *testing.T) {
	s, tr, mock, clock := newSender(t, Config{PollInterval: time.Minute})
	ctx := context.Background()
	mock.fail(remote.ErrOffline)
	m, err := s.Compose(ctx, "chat-1", "hello")
	require.NoError(t, err)

	s.Start(ctx)
	defer s.Stop()
	require.Eventually(t, func() bool { return mock.count() == 1 }, time.Second, 5*time.Millisecond)

	mock.fail(nil)
	clock.BlockUntil(1)
	clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		got, err := tr.Message(ctx, m.ClientMessageID)
		return err == nil && got.Linked()
	}, time.Second, 5*time.Millisecond)
}
