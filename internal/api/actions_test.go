package api

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/chatsync/internal/connstate"
	"github.com/matheus3301/chatsync/internal/delta"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeComposer struct {
	chatID, content string
}

func (f *fakeComposer) Compose(_ context.Context, chatID, content string) (*store.Message, error) {
	if chatID == "" {
		return nil, errors.New("chat id is required")
	}
	f.chatID, f.content = chatID, content
	return &store.Message{ClientMessageID: "local-1", ChatID: chatID, Status: store.StatusPending}, nil
}

type fakeDeleter struct {
	deleted []string
	outcome delta.DeleteOutcome
	stuck   []string
}

func (f *fakeDeleter) DeleteEntity(_ context.Context, id string) (delta.DeleteOutcome, error) {
	if id == "" {
		return delta.Deferred, delta.ErrInvalidArgument
	}
	f.deleted = append(f.deleted, id)
	return f.outcome, nil
}

func (f *fakeDeleter) RetryStuck(context.Context) ([]string, error) {
	return f.stuck, nil
}

type fakeSyncer struct {
	kinds []store.Kind
	err   error
}

func (f *fakeSyncer) SyncNow(_ context.Context, kind store.Kind) (intsync.Outcome, error) {
	f.kinds = append(f.kinds, kind)
	return intsync.Outcome{Kind: kind, Mode: "delta", Upserted: []string{"a"}}, f.err
}

type fixture struct {
	client *ActionClient
	outbox *fakeComposer
	chats  *fakeDeleter
	syncer *fakeSyncer
	conn   *connstate.Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		outbox: &fakeComposer{},
		chats:  &fakeDeleter{outcome: delta.Left, stuck: []string{"c9"}},
		syncer: &fakeSyncer{},
		conn:   connstate.New(connstate.DefaultConfig(), connstate.WithClock(clockwork.NewFakeClock())),
	}
	svc := NewActionService(f.outbox, map[store.Kind]Deleter{store.KindChat: f.chats}, f.syncer, f.conn, zap.NewNop())

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterActionServer(srv, svc)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cc, err := grpc.NewClient("passthrough:///actions",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	f.client = NewActionClient(cc)
	return f
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSendQueuesMessage(t *testing.T) {
	f := newFixture(t)

	out, err := f.client.Send(testCtx(t), "chat-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "local-1", out.GetFields()["client_message_id"].GetStringValue())
	assert.Equal(t, "pending", out.GetFields()["status"].GetStringValue())
	assert.Equal(t, "chat-1", f.outbox.chatID)
	assert.Equal(t, "hello", f.outbox.content)
}

func TestSendRequiresContent(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.Send(testCtx(t), "chat-1", "  ")
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err))
}

func TestDeleteReportsOutcome(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.client.Delete(testCtx(t), "chat", "c1")
	require.NoError(t, err)
	assert.Equal(t, "left", outcome)
	assert.Equal(t, []string{"c1"}, f.chats.deleted)
}

func TestDeleteErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.Delete(testCtx(t), "friend", "f1")
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err), "kind without a deleter")

	_, err = f.client.Delete(testCtx(t), "chat", "")
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err))
}

func TestRetryStuckListsRetried(t *testing.T) {
	f := newFixture(t)

	out, err := f.client.RetryStuck(testCtx(t), "chat")
	require.NoError(t, err)
	ids := out.GetFields()["retried"].GetListValue().AsSlice()
	assert.Equal(t, []any{"c9"}, ids)
}

func TestSyncOneOrAllKinds(t *testing.T) {
	f := newFixture(t)

	out, err := f.client.Sync(testCtx(t), "friend")
	require.NoError(t, err)
	passes := out.GetFields()["passes"].GetListValue().GetValues()
	require.Len(t, passes, 1)
	assert.Equal(t, "friend", passes[0].GetStructValue().GetFields()["kind"].GetStringValue())

	_, err = f.client.Sync(testCtx(t), "")
	require.NoError(t, err)
	assert.Equal(t, []store.Kind{store.KindFriend, store.KindChat, store.KindFriend}, f.syncer.kinds)

	_, err = f.client.Sync(testCtx(t), "group")
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err))
}

func TestSyncKeepsStuckOutcome(t *testing.T) {
	f := newFixture(t)
	f.syncer.err = &delta.StuckTombstonesError{Kind: store.KindChat, IDs: []string{"c1"}}

	_, err := f.client.Sync(testCtx(t), "chat")
	assert.NoError(t, err)

	f.syncer.err = intsync.ErrStopped
	_, err = f.client.Sync(testCtx(t), "chat")
	assert.Equal(t, codes.Unavailable, grpcstatus.Code(err))
}

func TestReconnect(t *testing.T) {
	f := newFixture(t)

	state, err := f.client.Reconnect(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, string(connstate.Connecting), state)

	require.NoError(t, f.conn.OnOpen())
	_, err = f.client.Reconnect(testCtx(t))
	assert.Equal(t, codes.FailedPrecondition, grpcstatus.Code(err), "already connected")

	require.NoError(t, f.conn.OnError(errors.New("refused")))
	state, err = f.client.Reconnect(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, string(connstate.Connecting), state)
}
