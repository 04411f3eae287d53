// Package api exposes the user actions of a running daemon over its gRPC
// socket: composing messages, deleting entities, forcing syncs and
// reconnecting.
package api

import (
	"context"
	"errors"
	"strings"

	"github.com/matheus3301/chatsync/internal/connstate"
	"github.com/matheus3301/chatsync/internal/delta"
	"github.com/matheus3301/chatsync/internal/message"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Composer queues outgoing messages. *outbox.Sender implements it.
type Composer interface {
	Compose(ctx context.Context, chatID, content string) (*store.Message, error)
}

// Deleter holds the delete operations of one entity kind.
// *delta.Coordinator implements it.
type Deleter interface {
	DeleteEntity(ctx context.Context, id string) (delta.DeleteOutcome, error)
	RetryStuck(ctx context.Context) ([]string, error)
}

// Syncer runs sync passes on demand. *sync.Orchestrator implements it.
type Syncer interface {
	SyncNow(ctx context.Context, kind store.Kind) (intsync.Outcome, error)
}

// ActionService implements ActionServer on top of the engine components.
type ActionService struct {
	outbox   Composer
	deleters map[store.Kind]Deleter
	syncer   Syncer
	conn     *connstate.Tracker
	logger   *zap.Logger
}

var _ ActionServer = (*ActionService)(nil)

// NewActionService creates the service.
func NewActionService(outbox Composer, deleters map[store.Kind]Deleter, syncer Syncer, conn *connstate.Tracker, logger *zap.Logger) *ActionService {
	return &ActionService{outbox: outbox, deleters: deleters, syncer: syncer, conn: conn, logger: logger}
}

// Send queues a message. Request fields: chat_id, content.
func (s *ActionService) Send(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	chatID := stringField(req, "chat_id")
	content := stringField(req, "content")
	if strings.TrimSpace(content) == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "content is required")
	}
	m, err := s.outbox.Compose(ctx, chatID, content)
	if err != nil {
		return nil, toStatus("compose", err)
	}
	return structpb.NewStruct(map[string]any{
		"client_message_id": m.ClientMessageID,
		"chat_id":           m.ChatID,
		"status":            string(m.Status),
	})
}

// Delete removes an entity locally and on the server. Request fields: kind,
// id. The response holds the delete outcome.
func (s *ActionService) Delete(ctx context.Context, req *structpb.Struct) (*wrapperspb.StringValue, error) {
	d, err := s.deleter(stringField(req, "kind"))
	if err != nil {
		return nil, err
	}
	id := stringField(req, "id")
	outcome, err := d.DeleteEntity(ctx, id)
	if err != nil {
		return nil, toStatus("delete", err)
	}
	s.logger.Info("entity deleted", zap.String("kind", stringField(req, "kind")), zap.String("id", id), zap.String("outcome", outcome.String()))
	return wrapperspb.String(outcome.String()), nil
}

// RetryStuck re-issues the deletes the server kept ignoring for one kind.
func (s *ActionService) RetryStuck(ctx context.Context, kind *wrapperspb.StringValue) (*structpb.Struct, error) {
	d, err := s.deleter(kind.GetValue())
	if err != nil {
		return nil, err
	}
	retried, err := d.RetryStuck(ctx)
	if err != nil && len(retried) == 0 {
		return nil, toStatus("retry stuck deletes", err)
	}
	out := map[string]any{"retried": anySlice(retried)}
	if err != nil {
		out["error"] = err.Error()
	}
	return structpb.NewStruct(out)
}

// Sync runs a pass for one kind, or for every kind when the value is empty.
func (s *ActionService) Sync(ctx context.Context, kind *wrapperspb.StringValue) (*structpb.Struct, error) {
	kinds := store.Kinds
	if k := kind.GetValue(); k != "" {
		if !store.Kind(k).Valid() {
			return nil, grpcstatus.Errorf(codes.InvalidArgument, "unknown kind %q", k)
		}
		kinds = []store.Kind{store.Kind(k)}
	}

	passes := make([]any, 0, len(kinds))
	for _, k := range kinds {
		out, err := s.syncer.SyncNow(ctx, k)
		var stuck *delta.StuckTombstonesError
		if err != nil && !errors.As(err, &stuck) {
			return nil, toStatus("sync "+string(k), err)
		}
		passes = append(passes, outcomeMap(out))
	}
	return structpb.NewStruct(map[string]any{"passes": passes})
}

// Reconnect starts connecting when disconnected and otherwise skips the
// remaining backoff, including after reconnect attempts are exhausted. The
// response holds the resulting state.
func (s *ActionService) Reconnect(_ context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	var err error
	if s.conn.Current() == connstate.Disconnected {
		err = s.conn.Connect()
	} else {
		err = s.conn.Retry()
	}
	if err != nil {
		return nil, toStatus("reconnect", err)
	}
	return wrapperspb.String(string(s.conn.Current())), nil
}

func (s *ActionService) deleter(kind string) (Deleter, error) {
	d, ok := s.deleters[store.Kind(kind)]
	if !ok {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "unknown kind %q", kind)
	}
	return d, nil
}

func outcomeMap(o intsync.Outcome) map[string]any {
	return map[string]any{
		"kind":        string(o.Kind),
		"mode":        o.Mode,
		"offline":     o.Offline,
		"upserted":    anySlice(o.Upserted),
		"removed":     anySlice(o.Removed),
		"stuck":       anySlice(o.Stuck),
		"duration_ms": float64(o.Duration.Milliseconds()),
	}
}

// toStatus maps engine errors onto gRPC codes.
func toStatus(op string, err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, message.ErrInvalidArgument), errors.Is(err, delta.ErrInvalidArgument):
		code = codes.InvalidArgument
	case errors.Is(err, connstate.ErrInvalidTransition):
		code = codes.FailedPrecondition
	case errors.Is(err, intsync.ErrStopped), errors.Is(err, delta.ErrOffline):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}

func stringField(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}

func anySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
