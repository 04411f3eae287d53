package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/message"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport"
	"go.uber.org/zap"
)

// MessageStore persists inbound messages. *store.DB implements it.
type MessageStore interface {
	InsertMessage(ctx context.Context, m *store.Message) (bool, error)
	UpdateChatPreview(ctx context.Context, chatID string, at int64, preview string) error
}

// Notifier is told when the server says an entity changed.
type Notifier interface {
	HandleNotification(kind store.Kind, id string)
}

// Engine applies realtime frames to the local store. It is the
// transport.Handler of the realtime channel.
type Engine struct {
	db       MessageStore
	tracker  *message.Tracker
	notifier Notifier
	selfID   string
	clock    clockwork.Clock
	bus      *bus.Bus
	logger   *zap.Logger
}

var _ transport.Handler = (*Engine)(nil)

// NewEngine creates a new sync engine. selfID is the signed-in user; chat
// frames sent by it are echoes of local messages and are linked rather than
// duplicated.
func NewEngine(db MessageStore, tracker *message.Tracker, notifier Notifier, selfID string, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:       db,
		tracker:  tracker,
		notifier: notifier,
		selfID:   selfID,
		clock:    clockwork.NewRealClock(),
		bus:      b,
		logger:   logger,
	}
}

// HandleFrame dispatches one frame. Failures are logged; the read loop never
// stops because of a frame.
func (e *Engine) HandleFrame(ctx context.Context, f transport.Frame) {
	var err error
	switch f := f.(type) {
	case transport.ChatMessage:
		err = e.IngestMessage(ctx, f)
	case transport.StatusUpdate:
		err = e.ApplyStatus(ctx, f)
	case transport.BulkStatus:
		err = e.ApplyBulkStatus(ctx, f)
	case transport.Notification:
		if e.notifier != nil {
			e.notifier.HandleNotification(f.Kind, f.ID)
		}
	}
	e.logFrameError(f, err)
}

func (e *Engine) logFrameError(f transport.Frame, err error) {
	switch {
	case err == nil:
	case errors.Is(err, message.ErrNotFound):
		e.logger.Debug("frame refers to an unknown message", zap.String("frame", fmt.Sprintf("%T", f)), zap.Error(err))
	case errors.Is(err, message.ErrIntegrity):
		e.logger.Warn("frame rejected", zap.String("frame", fmt.Sprintf("%T", f)), zap.Error(err))
	case errors.Is(err, context.Canceled):
	default:
		e.logger.Error("failed to apply frame", zap.String("frame", fmt.Sprintf("%T", f)), zap.Error(err))
	}
}

// IngestMessage stores a chat message (idempotent). A message sent by the
// signed-in user first tries to link to the local copy awaiting its ack.
func (e *Engine) IngestMessage(ctx context.Context, msg transport.ChatMessage) error {
	fromMe := e.selfID != "" && msg.SenderID == e.selfID
	at := msg.SentAt
	if at == 0 {
		at = e.clock.Now().UnixMilli()
	}

	if fromMe && msg.ClientMessageID != "" {
		err := e.tracker.LinkByClientID(ctx, msg.ClientMessageID, msg.MessageID, &at)
		switch {
		case err == nil:
			return e.db.UpdateChatPreview(ctx, msg.ChatID, at, truncate(msg.Content, 100))
		case !errors.Is(err, message.ErrNotFound):
			return fmt.Errorf("link echo %s: %w", msg.MessageID, err)
		}
	}
	if fromMe {
		err := e.tracker.LinkByFallbackMatch(ctx, msg.ChatID, msg.SenderID, msg.MessageID, at, 0)
		switch {
		case err == nil:
			return e.db.UpdateChatPreview(ctx, msg.ChatID, at, truncate(msg.Content, 100))
		case !errors.Is(err, message.ErrNotFound):
			return fmt.Errorf("link echo %s: %w", msg.MessageID, err)
		}
		// Sent from another device: store it like any other message.
	}

	m := &store.Message{
		ClientMessageID: msg.MessageID,
		ServerMessageID: msg.MessageID,
		ChatID:          msg.ChatID,
		SenderID:        msg.SenderID,
		Content:         msg.Content,
		CreatedAtLocal:  e.clock.Now().UnixMilli(),
		ServerTimestamp: at,
		Status:          store.StatusDelivered,
		DeliveredAt:     at,
		FromMe:          fromMe,
	}
	if fromMe {
		m.Status, m.DeliveredAt = store.StatusSent, 0
	}

	inserted, err := e.db.InsertMessage(ctx, m)
	if err != nil {
		return fmt.Errorf("insert message %s: %w", msg.MessageID, err)
	}
	if err := e.db.UpdateChatPreview(ctx, msg.ChatID, at, truncate(msg.Content, 100)); err != nil {
		return fmt.Errorf("update chat preview: %w", err)
	}
	if inserted {
		e.bus.Emit(bus.MessageUpserted, bus.MessageChange{
			ChatID:          m.ChatID,
			ClientMessageID: m.ClientMessageID,
			ServerMessageID: m.ServerMessageID,
			Status:          string(m.Status),
		})
	}
	return nil
}

// ApplyStatus links the acknowledged message when the frame identifies it and
// then applies the status.
func (e *Engine) ApplyStatus(ctx context.Context, s transport.StatusUpdate) error {
	var ts *int64
	if s.Timestamp != 0 {
		ts = &s.Timestamp
	}

	var linkErr error
	switch {
	case s.ClientMessageID != "":
		linkErr = e.tracker.LinkByClientID(ctx, s.ClientMessageID, s.MessageID, ts)
	case s.ChatID != "" && s.SenderID != "" && s.Timestamp != 0:
		linkErr = e.tracker.LinkByFallbackMatch(ctx, s.ChatID, s.SenderID, s.MessageID, s.Timestamp, 0)
	}
	if linkErr != nil && !errors.Is(linkErr, message.ErrNotFound) {
		return linkErr
	}

	if s.Status == store.StatusSent {
		return linkErr
	}
	return e.tracker.UpdateStatus(ctx, s.MessageID, s.Status)
}

// ApplyBulkStatus applies one status to many messages; each id is handled on
// its own.
func (e *Engine) ApplyBulkStatus(ctx context.Context, b transport.BulkStatus) error {
	if b.Status == store.StatusRead {
		res := e.tracker.MarkManyRead(ctx, b.MessageIDs)
		if len(res.Failed) > 0 {
			e.logger.Debug("bulk read partially applied",
				zap.Int("updated", len(res.Updated)), zap.Int("failed", len(res.Failed)))
		}
		return notFoundOnly(res.Err())
	}

	var errs []error
	for _, id := range b.MessageIDs {
		if err := e.tracker.UpdateStatus(ctx, id, b.Status); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return notFoundOnly(errors.Join(errs...))
}

// notFoundOnly drops a joined error made only of unknown-message failures,
// which are routine for bulk frames covering other devices' messages.
func notFoundOnly(err error) error {
	if err == nil {
		return nil
	}
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return err
	}
	for _, e := range joined.Unwrap() {
		if !errors.Is(e, message.ErrNotFound) {
			return err
		}
	}
	return nil
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen])
}
