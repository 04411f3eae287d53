// Package outbox composes outgoing messages and pushes them to the server.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/chatsync/internal/message"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// MessageSender posts a message to the server. *remote.Client implements it.
type MessageSender interface {
	SendMessage(ctx context.Context, req remote.SendRequest) (*remote.SendAck, error)
}

// Config tunes the sender.
type Config struct {
	PollInterval time.Duration
	MaxAttempts  int
}

// Opt configures a Sender.
type Opt func(*Sender)

// WithClock sets the clock driving the poll loop.
func WithClock(c clockwork.Clock) Opt {
	return func(s *Sender) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Opt {
	return func(s *Sender) { s.logger = l }
}

// Sender registers composed messages as pending and sends them in the
// background. Acks link the local copy; offline errors leave the message
// pending for the next round.
type Sender struct {
	cfg     Config
	tracker *message.Tracker
	sender  MessageSender
	selfID  string
	clock   clockwork.Clock
	logger  *zap.Logger

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSender creates a new outbox sender for messages authored by selfID.
func NewSender(cfg Config, tracker *message.Tracker, sender MessageSender, selfID string, opts ...Opt) *Sender {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	s := &Sender{
		cfg:     cfg,
		tracker: tracker,
		sender:  sender,
		selfID:  selfID,
		clock:   clockwork.NewRealClock(),
		logger:  zap.NewNop(),
		kick:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Compose records a new outgoing message and wakes the send loop. The
// returned message carries the generated client id.
func (s *Sender) Compose(ctx context.Context, chatID, content string) (*store.Message, error) {
	m, err := s.tracker.RegisterPending(ctx, uuid.NewString(), chatID, s.selfID, content)
	if err != nil {
		return nil, err
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
	return m, nil
}

// Start begins polling for pending messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sender loop and waits for the current round to finish.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := s.clock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			s.ProcessPending(ctx)
		case <-s.kick:
			s.ProcessPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ProcessPending makes one send attempt for every pending message, oldest
// first. It stops at the first offline error since the rest would fail too.
func (s *Sender) ProcessPending(ctx context.Context) {
	pending, err := s.tracker.Pending(ctx)
	if err != nil {
		s.logger.Error("failed to read pending messages", zap.Error(err))
		return
	}

	for _, m := range pending {
		if ctx.Err() != nil {
			return
		}
		if offline := s.send(ctx, m); offline {
			s.logger.Debug("server unreachable, keeping messages pending", zap.Int("pending", len(pending)))
			return
		}
	}
}

func (s *Sender) send(ctx context.Context, m store.Message) (offline bool) {
	ack, err := s.sender.SendMessage(ctx, remote.SendRequest{
		ChatID:          m.ChatID,
		Content:         m.Content,
		ClientMessageID: m.ClientMessageID,
	})
	switch {
	case err == nil:
	case errors.Is(err, remote.ErrOffline), errors.Is(err, context.Canceled):
		metrics.OutboxSends.WithLabelValues("offline").Inc()
		return true
	default:
		s.failed(ctx, m, err)
		return false
	}

	if _, err := s.tracker.RecordAttempt(ctx, m.ClientMessageID, nil); err != nil {
		s.logger.Warn("failed to record send attempt", zap.String("client_message_id", m.ClientMessageID), zap.Error(err))
	}
	var ts *int64
	if ack.Timestamp != 0 {
		ts = &ack.Timestamp
	}
	if err := s.tracker.LinkByClientID(ctx, m.ClientMessageID, ack.MessageID, ts); err != nil {
		// The server accepted the message, so it must leave the outbox either
		// way. Sending it again would post a duplicate.
		metrics.OutboxSends.WithLabelValues("link_failed").Inc()
		s.logger.Error("sent message could not be linked",
			zap.String("client_message_id", m.ClientMessageID),
			zap.String("server_message_id", ack.MessageID), zap.Error(err))
		reason := fmt.Sprintf("accepted as %s but not linked: %v", ack.MessageID, err)
		if err := s.tracker.MarkFailed(ctx, m.ClientMessageID, reason); err != nil {
			s.logger.Error("failed to mark message failed", zap.String("client_message_id", m.ClientMessageID), zap.Error(err))
		}
		return false
	}
	metrics.OutboxSends.WithLabelValues("sent").Inc()
	s.logger.Info("message sent",
		zap.String("client_message_id", m.ClientMessageID), zap.String("server_message_id", ack.MessageID))
	return false
}

func (s *Sender) failed(ctx context.Context, m store.Message, sendErr error) {
	attempts, err := s.tracker.RecordAttempt(ctx, m.ClientMessageID, sendErr)
	if err != nil {
		s.logger.Error("failed to record send attempt", zap.String("client_message_id", m.ClientMessageID), zap.Error(err))
		return
	}
	s.logger.Warn("failed to send message",
		zap.String("client_message_id", m.ClientMessageID), zap.Int("attempts", attempts), zap.Error(sendErr))
	if attempts < s.cfg.MaxAttempts {
		metrics.OutboxSends.WithLabelValues("retry").Inc()
		return
	}

	metrics.OutboxSends.WithLabelValues("failed").Inc()
	reason := fmt.Sprintf("gave up after %d attempts: %v", attempts, sendErr)
	if err := s.tracker.MarkFailed(ctx, m.ClientMessageID, reason); err != nil {
		s.logger.Error("failed to mark message failed", zap.String("client_message_id", m.ClientMessageID), zap.Error(err))
	}
}
