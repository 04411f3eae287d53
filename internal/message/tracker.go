// Package message links optimistically sent messages to their server
// identity and keeps their delivery status moving forward.
package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// DefaultFallbackWindow bounds how far apart a server timestamp and a local
// creation time may be for a fallback link.
const DefaultFallbackWindow = 2 * time.Second

// Store persists messages. *store.DB implements it.
type Store interface {
	InsertMessage(ctx context.Context, m *store.Message) (bool, error)
	UpdateMessage(ctx context.Context, m *store.Message) error
	DeleteMessage(ctx context.Context, clientID string) error
	MessageByClientID(ctx context.Context, clientID string) (*store.Message, error)
	MessageByServerID(ctx context.Context, serverID string) (*store.Message, error)
	UnlinkedMessages(ctx context.Context, chatID, senderID string) ([]store.Message, error)
	PendingMessages(ctx context.Context) ([]store.Message, error)
}

// Config tunes the tracker.
type Config struct {
	FallbackWindow time.Duration
	// OrphanCacheSize bounds both the server id index and the statuses parked
	// for server ids that are not linked yet.
	OrphanCacheSize int
}

// Opt configures a Tracker.
type Opt func(*Tracker)

// WithClock sets the clock used for local timestamps.
func WithClock(c clockwork.Clock) Opt {
	return func(t *Tracker) { t.clock = c }
}

// WithBus publishes message.* events.
func WithBus(b *bus.Bus) Opt {
	return func(t *Tracker) { t.bus = b }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Opt {
	return func(t *Tracker) { t.logger = l }
}

// Tracker assigns server ids to local messages and applies status updates.
// Work on one message is serialized by its client id; different messages
// proceed concurrently.
type Tracker struct {
	store  Store
	cfg    Config
	clock  clockwork.Clock
	bus    *bus.Bus
	logger *zap.Logger

	locks    keyedMutex
	byServer *lru.Cache[string, string]
	parked   *lru.Cache[string, store.MessageStatus]
}

// NewTracker creates a tracker over st.
func NewTracker(st Store, cfg Config, opts ...Opt) (*Tracker, error) {
	if cfg.FallbackWindow <= 0 {
		cfg.FallbackWindow = DefaultFallbackWindow
	}
	if cfg.OrphanCacheSize <= 0 {
		cfg.OrphanCacheSize = 1024
	}
	byServer, err := lru.New[string, string](cfg.OrphanCacheSize)
	if err != nil {
		return nil, fmt.Errorf("server id index: %w", err)
	}
	parked, err := lru.New[string, store.MessageStatus](cfg.OrphanCacheSize)
	if err != nil {
		return nil, fmt.Errorf("parked statuses: %w", err)
	}
	t := &Tracker{
		store:    st,
		cfg:      cfg,
		clock:    clockwork.NewRealClock(),
		logger:   zap.NewNop(),
		byServer: byServer,
		parked:   parked,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// RegisterPending records a locally composed message before it is sent.
// Registering an existing client id returns the stored message unchanged.
func (t *Tracker) RegisterPending(ctx context.Context, clientID, chatID, senderID, content string) (*store.Message, error) {
	switch {
	case clientID == "":
		return nil, required("client message id")
	case chatID == "":
		return nil, required("chat id")
	case senderID == "":
		return nil, required("sender id")
	}

	unlock := t.locks.Lock(clientID)
	defer unlock()

	if existing, err := t.store.MessageByClientID(ctx, clientID); err != nil || existing != nil {
		return existing, err
	}

	m := &store.Message{
		ClientMessageID: clientID,
		ChatID:          chatID,
		SenderID:        senderID,
		Content:         content,
		CreatedAtLocal:  t.clock.Now().UnixMilli(),
		Status:          store.StatusPending,
		FromMe:          true,
	}
	inserted, err := t.store.InsertMessage(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", clientID, err)
	}
	if !inserted {
		return t.store.MessageByClientID(ctx, clientID)
	}
	t.emit(bus.MessageRegistered, m)
	return m, nil
}

// Message returns the message with the given client id.
func (t *Tracker) Message(ctx context.Context, clientID string) (*store.Message, error) {
	m, err := t.store.MessageByClientID(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: client id %s", ErrNotFound, clientID)
	}
	return m, nil
}

// Pending returns outgoing messages still waiting for an acknowledgement.
func (t *Tracker) Pending(ctx context.Context) ([]store.Message, error) {
	return t.store.PendingMessages(ctx)
}

// LinkByClientID assigns serverID to the message composed as clientID and
// marks it sent. Repeating a link is a no-op; a different server id for an
// already linked message is a *ConflictError.
func (t *Tracker) LinkByClientID(ctx context.Context, clientID, serverID string, serverTs *int64) error {
	switch {
	case clientID == "":
		return required("client message id")
	case serverID == "":
		return required("server message id")
	}

	unlock := t.locks.Lock(clientID)
	defer unlock()

	m, err := t.store.MessageByClientID(ctx, clientID)
	if err != nil {
		return err
	}
	if m == nil {
		metrics.Links.WithLabelValues("client", "not_found").Inc()
		t.logger.Info("acknowledgement for unknown message",
			zap.String("client_message_id", clientID), zap.String("server_message_id", serverID))
		return fmt.Errorf("%w: client id %s", ErrNotFound, clientID)
	}
	return t.linkLocked(ctx, m, serverID, serverTs, "client")
}

// LinkByFallbackMatch links serverID to the closest unlinked message in the
// chat from the sender whose local creation time is strictly within window of
// tsMillis. Ties go to the message created first. A window of zero uses the
// configured default.
func (t *Tracker) LinkByFallbackMatch(ctx context.Context, chatID, senderID, serverID string, tsMillis int64, window time.Duration) error {
	switch {
	case chatID == "":
		return required("chat id")
	case senderID == "":
		return required("sender id")
	case serverID == "":
		return required("server message id")
	}
	if window <= 0 {
		window = t.cfg.FallbackWindow
	}

	if linked, err := t.store.MessageByServerID(ctx, serverID); err != nil {
		return err
	} else if linked != nil {
		return nil
	}

	candidates, err := t.store.UnlinkedMessages(ctx, chatID, senderID)
	if err != nil {
		return err
	}
	for {
		best := pickCandidate(candidates, tsMillis, window)
		if best == nil {
			metrics.Links.WithLabelValues("fallback", "not_found").Inc()
			t.logger.Info("no local message matches acknowledgement",
				zap.String("chat_id", chatID), zap.String("server_message_id", serverID), zap.Int64("timestamp", tsMillis))
			return fmt.Errorf("%w: no candidate for %s in chat %s", ErrNotFound, serverID, chatID)
		}

		done, err := t.tryFallback(ctx, best.ClientMessageID, serverID, tsMillis)
		if done || err != nil {
			return err
		}
		// Linked concurrently through the primary path; try the next one.
		candidates = removeCandidate(candidates, best.ClientMessageID)
	}
}

func (t *Tracker) tryFallback(ctx context.Context, clientID, serverID string, ts int64) (bool, error) {
	unlock := t.locks.Lock(clientID)
	defer unlock()

	m, err := t.store.MessageByClientID(ctx, clientID)
	if err != nil {
		return true, err
	}
	if m == nil || m.Linked() {
		if m != nil && m.ServerMessageID == serverID {
			return true, nil
		}
		return false, nil
	}
	return true, t.linkLocked(ctx, m, serverID, &ts, "fallback")
}

// pickCandidate returns the candidate whose creation time is closest to ts and
// strictly inside window, preferring the lowest Seq on equal distance.
func pickCandidate(candidates []store.Message, ts int64, window time.Duration) *store.Message {
	limit := window.Milliseconds()
	var best *store.Message
	var bestDelta int64
	for i := range candidates {
		c := &candidates[i]
		delta := c.CreatedAtLocal - ts
		if delta < 0 {
			delta = -delta
		}
		if delta >= limit {
			continue
		}
		if best == nil || delta < bestDelta || (delta == bestDelta && c.Seq < best.Seq) {
			best, bestDelta = c, delta
		}
	}
	return best
}

func removeCandidate(candidates []store.Message, clientID string) []store.Message {
	out := candidates[:0]
	for _, c := range candidates {
		if c.ClientMessageID != clientID {
			out = append(out, c)
		}
	}
	return out
}

// linkLocked must be called with the message's client id locked.
func (t *Tracker) linkLocked(ctx context.Context, m *store.Message, serverID string, serverTs *int64, path string) error {
	if m.Linked() && m.ServerMessageID != serverID {
		metrics.Links.WithLabelValues(path, "conflict").Inc()
		t.logger.Error("server id reassignment refused",
			zap.String("client_message_id", m.ClientMessageID),
			zap.String("existing", m.ServerMessageID), zap.String("incoming", serverID))
		return &ConflictError{ClientMessageID: m.ClientMessageID, Existing: m.ServerMessageID, Incoming: serverID}
	}

	var echo *store.Message
	if !m.Linked() {
		owner, err := t.store.MessageByServerID(ctx, serverID)
		if err != nil {
			return err
		}
		if owner != nil && owner.ClientMessageID != m.ClientMessageID {
			if !isEchoOf(owner, m) {
				metrics.Links.WithLabelValues(path, "conflict").Inc()
				return &ConflictError{ClientMessageID: m.ClientMessageID, Incoming: serverID}
			}
			echo = owner
		}
	}

	changed := false
	if !m.Linked() {
		m.ServerMessageID = serverID
		changed = true
	}
	if serverTs == nil && echo != nil && echo.ServerTimestamp != 0 {
		serverTs = &echo.ServerTimestamp
	}
	if serverTs != nil && *serverTs != m.CreatedAtLocal && *serverTs != m.ServerTimestamp {
		m.ServerTimestamp = *serverTs
		changed = true
	}

	// A failed message keeps its status even when the server later accepts it.
	var statusErr error
	if m.Status != store.StatusFailed {
		if moved, _ := advance(m, store.StatusSent, t.clock.Now().UnixMilli()); moved {
			changed = true
		}
	} else {
		statusErr = &TransitionError{ClientMessageID: m.ClientMessageID, From: m.Status, To: store.StatusSent}
	}
	if echo != nil && m.Status != store.StatusFailed && echo.Status != store.StatusFailed {
		_, _ = advance(m, echo.Status, t.clock.Now().UnixMilli())
	}

	if echo != nil {
		// The realtime copy arrived before the acknowledgement and was stored
		// on its own. Fold it into the local message.
		if err := t.store.DeleteMessage(ctx, echo.ClientMessageID); err != nil {
			metrics.Links.WithLabelValues(path, "error").Inc()
			return fmt.Errorf("merge echo %s into %s: %w", echo.ClientMessageID, m.ClientMessageID, err)
		}
		metrics.Links.WithLabelValues(path, "merged").Inc()
		t.logger.Info("merged realtime copy into local message",
			zap.String("client_message_id", m.ClientMessageID), zap.String("server_message_id", serverID))
	}

	if changed {
		if err := t.store.UpdateMessage(ctx, m); err != nil {
			if store.IsUniqueViolation(err) {
				metrics.Links.WithLabelValues(path, "conflict").Inc()
				return &ConflictError{ClientMessageID: m.ClientMessageID, Incoming: serverID}
			}
			metrics.Links.WithLabelValues(path, "error").Inc()
			return fmt.Errorf("link %s: %w", m.ClientMessageID, err)
		}
		metrics.Links.WithLabelValues(path, "linked").Inc()
		t.emit(bus.MessageLinked, m)
	}
	t.byServer.Add(serverID, m.ClientMessageID)

	// Drained only after the link is committed: UpdateStatus parks before it
	// looks the server id up again, so one of the two sees the other.
	if parked, ok := t.parked.Peek(serverID); ok {
		t.parked.Remove(serverID)
		if moved, err := advance(m, parked, t.clock.Now().UnixMilli()); err == nil && moved {
			if err := t.store.UpdateMessage(ctx, m); err != nil {
				return fmt.Errorf("apply parked status to %s: %w", m.ClientMessageID, err)
			}
			metrics.StatusUpdates.WithLabelValues("applied").Inc()
			t.emit(bus.MessageStatusChanged, m)
		}
	}

	if statusErr != nil {
		t.logger.Warn("late acknowledgement for failed message",
			zap.String("client_message_id", m.ClientMessageID), zap.String("server_message_id", serverID))
	}
	return statusErr
}

// isEchoOf reports whether owner is the row stored for m's own realtime echo:
// an outgoing message keyed by its server id in the same chat.
func isEchoOf(owner, m *store.Message) bool {
	return owner.FromMe && owner.ClientMessageID == owner.ServerMessageID &&
		owner.ChatID == m.ChatID && owner.SenderID == m.SenderID
}

// UpdateStatus applies a delivery status reported for serverID. Statuses that
// are not ahead of the current one are ignored. When no message carries the
// server id yet, the status is parked and applied once the link arrives, and
// ErrNotFound is returned.
func (t *Tracker) UpdateStatus(ctx context.Context, serverID string, status store.MessageStatus) error {
	if serverID == "" {
		return required("server message id")
	}
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, status)
	}

	clientID, err := t.resolve(ctx, serverID)
	if err != nil {
		return err
	}
	if clientID == "" {
		t.park(serverID, status)
		// A link that committed while parking has already consumed or missed
		// the parked value; look again so the status is not lost.
		if clientID, err = t.resolve(ctx, serverID); err != nil || clientID == "" {
			if err == nil {
				metrics.StatusUpdates.WithLabelValues("not_found").Inc()
				t.logger.Info("status for unknown message",
					zap.String("server_message_id", serverID), zap.String("status", string(status)))
				err = fmt.Errorf("%w: server id %s", ErrNotFound, serverID)
			}
			return err
		}
		t.parked.Remove(serverID)
	}

	unlock := t.locks.Lock(clientID)
	defer unlock()

	m, err := t.store.MessageByClientID(ctx, clientID)
	if err != nil {
		return err
	}
	if m == nil || m.ServerMessageID != serverID {
		t.byServer.Remove(serverID)
		return fmt.Errorf("%w: server id %s", ErrNotFound, serverID)
	}

	moved, err := advance(m, status, t.clock.Now().UnixMilli())
	if err != nil {
		metrics.StatusUpdates.WithLabelValues("integrity").Inc()
		t.logger.Warn("status update rejected", zap.Error(err))
		return err
	}
	if !moved {
		metrics.StatusUpdates.WithLabelValues("noop").Inc()
		return nil
	}
	if err := t.store.UpdateMessage(ctx, m); err != nil {
		return fmt.Errorf("update status of %s: %w", clientID, err)
	}
	metrics.StatusUpdates.WithLabelValues("applied").Inc()
	t.emit(bus.MessageStatusChanged, m)
	return nil
}

// BulkResult reports per-id outcomes of MarkManyRead.
type BulkResult struct {
	Updated []string
	Failed  map[string]error
}

// Err joins the per-id failures, or returns nil when every id succeeded.
func (r BulkResult) Err() error {
	errs := make([]error, 0, len(r.Failed))
	for id, err := range r.Failed {
		errs = append(errs, fmt.Errorf("%s: %w", id, err))
	}
	return errors.Join(errs...)
}

// MarkManyRead marks each server id read. Ids are processed independently so
// one failure does not stop the rest.
func (t *Tracker) MarkManyRead(ctx context.Context, serverIDs []string) BulkResult {
	res := BulkResult{Failed: make(map[string]error)}
	for _, id := range serverIDs {
		if err := t.UpdateStatus(ctx, id, store.StatusRead); err != nil {
			res.Failed[id] = err
			continue
		}
		res.Updated = append(res.Updated, id)
	}
	return res
}

// MarkFailed gives up on a pending or sent message.
func (t *Tracker) MarkFailed(ctx context.Context, clientID, reason string) error {
	if clientID == "" {
		return required("client message id")
	}
	unlock := t.locks.Lock(clientID)
	defer unlock()

	m, err := t.store.MessageByClientID(ctx, clientID)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("%w: client id %s", ErrNotFound, clientID)
	}
	moved, err := advance(m, store.StatusFailed, t.clock.Now().UnixMilli())
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}
	m.LastError = reason
	if err := t.store.UpdateMessage(ctx, m); err != nil {
		return fmt.Errorf("mark %s failed: %w", clientID, err)
	}
	t.emit(bus.MessageStatusChanged, m)
	return nil
}

// RecordAttempt counts a send attempt and remembers its error, if any.
func (t *Tracker) RecordAttempt(ctx context.Context, clientID string, sendErr error) (int, error) {
	unlock := t.locks.Lock(clientID)
	defer unlock()

	m, err := t.store.MessageByClientID(ctx, clientID)
	if err != nil {
		return 0, err
	}
	if m == nil {
		return 0, fmt.Errorf("%w: client id %s", ErrNotFound, clientID)
	}
	m.SendAttempts++
	m.LastError = ""
	if sendErr != nil {
		m.LastError = sendErr.Error()
	}
	if err := t.store.UpdateMessage(ctx, m); err != nil {
		return 0, err
	}
	return m.SendAttempts, nil
}

func (t *Tracker) resolve(ctx context.Context, serverID string) (string, error) {
	if clientID, ok := t.byServer.Get(serverID); ok {
		return clientID, nil
	}
	m, err := t.store.MessageByServerID(ctx, serverID)
	if err != nil || m == nil {
		return "", err
	}
	t.byServer.Add(serverID, m.ClientMessageID)
	return m.ClientMessageID, nil
}

// park keeps the furthest status seen for an unlinked server id.
func (t *Tracker) park(serverID string, status store.MessageStatus) {
	if prev, ok := t.parked.Peek(serverID); ok && status != store.StatusFailed && status.Rank() <= prev.Rank() {
		return
	}
	t.parked.Add(serverID, status)
}

// advance moves m to status when that is forward. It reports whether m
// changed. Statuses at or behind the current one are ignored. Leaving Failed,
// or failing a delivered message, is a *TransitionError.
func advance(m *store.Message, to store.MessageStatus, now int64) (bool, error) {
	from := m.Status
	switch {
	case to == from:
		return false, nil
	case from == store.StatusFailed:
		return false, &TransitionError{ClientMessageID: m.ClientMessageID, From: from, To: to}
	case to == store.StatusFailed:
		if from.Rank() > store.StatusSent.Rank() {
			return false, &TransitionError{ClientMessageID: m.ClientMessageID, From: from, To: to}
		}
		m.Status = to
		return true, nil
	case to.Rank() <= from.Rank():
		return false, nil
	}

	m.Status = to
	if to.Rank() >= store.StatusDelivered.Rank() && m.DeliveredAt == 0 {
		m.DeliveredAt = now
	}
	if to == store.StatusRead && m.ReadAt == 0 {
		m.ReadAt = now
	}
	return true, nil
}

func (t *Tracker) emit(kind string, m *store.Message) {
	t.bus.Emit(kind, bus.MessageChange{
		ChatID:          m.ChatID,
		ClientMessageID: m.ClientMessageID,
		ServerMessageID: m.ServerMessageID,
		Status:          string(m.Status),
	})
}
