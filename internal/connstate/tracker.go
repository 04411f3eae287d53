// Package connstate tracks the lifecycle of the realtime channel and drives
// reconnects with capped exponential backoff.
package connstate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"go.uber.org/zap"
)

// State is a realtime channel state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
)

// ErrInvalidTransition is returned when a change is not allowed from the
// current state.
var ErrInvalidTransition = errors.New("invalid transition")

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connecting, Disconnected},
}

// Transition reasons reported in Change.Reason.
const (
	ReasonConnect          = "connect"
	ReasonOpen             = "open"
	ReasonClose            = "close"
	ReasonError            = "error"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonRetry            = "retry"
	ReasonDisconnect       = "disconnect"
)

// Change describes one state transition.
type Change struct {
	From     State
	To       State
	Reason   string
	Err      error
	Attempts int
	// Delay is the wait before the next automatic retry when To is Reconnecting.
	Delay time.Duration
	// Exhausted is set when the attempt count passed MaxAttempts; no automatic
	// retry is scheduled and the subscriber decides whether to call Retry.
	Exhausted bool
}

// Dialer opens the realtime channel. Dial blocks until the channel is open or
// failed; when an opened channel later ends, the dialer calls closed exactly once.
type Dialer interface {
	Dial(ctx context.Context, closed func(error)) error
	Close() error
}

// Config holds the retry and heartbeat policy.
type Config struct {
	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	MaxAttempts       int
	JitterPercent     int
}

// DefaultConfig returns 30s heartbeats and five attempts starting at two
// seconds.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		BackoffBase:       2 * time.Second,
		BackoffMax:        time.Minute,
		MaxAttempts:       5,
	}
}

// Opt configures a Tracker.
type Opt func(*Tracker)

// WithClock sets the clock used for backoff and heartbeat timers.
func WithClock(c clockwork.Clock) Opt {
	return func(t *Tracker) { t.clock = c }
}

// WithBus publishes every change as a connection.state_changed event.
func WithBus(b *bus.Bus) Opt {
	return func(t *Tracker) { t.bus = b }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Opt {
	return func(t *Tracker) { t.logger = l }
}

// WithDialer sets the dialer invoked on every entry into Connecting.
func WithDialer(d Dialer) Opt {
	return func(t *Tracker) { t.dialer = d }
}

// Subscription identifies a registered status callback.
type Subscription int

// Tracker owns the channel state machine.
//
// Transitions are serialized by transMu. Subscribers run after it is released,
// in transition order, so a callback may itself call Retry or Disconnect; the
// change it causes is delivered once the current callbacks return.
type Tracker struct {
	cfg    Config
	clock  clockwork.Clock
	bus    *bus.Bus
	logger *zap.Logger
	dialer Dialer

	transMu sync.Mutex

	mu            sync.RWMutex
	state         State
	attempts      int
	lastHeartbeat time.Time
	exhausted     bool

	// Fields below are guarded by transMu.
	gen        uint64
	retry      clockwork.Timer
	watchdog   clockwork.Timer
	dialCtx    context.Context
	dialCancel context.CancelFunc

	subMu   sync.Mutex
	subs    []subscriber
	nextSub Subscription

	queueMu  sync.Mutex
	queue    []Change
	draining bool
}

type subscriber struct {
	id Subscription
	fn func(Change)
}

// New creates a tracker in the Disconnected state.
func New(cfg Config, opts ...Opt) *Tracker {
	t := &Tracker{
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop(),
		state:  Disconnected,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetDialer replaces the dialer. It takes effect on the next dial.
func (t *Tracker) SetDialer(d Dialer) {
	t.transMu.Lock()
	t.dialer = d
	t.transMu.Unlock()
}

// Current returns the current state.
func (t *Tracker) Current() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Usable reports whether the channel is connected.
func (t *Tracker) Usable() bool {
	return t.Current() == Connected
}

// Snapshot is a consistent view of the tracker.
type Snapshot struct {
	State             State
	ReconnectAttempts int
	LastHeartbeatAt   time.Time
	Exhausted         bool
}

// Snapshot returns the state, attempt count and last heartbeat together.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		State:             t.state,
		ReconnectAttempts: t.attempts,
		LastHeartbeatAt:   t.lastHeartbeat,
		Exhausted:         t.exhausted,
	}
}

// OnStatusChange registers fn to be called on every transition, before the
// call that caused it returns unless another goroutine is already delivering.
func (t *Tracker) OnStatusChange(fn func(Change)) Subscription {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	t.nextSub++
	t.subs = append(t.subs, subscriber{id: t.nextSub, fn: fn})
	return t.nextSub
}

// OffStatusChange removes a callback registered with OnStatusChange.
func (t *Tracker) OffStatusChange(sub Subscription) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	t.subs = slices.DeleteFunc(t.subs, func(s subscriber) bool { return s.id == sub })
}

// Connect starts connecting from Disconnected.
func (t *Tracker) Connect() error {
	t.transMu.Lock()
	defer t.unlock()

	if cur := t.Current(); cur != Disconnected {
		return fmt.Errorf("%w from %s to %s", ErrInvalidTransition, cur, Connecting)
	}
	t.dialCtx, t.dialCancel = context.WithCancel(context.Background())
	return t.transitionLocked(Connecting, ReasonConnect, nil)
}

// Disconnect forces Disconnected from any state and cancels pending retries.
// It is a no-op when already disconnected.
func (t *Tracker) Disconnect() {
	t.transMu.Lock()
	defer t.unlock()
	if t.Current() == Disconnected {
		return
	}
	_ = t.transitionLocked(Disconnected, ReasonDisconnect, nil)
}

// Retry skips the remaining backoff (or resumes after exhaustion) and moves
// Reconnecting to Connecting immediately.
func (t *Tracker) Retry() error {
	t.transMu.Lock()
	defer t.unlock()
	return t.transitionLocked(Connecting, ReasonRetry, nil)
}

// OnOpen records that the channel opened.
func (t *Tracker) OnOpen() error {
	t.transMu.Lock()
	defer t.unlock()
	return t.transitionLocked(Connected, ReasonOpen, nil)
}

// OnClose records that the channel closed.
func (t *Tracker) OnClose(err error) error {
	return t.lost(ReasonClose, err)
}

// OnError records a channel or dial failure.
func (t *Tracker) OnError(err error) error {
	return t.lost(ReasonError, err)
}

func (t *Tracker) lost(reason string, err error) error {
	t.transMu.Lock()
	defer t.unlock()
	return t.transitionLocked(Reconnecting, reason, err)
}

// Heartbeat records liveness of the channel.
func (t *Tracker) Heartbeat() {
	t.mu.Lock()
	t.lastHeartbeat = t.clock.Now()
	t.mu.Unlock()
}

// Backoff returns the retry delay for the given attempt number (1-based):
// BackoffBase doubled per attempt, capped at BackoffMax, with up to
// JitterPercent of random variation.
func (t *Tracker) Backoff(attempt int) time.Duration {
	return jitteredDelay(backoffDelay(t.cfg.BackoffBase, t.cfg.BackoffMax, attempt), t.cfg.BackoffMax, t.cfg.JitterPercent)
}

// transitionLocked moves to a new state, runs its side effects and queues the
// change for subscribers. The caller must hold transMu and release it with
// unlock.
func (t *Tracker) transitionLocked(to State, reason string, cause error) error {
	now := t.clock.Now()

	t.mu.Lock()
	from := t.state
	if !slices.Contains(validTransitions[from], to) {
		t.mu.Unlock()
		return fmt.Errorf("%w from %s to %s", ErrInvalidTransition, from, to)
	}
	t.state = to
	change := Change{From: from, To: to, Reason: reason, Err: cause}
	switch to {
	case Connected:
		t.attempts = 0
		t.exhausted = false
		t.lastHeartbeat = now
	case Reconnecting:
		t.attempts++
		change.Delay = t.Backoff(t.attempts)
		t.exhausted = t.cfg.MaxAttempts > 0 && t.attempts > t.cfg.MaxAttempts
		change.Exhausted = t.exhausted
	case Disconnected:
		t.attempts = 0
		t.exhausted = false
	}
	change.Attempts = t.attempts
	t.mu.Unlock()

	t.stopTimers()
	switch to {
	case Connecting:
		t.gen++
		if t.dialCtx == nil {
			t.dialCtx, t.dialCancel = context.WithCancel(context.Background())
		}
		if t.dialer != nil {
			go t.dial(t.gen, t.dialCtx, t.dialer)
		}
	case Connected:
		t.armWatchdog(t.gen, 2*t.cfg.HeartbeatInterval)
	case Reconnecting:
		if from == Connected && t.dialer != nil {
			_ = t.dialer.Close()
		}
		if !change.Exhausted {
			gen := t.gen
			t.retry = t.clock.AfterFunc(change.Delay, func() { t.retryFired(gen) })
		}
	case Disconnected:
		t.gen++
		if t.dialCancel != nil {
			t.dialCancel()
			t.dialCtx, t.dialCancel = nil, nil
		}
		if t.dialer != nil {
			_ = t.dialer.Close()
		}
	}

	t.logChange(change)
	metrics.ConnTransitions.WithLabelValues(string(to)).Inc()
	metrics.ReconnectAttempts.WithLabelValues().Set(float64(change.Attempts))
	t.queueMu.Lock()
	t.queue = append(t.queue, change)
	t.queueMu.Unlock()
	t.bus.Emit(bus.ConnectionStateChanged, change)
	return nil
}

// unlock releases transMu and then delivers queued changes. Only one
// goroutine drains at a time; changes queued meanwhile, including those made
// by a callback, are picked up by that drainer.
func (t *Tracker) unlock() {
	t.transMu.Unlock()

	t.queueMu.Lock()
	if t.draining {
		t.queueMu.Unlock()
		return
	}
	t.draining = true
	for len(t.queue) > 0 {
		change := t.queue[0]
		t.queue = t.queue[1:]
		t.queueMu.Unlock()
		t.notify(change)
		t.queueMu.Lock()
	}
	t.draining = false
	t.queueMu.Unlock()
}

func (t *Tracker) notify(change Change) {
	t.subMu.Lock()
	subs := slices.Clone(t.subs)
	t.subMu.Unlock()
	for _, s := range subs {
		s.fn(change)
	}
}

func (t *Tracker) logChange(c Change) {
	fields := []zap.Field{
		zap.String("from", string(c.From)),
		zap.String("to", string(c.To)),
		zap.String("reason", c.Reason),
		zap.Int("attempts", c.Attempts),
	}
	if c.Err != nil {
		fields = append(fields, zap.Error(c.Err))
	}
	switch {
	case c.Exhausted:
		t.logger.Error("reconnect attempts exhausted", fields...)
	case c.To == Reconnecting:
		t.logger.Warn("connection lost", append(fields, zap.Duration("retry_in", c.Delay))...)
	default:
		t.logger.Info("connection state changed", fields...)
	}
}

func (t *Tracker) stopTimers() {
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}
	if t.watchdog != nil {
		t.watchdog.Stop()
		t.watchdog = nil
	}
}

func (t *Tracker) retryFired(gen uint64) {
	t.transMu.Lock()
	defer t.unlock()
	if gen != t.gen || t.Current() != Reconnecting {
		return
	}
	_ = t.transitionLocked(Connecting, ReasonRetry, nil)
}

func (t *Tracker) dial(gen uint64, ctx context.Context, d Dialer) {
	err := d.Dial(ctx, func(cause error) { t.closed(gen, cause) })

	t.transMu.Lock()
	defer t.unlock()
	if gen != t.gen || t.Current() != Connecting {
		if err == nil {
			_ = d.Close()
		}
		return
	}
	if err != nil {
		_ = t.transitionLocked(Reconnecting, ReasonError, err)
		return
	}
	_ = t.transitionLocked(Connected, ReasonOpen, nil)
}

// closed handles the end of a channel opened by the dial of generation gen.
// Reports from superseded channels are ignored.
func (t *Tracker) closed(gen uint64, cause error) {
	t.transMu.Lock()
	defer t.unlock()
	if gen != t.gen || t.Current() != Connected {
		return
	}
	_ = t.transitionLocked(Reconnecting, ReasonClose, cause)
}

func (t *Tracker) armWatchdog(gen uint64, after time.Duration) {
	if t.cfg.HeartbeatInterval <= 0 {
		return
	}
	t.watchdog = t.clock.AfterFunc(after, func() { t.checkHeartbeat(gen) })
}

func (t *Tracker) checkHeartbeat(gen uint64) {
	t.transMu.Lock()
	defer t.unlock()
	if gen != t.gen || t.Current() != Connected {
		return
	}
	timeout := 2 * t.cfg.HeartbeatInterval
	t.mu.RLock()
	silence := t.clock.Since(t.lastHeartbeat)
	t.mu.RUnlock()
	if silence < timeout {
		t.armWatchdog(gen, timeout-silence)
		return
	}
	_ = t.transitionLocked(Reconnecting, ReasonHeartbeatTimeout, fmt.Errorf("no heartbeat for %s", silence))
}
