// Package sync schedules entity sync passes and routes realtime frames into
// the local store.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/connstate"
	"github.com/matheus3301/chatsync/internal/delta"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrStopped is returned by SyncNow once the orchestrator is stopped.
var ErrStopped = errors.New("orchestrator stopped")

// Outcome summarizes one pass.
type Outcome struct {
	Kind     store.Kind
	Mode     string
	Offline  bool
	Upserted []string
	Removed  []string
	Stuck    []string
	Duration time.Duration
}

// Target is one entity kind the orchestrator keeps in sync.
type Target interface {
	Kind() store.Kind
	Cursor(ctx context.Context) (string, error)
	Sync(ctx context.Context, mode string) (Outcome, error)
}

type coordinatorTarget[E store.Entity] struct {
	*delta.Coordinator[E]
}

// Coordinated adapts a delta coordinator to Target.
func Coordinated[E store.Entity](c *delta.Coordinator[E]) Target {
	return coordinatorTarget[E]{c}
}

func (t coordinatorTarget[E]) Sync(ctx context.Context, mode string) (Outcome, error) {
	var res *delta.Result[E]
	var err error
	if mode == delta.ModeFull {
		res, err = t.FetchAllAndReplace(ctx)
	} else {
		res, err = t.FetchDeltaAndMerge(ctx)
	}
	out := Outcome{Kind: t.Kind(), Mode: mode}
	if res != nil {
		out.Offline = res.Offline
		out.Upserted = res.Upserted
		out.Removed = res.Removed
		out.Stuck = res.Stuck
	}
	return out, err
}

// Config tunes the schedule.
type Config struct {
	Debounce  time.Duration
	Interval  time.Duration
	FullEvery int
}

// Opt configures an Orchestrator.
type Opt func(*Orchestrator)

// WithClock sets the clock for debounce timers and periodic passes.
func WithClock(c clockwork.Clock) Opt {
	return func(o *Orchestrator) { o.clock = c }
}

// WithBus publishes sync.completed and sync.problem events.
func WithBus(b *bus.Bus) Opt {
	return func(o *Orchestrator) { o.bus = b }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Opt {
	return func(o *Orchestrator) { o.logger = l }
}

// call is one pass that any number of callers wait on.
type call struct {
	done chan struct{}
	out  Outcome
	err  error
}

// flight tracks the running pass of a kind and the single follow-up pass
// shared by everyone who asked while it ran.
type flight struct {
	running bool
	next    *call
}

// Orchestrator decides when each kind is synced. Requests are debounced,
// at most one pass per kind runs at a time, and requests arriving during a
// pass collapse into exactly one follow-up pass.
type Orchestrator struct {
	cfg         Config
	checkpoints *Reconciler
	clock       clockwork.Clock
	bus         *bus.Bus
	logger      *zap.Logger

	targets map[store.Kind]Target
	kinds   []store.Kind

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup

	mu      gosync.Mutex
	stopped bool
	flights map[store.Kind]*flight
	timers  map[store.Kind]clockwork.Timer
	connSub *connSub
}

type connSub struct {
	tracker *connstate.Tracker
	id      connstate.Subscription
}

// NewOrchestrator creates an orchestrator over targets.
func NewOrchestrator(cfg Config, checkpoints *Reconciler, targets []Target, opts ...Opt) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:         cfg,
		checkpoints: checkpoints,
		clock:       clockwork.NewRealClock(),
		logger:      zap.NewNop(),
		targets:     make(map[store.Kind]Target, len(targets)),
		ctx:         ctx,
		cancel:      cancel,
		flights:     make(map[store.Kind]*flight),
		timers:      make(map[store.Kind]clockwork.Timer),
	}
	for _, t := range targets {
		o.targets[t.Kind()] = t
		o.kinds = append(o.kinds, t.Kind())
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start requests an initial pass of every kind and begins periodic passes.
func (o *Orchestrator) Start() {
	o.RequestAll("startup")
	if o.cfg.Interval <= 0 {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := o.clock.NewTicker(o.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-o.ctx.Done():
				return
			case <-ticker.Chan():
				if _, err := o.SyncAll(o.ctx); err != nil && !errors.Is(err, ErrStopped) {
					o.logger.Warn("periodic sync failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop cancels pending requests and in-flight passes and waits for them.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	for kind, t := range o.timers {
		t.Stop()
		delete(o.timers, kind)
	}
	sub := o.connSub
	o.connSub = nil
	o.mu.Unlock()

	if sub != nil {
		sub.tracker.OffStatusChange(sub.id)
	}
	o.cancel()
	o.wg.Wait()
}

// WatchConnection requests every kind each time the tracker enters Connected.
func (o *Orchestrator) WatchConnection(t *connstate.Tracker) {
	id := t.OnStatusChange(func(c connstate.Change) {
		if c.To == connstate.Connected {
			o.RequestAll("reconnect")
		}
	})
	o.mu.Lock()
	o.connSub = &connSub{tracker: t, id: id}
	o.mu.Unlock()
}

// HandleNotification requests a pass for the kind a push notification names.
func (o *Orchestrator) HandleNotification(kind store.Kind, id string) {
	if _, ok := o.targets[kind]; !ok {
		o.logger.Debug("notification for unsynced kind", zap.String("kind", string(kind)), zap.String("id", id))
		return
	}
	o.Request(kind, "notification")
}

// RequestAll requests a pass of every kind.
func (o *Orchestrator) RequestAll(reason string) {
	for _, kind := range o.kinds {
		o.Request(kind, reason)
	}
}

// Request schedules a pass of kind after the debounce window. Requests made
// within the window restart it, so a burst yields one pass.
func (o *Orchestrator) Request(kind store.Kind, reason string) {
	if _, ok := o.targets[kind]; !ok {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return
	}
	if t, ok := o.timers[kind]; ok {
		t.Stop()
	}
	o.logger.Debug("sync requested", zap.String("kind", string(kind)), zap.String("reason", reason))
	o.timers[kind] = o.clock.AfterFunc(o.cfg.Debounce, func() {
		if _, err := o.SyncNow(o.ctx, kind); err != nil && !errors.Is(err, ErrStopped) && !errors.Is(err, context.Canceled) {
			o.logger.Warn("sync pass failed", zap.String("kind", string(kind)), zap.Error(err))
		}
	})
}

// SyncNow runs a pass of kind, or joins the follow-up of the pass already
// running, and waits for it. ctx bounds the wait only; the pass itself runs
// until the orchestrator stops.
func (o *Orchestrator) SyncNow(ctx context.Context, kind store.Kind) (Outcome, error) {
	if _, ok := o.targets[kind]; !ok {
		return Outcome{}, fmt.Errorf("no sync target for %q", kind)
	}

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return Outcome{}, ErrStopped
	}
	f := o.flights[kind]
	if f == nil {
		f = &flight{}
		o.flights[kind] = f
	}
	var c *call
	if f.running {
		if f.next == nil {
			f.next = &call{done: make(chan struct{})}
		}
		c = f.next
	} else {
		f.running = true
		c = &call{done: make(chan struct{})}
		o.wg.Add(1)
		go o.drive(kind, f, c)
	}
	o.mu.Unlock()

	select {
	case <-c.done:
		return c.out, c.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// drive runs c and then any follow-up queued meanwhile.
func (o *Orchestrator) drive(kind store.Kind, f *flight, c *call) {
	defer o.wg.Done()
	for c != nil {
		c.out, c.err = o.pass(kind)
		close(c.done)

		o.mu.Lock()
		c, f.next = f.next, nil
		if c == nil {
			f.running = false
		}
		o.mu.Unlock()
	}
}

// SyncAll runs a pass of every kind concurrently.
func (o *Orchestrator) SyncAll(ctx context.Context) (map[store.Kind]Outcome, error) {
	var g errgroup.Group
	var mu gosync.Mutex
	out := make(map[store.Kind]Outcome, len(o.kinds))
	for _, kind := range o.kinds {
		g.Go(func() error {
			res, err := o.SyncNow(ctx, kind)
			mu.Lock()
			out[kind] = res
			mu.Unlock()
			return err
		})
	}
	return out, g.Wait()
}

func (o *Orchestrator) pass(kind store.Kind) (Outcome, error) {
	ctx := o.ctx
	if err := ctx.Err(); err != nil {
		return Outcome{Kind: kind}, ErrStopped
	}
	target := o.targets[kind]

	cursor, err := target.Cursor(ctx)
	if err != nil {
		return Outcome{Kind: kind}, fmt.Errorf("read cursor: %w", err)
	}
	mode, err := o.checkpoints.Mode(ctx, kind, cursor, o.cfg.FullEvery)
	if err != nil {
		return Outcome{Kind: kind}, fmt.Errorf("choose mode: %w", err)
	}

	start := o.clock.Now()
	out, err := target.Sync(ctx, mode)
	out.Duration = o.clock.Since(start)
	metrics.SyncDuration.WithLabelValues(string(kind), mode).Observe(out.Duration.Seconds())

	var stuck *delta.StuckTombstonesError
	switch {
	case errors.As(err, &stuck):
		metrics.SyncPasses.WithLabelValues(string(kind), mode, "stuck").Inc()
		o.logger.Warn("sync pass left stuck deletes", zap.String("kind", string(kind)), zap.Strings("ids", stuck.IDs))
	case err != nil:
		metrics.SyncPasses.WithLabelValues(string(kind), mode, "error").Inc()
		o.bus.Emit(bus.SyncProblem, bus.SyncReport{Kind: string(kind), Mode: mode, Err: err.Error()})
		return out, err
	case out.Offline:
		metrics.SyncPasses.WithLabelValues(string(kind), mode, "offline").Inc()
		o.bus.Emit(bus.SyncCompleted, bus.SyncReport{Kind: string(kind), Mode: mode, Offline: true})
		return out, nil
	default:
		metrics.SyncPasses.WithLabelValues(string(kind), mode, "ok").Inc()
	}

	if rerr := o.checkpoints.RecordPass(ctx, kind, mode, o.clock.Now()); rerr != nil {
		o.logger.Warn("failed to record sync pass", zap.String("kind", string(kind)), zap.Error(rerr))
	}
	o.logger.Debug("sync pass complete",
		zap.String("kind", string(kind)), zap.String("mode", mode),
		zap.Int("upserted", len(out.Upserted)), zap.Int("removed", len(out.Removed)),
		zap.Duration("took", out.Duration))
	o.bus.Emit(bus.SyncCompleted, bus.SyncReport{Kind: string(kind), Mode: mode})
	return out, err
}
