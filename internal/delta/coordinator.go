// Package delta mirrors a server-owned entity collection into the local cache
// while honoring local deletes the server has not confirmed yet.
package delta

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// DefaultMaxSurvivals is how many fetches may still return a deleted id
// before the delete is considered stuck.
const DefaultMaxSurvivals = 3

// Snapshot is a full server listing.
type Snapshot[E store.Entity] struct {
	Entities []E
	// Cursor is the position to request deltas from, if the server gave one.
	Cursor string
}

// Delta is the set of changes since a cursor.
type Delta[E store.Entity] struct {
	Upserts []E
	Removes []string
	Cursor  string
}

// Remote is the server side of one entity kind.
type Remote[E store.Entity] interface {
	FetchAll(ctx context.Context) (Snapshot[E], error)
	FetchDelta(ctx context.Context, cursor string) (Delta[E], error)
	Delete(ctx context.Context, id string) error
	Leave(ctx context.Context, id string) error
}

// Cache is the local side of one entity kind. *store.EntityTable implements it.
type Cache[E store.Entity] interface {
	Kind() store.Kind
	List(ctx context.Context) ([]E, error)
	Remove(ctx context.Context, id string) (bool, error)
	Apply(ctx context.Context, cs store.Changeset[E]) (*store.ApplyResult, error)
	InsertTombstone(ctx context.Context, id string, createdAt int64) error
	Tombstones(ctx context.Context) ([]store.Tombstone, error)
	ResetTombstones(ctx context.Context, ids []string) error
	Cursor(ctx context.Context) (string, error)
}

// Fetch modes reported in Result.Mode.
const (
	ModeFull  = "full"
	ModeDelta = "delta"
)

// Result describes one fetch.
type Result[E store.Entity] struct {
	Mode string
	// Entities is the visible collection after the fetch.
	Entities []E
	Upserted []string
	Removed  []string
	// Offline is set when the server could not be reached; nothing changed locally.
	Offline bool
	Stuck   []string
}

// DeleteOutcome says how a delete was carried out remotely.
type DeleteOutcome int

const (
	// Deleted means the server removed the entity (or no longer had it).
	Deleted DeleteOutcome = iota
	// Left means the delete was refused and the user left the entity instead.
	Left
	// Deferred means the remote call failed; the tombstone keeps the entity hidden.
	Deferred
)

func (o DeleteOutcome) String() string {
	switch o {
	case Deleted:
		return "deleted"
	case Left:
		return "left"
	case Deferred:
		return "deferred"
	}
	return "unknown"
}

// Config tunes a Coordinator.
type Config struct {
	MaxSurvivals int
	// CanLeave enables the leave fallback when a delete is forbidden.
	CanLeave bool
}

// Opt configures a Coordinator.
type Opt func(*options)

type options struct {
	clock  clockwork.Clock
	bus    *bus.Bus
	logger *zap.Logger
}

// WithClock sets the clock used for tombstone and fetch timestamps.
func WithClock(c clockwork.Clock) Opt {
	return func(o *options) { o.clock = c }
}

// WithBus publishes entity and sync.problem events.
func WithBus(b *bus.Bus) Opt {
	return func(o *options) { o.bus = b }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Opt {
	return func(o *options) { o.logger = l }
}

// Coordinator reconciles one entity kind.
//
// fetchMu keeps a single fetch in flight. applyMu orders tombstone inserts
// against the read-tombstones-then-apply step of a fetch, so an entity deleted
// while a fetch is running cannot be written back.
type Coordinator[E store.Entity] struct {
	remote Remote[E]
	cache  Cache[E]
	kind   store.Kind
	cfg    Config
	options

	fetchMu sync.Mutex
	applyMu sync.Mutex
}

// New creates a coordinator for the kind served by cache.
func New[E store.Entity](remote Remote[E], cache Cache[E], cfg Config, opts ...Opt) *Coordinator[E] {
	if cfg.MaxSurvivals <= 0 {
		cfg.MaxSurvivals = DefaultMaxSurvivals
	}
	o := options{clock: clockwork.NewRealClock(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Coordinator[E]{
		remote:  remote,
		cache:   cache,
		kind:    cache.Kind(),
		cfg:     cfg,
		options: o,
	}
}

// Kind returns the entity kind.
func (c *Coordinator[E]) Kind() store.Kind { return c.kind }

// Visible returns the cached collection.
func (c *Coordinator[E]) Visible(ctx context.Context) ([]E, error) {
	return c.cache.List(ctx)
}

// Cursor returns the stored delta cursor.
func (c *Coordinator[E]) Cursor(ctx context.Context) (string, error) {
	return c.cache.Cursor(ctx)
}

// Tombstones returns the pending local deletes.
func (c *Coordinator[E]) Tombstones(ctx context.Context) ([]store.Tombstone, error) {
	return c.cache.Tombstones(ctx)
}

// FetchAllAndReplace replaces the cache with the server listing minus
// tombstoned ids. Tombstones the server no longer lists are cleared. When
// some deletes are stuck the result is returned together with a
// *StuckTombstonesError.
func (c *Coordinator[E]) FetchAllAndReplace(ctx context.Context) (*Result[E], error) {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	start := c.clock.Now().UnixMilli()
	snap, err := c.remote.FetchAll(ctx)
	if err != nil {
		return c.fetchFailed(ModeFull, err)
	}

	serverIDs := make(map[string]struct{}, len(snap.Entities))
	for _, e := range snap.Entities {
		serverIDs[e.EntityID()] = struct{}{}
	}

	return c.apply(ctx, ModeFull, func(ts TombstoneSet) (store.Changeset[E], reconciliation) {
		r := ts.reconcileFull(serverIDs, start, c.cfg.MaxSurvivals)
		return store.Changeset[E]{
			Full:               true,
			Upserts:            visible(snap.Entities, ts),
			ClearTombstones:    r.clear,
			SurvivedTombstones: r.survived,
			Cursor:             snap.Cursor,
		}, r
	})
}

// FetchDeltaAndMerge merges the changes since the stored cursor. When the
// server is unreachable nothing changes locally and the result is marked
// Offline with a nil error.
func (c *Coordinator[E]) FetchDeltaAndMerge(ctx context.Context) (*Result[E], error) {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	cursor, err := c.cache.Cursor(ctx)
	if err != nil {
		return nil, fmt.Errorf("read %s cursor: %w", c.kind, err)
	}

	start := c.clock.Now().UnixMilli()
	d, err := c.remote.FetchDelta(ctx, cursor)
	if err != nil {
		return c.fetchFailed(ModeDelta, err)
	}

	upserted := make([]string, 0, len(d.Upserts))
	for _, e := range d.Upserts {
		upserted = append(upserted, e.EntityID())
	}

	return c.apply(ctx, ModeDelta, func(ts TombstoneSet) (store.Changeset[E], reconciliation) {
		r := ts.reconcileDelta(upserted, d.Removes, start, c.cfg.MaxSurvivals)
		return store.Changeset[E]{
			Upserts:            visible(d.Upserts, ts),
			Removes:            d.Removes,
			ClearTombstones:    r.clear,
			SurvivedTombstones: r.survived,
			Cursor:             d.Cursor,
		}, r
	})
}

func (c *Coordinator[E]) fetchFailed(mode string, err error) (*Result[E], error) {
	if errors.Is(err, ErrOffline) {
		c.logger.Info("server unreachable, keeping cache",
			zap.String("kind", string(c.kind)), zap.String("mode", mode), zap.Error(err))
		return &Result[E]{Mode: mode, Offline: true}, nil
	}
	return nil, fmt.Errorf("fetch %s %s: %w", mode, c.kind, err)
}

func (c *Coordinator[E]) apply(ctx context.Context, mode string, build func(TombstoneSet) (store.Changeset[E], reconciliation)) (*Result[E], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.applyMu.Lock()
	tombs, err := c.cache.Tombstones(ctx)
	if err != nil {
		c.applyMu.Unlock()
		return nil, fmt.Errorf("load %s tombstones: %w", c.kind, err)
	}
	ts := NewTombstoneSet(tombs)
	cs, r := build(ts)
	applied, err := c.cache.Apply(ctx, cs)
	c.applyMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("apply %s %s: %w", mode, c.kind, err)
	}

	metrics.Tombstones.WithLabelValues(string(c.kind)).Set(float64(ts.Len() - len(r.clear)))
	metrics.StuckTombstones.WithLabelValues(string(c.kind)).Set(float64(len(r.stuck)))

	if len(applied.Upserted) > 0 {
		c.bus.Emit(bus.EntityUpserted, bus.EntityChange{Kind: string(c.kind), IDs: applied.Upserted})
	}
	if len(applied.Removed) > 0 {
		c.bus.Emit(bus.EntityRemoved, bus.EntityChange{Kind: string(c.kind), IDs: applied.Removed})
	}

	entities, err := c.cache.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", c.kind, err)
	}
	res := &Result[E]{
		Mode:     mode,
		Entities: entities,
		Upserted: applied.Upserted,
		Removed:  applied.Removed,
		Stuck:    r.stuck,
	}
	if len(r.clear) > 0 {
		c.logger.Debug("tombstones confirmed", zap.String("kind", string(c.kind)), zap.Strings("ids", r.clear))
	}
	if len(r.stuck) > 0 {
		c.logger.Warn("deletes not confirmed by server", zap.String("kind", string(c.kind)), zap.Strings("ids", r.stuck))
		c.bus.Emit(bus.SyncProblem, bus.SyncReport{Kind: string(c.kind), Mode: mode, Err: "stuck tombstones", IDs: r.stuck})
		return res, &StuckTombstonesError{Kind: c.kind, IDs: r.stuck}
	}
	return res, nil
}

// DeleteEntity deletes id locally at once and then remotely. The tombstone is
// written before the remote call and is never cleared here; only a later
// fetch that no longer lists the id clears it.
func (c *Coordinator[E]) DeleteEntity(ctx context.Context, id string) (DeleteOutcome, error) {
	if id == "" {
		return Deferred, fmt.Errorf("%w: id is required", ErrInvalidArgument)
	}

	c.applyMu.Lock()
	if err := c.cache.InsertTombstone(ctx, id, c.clock.Now().UnixMilli()); err != nil {
		c.applyMu.Unlock()
		return Deferred, fmt.Errorf("tombstone %s %s: %w", c.kind, id, err)
	}
	removed, err := c.cache.Remove(ctx, id)
	c.applyMu.Unlock()
	if err != nil {
		// The tombstone already hides it; the next fetch removes the row.
		c.logger.Warn("local remove failed", zap.String("kind", string(c.kind)), zap.String("id", id), zap.Error(err))
	}
	if removed {
		c.bus.Emit(bus.EntityRemoved, bus.EntityChange{Kind: string(c.kind), IDs: []string{id}})
	}

	outcome, err := c.deleteRemote(ctx, id)
	metrics.Deletes.WithLabelValues(string(c.kind), outcome.String()).Inc()
	return outcome, err
}

func (c *Coordinator[E]) deleteRemote(ctx context.Context, id string) (DeleteOutcome, error) {
	err := c.remote.Delete(ctx, id)
	switch {
	case err == nil, errors.Is(err, ErrNotFound):
		return Deleted, nil
	case errors.Is(err, ErrForbidden) && c.cfg.CanLeave:
		lerr := c.remote.Leave(ctx, id)
		if lerr == nil || errors.Is(lerr, ErrNotFound) {
			return Left, nil
		}
		err = lerr
	}

	if errors.Is(err, ErrOffline) {
		c.logger.Info("remote delete deferred", zap.String("kind", string(c.kind)), zap.String("id", id), zap.Error(err))
		return Deferred, nil
	}
	c.logger.Warn("remote delete failed", zap.String("kind", string(c.kind)), zap.String("id", id), zap.Error(err))
	return Deferred, fmt.Errorf("delete %s %s: %w", c.kind, id, err)
}

// RetryStuck re-issues the remote delete for every stuck tombstone and resets
// the survival counter of those the server accepted. It returns their ids.
func (c *Coordinator[E]) RetryStuck(ctx context.Context) ([]string, error) {
	tombs, err := c.cache.Tombstones(ctx)
	if err != nil {
		return nil, err
	}

	var retried []string
	var errs []error
	for _, t := range tombs {
		if t.Survived <= c.cfg.MaxSurvivals {
			continue
		}
		outcome, err := c.deleteRemote(ctx, t.ID)
		metrics.Deletes.WithLabelValues(string(c.kind), outcome.String()).Inc()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if outcome != Deferred {
			retried = append(retried, t.ID)
		}
	}
	if len(retried) > 0 {
		if err := c.cache.ResetTombstones(ctx, retried); err != nil {
			return nil, fmt.Errorf("reset %s tombstones: %w", c.kind, err)
		}
	}
	return retried, errors.Join(errs...)
}
