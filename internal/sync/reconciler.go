package sync

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/matheus3301/chatsync/internal/delta"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Checkpointer reads and writes sync_state values. *store.DB implements it.
type Checkpointer interface {
	SetCheckpoint(ctx context.Context, key, value string) error
	GetCheckpoint(ctx context.Context, key string) (string, error)
}

// Reconciler keeps per-kind pass bookkeeping in sync_state so the full/delta
// cadence survives restarts.
type Reconciler struct {
	db     Checkpointer
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db Checkpointer, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, logger: logger}
}

func passesKey(kind store.Kind) string { return "sync.passes." + string(kind) }

func lastKey(kind store.Kind, mode string) string {
	return "sync.last_" + mode + "." + string(kind)
}

// Passes returns how many passes completed for kind since the last full one.
func (r *Reconciler) Passes(ctx context.Context, kind store.Kind) (int, error) {
	v, err := r.db.GetCheckpoint(ctx, passesKey(kind))
	if err != nil || v == "" {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.logger.Warn("resetting corrupt pass counter", zap.String("kind", string(kind)), zap.String("value", v))
		return 0, nil
	}
	return n, nil
}

// Mode picks a full refresh when there is no cursor yet or every fullEvery
// passes, and a delta otherwise.
func (r *Reconciler) Mode(ctx context.Context, kind store.Kind, cursor string, fullEvery int) (string, error) {
	if cursor == "" {
		return delta.ModeFull, nil
	}
	n, err := r.Passes(ctx, kind)
	if err != nil {
		return "", err
	}
	if fullEvery > 0 && n >= fullEvery {
		return delta.ModeFull, nil
	}
	return delta.ModeDelta, nil
}

// RecordPass stores the completion of a pass. A full pass restarts the count.
func (r *Reconciler) RecordPass(ctx context.Context, kind store.Kind, mode string, at time.Time) error {
	n := 0
	if mode != delta.ModeFull {
		var err error
		if n, err = r.Passes(ctx, kind); err != nil {
			return err
		}
	}
	if err := r.db.SetCheckpoint(ctx, passesKey(kind), strconv.Itoa(n+1)); err != nil {
		return fmt.Errorf("store pass counter: %w", err)
	}
	return r.db.SetCheckpoint(ctx, lastKey(kind, mode), strconv.FormatInt(at.UnixMilli(), 10))
}

// LastPass returns when a pass of the given mode last completed, or the zero
// time if never.
func (r *Reconciler) LastPass(ctx context.Context, kind store.Kind, mode string) (time.Time, error) {
	v, err := r.db.GetCheckpoint(ctx, lastKey(kind, mode))
	if err != nil || v == "" {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", lastKey(kind, mode), err)
	}
	return time.UnixMilli(ms), nil
}
