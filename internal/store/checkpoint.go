package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SetCheckpoint upserts a sync_state value.
func (db *DB) SetCheckpoint(ctx context.Context, key, value string) error {
	return setCheckpoint(ctx, db, key, value, time.Now().UnixMilli())
}

// GetCheckpoint returns a sync_state value, or "" if the key was never written.
func (db *DB) GetCheckpoint(ctx context.Context, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func setCheckpoint(ctx context.Context, ex execer, key, value string, now int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}
