package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EntityTable is the cache for one entity kind together with its tombstones
// and delta cursor.
type EntityTable[E Entity] struct {
	db     *DB
	kind   Kind
	table  string
	cols   string
	upsert func(ctx context.Context, tx *sql.Tx, e E, now int64) (bool, error)
	scan   func(rows *sql.Rows) (E, error)
}

// Chats returns the chat cache.
func (db *DB) Chats() *EntityTable[Chat] {
	return &EntityTable[Chat]{
		db:     db,
		kind:   KindChat,
		table:  "chats",
		cols:   "id, name, is_group, creator_id, created_at, participants, unread_count, last_message_at, last_message_preview, updated_at",
		upsert: upsertChat,
		scan:   scanChat,
	}
}

// Friends returns the friend cache.
func (db *DB) Friends() *EntityTable[Friend] {
	return &EntityTable[Friend]{
		db:     db,
		kind:   KindFriend,
		table:  "friends",
		cols:   "id, username, name, email, picture, is_favorite, updated_at",
		upsert: upsertFriend,
		scan:   scanFriend,
	}
}

// Kind returns the entity kind stored in the table.
func (t *EntityTable[E]) Kind() Kind {
	return t.kind
}

// List returns every cached entity ordered by id.
func (t *EntityTable[E]) List(ctx context.Context) ([]E, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT `+t.cols+` FROM `+t.table+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []E
	for rows.Next() {
		e, err := t.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Remove deletes a cached entity. It reports whether a row existed.
func (t *EntityTable[E]) Remove(ctx context.Context, id string) (bool, error) {
	res, err := t.db.ExecContext(ctx, `DELETE FROM `+t.table+` WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Apply writes a changeset in a single transaction. Either every change
// (entities, tombstone bookkeeping and cursor) is committed or none is.
func (t *EntityTable[E]) Apply(ctx context.Context, cs Changeset[E]) (*ApplyResult, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	result := &ApplyResult{}
	keep := make(map[string]struct{}, len(cs.Upserts))

	for _, e := range cs.Upserts {
		keep[e.EntityID()] = struct{}{}
		changed, err := t.upsert(ctx, tx, e, now)
		if err != nil {
			return nil, fmt.Errorf("upsert %s %s: %w", t.kind, e.EntityID(), err)
		}
		if changed {
			result.Upserted = append(result.Upserted, e.EntityID())
		}
	}

	removes := cs.Removes
	if cs.Full {
		existing, err := t.ids(ctx, tx)
		if err != nil {
			return nil, err
		}
		for _, id := range existing {
			if _, ok := keep[id]; !ok {
				removes = append(removes, id)
			}
		}
	}
	for _, id := range removes {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+t.table+` WHERE id = ?`, id)
		if err != nil {
			return nil, fmt.Errorf("delete %s %s: %w", t.kind, id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			result.Removed = append(result.Removed, id)
		}
	}

	for _, id := range cs.ClearTombstones {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tombstones WHERE kind = ? AND entity_id = ?`, t.kind, id); err != nil {
			return nil, fmt.Errorf("clear tombstone: %w", err)
		}
	}
	for _, id := range cs.SurvivedTombstones {
		if _, err := tx.ExecContext(ctx, `UPDATE tombstones SET survived = survived + 1 WHERE kind = ? AND entity_id = ?`, t.kind, id); err != nil {
			return nil, fmt.Errorf("bump tombstone: %w", err)
		}
	}

	if cs.Cursor != "" {
		if err := setCheckpoint(ctx, tx, t.cursorKey(), cs.Cursor, now); err != nil {
			return nil, fmt.Errorf("store cursor: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit changeset: %w", err)
	}
	return result, nil
}

func (t *EntityTable[E]) ids(ctx context.Context, tx *sql.Tx) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM `+t.table)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// InsertTombstone records a local delete. Re-inserting an existing tombstone
// keeps the original creation time.
func (t *EntityTable[E]) InsertTombstone(ctx context.Context, id string, createdAt int64) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO tombstones (kind, entity_id, created_at, survived)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(kind, entity_id) DO NOTHING`,
		t.kind, id, createdAt)
	return err
}

// Tombstones returns the tombstones of this kind ordered by creation.
func (t *EntityTable[E]) Tombstones(ctx context.Context) ([]Tombstone, error) {
	return t.db.ListTombstones(ctx, t.kind)
}

// ResetTombstones zeroes the survival counters of the given tombstones.
func (t *EntityTable[E]) ResetTombstones(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := t.db.ExecContext(ctx, `UPDATE tombstones SET survived = 0 WHERE kind = ? AND entity_id = ?`, t.kind, id); err != nil {
			return err
		}
	}
	return nil
}

// Cursor returns the stored delta cursor, or "" when no delta sync has completed.
func (t *EntityTable[E]) Cursor(ctx context.Context) (string, error) {
	return t.db.GetCheckpoint(ctx, t.cursorKey())
}

func (t *EntityTable[E]) cursorKey() string {
	return "delta_cursor." + string(t.kind)
}

// ListTombstones returns the tombstones of a kind; an empty kind lists all.
func (db *DB) ListTombstones(ctx context.Context, kind Kind) ([]Tombstone, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT kind, entity_id, created_at, survived
		FROM tombstones
		WHERE ? = '' OR kind = ?
		ORDER BY created_at, entity_id`, kind, kind)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Tombstone
	for rows.Next() {
		var ts Tombstone
		if err := rows.Scan(&ts.Kind, &ts.ID, &ts.CreatedAt, &ts.Survived); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

func upsertChat(ctx context.Context, tx *sql.Tx, c Chat, now int64) (bool, error) {
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return false, err
	}
	if c.Participants == nil {
		participants = []byte("[]")
	}
	updatedAt := c.UpdatedAt
	if updatedAt == 0 {
		updatedAt = now
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO chats (id, name, is_group, creator_id, created_at, participants, unread_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			is_group = excluded.is_group,
			creator_id = excluded.creator_id,
			created_at = excluded.created_at,
			participants = excluded.participants,
			unread_count = excluded.unread_count,
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= chats.last_message_at THEN excluded.last_message_preview ELSE chats.last_message_preview END,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at >= chats.updated_at`,
		c.ID, c.Name, c.IsGroup, c.CreatorID, c.CreatedAt, string(participants), c.UnreadCount, c.LastMessageAt, c.LastMessagePreview, updatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanChat(rows *sql.Rows) (Chat, error) {
	var c Chat
	var participants string
	if err := rows.Scan(&c.ID, &c.Name, &c.IsGroup, &c.CreatorID, &c.CreatedAt, &participants, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview, &c.UpdatedAt); err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
		return c, fmt.Errorf("decode participants of %s: %w", c.ID, err)
	}
	return c, nil
}

func upsertFriend(ctx context.Context, tx *sql.Tx, f Friend, now int64) (bool, error) {
	updatedAt := f.UpdatedAt
	if updatedAt == 0 {
		updatedAt = now
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO friends (id, username, name, email, picture, is_favorite, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			name = excluded.name,
			email = excluded.email,
			picture = excluded.picture,
			is_favorite = excluded.is_favorite,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at >= friends.updated_at`,
		f.ID, f.Username, f.Name, f.Email, f.Picture, f.IsFavorite, updatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanFriend(rows *sql.Rows) (Friend, error) {
	var f Friend
	err := rows.Scan(&f.ID, &f.Username, &f.Name, &f.Email, &f.Picture, &f.IsFavorite, &f.UpdatedAt)
	return f, err
}

// UpdateChatPreview moves a cached chat's last-message preview forward.
// Chats that are not cached yet are left alone; the next fetch brings them in.
func (db *DB) UpdateChatPreview(ctx context.Context, chatID string, at int64, preview string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE chats SET
			last_message_at = ?,
			last_message_preview = ?
		WHERE id = ? AND last_message_at <= ?`,
		at, preview, chatID, at)
	return err
}
