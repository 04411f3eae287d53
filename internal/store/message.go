package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"
)

const messageCols = `seq, client_message_id, server_message_id, chat_id, sender_id, content, created_at_local,
	server_timestamp, status, delivered_at, read_at, from_me, send_attempts, last_error, updated_at`

// InsertMessage stores a new message keyed by client id. It reports false and
// leaves the row untouched when the client id (or server id) already exists.
func (db *DB) InsertMessage(ctx context.Context, m *Message) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.ExecContext(ctx, `
		INSERT INTO messages (client_message_id, server_message_id, chat_id, sender_id, content, created_at_local,
			server_timestamp, status, delivered_at, read_at, from_me, send_attempts, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		m.ClientMessageID, nullIfEmpty(m.ServerMessageID), m.ChatID, m.SenderID, m.Content, m.CreatedAtLocal,
		m.ServerTimestamp, m.Status, m.DeliveredAt, m.ReadAt, m.FromMe, m.SendAttempts, m.LastError, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}
	m.Seq, _ = res.LastInsertId()
	m.UpdatedAt = now
	return true, nil
}

// UpdateMessage writes the mutable fields of a message identified by client id.
func (db *DB) UpdateMessage(ctx context.Context, m *Message) error {
	m.UpdatedAt = time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		UPDATE messages SET
			server_message_id = ?,
			server_timestamp = ?,
			status = ?,
			delivered_at = ?,
			read_at = ?,
			send_attempts = ?,
			last_error = ?,
			updated_at = ?
		WHERE client_message_id = ?`,
		nullIfEmpty(m.ServerMessageID), m.ServerTimestamp, m.Status, m.DeliveredAt, m.ReadAt,
		m.SendAttempts, m.LastError, m.UpdatedAt, m.ClientMessageID)
	return err
}

// DeleteMessage removes the message with the given client id. Deleting a
// missing message is not an error.
func (db *DB) DeleteMessage(ctx context.Context, clientID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM messages WHERE client_message_id = ?`, clientID)
	return err
}

// MessageByClientID returns nil, nil when no message has the client id.
func (db *DB) MessageByClientID(ctx context.Context, clientID string) (*Message, error) {
	return db.messageWhere(ctx, `client_message_id = ?`, clientID)
}

// MessageByServerID returns nil, nil when no message has the server id.
func (db *DB) MessageByServerID(ctx context.Context, serverID string) (*Message, error) {
	return db.messageWhere(ctx, `server_message_id = ?`, serverID)
}

func (db *DB) messageWhere(ctx context.Context, where string, arg any) (*Message, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+messageCols+` FROM messages WHERE `+where+` LIMIT 1`, arg)
	if err != nil {
		return nil, err
	}
	msgs, err := scanMessages(rows)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return &msgs[0], nil
}

// UnlinkedMessages returns messages in a chat from a sender that have no
// server id yet and are still pending or sent, in local creation order.
func (db *DB) UnlinkedMessages(ctx context.Context, chatID, senderID string) ([]Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageCols+`
		FROM messages
		WHERE chat_id = ? AND sender_id = ? AND server_message_id IS NULL AND status IN (?, ?)
		ORDER BY seq`, chatID, senderID, StatusPending, StatusSent)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// PendingMessages returns outgoing messages that have not been acknowledged,
// oldest first.
func (db *DB) PendingMessages(ctx context.Context) ([]Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageCols+`
		FROM messages
		WHERE from_me = 1 AND server_message_id IS NULL AND status = ?
		ORDER BY seq`, StatusPending)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// ListMessages returns messages for a chat using keyset pagination on local
// creation order, newest first.
func (db *DB) ListMessages(ctx context.Context, chatID string, beforeSeq int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeSeq <= 0 {
		beforeSeq = 1<<63 - 1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageCols+`
		FROM messages
		WHERE chat_id = ? AND seq < ?
		ORDER BY seq DESC
		LIMIT ?`, chatID, beforeSeq, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		var serverID sql.NullString
		if err := rows.Scan(&m.Seq, &m.ClientMessageID, &serverID, &m.ChatID, &m.SenderID, &m.Content, &m.CreatedAtLocal,
			&m.ServerTimestamp, &m.Status, &m.DeliveredAt, &m.ReadAt, &m.FromMe, &m.SendAttempts, &m.LastError, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.ServerMessageID = serverID.String
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// IsUniqueViolation reports whether err came from a UNIQUE constraint.
func IsUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}
