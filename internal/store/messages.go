// ABOUTME: SQLite operations for relayed message records
// ABOUTME: Pairs remote and local message identifiers so replies and duplicates resolve

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateMessage stores a message record for the user rec.RemoteID in the
// thread rec.ThreadID. Both must exist. On success rec.ID and rec.CreatedAt
// are filled in.
func (s *SQLiteStore) CreateMessage(ctx context.Context, rec *MessageRecord) error {
	now := time.Now().UTC().Truncate(time.Second)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var userRef, threadRef int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM remote_users WHERE remote_id = ?`, rec.RemoteID,
	).Scan(&userRef)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("resolving user: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		`SELECT id FROM threads WHERE thread_id = ?`, rec.ThreadID,
	).Scan(&threadRef)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("resolving thread: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO message_records
			(remote_msg_id, local_msg_id, sent_from_local, user_ref, thread_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.RemoteMsgID, rec.LocalMsgID, boolInt(rec.SentFromLocal), userRef, threadRef, formatTime(now))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting message record: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading message id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message record: %w", err)
	}

	rec.ID = id
	rec.CreatedAt = now
	s.logger.Debug("created message record",
		"remote_msg_id", rec.RemoteMsgID,
		"local_msg_id", rec.LocalMsgID,
		"sent_from_local", rec.SentFromLocal,
	)
	return nil
}

const messageColumns = `
	m.id, m.remote_msg_id, m.local_msg_id, m.sent_from_local,
	u.remote_id, t.thread_id, m.created_at
`

const messageJoins = `
	FROM message_records m
	JOIN remote_users u ON u.id = m.user_ref
	JOIN threads t ON t.id = m.thread_ref
`

func scanMessage(row *sql.Row) (*MessageRecord, error) {
	var rec MessageRecord
	var fromLocal int
	var createdAt string

	err := row.Scan(&rec.ID, &rec.RemoteMsgID, &rec.LocalMsgID, &fromLocal,
		&rec.RemoteID, &rec.ThreadID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message record: %w", err)
	}

	rec.SentFromLocal = fromLocal != 0
	rec.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing message created_at: %w", err)
	}
	return &rec, nil
}

// GetMessage looks a record up by its local or remote message id.
// Returns ErrNotFound if no record matches or the lookup is empty.
func (s *SQLiteStore) GetMessage(ctx context.Context, lookup MessageLookup) (*MessageRecord, error) {
	var where string
	var arg string
	switch {
	case lookup.LocalMsgID != "":
		where, arg = "m.local_msg_id = ?", lookup.LocalMsgID
	case lookup.RemoteMsgID != "":
		where, arg = "m.remote_msg_id = ?", lookup.RemoteMsgID
	default:
		return nil, ErrNotFound
	}

	query := `SELECT ` + messageColumns + messageJoins + `WHERE ` + where
	return scanMessage(s.db.QueryRowContext(ctx, query, arg))
}

// GetLastMessage returns the most recently recorded message for a user.
// Returns ErrNotFound if the user has no records.
func (s *SQLiteStore) GetLastMessage(ctx context.Context, remoteID string) (*MessageRecord, error) {
	query := `SELECT ` + messageColumns + messageJoins + `
		WHERE u.remote_id = ?
		ORDER BY m.id DESC
		LIMIT 1
	`
	return scanMessage(s.db.QueryRowContext(ctx, query, remoteID))
}
