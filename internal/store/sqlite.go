// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides user/thread identity persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them, and
	// transactions take the write lock up front.
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)" +
		"&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS threads (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id  TEXT NOT NULL UNIQUE,
			name       TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS remote_users (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			remote_id  TEXT NOT NULL UNIQUE,
			name       TEXT NOT NULL,
			active     INTEGER NOT NULL DEFAULT 1,
			banned     INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			thread_ref INTEGER NOT NULL UNIQUE REFERENCES threads(id)
		);

		CREATE TABLE IF NOT EXISTS message_records (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			remote_msg_id   TEXT NOT NULL UNIQUE,
			local_msg_id    TEXT NOT NULL UNIQUE,
			sent_from_local INTEGER NOT NULL,
			user_ref        INTEGER NOT NULL REFERENCES remote_users(id),
			thread_ref      INTEGER NOT NULL REFERENCES threads(id),
			created_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_message_records_user
			ON message_records(user_ref, id);

		CREATE TABLE IF NOT EXISTS pending_messages (
			event_type TEXT PRIMARY KEY,
			text       TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS settings (
			id                  INTEGER PRIMARY KEY CHECK (id = 1),
			auto_create_on_open INTEGER NOT NULL DEFAULT 0,
			send_welcome        INTEGER NOT NULL DEFAULT 0,
			mark_as_read        INTEGER NOT NULL DEFAULT 0
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CreateUserAndThread creates a thread and its owning remote user in one
// transaction. Neither row is committed without the other.
func (s *SQLiteStore) CreateUserAndThread(ctx context.Context, remoteID, name, threadID string) (*RemoteUser, error) {
	now := time.Now().UTC().Truncate(time.Second)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO threads (thread_id, name, created_at) VALUES (?, ?, ?)`,
		threadID, name, formatTime(now),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("inserting thread: %w", err)
	}
	threadRef, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading thread id: %w", err)
	}

	res, err = tx.ExecContext(ctx,
		`INSERT INTO remote_users (remote_id, name, active, banned, created_at, thread_ref)
		 VALUES (?, ?, 1, 0, ?, ?)`,
		remoteID, name, formatTime(now), threadRef,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("inserting remote user: %w", err)
	}
	userRef, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading user id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing user and thread: %w", err)
	}

	s.logger.Debug("created user and thread", "remote_id", remoteID, "thread_id", threadID)
	return &RemoteUser{
		ID:        userRef,
		RemoteID:  remoteID,
		Name:      name,
		Active:    true,
		CreatedAt: now,
		Thread: &Thread{
			ID:        threadRef,
			ThreadID:  threadID,
			Name:      name,
			CreatedAt: now,
		},
	}, nil
}

const userThreadColumns = `
	u.id, u.remote_id, u.name, u.active, u.banned, u.created_at,
	t.id, t.thread_id, t.name, t.created_at
`

// scanUserThread reads one joined user/thread row.
func scanUserThread(row *sql.Row) (*RemoteUser, *Thread, error) {
	var user RemoteUser
	var thread Thread
	var active, banned int
	var userCreated, threadCreated string

	err := row.Scan(
		&user.ID, &user.RemoteID, &user.Name, &active, &banned, &userCreated,
		&thread.ID, &thread.ThreadID, &thread.Name, &threadCreated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("scanning user row: %w", err)
	}

	user.Active = active != 0
	user.Banned = banned != 0

	user.CreatedAt, err = parseTime(userCreated)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing user created_at: %w", err)
	}
	thread.CreatedAt, err = parseTime(threadCreated)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing thread created_at: %w", err)
	}

	return &user, &thread, nil
}

// GetUserByRemoteID retrieves a remote user with its thread.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUserByRemoteID(ctx context.Context, remoteID string) (*RemoteUser, error) {
	query := `SELECT ` + userThreadColumns + `
		FROM remote_users u
		JOIN threads t ON t.id = u.thread_ref
		WHERE u.remote_id = ?
	`

	user, thread, err := scanUserThread(s.db.QueryRowContext(ctx, query, remoteID))
	if err != nil {
		return nil, err
	}
	user.Thread = thread
	return user, nil
}

// GetThreadByThreadID retrieves a thread with its owning user.
// Returns ErrNotFound if no thread has this identifier.
func (s *SQLiteStore) GetThreadByThreadID(ctx context.Context, threadID string) (*Thread, error) {
	query := `SELECT ` + userThreadColumns + `
		FROM threads t
		JOIN remote_users u ON u.thread_ref = t.id
		WHERE t.thread_id = ?
	`

	user, thread, err := scanUserThread(s.db.QueryRowContext(ctx, query, threadID))
	if err != nil {
		return nil, err
	}
	thread.Owner = user
	return thread, nil
}

// UpdateUser applies a partial update to a remote user.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) UpdateUser(ctx context.Context, remoteID string, patch UserPatch) error {
	var sets []string
	var args []any

	if patch.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *patch.Name)
	}
	if patch.Active != nil {
		sets = append(sets, "active = ?")
		args = append(args, boolInt(*patch.Active))
	}
	if patch.Banned != nil {
		sets = append(sets, "banned = ?")
		args = append(args, boolInt(*patch.Banned))
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, remoteID)
	query := `UPDATE remote_users SET ` + strings.Join(sets, ", ") + ` WHERE remote_id = ?`

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating remote user: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated remote user", "remote_id", remoteID)
	return nil
}

// UpdateThread applies a partial update to a thread. Setting ThreadID
// rebinds the thread; the owning user keeps pointing at the same row.
// Returns ErrNotFound if the thread doesn't exist and ErrDuplicate if the
// new identifier is already taken.
func (s *SQLiteStore) UpdateThread(ctx context.Context, threadID string, patch ThreadPatch) error {
	var sets []string
	var args []any

	if patch.ThreadID != nil {
		sets = append(sets, "thread_id = ?")
		args = append(args, *patch.ThreadID)
	}
	if patch.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *patch.Name)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, threadID)
	query := `UPDATE threads SET ` + strings.Join(sets, ", ") + ` WHERE thread_id = ?`

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("updating thread: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated thread", "thread_id", threadID)
	return nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
