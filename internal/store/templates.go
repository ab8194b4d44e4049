// ABOUTME: SQLite operations for pending message templates
// ABOUTME: Stores the text sent automatically on welcome and chat-opened events

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SetPendingMessage creates or replaces the template for an event type.
func (s *SQLiteStore) SetPendingMessage(ctx context.Context, eventType, text string) error {
	now := formatTime(time.Now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_messages (event_type, text, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(event_type) DO UPDATE SET
			text = excluded.text,
			updated_at = excluded.updated_at
	`, eventType, text, now, now)
	if err != nil {
		return fmt.Errorf("saving pending message: %w", err)
	}

	s.logger.Debug("saved pending message", "event_type", eventType)
	return nil
}

// GetPendingMessage returns the template for an event type.
// Returns ErrNotFound if none has been set.
func (s *SQLiteStore) GetPendingMessage(ctx context.Context, eventType string) (*PendingMessage, error) {
	var pm PendingMessage
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT event_type, text, created_at, updated_at
		FROM pending_messages
		WHERE event_type = ?
	`, eventType).Scan(&pm.EventType, &pm.Text, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying pending message: %w", err)
	}

	pm.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	pm.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &pm, nil
}
