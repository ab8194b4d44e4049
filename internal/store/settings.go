// ABOUTME: SQLite operations for the singleton settings row
// ABOUTME: The row is created lazily with every flag off

package store

import (
	"context"
	"fmt"
	"strings"
)

func (s *SQLiteStore) ensureSettings(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO settings (id) VALUES (1)`)
	if err != nil {
		return fmt.Errorf("creating settings row: %w", err)
	}
	return nil
}

// GetSettings returns the feature flags, creating the default row on first use.
func (s *SQLiteStore) GetSettings(ctx context.Context) (*Settings, error) {
	if err := s.ensureSettings(ctx); err != nil {
		return nil, err
	}

	var autoCreate, welcome, markRead int
	err := s.db.QueryRowContext(ctx, `
		SELECT auto_create_on_open, send_welcome, mark_as_read
		FROM settings WHERE id = 1
	`).Scan(&autoCreate, &welcome, &markRead)
	if err != nil {
		return nil, fmt.Errorf("querying settings: %w", err)
	}

	return &Settings{
		AutoCreateOnOpen: autoCreate != 0,
		SendWelcome:      welcome != 0,
		MarkAsRead:       markRead != 0,
	}, nil
}

// UpdateSettings applies a partial update to the feature flags.
func (s *SQLiteStore) UpdateSettings(ctx context.Context, patch SettingsPatch) error {
	var sets []string
	var args []any

	if patch.AutoCreateOnOpen != nil {
		sets = append(sets, "auto_create_on_open = ?")
		args = append(args, boolInt(*patch.AutoCreateOnOpen))
	}
	if patch.SendWelcome != nil {
		sets = append(sets, "send_welcome = ?")
		args = append(args, boolInt(*patch.SendWelcome))
	}
	if patch.MarkAsRead != nil {
		sets = append(sets, "mark_as_read = ?")
		args = append(args, boolInt(*patch.MarkAsRead))
	}
	if len(sets) == 0 {
		return nil
	}

	if err := s.ensureSettings(ctx); err != nil {
		return err
	}

	query := `UPDATE settings SET ` + strings.Join(sets, ", ") + ` WHERE id = 1`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("updating settings: %w", err)
	}

	s.logger.Debug("updated settings")
	return nil
}
