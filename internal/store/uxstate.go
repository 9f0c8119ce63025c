package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SetUXState upserts one platform/session/key row.
func (s *Store) SetUXState(ctx context.Context, platform, sessionID, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ux_state (platform, session_id, key, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(platform, session_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, platform, sessionID, key, value, time.Now().UTC())
	return err
}

// GetUXState returns the value for one key, or "" when absent.
func (s *Store) GetUXState(ctx context.Context, platform, sessionID, key string) (string, error) {
	var value string
	err := s.reader().GetContext(ctx, &value, `
		SELECT value FROM ux_state WHERE platform = ? AND session_id = ? AND key = ?
	`, platform, sessionID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// ListUXState returns all rows for a platform/session pair.
func (s *Store) ListUXState(ctx context.Context, platform, sessionID string) ([]*UXState, error) {
	var rows []*UXState
	err := s.reader().SelectContext(ctx, &rows, `
		SELECT * FROM ux_state WHERE platform = ? AND session_id = ? ORDER BY key
	`, platform, sessionID)
	return rows, err
}

// DeleteUXState removes one key.
func (s *Store) DeleteUXState(ctx context.Context, platform, sessionID, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM ux_state WHERE platform = ? AND session_id = ? AND key = ?
	`, platform, sessionID, key)
	return err
}

// DeleteSessionUXState removes every platform row for a session. Called on
// session close before the session row itself is retained as history.
func (s *Store) DeleteSessionUXState(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ux_state WHERE session_id = ?`, sessionID)
	return err
}
