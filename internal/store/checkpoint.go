package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// RecordCheckpointDecision persists the latest checkpoint decision for a
// session turn; the one-block-per-turn escape hatch compares against it.
func (s *Store) RecordCheckpointDecision(ctx context.Context, sessionID, turnID string, blocked bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoint_state (session_id, turn_id, blocked, decided_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			turn_id = excluded.turn_id,
			blocked = excluded.blocked,
			decided_at = excluded.decided_at
	`, sessionID, turnID, blocked, time.Now().UTC())
	return err
}

// GetCheckpointDecision returns the last recorded decision for a session, or
// nil when none exists.
func (s *Store) GetCheckpointDecision(ctx context.Context, sessionID string) (*CheckpointState, error) {
	var cs CheckpointState
	err := s.reader().GetContext(ctx, &cs, `SELECT * FROM checkpoint_state WHERE session_id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cs, nil
}
