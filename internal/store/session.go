package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/instruktai/teleclaude/internal/common/errors"
)

// CreateSession inserts a new session row. A tmux name clash is an invariant
// violation surfaced as a conflict.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActivityAt.IsZero() {
		sess.LastActivityAt = now
	}
	if sess.Status == "" {
		sess.Status = SessionActive
	}
	if sess.AdapterMeta == "" {
		sess.AdapterMeta = "{}"
	}
	if sess.ThinkingMode == "" {
		sess.ThinkingMode = "med"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, tmux_name, cwd, agent, thinking_mode, title, status, origin, adapter_meta, computer, created_at, last_activity_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.TmuxName, sess.Cwd, sess.Agent, sess.ThinkingMode, sess.Title, sess.Status,
		sess.Origin, sess.AdapterMeta, sess.Computer, sess.CreatedAt, sess.LastActivityAt, sess.ClosedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Conflict(fmt.Sprintf("tmux session name '%s' already in use", sess.TmuxName))
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by full id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.reader().GetContext(ctx, &sess, `SELECT * FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("session", id)
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetSessionByShortID retrieves a session whose id begins with the short form.
func (s *Store) GetSessionByShortID(ctx context.Context, shortID string) (*Session, error) {
	var sess Session
	err := s.reader().GetContext(ctx, &sess, `
		SELECT * FROM sessions WHERE replace(id, '-', '') LIKE ? || '%' LIMIT 1
	`, shortID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("session", shortID)
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// ListSessions returns all sessions ordered by creation time.
func (s *Store) ListSessions(ctx context.Context) ([]*Session, error) {
	var sessions []*Session
	err := s.reader().SelectContext(ctx, &sessions, `SELECT * FROM sessions ORDER BY created_at`)
	return sessions, err
}

// ListActiveSessions returns sessions that are not closed or failed.
func (s *Store) ListActiveSessions(ctx context.Context) ([]*Session, error) {
	var sessions []*Session
	err := s.reader().SelectContext(ctx, &sessions, `
		SELECT * FROM sessions WHERE status NOT IN (?, ?) ORDER BY created_at
	`, SessionClosed, SessionFailed)
	return sessions, err
}

// UpdateSessionStatus sets the status and bumps last activity.
func (s *Store) UpdateSessionStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, last_activity_at = ? WHERE id = ?
	`, status, time.Now().UTC(), id)
	return err
}

// UpdateSessionTitle sets the session title.
func (s *Store) UpdateSessionTitle(ctx context.Context, id, title string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET title = ?, last_activity_at = ? WHERE id = ?
	`, title, time.Now().UTC(), id)
	return err
}

// TouchSession bumps last activity without changing status.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_activity_at = ? WHERE id = ?
	`, time.Now().UTC(), id)
	return err
}

// CloseSession marks a session closed. Closing an already-closed session is a
// no-op; the first close wins and the returned bool reports whether this call
// performed the transition.
func (s *Store) CloseSession(ctx context.Context, id string, status string) (bool, error) {
	if status == "" {
		status = SessionClosed
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, closed_at = ?, last_activity_at = ?
		WHERE id = ? AND status NOT IN (?, ?)
	`, status, now, now, id, SessionClosed, SessionFailed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteSession removes a session row; ux_state rows cascade.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
