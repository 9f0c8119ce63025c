package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/instruktai/teleclaude/internal/common/errors"
)

// AppendHook inserts a pending outbox row for an agent lifecycle hook.
func (s *Store) AppendHook(ctx context.Context, entry *OutboxEntry) (int64, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.State == "" {
		entry.State = OutboxPending
	}
	if entry.PayloadJSON == "" {
		entry.PayloadJSON = "{}"
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO hook_outbox (session_id, kind, agent, tool, preview, summary, payload_json, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.SessionID, entry.Kind, entry.Agent, entry.Tool, entry.Preview, entry.Summary,
		entry.PayloadJSON, entry.State, entry.CreatedAt)
	if err != nil {
		return 0, apperrors.Durability("outbox write failed", err)
	}
	return res.LastInsertId()
}

// ClaimNextHook atomically transitions the oldest pending row to processing
// under a fresh lock token with the given expiry. Returns nil when nothing is
// pending. Concurrent processors are safe: the state transition is a single
// UPDATE and only one claimant observes the row.
func (s *Store) ClaimNextHook(ctx context.Context, lockFor time.Duration) (*OutboxEntry, error) {
	token := uuid.New().String()
	lockedUntil := time.Now().UTC().Add(lockFor)

	var id int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE hook_outbox
		SET state = ?, lock_token = ?, locked_until = ?
		WHERE id = (
			SELECT id FROM hook_outbox WHERE state = ? ORDER BY created_at, id LIMIT 1
		)
		RETURNING id
	`, OutboxProcessing, token, lockedUntil, OutboxPending).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entry OutboxEntry
	if err := s.db.GetContext(ctx, &entry, `SELECT * FROM hook_outbox WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &entry, nil
}

// MarkHookDelivered completes a processing row. The lock token must still
// match; a mismatch means the watchdog already re-pended the row and another
// processor may own it.
func (s *Store) MarkHookDelivered(ctx context.Context, id int64, lockToken string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE hook_outbox SET state = ?, lock_token = '', locked_until = NULL
		WHERE id = ? AND lock_token = ? AND state = ?
	`, OutboxDelivered, id, lockToken, OutboxProcessing)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.Invariant("outbox lock token mismatch on delivery")
	}
	return nil
}

// ReleaseExpiredHooks re-pends processing rows whose locks expired. Fail-open
// recovery: a crashed processor's rows become claimable again.
func (s *Store) ReleaseExpiredHooks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE hook_outbox SET state = ?, lock_token = '', locked_until = NULL
		WHERE state = ? AND locked_until < ?
	`, OutboxPending, OutboxProcessing, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PendingHookCount returns how many hook rows await processing.
func (s *Store) PendingHookCount(ctx context.Context) (int, error) {
	var n int
	err := s.reader().GetContext(ctx, &n, `SELECT COUNT(*) FROM hook_outbox WHERE state = ?`, OutboxPending)
	return n, err
}

// PurgeDeliveredHooks removes delivered rows older than the cutoff.
func (s *Store) PurgeDeliveredHooks(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM hook_outbox WHERE state = ? AND created_at < ?
	`, OutboxDelivered, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
