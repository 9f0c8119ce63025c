package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/instruktai/teleclaude/internal/common/errors"
)

// AppendCommand inserts a pending queue entry. When an entry with the same
// (source, dedup_key) already exists, the prior entry id is returned with
// duplicate=true and nothing is written.
func (s *Store) AppendCommand(ctx context.Context, entry *QueueEntry) (id int64, duplicate bool, err error) {
	if entry.AcceptedAt.IsZero() {
		entry.AcceptedAt = time.Now().UTC()
	}
	if entry.State == "" {
		entry.State = QueuePending
	}
	if entry.PayloadJSON == "" {
		entry.PayloadJSON = "{}"
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO command_queue (kind, source, dedup_key, payload_json, caller_session, state, attempts, last_error, accepted_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, '', ?)
	`, entry.Kind, entry.Source, entry.DedupKey, entry.PayloadJSON, entry.CallerSession, entry.State, entry.AcceptedAt)
	if err != nil {
		if isUniqueViolation(err) {
			var prior int64
			lookupErr := s.db.QueryRowContext(ctx, `
				SELECT id FROM command_queue WHERE source = ? AND dedup_key = ?
			`, entry.Source, entry.DedupKey).Scan(&prior)
			if lookupErr != nil {
				return 0, false, apperrors.Durability("dedup lookup failed", lookupErr)
			}
			return prior, true, nil
		}
		return 0, false, apperrors.Durability("queue write failed", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, false, apperrors.Durability("queue id lookup failed", err)
	}
	return id, false, nil
}

// ClaimNextCommand atomically transitions the oldest pending entry for the
// given source class to in_flight and returns it. Returns nil when the queue
// is empty. The single-statement UPDATE keeps at most one worker in flight
// per entry.
func (s *Store) ClaimNextCommand(ctx context.Context, sources []string) (*QueueEntry, error) {
	if len(sources) == 0 {
		return nil, nil
	}
	query, args, err := buildInQuery(`
		UPDATE command_queue
		SET state = ?, in_flight_since = ?
		WHERE id = (
			SELECT id FROM command_queue
			WHERE state = ? AND source IN (%s)
			ORDER BY accepted_at, id LIMIT 1
		)
		RETURNING id
	`, sources)
	if err != nil {
		return nil, err
	}
	full := append([]any{QueueInFlight, time.Now().UTC(), QueuePending}, args...)

	var id int64
	err = s.db.QueryRowContext(ctx, query, full...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entry QueueEntry
	if err := s.db.GetContext(ctx, &entry, `SELECT * FROM command_queue WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &entry, nil
}

// MarkCommandDelivered records successful execution.
func (s *Store) MarkCommandDelivered(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE command_queue SET state = ?, last_error = '' WHERE id = ?
	`, QueueDelivered, id)
	return err
}

// MarkCommandFailed records terminal failure with the error text.
func (s *Store) MarkCommandFailed(ctx context.Context, id int64, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE command_queue SET state = ?, last_error = ? WHERE id = ?
	`, QueueFailed, lastError, id)
	return err
}

// RequeueCommand returns an in-flight entry to pending with an incremented
// attempt count, recording the error that interrupted it.
func (s *Store) RequeueCommand(ctx context.Context, id int64, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE command_queue
		SET state = ?, attempts = attempts + 1, last_error = ?, in_flight_since = NULL
		WHERE id = ?
	`, QueuePending, lastError, id)
	return err
}

// GetCommand retrieves a queue entry by id.
func (s *Store) GetCommand(ctx context.Context, id int64) (*QueueEntry, error) {
	var entry QueueEntry
	err := s.reader().GetContext(ctx, &entry, `SELECT * FROM command_queue WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("command", fmt.Sprintf("%d", id))
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// PendingCommandCount returns how many entries are awaiting a worker.
func (s *Store) PendingCommandCount(ctx context.Context) (int, error) {
	var n int
	err := s.reader().GetContext(ctx, &n, `SELECT COUNT(*) FROM command_queue WHERE state = ?`, QueuePending)
	return n, err
}

// PurgeDeliveredCommands removes delivered entries older than the cutoff.
func (s *Store) PurgeDeliveredCommands(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM command_queue WHERE state = ? AND accepted_at < ?
	`, QueueDelivered, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// buildInQuery expands a single %s placeholder with len(vals) question marks.
func buildInQuery(query string, vals []string) (string, []any, error) {
	if len(vals) == 0 {
		return "", nil, fmt.Errorf("empty IN list")
	}
	marks := "?"
	for i := 1; i < len(vals); i++ {
		marks += ", ?"
	}
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return fmt.Sprintf(query, marks), args, nil
}
