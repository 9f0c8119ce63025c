package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// UpsertSnapshot replaces one materialized view row.
func (s *Store) UpsertSnapshot(ctx context.Context, entityKind, entityID, data string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshot_cache (entity_kind, entity_id, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_kind, entity_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, entityKind, entityID, data, time.Now().UTC())
	return err
}

// GetSnapshot returns one row, or nil when absent (a cache miss, not an error).
func (s *Store) GetSnapshot(ctx context.Context, entityKind, entityID string) (*Snapshot, error) {
	var snap Snapshot
	err := s.reader().GetContext(ctx, &snap, `
		SELECT * FROM snapshot_cache WHERE entity_kind = ? AND entity_id = ?
	`, entityKind, entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListSnapshots returns every row of one entity kind.
func (s *Store) ListSnapshots(ctx context.Context, entityKind string) ([]*Snapshot, error) {
	var rows []*Snapshot
	err := s.reader().SelectContext(ctx, &rows, `
		SELECT * FROM snapshot_cache WHERE entity_kind = ? ORDER BY entity_id
	`, entityKind)
	return rows, err
}

// DeleteSnapshot removes one row.
func (s *Store) DeleteSnapshot(ctx context.Context, entityKind, entityID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshot_cache WHERE entity_kind = ? AND entity_id = ?
	`, entityKind, entityID)
	return err
}

// TruncateSnapshots empties the cache table. The cache is strictly derived;
// the next warm-up or event replay rebuilds it.
func (s *Store) TruncateSnapshots(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshot_cache`)
	return err
}
