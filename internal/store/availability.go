package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SetAgentAvailability upserts the routing state for one agent kind.
func (s *Store) SetAgentAvailability(ctx context.Context, a *AgentAvailability) error {
	a.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_availability (agent, status, reason, unavailable_until, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			unavailable_until = excluded.unavailable_until,
			updated_at = excluded.updated_at
	`, a.Agent, a.Status, a.Reason, a.UnavailableUntil, a.UpdatedAt)
	return err
}

// GetAgentAvailability returns the current routing state for an agent.
// An unavailable or degraded agent whose unavailable_until has passed is
// treated as available: the expiry clears on read, no explicit reset needed.
func (s *Store) GetAgentAvailability(ctx context.Context, agent string) (*AgentAvailability, error) {
	var a AgentAvailability
	err := s.reader().GetContext(ctx, &a, `SELECT * FROM agent_availability WHERE agent = ?`, agent)
	if errors.Is(err, sql.ErrNoRows) {
		return &AgentAvailability{Agent: agent, Status: AgentAvailable}, nil
	}
	if err != nil {
		return nil, err
	}
	if a.Status != AgentAvailable && a.UnavailableUntil != nil && a.UnavailableUntil.Before(time.Now().UTC()) {
		a.Status = AgentAvailable
		a.Reason = ""
		a.UnavailableUntil = nil
		// Persist the expiry clearing so later reads and snapshots agree.
		if err := s.SetAgentAvailability(ctx, &a); err != nil {
			return nil, err
		}
	}
	return &a, nil
}

// ListAgentAvailability returns the state of every known agent.
func (s *Store) ListAgentAvailability(ctx context.Context) ([]*AgentAvailability, error) {
	var rows []*AgentAvailability
	err := s.reader().SelectContext(ctx, &rows, `SELECT * FROM agent_availability ORDER BY agent`)
	return rows, err
}
