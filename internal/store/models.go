package store

import "time"

// Session status values.
const (
	SessionActive       = "active"
	SessionIdle         = "idle"
	SessionDisconnected = "disconnected"
	SessionClosed       = "closed"
	SessionFailed       = "failed"
)

// Queue entry states.
const (
	QueuePending   = "pending"
	QueueInFlight  = "in_flight"
	QueueDelivered = "delivered"
	QueueFailed    = "failed"
)

// Outbox entry states.
const (
	OutboxPending    = "pending"
	OutboxProcessing = "processing"
	OutboxDelivered  = "delivered"
)

// Agent availability states.
const (
	AgentAvailable   = "available"
	AgentUnavailable = "unavailable"
	AgentDegraded    = "degraded"
)

// Session is an agent terminal session owned by this or a peer computer.
type Session struct {
	ID             string     `db:"id"`
	TmuxName       string     `db:"tmux_name"`
	Cwd            string     `db:"cwd"`
	Agent          string     `db:"agent"`
	ThinkingMode   string     `db:"thinking_mode"`
	Title          string     `db:"title"`
	Status         string     `db:"status"`
	Origin         string     `db:"origin"`
	AdapterMeta    string     `db:"adapter_meta"` // JSON blob
	Computer       string     `db:"computer"`
	CreatedAt      time.Time  `db:"created_at"`
	LastActivityAt time.Time  `db:"last_activity_at"`
	ClosedAt       *time.Time `db:"closed_at"`
}

// ShortID returns the first 8 hex characters of the session id.
func (s *Session) ShortID() string {
	return ShortID(s.ID)
}

// ShortID derives the short form of a session id.
func ShortID(id string) string {
	clean := make([]byte, 0, 8)
	for i := 0; i < len(id) && len(clean) < 8; i++ {
		if id[i] != '-' {
			clean = append(clean, id[i])
		}
	}
	return string(clean)
}

// QueueEntry is a durable command awaiting (or finished with) execution.
type QueueEntry struct {
	ID            int64      `db:"id"`
	Kind          string     `db:"kind"`
	Source        string     `db:"source"`
	DedupKey      string     `db:"dedup_key"`
	PayloadJSON   string     `db:"payload_json"`
	CallerSession string     `db:"caller_session"`
	State         string     `db:"state"`
	Attempts      int        `db:"attempts"`
	LastError     string     `db:"last_error"`
	AcceptedAt    time.Time  `db:"accepted_at"`
	InFlightSince *time.Time `db:"in_flight_since"`
}

// OutboxEntry is a durable agent-lifecycle hook event awaiting processing.
type OutboxEntry struct {
	ID          int64      `db:"id"`
	SessionID   string     `db:"session_id"`
	Kind        string     `db:"kind"`
	Agent       string     `db:"agent"`
	Tool        string     `db:"tool"`
	Preview     string     `db:"preview"`
	Summary     string     `db:"summary"`
	PayloadJSON string     `db:"payload_json"`
	State       string     `db:"state"`
	LockToken   string     `db:"lock_token"`
	LockedUntil *time.Time `db:"locked_until"`
	CreatedAt   time.Time  `db:"created_at"`
}

// UXState is a per-platform ephemeral key/value row used to re-render after
// daemon restart (editable message ids, pending deletions, thread ids,
// delivered-message digests).
type UXState struct {
	Platform  string    `db:"platform"`
	SessionID string    `db:"session_id"`
	Key       string    `db:"key"`
	Value     string    `db:"value"` // JSON blob
	UpdatedAt time.Time `db:"updated_at"`
}

// AgentAvailability records routing state for one agent kind.
type AgentAvailability struct {
	Agent            string     `db:"agent"`
	Status           string     `db:"status"`
	Reason           string     `db:"reason"`
	UnavailableUntil *time.Time `db:"unavailable_until"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

// Snapshot is one materialized JSON view row keyed by (entity kind, entity id).
type Snapshot struct {
	EntityKind string    `db:"entity_kind"`
	EntityID   string    `db:"entity_id"`
	Data       string    `db:"data"` // JSON blob
	UpdatedAt  time.Time `db:"updated_at"`
}

// CheckpointState persists the last checkpoint decision per session. Turn ids
// are held in coordinator memory, so after a daemon restart the next stop
// starts a fresh turn and can block once more.
type CheckpointState struct {
	SessionID string    `db:"session_id"`
	TurnID    string    `db:"turn_id"`
	Blocked   bool      `db:"blocked"`
	DecidedAt time.Time `db:"decided_at"`
}
