// Package events defines the domain event vocabulary for the daemon.
package events

import "time"

// Event subjects for sessions
const (
	SessionStarted   = "session.started"
	SessionUpdated   = "session.updated"
	SessionClosed    = "session.closed"
	SessionDied      = "session.died"
	SessionCompleted = "session.completed"
	OutputChanged    = "session.output"
	SessionIdle      = "session.idle"
)

// Event subjects for agent lifecycle hooks
const (
	AgentActivity = "agent.activity"
)

// Event subjects for cross-machine and UX state
const (
	ComputerHeartbeat = "computer.heartbeat"
	TodoCreated       = "todo.created"
	TodoUpdated       = "todo.updated"
	TodoRemoved       = "todo.removed"
)

// Agent activity kinds carried by AgentActivity events.
const (
	ActivityUserPromptSubmit = "user_prompt_submit"
	ActivityToolUse          = "tool_use"
	ActivityToolDone         = "tool_done"
	ActivityAgentStop        = "agent_stop"
)

// SessionPayload carries session lifecycle event data.
type SessionPayload struct {
	SessionID string `json:"session_id"`
	ShortID   string `json:"short_id"`
	TmuxName  string `json:"tmux_name"`
	Agent     string `json:"agent"`
	Status    string `json:"status"`
	Title     string `json:"title,omitempty"`
	Origin    string `json:"origin,omitempty"`
	Computer  string `json:"computer,omitempty"`
}

// OutputPayload carries an incremental pane output delta. On completion
// events Text holds the accumulated tail of the command's output rather
// than a single delta.
type OutputPayload struct {
	SessionID string `json:"session_id"`
	ShortID   string `json:"short_id"`
	Text      string `json:"text"`
	Digest    string `json:"digest"`
	// StreamEdit marks deltas intended to edit a single running message.
	StreamEdit bool `json:"stream_edit"`
	// ExitCode is set on completion events when the exit marker carried one.
	ExitCode *int `json:"exit_code,omitempty"`
}

// ActivityPayload carries a normalized agent lifecycle hook.
type ActivityPayload struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"` // one of the Activity* constants
	Agent     string    `json:"agent"`
	Tool      string    `json:"tool,omitempty"`
	Preview   string    `json:"preview,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HeartbeatPayload carries a peer liveness refresh.
type HeartbeatPayload struct {
	Computer     string    `json:"computer"`
	Capabilities []string  `json:"capabilities,omitempty"`
	SeenAt       time.Time `json:"seen_at"`
}

// TodoPayload carries a todo-list mutation observed from agent artifacts.
type TodoPayload struct {
	SessionID string `json:"session_id"`
	TodoID    string `json:"todo_id"`
	Text      string `json:"text,omitempty"`
	State     string `json:"state,omitempty"`
}
