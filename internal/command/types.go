// Package command defines the typed command vocabulary, the validating
// ingress, and the durable queue worker.
package command

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/instruktai/teleclaude/internal/common/errors"
)

// Command kinds (normative enumeration).
const (
	KindNewSession       = "new_session"
	KindSendMessage      = "send_message"
	KindEndSession       = "end_session"
	KindStartAgent       = "start_agent"
	KindResumeAgent      = "resume_agent"
	KindAgentRestart     = "agent_restart"
	KindAgentThenMessage = "agent_then_message"
	KindRunAgentCommand  = "run_agent_command"
	KindDeploy           = "deploy"
	KindMarkAgentStatus  = "mark_agent_status"
)

// Source labels.
const (
	SourceAPI      = "api"
	SourceTelegram = "telegram"
	SourceDiscord  = "discord"
	SourceMCP      = "mcp"
	SourceCron     = "cron"
	SourceCLI      = "cli"
	SourceRedis    = "redis"
)

// Command is a tagged record entering the pipeline. Args holds the
// kind-specific variant; PayloadJSON is its persisted form.
type Command struct {
	Kind          string
	Source        string
	DedupKey      string
	CallerSession string
	Args          Args
}

// Args is implemented by every kind-specific argument struct.
type Args interface {
	Validate() error
}

// NewSessionArgs starts a fresh agent session.
type NewSessionArgs struct {
	Cwd          string `json:"cwd"`
	Agent        string `json:"agent"`
	ThinkingMode string `json:"thinking_mode,omitempty"`
	Title        string `json:"title,omitempty"`
	Message      string `json:"message,omitempty"`
}

// Validate implements Args.
func (a *NewSessionArgs) Validate() error {
	if a.Cwd == "" {
		return apperrors.Validation("new_session requires cwd")
	}
	switch a.ThinkingMode {
	case "", "fast", "med", "slow":
	default:
		return apperrors.Validation(fmt.Sprintf("unknown thinking mode '%s'", a.ThinkingMode))
	}
	return nil
}

// SendMessageArgs delivers text to a running session's pane.
type SendMessageArgs struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	// Raw suppresses the exit marker even when the pane is at the shell.
	Raw bool `json:"raw,omitempty"`
}

// Validate implements Args.
func (a *SendMessageArgs) Validate() error {
	if a.SessionID == "" {
		return apperrors.Validation("send_message requires session_id")
	}
	if a.Text == "" {
		return apperrors.Validation("send_message requires text")
	}
	return nil
}

// EndSessionArgs closes a session.
type EndSessionArgs struct {
	SessionID string `json:"session_id"`
}

// Validate implements Args.
func (a *EndSessionArgs) Validate() error {
	if a.SessionID == "" {
		return apperrors.Validation("end_session requires session_id")
	}
	return nil
}

// StartAgentArgs launches the agent program inside an existing session.
type StartAgentArgs struct {
	SessionID string `json:"session_id"`
	Agent     string `json:"agent,omitempty"`
}

// Validate implements Args.
func (a *StartAgentArgs) Validate() error {
	if a.SessionID == "" {
		return apperrors.Validation("start_agent requires session_id")
	}
	return nil
}

// ResumeAgentArgs resumes the most recent agent conversation in a session.
type ResumeAgentArgs struct {
	SessionID string `json:"session_id"`
	Agent     string `json:"agent,omitempty"`
}

// Validate implements Args.
func (a *ResumeAgentArgs) Validate() error {
	if a.SessionID == "" {
		return apperrors.Validation("resume_agent requires session_id")
	}
	return nil
}

// AgentRestartArgs kills and relaunches the agent program in a session.
type AgentRestartArgs struct {
	SessionID string `json:"session_id"`
}

// Validate implements Args.
func (a *AgentRestartArgs) Validate() error {
	if a.SessionID == "" {
		return apperrors.Validation("agent_restart requires session_id")
	}
	return nil
}

// AgentThenMessageArgs starts the agent and queues a first message behind it.
type AgentThenMessageArgs struct {
	SessionID string `json:"session_id"`
	Agent     string `json:"agent,omitempty"`
	Text      string `json:"text"`
}

// Validate implements Args.
func (a *AgentThenMessageArgs) Validate() error {
	if a.SessionID == "" {
		return apperrors.Validation("agent_then_message requires session_id")
	}
	if a.Text == "" {
		return apperrors.Validation("agent_then_message requires text")
	}
	return nil
}

// RunAgentCommandArgs runs an agent slash-command in a session.
type RunAgentCommandArgs struct {
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
}

// Validate implements Args.
func (a *RunAgentCommandArgs) Validate() error {
	if a.SessionID == "" {
		return apperrors.Validation("run_agent_command requires session_id")
	}
	if a.Command == "" {
		return apperrors.Validation("run_agent_command requires command")
	}
	return nil
}

// DeployArgs triggers a work-item dispatch via the next-machine orchestrator.
type DeployArgs struct {
	Slug     string `json:"slug"`
	Computer string `json:"computer,omitempty"`
}

// Validate implements Args.
func (a *DeployArgs) Validate() error {
	if a.Slug == "" {
		return apperrors.Validation("deploy requires slug")
	}
	return nil
}

// MarkAgentStatusArgs mutates agent availability.
type MarkAgentStatusArgs struct {
	Agent  string `json:"agent"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	// Until is RFC3339; empty means indefinite.
	Until string `json:"until,omitempty"`
}

// Validate implements Args.
func (a *MarkAgentStatusArgs) Validate() error {
	if a.Agent == "" {
		return apperrors.Validation("mark_agent_status requires agent")
	}
	switch a.Status {
	case "available", "unavailable", "degraded":
	default:
		return apperrors.Validation(fmt.Sprintf("unknown agent status '%s'", a.Status))
	}
	return nil
}

// DecodeArgs unmarshals a persisted payload into the typed variant for kind.
func DecodeArgs(kind, payloadJSON string) (Args, error) {
	var args Args
	switch kind {
	case KindNewSession:
		args = &NewSessionArgs{}
	case KindSendMessage:
		args = &SendMessageArgs{}
	case KindEndSession:
		args = &EndSessionArgs{}
	case KindStartAgent:
		args = &StartAgentArgs{}
	case KindResumeAgent:
		args = &ResumeAgentArgs{}
	case KindAgentRestart:
		args = &AgentRestartArgs{}
	case KindAgentThenMessage:
		args = &AgentThenMessageArgs{}
	case KindRunAgentCommand:
		args = &RunAgentCommandArgs{}
	case KindDeploy:
		args = &DeployArgs{}
	case KindMarkAgentStatus:
		args = &MarkAgentStatusArgs{}
	default:
		return nil, apperrors.Validation(fmt.Sprintf("unknown command kind '%s'", kind))
	}
	if err := json.Unmarshal([]byte(payloadJSON), args); err != nil {
		return nil, apperrors.Validation(fmt.Sprintf("malformed %s payload: %v", kind, err))
	}
	return args, nil
}

// EncodeArgs marshals typed args for persistence.
func EncodeArgs(args Args) (string, error) {
	if args == nil {
		return "{}", nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to encode command args: %w", err)
	}
	return string(data), nil
}
