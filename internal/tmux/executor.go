// Package tmux wraps the terminal multiplexer behind a small executor
// interface so session code can be tested without a live tmux server.
package tmux

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Executor runs multiplexer commands. RealExecutor shells out to tmux; tests
// substitute a fake.
type Executor interface {
	HasSession(ctx context.Context, session string) bool
	NewSession(ctx context.Context, session, workdir string, cols, rows int) error
	KillSession(ctx context.Context, session string) error
	SendKeys(ctx context.Context, session, keys string) error
	CapturePane(ctx context.Context, session string) (string, error)
	ListSessions(ctx context.Context) ([]string, error)
	CurrentCommand(ctx context.Context, session string) (string, error)
}

// RealExecutor executes real tmux commands.
type RealExecutor struct{}

// NewRealExecutor creates a new tmux executor.
func NewRealExecutor() *RealExecutor {
	return &RealExecutor{}
}

// HasSession checks if a session exists.
func (e *RealExecutor) HasSession(ctx context.Context, session string) bool {
	cmd := exec.CommandContext(ctx, "tmux", "has-session", "-t", session)
	return cmd.Run() == nil
}

// NewSession creates a new detached tmux session.
func (e *RealExecutor) NewSession(ctx context.Context, session, workdir string, cols, rows int) error {
	args := []string{"new-session", "-d", "-s", session}
	if workdir != "" {
		args = append(args, "-c", workdir)
	}
	if cols > 0 && rows > 0 {
		args = append(args, "-x", fmt.Sprintf("%d", cols), "-y", fmt.Sprintf("%d", rows))
	}

	cmd := exec.CommandContext(ctx, "tmux", args...)
	// Ensure we're not inside another tmux session
	cmd.Env = filterTMUXEnv(os.Environ())

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("tmux new-session failed: %s: %v", stderr.String(), err)
	}
	return nil
}

// KillSession kills a tmux session.
func (e *RealExecutor) KillSession(ctx context.Context, session string) error {
	cmd := exec.CommandContext(ctx, "tmux", "kill-session", "-t", session)
	return cmd.Run()
}

// SendKeys sends keys to the session's active pane followed by Enter.
func (e *RealExecutor) SendKeys(ctx context.Context, session, keys string) error {
	cmd := exec.CommandContext(ctx, "tmux", "send-keys", "-t", session, keys, "Enter")
	return cmd.Run()
}

// CapturePane captures the pane content including scrollback.
func (e *RealExecutor) CapturePane(ctx context.Context, session string) (string, error) {
	cmd := exec.CommandContext(ctx, "tmux", "capture-pane", "-t", session, "-p", "-S", "-")
	output, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(output), nil
}

// ListSessions lists all tmux sessions.
func (e *RealExecutor) ListSessions(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, "tmux", "list-sessions", "-F", "#{session_name}")
	output, err := cmd.Output()
	if err != nil {
		// No sessions is not an error
		if strings.Contains(err.Error(), "no server running") {
			return nil, nil
		}
		return nil, err
	}

	var sessions []string
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			sessions = append(sessions, line)
		}
	}
	return sessions, nil
}

// CurrentCommand returns the foreground command of the session's active pane.
func (e *RealExecutor) CurrentCommand(ctx context.Context, session string) (string, error) {
	cmd := exec.CommandContext(ctx, "tmux", "display-message", "-t", session, "-p", "#{pane_current_command}")
	output, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}

// filterTMUXEnv drops TMUX* variables so nested invocations do not confuse
// the server about the current client.
func filterTMUXEnv(env []string) []string {
	filtered := make([]string, 0, len(env))
	for _, e := range env {
		if strings.HasPrefix(e, "TMUX=") || strings.HasPrefix(e, "TMUX_PANE=") {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered
}
