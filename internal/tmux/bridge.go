package tmux

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/instruktai/teleclaude/internal/common/logger"
)

// SessionPrefix is prepended to the session short id to form the tmux
// session name.
const SessionPrefix = "tc_"

// Bridge exposes the multiplexer operations the daemon core needs. Each
// operation is stateless; sessions are identified by name.
type Bridge struct {
	exec  Executor
	shell string // login shell basename, computed once at startup
	log   *logger.Logger
}

// NewBridge creates a bridge over the given executor. shellOverride replaces
// the $SHELL-derived name when non-empty.
func NewBridge(exec Executor, shellOverride string, log *logger.Logger) *Bridge {
	shell := shellOverride
	if shell == "" {
		shell = filepath.Base(os.Getenv("SHELL"))
	}
	if shell == "" || shell == "." {
		shell = "bash"
	}
	return &Bridge{
		exec:  exec,
		shell: shell,
		log:   log.WithFields(zap.String("component", "tmux_bridge")),
	}
}

// SessionName derives the tmux session name from a session short id.
func SessionName(shortID string) string {
	return SessionPrefix + shortID
}

// Create creates a detached session.
func (b *Bridge) Create(ctx context.Context, name, cwd string, cols, rows int) error {
	if b.exec.HasSession(ctx, name) {
		return fmt.Errorf("tmux session %q already exists", name)
	}
	return b.exec.NewSession(ctx, name, cwd, cols, rows)
}

// Kill terminates a session. Killing a dead session is not an error.
func (b *Bridge) Kill(ctx context.Context, name string) error {
	if !b.exec.HasSession(ctx, name) {
		return nil
	}
	return b.exec.KillSession(ctx, name)
}

// Exists reports pane liveness.
func (b *Bridge) Exists(ctx context.Context, name string) bool {
	return b.exec.HasSession(ctx, name)
}

// List returns the names of all live tc_ sessions.
func (b *Bridge) List(ctx context.Context) ([]string, error) {
	all, err := b.exec.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	var ours []string
	for _, name := range all {
		if strings.HasPrefix(name, SessionPrefix) {
			ours = append(ours, name)
		}
	}
	return ours, nil
}

// CurrentCommand returns the pane's foreground command name.
func (b *Bridge) CurrentCommand(ctx context.Context, name string) (string, error) {
	return b.exec.CurrentCommand(ctx, name)
}

// SendKeys delivers text to the pane. When appendMarker is true and the
// pane's foreground command is the login shell, an exit marker is appended
// and its hash returned; input to a running program always passes through
// untouched with an empty hash.
func (b *Bridge) SendKeys(ctx context.Context, name, text string, appendMarker bool) (markerHash string, err error) {
	if appendMarker {
		current, err := b.exec.CurrentCommand(ctx, name)
		if err != nil {
			return "", fmt.Errorf("failed to inspect pane command: %w", err)
		}
		if current == b.shell {
			hash := NewMarkerHash()
			full := text + "; " + MarkerCommand(hash)
			if err := b.exec.SendKeys(ctx, name, full); err != nil {
				return "", err
			}
			return hash, nil
		}
		b.log.Debug("pane busy, sending input without marker",
			zap.String("session", name),
			zap.String("current_command", current))
	}
	if err := b.exec.SendKeys(ctx, name, text); err != nil {
		return "", err
	}
	return "", nil
}

// Capture returns the bytes of pane output past the cursor, plus the new
// cursor. The cursor is a byte offset into the captured history.
func (b *Bridge) Capture(ctx context.Context, name string, cursor int) (text string, newCursor int, err error) {
	full, err := b.exec.CapturePane(ctx, name)
	if err != nil {
		return "", cursor, err
	}
	if cursor > len(full) {
		// Scrollback was trimmed or the pane was reset; start over.
		cursor = 0
	}
	return full[cursor:], len(full), nil
}

// Shell returns the login shell basename markers are gated on.
func (b *Bridge) Shell() string {
	return b.shell
}
