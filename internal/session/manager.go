// Package session manages the lifecycle of agent terminal sessions: spawn,
// persist, resolve, close, and the periodic death sweep.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/instruktai/teleclaude/internal/common/config"
	apperrors "github.com/instruktai/teleclaude/internal/common/errors"
	"github.com/instruktai/teleclaude/internal/common/logger"
	"github.com/instruktai/teleclaude/internal/events"
	"github.com/instruktai/teleclaude/internal/events/bus"
	"github.com/instruktai/teleclaude/internal/poller"
	"github.com/instruktai/teleclaude/internal/routing"
	"github.com/instruktai/teleclaude/internal/store"
	"github.com/instruktai/teleclaude/internal/tmux"
)

// sweepInterval is how often the death sweep reconciles pane liveness
// against active session rows.
const sweepInterval = 15 * time.Second

// defaultCols/Rows size new panes.
const (
	defaultCols = 220
	defaultRows = 50
)

// StartParams describes a new session request.
type StartParams struct {
	Cwd          string
	Agent        string
	ThinkingMode string
	Title        string
	Origin       string
	// Message, when set, is sent into the pane after creation with an exit
	// marker so the first command's completion is observable.
	Message string
}

// Manager owns agent session lifecycle.
type Manager struct {
	cfg      *config.Config
	store    *store.Store
	bridge   *tmux.Bridge
	pollers  *poller.Registry
	resolver *routing.Resolver
	bus      bus.EventBus
	log      *logger.Logger
}

// NewManager creates the session manager.
func NewManager(cfg *config.Config, st *store.Store, bridge *tmux.Bridge, pollers *poller.Registry, resolver *routing.Resolver, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    st,
		bridge:   bridge,
		pollers:  pollers,
		resolver: resolver,
		bus:      eventBus,
		log:      log.WithFields(zap.String("component", "session_manager")),
	}
}

// Start creates a session: a persistence row, a detached multiplexer pane,
// an optional initial command, and a poller registration.
func (m *Manager) Start(ctx context.Context, params StartParams, source string) (*store.Session, error) {
	if !m.cfg.TrustedDir(params.Cwd) {
		return nil, apperrors.Validation(fmt.Sprintf("working directory '%s' is not trusted", params.Cwd))
	}

	agent, rejection := m.resolver.Resolve(ctx, params.Agent, source, params.ThinkingMode)
	if rejection != nil {
		return nil, apperrors.Unavailable(rejection.Agent, rejection.Reason)
	}

	mode := params.ThinkingMode
	if mode == "" {
		mode = "med"
	}

	id := uuid.New().String()
	sess := &store.Session{
		ID:           id,
		TmuxName:     tmux.SessionName(store.ShortID(id)),
		Cwd:          params.Cwd,
		Agent:        agent,
		ThinkingMode: mode,
		Title:        params.Title,
		Status:       store.SessionActive,
		Origin:       source,
		Computer:     m.cfg.Computer.Name,
	}

	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	if err := m.bridge.Create(ctx, sess.TmuxName, sess.Cwd, defaultCols, defaultRows); err != nil {
		// Mark the row failed; it stays as history and keeps its tmux name.
		if _, closeErr := m.store.CloseSession(ctx, sess.ID, store.SessionFailed); closeErr != nil {
			m.log.Error("failed to mark failed session", zap.Error(closeErr))
		}
		return nil, apperrors.Transient("multiplexer session creation failed", err)
	}

	markerHash := ""
	if params.Message != "" {
		hash, err := m.bridge.SendKeys(ctx, sess.TmuxName, params.Message, true)
		if err != nil {
			m.log.Warn("initial command delivery failed", zap.Error(err))
		} else {
			markerHash = hash
		}
	}

	m.pollers.Watch(sess.ID, sess.ShortID(), sess.TmuxName, markerHash)

	m.publish(events.SessionStarted, sess)
	m.log.Info("session started",
		zap.String("session_id", sess.ID),
		zap.String("tmux_name", sess.TmuxName),
		zap.String("agent", agent),
		zap.String("source", source))
	return sess, nil
}

// SendMessage delivers text to a session's pane. Unless raw is set the
// bridge appends an exit marker when the pane sits at the shell prompt, and
// a fresh poller watch picks up the command's output.
func (m *Manager) SendMessage(ctx context.Context, id, text string, raw bool) error {
	sess, err := m.resolve(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status == store.SessionClosed || sess.Status == store.SessionFailed {
		return apperrors.Validation(fmt.Sprintf("session '%s' is closed", id))
	}

	hash, err := m.bridge.SendKeys(ctx, sess.TmuxName, text, !raw)
	if err != nil {
		return apperrors.Transient("send-keys failed", err)
	}

	m.pollers.Watch(sess.ID, sess.ShortID(), sess.TmuxName, hash)
	if err := m.store.TouchSession(ctx, sess.ID); err != nil {
		m.log.Warn("failed to touch session", zap.Error(err))
	}
	return nil
}

// StartAgent launches the configured agent program inside a session.
func (m *Manager) StartAgent(ctx context.Context, id, agent, source string) error {
	sess, err := m.resolve(ctx, id)
	if err != nil {
		return err
	}
	if agent == "" {
		agent = sess.Agent
	}
	resolved, rejection := m.resolver.Resolve(ctx, agent, source, sess.ThinkingMode)
	if rejection != nil {
		return apperrors.Unavailable(rejection.Agent, rejection.Reason)
	}
	return m.SendMessage(ctx, id, m.agentCommand(resolved, false), true)
}

// ResumeAgent relaunches the agent program continuing its last conversation.
func (m *Manager) ResumeAgent(ctx context.Context, id, agent, source string) error {
	sess, err := m.resolve(ctx, id)
	if err != nil {
		return err
	}
	if agent == "" {
		agent = sess.Agent
	}
	resolved, rejection := m.resolver.Resolve(ctx, agent, source, sess.ThinkingMode)
	if rejection != nil {
		return apperrors.Unavailable(rejection.Agent, rejection.Reason)
	}
	return m.SendMessage(ctx, id, m.agentCommand(resolved, true), true)
}

// RunAgentCommand forwards a slash-command to the agent program.
func (m *Manager) RunAgentCommand(ctx context.Context, id, cmd string) error {
	if !strings.HasPrefix(cmd, "/") {
		cmd = "/" + cmd
	}
	return m.SendMessage(ctx, id, cmd, true)
}

// Close terminates a session. Closure is idempotent: repeated closes after
// the first are no-ops.
func (m *Manager) Close(ctx context.Context, id string) error {
	sess, err := m.resolve(ctx, id)
	if err != nil {
		return err
	}

	transitioned, err := m.store.CloseSession(ctx, sess.ID, store.SessionClosed)
	if err != nil {
		return err
	}
	if !transitioned {
		return nil
	}

	if err := m.bridge.Kill(ctx, sess.TmuxName); err != nil {
		m.log.Warn("kill-session failed", zap.Error(err), zap.String("tmux_name", sess.TmuxName))
	}
	m.pollers.Stop(sess.ID, sess.ShortID())
	if err := m.store.DeleteSessionUXState(ctx, sess.ID); err != nil {
		m.log.Warn("ux state cleanup failed", zap.Error(err))
	}

	sess.Status = store.SessionClosed
	m.publish(events.SessionClosed, sess)
	m.log.Info("session closed", zap.String("session_id", sess.ID))
	return nil
}

// Get resolves a session by full or short id.
func (m *Manager) Get(ctx context.Context, id string) (*store.Session, error) {
	return m.resolve(ctx, id)
}

// List returns all sessions.
func (m *Manager) List(ctx context.Context) ([]*store.Session, error) {
	return m.store.ListSessions(ctx)
}

// RunSweep periodically reconciles pane liveness against active sessions and
// closes sessions whose panes vanished externally.
func (m *Manager) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	active, err := m.store.ListActiveSessions(ctx)
	if err != nil {
		m.log.Error("sweep listing failed", zap.Error(err))
		return
	}
	for _, sess := range active {
		if sess.Computer != m.cfg.Computer.Name {
			continue
		}
		if m.bridge.Exists(ctx, sess.TmuxName) {
			continue
		}
		transitioned, err := m.store.CloseSession(ctx, sess.ID, store.SessionClosed)
		if err != nil {
			m.log.Error("sweep close failed", zap.Error(err), zap.String("session_id", sess.ID))
			continue
		}
		if !transitioned {
			continue
		}
		m.pollers.Stop(sess.ID, sess.ShortID())
		if err := m.store.DeleteSessionUXState(ctx, sess.ID); err != nil {
			m.log.Warn("ux state cleanup failed", zap.Error(err))
		}
		sess.Status = store.SessionClosed
		m.publish(events.SessionDied, sess)
		m.log.Warn("session pane vanished, closed",
			zap.String("session_id", sess.ID),
			zap.String("tmux_name", sess.TmuxName))
	}
}

// resolve looks a session up by full id first, then by short id.
func (m *Manager) resolve(ctx context.Context, id string) (*store.Session, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err == nil {
		return sess, nil
	}
	if len(id) == 8 {
		return m.store.GetSessionByShortID(ctx, id)
	}
	return nil, err
}

// agentCommand composes the shell command that launches an agent program.
func (m *Manager) agentCommand(agent string, resume bool) string {
	cmd := agent
	if a, ok := m.cfg.Agents[agent]; ok && a.Command != "" {
		cmd = a.Command
	}
	if resume {
		cmd += " --continue"
	}
	return cmd
}

func (m *Manager) publish(subject string, sess *store.Session) {
	payload := &events.SessionPayload{
		SessionID: sess.ID,
		ShortID:   sess.ShortID(),
		TmuxName:  sess.TmuxName,
		Agent:     sess.Agent,
		Status:    sess.Status,
		Title:     sess.Title,
		Origin:    sess.Origin,
		Computer:  sess.Computer,
	}
	if err := m.bus.Publish(context.Background(), subject, bus.NewEvent(subject, "session_manager", payload)); err != nil {
		m.log.Error("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
