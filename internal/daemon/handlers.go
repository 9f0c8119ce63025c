package daemon

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/instruktai/teleclaude/internal/command"
	apperrors "github.com/instruktai/teleclaude/internal/common/errors"
	"github.com/instruktai/teleclaude/internal/session"
	"github.com/instruktai/teleclaude/internal/store"
)

// handlers builds the per-kind dispatch table for the queue worker. Every
// launch path funnels through the session manager, which consults the
// routing resolver; no handler keeps a local fallback.
func (d *Daemon) handlers() map[string]command.Handler {
	return map[string]command.Handler{
		command.KindNewSession:       d.handleNewSession,
		command.KindSendMessage:      d.handleSendMessage,
		command.KindEndSession:       d.handleEndSession,
		command.KindStartAgent:       d.handleStartAgent,
		command.KindResumeAgent:      d.handleResumeAgent,
		command.KindAgentRestart:     d.handleAgentRestart,
		command.KindAgentThenMessage: d.handleAgentThenMessage,
		command.KindRunAgentCommand:  d.handleRunAgentCommand,
		command.KindDeploy:           d.handleDeploy,
		command.KindMarkAgentStatus:  d.handleMarkAgentStatus,
	}
}

func (d *Daemon) handleNewSession(ctx context.Context, entry *store.QueueEntry, args command.Args) error {
	a := args.(*command.NewSessionArgs)
	sess, err := d.sessions.Start(ctx, session.StartParams{
		Cwd:          a.Cwd,
		Agent:        a.Agent,
		ThinkingMode: a.ThinkingMode,
		Title:        a.Title,
		Origin:       entry.Source,
		Message:      a.Message,
	}, entry.Source)
	if err != nil {
		return err
	}
	d.log.Info("session created by command",
		zap.String("session_id", sess.ID),
		zap.String("source", entry.Source))
	return nil
}

func (d *Daemon) handleSendMessage(ctx context.Context, entry *store.QueueEntry, args command.Args) error {
	a := args.(*command.SendMessageArgs)
	return d.sessions.SendMessage(ctx, a.SessionID, a.Text, a.Raw)
}

func (d *Daemon) handleEndSession(ctx context.Context, entry *store.QueueEntry, args command.Args) error {
	a := args.(*command.EndSessionArgs)
	return d.sessions.Close(ctx, a.SessionID)
}

func (d *Daemon) handleStartAgent(ctx context.Context, entry *store.QueueEntry, args command.Args) error {
	a := args.(*command.StartAgentArgs)
	return d.sessions.StartAgent(ctx, a.SessionID, a.Agent, entry.Source)
}

func (d *Daemon) handleResumeAgent(ctx context.Context, entry *store.QueueEntry, args command.Args) error {
	a := args.(*command.ResumeAgentArgs)
	return d.sessions.ResumeAgent(ctx, a.SessionID, a.Agent, entry.Source)
}

func (d *Daemon) handleAgentRestart(ctx context.Context, entry *store.QueueEntry, args command.Args) error {
	a := args.(*command.AgentRestartArgs)
	// The relaunch reuses the session's own agent; the routing check still
	// applies in case availability changed since the session started.
	return d.sessions.StartAgent(ctx, a.SessionID, "", entry.Source)
}

func (d *Daemon) handleAgentThenMessage(ctx context.Context, entry *store.QueueEntry, args command.Args) error {
	a := args.(*command.AgentThenMessageArgs)
	if err := d.sessions.StartAgent(ctx, a.SessionID, a.Agent, entry.Source); err != nil {
		return err
	}
	// Give the agent program a moment to come up before the first message.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(3 * time.Second):
	}
	return d.sessions.SendMessage(ctx, a.SessionID, a.Text, true)
}

func (d *Daemon) handleRunAgentCommand(ctx context.Context, entry *store.QueueEntry, args command.Args) error {
	a := args.(*command.RunAgentCommandArgs)
	return d.sessions.RunAgentCommand(ctx, a.SessionID, a.Command)
}

func (d *Daemon) handleDeploy(ctx context.Context, entry *store.QueueEntry, args command.Args) error {
	a := args.(*command.DeployArgs)

	// A deploy aimed at a peer machine travels over the transport; the peer
	// resolves the work item locally.
	if a.Computer != "" && a.Computer != d.cfg.Computer.Name {
		if d.transport == nil {
			return apperrors.Validation("cross-machine deploy requested but transport is disabled")
		}
		payload := fmt.Sprintf(`{"kind":"deploy","args":{"slug":%q}}`, a.Slug)
		resp, err := d.transport.Request(ctx, a.Computer, []byte(payload))
		if err != nil {
			return apperrors.Transient(fmt.Sprintf("remote deploy to '%s' failed", a.Computer), err)
		}
		d.log.Info("remote deploy accepted",
			zap.String("computer", a.Computer),
			zap.ByteString("response", resp))
		return nil
	}

	resolution, err := d.orchestrator.Resolve(ctx, a.Slug)
	if err != nil {
		return err
	}
	switch resolution.Outcome {
	case "dispatch":
		resolution.Dispatch.Source = entry.Source
		if _, err := d.ingress.Submit(ctx, resolution.Dispatch); err != nil {
			return err
		}
		d.log.Info("deploy dispatched",
			zap.String("slug", a.Slug),
			zap.String("phase", resolution.Phase))
	case "blocked":
		return apperrors.Validation(fmt.Sprintf("work item '%s' blocked by %v", a.Slug, resolution.Blocking))
	case "done":
		d.log.Info("work item already done", zap.String("slug", a.Slug))
	default:
		d.log.Info("deploy needs preparation",
			zap.String("slug", a.Slug),
			zap.String("instruction", resolution.Instruction))
	}
	return nil
}

func (d *Daemon) handleMarkAgentStatus(ctx context.Context, entry *store.QueueEntry, args command.Args) error {
	a := args.(*command.MarkAgentStatusArgs)
	avail := &store.AgentAvailability{
		Agent:  a.Agent,
		Status: a.Status,
		Reason: a.Reason,
	}
	if a.Until != "" {
		until, err := time.Parse(time.RFC3339, a.Until)
		if err != nil {
			return apperrors.Validation(fmt.Sprintf("malformed until timestamp '%s'", a.Until))
		}
		avail.UnavailableUntil = &until
	}
	return d.store.SetAgentAvailability(ctx, avail)
}
