// Package coordinator routes agent lifecycle hooks to listeners and
// adapters, and injects checkpoint guidance at agent-stop boundaries.
package coordinator

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/instruktai/teleclaude/internal/checkpoint"
	"github.com/instruktai/teleclaude/internal/common/config"
	"github.com/instruktai/teleclaude/internal/common/logger"
	"github.com/instruktai/teleclaude/internal/events"
	"github.com/instruktai/teleclaude/internal/events/bus"
	"github.com/instruktai/teleclaude/internal/hooks"
	"github.com/instruktai/teleclaude/internal/store"
	"github.com/instruktai/teleclaude/internal/tmux"
)

// nativeHookAgents answer checkpoint blocks through the hook protocol; other
// agents receive the payload keyed into their pane.
var nativeHookAgents = map[string]bool{
	"claude": true,
	"gemini": true,
}

// StopListener receives one agent-stop notification and is then discarded.
type StopListener chan *events.ActivityPayload

// Coordinator handles hook events. The listener registry is in-memory only;
// callers re-register after a daemon restart.
type Coordinator struct {
	cfg       *config.Config
	store     *store.Store
	bridge    *tmux.Bridge
	bus       bus.EventBus
	inspector checkpoint.Inspector
	log       *logger.Logger

	mu          sync.RWMutex
	stopWaiters map[string][]StopListener
	subscribers map[string][]func(*events.ActivityPayload)
	turns       map[string]string // session id -> current turn id
}

// New creates the coordinator.
func New(cfg *config.Config, st *store.Store, bridge *tmux.Bridge, eventBus bus.EventBus, inspector checkpoint.Inspector, log *logger.Logger) *Coordinator {
	return &Coordinator{
		cfg:         cfg,
		store:       st,
		bridge:      bridge,
		bus:         eventBus,
		inspector:   inspector,
		log:         log.WithFields(zap.String("component", "coordinator")),
		stopWaiters: make(map[string][]StopListener),
		subscribers: make(map[string][]func(*events.ActivityPayload)),
		turns:       make(map[string]string),
	}
}

// WaitForStop registers a one-shot listener for the session's next agent
// stop. The channel receives exactly one payload.
func (c *Coordinator) WaitForStop(sessionID string) StopListener {
	ch := make(StopListener, 1)
	c.mu.Lock()
	c.stopWaiters[sessionID] = append(c.stopWaiters[sessionID], ch)
	c.mu.Unlock()
	return ch
}

// Subscribe registers a persistent per-session activity callback. Callbacks
// run synchronously on the routing goroutine.
func (c *Coordinator) Subscribe(sessionID string, fn func(*events.ActivityPayload)) {
	c.mu.Lock()
	c.subscribers[sessionID] = append(c.subscribers[sessionID], fn)
	c.mu.Unlock()
}

// Unsubscribe drops all callbacks for a session.
func (c *Coordinator) Unsubscribe(sessionID string) {
	c.mu.Lock()
	delete(c.subscribers, sessionID)
	delete(c.stopWaiters, sessionID)
	c.mu.Unlock()
}

// Route consumes one claimed outbox row: it republishes the hook as an
// AgentActivity domain event, notifies listeners, and for terminal-injection
// agents delivers any checkpoint block into the pane.
func (c *Coordinator) Route(ctx context.Context, entry *store.OutboxEntry) error {
	var ev hooks.Event
	if err := json.Unmarshal([]byte(entry.PayloadJSON), &ev); err != nil {
		// A malformed row is delivered as-is from its columns; it must not
		// wedge the outbox.
		ev = hooks.Event{
			Event:     entry.Kind,
			SessionID: entry.SessionID,
			Agent:     entry.Agent,
			Tool:      entry.Tool,
			Preview:   entry.Preview,
			Summary:   entry.Summary,
		}
	}

	payload := &events.ActivityPayload{
		SessionID: entry.SessionID,
		Kind:      activityKind(entry.Kind),
		Agent:     entry.Agent,
		Tool:      entry.Tool,
		Preview:   entry.Preview,
		Summary:   entry.Summary,
		Timestamp: entry.CreatedAt,
	}

	if entry.Kind == hooks.EventUserPromptSubmit {
		c.beginTurn(entry.SessionID)
	}

	if err := c.bus.Publish(ctx, events.AgentActivity, bus.NewEvent(events.AgentActivity, "coordinator", payload)); err != nil {
		return err
	}

	c.notify(payload)

	if entry.Kind == hooks.EventStop && !nativeHookAgents[entry.Agent] {
		c.injectCheckpoint(ctx, &ev)
	}
	return nil
}

// DecideStop implements hooks.StopArbiter: for native-hook agents the
// decision returns as a structured block response on the hook socket.
// Terminal-injection agents are excluded here so the per-turn block is not
// consumed before the outbox processor keys it into the pane.
func (c *Coordinator) DecideStop(ctx context.Context, ev *hooks.Event) (bool, string) {
	if !nativeHookAgents[ev.Agent] {
		return false, ""
	}
	decision := c.decide(ctx, ev)
	return decision.Block, decision.Message
}

// decide runs the checkpoint engine under the per-turn escape hatch. Any
// persistence failure fails open: the agent is never blocked on a DB error.
func (c *Coordinator) decide(ctx context.Context, ev *hooks.Event) checkpoint.Decision {
	if !c.cfg.Checkpoint.Enabled {
		return checkpoint.Decision{}
	}
	if ev.StopHookActive {
		return checkpoint.Decision{}
	}

	turnID := c.currentTurn(ev.SessionID)

	prior, err := c.store.GetCheckpointDecision(ctx, ev.SessionID)
	if err != nil {
		c.log.Warn("checkpoint state lookup failed, passing through", zap.Error(err))
		return checkpoint.Decision{}
	}
	if prior != nil && prior.Blocked && prior.TurnID == turnID {
		// Escape hatch: at most one block per turn. Every later stop in the
		// same turn passes through; the recorded block is left in place so
		// the guarantee holds for the rest of the turn.
		return checkpoint.Decision{}
	}

	sess, err := c.store.GetSession(ctx, ev.SessionID)
	if err != nil {
		c.log.Warn("checkpoint session lookup failed, passing through", zap.Error(err))
		return checkpoint.Decision{}
	}

	changed, err := c.inspector.ChangedFiles(ctx, sess.Cwd)
	if err != nil {
		c.log.Warn("working tree inspection failed, passing through", zap.Error(err))
		return checkpoint.Decision{}
	}

	evidence := make([]checkpoint.Evidence, 0, len(ev.Evidence))
	for _, item := range ev.Evidence {
		evidence = append(evidence, checkpoint.Evidence{Command: item.Command, Failed: item.Failed})
	}

	decision := checkpoint.Decide(checkpoint.Input{
		ChangedFiles:   changed,
		StopHookActive: ev.StopHookActive,
		Evidence:       evidence,
	})

	if err := c.store.RecordCheckpointDecision(ctx, ev.SessionID, turnID, decision.Block); err != nil {
		c.log.Warn("checkpoint state write failed, passing through", zap.Error(err))
		return checkpoint.Decision{}
	}
	return decision
}

// injectCheckpoint delivers a block payload to a terminal-injection agent by
// keying it into the pane.
func (c *Coordinator) injectCheckpoint(ctx context.Context, ev *hooks.Event) {
	decision := c.decide(ctx, ev)
	if !decision.Block {
		return
	}
	sess, err := c.store.GetSession(ctx, ev.SessionID)
	if err != nil {
		c.log.Warn("checkpoint injection target missing", zap.Error(err))
		return
	}
	if _, err := c.bridge.SendKeys(ctx, sess.TmuxName, decision.Message, false); err != nil {
		c.log.Warn("checkpoint injection failed", zap.Error(err))
	}
}

func (c *Coordinator) notify(payload *events.ActivityPayload) {
	c.mu.Lock()
	var waiters []StopListener
	if payload.Kind == events.ActivityAgentStop {
		waiters = c.stopWaiters[payload.SessionID]
		delete(c.stopWaiters, payload.SessionID)
	}
	subs := append([]func(*events.ActivityPayload){}, c.subscribers[payload.SessionID]...)
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- payload
		close(ch)
	}
	for _, fn := range subs {
		fn(payload)
	}
}

func (c *Coordinator) beginTurn(sessionID string) {
	c.mu.Lock()
	c.turns[sessionID] = uuid.New().String()
	c.mu.Unlock()
}

func (c *Coordinator) currentTurn(sessionID string) string {
	c.mu.RLock()
	turn := c.turns[sessionID]
	c.mu.RUnlock()
	if turn == "" {
		c.mu.Lock()
		if c.turns[sessionID] == "" {
			c.turns[sessionID] = uuid.New().String()
		}
		turn = c.turns[sessionID]
		c.mu.Unlock()
	}
	return turn
}

// activityKind maps hook event names onto activity kinds.
func activityKind(hookKind string) string {
	switch hookKind {
	case hooks.EventUserPromptSubmit:
		return events.ActivityUserPromptSubmit
	case hooks.EventPreToolUse:
		return events.ActivityToolUse
	case hooks.EventPostToolUse:
		return events.ActivityToolDone
	case hooks.EventStop:
		return events.ActivityAgentStop
	default:
		return hookKind
	}
}
