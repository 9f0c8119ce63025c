// Package cache maintains the event-driven snapshot cache: a materialized
// JSON view over persistence that backs low-latency reads. The cache is
// never the source of truth; truncating it and replaying events (or warming
// from the store) reproduces the same observable state.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/instruktai/teleclaude/internal/common/logger"
	"github.com/instruktai/teleclaude/internal/events"
	"github.com/instruktai/teleclaude/internal/events/bus"
	"github.com/instruktai/teleclaude/internal/store"
)

// Entity kinds in the snapshot table.
const (
	EntitySession  = "session"
	EntityComputer = "computer"
	EntityTodo     = "todo"
)

// Subscriber receives change notifications after a snapshot row is written.
type Subscriber func(entityKind, entityID, data string)

// Cache applies domain events to the snapshot table and notifies
// subscribers. Updates for one entity serialize on a per-entity lock;
// different entities proceed concurrently.
type Cache struct {
	store *store.Store
	log   *logger.Logger

	mu          sync.Mutex
	entityLocks map[string]*sync.Mutex

	subMu       sync.RWMutex
	subscribers []Subscriber
}

// New creates the cache.
func New(st *store.Store, log *logger.Logger) *Cache {
	return &Cache{
		store:       st,
		log:         log.WithFields(zap.String("component", "snapshot_cache")),
		entityLocks: make(map[string]*sync.Mutex),
	}
}

// SubscribeBus registers the cache's event handlers.
func (c *Cache) SubscribeBus(eventBus bus.EventBus) error {
	subjects := []string{"session.>", "agent.>", "computer.>", "todo.>"}
	for _, subject := range subjects {
		if _, err := eventBus.Subscribe(subject, c.handle); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe adds a change-notification subscriber (the WebSocket hub).
func (c *Cache) Subscribe(fn Subscriber) {
	c.subMu.Lock()
	c.subscribers = append(c.subscribers, fn)
	c.subMu.Unlock()
}

// handle is the bus entry point for every cache-relevant event.
func (c *Cache) handle(ctx context.Context, event *bus.Event) error {
	switch data := event.Data.(type) {
	case *events.SessionPayload:
		return c.applySession(ctx, data.SessionID)
	case *events.OutputPayload:
		return c.applySession(ctx, data.SessionID)
	case *events.ActivityPayload:
		return c.applyActivity(ctx, data)
	case *events.HeartbeatPayload:
		return c.applyHeartbeat(ctx, data)
	case *events.TodoPayload:
		return c.applyTodo(ctx, data)
	}
	return nil
}

// sessionSnapshot is the JSON shape served to UI readers.
type sessionSnapshot struct {
	ID           string     `json:"id"`
	ShortID      string     `json:"short_id"`
	TmuxName     string     `json:"tmux_name"`
	Cwd          string     `json:"cwd"`
	Agent        string     `json:"agent"`
	ThinkingMode string     `json:"thinking_mode"`
	Title        string     `json:"title,omitempty"`
	Status       string     `json:"status"`
	Origin       string     `json:"origin,omitempty"`
	Computer     string     `json:"computer,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActivity time.Time  `json:"last_activity_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	LastAgentAct string     `json:"last_agent_activity,omitempty"`
}

// applySession re-materializes one session snapshot from the primary store.
// Reading through the store (rather than trusting the event payload) keeps
// replay and warm-up equivalent.
func (c *Cache) applySession(ctx context.Context, sessionID string) error {
	unlock := c.lockEntity(EntitySession + ":" + sessionID)
	defer unlock()

	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		// Session rows are never deleted during normal operation; a miss
		// means a stale event after cleanup. Drop the snapshot.
		_ = c.store.DeleteSnapshot(ctx, EntitySession, sessionID)
		return nil
	}
	return c.write(ctx, EntitySession, sessionID, snapshotFromSession(sess), "")
}

func (c *Cache) applyActivity(ctx context.Context, payload *events.ActivityPayload) error {
	unlock := c.lockEntity(EntitySession + ":" + payload.SessionID)
	defer unlock()

	sess, err := c.store.GetSession(ctx, payload.SessionID)
	if err != nil {
		return nil
	}
	return c.write(ctx, EntitySession, payload.SessionID, snapshotFromSession(sess), payload.Kind)
}

func (c *Cache) applyHeartbeat(ctx context.Context, payload *events.HeartbeatPayload) error {
	unlock := c.lockEntity(EntityComputer + ":" + payload.Computer)
	defer unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := c.store.UpsertSnapshot(ctx, EntityComputer, payload.Computer, string(data)); err != nil {
		return err
	}
	c.notify(EntityComputer, payload.Computer, string(data))
	return nil
}

func (c *Cache) applyTodo(ctx context.Context, payload *events.TodoPayload) error {
	unlock := c.lockEntity(EntityTodo + ":" + payload.TodoID)
	defer unlock()

	if payload.State == "removed" {
		if err := c.store.DeleteSnapshot(ctx, EntityTodo, payload.TodoID); err != nil {
			return err
		}
		c.notify(EntityTodo, payload.TodoID, "")
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := c.store.UpsertSnapshot(ctx, EntityTodo, payload.TodoID, string(data)); err != nil {
		return err
	}
	c.notify(EntityTodo, payload.TodoID, string(data))
	return nil
}

func (c *Cache) write(ctx context.Context, kind, id string, snap *sessionSnapshot, lastActivity string) error {
	if lastActivity != "" {
		snap.LastAgentAct = lastActivity
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := c.store.UpsertSnapshot(ctx, kind, id, string(data)); err != nil {
		return err
	}
	c.notify(kind, id, string(data))
	return nil
}

// Warm scans persistence and materializes every session snapshot. Run once
// at startup.
func (c *Cache) Warm(ctx context.Context) error {
	sessions, err := c.store.ListSessions(ctx)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		data, err := json.Marshal(snapshotFromSession(sess))
		if err != nil {
			return err
		}
		if err := c.store.UpsertSnapshot(ctx, EntitySession, sess.ID, string(data)); err != nil {
			return err
		}
	}
	c.log.Info("cache warmed", zap.Int("sessions", len(sessions)))
	return nil
}

// Get reads one snapshot row. Reads are strictly read-only; a stale value is
// an acceptable outcome.
func (c *Cache) Get(ctx context.Context, kind, id string) (*store.Snapshot, error) {
	return c.store.GetSnapshot(ctx, kind, id)
}

// List reads every snapshot of one kind.
func (c *Cache) List(ctx context.Context, kind string) ([]*store.Snapshot, error) {
	return c.store.ListSnapshots(ctx, kind)
}

func (c *Cache) notify(kind, id, data string) {
	c.subMu.RLock()
	subs := append([]Subscriber{}, c.subscribers...)
	c.subMu.RUnlock()
	for _, fn := range subs {
		fn(kind, id, data)
	}
}

// lockEntity acquires the per-entity serialization lock and returns the
// unlock func.
func (c *Cache) lockEntity(key string) func() {
	c.mu.Lock()
	l, ok := c.entityLocks[key]
	if !ok {
		l = &sync.Mutex{}
		c.entityLocks[key] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func snapshotFromSession(sess *store.Session) *sessionSnapshot {
	return &sessionSnapshot{
		ID:           sess.ID,
		ShortID:      sess.ShortID(),
		TmuxName:     sess.TmuxName,
		Cwd:          sess.Cwd,
		Agent:        sess.Agent,
		ThinkingMode: sess.ThinkingMode,
		Title:        sess.Title,
		Status:       sess.Status,
		Origin:       sess.Origin,
		Computer:     sess.Computer,
		CreatedAt:    sess.CreatedAt,
		LastActivity: sess.LastActivityAt,
		ClosedAt:     sess.ClosedAt,
	}
}
