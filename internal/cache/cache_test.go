package cache

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instruktai/teleclaude/internal/common/logger"
	"github.com/instruktai/teleclaude/internal/db"
	"github.com/instruktai/teleclaude/internal/events"
	"github.com/instruktai/teleclaude/internal/events/bus"
	"github.com/instruktai/teleclaude/internal/store"
)

func setupCache(t *testing.T) (*Cache, *store.Store, *bus.MemoryEventBus) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	writer, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	st, err := store.NewWithDB(writer, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })

	eventBus := bus.NewMemoryEventBus(log)
	c := New(st, log)
	require.NoError(t, c.SubscribeBus(eventBus))
	return c, st, eventBus
}

func createSession(t *testing.T, st *store.Store) *store.Session {
	t.Helper()
	id := uuid.New().String()
	sess := &store.Session{
		ID:       id,
		TmuxName: "tc_" + store.ShortID(id),
		Cwd:      "/work",
		Agent:    "claude",
		Computer: "local",
	}
	require.NoError(t, st.CreateSession(context.Background(), sess))
	return sess
}

func publishSession(t *testing.T, b *bus.MemoryEventBus, subject string, sess *store.Session) {
	t.Helper()
	require.NoError(t, b.Publish(context.Background(), subject, bus.NewEvent(subject, "test", &events.SessionPayload{
		SessionID: sess.ID,
		ShortID:   sess.ShortID(),
		TmuxName:  sess.TmuxName,
		Status:    sess.Status,
	})))
}

func TestCacheMaterialization(t *testing.T) {
	ctx := context.Background()

	t.Run("session events materialize read-through snapshots", func(t *testing.T) {
		c, st, b := setupCache(t)
		sess := createSession(t, st)
		publishSession(t, b, events.SessionStarted, sess)

		snap, err := c.Get(ctx, EntitySession, sess.ID)
		require.NoError(t, err)
		require.NotNil(t, snap)

		var decoded map[string]any
		require.NoError(t, json.Unmarshal([]byte(snap.Data), &decoded))
		assert.Equal(t, "active", decoded["status"])
		assert.Equal(t, sess.TmuxName, decoded["tmux_name"])
	})

	t.Run("the primary store wins over the event payload", func(t *testing.T) {
		c, st, b := setupCache(t)
		sess := createSession(t, st)

		// Event claims active, store says closed: the snapshot reflects the
		// store, never the payload.
		_, err := st.CloseSession(ctx, sess.ID, store.SessionClosed)
		require.NoError(t, err)
		publishSession(t, b, events.SessionUpdated, sess)

		snap, err := c.Get(ctx, EntitySession, sess.ID)
		require.NoError(t, err)
		var decoded map[string]any
		require.NoError(t, json.Unmarshal([]byte(snap.Data), &decoded))
		assert.Equal(t, "closed", decoded["status"])
	})

	t.Run("heartbeats materialize computer snapshots", func(t *testing.T) {
		c, _, b := setupCache(t)
		require.NoError(t, b.Publish(ctx, events.ComputerHeartbeat,
			bus.NewEvent(events.ComputerHeartbeat, "test", &events.HeartbeatPayload{Computer: "peer1"})))

		snap, err := c.Get(ctx, EntityComputer, "peer1")
		require.NoError(t, err)
		require.NotNil(t, snap)
	})
}

func TestCacheRebuildEquivalence(t *testing.T) {
	ctx := context.Background()
	c, st, b := setupCache(t)

	sessions := []*store.Session{createSession(t, st), createSession(t, st), createSession(t, st)}
	for _, sess := range sessions {
		publishSession(t, b, events.SessionStarted, sess)
	}
	_, err := st.CloseSession(ctx, sessions[1].ID, store.SessionClosed)
	require.NoError(t, err)
	publishSession(t, b, events.SessionClosed, sessions[1])

	replayed := map[string]string{}
	snaps, err := c.List(ctx, EntitySession)
	require.NoError(t, err)
	for _, snap := range snaps {
		replayed[snap.EntityID] = snap.Data
	}

	// Truncate and warm from persistence: the snapshot set must match what
	// event replay produced.
	require.NoError(t, st.TruncateSnapshots(ctx))
	require.NoError(t, c.Warm(ctx))

	warmed, err := c.List(ctx, EntitySession)
	require.NoError(t, err)
	require.Len(t, warmed, len(replayed))
	for _, snap := range warmed {
		assert.JSONEq(t, replayed[snap.EntityID], snap.Data)
	}
}

func TestCacheNotifications(t *testing.T) {
	c, st, b := setupCache(t)

	var mu sync.Mutex
	var notified []string
	c.Subscribe(func(kind, id, data string) {
		mu.Lock()
		notified = append(notified, kind+":"+id)
		mu.Unlock()
	})

	sess := createSession(t, st)
	publishSession(t, b, events.SessionStarted, sess)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, notified, 1)
	assert.Equal(t, EntitySession+":"+sess.ID, notified[0])
}
