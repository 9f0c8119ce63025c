package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/instruktai/teleclaude/internal/common/errors"
	"github.com/instruktai/teleclaude/internal/db"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	writer, err := db.Open(path)
	require.NoError(t, err)
	st, err := NewWithDB(writer, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })
	return st
}

func newSession(t *testing.T) *Session {
	t.Helper()
	id := uuid.New().String()
	return &Session{
		ID:       id,
		TmuxName: "tc_" + ShortID(id),
		Cwd:      "/work",
		Agent:    "claude",
		Computer: "local",
	}
}

func TestSessionCRUD(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	t.Run("create and get round-trip", func(t *testing.T) {
		sess := newSession(t)
		require.NoError(t, st.CreateSession(ctx, sess))

		got, err := st.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, sess.TmuxName, got.TmuxName)
		assert.Equal(t, SessionActive, got.Status)
		assert.Equal(t, "med", got.ThinkingMode)
	})

	t.Run("lookup by short id", func(t *testing.T) {
		sess := newSession(t)
		require.NoError(t, st.CreateSession(ctx, sess))

		got, err := st.GetSessionByShortID(ctx, sess.ShortID())
		require.NoError(t, err)
		assert.Equal(t, sess.ID, got.ID)
	})

	t.Run("tmux name clash is rejected", func(t *testing.T) {
		sess := newSession(t)
		require.NoError(t, st.CreateSession(ctx, sess))

		clash := newSession(t)
		clash.TmuxName = sess.TmuxName
		err := st.CreateSession(ctx, clash)
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeConflict))
	})

	t.Run("close is idempotent", func(t *testing.T) {
		sess := newSession(t)
		require.NoError(t, st.CreateSession(ctx, sess))

		first, err := st.CloseSession(ctx, sess.ID, SessionClosed)
		require.NoError(t, err)
		assert.True(t, first)

		second, err := st.CloseSession(ctx, sess.ID, SessionClosed)
		require.NoError(t, err)
		assert.False(t, second, "second close must be a no-op")

		got, err := st.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, SessionClosed, got.Status)
		assert.NotNil(t, got.ClosedAt)
	})

	t.Run("missing session yields not found", func(t *testing.T) {
		_, err := st.GetSession(ctx, "nope")
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotFound))
	})
}

func TestCommandQueue(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	t.Run("append then claim transitions to in_flight", func(t *testing.T) {
		id, dup, err := st.AppendCommand(ctx, &QueueEntry{
			Kind: "send_message", Source: "api", DedupKey: uuid.New().String(),
		})
		require.NoError(t, err)
		assert.False(t, dup)

		entry, err := st.ClaimNextCommand(ctx, []string{"api"})
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, id, entry.ID)
		assert.Equal(t, QueueInFlight, entry.State)
		assert.NotNil(t, entry.InFlightSince)

		// Nothing else pending.
		next, err := st.ClaimNextCommand(ctx, []string{"api"})
		require.NoError(t, err)
		assert.Nil(t, next)
	})

	t.Run("duplicate dedup key returns prior entry", func(t *testing.T) {
		key := uuid.New().String()
		first, dup, err := st.AppendCommand(ctx, &QueueEntry{Kind: "deploy", Source: "cron", DedupKey: key})
		require.NoError(t, err)
		require.False(t, dup)

		second, dup, err := st.AppendCommand(ctx, &QueueEntry{Kind: "deploy", Source: "cron", DedupKey: key})
		require.NoError(t, err)
		assert.True(t, dup)
		assert.Equal(t, first, second)

		// Same key under a different source is a distinct command.
		third, dup, err := st.AppendCommand(ctx, &QueueEntry{Kind: "deploy", Source: "cli", DedupKey: key})
		require.NoError(t, err)
		assert.False(t, dup)
		assert.NotEqual(t, first, third)
	})

	t.Run("claims respect source classes and FIFO order", func(t *testing.T) {
		st := setupStore(t)
		_, _, err := st.AppendCommand(ctx, &QueueEntry{Kind: "a", Source: "telegram", DedupKey: "k1"})
		require.NoError(t, err)
		_, _, err = st.AppendCommand(ctx, &QueueEntry{Kind: "b", Source: "telegram", DedupKey: "k2"})
		require.NoError(t, err)
		_, _, err = st.AppendCommand(ctx, &QueueEntry{Kind: "c", Source: "api", DedupKey: "k3"})
		require.NoError(t, err)

		entry, err := st.ClaimNextCommand(ctx, []string{"telegram", "discord"})
		require.NoError(t, err)
		assert.Equal(t, "a", entry.Kind)

		entry, err = st.ClaimNextCommand(ctx, []string{"telegram", "discord"})
		require.NoError(t, err)
		assert.Equal(t, "b", entry.Kind)

		entry, err = st.ClaimNextCommand(ctx, []string{"telegram", "discord"})
		require.NoError(t, err)
		assert.Nil(t, entry, "api command must not leak into the chat class")
	})

	t.Run("requeue increments attempts", func(t *testing.T) {
		st := setupStore(t)
		_, _, err := st.AppendCommand(ctx, &QueueEntry{Kind: "x", Source: "api", DedupKey: "r1"})
		require.NoError(t, err)

		entry, err := st.ClaimNextCommand(ctx, []string{"api"})
		require.NoError(t, err)
		require.NoError(t, st.RequeueCommand(ctx, entry.ID, "worker panic"))

		entry, err = st.ClaimNextCommand(ctx, []string{"api"})
		require.NoError(t, err)
		assert.Equal(t, 1, entry.Attempts)
		assert.Equal(t, "worker panic", entry.LastError)
	})

	t.Run("terminal states stick", func(t *testing.T) {
		st := setupStore(t)
		id, _, err := st.AppendCommand(ctx, &QueueEntry{Kind: "x", Source: "api", DedupKey: "t1"})
		require.NoError(t, err)

		entry, err := st.ClaimNextCommand(ctx, []string{"api"})
		require.NoError(t, err)
		require.NoError(t, st.MarkCommandDelivered(ctx, entry.ID))

		got, err := st.GetCommand(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, QueueDelivered, got.State)

		next, err := st.ClaimNextCommand(ctx, []string{"api"})
		require.NoError(t, err)
		assert.Nil(t, next)
	})
}

func TestHookOutbox(t *testing.T) {
	ctx := context.Background()

	t.Run("claim locks the row", func(t *testing.T) {
		st := setupStore(t)
		_, err := st.AppendHook(ctx, &OutboxEntry{SessionID: "s1", Kind: "stop"})
		require.NoError(t, err)

		entry, err := st.ClaimNextHook(ctx, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, OutboxProcessing, entry.State)
		assert.NotEmpty(t, entry.LockToken)

		// A second claimant sees nothing.
		second, err := st.ClaimNextHook(ctx, time.Minute)
		require.NoError(t, err)
		assert.Nil(t, second)
	})

	t.Run("deliver requires matching lock token", func(t *testing.T) {
		st := setupStore(t)
		_, err := st.AppendHook(ctx, &OutboxEntry{SessionID: "s1", Kind: "stop"})
		require.NoError(t, err)

		entry, err := st.ClaimNextHook(ctx, time.Minute)
		require.NoError(t, err)

		err = st.MarkHookDelivered(ctx, entry.ID, "wrong-token")
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvariant))

		require.NoError(t, st.MarkHookDelivered(ctx, entry.ID, entry.LockToken))
	})

	t.Run("watchdog releases expired locks", func(t *testing.T) {
		st := setupStore(t)
		_, err := st.AppendHook(ctx, &OutboxEntry{SessionID: "s1", Kind: "stop"})
		require.NoError(t, err)

		// Claim with an already-expired lock.
		entry, err := st.ClaimNextHook(ctx, -time.Second)
		require.NoError(t, err)
		require.NotNil(t, entry)

		n, err := st.ReleaseExpiredHooks(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		reclaimed, err := st.ClaimNextHook(ctx, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, reclaimed)
		assert.Equal(t, entry.ID, reclaimed.ID)
		assert.NotEqual(t, entry.LockToken, reclaimed.LockToken)

		// The stale token can no longer complete the row.
		err = st.MarkHookDelivered(ctx, entry.ID, entry.LockToken)
		assert.Error(t, err)
	})
}

func TestAgentAvailability(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	t.Run("unknown agent defaults to available", func(t *testing.T) {
		avail, err := st.GetAgentAvailability(ctx, "claude")
		require.NoError(t, err)
		assert.Equal(t, AgentAvailable, avail.Status)
	})

	t.Run("expired unavailability clears on read", func(t *testing.T) {
		past := time.Now().UTC().Add(-time.Minute)
		require.NoError(t, st.SetAgentAvailability(ctx, &AgentAvailability{
			Agent: "claude", Status: AgentUnavailable, Reason: "rate limited", UnavailableUntil: &past,
		}))

		avail, err := st.GetAgentAvailability(ctx, "claude")
		require.NoError(t, err)
		assert.Equal(t, AgentAvailable, avail.Status)
		assert.Empty(t, avail.Reason)

		// The clearing persisted.
		rows, err := st.ListAgentAvailability(ctx)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, AgentAvailable, rows[0].Status)
	})

	t.Run("future unavailability holds", func(t *testing.T) {
		future := time.Now().UTC().Add(time.Hour)
		require.NoError(t, st.SetAgentAvailability(ctx, &AgentAvailability{
			Agent: "gemini", Status: AgentUnavailable, Reason: "quota", UnavailableUntil: &future,
		}))

		avail, err := st.GetAgentAvailability(ctx, "gemini")
		require.NoError(t, err)
		assert.Equal(t, AgentUnavailable, avail.Status)
		assert.Equal(t, "quota", avail.Reason)
	})
}

func TestUXStateCascade(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	sess := newSession(t)
	require.NoError(t, st.CreateSession(ctx, sess))
	require.NoError(t, st.SetUXState(ctx, "telegram", sess.ID, "thread_id", "42"))

	require.NoError(t, st.DeleteSession(ctx, sess.ID))

	v, err := st.GetUXState(ctx, "telegram", sess.ID, "thread_id")
	require.NoError(t, err)
	assert.Empty(t, v, "ux_state rows must cascade with the session")
}

func TestSnapshotCache(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertSnapshot(ctx, "session", "s1", `{"status":"active"}`))
	require.NoError(t, st.UpsertSnapshot(ctx, "session", "s1", `{"status":"closed"}`))

	snap, err := st.GetSnapshot(ctx, "session", "s1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.JSONEq(t, `{"status":"closed"}`, snap.Data)

	miss, err := st.GetSnapshot(ctx, "session", "absent")
	require.NoError(t, err)
	assert.Nil(t, miss)

	require.NoError(t, st.TruncateSnapshots(ctx))
	snaps, err := st.ListSnapshots(ctx, "session")
	require.NoError(t, err)
	assert.Empty(t, snaps)
}
