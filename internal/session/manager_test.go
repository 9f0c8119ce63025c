package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instruktai/teleclaude/internal/common/config"
	apperrors "github.com/instruktai/teleclaude/internal/common/errors"
	"github.com/instruktai/teleclaude/internal/common/logger"
	"github.com/instruktai/teleclaude/internal/db"
	"github.com/instruktai/teleclaude/internal/events"
	"github.com/instruktai/teleclaude/internal/events/bus"
	"github.com/instruktai/teleclaude/internal/poller"
	"github.com/instruktai/teleclaude/internal/routing"
	"github.com/instruktai/teleclaude/internal/store"
	"github.com/instruktai/teleclaude/internal/tmux"
)

type fixture struct {
	manager  *Manager
	exec     *tmux.FakeExecutor
	store    *store.Store
	mu       sync.Mutex
	received []*bus.Event
}

func (f *fixture) eventsOfType(eventType string) []*bus.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*bus.Event
	for _, e := range f.received {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func setup(t *testing.T) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	writer, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	st, err := store.NewWithDB(writer, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })

	cfg := &config.Config{
		Computer: config.ComputerConfig{Name: "local"},
		Agents: map[string]config.AgentConfig{
			"claude": {Enabled: true, Command: "claude"},
		},
	}

	exec := tmux.NewFakeExecutor()
	bridge := tmux.NewBridge(exec, "bash", log)
	eventBus := bus.NewMemoryEventBus(log)
	resolver := routing.NewResolver(cfg, st, log)

	pollers := poller.NewRegistry(bridge, eventBus, filepath.Join(t.TempDir(), "session_output"), poller.Config{
		Interval:     10 * time.Millisecond,
		InitialDelay: 5 * time.Millisecond,
		MaxPolls:     100,
	}, log)
	t.Cleanup(pollers.Shutdown)

	f := &fixture{
		exec:  exec,
		store: st,
	}
	_, err = eventBus.Subscribe("session.>", func(ctx context.Context, e *bus.Event) error {
		f.mu.Lock()
		f.received = append(f.received, e)
		f.mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	f.manager = NewManager(cfg, st, bridge, pollers, resolver, eventBus, log)
	return f
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("start creates pane and emits SessionStarted", func(t *testing.T) {
		f := setup(t)
		sess, err := f.manager.Start(ctx, StartParams{Cwd: "/work", Agent: "claude"}, "api")
		require.NoError(t, err)

		assert.Equal(t, "tc_"+sess.ShortID(), sess.TmuxName)
		assert.True(t, f.exec.HasSession(ctx, sess.TmuxName))
		require.Len(t, f.eventsOfType(events.SessionStarted), 1)

		got, err := f.manager.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, store.SessionActive, got.Status)
	})

	t.Run("initial message is delivered with an exit marker", func(t *testing.T) {
		f := setup(t)
		sess, err := f.manager.Start(ctx, StartParams{Cwd: "/work", Agent: "claude", Message: "echo hi"}, "api")
		require.NoError(t, err)

		sent := f.exec.SentKeys(sess.TmuxName)
		require.Len(t, sent, 1)
		assert.Contains(t, sent[0], "echo hi; ")
		assert.Contains(t, sent[0], "$?")
	})

	t.Run("close kills pane, emits SessionClosed, and is idempotent", func(t *testing.T) {
		f := setup(t)
		sess, err := f.manager.Start(ctx, StartParams{Cwd: "/work", Agent: "claude"}, "api")
		require.NoError(t, err)

		require.NoError(t, f.manager.Close(ctx, sess.ID))
		assert.False(t, f.exec.HasSession(ctx, sess.TmuxName))
		require.Len(t, f.eventsOfType(events.SessionClosed), 1)

		// Second close is a no-op: no second event.
		require.NoError(t, f.manager.Close(ctx, sess.ID))
		assert.Len(t, f.eventsOfType(events.SessionClosed), 1)
	})

	t.Run("rejects unavailable agent", func(t *testing.T) {
		f := setup(t)
		until := time.Now().UTC().Add(time.Hour)
		require.NoError(t, f.store.SetAgentAvailability(ctx, &store.AgentAvailability{
			Agent: "claude", Status: store.AgentUnavailable, Reason: "quota", UnavailableUntil: &until,
		}))

		_, err := f.manager.Start(ctx, StartParams{Cwd: "/work", Agent: "claude"}, "telegram")
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeUnavailable))
	})

	t.Run("send message to closed session is rejected", func(t *testing.T) {
		f := setup(t)
		sess, err := f.manager.Start(ctx, StartParams{Cwd: "/work", Agent: "claude"}, "api")
		require.NoError(t, err)
		require.NoError(t, f.manager.Close(ctx, sess.ID))

		err = f.manager.SendMessage(ctx, sess.ID, "hello", false)
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))
	})

	t.Run("short id resolves the session", func(t *testing.T) {
		f := setup(t)
		sess, err := f.manager.Start(ctx, StartParams{Cwd: "/work", Agent: "claude"}, "api")
		require.NoError(t, err)

		got, err := f.manager.Get(ctx, sess.ShortID())
		require.NoError(t, err)
		assert.Equal(t, sess.ID, got.ID)
	})
}

func TestSweepClosesVanishedSessions(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	sess, err := f.manager.Start(ctx, StartParams{Cwd: "/work", Agent: "claude"}, "api")
	require.NoError(t, err)

	// Kill the pane behind the manager's back.
	require.NoError(t, f.exec.KillSession(ctx, sess.TmuxName))

	f.manager.sweep(ctx)

	got, err := f.manager.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionClosed, got.Status)
	assert.Len(t, f.eventsOfType(events.SessionDied), 1)

	// A second sweep does nothing further.
	f.manager.sweep(ctx)
	assert.Len(t, f.eventsOfType(events.SessionDied), 1)
}

func TestTrustedDirEnforcement(t *testing.T) {
	ctx := context.Background()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	writer, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	st, err := store.NewWithDB(writer, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })

	cfg := &config.Config{
		Computer: config.ComputerConfig{Name: "local", TrustedDirs: []string{"/work"}},
		Agents:   map[string]config.AgentConfig{"claude": {Enabled: true}},
	}
	exec := tmux.NewFakeExecutor()
	bridge := tmux.NewBridge(exec, "bash", log)
	eventBus := bus.NewMemoryEventBus(log)
	pollers := poller.NewRegistry(bridge, eventBus, t.TempDir(), poller.DefaultConfig(), log)
	t.Cleanup(pollers.Shutdown)
	manager := NewManager(cfg, st, bridge, pollers, routing.NewResolver(cfg, st, log), eventBus, log)

	_, err = manager.Start(ctx, StartParams{Cwd: "/etc", Agent: "claude"}, "api")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))

	_, err = manager.Start(ctx, StartParams{Cwd: "/work/project", Agent: "claude"}, "api")
	assert.NoError(t, err)
}
