package command

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/instruktai/teleclaude/internal/common/errors"
	"github.com/instruktai/teleclaude/internal/common/logger"
	"github.com/instruktai/teleclaude/internal/db"
	"github.com/instruktai/teleclaude/internal/store"
)

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	writer, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	st, err := store.NewWithDB(writer, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })
	return st
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func awaitState(t *testing.T, st *store.Store, id int64, state string) *store.QueueEntry {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		entry, err := st.GetCommand(context.Background(), id)
		require.NoError(t, err)
		if entry.State == state {
			return entry
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("entry %d never reached state %s", id, state)
	return nil
}

func TestIngress(t *testing.T) {
	ctx := context.Background()

	t.Run("valid command is queued pending", func(t *testing.T) {
		st := setupStore(t)
		ingress := NewIngress(st, testLogger(t), nil)

		id, err := ingress.Submit(ctx, &Command{
			Kind:   KindSendMessage,
			Source: SourceAPI,
			Args:   &SendMessageArgs{SessionID: "s1", Text: "hello"},
		})
		require.NoError(t, err)

		entry, err := st.GetCommand(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.QueuePending, entry.State)
		assert.NotEmpty(t, entry.DedupKey)
	})

	t.Run("unknown kind is rejected before the queue", func(t *testing.T) {
		st := setupStore(t)
		ingress := NewIngress(st, testLogger(t), nil)

		_, err := ingress.Submit(ctx, &Command{
			Kind:   "make_coffee",
			Source: SourceAPI,
			Args:   &SendMessageArgs{SessionID: "s1", Text: "x"},
		})
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))

		n, err := st.PendingCommandCount(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("invalid args are rejected before the queue", func(t *testing.T) {
		st := setupStore(t)
		ingress := NewIngress(st, testLogger(t), nil)

		_, err := ingress.Submit(ctx, &Command{
			Kind:   KindNewSession,
			Source: SourceTelegram,
			Args:   &NewSessionArgs{}, // missing cwd
		})
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))
	})

	t.Run("resubmission with the same dedup key returns the prior id", func(t *testing.T) {
		st := setupStore(t)
		ingress := NewIngress(st, testLogger(t), nil)

		cmd := &Command{
			Kind:     KindEndSession,
			Source:   SourceCron,
			DedupKey: "cron:cleanup:2026-08-02T09:00",
			Args:     &EndSessionArgs{SessionID: "s1"},
		}
		first, err := ingress.Submit(ctx, cmd)
		require.NoError(t, err)
		second, err := ingress.Submit(ctx, cmd)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})
}

func TestWorker(t *testing.T) {
	ctx := context.Background()

	t.Run("dispatches and marks delivered", func(t *testing.T) {
		st := setupStore(t)
		var calls atomic.Int32
		worker := NewWorker(st, map[string]Handler{
			KindSendMessage: func(ctx context.Context, entry *store.QueueEntry, args Args) error {
				a := args.(*SendMessageArgs)
				assert.Equal(t, "hello", a.Text)
				calls.Add(1)
				return nil
			},
		}, testLogger(t))
		ingress := NewIngress(st, testLogger(t), worker.Wake)

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go worker.Run(runCtx)

		id, err := ingress.Submit(ctx, &Command{
			Kind:   KindSendMessage,
			Source: SourceAPI,
			Args:   &SendMessageArgs{SessionID: "s1", Text: "hello"},
		})
		require.NoError(t, err)

		awaitState(t, st, id, store.QueueDelivered)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("handler error exhausts attempts then fails terminally", func(t *testing.T) {
		st := setupStore(t)
		var calls atomic.Int32
		worker := NewWorker(st, map[string]Handler{
			KindSendMessage: func(ctx context.Context, entry *store.QueueEntry, args Args) error {
				calls.Add(1)
				return fmt.Errorf("pane gone")
			},
		}, testLogger(t))
		ingress := NewIngress(st, testLogger(t), worker.Wake)

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go worker.Run(runCtx)

		id, err := ingress.Submit(ctx, &Command{
			Kind:   KindSendMessage,
			Source: SourceAPI,
			Args:   &SendMessageArgs{SessionID: "s1", Text: "x"},
		})
		require.NoError(t, err)

		entry := awaitState(t, st, id, store.QueueFailed)
		assert.Contains(t, entry.LastError, "pane gone")
		assert.Equal(t, int32(3), calls.Load(), "send_message retries up to its attempt ceiling")
	})

	t.Run("handler panic is recovered and fails the entry at its attempt ceiling", func(t *testing.T) {
		st := setupStore(t)
		var calls atomic.Int32
		worker := NewWorker(st, map[string]Handler{
			KindDeploy: func(ctx context.Context, entry *store.QueueEntry, args Args) error {
				calls.Add(1)
				panic("boom")
			},
		}, testLogger(t))
		ingress := NewIngress(st, testLogger(t), worker.Wake)

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go worker.Run(runCtx)

		id, err := ingress.Submit(ctx, &Command{
			Kind:   KindDeploy,
			Source: SourceCron,
			Args:   &DeployArgs{Slug: "item-1"},
		})
		require.NoError(t, err)

		entry := awaitState(t, st, id, store.QueueFailed)
		assert.Contains(t, entry.LastError, "panic")
	})

	t.Run("exactly one terminal state per command", func(t *testing.T) {
		st := setupStore(t)
		worker := NewWorker(st, map[string]Handler{
			KindEndSession: func(ctx context.Context, entry *store.QueueEntry, args Args) error {
				return nil
			},
		}, testLogger(t))
		ingress := NewIngress(st, testLogger(t), worker.Wake)

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go worker.Run(runCtx)

		var ids []int64
		for i := 0; i < 10; i++ {
			id, err := ingress.Submit(ctx, &Command{
				Kind:   KindEndSession,
				Source: SourceAPI,
				Args:   &EndSessionArgs{SessionID: fmt.Sprintf("s%d", i)},
			})
			require.NoError(t, err)
			ids = append(ids, id)
		}
		for _, id := range ids {
			awaitState(t, st, id, store.QueueDelivered)
		}
	})
}

func TestDecodeArgsRoundTrip(t *testing.T) {
	cmds := []Args{
		&NewSessionArgs{Cwd: "/work", Agent: "claude", ThinkingMode: "slow"},
		&SendMessageArgs{SessionID: "s1", Text: "hi", Raw: true},
		&MarkAgentStatusArgs{Agent: "claude", Status: "unavailable", Until: "2026-08-02T12:00:00Z"},
	}
	kinds := []string{KindNewSession, KindSendMessage, KindMarkAgentStatus}

	for i, args := range cmds {
		payload, err := EncodeArgs(args)
		require.NoError(t, err)
		decoded, err := DecodeArgs(kinds[i], payload)
		require.NoError(t, err)
		assert.Equal(t, args, decoded)
	}
}
