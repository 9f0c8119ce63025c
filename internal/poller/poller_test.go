package poller

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instruktai/teleclaude/internal/common/logger"
	"github.com/instruktai/teleclaude/internal/events"
	"github.com/instruktai/teleclaude/internal/events/bus"
	"github.com/instruktai/teleclaude/internal/tmux"
)

type capturedEvents struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (c *capturedEvents) add(e *bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *capturedEvents) ofType(eventType string) []*bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*bus.Event
	for _, e := range c.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func testSetup(t *testing.T, cfg Config) (*Registry, *tmux.FakeExecutor, *capturedEvents) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	exec := tmux.NewFakeExecutor()
	bridge := tmux.NewBridge(exec, "bash", log)
	eventBus := bus.NewMemoryEventBus(log)

	captured := &capturedEvents{}
	_, err = eventBus.Subscribe("session.>", func(ctx context.Context, e *bus.Event) error {
		captured.add(e)
		return nil
	})
	require.NoError(t, err)

	registry := NewRegistry(bridge, eventBus, filepath.Join(t.TempDir(), "session_output"), cfg, log)
	t.Cleanup(registry.Shutdown)
	return registry, exec, captured
}

func fastConfig() Config {
	return Config{
		Interval:     10 * time.Millisecond,
		InitialDelay: 5 * time.Millisecond,
		IdleAfter:    80 * time.Millisecond,
		MaxPolls:     200,
	}
}

func await(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPollerCompletion(t *testing.T) {
	registry, exec, captured := testSetup(t, fastConfig())
	ctx := context.Background()

	require.NoError(t, exec.NewSession(ctx, "tc_abc12345", "/tmp", 0, 0))

	hash := tmux.NewMarkerHash()
	registry.Watch("sess-1", "abc12345", "tc_abc12345", hash)

	exec.AppendOutput("tc_abc12345", "hello world\n")
	await(t, func() bool { return len(captured.ofType(events.OutputChanged)) > 0 }, "no output event")

	exec.AppendOutput("tc_abc12345", "__EXIT__"+hash+"__0__\n")
	await(t, func() bool { return len(captured.ofType(events.SessionCompleted)) == 1 }, "no completion event")

	completed := captured.ofType(events.SessionCompleted)[0]
	payload := completed.Data.(*events.OutputPayload)
	require.NotNil(t, payload.ExitCode)
	assert.Equal(t, 0, *payload.ExitCode)
	// The completion body carries the command's accumulated output.
	assert.Contains(t, payload.Text, "hello world")
	assert.NotContains(t, payload.Text, "__EXIT__")

	// No emitted output may contain the marker.
	for _, e := range captured.ofType(events.OutputChanged) {
		out := e.Data.(*events.OutputPayload)
		assert.NotContains(t, out.Text, "__EXIT__")
	}

	// Output file holds the stripped text.
	data, err := os.ReadFile(registry.OutputFile("abc12345"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello world")
	assert.NotContains(t, string(data), "__EXIT__")

	// The registry now reports the command complete; a fresh watch resets it.
	assert.True(t, registry.Completed("abc12345"))
	registry.Watch("sess-1", "abc12345", "tc_abc12345", tmux.NewMarkerHash())
	assert.False(t, registry.Completed("abc12345"))
}

func TestPollerIdleDoesNotStop(t *testing.T) {
	registry, exec, captured := testSetup(t, fastConfig())
	ctx := context.Background()

	require.NoError(t, exec.NewSession(ctx, "tc_abc12345", "/tmp", 0, 0))
	hash := tmux.NewMarkerHash()
	registry.Watch("sess-1", "abc12345", "tc_abc12345", hash)

	// Wait past the idle threshold: exactly one idle notification.
	await(t, func() bool { return len(captured.ofType(events.SessionIdle)) == 1 }, "no idle notification")
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, captured.ofType(events.SessionIdle), 1, "idle notice must fire once")

	// Polling continued: new output still completes the command.
	exec.AppendOutput("tc_abc12345", "late output\n__EXIT__"+hash+"__0__\n")
	await(t, func() bool { return len(captured.ofType(events.SessionCompleted)) == 1 }, "poller stopped on idle")
}

func TestPollerSessionDeath(t *testing.T) {
	registry, exec, captured := testSetup(t, fastConfig())
	ctx := context.Background()

	require.NoError(t, exec.NewSession(ctx, "tc_abc12345", "/tmp", 0, 0))
	registry.Watch("sess-1", "abc12345", "tc_abc12345", tmux.NewMarkerHash())

	require.NoError(t, exec.KillSession(ctx, "tc_abc12345"))
	await(t, func() bool { return len(captured.ofType(events.SessionDied)) == 1 }, "no death event")
}

func TestPollerDuplicateSuppression(t *testing.T) {
	registry, exec, captured := testSetup(t, fastConfig())
	ctx := context.Background()

	require.NoError(t, exec.NewSession(ctx, "tc_abc12345", "/tmp", 0, 0))
	registry.Watch("sess-1", "abc12345", "tc_abc12345", "")

	exec.AppendOutput("tc_abc12345", "once\n")
	await(t, func() bool { return len(captured.ofType(events.OutputChanged)) >= 1 }, "no output event")
	time.Sleep(60 * time.Millisecond)

	// Static pane content must not re-emit.
	assert.Len(t, captured.ofType(events.OutputChanged), 1)
}

func TestRegistryStopRemovesOutputFile(t *testing.T) {
	registry, exec, _ := testSetup(t, fastConfig())
	ctx := context.Background()

	require.NoError(t, exec.NewSession(ctx, "tc_abc12345", "/tmp", 0, 0))
	registry.Watch("sess-1", "abc12345", "tc_abc12345", "")

	exec.AppendOutput("tc_abc12345", "content\n")
	await(t, func() bool {
		_, err := os.Stat(registry.OutputFile("abc12345"))
		return err == nil
	}, "output file never created")

	registry.Stop("sess-1", "abc12345")
	_, err := os.Stat(registry.OutputFile("abc12345"))
	assert.True(t, os.IsNotExist(err))
}
