package tmux

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instruktai/teleclaude/internal/common/logger"
)

func newTestBridge(t *testing.T) (*Bridge, *FakeExecutor) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	exec := NewFakeExecutor()
	return NewBridge(exec, "bash", log), exec
}

func TestBridgeSendKeys(t *testing.T) {
	ctx := context.Background()

	t.Run("appends marker when pane is at the shell", func(t *testing.T) {
		bridge, exec := newTestBridge(t)
		require.NoError(t, bridge.Create(ctx, "tc_abc12345", "/tmp", 80, 24))

		hash, err := bridge.SendKeys(ctx, "tc_abc12345", "echo hello", true)
		require.NoError(t, err)
		require.NotEmpty(t, hash)

		sent := exec.SentKeys("tc_abc12345")
		require.Len(t, sent, 1)
		assert.Contains(t, sent[0], "echo hello; ")
		assert.Contains(t, sent[0], hash)
		assert.Contains(t, sent[0], "$?")
	})

	t.Run("passes input through untouched when a program is running", func(t *testing.T) {
		bridge, exec := newTestBridge(t)
		require.NoError(t, bridge.Create(ctx, "tc_abc12345", "/tmp", 80, 24))
		exec.SetCommand("tc_abc12345", "vim")

		hash, err := bridge.SendKeys(ctx, "tc_abc12345", ":wq", true)
		require.NoError(t, err)
		assert.Empty(t, hash)

		sent := exec.SentKeys("tc_abc12345")
		require.Len(t, sent, 1)
		assert.Equal(t, ":wq", sent[0])
	})

	t.Run("never appends marker when not requested", func(t *testing.T) {
		bridge, exec := newTestBridge(t)
		require.NoError(t, bridge.Create(ctx, "tc_abc12345", "/tmp", 80, 24))

		hash, err := bridge.SendKeys(ctx, "tc_abc12345", "plain text", false)
		require.NoError(t, err)
		assert.Empty(t, hash)
		assert.Equal(t, []string{"plain text"}, exec.SentKeys("tc_abc12345"))
	})
}

func TestBridgeCapture(t *testing.T) {
	ctx := context.Background()
	bridge, exec := newTestBridge(t)
	require.NoError(t, bridge.Create(ctx, "tc_abc12345", "/tmp", 80, 24))

	exec.AppendOutput("tc_abc12345", "first\n")
	text, cursor, err := bridge.Capture(ctx, "tc_abc12345", 0)
	require.NoError(t, err)
	assert.Equal(t, "first\n", text)

	// Only new bytes past the cursor come back.
	exec.AppendOutput("tc_abc12345", "second\n")
	text, cursor, err = bridge.Capture(ctx, "tc_abc12345", cursor)
	require.NoError(t, err)
	assert.Equal(t, "second\n", text)

	// No new output yields an empty delta.
	text, _, err = bridge.Capture(ctx, "tc_abc12345", cursor)
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestBridgeCreateRejectsClash(t *testing.T) {
	ctx := context.Background()
	bridge, _ := newTestBridge(t)
	require.NoError(t, bridge.Create(ctx, "tc_abc12345", "/tmp", 80, 24))
	assert.Error(t, bridge.Create(ctx, "tc_abc12345", "/tmp", 80, 24))
}

func TestBridgeKillIsIdempotent(t *testing.T) {
	ctx := context.Background()
	bridge, _ := newTestBridge(t)
	require.NoError(t, bridge.Create(ctx, "tc_abc12345", "/tmp", 80, 24))
	require.NoError(t, bridge.Kill(ctx, "tc_abc12345"))
	require.NoError(t, bridge.Kill(ctx, "tc_abc12345"))
	assert.False(t, bridge.Exists(ctx, "tc_abc12345"))
}
