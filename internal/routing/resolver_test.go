package routing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instruktai/teleclaude/internal/common/config"
	"github.com/instruktai/teleclaude/internal/common/logger"
	"github.com/instruktai/teleclaude/internal/store"
)

type fakeAvailability struct {
	rows map[string]*store.AgentAvailability
	err  error
}

func (f *fakeAvailability) GetAgentAvailability(ctx context.Context, agent string) (*store.AgentAvailability, error) {
	if f.err != nil {
		return nil, f.err
	}
	if row, ok := f.rows[agent]; ok {
		return row, nil
	}
	return &store.AgentAvailability{Agent: agent, Status: store.AgentAvailable}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Agents: map[string]config.AgentConfig{
			"claude": {Enabled: true},
			"gemini": {Enabled: true},
			"codex":  {Enabled: false},
		},
	}
}

func newResolver(t *testing.T, avail AvailabilityReader) *Resolver {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return NewResolver(testConfig(), avail, log)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("routable agent resolves to itself", func(t *testing.T) {
		r := newResolver(t, &fakeAvailability{})
		agent, rej := r.Resolve(ctx, "claude", "api", "fast")
		require.Nil(t, rej)
		assert.Equal(t, "claude", agent)
	})

	t.Run("unknown agent is rejected", func(t *testing.T) {
		r := newResolver(t, &fakeAvailability{})
		_, rej := r.Resolve(ctx, "gpt", "api", "")
		require.NotNil(t, rej)
		assert.Equal(t, ReasonUnknownAgent, rej.Reason)
	})

	t.Run("disabled agent is rejected", func(t *testing.T) {
		r := newResolver(t, &fakeAvailability{})
		_, rej := r.Resolve(ctx, "codex", "cli", "")
		require.NotNil(t, rej)
		assert.Equal(t, ReasonDisabled, rej.Reason)
	})

	t.Run("unavailable agent is rejected with reason", func(t *testing.T) {
		until := time.Now().Add(time.Hour)
		r := newResolver(t, &fakeAvailability{rows: map[string]*store.AgentAvailability{
			"claude": {Agent: "claude", Status: store.AgentUnavailable, Reason: "rate limited", UnavailableUntil: &until},
		}})
		_, rej := r.Resolve(ctx, "claude", "telegram", "")
		require.NotNil(t, rej)
		assert.Equal(t, ReasonUnavailable, rej.Reason)
		assert.Equal(t, "rate limited", rej.Detail)
	})

	t.Run("degraded agent is rejected", func(t *testing.T) {
		r := newResolver(t, &fakeAvailability{rows: map[string]*store.AgentAvailability{
			"claude": {Agent: "claude", Status: store.AgentDegraded, Reason: "slow responses"},
		}})
		_, rej := r.Resolve(ctx, "claude", "api", "")
		require.NotNil(t, rej)
		assert.Equal(t, ReasonDegraded, rej.Reason)
	})

	t.Run("implicit selection skips non-routable agents", func(t *testing.T) {
		r := newResolver(t, &fakeAvailability{rows: map[string]*store.AgentAvailability{
			"claude": {Agent: "claude", Status: store.AgentUnavailable},
		}})
		agent, rej := r.Resolve(ctx, "", "api", "")
		require.Nil(t, rej)
		assert.Equal(t, "gemini", agent)
	})

	t.Run("no routable agent yields deterministic rejection", func(t *testing.T) {
		r := newResolver(t, &fakeAvailability{rows: map[string]*store.AgentAvailability{
			"claude": {Agent: "claude", Status: store.AgentUnavailable},
			"gemini": {Agent: "gemini", Status: store.AgentDegraded},
		}})
		_, rej := r.Resolve(ctx, "", "api", "")
		require.NotNil(t, rej)
		assert.Equal(t, ReasonNoRoutableAgent, rej.Reason)
	})

	t.Run("availability lookup failure fails closed", func(t *testing.T) {
		r := newResolver(t, &fakeAvailability{err: fmt.Errorf("db locked")})
		_, rej := r.Resolve(ctx, "claude", "api", "")
		require.NotNil(t, rej)
		assert.Equal(t, ReasonLookupFailed, rej.Reason)

		// Implicit selection fails closed too.
		_, rej = r.Resolve(ctx, "", "api", "")
		require.NotNil(t, rej)
		assert.Equal(t, ReasonNoRoutableAgent, rej.Reason)
	})

	t.Run("outcome is deterministic across call sites", func(t *testing.T) {
		r := newResolver(t, &fakeAvailability{rows: map[string]*store.AgentAvailability{
			"claude": {Agent: "claude", Status: store.AgentUnavailable, Reason: "quota"},
		}})
		for _, source := range []string{"api", "telegram", "discord", "mcp", "cron", "cli", "redis"} {
			_, rej := r.Resolve(ctx, "claude", source, "")
			require.NotNil(t, rej, "source %s", source)
			assert.Equal(t, ReasonUnavailable, rej.Reason, "source %s", source)
			assert.Equal(t, "quota", rej.Detail, "source %s", source)
		}
	})
}
