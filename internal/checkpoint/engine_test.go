package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategorize(t *testing.T) {
	cases := map[string]Category{
		"teleclaude/core.py":        CategoryDaemon,
		"daemon/foo.py":             CategoryDaemon,
		"teleclaude/hooks/stop.py":  CategoryHookRuntime,
		"hooks/runner.sh":           CategoryHookRuntime,
		"tui/app.py":                CategoryTUI,
		"telec-setup/install.sh":    CategorySetup,
		"tests/test_queue.py":       CategoryTests,
		".claude/agents/helper.md":  CategoryArtifacts,
		"config.yml":                CategoryConfig,
		"settings.yaml":             CategoryConfig,
		"README.md":                 CategoryDocs,
		"notes.txt":                 CategoryDocs,
		"somewhere/else/weird.rs":   CategoryDaemon,
	}
	for path, want := range cases {
		assert.Equal(t, want, Categorize(path), "path %s", path)
	}
}

func TestDecide(t *testing.T) {
	t.Run("daemon plus config emits exactly one restart", func(t *testing.T) {
		d := Decide(Input{ChangedFiles: []string{"daemon/foo.py", "config.yml"}})
		require.True(t, d.Block)

		restarts := 0
		for _, a := range d.Actions {
			if a == "restart service, then check status" {
				restarts++
			}
		}
		assert.Equal(t, 1, restarts)

		seen := make(map[string]bool)
		for _, a := range d.Actions {
			assert.False(t, seen[a], "duplicate action %q", a)
			seen[a] = true
		}
	})

	t.Run("action precedence is restart, log check, tests, commit, capture", func(t *testing.T) {
		d := Decide(Input{ChangedFiles: []string{"daemon/foo.py", "config.yml"}})
		require.True(t, d.Block)
		require.Equal(t, []string{
			"restart service, then check status",
			"check the daemon log for errors",
			"run targeted tests for the changed code",
			"commit the working tree",
			"capture anything worth keeping: memories, bugs, ideas",
		}, d.Actions)
	})

	t.Run("runtime bucket keeps its strict sub-order", func(t *testing.T) {
		d := Decide(Input{ChangedFiles: []string{
			"tui/app.py", "telec-setup/install.sh", "daemon/foo.py", ".claude/agents/x.md",
		}})
		require.True(t, d.Block)
		require.GreaterOrEqual(t, len(d.Actions), 4)
		assert.Equal(t, "initialize the project: run telec setup", d.Actions[0])
		assert.Equal(t, "restart service, then check status", d.Actions[1])
		assert.Equal(t, "signal the TUI to reload", d.Actions[2])
		assert.Equal(t, "reload agent artifacts", d.Actions[3])
	})

	t.Run("docs-only still includes the log check", func(t *testing.T) {
		d := Decide(Input{ChangedFiles: []string{"README.md"}})
		require.True(t, d.Block)
		assert.Contains(t, d.Actions, "check the daemon log for errors")
		assert.NotContains(t, d.Actions, "run targeted tests for the changed code")
		assert.NotContains(t, d.Actions, "restart service, then check status")
	})

	t.Run("tests-only selected only when every non-doc change is a test", func(t *testing.T) {
		d := Decide(Input{ChangedFiles: []string{"tests/test_a.py", "tests/test_b.py", "CHANGELOG.md"}})
		require.True(t, d.Block)
		assert.Contains(t, d.Actions, "run targeted tests for the changed code")
		assert.NotContains(t, d.Actions, "restart service, then check status")

		// One code file outside tests/ breaks the tests-only selection.
		d = Decide(Input{ChangedFiles: []string{"tests/test_a.py", "daemon/foo.py"}})
		assert.Contains(t, d.Actions, "restart service, then check status")
	})

	t.Run("hook runtime changes count as code", func(t *testing.T) {
		d := Decide(Input{ChangedFiles: []string{"hooks/runner.sh"}})
		require.True(t, d.Block)
		assert.Contains(t, d.Actions, "check the daemon log for errors")
		assert.Contains(t, d.Actions, "run targeted tests for the changed code")
	})

	t.Run("stop hook active passes through unconditionally", func(t *testing.T) {
		d := Decide(Input{
			ChangedFiles:   []string{"daemon/foo.py"},
			StopHookActive: true,
		})
		assert.False(t, d.Block)
		assert.Empty(t, d.Actions)
	})

	t.Run("clean tree is silent", func(t *testing.T) {
		d := Decide(Input{})
		assert.False(t, d.Block)
	})
}

func TestEvidenceSuppression(t *testing.T) {
	t.Run("successful matching command suppresses the action", func(t *testing.T) {
		d := Decide(Input{
			ChangedFiles: []string{"daemon/foo.py"},
			Evidence: []Evidence{
				{Command: "telec daemon restart && telec daemon status"},
			},
		})
		require.True(t, d.Block)
		assert.NotContains(t, d.Actions, "restart service, then check status")
		assert.Contains(t, d.Actions, "check the daemon log for errors")
	})

	t.Run("failed attempts do not count as evidence", func(t *testing.T) {
		d := Decide(Input{
			ChangedFiles: []string{"daemon/foo.py"},
			Evidence: []Evidence{
				{Command: "telec daemon restart", Failed: true},
			},
		})
		require.True(t, d.Block)
		assert.Contains(t, d.Actions, "restart service, then check status")
	})

	t.Run("unrelated commands do not suppress", func(t *testing.T) {
		d := Decide(Input{
			ChangedFiles: []string{"daemon/foo.py"},
			Evidence: []Evidence{
				{Command: "ls -la"},
			},
		})
		assert.Contains(t, d.Actions, "restart service, then check status")
	})
}
