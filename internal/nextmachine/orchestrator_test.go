package nextmachine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instruktai/teleclaude/internal/command"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

// gitInit makes the work-items root a committed git repo so artifacts count
// as tracked.
func gitInit(t *testing.T, root string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	for _, args := range [][]string{
		{"init"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "test"},
		{"add", "-A"},
		{"commit", "-m", "artifacts"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("missing work item yields preparation instruction", func(t *testing.T) {
		o := New(t.TempDir())
		res, err := o.Resolve(ctx, "ghost")
		require.NoError(t, err)
		assert.Equal(t, PhasePrepare, res.Phase)
		assert.Equal(t, OutcomeInstruction, res.Outcome)
		assert.Contains(t, res.Instruction, "roadmap")
	})

	t.Run("done state is terminal", func(t *testing.T) {
		root := t.TempDir()
		dir := filepath.Join(root, "item")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		writeFile(t, dir, artifactState, "status: done\n")

		res, err := New(root).Resolve(ctx, "item")
		require.NoError(t, err)
		assert.Equal(t, OutcomeDone, res.Outcome)
	})

	t.Run("incomplete dependencies block the item", func(t *testing.T) {
		root := t.TempDir()
		dir := filepath.Join(root, "item")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		writeFile(t, dir, artifactState, "status: pending\ndepends_on: [base, other]\n")

		baseDir := filepath.Join(root, "base")
		require.NoError(t, os.MkdirAll(baseDir, 0o755))
		writeFile(t, baseDir, artifactState, "status: done\n")

		res, err := New(root).Resolve(ctx, "item")
		require.NoError(t, err)
		assert.Equal(t, OutcomeBlocked, res.Outcome)
		assert.Equal(t, []string{"other"}, res.Blocking)
	})

	t.Run("untracked artifacts demand a commit first", func(t *testing.T) {
		root := t.TempDir() // not a git repo: everything counts as untracked
		dir := filepath.Join(root, "item")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		writeFile(t, dir, artifactRoadmap, "# goal\n")

		res, err := New(root).Resolve(ctx, "item")
		require.NoError(t, err)
		assert.Equal(t, OutcomeInstruction, res.Outcome)
		assert.Contains(t, res.Instruction, "git")
	})

	t.Run("tracked roadmap without requirements stays in prepare", func(t *testing.T) {
		root := t.TempDir()
		dir := filepath.Join(root, "item")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		writeFile(t, dir, artifactRoadmap, "# goal\n")
		gitInit(t, root)

		res, err := New(root).Resolve(ctx, "item")
		require.NoError(t, err)
		assert.Equal(t, PhasePrepare, res.Phase)
		assert.Equal(t, OutcomeInstruction, res.Outcome)
		assert.Contains(t, res.Instruction, artifactRequirements)
	})

	t.Run("requirements without plan dispatch a planning session", func(t *testing.T) {
		root := t.TempDir()
		dir := filepath.Join(root, "item")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		writeFile(t, dir, artifactRoadmap, "# goal\n")
		writeFile(t, dir, artifactRequirements, "# must\n")
		gitInit(t, root)

		res, err := New(root).Resolve(ctx, "item")
		require.NoError(t, err)
		assert.Equal(t, PhasePrepare, res.Phase)
		assert.Equal(t, OutcomeDispatch, res.Outcome)
		require.NotNil(t, res.Dispatch)
		assert.Equal(t, command.KindNewSession, res.Dispatch.Kind)

		args := res.Dispatch.Args.(*command.NewSessionArgs)
		assert.Equal(t, dir, args.Cwd)
		assert.Contains(t, args.Message, artifactPlan)
	})

	t.Run("all artifacts present dispatch autonomous work", func(t *testing.T) {
		root := t.TempDir()
		dir := filepath.Join(root, "item")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		writeFile(t, dir, artifactRoadmap, "# goal\n")
		writeFile(t, dir, artifactRequirements, "# must\n")
		writeFile(t, dir, artifactPlan, "# steps\n")
		gitInit(t, root)

		res, err := New(root).Resolve(ctx, "item")
		require.NoError(t, err)
		assert.Equal(t, PhaseWork, res.Phase)
		assert.Equal(t, OutcomeDispatch, res.Outcome)
		args := res.Dispatch.Args.(*command.NewSessionArgs)
		assert.Contains(t, args.Message, "item")
	})

	t.Run("resolution is stateless", func(t *testing.T) {
		root := t.TempDir()
		o := New(root)
		first, err := o.Resolve(ctx, "ghost")
		require.NoError(t, err)
		second, err := o.Resolve(ctx, "ghost")
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})
}
