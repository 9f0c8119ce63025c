package checkpoint

import (
	"context"
	"os/exec"
	"strings"
)

// Inspector lists uncommitted changes in a working tree. Tests substitute a
// fake; the real implementation shells out to git.
type Inspector interface {
	ChangedFiles(ctx context.Context, dir string) ([]string, error)
}

// GitInspector inspects a real git working tree.
type GitInspector struct{}

// NewGitInspector creates a working-tree inspector.
func NewGitInspector() *GitInspector {
	return &GitInspector{}
}

// ChangedFiles returns tracked modifications against HEAD plus untracked
// files, repo-relative.
func (g *GitInspector) ChangedFiles(ctx context.Context, dir string) ([]string, error) {
	diff := exec.CommandContext(ctx, "git", "diff", "--name-only", "HEAD")
	diff.Dir = dir
	diffOut, err := diff.Output()
	if err != nil {
		return nil, err
	}

	untracked := exec.CommandContext(ctx, "git", "ls-files", "--others", "--exclude-standard")
	untracked.Dir = dir
	untrackedOut, err := untracked.Output()
	if err != nil {
		return nil, err
	}

	var files []string
	for _, line := range strings.Split(string(diffOut)+string(untrackedOut), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}
