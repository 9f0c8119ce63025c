// Package nextmachine derives workflow phase for a work item from its
// on-disk artifacts. The orchestrator is stateless: every resolution reads
// the artifacts fresh and no state is kept between calls.
package nextmachine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/instruktai/teleclaude/internal/command"
)

// Artifact file names inside a work-item directory.
const (
	artifactRoadmap      = "roadmap.md"
	artifactRequirements = "requirements.md"
	artifactPlan         = "implementation-plan.md"
	artifactState        = "state.yaml"
)

// Phases.
const (
	PhasePrepare = "prepare"
	PhaseWork    = "work"
)

// Outcome kinds.
const (
	OutcomeInstruction = "instruction"
	OutcomeDispatch    = "dispatch"
	OutcomeDone        = "done"
	OutcomeBlocked     = "blocked"
)

// State mirrors state.yaml.
type State struct {
	Status    string   `yaml:"status"` // pending, prepared, in_progress, done
	DependsOn []string `yaml:"depends_on"`
}

// Resolution is the orchestrator's answer for one work item.
type Resolution struct {
	Slug    string
	Phase   string
	Outcome string
	// Instruction carries prose guidance for the caller.
	Instruction string
	// Dispatch carries a ready-to-submit command when Outcome is dispatch.
	Dispatch *command.Command
	// Blocking lists incomplete dependencies when Outcome is blocked.
	Blocking []string
}

// Orchestrator resolves work items under a root directory.
type Orchestrator struct {
	root string
}

// New creates an orchestrator over the given work-items root.
func New(root string) *Orchestrator {
	return &Orchestrator{root: root}
}

// Resolve derives the phase and next step for one work-item slug.
func (o *Orchestrator) Resolve(ctx context.Context, slug string) (*Resolution, error) {
	dir := filepath.Join(o.root, slug)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return &Resolution{
			Slug:        slug,
			Phase:       PhasePrepare,
			Outcome:     OutcomeInstruction,
			Instruction: fmt.Sprintf("Work item '%s' has no directory yet. Create %s with a roadmap.md describing the goal.", slug, dir),
		}, nil
	}

	state, err := o.readState(dir)
	if err != nil {
		return nil, fmt.Errorf("unreadable state for '%s': %w", slug, err)
	}

	if state.Status == "done" {
		return &Resolution{Slug: slug, Phase: PhaseWork, Outcome: OutcomeDone}, nil
	}

	if blocking := o.incompleteDeps(state); len(blocking) > 0 {
		return &Resolution{
			Slug:     slug,
			Phase:    PhasePrepare,
			Outcome:  OutcomeBlocked,
			Blocking: blocking,
		}, nil
	}

	// Every artifact that exists must be tracked by version control; an
	// untracked artifact means local state that a peer machine cannot see.
	for _, name := range []string{artifactRoadmap, artifactRequirements, artifactPlan, artifactState} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if !gitTracked(ctx, dir, name) {
			return &Resolution{
				Slug:        slug,
				Phase:       PhasePrepare,
				Outcome:     OutcomeInstruction,
				Instruction: fmt.Sprintf("Artifact %s exists but is not tracked by git. Commit it before dispatching.", name),
			}, nil
		}
	}

	if !exists(dir, artifactRoadmap) {
		return &Resolution{
			Slug:        slug,
			Phase:       PhasePrepare,
			Outcome:     OutcomeInstruction,
			Instruction: fmt.Sprintf("Draft %s for '%s': the problem, the goal, and rough milestones.", artifactRoadmap, slug),
		}, nil
	}

	if !exists(dir, artifactRequirements) {
		return &Resolution{
			Slug:        slug,
			Phase:       PhasePrepare,
			Outcome:     OutcomeInstruction,
			Instruction: fmt.Sprintf("Roadmap present. Draft %s for '%s' with a human in the loop before implementation starts.", artifactRequirements, slug),
		}, nil
	}

	if !exists(dir, artifactPlan) {
		// Preparation can be delegated: dispatch a session that drafts the
		// implementation plan from the requirements.
		return &Resolution{
			Slug:    slug,
			Phase:   PhasePrepare,
			Outcome: OutcomeDispatch,
			Dispatch: &command.Command{
				Kind:   command.KindNewSession,
				Source: command.SourceCLI,
				Args: &command.NewSessionArgs{
					Cwd:     dir,
					Message: fmt.Sprintf("Read %s and %s, then write %s.", artifactRoadmap, artifactRequirements, artifactPlan),
				},
			},
		}, nil
	}

	// All preparation artifacts exist: autonomous implementation phase.
	return &Resolution{
		Slug:    slug,
		Phase:   PhaseWork,
		Outcome: OutcomeDispatch,
		Dispatch: &command.Command{
			Kind:   command.KindNewSession,
			Source: command.SourceCLI,
			Args: &command.NewSessionArgs{
				Cwd:     dir,
				Message: fmt.Sprintf("Implement '%s' following %s. Verify against %s before marking the state done.", slug, artifactPlan, artifactRequirements),
			},
		},
	}, nil
}

func (o *Orchestrator) readState(dir string) (*State, error) {
	data, err := os.ReadFile(filepath.Join(dir, artifactState))
	if os.IsNotExist(err) {
		return &State{Status: "pending"}, nil
	}
	if err != nil {
		return nil, err
	}
	var state State
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state.Status == "" {
		state.Status = "pending"
	}
	return &state, nil
}

// incompleteDeps returns dependencies whose own state is not done.
func (o *Orchestrator) incompleteDeps(state *State) []string {
	var blocking []string
	for _, dep := range state.DependsOn {
		depState, err := o.readState(filepath.Join(o.root, dep))
		if err != nil || depState.Status != "done" {
			blocking = append(blocking, dep)
		}
	}
	return blocking
}

func exists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}

func gitTracked(ctx context.Context, dir, name string) bool {
	cmd := exec.CommandContext(ctx, "git", "ls-files", "--error-unmatch", name)
	cmd.Dir = dir
	return cmd.Run() == nil
}
