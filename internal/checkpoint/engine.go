// Package checkpoint composes turn-boundary guidance from working-tree
// inspection. The engine maps changed files to categories, emits required
// actions in a fixed execution precedence, and suppresses actions already
// evidenced in the current turn. It never executes anything itself;
// enforcement lives in pre-commit hooks.
package checkpoint

import (
	"fmt"
	"strings"
)

// Category of a changed file, by first matching pattern.
type Category int

// Categories in pattern-match order.
const (
	CategoryDaemon Category = iota
	CategoryHookRuntime
	CategoryTUI
	CategorySetup
	CategoryTests
	CategoryArtifacts
	CategoryConfig
	CategoryDocs
)

// Action is one required step with the command prefix that counts as
// evidence of it having been performed.
type Action struct {
	Text           string
	EvidencePrefix string
}

// The action vocabulary in execution precedence order.
var (
	actionProjectInit = Action{
		Text:           "initialize the project: run telec setup",
		EvidencePrefix: "telec setup",
	}
	actionRestart = Action{
		Text:           "restart service, then check status",
		EvidencePrefix: "telec daemon restart",
	}
	actionTUIReload = Action{
		Text:           "signal the TUI to reload",
		EvidencePrefix: "telec tui reload",
	}
	actionArtifactReload = Action{
		Text:           "reload agent artifacts",
		EvidencePrefix: "telec agents reload",
	}
	actionLogCheck = Action{
		Text:           "check the daemon log for errors",
		EvidencePrefix: "telec logs",
	}
	actionTests = Action{
		Text:           "run targeted tests for the changed code",
		EvidencePrefix: "pytest",
	}
	actionCommit = Action{
		Text:           "commit the working tree",
		EvidencePrefix: "git commit",
	}
	actionCapture = Action{
		Text:           "capture anything worth keeping: memories, bugs, ideas",
		EvidencePrefix: "",
	}
)

// pattern maps a path predicate to a category; first match wins.
type pattern struct {
	match    func(path string) bool
	category Category
}

func prefixPattern(prefix string, cat Category) pattern {
	return pattern{
		match:    func(p string) bool { return strings.HasPrefix(p, prefix) },
		category: cat,
	}
}

func suffixPattern(suffix string, cat Category) pattern {
	return pattern{
		match:    func(p string) bool { return strings.HasSuffix(p, suffix) },
		category: cat,
	}
}

var patterns = []pattern{
	prefixPattern("teleclaude/hooks/", CategoryHookRuntime),
	prefixPattern("hooks/", CategoryHookRuntime),
	prefixPattern("teleclaude/", CategoryDaemon),
	prefixPattern("daemon/", CategoryDaemon),
	prefixPattern("tui/", CategoryTUI),
	prefixPattern("telec-setup/", CategorySetup),
	prefixPattern("tests/", CategoryTests),
	prefixPattern(".claude/", CategoryArtifacts),
	prefixPattern("agents/", CategoryArtifacts),
	suffixPattern(".yml", CategoryConfig),
	suffixPattern(".yaml", CategoryConfig),
	suffixPattern(".toml", CategoryConfig),
	suffixPattern(".md", CategoryDocs),
	suffixPattern(".txt", CategoryDocs),
}

// Categorize maps one path to its category. Unmatched paths count as daemon
// code: the conservative bucket.
func Categorize(path string) Category {
	for _, p := range patterns {
		if p.match(path) {
			return p.category
		}
	}
	return CategoryDaemon
}

// Evidence is one observed tool invocation from the current turn.
type Evidence struct {
	Command string
	Failed  bool
}

// Input is everything the engine considers for one decision.
type Input struct {
	ChangedFiles []string
	// StopHookActive marks a stop raised while a previous checkpoint block
	// is still being handled; the engine passes through unconditionally.
	StopHookActive bool
	Evidence       []Evidence
}

// Decision is the engine's outcome: a blocking message, or pass-through.
type Decision struct {
	Block   bool
	Actions []string
	Message string
}

// Decide computes the checkpoint decision for one agent-stop boundary.
func Decide(in Input) Decision {
	if in.StopHookActive {
		return Decision{Block: false}
	}
	if len(in.ChangedFiles) == 0 {
		return Decision{Block: false}
	}

	cats := make(map[Category]bool)
	for _, f := range in.ChangedFiles {
		cats[Categorize(f)] = true
	}

	// Tests-only selection: every non-doc changed file under tests/.
	testsOnly := cats[CategoryTests]
	for c := range cats {
		if c != CategoryTests && c != CategoryDocs {
			testsOnly = false
		}
	}

	var actions []Action

	// 1. Runtime/setup bucket, in strict sub-order.
	if cats[CategorySetup] {
		actions = append(actions, actionProjectInit)
	}
	if cats[CategoryDaemon] || cats[CategoryConfig] {
		actions = append(actions, actionRestart)
	}
	if cats[CategoryTUI] {
		actions = append(actions, actionTUIReload)
	}
	if cats[CategoryArtifacts] {
		actions = append(actions, actionArtifactReload)
	}

	// 2. Observability. The baseline log check is always included, even for
	// a docs-only tree.
	actions = append(actions, actionLogCheck)

	// 3. Validation, unless the tree is docs-only.
	docsOnly := len(cats) == 1 && cats[CategoryDocs]
	if !docsOnly || testsOnly {
		actions = append(actions, actionTests)
	}

	// 4. Commit, after everything above.
	actions = append(actions, actionCommit)

	// 5. Capture reminder as closing note.
	actions = append(actions, actionCapture)

	texts := suppressAndDedup(actions, in.Evidence)
	if len(texts) == 0 {
		return Decision{Block: false}
	}

	return Decision{
		Block:   true,
		Actions: texts,
		Message: composeMessage(texts),
	}
}

// suppressAndDedup drops actions already evidenced by a successful matching
// command in the same turn, then removes duplicate strings preserving order.
func suppressAndDedup(actions []Action, evidence []Evidence) []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range actions {
		if evidenced(a, evidence) {
			continue
		}
		if seen[a.Text] {
			continue
		}
		seen[a.Text] = true
		out = append(out, a.Text)
	}
	return out
}

// evidenced reports whether a successful tool call with the action's command
// prefix already happened this turn. Failed attempts do not count.
func evidenced(a Action, evidence []Evidence) bool {
	if a.EvidencePrefix == "" {
		return false
	}
	for _, e := range evidence {
		if e.Failed {
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(e.Command), a.EvidencePrefix) {
			return true
		}
	}
	return false
}

func composeMessage(texts []string) string {
	var b strings.Builder
	b.WriteString("Before finishing this turn:\n")
	for i, t := range texts {
		fmt.Fprintf(&b, "%d. %s\n", i+1, t)
	}
	return b.String()
}
