// Package agent implements the per-phase collaborators that drive the
// claude CLI: each agent builds the prompt for its workflow phase and
// judges the captured output afterwards. Agents never spawn processes
// themselves; the orchestrator feeds the prompt to the runner and hands
// the result back to ParseOutput.
package agent

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/iambrandonn/porch/internal/runner"
	"github.com/iambrandonn/porch/internal/workflow"
)

// Outcome is an agent's verdict on a completed run.
type Outcome struct {
	Success bool
	// Files lists what the run produced: artifact names relative to the
	// feature directory, generated source paths, or a PR reference.
	Files []string
	// Error describes the failure when Success is false.
	Error string
}

// Agent builds the prompt for one workflow phase and parses its output.
type Agent interface {
	Name() string
	Phase() workflow.Phase
	// TracksTasks reports whether runs of this agent emit task-completion
	// markers that stagnation monitoring should watch.
	TracksTasks() bool
	BuildPrompt() (string, error)
	ParseOutput(res *runner.Result) Outcome
}

// Params holds the values substituted for the common template
// placeholders.
type Params struct {
	ProjectName string
	Language    string
	TestCommand string
}

// Deps carries the collaborators shared by all agents. Zero-value fields
// get working defaults: a nil FS means the real filesystem, a nil
// Templates a loader rooted at ProjectDir, a nil Logger slog.Default().
type Deps struct {
	FS         afero.Fs
	ProjectDir string
	FeatureDir string
	Params     Params
	Templates  *Templates
	Logger     *slog.Logger
}

type base struct {
	fs         afero.Fs
	projectDir string
	featureDir string
	params     Params
	templates  *Templates
	logger     *slog.Logger
}

func newBase(deps Deps) base {
	fs := deps.FS
	if fs == nil {
		fs = afero.NewOsFs()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	templates := deps.Templates
	if templates == nil {
		templates = NewTemplates(fs, deps.ProjectDir, logger)
	}
	return base{
		fs:         fs,
		projectDir: deps.ProjectDir,
		featureDir: deps.FeatureDir,
		params:     deps.Params,
		templates:  templates,
		logger:     logger,
	}
}

// readFeatureFile returns the content of a file in the feature
// directory, or "" when it does not exist.
func (b base) readFeatureFile(name string) string {
	if b.featureDir == "" {
		return ""
	}
	data, err := afero.ReadFile(b.fs, filepath.Join(b.featureDir, name))
	if err != nil {
		return ""
	}
	return string(data)
}

// featurePath is the feature directory relative to the project root,
// which is how prompts reference it.
func (b base) featurePath() string {
	if b.featureDir == "" {
		return ""
	}
	rel, err := filepath.Rel(b.projectDir, b.featureDir)
	if err != nil || strings.HasPrefix(rel, "..") {
		return b.featureDir
	}
	return filepath.ToSlash(rel)
}

// applyPlaceholders substitutes the common placeholders plus any extra
// key/value pairs. Extra values are inserted as-is: placeholders inside
// them stay literal.
func (b base) applyPlaceholders(template string, extra map[string]string) string {
	out := strings.NewReplacer(
		"{{project_name}}", b.params.ProjectName,
		"{{language}}", b.params.Language,
		"{{test_command}}", b.params.TestCommand,
		"{{feature_path}}", b.featurePath(),
		"{{tdd_instructions}}", tddInstructions,
	).Replace(template)
	for key, value := range extra {
		out = strings.ReplaceAll(out, "{{"+key+"}}", value)
	}
	return out
}

// generatedFiles lists everything under src/ and tests/, the directories
// implementation runs write into. Paths are relative to the project root
// and sorted.
func (b base) generatedFiles() []string {
	var files []string
	for _, dir := range []string{"src", "tests"} {
		root := filepath.Join(b.projectDir, dir)
		_ = afero.Walk(b.fs, root, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return nil
			}
			rel, relErr := filepath.Rel(b.projectDir, path)
			if relErr != nil {
				return nil
			}
			files = append(files, filepath.ToSlash(rel))
			return nil
		})
	}
	sort.Strings(files)
	return files
}

const tddInstructions = `
## TDD Workflow Guidelines

For tasks that benefit from TDD, follow the RED -> GREEN -> REFACTOR cycle:

### When to Use TDD

**TDD-Friendly Tasks** (write tests first):
- New features with business logic
- Bug fixes (test reproduces the bug first)
- Refactoring (tests ensure behavior preserved)
- API endpoints and data transformations

**Non-TDD Tasks** (implement directly):
- Configuration changes
- Simple UI adjustments
- Documentation updates
- Migration scripts
- Dependency updates

### The TDD Cycle

1. RED: write a failing test that defines the expected behavior, run it,
   and verify it fails.
2. GREEN: write the minimum code to make the test pass, nothing more.
3. REFACTOR: clean up while keeping every test green.

### Per-Task Override

If a task in TASKS.md specifies "**TDD**: true" or "**TDD**: false",
follow that directive. Otherwise use your judgment based on the task type.

Keep the RED-GREEN cycle short, write one test at a time, and test
behavior rather than implementation details.
`
