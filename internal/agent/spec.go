package agent

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/iambrandonn/porch/internal/runner"
	"github.com/iambrandonn/porch/internal/workflow"
)

// Anything smaller than these is boilerplate, not a real specification.
const (
	minSpecBytes  = 1000
	minTasksBytes = 500
)

// SpecAgent turns a feature's PRD into SPEC.md and TASKS.md.
type SpecAgent struct {
	base
}

// NewSpecAgent returns the specification-phase agent.
func NewSpecAgent(deps Deps) *SpecAgent {
	return &SpecAgent{base: newBase(deps)}
}

func (a *SpecAgent) Name() string          { return "spec-agent" }
func (a *SpecAgent) Phase() workflow.Phase { return workflow.PhaseSpecification }
func (a *SpecAgent) TracksTasks() bool     { return false }

// BuildPrompt embeds the feature's PRD into the specification template.
func (a *SpecAgent) BuildPrompt() (string, error) {
	tpl, err := a.templates.Load("spec_agent.md")
	if err != nil {
		return "", err
	}
	prd := a.readFeatureFile("PRD.md")
	if prd == "" {
		return "", fmt.Errorf("PRD.md not found in %s", a.featureDir)
	}
	return a.applyPlaceholders(tpl, map[string]string{"prd_content": prd}), nil
}

// ParseOutput checks that both artifacts exist with substantive content
// and that the run announced completion.
func (a *SpecAgent) ParseOutput(res *runner.Result) Outcome {
	var files, missing []string

	specInfo, specErr := a.fs.Stat(filepath.Join(a.featureDir, "SPEC.md"))
	if specErr == nil {
		files = append(files, "SPEC.md")
	} else {
		missing = append(missing, "SPEC.md")
	}
	tasksInfo, tasksErr := a.fs.Stat(filepath.Join(a.featureDir, "TASKS.md"))
	if tasksErr == nil {
		files = append(files, "TASKS.md")
	} else {
		missing = append(missing, "TASKS.md")
	}

	if len(missing) > 0 {
		return Outcome{Files: files, Error: "missing files: " + strings.Join(missing, ", ")}
	}
	if !res.ExitSignal {
		return Outcome{Files: files, Error: "EXIT_SIGNAL not received"}
	}
	if specInfo.Size() <= minSpecBytes {
		return Outcome{Files: files, Error: fmt.Sprintf("SPEC.md too small (%d bytes)", specInfo.Size())}
	}
	if tasksInfo.Size() <= minTasksBytes {
		return Outcome{Files: files, Error: fmt.Sprintf("TASKS.md too small (%d bytes)", tasksInfo.Size())}
	}
	return Outcome{Success: true, Files: files}
}

// CountTasks returns the number of task blocks in the generated TASKS.md.
func (a *SpecAgent) CountTasks() int {
	_, total := TaskProgress(a.readFeatureFile("TASKS.md"))
	return total
}
