package agent

import (
	"fmt"

	"github.com/iambrandonn/porch/internal/runner"
	"github.com/iambrandonn/porch/internal/workflow"
)

// DevAgent implements the tasks in TASKS.md. When resumeTaskID is set
// the prompt directs the run to skip everything before that task.
type DevAgent struct {
	base
	resumeTaskID string
}

// NewDevAgent returns the implementation-phase agent. A non-empty
// resumeTaskID puts the prompt in resume mode.
func NewDevAgent(deps Deps, resumeTaskID string) *DevAgent {
	return &DevAgent{base: newBase(deps), resumeTaskID: resumeTaskID}
}

func (a *DevAgent) Name() string          { return "dev-agent" }
func (a *DevAgent) Phase() workflow.Phase { return workflow.PhaseImplementation }
func (a *DevAgent) TracksTasks() bool     { return true }

// BuildPrompt embeds the specification and task list, plus the resume
// directive when continuing an interrupted run.
func (a *DevAgent) BuildPrompt() (string, error) {
	tpl, err := a.templates.Load("dev_agent.md")
	if err != nil {
		return "", err
	}
	spec := a.readFeatureFile("SPEC.md")
	if spec == "" {
		return "", fmt.Errorf("SPEC.md not found in %s", a.featureDir)
	}
	tasks := a.readFeatureFile("TASKS.md")
	if tasks == "" {
		return "", fmt.Errorf("TASKS.md not found in %s", a.featureDir)
	}

	resume := ""
	if a.resumeTaskID != "" {
		resume = resumeInstruction(a.resumeTaskID)
	}
	return a.applyPlaceholders(tpl, map[string]string{
		"spec_content":       spec,
		"tasks_content":      tasks,
		"resume_instruction": resume,
	}), nil
}

func resumeInstruction(taskID string) string {
	return fmt.Sprintf(`
## RESUME MODE ACTIVE

**IMPORTANT**: You are resuming a previously interrupted session.

- Skip every task BEFORE task %[1]s (they are already completed)
- Start directly with task %[1]s
- If task %[1]s is marked in_progress it was interrupted: reimplement it
- If task %[1]s is marked pending, proceed normally
- Continue sequentially to the end
- Do NOT reimplement tasks marked completed

Before starting, read TASKS.md and confirm the tasks before %[1]s are
marked completed.
`, taskID)
}

// ParseOutput succeeds only when every task is completed and the run
// announced completion. Task state is read from TASKS.md itself, not
// from the output, so a run that lied about finishing still fails here.
func (a *DevAgent) ParseOutput(res *runner.Result) Outcome {
	completed, total := a.TaskProgress()
	files := a.generatedFiles()

	if completed < total {
		return Outcome{Files: files, Error: fmt.Sprintf("incomplete tasks: %d/%d", completed, total)}
	}
	if !res.ExitSignal {
		return Outcome{Files: files, Error: "EXIT_SIGNAL not received"}
	}
	return Outcome{Success: true, Files: files}
}

// TaskProgress reads TASKS.md and counts completed vs total tasks.
func (a *DevAgent) TaskProgress() (completed, total int) {
	return TaskProgress(a.readFeatureFile("TASKS.md"))
}

// ResumePoint inspects TASKS.md for where an interrupted run should pick
// up: a task stuck in_progress wins, otherwise the first pending task
// after lastCompleted. Returns "" when there is nothing to resume.
func (a *DevAgent) ResumePoint(lastCompleted string) string {
	content := a.readFeatureFile("TASKS.md")
	if id := InProgressTask(content); id != "" {
		return id
	}
	if lastCompleted != "" {
		return NextPendingAfter(content, lastCompleted)
	}
	return ""
}
