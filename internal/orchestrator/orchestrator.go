// Package orchestrator drives one feature through the full workflow:
// specification, spec validation, implementation, QA, QA validation,
// and pull request. It owns the retry policy, wires the runner, the
// anomaly monitor, the progress tracker, and the journal together for
// each phase, and is the only writer of workflow state during a run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/iambrandonn/porch/internal/agent"
	"github.com/iambrandonn/porch/internal/artifact"
	"github.com/iambrandonn/porch/internal/breaker"
	"github.com/iambrandonn/porch/internal/config"
	"github.com/iambrandonn/porch/internal/journal"
	"github.com/iambrandonn/porch/internal/progress"
	"github.com/iambrandonn/porch/internal/runner"
	"github.com/iambrandonn/porch/internal/validation"
	"github.com/iambrandonn/porch/internal/workflow"
	"github.com/iambrandonn/porch/internal/workspace"
)

var (
	// ErrAborted ends a run that was interrupted on request.
	ErrAborted = errors.New("workflow aborted")

	// ErrRejected ends a run whose validator declined a gate.
	ErrRejected = errors.New("workflow rejected")

	// ErrMissingCompletion marks a run that exited cleanly without
	// announcing completion. The attempt is retried: the agent may simply
	// have stopped early.
	ErrMissingCompletion = errors.New("run finished without announcing completion")
)

// Failure reasons persisted in the state document. Machine-readable so
// tooling can branch on them; the circuit-breaker reason carries its
// trigger as a suffix.
const (
	reasonTimeout           = "timeout"
	reasonCircuitBreaker    = "circuit_breaker_triggered"
	reasonMissingExitSignal = "missing_exit_signal"
	reasonSpawnError        = "spawn_error"
)

// Workflow outcomes recorded in the journal.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeRejected  = "rejected"
	outcomeAborted   = "aborted"
)

// Per-phase outcomes shared by the journal and the console.
const (
	phaseSuccess = "success"
	phaseFailed  = "failed"
	phaseAborted = "aborted"
)

// Options configures one workflow run.
type Options struct {
	// ProjectDir is the project root; defaults to ".".
	ProjectDir string
	// Feature names the feature directory under docs/features/.
	Feature string
	// Fresh discards previous state and starts from the beginning.
	Fresh bool
	// Quiet suppresses console progress lines.
	Quiet bool
	// Model overrides the configured model for every phase.
	Model string
	// Bin overrides the agent CLI binary, mainly for tests.
	Bin string
	// Output receives progress lines and gate prompts; defaults to
	// os.Stdout.
	Output io.Writer
	// Input answers gate prompts; defaults to os.Stdin.
	Input io.Reader
	// Validator overrides gate handling. Nil picks the console
	// validator, or the auto-approver when the config enables it.
	Validator validation.Validator
	Logger    *slog.Logger
}

// Orchestrator runs the workflow for a single feature. One Run per
// instance; Abort may be called from any goroutine.
type Orchestrator struct {
	opts       Options
	cfg        *config.Config
	logger     *slog.Logger
	featureDir string

	store     *workflow.Store
	journal   *journal.Journal
	tracker   *progress.Tracker
	validator validation.Validator
	templates *agent.Templates

	mu             sync.Mutex
	current        *runner.Runner
	monitor        *breaker.Monitor
	abortRequested bool
}

// New loads the project configuration and assembles an orchestrator for
// the feature.
func New(opts Options) (*Orchestrator, error) {
	if opts.ProjectDir == "" {
		opts.ProjectDir = "."
	}
	if opts.Feature == "" {
		return nil, errors.New("feature name is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := config.Load(opts.ProjectDir)
	if err != nil {
		return nil, err
	}
	featureDir := workspace.FeatureDir(opts.ProjectDir, opts.Feature)

	o := &Orchestrator{
		opts:       opts,
		cfg:        cfg,
		logger:     logger,
		featureDir: featureDir,
		store:      workflow.NewStore(workspace.StatePath(featureDir)),
		journal:    journal.New(featureDir, opts.Feature, logger),
		templates:  agent.NewTemplates(afero.NewOsFs(), opts.ProjectDir, logger),
	}
	o.tracker = progress.NewTracker(progress.TrackerOptions{
		Output:      opts.Output,
		Quiet:       opts.Quiet,
		TestCommand: cfg.Stack.TestCommand,
		OnTaskEvent: o.onTaskEvent,
		OnActivity:  o.onActivity,
	})

	o.validator = opts.Validator
	if o.validator == nil {
		if cfg.Validation.AutoApprove {
			o.validator = validation.AutoApprover{Logger: logger}
		} else {
			o.validator = validation.NewConsoleValidator(opts.Input, opts.Output, logger)
		}
	}
	return o, nil
}

// Config returns the configuration the orchestrator was built with.
func (o *Orchestrator) Config() *config.Config { return o.cfg }

// State returns the persisted workflow state for the feature.
func (o *Orchestrator) State() workflow.State { return o.store.State() }

// Run executes the workflow to its end. It returns nil when the feature
// reached COMPLETED, ErrAborted or ErrRejected for those endings, and a
// descriptive error for failures. Cancelling ctx behaves like Abort.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.checkPrerequisites(); err != nil {
		return err
	}
	if err := workspace.InitializeFeature(o.featureDir); err != nil {
		return err
	}

	if o.cfg.Journal.Enabled {
		if err := o.journal.StartWorkflow(o.opts.Fresh); err != nil {
			o.logger.Warn("journal unavailable, continuing without it", "error", err)
		}
		defer o.journal.Close()
	}

	err := o.runSteps(ctx)

	outcome := outcomeCompleted
	switch {
	case errors.Is(err, ErrAborted):
		outcome = outcomeAborted
	case errors.Is(err, ErrRejected):
		outcome = outcomeRejected
	case err != nil:
		outcome = outcomeFailed
	}
	if jerr := o.journal.EndWorkflow(outcome); jerr != nil {
		o.logger.Warn("failed to finalize journal", "error", jerr)
	}
	if err == nil {
		if s := o.journal.Summary(); s != nil {
			o.tracker.Summary(s)
		}
	}
	return err
}

// Abort interrupts the in-flight agent run, if any. The workflow winds
// down with ErrAborted once the runner observes the request.
func (o *Orchestrator) Abort() {
	o.mu.Lock()
	o.abortRequested = true
	r := o.current
	o.mu.Unlock()
	if r != nil {
		r.Abort()
	}
}

func (o *Orchestrator) runSteps(ctx context.Context) error {
	resumeFrom, err := o.prepare()
	if err != nil {
		return err
	}

	reached := false
	for _, s := range o.steps() {
		if !reached {
			if s.phase != resumeFrom {
				o.logger.Info("phase already completed, skipping", "phase", s.phase)
				continue
			}
			reached = true
		}
		if err := s.run(ctx); err != nil {
			return err
		}
	}
	return o.transition(workflow.PhaseCompleted)
}

// prepare resets or resumes the persisted state and returns the first
// phase to execute.
func (o *Orchestrator) prepare() (workflow.Phase, error) {
	if o.opts.Fresh {
		if err := o.store.Reset(); err != nil {
			return "", err
		}
		return workflow.PhaseSpecification, nil
	}

	st := o.store.State()
	switch st.Phase {
	case workflow.PhaseIdle:
		return workflow.PhaseSpecification, nil

	case workflow.PhaseAwaitingSpecValidation, workflow.PhaseAwaitingQAValidation:
		// Interrupted at a gate: re-present it, provided the artifacts it
		// judges still hold up.
		need := []workflow.Phase{workflow.PhaseSpecification}
		if st.Phase == workflow.PhaseAwaitingQAValidation {
			need = append(need, workflow.PhaseQA)
		}
		for _, p := range need {
			if err := artifact.Verify(o.featureDir, p); err != nil {
				o.logger.Warn("artifacts failed verification, restarting from the beginning", "error", err)
				if rErr := o.store.Reset(); rErr != nil {
					return "", rErr
				}
				return workflow.PhaseSpecification, nil
			}
		}
		o.logger.Info("resuming at validation gate", "phase", st.Phase)
		return st.Phase, nil

	case workflow.PhaseFailed, workflow.PhaseRejected, workflow.PhaseAborted:
		resume := o.resumePhase(st)
		if resume == "" {
			if err := o.store.Reset(); err != nil {
				return "", err
			}
			return workflow.PhaseSpecification, nil
		}
		if err := o.transition(workflow.PhaseIdle); err != nil {
			return "", err
		}
		o.restoreTaskCounts(resume)
		o.logger.Info("resuming workflow", "from", resume, "last_completed", st.LastCompletedPhase)
		return resume, nil

	default:
		return "", fmt.Errorf("cannot start a run from phase %s", st.Phase)
	}
}

// resumePhase maps the last completed phase to the next one to execute,
// re-verifying the artifacts the remaining phases depend on. Returns ""
// when nothing usable survives, which degrades to a full restart.
func (o *Orchestrator) resumePhase(st workflow.State) workflow.Phase {
	var next workflow.Phase
	needsQA := false
	switch workflow.Phase(st.LastCompletedPhase) {
	case workflow.PhaseSpecification:
		next = workflow.PhaseAwaitingSpecValidation
	case workflow.PhaseAwaitingSpecValidation:
		next = workflow.PhaseImplementation
	case workflow.PhaseImplementation:
		next = workflow.PhaseQA
	case workflow.PhaseQA:
		next, needsQA = workflow.PhaseAwaitingQAValidation, true
	case workflow.PhaseAwaitingQAValidation:
		next, needsQA = workflow.PhasePR, true
	default:
		return ""
	}

	if err := artifact.Verify(o.featureDir, workflow.PhaseSpecification); err != nil {
		o.logger.Warn("specification artifacts failed verification, restarting from the beginning", "error", err)
		return ""
	}
	if needsQA {
		if err := artifact.Verify(o.featureDir, workflow.PhaseQA); err != nil {
			o.logger.Warn("qa artifacts failed verification, restarting from the beginning", "error", err)
			return ""
		}
	}
	return next
}

// restoreTaskCounts reloads the task counters from TASKS.md so a resume
// that skips the specification phase still reports honest progress.
func (o *Orchestrator) restoreTaskCounts(resume workflow.Phase) {
	if resume == workflow.PhaseSpecification {
		return
	}
	completed, total := o.taskFileProgress()
	if total == 0 {
		return
	}
	if err := o.store.SetTasks(completed, total); err != nil {
		o.logger.Warn("failed to restore task counters", "error", err)
		return
	}
	o.tracker.UpdateTasks(completed, total)
}

func (o *Orchestrator) checkPrerequisites() error {
	if _, err := os.Stat(filepath.Join(o.featureDir, "PRD.md")); err != nil {
		return fmt.Errorf("PRD.md not found in %s\n\nHint: describe the feature when starting and porch writes one for you:\n  porch start \"add user login\"", o.featureDir)
	}

	st := o.store.State()
	if workflow.StatusFor(st.Phase) == workflow.StatusRunning {
		if pid, ok := runner.Running(o.opts.ProjectDir); ok {
			return fmt.Errorf("a workflow run appears to be active (pid %d): stop it with porch abort first", pid)
		}
		// The phase says running but nothing is. Treat the old run as
		// interrupted so the resume logic can take over.
		o.logger.Warn("previous run did not exit cleanly, marking it failed", "phase", st.Phase)
		if err := o.store.Fail("interrupted: previous run did not exit cleanly"); err != nil {
			return err
		}
	}
	if st.Phase == workflow.PhaseCompleted && !o.opts.Fresh {
		return fmt.Errorf("feature %s is already completed: pass --fresh to run it again", o.opts.Feature)
	}
	return nil
}

// transition moves the state machine, surfacing invalid edges through
// the journal before returning them.
func (o *Orchestrator) transition(next workflow.Phase) error {
	if err := o.store.Transition(next); err != nil {
		var te *workflow.TransitionError
		if errors.As(err, &te) {
			o.journal.RecordError("invalid_transition", te.Error())
		}
		return err
	}
	return nil
}

func (o *Orchestrator) aborted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.abortRequested
}

func (o *Orchestrator) setCurrent(r *runner.Runner, m *breaker.Monitor) {
	o.mu.Lock()
	o.current, o.monitor = r, m
	o.mu.Unlock()
}

func (o *Orchestrator) currentMonitor() *breaker.Monitor {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.monitor
}

func (o *Orchestrator) modelFor(phase workflow.Phase) string {
	if o.opts.Model != "" {
		return o.opts.Model
	}
	return o.cfg.ModelFor(phase)
}

func (o *Orchestrator) agentDeps() agent.Deps {
	return agent.Deps{
		ProjectDir: o.opts.ProjectDir,
		FeatureDir: o.featureDir,
		Params: agent.Params{
			ProjectName: o.cfg.Project.Name,
			Language:    o.cfg.Stack.Language,
			TestCommand: o.cfg.Stack.TestCommand,
		},
		Templates: o.templates,
		Logger:    o.logger,
	}
}

// taskFileProgress counts tasks directly from TASKS.md.
func (o *Orchestrator) taskFileProgress() (completed, total int) {
	data, err := os.ReadFile(filepath.Join(o.featureDir, "TASKS.md"))
	if err != nil {
		return 0, 0
	}
	return agent.TaskProgress(string(data))
}
