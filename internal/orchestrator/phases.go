package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/iambrandonn/porch/internal/agent"
	"github.com/iambrandonn/porch/internal/artifact"
	"github.com/iambrandonn/porch/internal/breaker"
	"github.com/iambrandonn/porch/internal/progress"
	"github.com/iambrandonn/porch/internal/runner"
	"github.com/iambrandonn/porch/internal/validation"
	"github.com/iambrandonn/porch/internal/workflow"
)

// step is one entry of the fixed workflow order.
type step struct {
	phase workflow.Phase
	run   func(ctx context.Context) error
}

func (o *Orchestrator) steps() []step {
	return []step{
		{workflow.PhaseSpecification, o.runSpecification},
		{workflow.PhaseAwaitingSpecValidation, o.runSpecValidation},
		{workflow.PhaseImplementation, o.runImplementation},
		{workflow.PhaseQA, o.runQA},
		{workflow.PhaseAwaitingQAValidation, o.runQAValidation},
		{workflow.PhasePR, o.runPR},
	}
}

func (o *Orchestrator) runSpecification(ctx context.Context) error {
	ag := agent.NewSpecAgent(o.agentDeps())
	post := func(*runner.Result) error {
		// The new task list starts from zero; checkpoints from any earlier
		// implementation run no longer refer to it.
		count := ag.CountTasks()
		if err := o.store.SetTasks(0, count); err != nil {
			return err
		}
		if err := o.store.ClearTaskCheckpoints(); err != nil {
			return err
		}
		o.tracker.UpdateTasks(0, count)
		return nil
	}
	return o.runAgentPhase(ctx, ag, 0, nil, post)
}

func (o *Orchestrator) runSpecValidation(ctx context.Context) error {
	return o.runGate(ctx, workflow.PhaseAwaitingSpecValidation, func() validation.Gate {
		_, total := o.taskFileProgress()
		return validation.SpecGate(o.featureDir, total, o.cfg.Validation.SpecPreviewLines)
	})
}

func (o *Orchestrator) runImplementation(ctx context.Context) error {
	deps := o.agentDeps()
	st := o.store.State()

	resumeID := ""
	if st.LastInProgressTaskID != "" || st.LastCompletedTaskID != "" {
		probe := agent.NewDevAgent(deps, "")
		resumeID = probe.ResumePoint(st.LastCompletedTaskID)
		if resumeID == "" {
			if completed, total := probe.TaskProgress(); total > 0 && completed == total {
				return o.skipImplementation(completed, total)
			}
		} else {
			o.logger.Info("resuming implementation", "task", resumeID)
		}
	}

	ag := agent.NewDevAgent(deps, resumeID)
	_, total := ag.TaskProgress()
	pre := func() {
		st := o.store.State()
		o.tracker.UpdateTasks(st.TasksCompleted, st.TasksTotal)
	}
	post := func(*runner.Result) error {
		completed, total := ag.TaskProgress()
		if err := o.store.SetTasks(completed, total); err != nil {
			return err
		}
		o.tracker.UpdateTasks(completed, total)
		return nil
	}
	return o.runAgentPhase(ctx, ag, total, pre, post)
}

// skipImplementation records an implementation phase whose tasks were
// all finished by an earlier run, without spawning an agent.
func (o *Orchestrator) skipImplementation(completed, total int) error {
	o.logger.Info("all tasks already completed, skipping implementation run",
		"completed", completed, "total", total)
	if err := o.transition(workflow.PhaseImplementation); err != nil {
		return err
	}
	if err := o.store.SetTasks(completed, total); err != nil {
		return err
	}
	o.tracker.UpdateTasks(completed, total)
	if err := o.store.MarkPhaseCompleted(workflow.PhaseImplementation); err != nil {
		return err
	}
	o.journal.RecordActivity("resume", "implementation already complete",
		fmt.Sprintf("%d/%d tasks", completed, total))
	return nil
}

func (o *Orchestrator) runQA(ctx context.Context) error {
	return o.runAgentPhase(ctx, agent.NewQAAgent(o.agentDeps()), 0, nil, nil)
}

func (o *Orchestrator) runQAValidation(ctx context.Context) error {
	return o.runGate(ctx, workflow.PhaseAwaitingQAValidation, func() validation.Gate {
		// Summarized from QA_REPORT.md on disk rather than run output, so
		// a resumed workflow can re-present the gate.
		s := agent.NewQAAgent(o.agentDeps()).Summary()
		return validation.QAGate(s.Score, s.CriticalIssues)
	})
}

func (o *Orchestrator) runPR(ctx context.Context) error {
	ag := agent.NewPRAgent(o.agentDeps(), o.opts.Feature, "")
	post := func(res *runner.Result) error {
		if url := agent.ExtractPRURL(res.Output); url != "" {
			o.journal.SetPRURL(url)
			o.logger.Info("pull request created", "url", url)
		}
		return nil
	}
	return o.runAgentPhase(ctx, ag, 0, nil, post)
}

// runGate presents one validation gate and applies the decision.
// Automation is suspended while the validator deliberates: no timeout,
// no anomaly monitoring.
func (o *Orchestrator) runGate(ctx context.Context, gate workflow.Phase, build func() validation.Gate) error {
	// A resumed workflow may already sit at the gate.
	if o.store.State().Phase != gate {
		if err := o.transition(gate); err != nil {
			return err
		}
	}

	decision, err := o.validator.RequestApproval(ctx, build())
	if err != nil {
		if ctx.Err() != nil {
			// Interrupted while waiting; the gate is re-presented on resume.
			return ErrAborted
		}
		return fmt.Errorf("validation failed: %w", err)
	}
	o.journal.RecordValidation(string(gate), decision.Approved, decision.Feedback)

	if !decision.Approved {
		if err := o.transition(workflow.PhaseRejected); err != nil {
			return err
		}
		msg := "rejected by validator"
		if decision.Feedback != "" {
			msg += ": " + decision.Feedback
		}
		if err := o.store.SetError(msg); err != nil {
			o.logger.Warn("failed to record rejection reason", "error", err)
		}
		return fmt.Errorf("%w: %s", ErrRejected, msg)
	}
	return o.store.MarkPhaseCompleted(gate)
}

// runAgentPhase executes one agent-driven phase: transition, spawn and
// supervise the agent with retries, judge the output, and persist the
// completion. The retry loop only re-runs infrastructure endings (spawn
// failure, timeout, tripped breaker, missing completion marker); when
// the output itself is judged insufficient a rerun would regenerate
// from the same prompt and fail the same way, so it fails immediately.
func (o *Orchestrator) runAgentPhase(ctx context.Context, ag agent.Agent, totalTasks int, preStart func(), postRun func(*runner.Result) error) error {
	phase := ag.Phase()
	if err := o.transition(phase); err != nil {
		return err
	}
	model := o.modelFor(phase)
	timeout := o.cfg.TimeoutFor(phase)

	o.journal.StartPhase(string(phase), model, int(timeout.Seconds()), totalTasks)
	o.tracker.StartPhase(string(phase), o.opts.Feature, model, timeout, totalTasks)

	outcome := phaseFailed
	var usage runner.TokenUsage
	var cost float64
	defer func() {
		// State is persisted before either observer hears about the ending.
		// Only the task-tracking phase reports counts: the journal sums
		// them across phases for its workflow total.
		tasksDone := 0
		if ag.TracksTasks() {
			tasksDone = o.store.State().TasksCompleted
		}
		o.journal.EndPhase(outcome, usage, cost, tasksDone)
		o.tracker.EndPhase(outcome)
	}()

	prompt, err := ag.BuildPrompt()
	if err != nil {
		reason := fmt.Sprintf("failed to build prompt: %v", err)
		o.failPhase(reason)
		return fmt.Errorf("%s phase: %s", phase, reason)
	}

	if preStart != nil {
		preStart()
	}

	maxAttempts := o.cfg.Retry.MaxAttempts
	delay := time.Duration(o.cfg.Retry.DelaySeconds) * time.Second

	var res *runner.Result
	lastReason := ""
	attempt := 1
	for ; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			o.logger.Warn("phase attempt failed, retrying",
				"phase", phase, "attempt", attempt, "max_attempts", maxAttempts, "reason", lastReason)
			o.journal.RecordActivity("retry", fmt.Sprintf("attempt %d/%d", attempt, maxAttempts), lastReason)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
		}
		if o.aborted() || ctx.Err() != nil {
			outcome = phaseAborted
			return o.abortPhase(phase)
		}

		monitor := o.newMonitor(ag)
		run := runner.New(runner.Options{
			WorkingDir:    o.opts.ProjectDir,
			Bin:           o.opts.Bin,
			Model:         model,
			Timeout:       timeout,
			OnOutput:      o.tracker.Observe,
			OnTokenUpdate: o.onTokenUpdate,
			Monitor:       monitor,
			Logger:        o.logger,
		})
		o.setCurrent(run, monitor)
		result, err := run.Run(ctx, prompt)
		o.setCurrent(nil, nil)
		if err != nil {
			lastReason = reasonSpawnError
			o.logger.Error("failed to start agent process", "error", err)
			o.journal.RecordError("spawn", err.Error())
			continue
		}
		usage, cost = result.TokenUsage, result.TotalCostUSD
		o.persistBreaker(monitor)

		switch result.TerminationReason {
		case runner.ReasonAborted:
			outcome = phaseAborted
			return o.abortPhase(phase)
		case runner.ReasonTimeout:
			lastReason = reasonTimeout
			o.journal.RecordError("timeout", fmt.Sprintf("%s phase exceeded %s", phase, timeout))
			continue
		case runner.ReasonCircuitBreaker:
			lastReason = fmt.Sprintf("%s:%s", reasonCircuitBreaker, result.CircuitTrigger)
			o.journal.RecordError("circuit_breaker", string(result.CircuitTrigger))
			continue
		}
		if !result.ExitSignal {
			lastReason = reasonMissingExitSignal
			o.journal.RecordError("missing_completion", ErrMissingCompletion.Error())
			continue
		}
		res = result
		break
	}

	if res == nil {
		o.failPhase(lastReason)
		return fmt.Errorf("%s phase failed after %d attempts: %s", phase, maxAttempts, lastReason)
	}

	out := ag.ParseOutput(res)
	if !out.Success {
		o.failPhase(out.Error)
		return fmt.Errorf("%s phase failed: %s", phase, out.Error)
	}
	if postRun != nil {
		if err := postRun(res); err != nil {
			o.failPhase(err.Error())
			return fmt.Errorf("%s phase: %w", phase, err)
		}
	}

	if err := o.store.MarkPhaseCompleted(phase); err != nil {
		return err
	}
	if _, err := artifact.WriteReceipt(o.featureDir, o.opts.Feature, phase, attempt); err != nil {
		o.logger.Warn("failed to write phase receipt", "phase", phase, "error", err)
	}
	outcome = phaseSuccess
	return nil
}

// abortPhase winds down an interrupted phase. Only implementation has an
// aborted edge; other phases keep their state so the next start resumes
// cleanly.
func (o *Orchestrator) abortPhase(phase workflow.Phase) error {
	o.logger.Info("phase aborted", "phase", phase)
	o.journal.RecordError("aborted", fmt.Sprintf("%s phase aborted", phase))
	if workflow.CanTransition(phase, workflow.PhaseAborted) {
		if err := o.transition(workflow.PhaseAborted); err != nil {
			return err
		}
	}
	return ErrAborted
}

func (o *Orchestrator) failPhase(reason string) {
	o.journal.RecordError("phase_failure", reason)
	if err := o.store.Fail(reason); err != nil {
		o.logger.Error("failed to record phase failure", "reason", reason, "error", err)
	}
}

// newMonitor builds the anomaly monitor for one attempt. Each attempt
// gets a fresh monitor so warning counts never leak across runs.
func (o *Orchestrator) newMonitor(ag agent.Agent) *breaker.Monitor {
	cb := o.cfg.CircuitBreaker
	cfg := breaker.Config{
		Enabled:               cb.Enabled,
		InactivityTimeout:     time.Duration(cb.InactivityTimeoutS) * time.Second,
		MaxRepeatedErrors:     cb.RepeatedErrorThreshold,
		TaskStagnationTimeout: time.Duration(cb.TaskStagnationTimeoutS) * time.Second,
		MaxOutputBytes:        cb.MaxOutputBytes,
		MaxAttempts:           cb.MaxAttempts,
	}
	run := breaker.RunContext{
		Phase:       ag.Phase(),
		TracksTasks: ag.TracksTasks(),
		TestCommand: o.cfg.Stack.TestCommand,
	}

	var m *breaker.Monitor
	m = breaker.New(cfg, run,
		func(trigger breaker.Trigger, attempts int) {
			o.tracker.Warning(string(trigger), attempts, cfg.MaxAttempts)
			o.journal.RecordCircuitBreaker(string(trigger), attempts, false)
			o.persistBreaker(m)
		},
		func(trigger breaker.Trigger) {
			o.tracker.Tripped(string(trigger))
			o.journal.RecordCircuitBreaker(string(trigger), m.Attempts(), true)
			o.persistBreaker(m)
		})
	return m
}

func (o *Orchestrator) persistBreaker(m *breaker.Monitor) {
	if err := o.store.SetCircuitBreaker(m.Snapshot()); err != nil {
		o.logger.Warn("failed to persist circuit breaker state", "error", err)
	}
}

func (o *Orchestrator) onTokenUpdate(usage runner.TokenUsage, cost float64) {
	o.tracker.UpdateUsage(usage, cost)
	o.journal.RecordTokenUpdate(usage, cost)
}

func (o *Orchestrator) onActivity(a progress.Activity) {
	o.journal.RecordActivity(string(a.Kind), a.Description, a.Detail)
}

// onTaskEvent checkpoints task transitions as the output stream reports
// them, then reconciles the counters against TASKS.md itself: the file
// is authoritative, the stream is only a hint.
func (o *Orchestrator) onTaskEvent(event, taskID, taskName string) {
	switch event {
	case progress.TaskEventStart:
		if taskID != "" {
			if err := o.store.CheckpointTask(taskID, "in_progress"); err != nil {
				o.logger.Warn("failed to checkpoint task", "task", taskID, "error", err)
			}
		}
		o.journal.RecordTaskStart(taskID, taskName)

	case progress.TaskEventComplete:
		if taskID != "" {
			if err := o.store.CheckpointTask(taskID, "completed"); err != nil {
				o.logger.Warn("failed to checkpoint task", "task", taskID, "error", err)
			}
		}
		if m := o.currentMonitor(); m != nil {
			m.RecordTaskCompletion()
		}
		if completed, total := o.taskFileProgress(); total > 0 {
			if err := o.store.UpdateTasks(completed, total); err != nil {
				o.logger.Warn("failed to update task counters", "error", err)
			}
			o.tracker.UpdateTasks(completed, total)
		}
		o.journal.RecordTaskComplete(taskID, taskName)
	}
}
