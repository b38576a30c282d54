package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/iambrandonn/porch/internal/artifact"
	"github.com/iambrandonn/porch/internal/journal"
	"github.com/iambrandonn/porch/internal/progress"
	"github.com/iambrandonn/porch/internal/validation"
	"github.com/iambrandonn/porch/internal/workflow"
	"github.com/iambrandonn/porch/internal/workspace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newProject lays out a project with one feature whose PRD is ready.
func newProject(t *testing.T, feature string) (projectDir, featureDir string) {
	t.Helper()
	projectDir = t.TempDir()
	featureDir = workspace.FeatureDir(projectDir, feature)
	writeFile(t, filepath.Join(featureDir, "PRD.md"), "# Login\n\nUsers sign in with email and password.\n")
	return projectDir, featureDir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

// writeScript installs a fake agent CLI in the project.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fakeclaude")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func newOrchestrator(t *testing.T, opts Options) *Orchestrator {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Output == nil {
		opts.Output = io.Discard
	}
	o, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func seedStore(t *testing.T, featureDir string, fn func(*workflow.Store)) {
	t.Helper()
	fn(workflow.NewStore(workspace.StatePath(featureDir)))
}

func advance(t *testing.T, s *workflow.Store, phases ...workflow.Phase) {
	t.Helper()
	for _, p := range phases {
		if err := s.Transition(p); err != nil {
			t.Fatalf("Transition(%s): %v", p, err)
		}
	}
}

func mark(t *testing.T, s *workflow.Store, p workflow.Phase) {
	t.Helper()
	if err := s.MarkPhaseCompleted(p); err != nil {
		t.Fatalf("MarkPhaseCompleted(%s): %v", p, err)
	}
}

type staticValidator struct {
	decision validation.Decision
	gates    []validation.Gate
}

func (v *staticValidator) RequestApproval(_ context.Context, g validation.Gate) (validation.Decision, error) {
	v.gates = append(v.gates, g)
	return v.decision, nil
}

// sixTasks is TASKS.md with six pending tasks, in the heading/status
// format the task helpers parse.
func sixTasks() string {
	var b strings.Builder
	for i := 1; i <= 6; i++ {
		fmt.Fprintf(&b, "### Task 1.%d Implement part %d of the login flow\n- **Status**: pending\n- Cover the new behavior with tests\n\n", i, i)
	}
	return b.String()
}

// workflowScript is a state-driven fake agent: it decides which phase it
// was invoked for from the artifacts already present, so it serves both
// fresh runs and resumed ones.
const workflowScript = `
fd="docs/features/login"
n=0; [ -f runs.count ] && n=$(cat runs.count); n=$((n+1)); echo "$n" > runs.count
if [ ! -f "$fd/SPEC.md" ]; then
  i=0
  while [ "$i" -lt 40 ]; do
    echo "- specification detail line $i for the login workflow" >> "$fd/SPEC.md"
    i=$((i+1))
  done
  : > "$fd/TASKS.md"
  for i in 1 2 3 4 5 6; do
    printf '### Task 1.%s Implement part %s of the login flow\n- **Status**: pending\n- Cover the new behavior with tests\n\n' "$i" "$i" >> "$fd/TASKS.md"
  done
  echo "wrote specification artifacts"
elif grep -q 'Status\*\*: pending' "$fd/TASKS.md"; then
  sed 's/\*\*Status\*\*: pending/**Status**: completed/' "$fd/TASKS.md" > "$fd/TASKS.md.tmp"
  mv "$fd/TASKS.md.tmp" "$fd/TASKS.md"
  echo "implemented the task list"
elif [ ! -f "$fd/QA_REPORT.md" ]; then
  i=0
  while [ "$i" -lt 20 ]; do
    echo "- qa finding $i: behavior matches the specification" >> "$fd/QA_REPORT.md"
    i=$((i+1))
  done
  echo "Score: 9/10" >> "$fd/QA_REPORT.md"
  echo "wrote the qa report"
else
  echo "https://github.com/acme/shop/pull/42"
fi
echo "EXIT_SIGNAL: true"
`

func readRunCount(t *testing.T, projectDir string) int {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(projectDir, "runs.count"))
	if err != nil {
		t.Fatalf("runs.count: %v", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("runs.count: %v", err)
	}
	return n
}

func TestNewRequiresFeature(t *testing.T) {
	if _, err := New(Options{ProjectDir: t.TempDir()}); err == nil {
		t.Fatal("New should reject a missing feature name")
	}
}

func TestNewPicksAutoApproverFromConfig(t *testing.T) {
	projectDir, _ := newProject(t, "login")
	writeFile(t, filepath.Join(projectDir, ".porch", "config.yaml"), "validation:\n  auto_approve: true\n")

	o := newOrchestrator(t, Options{ProjectDir: projectDir, Feature: "login"})
	if _, ok := o.validator.(validation.AutoApprover); !ok {
		t.Errorf("validator = %T, want AutoApprover", o.validator)
	}
}

func TestRunCompletesWorkflow(t *testing.T) {
	projectDir, featureDir := newProject(t, "login")
	script := writeScript(t, workflowScript)
	v := &staticValidator{decision: validation.Decision{Approved: true}}

	o := newOrchestrator(t, Options{
		ProjectDir: projectDir,
		Feature:    "login",
		Bin:        script,
		Validator:  v,
	})
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	st := o.State()
	if st.Phase != workflow.PhaseCompleted {
		t.Errorf("Phase = %s, want %s", st.Phase, workflow.PhaseCompleted)
	}
	if st.LastCompletedPhase != string(workflow.PhasePR) {
		t.Errorf("LastCompletedPhase = %q, want pr", st.LastCompletedPhase)
	}
	if st.TasksCompleted != 6 || st.TasksTotal != 6 {
		t.Errorf("tasks = %d/%d, want 6/6", st.TasksCompleted, st.TasksTotal)
	}

	if n := readRunCount(t, projectDir); n != 4 {
		t.Errorf("agent invocations = %d, want 4", n)
	}

	// One gate per validation phase, in workflow order.
	if len(v.gates) != 2 {
		t.Fatalf("gates presented = %d, want 2", len(v.gates))
	}
	if v.gates[0].Phase != workflow.PhaseAwaitingSpecValidation {
		t.Errorf("first gate = %s", v.gates[0].Phase)
	}
	if v.gates[1].Phase != workflow.PhaseAwaitingQAValidation {
		t.Errorf("second gate = %s", v.gates[1].Phase)
	}

	for _, phase := range []workflow.Phase{
		workflow.PhaseSpecification,
		workflow.PhaseImplementation,
		workflow.PhaseQA,
		workflow.PhasePR,
	} {
		receipt, err := artifact.ReadReceipt(artifact.ReceiptPath(featureDir, phase))
		if err != nil {
			t.Fatalf("receipt for %s: %v", phase, err)
		}
		if receipt.Attempt != 1 {
			t.Errorf("%s receipt attempt = %d, want 1", phase, receipt.Attempt)
		}
		if receipt.Feature != "login" {
			t.Errorf("%s receipt feature = %q", phase, receipt.Feature)
		}
	}

	data, err := os.ReadFile(journal.SummaryPath(featureDir))
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	var summary journal.Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Outcome != "completed" {
		t.Errorf("summary outcome = %q", summary.Outcome)
	}
	if summary.PRURL != "https://github.com/acme/shop/pull/42" {
		t.Errorf("summary pr_url = %q", summary.PRURL)
	}
	if len(summary.Phases) != 4 {
		t.Errorf("summary phases = %d, want 4", len(summary.Phases))
	}
	if summary.TotalTasksCompleted != 6 || summary.TotalTasksTotal != 6 {
		t.Errorf("summary tasks = %d/%d, want 6/6",
			summary.TotalTasksCompleted, summary.TotalTasksTotal)
	}
}

func TestRunRetriesMissingCompletionThenFails(t *testing.T) {
	projectDir, _ := newProject(t, "login")
	writeFile(t, filepath.Join(projectDir, ".porch", "config.yaml"),
		"retry:\n  max_attempts: 2\n  delay_s: 0\n")
	script := writeScript(t, `
n=0; [ -f runs.count ] && n=$(cat runs.count); n=$((n+1)); echo "$n" > runs.count
echo "still thinking about the approach"
`)

	o := newOrchestrator(t, Options{
		ProjectDir: projectDir,
		Feature:    "login",
		Bin:        script,
		Validator:  &staticValidator{decision: validation.Decision{Approved: true}},
	})
	err := o.Run(context.Background())
	if err == nil {
		t.Fatal("Run should fail when no attempt announces completion")
	}
	if !strings.Contains(err.Error(), reasonMissingExitSignal) {
		t.Errorf("err = %v, want %s", err, reasonMissingExitSignal)
	}

	if n := readRunCount(t, projectDir); n != 2 {
		t.Errorf("agent invocations = %d, want 2 (one retry)", n)
	}
	st := o.State()
	if st.Phase != workflow.PhaseFailed {
		t.Errorf("Phase = %s, want failed", st.Phase)
	}
	if st.ErrorMessage != reasonMissingExitSignal {
		t.Errorf("ErrorMessage = %q, want %s", st.ErrorMessage, reasonMissingExitSignal)
	}
	if st.LastCompletedPhase != "" {
		t.Errorf("LastCompletedPhase = %q, want empty", st.LastCompletedPhase)
	}
}

func TestRunContentFailureDoesNotRetry(t *testing.T) {
	projectDir, _ := newProject(t, "login")
	// Announces completion but writes no artifacts: judged insufficient,
	// and a rerun would do no better.
	script := writeScript(t, `
n=0; [ -f runs.count ] && n=$(cat runs.count); n=$((n+1)); echo "$n" > runs.count
echo "EXIT_SIGNAL: true"
`)

	o := newOrchestrator(t, Options{
		ProjectDir: projectDir,
		Feature:    "login",
		Bin:        script,
		Validator:  &staticValidator{decision: validation.Decision{Approved: true}},
	})
	err := o.Run(context.Background())
	if err == nil {
		t.Fatal("Run should fail when the specification was not produced")
	}
	if !strings.Contains(err.Error(), "missing files") {
		t.Errorf("err = %v, want a missing-files failure", err)
	}
	if n := readRunCount(t, projectDir); n != 1 {
		t.Errorf("agent invocations = %d, content failures must not retry", n)
	}
	if st := o.State(); st.Phase != workflow.PhaseFailed {
		t.Errorf("Phase = %s, want failed", st.Phase)
	}
}

func TestRunSpawnErrorFails(t *testing.T) {
	projectDir, _ := newProject(t, "login")
	writeFile(t, filepath.Join(projectDir, ".porch", "config.yaml"),
		"retry:\n  max_attempts: 2\n  delay_s: 0\n")

	o := newOrchestrator(t, Options{
		ProjectDir: projectDir,
		Feature:    "login",
		Bin:        "/nonexistent/agent-cli",
		Validator:  &staticValidator{decision: validation.Decision{Approved: true}},
	})
	err := o.Run(context.Background())
	if err == nil {
		t.Fatal("Run should fail when the agent cannot be spawned")
	}
	if !strings.Contains(err.Error(), reasonSpawnError) {
		t.Errorf("err = %v, want %s", err, reasonSpawnError)
	}
	if st := o.State(); st.ErrorMessage != reasonSpawnError {
		t.Errorf("ErrorMessage = %q", st.ErrorMessage)
	}
}

func TestRunRejectionStopsWorkflow(t *testing.T) {
	projectDir, _ := newProject(t, "login")
	script := writeScript(t, workflowScript)
	v := &staticValidator{decision: validation.Decision{Feedback: "the edge cases are missing"}}

	o := newOrchestrator(t, Options{
		ProjectDir: projectDir,
		Feature:    "login",
		Bin:        script,
		Validator:  v,
	})
	err := o.Run(context.Background())
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	if !strings.Contains(err.Error(), "the edge cases are missing") {
		t.Errorf("err = %v, feedback should be carried", err)
	}

	st := o.State()
	if st.Phase != workflow.PhaseRejected {
		t.Errorf("Phase = %s, want rejected", st.Phase)
	}
	if !strings.Contains(st.ErrorMessage, "the edge cases are missing") {
		t.Errorf("ErrorMessage = %q", st.ErrorMessage)
	}
	// Only the specification agent ran before the gate said no.
	if n := readRunCount(t, projectDir); n != 1 {
		t.Errorf("agent invocations = %d, want 1", n)
	}
}

func TestRunResumeSkipsCompletedPhases(t *testing.T) {
	projectDir, featureDir := newProject(t, "login")
	writeFile(t, filepath.Join(featureDir, "SPEC.md"),
		"SENTINEL-SPEC\n"+strings.Repeat("- specification detail for the login workflow\n", 30))
	writeFile(t, filepath.Join(featureDir, "TASKS.md"), sixTasks())
	seedStore(t, featureDir, func(s *workflow.Store) {
		advance(t, s, workflow.PhaseSpecification)
		mark(t, s, workflow.PhaseSpecification)
		advance(t, s, workflow.PhaseAwaitingSpecValidation)
		mark(t, s, workflow.PhaseAwaitingSpecValidation)
		advance(t, s, workflow.PhaseImplementation)
		if err := s.Fail("interrupted: previous run did not exit cleanly"); err != nil {
			t.Fatalf("Fail: %v", err)
		}
	})

	script := writeScript(t, workflowScript)
	v := &staticValidator{decision: validation.Decision{Approved: true}}
	o := newOrchestrator(t, Options{
		ProjectDir: projectDir,
		Feature:    "login",
		Bin:        script,
		Validator:  v,
	})
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if st := o.State(); st.Phase != workflow.PhaseCompleted {
		t.Errorf("Phase = %s, want completed", st.Phase)
	}
	// Implementation, QA, and PR ran; specification was skipped.
	if n := readRunCount(t, projectDir); n != 3 {
		t.Errorf("agent invocations = %d, want 3", n)
	}
	spec, err := os.ReadFile(filepath.Join(featureDir, "SPEC.md"))
	if err != nil {
		t.Fatalf("SPEC.md: %v", err)
	}
	if !strings.Contains(string(spec), "SENTINEL-SPEC") {
		t.Error("SPEC.md was regenerated on resume")
	}
	// Only the QA gate was presented: spec validation had already passed.
	if len(v.gates) != 1 || v.gates[0].Phase != workflow.PhaseAwaitingQAValidation {
		t.Errorf("gates = %+v, want just the qa gate", v.gates)
	}
}

func TestRunAbortDuringImplementation(t *testing.T) {
	projectDir, _ := newProject(t, "login")
	script := writeScript(t, `
fd="docs/features/login"
if [ ! -f "$fd/SPEC.md" ]; then
  i=0
  while [ "$i" -lt 40 ]; do
    echo "- specification detail line $i for the login workflow" >> "$fd/SPEC.md"
    i=$((i+1))
  done
  : > "$fd/TASKS.md"
  for i in 1 2 3 4 5 6; do
    printf '### Task 1.%s Implement part %s of the login flow\n- **Status**: pending\n- Cover the new behavior with tests\n\n' "$i" "$i" >> "$fd/TASKS.md"
  done
  echo "EXIT_SIGNAL: true"
else
  touch impl.started
  exec sleep 30
fi
`)

	o := newOrchestrator(t, Options{
		ProjectDir: projectDir,
		Feature:    "login",
		Bin:        script,
		Validator:  &staticValidator{decision: validation.Decision{Approved: true}},
	})

	go func() {
		marker := filepath.Join(projectDir, "impl.started")
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			if _, err := os.Stat(marker); err == nil {
				o.Abort()
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
		o.Abort() // give up; unblock the run either way
	}()

	err := o.Run(context.Background())
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", err)
	}
	if st := o.State(); st.Phase != workflow.PhaseAborted {
		t.Errorf("Phase = %s, want aborted", st.Phase)
	}
}

func TestCheckPrerequisitesMissingPRD(t *testing.T) {
	projectDir := t.TempDir()
	o := newOrchestrator(t, Options{ProjectDir: projectDir, Feature: "login"})

	err := o.checkPrerequisites()
	if err == nil || !strings.Contains(err.Error(), "PRD.md not found") {
		t.Errorf("err = %v, want a PRD.md error", err)
	}
}

func TestCheckPrerequisitesCompletedNeedsFresh(t *testing.T) {
	projectDir, featureDir := newProject(t, "login")
	seedStore(t, featureDir, func(s *workflow.Store) {
		advance(t, s, workflow.PhasePR, workflow.PhaseCompleted)
	})

	o := newOrchestrator(t, Options{ProjectDir: projectDir, Feature: "login"})
	err := o.checkPrerequisites()
	if err == nil || !strings.Contains(err.Error(), "--fresh") {
		t.Errorf("err = %v, want a --fresh hint", err)
	}

	fresh := newOrchestrator(t, Options{ProjectDir: projectDir, Feature: "login", Fresh: true})
	if err := fresh.checkPrerequisites(); err != nil {
		t.Errorf("checkPrerequisites with Fresh: %v", err)
	}
}

func TestCheckPrerequisitesRefusesLiveRun(t *testing.T) {
	projectDir, featureDir := newProject(t, "login")
	seedStore(t, featureDir, func(s *workflow.Store) {
		advance(t, s, workflow.PhaseImplementation)
	})
	// The test process itself stands in for a live agent.
	writeFile(t, filepath.Join(projectDir, ".porch", "claude.pid"), strconv.Itoa(os.Getpid()))

	o := newOrchestrator(t, Options{ProjectDir: projectDir, Feature: "login"})
	err := o.checkPrerequisites()
	if err == nil || !strings.Contains(err.Error(), "porch abort") {
		t.Errorf("err = %v, want an active-run refusal", err)
	}
}

func TestCheckPrerequisitesMarksInterruptedRunFailed(t *testing.T) {
	projectDir, featureDir := newProject(t, "login")
	seedStore(t, featureDir, func(s *workflow.Store) {
		advance(t, s, workflow.PhaseImplementation)
	})

	o := newOrchestrator(t, Options{ProjectDir: projectDir, Feature: "login"})
	if err := o.checkPrerequisites(); err != nil {
		t.Fatalf("checkPrerequisites: %v", err)
	}

	st := o.State()
	if st.Phase != workflow.PhaseFailed {
		t.Errorf("Phase = %s, want failed", st.Phase)
	}
	if !strings.Contains(st.ErrorMessage, "interrupted") {
		t.Errorf("ErrorMessage = %q", st.ErrorMessage)
	}
}

func TestPrepareFreshResets(t *testing.T) {
	projectDir, featureDir := newProject(t, "login")
	seedStore(t, featureDir, func(s *workflow.Store) {
		advance(t, s, workflow.PhaseImplementation)
		if err := s.SetTasks(3, 6); err != nil {
			t.Fatalf("SetTasks: %v", err)
		}
	})

	o := newOrchestrator(t, Options{ProjectDir: projectDir, Feature: "login", Fresh: true})
	from, err := o.prepare()
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if from != workflow.PhaseSpecification {
		t.Errorf("resume phase = %s, want specification", from)
	}
	st := o.State()
	if st.Phase != workflow.PhaseIdle || st.TasksTotal != 0 {
		t.Errorf("state after fresh prepare = %+v", st)
	}
}

func TestPrepareResumesAfterFailure(t *testing.T) {
	projectDir, featureDir := newProject(t, "login")
	writeFile(t, filepath.Join(featureDir, "SPEC.md"),
		strings.Repeat("- specification detail for the login workflow\n", 30))
	writeFile(t, filepath.Join(featureDir, "TASKS.md"), sixTasks())
	seedStore(t, featureDir, func(s *workflow.Store) {
		advance(t, s, workflow.PhaseSpecification)
		mark(t, s, workflow.PhaseSpecification)
		advance(t, s, workflow.PhaseAwaitingSpecValidation)
		mark(t, s, workflow.PhaseAwaitingSpecValidation)
		advance(t, s, workflow.PhaseImplementation)
		if err := s.Fail("timeout"); err != nil {
			t.Fatalf("Fail: %v", err)
		}
	})

	o := newOrchestrator(t, Options{ProjectDir: projectDir, Feature: "login"})
	from, err := o.prepare()
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if from != workflow.PhaseImplementation {
		t.Errorf("resume phase = %s, want implementation", from)
	}
	st := o.State()
	if st.Phase != workflow.PhaseIdle {
		t.Errorf("Phase = %s, want idle", st.Phase)
	}
	if st.TasksTotal != 6 {
		t.Errorf("TasksTotal = %d, want 6 restored from TASKS.md", st.TasksTotal)
	}
	if st.LastCompletedPhase != string(workflow.PhaseAwaitingSpecValidation) {
		t.Errorf("LastCompletedPhase = %q, must survive resume", st.LastCompletedPhase)
	}
}

func TestPrepareDegradesWhenArtifactsMissing(t *testing.T) {
	projectDir, featureDir := newProject(t, "login")
	// No SPEC.md on disk: the recorded progress cannot be trusted.
	seedStore(t, featureDir, func(s *workflow.Store) {
		advance(t, s, workflow.PhaseSpecification)
		mark(t, s, workflow.PhaseSpecification)
		advance(t, s, workflow.PhaseAwaitingSpecValidation)
		mark(t, s, workflow.PhaseAwaitingSpecValidation)
		advance(t, s, workflow.PhaseImplementation)
		if err := s.Fail("timeout"); err != nil {
			t.Fatalf("Fail: %v", err)
		}
	})

	o := newOrchestrator(t, Options{ProjectDir: projectDir, Feature: "login"})
	from, err := o.prepare()
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if from != workflow.PhaseSpecification {
		t.Errorf("resume phase = %s, want a full restart", from)
	}
	if st := o.State(); st.LastCompletedPhase != "" {
		t.Errorf("LastCompletedPhase = %q, degrade should reset state", st.LastCompletedPhase)
	}
}

func TestPrepareResumesAtGate(t *testing.T) {
	projectDir, featureDir := newProject(t, "login")
	writeFile(t, filepath.Join(featureDir, "SPEC.md"),
		strings.Repeat("- specification detail for the login workflow\n", 30))
	writeFile(t, filepath.Join(featureDir, "TASKS.md"), sixTasks())
	seedStore(t, featureDir, func(s *workflow.Store) {
		advance(t, s, workflow.PhaseSpecification)
		mark(t, s, workflow.PhaseSpecification)
		advance(t, s, workflow.PhaseAwaitingSpecValidation)
	})

	o := newOrchestrator(t, Options{ProjectDir: projectDir, Feature: "login"})
	from, err := o.prepare()
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if from != workflow.PhaseAwaitingSpecValidation {
		t.Errorf("resume phase = %s, want the gate itself", from)
	}
	if st := o.State(); st.Phase != workflow.PhaseAwaitingSpecValidation {
		t.Errorf("Phase = %s, gate resume must not move the machine", st.Phase)
	}
}

func TestRunGateApproved(t *testing.T) {
	projectDir, featureDir := newProject(t, "login")
	seedStore(t, featureDir, func(s *workflow.Store) {
		advance(t, s, workflow.PhaseSpecification)
	})
	v := &staticValidator{decision: validation.Decision{Approved: true}}
	o := newOrchestrator(t, Options{ProjectDir: projectDir, Feature: "login", Validator: v})

	err := o.runGate(context.Background(), workflow.PhaseAwaitingSpecValidation, func() validation.Gate {
		return validation.SpecGate(featureDir, 6, 20)
	})
	if err != nil {
		t.Fatalf("runGate: %v", err)
	}

	st := o.State()
	if st.Phase != workflow.PhaseAwaitingSpecValidation {
		t.Errorf("Phase = %s; the next phase moves the machine, not the gate", st.Phase)
	}
	if st.LastCompletedPhase != string(workflow.PhaseAwaitingSpecValidation) {
		t.Errorf("LastCompletedPhase = %q", st.LastCompletedPhase)
	}
}

func TestRunGateRejected(t *testing.T) {
	projectDir, featureDir := newProject(t, "login")
	seedStore(t, featureDir, func(s *workflow.Store) {
		advance(t, s, workflow.PhaseSpecification)
	})
	v := &staticValidator{decision: validation.Decision{Feedback: "tighten the scope"}}
	o := newOrchestrator(t, Options{ProjectDir: projectDir, Feature: "login", Validator: v})

	err := o.runGate(context.Background(), workflow.PhaseAwaitingSpecValidation, func() validation.Gate {
		return validation.SpecGate(featureDir, 6, 20)
	})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}

	st := o.State()
	if st.Phase != workflow.PhaseRejected {
		t.Errorf("Phase = %s, want rejected", st.Phase)
	}
	if !strings.Contains(st.ErrorMessage, "tighten the scope") {
		t.Errorf("ErrorMessage = %q", st.ErrorMessage)
	}
	if st.LastCompletedPhase != "" {
		t.Errorf("LastCompletedPhase = %q, a rejected gate is not completed", st.LastCompletedPhase)
	}
}

func TestOnTaskEventCheckpointsAndReconciles(t *testing.T) {
	projectDir, featureDir := newProject(t, "login")
	tasks := strings.Replace(sixTasks(), "- **Status**: pending", "- **Status**: completed", 1)
	writeFile(t, filepath.Join(featureDir, "TASKS.md"), tasks)

	o := newOrchestrator(t, Options{ProjectDir: projectDir, Feature: "login"})

	o.onTaskEvent(progress.TaskEventStart, "1.2", "Implement part 2")
	st := o.State()
	if st.LastInProgressTaskID != "1.2" {
		t.Errorf("LastInProgressTaskID = %q, want 1.2", st.LastInProgressTaskID)
	}

	o.onTaskEvent(progress.TaskEventComplete, "1.2", "Implement part 2")
	st = o.State()
	if st.LastCompletedTaskID != "1.2" {
		t.Errorf("LastCompletedTaskID = %q, want 1.2", st.LastCompletedTaskID)
	}
	if st.LastInProgressTaskID != "" {
		t.Errorf("LastInProgressTaskID = %q, want cleared", st.LastInProgressTaskID)
	}
	// Reconciled against the file: one completed of six, regardless of
	// how many completion markers the stream produced.
	if st.TasksCompleted != 1 || st.TasksTotal != 6 {
		t.Errorf("tasks = %d/%d, want 1/6", st.TasksCompleted, st.TasksTotal)
	}
}
