package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/iambrandonn/porch/internal/journal"
	"github.com/iambrandonn/porch/internal/runner"
)

// Task event names passed to the OnTaskEvent callback.
const (
	TaskEventStart    = "start"
	TaskEventComplete = "complete"
)

// TrackerOptions configures a Tracker. All fields are optional.
type TrackerOptions struct {
	// Output receives console lines; defaults to os.Stdout.
	Output io.Writer
	// Quiet suppresses console lines. Callbacks still fire, so task
	// checkpointing keeps working with progress display off.
	Quiet bool
	// TestCommand is additionally recognized as a test run.
	TestCommand string
	// OnTaskEvent fires for TaskEventStart/TaskEventComplete. The task id
	// may be empty when a completion marker carried no id. Handlers run
	// outside the tracker lock and may call back into the Tracker.
	OnTaskEvent func(event, taskID, taskName string)
	// OnActivity fires whenever the classified activity changes. Same
	// locking guarantee as OnTaskEvent.
	OnActivity func(Activity)
}

// Tracker consumes the agent's output stream for one phase at a time and
// fans it out: console lines, activity callbacks, and task events. It
// keeps a running task counter between the authoritative re-counts the
// caller pushes via UpdateTasks.
type Tracker struct {
	out        io.Writer
	quiet      bool
	classifier *Classifier
	formatter  *Formatter

	onTaskEvent func(event, taskID, taskName string)
	onActivity  func(Activity)

	mu              sync.Mutex
	active          bool
	phase           string
	started         time.Time
	tasksCompleted  int
	tasksTotal      int
	currentTaskID   string
	currentTaskName string
	lastDescription string
	lastUsage       runner.TokenUsage
	lastCost        float64
	printedDecile   int
}

// NewTracker builds a tracker from options.
func NewTracker(opts TrackerOptions) *Tracker {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	return &Tracker{
		out:         out,
		quiet:       opts.Quiet,
		classifier:  NewClassifier(opts.TestCommand),
		formatter:   NewFormatter(),
		onTaskEvent: opts.OnTaskEvent,
		onActivity:  opts.OnActivity,
	}
}

// StartPhase resets per-phase state and prints the phase banner.
func (t *Tracker) StartPhase(phase, feature, model string, timeout time.Duration, totalTasks int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active = true
	t.phase = phase
	t.started = time.Now()
	t.tasksCompleted = 0
	t.tasksTotal = totalTasks
	t.currentTaskID = ""
	t.currentTaskName = ""
	t.lastDescription = ""
	t.lastUsage = runner.TokenUsage{}
	t.lastCost = 0
	t.printedDecile = 0

	t.println(t.formatter.PhaseBanner(phase, feature, model, timeout))
}

// EndPhase prints the phase outcome and final usage, then deactivates.
func (t *Tracker) EndPhase(outcome string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return
	}
	if t.lastUsage.TotalTokens() > 0 {
		t.println(t.formatter.UsageLine(t.phase, t.lastUsage, t.lastCost))
	}
	t.println(t.formatter.PhaseOutcome(t.phase, outcome, time.Since(t.started)))
	t.active = false
}

type taskEvent struct {
	event, id, name string
}

// Observe classifies one chunk of agent output and fans it out: console
// lines under the lock, callbacks after releasing it so handlers can
// call back in.
func (t *Tracker) Observe(text string) {
	t.mu.Lock()

	if !t.active {
		t.mu.Unlock()
		return
	}
	activity, ok := t.classifier.Classify(text)
	if !ok {
		t.mu.Unlock()
		return
	}

	changed := false
	if activity.Description != t.lastDescription {
		t.lastDescription = activity.Description
		changed = true
		// Task transitions get their own lines below.
		if activity.Kind != KindTaskStart && activity.Kind != KindTaskComplete {
			t.println(t.formatter.ActivityLine(t.phase, activity))
		}
	}

	var fired []taskEvent
	switch activity.Kind {
	case KindTaskStart:
		fired = append(fired, t.observeTaskStartLocked(activity))
	case KindTaskComplete:
		fired = append(fired, t.observeTaskCompleteLocked(activity, text)...)
	}
	t.mu.Unlock()

	if changed && t.onActivity != nil {
		t.onActivity(activity)
	}
	if t.onTaskEvent != nil {
		for _, ev := range fired {
			t.onTaskEvent(ev.event, ev.id, ev.name)
		}
	}
}

func (t *Tracker) observeTaskStartLocked(activity Activity) taskEvent {
	id, name := activity.Detail, ""
	if i := strings.Index(activity.Detail, ":"); i >= 0 {
		id, name = activity.Detail[:i], activity.Detail[i+1:]
	}
	t.currentTaskID = id
	t.currentTaskName = name
	t.println(t.formatter.TaskStarted(t.phase, id, name))
	return taskEvent{TaskEventStart, id, name}
}

func (t *Tracker) observeTaskCompleteLocked(activity Activity, text string) []taskEvent {
	ids := AllCompletions(text)
	if len(ids) == 0 {
		// A bare status flip with no task id in the chunk; attribute it
		// to the task we saw start, if any.
		id := activity.Detail
		if id == "" {
			id = t.currentTaskID
		}
		ids = []string{id}
	}
	var fired []taskEvent
	for _, id := range ids {
		t.tasksCompleted++
		name := ""
		if id != "" && id == t.currentTaskID {
			name = t.currentTaskName
		}
		fired = append(fired, taskEvent{TaskEventComplete, id, name})
		t.println(t.formatter.TaskCompleted(t.phase, id, t.tasksCompleted, t.tasksTotal))
	}
	t.currentTaskID = ""
	t.currentTaskName = ""
	return fired
}

// UpdateTasks replaces the running counter with an authoritative count
// from the task file.
func (t *Tracker) UpdateTasks(completed, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasksCompleted = completed
	t.tasksTotal = total
}

// Tasks returns the current task counter.
func (t *Tracker) Tasks() (completed, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tasksCompleted, t.tasksTotal
}

// CurrentTask returns the task last seen starting, if it has not
// completed yet.
func (t *Tracker) CurrentTask() (id, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentTaskID, t.currentTaskName
}

// UpdateUsage records the latest token usage and prints a context line
// each time utilization crosses another 10% step.
func (t *Tracker) UpdateUsage(usage runner.TokenUsage, cost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return
	}
	t.lastUsage = usage
	t.lastCost = cost
	decile := int(usage.ContextUtilization()) / 10
	if decile > t.printedDecile {
		t.printedDecile = decile
		t.println(t.formatter.UsageLine(t.phase, usage, cost))
	}
}

// Warning prints an anomaly-monitor warning line.
func (t *Tracker) Warning(trigger string, attempts, maxAttempts int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.println(t.formatter.WarningLine(trigger, attempts, maxAttempts))
}

// Tripped prints the circuit-open line.
func (t *Tracker) Tripped(trigger string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.println(t.formatter.TripLine(trigger))
}

// Summary prints the end-of-workflow table.
func (t *Tracker) Summary(s *journal.Summary) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.print(t.formatter.SummaryTable(s))
}

func (t *Tracker) println(line string) {
	if t.quiet {
		return
	}
	fmt.Fprintln(t.out, line)
}

func (t *Tracker) print(s string) {
	if t.quiet {
		return
	}
	fmt.Fprint(t.out, s)
}
