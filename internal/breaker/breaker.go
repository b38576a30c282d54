// Package breaker implements a circuit breaker that watches agent output
// for signs of a stuck or runaway process: prolonged silence, the same
// error repeating, stalled task progress, or runaway output volume.
//
// The breaker accumulates warnings across all trigger types and opens the
// circuit once the warning budget is spent. An open circuit is terminal for
// the run; the process supervisor is expected to kill the agent and report
// the trigger that tripped it.
package breaker

import (
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/iambrandonn/porch/internal/workflow"
)

// Trigger identifies the anomaly class that fired.
type Trigger string

const (
	TriggerInactivity     Trigger = "inactivity"
	TriggerRepeatedError  Trigger = "repeated_error"
	TriggerTaskStagnation Trigger = "task_stagnation"
	TriggerOutputSize     Trigger = "output_size"
)

// State is the breaker's lifecycle state. Warnings move the breaker from
// closed to warning; exhausting the warning budget opens it for good.
type State string

const (
	StateClosed  State = "closed"
	StateWarning State = "warning"
	StateOpen    State = "open"
)

// Config holds the trigger thresholds. Zero values are not usable; start
// from DefaultConfig and override what the caller needs.
type Config struct {
	Enabled               bool
	InactivityTimeout     time.Duration
	MaxRepeatedErrors     int
	TaskStagnationTimeout time.Duration
	MaxOutputBytes        int64
	MaxAttempts           int
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		InactivityTimeout:     60 * time.Second,
		MaxRepeatedErrors:     3,
		TaskStagnationTimeout: 600 * time.Second,
		MaxOutputBytes:        512 * 1024,
		MaxAttempts:           3,
	}
}

// RunContext describes the run being monitored so the breaker can pick
// context-appropriate thresholds. TracksTasks enables the stagnation
// trigger; only runs that emit task-completion events should set it.
// TestCommand, when non-empty and spotted in recent output, stretches the
// inactivity window so long test suites are not mistaken for a hang.
type RunContext struct {
	Phase       workflow.Phase
	TracksTasks bool
	TestCommand string
}

// Phase-sensitive inactivity windows. Git pushes and whole-tree code review
// legitimately go quiet for longer than a coding agent does.
const (
	prInactivityTimeout          = 120 * time.Second
	qaInactivityTimeout          = 180 * time.Second
	testCommandInactivityTimeout = 300 * time.Second
)

const (
	errorWindow  = 10
	recentWindow = 50
	hashPrefix   = 200
)

type triggerResult struct {
	trigger  Trigger
	attempts int
	open     bool
}

// Monitor is the circuit breaker. All methods are safe for concurrent use;
// warning and trip callbacks run outside the internal lock so they may call
// back into the monitor without deadlocking.
type Monitor struct {
	cfg       Config
	run       RunContext
	onWarning func(Trigger, int)
	onTrip    func(Trigger)

	mu          sync.Mutex
	state       State
	attempts    int
	lastTrigger Trigger

	lastOutput         time.Time
	lastTaskCompletion time.Time
	totalOutputBytes   int64
	quietFired         bool

	errorHashes []string
	errorCounts map[string]int
	recentLines []string
}

// New builds a monitor for one run. Either callback may be nil.
func New(cfg Config, run RunContext, onWarning func(Trigger, int), onTrip func(Trigger)) *Monitor {
	now := time.Now()
	return &Monitor{
		cfg:                cfg,
		run:                run,
		onWarning:          onWarning,
		onTrip:             onTrip,
		state:              StateClosed,
		lastOutput:         now,
		lastTaskCompletion: now,
		errorCounts:        make(map[string]int),
	}
}

// ShouldTerminate reports whether the circuit is open and the supervised
// process must be killed. Always false when the breaker is disabled.
func (m *Monitor) ShouldTerminate() bool {
	if !m.cfg.Enabled {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateOpen
}

// State returns the current breaker state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of warnings issued so far.
func (m *Monitor) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// LastTrigger returns the most recent trigger, or "" if none fired yet.
func (m *Monitor) LastTrigger() Trigger {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTrigger
}

// Snapshot captures the breaker state for persistence alongside the
// workflow state.
func (m *Monitor) Snapshot() workflow.BreakerSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return workflow.BreakerSnapshot{
		State:       string(m.state),
		Attempts:    m.attempts,
		LastTrigger: string(m.lastTrigger),
	}
}

// Reset returns the breaker to a fresh closed state and restarts all timers.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.state = StateClosed
	m.attempts = 0
	m.lastTrigger = ""
	m.lastOutput = now
	m.lastTaskCompletion = now
	m.totalOutputBytes = 0
	m.quietFired = false
	m.errorHashes = nil
	m.errorCounts = make(map[string]int)
	m.recentLines = nil
}

// SetInactivityTimeout adjusts the base inactivity window at runtime. The
// controller uses this to widen the window for phases known to go quiet.
func (m *Monitor) SetInactivityTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.InactivityTimeout = d
}

// RecordOutput feeds one line of agent output into the monitor. It returns
// the trigger that opened the circuit, or "" if the circuit is still
// closed. Lines arriving while the circuit is open are ignored.
func (m *Monitor) RecordOutput(line string) Trigger {
	if !m.cfg.Enabled {
		return ""
	}

	var res triggerResult
	m.mu.Lock()
	if m.state == StateOpen {
		m.mu.Unlock()
		return ""
	}

	m.lastOutput = time.Now()
	m.quietFired = false
	m.totalOutputBytes += int64(len(line))
	m.recentLines = appendBounded(m.recentLines, line, recentWindow)

	if isTaskCompletion(line) {
		m.lastTaskCompletion = time.Now()
	}

	if m.totalOutputBytes >= m.cfg.MaxOutputBytes {
		res = m.triggerLocked(TriggerOutputSize)
	} else if hash := errorHash(line); hash != "" {
		res = m.recordErrorLocked(hash)
	}
	m.mu.Unlock()

	return m.notify(res)
}

// CheckInactivity evaluates the inactivity trigger. It fires at most once
// per quiet period: after firing, it stays silent until new output arrives
// and the process goes quiet again.
func (m *Monitor) CheckInactivity() Trigger {
	if !m.cfg.Enabled {
		return ""
	}

	var res triggerResult
	m.mu.Lock()
	if m.state == StateOpen || m.quietFired {
		m.mu.Unlock()
		return ""
	}

	if time.Since(m.lastOutput) >= m.inactivityTimeoutLocked() {
		m.quietFired = true
		res = m.triggerLocked(TriggerInactivity)
	}
	m.mu.Unlock()

	return m.notify(res)
}

// CheckTaskStagnation evaluates the stagnation trigger. It is a no-op for
// runs that do not track task completion.
func (m *Monitor) CheckTaskStagnation() Trigger {
	if !m.cfg.Enabled || !m.run.TracksTasks {
		return ""
	}

	var res triggerResult
	m.mu.Lock()
	if m.state == StateOpen {
		m.mu.Unlock()
		return ""
	}

	if time.Since(m.lastTaskCompletion) >= m.cfg.TaskStagnationTimeout {
		res = m.triggerLocked(TriggerTaskStagnation)
	}
	m.mu.Unlock()

	return m.notify(res)
}

// RecordTaskCompletion restarts the stagnation clock. Called when a
// collaborator detects task progress through a channel other than the
// output stream (for example a checkpoint file update).
func (m *Monitor) RecordTaskCompletion() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTaskCompletion = time.Now()
}

// inactivityTimeoutLocked picks the effective window for the current
// context. A test command spotted in recent output wins over everything
// else, since test suites are the longest legitimate silence.
func (m *Monitor) inactivityTimeoutLocked() time.Duration {
	if m.run.TestCommand != "" {
		recent := strings.Join(m.recentLines, "")
		if strings.Contains(recent, m.run.TestCommand) {
			return testCommandInactivityTimeout
		}
	}
	switch m.run.Phase {
	case workflow.PhasePR:
		return prInactivityTimeout
	case workflow.PhaseQA:
		return qaInactivityTimeout
	}
	return m.cfg.InactivityTimeout
}

// recordErrorLocked slides the error window forward and fires when the same
// normalized error fills enough of it.
func (m *Monitor) recordErrorLocked(hash string) triggerResult {
	if len(m.errorHashes) == errorWindow {
		oldest := m.errorHashes[0]
		m.errorHashes = m.errorHashes[1:]
		m.errorCounts[oldest]--
		if m.errorCounts[oldest] <= 0 {
			delete(m.errorCounts, oldest)
		}
	}
	m.errorHashes = append(m.errorHashes, hash)
	m.errorCounts[hash]++

	if m.errorCounts[hash] >= m.cfg.MaxRepeatedErrors {
		return m.triggerLocked(TriggerRepeatedError)
	}
	return triggerResult{}
}

// triggerLocked spends one warning and opens the circuit when the budget
// is exhausted. Callbacks are deferred to notify, outside the lock.
func (m *Monitor) triggerLocked(t Trigger) triggerResult {
	m.attempts++
	m.lastTrigger = t

	if m.attempts >= m.cfg.MaxAttempts {
		m.state = StateOpen
		return triggerResult{trigger: t, attempts: m.attempts, open: true}
	}
	m.state = StateWarning
	return triggerResult{trigger: t, attempts: m.attempts, open: false}
}

func (m *Monitor) notify(res triggerResult) Trigger {
	if res.trigger == "" {
		return ""
	}
	if res.open {
		if m.onTrip != nil {
			m.onTrip(res.trigger)
		}
		return res.trigger
	}
	if m.onWarning != nil {
		m.onWarning(res.trigger, res.attempts)
	}
	return ""
}

var errorPatterns = []string{
	"error:",
	"exception:",
	"traceback",
	"failed",
	"fatal:",
	"panic:",
}

// errorHash classifies a line and returns the hash of its normalized form,
// or "" for lines that do not look like errors.
func errorHash(line string) string {
	lower := strings.ToLower(line)
	for _, pattern := range errorPatterns {
		if strings.Contains(lower, pattern) {
			sum := blake3.Sum256([]byte(normalizeErrorLine(line)))
			return hex.EncodeToString(sum[:])
		}
	}
	return ""
}

var (
	timestampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?|\d{2}:\d{2}:\d{2}(\.\d+)?`)
	counterPattern   = regexp.MustCompile(`\d+`)
)

// normalizeErrorLine strips the volatile parts of an error line, so the
// same failure repeating with fresh timestamps or counters hashes
// identically. Only the head of the line is considered.
func normalizeErrorLine(line string) string {
	runes := []rune(line)
	if len(runes) > hashPrefix {
		line = string(runes[:hashPrefix])
	}
	line = timestampPattern.ReplaceAllString(line, "")
	line = counterPattern.ReplaceAllString(line, "#")
	return strings.TrimSpace(line)
}

var completionPatterns = []string{
	"completed",
	"done",
	"finished",
	"success",
	"passed",
}

var completionMarks = []string{"✓", "✔", "[x]", "[X]"}

func isTaskCompletion(line string) bool {
	lower := strings.ToLower(line)
	for _, pattern := range completionPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	for _, mark := range completionMarks {
		if strings.Contains(line, mark) {
			return true
		}
	}
	return false
}

func appendBounded(buf []string, s string, limit int) []string {
	if len(buf) == limit {
		buf = buf[1:]
	}
	return append(buf, s)
}
