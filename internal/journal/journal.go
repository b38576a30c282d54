// Package journal persists workflow progress for audit and resume: an
// append-only JSONL event log written in real time, and an aggregate
// summary document written when the workflow ends. Journaling is
// best-effort by design; a failed append degrades to a log warning and
// never interrupts the workflow.
package journal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/iambrandonn/porch/internal/fsutil"
	"github.com/iambrandonn/porch/internal/runner"
)

const (
	// FileName is the JSONL event log inside the feature's .porch dir.
	FileName = "progress.jsonl"
	// SummaryFileName is the aggregate written at workflow end.
	SummaryFileName = "progress_summary.json"
)

// EventType classifies a journal event.
type EventType string

const (
	EventWorkflowStart  EventType = "workflow_start"
	EventWorkflowEnd    EventType = "workflow_end"
	EventPhaseStart     EventType = "phase_start"
	EventPhaseEnd       EventType = "phase_end"
	EventTaskStart      EventType = "task_start"
	EventTaskComplete   EventType = "task_complete"
	EventActivity       EventType = "activity"
	EventTokenUpdate    EventType = "token_update"
	EventCircuitBreaker EventType = "circuit_breaker"
	EventValidation     EventType = "validation"
	EventError          EventType = "error"
)

// Event is one line in progress.jsonl.
type Event struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	Type      EventType      `json:"event_type"`
	Phase     string         `json:"phase,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// PhaseSummary aggregates one phase's execution.
type PhaseSummary struct {
	PhaseName       string         `json:"phase_name"`
	Model           string         `json:"model"`
	TimeoutSeconds  int            `json:"timeout_seconds"`
	StartedAt       string         `json:"started_at"`
	EndedAt         string         `json:"ended_at,omitempty"`
	DurationSeconds float64        `json:"duration_seconds"`
	Outcome         string         `json:"outcome"`
	TasksTotal      int            `json:"tasks_total"`
	TasksCompleted  int            `json:"tasks_completed"`
	TokenUsage      map[string]int `json:"token_usage,omitempty"`
	CostUSD         float64        `json:"cost_usd"`
}

// Summary aggregates the whole workflow execution.
type Summary struct {
	RunID                string         `json:"run_id"`
	FeatureName          string         `json:"feature_name"`
	StartedAt            string         `json:"started_at"`
	EndedAt              string         `json:"ended_at,omitempty"`
	TotalDurationSeconds float64        `json:"total_duration_seconds"`
	Outcome              string         `json:"outcome"`
	Phases               []PhaseSummary `json:"phases"`
	TotalCostUSD         float64        `json:"total_cost_usd"`
	TotalTasksCompleted  int            `json:"total_tasks_completed"`
	TotalTasksTotal      int            `json:"total_tasks_total"`
	FreshStart           bool           `json:"fresh_start"`
	PRURL                string         `json:"pr_url,omitempty"`
}

// Path returns the journal location for a feature directory.
func Path(featureDir string) string {
	return filepath.Join(featureDir, ".porch", FileName)
}

// SummaryPath returns the summary location for a feature directory.
func SummaryPath(featureDir string) string {
	return filepath.Join(featureDir, ".porch", SummaryFileName)
}

// Journal is a thread-safe progress recorder for one workflow run.
type Journal struct {
	featureName string
	path        string
	summaryPath string
	logger      *slog.Logger

	mu            sync.Mutex
	file          *os.File
	started       bool
	summary       *Summary
	current       *PhaseSummary
	workflowStart time.Time
	phaseStart    time.Time
}

// New returns a journal for the feature. Nothing is written until
// StartWorkflow.
func New(featureDir, featureName string, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{
		featureName: featureName,
		path:        Path(featureDir),
		summaryPath: SummaryPath(featureDir),
		logger:      logger,
	}
}

// StartWorkflow opens the event log and records the workflow_start
// event. A fresh start truncates any previous journal; a resume appends
// to it. Calling it twice is a no-op.
func (j *Journal) StartWorkflow(fresh bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.started {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(j.path), 0700); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if fresh {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	file, err := os.OpenFile(j.path, flags, 0600)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}

	now := time.Now().UTC()
	j.file = file
	j.started = true
	j.workflowStart = now
	j.summary = &Summary{
		// Resumes append to the same event log, so each run carries an
		// ID that lets readers group its events.
		RunID:       uuid.NewString(),
		FeatureName: j.featureName,
		StartedAt:   now.Format(time.RFC3339),
		Outcome:     "unknown",
		FreshStart:  fresh,
	}

	j.appendLocked(EventWorkflowStart, "", map[string]any{
		"run_id":  j.summary.RunID,
		"feature": j.featureName,
		"fresh":   fresh,
	})
	return nil
}

// EndWorkflow records the final outcome, writes the summary document,
// and closes the event log.
func (j *Journal) EndWorkflow(outcome string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.started {
		return nil
	}

	now := time.Now().UTC()
	j.summary.EndedAt = now.Format(time.RFC3339)
	j.summary.Outcome = outcome
	j.summary.TotalDurationSeconds = now.Sub(j.workflowStart).Seconds()

	total := 0.0
	completed := 0
	maxTasks := 0
	for _, p := range j.summary.Phases {
		total += p.CostUSD
		completed += p.TasksCompleted
		if p.TasksTotal > maxTasks {
			maxTasks = p.TasksTotal
		}
	}
	j.summary.TotalCostUSD = total
	j.summary.TotalTasksCompleted = completed
	j.summary.TotalTasksTotal = maxTasks

	j.appendLocked(EventWorkflowEnd, "", map[string]any{
		"outcome":          outcome,
		"duration_seconds": j.summary.TotalDurationSeconds,
		"total_cost_usd":   j.summary.TotalCostUSD,
	})

	if err := fsutil.AtomicWriteJSON(j.summaryPath, j.summary); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return j.closeLocked()
}

// Close releases the event log without writing a summary. Safe after
// EndWorkflow.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closeLocked()
}

func (j *Journal) closeLocked() error {
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	j.started = false
	return err
}

// Summary returns a copy of the aggregate collected so far, or nil
// before StartWorkflow. Totals are final only after EndWorkflow.
func (j *Journal) Summary() *Summary {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.summary == nil {
		return nil
	}
	s := *j.summary
	s.Phases = append([]PhaseSummary(nil), j.summary.Phases...)
	return &s
}

// StartPhase records a phase_start event and begins a phase summary.
func (j *Journal) StartPhase(phase, model string, timeoutSeconds, tasksTotal int) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.started {
		return
	}
	now := time.Now().UTC()
	j.phaseStart = now
	j.current = &PhaseSummary{
		PhaseName:      phase,
		Model:          model,
		TimeoutSeconds: timeoutSeconds,
		StartedAt:      now.Format(time.RFC3339),
		Outcome:        "unknown",
		TasksTotal:     tasksTotal,
	}

	j.appendLocked(EventPhaseStart, phase, map[string]any{
		"model":       model,
		"timeout":     timeoutSeconds,
		"tasks_total": tasksTotal,
	})
}

// EndPhase records a phase_end event and folds the phase into the
// summary.
func (j *Journal) EndPhase(outcome string, usage runner.TokenUsage, cost float64, tasksCompleted int) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.started || j.current == nil {
		return
	}
	now := time.Now().UTC()
	phase := j.current
	phase.EndedAt = now.Format(time.RFC3339)
	phase.Outcome = outcome
	phase.DurationSeconds = now.Sub(j.phaseStart).Seconds()
	phase.TasksCompleted = tasksCompleted
	phase.CostUSD = cost
	if usage.TotalTokens() > 0 {
		phase.TokenUsage = tokenUsageMap(usage)
	}
	j.summary.Phases = append(j.summary.Phases, *phase)

	j.appendLocked(EventPhaseEnd, phase.PhaseName, map[string]any{
		"outcome":          outcome,
		"duration_seconds": phase.DurationSeconds,
		"cost_usd":         cost,
		"tasks_completed":  tasksCompleted,
	})
	j.current = nil
}

// RecordTaskStart journals the moment a task flips to in_progress.
func (j *Journal) RecordTaskStart(taskID, taskName string) {
	j.record(EventTaskStart, map[string]any{"task_id": taskID, "task_name": taskName})
}

// RecordTaskComplete journals a completed task.
func (j *Journal) RecordTaskComplete(taskID, taskName string) {
	j.record(EventTaskComplete, map[string]any{"task_id": taskID, "task_name": taskName})
}

// RecordActivity journals a classified line of agent output.
func (j *Journal) RecordActivity(kind, description, detail string) {
	j.record(EventActivity, map[string]any{
		"type":        kind,
		"description": description,
		"detail":      detail,
	})
}

// RecordTokenUpdate journals a usage update and tracks cost on the
// current phase.
func (j *Journal) RecordTokenUpdate(usage runner.TokenUsage, cost float64) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.started {
		return
	}
	j.appendLocked(EventTokenUpdate, j.currentPhaseName(), map[string]any{
		"input_tokens":          usage.InputTokens,
		"output_tokens":         usage.OutputTokens,
		"cache_read_tokens":     usage.CacheReadTokens,
		"cache_creation_tokens": usage.CacheCreationTokens,
		"total_tokens":          usage.TotalTokens(),
		"context_utilization":   usage.ContextUtilization(),
		"cost_usd":              cost,
	})
	if j.current != nil {
		j.current.CostUSD = cost
		j.current.TokenUsage = tokenUsageMap(usage)
	}
}

// RecordCircuitBreaker journals a breaker warning or trip.
func (j *Journal) RecordCircuitBreaker(trigger string, attempts int, open bool) {
	j.record(EventCircuitBreaker, map[string]any{
		"trigger_type": trigger,
		"attempts":     attempts,
		"is_open":      open,
	})
}

// RecordValidation journals a human gate decision.
func (j *Journal) RecordValidation(phase string, approved bool, feedback string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.started {
		return
	}
	data := map[string]any{"approved": approved}
	if feedback != "" {
		data["feedback"] = feedback
	}
	j.appendLocked(EventValidation, phase, data)
}

// RecordError journals a failure with its machine-readable type.
func (j *Journal) RecordError(errType, message string) {
	j.record(EventError, map[string]any{
		"error_type": errType,
		"message":    message,
	})
}

// SetPRURL stores the pull-request URL for the final summary.
func (j *Journal) SetPRURL(url string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.summary != nil {
		j.summary.PRURL = url
	}
}

func (j *Journal) record(t EventType, data map[string]any) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.started {
		return
	}
	j.appendLocked(t, j.currentPhaseName(), data)
}

func (j *Journal) currentPhaseName() string {
	if j.current == nil {
		return ""
	}
	return j.current.PhaseName
}

// appendLocked writes one event line. Failures are logged and swallowed:
// the journal must never take the workflow down with it.
func (j *Journal) appendLocked(t EventType, phase string, data map[string]any) {
	if j.file == nil {
		return
	}
	event := Event{
		ID:        ulid.Make().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Type:      t,
		Phase:     phase,
		Data:      data,
	}
	line, err := json.Marshal(event)
	if err != nil {
		j.logger.Warn("failed to marshal journal event", "type", t, "error", err)
		return
	}
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		j.logger.Warn("failed to append journal event", "type", t, "error", err)
	}
}

func tokenUsageMap(usage runner.TokenUsage) map[string]int {
	return map[string]int{
		"input_tokens":          usage.InputTokens,
		"output_tokens":         usage.OutputTokens,
		"cache_read_tokens":     usage.CacheReadTokens,
		"cache_creation_tokens": usage.CacheCreationTokens,
	}
}
