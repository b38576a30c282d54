package workflow

import (
	"fmt"
	"time"
)

// Phase represents a stage of the feature workflow
type Phase string

const (
	PhaseIdle                   Phase = "idle"
	PhaseSpecification          Phase = "specification"
	PhaseAwaitingSpecValidation Phase = "awaiting_spec_validation"
	PhaseImplementation         Phase = "implementation"
	PhaseQA                     Phase = "qa"
	PhaseAwaitingQAValidation   Phase = "awaiting_qa_validation"
	PhasePR                     Phase = "pr"
	PhaseCompleted              Phase = "completed"
	PhaseFailed                 Phase = "failed"
	PhaseRejected               Phase = "rejected"
	PhaseAborted                Phase = "aborted"
)

// Status is derived from the phase: pending, running, awaiting validation,
// or one of the terminal outcomes.
type Status string

const (
	StatusPending            Status = "pending"
	StatusRunning            Status = "running"
	StatusAwaitingValidation Status = "awaiting_validation"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusRejected           Status = "rejected"
	StatusAborted            Status = "aborted"
)

// validTransitions is the fixed edge table for the phase machine.
// IDLE fans out to every active phase so an interrupted workflow can
// re-enter at its resume point. FAILED/REJECTED/ABORTED return to IDLE
// so a fresh start can recover.
var validTransitions = map[Phase][]Phase{
	PhaseIdle: {
		PhaseSpecification,
		PhaseAwaitingSpecValidation,
		PhaseImplementation,
		PhaseQA,
		PhaseAwaitingQAValidation,
		PhasePR,
	},
	PhaseSpecification:          {PhaseAwaitingSpecValidation, PhaseFailed},
	PhaseAwaitingSpecValidation: {PhaseImplementation, PhaseRejected},
	PhaseImplementation:         {PhaseQA, PhaseFailed, PhaseAborted},
	PhaseQA:                     {PhaseAwaitingQAValidation, PhaseFailed},
	PhaseAwaitingQAValidation:   {PhasePR, PhaseRejected},
	PhasePR:                     {PhaseCompleted, PhaseFailed},
	PhaseCompleted:              {},
	PhaseFailed:                 {PhaseIdle},
	PhaseRejected:               {PhaseIdle},
	PhaseAborted:                {PhaseIdle},
}

// CanTransition reports whether from -> to is an edge in the fixed table.
func CanTransition(from, to Phase) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StatusFor derives the status indicator from a phase.
func StatusFor(phase Phase) Status {
	switch phase {
	case PhaseIdle:
		return StatusPending
	case PhaseAwaitingSpecValidation, PhaseAwaitingQAValidation:
		return StatusAwaitingValidation
	case PhaseCompleted:
		return StatusCompleted
	case PhaseFailed:
		return StatusFailed
	case PhaseRejected:
		return StatusRejected
	case PhaseAborted:
		return StatusAborted
	default:
		return StatusRunning
	}
}

// IsTerminal reports whether the phase ends the workflow.
func (p Phase) IsTerminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseRejected, PhaseAborted:
		return true
	}
	return false
}

// IsGate reports whether the phase suspends automation for human validation.
func (p Phase) IsGate() bool {
	return p == PhaseAwaitingSpecValidation || p == PhaseAwaitingQAValidation
}

// BreakerSnapshot mirrors the circuit breaker's externally visible state
// for persistence. The store keeps its own copy so it stays a leaf
// component.
type BreakerSnapshot struct {
	State       string `json:"state"`
	Attempts    int    `json:"attempts"`
	LastTrigger string `json:"last_trigger,omitempty"`
}

// State is the persisted workflow document.
// Mutate only through the Store so every change is validated, locked,
// and atomically written.
type State struct {
	Phase                Phase           `json:"phase"`
	Status               Status          `json:"status"`
	StartedAt            string          `json:"started_at,omitempty"`
	TasksCompleted       int             `json:"tasks_completed"`
	TasksTotal           int             `json:"tasks_total"`
	ErrorMessage         string          `json:"error_message,omitempty"`
	CircuitBreaker       BreakerSnapshot `json:"circuit_breaker"`
	LastCompletedPhase   string          `json:"last_completed_phase,omitempty"`
	LastCompletedTaskID  string          `json:"last_completed_task_id,omitempty"`
	LastInProgressTaskID string          `json:"last_in_progress_task_id,omitempty"`
	TaskCheckpointTime   string          `json:"task_checkpoint_time,omitempty"`
}

// NewState returns the idle default state.
func NewState() State {
	return State{
		Phase:          PhaseIdle,
		Status:         StatusPending,
		CircuitBreaker: BreakerSnapshot{State: "closed"},
	}
}

// TransitionError reports an edge outside the fixed table.
type TransitionError struct {
	From Phase
	To   Phase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid phase transition: %s -> %s", e.From, e.To)
}

// StorageError wraps a persistence failure. Callers must treat it as
// fatal for the current run.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("state storage failure: %v", e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
