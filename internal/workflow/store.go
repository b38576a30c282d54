package workflow

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/iambrandonn/porch/internal/fsutil"
)

// Store owns one workflow's persisted state. A single mutex guards every
// mutation and the serialization step; the rename in AtomicWrite makes
// the on-disk document all-or-nothing for readers.
//
// One Store instance per workflow is assumed; cross-process coordination
// is out of scope.
type Store struct {
	path string

	mu    sync.Mutex
	state *State
}

// NewStore creates a store backed by the given state file path.
// The file is not created until the first save.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// State returns a copy of the current state, loading it on first use.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.loadLocked()
}

// loadLocked ensures the in-memory state is populated. Caller holds mu.
// A missing, empty, or corrupt file yields the idle default rather than
// an error: a half-initialized project simply starts over.
func (s *Store) loadLocked() *State {
	if s.state != nil {
		return s.state
	}

	st := NewState()
	data, err := os.ReadFile(s.path)
	if err == nil && len(data) > 0 {
		var loaded State
		if jsonErr := json.Unmarshal(data, &loaded); jsonErr == nil && loaded.Phase != "" {
			st = loaded
		}
	}

	s.state = &st
	return s.state
}

// saveLocked persists the current state atomically. Caller holds mu.
func (s *Store) saveLocked() error {
	if err := fsutil.AtomicWriteJSON(s.path, s.loadLocked()); err != nil {
		return &StorageError{Err: err}
	}
	return nil
}

// Save persists the current state.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// Transition moves the workflow to next if the edge is in the fixed
// table, updating the derived status and persisting. On an invalid edge
// the state is untouched and a TransitionError is returned.
func (s *Store) Transition(next Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.loadLocked()
	if !CanTransition(st.Phase, next) {
		return &TransitionError{From: st.Phase, To: next}
	}

	from := st.Phase
	st.Phase = next
	st.Status = StatusFor(next)

	// The workflow clock starts when work actually begins
	if next == PhaseSpecification {
		st.StartedAt = nowISO()
	}

	// Task checkpoints only matter while implementation is in flight;
	// once the phase hands off to QA they are stale.
	if from == PhaseImplementation && next == PhaseQA {
		st.LastCompletedTaskID = ""
		st.LastInProgressTaskID = ""
		st.TaskCheckpointTime = ""
	}

	return s.saveLocked()
}

// Fail transitions to FAILED (when the edge exists) and records the
// machine-readable reason.
func (s *Store) Fail(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.loadLocked()
	if !CanTransition(st.Phase, PhaseFailed) {
		return &TransitionError{From: st.Phase, To: PhaseFailed}
	}

	st.Phase = PhaseFailed
	st.Status = StatusFailed
	st.ErrorMessage = reason
	return s.saveLocked()
}

// MarkPhaseCompleted records the last fully completed phase for resume.
// Preserved across failures so a later start can skip finished work.
func (s *Store) MarkPhaseCompleted(phase Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.loadLocked()
	st.LastCompletedPhase = string(phase)
	return s.saveLocked()
}

// UpdateTasks records task progress. Counters never decrease within a
// phase; a smaller reading is a parse artifact, not regress.
func (s *Store) UpdateTasks(completed, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.loadLocked()
	if completed > st.TasksCompleted {
		st.TasksCompleted = completed
	}
	if total > st.TasksTotal {
		st.TasksTotal = total
	}
	return s.saveLocked()
}

// SetTasks overwrites both task counters. Phase boundaries use this to
// reset or reconcile; in-flight updates go through UpdateTasks.
func (s *Store) SetTasks(completed, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.loadLocked()
	st.TasksCompleted = completed
	st.TasksTotal = total
	return s.saveLocked()
}

// CheckpointTask records a task-level checkpoint.
// status is "completed" or "in_progress".
func (s *Store) CheckpointTask(taskID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.loadLocked()
	switch status {
	case "completed":
		st.LastCompletedTaskID = taskID
		st.LastInProgressTaskID = ""
	case "in_progress":
		st.LastInProgressTaskID = taskID
	}
	st.TaskCheckpointTime = nowISO()
	return s.saveLocked()
}

// ResumeTaskID returns the task to resume from: an interrupted
// in-progress task is redone, otherwise work continues after the last
// completed one. Empty means start from the beginning.
func (s *Store) ResumeTaskID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.loadLocked()
	if st.LastInProgressTaskID != "" {
		return st.LastInProgressTaskID
	}
	return st.LastCompletedTaskID
}

// ClearTaskCheckpoints drops task-level checkpoints (phase boundaries).
func (s *Store) ClearTaskCheckpoints() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.loadLocked()
	st.LastCompletedTaskID = ""
	st.LastInProgressTaskID = ""
	st.TaskCheckpointTime = ""
	return s.saveLocked()
}

// SetCircuitBreaker persists the breaker snapshot for the current run.
func (s *Store) SetCircuitBreaker(snap BreakerSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.loadLocked()
	st.CircuitBreaker = snap
	return s.saveLocked()
}

// SetError records an error message without changing phase.
func (s *Store) SetError(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.loadLocked()
	st.ErrorMessage = reason
	return s.saveLocked()
}

// Reset clears the workflow back to the idle default and persists.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := NewState()
	s.state = &st
	return s.saveLocked()
}
