// internal/tasks/types.go
//
// Package tasks implements the task queue & dispatcher subsystem of the
// orchestration core: a priority- and dependency-aware work queue gated by
// agent capabilities (spec.md §4.3). The package's shape — a Task value
// type plus a thread-safe Queue guarding a priority-ordered slice and an ID
// index — follows the teacher's internal/tasks/types.go and queue.go.
package tasks

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of a task in its state machine
// (spec.md §4.3).
type Status string

const (
	StatusPending           Status = "pending"
	StatusWaitingDependency Status = "waiting_dependency"
	StatusAssigned          Status = "assigned"
	StatusInProgress        Status = "in_progress"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
	StatusBlocked           Status = "blocked"
)

// validTransitions encodes the state machine from spec.md §4.3.
// WaitingDependency moves to Pending once all parents complete; Blocked
// (human escalation, or accountability reassignment) can return to Pending.
var validTransitions = map[Status][]Status{
	StatusWaitingDependency: {StatusPending, StatusCancelled, StatusBlocked},
	StatusPending:           {StatusAssigned, StatusBlocked, StatusCancelled, StatusWaitingDependency},
	StatusAssigned:          {StatusInProgress, StatusPending, StatusCancelled, StatusBlocked},
	StatusInProgress:        {StatusCompleted, StatusFailed, StatusPending, StatusCancelled, StatusBlocked},
	StatusFailed:            {StatusPending, StatusCancelled},
	StatusBlocked:           {StatusPending, StatusAssigned, StatusInProgress, StatusCancelled},
	StatusCompleted:         {},
	StatusCancelled:         {},
}

// Task is a unit of work distributed to a capability-matched agent
// (spec.md §3).
type Task struct {
	ID          string
	Type        string // capability tag matched against an agent's capabilities
	Description string
	Priority    int // higher runs first
	Data        map[string]string
	Status      Status

	Dependencies   map[string]struct{} // task IDs that must complete first
	TimeoutSeconds int                 // 0 = no timeout
	MaxAttempts    int
	Attempts       int

	AssignedAgent string
	CreatedAt     time.Time
	Deadline      *time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// NewTask constructs a task with defaults applied (max_attempts=3 per
// spec.md §3). A caller-supplied id is used verbatim; an empty id is
// replaced with a generated one.
func NewTask(id, taskType, description string, priority int) *Task {
	if id == "" {
		id = uuid.New().String()
	}
	return &Task{
		ID:           id,
		Type:         taskType,
		Description:  description,
		Priority:     priority,
		Data:         make(map[string]string),
		Status:       StatusPending,
		Dependencies: make(map[string]struct{}),
		MaxAttempts:  3,
		CreatedAt:    time.Now(),
	}
}

// Validate checks invariants that must hold before a task enters the queue.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if t.Type == "" {
		return fmt.Errorf("task type is required")
	}
	if t.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive")
	}
	return nil
}

// TransitionTo attempts to move the task to newStatus, enforcing the state
// machine from spec.md §4.3 (invariant (b)).
func (t *Task) TransitionTo(newStatus Status) error {
	allowed, ok := validTransitions[t.Status]
	if !ok {
		return fmt.Errorf("unknown current status: %s", t.Status)
	}
	for _, s := range allowed {
		if s == newStatus {
			t.Status = newStatus
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s", t.Status, newStatus)
}

// IsTerminal reports whether the task can no longer change state.
func (t *Task) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusCancelled
}

// HasUnmetDependencies reports whether any of the task's dependencies is
// absent from completed, i.e. still outstanding.
func (t *Task) HasUnmetDependencies(completed map[string]struct{}) bool {
	for dep := range t.Dependencies {
		if _, done := completed[dep]; !done {
			return true
		}
	}
	return false
}

// Clone returns a deep-enough copy for safe handoff across goroutine
// boundaries; the queue never hands out its internal pointers to readers
// that might mutate them without going through the queue's API.
func (t *Task) Clone() *Task {
	c := *t
	c.Data = make(map[string]string, len(t.Data))
	for k, v := range t.Data {
		c.Data[k] = v
	}
	c.Dependencies = make(map[string]struct{}, len(t.Dependencies))
	for k := range t.Dependencies {
		c.Dependencies[k] = struct{}{}
	}
	if t.Deadline != nil {
		d := *t.Deadline
		c.Deadline = &d
	}
	if t.StartedAt != nil {
		d := *t.StartedAt
		c.StartedAt = &d
	}
	if t.CompletedAt != nil {
		d := *t.CompletedAt
		c.CompletedAt = &d
	}
	return &c
}
