// internal/tasks/queue.go
package tasks

import (
	"sort"
	"sync"
	"time"

	"github.com/swarmctl/orchestrator/internal/orcherr"
)

// AddResult reports the outcome of Queue.Add.
type AddResult string

const (
	AddOK        AddResult = "ok"
	AddDuplicate AddResult = "duplicate"
	AddQueueFull AddResult = "queue_full"
)

// Queue is a thread-safe priority queue and dependency graph for tasks
// (spec.md §4.3). It holds every task whose status is one of
// {Pending, WaitingDependency, Assigned, InProgress}; Completed/Failed
// (terminal)/Cancelled tasks are retired from the in-memory indices once
// MarkCompleted/terminal MarkFailed/Cancel runs, though callers typically
// keep the returned Task around (e.g. to persist it via Store).
type Queue struct {
	mu    sync.RWMutex
	tasks []*Task          // Pending tasks only; kept heap-ordered by (priority desc, created_at asc)
	index map[string]*Task // ID -> Task, covers every tracked status

	dependents map[string]map[string]struct{} // parent ID -> set of child IDs
	maxSize    int                             // 0 = unbounded
}

// NewQueue creates a new task queue. maxSize of 0 means unbounded
// (spec.md §6 queue_max_size default).
func NewQueue(maxSize int) *Queue {
	return &Queue{
		tasks:      make([]*Task, 0),
		index:      make(map[string]*Task),
		dependents: make(map[string]map[string]struct{}),
		maxSize:    maxSize,
	}
}

// Add inserts a task into the queue. Cyclic dependencies are rejected
// (spec.md §8 boundary behavior); a full queue returns AddQueueFull; an
// already-tracked ID returns AddDuplicate.
func (q *Queue) Add(task *Task) (AddResult, error) {
	if err := task.Validate(); err != nil {
		return AddDuplicate, orcherr.Validation("taskqueue", err.Error())
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.index[task.ID]; exists {
		return AddDuplicate, nil
	}
	if q.maxSize > 0 && len(q.index) >= q.maxSize {
		return AddQueueFull, orcherr.QueueFull("taskqueue", "queue at capacity")
	}
	if q.hasCycleLocked(task) {
		return AddDuplicate, orcherr.Validation("taskqueue", "cyclic dependency detected")
	}

	q.index[task.ID] = task
	for dep := range task.Dependencies {
		if q.dependents[dep] == nil {
			q.dependents[dep] = make(map[string]struct{})
		}
		q.dependents[dep][task.ID] = struct{}{}
	}

	if task.HasUnmetDependencies(q.completedSetLocked()) {
		task.Status = StatusWaitingDependency
	} else if task.Status == "" {
		task.Status = StatusPending
	}

	if task.Status == StatusPending {
		q.tasks = append(q.tasks, task)
		q.sortLocked()
	}

	return AddOK, nil
}

// hasCycleLocked detects whether adding task would create a dependency
// cycle, via DFS over the combined dependency graph (existing + task).
func (q *Queue) hasCycleLocked(task *Task) bool {
	deps := func(id string) map[string]struct{} {
		if id == task.ID {
			return task.Dependencies
		}
		if t, ok := q.index[id]; ok {
			return t.Dependencies
		}
		return nil
	}

	visiting := make(map[string]bool)
	visited := make(map[string]bool)

	var dfs func(id string) bool
	dfs = func(id string) bool {
		if visiting[id] {
			return true
		}
		if visited[id] {
			return false
		}
		visiting[id] = true
		for dep := range deps(id) {
			if dfs(dep) {
				return true
			}
		}
		visiting[id] = false
		visited[id] = true
		return false
	}

	return dfs(task.ID)
}

// completedSetLocked returns the set of task IDs that are Completed or
// simply not tracked at all (caller-supplied dependencies on tasks this
// queue never saw are treated as already satisfied — the dependency graph
// only tracks tasks it knows about).
func (q *Queue) completedSetLocked() map[string]struct{} {
	set := make(map[string]struct{})
	for id, t := range q.index {
		if t.Status == StatusCompleted {
			set[id] = struct{}{}
		}
	}
	return set
}

// Next returns the highest-priority task that (a) has Type in capabilities,
// (b) has all dependencies completed, (c) attempts < max_attempts, and
// (d) deadline >= now (if set). Ties break on earlier created_at
// (spec.md §4.3).
func (q *Queue) Next(capabilities map[string]struct{}, now time.Time) *Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if len(capabilities) == 0 {
		return nil
	}

	for _, t := range q.tasks {
		if t.Status != StatusPending {
			continue
		}
		if _, ok := capabilities[t.Type]; !ok {
			continue
		}
		if t.Attempts >= t.MaxAttempts {
			continue
		}
		if t.Deadline != nil && t.Deadline.Before(now) {
			continue
		}
		return t
	}
	return nil
}

// MarkInProgress transitions a task from Assigned to InProgress, recording
// the owning agent and start time. Invariant (a): an InProgress task always
// has exactly one assigned_agent.
func (q *Queue) MarkInProgress(id, agentID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.index[id]
	if !ok {
		return orcherr.Validation("taskqueue", "unknown task: "+id)
	}
	if err := t.TransitionTo(StatusInProgress); err != nil {
		return orcherr.Invariant("taskqueue", err.Error())
	}
	t.AssignedAgent = agentID
	now := time.Now()
	t.StartedAt = &now
	q.removeFromPendingLocked(id)
	return nil
}

// MarkAssigned transitions Pending -> Assigned, removing the task from the
// dispatchable heap until MarkInProgress or a retry returns it to Pending.
func (q *Queue) MarkAssigned(id, agentID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.index[id]
	if !ok {
		return orcherr.Validation("taskqueue", "unknown task: "+id)
	}
	if err := t.TransitionTo(StatusAssigned); err != nil {
		return orcherr.Invariant("taskqueue", err.Error())
	}
	t.AssignedAgent = agentID
	q.removeFromPendingLocked(id)
	return nil
}

// MarkCompleted marks a task Completed and re-evaluates its dependents,
// moving any whose parents are now all complete from WaitingDependency to
// Pending. Idempotent: calling it twice on an already-Completed task is a
// no-op returning success (spec.md round-trip R2).
func (q *Queue) MarkCompleted(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.index[id]
	if !ok {
		return orcherr.Validation("taskqueue", "unknown task: "+id)
	}
	if t.Status == StatusCompleted {
		return nil
	}
	if err := t.TransitionTo(StatusCompleted); err != nil {
		return orcherr.Invariant("taskqueue", err.Error())
	}
	now := time.Now()
	t.CompletedAt = &now
	t.AssignedAgent = ""

	q.promoteDependentsLocked(id)
	return nil
}

// promoteDependentsLocked moves children of a newly-completed parent from
// WaitingDependency to Pending once every dependency they have is satisfied.
func (q *Queue) promoteDependentsLocked(parentID string) {
	completed := q.completedSetLocked()
	for childID := range q.dependents[parentID] {
		child, ok := q.index[childID]
		if !ok || child.Status != StatusWaitingDependency {
			continue
		}
		if !child.HasUnmetDependencies(completed) {
			child.Status = StatusPending
			q.tasks = append(q.tasks, child)
		}
	}
	q.sortLocked()
}

// MarkFailed marks a task Failed. If canRetry and attempts remain, the task
// returns to Pending with attempts incremented; otherwise it is terminally
// Failed (spec.md §4.3, invariant T2: attempts <= max_attempts).
func (q *Queue) MarkFailed(id string, canRetry bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.index[id]
	if !ok {
		return orcherr.Validation("taskqueue", "unknown task: "+id)
	}
	if err := t.TransitionTo(StatusFailed); err != nil {
		return orcherr.Invariant("taskqueue", err.Error())
	}
	t.Attempts++
	t.AssignedAgent = ""

	if canRetry && t.Attempts < t.MaxAttempts {
		t.Status = StatusPending
		q.tasks = append(q.tasks, t)
		q.sortLocked()
	}
	return nil
}

// Cancel cancels a task from any non-terminal status (spec.md §4.3).
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.index[id]
	if !ok {
		return orcherr.Validation("taskqueue", "unknown task: "+id)
	}
	if err := t.TransitionTo(StatusCancelled); err != nil {
		return orcherr.Invariant("taskqueue", err.Error())
	}
	q.removeFromPendingLocked(id)
	return nil
}

// MarkBlocked moves a task to Blocked (human escalation, or an
// accountability-engine-driven hold), removing it from the dispatchable
// heap.
func (q *Queue) MarkBlocked(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.index[id]
	if !ok {
		return orcherr.Validation("taskqueue", "unknown task: "+id)
	}
	if err := t.TransitionTo(StatusBlocked); err != nil {
		return orcherr.Invariant("taskqueue", err.Error())
	}
	q.removeFromPendingLocked(id)
	return nil
}

// Reassign returns a task to Pending with attempts incremented, used by the
// accountability engine's reassignment protocol (spec.md §4.8). It is valid
// from InProgress, Assigned, or Blocked.
func (q *Queue) Reassign(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.index[id]
	if !ok {
		return orcherr.Validation("taskqueue", "unknown task: "+id)
	}
	switch t.Status {
	case StatusInProgress, StatusAssigned, StatusBlocked:
	default:
		return orcherr.Invariant("taskqueue", "cannot reassign task in status "+string(t.Status))
	}
	t.Status = StatusPending
	t.Attempts++
	t.AssignedAgent = ""
	q.tasks = append(q.tasks, t)
	q.sortLocked()
	return nil
}

// TimedOut returns InProgress tasks whose (started_at + timeout_seconds) <
// now.
func (q *Queue) TimedOut(now time.Time) []*Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []*Task
	for _, t := range q.index {
		if t.Status != StatusInProgress || t.TimeoutSeconds <= 0 || t.StartedAt == nil {
			continue
		}
		deadline := t.StartedAt.Add(time.Duration(t.TimeoutSeconds) * time.Second)
		if deadline.Before(now) {
			out = append(out, t)
		}
	}
	return out
}

// GetByID returns a task by its ID.
func (q *Queue) GetByID(id string) *Task {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.index[id]
}

// GetByStatus returns all tasks with the given status.
func (q *Queue) GetByStatus(status Status) []*Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var result []*Task
	for _, t := range q.index {
		if t.Status == status {
			result = append(result, t)
		}
	}
	return result
}

// GetByAgent returns all tasks assigned to an agent.
func (q *Queue) GetByAgent(agentID string) []*Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var result []*Task
	for _, t := range q.index {
		if t.AssignedAgent == agentID {
			result = append(result, t)
		}
	}
	return result
}

// Len returns the number of tasks tracked by the queue.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.index)
}

// All returns every tracked task.
func (q *Queue) All() []*Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	result := make([]*Task, 0, len(q.index))
	for _, t := range q.index {
		result = append(result, t)
	}
	return result
}

// removeFromPendingLocked drops a task from the dispatchable heap slice
// (it stays in q.index). Must hold the write lock.
func (q *Queue) removeFromPendingLocked(id string) {
	for i, t := range q.tasks {
		if t.ID == id {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			return
		}
	}
}

// sortLocked sorts the pending heap by (priority desc, created_at asc).
// Must hold the write lock.
func (q *Queue) sortLocked() {
	sort.Slice(q.tasks, func(i, j int) bool {
		if q.tasks[i].Priority != q.tasks[j].Priority {
			return q.tasks[i].Priority > q.tasks[j].Priority
		}
		return q.tasks[i].CreatedAt.Before(q.tasks[j].CreatedAt)
	})
}
