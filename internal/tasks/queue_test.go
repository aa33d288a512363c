// internal/tasks/queue_test.go
package tasks

import (
	"testing"
	"time"

	"github.com/swarmctl/orchestrator/internal/orcherr"
)

func TestQueuePriorityOrdering(t *testing.T) {
	q := NewQueue(0)

	q.Add(NewTask("", "build", "Low priority", 1))
	q.Add(NewTask("", "build", "Critical", 7))
	q.Add(NewTask("", "build", "Medium", 4))

	caps := map[string]struct{}{"build": {}}
	next := q.Next(caps, time.Now())
	if next == nil || next.Priority != 7 {
		t.Fatalf("expected highest priority (7) task first, got %+v", next)
	}
}

func TestQueuePriorityTieBreaksOnCreatedAt(t *testing.T) {
	q := NewQueue(0)

	first := NewTask("", "build", "first", 5)
	q.Add(first)
	second := NewTask("", "build", "second", 5)
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	q.Add(second)

	caps := map[string]struct{}{"build": {}}
	next := q.Next(caps, time.Now())
	if next == nil || next.ID != first.ID {
		t.Fatalf("expected earlier-created task to win tie, got %+v", next)
	}
}

func TestQueueAddDuplicateID(t *testing.T) {
	q := NewQueue(0)
	task := NewTask("dup-1", "build", "first", 3)
	if res, err := q.Add(task); res != AddOK || err != nil {
		t.Fatalf("expected AddOK, got %v %v", res, err)
	}
	if res, _ := q.Add(NewTask("dup-1", "build", "second", 3)); res != AddDuplicate {
		t.Fatalf("expected AddDuplicate, got %v", res)
	}
}

func TestQueueAddRespectsMaxSize(t *testing.T) {
	q := NewQueue(1)
	q.Add(NewTask("", "build", "first", 3))

	res, err := q.Add(NewTask("", "build", "second", 3))
	if res != AddQueueFull {
		t.Fatalf("expected AddQueueFull, got %v", res)
	}
	if !orcherr.IsQueueFull(err) {
		t.Fatalf("expected a queue_full error, got %v", err)
	}
}

func TestQueueAddRejectsCyclicDependency(t *testing.T) {
	q := NewQueue(0)

	a := NewTask("a", "build", "a", 3)
	if res, err := q.Add(a); res != AddOK || err != nil {
		t.Fatalf("add a: %v %v", res, err)
	}
	b := NewTask("b", "build", "b", 3)
	b.Dependencies["a"] = struct{}{}
	if res, err := q.Add(b); res != AddOK || err != nil {
		t.Fatalf("add b: %v %v", res, err)
	}

	// a now depends on b, closing a cycle a -> b -> a.
	a2 := NewTask("a", "build", "a", 3)
	a2.Dependencies["b"] = struct{}{}
	if res, err := q.Add(a2); res == AddOK || err == nil {
		t.Fatalf("expected cycle rejection, got %v %v", res, err)
	}
}

func TestQueueDependencyGating(t *testing.T) {
	q := NewQueue(0)

	parent := NewTask("parent", "build", "parent", 5)
	q.Add(parent)

	child := NewTask("child", "build", "child", 9)
	child.Dependencies["parent"] = struct{}{}
	q.Add(child)

	if got := q.GetByID("child").Status; got != StatusWaitingDependency {
		t.Fatalf("expected child waiting on dependency, got %s", got)
	}

	caps := map[string]struct{}{"build": {}}
	// Despite higher priority, child must not be dispatched before its
	// dependency completes.
	next := q.Next(caps, time.Now())
	if next == nil || next.ID != "parent" {
		t.Fatalf("expected parent to be dispatched first, got %+v", next)
	}

	if err := q.MarkInProgress("parent", "agent-1"); err != nil {
		t.Fatalf("mark in progress: %v", err)
	}
	if err := q.MarkCompleted("parent"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	if got := q.GetByID("child").Status; got != StatusPending {
		t.Fatalf("expected child promoted to pending, got %s", got)
	}

	next = q.Next(caps, time.Now())
	if next == nil || next.ID != "child" {
		t.Fatalf("expected child now dispatchable, got %+v", next)
	}
}

func TestQueueMarkCompletedIdempotent(t *testing.T) {
	q := NewQueue(0)
	task := NewTask("t1", "build", "t1", 3)
	q.Add(task)
	q.MarkInProgress("t1", "agent-1")

	if err := q.MarkCompleted("t1"); err != nil {
		t.Fatalf("first complete: %v", err)
	}
	if err := q.MarkCompleted("t1"); err != nil {
		t.Fatalf("second complete should be a no-op, got error: %v", err)
	}
}

func TestQueueMarkFailedRetriesUntilMaxAttempts(t *testing.T) {
	q := NewQueue(0)
	task := NewTask("t1", "build", "t1", 3)
	task.MaxAttempts = 2
	q.Add(task)

	q.MarkInProgress("t1", "agent-1")
	if err := q.MarkFailed("t1", true); err != nil {
		t.Fatalf("first fail: %v", err)
	}
	if got := q.GetByID("t1").Status; got != StatusPending {
		t.Fatalf("expected retry to pending, got %s", got)
	}

	q.MarkInProgress("t1", "agent-1")
	if err := q.MarkFailed("t1", true); err != nil {
		t.Fatalf("second fail: %v", err)
	}
	if got := q.GetByID("t1").Status; got != StatusFailed {
		t.Fatalf("expected terminal failure once attempts exhausted, got %s", got)
	}
}

func TestQueueNextRespectsCapabilities(t *testing.T) {
	q := NewQueue(0)
	q.Add(NewTask("", "deploy", "deploy task", 5))

	if next := q.Next(map[string]struct{}{"build": {}}, time.Now()); next != nil {
		t.Fatalf("expected no match for mismatched capability, got %+v", next)
	}
	if next := q.Next(map[string]struct{}{}, time.Now()); next != nil {
		t.Fatalf("expected no match for empty capability set, got %+v", next)
	}
	if next := q.Next(map[string]struct{}{"deploy": {}}, time.Now()); next == nil {
		t.Fatalf("expected a match for matching capability")
	}
}

func TestQueueTimedOut(t *testing.T) {
	q := NewQueue(0)
	task := NewTask("t1", "build", "t1", 3)
	task.TimeoutSeconds = 1
	q.Add(task)
	q.MarkInProgress("t1", "agent-1")

	future := time.Now().Add(10 * time.Second)
	timedOut := q.TimedOut(future)
	if len(timedOut) != 1 || timedOut[0].ID != "t1" {
		t.Fatalf("expected t1 to be reported timed out, got %+v", timedOut)
	}

	if timedOut := q.TimedOut(time.Now()); len(timedOut) != 0 {
		t.Fatalf("expected no timeouts yet, got %+v", timedOut)
	}
}

func TestQueueCancel(t *testing.T) {
	q := NewQueue(0)
	task := NewTask("t1", "build", "t1", 3)
	q.Add(task)

	if err := q.Cancel("t1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := q.GetByID("t1").Status; got != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got)
	}
	if next := q.Next(map[string]struct{}{"build": {}}, time.Now()); next != nil {
		t.Fatalf("expected cancelled task to not be dispatchable, got %+v", next)
	}
}

func TestQueueGetByStatus(t *testing.T) {
	q := NewQueue(0)
	q.Add(NewTask("", "build", "p1", 3))
	q.Add(NewTask("", "build", "p2", 3))
	assigned := NewTask("", "build", "assigned", 3)
	q.Add(assigned)
	q.MarkAssigned(assigned.ID, "agent-1")

	pending := q.GetByStatus(StatusPending)
	if len(pending) != 2 {
		t.Errorf("expected 2 pending tasks, got %d", len(pending))
	}
}

func TestQueueGetByAgent(t *testing.T) {
	q := NewQueue(0)
	t1 := NewTask("", "build", "agent 1 task", 3)
	t2 := NewTask("", "build", "agent 2 task", 3)
	q.Add(t1)
	q.Add(t2)
	q.MarkAssigned(t1.ID, "agent-green")
	q.MarkAssigned(t2.ID, "agent-purple")

	agentTasks := q.GetByAgent("agent-green")
	if len(agentTasks) != 1 {
		t.Errorf("expected 1 task for agent, got %d", len(agentTasks))
	}
}
