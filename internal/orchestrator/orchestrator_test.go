package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/swarmctl/orchestrator/internal/accountability"
	"github.com/swarmctl/orchestrator/internal/agent"
	"github.com/swarmctl/orchestrator/internal/agentregistry"
	"github.com/swarmctl/orchestrator/internal/confidence"
	"github.com/swarmctl/orchestrator/internal/config"
	"github.com/swarmctl/orchestrator/internal/events"
	"github.com/swarmctl/orchestrator/internal/qualitygate"
	"github.com/swarmctl/orchestrator/internal/store"
	"github.com/swarmctl/orchestrator/internal/tasks"
)

// harness wires a full Orchestrator against a throwaway sqlite store and a
// MockAgent transport, for end-to-end scheduling-loop tests.
type harness struct {
	o        *Orchestrator
	queue    *tasks.Queue
	registry *agentregistry.Registry
	bus      *events.Bus
	st       *store.Store
	mock     *agent.MockAgent
	reports  chan agent.Report
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zerolog.Nop()

	path := filepath.Join(t.TempDir(), "orchestrator-test.db")
	st, err := store.Open(path, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus(events.Config{}, st, log)
	t.Cleanup(func() { bus.Close(context.Background()) })

	queue := tasks.NewQueue(0)
	mock := agent.NewMockAgent()
	registry := agentregistry.New(agentregistry.Config{
		HeartbeatInterval:      time.Hour,
		TimeoutThreshold:       time.Hour,
		MaxConsecutiveFailures: 3,
		MaxRecoveryAttempts:    2,
		AgentStartupTimeout:    time.Second,
	}, mock, st, bus, log)

	cfg := config.Default()
	tracker := confidence.New(st, cfg, log)
	gate := qualitygate.New(qualitygate.DefaultConfig())
	accEngine := accountability.New(queue, registry, st, bus, time.Minute, log)
	reports := make(chan agent.Report, 16)

	o := New(cfg, queue, bus, st, registry, tracker, gate, nil, accEngine, mock, reports, log)

	return &harness{o: o, queue: queue, registry: registry, bus: bus, st: st, mock: mock, reports: reports}
}

func TestDispatchOnceAssignsMatchingTaskToIdleAgent(t *testing.T) {
	h := newHarness(t)
	h.registry.Register("agent-1", []string{"code_generation"})

	task := tasks.NewTask("T1", "code_generation", "implement feature", 5)
	if _, err := h.queue.Add(task); err != nil {
		t.Fatalf("add task: %v", err)
	}

	h.o.dispatchOnce(context.Background())

	got := h.queue.GetByID("T1")
	if got.Status != tasks.StatusInProgress {
		t.Fatalf("expected task in_progress, got %s", got.Status)
	}
	if got.AssignedAgent != "agent-1" {
		t.Fatalf("expected task assigned to agent-1, got %q", got.AssignedAgent)
	}

	calls := h.mock.DispatchCalls()
	if len(calls) != 1 || calls[0].TaskID != "T1" {
		t.Fatalf("expected exactly one dispatch call for T1, got %+v", calls)
	}
}

func TestDispatchOnceSkipsWhenNoIdleAgent(t *testing.T) {
	h := newHarness(t)
	task := tasks.NewTask("T1", "code_generation", "implement feature", 5)
	if _, err := h.queue.Add(task); err != nil {
		t.Fatalf("add task: %v", err)
	}

	h.o.dispatchOnce(context.Background())

	got := h.queue.GetByID("T1")
	if got.Status != tasks.StatusPending {
		t.Fatalf("expected task to remain pending with no agents registered, got %s", got.Status)
	}
}

func TestDispatchOnceBlocksWhenHumanInvolvementRequired(t *testing.T) {
	h := newHarness(t)
	h.registry.Register("agent-1", []string{"code_generation"})

	task := tasks.NewTask("T1", "code_generation", "risky change", 5)
	task.Data["has_security_implications"] = "true"
	task.Data["has_architecture_changes"] = "true"
	task.Data["affects_performance"] = "true"
	task.Data["agent_confidence"] = "0.5"
	task.Data["external_confidence"] = "0.5"
	if _, err := h.queue.Add(task); err != nil {
		t.Fatalf("add task: %v", err)
	}

	h.o.dispatchOnce(context.Background())

	got := h.queue.GetByID("T1")
	if got.Status != tasks.StatusBlocked {
		t.Fatalf("expected task blocked pending human input, got %s", got.Status)
	}
	if len(h.mock.DispatchCalls()) != 0 {
		t.Fatal("expected no dispatch call for a task requiring human involvement")
	}
}

func TestHandleCompletedAllowDecisionMarksTaskDone(t *testing.T) {
	h := newHarness(t)
	h.registry.Register("agent-1", []string{"code_generation"})

	task := tasks.NewTask("T1", "code_generation", "implement feature", 5)
	if _, err := h.queue.Add(task); err != nil {
		t.Fatalf("add task: %v", err)
	}
	if err := h.queue.MarkInProgress("T1", "agent-1"); err != nil {
		t.Fatalf("mark in progress: %v", err)
	}

	h.o.handleCompleted(agent.Report{
		AgentID: "agent-1", TaskID: "T1", Kind: agent.ReportCompleted,
		Payload: map[string]interface{}{
			"lines_changed": 120, "coverage_percent": 85.0, "lint_errors": 0, "security_findings": 0,
			"changed_files": []interface{}{"a.go", "a_test.go"},
			"test_files":    []interface{}{"a_test.go"},
		},
	})

	got := h.queue.GetByID("T1")
	if got.Status != tasks.StatusCompleted {
		t.Fatalf("expected task completed, got %s", got.Status)
	}
}

func TestHandleCompletedBlockDecisionFailsTaskForRetry(t *testing.T) {
	h := newHarness(t)
	h.registry.Register("agent-1", []string{"code_generation"})

	task := tasks.NewTask("T1", "code_generation", "huge change", 5)
	if _, err := h.queue.Add(task); err != nil {
		t.Fatalf("add task: %v", err)
	}
	if err := h.queue.MarkInProgress("T1", "agent-1"); err != nil {
		t.Fatalf("mark in progress: %v", err)
	}

	h.o.handleCompleted(agent.Report{
		AgentID: "agent-1", TaskID: "T1", Kind: agent.ReportCompleted,
		Payload: map[string]interface{}{"lines_changed": 850, "coverage_percent": 85.0},
	})

	got := h.queue.GetByID("T1")
	if got.Status != tasks.StatusPending {
		t.Fatalf("expected oversize-PR task returned to pending for retry, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected attempts incremented to 1, got %d", got.Attempts)
	}
}

func TestHandleFailedReportMarksTaskForRetry(t *testing.T) {
	h := newHarness(t)
	h.registry.Register("agent-1", []string{"code_generation"})

	task := tasks.NewTask("T1", "code_generation", "implement feature", 5)
	if _, err := h.queue.Add(task); err != nil {
		t.Fatalf("add task: %v", err)
	}
	if err := h.queue.MarkInProgress("T1", "agent-1"); err != nil {
		t.Fatalf("mark in progress: %v", err)
	}

	h.o.handleFailed(agent.Report{
		AgentID: "agent-1", TaskID: "T1", Kind: agent.ReportFailed,
		Payload: map[string]interface{}{"reason": "panic in test runner"},
	})

	got := h.queue.GetByID("T1")
	if got.Status != tasks.StatusPending {
		t.Fatalf("expected task returned to pending after failure, got %s", got.Status)
	}
}

func TestSweepTimedOutFailsStaleInProgressTasks(t *testing.T) {
	h := newHarness(t)
	h.registry.Register("agent-1", []string{"code_generation"})

	task := tasks.NewTask("T1", "code_generation", "implement feature", 5)
	task.TimeoutSeconds = 1
	if _, err := h.queue.Add(task); err != nil {
		t.Fatalf("add task: %v", err)
	}
	if err := h.queue.MarkInProgress("T1", "agent-1"); err != nil {
		t.Fatalf("mark in progress: %v", err)
	}

	started := time.Now().Add(-time.Hour)
	task.StartedAt = &started

	h.o.sweepTimedOut()

	got := h.queue.GetByID("T1")
	if got.Status != tasks.StatusPending {
		t.Fatalf("expected timed-out task returned to pending, got %s", got.Status)
	}
}

func TestShutdownIsIdempotentAndClosesStore(t *testing.T) {
	h := newHarness(t)
	h.registry.Register("agent-1", []string{"code_generation"})

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.registry.Run(runCtx)

	ctx := context.Background()
	if err := h.o.Shutdown(ctx); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := h.o.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown should be a no-op, got: %v", err)
	}
}
