package agentregistry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/swarmctl/orchestrator/internal/events"
)

type fakeProber struct {
	mu    sync.Mutex
	alive map[string]bool
}

func newFakeProber() *fakeProber { return &fakeProber{alive: make(map[string]bool)} }

func (f *fakeProber) setAlive(id string, alive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[id] = alive
}

func (f *fakeProber) Probe(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[id], nil
}

func (f *fakeProber) Relaunch(ctx context.Context, id string) error {
	f.setAlive(id, true)
	return nil
}

func (f *fakeProber) Shutdown(ctx context.Context, id string) error { return nil }

type fakeSnapshotStore struct {
	mu        sync.Mutex
	snapshots map[string]string
}

func newFakeSnapshotStore() *fakeSnapshotStore {
	return &fakeSnapshotStore{snapshots: make(map[string]string)}
}

func (f *fakeSnapshotStore) SaveMemorySnapshot(agentID, kind, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[agentID] = payload
	return nil
}

func (f *fakeSnapshotStore) LatestMemorySnapshot(agentID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.snapshots[agentID]
	return p, ok, nil
}

type fakeEventPublisher struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeEventPublisher) Publish(eventType events.EventType, payload map[string]interface{}, partitionKey string, priority int, tags []string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, string(eventType))
	return true
}

func (f *fakeEventPublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func testRegistry(cfg Config) (*Registry, *fakeProber, *fakeEventPublisher) {
	prober := newFakeProber()
	pub := &fakeEventPublisher{}
	r := New(cfg, prober, newFakeSnapshotStore(), pub, zerolog.Nop())
	return r, prober, pub
}

func TestRegistryRegisterAndHeartbeat(t *testing.T) {
	r, prober, _ := testRegistry(Config{HeartbeatInterval: time.Hour, TimeoutThreshold: time.Hour, MaxConsecutiveFailures: 3, MaxRecoveryAttempts: 2, AgentStartupTimeout: time.Millisecond})
	prober.setAlive("agent-1", true)

	a := r.Register("agent-1", []string{"build"})
	if a.State != StateRunning {
		t.Fatalf("expected new agent running, got %s", a.State)
	}

	if err := r.Heartbeat("agent-1", time.Now()); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if got := r.Get("agent-1").ConsecutiveFailures; got != 0 {
		t.Fatalf("expected failures reset, got %d", got)
	}
}

func TestRegistryCrashAfterMaxFailures(t *testing.T) {
	r, prober, pub := testRegistry(Config{HeartbeatInterval: time.Hour, TimeoutThreshold: time.Hour, MaxConsecutiveFailures: 2, MaxRecoveryAttempts: 2, AgentStartupTimeout: time.Millisecond})
	prober.setAlive("agent-1", false)
	r.Register("agent-1", []string{"build"})

	ctx := context.Background()
	r.checkOne(ctx, "agent-1")
	if got := r.Get("agent-1").State; got != StateRunning && got != StateTimeout {
		t.Fatalf("expected agent not yet crashed after first failure, got %s", got)
	}
	r.checkOne(ctx, "agent-1")

	if got := r.Get("agent-1").State; got != StateCrashed {
		t.Fatalf("expected crashed after max consecutive failures, got %s", got)
	}
	if pub.count() == 0 {
		t.Fatal("expected a crash event to be published")
	}
}

func TestRegistrySleepWake(t *testing.T) {
	r, prober, _ := testRegistry(Config{HeartbeatInterval: time.Hour, TimeoutThreshold: time.Hour, MaxConsecutiveFailures: 3, MaxRecoveryAttempts: 2, AgentStartupTimeout: time.Millisecond})
	prober.setAlive("agent-1", true)
	r.Register("agent-1", []string{"build"})

	if err := r.Sleep(context.Background(), "agent-1", `{"cursor":42}`); err != nil {
		t.Fatalf("sleep: %v", err)
	}
	if got := r.Get("agent-1").State; got != StateSleeping {
		t.Fatalf("expected sleeping, got %s", got)
	}

	payload, found, err := r.Wake(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("wake: %v", err)
	}
	if !found || payload != `{"cursor":42}` {
		t.Fatalf("expected snapshot payload round-trip, got %q found=%v", payload, found)
	}
	if got := r.Get("agent-1").State; got != StateRunning {
		t.Fatalf("expected running after wake, got %s", got)
	}
}

func TestRegistryWithCapability(t *testing.T) {
	r, prober, _ := testRegistry(Config{HeartbeatInterval: time.Hour, TimeoutThreshold: time.Hour, MaxConsecutiveFailures: 3, MaxRecoveryAttempts: 2, AgentStartupTimeout: time.Millisecond})
	prober.setAlive("agent-1", true)
	prober.setAlive("agent-2", true)
	r.Register("agent-1", []string{"build"})
	r.Register("agent-2", []string{"deploy"})

	matches := r.WithCapability("build")
	if _, ok := matches["agent-1"]; !ok || len(matches) != 1 {
		t.Fatalf("expected only agent-1 to match, got %v", matches)
	}
}
