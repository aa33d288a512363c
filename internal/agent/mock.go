package agent

import (
	"context"
	"sync"
)

// MockAgent is an in-memory Agent double for tests (spec.md §9: "Agents
// themselves are tagged variants in the core: {ProcessAgent, RemoteAgent,
// MockAgent}").
type MockAgent struct {
	mu             sync.Mutex
	alive          map[string]bool
	dispatched     []DispatchCall
	DispatchResult DispatchResult
	DispatchErr    error
}

// DispatchCall records a single Dispatch invocation for assertions.
type DispatchCall struct {
	AgentID string
	TaskID  string
	Payload map[string]interface{}
}

// NewMockAgent creates a MockAgent with every agent alive by default.
func NewMockAgent() *MockAgent {
	return &MockAgent{alive: make(map[string]bool), DispatchResult: DispatchAccepted}
}

// SetAlive controls what Probe returns for agentID.
func (m *MockAgent) SetAlive(agentID string, alive bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alive[agentID] = alive
}

func (m *MockAgent) Dispatch(ctx context.Context, agentID, taskID string, payload map[string]interface{}) (DispatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatched = append(m.dispatched, DispatchCall{AgentID: agentID, TaskID: taskID, Payload: payload})
	return m.DispatchResult, m.DispatchErr
}

func (m *MockAgent) Probe(ctx context.Context, agentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alive, ok := m.alive[agentID]
	if !ok {
		return true, nil
	}
	return alive, nil
}

func (m *MockAgent) Shutdown(ctx context.Context, agentID string) error {
	m.SetAlive(agentID, false)
	return nil
}

// Relaunch marks the agent alive again, satisfying agentregistry.Prober.
func (m *MockAgent) Relaunch(ctx context.Context, agentID string) error {
	m.SetAlive(agentID, true)
	return nil
}

// DispatchCalls returns every recorded Dispatch call, in order.
func (m *MockAgent) DispatchCalls() []DispatchCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DispatchCall, len(m.dispatched))
	copy(out, m.dispatched)
	return out
}
