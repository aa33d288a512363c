// Package agentregistry implements the agent liveness & recovery subsystem
// (spec.md §4.4): heartbeat tracking, timeout/crash detection, bounded
// recovery attempts, and Sleep/Wake memory snapshots. Its background
// ticker and stale-agent handling follow the teacher's
// internal/server/heartbeat.go, generalized from the teacher's PID-liveness
// check to the pluggable Prober abstraction spec.md §6 calls the agent
// protocol.
package agentregistry

import "time"

// State is the lifecycle state of a registered agent (spec.md §4.4).
type State string

const (
	StateRunning    State = "running"
	StateTimeout    State = "timeout"
	StateRecovering State = "recovering"
	StateCrashed    State = "crashed"
	StateSleeping   State = "sleeping"
)

// Agent is a registered worker tracked by the registry.
type Agent struct {
	ID                  string
	Capabilities        map[string]struct{}
	State               State
	LastHeartbeat        time.Time
	ConsecutiveFailures int
	RecoveryAttempts    int
	RegisteredAt        time.Time
}

// NewAgent registers a new agent in the Running state.
func NewAgent(id string, capabilities []string) *Agent {
	caps := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		caps[c] = struct{}{}
	}
	now := time.Now()
	return &Agent{
		ID:           id,
		Capabilities: caps,
		State:        StateRunning,
		LastHeartbeat: now,
		RegisteredAt: now,
	}
}

// Clone returns a value-safe copy of the agent for handoff to callers.
func (a *Agent) Clone() *Agent {
	c := *a
	c.Capabilities = make(map[string]struct{}, len(a.Capabilities))
	for k := range a.Capabilities {
		c.Capabilities[k] = struct{}{}
	}
	return &c
}

// CapabilitySlice returns the agent's capabilities as a sorted-free slice,
// for serialization.
func (a *Agent) CapabilitySlice() []string {
	out := make([]string, 0, len(a.Capabilities))
	for c := range a.Capabilities {
		out = append(out, c)
	}
	return out
}
