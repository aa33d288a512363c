// Package agent implements the pluggable agent transport named in spec.md
// §6 and §9: a single Agent interface (Dispatch/Probe/Shutdown) with three
// tagged variants (ProcessAgent, RemoteAgent, MockAgent). ProcessAgent is
// grounded on the teacher's internal/agents/spawner.go with its WezTerm
// pane-placement logic stripped out (spec.md §1 Non-goals, terminal
// multiplexer hosting); RemoteAgent is grounded on internal/nats/client.go.
package agent

import "context"

// DispatchResult reports whether an agent accepted a task.
type DispatchResult string

const (
	DispatchAccepted DispatchResult = "accepted"
	DispatchBusy     DispatchResult = "busy"
)

// ReportKind is the kind of message an agent sends back asynchronously on
// its AgentReport channel (spec.md §6).
type ReportKind string

const (
	ReportProgress  ReportKind = "progress"
	ReportCompleted ReportKind = "completed"
	ReportFailed    ReportKind = "failed"
	ReportSnapshot  ReportKind = "snapshot"
)

// Report is a single message an agent publishes back to the orchestrator.
type Report struct {
	AgentID string
	TaskID  string
	Kind    ReportKind
	Payload map[string]interface{}
}

// Agent is the transport-agnostic interface the orchestrator dispatches
// work through (spec.md §6). A concrete implementation may use process IPC,
// HTTP, or a message broker; the core never assumes which.
type Agent interface {
	Dispatch(ctx context.Context, agentID, taskID string, payload map[string]interface{}) (DispatchResult, error)
	Probe(ctx context.Context, agentID string) (alive bool, err error)
	Shutdown(ctx context.Context, agentID string) error
}
