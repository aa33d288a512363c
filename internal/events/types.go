// Package events implements the orchestrator's single named event stream
// (spec.md §4.2): a bounded, filterable publish point whose periodic flush
// groups, optionally compresses, and retries delivery to every subscriber.
// The Event/EventType shape follows the teacher's internal/events/types.go;
// the delivery pipeline is new, built on github.com/joeycumines/go-microbatch
// in place of the teacher's direct channel fan-out.
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType names the kind of occurrence being published. Unlike the
// teacher's closed EventType enum, the orchestrator core treats it as an
// open string vocabulary — components mint their own types — but still
// exports the well-known ones emitted by the core itself.
type EventType string

const (
	EventTaskStatusChanged   EventType = "task_status_changed"
	EventTaskCompleted       EventType = "task_completed"
	EventTaskTimeout         EventType = "task_timeout"
	EventAgentHeartbeat      EventType = "agent_heartbeat"
	EventAgentCrashed        EventType = "agent_crashed"
	EventAgentRecovery       EventType = "agent_recovery"
	EventGateResult          EventType = "gate_result"
	EventQualityGateBlocked  EventType = "quality_gate_blocked"
	EventPRIntegrated        EventType = "pr_integrated"
	EventEscalation          EventType = "escalation"
	EventReassignment        EventType = "reassignment"
	EventHumanRequested      EventType = "human_requested"
	EventDecisionRecorded    EventType = "decision_recorded"
	EventError               EventType = "error"
	EventSystemFailure       EventType = "system_failure"
)

// Priority constants, highest first (spec.md §4.2: "highest priority within
// a batch is delivered first").
const (
	PriorityCritical = 4
	PriorityHigh     = 3
	PriorityNormal   = 2
	PriorityLow      = 1
)

// Event is a single occurrence published to the bus.
type Event struct {
	ID           string                 `json:"id"`
	Type         EventType              `json:"type"`
	Payload      map[string]interface{} `json:"payload"`
	PartitionKey string                 `json:"partition_key"`
	Priority     int                    `json:"priority"`
	Tags         []string               `json:"tags,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// newEvent constructs an Event with a generated ID and timestamp.
func newEvent(eventType EventType, payload map[string]interface{}, partitionKey string, priority int, tags []string) *Event {
	return &Event{
		ID:           uuid.New().String(),
		Type:         eventType,
		Payload:      payload,
		PartitionKey: partitionKey,
		Priority:     priority,
		Tags:         tags,
		CreatedAt:    time.Now(),
	}
}

// Filter decides whether an event should be admitted to the bus. A filter
// rejecting an event is not counted toward the dropped-event total
// (spec.md §4.2).
type Filter func(*Event) bool

// Handler receives a delivered batch. It must be idempotent: delivery is
// at-least-once, and a handler may see the same event_id more than once
// across retries or bus restarts.
type Handler func(batch []Event) error
