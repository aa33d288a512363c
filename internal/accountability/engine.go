// Package accountability implements the deadline-watching escalation ladder
// of spec.md §4.8: tasks with assigned agents are checked against
// configured deadlines on every maintenance tick, and violations trigger a
// notify-only, notify-and-propose, or auto-reassign response depending on
// how overdue the task is.
package accountability

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/swarmctl/orchestrator/internal/agentregistry"
	"github.com/swarmctl/orchestrator/internal/events"
	"github.com/swarmctl/orchestrator/internal/store"
	"github.com/swarmctl/orchestrator/internal/tasks"
)

// EventPublisher is the subset of *events.Bus the engine needs.
type EventPublisher interface {
	Publish(eventType events.EventType, payload map[string]interface{}, partitionKey string, priority int, tags []string) bool
}

// EscalationStore is the subset of *store.Store the engine needs.
type EscalationStore interface {
	PutEscalation(e *store.Escalation) error
}

// Engine watches TaskQueue for overdue in-progress tasks and crashed agents,
// applying the escalation ladder from spec.md §4.8. It dedups by
// (task_id, level) the same way the teacher's AlertChecker deduped by key,
// so a task stuck past its deadline doesn't re-fire the same escalation
// level on every maintenance tick.
type Engine struct {
	queue    *tasks.Queue
	registry *agentregistry.Registry
	store    EscalationStore
	events   EventPublisher
	log      zerolog.Logger

	mu      sync.Mutex
	fired   map[string]time.Time // dedup key -> last-fired time
	dedupTTL time.Duration
}

// New constructs an Engine. dedupTTL bounds how long a fired escalation
// suppresses re-firing at the same level; 0 uses a 5 minute default,
// matching the teacher's AlertChecker.shouldAlert window.
func New(queue *tasks.Queue, registry *agentregistry.Registry, st EscalationStore, ev EventPublisher, dedupTTL time.Duration, log zerolog.Logger) *Engine {
	if dedupTTL <= 0 {
		dedupTTL = 5 * time.Minute
	}
	return &Engine{
		queue:    queue,
		registry: registry,
		store:    st,
		events:   ev,
		log:      log.With().Str("component", "accountability").Logger(),
		fired:    make(map[string]time.Time),
		dedupTTL: dedupTTL,
	}
}

// Level is the escalation severity (spec.md §4.8).
type Level = store.EscalationLevel

const (
	LevelMedium   = store.EscalationMedium
	LevelHigh     = store.EscalationHigh
	LevelCritical = store.EscalationCritical
	LevelSystem   = store.EscalationSystem
)

// Tick evaluates every in-progress task with a deadline against the
// escalation ladder, and every Crashed agent's tasks for auto-reassignment.
// Called periodically by the orchestrator's maintenance loop.
func (e *Engine) Tick(now time.Time) {
	for _, t := range e.queue.GetByStatus(tasks.StatusInProgress) {
		e.evaluateTask(t, now)
	}
}

func (e *Engine) evaluateTask(t *tasks.Task, now time.Time) {
	if t.Deadline == nil || t.StartedAt == nil {
		return
	}
	deadline := *t.Deadline
	overdue := now.Sub(deadline)
	if overdue <= 0 {
		return
	}

	deadlineSpan := deadline.Sub(*t.StartedAt)
	if deadlineSpan <= 0 {
		deadlineSpan = time.Second // avoid division by zero; treat any overdue as Critical
	}

	agentCrashed := e.isCrashed(t.AssignedAgent)

	switch {
	case overdue > 2*deadlineSpan || agentCrashed:
		e.escalate(t, LevelCritical, now, fmt.Sprintf("task %s overdue by %s (agent_crashed=%v)", t.ID, overdue, agentCrashed))
	case overdue > deadlineSpan:
		e.escalate(t, LevelHigh, now, fmt.Sprintf("task %s overdue by %s", t.ID, overdue))
	case float64(overdue) > 0.5*float64(deadlineSpan):
		e.escalate(t, LevelMedium, now, fmt.Sprintf("task %s overdue by %s", t.ID, overdue))
	}
}

func (e *Engine) isCrashed(agentID string) bool {
	if agentID == "" {
		return false
	}
	a := e.registry.Get(agentID)
	return a != nil && a.State == agentregistry.StateCrashed
}

// escalate applies dedup, then dispatches to the right ladder response.
func (e *Engine) escalate(t *tasks.Task, level Level, now time.Time, reason string) {
	key := t.ID + "|" + string(level)
	if !e.shouldFire(key, now) {
		return
	}

	esc := &store.Escalation{AgentID: t.AssignedAgent, TaskID: t.ID, Level: level, Reason: reason}
	if err := e.store.PutEscalation(esc); err != nil {
		e.log.Error().Err(err).Str("task_id", t.ID).Msg("failed to persist escalation")
	}

	e.events.Publish(events.EventEscalation, map[string]interface{}{
		"task_id": t.ID, "agent_id": t.AssignedAgent, "level": string(level), "reason": reason,
	}, t.ID, priorityFor(level), nil)

	switch level {
	case LevelMedium, LevelHigh:
		e.log.Warn().Str("task_id", t.ID).Str("level", string(level)).Msg(reason)
		if level == LevelHigh {
			e.proposeReassignment(t)
		}
	case LevelCritical:
		e.autoReassignOrFail(t, reason)
	}
}

func priorityFor(level Level) int {
	switch level {
	case LevelCritical, LevelSystem:
		return events.PriorityCritical
	case LevelHigh:
		return events.PriorityHigh
	default:
		return events.PriorityNormal
	}
}

// proposeReassignment notifies only; a High escalation doesn't reassign
// automatically, per spec.md §4.8 ("notify + propose reassignment").
func (e *Engine) proposeReassignment(t *tasks.Task) {
	e.events.Publish(events.EventReassignment, map[string]interface{}{
		"task_id": t.ID, "agent_id": t.AssignedAgent, "proposed": true,
	}, t.ID, events.PriorityHigh, nil)
}

// autoReassignOrFail implements the Critical-level response: reassign to a
// capable idle agent if one exists, else emit SystemFailure.
func (e *Engine) autoReassignOrFail(t *tasks.Task, reason string) {
	candidate := e.findCapableIdleAgent(t)
	if candidate == "" {
		esc := &store.Escalation{TaskID: t.ID, Level: LevelSystem, Reason: "no capable idle agent for reassignment: " + reason}
		if err := e.store.PutEscalation(esc); err != nil {
			e.log.Error().Err(err).Msg("failed to persist system_failure escalation")
		}
		e.events.Publish(events.EventSystemFailure, map[string]interface{}{
			"task_id": t.ID, "reason": reason,
		}, t.ID, events.PriorityCritical, nil)
		return
	}
	e.reassign(t)
}

// findCapableIdleAgent returns the ID of a Running agent with the task's
// capability that isn't currently holding any in-progress task. An agent may
// not be reassigned its own failed task unless max_attempts == 1 (spec.md
// §4.8), so the previously-assigned agent is excluded unless it's the only
// option allowed by that rule.
func (e *Engine) findCapableIdleAgent(t *tasks.Task) string {
	busy := make(map[string]struct{})
	for _, other := range e.queue.GetByStatus(tasks.StatusInProgress) {
		if other.AssignedAgent != "" {
			busy[other.AssignedAgent] = struct{}{}
		}
	}
	for _, other := range e.queue.GetByStatus(tasks.StatusAssigned) {
		if other.AssignedAgent != "" {
			busy[other.AssignedAgent] = struct{}{}
		}
	}

	for _, a := range e.registry.List() {
		if a.State != agentregistry.StateRunning {
			continue
		}
		if _, ok := a.Capabilities[t.Type]; !ok {
			continue
		}
		if _, isBusy := busy[a.ID]; isBusy {
			continue
		}
		if a.ID == t.AssignedAgent && t.MaxAttempts != 1 {
			continue
		}
		return a.ID
	}
	return ""
}

// reassign executes the protocol: Pending w/ attempts++ via Queue.Reassign,
// an Escalation row, and a ReassignmentEvent (spec.md §4.8 steps a-c); the
// orchestrator's next scheduling tick performs step (d).
func (e *Engine) reassign(t *tasks.Task) {
	if err := e.queue.Reassign(t.ID); err != nil {
		e.log.Error().Err(err).Str("task_id", t.ID).Msg("failed to reassign task")
		return
	}
	esc := &store.Escalation{AgentID: t.AssignedAgent, TaskID: t.ID, Level: LevelCritical, Reason: "auto-reassigned after critical overdue"}
	if err := e.store.PutEscalation(esc); err != nil {
		e.log.Error().Err(err).Msg("failed to persist reassignment escalation")
	}
	e.events.Publish(events.EventReassignment, map[string]interface{}{
		"task_id": t.ID, "proposed": false,
	}, t.ID, events.PriorityCritical, nil)
}

// shouldFire applies the dedup window, same shape as the teacher's
// AlertChecker.shouldAlert.
func (e *Engine) shouldFire(key string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for k, t := range e.fired {
		if now.Sub(t) > e.dedupTTL {
			delete(e.fired, k)
		}
	}

	if last, ok := e.fired[key]; ok && now.Sub(last) <= e.dedupTTL {
		return false
	}
	e.fired[key] = now
	return true
}
