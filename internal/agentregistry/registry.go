package agentregistry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/swarmctl/orchestrator/internal/events"
	"github.com/swarmctl/orchestrator/internal/orcherr"
)

// Prober is the subset of the agent transport (spec.md §6) the registry
// needs: health probing, and tearing down/relaunching a crashed agent's
// host environment during recovery.
type Prober interface {
	Probe(ctx context.Context, agentID string) (alive bool, err error)
	Relaunch(ctx context.Context, agentID string) error
	Shutdown(ctx context.Context, agentID string) error
}

// SnapshotStore persists and loads Sleep/Wake memory snapshots. Implemented
// by internal/store.Store.
type SnapshotStore interface {
	SaveMemorySnapshot(agentID, kind, payload string) error
	LatestMemorySnapshot(agentID string) (payload string, found bool, err error)
}

// EventPublisher publishes registry lifecycle events (permanent-failure,
// timeout) onto the shared event stream. Satisfied by *events.Bus.
type EventPublisher interface {
	Publish(eventType events.EventType, payload map[string]interface{}, partitionKey string, priority int, tags []string) bool
}

// Config tunes the liveness protocol (spec.md §6 defaults).
type Config struct {
	HeartbeatInterval      time.Duration
	TimeoutThreshold       time.Duration
	MaxConsecutiveFailures int
	MaxRecoveryAttempts    int
	AgentStartupTimeout    time.Duration
}

// Registry tracks every registered agent and runs the background liveness
// ticker described in spec.md §4.4.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent

	cfg     Config
	prober  Prober
	store   SnapshotStore
	events  EventPublisher
	log     zerolog.Logger

	stop chan struct{}
	done chan struct{}
}

// New creates a Registry. Call Run to start the liveness ticker.
func New(cfg Config, prober Prober, store SnapshotStore, events EventPublisher, log zerolog.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*Agent),
		cfg:    cfg,
		prober: prober,
		store:  store,
		events: events,
		log:    log.With().Str("component", "agentregistry").Logger(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Register adds a new agent in the Running state.
func (r *Registry) Register(id string, capabilities []string) *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := NewAgent(id, capabilities)
	r.agents[id] = a
	return a.Clone()
}

// Get returns a copy of the agent, or nil if unknown.
func (r *Registry) Get(id string) *Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil
	}
	return a.Clone()
}

// List returns a copy of every tracked agent.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.Clone())
	}
	return out
}

// WithCapability returns every agent whose capabilities include cap and
// whose state is Running.
func (r *Registry) WithCapability(cap string) map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]struct{})
	for _, a := range r.agents {
		if a.State != StateRunning {
			continue
		}
		if _, ok := a.Capabilities[cap]; ok {
			out[a.ID] = struct{}{}
		}
	}
	return out
}

// Heartbeat records a successful heartbeat: it updates last_heartbeat,
// clears consecutive_failures, and transitions Recovering/Timeout back to
// Running (spec.md §4.4).
func (r *Registry) Heartbeat(id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return orcherr.Validation("agentregistry", "unknown agent: "+id)
	}
	if !now.Before(a.LastHeartbeat) {
		a.LastHeartbeat = now
	}
	a.ConsecutiveFailures = 0
	if a.State == StateRecovering || a.State == StateTimeout {
		a.State = StateRunning
		a.RecoveryAttempts = 0
	}
	return nil
}

// Sleep persists a Sleep snapshot and transitions the agent to Sleeping.
func (r *Registry) Sleep(ctx context.Context, id, payload string) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return orcherr.Validation("agentregistry", "unknown agent: "+id)
	}
	r.mu.Unlock()

	if err := r.store.SaveMemorySnapshot(id, "Sleep", payload); err != nil {
		return err
	}

	r.mu.Lock()
	a.State = StateSleeping
	r.mu.Unlock()
	return nil
}

// Wake loads the latest snapshot for the agent and sets its state back to
// Running.
func (r *Registry) Wake(ctx context.Context, id string) (payload string, found bool, err error) {
	payload, found, err = r.store.LatestMemorySnapshot(id)
	if err != nil {
		return "", false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return payload, found, orcherr.Validation("agentregistry", "unknown agent: "+id)
	}
	a.State = StateRunning
	return payload, found, nil
}

// Run starts the background liveness ticker; it blocks until Stop is
// called.
func (r *Registry) Run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.checkAll(ctx)
		}
	}
}

// Stop signals Run to exit and waits for it to finish.
func (r *Registry) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Registry) checkAll(ctx context.Context) {
	for _, id := range r.snapshotIDs() {
		r.checkOne(ctx, id)
	}
}

func (r *Registry) snapshotIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	return ids
}

// checkOne implements the per-agent liveness protocol (spec.md §4.4
// steps 1-3).
func (r *Registry) checkOne(ctx context.Context, id string) {
	alive, err := r.prober.Probe(ctx, id)
	if err != nil || !alive {
		r.recordFailure(id)
	}

	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	now := time.Now()
	stale := now.Sub(a.LastHeartbeat) > r.cfg.TimeoutThreshold
	shouldRecover := false
	shouldCrash := false

	if stale && a.State != StateTimeout && a.State != StateCrashed {
		a.State = StateTimeout
		shouldRecover = true
	}
	if a.ConsecutiveFailures >= r.cfg.MaxConsecutiveFailures && a.State != StateCrashed {
		a.State = StateCrashed
		shouldCrash = true
	}
	r.mu.Unlock()

	if shouldCrash {
		r.events.Publish(events.EventAgentCrashed, map[string]interface{}{"agent_id": id}, id, events.PriorityCritical, nil)
		return
	}
	if shouldRecover {
		r.recover(ctx, id)
	}
}

func (r *Registry) recordFailure(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[id]; ok {
		a.ConsecutiveFailures++
	}
}

// recover implements the bounded recovery attempt loop (spec.md §4.4
// "Recovery").
func (r *Registry) recover(ctx context.Context, id string) {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if a.RecoveryAttempts >= r.cfg.MaxRecoveryAttempts {
		a.State = StateCrashed
		r.mu.Unlock()
		r.events.Publish(events.EventAgentCrashed, map[string]interface{}{"agent_id": id, "reason": "recovery_attempts_exhausted"}, id, events.PriorityCritical, nil)
		return
	}
	a.State = StateRecovering
	a.RecoveryAttempts++
	r.mu.Unlock()

	if err := r.prober.Shutdown(ctx, id); err != nil {
		r.log.Warn().Err(err).Str("agent_id", id).Msg("shutdown during recovery failed, continuing")
	}
	if err := r.prober.Relaunch(ctx, id); err != nil {
		r.log.Error().Err(err).Str("agent_id", id).Msg("relaunch failed")
		return
	}

	startupCtx, cancel := context.WithTimeout(ctx, r.cfg.AgentStartupTimeout)
	defer cancel()
	<-startupCtx.Done()

	alive, err := r.prober.Probe(ctx, id)
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok = r.agents[id]
	if !ok {
		return
	}
	if err == nil && alive {
		a.State = StateRunning
		a.ConsecutiveFailures = 0
		a.RecoveryAttempts = 0
		a.LastHeartbeat = time.Now()
		r.events.Publish(events.EventAgentRecovery, map[string]interface{}{"agent_id": id}, id, events.PriorityHigh, nil)
	}
}
