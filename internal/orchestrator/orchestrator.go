// Package orchestrator wires every other component into the two loops of
// spec.md §4.9: a scheduling loop that matches idle agents to ready tasks
// and runs completed work back through the quality gate, and a maintenance
// loop that ticks the registry, the accountability engine, and periodic
// store cleanup. The two-loop-plus-channels shape is grounded on the
// teacher's internal/server package (StartHeartbeatChecker's ticker loop,
// Hub's channel-driven broadcast loop) generalized from connection
// bookkeeping to task dispatch.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/swarmctl/orchestrator/internal/accountability"
	"github.com/swarmctl/orchestrator/internal/agent"
	"github.com/swarmctl/orchestrator/internal/agentregistry"
	"github.com/swarmctl/orchestrator/internal/confidence"
	"github.com/swarmctl/orchestrator/internal/config"
	"github.com/swarmctl/orchestrator/internal/events"
	"github.com/swarmctl/orchestrator/internal/orcherr"
	"github.com/swarmctl/orchestrator/internal/qualitygate"
	"github.com/swarmctl/orchestrator/internal/store"
	"github.com/swarmctl/orchestrator/internal/tasks"
	"github.com/swarmctl/orchestrator/internal/vcs"
)

// Transport is what the orchestrator needs from an agent.Agent
// implementation plus the Relaunch hook agentregistry.Prober requires —
// every concrete variant (ProcessAgent, RemoteAgent, MockAgent) satisfies
// both.
type Transport interface {
	agent.Agent
	Relaunch(ctx context.Context, agentID string) error
}

// Orchestrator owns the scheduling and maintenance loops described in
// spec.md §4.9. It holds no state of its own beyond loop bookkeeping — every
// durable fact lives in Store, TaskQueue, or AgentRegistry.
type Orchestrator struct {
	cfg config.Config
	log zerolog.Logger

	queue      *tasks.Queue
	bus        *events.Bus
	st         *store.Store
	registry   *agentregistry.Registry
	tracker    *confidence.Tracker
	gate       *qualitygate.Gate
	integrator *vcs.PRIntegrator // nil disables PR integration on Allow
	accEngine  *accountability.Engine
	transport  Transport

	reports chan agent.Report

	cron *cron.Cron

	mu       sync.Mutex
	pending  map[string]confidence.Context // task id -> context recorded at dispatch time
	draining bool

	stop chan struct{}
	done chan struct{}
}

// New wires an Orchestrator. reports is the AgentReport channel (spec.md §6)
// that every Transport implementation's async completions are published on;
// the caller owns its lifetime and closes it after Shutdown returns.
func New(
	cfg config.Config,
	queue *tasks.Queue,
	bus *events.Bus,
	st *store.Store,
	registry *agentregistry.Registry,
	tracker *confidence.Tracker,
	gate *qualitygate.Gate,
	integrator *vcs.PRIntegrator,
	accEngine *accountability.Engine,
	transport Transport,
	reports chan agent.Report,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		log:        log.With().Str("component", "orchestrator").Logger(),
		queue:      queue,
		bus:        bus,
		st:         st,
		registry:   registry,
		tracker:    tracker,
		gate:       gate,
		integrator: integrator,
		accEngine:  accEngine,
		transport:  transport,
		reports:    reports,
		cron:       cron.New(),
		pending:    make(map[string]confidence.Context),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run starts the registry's liveness ticker, the maintenance schedule, and
// the scheduling/report loops. It blocks until ctx is cancelled or Shutdown
// is called.
func (o *Orchestrator) Run(ctx context.Context) error {
	go o.registry.Run(ctx)

	if _, err := o.cron.AddFunc("@every 30s", func() { o.accEngine.Tick(time.Now()) }); err != nil {
		return fmt.Errorf("schedule accountability tick: %w", err)
	}
	if _, err := o.cron.AddFunc("@daily", o.runDailyCleanup); err != nil {
		return fmt.Errorf("schedule daily cleanup: %w", err)
	}
	o.cron.Start()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		o.schedulingLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		o.reportLoop(ctx)
	}()

	wg.Wait()
	close(o.done)
	return nil
}

// runDailyCleanup implements the maintenance loop's "Tick Store cleanup of
// old decisions (daily)" step.
func (o *Orchestrator) runDailyCleanup() {
	cutoff := time.Now().Add(-30 * 24 * time.Hour)
	if err := o.tracker.CleanupOlderThan(cutoff); err != nil {
		o.log.Error().Err(err).Msg("daily decision cleanup failed")
	}
	if err := o.st.CleanupPatternsOlderThan(cutoff); err != nil {
		o.log.Error().Err(err).Msg("daily pattern cleanup failed")
	}
}

// schedulingLoop implements spec.md §4.9's six-step scheduling loop plus
// timeout sweeping, sleeping briefly between idle polls.
func (o *Orchestrator) schedulingLoop(ctx context.Context) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case <-ticker.C:
			if o.isDraining() {
				continue
			}
			o.dispatchOnce(ctx)
			o.sweepTimedOut()
		}
	}
}

// dispatchOnce runs one iteration of steps 1-5: find an idle agent, find it
// a task, decide whether a human is needed, and dispatch or block.
func (o *Orchestrator) dispatchOnce(ctx context.Context) {
	a := o.nextIdleAgent()
	if a == nil {
		return
	}

	task := o.queue.Next(a.Capabilities, time.Now())
	if task == nil {
		return
	}

	dctx := buildContext(task)
	involveHuman, _ := o.tracker.ShouldInvolveHuman(dctx)

	if involveHuman {
		if err := o.queue.MarkBlocked(task.ID); err != nil {
			o.log.Error().Err(err).Str("task_id", task.ID).Msg("failed to mark task blocked")
			return
		}
		o.bus.Publish(events.EventHumanRequested, map[string]interface{}{
			"task_id": task.ID, "agent_id": a.ID,
		}, task.ID, events.PriorityHigh, nil)
		return
	}

	if err := o.queue.MarkInProgress(task.ID, a.ID); err != nil {
		o.log.Error().Err(err).Str("task_id", task.ID).Msg("failed to mark task in progress")
		return
	}

	payload := map[string]interface{}{"type": task.Type, "description": task.Description, "data": task.Data}
	result, err := o.transport.Dispatch(ctx, a.ID, task.ID, payload)
	if err != nil || result != agent.DispatchAccepted {
		o.log.Warn().Err(err).Str("task_id", task.ID).Str("agent_id", a.ID).Str("result", string(result)).
			Msg("dispatch did not succeed, returning task for retry")
		if ferr := o.queue.MarkFailed(task.ID, true); ferr != nil {
			o.log.Error().Err(ferr).Str("task_id", task.ID).Msg("failed to mark task failed after dispatch rejection")
		}
		return
	}

	o.setPending(task.ID, dctx)
	if rerr := o.tracker.RecordOutcome(task.ID, dctx, false, confidence.OutcomePending); rerr != nil {
		o.log.Error().Err(rerr).Str("task_id", task.ID).Msg("failed to record pending decision")
	}
	o.bus.Publish(events.EventTaskStatusChanged, map[string]interface{}{
		"task_id": task.ID, "agent_id": a.ID, "status": string(tasks.StatusInProgress),
	}, task.ID, events.PriorityNormal, nil)
}

// nextIdleAgent returns a Running agent holding no Assigned/InProgress
// task, in a deterministic (lowest ID first) order.
func (o *Orchestrator) nextIdleAgent() *agentregistry.Agent {
	busy := make(map[string]struct{})
	for _, t := range o.queue.GetByStatus(tasks.StatusInProgress) {
		if t.AssignedAgent != "" {
			busy[t.AssignedAgent] = struct{}{}
		}
	}
	for _, t := range o.queue.GetByStatus(tasks.StatusAssigned) {
		if t.AssignedAgent != "" {
			busy[t.AssignedAgent] = struct{}{}
		}
	}

	candidates := o.registry.List()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	for _, a := range candidates {
		if a.State != agentregistry.StateRunning {
			continue
		}
		if _, ok := busy[a.ID]; ok {
			continue
		}
		return a
	}
	return nil
}

// sweepTimedOut implements spec.md §5's timeout clause: a timed-out task is
// returned to Pending (if attempts remain) and a TaskTimeoutEvent published.
func (o *Orchestrator) sweepTimedOut() {
	for _, t := range o.queue.TimedOut(time.Now()) {
		if err := o.queue.MarkFailed(t.ID, true); err != nil {
			o.log.Error().Err(err).Str("task_id", t.ID).Msg("failed to mark timed-out task failed")
			continue
		}
		o.clearPending(t.ID)
		o.bus.Publish(events.EventTaskTimeout, map[string]interface{}{
			"task_id": t.ID, "agent_id": t.AssignedAgent,
		}, t.ID, events.PriorityHigh, nil)
	}
}

// reportLoop implements scheduling loop step 6: handling an agent's
// asynchronous completion.
func (o *Orchestrator) reportLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case r, ok := <-o.reports:
			if !ok {
				return
			}
			o.handleReport(r)
		}
	}
}

func (o *Orchestrator) handleReport(r agent.Report) {
	switch r.Kind {
	case agent.ReportCompleted:
		o.handleCompleted(r)
	case agent.ReportFailed:
		o.handleFailed(r)
	case agent.ReportProgress:
		o.bus.Publish(events.EventTaskStatusChanged, map[string]interface{}{
			"task_id": r.TaskID, "agent_id": r.AgentID, "progress": r.Payload,
		}, r.TaskID, events.PriorityLow, nil)
	case agent.ReportSnapshot:
		o.log.Debug().Str("agent_id", r.AgentID).Msg("received out-of-band snapshot report")
	}
}

// handleCompleted runs the artifact from a Completed report through the
// quality gate and applies the Allow/Block/Escalate branches of spec.md
// §4.9 step 6.
func (o *Orchestrator) handleCompleted(r agent.Report) {
	artifact := artifactFromPayload(r.Payload)
	result := o.gate.Evaluate(artifact)

	dctx := o.takePending(r.TaskID)

	o.bus.Publish(events.EventGateResult, map[string]interface{}{
		"task_id": r.TaskID, "decision": string(result.Decision), "issues": result.Issues,
	}, r.TaskID, events.PriorityNormal, nil)

	switch result.Decision {
	case qualitygate.Allow:
		if err := o.queue.MarkCompleted(r.TaskID); err != nil {
			o.log.Error().Err(err).Str("task_id", r.TaskID).Msg("failed to mark task completed")
			return
		}
		if o.integrator != nil {
			if prID, ok := r.Payload["pr_id"].(string); ok && prID != "" {
				if _, err := o.integrator.Integrate(prID); err != nil {
					o.log.Warn().Err(err).Str("task_id", r.TaskID).Str("pr_id", prID).Msg("PR integration did not complete")
				}
			}
		}
		if err := o.tracker.RecordOutcome(r.TaskID, dctx, false, confidence.OutcomeSuccess); err != nil {
			o.log.Error().Err(err).Str("task_id", r.TaskID).Msg("failed to record success outcome")
		}
		o.bus.Publish(events.EventTaskCompleted, map[string]interface{}{"task_id": r.TaskID}, r.TaskID, events.PriorityNormal, nil)

	case qualitygate.Block:
		if err := o.queue.MarkFailed(r.TaskID, true); err != nil {
			o.log.Error().Err(err).Str("task_id", r.TaskID).Msg("failed to mark task failed after gate block")
		}
		if err := o.tracker.RecordOutcome(r.TaskID, dctx, false, confidence.OutcomeFailure); err != nil {
			o.log.Error().Err(err).Str("task_id", r.TaskID).Msg("failed to record failure outcome")
		}
		o.bus.Publish(events.EventQualityGateBlocked, map[string]interface{}{
			"task_id": r.TaskID, "issues": result.Issues,
		}, r.TaskID, events.PriorityHigh, nil)

	case qualitygate.Escalate:
		if err := o.queue.MarkBlocked(r.TaskID); err != nil {
			o.log.Error().Err(err).Str("task_id", r.TaskID).Msg("failed to mark task blocked after gate escalation")
		}
		o.bus.Publish(events.EventHumanRequested, map[string]interface{}{
			"task_id": r.TaskID, "agent_id": r.AgentID, "reason": "quality_gate_escalate", "issues": result.Issues,
		}, r.TaskID, events.PriorityHigh, nil)
	}
}

func (o *Orchestrator) handleFailed(r agent.Report) {
	dctx := o.takePending(r.TaskID)
	canRetry := true
	if reason, ok := r.Payload["reason"].(string); ok {
		o.log.Warn().Str("task_id", r.TaskID).Str("agent_id", r.AgentID).Str("reason", reason).Msg("agent reported task failure")
	}
	if err := o.queue.MarkFailed(r.TaskID, canRetry); err != nil {
		o.log.Error().Err(err).Str("task_id", r.TaskID).Msg("failed to mark task failed")
	}
	if err := o.tracker.RecordOutcome(r.TaskID, dctx, false, confidence.OutcomeFailure); err != nil {
		o.log.Error().Err(err).Str("task_id", r.TaskID).Msg("failed to record failure outcome")
	}
}

func (o *Orchestrator) setPending(taskID string, ctx confidence.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending[taskID] = ctx
}

func (o *Orchestrator) takePending(taskID string) confidence.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	ctx, ok := o.pending[taskID]
	delete(o.pending, taskID)
	if !ok {
		return confidence.Context{}
	}
	return ctx
}

func (o *Orchestrator) clearPending(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.pending, taskID)
}

func (o *Orchestrator) isDraining() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.draining
}

// Shutdown implements spec.md §4.9's graceful shutdown: stop dispatching,
// sleep every active agent with a snapshot, flush the event bus bounded by
// shutdown_timeout, and close the store.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return nil
	}
	o.draining = true
	o.mu.Unlock()

	close(o.stop)
	o.cron.Stop()
	o.registry.Stop()

	for _, a := range o.registry.List() {
		if a.State != agentregistry.StateRunning {
			continue
		}
		snapshot, _ := json.Marshal(o.queue.GetByAgent(a.ID))
		if err := o.registry.Sleep(ctx, a.ID, string(snapshot)); err != nil {
			o.log.Warn().Err(err).Str("agent_id", a.ID).Msg("failed to sleep agent during shutdown")
		}
	}

	flushCtx, cancel := context.WithTimeout(ctx, o.cfg.ShutdownTimeout)
	defer cancel()
	if err := o.bus.Close(flushCtx); err != nil {
		o.log.Warn().Err(err).Msg("event bus did not flush cleanly within shutdown_timeout")
	}

	if err := o.st.Close(); err != nil {
		return orcherr.Store("orchestrator", "failed to close store during shutdown", err)
	}
	return nil
}

// buildContext canonicalizes a task's string-typed Data map into the
// opaque confidence.Context the tracker expects (spec.md §9 "dynamically
// typed context dicts").
func buildContext(t *tasks.Task) confidence.Context {
	ctx := confidence.Context{"task_type": t.Type}
	for _, key := range []string{"has_security_implications", "has_architecture_changes",
		"affects_performance", "is_customer_facing", "modifies_critical_path"} {
		if v, ok := t.Data[key]; ok {
			if b, err := strconv.ParseBool(v); err == nil {
				ctx[key] = b
			}
		}
	}
	for _, key := range []string{"complexity", "agent_confidence", "external_confidence"} {
		if v, ok := t.Data[key]; ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				ctx[key] = f
			}
		}
	}
	return ctx
}

// artifactFromPayload reads the quality-gate metrics a completed report is
// expected to carry (spec.md §9: "assumes the artifact already carries a
// coverage_percent metric produced by an external step").
func artifactFromPayload(payload map[string]interface{}) qualitygate.Artifact {
	var a qualitygate.Artifact
	a.LinesChanged = intField(payload, "lines_changed")
	a.LintErrors = intField(payload, "lint_errors")
	a.SecurityFindings = intField(payload, "security_findings")
	a.CyclomaticMax = intField(payload, "cyclomatic_max")
	a.CoveragePercent = floatField(payload, "coverage_percent")
	a.ChangedFiles = stringSliceField(payload, "changed_files")
	a.TestFiles = stringSliceField(payload, "test_files")
	return a
}

func intField(payload map[string]interface{}, key string) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func floatField(payload map[string]interface{}, key string) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func stringSliceField(payload map[string]interface{}, key string) []string {
	raw, ok := payload[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
