package vcs

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/swarmctl/orchestrator/internal/events"
	"github.com/swarmctl/orchestrator/internal/orcherr"
	"github.com/swarmctl/orchestrator/internal/qualitygate"
)

type fakeGateway struct {
	prs     map[string]PR
	stats   map[string]DiffStats
	merged  map[string]bool
	deleted map[string]bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		prs: make(map[string]PR), stats: make(map[string]DiffStats),
		merged: make(map[string]bool), deleted: make(map[string]bool),
	}
}

func (g *fakeGateway) GetPR(id string) (PR, error) {
	pr, ok := g.prs[id]
	if !ok {
		return PR{}, orcherr.Validation("fakegateway", "unknown PR "+id)
	}
	return pr, nil
}

func (g *fakeGateway) ListOpenPRs(filter Filter) ([]PR, error) {
	var out []PR
	for _, pr := range g.prs {
		if pr.State == PRStateOpen {
			out = append(out, pr)
		}
	}
	return out, nil
}

func (g *fakeGateway) Merge(id string, method MergeMethod, title, message string) (MergeResult, error) {
	g.merged[id] = true
	pr := g.prs[id]
	pr.State = PRStateMerged
	g.prs[id] = pr
	return MergeOK, nil
}

func (g *fakeGateway) DeleteBranch(name string) error {
	g.deleted[name] = true
	return nil
}

func (g *fakeGateway) GetDiffStats(id string) (DiffStats, error) {
	return g.stats[id], nil
}

type fakeEventPublisher struct {
	mu     sync.Mutex
	events []events.EventType
}

func (f *fakeEventPublisher) Publish(eventType events.EventType, payload map[string]interface{}, partitionKey string, priority int, tags []string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
	return true
}

func TestIntegrateMergesAllowedPR(t *testing.T) {
	gw := newFakeGateway()
	gw.prs["42"] = PR{ID: "42", Title: "Add feature", HeadRef: "task/T42-add-feature", BaseRef: "main", Mergeable: true, ChecksState: ChecksPassing}
	gw.stats["42"] = DiffStats{LinesAdded: 80, LinesRemoved: 40, FilesChanged: 3}

	ev := &fakeEventPublisher{}
	gate := qualitygate.New(qualitygate.DefaultConfig())
	integrator, err := NewPRIntegrator(gw, gate, ev, []string{`^task/`}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new integrator: %v", err)
	}

	outcome, err := integrator.Integrate("42")
	if err != nil {
		t.Fatalf("integrate: %v", err)
	}
	if !outcome.Merged {
		t.Fatalf("expected merged outcome, got %+v", outcome)
	}
	if !gw.merged["42"] {
		t.Fatal("expected gateway Merge to have been called")
	}
	if !gw.deleted["task/T42-add-feature"] {
		t.Fatal("expected branch cleanup since it matches the task/ pattern")
	}
}

func TestIntegrateBlocksOversizePR(t *testing.T) {
	gw := newFakeGateway()
	gw.prs["42"] = PR{ID: "42", Title: "Huge change", HeadRef: "task/T42-huge", BaseRef: "main", Mergeable: true, ChecksState: ChecksPassing}
	gw.stats["42"] = DiffStats{LinesAdded: 700, LinesRemoved: 150, FilesChanged: 20}

	ev := &fakeEventPublisher{}
	gate := qualitygate.New(qualitygate.DefaultConfig())
	integrator, err := NewPRIntegrator(gw, gate, ev, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("new integrator: %v", err)
	}

	outcome, err := integrator.Integrate("42")
	if !orcherr.IsGateBlocked(err) {
		t.Fatalf("expected a GateBlocked error, got %v", err)
	}
	if outcome.Merged {
		t.Fatal("expected no merge to have been performed")
	}
	if gw.merged["42"] {
		t.Fatal("gateway Merge must not be called when the gate blocks")
	}

	found := false
	for _, e := range ev.events {
		if e == events.EventQualityGateBlocked {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a QualityGateBlockedEvent, got %v", ev.events)
	}
}

func TestIntegrateIsIdempotentForAlreadyMergedPR(t *testing.T) {
	gw := newFakeGateway()
	gw.prs["42"] = PR{ID: "42", Title: "Done", HeadRef: "task/T42", BaseRef: "main", State: PRStateMerged}

	ev := &fakeEventPublisher{}
	gate := qualitygate.New(qualitygate.DefaultConfig())
	integrator, err := NewPRIntegrator(gw, gate, ev, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("new integrator: %v", err)
	}

	outcome, err := integrator.Integrate("42")
	if err != nil {
		t.Fatalf("integrate: %v", err)
	}
	if !outcome.Merged {
		t.Fatal("expected already-merged PR to report Merged=true")
	}
	if gw.merged["42"] {
		t.Fatal("Merge should not be called again for an already-merged PR")
	}
}

func TestIntegrateReadyAppliesPipelineToEachOpenPR(t *testing.T) {
	gw := newFakeGateway()
	gw.prs["1"] = PR{ID: "1", Title: "A", HeadRef: "task/T1", BaseRef: "main", Mergeable: true, ChecksState: ChecksPassing}
	gw.prs["2"] = PR{ID: "2", Title: "B", HeadRef: "task/T2", BaseRef: "main", Mergeable: true, ChecksState: ChecksPassing}
	gw.stats["1"] = DiffStats{LinesAdded: 10}
	gw.stats["2"] = DiffStats{LinesAdded: 20}

	ev := &fakeEventPublisher{}
	gate := qualitygate.New(qualitygate.DefaultConfig())
	integrator, err := NewPRIntegrator(gw, gate, ev, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("new integrator: %v", err)
	}

	outcomes, err := integrator.IntegrateReady("task/")
	if err != nil {
		t.Fatalf("integrate ready: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	for _, o := range outcomes {
		if !o.Merged {
			t.Fatalf("expected every PR in the batch to merge, got %+v", o)
		}
	}
}
