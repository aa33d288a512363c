package confidence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/swarmctl/orchestrator/internal/config"
	"github.com/swarmctl/orchestrator/internal/store"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	path := filepath.Join(t.TempDir(), "confidence-test.db")
	st, err := store.Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, config.Default(), zerolog.Nop())
}

func TestFingerprintIsOrderIndependent(t *testing.T) {
	a := Fingerprint(Context{"task_type": "code_generation", "has_security_implications": true})
	b := Fingerprint(Context{"has_security_implications": true, "task_type": "code_generation"})
	if a != b {
		t.Fatalf("expected equal fingerprints for equal contexts, got %q vs %q", a, b)
	}
}

// scenario 4 from spec.md §8.
func TestShouldInvolveHumanRiskThresholdScenario(t *testing.T) {
	tr := newTestTracker(t)

	ctx := Context{
		"task_type":                  "code_generation",
		"has_security_implications":  true,
		"has_architecture_changes":   true,
		"agent_confidence":           0.80,
		"external_confidence":        0.80,
	}
	involve, conf := tr.ShouldInvolveHuman(ctx)
	if involve {
		t.Fatalf("expected no human involvement at risk=0.70, got involve=%v conf=%v", involve, conf)
	}
	if conf != 0.80 {
		t.Fatalf("expected combined confidence 0.80, got %v", conf)
	}

	ctx["affects_performance"] = true
	involve, conf = tr.ShouldInvolveHuman(ctx)
	if !involve {
		t.Fatalf("expected human involvement once risk exceeds 0.7, got involve=%v conf=%v", involve, conf)
	}
}

// scenario 6 from spec.md §8.
func TestShouldInvolveHumanPatternLearningShortCircuit(t *testing.T) {
	tr := newTestTracker(t)

	ctx := Context{"task_type": "code_generation", "complexity": "low"}
	for i := 0; i < 6; i++ {
		if err := tr.RecordOutcome("task-"+string(rune('0'+i)), ctx, false, OutcomeSuccess); err != nil {
			t.Fatalf("record outcome %d: %v", i, err)
		}
	}

	ctx["agent_confidence"] = 0.1
	ctx["external_confidence"] = 0.1
	involve, conf := tr.ShouldInvolveHuman(ctx)
	if involve {
		t.Fatalf("expected pattern short-circuit to avoid human involvement, got involve=%v conf=%v", involve, conf)
	}
	if conf != 1.0 {
		t.Fatalf("expected confidence to reflect pattern success rate 1.0, got %v", conf)
	}
}

func TestCleanupOlderThanRemovesOldDecisions(t *testing.T) {
	tr := newTestTracker(t)
	ctx := Context{"task_type": "code_generation"}
	if err := tr.RecordOutcome("task-1", ctx, false, OutcomeSuccess); err != nil {
		t.Fatalf("record outcome: %v", err)
	}

	if err := tr.CleanupOlderThan(time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	decisions, err := tr.store.ListDecisionsByFingerprint(Fingerprint(ctx))
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(decisions) != 0 {
		t.Fatalf("expected decisions to be purged, got %d", len(decisions))
	}
}
