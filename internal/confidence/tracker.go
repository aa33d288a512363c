// Package confidence implements the confidence tracker (spec.md §4.5): given
// a decision context, it decides whether a task needs human involvement and
// learns from recorded outcomes. The fixed-subset, order-independent
// fingerprint and the pattern-lookup-then-risk-score algorithm follow
// spec.md's algorithm literally; the pattern cache in front of internal/store
// is grounded on the teacher's internal/memory package recomputing success
// rates from SQL aggregates on every read (SPEC_FULL.md §4 "Pattern cache
// with TTL").
package confidence

import (
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/swarmctl/orchestrator/internal/config"
	"github.com/swarmctl/orchestrator/internal/store"
)

// Outcome is the result recorded against a Decision (spec.md §4.5 Learning).
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePending Outcome = "pending"
)

// Context is the opaque decision context accepted at the API boundary
// (spec.md §9: "dynamically typed context dicts -> accept an opaque Context
// value ... internally canonicalize"). Expected features: task_type,
// complexity, agent_confidence, external_confidence, and the risk booleans
// named in riskFields.
type Context map[string]interface{}

// riskFields lists the risk booleans in the fixed order their configured
// weights are summed over (spec.md §4.5 step 4).
var riskFields = []string{
	"has_security_implications",
	"has_architecture_changes",
	"affects_performance",
	"is_customer_facing",
	"modifies_critical_path",
}

// fingerprintFields is the fixed, configured subset of context features
// hashed into a pattern fingerprint (spec.md §4.5 step 1). Order here does
// not affect the resulting hash — store.FingerprintContext sorts its input
// tags — but keeping it fixed keeps the tag list itself deterministic.
var fingerprintFields = append([]string{"task_type", "complexity"}, riskFields...)

// Tracker is the confidence tracker. It is safe for concurrent use: the
// underlying Store serializes writes and go-cache is internally synchronized.
type Tracker struct {
	store *store.Store
	cache *cache.Cache
	cfg   config.Config
	log   zerolog.Logger
}

// New constructs a Tracker backed by st, with a pattern cache that expires
// entries after 5 minutes so a restarted process re-learns from Store rather
// than serving stale in-memory patterns forever.
func New(st *store.Store, cfg config.Config, log zerolog.Logger) *Tracker {
	return &Tracker{
		store: st,
		cache: cache.New(5*time.Minute, 10*time.Minute),
		cfg:   cfg,
		log:   log.With().Str("component", "confidence").Logger(),
	}
}

// Fingerprint computes the order-independent pattern fingerprint for a
// context (spec.md §8 invariant C1).
func Fingerprint(ctx Context) string {
	tags := make([]string, 0, len(fingerprintFields))
	for _, f := range fingerprintFields {
		if v, ok := ctx[f]; ok {
			tags = append(tags, fmt.Sprintf("%s=%v", f, v))
		}
	}
	return store.FingerprintContext(tags)
}

func boolFeature(ctx Context, key string) bool {
	v, ok := ctx[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func floatFeature(ctx Context, key string) float64 {
	switch v := ctx[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}

// riskScore sums the configured weight of each risk boolean set in ctx,
// capped at 1 (spec.md §4.5 step 4).
func (t *Tracker) riskScore(ctx Context) float64 {
	weights := map[string]float64{
		"has_security_implications": t.cfg.RiskWeights.Security,
		"has_architecture_changes":  t.cfg.RiskWeights.Architecture,
		"affects_performance":       t.cfg.RiskWeights.Performance,
		"is_customer_facing":        t.cfg.RiskWeights.CustomerFacing,
		"modifies_critical_path":    t.cfg.RiskWeights.CriticalPath,
	}
	var sum float64
	for _, f := range riskFields {
		if boolFeature(ctx, f) {
			sum += weights[f]
		}
	}
	if sum > 1 {
		sum = 1
	}
	return sum
}

// ShouldInvolveHuman implements spec.md §4.5's algorithm in full: a
// sufficiently-sampled, sufficiently-successful pattern short-circuits to
// "no human needed" regardless of this call's own confidence inputs;
// otherwise the combined agent/external confidence is compared against a
// risk-selected threshold.
func (t *Tracker) ShouldInvolveHuman(ctx Context) (involveHuman bool, confidence float64) {
	fp := Fingerprint(ctx)

	if p := t.lookupPattern(fp); p != nil {
		if p.SampleCount >= t.cfg.MinSamples && p.SuccessRate > t.cfg.HighSuccessThreshold {
			return false, p.SuccessRate
		}
	}

	combined := (floatFeature(ctx, "agent_confidence") + floatFeature(ctx, "external_confidence")) / 2
	risk := t.riskScore(ctx)

	threshold := t.cfg.BaseThreshold
	if risk > 0.7 {
		threshold = t.cfg.HighRiskThreshold
	}

	return combined < threshold, combined
}

func (t *Tracker) lookupPattern(fp string) *store.Pattern {
	if cached, ok := t.cache.Get(fp); ok {
		p := cached.(store.Pattern)
		return &p
	}
	p, err := t.store.GetPattern(fp)
	if err != nil {
		t.log.Warn().Err(err).Str("fingerprint", fp).Msg("pattern lookup failed, treating as unseen")
		return nil
	}
	if p == nil {
		return nil
	}
	t.cache.Set(fp, *p, cache.DefaultExpiration)
	return p
}

// RecordOutcome stores a Decision and, unless the outcome is Pending, folds
// it into the fingerprint's running pattern success rate (spec.md §4.5
// "Learning"). The pattern cache entry is refreshed in lock-step so a
// subsequent ShouldInvolveHuman call in the same process sees the update
// immediately rather than waiting for cache expiry.
func (t *Tracker) RecordOutcome(taskID string, ctx Context, humanInvolved bool, outcome Outcome) error {
	fp := Fingerprint(ctx)

	var external *float64
	if v, ok := ctx["external_confidence"]; ok {
		f := floatFeature(Context{"external_confidence": v}, "external_confidence")
		external = &f
	}

	d := &store.Decision{
		Fingerprint:        fp,
		TaskID:             taskID,
		AgentConfidence:    floatFeature(ctx, "agent_confidence"),
		ExternalConfidence: external,
		HumanInvolved:      humanInvolved,
		Outcome:            string(outcome),
	}
	if err := t.store.PutDecision(d); err != nil {
		return err
	}

	if outcome == OutcomePending {
		return nil
	}

	p, err := t.store.RecordOutcome(fp, outcome == OutcomeSuccess)
	if err != nil {
		return err
	}
	t.cache.Set(fp, *p, cache.DefaultExpiration)
	return nil
}

// CleanupOlderThan deletes decisions recorded before cutoff (spec.md §4.5
// data retention). Patterns are not recomputed here — they are rebuilt
// lazily from surviving decisions the next time RecordOutcome touches that
// fingerprint — but the cache is flushed so a stale pattern isn't served in
// the meantime.
func (t *Tracker) CleanupOlderThan(cutoff time.Time) error {
	t.cache.Flush()
	return t.store.DeleteDecisionsOlderThan(cutoff)
}
