package vcs

import (
	"fmt"
	"regexp"

	"github.com/rs/zerolog"

	"github.com/swarmctl/orchestrator/internal/events"
	"github.com/swarmctl/orchestrator/internal/orcherr"
	"github.com/swarmctl/orchestrator/internal/qualitygate"
)

// EventPublisher is the subset of *events.Bus the integrator needs.
type EventPublisher interface {
	Publish(eventType events.EventType, payload map[string]interface{}, partitionKey string, priority int, tags []string) bool
}

// IntegrationOutcome is one PR's result from Integrate/IntegrateReady.
type IntegrationOutcome struct {
	PRID     string
	Merged   bool
	Decision qualitygate.Decision
	Issues   []string
	Err      error
}

// PRIntegrator runs the fetch/verify/gate/merge/cleanup pipeline of
// spec.md §4.7 against a Gateway.
type PRIntegrator struct {
	gw              Gateway
	gate            *qualitygate.Gate
	events          EventPublisher
	log             zerolog.Logger
	cleanupPatterns []*regexp.Regexp
	commitTemplate  string
}

// NewPRIntegrator builds an integrator. cleanupPatterns are regexes matched
// against a merged PR's head ref; a match means the branch is deleted after
// merge (spec.md §4.7 step 5, "if it matches configured patterns").
func NewPRIntegrator(gw Gateway, gate *qualitygate.Gate, ev EventPublisher, cleanupPatterns []string, log zerolog.Logger) (*PRIntegrator, error) {
	compiled := make([]*regexp.Regexp, 0, len(cleanupPatterns))
	for _, p := range cleanupPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid cleanup pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return &PRIntegrator{
		gw: gw, gate: gate, events: ev, log: log.With().Str("component", "printegrator").Logger(),
		cleanupPatterns: compiled,
		commitTemplate:  "%s (#%s)",
	}, nil
}

// Integrate runs the full pipeline for one PR: fetch, verify mergeable,
// gate, merge, cleanup. Every step is idempotent; a failure at any step
// aborts with a typed error, and partial effects (gate ran but merge
// failed) are published as events rather than rolled back.
func (p *PRIntegrator) Integrate(id string) (IntegrationOutcome, error) {
	pr, err := p.gw.GetPR(id)
	if err != nil {
		return IntegrationOutcome{PRID: id}, orcherr.Store("printegrator", "failed to fetch PR "+id, err)
	}

	if pr.State == PRStateMerged {
		return IntegrationOutcome{PRID: id, Merged: true, Decision: qualitygate.Allow}, nil
	}

	if !pr.Mergeable || pr.ChecksState == ChecksFailing {
		return IntegrationOutcome{PRID: id}, orcherr.Validation("printegrator", "PR "+id+" is not in a mergeable state")
	}

	stats, err := p.gw.GetDiffStats(id)
	if err != nil {
		return IntegrationOutcome{PRID: id}, orcherr.Store("printegrator", "failed to fetch diff stats for "+id, err)
	}

	artifact := qualitygate.Artifact{LinesChanged: stats.LinesAdded + stats.LinesRemoved}
	result := p.gate.Evaluate(artifact)

	if result.Decision != qualitygate.Allow {
		p.events.Publish(events.EventQualityGateBlocked, map[string]interface{}{
			"pr_id": id, "issues": result.Issues, "decision": string(result.Decision),
		}, id, events.PriorityHigh, nil)
		return IntegrationOutcome{PRID: id, Decision: result.Decision, Issues: result.Issues},
			orcherr.GateBlocked("printegrator", fmt.Sprintf("PR %s blocked by quality gate: %v", id, result.Issues))
	}

	message := fmt.Sprintf(p.commitTemplate, pr.Title, id)
	mergeResult, err := p.gw.Merge(id, MergeSquash, pr.Title, message)
	if err != nil {
		return IntegrationOutcome{PRID: id, Decision: result.Decision}, orcherr.Store("printegrator", "merge failed for "+id, err)
	}
	if mergeResult != MergeOK {
		return IntegrationOutcome{PRID: id, Decision: result.Decision}, orcherr.Invariant("printegrator", "PR "+id+" merge returned "+string(mergeResult))
	}

	if p.shouldCleanup(pr.HeadRef) {
		if err := p.gw.DeleteBranch(pr.HeadRef); err != nil {
			p.log.Warn().Err(err).Str("pr_id", id).Msg("merge succeeded but branch cleanup failed")
		}
	}

	p.events.Publish(events.EventPRIntegrated, map[string]interface{}{
		"pr_id": id, "decision": string(result.Decision),
	}, id, events.PriorityNormal, nil)

	return IntegrationOutcome{PRID: id, Merged: true, Decision: result.Decision}, nil
}

func (p *PRIntegrator) shouldCleanup(headRef string) bool {
	for _, re := range p.cleanupPatterns {
		if re.MatchString(headRef) {
			return true
		}
	}
	return false
}

// IntegrateReady enumerates open PRs matching a branch-name prefix filter
// and applies Integrate to each, per spec.md §4.7's batch mode.
func (p *PRIntegrator) IntegrateReady(branchPrefix string) ([]IntegrationOutcome, error) {
	prs, err := p.gw.ListOpenPRs(Filter{BranchPrefix: branchPrefix})
	if err != nil {
		return nil, orcherr.Store("printegrator", "failed to list open PRs", err)
	}

	outcomes := make([]IntegrationOutcome, 0, len(prs))
	for _, pr := range prs {
		outcome, err := p.Integrate(pr.ID)
		if err != nil {
			outcome.Err = err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}
