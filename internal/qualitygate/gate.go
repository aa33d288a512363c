// Package qualitygate evaluates a work artifact against an ordered chain of
// checks (spec.md §4.6), the same "assess then decide" shape as the
// teacher's supervisor.StandardDecisionEngine, generalized from
// reconnaissance findings to PR/artifact metrics.
package qualitygate

import (
	"sort"
	"sync"
)

// Decision is the gate's final verdict on an artifact.
type Decision string

const (
	Allow    Decision = "allow"
	Block    Decision = "block"
	Escalate Decision = "escalate"
)

// Artifact is the work product QualityGate evaluates: a PR or a set of
// changed files, carrying the metrics spec.md §4.6 assumes an external step
// already produced (coverage, lint, security scan results).
type Artifact struct {
	LinesChanged      int      `json:"lines_changed"`
	ChangedFiles      []string `json:"changed_files,omitempty"`
	TestFiles         []string `json:"test_files,omitempty"`
	CoveragePercent   float64  `json:"coverage_percent"`
	LintErrors        int      `json:"lint_errors"`
	SecurityFindings  int      `json:"security_findings"`
	CyclomaticMax     int      `json:"cyclomatic_max"`

	// RequiresDocs/DocsUpdated supplement the six spec-named checks with the
	// documentation gate original_source/scripts/run_quality_gates.py runs
	// alongside size/lint/test/security/complexity (its required_docs
	// config flag). RequiresDocs defaults false, so an artifact that never
	// sets it is unaffected by DocumentationCheck.
	RequiresDocs bool `json:"requires_docs,omitempty"`
	DocsUpdated  bool `json:"docs_updated,omitempty"`
}

// CheckResult is what a single named check reports.
type CheckResult struct {
	Name     string
	Passed   bool
	Critical bool
	Detail   string
	Metrics  map[string]interface{}
}

// Result is the gate's aggregate output for one Evaluate call.
type Result struct {
	Decision   Decision
	Confidence float64
	Score      float64
	Reason     string
	Issues     []string
	Checks     []CheckResult
}

// Check evaluates one dimension of an artifact against a Config. Independent
// reports itself when it can safely run concurrently with the other checks —
// none of the built-ins share mutable state, so all of them do.
type Check interface {
	Name() string
	Independent() bool
	Run(a Artifact, cfg Config) CheckResult
}

// Config carries the thresholds every built-in check reads. Field names
// mirror config.Config's MaxPRSize/MinCoverage so a gate can be built
// straight off the orchestrator's loaded configuration.
type Config struct {
	MaxPRSize            int
	MinCoverage          int
	CriticalCoverageFloor int // below this, a coverage miss is critical
	MaxComplexity        int
	TestFileSuffix       string // e.g. "_test.go"
}

// DefaultConfig mirrors config.Default()'s MaxPRSize/MinCoverage, with the
// critical coverage floor from spec.md §4.6 ("Critical when below 60%").
func DefaultConfig() Config {
	return Config{
		MaxPRSize:             500,
		MinCoverage:           80,
		CriticalCoverageFloor: 60,
		MaxComplexity:         15,
		TestFileSuffix:        "_test.go",
	}
}

// Gate runs the configured chain of checks and applies the spec.md §4.6
// decision rule.
type Gate struct {
	cfg    Config
	checks []Check
}

// New builds a Gate with the standard built-in check chain.
func New(cfg Config) *Gate {
	return &Gate{
		cfg: cfg,
		checks: []Check{
			sizeCheck{},
			testPresenceCheck{},
			coverageCheck{},
			lintCheck{},
			securityCheck{},
			complexityCheck{},
			documentationCheck{},
		},
	}
}

// Evaluate runs every check — independent checks concurrently, the rest in
// chain order — merges their results deterministically by check name, and
// applies the decision rule.
func (g *Gate) Evaluate(a Artifact) Result {
	results := make([]CheckResult, len(g.checks))

	var wg sync.WaitGroup
	for i, c := range g.checks {
		if !c.Independent() {
			results[i] = c.Run(a, g.cfg)
			continue
		}
		wg.Add(1)
		go func(i int, c Check) {
			defer wg.Done()
			results[i] = c.Run(a, g.cfg)
		}(i, c)
	}
	wg.Wait()

	sort.SliceStable(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	return decide(results)
}

func decide(results []CheckResult) Result {
	var issues []string
	score := 1.0
	criticalFail := false

	for _, r := range results {
		if r.Passed {
			continue
		}
		issues = append(issues, r.Detail)
		if r.Critical {
			criticalFail = true
		}
		score *= penalty(r)
	}

	res := Result{Score: score, Issues: issues, Checks: results}

	switch {
	case criticalFail:
		res.Decision = Block
		res.Confidence = 1.0
		res.Reason = "critical check failed"
	case score < 0.5:
		res.Decision = Escalate
		res.Confidence = 1.0 - score
		res.Reason = "aggregate quality score below threshold"
	default:
		res.Decision = Allow
		res.Confidence = score
		res.Reason = "all checks passed or within tolerance"
	}
	return res
}

// penalty implements spec.md §4.6's per-check penalty formula for a failed,
// non-critical check. Critical failures already short-circuit to Block in
// decide, so their penalty value is never used to compute score.
func penalty(r CheckResult) float64 {
	switch r.Name {
	case nameTestPresence:
		return 0.5
	case nameCoverage:
		coverage, _ := r.Metrics["coverage_percent"].(float64)
		minCoverage, _ := r.Metrics["min_coverage"].(float64)
		if minCoverage <= 0 {
			return 1.0
		}
		return coverage / minCoverage
	case nameLint:
		return 0.8
	case nameDocumentation:
		return 0.9
	case nameSecurity:
		n, _ := r.Metrics["findings"].(int)
		p := 1.0 - 0.1*float64(n)
		if p < 0.5 {
			p = 0.5
		}
		return p
	default:
		return 1.0
	}
}
