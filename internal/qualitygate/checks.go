package qualitygate

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	nameSize         = "SizeCheck"
	nameTestPresence = "TestPresenceCheck"
	nameCoverage     = "CoverageCheck"
	nameLint         = "LintCheck"
	nameSecurity     = "SecurityCheck"
	nameComplexity   = "ComplexityCheck"
	nameDocumentation = "DocumentationCheck"
)

// sizeCheck enforces spec.md §4.6's max_pr_size bound. A violation is always
// critical — an oversize PR blocks outright, it never merely degrades score.
type sizeCheck struct{}

func (sizeCheck) Name() string      { return nameSize }
func (sizeCheck) Independent() bool { return true }

func (sizeCheck) Run(a Artifact, cfg Config) CheckResult {
	limit := cfg.MaxPRSize
	if limit <= 0 {
		limit = DefaultConfig().MaxPRSize
	}
	passed := a.LinesChanged <= limit
	detail := ""
	if !passed {
		detail = fmt.Sprintf("PR size %d > limit %d", a.LinesChanged, limit)
	}
	return CheckResult{
		Name: nameSize, Passed: passed, Critical: !passed, Detail: detail,
		Metrics: map[string]interface{}{"lines_changed": a.LinesChanged, "limit": limit},
	}
}

// testPresenceCheck requires a corresponding test file for every changed
// source file, matched by the configured naming convention.
type testPresenceCheck struct{}

func (testPresenceCheck) Name() string      { return nameTestPresence }
func (testPresenceCheck) Independent() bool { return true }

func (testPresenceCheck) Run(a Artifact, cfg Config) CheckResult {
	suffix := cfg.TestFileSuffix
	if suffix == "" {
		suffix = DefaultConfig().TestFileSuffix
	}

	have := make(map[string]bool, len(a.TestFiles))
	for _, f := range a.TestFiles {
		have[f] = true
	}

	var missing []string
	for _, f := range a.ChangedFiles {
		if strings.HasSuffix(f, suffix) {
			continue // a test file changing doesn't itself need a test
		}
		ext := filepath.Ext(f)
		expected := strings.TrimSuffix(f, ext) + suffix
		if !have[expected] {
			missing = append(missing, f)
		}
	}

	passed := len(missing) == 0
	detail := ""
	if !passed {
		detail = fmt.Sprintf("missing tests for: %s", strings.Join(missing, ", "))
	}
	return CheckResult{
		Name: nameTestPresence, Passed: passed, Critical: false, Detail: detail,
		Metrics: map[string]interface{}{"missing": missing},
	}
}

// coverageCheck enforces min_coverage, critical when coverage falls below
// CriticalCoverageFloor (spec.md §4.6: "Critical when below 60%").
type coverageCheck struct{}

func (coverageCheck) Name() string      { return nameCoverage }
func (coverageCheck) Independent() bool { return true }

func (coverageCheck) Run(a Artifact, cfg Config) CheckResult {
	min := float64(cfg.MinCoverage)
	if min <= 0 {
		min = float64(DefaultConfig().MinCoverage)
	}
	floor := float64(cfg.CriticalCoverageFloor)
	if floor <= 0 {
		floor = float64(DefaultConfig().CriticalCoverageFloor)
	}

	passed := a.CoveragePercent >= min
	critical := a.CoveragePercent < floor
	detail := ""
	if !passed {
		detail = fmt.Sprintf("coverage %.1f%% < required %.1f%%", a.CoveragePercent, min)
	}
	return CheckResult{
		Name: nameCoverage, Passed: passed, Critical: critical, Detail: detail,
		Metrics: map[string]interface{}{"coverage_percent": a.CoveragePercent, "min_coverage": min},
	}
}

// lintCheck requires zero lint errors; warnings (not modeled here) are
// allowed per spec.md §4.6.
type lintCheck struct{}

func (lintCheck) Name() string      { return nameLint }
func (lintCheck) Independent() bool { return true }

func (lintCheck) Run(a Artifact, cfg Config) CheckResult {
	passed := a.LintErrors == 0
	detail := ""
	if !passed {
		detail = fmt.Sprintf("%d lint errors", a.LintErrors)
	}
	return CheckResult{
		Name: nameLint, Passed: passed, Critical: false, Detail: detail,
		Metrics: map[string]interface{}{"errors": a.LintErrors},
	}
}

// securityCheck requires zero high-severity findings. A failure degrades the
// aggregate score via the n_security_findings penalty rather than blocking
// outright — only SizeCheck and a sub-floor CoverageCheck are critical.
type securityCheck struct{}

func (securityCheck) Name() string      { return nameSecurity }
func (securityCheck) Independent() bool { return true }

func (securityCheck) Run(a Artifact, cfg Config) CheckResult {
	passed := a.SecurityFindings == 0
	detail := ""
	if !passed {
		detail = fmt.Sprintf("%d high-severity security findings", a.SecurityFindings)
	}
	return CheckResult{
		Name: nameSecurity, Passed: passed, Critical: false, Detail: detail,
		Metrics: map[string]interface{}{"findings": a.SecurityFindings},
	}
}

// complexityCheck enforces a configured cyclomatic complexity bound.
type complexityCheck struct{}

func (complexityCheck) Name() string      { return nameComplexity }
func (complexityCheck) Independent() bool { return true }

func (complexityCheck) Run(a Artifact, cfg Config) CheckResult {
	limit := cfg.MaxComplexity
	if limit <= 0 {
		limit = DefaultConfig().MaxComplexity
	}
	passed := a.CyclomaticMax <= limit
	detail := ""
	if !passed {
		detail = fmt.Sprintf("max cyclomatic complexity %d > bound %d", a.CyclomaticMax, limit)
	}
	return CheckResult{
		Name: nameComplexity, Passed: passed, Critical: false, Detail: detail,
		Metrics: map[string]interface{}{"max_complexity": a.CyclomaticMax, "limit": limit},
	}
}

// documentationCheck supplements the spec-named six with the docs gate
// original_source/scripts/run_quality_gates.py runs under its
// required_docs flag. An artifact that never marks itself as
// doc-requiring (RequiresDocs false, the zero value) always passes.
type documentationCheck struct{}

func (documentationCheck) Name() string      { return nameDocumentation }
func (documentationCheck) Independent() bool { return true }

func (documentationCheck) Run(a Artifact, cfg Config) CheckResult {
	passed := !a.RequiresDocs || a.DocsUpdated
	detail := ""
	if !passed {
		detail = "artifact touches documented behavior but reports no doc update"
	}
	return CheckResult{
		Name: nameDocumentation, Passed: passed, Critical: false, Detail: detail,
		Metrics: map[string]interface{}{"requires_docs": a.RequiresDocs, "docs_updated": a.DocsUpdated},
	}
}
