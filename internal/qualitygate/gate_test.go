package qualitygate

import "testing"

func TestEvaluateAllowsCleanArtifact(t *testing.T) {
	g := New(DefaultConfig())
	a := Artifact{
		LinesChanged:     120,
		ChangedFiles:     []string{"internal/tasks/queue.go"},
		TestFiles:        []string{"internal/tasks/queue_test.go"},
		CoveragePercent:  85,
		LintErrors:       0,
		SecurityFindings: 0,
		CyclomaticMax:    8,
	}

	res := g.Evaluate(a)
	if res.Decision != Allow {
		t.Fatalf("expected Allow, got %s (issues=%v)", res.Decision, res.Issues)
	}
	if res.Score != 1.0 {
		t.Fatalf("expected perfect score, got %f", res.Score)
	}
}

func TestEvaluateBlocksOversizePR(t *testing.T) {
	g := New(DefaultConfig())
	a := Artifact{
		LinesChanged: 850,
		ChangedFiles: []string{"big.go"},
		TestFiles:    []string{"big_test.go"},
	}

	res := g.Evaluate(a)
	if res.Decision != Block {
		t.Fatalf("expected Block, got %s", res.Decision)
	}

	found := false
	for _, issue := range res.Issues {
		if issue == "PR size 850 > limit 500" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected size issue in %v", res.Issues)
	}
}

func TestEvaluateMissingTestsDegradesScoreWithoutBlocking(t *testing.T) {
	g := New(DefaultConfig())
	a := Artifact{
		LinesChanged:    50,
		ChangedFiles:    []string{"internal/foo/foo.go"},
		TestFiles:       nil,
		CoveragePercent: 90,
	}

	res := g.Evaluate(a)
	if res.Decision == Block {
		t.Fatalf("missing tests alone should not block, got %s", res.Decision)
	}
	if res.Score >= 1.0 {
		t.Fatalf("expected missing-test penalty to reduce score, got %f", res.Score)
	}
}

func TestEvaluateEscalatesOnLowAggregateScore(t *testing.T) {
	g := New(DefaultConfig())
	a := Artifact{
		LinesChanged:     50,
		ChangedFiles:     []string{"internal/foo/foo.go"},
		TestFiles:        nil,
		CoveragePercent:  65, // below min (80) but above critical floor (60)
		LintErrors:       2,
		SecurityFindings: 3,
	}

	res := g.Evaluate(a)
	if res.Decision != Escalate {
		t.Fatalf("expected Escalate from compounded penalties, got %s (score=%f)", res.Decision, res.Score)
	}
}

func TestEvaluateMissingDocsDegradesScoreWithoutBlocking(t *testing.T) {
	g := New(DefaultConfig())
	a := Artifact{
		LinesChanged:     50,
		ChangedFiles:     []string{"internal/foo/foo.go"},
		TestFiles:        []string{"internal/foo/foo_test.go"},
		CoveragePercent:  90,
		RequiresDocs:     true,
		DocsUpdated:      false,
	}

	res := g.Evaluate(a)
	if res.Decision == Block {
		t.Fatalf("missing docs alone should not block, got %s", res.Decision)
	}
	if res.Score >= 1.0 {
		t.Fatalf("expected missing-docs penalty to reduce score, got %f", res.Score)
	}
}

func TestEvaluateCriticalCoverageBlocksRegardlessOfScore(t *testing.T) {
	g := New(DefaultConfig())
	a := Artifact{
		LinesChanged:    10,
		CoveragePercent: 50, // below the 60% critical floor
	}

	res := g.Evaluate(a)
	if res.Decision != Block {
		t.Fatalf("expected Block from sub-floor coverage, got %s", res.Decision)
	}
}
