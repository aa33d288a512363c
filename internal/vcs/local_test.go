package vcs

import "testing"

func TestBranchNameSanitization(t *testing.T) {
	tests := []struct {
		taskID   string
		title    string
		expected string
	}{
		{"T-001", "Fix auth bug", "task/T-001-fix-auth-bug"},
		{"T-002", "Add rate limiting!", "task/T-002-add-rate-limiting"},
		{"T-003", "This is a very long title that should be truncated", "task/T-003-this-is-a-very-long-title-that"},
	}

	for _, tt := range tests {
		got := BranchName(tt.taskID, tt.title)
		if got != tt.expected {
			t.Errorf("BranchName(%q, %q) = %q, want %q", tt.taskID, tt.title, got, tt.expected)
		}
	}
}

func TestRegisterPRRejectsUnsafeRefs(t *testing.T) {
	gw := NewLocalGateway(t.TempDir())

	if err := gw.RegisterPR("pr-1", "title", "task/ok-branch", "main"); err != nil {
		t.Fatalf("expected a plain branch name to be accepted, got %v", err)
	}

	unsafe := []string{"main; rm -rf /", "$(whoami)", "../../etc/passwd", "`id`", "feature|evil"}
	for _, ref := range unsafe {
		if err := gw.RegisterPR("pr-2", "title", ref, "main"); err == nil {
			t.Errorf("expected RegisterPR to reject unsafe head ref %q", ref)
		}
	}
}

func TestDeleteBranchRejectsUnsafeRefs(t *testing.T) {
	gw := NewLocalGateway(t.TempDir())
	if err := gw.DeleteBranch("$(whoami)"); err == nil {
		t.Error("expected DeleteBranch to reject an unsafe ref")
	}
}

func TestParseShortstat(t *testing.T) {
	tests := []struct {
		line string
		want DiffStats
	}{
		{"3 files changed, 42 insertions(+), 7 deletions(-)", DiffStats{FilesChanged: 3, LinesAdded: 42, LinesRemoved: 7}},
		{"1 file changed, 1 insertion(+)", DiffStats{FilesChanged: 1, LinesAdded: 1}},
		{"", DiffStats{}},
	}

	for _, tt := range tests {
		got := parseShortstat(tt.line)
		if got != tt.want {
			t.Errorf("parseShortstat(%q) = %+v, want %+v", tt.line, got, tt.want)
		}
	}
}
