package gan

import (
	"strings"
	"testing"
)

func TestParseConfigBlock(t *testing.T) {
	text := "Here is my plan.\n```gan-config\n{\"task\": \"review auth\", \"threshold\": 90, \"scope\": \"paths\", \"paths\": [\"auth.go\"]}\n```\nAnd the code follows."

	cfg, ok := ParseConfigBlock(text)
	if !ok {
		t.Fatal("config block not found")
	}
	if cfg.Task != "review auth" || cfg.Threshold != 90 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Scope != ScopePaths || len(cfg.Paths) != 1 {
		t.Errorf("scope/paths not parsed: %+v", cfg)
	}
}

func TestParseConfigBlockMalformedJSON(t *testing.T) {
	text := "```gan-config\n{not json}\n```"
	if _, ok := ParseConfigBlock(text); ok {
		t.Error("malformed JSON should be ignored")
	}
}

func TestParseConfigBlockApplyFixesForcedOff(t *testing.T) {
	text := "```gan-config\n{\"applyFixes\": true}\n```"
	cfg, ok := ParseConfigBlock(text)
	if !ok {
		t.Fatal("config block not found")
	}
	if cfg.ApplyFixes {
		t.Error("applyFixes must never survive parsing")
	}
}

func TestStripConfigBlock(t *testing.T) {
	text := "before\n```gan-config\n{\"threshold\": 90}\n```\nafter"
	got := StripConfigBlock(text)
	if strings.Contains(got, "gan-config") || strings.Contains(got, "threshold") {
		t.Errorf("config block not stripped: %q", got)
	}
	if !strings.Contains(got, "before") || !strings.Contains(got, "after") {
		t.Errorf("surrounding text lost: %q", got)
	}
}

func TestHasAuditableContent(t *testing.T) {
	cfg := DefaultSessionConfig()

	if HasAuditableContent("just prose about the design", cfg) {
		t.Error("prose flagged as auditable")
	}
	if !HasAuditableContent("fix:\n```go\nfunc f() {}\n```", cfg) {
		t.Error("fenced code not flagged")
	}
	if !HasAuditableContent("patch:\ndiff --git a/x b/x\n--- a/x\n+++ b/x\n@@ -1 +1 @@", cfg) {
		t.Error("diff markers not flagged")
	}

	// A gan-config block alone is not auditable content.
	if HasAuditableContent("```gan-config\n{\"threshold\": 90}\n```", cfg) {
		t.Error("config-only thought flagged as auditable")
	}

	pathsCfg := cfg
	pathsCfg.Scope = ScopePaths
	pathsCfg.Paths = []string{"main.go"}
	if !HasAuditableContent("audit the listed files please", pathsCfg) {
		t.Error("paths scope with explicit paths should opt in")
	}
}

func TestSessionConfigMerge(t *testing.T) {
	base := DefaultSessionConfig()
	merged := base.Merge(SessionConfig{Threshold: 92, Judges: []string{"external"}})

	if merged.Threshold != 92 {
		t.Errorf("Threshold = %d, want 92", merged.Threshold)
	}
	if merged.Task != base.Task {
		t.Errorf("Task overwritten: %q", merged.Task)
	}
	if len(merged.Judges) != 1 || merged.Judges[0] != "external" {
		t.Errorf("Judges = %v", merged.Judges)
	}
}
