package gan

import (
	"encoding/json"
	"regexp"
	"strings"
)

// ganConfigRe matches a fenced gan-config block anywhere in the thought text.
var ganConfigRe = regexp.MustCompile("(?s)```gan-config\\s*\\n(.*?)```")

// fencedCodeRe matches any fenced code block.
var fencedCodeRe = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\\s*\\n.*?```")

// diffMarkerRe matches unified-diff headers (git or plain).
var diffMarkerRe = regexp.MustCompile(`(?m)^(diff --git |--- a/|\+\+\+ b/|@@ -\d+)`)

// ParseConfigBlock extracts a SessionConfig from the first fenced gan-config
// block in text. Malformed JSON is ignored (the caller falls back to the
// session's existing config). Unrecognized JSON fields are ignored by the
// decoder.
func ParseConfigBlock(text string) (SessionConfig, bool) {
	m := ganConfigRe.FindStringSubmatch(text)
	if m == nil {
		return SessionConfig{}, false
	}
	var cfg SessionConfig
	if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &cfg); err != nil {
		return SessionConfig{}, false
	}
	cfg.ApplyFixes = false
	return cfg, true
}

// StripConfigBlock removes the gan-config block from the thought text so the
// block itself is not audited as candidate code.
func StripConfigBlock(text string) string {
	return strings.TrimSpace(ganConfigRe.ReplaceAllString(text, ""))
}

// HasAuditableContent reports whether a thought carries something worth
// auditing: a fenced code block, a diff marker sequence, or a config that
// opts in by naming explicit paths. Prose-only thoughts skip the judge.
func HasAuditableContent(text string, cfg SessionConfig) bool {
	stripped := StripConfigBlock(text)
	if fencedCodeRe.MatchString(stripped) {
		return true
	}
	if diffMarkerRe.MatchString(stripped) {
		return true
	}
	return cfg.Scope == ScopePaths && len(cfg.Paths) > 0
}
