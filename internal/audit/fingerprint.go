// Package audit provides the memoization and scheduling layer between the
// engine and the judge: a fingerprint-keyed review cache and a queue that
// serializes audits per session under a global concurrency bound.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/joestump/gan-auditor/internal/gan"
)

// Fingerprint computes the stable cache key over (code, config, context).
// Code is normalized by stripping trailing whitespace per line; free-form
// descriptive config fields (task) are excluded so rewording the task does
// not bust the cache.
func Fingerprint(code string, cfg gan.SessionConfig, contextPack string) string {
	h := sha256.New()
	h.Write([]byte(normalizeCode(code)))
	h.Write([]byte{0})
	h.Write(relevantConfig(cfg))
	h.Write([]byte{0})
	h.Write([]byte(contextPack))
	return hex.EncodeToString(h.Sum(nil))
}

func normalizeCode(code string) string {
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

// relevantConfig serializes the config fields that affect the review
// outcome. Marshal of a fixed struct is deterministic, so the bytes are a
// stable key component.
func relevantConfig(cfg gan.SessionConfig) []byte {
	key := struct {
		Scope      gan.Scope `json:"scope"`
		Paths      []string  `json:"paths"`
		Threshold  int       `json:"threshold"`
		Candidates int       `json:"candidates"`
		Judges     []string  `json:"judges"`
	}{cfg.Scope, cfg.Paths, cfg.Threshold, cfg.Candidates, cfg.Judges}
	data, _ := json.Marshal(key)
	return data
}
