package gan

import (
	"fmt"
	"strings"
)

// auditRubric is the fixed review rubric interpolated into every controller
// prompt. The judge scores each dimension 0-100.
var auditRubric = []string{
	"correctness: does the candidate do what the task asks, including edge cases",
	"safety: no destructive operations, injection vectors, or data loss paths",
	"maintainability: naming, structure, and tests a reviewer could live with",
	"performance: no accidental quadratic work or unbounded growth",
	"style: consistent with the surrounding repository",
}

// BuildPrompt composes the controller prompt sent to the judge for one
// candidate. The judge is contracted to reply with a single JSON object in
// the Review shape.
func BuildPrompt(cfg SessionConfig, candidate, contextPack string, loop int) string {
	var b strings.Builder
	b.WriteString("You are an adversarial code auditor. Review the candidate below against the task and rubric.\n\n")
	fmt.Fprintf(&b, "## Task\n\n%s\n\n", cfg.Task)
	fmt.Fprintf(&b, "## Iteration\n\nThis is audit loop %d for this session.\n\n", loop)

	b.WriteString("## Rubric\n\n")
	for _, dim := range auditRubric {
		b.WriteString("- " + dim + "\n")
	}
	b.WriteString("\n")

	if contextPack != "" {
		fmt.Fprintf(&b, "## Repository context\n\n%s\n\n", contextPack)
	}

	fmt.Fprintf(&b, "## Candidate\n\n%s\n\n", candidate)

	b.WriteString(`## Output contract

Respond with exactly one JSON object, no prose before or after:
{
  "overall": <0-100>,
  "dimensions": [{"name": "...", "score": <0-100>}],
  "verdict": "pass" | "revise" | "reject",
  "summary": "...",
  "inlineComments": [{"path": "...", "line": <n>, "comment": "..."}],
  "citations": ["repo://path:start-end"],
  "proposedDiff": "..." or null,
  "judgeCards": [{"model": "...", "score": <0-100>, "notes": "..."}]
}
`)
	return b.String()
}
