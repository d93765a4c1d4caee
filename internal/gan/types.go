// Package gan defines the value records shared by the audit pipeline: the
// incoming thought, the per-session configuration, the judge's review, and
// the iteration history entries built from them.
package gan

import "time"

// Verdict is the judge's overall call on a candidate.
type Verdict string

const (
	VerdictPass   Verdict = "pass"
	VerdictRevise Verdict = "revise"
	VerdictReject Verdict = "reject"
)

// Scope selects which part of the repository the context pack covers.
type Scope string

const (
	ScopeDiff      Scope = "diff"
	ScopePaths     Scope = "paths"
	ScopeWorkspace Scope = "workspace"
)

// Thought is one validated tool-call payload. The transport layer binds the
// raw request into this record before it reaches the engine.
type Thought struct {
	Text             string `json:"thought"`
	Number           int    `json:"thoughtNumber"`
	TotalEstimate    int    `json:"totalThoughts"`
	NeedsMore        bool   `json:"nextThoughtNeeded"`
	IsRevision       bool   `json:"isRevision,omitempty"`
	RevisesNumber    int    `json:"revisesThought,omitempty"`
	BranchFromNumber int    `json:"branchFromThought,omitempty"`
	BranchID         string `json:"branchId,omitempty"`
	LoopID           string `json:"loopId,omitempty"`
	NeedsMoreHint    bool   `json:"needsMoreThoughts,omitempty"`
}

// SessionConfig is the per-session audit configuration. It can be supplied
// inline in any thought via a fenced gan-config block; re-supplied fields
// merge over the existing config.
type SessionConfig struct {
	Task       string   `json:"task,omitempty"`
	Scope      Scope    `json:"scope,omitempty"`
	Paths      []string `json:"paths,omitempty"`
	Threshold  int      `json:"threshold,omitempty"`
	MaxCycles  int      `json:"maxCycles,omitempty"`
	Candidates int      `json:"candidates,omitempty"`
	Judges     []string `json:"judges,omitempty"`
	ApplyFixes bool     `json:"applyFixes,omitempty"`
}

// DefaultSessionConfig returns the configuration used when a session has no
// inline gan-config block.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Task:       "Audit and improve the provided candidate",
		Scope:      ScopeDiff,
		Threshold:  85,
		MaxCycles:  1,
		Candidates: 1,
		Judges:     []string{"internal"},
	}
}

// Merge overlays the non-zero fields of other onto c and returns the result.
func (c SessionConfig) Merge(other SessionConfig) SessionConfig {
	out := c
	if other.Task != "" {
		out.Task = other.Task
	}
	if other.Scope != "" {
		out.Scope = other.Scope
	}
	if other.Paths != nil {
		out.Paths = other.Paths
	}
	if other.Threshold != 0 {
		out.Threshold = other.Threshold
	}
	if other.MaxCycles != 0 {
		out.MaxCycles = other.MaxCycles
	}
	if other.Candidates != 0 {
		out.Candidates = other.Candidates
	}
	if other.Judges != nil {
		out.Judges = other.Judges
	}
	// ApplyFixes is always false in this server; the engine never writes
	// source files regardless of what the block asks for.
	return out
}

// Dimension is one scored axis of a review (e.g. correctness, clarity).
type Dimension struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// InlineComment is a judge remark anchored to a file location.
type InlineComment struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Comment string `json:"comment"`
}

// JudgeCard summarizes one judge model's contribution to the review.
type JudgeCard struct {
	Model string `json:"model"`
	Score int    `json:"score"`
	Notes string `json:"notes,omitempty"`
}

// Review is the judge's structured verdict on one candidate.
type Review struct {
	Overall        int             `json:"overall"`
	Dimensions     []Dimension     `json:"dimensions"`
	Verdict        Verdict         `json:"verdict"`
	Summary        string          `json:"summary"`
	InlineComments []InlineComment `json:"inlineComments"`
	Citations      []string        `json:"citations"`
	ProposedDiff   *string         `json:"proposedDiff"`
	Iterations     int             `json:"iterations"`
	JudgeCards     []JudgeCard     `json:"judgeCards"`
}

// Normalize clamps and defaults review fields in place so downstream code
// never sees out-of-range scores, unknown verdicts, or nil lists.
func (r *Review) Normalize() {
	if r.Overall < 0 {
		r.Overall = 0
	}
	if r.Overall > 100 {
		r.Overall = 100
	}
	switch r.Verdict {
	case VerdictPass, VerdictRevise, VerdictReject:
	default:
		r.Verdict = VerdictRevise
	}
	if r.Dimensions == nil {
		r.Dimensions = []Dimension{}
	}
	for i := range r.Dimensions {
		if r.Dimensions[i].Score < 0 {
			r.Dimensions[i].Score = 0
		}
		if r.Dimensions[i].Score > 100 {
			r.Dimensions[i].Score = 100
		}
	}
	if r.InlineComments == nil {
		r.InlineComments = []InlineComment{}
	}
	if r.Citations == nil {
		r.Citations = []string{}
	}
	if r.JudgeCards == nil {
		r.JudgeCards = []JudgeCard{}
	}
}

// Clone returns a deep copy of the review. Cache hits hand out clones so a
// caller mutating its response cannot corrupt the cached entry.
func (r Review) Clone() Review {
	out := r
	out.Dimensions = append([]Dimension(nil), r.Dimensions...)
	out.InlineComments = append([]InlineComment(nil), r.InlineComments...)
	out.Citations = append([]string(nil), r.Citations...)
	out.JudgeCards = append([]JudgeCard(nil), r.JudgeCards...)
	if r.ProposedDiff != nil {
		diff := *r.ProposedDiff
		out.ProposedDiff = &diff
	}
	return out
}

// FallbackReview builds the minimal review used when the judge is
// unavailable or its output cannot be used. The verdict is always revise so
// the caller keeps iterating instead of silently passing.
func FallbackReview(note string) Review {
	r := Review{
		Overall: 50,
		Verdict: VerdictRevise,
		Summary: note,
	}
	r.Normalize()
	return r
}

// Iteration is one (candidate, review) pair inside a session.
type Iteration struct {
	ThoughtNumber int       `json:"thoughtNumber"`
	Code          string    `json:"code"`
	Review        Review    `json:"review"`
	Timestamp     time.Time `json:"timestamp"`
}
