package gan

import (
	"fmt"
	"strings"
)

// Completion reasons surfaced in completionStatus.reason.
const (
	ReasonScore95At10        = "score_95_at_10"
	ReasonScore90At15        = "score_90_at_15"
	ReasonScore85At20        = "score_85_at_20"
	ReasonMaxLoopsReached    = "max_loops_reached"
	ReasonStagnationDetected = "stagnation_detected"
	ReasonThresholdPass      = "threshold_pass"
	ReasonInProgress         = "in_progress"
)

// Tier is one early-completion threshold: complete when the latest score is
// at least Score and the loop count is at most MaxLoops.
type Tier struct {
	Score    int
	MaxLoops int
}

// EvalConfig holds the evaluator knobs. Zero values fall back to defaults
// via Defaults.
type EvalConfig struct {
	Tiers               []Tier
	HardStopLoops       int
	StagnationStartLoop int
	SimilarityThreshold float64
}

// Defaults fills unset evaluator knobs with the standard curve.
func (c EvalConfig) Defaults() EvalConfig {
	out := c
	if len(out.Tiers) == 0 {
		out.Tiers = []Tier{
			{Score: 95, MaxLoops: 10},
			{Score: 90, MaxLoops: 15},
			{Score: 85, MaxLoops: 20},
		}
	}
	if out.HardStopLoops == 0 {
		out.HardStopLoops = 25
	}
	if out.StagnationStartLoop == 0 {
		out.StagnationStartLoop = 10
	}
	if out.SimilarityThreshold == 0 {
		out.SimilarityThreshold = 0.95
	}
	return out
}

// tierReason maps a tier to its canonical completion reason. Non-default
// tier curves get a generated reason of the same shape.
func tierReason(t Tier) string {
	switch {
	case t.Score == 95 && t.MaxLoops == 10:
		return ReasonScore95At10
	case t.Score == 90 && t.MaxLoops == 15:
		return ReasonScore90At15
	case t.Score == 85 && t.MaxLoops == 20:
		return ReasonScore85At20
	}
	return fmt.Sprintf("score_%d_at_%d", t.Score, t.MaxLoops)
}

// Decision is the evaluator's answer: whether the session is done, why, and
// what to tell the caller.
type Decision struct {
	Complete           bool
	Reason             string
	NeedsMore          bool
	FailureRate        float64
	CriticalIssues     []string
	Recommendation     string
	StagnationDetected bool
}

// Evaluate applies the tiered completion curve, the hard stop, and the
// stagnation detector to a session's recorded iterations. It is a pure
// function: same inputs, same decision.
//
// loops is the count of completed iterations at the moment of evaluation.
// codes carries the submitted candidate text of the most recent iterations
// (at least the last three when available), oldest first.
func Evaluate(loops int, latest Review, codes []string, threshold int, cfg EvalConfig) Decision {
	cfg = cfg.Defaults()
	if threshold <= 0 {
		threshold = 85
	}
	score := latest.Overall

	// Hard stop first: beyond the ceiling nothing else matters.
	if loops >= cfg.HardStopLoops {
		return Decision{
			Complete:       true,
			Reason:         ReasonMaxLoopsReached,
			FailureRate:    1 - float64(score)/100,
			CriticalIssues: criticalIssues(latest),
			Recommendation: "maximum loops reached; escalate to a human reviewer",
		}
	}

	// Tiered completion, strictest tier first.
	for _, t := range cfg.Tiers {
		if score >= t.Score && loops <= t.MaxLoops {
			return Decision{Complete: true, Reason: tierReason(t)}
		}
	}

	// Stagnation only after the warm-up window.
	if loops >= cfg.StagnationStartLoop {
		if stagnant(codes, cfg.SimilarityThreshold) {
			return Decision{
				Complete:           true,
				Reason:             ReasonStagnationDetected,
				StagnationDetected: true,
				Recommendation:     "alternative approach",
			}
		}
	}

	if latest.Verdict == VerdictPass && score >= threshold {
		return Decision{Complete: true, Reason: ReasonThresholdPass}
	}
	return Decision{Reason: ReasonInProgress, NeedsMore: true}
}

// stagnant reports whether the last three candidates are near-identical:
// average pairwise similarity at or above threshold AND at least half the
// pairs (rounded up) individually above 0.90.
func stagnant(codes []string, threshold float64) bool {
	if len(codes) > 3 {
		codes = codes[len(codes)-3:]
	}
	if len(codes) < 3 {
		return false
	}
	var sims []float64
	for i := 0; i < len(codes); i++ {
		for j := i + 1; j < len(codes); j++ {
			sims = append(sims, Similarity(codes[i], codes[j]))
		}
	}
	var sum float64
	high := 0
	for _, s := range sims {
		sum += s
		if s > 0.90 {
			high++
		}
	}
	avg := sum / float64(len(sims))
	need := (len(sims) + 1) / 2
	return avg >= threshold && high >= need
}

// similarityPrefixCap bounds the Levenshtein DP. Comparing only the first
// 4 KiB of each candidate keeps the cost quadratic in a constant, and
// applies identically to both operands so sim(a,a) stays 1.
const similarityPrefixCap = 4096

// Similarity returns 1 - levenshtein(a,b)/max(|a|,|b|) over byte prefixes of
// up to similarityPrefixCap. Identical strings score 1; a non-empty string
// against an empty one scores 0.
func Similarity(a, b string) float64 {
	if len(a) > similarityPrefixCap {
		a = a[:similarityPrefixCap]
	}
	if len(b) > similarityPrefixCap {
		b = b[:similarityPrefixCap]
	}
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(a, b))/float64(longest)
}

// levenshtein computes byte-level edit distance with a two-row DP.
func levenshtein(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			m := prev[j] + 1 // deletion
			if v := cur[j-1] + 1; v < m { // insertion
				m = v
			}
			if v := prev[j-1] + cost; v < m { // substitution
				m = v
			}
			cur[j] = m
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// criticalIssues extracts inline comments classified as critical for the
// termination summary.
func criticalIssues(r Review) []string {
	var out []string
	for _, c := range r.InlineComments {
		lower := strings.ToLower(c.Comment)
		if strings.Contains(lower, "critical") || strings.Contains(lower, "security") ||
			strings.Contains(lower, "data loss") || strings.Contains(lower, "crash") {
			out = append(out, fmt.Sprintf("%s:%d %s", c.Path, c.Line, c.Comment))
		}
	}
	return out
}

// ProgressTrend classifies the recent score trajectory for loopInfo.
// scores are ordered oldest first.
func ProgressTrend(scores []int) string {
	if len(scores) < 2 {
		return "improving"
	}
	last := scores[len(scores)-1]
	prev := scores[len(scores)-2]
	switch {
	case last > prev:
		return "improving"
	case last < prev:
		return "declining"
	default:
		return "stagnant"
	}
}
