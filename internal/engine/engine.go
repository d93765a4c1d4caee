// Package engine is the synchronous iterative-improvement orchestrator: it
// resolves the session for each incoming thought, runs the audit pipeline
// (cache, queue, judge), records the iteration, applies the completion
// machine, and composes the structured response.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/user"
	"strings"
	"sync"
	"time"

	"github.com/joestump/gan-auditor/internal/audit"
	"github.com/joestump/gan-auditor/internal/config"
	"github.com/joestump/gan-auditor/internal/db"
	"github.com/joestump/gan-auditor/internal/gan"
	"github.com/joestump/gan-auditor/internal/judge"
	"github.com/joestump/gan-auditor/internal/session"
)

// CompletionStatus mirrors the completionStatus response block.
type CompletionStatus struct {
	IsComplete  bool   `json:"isComplete"`
	Reason      string `json:"reason"`
	CurrentLoop int    `json:"currentLoop"`
	Score       int    `json:"score"`
	Threshold   int    `json:"threshold"`
}

// LoopInfo mirrors the loopInfo response block.
type LoopInfo struct {
	CurrentLoop        int    `json:"currentLoop"`
	MaxLoops           int    `json:"maxLoops"`
	ProgressTrend      string `json:"progressTrend"`
	StagnationDetected bool   `json:"stagnationDetected"`
}

// TerminationInfo mirrors the terminationInfo response block, present only
// on terminal outcomes.
type TerminationInfo struct {
	Reason          string   `json:"reason"`
	FailureRate     float64  `json:"failureRate"`
	CriticalIssues  []string `json:"criticalIssues"`
	FinalAssessment string   `json:"finalAssessment"`
}

// AuditBlock is the embedded review block returned when an audit occurred.
type AuditBlock struct {
	gan.Review
	CompletionStatus CompletionStatus `json:"completionStatus"`
	LoopInfo         LoopInfo         `json:"loopInfo"`
	TerminationInfo  *TerminationInfo `json:"terminationInfo,omitempty"`
}

// Response is the full tool response record.
type Response struct {
	ThoughtNumber        int         `json:"thoughtNumber"`
	TotalThoughts        int         `json:"totalThoughts"`
	NextThoughtNeeded    bool        `json:"nextThoughtNeeded"`
	Branches             []string    `json:"branches"`
	ThoughtHistoryLength int         `json:"thoughtHistoryLength"`
	SessionID            string      `json:"sessionId"`
	Audit                *AuditBlock `json:"gan,omitempty"`
	Warning              string      `json:"warning,omitempty"`
}

// Assessor produces the finalAssessment text for a terminal session from a
// plain-text summary of its outcome. Optional; nil keeps the deterministic
// summary.
type Assessor func(ctx context.Context, outcome string) (string, error)

// Trail is the optional audit-trail index. Writes are best-effort.
type Trail interface {
	UpsertSession(row *db.SessionRow) error
	InsertEvent(ev *db.EventRow) (int64, error)
}

// ProgressSink receives serialized progress events for the dashboard.
type ProgressSink interface {
	Publish(sessionID, line string)
	Close(sessionID string)
}

// Engine wires the audit components together.
type Engine struct {
	cfg     config.Config
	store   *session.Store
	history *session.History
	cache   *audit.Cache
	queue   *audit.Queue
	runner  judge.Runner
	ctxmgr  *judge.ContextManager
	trail   Trail        // may be nil
	sink    ProgressSink // may be nil
	assess  Assessor     // may be nil

	evalCfg gan.EvalConfig

	mu        sync.Mutex
	defaultID string
}

// Options carries the optional collaborators.
type Options struct {
	Trail    Trail
	Sink     ProgressSink
	Assessor Assessor
}

// New builds an engine from the configured components.
func New(cfg config.Config, store *session.Store, history *session.History, cache *audit.Cache, queue *audit.Queue, runner judge.Runner, ctxmgr *judge.ContextManager, opts Options) *Engine {
	evalCfg := gan.EvalConfig{
		HardStopLoops:       cfg.HardStopLoops,
		StagnationStartLoop: cfg.StagnationStartLoop,
		SimilarityThreshold: cfg.StagnationSimilarityThreshold,
	}
	if tiers, err := config.ParseTiers(cfg.CompletionTiers); err != nil {
		log.Printf("ignoring malformed completion_tiers %q: %v", cfg.CompletionTiers, err)
	} else {
		for _, t := range tiers {
			evalCfg.Tiers = append(evalCfg.Tiers, gan.Tier{Score: t.Score, MaxLoops: t.MaxLoops})
		}
	}

	e := &Engine{
		cfg:     cfg,
		store:   store,
		history: history,
		cache:   cache,
		queue:   queue,
		runner:  runner,
		ctxmgr:  ctxmgr,
		trail:   opts.Trail,
		sink:    opts.Sink,
		assess:  opts.Assessor,
		evalCfg: evalCfg,
	}
	// Sessions evicted under memory pressure give up their judge contexts;
	// the next thought restarts one.
	history.SetEvictionNotify(func(id, loopID string) {
		if loopID == "" {
			return
		}
		e.ctxmgr.Terminate(context.Background(), loopID, judge.TerminateManual)
	})
	return e
}

// ContextManager exposes the judge context manager for shutdown and sweeps.
func (e *Engine) ContextManager() *judge.ContextManager { return e.ctxmgr }

// History exposes the iteration history for monitoring endpoints.
func (e *Engine) History() *session.History { return e.history }

// Store exposes the session store for the dashboard.
func (e *Engine) Store() *session.Store { return e.store }

// ValidateThought enforces the boundary constraints on a request record.
// Violations here are the only hard transport-level failures the engine
// produces.
func ValidateThought(t gan.Thought) error {
	if strings.TrimSpace(t.Text) == "" {
		return errors.New("thought must not be empty")
	}
	if t.Number < 1 {
		return fmt.Errorf("thoughtNumber must be >= 1, got %d", t.Number)
	}
	if t.TotalEstimate < 1 {
		return fmt.Errorf("totalThoughts must be >= 1, got %d", t.TotalEstimate)
	}
	if t.IsRevision && t.RevisesNumber < 1 {
		return errors.New("revisesThought must be >= 1 when isRevision is set")
	}
	if t.BranchID != "" && !session.ValidID(t.BranchID) {
		return fmt.Errorf("branchId %q is not a valid session key", t.BranchID)
	}
	return nil
}

// HandleThought processes one tool call end to end.
func (e *Engine) HandleThought(ctx context.Context, t gan.Thought) (*Response, error) {
	if err := ValidateThought(t); err != nil {
		return nil, err
	}

	// The server adjusts the estimate upward rather than rejecting a thought
	// numbered past it.
	total := t.TotalEstimate
	if t.Number > total {
		total = t.Number
	}

	state, warning, err := e.resolveSession(t)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		ThoughtNumber:     t.Number,
		TotalThoughts:     total,
		NextThoughtNeeded: t.NeedsMore,
		SessionID:         state.ID,
		Warning:           warning,
	}

	// Terminal idempotence: a completed session answers with its last
	// review and never appends another iteration.
	if state.IsComplete {
		e.fillTerminalEcho(resp, state)
		resp.Branches = e.knownBranches()
		return resp, nil
	}

	// Inline config merges over the session's existing config on any call.
	if inline, ok := gan.ParseConfigBlock(t.Text); ok {
		state.Config = state.Config.Merge(inline)
	}

	candidate := gan.StripConfigBlock(t.Text)
	audited := e.cfg.EnableAudit && gan.HasAuditableContent(t.Text, state.Config)

	if !audited {
		// Prose-only thought: track the call but skip the judge entirely.
		if err := e.history.Save(state); err != nil {
			return nil, fmt.Errorf("save session %s: %w", state.ID, err)
		}
		resp.Branches = e.knownBranches()
		resp.ThoughtHistoryLength = historyLength(state)
		return resp, nil
	}

	auditStart := time.Now()
	review, cacheHit, auditErr := e.obtainReview(ctx, state, candidate)
	auditDuration := time.Since(auditStart)
	if auditErr != nil {
		// Component failures become structured fallback reviews, never raw
		// transport errors; the session keeps iterating.
		review = e.fallbackFor(state, t.Number, auditErr)
	}

	iteration := gan.Iteration{
		ThoughtNumber: t.Number,
		Code:          candidate,
		Review:        review,
		Timestamp:     time.Now().UTC(),
	}
	if err := e.history.Append(state, iteration); err != nil {
		return nil, fmt.Errorf("persist iteration for session %s: %w", state.ID, err)
	}

	decision := gan.Evaluate(state.CurrentLoop, review, state.RecentCodes(3), state.Config.Threshold, e.evalCfg)

	block := e.composeAudit(ctx, state, review, decision)
	resp.Audit = block
	resp.NextThoughtNeeded = decision.NeedsMore
	resp.ThoughtHistoryLength = historyLength(state)

	if decision.Complete {
		e.finalizeSession(ctx, state, decision)
	} else if err := e.history.Save(state); err != nil {
		log.Printf("save session %s: %v", state.ID, err)
	}

	e.recordTrail(state, t.Number, review, cacheHit, auditDuration, auditErr)
	resp.Branches = e.knownBranches()
	return resp, nil
}

// resolveSession loads or creates the session for the thought.
func (e *Engine) resolveSession(t gan.Thought) (*session.State, string, error) {
	id := t.BranchID
	if id == "" {
		id = e.defaultSessionID()
	}

	state, report, err := e.history.Get(id)
	if errors.Is(err, session.ErrNotFound) {
		state = session.NewState(id)
		state.LoopID = t.LoopID
		e.history.Put(state)
		if saveErr := e.store.Save(state); saveErr != nil {
			return nil, "", fmt.Errorf("create session %s: %w", id, saveErr)
		}
		return state, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("load session %s: %w", id, err)
	}
	if t.LoopID != "" {
		state.LoopID = t.LoopID
	}
	return state, report.Warning(), nil
}

// defaultSessionID derives a stable per-process default session for callers
// that never supply a branchId.
func (e *Engine) defaultSessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.defaultID != "" {
		return e.defaultID
	}
	cwd, _ := os.Getwd()
	name := "unknown"
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	e.defaultID = e.store.GenerateID(cwd, name)
	return e.defaultID
}

// obtainReview runs the cache-probe / context / queue / judge pipeline for
// one candidate. Cache hits skip the queue entirely.
func (e *Engine) obtainReview(ctx context.Context, state *session.State, candidate string) (gan.Review, bool, error) {
	contextPack := gan.BuildContextPack(state.Config, e.workDir())
	fp := audit.Fingerprint(candidate, state.Config, contextPack)

	if cached, ok := e.cache.Lookup(fp); ok {
		return cached, true, nil
	}

	// A caller disconnect is not a cancellation: the audit runs to
	// completion under its own timeout so the result is persisted for the
	// next reconnect.
	ctx = context.WithoutCancel(ctx)

	// Bind the judge context before dispatch so the audit runs inside it.
	if state.LoopID != "" {
		if contextID, err := e.ctxmgr.Start(ctx, state.LoopID); err != nil {
			state.RecordFailure(state.CurrentLoop+1, "contextStartFailed", err.Error(), "judge context")
			log.Printf("judge context start for loop %s: %v", state.LoopID, err)
		} else {
			state.JudgeContextID = contextID
			state.JudgeContextActive = true
		}
	}

	prompt := gan.BuildPrompt(state.Config, candidate, contextPack, state.CurrentLoop+1)
	review, err := e.queue.Do(ctx, state.ID, e.cfg.AuditTimeout, func(runCtx context.Context) (gan.Review, error) {
		return e.runner.Run(runCtx, prompt, e.cfg.AuditTimeout)
	}, e.progressFunc(state.ID))
	if err != nil {
		return gan.Review{}, false, err
	}

	e.cache.Store(fp, review)
	return review, false, nil
}

func (e *Engine) progressFunc(sessionID string) audit.ProgressFunc {
	if e.sink == nil {
		return nil
	}
	return func(p audit.Progress) {
		data, err := json.Marshal(p)
		if err != nil {
			return
		}
		e.sink.Publish(sessionID, string(data))
	}
}

// fallbackFor converts a judge failure into the structured recovery review
// mandated for that failure kind, recording the failure on the session.
func (e *Engine) fallbackFor(state *session.State, thoughtNumber int, err error) gan.Review {
	kind := judge.KindOf(err)
	state.RecordFailure(thoughtNumber, string(kind), err.Error(), "audit")

	var runErr *judge.RunError
	if errors.As(err, &runErr) && runErr.Partial != "" {
		// A timed-out or crashed judge may still have emitted a usable
		// object; salvage it and force the verdict open.
		if partial, perr := judge.ParseReview(runErr.Partial); perr == nil {
			partial.Verdict = gan.VerdictRevise
			if partial.Summary == "" {
				partial.Summary = "partial review recovered from interrupted judge output"
			}
			return partial
		}
	}

	switch kind {
	case judge.ErrTimeout:
		return gan.FallbackReview("judge timed out; consider shrinking the audit scope or raising the timeout")
	case judge.ErrSpawn:
		return gan.FallbackReview("judge unavailable (" + e.cfg.JudgeExecutable + "); audit skipped, session continues")
	case judge.ErrUnparseable, judge.ErrSchemaInvalid:
		return gan.FallbackReview("judge output could not be parsed; fields defaulted")
	default:
		return gan.FallbackReview("audit failed: " + err.Error())
	}
}

// composeAudit builds the embedded review block from the decision.
func (e *Engine) composeAudit(ctx context.Context, state *session.State, review gan.Review, decision gan.Decision) *AuditBlock {
	threshold := state.Config.Threshold
	if threshold <= 0 {
		threshold = 85
	}
	maxLoops := e.evalCfg.Defaults().HardStopLoops
	if state.Config.MaxCycles > 1 {
		// maxCycles is an informational hint from the caller's config; the
		// hard stop still governs actual termination.
		maxLoops = state.Config.MaxCycles
	}

	block := &AuditBlock{
		Review: review,
		CompletionStatus: CompletionStatus{
			IsComplete:  decision.Complete,
			Reason:      decision.Reason,
			CurrentLoop: state.CurrentLoop,
			Score:       review.Overall,
			Threshold:   tierTarget(decision.Reason, threshold),
		},
		LoopInfo: LoopInfo{
			CurrentLoop:        state.CurrentLoop,
			MaxLoops:           maxLoops,
			ProgressTrend:      gan.ProgressTrend(state.RecentScores(3)),
			StagnationDetected: decision.StagnationDetected,
		},
	}

	if decision.Complete && (decision.Reason == gan.ReasonMaxLoopsReached || decision.Reason == gan.ReasonStagnationDetected) {
		block.TerminationInfo = &TerminationInfo{
			Reason:          decision.Reason,
			FailureRate:     decision.FailureRate,
			CriticalIssues:  append([]string{}, decision.CriticalIssues...),
			FinalAssessment: e.finalAssessment(ctx, state, review, decision),
		}
	}
	return block
}

// tierTarget maps a completion reason to the threshold surfaced in
// completionStatus: the tier score when a tier fired, else the session
// threshold.
func tierTarget(reason string, threshold int) int {
	switch reason {
	case gan.ReasonScore95At10:
		return 95
	case gan.ReasonScore90At15:
		return 90
	case gan.ReasonScore85At20:
		return 85
	}
	return threshold
}

// finalizeSession marks the session complete, tears down its judge context,
// and persists. Every terminal path funnels through here so context
// termination is guaranteed (and safely duplicated).
func (e *Engine) finalizeSession(ctx context.Context, state *session.State, decision gan.Decision) {
	state.IsComplete = true
	state.CompletionReason = decision.Reason
	if decision.StagnationDetected {
		codes := state.RecentCodes(3)
		sim := 0.0
		if len(codes) >= 2 {
			sim = gan.Similarity(codes[len(codes)-2], codes[len(codes)-1])
		}
		state.Stagnation = &session.StagnationInfo{
			DetectedAtLoop: state.CurrentLoop,
			Similarity:     sim,
			Recommendation: decision.Recommendation,
		}
	}

	if state.LoopID != "" {
		e.ctxmgr.Terminate(ctx, state.LoopID, terminateReason(decision.Reason))
	}
	state.JudgeContextID = ""
	state.JudgeContextActive = false

	if err := e.history.Save(state); err != nil {
		log.Printf("save completed session %s: %v", state.ID, err)
	}
	if e.sink != nil {
		e.sink.Close(state.ID)
	}
}

// terminateReason maps a completion reason onto the judge context surface.
func terminateReason(reason string) judge.TerminateReason {
	switch reason {
	case gan.ReasonMaxLoopsReached:
		return judge.TerminateFailure
	case gan.ReasonStagnationDetected:
		return judge.TerminateStagnation
	default:
		return judge.TerminateCompletion
	}
}

// fillTerminalEcho produces the deterministic idempotent response for a
// completed session.
func (e *Engine) fillTerminalEcho(resp *Response, state *session.State) {
	resp.NextThoughtNeeded = false
	resp.ThoughtHistoryLength = historyLength(state)

	last, ok := state.LastReview()
	if !ok {
		last = gan.FallbackReview("session already complete")
	}
	threshold := state.Config.Threshold
	if threshold <= 0 {
		threshold = 85
	}
	resp.Audit = &AuditBlock{
		Review: last,
		CompletionStatus: CompletionStatus{
			IsComplete:  true,
			Reason:      state.CompletionReason,
			CurrentLoop: state.CurrentLoop,
			Score:       last.Overall,
			Threshold:   tierTarget(state.CompletionReason, threshold),
		},
		LoopInfo: LoopInfo{
			CurrentLoop:        state.CurrentLoop,
			MaxLoops:           e.evalCfg.Defaults().HardStopLoops,
			ProgressTrend:      gan.ProgressTrend(state.RecentScores(3)),
			StagnationDetected: state.Stagnation != nil,
		},
	}
}

// finalAssessment produces terminationInfo.finalAssessment: an LLM summary
// when an assessor is configured, otherwise a deterministic one-liner.
func (e *Engine) finalAssessment(ctx context.Context, state *session.State, review gan.Review, decision gan.Decision) string {
	fallback := fmt.Sprintf("session %s ended after %d loops with score %d (%s)",
		state.ID, state.CurrentLoop, review.Overall, decision.Reason)
	if e.assess == nil {
		return fallback
	}
	outcome := fmt.Sprintf("Reason: %s\nLoops: %d\nFinal score: %d\nVerdict: %s\nSummary: %s",
		decision.Reason, state.CurrentLoop, review.Overall, review.Verdict, review.Summary)
	text, err := e.assess(ctx, outcome)
	if err != nil || strings.TrimSpace(text) == "" {
		log.Printf("final assessment for session %s: %v", state.ID, err)
		return fallback
	}
	return text
}

// recordTrail writes the best-effort audit-trail index rows.
func (e *Engine) recordTrail(state *session.State, thoughtNumber int, review gan.Review, cacheHit bool, duration time.Duration, auditErr error) {
	if e.trail == nil {
		return
	}
	errorKind := ""
	if auditErr != nil {
		errorKind = string(judge.KindOf(auditErr))
	}
	row := &db.SessionRow{
		ID:               state.ID,
		LoopID:           state.LoopID,
		CreatedAt:        state.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        state.UpdatedAt.Format(time.RFC3339),
		CurrentLoop:      state.CurrentLoop,
		IsComplete:       state.IsComplete,
		CompletionReason: state.CompletionReason,
		LastScore:        review.Overall,
		LastVerdict:      string(review.Verdict),
	}
	if err := e.trail.UpsertSession(row); err != nil {
		log.Printf("audit trail upsert %s: %v", state.ID, err)
	}
	if _, err := e.trail.InsertEvent(&db.EventRow{
		SessionID:     state.ID,
		ThoughtNumber: thoughtNumber,
		Overall:       review.Overall,
		Verdict:       string(review.Verdict),
		CacheHit:      cacheHit,
		DurationMs:    duration.Milliseconds(),
		ErrorKind:     errorKind,
	}); err != nil {
		log.Printf("audit trail event %s: %v", state.ID, err)
	}
}

// knownBranches lists the session ids the server currently knows about.
func (e *Engine) knownBranches() []string {
	ids := e.history.ResidentIDs()
	if ids == nil {
		ids = []string{}
	}
	return ids
}

// historyLength counts iterations across the hot and cold sets.
func historyLength(state *session.State) int {
	n := len(state.Iterations)
	for num := range state.Compressed {
		found := false
		for _, it := range state.Iterations {
			if it.ThoughtNumber == num {
				found = true
				break
			}
		}
		if !found {
			n++
		}
	}
	return n
}

func (e *Engine) workDir() string {
	if e.cfg.WorkDir != "" {
		return e.cfg.WorkDir
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}

// SweepSessions removes expired session files and releases the judge
// contexts they held. Run periodically and from the sweep subcommand.
func (e *Engine) SweepSessions(ctx context.Context, maxAge time.Duration) (session.SweepResult, error) {
	result, err := e.store.Sweep(maxAge)
	if err != nil {
		return result, err
	}
	for _, id := range append(append([]string{}, result.Deleted...), result.Irreparable...) {
		e.history.Forget(id)
	}
	// An expired session's judge context must not outlive it.
	for _, loopID := range result.LoopIDs {
		e.ctxmgr.Terminate(ctx, loopID, judge.TerminateTimeout)
	}
	// Stale probe cleans up any mapping the judge no longer backs.
	e.ctxmgr.SweepStale(ctx)
	return result, nil
}

// Shutdown tears down every judge context. Safe to call more than once.
func (e *Engine) Shutdown(ctx context.Context) {
	e.ctxmgr.TerminateAll(ctx, judge.TerminateManual)
}
