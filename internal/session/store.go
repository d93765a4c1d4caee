// Package session persists per-session audit state: one JSON file per
// session under the state directory, plus the memory-efficient iteration
// history layered on top. Files are the source of truth; writes are atomic
// (write-temp, fsync, rename).
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joestump/gan-auditor/internal/gan"
)

// CorruptionKind classifies a validation failure found while loading a
// session file. Recoverable kinds are repaired in place; the rest reset the
// session.
type CorruptionKind string

const (
	CorruptMissingFields     CorruptionKind = "missingFields"
	CorruptFormatMismatch    CorruptionKind = "formatMismatch"
	CorruptPartialData       CorruptionKind = "partialData"
	CorruptDataInconsistency CorruptionKind = "dataInconsistency"
	CorruptNotFound          CorruptionKind = "notFound"
	CorruptValidationError   CorruptionKind = "validationError"
)

// ErrNotFound reports a missing session file.
var ErrNotFound = errors.New("session not found")

// HistoryEntry is the legacy audit-trail record kept alongside the enhanced
// iteration history.
type HistoryEntry struct {
	Timestamp     time.Time         `json:"timestamp"`
	ThoughtNumber int               `json:"thoughtNumber"`
	Review        gan.Review        `json:"review"`
	Config        gan.SessionConfig `json:"config"`
}

// FailureEntry records one per-request failure for diagnostics.
type FailureEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	ThoughtNumber int       `json:"thoughtNumber"`
	ErrorKind     string    `json:"errorKind"`
	Message       string    `json:"message"`
	Context       string    `json:"context,omitempty"`
}

// StagnationInfo captures the detector output when stagnation ends a session.
type StagnationInfo struct {
	DetectedAtLoop int     `json:"detectedAtLoop"`
	Similarity     float64 `json:"similarity"`
	Recommendation string  `json:"recommendation"`
}

// CompressedIteration is one cold iteration blob. Blob is gzip over the
// canonical JSON serialization of the Iteration; JSON encoding base64s it.
type CompressedIteration struct {
	OriginalSize   int       `json:"originalSize"`
	CompressedSize int       `json:"compressedSize"`
	CompressedAt   time.Time `json:"compressedAt"`
	Blob           []byte    `json:"blobBase64"`
}

// State is the full persisted per-session record. It is owned by the Store
// and mutated only through Store and History methods.
type State struct {
	ID        string    `json:"id"`
	LoopID    string    `json:"loopId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Config gan.SessionConfig `json:"config"`

	History    []HistoryEntry              `json:"history"`
	Iterations []gan.Iteration             `json:"iterations"`
	Compressed map[int]CompressedIteration `json:"compressedIterations,omitempty"`

	CurrentLoop      int             `json:"currentLoop"`
	IsComplete       bool            `json:"isComplete"`
	CompletionReason string          `json:"completionReason,omitempty"`
	Stagnation       *StagnationInfo `json:"stagnationInfo,omitempty"`

	JudgeContextID     string `json:"judgeContextId,omitempty"`
	JudgeContextActive bool   `json:"judgeContextActive"`

	FailureLog []FailureEntry `json:"failureLog,omitempty"`
}

// LastReview returns the most recent recorded review, preferring the hot
// iteration list and falling back to the legacy history.
func (s *State) LastReview() (gan.Review, bool) {
	if n := len(s.Iterations); n > 0 {
		return s.Iterations[n-1].Review, true
	}
	if n := len(s.History); n > 0 {
		return s.History[n-1].Review, true
	}
	return gan.Review{}, false
}

// RecentCodes returns the candidate text of up to the last n iterations,
// oldest first. Only hot iterations are consulted; the stagnation window is
// far smaller than the hot set.
func (s *State) RecentCodes(n int) []string {
	start := len(s.Iterations) - n
	if start < 0 {
		start = 0
	}
	codes := make([]string, 0, n)
	for _, it := range s.Iterations[start:] {
		codes = append(codes, it.Code)
	}
	return codes
}

// RecentScores returns the overall score of up to the last n iterations,
// oldest first.
func (s *State) RecentScores(n int) []int {
	start := len(s.Iterations) - n
	if start < 0 {
		start = 0
	}
	scores := make([]int, 0, n)
	for _, it := range s.Iterations[start:] {
		scores = append(scores, it.Review.Overall)
	}
	return scores
}

// RecordFailure appends a failure log entry, keeping the log bounded.
func (s *State) RecordFailure(thoughtNumber int, kind, message, context string) {
	s.FailureLog = append(s.FailureLog, FailureEntry{
		Timestamp:     time.Now().UTC(),
		ThoughtNumber: thoughtNumber,
		ErrorKind:     kind,
		Message:       message,
		Context:       context,
	})
	if len(s.FailureLog) > 100 {
		s.FailureLog = s.FailureLog[len(s.FailureLog)-100:]
	}
}

// RepairReport describes what Load had to fix or reset.
type RepairReport struct {
	Kind     CorruptionKind
	Repaired bool
	Reset    bool
	Notes    []string
}

// Warning renders the report as a single caller-facing line, or "" when the
// load was clean.
func (r *RepairReport) Warning() string {
	if r == nil {
		return ""
	}
	action := "repaired"
	if r.Reset {
		action = "reset to defaults"
	}
	return fmt.Sprintf("session state %s (%s): %s", action, r.Kind, strings.Join(r.Notes, "; "))
}

// Store is the file-backed session persistence layer.
type Store struct {
	dir string

	// salt makes GenerateID unique across calls with identical inputs.
	salt uint64
}

// NewStore creates a store rooted at dir, creating the directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the state directory path.
func (st *Store) Dir() string { return st.dir }

var sessionIDRe = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,128}$`)

// ValidID reports whether id is safe to use as a file name component.
func ValidID(id string) bool {
	return sessionIDRe.MatchString(id) && id != "." && id != ".."
}

func (st *Store) path(id string) string {
	return filepath.Join(st.dir, id+".json")
}

// GenerateID derives a 16-hex-char session id from the working directory and
// user, salted so repeated calls do not collide.
func (st *Store) GenerateID(cwd, user string) string {
	salt := atomic.AddUint64(&st.salt, 1)
	h := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d|%d", cwd, user, time.Now().UnixNano(), salt))
	return hex.EncodeToString(h[:8])
}

// NewState builds a fresh default session.
func NewState(id string) *State {
	now := time.Now().UTC()
	return &State{
		ID:         id,
		CreatedAt:  now,
		UpdatedAt:  now,
		Config:     gan.DefaultSessionConfig(),
		History:    []HistoryEntry{},
		Iterations: []gan.Iteration{},
		Compressed: map[int]CompressedIteration{},
	}
}

// Load reads, validates, and (when possible) repairs the session file for
// id. Recoverable corruption yields a repaired state plus a report;
// unrecoverable corruption yields a fresh default state plus a report. A
// missing file returns ErrNotFound.
func (st *Store) Load(id string) (*State, *RepairReport, error) {
	data, err := os.ReadFile(st.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read session %s: %w", id, err)
	}

	state, report := decodeState(id, data)
	if report != nil && (report.Repaired || report.Reset) {
		// Persist the repair so the next load is clean.
		if saveErr := st.Save(state); saveErr != nil {
			return nil, nil, fmt.Errorf("save repaired session %s: %w", id, saveErr)
		}
	}
	return state, report, nil
}

// decodeState parses raw session JSON field-by-field so a single corrupt
// field degrades to a repair instead of a failed load.
func decodeState(id string, data []byte) (*State, *RepairReport) {
	var state State
	if err := json.Unmarshal(data, &state); err == nil {
		if report := validateAndRepair(&state, id); report != nil {
			return &state, report
		}
		return &state, nil
	}

	// Whole-record decode failed: try field-by-field coercion.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		fresh := NewState(id)
		return fresh, &RepairReport{
			Kind:  CorruptValidationError,
			Reset: true,
			Notes: []string{"file is not a JSON object"},
		}
	}

	state = *NewState(id)
	report := &RepairReport{Kind: CorruptFormatMismatch, Repaired: true}
	coerce := func(key string, dst any) {
		raw, ok := fields[key]
		if !ok {
			return
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			report.Notes = append(report.Notes, fmt.Sprintf("coerced %s to default", key))
		}
	}
	coerce("id", &state.ID)
	coerce("loopId", &state.LoopID)
	coerce("createdAt", &state.CreatedAt)
	coerce("updatedAt", &state.UpdatedAt)
	coerce("config", &state.Config)
	coerce("history", &state.History)
	coerce("iterations", &state.Iterations)
	coerce("compressedIterations", &state.Compressed)
	coerce("currentLoop", &state.CurrentLoop)
	coerce("isComplete", &state.IsComplete)
	coerce("completionReason", &state.CompletionReason)
	coerce("stagnationInfo", &state.Stagnation)
	coerce("judgeContextId", &state.JudgeContextID)
	coerce("judgeContextActive", &state.JudgeContextActive)
	coerce("failureLog", &state.FailureLog)

	if inner := validateAndRepair(&state, id); inner != nil {
		report.Notes = append(report.Notes, inner.Notes...)
	}
	if len(report.Notes) == 0 {
		report.Notes = []string{"record did not match the current schema"}
	}
	return &state, report
}

// validateAndRepair enforces the state invariants, repairing in place.
// Returns nil when the state was already valid.
func validateAndRepair(state *State, id string) *RepairReport {
	report := &RepairReport{Kind: CorruptMissingFields, Repaired: true}

	if state.ID == "" {
		state.ID = id
		report.Notes = append(report.Notes, "filled missing id")
	}
	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now().UTC()
		report.Notes = append(report.Notes, "filled missing createdAt")
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = state.CreatedAt
		report.Notes = append(report.Notes, "filled missing updatedAt")
	}
	if state.Config.Threshold == 0 && state.Config.Task == "" {
		state.Config = gan.DefaultSessionConfig()
		report.Notes = append(report.Notes, "filled default config")
	}
	// Legacy schema migration: enhanced fields absent decode to nil maps and
	// slices; fill them so the rest of the pipeline never nil-checks.
	if state.History == nil {
		state.History = []HistoryEntry{}
		report.Notes = append(report.Notes, "initialized history")
	}
	if state.Iterations == nil {
		state.Iterations = []gan.Iteration{}
		report.Notes = append(report.Notes, "initialized iterations")
	}
	if state.Compressed == nil {
		state.Compressed = map[int]CompressedIteration{}
	}

	// Drop malformed iterations (zero thought number or missing timestamp).
	kept := state.Iterations[:0]
	dropped := 0
	for _, it := range state.Iterations {
		if it.ThoughtNumber < 1 || it.Timestamp.IsZero() {
			dropped++
			continue
		}
		kept = append(kept, it)
	}
	if dropped > 0 {
		state.Iterations = kept
		report.Kind = CorruptPartialData
		report.Notes = append(report.Notes, fmt.Sprintf("dropped %d malformed iterations", dropped))
	}

	// currentLoop must equal the max thought number across hot and cold.
	if max := maxThoughtNumber(state); state.CurrentLoop != max {
		if state.CurrentLoop != 0 || max != 0 {
			report.Kind = CorruptDataInconsistency
			report.Notes = append(report.Notes, fmt.Sprintf("recomputed currentLoop %d -> %d", state.CurrentLoop, max))
		}
		state.CurrentLoop = max
	}

	// judgeContextActive iff judgeContextId is set.
	if state.JudgeContextActive != (state.JudgeContextID != "") {
		state.JudgeContextActive = state.JudgeContextID != ""
		report.Kind = CorruptDataInconsistency
		report.Notes = append(report.Notes, "reconciled judgeContextActive with judgeContextId")
	}

	if len(report.Notes) == 0 {
		return nil
	}
	return report
}

func maxThoughtNumber(state *State) int {
	max := 0
	for _, it := range state.Iterations {
		if it.ThoughtNumber > max {
			max = it.ThoughtNumber
		}
	}
	for n := range state.Compressed {
		if n > max {
			max = n
		}
	}
	return max
}

// Save writes the state atomically: temp file in the same directory, fsync,
// rename over the target.
func (st *Store) Save(state *State) error {
	state.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", state.ID, err)
	}
	data = append(data, '\n')

	target := st.path(state.ID)
	tmp := target + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp for session %s: %w", state.ID, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write session %s: %w", state.ID, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync session %s: %w", state.ID, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close session %s: %w", state.ID, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename session %s: %w", state.ID, err)
	}
	return nil
}

// Delete removes the session file. A missing file is not an error.
func (st *Store) Delete(id string) error {
	err := os.Remove(st.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// ListAll returns the ids of every persisted session.
func (st *Store) ListAll() ([]string, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, fmt.Errorf("read state dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".json.tmp") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// SweepResult summarizes one sweep pass. LoopIDs holds the judge-context
// loop ids the swept sessions were bound to; the caller must terminate them.
type SweepResult struct {
	Deleted     []string
	Irreparable []string
	LoopIDs     []string
}

// Sweep deletes session files older than maxAge (by updatedAt, falling back
// to file mtime) and files that fail validation beyond repair. Returned ids
// let the caller release any judge contexts the swept sessions held.
func (st *Store) Sweep(maxAge time.Duration) (SweepResult, error) {
	var result SweepResult
	ids, err := st.ListAll()
	if err != nil {
		return result, err
	}
	cutoff := time.Now().Add(-maxAge)
	for _, id := range ids {
		state, report, err := st.Load(id)
		if err != nil {
			// Unreadable file: remove it rather than let it wedge every sweep.
			_ = st.Delete(id)
			result.Irreparable = append(result.Irreparable, id)
			continue
		}
		if report != nil && report.Reset {
			_ = st.Delete(id)
			result.Irreparable = append(result.Irreparable, id)
			if state.LoopID != "" {
				result.LoopIDs = append(result.LoopIDs, state.LoopID)
			}
			continue
		}
		if state.UpdatedAt.Before(cutoff) {
			_ = st.Delete(id)
			result.Deleted = append(result.Deleted, id)
			if state.LoopID != "" {
				result.LoopIDs = append(result.LoopIDs, state.LoopID)
			}
		}
	}
	return result, nil
}
