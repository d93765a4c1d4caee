package session

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/joestump/gan-auditor/internal/gan"
)

// HistoryLimits tunes the memory-efficient iteration history.
type HistoryLimits struct {
	MaxIterationsInMemory int           // hot-set trim length
	CompressionAge        time.Duration // minimum age before an iteration goes cold
	CompressionThreshold  int           // minimum serialized bytes before compressing
	MaxMemoryUsage        int64         // total tracked bytes across sessions
}

// Defaults fills unset limits.
func (l HistoryLimits) Defaults() HistoryLimits {
	out := l
	if out.MaxIterationsInMemory == 0 {
		out.MaxIterationsInMemory = 20
	}
	if out.CompressionAge == 0 {
		out.CompressionAge = 5 * time.Minute
	}
	if out.CompressionThreshold == 0 {
		out.CompressionThreshold = 2048
	}
	if out.MaxMemoryUsage == 0 {
		out.MaxMemoryUsage = 64 << 20
	}
	return out
}

// MemoryStats is a point-in-time snapshot for monitoring.
type MemoryStats struct {
	TotalBytes           int64            `json:"totalBytes"`
	ActiveSessions       int              `json:"activeSessions"`
	CompressedIterations int              `json:"compressedIterations"`
	BytesSaved           int64            `json:"bytesSaved"`
	AverageRatio         float64          `json:"averageRatio"`
	BytesPerSession      map[string]int64 `json:"bytesPerSession"`
}

// History owns the resident session states and their iteration lists:
// appends, cold compression, hot-set trimming, and emergency eviction under
// memory pressure. Persistence goes through the Store; History decides what
// stays hot in memory.
type History struct {
	store  *Store
	limits HistoryLimits

	onEvict func(id, loopID string)

	mu       sync.Mutex
	resident map[string]*State
	bytes    map[string]int64
}

// NewHistory creates a history manager over the given store.
func NewHistory(store *Store, limits HistoryLimits) *History {
	return &History{
		store:    store,
		limits:   limits.Defaults(),
		resident: make(map[string]*State),
		bytes:    make(map[string]int64),
	}
}

// Get returns the resident state for id, loading it from disk on first
// access. A missing file returns ErrNotFound; the caller decides whether to
// create a fresh session.
func (h *History) Get(id string) (*State, *RepairReport, error) {
	h.mu.Lock()
	if state, ok := h.resident[id]; ok {
		h.mu.Unlock()
		return state, nil, nil
	}
	h.mu.Unlock()

	state, report, err := h.store.Load(id)
	if err != nil {
		return nil, nil, err
	}
	h.track(state)
	return state, report, nil
}

// Put registers a freshly created state as resident.
func (h *History) Put(state *State) {
	h.track(state)
}

func (h *History) track(state *State) {
	h.mu.Lock()
	h.resident[state.ID] = state
	h.bytes[state.ID] = stateFootprint(state)
	h.mu.Unlock()
}

// Forget drops a session from residency without touching its file.
func (h *History) Forget(id string) {
	h.mu.Lock()
	delete(h.resident, id)
	delete(h.bytes, id)
	h.mu.Unlock()
}

// ResidentIDs returns the ids of all resident sessions.
func (h *History) ResidentIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.resident))
	for id := range h.resident {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Append adds an iteration to the session's hot list, updates the loop
// counter and legacy history trail, then runs the optimization pass and
// persists.
func (h *History) Append(state *State, it gan.Iteration) error {
	state.Iterations = append(state.Iterations, it)
	if it.ThoughtNumber > state.CurrentLoop {
		state.CurrentLoop = it.ThoughtNumber
	}
	state.History = append(state.History, HistoryEntry{
		Timestamp:     it.Timestamp,
		ThoughtNumber: it.ThoughtNumber,
		Review:        it.Review,
		Config:        state.Config,
	})

	h.Optimize(state)

	if err := h.store.Save(state); err != nil {
		return err
	}
	h.track(state)
	h.enforceMemoryLimit()
	return nil
}

// Save persists a resident state without appending.
func (h *History) Save(state *State) error {
	if err := h.store.Save(state); err != nil {
		return err
	}
	h.track(state)
	return nil
}

// Optimize compresses hot iterations that are old and large enough, then
// trims the hot set to the configured length. Trimmed iterations always get
// a cold blob first so nothing is lost.
func (h *History) Optimize(state *State) {
	now := time.Now()
	if state.Compressed == nil {
		state.Compressed = map[int]CompressedIteration{}
	}

	// Pass 1: age+size based compression. The iteration stays hot; the cold
	// blob makes it safe to trim later.
	for _, it := range state.Iterations {
		if _, done := state.Compressed[it.ThoughtNumber]; done {
			continue
		}
		raw, err := canonicalIteration(it)
		if err != nil {
			continue
		}
		if now.Sub(it.Timestamp) < h.limits.CompressionAge || len(raw) < h.limits.CompressionThreshold {
			continue
		}
		if blob, err := compressIteration(raw, now); err == nil {
			state.Compressed[it.ThoughtNumber] = blob
		}
	}

	// Pass 2: trim the hot set, compressing trimmed entries on the way out
	// regardless of age or size.
	if excess := len(state.Iterations) - h.limits.MaxIterationsInMemory; excess > 0 {
		for _, it := range state.Iterations[:excess] {
			if _, done := state.Compressed[it.ThoughtNumber]; done {
				continue
			}
			raw, err := canonicalIteration(it)
			if err != nil {
				continue
			}
			if blob, err := compressIteration(raw, now); err == nil {
				state.Compressed[it.ThoughtNumber] = blob
			}
		}
		state.Iterations = append([]gan.Iteration(nil), state.Iterations[excess:]...)
	}
}

// Materialize returns a copy of the state with every cold iteration
// expanded and merged into the iteration list, ordered by thought number.
// A blob that fails to decompress is logged and treated as lost.
func (h *History) Materialize(state *State) *State {
	out := *state
	hot := make(map[int]bool, len(state.Iterations))
	for _, it := range state.Iterations {
		hot[it.ThoughtNumber] = true
	}

	merged := append([]gan.Iteration(nil), state.Iterations...)
	for n, blob := range state.Compressed {
		if hot[n] {
			continue
		}
		it, err := decompressIteration(blob)
		if err != nil {
			log.Printf("session %s: iteration %d lost (decompress: %v)", state.ID, n, err)
			continue
		}
		merged = append(merged, it)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ThoughtNumber < merged[j].ThoughtNumber })
	out.Iterations = merged
	return &out
}

// SetEvictionNotify registers a callback invoked once per session evicted
// under memory pressure, carrying the session id and its judge-context loop
// id (possibly empty). Call before the history sees traffic.
func (h *History) SetEvictionNotify(fn func(id, loopID string)) {
	h.onEvict = fn
}

// evictedSession records what an eviction pass removed, so the caller can
// release the judge contexts the evicted sessions held.
type evictedSession struct {
	id     string
	loopID string
}

// EmergencyCleanup evicts whole resident sessions, largest footprint first,
// until tracked bytes fall below 80% of the limit. Evicted sessions stay on
// disk and reload on next access. Returns the evicted ids.
func (h *History) EmergencyCleanup() []string {
	h.mu.Lock()
	evicted := h.evictLocked()
	h.mu.Unlock()
	h.notifyEvicted(evicted)

	ids := make([]string, 0, len(evicted))
	for _, ev := range evicted {
		ids = append(ids, ev.id)
	}
	return ids
}

func (h *History) enforceMemoryLimit() {
	h.mu.Lock()
	evicted := h.evictLocked()
	h.mu.Unlock()
	h.notifyEvicted(evicted)
}

func (h *History) notifyEvicted(evicted []evictedSession) {
	if h.onEvict == nil {
		return
	}
	for _, ev := range evicted {
		h.onEvict(ev.id, ev.loopID)
	}
}

func (h *History) evictLocked() []evictedSession {
	var total int64
	for _, b := range h.bytes {
		total += b
	}
	if total <= h.limits.MaxMemoryUsage {
		return nil
	}

	type footprint struct {
		id    string
		bytes int64
	}
	var all []footprint
	for id, b := range h.bytes {
		all = append(all, footprint{id, b})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].bytes > all[j].bytes })

	target := h.limits.MaxMemoryUsage * 8 / 10
	var evicted []evictedSession
	for _, fp := range all {
		if total <= target {
			break
		}
		ev := evictedSession{id: fp.id}
		if state, ok := h.resident[fp.id]; ok {
			ev.loopID = state.LoopID
		}
		delete(h.resident, fp.id)
		delete(h.bytes, fp.id)
		total -= fp.bytes
		evicted = append(evicted, ev)
		log.Printf("evicted session %s under memory pressure (%d bytes)", fp.id, fp.bytes)
	}
	return evicted
}

// Stats returns a snapshot of tracked memory usage.
func (h *History) Stats() MemoryStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := MemoryStats{BytesPerSession: make(map[string]int64, len(h.bytes))}
	var originals, compressed int64
	var ratioSum float64
	var ratioCount int
	for id, b := range h.bytes {
		stats.TotalBytes += b
		stats.BytesPerSession[id] = b
	}
	stats.ActiveSessions = len(h.resident)
	for _, state := range h.resident {
		for _, blob := range state.Compressed {
			stats.CompressedIterations++
			originals += int64(blob.OriginalSize)
			compressed += int64(blob.CompressedSize)
			if blob.OriginalSize > 0 {
				ratioSum += float64(blob.CompressedSize) / float64(blob.OriginalSize)
				ratioCount++
			}
		}
	}
	stats.BytesSaved = originals - compressed
	if ratioCount > 0 {
		stats.AverageRatio = ratioSum / float64(ratioCount)
	}
	return stats
}

// stateFootprint estimates a state's resident size as its serialized length.
func stateFootprint(state *State) int64 {
	data, err := json.Marshal(state)
	if err != nil {
		return 0
	}
	return int64(len(data))
}

// canonicalIteration is the byte serialization used for compression.
// Plain json.Marshal of the fixed struct is canonical enough for the
// byte-for-byte round-trip guarantee.
func canonicalIteration(it gan.Iteration) ([]byte, error) {
	return json.Marshal(it)
}

func compressIteration(raw []byte, now time.Time) (CompressedIteration, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return CompressedIteration{}, err
	}
	if err := zw.Close(); err != nil {
		return CompressedIteration{}, err
	}
	return CompressedIteration{
		OriginalSize:   len(raw),
		CompressedSize: buf.Len(),
		CompressedAt:   now.UTC(),
		Blob:           buf.Bytes(),
	}, nil
}

func decompressIteration(blob CompressedIteration) (gan.Iteration, error) {
	zr, err := gzip.NewReader(bytes.NewReader(blob.Blob))
	if err != nil {
		return gan.Iteration{}, fmt.Errorf("open blob: %w", err)
	}
	raw, err := io.ReadAll(zr)
	if cerr := zr.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return gan.Iteration{}, fmt.Errorf("read blob: %w", err)
	}
	var it gan.Iteration
	if err := json.Unmarshal(raw, &it); err != nil {
		return gan.Iteration{}, fmt.Errorf("decode iteration: %w", err)
	}
	return it, nil
}
