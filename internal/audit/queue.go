package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joestump/gan-auditor/internal/gan"
)

// ErrQueueFull is returned when a session already has the maximum number of
// waiters queued behind its in-flight audit. The caller should retry; no
// state was mutated.
var ErrQueueFull = errors.New("audit queue full for session")

// Progress states emitted to registered callbacks.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateComplete  = "complete"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// Progress describes one state transition or heartbeat for a submission.
// Percent is best-effort and monotonic per submission.
type Progress struct {
	SessionID    string
	SubmissionID string
	State        string
	Percent      int
	Message      string
}

// ProgressFunc receives progress events. Callbacks must not block; they are
// invoked inline on heartbeat and transition paths.
type ProgressFunc func(Progress)

// Queue bounds judge concurrency globally and serializes audits per session
// so iteration k+1 never starts before iteration k completes. It is the
// single scheduling authority: nothing outside it takes a session lock.
type Queue struct {
	global chan struct{} // global concurrency slots

	mu         sync.Mutex
	sessions   map[string]*sessionLane
	maxWaiters int

	heartbeat time.Duration
}

// sessionLane is the per-session FIFO: a one-slot channel as the lane lock
// plus a waiter count to bound queue depth.
type sessionLane struct {
	slot    chan struct{}
	waiters int
}

// NewQueue creates a queue admitting at most maxConcurrent audits globally
// and at most maxWaiters queued submissions per session (0 = unbounded).
func NewQueue(maxConcurrent, maxWaiters int) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &Queue{
		global:     make(chan struct{}, maxConcurrent),
		sessions:   make(map[string]*sessionLane),
		maxWaiters: maxWaiters,
		heartbeat:  5 * time.Second,
	}
}

func (q *Queue) lane(sessionID string) (*sessionLane, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.sessions[sessionID]
	if !ok {
		l = &sessionLane{slot: make(chan struct{}, 1)}
		q.sessions[sessionID] = l
	}
	if q.maxWaiters > 0 && l.waiters >= q.maxWaiters {
		return nil, ErrQueueFull
	}
	l.waiters++
	return l, nil
}

func (q *Queue) release(sessionID string, l *sessionLane) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l.waiters--
	if l.waiters == 0 && len(l.slot) == 0 {
		delete(q.sessions, sessionID)
	}
}

// Do runs fn under the queue's discipline and returns its result. It blocks
// until the session lane and a global slot are acquired, in that order.
// Cancellation before dispatch discards the submission; cancellation during
// execution is surfaced through fn's context.
func (q *Queue) Do(ctx context.Context, sessionID string, timeout time.Duration, fn func(context.Context) (gan.Review, error), onProgress ProgressFunc) (gan.Review, error) {
	l, err := q.lane(sessionID)
	if err != nil {
		return gan.Review{}, err
	}
	defer q.release(sessionID, l)

	submissionID := uuid.NewString()
	emit := func(state string, percent int, msg string) {
		if onProgress != nil {
			onProgress(Progress{
				SessionID:    sessionID,
				SubmissionID: submissionID,
				State:        state,
				Percent:      percent,
				Message:      msg,
			})
		}
	}

	emit(StateQueued, 0, "waiting for session lane")

	// Per-session serialization: one in-flight audit per session id, waiters
	// admitted in arrival order.
	select {
	case l.slot <- struct{}{}:
	case <-ctx.Done():
		emit(StateCancelled, 0, "cancelled before dispatch")
		return gan.Review{}, ctx.Err()
	}
	defer func() { <-l.slot }()

	// Global bound across sessions.
	select {
	case q.global <- struct{}{}:
	case <-ctx.Done():
		emit(StateCancelled, 0, "cancelled before dispatch")
		return gan.Review{}, ctx.Err()
	}
	defer func() { <-q.global }()

	emit(StateRunning, 5, "audit dispatched")

	// Heartbeats for long runs: best-effort percent from elapsed/timeout,
	// capped below completion.
	started := time.Now()
	stop := make(chan struct{})
	var hb sync.WaitGroup
	if onProgress != nil && q.heartbeat > 0 {
		hb.Add(1)
		go func() {
			defer hb.Done()
			t := time.NewTicker(q.heartbeat)
			defer t.Stop()
			for {
				select {
				case <-stop:
					return
				case <-t.C:
					pct := 5
					if timeout > 0 {
						pct += int(90 * time.Since(started) / timeout)
					}
					if pct > 95 {
						pct = 95
					}
					emit(StateRunning, pct, "audit in progress")
				}
			}
		}()
	}

	review, err := fn(ctx)
	close(stop)
	hb.Wait()

	switch {
	case err == nil:
		emit(StateComplete, 100, "audit complete")
	case errors.Is(err, context.Canceled):
		emit(StateCancelled, 0, "cancelled during execution")
	default:
		emit(StateFailed, 0, err.Error())
	}
	return review, err
}
