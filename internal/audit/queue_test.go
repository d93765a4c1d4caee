package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joestump/gan-auditor/internal/gan"
)

func TestQueueSerializesPerSession(t *testing.T) {
	q := NewQueue(8, 0)
	var inFlight, maxInFlight int32

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Do(context.Background(), "session-1", time.Second, func(ctx context.Context) (gan.Review, error) {
				cur := atomic.AddInt32(&inFlight, 1)
				for {
					prev := atomic.LoadInt32(&maxInFlight)
					if cur <= prev || atomic.CompareAndSwapInt32(&maxInFlight, prev, cur) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return gan.Review{}, nil
			}, nil)
			if err != nil {
				t.Errorf("Do: %v", err)
			}
		}()
	}
	wg.Wait()

	if max := atomic.LoadInt32(&maxInFlight); max != 1 {
		t.Errorf("max in-flight for one session = %d, want 1", max)
	}
}

func TestQueueGlobalBound(t *testing.T) {
	q := NewQueue(2, 0)
	var inFlight, maxInFlight int32

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		sessionID := string(rune('a' + i))
		go func() {
			defer wg.Done()
			_, _ = q.Do(context.Background(), sessionID, time.Second, func(ctx context.Context) (gan.Review, error) {
				cur := atomic.AddInt32(&inFlight, 1)
				for {
					prev := atomic.LoadInt32(&maxInFlight)
					if cur <= prev || atomic.CompareAndSwapInt32(&maxInFlight, prev, cur) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return gan.Review{}, nil
			}, nil)
		}()
	}
	wg.Wait()

	if max := atomic.LoadInt32(&maxInFlight); max > 2 {
		t.Errorf("max concurrent audits = %d, want <= 2", max)
	}
}

func TestQueueFull(t *testing.T) {
	q := NewQueue(1, 1)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = q.Do(context.Background(), "s", time.Minute, func(ctx context.Context) (gan.Review, error) {
			close(started)
			<-release
			return gan.Review{}, nil
		}, nil)
	}()
	<-started

	// The runner holds the lane slot; one more waiter fills the lane.
	_, err := q.Do(context.Background(), "s", time.Minute, func(ctx context.Context) (gan.Review, error) {
		return gan.Review{}, nil
	}, nil)
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
	close(release)
}

func TestQueueCancellationBeforeDispatch(t *testing.T) {
	q := NewQueue(1, 0)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = q.Do(context.Background(), "s", time.Minute, func(ctx context.Context) (gan.Review, error) {
			close(started)
			<-release
			return gan.Review{}, nil
		}, nil)
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var events []Progress
	var mu sync.Mutex
	go func() {
		_, err := q.Do(ctx, "s", time.Minute, func(ctx context.Context) (gan.Review, error) {
			t.Error("fn ran after cancellation")
			return gan.Review{}, nil
		}, func(p Progress) {
			mu.Lock()
			events = append(events, p)
			mu.Unlock()
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	close(release)

	mu.Lock()
	defer mu.Unlock()
	var sawCancelled bool
	for _, p := range events {
		if p.State == StateCancelled {
			sawCancelled = true
		}
	}
	if !sawCancelled {
		t.Errorf("no cancelled progress event: %+v", events)
	}
}

func TestQueueProgressTransitions(t *testing.T) {
	q := NewQueue(1, 0)

	var events []Progress
	_, err := q.Do(context.Background(), "s", time.Second, func(ctx context.Context) (gan.Review, error) {
		return gan.Review{Overall: 90}, nil
	}, func(p Progress) {
		events = append(events, p)
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	if len(events) < 3 {
		t.Fatalf("events = %+v, want queued/running/complete", events)
	}
	if events[0].State != StateQueued || events[len(events)-1].State != StateComplete {
		t.Errorf("unexpected transition order: %+v", events)
	}
	if events[len(events)-1].Percent != 100 {
		t.Errorf("final percent = %d, want 100", events[len(events)-1].Percent)
	}
	for _, p := range events {
		if p.SubmissionID == "" || p.SessionID != "s" {
			t.Errorf("event missing ids: %+v", p)
		}
	}
}

func TestQueueFailedEvent(t *testing.T) {
	q := NewQueue(1, 0)
	boom := errors.New("judge exploded")

	var last Progress
	_, err := q.Do(context.Background(), "s", time.Second, func(ctx context.Context) (gan.Review, error) {
		return gan.Review{}, boom
	}, func(p Progress) { last = p })

	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if last.State != StateFailed {
		t.Errorf("final state = %q, want failed", last.State)
	}
}
