package hub

import (
	"fmt"
	"testing"
	"time"
)

func drain(t *testing.T, ch <-chan string, n int) []string {
	t.Helper()
	var out []string
	for i := 0; i < n; i++ {
		select {
		case line, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed after %d of %d lines", i, n)
			}
			out = append(out, line)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d of %d lines", i, n)
		}
	}
	return out
}

func TestSubscribeReplaysHistory(t *testing.T) {
	h := New()
	h.Publish("s1", "one")
	h.Publish("s1", "two")

	ch, unsub := h.Subscribe("s1")
	defer unsub()

	got := drain(t, ch, 2)
	if got[0] != "one" || got[1] != "two" {
		t.Errorf("replay = %v", got)
	}

	h.Publish("s1", "three")
	if line := drain(t, ch, 1)[0]; line != "three" {
		t.Errorf("live line = %q", line)
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	h := New()
	ch, unsub := h.Subscribe("a")
	defer unsub()

	h.Publish("b", "for b only")
	h.Publish("a", "for a")

	if line := drain(t, ch, 1)[0]; line != "for a" {
		t.Errorf("got %q from another session's stream", line)
	}
}

func TestCloseEndsSubscribers(t *testing.T) {
	h := New()
	ch, unsub := h.Subscribe("s")
	defer unsub()

	h.Publish("s", "last")
	h.Close("s")

	if line := drain(t, ch, 1)[0]; line != "last" {
		t.Errorf("line = %q", line)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Error("channel not closed")
	}

	// Publishing to a closed stream is a no-op, not a panic.
	h.Publish("s", "after close")
}

func TestSubscribeAfterCloseReplaysAndCloses(t *testing.T) {
	h := New()
	h.Publish("s", "history")
	h.Close("s")

	ch, unsub := h.Subscribe("s")
	defer unsub()
	if line := drain(t, ch, 1)[0]; line != "history" {
		t.Errorf("line = %q", line)
	}
	if _, ok := <-ch; ok {
		t.Error("channel should close after replaying a finished stream")
	}
}

func TestBufferBoundsReplay(t *testing.T) {
	h := New()
	total := defaultBufferCap + 50
	for i := 0; i < total; i++ {
		h.Publish("s", fmt.Sprintf("line-%d", i))
	}

	ch, unsub := h.Subscribe("s")
	defer unsub()

	got := drain(t, ch, defaultBufferCap)
	if got[0] != fmt.Sprintf("line-%d", total-defaultBufferCap) {
		t.Errorf("oldest replayed = %q", got[0])
	}
	if got[len(got)-1] != fmt.Sprintf("line-%d", total-1) {
		t.Errorf("newest replayed = %q", got[len(got)-1])
	}
}
