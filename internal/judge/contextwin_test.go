package judge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

// fakeExecutor scripts the judge's context surface for tests.
type fakeExecutor struct {
	mu         sync.Mutex
	calls      []string
	nextID     int
	failRun    error
	deadInputs map[string]bool // context ids the judge reports as gone
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{deadInputs: make(map[string]bool)}
}

func (f *fakeExecutor) record(args []string) {
	f.calls = append(f.calls, strings.Join(args, " "))
}

func (f *fakeExecutor) Output(ctx context.Context, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(args)
	if args[0] == "start" {
		f.nextID++
		return fmt.Sprintf("ctx-%d", f.nextID), nil
	}
	return "", nil
}

func (f *fakeExecutor) Run(ctx context.Context, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(args)
	if f.failRun != nil {
		return f.failRun
	}
	for i, a := range args {
		if a == "--context-id" && i+1 < len(args) && f.deadInputs[args[i+1]] {
			return errors.New("context not found")
		}
	}
	return nil
}

func (f *fakeExecutor) callsMatching(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func TestStartIsIdempotent(t *testing.T) {
	exec := newFakeExecutor()
	m := NewContextManager(exec)
	ctx := context.Background()

	first, err := m.Start(ctx, "loop-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	second, err := m.Start(ctx, "loop-1")
	if err != nil {
		t.Fatalf("Start again: %v", err)
	}
	if first != second {
		t.Errorf("ids differ: %q vs %q", first, second)
	}
	if n := len(exec.callsMatching("start")); n != 1 {
		t.Errorf("start called %d times, want 1", n)
	}
}

func TestTerminateClearsMappingEvenOnFailure(t *testing.T) {
	exec := newFakeExecutor()
	m := NewContextManager(exec)
	ctx := context.Background()

	if _, err := m.Start(ctx, "loop-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	exec.failRun = errors.New("judge wedged")

	m.Terminate(ctx, "loop-1", TerminateCompletion)
	if _, ok := m.Lookup("loop-1"); ok {
		t.Error("mapping survived a failed terminate")
	}

	// Second terminate is a no-op, not another subcommand.
	before := len(exec.callsMatching("terminate"))
	m.Terminate(ctx, "loop-1", TerminateCompletion)
	if after := len(exec.callsMatching("terminate")); after != before {
		t.Errorf("duplicate terminate invoked the judge (%d -> %d)", before, after)
	}
}

func TestTerminateAllDrainsEveryContext(t *testing.T) {
	exec := newFakeExecutor()
	m := NewContextManager(exec)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := m.Start(ctx, fmt.Sprintf("loop-%d", i)); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	m.TerminateAll(ctx, TerminateManual)

	if m.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d after TerminateAll", m.ActiveCount())
	}
	if n := len(exec.callsMatching("terminate")); n != 4 {
		t.Errorf("terminate called %d times, want 4", n)
	}
}

func TestKeepAliveDropsDeadContext(t *testing.T) {
	exec := newFakeExecutor()
	m := NewContextManager(exec)
	ctx := context.Background()

	id, err := m.Start(ctx, "loop-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	exec.deadInputs[id] = true

	m.KeepAlive(ctx, "loop-1", id)
	if _, ok := m.Lookup("loop-1"); ok {
		t.Error("dead context still mapped after keep-alive")
	}
}

func TestKeepAliveIgnoresMismatchedContext(t *testing.T) {
	exec := newFakeExecutor()
	m := NewContextManager(exec)
	ctx := context.Background()

	id, err := m.Start(ctx, "loop-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.KeepAlive(ctx, "loop-1", "stale-id")

	if got, ok := m.Lookup("loop-1"); !ok || got != id {
		t.Errorf("mapping disturbed by mismatched keep-alive: %q %v", got, ok)
	}
	if n := len(exec.callsMatching("maintain")); n != 0 {
		t.Errorf("maintain invoked %d times for mismatched id", n)
	}
}

func TestKeepAliveAllPingsEveryContext(t *testing.T) {
	exec := newFakeExecutor()
	m := NewContextManager(exec)
	ctx := context.Background()

	live, err := m.Start(ctx, "loop-live")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	dead, err := m.Start(ctx, "loop-dead")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	exec.deadInputs[dead] = true

	m.KeepAliveAll(ctx)

	if n := len(exec.callsMatching("maintain")); n != 2 {
		t.Errorf("maintain invoked %d times, want 2", n)
	}
	if got, ok := m.Lookup("loop-live"); !ok || got != live {
		t.Error("live context lost during keep-alive pass")
	}
	if _, ok := m.Lookup("loop-dead"); ok {
		t.Error("dead context still mapped after keep-alive pass")
	}
}

func TestSweepStaleDropsDeadContexts(t *testing.T) {
	exec := newFakeExecutor()
	m := NewContextManager(exec)
	ctx := context.Background()

	live, err := m.Start(ctx, "loop-live")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	dead, err := m.Start(ctx, "loop-dead")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	exec.deadInputs[dead] = true

	m.SweepStale(ctx)

	if _, ok := m.Lookup("loop-dead"); ok {
		t.Error("dead context survived sweep")
	}
	if got, ok := m.Lookup("loop-live"); !ok || got != live {
		t.Error("live context lost in sweep")
	}
}
