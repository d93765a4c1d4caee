package judge

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// TerminateReason records why a judge context was torn down.
type TerminateReason string

const (
	TerminateCompletion TerminateReason = "completion"
	TerminateTimeout    TerminateReason = "timeout"
	TerminateFailure    TerminateReason = "failure"
	TerminateManual     TerminateReason = "manual"
	TerminateStagnation TerminateReason = "stagnation"
)

// ContextExecutor runs judge context subcommands. Split out so tests can
// script the judge's context surface without a real binary.
type ContextExecutor interface {
	// Output runs `<judge> context <args...>` and returns trimmed stdout.
	Output(ctx context.Context, args ...string) (string, error)
	// Run runs `<judge> context <args...>` for its exit code only.
	Run(ctx context.Context, args ...string) error
}

// CLIContextExecutor shells out to the configured judge binary.
type CLIContextExecutor struct {
	Command string
	Timeout time.Duration
}

func (e *CLIContextExecutor) command(ctx context.Context, args ...string) (*exec.Cmd, context.CancelFunc) {
	timeout := e.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	full := append([]string{"context"}, args...)
	return exec.CommandContext(runCtx, e.Command, full...), cancel
}

func (e *CLIContextExecutor) Output(ctx context.Context, args ...string) (string, error) {
	cmd, cancel := e.command(ctx, args...)
	defer cancel()
	out, err := cmd.Output()
	return strings.TrimSpace(string(out)), err
}

func (e *CLIContextExecutor) Run(ctx context.Context, args ...string) error {
	cmd, cancel := e.command(ctx, args...)
	defer cancel()
	return cmd.Run()
}

// ContextManager owns the loopId -> contextId mapping for the judge's
// persistent context windows. Every terminal outcome path calls Terminate;
// duplicate terminations are intentional no-ops, which is what keeps
// contexts from leaking under partial failure.
type ContextManager struct {
	exec ContextExecutor

	mu       sync.Mutex
	contexts map[string]string
}

// NewContextManager creates a manager backed by the given executor.
func NewContextManager(exec ContextExecutor) *ContextManager {
	return &ContextManager{
		exec:     exec,
		contexts: make(map[string]string),
	}
}

// Start ensures a live context for loopID and returns its id. Idempotent:
// an existing mapping is returned as-is.
func (m *ContextManager) Start(ctx context.Context, loopID string) (string, error) {
	m.mu.Lock()
	if id, ok := m.contexts[loopID]; ok {
		m.mu.Unlock()
		return id, nil
	}
	m.mu.Unlock()

	out, err := m.exec.Output(ctx, "start", "--loop-id", loopID)
	if err != nil {
		return "", fmt.Errorf("context start for loop %s: %w", loopID, err)
	}
	if out == "" {
		return "", fmt.Errorf("context start for loop %s: empty context id", loopID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// A racing Start may have won; keep the first mapping and terminate ours.
	if existing, ok := m.contexts[loopID]; ok {
		go m.terminateByID(context.Background(), out, TerminateManual)
		return existing, nil
	}
	m.contexts[loopID] = out
	return out, nil
}

// Lookup returns the live context id for loopID, if any.
func (m *ContextManager) Lookup(loopID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.contexts[loopID]
	return id, ok
}

// KeepAlive pings the judge to keep a context warm. Best-effort: a mismatched
// or missing mapping is logged and ignored; a "context not found" answer
// drops the mapping so we stop retrying a dead context.
func (m *ContextManager) KeepAlive(ctx context.Context, loopID, contextID string) {
	m.mu.Lock()
	current, ok := m.contexts[loopID]
	m.mu.Unlock()
	if !ok || current != contextID {
		log.Printf("keep-alive skipped for loop %s: mapping %q does not match %q", loopID, current, contextID)
		return
	}

	err := m.exec.Run(ctx, "maintain", "--context-id", contextID, "--loop-id", loopID)
	if err == nil {
		return
	}
	if strings.Contains(err.Error(), "context not found") {
		m.mu.Lock()
		delete(m.contexts, loopID)
		m.mu.Unlock()
		return
	}
	fmt.Fprintf(os.Stderr, "keep-alive for loop %s: %v\n", loopID, err)
}

// KeepAliveAll pings every known context. Run on a timer so long-lived
// contexts survive judge-side idle reaping; dead contexts drop out of the
// mapping as KeepAlive discovers them.
func (m *ContextManager) KeepAliveAll(ctx context.Context) {
	m.mu.Lock()
	snapshot := make(map[string]string, len(m.contexts))
	for loopID, contextID := range m.contexts {
		snapshot[loopID] = contextID
	}
	m.mu.Unlock()

	for loopID, contextID := range snapshot {
		m.KeepAlive(ctx, loopID, contextID)
	}
}

// Terminate tears down the context for loopID. Idempotent: a missing mapping
// is a no-op. The in-memory mapping is always cleared, even when the
// subcommand fails, so a wedged judge cannot hold a slot forever.
func (m *ContextManager) Terminate(ctx context.Context, loopID string, reason TerminateReason) {
	m.mu.Lock()
	contextID, ok := m.contexts[loopID]
	delete(m.contexts, loopID)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.terminateByID(ctx, contextID, reason)
}

func (m *ContextManager) terminateByID(ctx context.Context, contextID string, reason TerminateReason) {
	if err := m.exec.Run(ctx, "terminate", "--context-id", contextID, "--reason", string(reason)); err != nil {
		fmt.Fprintf(os.Stderr, "context terminate %s (%s): %v\n", contextID, reason, err)
	}
}

// TerminateAll tears down every known context in parallel, ignoring
// individual failures. Used at shutdown and during emergency cleanup.
func (m *ContextManager) TerminateAll(ctx context.Context, reason TerminateReason) {
	m.mu.Lock()
	pending := make(map[string]string, len(m.contexts))
	for loopID, contextID := range m.contexts {
		pending[loopID] = contextID
	}
	m.contexts = make(map[string]string)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, contextID := range pending {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.terminateByID(ctx, id, reason)
		}(contextID)
	}
	wg.Wait()
}

// SweepStale probes each known context and drops mappings whose context is
// no longer live on the judge side.
func (m *ContextManager) SweepStale(ctx context.Context) {
	m.mu.Lock()
	snapshot := make(map[string]string, len(m.contexts))
	for loopID, contextID := range m.contexts {
		snapshot[loopID] = contextID
	}
	m.mu.Unlock()

	for loopID, contextID := range snapshot {
		if err := m.exec.Run(ctx, "status", "--context-id", contextID); err != nil {
			m.mu.Lock()
			if m.contexts[loopID] == contextID {
				delete(m.contexts, loopID)
			}
			m.mu.Unlock()
			log.Printf("dropped stale judge context %s for loop %s", contextID, loopID)
		}
	}
}

// ActiveCount returns the number of live context mappings.
func (m *ContextManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.contexts)
}
