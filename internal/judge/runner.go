// Package judge invokes the external judge command line: one-shot audit
// executions and the persistent context windows that back them. The judge is
// treated as an opaque oracle; this package only fences its process
// lifecycle and output framing.
package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/joestump/gan-auditor/internal/gan"
)

// ErrorKind classifies a judge invocation failure. Each kind maps to a
// distinct recovery path in the engine.
type ErrorKind string

const (
	ErrSpawn         ErrorKind = "spawn"
	ErrTimeout       ErrorKind = "timeout"
	ErrNonzeroExit   ErrorKind = "nonzeroExit"
	ErrUnparseable   ErrorKind = "unparseable"
	ErrSchemaInvalid ErrorKind = "schemaInvalid"
	ErrCancelled     ErrorKind = "cancelled"
)

// RunError carries the failure kind plus whatever the judge managed to emit
// before failing. Partial stdout is preserved so a timed-out audit can still
// surface a partial review.
type RunError struct {
	Kind    ErrorKind
	Partial string
	Stderr  string
	Err     error
}

func (e *RunError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("judge %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("judge %s", e.Kind)
}

func (e *RunError) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from an error returned by a Runner.
func KindOf(err error) ErrorKind {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ErrSpawn
}

// Runner abstracts the judge exec invocation so tests can substitute a
// canned implementation.
type Runner interface {
	Run(ctx context.Context, prompt string, timeout time.Duration) (gan.Review, error)
}

// CLIRunner implements Runner by spawning the configured judge binary:
// `<judge> exec <prompt>` with stdin closed and stdout collected to EOF.
type CLIRunner struct {
	Command string
	Args    []string
}

// Run invokes the judge once and parses its stdout into a Review. A hard
// timeout kills the process group and yields a timeout RunError carrying any
// partial stdout observed.
func (r *CLIRunner) Run(ctx context.Context, prompt string, timeout time.Duration) (gan.Review, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string(nil), r.Args...), "exec", prompt)
	cmd := exec.CommandContext(runCtx, r.Command, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return gan.Review{}, &RunError{Kind: ErrSpawn, Err: err}
	}

	err := cmd.Wait()
	partial := stdout.String()

	if runCtx.Err() == context.DeadlineExceeded {
		return gan.Review{}, &RunError{Kind: ErrTimeout, Partial: partial, Stderr: stderr.String(), Err: runCtx.Err()}
	}
	if ctx.Err() == context.Canceled {
		return gan.Review{}, &RunError{Kind: ErrCancelled, Partial: partial, Err: ctx.Err()}
	}
	if err != nil {
		return gan.Review{}, &RunError{Kind: ErrNonzeroExit, Partial: partial, Stderr: stderr.String(), Err: err}
	}

	return ParseReview(partial)
}

// ParseReview turns raw judge stdout into a normalized Review. It first
// tries a strict whole-output parse, then a greedy trailing-object
// extraction. Framing noise is forgiven; schema violations are not.
func ParseReview(stdout string) (gan.Review, error) {
	obj, ok := extractObject(stdout)
	if !ok {
		return gan.Review{}, &RunError{Kind: ErrUnparseable, Partial: stdout}
	}

	var probe any
	if err := json.Unmarshal([]byte(obj), &probe); err != nil {
		return gan.Review{}, &RunError{Kind: ErrUnparseable, Partial: stdout, Err: err}
	}
	if _, isObject := probe.(map[string]any); !isObject {
		return gan.Review{}, &RunError{Kind: ErrSchemaInvalid, Partial: stdout}
	}

	var review gan.Review
	if err := json.Unmarshal([]byte(obj), &review); err != nil {
		// The payload is a JSON object but some field has the wrong type.
		// Salvage what decodes field-by-field; defaults cover the rest.
		review = salvageReview([]byte(obj))
	}
	review.Normalize()
	return review, nil
}

// extractObject returns the JSON object in stdout. Strict parse of the whole
// trimmed output first; otherwise scan '{' positions from the end and take
// the last one that balances through EOF.
func extractObject(stdout string) (string, bool) {
	trimmed := strings.TrimSpace(stdout)
	if json.Valid([]byte(trimmed)) && strings.HasPrefix(trimmed, "{") {
		return trimmed, true
	}
	for i := strings.LastIndexByte(trimmed, '{'); i >= 0; i = strings.LastIndexByte(trimmed[:i], '{') {
		candidate := strings.TrimSpace(trimmed[i:])
		if json.Valid([]byte(candidate)) {
			return candidate, true
		}
		if i == 0 {
			break
		}
	}
	return "", false
}

// salvageReview decodes the fields that have the right type and ignores the
// rest. Review.Normalize fills in the defaults afterwards.
func salvageReview(obj []byte) gan.Review {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(obj, &fields); err != nil {
		return gan.Review{}
	}
	var r gan.Review
	tryField(fields, "overall", &r.Overall)
	tryField(fields, "dimensions", &r.Dimensions)
	tryField(fields, "verdict", &r.Verdict)
	tryField(fields, "summary", &r.Summary)
	tryField(fields, "inlineComments", &r.InlineComments)
	tryField(fields, "citations", &r.Citations)
	tryField(fields, "proposedDiff", &r.ProposedDiff)
	tryField(fields, "iterations", &r.Iterations)
	tryField(fields, "judgeCards", &r.JudgeCards)
	return r
}

func tryField[T any](fields map[string]json.RawMessage, key string, dst *T) {
	raw, ok := fields[key]
	if !ok {
		return
	}
	var v T
	if err := json.Unmarshal(raw, &v); err == nil {
		*dst = v
	}
}
