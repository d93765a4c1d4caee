package judge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joestump/gan-auditor/internal/gan"
)

// writeStubJudge creates an executable shell script standing in for the judge
// binary.
func writeStubJudge(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "judge")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write stub judge: %v", err)
	}
	return path
}

func TestRunParsesCleanOutput(t *testing.T) {
	judge := writeStubJudge(t, `echo '{"overall": 88, "verdict": "pass", "summary": "looks good"}'`)
	r := &CLIRunner{Command: judge}

	review, err := r.Run(context.Background(), "audit this", 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if review.Overall != 88 || review.Verdict != gan.VerdictPass {
		t.Errorf("review = %+v", review)
	}
}

func TestRunSpawnFailure(t *testing.T) {
	r := &CLIRunner{Command: filepath.Join(t.TempDir(), "missing-binary")}

	_, err := r.Run(context.Background(), "audit", time.Second)
	if KindOf(err) != ErrSpawn {
		t.Fatalf("kind = %v, err = %v", KindOf(err), err)
	}
}

func TestRunTimeoutCarriesPartial(t *testing.T) {
	judge := writeStubJudge(t, `printf 'partial output'; sleep 30`)
	r := &CLIRunner{Command: judge}

	start := time.Now()
	_, err := r.Run(context.Background(), "audit", 200*time.Millisecond)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout not enforced, took %v", elapsed)
	}
	if KindOf(err) != ErrTimeout {
		t.Fatalf("kind = %v, err = %v", KindOf(err), err)
	}
	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatal("error is not a *RunError")
	}
	if runErr.Partial != "partial output" {
		t.Errorf("Partial = %q", runErr.Partial)
	}
}

func TestRunNonzeroExit(t *testing.T) {
	judge := writeStubJudge(t, `echo 'boom' >&2; exit 3`)
	r := &CLIRunner{Command: judge}

	_, err := r.Run(context.Background(), "audit", 5*time.Second)
	if KindOf(err) != ErrNonzeroExit {
		t.Fatalf("kind = %v, err = %v", KindOf(err), err)
	}
	var runErr *RunError
	if errors.As(err, &runErr) && runErr.Stderr == "" {
		t.Error("stderr not captured")
	}
}

func TestRunCancelled(t *testing.T) {
	judge := writeStubJudge(t, `sleep 30`)
	r := &CLIRunner{Command: judge}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err := r.Run(ctx, "audit", time.Minute)
	if KindOf(err) != ErrCancelled {
		t.Fatalf("kind = %v, err = %v", KindOf(err), err)
	}
}

func TestParseReviewTrailingObject(t *testing.T) {
	stdout := "Thinking about the problem...\nDone.\n{\"overall\": 70, \"verdict\": \"revise\", \"summary\": \"needs tests\"}"
	review, err := ParseReview(stdout)
	if err != nil {
		t.Fatalf("ParseReview: %v", err)
	}
	if review.Overall != 70 || review.Verdict != gan.VerdictRevise {
		t.Errorf("review = %+v", review)
	}
}

func TestParseReviewNoObject(t *testing.T) {
	_, err := ParseReview("no json here at all")
	if KindOf(err) != ErrUnparseable {
		t.Fatalf("kind = %v, err = %v", KindOf(err), err)
	}
}

func TestParseReviewNonObjectJSON(t *testing.T) {
	// Valid JSON but not an object.
	_, err := ParseReview(`[1, 2, 3]`)
	if KindOf(err) != ErrUnparseable {
		t.Fatalf("kind = %v, err = %v", KindOf(err), err)
	}
}

func TestParseReviewSalvagesBadFieldTypes(t *testing.T) {
	// overall has the wrong type; the rest should survive.
	stdout := `{"overall": "not a number", "verdict": "pass", "summary": "ok"}`
	review, err := ParseReview(stdout)
	if err != nil {
		t.Fatalf("ParseReview: %v", err)
	}
	if review.Verdict != gan.VerdictPass || review.Summary != "ok" {
		t.Errorf("salvage lost good fields: %+v", review)
	}
	if review.Overall != 0 {
		t.Errorf("Overall = %d, want default 0", review.Overall)
	}
}

func TestParseReviewNormalizes(t *testing.T) {
	review, err := ParseReview(`{"overall": 250, "verdict": "maybe"}`)
	if err != nil {
		t.Fatalf("ParseReview: %v", err)
	}
	if review.Overall != 100 {
		t.Errorf("Overall = %d, want clamped 100", review.Overall)
	}
	if review.Verdict != gan.VerdictRevise {
		t.Errorf("Verdict = %q, want default revise", review.Verdict)
	}
	if review.Citations == nil || review.Dimensions == nil {
		t.Error("nil slices not normalized")
	}
}
