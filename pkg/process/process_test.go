//go:build unix

package process

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recordedCall struct {
	binary  string
	outcome string
}

type fakeRecorder struct {
	calls []recordedCall
}

func (r *fakeRecorder) RecordProcess(binary, outcome string, _ time.Duration) {
	r.calls = append(r.calls, recordedCall{binary: binary, outcome: outcome})
}

func newTestExecutor(opts ...Option) *LocalExecutor {
	return NewLocalExecutor(zerolog.New(nil).Level(zerolog.Disabled), opts...)
}

func TestRunSuccess(t *testing.T) {
	rec := &fakeRecorder{}
	e := newTestExecutor(WithRecorder(rec))

	res := e.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo out; echo err >&2"},
	})

	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "out" {
		t.Errorf("unexpected stdout %q", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "err" {
		t.Errorf("unexpected stderr %q", res.Stderr)
	}
	if len(rec.calls) != 1 || rec.calls[0].binary != "sh" || rec.calls[0].outcome != OutcomeSuccess {
		t.Errorf("unexpected recorder calls: %+v", rec.calls)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	e := newTestExecutor()

	res := e.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo boom >&2; exit 3"},
	})

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.TimedOut {
		t.Error("expected TimedOut to be false")
	}
	if res.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", res.ExitCode)
	}
	if res.Outcome() != OutcomeFailure {
		t.Errorf("expected outcome %s, got %s", OutcomeFailure, res.Outcome())
	}
	if !strings.Contains(res.Reason(), "boom") {
		t.Errorf("expected reason to carry stderr, got %q", res.Reason())
	}
}

func TestRunTimeoutKillsProcessGroup(t *testing.T) {
	e := newTestExecutor(WithGracePeriod(time.Second))

	start := time.Now()
	// The background sleep keeps the stdout pipe open unless the whole group dies.
	res := e.Run(context.Background(), Command{
		Name:    "sh",
		Args:    []string{"-c", "sleep 30 & sleep 30"},
		Timeout: 200 * time.Millisecond,
	})
	elapsed := time.Since(start)

	if res.Success {
		t.Fatal("expected failure on timeout")
	}
	if !res.TimedOut {
		t.Fatalf("expected TimedOut, got %+v", res)
	}
	if res.ExitCode != -1 {
		t.Errorf("expected exit code -1, got %d", res.ExitCode)
	}
	if elapsed > 3*time.Second {
		t.Errorf("run blocked for %s, past timeout plus grace", elapsed)
	}
	if !strings.Contains(res.Reason(), "timed out") {
		t.Errorf("unexpected reason %q", res.Reason())
	}
}

func TestRunMissingBinary(t *testing.T) {
	rec := &fakeRecorder{}
	e := newTestExecutor(WithRecorder(rec))

	res := e.Run(context.Background(), Command{Name: "labforge-definitely-missing-binary"})

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.StartErr == nil {
		t.Fatal("expected StartErr to be set")
	}
	if res.ExitCode != -1 {
		t.Errorf("expected exit code -1, got %d", res.ExitCode)
	}
	if rec.calls[0].outcome != OutcomeStartErr {
		t.Errorf("expected outcome %s, got %s", OutcomeStartErr, rec.calls[0].outcome)
	}
}

func TestRunDirAndEnv(t *testing.T) {
	e := newTestExecutor()
	dir := t.TempDir()

	res := e.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "pwd; echo $LABFORGE_TEST_VAR"},
		Dir:  dir,
		Env:  map[string]string{"LABFORGE_TEST_VAR": "hello"},
	})

	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	if len(lines) != 2 {
		t.Fatalf("unexpected output %q", res.Stdout)
	}
	if !strings.HasSuffix(lines[0], strings.TrimPrefix(dir, "/private")) {
		t.Errorf("expected working dir %s, got %s", dir, lines[0])
	}
	if lines[1] != "hello" {
		t.Errorf("expected env value hello, got %s", lines[1])
	}
}

func TestCommandString(t *testing.T) {
	c := Command{Name: "terraform", Args: []string{"plan", "-out=tfplan"}}
	if got := c.String(); got != "terraform plan -out=tfplan" {
		t.Errorf("unexpected command string %q", got)
	}
}
