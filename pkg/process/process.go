// Package process runs external engine binaries as timeout-bounded child
// processes and normalizes their outcome.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Outcome labels used for metrics.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeTimeout  = "timeout"
	OutcomeStartErr = "start_error"
)

// DefaultGracePeriod bounds how long Run waits for output pipes to close
// after the process group was killed.
const DefaultGracePeriod = 5 * time.Second

// Command describes one external process invocation.
type Command struct {
	// Name is the binary, resolved via PATH.
	Name string

	// Args are the command line arguments.
	Args []string

	// Dir is the working directory.
	Dir string

	// Env holds extra environment variables layered over os.Environ.
	Env map[string]string

	// Timeout bounds the run. Zero means no deadline beyond the context.
	Timeout time.Duration
}

// String renders the command line for logs.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the normalized outcome of an invocation.
// A non-zero exit or a timeout is a failed Result, never a Go error.
type Result struct {
	Success  bool          `json:"success"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"returncode"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`

	// StartErr is set when the binary could not be started at all.
	StartErr error `json:"-"`
}

// Reason summarizes why a result failed.
func (r Result) Reason() string {
	switch {
	case r.Success:
		return ""
	case r.TimedOut:
		return fmt.Sprintf("timed out after %s", r.Duration.Round(time.Millisecond))
	case r.StartErr != nil:
		return fmt.Sprintf("failed to start: %v", r.StartErr)
	default:
		msg := strings.TrimSpace(r.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(r.Stdout)
		}
		if msg == "" {
			return fmt.Sprintf("exit code %d", r.ExitCode)
		}
		return fmt.Sprintf("exit code %d: %s", r.ExitCode, msg)
	}
}

// Outcome returns the metrics label for the result.
func (r Result) Outcome() string {
	switch {
	case r.Success:
		return OutcomeSuccess
	case r.TimedOut:
		return OutcomeTimeout
	case r.StartErr != nil:
		return OutcomeStartErr
	default:
		return OutcomeFailure
	}
}

// Executor runs commands. Engine runners depend on it so tests can fake processes.
type Executor interface {
	Run(ctx context.Context, cmd Command) Result
}

// Recorder receives per-invocation measurements.
type Recorder interface {
	RecordProcess(binary, outcome string, duration time.Duration)
}

// LocalExecutor runs commands on the local host.
type LocalExecutor struct {
	logger      zerolog.Logger
	recorder    Recorder
	gracePeriod time.Duration
}

// Option configures a LocalExecutor.
type Option func(*LocalExecutor)

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *LocalExecutor) { e.recorder = r }
}

// WithGracePeriod overrides DefaultGracePeriod.
func WithGracePeriod(d time.Duration) Option {
	return func(e *LocalExecutor) { e.gracePeriod = d }
}

// NewLocalExecutor creates an executor for local processes.
func NewLocalExecutor(logger zerolog.Logger, opts ...Option) *LocalExecutor {
	e := &LocalExecutor{
		logger:      logger.With().Str("component", "process").Logger(),
		gracePeriod: DefaultGracePeriod,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the command and waits for it, killing the whole process
// group when the timeout or the parent context expires.
func (e *LocalExecutor) Run(ctx context.Context, c Command) Result {
	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	configureProcessGroup(cmd)
	cmd.WaitDelay = e.gracePeriod

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Debug().
		Str("command", c.String()).
		Str("dir", c.Dir).
		Dur("timeout", c.Timeout).
		Msg("Starting process")

	start := time.Now()
	err := cmd.Run()
	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	switch {
	case err == nil:
		result.Success = true
	case runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.TimedOut = true
		result.ExitCode = -1
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			result.StartErr = err
			if result.Stderr == "" {
				result.Stderr = err.Error()
			}
		}
	}

	if e.recorder != nil {
		e.recorder.RecordProcess(filepath.Base(c.Name), result.Outcome(), result.Duration)
	}

	event := e.logger.Debug()
	if !result.Success {
		event = e.logger.Warn()
	}
	event.
		Str("command", c.String()).
		Int("exit_code", result.ExitCode).
		Bool("timed_out", result.TimedOut).
		Dur("duration", result.Duration).
		Msg("Process finished")

	return result
}
