package engine

import "fmt"

// StageResult is the tagged outcome of a single pipeline stage.
// Exactly one of the ok or fail forms is produced by Ok, Skipped or Fail.
type StageResult struct {
	Stage   Stage
	ok      bool
	skipped bool
	detail  string
	err     error
}

// Ok reports that a stage completed. Detail is the log line for the stage.
func Ok(stage Stage, detail string) StageResult {
	return StageResult{Stage: stage, ok: true, detail: detail}
}

// Okf is Ok with a formatted detail.
func Okf(stage Stage, format string, args ...interface{}) StageResult {
	return Ok(stage, fmt.Sprintf(format, args...))
}

// Skipped reports that an optional stage did not apply.
func Skipped(stage Stage, detail string) StageResult {
	return StageResult{Stage: stage, ok: true, skipped: true, detail: detail}
}

// Fail reports that a stage failed with a human-readable reason and a cause.
func Fail(stage Stage, reason string, err error) StageResult {
	return StageResult{Stage: stage, detail: reason, err: err}
}

// IsOk returns true for ok and skipped results.
func (r StageResult) IsOk() bool { return r.ok }

// IsSkipped returns true for skipped results.
func (r StageResult) IsSkipped() bool { return r.skipped }

// Detail returns the log line for ok results and the reason for failures.
func (r StageResult) Detail() string { return r.detail }

// Err returns the failure cause, nil for ok results.
func (r StageResult) Err() error { return r.err }

// Message renders the failure as "<reason>: <cause>".
func (r StageResult) Message() string {
	if r.ok {
		return r.detail
	}
	if r.err == nil {
		return r.detail
	}
	if r.detail == "" {
		return r.err.Error()
	}
	return fmt.Sprintf("%s: %v", r.detail, r.err)
}
