package executor

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCancelled matches every CancellationError.
	ErrCancelled = errors.New("job cancelled")
	// ErrTimedOut matches every TimeoutError.
	ErrTimedOut = errors.New("job timed out")
)

// StepFailure reports the first required step that failed in a job.
type StepFailure struct {
	Step     string
	ExitCode int
	Err      error
}

func (e *StepFailure) Error() string {
	return fmt.Sprintf("step %q failed with exit code %d", e.Step, e.ExitCode)
}

func (e *StepFailure) Unwrap() error { return e.Err }

// CancellationError reports that the job's lease was cancelled before it
// finished. Cause is the cancellation cause of the lease context.
type CancellationError struct {
	Cause error
}

func (e *CancellationError) Error() string {
	if e.Cause == nil {
		return ErrCancelled.Error()
	}
	return fmt.Sprintf("%s: %v", ErrCancelled, e.Cause)
}

func (e *CancellationError) Is(target error) bool { return target == ErrCancelled }

func (e *CancellationError) Unwrap() error { return e.Cause }

// TimeoutError reports that a job exceeded its timeout-minutes.
type TimeoutError struct {
	Job   string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %q exceeded its timeout of %s", e.Job, e.Limit)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimedOut }
