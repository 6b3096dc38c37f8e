package report

import "time"

// Status is the outcome of a step, job instance or run.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
	// StatusPending and StatusRunning only appear in run history.
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	// StatusNotTriggered marks a workflow the event did not activate.
	StatusNotTriggered Status = "not_triggered"
)

// Failed reports whether the status counts against the exit code.
func (s Status) Failed() bool {
	return s == StatusFailure || s == StatusTimedOut
}

// StepResult captures the outcome of a single step.
type StepResult struct {
	ID              string        `json:"id,omitempty"`
	Name            string        `json:"name"`
	Command         string        `json:"command,omitempty"`
	Status          Status        `json:"status"`
	Duration        time.Duration `json:"-"`
	DurationMS      int64         `json:"duration_ms"`
	Stdout          string        `json:"stdout,omitempty"`
	Stderr          string        `json:"stderr,omitempty"`
	ExitCode        int           `json:"exit_code"`
	Note            string        `json:"note,omitempty"`
	ContinueOnError bool          `json:"continue_on_error,omitempty"`
	DryRun          bool          `json:"dry_run"`
}

// JobResult captures the outcome of one job instance.
type JobResult struct {
	JobID      string            `json:"job_id"`
	Name       string            `json:"name"`
	Matrix     map[string]string `json:"matrix,omitempty"`
	Status     Status            `json:"status"`
	Note       string            `json:"note,omitempty"`
	Error      string            `json:"error,omitempty"`
	Err        error             `json:"-"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Duration   time.Duration     `json:"-"`
	DurationMS int64             `json:"duration_ms"`
	Steps      []StepResult      `json:"steps"`
}

// SetErr records err on the result in both forms.
func (j *JobResult) SetErr(err error) {
	j.Err = err
	if err != nil {
		j.Error = err.Error()
	}
}

// RunResult captures one triggered (or untriggered) workflow execution.
type RunResult struct {
	RunID            string        `json:"run_id,omitempty"`
	WorkflowPath     string        `json:"workflow_path"`
	WorkflowName     string        `json:"workflow_name"`
	Event            string        `json:"event"`
	Ref              string        `json:"ref,omitempty"`
	ConcurrencyGroup string        `json:"concurrency_group,omitempty"`
	Status           Status        `json:"status"`
	Reason           string        `json:"reason,omitempty"`
	Error            string        `json:"error,omitempty"`
	Err              error         `json:"-"`
	StartedAt        time.Time     `json:"started_at"`
	FinishedAt       time.Time     `json:"finished_at"`
	Duration         time.Duration `json:"-"`
	DurationMS       int64         `json:"duration_ms"`
	Jobs             []JobResult   `json:"jobs,omitempty"`
}

// SetErr records err on the result in both forms.
func (r *RunResult) SetErr(err error) {
	r.Err = err
	if err != nil {
		r.Error = err.Error()
	}
}

// Triggered reports whether the workflow ran.
func (r RunResult) Triggered() bool {
	return r.Status != StatusNotTriggered
}

// RunStatus folds job outcomes into a run outcome. Failures dominate
// timeouts, which dominate cancellations. A run whose jobs were all skipped is
// skipped.
func RunStatus(jobs []JobResult) Status {
	var failed, timedOut, cancelled bool
	skipped := 0
	for _, j := range jobs {
		switch j.Status {
		case StatusFailure:
			failed = true
		case StatusTimedOut:
			timedOut = true
		case StatusCancelled:
			cancelled = true
		case StatusSkipped:
			skipped++
		}
	}
	switch {
	case failed:
		return StatusFailure
	case timedOut:
		return StatusTimedOut
	case cancelled:
		return StatusCancelled
	case len(jobs) > 0 && skipped == len(jobs):
		return StatusSkipped
	default:
		return StatusSuccess
	}
}

// Summary aggregates execution results across runs. Job counters count job
// instances.
type Summary struct {
	TotalWorkflows int           `json:"total_workflows"`
	Triggered      int           `json:"triggered"`
	TotalJobs      int           `json:"total_jobs"`
	TotalSteps     int           `json:"total_steps"`
	Passed         int           `json:"passed"`
	Failed         int           `json:"failed"`
	Skipped        int           `json:"skipped"`
	Cancelled      int           `json:"cancelled"`
	TimedOut       int           `json:"timed_out"`
	Duration       time.Duration `json:"-"`
	DurationMS     int64         `json:"duration_ms"`
	ExitCode       int           `json:"exit_code"`
}

// Summarize computes the summary of runs. ExitCode is 1 when any run failed
// or timed out; cancelled runs do not affect it.
func Summarize(runs []RunResult) Summary {
	s := Summary{TotalWorkflows: len(runs)}
	for _, r := range runs {
		if !r.Triggered() {
			continue
		}
		s.Triggered++
		if r.Duration > s.Duration {
			s.Duration = r.Duration
		}
		if r.Status.Failed() {
			s.ExitCode = 1
		}
		for _, j := range r.Jobs {
			s.TotalJobs++
			s.TotalSteps += len(j.Steps)
			switch j.Status {
			case StatusSuccess:
				s.Passed++
			case StatusFailure:
				s.Failed++
			case StatusSkipped:
				s.Skipped++
			case StatusCancelled:
				s.Cancelled++
			case StatusTimedOut:
				s.TimedOut++
			}
		}
	}
	s.DurationMS = s.Duration.Milliseconds()
	return s
}
