package report

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunStatus(t *testing.T) {
	jobs := func(statuses ...Status) []JobResult {
		out := make([]JobResult, 0, len(statuses))
		for _, s := range statuses {
			out = append(out, JobResult{Status: s})
		}
		return out
	}
	tests := []struct {
		name string
		jobs []JobResult
		want Status
	}{
		{name: "empty", jobs: nil, want: StatusSuccess},
		{name: "all success", jobs: jobs(StatusSuccess, StatusSuccess), want: StatusSuccess},
		{name: "success with skipped", jobs: jobs(StatusSuccess, StatusSkipped), want: StatusSuccess},
		{name: "all skipped", jobs: jobs(StatusSkipped, StatusSkipped), want: StatusSkipped},
		{name: "failure dominates", jobs: jobs(StatusTimedOut, StatusFailure, StatusCancelled), want: StatusFailure},
		{name: "timeout over cancel", jobs: jobs(StatusCancelled, StatusTimedOut), want: StatusTimedOut},
		{name: "cancelled", jobs: jobs(StatusSuccess, StatusCancelled), want: StatusCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RunStatus(tt.jobs))
		})
	}
}

func TestSummarize(t *testing.T) {
	runs := []RunResult{
		{
			Status:   StatusFailure,
			Duration: 2 * time.Second,
			Jobs: []JobResult{
				{Status: StatusSuccess, Steps: make([]StepResult, 2)},
				{Status: StatusFailure, Steps: make([]StepResult, 3)},
			},
		},
		{
			Status:   StatusCancelled,
			Duration: 3 * time.Second,
			Jobs:     []JobResult{{Status: StatusCancelled, Steps: make([]StepResult, 1)}},
		},
		{Status: StatusNotTriggered},
	}
	s := Summarize(runs)
	assert.Equal(t, 3, s.TotalWorkflows)
	assert.Equal(t, 2, s.Triggered)
	assert.Equal(t, 3, s.TotalJobs)
	assert.Equal(t, 6, s.TotalSteps)
	assert.Equal(t, 1, s.Passed)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Cancelled)
	assert.Equal(t, int64(3000), s.DurationMS)
	assert.Equal(t, 1, s.ExitCode)

	s = Summarize(runs[1:])
	assert.Equal(t, 0, s.ExitCode, "cancelled runs are not errors")
}
