package progress

import "github.com/bgricker/dispatch/internal/report"

// Reporter receives progress updates while runs execute. Methods are called
// from many goroutines at once; implementations must be safe for that.
type Reporter interface {
	OnRunStart(workflow, runID string)
	OnJobStart(workflow, job string)
	OnJobComplete(workflow string, job report.JobResult)
	OnRunComplete(run report.RunResult)
}

// NoOp is a Reporter that does nothing. Use as default when no reporting is needed.
type NoOp struct{}

func (NoOp) OnRunStart(workflow, runID string)                   {}
func (NoOp) OnJobStart(workflow, job string)                     {}
func (NoOp) OnJobComplete(workflow string, job report.JobResult) {}
func (NoOp) OnRunComplete(run report.RunResult)                  {}
