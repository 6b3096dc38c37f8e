package output

import (
	"fmt"
	"io"
	"sync"

	"github.com/bgricker/dispatch/internal/progress"
	"github.com/bgricker/dispatch/internal/report"
)

// Live prints one line per run and job transition as runs execute.
type Live struct {
	mu  sync.Mutex
	out io.Writer
}

var _ progress.Reporter = (*Live)(nil)

// NewLive creates a live progress reporter writing to out.
func NewLive(out io.Writer) *Live {
	return &Live{out: out}
}

func (l *Live) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, format, args...)
}

func (l *Live) OnRunStart(workflow, runID string) {
	l.printf("⏳ %s queued (run %s)\n", workflow, shortID(runID))
}

func (l *Live) OnJobStart(workflow, job string) {
	l.printf("🟢 %s / %s\n", workflow, job)
}

func (l *Live) OnJobComplete(workflow string, job report.JobResult) {
	l.printf("%s %s / %s (%s)\n", liveGlyph(job.Status), workflow, job.Name, formatDuration(job.Duration))
}

func (l *Live) OnRunComplete(run report.RunResult) {
	l.printf("%s %s %s (%s)\n", liveGlyph(run.Status), run.WorkflowName, run.Status, formatDuration(run.Duration))
}

func liveGlyph(status report.Status) string {
	switch status {
	case report.StatusSuccess:
		return "✅"
	case report.StatusFailure, report.StatusTimedOut:
		return "❌"
	case report.StatusSkipped, report.StatusCancelled:
		return "⏭️"
	default:
		return "❓"
	}
}
