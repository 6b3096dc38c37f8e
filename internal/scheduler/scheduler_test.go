package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bgricker/dispatch/internal/executor"
	"github.com/bgricker/dispatch/internal/report"
	"github.com/bgricker/dispatch/internal/workflow"
)

type fakeRunner struct {
	mu     sync.Mutex
	delay  time.Duration
	slow   map[string]time.Duration
	fail   map[string]bool
	events []string
	active map[string]int
	peak   map[string]int
	total  int
	top    int
}

func newFakeRunner(delay time.Duration, fail ...string) *fakeRunner {
	f := &fakeRunner{delay: delay, fail: map[string]bool{}, active: map[string]int{}, peak: map[string]int{}}
	for _, name := range fail {
		f.fail[name] = true
	}
	return f
}

func (f *fakeRunner) RunJob(_ context.Context, job executor.Job) report.JobResult {
	id := job.Instance.Job.ID
	f.mu.Lock()
	f.events = append(f.events, "start "+job.Instance.Name)
	f.active[id]++
	f.total++
	f.peak[id] = max(f.peak[id], f.active[id])
	f.top = max(f.top, f.total)
	f.mu.Unlock()

	delay, ok := f.slow[job.Instance.Name]
	if !ok {
		delay = f.delay
	}
	time.Sleep(delay)

	f.mu.Lock()
	f.active[id]--
	f.total--
	f.events = append(f.events, "end "+job.Instance.Name)
	f.mu.Unlock()

	status := report.StatusSuccess
	if f.fail[job.Instance.Name] {
		status = report.StatusFailure
	}
	res := report.JobResult{JobID: id, Name: job.Instance.Name, Status: status, FinishedAt: time.Now()}
	if status == report.StatusFailure {
		res.SetErr(&executor.StepFailure{Step: "boom", ExitCode: 1})
	}
	return res
}

func (f *fakeRunner) index(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, e := range f.events {
		if e == event {
			return i
		}
	}
	return -1
}

func decode(t *testing.T, src string) *workflow.Definition {
	t.Helper()
	def, err := workflow.Decode(strings.NewReader(src), "ci.yml")
	require.NoError(t, err)
	return def
}

func newScheduler(t *testing.T, runner JobRunner, opts Options) *Scheduler {
	opts.Runner = runner
	opts.Logger = zaptest.NewLogger(t)
	if opts.Labels == nil {
		opts.Labels = []string{"local"}
	}
	return New(opts)
}

func byName(res report.RunResult) map[string]report.JobResult {
	out := make(map[string]report.JobResult, len(res.Jobs))
	for _, j := range res.Jobs {
		out[j.Name] = j
	}
	return out
}

func TestRunHonorsNeeds(t *testing.T) {
	def := decode(t, `
on: push
jobs:
  test:
    needs: build
    steps: [{run: "true"}]
  build:
    steps: [{run: "true"}]
  lint:
    steps: [{run: "true"}]
`)
	runner := newFakeRunner(50 * time.Millisecond)
	res := newScheduler(t, runner, Options{}).Run(context.Background(), Plan{Workflow: def})

	assert.Equal(t, report.StatusSuccess, res.Status)
	require.Len(t, res.Jobs, 3)
	assert.Equal(t, []string{"test", "build", "lint"}, []string{res.Jobs[0].Name, res.Jobs[1].Name, res.Jobs[2].Name})
	assert.Less(t, runner.index("end build"), runner.index("start test"))
	assert.Less(t, runner.index("start lint"), runner.index("end build"), "independent jobs run in parallel")
}

func TestRunSkipsDependentsOfFailedJobs(t *testing.T) {
	def := decode(t, `
on: push
jobs:
  build:
    steps: [{run: "true"}]
  test:
    needs: build
    steps: [{run: "true"}]
  deploy:
    needs: [test]
    steps: [{run: "true"}]
`)
	runner := newFakeRunner(0, "build")
	res := newScheduler(t, runner, Options{}).Run(context.Background(), Plan{Workflow: def})

	jobs := byName(res)
	assert.Equal(t, report.StatusFailure, jobs["build"].Status)
	assert.Equal(t, report.StatusSkipped, jobs["test"].Status)
	assert.Contains(t, jobs["test"].Note, `"build"`)
	assert.Equal(t, report.StatusSkipped, jobs["deploy"].Status)
	assert.Equal(t, -1, runner.index("start test"))
	assert.Equal(t, report.StatusFailure, res.Status)

	var failure *executor.StepFailure
	assert.ErrorAs(t, res.Err, &failure)
}

func TestRunSkipsOnlyAfterEveryNeedFinishes(t *testing.T) {
	def := decode(t, `
on: push
jobs:
  a:
    steps: [{run: "false"}]
  b:
    steps: [{run: "sleep 1"}]
  c:
    needs: [a, b]
    steps: [{run: "true"}]
`)
	runner := newFakeRunner(0, "a")
	runner.slow = map[string]time.Duration{"b": 200 * time.Millisecond}
	res := newScheduler(t, runner, Options{}).Run(context.Background(), Plan{Workflow: def})

	jobs := byName(res)
	assert.Equal(t, report.StatusFailure, jobs["a"].Status)
	assert.Equal(t, report.StatusSuccess, jobs["b"].Status)
	assert.Equal(t, report.StatusSkipped, jobs["c"].Status)
	assert.Contains(t, jobs["c"].Note, `"a"`)
	assert.False(t, jobs["c"].FinishedAt.Before(jobs["b"].FinishedAt), "c finished before its need b")
}

func TestRunWaitsForEveryInstance(t *testing.T) {
	def := decode(t, `
on: push
jobs:
  build:
    strategy:
      matrix:
        os: [a, b, c]
    steps: [{run: "true"}]
  publish:
    needs: build
    steps: [{run: "true"}]
`)
	runner := newFakeRunner(20*time.Millisecond, "build (b)")
	res := newScheduler(t, runner, Options{}).Run(context.Background(), Plan{Workflow: def})

	require.Len(t, res.Jobs, 4)
	assert.Equal(t, []string{"build (a)", "build (b)", "build (c)", "publish"},
		[]string{res.Jobs[0].Name, res.Jobs[1].Name, res.Jobs[2].Name, res.Jobs[3].Name})
	assert.Equal(t, report.StatusSuccess, res.Jobs[0].Status)
	assert.Equal(t, report.StatusFailure, res.Jobs[1].Status)
	assert.Equal(t, report.StatusSkipped, res.Jobs[3].Status)
}

func TestRunJobMaxParallel(t *testing.T) {
	def := decode(t, `
on: push
jobs:
  shard:
    strategy:
      max-parallel: 1
      matrix:
        n: [1, 2, 3, 4]
    steps: [{run: "true"}]
`)
	runner := newFakeRunner(20 * time.Millisecond)
	res := newScheduler(t, runner, Options{}).Run(context.Background(), Plan{Workflow: def})

	assert.Equal(t, report.StatusSuccess, res.Status)
	assert.Len(t, res.Jobs, 4)
	assert.Equal(t, 1, runner.peak["shard"])
}

func TestRunWorkflowMaxParallel(t *testing.T) {
	def := decode(t, `
on: push
jobs:
  a:
    strategy:
      matrix:
        n: [1, 2, 3]
    steps: [{run: "true"}]
  b:
    strategy:
      matrix:
        n: [1, 2, 3]
    steps: [{run: "true"}]
`)
	runner := newFakeRunner(30 * time.Millisecond)
	res := newScheduler(t, runner, Options{MaxParallel: 2}).Run(context.Background(), Plan{Workflow: def})

	assert.Equal(t, report.StatusSuccess, res.Status)
	assert.Len(t, res.Jobs, 6)
	assert.LessOrEqual(t, runner.top, 2)
}

func TestRunSkipsUnsupportedLabels(t *testing.T) {
	def := decode(t, `
on: push
jobs:
  build:
    runs-on: ${{ matrix.os }}
    strategy:
      matrix:
        os: [local, windows-2019]
    steps: [{run: "true"}]
`)
	runner := newFakeRunner(0)
	res := newScheduler(t, runner, Options{}).Run(context.Background(), Plan{Workflow: def})

	jobs := byName(res)
	assert.Equal(t, report.StatusSuccess, jobs["build (local)"].Status)
	skipped := jobs["build (windows-2019)"]
	assert.Equal(t, report.StatusSkipped, skipped.Status)
	assert.Contains(t, skipped.Note, "windows-2019")
	assert.Equal(t, report.StatusSuccess, res.Status)
}

func TestRunCancelledBeforeStart(t *testing.T) {
	def := decode(t, `
on: push
jobs:
  build:
    steps: [{run: "true"}]
  test:
    needs: build
    steps: [{run: "true"}]
`)
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(errors.New("superseded"))

	runner := newFakeRunner(0)
	res := newScheduler(t, runner, Options{}).Run(ctx, Plan{Workflow: def})

	assert.Equal(t, report.StatusCancelled, res.Status)
	jobs := byName(res)
	assert.Equal(t, report.StatusCancelled, jobs["build"].Status)
	assert.ErrorIs(t, jobs["build"].Err, executor.ErrCancelled)
	assert.NotEqual(t, report.StatusSuccess, jobs["test"].Status)
	assert.Equal(t, -1, runner.index("start build"))
}

func TestDefaultLabels(t *testing.T) {
	labels := DefaultLabels()
	assert.Contains(t, labels, "self-hosted")
	assert.NotEmpty(t, labels)
}
