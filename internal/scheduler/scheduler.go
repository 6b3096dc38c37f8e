package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/bgricker/dispatch/internal/executor"
	"github.com/bgricker/dispatch/internal/expr"
	"github.com/bgricker/dispatch/internal/progress"
	"github.com/bgricker/dispatch/internal/report"
	"github.com/bgricker/dispatch/internal/workflow"
)

// JobRunner executes one job instance. *executor.Executor implements it.
type JobRunner interface {
	RunJob(ctx context.Context, job executor.Job) report.JobResult
}

// Options configure a Scheduler.
type Options struct {
	Runner JobRunner
	// MaxParallel bounds the instances running at once within one run. Zero
	// is unbounded.
	MaxParallel int
	// Labels are the runs-on labels the local runner satisfies. Nil means
	// DefaultLabels.
	Labels   []string
	Reporter progress.Reporter
	Logger   *zap.Logger
	Now      func() time.Time
}

// Plan is one triggered workflow ready to schedule.
type Plan struct {
	Workflow *workflow.Definition
	// Context carries the github, inputs and env roots for expressions.
	Context expr.Context
}

// Scheduler runs every job of a plan, honoring needs and parallelism bounds.
type Scheduler struct {
	runner      JobRunner
	maxParallel int
	labels      map[string]bool
	reporter    progress.Reporter
	log         *zap.Logger
	now         func() time.Time
}

// New creates a scheduler.
func New(opts Options) *Scheduler {
	if opts.Labels == nil {
		opts.Labels = DefaultLabels()
	}
	if opts.Reporter == nil {
		opts.Reporter = progress.NoOp{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	labels := make(map[string]bool, len(opts.Labels))
	for _, l := range opts.Labels {
		if l = normalizeLabel(l); l != "" {
			labels[l] = true
		}
	}
	return &Scheduler{
		runner:      opts.Runner,
		maxParallel: opts.MaxParallel,
		labels:      labels,
		reporter:    opts.Reporter,
		log:         opts.Logger,
		now:         opts.Now,
	}
}

// DefaultLabels derives runner labels from the host. The hosted-runner alias
// for the host OS is included so that the usual runs-on values match.
func DefaultLabels() []string {
	labels := []string{"self-hosted", "local", runtime.GOOS, runtime.GOARCH}
	switch runtime.GOOS {
	case "linux":
		labels = append(labels, "ubuntu-latest", "ubuntu-24.04", "ubuntu-22.04")
	case "darwin":
		labels = append(labels, "macos-latest", "macos")
	case "windows":
		labels = append(labels, "windows-latest")
	}
	return labels
}

// jobState tracks the instances of one job. done is closed once every
// instance is terminal; ok is written before that.
type jobState struct {
	job       *workflow.Job
	instances []workflow.Instance
	results   []report.JobResult
	done      chan struct{}
	ok        bool
	sem       *semaphore.Weighted
}

// Run expands and executes every job of the plan. Results are ordered by job
// declaration and then by matrix combination.
func (s *Scheduler) Run(ctx context.Context, p Plan) report.RunResult {
	start := s.now()
	res := report.RunResult{
		WorkflowPath: p.Workflow.Path,
		WorkflowName: p.Workflow.Name,
		StartedAt:    start,
	}
	finish := func() report.RunResult {
		res.FinishedAt = s.now()
		res.Duration = res.FinishedAt.Sub(start)
		res.DurationMS = res.Duration.Milliseconds()
		return res
	}

	states, byID, err := s.expand(p)
	if err != nil {
		res.Status = report.StatusFailure
		res.SetErr(err)
		return finish()
	}

	var wide *semaphore.Weighted
	if s.maxParallel > 0 {
		wide = semaphore.NewWeighted(int64(s.maxParallel))
	}

	var g errgroup.Group
	for _, st := range states {
		var wg sync.WaitGroup
		for i := range st.instances {
			wg.Add(1)
			g.Go(func() error {
				defer wg.Done()
				st.results[i] = s.runInstance(ctx, p, byID, st, i, wide)
				return nil
			})
		}
		g.Go(func() error {
			wg.Wait()
			st.ok = true
			for _, r := range st.results {
				if r.Status != report.StatusSuccess {
					st.ok = false
				}
			}
			close(st.done)
			return nil
		})
	}
	_ = g.Wait()

	var errs error
	for _, st := range states {
		for _, r := range st.results {
			res.Jobs = append(res.Jobs, r)
			if r.Status.Failed() && r.Err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", r.Name, r.Err))
			}
		}
	}
	res.Status = report.RunStatus(res.Jobs)
	res.SetErr(errs)
	return finish()
}

func (s *Scheduler) expand(p Plan) ([]*jobState, map[string]*jobState, error) {
	ordered := make([]*jobState, 0, len(p.Workflow.Jobs))
	byID := make(map[string]*jobState, len(p.Workflow.Jobs))
	for i := range p.Workflow.Jobs {
		job := &p.Workflow.Jobs[i]
		instances, err := job.Instances(p.Context)
		if err != nil {
			return nil, nil, err
		}
		st := &jobState{
			job:       job,
			instances: instances,
			results:   make([]report.JobResult, len(instances)),
			done:      make(chan struct{}),
		}
		if job.Strategy.MaxParallel > 0 {
			st.sem = semaphore.NewWeighted(int64(job.Strategy.MaxParallel))
		}
		ordered = append(ordered, st)
		byID[job.ID] = st
	}
	for _, st := range ordered {
		for _, need := range st.job.Needs {
			if _, ok := byID[need]; !ok {
				return nil, nil, fmt.Errorf("job %q needs unknown job %q", st.job.ID, need)
			}
		}
	}
	if _, err := workflow.TopologicalOrder(p.Workflow.Jobs); err != nil {
		return nil, nil, err
	}
	return ordered, byID, nil
}

func (s *Scheduler) runInstance(ctx context.Context, p Plan, states map[string]*jobState, st *jobState, idx int, wide *semaphore.Weighted) report.JobResult {
	in := st.instances[idx]
	log := s.log.With(zap.String("workflow", p.Workflow.Name), zap.String("job", in.Name))

	for _, need := range st.job.Needs {
		select {
		case <-states[need].done:
		case <-ctx.Done():
			return s.unstarted(ctx, in, report.StatusCancelled, "run cancelled before the job started")
		}
	}
	for _, need := range st.job.Needs {
		if !states[need].ok {
			log.Debug("skipping job with unsuccessful dependency", zap.String("needs", need))
			return s.unstarted(ctx, in, report.StatusSkipped, fmt.Sprintf("dependency %q did not succeed", need))
		}
	}

	if missing := s.missingLabels(in.Job.RunsOn, in.Context(p.Context)); len(missing) > 0 {
		return s.unstarted(ctx, in, report.StatusSkipped,
			fmt.Sprintf("runner does not provide label(s) %s", strings.Join(missing, ", ")))
	}

	if st.sem != nil {
		if err := st.sem.Acquire(ctx, 1); err != nil {
			return s.unstarted(ctx, in, report.StatusCancelled, "run cancelled before the job started")
		}
		defer st.sem.Release(1)
	}
	if wide != nil {
		if err := wide.Acquire(ctx, 1); err != nil {
			return s.unstarted(ctx, in, report.StatusCancelled, "run cancelled before the job started")
		}
		defer wide.Release(1)
	}
	if ctx.Err() != nil {
		return s.unstarted(ctx, in, report.StatusCancelled, "run cancelled before the job started")
	}

	s.reporter.OnJobStart(p.Workflow.Name, in.Name)
	log.Debug("starting job")
	res := s.runner.RunJob(ctx, executor.Job{Workflow: p.Workflow, Instance: in, Context: p.Context})
	s.reporter.OnJobComplete(p.Workflow.Name, res)
	return res
}

func (s *Scheduler) unstarted(ctx context.Context, in workflow.Instance, status report.Status, note string) report.JobResult {
	now := s.now()
	res := report.JobResult{
		JobID:      in.Job.ID,
		Name:       in.Name,
		Matrix:     in.Combination.Map(),
		Status:     status,
		Note:       note,
		StartedAt:  now,
		FinishedAt: now,
	}
	if status == report.StatusCancelled {
		res.SetErr(&executor.CancellationError{Cause: context.Cause(ctx)})
	}
	return res
}

func (s *Scheduler) missingLabels(runsOn []string, ctx expr.Context) []string {
	var missing []string
	for _, label := range runsOn {
		label = expr.Interpolate(label, ctx)
		if l := normalizeLabel(label); l != "" && !s.labels[l] {
			missing = append(missing, label)
		}
	}
	return missing
}

func normalizeLabel(l string) string {
	return strings.ToLower(strings.TrimSpace(l))
}
