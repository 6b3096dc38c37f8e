package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bgricker/dispatch/internal/executor"
	"github.com/bgricker/dispatch/internal/expr"
	"github.com/bgricker/dispatch/internal/gate"
	"github.com/bgricker/dispatch/internal/progress"
	"github.com/bgricker/dispatch/internal/report"
	"github.com/bgricker/dispatch/internal/scheduler"
	"github.com/bgricker/dispatch/internal/store"
	"github.com/bgricker/dispatch/internal/trigger"
	"github.com/bgricker/dispatch/internal/workflow"
)

// Runner schedules the jobs of one triggered workflow.
// *scheduler.Scheduler implements it.
type Runner interface {
	Run(ctx context.Context, p scheduler.Plan) report.RunResult
}

// History records run lifecycle transitions. *store.Store implements it.
type History interface {
	CreateRun(ctx context.Context, r store.Run) error
	MarkRunRunning(ctx context.Context, id string) error
	FinishRun(ctx context.Context, id string, status report.Status, runErr error) error
	SaveJobs(ctx context.Context, runID string, jobs []report.JobResult) error
}

// Options configure a Dispatcher.
type Options struct {
	Runner Runner
	// Gate is shared by every run the dispatcher starts. Nil creates one.
	Gate *gate.Registry
	// History is optional.
	History       History
	Reporter      progress.Reporter
	Logger        *zap.Logger
	DefaultBranch string
	Repository    string
	Actor         string
	Now           func() time.Time
	NewID         func() string
}

// Dispatcher turns events into runs.
type Dispatcher struct {
	runner        Runner
	gate          *gate.Registry
	history       History
	reporter      progress.Reporter
	log           *zap.Logger
	defaultBranch string
	repository    string
	actor         string
	now           func() time.Time
	newID         func() string
}

// New creates a dispatcher.
func New(opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Gate == nil {
		opts.Gate = gate.NewRegistry(opts.Logger)
	}
	if opts.Reporter == nil {
		opts.Reporter = progress.NoOp{}
	}
	if opts.DefaultBranch == "" {
		opts.DefaultBranch = "main"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Dispatcher{
		runner:        opts.Runner,
		gate:          opts.Gate,
		history:       opts.History,
		reporter:      opts.Reporter,
		log:           opts.Logger,
		defaultBranch: opts.DefaultBranch,
		repository:    opts.Repository,
		actor:         opts.Actor,
		now:           opts.Now,
		newID:         opts.NewID,
	}
}

// Dispatch offers ev to every definition concurrently and runs those it
// triggers. Results are in definition order. The returned error combines
// invalid manual inputs; run failures are reported in the results only.
func (d *Dispatcher) Dispatch(ctx context.Context, defs []*workflow.Definition, ev trigger.Event) ([]report.RunResult, error) {
	if ev.Branch == "" {
		ev.Branch = d.defaultBranch
	}
	if ev.Time.IsZero() {
		ev.Time = d.now()
	}

	results := make([]report.RunResult, len(defs))
	errs := make([]error, len(defs))
	var g errgroup.Group
	for i, def := range defs {
		g.Go(func() error {
			results[i], errs[i] = d.dispatchOne(ctx, def, ev)
			return nil
		})
	}
	_ = g.Wait()
	return results, multierr.Combine(errs...)
}

func (d *Dispatcher) dispatchOne(ctx context.Context, def *workflow.Definition, ev trigger.Event) (report.RunResult, error) {
	res := report.RunResult{
		WorkflowPath: def.Path,
		WorkflowName: def.Name,
		Event:        string(ev.Kind),
		Ref:          ref(ev),
	}
	log := d.log.With(zap.String("workflow", def.Name), zap.String("event", string(ev.Kind)))

	m, err := trigger.Match(def, ev)
	if err != nil {
		res.Status = report.StatusFailure
		res.Reason = m.Reason
		res.SetErr(fmt.Errorf("%s: %w", def.Path, err))
		return res, res.Err
	}
	if !m.Matched {
		res.Status = report.StatusNotTriggered
		res.Reason = m.Reason
		log.Debug("workflow not triggered", zap.String("reason", m.Reason))
		return res, nil
	}
	res.Reason = m.Reason

	res.RunID = d.newID()
	ectx := d.context(def, ev, res.RunID, m.Inputs)
	cancelInProgress := false
	if def.Concurrency != nil {
		res.ConcurrencyGroup = expr.Interpolate(def.Concurrency.Group, ectx)
		cancelInProgress = def.Concurrency.CancelInProgress
	}
	log = log.With(zap.String("run_id", res.RunID), zap.String("group", res.ConcurrencyGroup))

	res.StartedAt = d.now()
	d.record(log, "create run", func(hctx context.Context) error {
		return d.history.CreateRun(hctx, store.Run{
			ID:               res.RunID,
			Workflow:         def.Name,
			Path:             def.Path,
			Event:            res.Event,
			Ref:              res.Ref,
			ConcurrencyGroup: res.ConcurrencyGroup,
			Status:           report.StatusPending,
			StartedAt:        res.StartedAt,
		})
	})
	d.reporter.OnRunStart(def.Name, res.RunID)

	lease, err := d.gate.Acquire(ctx, res.ConcurrencyGroup, res.RunID, cancelInProgress)
	if err != nil {
		log.Info("run cancelled before it started", zap.Error(err))
		res.Status = report.StatusCancelled
		res.SetErr(&executor.CancellationError{Cause: err})
		return d.finish(log, res), nil
	}
	d.record(log, "mark run running", func(hctx context.Context) error {
		return d.history.MarkRunRunning(hctx, res.RunID)
	})
	log.Info("run started")

	planned := d.runner.Run(lease.Context(), scheduler.Plan{Workflow: def, Context: ectx})
	d.gate.Release(lease)

	res.Jobs = planned.Jobs
	res.Status = planned.Status
	res.SetErr(planned.Err)
	if res.Status == report.StatusCancelled {
		if cause := context.Cause(lease.Context()); errors.Is(cause, gate.ErrSuperseded) {
			res.Reason = "superseded by a newer run in group " + res.ConcurrencyGroup
		}
	}
	d.record(log, "save jobs", func(hctx context.Context) error {
		return d.history.SaveJobs(hctx, res.RunID, res.Jobs)
	})
	return d.finish(log, res), nil
}

func (d *Dispatcher) finish(log *zap.Logger, res report.RunResult) report.RunResult {
	res.FinishedAt = d.now()
	res.Duration = res.FinishedAt.Sub(res.StartedAt)
	res.DurationMS = res.Duration.Milliseconds()
	d.record(log, "finish run", func(hctx context.Context) error {
		return d.history.FinishRun(hctx, res.RunID, res.Status, res.Err)
	})
	log.Info("run finished", zap.String("status", string(res.Status)), zap.Duration("duration", res.Duration))
	d.reporter.OnRunComplete(res)
	return res
}

// record writes to history on a context detached from the run, so
// cancellation of a superseded run is still recorded. Failures are logged.
func (d *Dispatcher) record(log *zap.Logger, what string, fn func(context.Context) error) {
	if d.history == nil {
		return
	}
	hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(hctx); err != nil {
		log.Warn("history write failed", zap.String("op", what), zap.Error(err))
	}
}

// context builds the expression context shared by every job of a run.
func (d *Dispatcher) context(def *workflow.Definition, ev trigger.Event, runID string, inputs map[string]string) expr.Context {
	gh := map[string]string{
		"event_name": string(ev.Kind),
		"ref":        ref(ev),
		"ref_name":   refName(ev),
		"run_id":     runID,
		"workflow":   def.Name,
	}
	if ev.Kind == workflow.EventPullRequest {
		gh["base_ref"] = ev.Branch
		gh["head_ref"] = ev.HeadBranch
	}
	if d.repository != "" {
		gh["repository"] = d.repository
	}
	if d.actor != "" {
		gh["actor"] = d.actor
	}
	if inputs == nil {
		inputs = map[string]string{}
	}
	ctx := expr.Context{"github": gh, "inputs": inputs}
	return ctx.With("env", expr.InterpolateMap(def.Env, ctx))
}

func refName(ev trigger.Event) string {
	if ev.Kind == workflow.EventPullRequest && ev.HeadBranch != "" {
		return ev.HeadBranch
	}
	return ev.Branch
}

func ref(ev trigger.Event) string {
	return "refs/heads/" + refName(ev)
}
