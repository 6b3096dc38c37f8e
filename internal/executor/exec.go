package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bgricker/dispatch/internal/actions"
	"github.com/bgricker/dispatch/internal/expr"
	"github.com/bgricker/dispatch/internal/report"
	"github.com/bgricker/dispatch/internal/shell"
	"github.com/bgricker/dispatch/internal/workflow"
)

// Options configure how the executor runs steps.
type Options struct {
	Root               string
	Stdout             io.Writer
	Stderr             io.Writer
	Verbose            bool
	DryRun             bool
	TailLines          int
	Env                []string
	Now                func() time.Time
	AllowPrivileged    bool
	PrivilegedPatterns []string
	Actions            *actions.Registry
	Logger             *zap.Logger
}

// Job is one job instance ready to execute. Context carries the github and
// inputs roots; the executor adds matrix and env.
type Job struct {
	Workflow *workflow.Definition
	Instance workflow.Instance
	Context  expr.Context
}

// Executor runs the steps of a job instance sequentially.
type Executor struct {
	opts       Options
	privileged []*regexp.Regexp
	log        *zap.Logger
}

// New creates an executor with the supplied options.
func New(opts Options) *Executor {
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	if opts.TailLines <= 0 {
		opts.TailLines = 20
	}
	if opts.Env == nil {
		opts.Env = os.Environ()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if len(opts.PrivilegedPatterns) == 0 {
		opts.PrivilegedPatterns = DefaultPrivilegedPatterns()
	}
	if opts.Actions == nil {
		opts.Actions = actions.NewRegistry(actions.PolicySkip)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	e := &Executor{opts: opts, log: log}
	for _, pattern := range opts.PrivilegedPatterns {
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			log.Warn("ignoring invalid privileged command pattern", zap.String("pattern", pattern), zap.Error(err))
			continue
		}
		e.privileged = append(e.privileged, re)
	}
	return e
}

// RunJob runs the instance's steps in order. ctx is the lease context: once it
// is done the current and remaining steps are cancelled. The job timeout is
// measured on a context detached from ctx, so only the deadline kills a
// running step.
func (e *Executor) RunJob(ctx context.Context, job Job) report.JobResult {
	def := job.Instance.Job
	start := e.opts.Now()
	res := report.JobResult{
		JobID:     def.ID,
		Name:      job.Instance.Name,
		Matrix:    job.Instance.Combination.Map(),
		StartedAt: start,
		Steps:     make([]report.StepResult, 0, len(def.Steps)),
	}
	log := e.log.With(zap.String("job", res.Name))

	execCtx := context.WithoutCancel(ctx)
	stop := func() {}
	if def.Timeout > 0 {
		execCtx, stop = context.WithTimeout(execCtx, def.Timeout)
	}
	defer stop()

	scope := e.newScope(job)

	var (
		failed    bool
		firstFail *StepFailure
		halt      error
	)
	for i := range def.Steps {
		step := &def.Steps[i]
		sr := report.StepResult{
			ID:              step.ID,
			Name:            expr.Interpolate(step.Name, scope.ctx),
			ContinueOnError: step.ContinueOnError,
		}

		switch {
		case halt != nil:
			if errors.Is(halt, ErrCancelled) {
				sr.Status = report.StatusCancelled
			} else {
				sr.Status = report.StatusSkipped
			}
			res.Steps = append(res.Steps, sr)
			continue
		case ctx.Err() != nil:
			halt = &CancellationError{Cause: context.Cause(ctx)}
			sr.Status = report.StatusCancelled
			res.Steps = append(res.Steps, sr)
			continue
		case execCtx.Err() != nil:
			halt = &TimeoutError{Job: res.Name, Limit: def.Timeout}
			sr.Status = report.StatusSkipped
			res.Steps = append(res.Steps, sr)
			continue
		}

		if !shouldRun(step.If, failed) {
			sr.Status = report.StatusSkipped
			sr.Note = fmt.Sprintf("condition %s not met", step.If)
			res.Steps = append(res.Steps, sr)
			continue
		}

		stepStart := e.opts.Now()
		e.runStep(execCtx, scope, step, &sr)
		sr.Duration = e.opts.Now().Sub(stepStart)
		sr.DurationMS = sr.Duration.Milliseconds()

		if sr.Status == report.StatusFailure {
			switch {
			case errors.Is(execCtx.Err(), context.DeadlineExceeded):
				sr.Status = report.StatusTimedOut
				halt = &TimeoutError{Job: res.Name, Limit: def.Timeout}
			case !step.ContinueOnError:
				failed = true
				if firstFail == nil {
					firstFail = &StepFailure{Step: sr.Name, ExitCode: sr.ExitCode}
					if line := firstLine(sr.Stderr); line != "" {
						firstFail.Err = errors.New(line)
					}
				}
			}
		}
		log.Debug("step finished",
			zap.String("step", sr.Name),
			zap.String("status", string(sr.Status)),
			zap.Int("exit_code", sr.ExitCode),
			zap.Duration("duration", sr.Duration))
		res.Steps = append(res.Steps, sr)
	}

	switch {
	case halt != nil && errors.Is(halt, ErrCancelled):
		res.Status = report.StatusCancelled
		res.SetErr(halt)
	case halt != nil:
		res.Status = report.StatusTimedOut
		res.SetErr(halt)
	case failed:
		res.Status = report.StatusFailure
		res.SetErr(firstFail)
	default:
		res.Status = report.StatusSuccess
	}
	res.FinishedAt = e.opts.Now()
	res.Duration = res.FinishedAt.Sub(start)
	res.DurationMS = res.Duration.Milliseconds()
	log.Info("job finished", zap.String("status", string(res.Status)), zap.Duration("duration", res.Duration))
	return res
}

// scope is the resolved environment a job's steps run in.
type scope struct {
	wf  *workflow.Definition
	job *workflow.Job
	ctx expr.Context
	env map[string]string
}

func (e *Executor) newScope(job Job) scope {
	ctx := job.Instance.Context(job.Context)
	env := expr.InterpolateMap(job.Workflow.Env, ctx.With("env", nil))
	if env == nil {
		env = make(map[string]string)
	}
	ctx = ctx.With("env", env)
	for k, v := range expr.InterpolateMap(job.Instance.Job.Env, ctx) {
		env[k] = v
	}
	for k, v := range job.Context["github"] {
		env["GITHUB_"+envName(k)] = v
	}
	for _, b := range job.Instance.Combination {
		env["MATRIX_"+envName(b.Key)] = b.Value
	}
	env["CI"] = "true"
	env["GITHUB_WORKSPACE"] = e.opts.Root
	return scope{wf: job.Workflow, job: job.Instance.Job, ctx: ctx.With("env", env), env: env}
}

func (e *Executor) runStep(ctx context.Context, sc scope, step *workflow.Step, result *report.StepResult) {
	stepEnv := expr.InterpolateMap(step.Env, sc.ctx)
	ectx := sc.ctx
	if len(stepEnv) > 0 {
		merged := make(map[string]string, len(sc.env)+len(stepEnv))
		for k, v := range sc.env {
			merged[k] = v
		}
		for k, v := range stepEnv {
			merged[k] = v
		}
		ectx = sc.ctx.With("env", merged)
	}
	env := shell.MergeEnv(e.opts.Env, sc.env, stepEnv)

	switch inv := step.Run.(type) {
	case workflow.ShellCommand:
		e.runShell(ctx, sc, inv, ectx, env, result)
	case workflow.ActionCall:
		e.runAction(ctx, sc, inv, ectx, env, result)
	default:
		result.Status = report.StatusFailure
		result.ExitCode = 1
		result.Stderr = fmt.Sprintf("unsupported step invocation %T", step.Run)
	}
}

func (e *Executor) runShell(ctx context.Context, sc scope, cmd workflow.ShellCommand, ectx expr.Context, env []string, result *report.StepResult) {
	script := expr.Interpolate(cmd.Script, ectx)
	result.Command = script

	if msg, skip := e.shouldSkipStep(script); skip {
		result.Status = report.StatusSkipped
		result.Note = msg
		return
	}
	if e.opts.DryRun {
		result.Status = report.StatusSkipped
		result.DryRun = true
		return
	}

	args, err := shell.Args(firstNonEmpty(cmd.Shell, sc.job.Defaults.Shell, sc.wf.Defaults.Shell), script, env)
	if err != nil {
		fail(result, 127, err.Error())
		return
	}
	dir, err := resolveWorkingDirectory(e.opts.Root,
		expr.Interpolate(cmd.WorkingDirectory, ectx),
		expr.Interpolate(sc.job.Defaults.WorkingDirectory, ectx),
		expr.Interpolate(sc.wf.Defaults.WorkingDirectory, ectx))
	if err != nil {
		fail(result, 127, err.Error())
		return
	}

	run := shell.Command{Args: args, Dir: dir, Env: env}
	if e.opts.Verbose {
		run.Stdout = e.opts.Stdout
		run.Stderr = e.opts.Stderr
	}
	out := shell.Run(ctx, run)
	result.Stdout = out.Stdout
	result.Stderr = simplifyError(out.Stderr)
	result.ExitCode = out.ExitCode
	if out.Err != nil {
		result.Status = report.StatusFailure
		result.Stdout = shell.Tail(result.Stdout, e.opts.TailLines)
		result.Stderr = shell.Tail(result.Stderr, e.opts.TailLines)
		if result.Stderr == "" {
			result.Stderr = out.Err.Error()
		}
		return
	}
	result.Status = report.StatusSuccess
}

func (e *Executor) runAction(ctx context.Context, sc scope, call workflow.ActionCall, ectx expr.Context, env []string, result *report.StepResult) {
	call.With = expr.InterpolateMap(call.With, ectx)
	result.Command = call.Ref()
	if e.opts.DryRun {
		result.Status = report.StatusSkipped
		result.DryRun = true
		return
	}

	dir, err := resolveWorkingDirectory(e.opts.Root,
		expr.Interpolate(sc.job.Defaults.WorkingDirectory, ectx),
		expr.Interpolate(sc.wf.Defaults.WorkingDirectory, ectx))
	if err != nil {
		fail(result, 127, err.Error())
		return
	}
	inv := actions.Invocation{Call: call, Dir: dir, Env: env}
	if e.opts.Verbose {
		inv.Stdout = e.opts.Stdout
		inv.Stderr = e.opts.Stderr
	}
	out := e.opts.Actions.Run(ctx, inv)
	result.Status = out.Status
	result.Command = out.Command
	result.Stdout = out.Stdout
	result.Stderr = out.Stderr
	result.ExitCode = out.ExitCode
	result.Note = out.Note
	if out.Status == report.StatusFailure {
		result.Stdout = shell.Tail(result.Stdout, e.opts.TailLines)
		result.Stderr = shell.Tail(result.Stderr, e.opts.TailLines)
		if result.Stderr == "" && out.Err != nil {
			result.Stderr = out.Err.Error()
		}
	}
}

func shouldRun(c workflow.Condition, failed bool) bool {
	switch c {
	case workflow.ConditionAlways:
		return true
	case workflow.ConditionFailure:
		return failed
	case workflow.ConditionCancelled:
		return false
	default:
		return !failed
	}
}

func fail(result *report.StepResult, code int, msg string) {
	result.Status = report.StatusFailure
	result.ExitCode = code
	result.Stderr = msg
}

func resolveWorkingDirectory(root string, candidates ...string) (string, error) {
	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}

		if !filepath.IsAbs(candidate) {
			candidate = filepath.Join(root, candidate)
		}
		info, err := os.Stat(candidate)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("working directory %q not found", candidate)
			}
			return "", fmt.Errorf("stat working directory %q: %w", candidate, err)
		}
		if !info.IsDir() {
			return "", fmt.Errorf("working directory %q is not a directory", candidate)
		}
		return candidate, nil
	}
	if root == "" {
		var err error
		root, err = os.Getwd()
		if err != nil {
			return "", fmt.Errorf("determine working directory: %w", err)
		}
	}
	return root, nil
}

func (e *Executor) shouldSkipStep(script string) (string, bool) {
	if e.opts.AllowPrivileged {
		return "", false
	}
	for _, re := range e.privileged {
		if re.MatchString(script) {
			return fmt.Sprintf("skipped privileged command matching pattern %q; set DISPATCH_ALLOW_PRIVILEGED=true to run", re.String()), true
		}
	}
	return "", false
}

var bundlerVersionRegex = regexp.MustCompile(`bundler' \((\d+\.\d+(?:\.\d+)?)\)`)

// simplifyError replaces well-known toolchain noise with an actionable hint.
func simplifyError(stderr string) string {
	if strings.Contains(strings.ToLower(stderr), "could not find 'bundler'") {
		if m := bundlerVersionRegex.FindStringSubmatch(stderr); len(m) == 2 {
			return fmt.Sprintf("missing bundler %s; run `gem install bundler:%s` or `bundle update --bundler`", m[1], m[1])
		}
		return "missing bundler; run `gem install bundler` or `bundle update --bundler`"
	}
	return stderr
}

func envName(key string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(key))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

// DefaultPrivilegedPatterns lists commands that need elevated rights or touch
// the host's package state.
func DefaultPrivilegedPatterns() []string {
	return []string{
		`(?i)^sudo\b`,
		`(?i)\bapt-get\b`,
		`(?i)\bapt\b`,
		`(?i)\byum\b`,
		`(?i)\bdnf\b`,
		`(?i)\bzypper\b`,
		`(?i)\bpacman\b`,
		`(?i)\bbrew\b`,
		`(?i)\bchoco\b`,
		`(?i)\bwinget\b`,
		`(?i)\bpip\s+install\s+--user`,
		`(?i)\bnpm\s+install\s+-g`,
		`(?i)\byarn\s+global`,
	}
}
