package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bgricker/dispatch/internal/actions"
	"github.com/bgricker/dispatch/internal/expr"
	"github.com/bgricker/dispatch/internal/matrix"
	"github.com/bgricker/dispatch/internal/report"
	"github.com/bgricker/dispatch/internal/workflow"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func newExecutor(t *testing.T, opts Options) (*Executor, string) {
	t.Helper()
	if opts.Root == "" {
		opts.Root = t.TempDir()
	}
	if opts.Env == nil {
		opts.Env = []string{"PATH=" + os.Getenv("PATH"), "HOME=" + t.TempDir()}
	}
	opts.Logger = zaptest.NewLogger(t)
	return New(opts), opts.Root
}

func run(name, script string) workflow.Step {
	return workflow.Step{Name: name, Run: workflow.ShellCommand{Script: script}}
}

func jobOf(def *workflow.Job) Job {
	return Job{
		Workflow: &workflow.Definition{Path: "ci.yml", Name: "ci", Jobs: []workflow.Job{*def}},
		Instance: workflow.Instance{Job: def, Name: def.Name},
	}
}

func statuses(res report.JobResult) []report.Status {
	out := make([]report.Status, 0, len(res.Steps))
	for _, s := range res.Steps {
		out = append(out, s.Status)
	}
	return out
}

func TestRunJobStopsAtFirstFailure(t *testing.T) {
	skipOnWindows(t)
	e, _ := newExecutor(t, Options{})
	job := &workflow.Job{ID: "build", Name: "build", Steps: []workflow.Step{
		run("S1", "echo one"),
		run("S2", "echo broken >&2; exit 3"),
		run("S3", "echo three"),
	}}

	res := e.RunJob(context.Background(), jobOf(job))

	assert.Equal(t, report.StatusFailure, res.Status)
	assert.Equal(t, []report.Status{report.StatusSuccess, report.StatusFailure, report.StatusSkipped}, statuses(res))
	assert.Equal(t, "one\n", res.Steps[0].Stdout)
	assert.Equal(t, 3, res.Steps[1].ExitCode)
	assert.Equal(t, "broken", res.Steps[1].Stderr)

	var failure *StepFailure
	require.ErrorAs(t, res.Err, &failure)
	assert.Equal(t, "S2", failure.Step)
	assert.Equal(t, 3, failure.ExitCode)
	assert.NotEmpty(t, res.Error)
}

func TestRunJobConditions(t *testing.T) {
	skipOnWindows(t)
	e, _ := newExecutor(t, Options{})
	job := &workflow.Job{ID: "test", Name: "test", Steps: []workflow.Step{
		run("fail", "exit 1"),
		{Name: "recover", If: workflow.ConditionFailure, Run: workflow.ShellCommand{Script: "echo recover"}},
		{Name: "report", If: workflow.ConditionAlways, Run: workflow.ShellCommand{Script: "echo report"}},
		{Name: "on cancel", If: workflow.ConditionCancelled, Run: workflow.ShellCommand{Script: "echo cancel"}},
		run("next", "echo next"),
	}}

	res := e.RunJob(context.Background(), jobOf(job))

	assert.Equal(t, report.StatusFailure, res.Status)
	assert.Equal(t, []report.Status{
		report.StatusFailure,
		report.StatusSuccess,
		report.StatusSuccess,
		report.StatusSkipped,
		report.StatusSkipped,
	}, statuses(res))
	assert.Contains(t, res.Steps[4].Note, "success()")
}

func TestRunJobFailureStepSkippedWhenHealthy(t *testing.T) {
	skipOnWindows(t)
	e, _ := newExecutor(t, Options{})
	job := &workflow.Job{ID: "test", Name: "test", Steps: []workflow.Step{
		run("ok", "true"),
		{Name: "recover", If: workflow.ConditionFailure, Run: workflow.ShellCommand{Script: "echo recover"}},
	}}

	res := e.RunJob(context.Background(), jobOf(job))

	assert.Equal(t, report.StatusSuccess, res.Status)
	assert.Equal(t, []report.Status{report.StatusSuccess, report.StatusSkipped}, statuses(res))
	assert.NoError(t, res.Err)
}

func TestRunJobContinueOnError(t *testing.T) {
	skipOnWindows(t)
	e, _ := newExecutor(t, Options{})
	job := &workflow.Job{ID: "lint", Name: "lint", Steps: []workflow.Step{
		{Name: "optional", ContinueOnError: true, Run: workflow.ShellCommand{Script: "exit 2"}},
		run("after", "echo after"),
	}}

	res := e.RunJob(context.Background(), jobOf(job))

	assert.Equal(t, report.StatusSuccess, res.Status)
	assert.Equal(t, []report.Status{report.StatusFailure, report.StatusSuccess}, statuses(res))
	assert.True(t, res.Steps[0].ContinueOnError)
	assert.Equal(t, 2, res.Steps[0].ExitCode)
}

func TestRunJobDryRun(t *testing.T) {
	e, _ := newExecutor(t, Options{DryRun: true})
	job := &workflow.Job{ID: "build", Name: "build", Steps: []workflow.Step{
		{Name: "checkout", Run: workflow.ActionCall{Name: "actions/checkout", Version: "v4"}},
		run("Build ${{ matrix.os }}", "make ${{ matrix.os }}"),
	}}
	j := jobOf(job)
	j.Instance.Combination = matrix.Combination{{Key: "os", Value: "linux"}}

	res := e.RunJob(context.Background(), j)

	assert.Equal(t, report.StatusSuccess, res.Status)
	require.Len(t, res.Steps, 2)
	for _, s := range res.Steps {
		assert.Equal(t, report.StatusSkipped, s.Status)
		assert.True(t, s.DryRun)
	}
	assert.Equal(t, "actions/checkout@v4", res.Steps[0].Command)
	assert.Equal(t, "Build linux", res.Steps[1].Name)
	assert.Equal(t, "make linux", res.Steps[1].Command)
	assert.Equal(t, map[string]string{"os": "linux"}, res.Matrix)
}

func TestRunJobEnvironment(t *testing.T) {
	skipOnWindows(t)
	e, _ := newExecutor(t, Options{})
	job := &workflow.Job{
		ID:   "env",
		Name: "env",
		Env:  map[string]string{"JOB": "${{ env.WF }}-job"},
		Steps: []workflow.Step{{
			Name: "print",
			Env:  map[string]string{"STEP": "step-${{ matrix.os }}"},
			Run: workflow.ShellCommand{
				Script: `echo "$WF $JOB $STEP $MATRIX_OS ${{ inputs.who }} $GITHUB_REF $CI ${{ env.STEP }}"`,
			},
		}},
	}
	j := jobOf(job)
	j.Workflow.Env = map[string]string{"WF": "wf"}
	j.Instance.Combination = matrix.Combination{{Key: "os", Value: "linux"}}
	j.Context = expr.Context{
		"github": {"ref": "refs/heads/main"},
		"inputs": {"who": "bob"},
	}

	res := e.RunJob(context.Background(), j)

	require.Equal(t, report.StatusSuccess, res.Status, res.Steps[0].Stderr)
	assert.Equal(t, "wf wf-job step-linux linux bob refs/heads/main true step-linux\n", res.Steps[0].Stdout)
}

func TestRunJobCancelledBeforeStart(t *testing.T) {
	e, _ := newExecutor(t, Options{})
	job := &workflow.Job{ID: "build", Name: "build", Steps: []workflow.Step{
		run("one", "echo one"),
		{Name: "always", If: workflow.ConditionAlways, Run: workflow.ShellCommand{Script: "echo always"}},
	}}
	cause := errors.New("superseded by run 2")
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(cause)

	res := e.RunJob(ctx, jobOf(job))

	assert.Equal(t, report.StatusCancelled, res.Status)
	assert.Equal(t, []report.Status{report.StatusCancelled, report.StatusCancelled}, statuses(res))
	assert.ErrorIs(t, res.Err, ErrCancelled)
	assert.ErrorIs(t, res.Err, cause)
	var ce *CancellationError
	assert.ErrorAs(t, res.Err, &ce)
}

func TestRunJobCancelDuringStepLetsItFinish(t *testing.T) {
	skipOnWindows(t)
	e, _ := newExecutor(t, Options{})
	job := &workflow.Job{ID: "build", Name: "build", Steps: []workflow.Step{
		run("slow", "sleep 0.5; echo done"),
		run("next", "echo next"),
	}}
	ctx, cancel := context.WithCancelCause(context.Background())
	time.AfterFunc(100*time.Millisecond, func() { cancel(errors.New("superseded")) })

	res := e.RunJob(ctx, jobOf(job))

	assert.Equal(t, report.StatusCancelled, res.Status)
	assert.Equal(t, []report.Status{report.StatusSuccess, report.StatusCancelled}, statuses(res))
	assert.Equal(t, "done\n", res.Steps[0].Stdout)
}

func TestRunJobTimeout(t *testing.T) {
	skipOnWindows(t)
	e, _ := newExecutor(t, Options{})
	job := &workflow.Job{ID: "slow", Name: "slow", Timeout: 200 * time.Millisecond, Steps: []workflow.Step{
		run("hang", "sleep 30"),
		run("after", "echo after"),
		{Name: "always", If: workflow.ConditionAlways, Run: workflow.ShellCommand{Script: "echo always"}},
	}}

	start := time.Now()
	res := e.RunJob(context.Background(), jobOf(job))

	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, report.StatusTimedOut, res.Status)
	assert.Equal(t, []report.Status{report.StatusTimedOut, report.StatusSkipped, report.StatusSkipped}, statuses(res))
	assert.ErrorIs(t, res.Err, ErrTimedOut)
	assert.NotErrorIs(t, res.Err, ErrCancelled)
	var te *TimeoutError
	require.ErrorAs(t, res.Err, &te)
	assert.Equal(t, 200*time.Millisecond, te.Limit)
}

func TestRunJobSkipsPrivilegedCommands(t *testing.T) {
	e, _ := newExecutor(t, Options{})
	job := &workflow.Job{ID: "deps", Name: "deps", Steps: []workflow.Step{
		run("install", "sudo true"),
	}}

	res := e.RunJob(context.Background(), jobOf(job))

	assert.Equal(t, report.StatusSuccess, res.Status)
	assert.Equal(t, report.StatusSkipped, res.Steps[0].Status)
	assert.Contains(t, res.Steps[0].Note, "privileged")
	assert.Equal(t, "sudo true", res.Steps[0].Command)
}

func TestRunJobWorkingDirectory(t *testing.T) {
	skipOnWindows(t)
	e, root := newExecutor(t, Options{})
	require.NoError(t, os.MkdirAll(filepath.Join(root, "app", "sub"), 0o755))

	job := &workflow.Job{
		ID:       "wd",
		Name:     "wd",
		Defaults: workflow.Defaults{WorkingDirectory: "app"},
		Steps: []workflow.Step{
			run("job default", "pwd"),
			{Name: "step override", Run: workflow.ShellCommand{Script: "pwd", WorkingDirectory: "app/sub"}},
			{Name: "missing", Run: workflow.ShellCommand{Script: "pwd", WorkingDirectory: "nope"}},
		},
	}

	res := e.RunJob(context.Background(), jobOf(job))

	require.Len(t, res.Steps, 3)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(res.Steps[0].Stdout), "app"))
	assert.True(t, strings.HasSuffix(strings.TrimSpace(res.Steps[1].Stdout), filepath.Join("app", "sub")))
	assert.Equal(t, report.StatusFailure, res.Steps[2].Status)
	assert.Equal(t, 127, res.Steps[2].ExitCode)
	assert.Contains(t, res.Steps[2].Stderr, "not found")
}

func TestRunJobActions(t *testing.T) {
	skipOnWindows(t)
	registry := actions.NewRegistry(actions.PolicySkip)
	require.NoError(t, registry.RegisterShim("actions/setup-go", `echo "cache=$INPUT_CACHE"`))
	e, _ := newExecutor(t, Options{Actions: registry})
	job := &workflow.Job{ID: "build", Name: "build", Steps: []workflow.Step{
		{Name: "checkout", Run: workflow.ActionCall{Name: "actions/checkout", Version: "v4"}},
		{Name: "setup", Run: workflow.ActionCall{Name: "actions/setup-go", Version: "v5", With: map[string]string{"cache": "${{ matrix.cache }}"}}},
		{Name: "cache", Run: workflow.ActionCall{Name: "actions/cache", Version: "v4"}},
	}}
	j := jobOf(job)
	j.Instance.Combination = matrix.Combination{{Key: "cache", Value: "on"}}

	res := e.RunJob(context.Background(), j)

	assert.Equal(t, report.StatusSuccess, res.Status)
	assert.Equal(t, []report.Status{report.StatusSuccess, report.StatusSuccess, report.StatusSkipped}, statuses(res))
	assert.Equal(t, "cache=on\n", res.Steps[1].Stdout)
	assert.Contains(t, res.Steps[2].Note, "actions/cache@v4")
}

func TestRunJobUnknownActionFailsUnderFailPolicy(t *testing.T) {
	e, _ := newExecutor(t, Options{Actions: actions.NewRegistry(actions.PolicyFail)})
	job := &workflow.Job{ID: "build", Name: "build", Steps: []workflow.Step{
		{Name: "cache", Run: workflow.ActionCall{Name: "actions/cache", Version: "v4"}},
	}}

	res := e.RunJob(context.Background(), jobOf(job))

	assert.Equal(t, report.StatusFailure, res.Status)
	var failure *StepFailure
	require.ErrorAs(t, res.Err, &failure)
	assert.Equal(t, "cache", failure.Step)
}

func TestShouldRun(t *testing.T) {
	tests := []struct {
		cond   workflow.Condition
		failed bool
		want   bool
	}{
		{cond: workflow.ConditionSuccess, failed: false, want: true},
		{cond: workflow.ConditionSuccess, failed: true, want: false},
		{cond: workflow.ConditionAlways, failed: true, want: true},
		{cond: workflow.ConditionFailure, failed: false, want: false},
		{cond: workflow.ConditionFailure, failed: true, want: true},
		{cond: workflow.ConditionCancelled, failed: true, want: false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, shouldRun(tt.cond, tt.failed), "%s failed=%v", tt.cond, tt.failed)
	}
}

func TestSimplifyError(t *testing.T) {
	got := simplifyError("Could not find 'bundler' (2.4.10) required by your Gemfile.lock")
	assert.Contains(t, got, "gem install bundler:2.4.10")
	assert.Equal(t, "plain", simplifyError("plain"))
}
