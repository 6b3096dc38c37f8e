package actions

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgricker/dispatch/internal/report"
	"github.com/bgricker/dispatch/internal/workflow"
)

func TestCheckoutBuiltin(t *testing.T) {
	r := NewRegistry(PolicyFail)
	out := r.Run(context.Background(), Invocation{Call: workflow.ActionCall{Name: "actions/checkout", Version: "v4"}})
	assert.Equal(t, report.StatusSuccess, out.Status)
	assert.Equal(t, "actions/checkout@v4", out.Command)
	assert.NoError(t, out.Err)
}

func TestUnknownActionPolicy(t *testing.T) {
	call := workflow.ActionCall{Name: "actions/setup-go", Version: "v5"}

	out := NewRegistry(PolicySkip).Run(context.Background(), Invocation{Call: call})
	assert.Equal(t, report.StatusSkipped, out.Status)
	assert.Contains(t, out.Note, "actions/setup-go@v5")
	assert.NoError(t, out.Err)

	out = NewRegistry(PolicyFail).Run(context.Background(), Invocation{Call: call})
	assert.Equal(t, report.StatusFailure, out.Status)
	assert.Error(t, out.Err)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicySkip, p)
	p, err = ParsePolicy("FAIL")
	require.NoError(t, err)
	assert.Equal(t, PolicyFail, p)
	_, err = ParsePolicy("ignore")
	assert.Error(t, err)
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry(PolicySkip)
	called := ""
	require.NoError(t, r.Register("acme/lint", HandlerFunc(func(_ context.Context, inv Invocation) Outcome {
		called = "any"
		return Outcome{Status: report.StatusSuccess}
	})))
	require.NoError(t, r.Register("acme/lint@v2", HandlerFunc(func(_ context.Context, inv Invocation) Outcome {
		called = "v2"
		return Outcome{Status: report.StatusSuccess}
	})))
	assert.Error(t, r.Register("Acme/Lint", HandlerFunc(checkout)))

	r.Run(context.Background(), Invocation{Call: workflow.ActionCall{Name: "acme/lint", Version: "v2"}})
	assert.Equal(t, "v2", called)
	r.Run(context.Background(), Invocation{Call: workflow.ActionCall{Name: "acme/lint", Version: "v1"}})
	assert.Equal(t, "any", called)

	assert.Equal(t, []string{"acme/lint", "acme/lint@v2", "actions/checkout"}, r.Names())
}

func TestShimExportsInputs(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	r := NewRegistry(PolicySkip)
	require.NoError(t, r.RegisterShim("actions/setup-go", `echo "go=$INPUT_VERSION"`))

	out := r.Run(context.Background(), Invocation{
		Call: workflow.ActionCall{Name: "actions/setup-go", Version: "v5", With: map[string]string{"version": "1.23"}},
		Dir:  t.TempDir(),
		Env:  []string{"PATH=/usr/bin:/bin", "HOME=/nonexistent"},
	})
	require.NoError(t, out.Err)
	assert.Equal(t, report.StatusSuccess, out.Status)
	assert.Equal(t, "go=1.23\n", out.Stdout)

	require.NoError(t, r.RegisterShim("acme/fail", "exit 4"))
	out = r.Run(context.Background(), Invocation{
		Call: workflow.ActionCall{Name: "acme/fail", Version: "v1"},
		Dir:  t.TempDir(),
		Env:  []string{"PATH=/usr/bin:/bin", "HOME=/nonexistent"},
	})
	assert.Equal(t, report.StatusFailure, out.Status)
	assert.Equal(t, 4, out.ExitCode)
}

func TestShimReplacesCheckout(t *testing.T) {
	r := NewRegistry(PolicySkip)
	require.NoError(t, r.RegisterShim("actions/checkout", "git status"))
	h, ok := r.Lookup(workflow.ActionCall{Name: "actions/checkout", Version: "v4"})
	require.True(t, ok)
	assert.IsType(t, shim{}, h)
}

func TestInputEnv(t *testing.T) {
	assert.Nil(t, InputEnv(nil))
	assert.Equal(t, map[string]string{
		"INPUT_FETCH-DEPTH": "0",
		"INPUT_MY_INPUT":    "x",
	}, InputEnv(map[string]string{"fetch-depth": "0", "my input": "x"}))
}
