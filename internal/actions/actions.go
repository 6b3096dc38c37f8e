package actions

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/bgricker/dispatch/internal/report"
	"github.com/bgricker/dispatch/internal/shell"
	"github.com/bgricker/dispatch/internal/workflow"
)

// Checkout is the action that is always satisfied by the local workspace.
const Checkout = "actions/checkout"

// Policy decides the outcome of a step that calls an unregistered action.
type Policy string

const (
	// PolicySkip marks the step skipped and lets the job continue.
	PolicySkip Policy = "skip"
	// PolicyFail fails the step.
	PolicyFail Policy = "fail"
)

// ParsePolicy validates a policy name. An empty name is PolicySkip.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicySkip:
		return PolicySkip, nil
	case PolicyFail:
		return PolicyFail, nil
	default:
		return "", fmt.Errorf("unknown action policy %q (want skip or fail)", s)
	}
}

// Invocation is an action call ready to run. Call.With is already
// interpolated.
type Invocation struct {
	Call   workflow.ActionCall
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Outcome is what a handler reports back to the executor.
type Outcome struct {
	Status   report.Status
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
	Note     string
	Err      error
}

// Handler executes one action.
type Handler interface {
	Run(ctx context.Context, inv Invocation) Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, inv Invocation) Outcome

func (f HandlerFunc) Run(ctx context.Context, inv Invocation) Outcome { return f(ctx, inv) }

// Registry maps action names to handlers.
type Registry struct {
	handlers map[string]Handler
	policy   Policy
}

// NewRegistry returns a registry with the built-in handlers registered.
func NewRegistry(policy Policy) *Registry {
	if policy == "" {
		policy = PolicySkip
	}
	r := &Registry{handlers: make(map[string]Handler), policy: policy}
	r.handlers[Checkout] = HandlerFunc(checkout)
	return r
}

// Register adds h under name. A name may carry a version ("owner/repo@v1")
// to apply to that pin only.
func (r *Registry) Register(name string, h Handler) error {
	key := normalize(name)
	if key == "" {
		return fmt.Errorf("register action: empty name")
	}
	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("register action %q: already registered", name)
	}
	r.handlers[key] = h
	return nil
}

// RegisterShim maps name to a shell command. The call's inputs are exported
// to the command as INPUT_<NAME>. A shim replaces a built-in of the same
// name.
func (r *Registry) RegisterShim(name, command string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("register shim %q: empty command", name)
	}
	key := normalize(name)
	if key == Checkout {
		delete(r.handlers, key)
	}
	return r.Register(name, shim{command: command})
}

// Lookup finds the handler for call, preferring a version-specific entry.
func (r *Registry) Lookup(call workflow.ActionCall) (Handler, bool) {
	if call.Version != "" {
		if h, ok := r.handlers[normalize(call.Ref())]; ok {
			return h, true
		}
	}
	h, ok := r.handlers[normalize(call.Name)]
	return h, ok
}

// Names lists the registered action names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Run dispatches inv to its handler, applying the unknown-action policy when
// none is registered.
func (r *Registry) Run(ctx context.Context, inv Invocation) Outcome {
	h, ok := r.Lookup(inv.Call)
	if !ok {
		note := fmt.Sprintf("no handler for action %q", inv.Call.Ref())
		if r.policy == PolicyFail {
			return Outcome{Status: report.StatusFailure, Command: inv.Call.Ref(), ExitCode: 1, Note: note, Err: fmt.Errorf("%s", note)}
		}
		return Outcome{Status: report.StatusSkipped, Command: inv.Call.Ref(), Note: note + "; configure a shim to run it"}
	}
	out := h.Run(ctx, inv)
	if out.Command == "" {
		out.Command = inv.Call.Ref()
	}
	return out
}

func checkout(_ context.Context, inv Invocation) Outcome {
	return Outcome{
		Status:  report.StatusSuccess,
		Command: inv.Call.Ref(),
		Note:    "workspace is the local checkout",
	}
}

type shim struct {
	command string
}

func (s shim) Run(ctx context.Context, inv Invocation) Outcome {
	env := shell.MergeEnv(inv.Env, InputEnv(inv.Call.With))
	args, err := shell.Args("", s.command, env)
	if err != nil {
		return Outcome{Status: report.StatusFailure, Command: s.command, ExitCode: 127, Err: err}
	}
	res := shell.Run(ctx, shell.Command{Args: args, Dir: inv.Dir, Env: env, Stdout: inv.Stdout, Stderr: inv.Stderr})
	out := Outcome{
		Status:   report.StatusSuccess,
		Command:  s.command,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Err:      res.Err,
	}
	if res.Err != nil {
		out.Status = report.StatusFailure
	}
	return out
}

// InputEnv renders action inputs as INPUT_<NAME> variables, upper-casing the
// name and replacing spaces with underscores.
func InputEnv(with map[string]string) map[string]string {
	if len(with) == 0 {
		return nil
	}
	out := make(map[string]string, len(with))
	for k, v := range with {
		out["INPUT_"+strings.ToUpper(strings.ReplaceAll(k, " ", "_"))] = v
	}
	return out
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
