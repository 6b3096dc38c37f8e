package trigger

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/bgricker/dispatch/internal/workflow"
)

// ErrInvalidInputs indicates that manual inputs do not satisfy the workflow's
// declarations.
var ErrInvalidInputs = errors.New("invalid workflow inputs")

// Event is something that may start a workflow run.
type Event struct {
	Kind workflow.EventKind
	// Branch is the pushed branch, or the base branch of a pull request.
	Branch     string
	HeadBranch string
	Time       time.Time
	Inputs     map[string]string
}

// Result reports whether an event activates a workflow.
type Result struct {
	Matched bool
	// Reason explains a non-match.
	Reason string
	// Inputs holds the resolved manual inputs, defaults applied.
	Inputs map[string]string
}

// Match decides whether ev activates def. An error is returned only for manual
// events whose inputs are invalid.
func Match(def *workflow.Definition, ev Event) (Result, error) {
	t, ok := def.Trigger(ev.Kind)
	if !ok {
		return Result{Reason: fmt.Sprintf("workflow does not listen for %s events", ev.Kind)}, nil
	}

	switch t := t.(type) {
	case workflow.PushTrigger:
		return matchBranch(t.Branches, ev.Branch), nil
	case workflow.PullRequestTrigger:
		return matchBranch(t.Branches, ev.Branch), nil
	case workflow.ScheduleTrigger:
		if expr, ok := Fires(t.Crons, ev.Time); ok {
			return Result{Matched: true, Reason: "cron " + expr}, nil
		}
		return Result{Reason: fmt.Sprintf("no schedule fires at %s", minute(ev.Time).Format(time.RFC3339))}, nil
	case workflow.ManualTrigger:
		inputs, err := ResolveInputs(t.Inputs, ev.Inputs)
		if err != nil {
			return Result{Reason: err.Error()}, err
		}
		return Result{Matched: true, Inputs: inputs}, nil
	default:
		return Result{}, fmt.Errorf("unhandled trigger %T", t)
	}
}

func matchBranch(f workflow.BranchFilter, branch string) Result {
	if MatchBranch(f, branch) {
		return Result{Matched: true}
	}
	return Result{Reason: fmt.Sprintf("branch %q is filtered out", branch)}
}

// MatchBranch applies a branch filter. Include patterns are evaluated in
// order and the last matching pattern decides; a negated pattern excludes.
// Ignore patterns exclude on any match.
func MatchBranch(f workflow.BranchFilter, branch string) bool {
	if f.IsZero() {
		return true
	}
	if len(f.Ignore) > 0 {
		for _, p := range f.Ignore {
			if matchGlob(p.Glob, branch) {
				return false
			}
		}
		return true
	}
	matched := false
	for _, p := range f.Include {
		if matchGlob(p.Glob, branch) {
			matched = !p.Negate
		}
	}
	return matched
}

func matchGlob(pattern, branch string) bool {
	ok, err := doublestar.Match(pattern, branch)
	return err == nil && ok
}

// Fires reports whether any cron fires at the minute containing t, evaluated
// in UTC. The matching expression is returned.
func Fires(crons []workflow.Cron, t time.Time) (string, bool) {
	at := minute(t)
	for _, c := range crons {
		if c.Schedule == nil {
			continue
		}
		if c.Schedule.Next(at.Add(-time.Second)).Equal(at) {
			return c.Expr, true
		}
	}
	return "", false
}

// Next returns the earliest time after t at which any cron fires.
func Next(crons []workflow.Cron, t time.Time) (time.Time, bool) {
	var next time.Time
	for _, c := range crons {
		if c.Schedule == nil {
			continue
		}
		n := c.Schedule.Next(t.UTC())
		if n.IsZero() {
			continue
		}
		if next.IsZero() || n.Before(next) {
			next = n
		}
	}
	return next, !next.IsZero()
}

func minute(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// ResolveInputs validates supplied against the declared inputs and applies
// defaults. Every problem is reported in the returned error.
func ResolveInputs(declared []workflow.ManualInput, supplied map[string]string) (map[string]string, error) {
	known := make(map[string]workflow.ManualInput, len(declared))
	for _, in := range declared {
		known[in.Name] = in
	}

	var problems []string
	for _, name := range sortedKeys(supplied) {
		if _, ok := known[name]; !ok {
			problems = append(problems, fmt.Sprintf("unknown input %q", name))
		}
	}

	resolved := make(map[string]string, len(declared))
	for _, in := range declared {
		v, ok := supplied[in.Name]
		if !ok {
			if in.Required && !in.HasDefault {
				problems = append(problems, fmt.Sprintf("missing required input %q", in.Name))
				continue
			}
			v = in.Default
			if in.Type == workflow.InputBoolean && !in.HasDefault {
				v = "false"
			}
		}
		switch in.Type {
		case workflow.InputBoolean:
			b, err := workflow.ParseBool(v)
			if err != nil {
				problems = append(problems, fmt.Sprintf("input %q: %q is not a boolean", in.Name, v))
				continue
			}
			v = fmt.Sprint(b)
		case workflow.InputChoice:
			if !ok && !in.HasDefault {
				break
			}
			if !contains(in.Options, v) {
				problems = append(problems, fmt.Sprintf("input %q: %q is not one of %s", in.Name, v, strings.Join(in.Options, ", ")))
				continue
			}
		}
		resolved[in.Name] = v
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInputs, strings.Join(problems, "; "))
	}
	return resolved, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
