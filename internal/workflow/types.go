package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bgricker/dispatch/internal/matrix"
)

// EventKind names the event families a workflow can be triggered by.
type EventKind string

const (
	EventPush        EventKind = "push"
	EventPullRequest EventKind = "pull_request"
	EventSchedule    EventKind = "schedule"
	EventManual      EventKind = "manual"
)

// ParseEventKind maps a workflow or command-line event name to its kind.
// "workflow_dispatch" is accepted for EventManual.
func ParseEventKind(name string) (EventKind, error) {
	switch strings.TrimSpace(name) {
	case "push":
		return EventPush, nil
	case "pull_request":
		return EventPullRequest, nil
	case "schedule":
		return EventSchedule, nil
	case "manual", "workflow_dispatch":
		return EventManual, nil
	default:
		return "", fmt.Errorf("unknown event %q", name)
	}
}

// Definition is an immutable, validated workflow file.
type Definition struct {
	Path        string            `json:"path"`
	Name        string            `json:"name"`
	Triggers    []Trigger         `json:"-"`
	Env         map[string]string `json:"env,omitempty"`
	Defaults    Defaults          `json:"defaults"`
	Concurrency *Concurrency      `json:"concurrency,omitempty"`
	Jobs        []Job             `json:"jobs"`
	Warnings    []Warning         `json:"warnings,omitempty"`
}

// Trigger returns the trigger declared for kind, if any.
func (d *Definition) Trigger(kind EventKind) (Trigger, bool) {
	for _, t := range d.Triggers {
		if t.Kind() == kind {
			return t, true
		}
	}
	return nil, false
}

// Job looks up a job by id.
func (d *Definition) Job(id string) (*Job, bool) {
	for i := range d.Jobs {
		if d.Jobs[i].ID == id {
			return &d.Jobs[i], true
		}
	}
	return nil, false
}

// EventNames lists the kinds of the declared triggers in declaration order.
func (d *Definition) EventNames() []string {
	out := make([]string, 0, len(d.Triggers))
	for _, t := range d.Triggers {
		out = append(out, string(t.Kind()))
	}
	return out
}

// Warning captures non-fatal issues encountered while loading a workflow.
type Warning struct {
	Workflow string `json:"workflow"`
	Job      string `json:"job,omitempty"`
	Message  string `json:"message"`
}

// Defaults capture shared configuration for jobs and steps.
type Defaults struct {
	Shell            string `json:"shell,omitempty"`
	WorkingDirectory string `json:"working_directory,omitempty"`
}

// Trigger is one of PushTrigger, PullRequestTrigger, ScheduleTrigger or
// ManualTrigger.
type Trigger interface {
	Kind() EventKind
	isTrigger()
}

// PushTrigger activates on pushes to matching branches.
type PushTrigger struct {
	Branches BranchFilter
}

// PullRequestTrigger activates on pull requests whose base branch matches.
type PullRequestTrigger struct {
	Branches BranchFilter
}

// ScheduleTrigger activates when any of its crons fires.
type ScheduleTrigger struct {
	Crons []Cron
}

// ManualTrigger activates on explicit dispatch with the declared inputs.
type ManualTrigger struct {
	Inputs []ManualInput
}

func (PushTrigger) Kind() EventKind        { return EventPush }
func (PullRequestTrigger) Kind() EventKind { return EventPullRequest }
func (ScheduleTrigger) Kind() EventKind    { return EventSchedule }
func (ManualTrigger) Kind() EventKind      { return EventManual }

func (PushTrigger) isTrigger()        {}
func (PullRequestTrigger) isTrigger() {}
func (ScheduleTrigger) isTrigger()    {}
func (ManualTrigger) isTrigger()      {}

// BranchFilter holds either an ordered include list or an ignore list, never
// both. The zero value matches every branch.
type BranchFilter struct {
	Include []Pattern
	Ignore  []Pattern
}

// IsZero reports whether the filter places no constraint on the branch.
func (f BranchFilter) IsZero() bool {
	return len(f.Include) == 0 && len(f.Ignore) == 0
}

// Pattern is a branch glob. Negate is set for "!"-prefixed entries.
type Pattern struct {
	Glob   string
	Negate bool
}

func (p Pattern) String() string {
	if p.Negate {
		return "!" + p.Glob
	}
	return p.Glob
}

// Cron is a parsed five-field schedule evaluated in UTC.
type Cron struct {
	Expr     string
	Schedule cron.Schedule
}

// InputType is the declared type of a manual input.
type InputType string

const (
	InputString  InputType = "string"
	InputBoolean InputType = "boolean"
	InputChoice  InputType = "choice"
)

// ManualInput declares one workflow_dispatch input.
type ManualInput struct {
	Name        string
	Description string
	Type        InputType
	Default     string
	HasDefault  bool
	Required    bool
	Options     []string
}

// Concurrency names the gate a run must pass before its jobs are scheduled.
// Group may contain expressions.
type Concurrency struct {
	Group            string `json:"group"`
	CancelInProgress bool   `json:"cancel_in_progress"`
}

// Job is a named unit of work with its steps in declaration order.
type Job struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	RunsOn   []string          `json:"runs_on,omitempty"`
	Needs    []string          `json:"needs,omitempty"`
	Strategy Strategy          `json:"-"`
	Env      map[string]string `json:"env,omitempty"`
	Defaults Defaults          `json:"defaults"`
	Timeout  time.Duration     `json:"-"`
	Steps    []Step            `json:"steps"`
}

// Strategy holds a job's matrix and its parallelism bound. MaxParallel of zero
// is unbounded.
type Strategy struct {
	Matrix      matrix.Matrix
	MaxParallel int
}

// Step is one entry of a job's step list.
type Step struct {
	ID              string            `json:"id,omitempty"`
	Name            string            `json:"name"`
	Env             map[string]string `json:"env,omitempty"`
	ContinueOnError bool              `json:"continue_on_error,omitempty"`
	If              Condition         `json:"if"`
	Run             Invocation        `json:"-"`
}

// Condition decides whether a step runs given the job's status so far.
type Condition int

const (
	// ConditionSuccess runs the step only when no earlier step has failed.
	ConditionSuccess Condition = iota
	ConditionAlways
	ConditionFailure
	ConditionCancelled
)

// ParseCondition accepts a status function either bare or wrapped in ${{ }}.
// An empty string is ConditionSuccess.
func ParseCondition(raw string) (Condition, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "${{") && strings.HasSuffix(s, "}}") {
		s = strings.TrimSpace(s[3 : len(s)-2])
	}
	switch s {
	case "", "success()":
		return ConditionSuccess, nil
	case "always()":
		return ConditionAlways, nil
	case "failure()":
		return ConditionFailure, nil
	case "cancelled()":
		return ConditionCancelled, nil
	default:
		return 0, fmt.Errorf("unsupported if expression %q", raw)
	}
}

func (c Condition) String() string {
	switch c {
	case ConditionAlways:
		return "always()"
	case ConditionFailure:
		return "failure()"
	case ConditionCancelled:
		return "cancelled()"
	default:
		return "success()"
	}
}

// MarshalText renders the condition for JSON output.
func (c Condition) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Invocation is either an ActionCall or a ShellCommand.
type Invocation interface {
	isInvocation()
}

// ActionCall references a reusable action. Version is empty for local
// "./path" actions.
type ActionCall struct {
	Name    string
	Version string
	With    map[string]string
}

// Ref renders the call as it appears in the workflow.
func (a ActionCall) Ref() string {
	if a.Version == "" {
		return a.Name
	}
	return a.Name + "@" + a.Version
}

// IsLocal reports whether the action lives in the repository.
func (a ActionCall) IsLocal() bool {
	return strings.HasPrefix(a.Name, "./")
}

// ShellCommand is a script run through a shell.
type ShellCommand struct {
	Script           string
	Shell            string
	WorkingDirectory string
}

func (ActionCall) isInvocation()   {}
func (ShellCommand) isInvocation() {}
