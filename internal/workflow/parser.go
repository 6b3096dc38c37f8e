package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/bgricker/dispatch/internal/expr"
	"github.com/bgricker/dispatch/internal/matrix"
)

// maxWorkflowBytes bounds the size of a single workflow file.
const maxWorkflowBytes = 1 << 20

var jobIDPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// Load reads and validates the workflow at path.
func Load(path string) (*Definition, error) {
	return load(path, path)
}

func load(fullPath, displayPath string) (*Definition, error) {
	f, err := os.Open(fullPath)
	if err != nil {
		return nil, fmt.Errorf("open workflow %q: %w", displayPath, err)
	}
	defer f.Close()
	return Decode(f, displayPath)
}

// LoadAll loads every path, resolving relative paths against root. If any file
// fails to load, no definitions are returned and the error combines every
// failure.
func LoadAll(root string, paths []string) ([]*Definition, error) {
	defs := make([]*Definition, 0, len(paths))
	var errs error
	for _, p := range paths {
		full := p
		if !filepath.IsAbs(full) {
			full = filepath.Join(root, p)
		}
		def, err := load(full, p)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		defs = append(defs, def)
	}
	if errs != nil {
		return nil, errs
	}
	return defs, nil
}

// Decode parses a workflow from r. All validation problems are collected into
// a single *ConfigError.
func Decode(r io.Reader, displayPath string) (*Definition, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxWorkflowBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read workflow %q: %w", displayPath, err)
	}
	if err := validateContent(data); err != nil {
		return nil, &ConfigError{Path: displayPath, Err: err}
	}

	var doc workflowDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ConfigError{Path: displayPath, Err: fmt.Errorf("parse yaml: %w", err)}
	}

	l := &loader{path: displayPath}
	def := l.definition(doc)
	if l.errs != nil {
		return nil, &ConfigError{Path: displayPath, Err: l.errs}
	}
	return def, nil
}

func validateContent(data []byte) error {
	if len(data) > maxWorkflowBytes {
		return fmt.Errorf("file exceeds maximum size of %d bytes", maxWorkflowBytes)
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return errors.New("file contains NUL bytes")
	}
	return nil
}

type loader struct {
	path     string
	errs     error
	warnings []Warning
}

func (l *loader) addf(loc, format string, args ...any) {
	l.errs = multierr.Append(l.errs, fmt.Errorf("%s: %s", loc, fmt.Sprintf(format, args...)))
}

func (l *loader) add(loc string, err error) {
	l.errs = multierr.Append(l.errs, fmt.Errorf("%s: %w", loc, err))
}

func (l *loader) warn(job, format string, args ...any) {
	l.warnings = append(l.warnings, Warning{Workflow: l.path, Job: job, Message: fmt.Sprintf(format, args...)})
}

func (l *loader) checkExpr(loc, s string) {
	if err := expr.Validate(s); err != nil {
		l.add(loc, err)
	}
}

func (l *loader) checkExprMap(loc string, m map[string]string) {
	for _, k := range sortedKeys(m) {
		l.checkExpr(loc+"."+k, m[k])
	}
}

func (l *loader) definition(doc workflowDocument) *Definition {
	def := &Definition{
		Path: l.path,
		Name: doc.Name,
		Env:  convertEnv(doc.Env),
		Defaults: Defaults{
			Shell:            doc.Defaults.Run.Shell,
			WorkingDirectory: doc.Defaults.Run.WorkingDirectory,
		},
	}
	if def.Name == "" {
		def.Name = filepath.Base(l.path)
	}
	l.checkExprMap("env", def.Env)

	def.Triggers = l.triggers(&doc.On)
	def.Concurrency = l.concurrency(&doc.Concurrency)
	def.Jobs = l.jobs(&doc.Jobs)
	l.checkNeeds(def.Jobs)
	def.Warnings = l.warnings
	return def
}

func (l *loader) triggers(node *yaml.Node) []Trigger {
	var names []*yaml.Node
	var options []*yaml.Node
	switch {
	case isNull(node):
		l.addf("on", "no triggers declared")
		return nil
	case node.Kind == yaml.ScalarNode:
		names = append(names, node)
		options = append(options, nil)
	case node.Kind == yaml.SequenceNode:
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				l.addf("on", "event list entries must be strings")
				continue
			}
			names = append(names, item)
			options = append(options, nil)
		}
	case node.Kind == yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			names = append(names, node.Content[i])
			options = append(options, node.Content[i+1])
		}
	default:
		l.addf("on", "must be a string, list or mapping")
		return nil
	}

	seen := make(map[EventKind]struct{}, len(names))
	triggers := make([]Trigger, 0, len(names))
	for i, name := range names {
		kind, err := ParseEventKind(name.Value)
		if err != nil {
			l.add("on", err)
			continue
		}
		if _, dup := seen[kind]; dup {
			l.addf("on", "event %q declared twice", name.Value)
			continue
		}
		seen[kind] = struct{}{}
		if t := l.trigger(kind, "on."+name.Value, options[i]); t != nil {
			triggers = append(triggers, t)
		}
	}
	if len(names) == 0 {
		l.addf("on", "no triggers declared")
	}
	return triggers
}

func (l *loader) trigger(kind EventKind, loc string, opts *yaml.Node) Trigger {
	switch kind {
	case EventPush, EventPullRequest:
		var doc eventDocument
		if !isNull(opts) {
			if err := opts.Decode(&doc); err != nil {
				l.add(loc, err)
				return nil
			}
		}
		if len(doc.Tags) > 0 || len(doc.TagsIgnore) > 0 {
			l.warn("", "%s: tag filters are ignored", loc)
		}
		if len(doc.Paths) > 0 || len(doc.PathsIgnore) > 0 {
			l.warn("", "%s: path filters are ignored", loc)
		}
		filter := l.branchFilter(loc, doc)
		if kind == EventPush {
			return PushTrigger{Branches: filter}
		}
		return PullRequestTrigger{Branches: filter}

	case EventSchedule:
		var entries []scheduleDocument
		if isNull(opts) {
			l.addf(loc, "schedule requires at least one cron entry")
			return nil
		}
		if err := opts.Decode(&entries); err != nil {
			l.add(loc, err)
			return nil
		}
		t := ScheduleTrigger{}
		for i, e := range entries {
			c, err := ParseCron(e.Cron)
			if err != nil {
				l.add(fmt.Sprintf("%s[%d]", loc, i), err)
				continue
			}
			t.Crons = append(t.Crons, c)
		}
		if len(entries) == 0 {
			l.addf(loc, "schedule requires at least one cron entry")
		}
		return t

	default:
		t := ManualTrigger{}
		if isNull(opts) {
			return t
		}
		var doc dispatchDocument
		if err := opts.Decode(&doc); err != nil {
			l.add(loc, err)
			return t
		}
		t.Inputs = l.inputs(loc+".inputs", &doc.Inputs)
		return t
	}
}

func (l *loader) branchFilter(loc string, doc eventDocument) BranchFilter {
	var f BranchFilter
	if len(doc.Branches) > 0 && len(doc.BranchesIgnore) > 0 {
		l.addf(loc, "branches and branches-ignore cannot both be set")
		return f
	}
	positive := 0
	for _, raw := range doc.Branches {
		p := Pattern{Glob: raw}
		if strings.HasPrefix(raw, "!") {
			p = Pattern{Glob: raw[1:], Negate: true}
		} else {
			positive++
		}
		if l.checkPattern(loc+".branches", p.Glob) {
			f.Include = append(f.Include, p)
		}
	}
	if len(doc.Branches) > 0 && positive == 0 {
		l.warn("", "%s: branches lists only negated patterns and never matches", loc)
	}
	for _, raw := range doc.BranchesIgnore {
		if strings.HasPrefix(raw, "!") {
			l.addf(loc+".branches-ignore", "negated pattern %q is only allowed in branches", raw)
			continue
		}
		if l.checkPattern(loc+".branches-ignore", raw) {
			f.Ignore = append(f.Ignore, Pattern{Glob: raw})
		}
	}
	return f
}

func (l *loader) checkPattern(loc, glob string) bool {
	if glob == "" || !doublestar.ValidatePattern(glob) {
		l.addf(loc, "malformed branch pattern %q", glob)
		return false
	}
	return true
}

func (l *loader) inputs(loc string, node *yaml.Node) []ManualInput {
	if isNull(node) {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		l.addf(loc, "must be a mapping")
		return nil
	}
	var out []ManualInput
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		var doc inputDocument
		if !isNull(node.Content[i+1]) {
			if err := node.Content[i+1].Decode(&doc); err != nil {
				l.add(loc+"."+name, err)
				continue
			}
		}
		in := ManualInput{
			Name:        name,
			Description: doc.Description,
			Type:        InputType(doc.Type),
			Required:    doc.Required,
			Options:     doc.Options,
		}
		if in.Type == "" {
			in.Type = InputString
		}
		if doc.Default != nil {
			in.Default = *doc.Default
			in.HasDefault = true
		}
		l.checkInput(loc+"."+name, in)
		out = append(out, in)
	}
	return out
}

func (l *loader) checkInput(loc string, in ManualInput) {
	switch in.Type {
	case InputString:
	case InputBoolean:
		if in.HasDefault {
			if _, err := ParseBool(in.Default); err != nil {
				l.addf(loc, "default %q is not a boolean", in.Default)
			}
		}
	case InputChoice:
		if len(in.Options) == 0 {
			l.addf(loc, "choice input requires options")
			return
		}
		if in.HasDefault && !containsString(in.Options, in.Default) {
			l.addf(loc, "default %q is not one of the options %v", in.Default, in.Options)
		}
	default:
		l.addf(loc, "unsupported input type %q", in.Type)
	}
}

func (l *loader) concurrency(node *yaml.Node) *Concurrency {
	switch {
	case isNull(node):
		return nil
	case node.Kind == yaml.ScalarNode:
		c := &Concurrency{Group: node.Value, CancelInProgress: true}
		l.checkExpr("concurrency", c.Group)
		return c
	case node.Kind == yaml.MappingNode:
		var doc concurrencyDocument
		if err := node.Decode(&doc); err != nil {
			l.add("concurrency", err)
			return nil
		}
		c := &Concurrency{Group: doc.Group, CancelInProgress: true}
		if doc.CancelInProgress != nil {
			c.CancelInProgress = *doc.CancelInProgress
		}
		if strings.TrimSpace(c.Group) == "" {
			l.addf("concurrency", "group is required")
			return nil
		}
		l.checkExpr("concurrency.group", c.Group)
		return c
	default:
		l.addf("concurrency", "must be a string or mapping")
		return nil
	}
}

func (l *loader) jobs(node *yaml.Node) []Job {
	if isNull(node) {
		l.addf("jobs", "no jobs declared")
		return nil
	}
	if node.Kind != yaml.MappingNode {
		l.addf("jobs", "must be a mapping of job id to job")
		return nil
	}
	seen := make(map[string]struct{}, len(node.Content)/2)
	jobs := make([]Job, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		loc := "jobs." + id
		if _, dup := seen[id]; dup {
			l.addf(loc, "duplicate job name %q", id)
			continue
		}
		seen[id] = struct{}{}
		if !jobIDPattern.MatchString(id) {
			l.addf(loc, "invalid job id %q", id)
		}

		var doc jobDocument
		if err := node.Content[i+1].Decode(&doc); err != nil {
			l.add(loc, err)
			continue
		}
		jobs = append(jobs, l.job(id, loc, doc))
	}
	if len(jobs) == 0 && len(seen) == 0 {
		l.addf("jobs", "no jobs declared")
	}
	return jobs
}

func (l *loader) job(id, loc string, doc jobDocument) Job {
	job := Job{
		ID:     id,
		Name:   doc.Name,
		RunsOn: doc.RunsOn,
		Needs:  doc.Needs,
		Env:    convertEnv(doc.Env),
		Defaults: Defaults{
			Shell:            doc.Defaults.Run.Shell,
			WorkingDirectory: doc.Defaults.Run.WorkingDirectory,
		},
		Strategy: Strategy{MaxParallel: doc.Strategy.MaxParallel},
	}
	if job.Name == "" {
		job.Name = id
	}
	l.checkExpr(loc+".name", job.Name)
	for _, label := range job.RunsOn {
		l.checkExpr(loc+".runs-on", label)
	}
	l.checkExprMap(loc+".env", job.Env)

	if doc.TimeoutMinutes < 0 {
		l.addf(loc, "timeout-minutes must not be negative")
	}
	job.Timeout = time.Duration(doc.TimeoutMinutes * float64(time.Minute))

	if doc.Strategy.MaxParallel < 0 {
		l.addf(loc+".strategy", "max-parallel must not be negative")
	}
	job.Strategy.Matrix = l.matrix(loc+".strategy.matrix", &doc.Strategy.Matrix)
	if !job.Strategy.Matrix.IsZero() {
		if _, err := matrix.Expand(job.Strategy.Matrix); err != nil {
			l.add(loc+".strategy.matrix", err)
		}
	}

	if doc.Strategy.FailFast != nil && *doc.Strategy.FailFast {
		l.warn(id, "fail-fast is not supported; every instance runs to completion")
	}
	if doc.Services != nil {
		l.warn(id, "services are not supported")
	}
	if doc.Container != nil {
		l.warn(id, "container is not supported; steps run on the host")
	}
	if doc.If != "" {
		l.warn(id, "job-level if condition is ignored")
	}

	if len(doc.Steps) == 0 {
		l.addf(loc, "job has no steps")
	}
	stepIDs := make(map[string]struct{})
	job.Steps = make([]Step, 0, len(doc.Steps))
	for idx, sd := range doc.Steps {
		stepLoc := fmt.Sprintf("%s.steps[%d]", loc, idx)
		if sd.ID != "" {
			if _, dup := stepIDs[sd.ID]; dup {
				l.addf(stepLoc, "step id %q used twice", sd.ID)
			}
			stepIDs[sd.ID] = struct{}{}
		}
		job.Steps = append(job.Steps, l.step(id, stepLoc, idx, sd))
	}
	return job
}

func (l *loader) matrix(loc string, node *yaml.Node) matrix.Matrix {
	var m matrix.Matrix
	if isNull(node) {
		return m
	}
	if node.Kind != yaml.MappingNode {
		l.addf(loc, "must be a mapping of dimensions")
		return m
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i].Value, node.Content[i+1]
		switch key {
		case "include":
			m.Include = l.combinations(loc+".include", val)
		case "exclude":
			m.Exclude = l.combinations(loc+".exclude", val)
		default:
			dim := matrix.Dimension{Name: key}
			if val.Kind != yaml.SequenceNode {
				l.addf(loc+"."+key, "dimension values must be a list")
				continue
			}
			for _, item := range val.Content {
				if item.Kind != yaml.ScalarNode {
					l.addf(loc+"."+key, "dimension values must be scalars")
					continue
				}
				dim.Values = append(dim.Values, item.Value)
			}
			m.Dimensions = append(m.Dimensions, dim)
		}
	}
	return m
}

func (l *loader) combinations(loc string, node *yaml.Node) []matrix.Combination {
	if node.Kind != yaml.SequenceNode {
		l.addf(loc, "must be a list of mappings")
		return nil
	}
	out := make([]matrix.Combination, 0, len(node.Content))
	for idx, entry := range node.Content {
		if entry.Kind != yaml.MappingNode {
			l.addf(fmt.Sprintf("%s[%d]", loc, idx), "must be a mapping")
			continue
		}
		var c matrix.Combination
		for i := 0; i+1 < len(entry.Content); i += 2 {
			k, v := entry.Content[i], entry.Content[i+1]
			if v.Kind != yaml.ScalarNode {
				l.addf(fmt.Sprintf("%s[%d].%s", loc, idx, k.Value), "values must be scalars")
				continue
			}
			c = append(c, matrix.Binding{Key: k.Value, Value: v.Value})
		}
		out = append(out, c)
	}
	return out
}

func (l *loader) step(job, loc string, idx int, doc stepDocument) Step {
	step := Step{
		ID:              doc.ID,
		Name:            doc.Name,
		Env:             convertEnv(doc.Env),
		ContinueOnError: doc.ContinueOnError,
	}
	if step.Name == "" {
		step.Name = fmt.Sprintf("step %d", idx+1)
	}
	l.checkExpr(loc+".name", step.Name)
	l.checkExprMap(loc+".env", step.Env)

	cond, err := ParseCondition(doc.If)
	if err != nil {
		l.add(loc, err)
	}
	step.If = cond
	if cond == ConditionCancelled {
		l.warn(job, "step %q never runs: cancelled() is false while a job executes", step.Name)
	}

	switch {
	case doc.Uses != "" && doc.Run != "":
		l.addf(loc, "step %q sets both uses and run", step.Name)
	case doc.Uses != "":
		call, err := ParseUses(doc.Uses)
		if err != nil {
			l.add(loc, err)
			break
		}
		call.With = convertEnv(doc.With)
		l.checkExprMap(loc+".with", call.With)
		step.Run = call
	case doc.Run != "":
		step.Run = ShellCommand{
			Script:           doc.Run,
			Shell:            doc.Shell,
			WorkingDirectory: doc.WorkingDirectory,
		}
		l.checkExpr(loc+".run", doc.Run)
		l.checkExpr(loc+".working-directory", doc.WorkingDirectory)
	default:
		l.addf(loc, "step %q sets neither uses nor run", step.Name)
	}
	return step
}

// ParseUses splits an action reference into name and version. Local
// "./path" references need no version; container references are rejected.
func ParseUses(ref string) (ActionCall, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case strings.HasPrefix(ref, "docker://"):
		return ActionCall{}, fmt.Errorf("container action %q is not supported", ref)
	case strings.HasPrefix(ref, "./"):
		return ActionCall{Name: ref}, nil
	}
	name, version, ok := strings.Cut(ref, "@")
	if !ok || name == "" || version == "" {
		return ActionCall{}, fmt.Errorf("action %q must be name@version", ref)
	}
	return ActionCall{Name: name, Version: version}, nil
}

func isNull(node *yaml.Node) bool {
	return node == nil || node.Kind == 0 || (node.Kind == yaml.ScalarNode && node.Tag == "!!null")
}
