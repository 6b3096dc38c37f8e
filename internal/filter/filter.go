package filter

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/bgricker/dispatch/internal/workflow"
)

// Pattern represents a compiled filter condition supporting substring and regex matching.
type Pattern struct {
	raw   string
	regex *regexp.Regexp
	lower string
}

// Compile transforms raw pattern strings into Pattern values.
// "/expr/" is a regular expression, anything else a case-insensitive substring.
func Compile(patterns []string) ([]Pattern, error) {
	result := make([]Pattern, 0, len(patterns))
	for _, raw := range patterns {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.HasPrefix(raw, "/") && strings.HasSuffix(raw, "/") && len(raw) >= 2 {
			re, err := regexp.Compile(raw[1 : len(raw)-1])
			if err != nil {
				return nil, fmt.Errorf("compile regexp %q: %w", raw, err)
			}
			result = append(result, Pattern{raw: raw, regex: re})
			continue
		}
		result = append(result, Pattern{raw: raw, lower: strings.ToLower(raw)})
	}
	return result, nil
}

// Match reports whether the pattern matches the supplied string.
func (p Pattern) Match(s string) bool {
	if s == "" {
		return false
	}
	if p.regex != nil {
		return p.regex.MatchString(s)
	}
	return strings.Contains(strings.ToLower(s), p.lower)
}

func (p Pattern) String() string { return p.raw }

// Set groups the job and step filters of one invocation.
type Set struct {
	Jobs      []Pattern
	OnlySteps []Pattern
	SkipSteps []Pattern
}

// CompileSet compiles the three filter lists.
func CompileSet(jobs, only, skip []string) (Set, error) {
	var (
		s   Set
		err error
	)
	if s.Jobs, err = Compile(jobs); err != nil {
		return Set{}, fmt.Errorf("job filter: %w", err)
	}
	if s.OnlySteps, err = Compile(only); err != nil {
		return Set{}, fmt.Errorf("only-step filter: %w", err)
	}
	if s.SkipSteps, err = Compile(skip); err != nil {
		return Set{}, fmt.Errorf("skip-step filter: %w", err)
	}
	return s, nil
}

// IsZero reports whether the set filters nothing.
func (s Set) IsZero() bool {
	return len(s.Jobs) == 0 && len(s.OnlySteps) == 0 && len(s.SkipSteps) == 0
}

// Apply returns copies of defs restricted by s; defs are not modified.
// A job filter keeps the matching jobs plus everything they transitively
// need, so dependencies still resolve. Jobs whose steps are all filtered
// away are kept with no steps. Definitions left with no jobs are dropped.
func (s Set) Apply(defs []*workflow.Definition) []*workflow.Definition {
	if s.IsZero() {
		return defs
	}
	result := make([]*workflow.Definition, 0, len(defs))
	for _, def := range defs {
		keep := s.selectJobs(def)
		if len(keep) == 0 {
			continue
		}
		jobs := make([]workflow.Job, 0, len(keep))
		for _, job := range def.Jobs {
			if _, ok := keep[job.ID]; !ok {
				continue
			}
			job.Steps = filterSteps(job.Steps, s.OnlySteps, s.SkipSteps)
			jobs = append(jobs, job)
		}
		wfCopy := *def
		wfCopy.Jobs = jobs
		result = append(result, &wfCopy)
	}
	return result
}

func (s Set) selectJobs(def *workflow.Definition) map[string]struct{} {
	keep := make(map[string]struct{}, len(def.Jobs))
	var visit func(id string)
	visit = func(id string) {
		if _, ok := keep[id]; ok {
			return
		}
		job, ok := def.Job(id)
		if !ok {
			return
		}
		keep[id] = struct{}{}
		for _, need := range job.Needs {
			visit(need)
		}
	}
	for _, job := range def.Jobs {
		if matchesJob(job, s.Jobs) {
			visit(job.ID)
		}
	}
	return keep
}

func matchesJob(job workflow.Job, patterns []Pattern) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		if pattern.Match(job.Name) || pattern.Match(job.ID) {
			return true
		}
	}
	return false
}

func filterSteps(steps []workflow.Step, onlyPatterns, skipPatterns []Pattern) []workflow.Step {
	if len(onlyPatterns) == 0 && len(skipPatterns) == 0 {
		return steps
	}
	return slices.DeleteFunc(slices.Clone(steps), func(step workflow.Step) bool {
		if len(onlyPatterns) > 0 && !matchesStep(step, onlyPatterns) {
			return true
		}
		return len(skipPatterns) > 0 && matchesStep(step, skipPatterns)
	})
}

func matchesStep(step workflow.Step, patterns []Pattern) bool {
	body := ""
	switch inv := step.Run.(type) {
	case workflow.ShellCommand:
		body = inv.Script
	case workflow.ActionCall:
		body = inv.Ref()
	}
	for _, pattern := range patterns {
		if pattern.Match(step.Name) || pattern.Match(body) {
			return true
		}
	}
	return false
}
