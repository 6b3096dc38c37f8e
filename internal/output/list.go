package output

import (
	"github.com/bgricker/dispatch/internal/expr"
	"github.com/bgricker/dispatch/internal/workflow"
)

// Workflow is the listing view of a definition.
type Workflow struct {
	Path        string                `json:"path"`
	Name        string                `json:"name"`
	Events      []string              `json:"events"`
	Concurrency *workflow.Concurrency `json:"concurrency,omitempty"`
	Jobs        []Job                 `json:"jobs"`
	Warnings    []workflow.Warning    `json:"warnings,omitempty"`
}

// Job is the listing view of a job with its expanded instances.
type Job struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Needs     []string `json:"needs,omitempty"`
	RunsOn    []string `json:"runs_on,omitempty"`
	Instances []string `json:"instances"`
	Steps     []string `json:"steps"`
}

// Describe builds the listing view of defs. Instance names are rendered
// without event context.
func Describe(defs []*workflow.Definition) ([]Workflow, error) {
	out := make([]Workflow, 0, len(defs))
	for _, def := range defs {
		wf := Workflow{
			Path:        def.Path,
			Name:        def.Name,
			Events:      def.EventNames(),
			Concurrency: def.Concurrency,
			Warnings:    def.Warnings,
		}
		for i := range def.Jobs {
			job := &def.Jobs[i]
			instances, err := job.Instances(expr.Context{})
			if err != nil {
				return nil, err
			}
			j := Job{ID: job.ID, Name: job.Name, Needs: job.Needs, RunsOn: job.RunsOn}
			for _, in := range instances {
				j.Instances = append(j.Instances, in.Name)
			}
			for _, step := range job.Steps {
				j.Steps = append(j.Steps, stepLabel(step))
			}
			wf.Jobs = append(wf.Jobs, j)
		}
		out = append(out, wf)
	}
	return out, nil
}

func stepLabel(step workflow.Step) string {
	switch inv := step.Run.(type) {
	case workflow.ActionCall:
		return step.Name + " [" + inv.Ref() + "]"
	default:
		return step.Name
	}
}
