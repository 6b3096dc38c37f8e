package output

import (
	"encoding/json"
	"io"

	"github.com/bgricker/dispatch/internal/report"
	"github.com/bgricker/dispatch/internal/store"
)

// JSONRenderer emits structured execution data.
type JSONRenderer struct {
	out io.Writer
}

// NewJSON creates a JSON renderer writing to out.
func NewJSON(out io.Writer) *JSONRenderer {
	return &JSONRenderer{out: out}
}

// Report captures JSON output schema.
type Report struct {
	Event    string             `json:"event"`
	Runs     []report.RunResult `json:"runs"`
	Summary  report.Summary     `json:"summary"`
	Warnings []string           `json:"warnings,omitempty"`
}

type listReport struct {
	Workflows []Workflow `json:"workflows"`
}

type historyReport struct {
	Runs []store.Run `json:"runs"`
}

type runReport struct {
	Run  store.Run   `json:"run"`
	Jobs []store.Job `json:"jobs"`
}

// RenderList encodes the listing.
func (j *JSONRenderer) RenderList(workflows []Workflow) error {
	return j.encode(listReport{Workflows: workflows})
}

// RenderResults encodes the report as JSON.
func (j *JSONRenderer) RenderResults(r Report) error {
	if r.Runs == nil {
		r.Runs = []report.RunResult{}
	}
	return j.encode(r)
}

// RenderHistory encodes recorded runs.
func (j *JSONRenderer) RenderHistory(runs []store.Run) error {
	if runs == nil {
		runs = []store.Run{}
	}
	return j.encode(historyReport{Runs: runs})
}

// RenderRun encodes one recorded run with its jobs.
func (j *JSONRenderer) RenderRun(run store.Run, jobs []store.Job) error {
	if jobs == nil {
		jobs = []store.Job{}
	}
	return j.encode(runReport{Run: run, Jobs: jobs})
}

func (j *JSONRenderer) encode(v any) error {
	enc := json.NewEncoder(j.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
