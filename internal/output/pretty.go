package output

import (
	"bytes"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bgricker/dispatch/internal/report"
	"github.com/bgricker/dispatch/internal/store"
)

// Renderer is implemented by the pretty and JSON renderers.
type Renderer interface {
	RenderList(workflows []Workflow) error
	RenderResults(r Report) error
	RenderHistory(runs []store.Run) error
	RenderRun(run store.Run, jobs []store.Job) error
}

// New returns the renderer for format, "pretty" or "json".
func New(format string, out io.Writer) (Renderer, error) {
	switch format {
	case "", "pretty":
		return NewPretty(out), nil
	case "json":
		return NewJSON(out), nil
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}

// PrettyRenderer renders execution results in a human-friendly format.
type PrettyRenderer struct {
	out io.Writer
	now func() time.Time
}

// NewPretty creates a PrettyRenderer writing to the provided writer.
func NewPretty(out io.Writer) *PrettyRenderer {
	return &PrettyRenderer{out: out, now: time.Now}
}

// RenderList renders workflows, their jobs, expanded instances and steps.
func (p *PrettyRenderer) RenderList(workflows []Workflow) error {
	var buf bytes.Buffer
	for _, wf := range workflows {
		fmt.Fprintf(&buf, "Workflow %s\n", decorateName(wf.Name, wf.Path))
		fmt.Fprintf(&buf, "  on: %s\n", strings.Join(wf.Events, ", "))
		if wf.Concurrency != nil {
			fmt.Fprintf(&buf, "  concurrency: %s (cancel-in-progress: %t)\n", wf.Concurrency.Group, wf.Concurrency.CancelInProgress)
		}
		for _, job := range wf.Jobs {
			fmt.Fprintf(&buf, "  Job %s", job.Name)
			if len(job.Needs) > 0 {
				fmt.Fprintf(&buf, " (needs %s)", strings.Join(job.Needs, ", "))
			}
			buf.WriteString("\n")
			if len(job.Instances) > 1 {
				for _, in := range job.Instances {
					fmt.Fprintf(&buf, "    ◦ %s\n", in)
				}
			}
			for _, step := range job.Steps {
				fmt.Fprintf(&buf, "    • %s\n", step)
			}
		}
		for _, w := range wf.Warnings {
			fmt.Fprintf(&buf, "  warning: %s\n", w.Message)
		}
	}
	_, err := buf.WriteTo(p.out)
	return err
}

// RenderResults shows execution outcomes per run with a summary.
func (p *PrettyRenderer) RenderResults(r Report) error {
	var buf bytes.Buffer
	for _, run := range r.Runs {
		fmt.Fprintf(&buf, "Workflow %s\n", decorateName(run.WorkflowName, run.WorkflowPath))
		if !run.Triggered() {
			fmt.Fprintf(&buf, "  - not triggered: %s\n", run.Reason)
			continue
		}
		fmt.Fprintf(&buf, "  %s run %s %s (%s)\n", statusGlyph(run.Status), shortID(run.RunID), run.Status, formatDuration(run.Duration))
		if run.ConcurrencyGroup != "" {
			fmt.Fprintf(&buf, "    group: %s\n", run.ConcurrencyGroup)
		}
		if run.Status == report.StatusCancelled && run.Reason != "" {
			fmt.Fprintf(&buf, "    note: %s\n", run.Reason)
		}
		if run.Error != "" && len(run.Jobs) == 0 {
			fmt.Fprintf(&buf, "    error: %s\n", indent(run.Error, "      "))
		}
		for _, job := range run.Jobs {
			renderJob(&buf, job)
		}
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&buf, "warning: %s\n", w)
	}

	s := r.Summary
	fmt.Fprintf(&buf, "SUMMARY: %d passed, %d failed, %d skipped, %d cancelled, %d timed out (%s)\n",
		s.Passed, s.Failed, s.Skipped, s.Cancelled, s.TimedOut, formatDuration(s.Duration))
	_, err := buf.WriteTo(p.out)
	return err
}

func renderJob(buf *bytes.Buffer, job report.JobResult) {
	fmt.Fprintf(buf, "  Job %s %s (%s)\n", job.Name, statusGlyph(job.Status), formatDuration(job.Duration))
	if job.Note != "" {
		fmt.Fprintf(buf, "    note: %s\n", job.Note)
	}
	for _, step := range job.Steps {
		fmt.Fprintf(buf, "    %s %s (%s)\n", statusGlyph(step.Status), step.Name, formatDuration(step.Duration))
		switch {
		case step.Status == report.StatusFailure && step.Stderr != "":
			fmt.Fprintf(buf, "      stderr:\n%s\n", indent(step.Stderr, "        "))
		case step.Status == report.StatusFailure && step.Stdout != "":
			fmt.Fprintf(buf, "      stdout:\n%s\n", indent(step.Stdout, "        "))
		}
		if step.Note != "" {
			fmt.Fprintf(buf, "      note: %s\n", step.Note)
		}
		if step.DryRun && step.Command != "" {
			fmt.Fprintf(buf, "      command: %s\n", step.Command)
		}
	}
	if len(job.Matrix) > 0 && job.Status.Failed() {
		keys := slices.Sorted(maps.Keys(job.Matrix))
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+job.Matrix[k])
		}
		fmt.Fprintf(buf, "    matrix: %s\n", strings.Join(pairs, " "))
	}
}

// RenderHistory lists recorded runs, newest first.
func (p *PrettyRenderer) RenderHistory(runs []store.Run) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(p.out, "no runs recorded")
		return err
	}
	now := p.now()
	tw := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tWORKFLOW\tEVENT\tREF\tSTATUS\tSTARTED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s %s\t%s\t%s\n",
			shortID(r.ID), r.Workflow, r.Event, r.Ref, statusGlyph(r.Status), r.Status,
			humanize.RelTime(r.StartedAt, now, "ago", "from now"), runDuration(r))
	}
	return tw.Flush()
}

// RenderRun shows one recorded run and its jobs.
func (p *PrettyRenderer) RenderRun(run store.Run, jobs []store.Job) error {
	now := p.now()
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Run %s\n", run.ID)
	fmt.Fprintf(&buf, "  workflow: %s\n", decorateName(run.Workflow, run.Path))
	fmt.Fprintf(&buf, "  event:    %s %s\n", run.Event, run.Ref)
	if run.ConcurrencyGroup != "" {
		fmt.Fprintf(&buf, "  group:    %s\n", run.ConcurrencyGroup)
	}
	fmt.Fprintf(&buf, "  status:   %s %s\n", statusGlyph(run.Status), run.Status)
	fmt.Fprintf(&buf, "  started:  %s (%s)\n", run.StartedAt.Local().Format(time.DateTime), humanize.RelTime(run.StartedAt, now, "ago", "from now"))
	if d := runDuration(run); d != "" {
		fmt.Fprintf(&buf, "  duration: %s\n", d)
	}
	if run.Error != "" {
		fmt.Fprintf(&buf, "  error:    %s\n", run.Error)
	}
	for _, j := range jobs {
		fmt.Fprintf(&buf, "  Job %s %s (%s)\n", j.Name, statusGlyph(j.Status), formatDuration(j.FinishedAt.Sub(j.StartedAt)))
		if j.Error != "" {
			fmt.Fprintf(&buf, "    error: %s\n", j.Error)
		}
	}
	_, err := buf.WriteTo(p.out)
	return err
}

func runDuration(r store.Run) string {
	if r.FinishedAt.IsZero() {
		return ""
	}
	return formatDuration(r.FinishedAt.Sub(r.StartedAt))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func decorateName(name, path string) string {
	if name == "" || name == path {
		return path
	}
	return fmt.Sprintf("%s (%s)", name, path)
}

func statusGlyph(status report.Status) string {
	switch status {
	case report.StatusSuccess:
		return "✓"
	case report.StatusFailure:
		return "✗"
	case report.StatusTimedOut:
		return "⏱"
	case report.StatusCancelled:
		return "⊘"
	case report.StatusSkipped, report.StatusNotTriggered:
		return "-"
	case report.StatusPending, report.StatusRunning:
		return "…"
	default:
		return "?"
	}
}

func indent(s, pad string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = pad + lines[i]
	}
	return strings.Join(lines, "\n")
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Truncate(time.Millisecond).String()
}
