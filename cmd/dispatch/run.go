package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/bgricker/dispatch/internal/config"
	"github.com/bgricker/dispatch/internal/output"
	"github.com/bgricker/dispatch/internal/progress"
	"github.com/bgricker/dispatch/internal/report"
	"github.com/bgricker/dispatch/internal/store"
	"github.com/bgricker/dispatch/internal/trigger"
	"github.com/bgricker/dispatch/internal/workflow"
)

// errRunsFailed is returned when any run failed or timed out.
var errRunsFailed = errors.New("one or more runs failed")

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Trigger workflows with an event and run them locally",
		Args:  cobra.NoArgs,
		RunE:  runExecute,
	}
	flags := cmd.Flags()
	flags.String("event", "push", "event kind (push|pull_request|schedule|workflow_dispatch)")
	flags.String("branch", "", "pushed branch, or base branch of a pull request (default: configured default branch)")
	flags.String("head", "", "head branch of a pull request")
	flags.String("at", "", "event time for schedule triggers (RFC3339, default now)")
	flags.StringArray("input", nil, "manual input as key=value (repeatable)")
	flags.Int("max-parallel", 0, "bound on job instances running at once per run (0 is unbounded)")
	return cmd
}

func buildEvent(cmd *cobra.Command) (trigger.Event, error) {
	flags := cmd.Flags()
	name, _ := flags.GetString("event")
	kind, err := workflow.ParseEventKind(name)
	if err != nil {
		return trigger.Event{}, err
	}
	ev := trigger.Event{Kind: kind}
	ev.Branch, _ = flags.GetString("branch")
	ev.HeadBranch, _ = flags.GetString("head")

	if at, _ := flags.GetString("at"); at != "" {
		ev.Time, err = time.Parse(time.RFC3339, at)
		if err != nil {
			return trigger.Event{}, fmt.Errorf("parse --at %q: %w", at, err)
		}
	}

	inputs, _ := flags.GetStringArray("input")
	for _, raw := range inputs {
		key, value, ok := strings.Cut(raw, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return trigger.Event{}, fmt.Errorf("parse --input %q: want key=value", raw)
		}
		if ev.Inputs == nil {
			ev.Inputs = make(map[string]string, len(inputs))
		}
		ev.Inputs[strings.TrimSpace(key)] = value
	}
	if len(ev.Inputs) > 0 && kind != workflow.EventManual {
		return trigger.Event{}, fmt.Errorf("--input only applies to workflow_dispatch events")
	}
	return ev, nil
}

func runExecute(cmd *cobra.Command, _ []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.log.Sync() //nolint:errcheck

	ev, err := buildEvent(cmd)
	if err != nil {
		return err
	}
	defs, warnings, err := a.workflows(cmd)
	if err != nil {
		return err
	}
	if len(defs) == 0 {
		fmt.Fprintln(a.stdout, "No matching jobs or steps")
		return nil
	}
	if a.cfg.Format == config.FormatPretty {
		printWarnings(a, warnings)
	}

	var history *store.Store
	if !a.cfg.DryRun {
		s, err := a.openHistory()
		if err != nil {
			return err
		}
		if s != nil {
			defer s.Close()
			history = s
		}
	}

	var reporter progress.Reporter = progress.NoOp{}
	if a.cfg.Format == config.FormatPretty {
		reporter = output.NewLive(a.stderr)
	}
	d, err := a.dispatcher(reporter, history)
	if err != nil {
		return err
	}

	results, dispatchErr := d.Dispatch(cmd.Context(), defs, ev)
	summary := report.Summarize(results)
	a.log.Info("dispatch finished",
		zap.String("event", string(ev.Kind)),
		zap.Int("triggered", summary.Triggered),
		zap.Int("exit_code", summary.ExitCode))

	renderer, err := output.New(a.cfg.Format, a.stdout)
	if err != nil {
		return err
	}
	rendered := output.Report{Event: string(ev.Kind), Runs: results, Summary: summary}
	if a.cfg.Format == config.FormatJSON {
		rendered.Warnings = warnings
	}
	if err := renderer.RenderResults(rendered); err != nil {
		return err
	}

	if summary.ExitCode != 0 {
		return multierr.Append(dispatchErr, errRunsFailed)
	}
	return dispatchErr
}
