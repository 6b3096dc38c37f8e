package main

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bgricker/dispatch/internal/actions"
	"github.com/bgricker/dispatch/internal/config"
	"github.com/bgricker/dispatch/internal/discovery"
	"github.com/bgricker/dispatch/internal/dispatch"
	"github.com/bgricker/dispatch/internal/executor"
	"github.com/bgricker/dispatch/internal/filter"
	"github.com/bgricker/dispatch/internal/logging"
	"github.com/bgricker/dispatch/internal/progress"
	"github.com/bgricker/dispatch/internal/scheduler"
	"github.com/bgricker/dispatch/internal/shell"
	"github.com/bgricker/dispatch/internal/store"
	"github.com/bgricker/dispatch/internal/version"
	"github.com/bgricker/dispatch/internal/workflow"
)

// app bundles what every subcommand derives from flags, config and the
// working directory.
type app struct {
	cfg    config.Config
	root   string
	log    *zap.Logger
	stdout io.Writer
	stderr io.Writer
}

func loadApp(cmd *cobra.Command) (*app, error) {
	root, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("determine working directory: %w", err)
	}

	cfg, err := config.Load(cmd.Context(), root)
	if err != nil {
		return nil, err
	}
	flags, err := gatherFlags(cmd)
	if err != nil {
		return nil, err
	}
	config.ApplyFlags(&cfg, flags)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := logging.New(cfg.Log.Logging())
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, root: root, log: log, stdout: cmd.OutOrStdout(), stderr: cmd.ErrOrStderr()}, nil
}

// workflows discovers, parses and filters the definitions. The returned
// warnings cover definitions and pinned toolchain versions.
func (a *app) workflows(cmd *cobra.Command) ([]*workflow.Definition, []string, error) {
	paths, err := discovery.Workflows(a.root, a.cfg.Workflows)
	if err != nil {
		if errors.Is(err, discovery.ErrNoWorkflows) {
			return nil, nil, fmt.Errorf("no workflows found; specify --workflow to provide files")
		}
		return nil, nil, err
	}
	a.log.Debug("discovered workflows", zap.Strings("paths", paths))

	defs, err := workflow.LoadAll(a.root, paths)
	if err != nil {
		return nil, nil, err
	}

	set, err := filter.CompileSet(a.cfg.Jobs, a.cfg.OnlySteps, a.cfg.SkipSteps)
	if err != nil {
		return nil, nil, err
	}
	defs = set.Apply(defs)

	var warnings []string
	for _, def := range defs {
		for _, w := range def.Warnings {
			warnings = append(warnings, collapseWarning(w))
		}
	}
	if a.cfg.Warn.VersionMismatch {
		warnings = append(warnings, version.Check(cmd.Context(), a.root, version.DefaultProbes, nil)...)
	}
	return defs, warnings, nil
}

func collapseWarning(w workflow.Warning) string {
	if w.Job == "" {
		return fmt.Sprintf("%s: %s", w.Workflow, w.Message)
	}
	return fmt.Sprintf("%s:%s: %s", w.Workflow, w.Job, w.Message)
}

// openHistory returns nil when history is disabled.
func (a *app) openHistory() (*store.Store, error) {
	if !a.cfg.History.Enabled {
		return nil, nil
	}
	return store.Open(a.cfg.HistoryPath(a.root))
}

func (a *app) actions() (*actions.Registry, error) {
	policy, err := actions.ParsePolicy(a.cfg.Actions.Unknown)
	if err != nil {
		return nil, err
	}
	registry := actions.NewRegistry(policy)
	for _, name := range slices.Sorted(maps.Keys(a.cfg.Actions.Shims)) {
		if err := registry.RegisterShim(name, a.cfg.Actions.Shims[name]); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// dispatcher wires executor, scheduler and dispatcher. A nil history
// disables recording.
func (a *app) dispatcher(reporter progress.Reporter, history *store.Store) (*dispatch.Dispatcher, error) {
	registry, err := a.actions()
	if err != nil {
		return nil, err
	}
	// Verbose step output from parallel jobs shares one stream.
	stream := shell.NewLockedWriter(a.stderr)
	exec := executor.New(executor.Options{
		Root:               a.root,
		Stdout:             stream,
		Stderr:             stream,
		Verbose:            a.cfg.Verbose,
		DryRun:             a.cfg.DryRun,
		AllowPrivileged:    a.cfg.AllowPrivileged,
		PrivilegedPatterns: a.cfg.PrivilegedCommandPatterns,
		Actions:            registry,
		Logger:             a.log.Named("executor"),
	})
	sched := scheduler.New(scheduler.Options{
		Runner:      exec,
		MaxParallel: a.cfg.MaxParallel,
		Labels:      a.cfg.Runner.Labels,
		Reporter:    reporter,
		Logger:      a.log.Named("scheduler"),
	})
	opts := dispatch.Options{
		Runner:        sched,
		Reporter:      reporter,
		Logger:        a.log.Named("dispatch"),
		DefaultBranch: a.cfg.DefaultBranch,
		Repository:    filepath.Base(a.root),
		Actor:         os.Getenv("USER"),
	}
	if history != nil {
		opts.History = history
	}
	return dispatch.New(opts), nil
}
