package main

import (
	"github.com/spf13/cobra"

	"github.com/bgricker/dispatch/internal/dispatch"
	"github.com/bgricker/dispatch/internal/output"
	"github.com/bgricker/dispatch/internal/store"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run scheduled workflows as their cron schedules fire",
		Args:  cobra.NoArgs,
		RunE:  runWatch,
	}
	cmd.Flags().Int("max-parallel", 0, "bound on job instances running at once per run (0 is unbounded)")
	return cmd
}

func runWatch(cmd *cobra.Command, _ []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.log.Sync() //nolint:errcheck

	defs, warnings, err := a.workflows(cmd)
	if err != nil {
		return err
	}
	printWarnings(a, warnings)

	var history *store.Store
	if !a.cfg.DryRun {
		if history, err = a.openHistory(); err != nil {
			return err
		}
		if history != nil {
			defer history.Close()
		}
	}

	d, err := a.dispatcher(output.NewLive(a.stdout), history)
	if err != nil {
		return err
	}
	return d.Watch(cmd.Context(), defs, dispatch.SystemClock{})
}
