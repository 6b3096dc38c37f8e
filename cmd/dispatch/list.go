package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bgricker/dispatch/internal/config"
	"github.com/bgricker/dispatch/internal/output"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflows, triggers, jobs and matrix instances",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
}

func runList(cmd *cobra.Command, _ []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.log.Sync() //nolint:errcheck

	defs, warnings, err := a.workflows(cmd)
	if err != nil {
		return err
	}
	if len(defs) == 0 {
		fmt.Fprintln(a.stdout, "No matching jobs or steps")
		return nil
	}

	listed, err := output.Describe(defs)
	if err != nil {
		return err
	}
	renderer, err := output.New(a.cfg.Format, a.stdout)
	if err != nil {
		return err
	}
	if err := renderer.RenderList(listed); err != nil {
		return err
	}
	if a.cfg.Format == config.FormatPretty {
		printWarnings(a, warnings)
	}
	return nil
}

func printWarnings(a *app, warnings []string) {
	for _, msg := range warnings {
		fmt.Fprintf(a.stderr, "warning: %s\n", msg)
	}
}
