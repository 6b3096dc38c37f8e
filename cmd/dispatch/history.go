package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bgricker/dispatch/internal/output"
	"github.com/bgricker/dispatch/internal/store"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded runs, or the jobs of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHistory,
	}
	cmd.Flags().Int("limit", 20, "number of runs to show (0 shows all)")
	return cmd
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.log.Sync() //nolint:errcheck

	s, err := a.openHistory()
	if err != nil {
		return err
	}
	if s == nil {
		return errors.New("run history is disabled (history.enabled is false)")
	}
	defer s.Close()

	renderer, err := output.New(a.cfg.Format, a.stdout)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if len(args) == 0 {
		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := s.ListRuns(ctx, limit)
		if err != nil {
			return err
		}
		return renderer.RenderHistory(runs)
	}

	run, err := findRun(ctx, s, args[0])
	if err != nil {
		return err
	}
	jobs, err := s.JobsForRun(ctx, run.ID)
	if err != nil {
		return err
	}
	return renderer.RenderRun(run, jobs)
}

// findRun resolves a full run id or a unique prefix of one.
func findRun(ctx context.Context, s *store.Store, id string) (store.Run, error) {
	run, err := s.GetRun(ctx, id)
	if !errors.Is(err, store.ErrNotFound) {
		return run, err
	}
	runs, err := s.ListRuns(ctx, 0)
	if err != nil {
		return store.Run{}, err
	}
	var matches []store.Run
	for _, r := range runs {
		if strings.HasPrefix(r.ID, id) {
			matches = append(matches, r)
		}
	}
	switch len(matches) {
	case 0:
		return store.Run{}, fmt.Errorf("run %q: %w", id, store.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return store.Run{}, fmt.Errorf("run prefix %q is ambiguous (%d matches)", id, len(matches))
	}
}
