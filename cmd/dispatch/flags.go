package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bgricker/dispatch/internal/config"
)

func gatherFlags(cmd *cobra.Command) (config.FlagValues, error) {
	flags := cmd.Flags()
	var values config.FlagValues

	lists := []struct {
		name string
		dst  *config.SliceFlag
	}{
		{"workflow", &values.Workflows},
		{"job", &values.Jobs},
		{"only-step", &values.OnlySteps},
		{"skip-step", &values.SkipSteps},
	}
	for _, s := range lists {
		if !flags.Changed(s.name) {
			continue
		}
		v, err := flags.GetStringArray(s.name)
		if err != nil {
			return values, fmt.Errorf("parse --%s: %w", s.name, err)
		}
		s.dst.Values = append([]string{}, v...)
	}

	texts := []struct {
		name string
		dst  *config.StringFlag
	}{
		{"format", &values.Format},
		{"log-level", &values.LogLevel},
	}
	for _, s := range texts {
		if !flags.Changed(s.name) {
			continue
		}
		v, err := flags.GetString(s.name)
		if err != nil {
			return values, fmt.Errorf("parse --%s: %w", s.name, err)
		}
		*s.dst = config.StringFlag{Value: v, Set: true}
	}

	bools := []struct {
		name string
		dst  *config.BoolFlag
	}{
		{"dry-run", &values.DryRun},
		{"verbose", &values.Verbose},
		{"no-history", &values.NoHistory},
	}
	for _, b := range bools {
		if !flags.Changed(b.name) {
			continue
		}
		v, err := flags.GetBool(b.name)
		if err != nil {
			return values, fmt.Errorf("parse --%s: %w", b.name, err)
		}
		*b.dst = config.BoolFlag{Value: v, Set: true}
	}

	if flags.Changed("max-parallel") {
		v, err := flags.GetInt("max-parallel")
		if err != nil {
			return values, fmt.Errorf("parse --max-parallel: %w", err)
		}
		values.MaxParallel = config.IntFlag{Value: v, Set: true}
	}

	return values, nil
}
