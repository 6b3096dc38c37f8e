package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"github.com/bgricker/dispatch/internal/actions"
	"github.com/bgricker/dispatch/internal/logging"
	"github.com/bgricker/dispatch/internal/store"
)

// FileName is the repository-level configuration file.
const FileName = ".dispatch.yml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DISPATCH_"

// Config captures CLI options sourced from the config file, the environment
// and flags, in increasing order of precedence.
type Config struct {
	Workflows []string `yaml:"workflows" env:"WORKFLOWS, overwrite"`
	Jobs      []string `yaml:"jobs" env:"JOBS, overwrite"`

	OnlySteps []string `yaml:"only_step" env:"ONLY_STEP, overwrite"`
	SkipSteps []string `yaml:"skip_step" env:"SKIP_STEP, overwrite"`

	DryRun  bool   `yaml:"dry_run" env:"DRY_RUN, overwrite"`
	Verbose bool   `yaml:"verbose" env:"VERBOSE, overwrite"`
	Format  string `yaml:"format" env:"FORMAT, overwrite"`

	MaxParallel   int    `yaml:"max_parallel" env:"MAX_PARALLEL, overwrite"`
	DefaultBranch string `yaml:"default_branch" env:"DEFAULT_BRANCH, overwrite"`

	Log     LogConfig     `yaml:"log" env:", prefix=LOG_"`
	Runner  RunnerConfig  `yaml:"runner" env:", prefix=RUNNER_"`
	Actions ActionsConfig `yaml:"actions" env:", prefix=ACTIONS_"`
	History HistoryConfig `yaml:"history" env:", prefix=HISTORY_"`
	Warn    WarnConfig    `yaml:"warn" env:", prefix=WARN_"`

	AllowPrivileged           bool     `yaml:"allow_privileged" env:"ALLOW_PRIVILEGED, overwrite"`
	PrivilegedCommandPatterns []string `yaml:"privileged_command_patterns" env:"PRIVILEGED_COMMAND_PATTERNS, overwrite"`
}

// LogConfig selects the log level and encoding.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL, overwrite"`
	Format string `yaml:"format" env:"FORMAT, overwrite"`
}

// Logging converts the section for the logging package.
func (l LogConfig) Logging() logging.Config {
	return logging.Config{Level: l.Level, Format: l.Format}
}

// RunnerConfig describes the local runner. Empty Labels means the labels are
// derived from the host.
type RunnerConfig struct {
	Labels []string `yaml:"labels" env:"LABELS, overwrite"`
}

// ActionsConfig controls how action steps are handled.
type ActionsConfig struct {
	Unknown string            `yaml:"unknown" env:"UNKNOWN, overwrite"`
	Shims   map[string]string `yaml:"shims" env:"SHIMS, overwrite"`
}

// HistoryConfig controls the run history database. A relative Path is
// resolved against the repository root.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED, overwrite"`
	Path    string `yaml:"path" env:"PATH, overwrite"`
}

// WarnConfig toggles advisory checks printed before a run.
type WarnConfig struct {
	VersionMismatch bool `yaml:"version_mismatch" env:"VERSION_MISMATCH, overwrite"`
}

const (
	// FormatPretty renders human readable output.
	FormatPretty = "pretty"
	// FormatJSON renders machine readable output.
	FormatJSON = "json"
)

// Default returns the baseline configuration used when nothing else
// specifies a value.
func Default() Config {
	def := logging.DefaultConfig()
	return Config{
		Format:        FormatPretty,
		DefaultBranch: "main",
		Log:           LogConfig{Level: def.Level, Format: def.Format},
		Actions:       ActionsConfig{Unknown: string(actions.PolicySkip)},
		History:       HistoryConfig{Enabled: true, Path: store.DefaultPath},
		Warn:          WarnConfig{VersionMismatch: true},
	}
}

// Load reads .dispatch.yml from the repository root when present, then
// applies DISPATCH_* environment overrides. A missing file is ignored.
func Load(ctx context.Context, root string) (Config, error) {
	return LoadWith(ctx, root, envconfig.OsLookuper())
}

// LoadWith is Load with the environment read through lookuper.
func LoadWith(ctx context.Context, root string, lookuper envconfig.Lookuper) (Config, error) {
	cfg := Default()
	path := filepath.Join(root, FileName)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	default:
		if err := decodeFile(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.PrefixLookuper(EnvPrefix, lookuper),
	}); err != nil {
		return cfg, fmt.Errorf("read %s environment: %w", EnvPrefix, err)
	}
	return cfg, nil
}

// decodeFile decodes the file over cfg so absent keys keep their defaults.
// Unknown keys are errors.
func decodeFile(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks values that can only be judged once every layer is applied.
func (c Config) Validate() error {
	var problems []string
	switch c.Format {
	case FormatPretty, FormatJSON:
	default:
		problems = append(problems, fmt.Sprintf("unknown format %q (want pretty or json)", c.Format))
	}
	if c.MaxParallel < 0 {
		problems = append(problems, "max_parallel must not be negative")
	}
	if _, err := actions.ParsePolicy(c.Actions.Unknown); err != nil {
		problems = append(problems, err.Error())
	}
	if c.History.Enabled && strings.TrimSpace(c.History.Path) == "" {
		problems = append(problems, "history.path must be set when history is enabled")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// HistoryPath resolves the history database against root.
func (c Config) HistoryPath(root string) string {
	if filepath.IsAbs(c.History.Path) {
		return c.History.Path
	}
	return filepath.Join(root, c.History.Path)
}

// ApplyFlags mutates cfg by applying values from CLI flags when they are present.
func ApplyFlags(cfg *Config, flags FlagValues) {
	if len(flags.Workflows.Values) > 0 {
		cfg.Workflows = append([]string{}, flags.Workflows.Values...)
	}
	if len(flags.Jobs.Values) > 0 {
		cfg.Jobs = append([]string{}, flags.Jobs.Values...)
	}
	if len(flags.OnlySteps.Values) > 0 {
		cfg.OnlySteps = append([]string{}, flags.OnlySteps.Values...)
	}
	if len(flags.SkipSteps.Values) > 0 {
		cfg.SkipSteps = append([]string{}, flags.SkipSteps.Values...)
	}
	if flags.Format.Set {
		cfg.Format = flags.Format.Value
	}
	if flags.DryRun.Set {
		cfg.DryRun = flags.DryRun.Value
	}
	if flags.Verbose.Set {
		cfg.Verbose = flags.Verbose.Value
	}
	if flags.LogLevel.Set {
		cfg.Log.Level = flags.LogLevel.Value
	}
	if flags.MaxParallel.Set {
		cfg.MaxParallel = flags.MaxParallel.Value
	}
	if flags.NoHistory.Set && flags.NoHistory.Value {
		cfg.History.Enabled = false
	}
}

// FlagValues captures CLI flag state with knowledge of whether each flag was set explicitly.
type FlagValues struct {
	Workflows   SliceFlag
	Jobs        SliceFlag
	OnlySteps   SliceFlag
	SkipSteps   SliceFlag
	Format      StringFlag
	DryRun      BoolFlag
	Verbose     BoolFlag
	LogLevel    StringFlag
	MaxParallel IntFlag
	NoHistory   BoolFlag
}

// StringFlag represents a string flag and whether it was set.
type StringFlag struct {
	Value string
	Set   bool
}

// SliceFlag represents a slice flag and whether it captured values via CLI.
type SliceFlag struct {
	Values []string
}

// BoolFlag represents a bool flag and whether it was set.
type BoolFlag struct {
	Value bool
	Set   bool
}

// IntFlag represents an int flag and whether it was set.
type IntFlag struct {
	Value int
	Set   bool
}
