package version

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Probe detects one toolchain a repository pins through a version file.
type Probe struct {
	Name    string
	File    string
	Command []string
	Pattern *regexp.Regexp
}

// DefaultProbes cover the version files workflows commonly pin with
// setup actions.
var DefaultProbes = []Probe{
	{Name: "ruby", File: ".ruby-version", Command: []string{"ruby", "-v"}, Pattern: regexp.MustCompile(`(?i)ruby\s+(\d+\.\d+(?:\.\d+)?)`)},
	{Name: "node", File: ".node-version", Command: []string{"node", "-v"}, Pattern: regexp.MustCompile(`(?i)v?(\d+\.\d+(?:\.\d+)?)`)},
	{Name: "node", File: ".nvmrc", Command: []string{"node", "-v"}, Pattern: regexp.MustCompile(`(?i)v?(\d+\.\d+(?:\.\d+)?)`)},
	{Name: "go", File: ".go-version", Command: []string{"go", "version"}, Pattern: regexp.MustCompile(`go(\d+\.\d+(?:\.\d+)?)`)},
}

// CommandFunc runs a probe command and returns its combined output.
type CommandFunc func(ctx context.Context, name string, args ...string) (string, error)

// Detect returns the installed version reported by p.
func (p Probe) Detect(ctx context.Context, run CommandFunc) (string, error) {
	out, err := run(ctx, p.Command[0], p.Command[1:]...)
	if err != nil {
		return "", err
	}
	match := p.Pattern.FindStringSubmatch(out)
	if len(match) < 2 {
		return "", fmt.Errorf("unable to parse %s version from %q", p.Name, out)
	}
	return match[1], nil
}

// Check compares every pinned version under root with the installed one and
// returns one warning per mismatch. A nil run executes the real commands.
func Check(ctx context.Context, root string, probes []Probe, run CommandFunc) []string {
	if run == nil {
		run = runCommand
	}
	var warnings []string
	for _, p := range probes {
		contents, err := os.ReadFile(filepath.Join(root, p.File))
		if err != nil {
			continue
		}
		required := strings.TrimPrefix(strings.TrimSpace(string(contents)), "v")
		if required == "" {
			continue
		}
		actual, err := p.Detect(ctx, run)
		if msg := mismatch(p, required, actual, err); msg != "" {
			warnings = append(warnings, msg)
		}
	}
	return warnings
}

func mismatch(p Probe, required, actual string, detectErr error) string {
	if detectErr != nil {
		if Missing(detectErr) {
			return fmt.Sprintf("%s executable not found; %s requires %s", p.Name, p.File, required)
		}
		return fmt.Sprintf("unable to detect %s version: %v", p.Name, detectErr)
	}
	if !CompareMajorMinor(required, actual) {
		return fmt.Sprintf("%s version mismatch: %s requires %s but found %s", p.Name, p.File, required, actual)
	}
	return ""
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// CompareMajorMinor compares major.minor portions of two semver-like versions.
// A required version without a minor part compares the major only.
func CompareMajorMinor(desired, actual string) bool {
	d, err := semver.NewVersion(strings.TrimSpace(desired))
	if err != nil {
		return false
	}
	a, err := semver.NewVersion(strings.TrimSpace(actual))
	if err != nil {
		return false
	}
	if d.Major() != a.Major() {
		return false
	}
	return !strings.Contains(desired, ".") || d.Minor() == a.Minor()
}

// Missing reports whether executing the command returns a not-found error.
func Missing(cmdErr error) bool {
	return errors.Is(cmdErr, exec.ErrNotFound)
}
