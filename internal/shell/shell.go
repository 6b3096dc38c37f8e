package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// waitDelay bounds how long Wait blocks on inherited pipes after the process
// group has been killed.
const waitDelay = 5 * time.Second

// Args builds the argv that runs script with the given shell spec. An empty
// spec uses "bash -e -o pipefail -c", falling back to "sh -e -c" when bash is
// not on PATH ("cmd /C" on Windows).
func Args(spec, script string, env []string) ([]string, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		if runtime.GOOS == "windows" {
			return []string{"cmd", "/C", script}, nil
		}
		if _, err := exec.LookPath("bash"); err == nil {
			return []string{"bash", "-e", "-o", "pipefail", "-c", asdfInit(env, "bash") + script}, nil
		}
		return []string{"sh", "-e", "-c", asdfInit(env, "sh") + script}, nil
	}

	fields := strings.Fields(spec)
	shell := fields[0]
	args := append([]string{}, fields[1:]...)
	base := strings.ToLower(filepath.Base(shell))

	switch base {
	case "bash":
		if len(args) == 0 {
			args = []string{"-e", "-o", "pipefail"}
		}
		args = append(args, "-c", asdfInit(env, base)+script)
	case "zsh", "ksh":
		args = append(args, "-c", asdfInit(env, base)+script)
	case "sh":
		if len(args) == 0 {
			args = []string{"-e"}
		}
		args = append(args, "-c", asdfInit(env, base)+script)
	case "cmd", "cmd.exe":
		args = append(args, "/C", script)
	case "pwsh", "powershell", "powershell.exe":
		args = append(args, "-Command", script)
	case "python", "python3", "python.exe":
		args = append(args, "-c", script)
	default:
		if strings.Contains(spec, "{0}") {
			return nil, fmt.Errorf("shell %q: script file templates are not supported", spec)
		}
		args = append(args, script)
	}
	return append([]string{shell}, args...), nil
}

// MergeEnv overlays maps onto a KEY=VALUE base; later overlays win. The result
// is sorted by key.
func MergeEnv(base []string, overlays ...map[string]string) []string {
	envMap := make(map[string]string, len(base)+len(overlays)*4)
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			envMap[k] = v
		}
	}
	for _, overlay := range overlays {
		for k, v := range overlay {
			envMap[k] = v
		}
	}
	keys := make([]string, 0, len(envMap))
	for k := range envMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+envMap[k])
	}
	return out
}

// Lookup returns the value of key in a KEY=VALUE list.
func Lookup(env []string, key string) string {
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v
		}
	}
	return ""
}

// Command is a fully resolved process invocation.
type Command struct {
	Args []string
	Dir  string
	Env  []string
	// Stdout and Stderr, when set, receive output as it is produced in
	// addition to the captured copy.
	Stdout io.Writer
	Stderr io.Writer
}

// Result is the outcome of a finished process.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

// Run starts c in its own process group and waits for it. When ctx is done
// the whole group is killed.
func Run(ctx context.Context, c Command) Result {
	if len(c.Args) == 0 {
		return Result{ExitCode: 127, Err: errors.New("empty command")}
	}
	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	setupProcessGroup(cmd)
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = tee(&stdout, c.Stdout)
	cmd.Stderr = tee(&stderr, c.Stderr)

	err := cmd.Run()
	return Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: ExitCode(err),
		Err:      err,
	}
}

func tee(buf *bytes.Buffer, w io.Writer) io.Writer {
	if w == nil {
		return buf
	}
	return io.MultiWriter(buf, w)
}

// ExitCode extracts the process exit status from a Run or Wait error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return 127
	}
	return 1
}

// Tail keeps the last maxLines lines of input.
func Tail(input string, maxLines int) string {
	if input == "" {
		return ""
	}
	lines := strings.Split(strings.TrimRight(input, "\n"), "\n")
	if maxLines <= 0 || len(lines) <= maxLines {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[len(lines)-maxLines:], "\n")
}

// LockedWriter serializes writes from concurrently running steps.
type LockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLockedWriter wraps w.
func NewLockedWriter(w io.Writer) *LockedWriter {
	return &LockedWriter{w: w}
}

func (l *LockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func asdfInit(env []string, shellBase string) string {
	var path string
	if dir := Lookup(env, "ASDF_DIR"); dir != "" {
		path = filepath.Join(dir, "asdf.sh")
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}
	if path == "" {
		home := Lookup(env, "HOME")
		if home == "" {
			home, _ = os.UserHomeDir()
		}
		if home != "" {
			path = filepath.Join(home, ".asdf", "asdf.sh")
			if _, err := os.Stat(path); err != nil {
				path = ""
			}
		}
	}
	if path == "" {
		return ""
	}
	switch shellBase {
	case "bash", "zsh":
		return fmt.Sprintf("source %q && ", path)
	case "ksh", "sh":
		return fmt.Sprintf(". %q && ", path)
	default:
		return ""
	}
}
