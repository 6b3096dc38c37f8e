//go:build unix

package shell

import (
	"os/exec"
	"syscall"
)

// setupProcessGroup runs the command in its own process group so that
// cancellation kills every process the step started.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killProcessGroup(cmd.Process.Pid, syscall.SIGKILL)
	}
}

func killProcessGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}
