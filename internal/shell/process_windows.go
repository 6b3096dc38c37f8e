//go:build windows

package shell

import (
	"os/exec"
)

// setupProcessGroup kills only the direct child on Windows; there are no
// Unix-style process groups.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		return cmd.Process.Kill()
	}
}
