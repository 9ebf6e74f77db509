//go:build unix

package invoker

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup starts the tool in its own process group and makes
// cancellation kill the whole group, so helpers the tool spawned die with it.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// A negative pid addresses the group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
