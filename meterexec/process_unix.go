//go:build unix

package meterexec

import (
	"os/exec"
	"syscall"
)

// killProcessGroup starts the command in its own process group and kills the whole group on cancellation, so that
// children of shell scripts do not outlive the read.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
