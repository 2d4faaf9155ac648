//go:build !unix

package meterexec

import "os/exec"

// killProcessGroup keeps the default cancellation, which kills only the command itself.
func killProcessGroup(cmd *exec.Cmd) {}
