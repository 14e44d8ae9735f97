//go:build !windows

package orchestrator

import (
	"errors"
	"os/exec"
	"syscall"
)

// setProcessGroup places the pipeline in its own process group so that
// signals reach any children it spawns.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// interruptProcess sends SIGINT to the pipeline's process group. A group
// that is already gone is not an error.
func interruptProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil || cmd.Process.Pid <= 0 {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGINT)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}
