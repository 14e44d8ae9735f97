//go:build windows

package orchestrator

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}

// interruptProcess kills the pipeline directly; Windows has no equivalent
// of a process-group interrupt.
func interruptProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
