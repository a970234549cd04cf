//go:build unix

package toolrunner

import (
	"errors"
	"os/exec"
	"syscall"
)

// setProcessGroup starts c as the leader of a new process group so a kill
// reaches the helpers that wrapper scripts spawn.
func setProcessGroup(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGKILL to every process in the group led by pid.
// A group that is already gone is not an error.
func killProcessGroup(pid int) error {
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
