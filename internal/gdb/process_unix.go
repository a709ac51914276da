//go:build !windows

package gdb

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// killProcessGroup kills gdb together with the inferiors it started.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
	}
	return nil
}

// setProcAttr puts gdb in its own session so that terminal signals aimed at
// the bridge do not reach it, and so the whole group can be killed.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
