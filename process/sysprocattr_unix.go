//go:build !windows
// +build !windows

package process

import (
	"errors"
	"os"
	"syscall"
)

// setSysProcAttr puts the child in its own process group so the whole
// group can be killed, including anything the test framework spawned.
func setSysProcAttr(attr *syscall.SysProcAttr) *syscall.SysProcAttr {
	if attr == nil {
		attr = &syscall.SysProcAttr{}
	}
	attr.Setpgid = true
	return attr
}

// killProcess sends SIGKILL to the process group of proc
func killProcess(proc *os.Process) error {
	// Negating the process ID means interpret it as a process group ID.
	err := syscall.Kill(-proc.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return proc.Kill()
	}
	return err
}
