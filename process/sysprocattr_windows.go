//go:build windows
// +build windows

package process

import (
	"os"
	"syscall"
)

// setSysProcAttr sets the system process attributes for Windows
func setSysProcAttr(attr *syscall.SysProcAttr) *syscall.SysProcAttr {
	// Windows doesn't support Setpgid
	if attr == nil {
		attr = &syscall.SysProcAttr{}
	}
	return attr
}

// killProcess kills the process (Windows implementation)
func killProcess(proc *os.Process) error {
	return proc.Kill()
}
