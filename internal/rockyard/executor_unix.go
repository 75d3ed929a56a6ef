//go:build unix

package rockyard

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
}

// isExecutable reports whether path is a regular file the current user may run.
func isExecutable(path string) bool {
	if !fileExists(path) {
		return false
	}
	return unix.Access(path, unix.X_OK) == nil
}
