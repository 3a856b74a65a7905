//go:build unix

package cgi

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Each child leads its own process group so a kill reaches grandchildren
// that inherited the pipes.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func killGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, unix.SIGKILL)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

func isExecutable(fi os.FileInfo) bool {
	return fi.Mode().Perm()&0o111 != 0
}
