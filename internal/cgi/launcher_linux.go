//go:build linux

package cgi

import (
	"errors"

	"golang.org/x/sys/unix"
)

// awaitExit blocks until the child exits but leaves it unreaped, so its pid
// and process group ID cannot be reused yet.
func awaitExit(pid int) bool {
	var info unix.Siginfo
	for {
		err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if !errors.Is(err, unix.EINTR) {
			return err == nil
		}
	}
}
