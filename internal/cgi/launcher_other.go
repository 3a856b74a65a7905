//go:build !unix

package cgi

import (
	"os"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

// Without process groups only the leader is killed, by Process.Kill.
func killGroup(pid int) error {
	return nil
}

func isExecutable(fi os.FileInfo) bool {
	return fi.Mode().IsRegular()
}
