//go:build !linux

package cgi

// Without waitid(WNOWAIT) the group is swept after the leader is reaped.
func awaitExit(pid int) bool {
	return false
}
