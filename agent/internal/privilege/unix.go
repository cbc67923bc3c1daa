//go:build !windows

// Package privilege answers whether the agent runs with administrative rights.
package privilege

import "golang.org/x/sys/unix"

// IsElevated reports whether the effective user is root.
func IsElevated() bool {
	return unix.Geteuid() == 0
}
