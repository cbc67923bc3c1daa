//go:build !windows

package script

// Unix resolves bash through PATH only.
func knownBashPaths() []string { return nil }
