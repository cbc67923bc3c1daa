//go:build windows

package script

import (
	"os"
	"path/filepath"
)

// knownBashPaths returns Git Bash, MSYS2, Cygwin and WSL locations in that
// order of preference.
func knownBashPaths() []string {
	programFiles := envOr("ProgramFiles", `C:\Program Files`)
	programFilesX86 := envOr("ProgramFiles(x86)", `C:\Program Files (x86)`)
	systemRoot := envOr("SystemRoot", `C:\Windows`)
	return []string{
		filepath.Join(programFiles, "Git", "bin", "bash.exe"),
		filepath.Join(programFilesX86, "Git", "bin", "bash.exe"),
		`C:\msys64\usr\bin\bash.exe`,
		`C:\cygwin64\bin\bash.exe`,
		`C:\cygwin\bin\bash.exe`,
		filepath.Join(systemRoot, "System32", "bash.exe"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
