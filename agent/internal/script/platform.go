package script

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"time"
)

// Platform answers the host questions interpreter resolution depends on.
type Platform interface {
	GOOS() string
	LookPath(name string) (string, error)
	Exists(path string) bool
	// Probe reports whether path runs and exits zero with args.
	Probe(ctx context.Context, path string, args ...string) bool
	// BashPaths lists well-known bash installs to try before PATH.
	BashPaths() []string
	TempDir() string
}

const probeTimeout = 5 * time.Second

type hostPlatform struct {
	bashPaths []string
}

// HostPlatform returns the Platform for the running OS.
func HostPlatform() Platform {
	return hostPlatform{bashPaths: knownBashPaths()}
}

func (hostPlatform) GOOS() string { return runtime.GOOS }

func (hostPlatform) LookPath(name string) (string, error) { return exec.LookPath(name) }

func (hostPlatform) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (hostPlatform) Probe(ctx context.Context, path string, args ...string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return exec.CommandContext(ctx, path, args...).Run() == nil
}

func (p hostPlatform) BashPaths() []string { return p.bashPaths }

func (hostPlatform) TempDir() string { return os.TempDir() }
