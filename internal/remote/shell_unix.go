//go:build !windows

package remote

import (
	"context"
	"io/fs"
	"os/exec"
)

// getShellCommand returns a shell command for Unix systems
func getShellCommand(ctx context.Context, script string) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "/bin/sh", "-c", script)
}

func fileMode(m uint32) fs.FileMode { return fs.FileMode(m) }
