//go:build windows

package remote

import (
	"context"
	"io/fs"
	"os/exec"
)

// getShellCommand returns a shell command for Windows systems. Rendered
// commands are POSIX sh; this only works when an sh is on PATH (e.g. Git Bash).
func getShellCommand(ctx context.Context, script string) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "sh", "-c", script)
}

func fileMode(m uint32) fs.FileMode { return fs.FileMode(m) }
