package remote

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/google/renameio/v2"
)

// Local runs commands on this machine through /bin/sh. It backs the
// --local target and end-to-end tests.
type Local struct {
	// Sudo is the privilege prefix for commands with Sudo set. Nil runs
	// privileged commands directly (e.g. when deployr itself runs as root).
	Sudo []string
	// Env, when non-empty, replaces the child environment.
	Env []string
	// FileMode applies to uploaded files.
	FileMode uint32
}

func NewLocal(sudo []string) *Local {
	return &Local{Sudo: sudo, FileMode: 0o644}
}

func (l *Local) Host() string { return "localhost" }

func (l *Local) Close() error { return nil }

func (l *Local) Run(ctx context.Context, cmd Command) (Result, error) {
	c := getShellCommand(ctx, cmd.Shell(l.Sudo))
	if len(l.Env) > 0 {
		c.Env = l.Env
	}
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		res.ExitCode = -1
		return res, &TransportError{Host: l.Host(), Label: cmd.Label, Err: err}
	}
	return res, nil
}

// Upload writes data atomically so a concurrent reader never sees a
// partially written file.
func (l *Local) Upload(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Host: l.Host(), Label: "upload", Err: err}
	}
	mode := l.FileMode
	if mode == 0 {
		mode = 0o644
	}
	if err := renameio.WriteFile(path, data, fileMode(mode)); err != nil {
		return &TransportError{Host: l.Host(), Label: "upload", Err: err}
	}
	return nil
}
