// Package probe answers read-only questions about files on a remote host.
package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/deployr/internal/checksum"
	"github.com/loykin/deployr/internal/remote"
)

// ErrProbeFailure matches every *Error returned by a Probe.
var ErrProbeFailure = errors.New("remote probe failed")

// Error reports a probe whose answer could not be determined.
type Error struct {
	Op   string
	Path string
	Code int
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("probe %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("probe %s %s: exit status %d", e.Op, e.Path, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrProbeFailure }

// Probe runs its checks as the unprivileged login account.
type Probe struct {
	Exec      remote.Executor
	Algorithm checksum.Algorithm
}

// New returns a Probe over exec. A zero alg selects checksum.Default.
func New(exec remote.Executor, alg checksum.Algorithm) *Probe {
	if alg.New == nil {
		alg = checksum.Default
	}
	return &Probe{Exec: exec, Algorithm: alg}
}

// Exists reports whether path exists. Exit status 0 means present and 1
// absent; anything else is a failure.
func (p *Probe) Exists(ctx context.Context, path string) (bool, error) {
	res, err := p.Exec.Run(ctx, remote.New("test", "-e", path).Labeled("probe.exists"))
	if err != nil {
		return false, &Error{Op: "exists", Path: path, Code: -1, Err: err}
	}
	switch res.ExitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, &Error{Op: "exists", Path: path, Code: res.ExitCode, Err: stderrErr(res)}
	}
}

// Checksum returns the lowercase hex digest of the remote file. The caller
// is expected to have checked existence first.
func (p *Probe) Checksum(ctx context.Context, path string) (string, error) {
	res, err := p.Exec.Run(ctx, remote.New(p.Algorithm.Tool, path).Labeled("probe.checksum"))
	if err != nil {
		return "", &Error{Op: "checksum", Path: path, Code: -1, Err: err}
	}
	if res.ExitCode != 0 {
		return "", &Error{Op: "checksum", Path: path, Code: res.ExitCode, Err: stderrErr(res)}
	}
	sum, err := p.Algorithm.ParseOutput(res.Stdout)
	if err != nil {
		return "", &Error{Op: "checksum", Path: path, Err: err}
	}
	return sum, nil
}

func stderrErr(res remote.Result) error {
	if s := strings.TrimSpace(res.Stderr); s != "" {
		return fmt.Errorf("exit status %d: %s", res.ExitCode, s)
	}
	return nil
}
