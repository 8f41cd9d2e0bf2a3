// Package remote defines the narrow interfaces deployr uses to reach a host:
// an Executor that runs a Command and reports its exit status, and an
// Uploader that writes bytes to a path. Implementations live in this
// package (Local) and in sshexec.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Result is the outcome of a command that ran to completion.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

func (r Result) OK() bool { return r.ExitCode == 0 }

// Executor runs a command on a host. A non-nil error means the command
// could not be run or its status could not be collected; a command that
// exits non-zero returns a nil error and a Result carrying the code.
type Executor interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Uploader writes data to path as the unprivileged deploy account.
type Uploader interface {
	Upload(ctx context.Context, path string, data []byte) error
}

// Transport is a connected host.
type Transport interface {
	Executor
	Uploader
	Host() string
	Close() error
}

// ErrTransport marks failures of the channel itself, independent of any
// command's exit status.
var ErrTransport = errors.New("remote transport failure")

// TransportError wraps a channel failure with the command it affected.
type TransportError struct {
	Host  string
	Label string
	Err   error
}

func (e *TransportError) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("remote %s on %s: %v", e.Label, e.Host, e.Err)
	}
	return fmt.Sprintf("remote %s: %v", e.Host, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// ExitError reports a command that exited non-zero.
type ExitError struct {
	Label   string
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("command %q exited with status %d", e.Command, e.Code)
	if e.Label != "" {
		msg = e.Label + ": " + msg
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// Check folds a Run outcome into a single error: the transport error if
// any, an *ExitError for a non-zero status, nil otherwise.
func Check(cmd Command, res Result, err error) error {
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &ExitError{Label: cmd.Label, Command: cmd.Render(), Code: res.ExitCode, Stderr: res.Stderr}
	}
	return nil
}

// RunChecked runs cmd and returns an error for transport failures and
// non-zero exits alike.
func RunChecked(ctx context.Context, e Executor, cmd Command) (Result, error) {
	res, err := e.Run(ctx, cmd)
	return res, Check(cmd, res, err)
}

// ParseSudo splits a configured privilege prefix such as "sudo -n".
func ParseSudo(s string) []string {
	return strings.Fields(s)
}
