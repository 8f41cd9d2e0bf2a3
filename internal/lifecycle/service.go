package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/deployr/internal/initscript"
	"github.com/loykin/deployr/internal/metrics"
	"github.com/loykin/deployr/internal/remote"
)

var (
	// ErrLifecycleCommand matches every *CommandError.
	ErrLifecycleCommand = errors.New("lifecycle command failed")
	// ErrUsage is wrapped when the init script rejects the verb (exit 3).
	ErrUsage = errors.New("init script usage error")
)

// CommandError reports a lifecycle command that could not run or exited
// with an unacceptable status. Err holds the transport error or ErrUsage
// when either applies.
type CommandError struct {
	Step    string
	Command string
	Code    int
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Err != nil && e.Code < 0 {
		return fmt.Sprintf("%s: %q: %v", e.Step, e.Command, e.Err)
	}
	msg := fmt.Sprintf("%s: %q exited with status %d", e.Step, e.Command, e.Code)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

func (e *CommandError) Is(target error) bool { return target == ErrLifecycleCommand }

// ServiceStatus is the init script's answer to "status".
type ServiceStatus struct {
	Running bool   `json:"running"`
	Code    int    `json:"code"`
	State   string `json:"state"`
}

var statusStates = map[int]string{
	initscript.StatusRunning:      "running",
	initscript.StatusDeadPIDFile:  "dead",
	initscript.StatusDeadLockFile: "dead",
	initscript.StatusNotRunning:   "stopped",
	initscript.StatusUnknown:      "unknown",
}

// Service invokes the installed init script with verb as the privileged
// account. Exit codes 0 and 1 are success.
func (o *Orchestrator) Service(ctx context.Context, verb string) (int, error) {
	cmd := remote.New(o.dc.InitFilePath(), verb).Privileged().Labeled("service." + verb)
	res, err := o.t.Run(ctx, cmd)
	if err != nil {
		return -1, &CommandError{Step: verb, Command: cmd.Render(), Code: -1, Err: err}
	}
	metrics.IncServiceExit(o.dc.JobName(), verb, res.ExitCode)
	switch res.ExitCode {
	case initscript.ExitOK, initscript.ExitNoop:
		return res.ExitCode, nil
	case initscript.ExitUsage:
		return res.ExitCode, &CommandError{Step: verb, Command: cmd.Render(), Code: res.ExitCode, Stderr: res.Stderr, Err: ErrUsage}
	}
	return res.ExitCode, &CommandError{Step: verb, Command: cmd.Render(), Code: res.ExitCode, Stderr: res.Stderr}
}

// Start runs the script's start verb; an already running service is success.
func (o *Orchestrator) Start(ctx context.Context) error {
	_, err := o.Service(ctx, initscript.VerbStart)
	return err
}

// Stop runs the script's stop verb; a service that was not running is success.
func (o *Orchestrator) Stop(ctx context.Context) error {
	_, err := o.Service(ctx, initscript.VerbStop)
	return err
}

// Restart runs the script's restart verb.
func (o *Orchestrator) Restart(ctx context.Context) error {
	_, err := o.Service(ctx, initscript.VerbRestart)
	return err
}

// Reload runs the script's reload verb, which signals HUP.
func (o *Orchestrator) Reload(ctx context.Context) error {
	_, err := o.Service(ctx, initscript.VerbReload)
	return err
}

// Status runs the script's status verb. LSB codes 0 through 4 are reported
// in ServiceStatus; anything else is an error.
func (o *Orchestrator) Status(ctx context.Context) (ServiceStatus, error) {
	cmd := remote.New(o.dc.InitFilePath(), initscript.VerbStatus).Privileged().Labeled("service.status")
	res, err := o.t.Run(ctx, cmd)
	if err != nil {
		return ServiceStatus{}, &CommandError{Step: initscript.VerbStatus, Command: cmd.Render(), Code: -1, Err: err}
	}
	metrics.IncServiceExit(o.dc.JobName(), initscript.VerbStatus, res.ExitCode)
	state, ok := statusStates[res.ExitCode]
	if !ok {
		return ServiceStatus{Code: res.ExitCode}, &CommandError{
			Step: initscript.VerbStatus, Command: cmd.Render(), Code: res.ExitCode, Stderr: res.Stderr,
		}
	}
	return ServiceStatus{Running: res.ExitCode == initscript.StatusRunning, Code: res.ExitCode, State: state}, nil
}
