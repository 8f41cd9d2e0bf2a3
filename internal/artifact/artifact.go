// Package artifact keeps a file on a remote host identical to its desired
// content. Nothing is written when the remote digest already matches.
package artifact

import (
	"context"
	"errors"
	"fmt"

	"github.com/loykin/deployr/internal/checksum"
	"github.com/loykin/deployr/internal/probe"
	"github.com/loykin/deployr/internal/remote"
)

// Artifact is a desired remote file.
type Artifact struct {
	Path    string
	Content []byte
	// Executable sets the execute bits after install.
	Executable bool
}

type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeInstalled Outcome = "installed"
)

// Intent names the phase of a reconcile that failed.
type Intent string

const (
	IntentProbe   Intent = "probe"
	IntentUpload  Intent = "upload"
	IntentInstall Intent = "install"
	IntentVerify  Intent = "verify"
)

var (
	ErrRemoteOperation = errors.New("remote operation failed")
	ErrProbeFailure    = fmt.Errorf("%w: probe", ErrRemoteOperation)
	ErrInstallFailure  = fmt.Errorf("%w: install", ErrRemoteOperation)
	// ErrDigestMismatch is reported when the installed file does not hash
	// to the desired digest.
	ErrDigestMismatch = errors.New("installed digest mismatch")
)

// OpError is returned by Reconcile.
type OpError struct {
	Intent Intent
	Path   string
	Err    error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("artifact %s %s: %v", e.Intent, e.Path, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func (e *OpError) Is(target error) bool {
	switch target {
	case ErrRemoteOperation:
		return true
	case ErrProbeFailure:
		return e.Intent == IntentProbe
	case ErrInstallFailure:
		return e.Intent != IntentProbe
	}
	return false
}

// Sync reconciles artifacts through a probe, an uploader and a privileged
// install command.
type Sync struct {
	Exec     remote.Executor
	Uploader remote.Uploader
	Probe    *probe.Probe
	// StagingPath is where content is uploaded before being promoted.
	StagingPath string
}

// New builds a Sync over a single transport.
func New(t remote.Transport, alg checksum.Algorithm, stagingPath string) *Sync {
	return &Sync{
		Exec:        t,
		Uploader:    t,
		Probe:       probe.New(t, alg),
		StagingPath: stagingPath,
	}
}

// Diff reports whether the remote copy differs from the desired content
// without changing anything.
func (s *Sync) Diff(ctx context.Context, a Artifact) (bool, error) {
	want := s.Probe.Algorithm.Sum(a.Content)
	exists, err := s.Probe.Exists(ctx, a.Path)
	if err != nil {
		return false, &OpError{Intent: IntentProbe, Path: a.Path, Err: err}
	}
	if !exists {
		return true, nil
	}
	got, err := s.Probe.Checksum(ctx, a.Path)
	if err != nil {
		return false, &OpError{Intent: IntentProbe, Path: a.Path, Err: err}
	}
	return got != want, nil
}

// Reconcile installs a when the remote copy is absent or differs.
func (s *Sync) Reconcile(ctx context.Context, a Artifact) (Outcome, error) {
	changed, err := s.Diff(ctx, a)
	if err != nil {
		return "", err
	}
	if !changed {
		return OutcomeSkipped, nil
	}
	if err := s.Install(ctx, a); err != nil {
		return "", err
	}
	return OutcomeInstalled, nil
}

// Install writes a unconditionally: upload to the staging path as the
// deploy account, copy into place with elevated privilege, then verify.
func (s *Sync) Install(ctx context.Context, a Artifact) error {
	staging := s.StagingPath
	if staging == "" {
		staging = a.Path + ".new"
	}
	if err := s.Uploader.Upload(ctx, staging, a.Content); err != nil {
		return &OpError{Intent: IntentUpload, Path: staging, Err: err}
	}

	cmd := remote.New("cp", staging, a.Path)
	if a.Executable {
		cmd = cmd.Then("chmod", "+x", a.Path)
	}
	if _, err := remote.RunChecked(ctx, s.Exec, cmd.Privileged().Labeled("artifact.install")); err != nil {
		return &OpError{Intent: IntentInstall, Path: a.Path, Err: err}
	}

	want := s.Probe.Algorithm.Sum(a.Content)
	got, err := s.Probe.Checksum(ctx, a.Path)
	if err != nil {
		return &OpError{Intent: IntentVerify, Path: a.Path, Err: err}
	}
	if got != want {
		return &OpError{Intent: IntentVerify, Path: a.Path,
			Err: fmt.Errorf("%w: remote %s, want %s", ErrDigestMismatch, got, want)}
	}
	return nil
}
