// Package lifecycle drives the deployment steps of one service on one host:
// release directories, the init script, package installation and the
// service verbs. Steps are grouped into fixed pipelines per deployment
// event and run strictly in order.
package lifecycle

import (
	"context"
	"log/slog"

	"github.com/loykin/deployr/internal/artifact"
	"github.com/loykin/deployr/internal/checksum"
	"github.com/loykin/deployr/internal/deploy"
	"github.com/loykin/deployr/internal/history"
	"github.com/loykin/deployr/internal/initscript"
	"github.com/loykin/deployr/internal/metrics"
	"github.com/loykin/deployr/internal/remote"
)

// DefaultNPM is the package manager invoked by install_packages.
const DefaultNPM = "npm"

// Options tune the orchestrator. The zero value is usable.
type Options struct {
	Init initscript.Options
	// EnableOnBoot registers a freshly installed script with update-rc.d.
	EnableOnBoot bool
	Checksum     checksum.Algorithm
	NPM          string
}

// Orchestrator runs lifecycle steps against a single transport.
type Orchestrator struct {
	dc   deploy.Context
	t    remote.Transport
	sync *artifact.Sync
	opts Options
	rec  *history.Recorder
	log  *slog.Logger
}

// New wraps t so that every remote command is logged and counted. rec and
// log may be nil.
func New(dc deploy.Context, t remote.Transport, opts Options, rec *history.Recorder, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if opts.NPM == "" {
		opts.NPM = DefaultNPM
	}
	o := &Orchestrator{
		dc:   dc,
		opts: opts,
		rec:  rec,
		log:  log.With("job", dc.JobName(), "host", t.Host()),
	}
	o.t = remote.Observe(t, o.observe)
	o.sync = artifact.New(o.t, opts.Checksum, dc.StagingPath())
	return o
}

// Context returns the deployment context the orchestrator was built with.
func (o *Orchestrator) Context() deploy.Context { return o.dc }

func (o *Orchestrator) observe(cmd remote.Command, res remote.Result, err error) {
	result := "ok"
	switch {
	case err != nil:
		result = "transport"
	case res.ExitCode != 0:
		result = "exit"
	}
	label := cmd.Label
	if label == "" {
		label = "unlabelled"
	}
	metrics.ObserveRemoteCommand(label, result, res.Duration.Seconds())

	attrs := []any{"label", label, "command", cmd.Render(), "exit", res.ExitCode, "duration", res.Duration}
	if cmd.Sudo {
		attrs = append(attrs, "sudo", true)
	}
	if err != nil {
		o.log.Debug("remote command failed", append(attrs, "error", err)...)
		return
	}
	o.log.Debug("remote command", attrs...)
}

// InitArtifact renders the init script for the current context.
func (o *Orchestrator) InitArtifact() (artifact.Artifact, error) {
	content, err := initscript.Render(o.dc, o.opts.Init)
	if err != nil {
		return artifact.Artifact{}, err
	}
	return artifact.Artifact{Path: o.dc.InitFilePath(), Content: content, Executable: true}, nil
}

// DiffInit reports whether the installed init script differs from the
// rendered one. Nothing is written.
func (o *Orchestrator) DiffInit(ctx context.Context) (bool, error) {
	a, err := o.InitArtifact()
	if err != nil {
		return false, err
	}
	return o.sync.Diff(ctx, a)
}
