package lifecycle

import (
	"context"
	"path"

	"github.com/loykin/deployr/internal/artifact"
	"github.com/loykin/deployr/internal/initscript"
	"github.com/loykin/deployr/internal/metrics"
	"github.com/loykin/deployr/internal/remote"
)

// CreateReleaseDir makes sure the releases directory and the shared log
// and pid directories exist.
func (o *Orchestrator) CreateReleaseDir(ctx context.Context) error {
	cmd := remote.New("mkdir", "-p", o.dc.ReleasesPath()).
		Then("mkdir", "-p", o.dc.LogDir()).
		Then("mkdir", "-p", o.dc.PIDDir()).
		Labeled("release.mkdir")
	return o.runChecked(ctx, string(StepCreateReleaseDir), cmd)
}

// CheckInitConfig installs the init script when the remote copy is absent
// or differs, then activates it. An unchanged script costs two read-only
// commands.
func (o *Orchestrator) CheckInitConfig(ctx context.Context) (artifact.Outcome, error) {
	a, err := o.InitArtifact()
	if err != nil {
		return "", err
	}
	outcome, err := o.sync.Reconcile(ctx, a)
	if err != nil {
		metrics.IncReconcile(a.Path, "failed")
		return "", err
	}
	metrics.IncReconcile(a.Path, string(outcome))
	if outcome == artifact.OutcomeInstalled {
		o.log.Info("init script installed", "path", a.Path)
		if err := o.activate(ctx); err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}

// InstallInit writes the init script unconditionally and activates it.
func (o *Orchestrator) InstallInit(ctx context.Context) error {
	a, err := o.InitArtifact()
	if err != nil {
		return err
	}
	if err := o.sync.Install(ctx, a); err != nil {
		metrics.IncReconcile(a.Path, "failed")
		return err
	}
	metrics.IncReconcile(a.Path, string(artifact.OutcomeInstalled))
	return o.activate(ctx)
}

// activate hands control of the service to a freshly installed script.
func (o *Orchestrator) activate(ctx context.Context) error {
	if o.opts.EnableOnBoot {
		cmd := remote.New("update-rc.d", o.dc.JobName(), "defaults").Privileged().Labeled("service.enable")
		if err := o.runChecked(ctx, string(StepCheckInitConfig), cmd); err != nil {
			return err
		}
	}
	_, err := o.Service(ctx, initscript.VerbStart)
	return err
}

// InstallPackages installs dependencies into the shared directory and links
// them into the release. Development dependencies are included outside
// production.
func (o *Orchestrator) InstallPackages(ctx context.Context) error {
	release := o.dc.CurrentReleasePath()
	shared := o.dc.SharedPath()

	install := []string{o.opts.NPM, "install"}
	if !o.dc.IsProduction() {
		install = append(install, "--dev")
	}
	cmds := []remote.Command{
		remote.New("cp", path.Join(release, "package.json"), shared).Labeled("packages.manifest"),
		remote.New(install...).In(shared).Labeled("packages.install"),
		remote.New("ln", "-sfn", path.Join(shared, "node_modules"), path.Join(release, "node_modules")).Labeled("packages.link"),
	}
	for _, cmd := range cmds {
		if err := o.runChecked(ctx, string(StepInstallPackages), cmd); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) runChecked(ctx context.Context, step string, cmd remote.Command) error {
	res, err := o.t.Run(ctx, cmd)
	if err != nil {
		return &CommandError{Step: step, Command: cmd.Render(), Code: -1, Err: err}
	}
	if res.ExitCode != 0 {
		return &CommandError{Step: step, Command: cmd.Render(), Code: res.ExitCode, Stderr: res.Stderr}
	}
	return nil
}
