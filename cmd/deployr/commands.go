package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/loykin/deployr"
	"github.com/loykin/deployr/internal/initscript"
	"github.com/loykin/deployr/internal/lifecycle"
	"github.com/loykin/deployr/internal/remote"
	"github.com/loykin/deployr/pkg/template"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type command struct {
	global *GlobalFlags
	// transport, when set, replaces the configured target.
	transport remote.Transport
	stdout    io.Writer
	stderr    io.Writer
}

func newCommand() *command {
	return &command{global: &GlobalFlags{}, stdout: os.Stdout, stderr: os.Stderr}
}

// Hook runs the pipeline attached to a deployment event.
func (c *command) Hook(ctx context.Context, name string) error {
	event, err := deployr.ParseEvent(name)
	if err != nil {
		return err
	}
	return c.withSession(ctx, func(s *session) error {
		return s.d.Run(ctx, event)
	})
}

// Deploy runs pre-deploy followed by post-update.
func (c *command) Deploy(ctx context.Context) error {
	return c.withSession(ctx, func(s *session) error {
		return s.d.Deploy(ctx)
	})
}

func (c *command) Rollback(ctx context.Context) error {
	return c.Hook(ctx, string(deployr.EventPostRollback))
}

// Steps runs individual lifecycle steps under the manual event.
func (c *command) Steps(ctx context.Context, names ...lifecycle.StepName) error {
	return c.withSession(ctx, func(s *session) error {
		return s.d.RunSteps(ctx, deployr.EventManual, names...)
	})
}

// CheckInit reconciles the init script; with DryRun it only reports drift.
func (c *command) CheckInit(ctx context.Context, f CheckInitFlags) error {
	if !f.DryRun {
		return c.Steps(ctx, lifecycle.StepCheckInitConfig)
	}
	return c.withSession(ctx, func(s *session) error {
		changed, err := s.d.InitChanged(ctx)
		if err != nil {
			return err
		}
		state := "up to date"
		if changed {
			state = "changed"
		}
		_, _ = fmt.Fprintf(c.stdout, "%s: %s\n", s.d.Context().InitFilePath(), state)
		return nil
	})
}

// Status prints the init script's status answer as JSON.
func (c *command) Status(ctx context.Context) error {
	return c.withSession(ctx, func(s *session) error {
		st, err := s.d.Status(ctx)
		if err != nil {
			return err
		}
		printJSON(c.stdout, st)
		return nil
	})
}

// RenderInit prints the init script, or writes it atomically to f.Out.
// No connection is opened.
func (c *command) RenderInit(f RenderInitFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	script, err := initscript.Render(cfg.Context, cfg.InitOptions())
	if err != nil {
		return err
	}
	if f.Out == "" || f.Out == "-" {
		_, err := c.stdout.Write(script)
		return err
	}
	if _, err := os.Stat(f.Out); err == nil && !f.Force {
		return fmt.Errorf("file '%s' already exists (use --force to overwrite)", f.Out)
	}
	if err := renameio.WriteFile(f.Out, script, 0o755); err != nil {
		return fmt.Errorf("failed to write init script: %w", err)
	}
	_, _ = fmt.Fprintf(c.stdout, "Init script for %s written to %s\n", cfg.Context.JobName(), f.Out)
	return nil
}

// Context prints the resolved deployment context as YAML.
func (c *command) Context() error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	return printYAML(c.stdout, describe(cfg))
}

// Template writes a starter configuration file.
func (c *command) Template(f TemplateFlags) error {
	out := f.Output
	if out == "" {
		out = "deployr.toml"
	}
	name := f.Name
	if name == "" {
		name = filepath.Base(filepath.Dir(mustAbs(out)))
	}
	data, err := template.NewGenerator().GenerateTOML(template.TemplateType(f.Type), name)
	if err != nil {
		return fmt.Errorf("failed to generate template: %w", err)
	}
	if out == "-" {
		_, err := c.stdout.Write(data)
		return err
	}
	if err := template.WriteFile(out, data, f.Force); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.stdout, "Template '%s' created: %s\n", f.Type, out)
	_, _ = fmt.Fprintf(c.stdout, "Review it, then run: deployr --config %s check-init --dry-run\n", out)
	return nil
}

// History prints the most recent events of this deployment.
func (c *command) History(ctx context.Context, f HistoryFlags) error {
	return c.withSession(ctx, func(s *session) error {
		events, err := s.d.Recent(ctx, f.Limit)
		if err != nil {
			return err
		}
		printJSON(c.stdout, events)
		return nil
	})
}

// Token prints a signed hook server token. No connection is opened.
func (c *command) Token(f TokenFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	tok, err := deployr.IssueToken(cfg, f.Subject, f.TTL, f.Scopes)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.stdout, tok)
	return nil
}

func (c *command) Version() {
	_, _ = fmt.Fprintf(c.stdout, "deployr %s\n", version)
}

func mustAbs(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}
