package deploy

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// Default values applied when neither the manifest nor the configuration
// provides one.
const (
	DefaultAppCommand  = "index.js"
	DefaultEnvironment = "production"
	DefaultInterpreter = "/usr/bin/node"
	DefaultUser        = "deploy"
	DefaultInitDir     = "/etc/init.d"
)

// Context is the per-run deployment configuration. It is built once by the
// config loader and passed by value to every component; nothing mutates it
// after construction.
type Context struct {
	Application string `json:"application" yaml:"application"`
	AppCommand  string `json:"app_command" yaml:"app_command"`
	Environment string `json:"environment" yaml:"environment"`
	Interpreter string `json:"interpreter" yaml:"interpreter"`
	User        string `json:"user" yaml:"user"`

	// DeployTo is the base directory holding releases/, shared/ and current.
	DeployTo string `json:"deploy_to" yaml:"deploy_to"`
	// ReleasePath is the release directory being promoted by the external
	// runtime. Empty means the current release.
	ReleasePath string `json:"release_path,omitempty" yaml:"release_path,omitempty"`

	// InitFile overrides the derived init script location.
	InitFile string `json:"init_file,omitempty" yaml:"init_file,omitempty"`
}

// JobName returns "{application}-{environment}".
func (c Context) JobName() string {
	return c.Application + "-" + c.Environment
}

// InitFilePath returns where the init script lives on the remote host.
func (c Context) InitFilePath() string {
	if c.InitFile != "" {
		return c.InitFile
	}
	return path.Join(DefaultInitDir, c.JobName())
}

func (c Context) ReleasesPath() string { return path.Join(c.DeployTo, "releases") }
func (c Context) SharedPath() string   { return path.Join(c.DeployTo, "shared") }
func (c Context) CurrentPath() string  { return path.Join(c.DeployTo, "current") }

// CurrentReleasePath is the release the lifecycle steps operate on.
func (c Context) CurrentReleasePath() string {
	if c.ReleasePath != "" {
		return c.ReleasePath
	}
	return c.CurrentPath()
}

// StagingPath is where artifacts are uploaded before being promoted into
// place with elevated privilege.
func (c Context) StagingPath() string {
	return path.Join(c.SharedPath(), c.Application+".conf")
}

func (c Context) LogDir() string { return path.Join(c.SharedPath(), "log") }
func (c Context) PIDDir() string { return path.Join(c.SharedPath(), "pids") }

func (c Context) PIDFile() string { return path.Join(c.PIDDir(), c.JobName()+".pid") }
func (c Context) LogFile() string { return path.Join(c.LogDir(), c.JobName()+".log") }

// EntryPoint is the absolute path of the application entry under the
// current release.
func (c Context) EntryPoint() string {
	if path.IsAbs(c.AppCommand) {
		return c.AppCommand
	}
	return path.Join(c.CurrentPath(), c.AppCommand)
}

// IsProduction reports whether dependency installation should skip
// development extras.
func (c Context) IsProduction() bool {
	return c.Environment == DefaultEnvironment
}

// ErrInvalidContext is returned by Validate.
var ErrInvalidContext = errors.New("invalid deployment context")

// Validate checks that every field the lifecycle needs is present.
func (c Context) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Application) == "" {
		missing = append(missing, "application")
	}
	if strings.TrimSpace(c.AppCommand) == "" {
		missing = append(missing, "app_command")
	}
	if strings.TrimSpace(c.Environment) == "" {
		missing = append(missing, "environment")
	}
	if strings.TrimSpace(c.Interpreter) == "" {
		missing = append(missing, "interpreter")
	}
	if strings.TrimSpace(c.DeployTo) == "" {
		missing = append(missing, "deploy_to")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidContext, strings.Join(missing, ", "))
	}
	if !path.IsAbs(c.DeployTo) {
		return fmt.Errorf("%w: deploy_to must be absolute, got %q", ErrInvalidContext, c.DeployTo)
	}
	if !path.IsAbs(c.Interpreter) {
		return fmt.Errorf("%w: interpreter must be absolute, got %q", ErrInvalidContext, c.Interpreter)
	}
	if strings.ContainsAny(c.Application+c.Environment, "/ \t\n") {
		return fmt.Errorf("%w: application %q and environment %q must not contain slashes or whitespace (set application explicitly for a scoped package name)", ErrInvalidContext, c.Application, c.Environment)
	}
	return nil
}
