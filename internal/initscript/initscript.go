// Package initscript renders the LSB init script that supervises the
// deployed service through start-stop-daemon.
package initscript

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/loykin/deployr/internal/deploy"
	"github.com/loykin/deployr/internal/env"
	"github.com/loykin/deployr/internal/remote"
)

// Verbs accepted by the script.
const (
	VerbStart       = "start"
	VerbStop        = "stop"
	VerbStatus      = "status"
	VerbRestart     = "restart"
	VerbForceReload = "force-reload"
	VerbReload      = "reload"
)

// Exit codes of the start, stop and restart verbs.
const (
	ExitOK           = 0
	ExitNoop         = 1 // already running / was not running
	ExitFailed       = 2
	ExitUsage        = 3
	// ExitNotInstalled is returned when the interpreter is missing.
	ExitNotInstalled = 5
)

// LSB status codes returned by the status verb.
const (
	StatusRunning      = 0
	StatusDeadPIDFile  = 1
	StatusDeadLockFile = 2
	StatusNotRunning   = 3
	StatusUnknown      = 4
)

// Verbs lists every accepted verb.
var Verbs = []string{VerbStart, VerbStop, VerbStatus, VerbRestart, VerbForceReload, VerbReload}

func ValidVerb(v string) bool {
	for _, x := range Verbs {
		if v == x {
			return true
		}
	}
	return false
}

const (
	DefaultEnvVar          = "NODE_ENV"
	DefaultStartStopDaemon = "start-stop-daemon"
	DefaultStopTimeout     = 30
	DefaultKillTimeout     = 5
)

// Options control rendering. Zero values take the defaults above.
type Options struct {
	// EnvVar receives the environment label, e.g. NODE_ENV=production.
	EnvVar string
	// Env holds extra KEY=VALUE pairs, already resolved.
	Env             []string
	StartStopDaemon string
	// StopTimeout is how long stop waits after TERM before sending KILL;
	// KillTimeout is how long it then waits for the process to exit.
	StopTimeout int
	KillTimeout int
	Description string
}

var ErrInvalidOptions = errors.New("invalid init script options")

//go:embed init.sh.tmpl
var scriptText string

var scriptTmpl = template.Must(template.New("init.sh").
	Funcs(template.FuncMap{"q": remote.Quote}).
	Parse(scriptText))

type data struct {
	Job             string
	Description     string
	ScriptName      string
	Interpreter     string
	EntryPoint      string
	WorkDir         string
	User            string
	PIDFile         string
	LogFile         string
	StartStopDaemon string
	EnvVar          string
	Environment     string
	Env             []string
	StopTimeout     int
	KillTimeout     int
}

// Render produces the script for c. The output depends only on c and opts,
// so rendering twice yields identical bytes.
func Render(c deploy.Context, opts Options) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	d := data{
		Job:             c.JobName(),
		Description:     opts.Description,
		ScriptName:      c.InitFilePath(),
		Interpreter:     c.Interpreter,
		EntryPoint:      c.EntryPoint(),
		WorkDir:         c.CurrentPath(),
		User:            c.User,
		PIDFile:         c.PIDFile(),
		LogFile:         c.LogFile(),
		StartStopDaemon: opts.StartStopDaemon,
		EnvVar:          opts.EnvVar,
		Environment:     c.Environment,
		StopTimeout:     opts.StopTimeout,
		KillTimeout:     opts.KillTimeout,
	}
	if d.Description == "" {
		d.Description = fmt.Sprintf("%s (%s)", c.Application, c.Environment)
	}
	if strings.ContainsAny(d.Description, "\n\r") {
		return nil, fmt.Errorf("%w: description must be a single line", ErrInvalidOptions)
	}
	if d.StartStopDaemon == "" {
		d.StartStopDaemon = DefaultStartStopDaemon
	}
	if d.EnvVar == "" {
		d.EnvVar = DefaultEnvVar
	}
	if !env.ValidKey(d.EnvVar) {
		return nil, fmt.Errorf("%w: env var name %q", ErrInvalidOptions, d.EnvVar)
	}
	if d.StopTimeout == 0 {
		d.StopTimeout = DefaultStopTimeout
	}
	if d.KillTimeout == 0 {
		d.KillTimeout = DefaultKillTimeout
	}
	if d.StopTimeout < 0 || d.KillTimeout < 0 {
		return nil, fmt.Errorf("%w: timeouts must be positive", ErrInvalidOptions)
	}
	for _, kv := range opts.Env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !env.ValidKey(k) {
			return nil, fmt.Errorf("%w: env entry %q", ErrInvalidOptions, kv)
		}
		d.Env = append(d.Env, k+"="+remote.Quote(v))
	}

	var buf bytes.Buffer
	if err := scriptTmpl.Execute(&buf, d); err != nil {
		return nil, fmt.Errorf("render init script: %w", err)
	}
	return buf.Bytes(), nil
}
