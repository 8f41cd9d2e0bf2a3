package main

import (
	"time"

	"github.com/spf13/pflag"
)

// GlobalFlags are persistent on the root command.
type GlobalFlags struct {
	ConfigPath string
	// Set holds key=value overrides, highest precedence.
	Set      []string
	LogLevel string
	Local    bool
}

func (g *GlobalFlags) bind(fs *pflag.FlagSet) {
	fs.StringVar(&g.ConfigPath, "config", "", "path to config file (default ./deployr.toml when present)")
	fs.StringArrayVar(&g.Set, "set", nil, "override a config key, e.g. --set environment=staging (repeatable)")
	fs.StringVar(&g.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.BoolVar(&g.Local, "local", false, "run commands on this machine instead of over SSH")
}

// overrides folds the convenience flags into --set entries so they share
// the same precedence.
func (g GlobalFlags) overrides() []string {
	out := append([]string(nil), g.Set...)
	if g.LogLevel != "" {
		out = append(out, "log.slog.level="+g.LogLevel)
	}
	if g.Local {
		out = append(out, "remote.local=true")
	}
	return out
}

type CheckInitFlags struct {
	DryRun bool
}

type RenderInitFlags struct {
	Out   string
	Force bool
}

type TemplateFlags struct {
	Type   string
	Name   string
	Output string
	Force  bool
}

type HistoryFlags struct {
	Limit int
}

type ServeFlags struct {
	Listen string
}

// TriggerFlags address a running hook server instead of the target host.
type TriggerFlags struct {
	Server   string
	Token    string
	CACert   string
	Insecure bool
	Timeout  time.Duration
}

type TokenFlags struct {
	Subject string
	TTL     time.Duration
	Scopes  []string
}
