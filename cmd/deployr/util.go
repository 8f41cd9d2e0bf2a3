package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/loykin/deployr"
	"gopkg.in/yaml.v3"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

type contextView struct {
	Application string `yaml:"application"`
	AppCommand  string `yaml:"app_command"`
	Environment string `yaml:"environment"`
	Interpreter string `yaml:"interpreter"`
	User        string `yaml:"user"`
	DeployTo    string `yaml:"deploy_to"`
	ReleasePath string `yaml:"release_path,omitempty"`

	Derived derivedView `yaml:"derived"`
	Target  targetView  `yaml:"target"`

	Manifest string   `yaml:"manifest"`
	InitEnv  []string `yaml:"init_env,omitempty"`
	Config   string   `yaml:"config,omitempty"`
}

type derivedView struct {
	JobName        string `yaml:"job_name"`
	InitFile       string `yaml:"init_file"`
	Releases       string `yaml:"releases"`
	Shared         string `yaml:"shared"`
	Current        string `yaml:"current"`
	CurrentRelease string `yaml:"current_release"`
	Staging        string `yaml:"staging"`
	EntryPoint     string `yaml:"entry_point"`
	LogFile        string `yaml:"log_file"`
	PIDFile        string `yaml:"pid_file"`
}

type targetView struct {
	Local bool   `yaml:"local"`
	Host  string `yaml:"host,omitempty"`
	User  string `yaml:"user,omitempty"`
	Sudo  string `yaml:"sudo"`
}

func describe(cfg *deployr.Config) contextView {
	dc := cfg.Context
	rc := cfg.File.Remote
	m := string(cfg.Manifest.State)
	if cfg.Manifest.Path != "" {
		m += " (" + cfg.Manifest.Path + ")"
	}
	v := contextView{
		Application: dc.Application,
		AppCommand:  dc.AppCommand,
		Environment: dc.Environment,
		Interpreter: dc.Interpreter,
		User:        dc.User,
		DeployTo:    dc.DeployTo,
		ReleasePath: dc.ReleasePath,
		Derived: derivedView{
			JobName:        dc.JobName(),
			InitFile:       dc.InitFilePath(),
			Releases:       dc.ReleasesPath(),
			Shared:         dc.SharedPath(),
			Current:        dc.CurrentPath(),
			CurrentRelease: dc.CurrentReleasePath(),
			Staging:        dc.StagingPath(),
			EntryPoint:     dc.EntryPoint(),
			LogFile:        dc.LogFile(),
			PIDFile:        dc.PIDFile(),
		},
		Target:   targetView{Local: rc.Local, Sudo: rc.Sudo},
		Manifest: m,
		InitEnv:  cfg.InitEnv,
		Config:   cfg.Path,
	}
	if !rc.Local && rc.SSH.Host != "" {
		v.Target.Host = rc.SSH.Address()
		v.Target.User = rc.SSH.User
	}
	return v
}
