package template

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/renameio/v2"
	"github.com/pelletier/go-toml/v2"
)

// TemplateType selects which sections a starter configuration carries.
type TemplateType string

const (
	TypeSSH   TemplateType = "ssh"
	TypeLocal TemplateType = "local"
	TypeFull  TemplateType = "full"
)

var ErrExists = errors.New("configuration file already exists")

// ConfigTemplate is a starter deployr.toml. Field tags mirror the keys
// read by internal/config.
type ConfigTemplate struct {
	Application string `toml:"application" comment:"Defaults to package.json \"name\" when omitted"`
	AppCommand  string `toml:"app_command" comment:"Entry point relative to the release; defaults to package.json \"main\""`
	Environment string `toml:"environment"`
	Interpreter string `toml:"interpreter"`
	User        string `toml:"user" comment:"Account the service runs as"`
	DeployTo    string `toml:"deploy_to"`
	ReleasePath string `toml:"release_path,omitempty" comment:"Usually supplied per run: --set release_path=/srv/app/releases/20240101000000"`

	Init    InitSection     `toml:"init"`
	Remote  RemoteSection   `toml:"remote"`
	Log     *LogSection     `toml:"log,omitempty"`
	History *HistorySection `toml:"history,omitempty"`
	Metrics *MetricsSection `toml:"metrics,omitempty"`
	Server  *ServerSection  `toml:"server,omitempty"`

	Schedule []ScheduleEntry `toml:"schedule,omitempty" comment:"Run by deployr serve; action is an event or start, stop, restart, reload"`
}

type InitSection struct {
	EnvVar       string   `toml:"env_var"`
	Env          []string `toml:"env" comment:"Exported before launch; ${VAR} expands earlier entries"`
	StopTimeout  int      `toml:"stop_timeout" comment:"Seconds to wait after SIGTERM before escalating"`
	KillTimeout  int      `toml:"kill_timeout"`
	EnableOnBoot bool     `toml:"enable_on_boot"`
	Checksum     string   `toml:"checksum" comment:"md5, sha256 or blake3; the matching *sum tool must exist on the host"`
}

type RemoteSection struct {
	Local bool        `toml:"local"`
	Sudo  string      `toml:"sudo"`
	SSH   *SSHSection `toml:"ssh,omitempty"`
}

type SSHSection struct {
	Host         string   `toml:"host"`
	Port         int      `toml:"port"`
	User         string   `toml:"user"`
	IdentityFile string   `toml:"identity_file"`
	KnownHosts   []string `toml:"known_hosts"`
	UseAgent     bool     `toml:"use_agent"`
	Timeout      string   `toml:"timeout"`
}

type LogSection struct {
	Slog LogSlogSection `toml:"slog"`
	File LogFileSection `toml:"file"`
}

type LogSlogSection struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Color  bool   `toml:"color"`
}

type LogFileSection struct {
	Dir        string `toml:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

type HistorySection struct {
	Enabled bool   `toml:"enabled"`
	DSN     string `toml:"dsn" comment:"sqlite://, postgres://, clickhouse:// or opensearch://"`
}

type MetricsSection struct {
	Enabled  bool   `toml:"enabled"`
	Textfile string `toml:"textfile" comment:"node_exporter textfile collector target"`
}

type ServerSection struct {
	Listen   string `toml:"listen"`
	BasePath string `toml:"base_path"`
	Token    string `toml:"token" comment:"Bearer token required by every hook; empty disables auth"`
	// left empty: deployr token refuses to sign until it is set
	JWTSecret string `toml:"jwt_secret" comment:"Signs scoped tokens issued by deployr token"`
}

type ScheduleEntry struct {
	Name     string `toml:"name"`
	Schedule string `toml:"schedule"`
	Action   string `toml:"action"`
}

// Generator provides template generation functionality
type Generator struct{}

// NewGenerator creates a new template generator
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate builds the starter configuration for app.
func (g *Generator) Generate(templateType TemplateType, app string) (*ConfigTemplate, error) {
	if app == "" {
		app = "app"
	}
	t := g.base(app)
	switch templateType {
	case TypeSSH:
		t.Remote.SSH = g.ssh()
	case TypeLocal:
		t.Remote.Local = true
	case TypeFull:
		t.Remote.SSH = g.ssh()
		t.Log = &LogSection{
			Slog: LogSlogSection{Level: "info", Format: "text", Color: true},
			File: LogFileSection{Dir: "/var/log/deployr", MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 7, Compress: true},
		}
		t.History = &HistorySection{Enabled: true, DSN: "sqlite:///var/lib/deployr/history.db"}
		t.Metrics = &MetricsSection{Enabled: true, Textfile: "/var/lib/node_exporter/textfile/deployr.prom"}
		t.Server = &ServerSection{Listen: ":8080", BasePath: "/api", Token: "change-me"}
		t.Schedule = []ScheduleEntry{{Name: "nightly-restart", Schedule: "30 4 * * *", Action: "restart"}}
	default:
		return nil, fmt.Errorf("unknown template type: %s (supported: ssh, local, full)", templateType)
	}
	return t, nil
}

// GenerateTOML renders the template as TOML.
func (g *Generator) GenerateTOML(templateType TemplateType, app string) ([]byte, error) {
	t, err := g.Generate(templateType, app)
	if err != nil {
		return nil, err
	}
	data, err := toml.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template: %w", err)
	}
	return data, nil
}

// GetSupportedTypes returns a list of all supported template types
func (g *Generator) GetSupportedTypes() []string {
	return []string{string(TypeSSH), string(TypeLocal), string(TypeFull)}
}

// WriteFile atomically writes data to path. An existing file is kept
// unless force is set.
func WriteFile(path string, data []byte, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%w: %s (use --force to overwrite)", ErrExists, path)
	}
	return renameio.WriteFile(path, data, 0o644)
}

func (g *Generator) base(app string) *ConfigTemplate {
	return &ConfigTemplate{
		Application: app,
		AppCommand:  "index.js",
		Environment: "production",
		Interpreter: "/usr/bin/node",
		User:        "deploy",
		DeployTo:    "/srv/" + app,
		Init: InitSection{
			EnvVar:      "NODE_ENV",
			Env:         []string{"PORT=3000"},
			StopTimeout: 30,
			KillTimeout: 5,
			Checksum:    "md5",
		},
		Remote: RemoteSection{Sudo: "sudo"},
	}
}

func (g *Generator) ssh() *SSHSection {
	return &SSHSection{
		Host:       "app1.example.com",
		Port:       22,
		User:       "deploy",
		KnownHosts: []string{"~/.ssh/known_hosts"},
		UseAgent:   true,
		Timeout:    "10s",
	}
}
