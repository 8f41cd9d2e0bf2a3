package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/loykin/deployr/internal/checksum"
	"github.com/loykin/deployr/internal/cron"
	"github.com/loykin/deployr/internal/deploy"
	"github.com/loykin/deployr/internal/env"
	"github.com/loykin/deployr/internal/initscript"
	"github.com/loykin/deployr/internal/lifecycle"
	"github.com/loykin/deployr/internal/logger"
	"github.com/loykin/deployr/internal/manifest"
	"github.com/loykin/deployr/internal/metrics"
	"github.com/loykin/deployr/internal/remote/sshexec"
	"github.com/loykin/deployr/internal/tls"
	"github.com/spf13/viper"
)

// DefaultFile is read when no --config is given and it exists in the
// working directory.
const DefaultFile = "deployr.toml"

// EnvPrefix is prepended to every configuration key read from the
// environment: DEPLOYR_APPLICATION, DEPLOYR_REMOTE_SSH_HOST, ...
const EnvPrefix = "DEPLOYR"

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Application string `toml:"application" mapstructure:"application"`
	AppCommand  string `toml:"app_command" mapstructure:"app_command"`
	Environment string `toml:"environment" mapstructure:"environment"`
	Interpreter string `toml:"interpreter" mapstructure:"interpreter"`
	User        string `toml:"user" mapstructure:"user"`
	DeployTo    string `toml:"deploy_to" mapstructure:"deploy_to"`
	ReleasePath string `toml:"release_path" mapstructure:"release_path"`
	Manifest    string `toml:"manifest" mapstructure:"manifest"`

	Init     InitConfig     `toml:"init" mapstructure:"init"`
	Packages PackagesConfig `toml:"packages" mapstructure:"packages"`
	Remote   RemoteConfig   `toml:"remote" mapstructure:"remote"`
	Log      logger.Config  `toml:"log" mapstructure:"log"`
	History  HistoryConfig  `toml:"history" mapstructure:"history"`
	Metrics  MetricsConfig  `toml:"metrics" mapstructure:"metrics"`
	Server   ServerConfig   `toml:"server" mapstructure:"server"`
	// Schedule is run by `deployr serve` only.
	Schedule []cron.Job `toml:"schedule" mapstructure:"schedule"`
}

type InitConfig struct {
	File            string   `toml:"file" mapstructure:"file"`
	EnvVar          string   `toml:"env_var" mapstructure:"env_var"`
	Env             []string `toml:"env" mapstructure:"env"`
	EnvFiles        []string `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv        bool     `toml:"use_os_env" mapstructure:"use_os_env"`
	StartStopDaemon string   `toml:"start_stop_daemon" mapstructure:"start_stop_daemon"`
	StopTimeout     int      `toml:"stop_timeout" mapstructure:"stop_timeout"`
	KillTimeout     int      `toml:"kill_timeout" mapstructure:"kill_timeout"`
	Description     string   `toml:"description" mapstructure:"description"`
	EnableOnBoot    bool     `toml:"enable_on_boot" mapstructure:"enable_on_boot"`
	Checksum        string   `toml:"checksum" mapstructure:"checksum"`
}

type PackagesConfig struct {
	NPM string `toml:"npm" mapstructure:"npm"`
}

type RemoteConfig struct {
	// Local runs every command on this machine instead of over SSH.
	Local bool           `toml:"local" mapstructure:"local"`
	Sudo  string         `toml:"sudo" mapstructure:"sudo"`
	SSH   sshexec.Config `toml:"ssh" mapstructure:"ssh"`
}

type HistoryConfig struct {
	Enabled bool          `toml:"enabled" mapstructure:"enabled"`
	DSN     string        `toml:"dsn" mapstructure:"dsn"`
	Timeout time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
	// Textfile, when set, receives the registry after each CLI run.
	Textfile       string                       `toml:"textfile" mapstructure:"textfile"`
	ServiceProcess metrics.ServiceSamplerConfig `toml:"service_process" mapstructure:"service_process"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
	// Token enables bearer authentication when non-empty.
	Token string `toml:"token" mapstructure:"token"`
	// JWTSecret signs and verifies scoped tokens from `deployr token`.
	JWTSecret string     `toml:"jwt_secret" mapstructure:"jwt_secret"`
	TLS       tls.Config `toml:"tls" mapstructure:"tls"`
}

// Config is the result of Load.
type Config struct {
	File FileConfig
	// Context is built once and never mutated afterwards.
	Context deploy.Context
	// Manifest records whether package.json contributed defaults.
	Manifest manifest.Result
	// InitEnv is the resolved extra environment for the init script.
	InitEnv []string
	// Path is the configuration file that was read, or "".
	Path string
}

var ErrInvalidOverride = errors.New("invalid --set override")

// envKeys are bound explicitly so DEPLOYR_* variables apply to keys that
// have neither a default nor a value in the file.
var envKeys = []string{
	"application", "app_command", "environment", "interpreter", "user",
	"deploy_to", "release_path", "manifest",
	"init.file", "init.env_var", "init.env", "init.enable_on_boot", "init.checksum",
	"init.start_stop_daemon", "init.stop_timeout", "init.kill_timeout",
	"packages.npm",
	"remote.local", "remote.sudo",
	"remote.ssh.host", "remote.ssh.port", "remote.ssh.user", "remote.ssh.identity_file",
	"remote.ssh.known_hosts", "remote.ssh.insecure_ignore_host_key", "remote.ssh.use_agent",
	"remote.ssh.timeout",
	"log.slog.level", "log.slog.format", "log.slog.color", "log.file.dir",
	"history.enabled", "history.dsn",
	"metrics.enabled", "metrics.textfile",
	"server.listen", "server.base_path", "server.token", "server.jwt_secret",
	"server.tls.enabled", "server.tls.cert_file", "server.tls.key_file", "server.tls.dir",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", deploy.DefaultEnvironment)
	v.SetDefault("interpreter", deploy.DefaultInterpreter)
	v.SetDefault("user", deploy.DefaultUser)
	v.SetDefault("app_command", deploy.DefaultAppCommand)
	v.SetDefault("manifest", manifest.DefaultFile)
	v.SetDefault("init.env_var", initscript.DefaultEnvVar)
	v.SetDefault("init.stop_timeout", initscript.DefaultStopTimeout)
	v.SetDefault("init.kill_timeout", initscript.DefaultKillTimeout)
	v.SetDefault("init.start_stop_daemon", initscript.DefaultStartStopDaemon)
	v.SetDefault("init.checksum", checksum.Default.Name)
	v.SetDefault("packages.npm", lifecycle.DefaultNPM)
	v.SetDefault("remote.sudo", "sudo")
	v.SetDefault("remote.ssh.port", sshexec.DefaultPort)
	v.SetDefault("log.slog.level", "info")
	v.SetDefault("log.slog.format", "text")
	v.SetDefault("history.timeout", 5*time.Second)
	v.SetDefault("metrics.service_process.interval", 15*time.Second)
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.base_path", "/api")
}

// Load reads the configuration file at path (DefaultFile when empty and
// present), layers DEPLOYR_* environment variables and key=value overrides
// on top, derives defaults from the package manifest and builds the
// deployment context.
//
// Precedence, highest first: overrides, environment, file, manifest,
// built-in defaults.
func Load(path string, overrides []string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range envKeys {
		if err := v.BindEnv(k); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType(configType(path))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		cfg.Path = path
	}

	for _, kv := range overrides {
		k, val, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: %q (want key=value)", ErrInvalidOverride, kv)
		}
		v.Set(k, val)
	}

	// the manifest path itself may come from the file or an override
	mpath := v.GetString("manifest")
	if cfg.Path != "" && !filepath.IsAbs(mpath) {
		mpath = filepath.Join(filepath.Dir(cfg.Path), mpath)
	}
	cfg.Manifest = manifest.Load(mpath)
	if cfg.Manifest.HasDefaults() {
		if m := cfg.Manifest.Manifest; m.AppName() != "" {
			v.SetDefault("application", m.AppName())
		}
		if m := cfg.Manifest.Manifest; m.Main != "" {
			v.SetDefault("app_command", m.Main)
		}
	}

	if err := v.Unmarshal(&cfg.File); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	fc := cfg.File

	cfg.Context = deploy.Context{
		Application: fc.Application,
		AppCommand:  fc.AppCommand,
		Environment: fc.Environment,
		Interpreter: fc.Interpreter,
		User:        fc.User,
		DeployTo:    fc.DeployTo,
		ReleasePath: fc.ReleasePath,
		InitFile:    fc.Init.File,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	initEnv, err := resolveInitEnv(fc.Init)
	if err != nil {
		return nil, err
	}
	cfg.InitEnv = initEnv
	return cfg, nil
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	}
	return "toml"
}

// Validate checks the context and every enumerated setting.
func (c *Config) Validate() error {
	if err := c.Context.Validate(); err != nil {
		return err
	}
	if _, err := checksum.Lookup(c.File.Init.Checksum); err != nil {
		return err
	}
	if _, err := logger.ParseLevel(c.File.Log.Slog.Level); err != nil {
		return err
	}
	if c.File.Init.StopTimeout < 0 || c.File.Init.KillTimeout < 0 {
		return fmt.Errorf("init timeouts must not be negative")
	}
	for _, j := range c.File.Schedule {
		if err := j.Validate(); err != nil {
			return err
		}
		if _, _, err := lifecycle.ParseAction(j.Action); err != nil {
			return fmt.Errorf("schedule %s: %w", j.Name, err)
		}
	}
	return nil
}

// resolveInitEnv merges env files (in order) with the inline list; inline
// entries win. ${VAR} references see the OS environment only when
// use_os_env is set.
func resolveInitEnv(ic InitConfig) ([]string, error) {
	e := env.New()
	if ic.UseOSEnv {
		e.FromOS()
	} else {
		e.WithBase(env.Var{})
	}
	for _, p := range ic.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("init env file: %w", err)
		}
		keys := make([]string, 0, len(pairs))
		for k := range pairs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			e.Set(k, pairs[k])
		}
	}
	return e.Resolve(ic.Env)
}

// InitOptions returns the rendering options for the init script.
func (c *Config) InitOptions() initscript.Options {
	ic := c.File.Init
	return initscript.Options{
		EnvVar:          ic.EnvVar,
		Env:             c.InitEnv,
		StartStopDaemon: ic.StartStopDaemon,
		StopTimeout:     ic.StopTimeout,
		KillTimeout:     ic.KillTimeout,
		Description:     ic.Description,
	}
}

// LifecycleOptions returns the orchestrator options.
func (c *Config) LifecycleOptions() (lifecycle.Options, error) {
	alg, err := checksum.Lookup(c.File.Init.Checksum)
	if err != nil {
		return lifecycle.Options{}, err
	}
	return lifecycle.Options{
		Init:         c.InitOptions(),
		EnableOnBoot: c.File.Init.EnableOnBoot,
		Checksum:     alg,
		NPM:          c.File.Packages.NPM,
	}, nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines. Lines starting
// with # are ignored, as is a leading "export ".
func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
