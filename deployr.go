package deployr

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/loykin/deployr/internal/auth"
	cfg "github.com/loykin/deployr/internal/config"
	"github.com/loykin/deployr/internal/cron"
	"github.com/loykin/deployr/internal/deploy"
	"github.com/loykin/deployr/internal/history"
	"github.com/loykin/deployr/internal/history/factory"
	"github.com/loykin/deployr/internal/lifecycle"
	"github.com/loykin/deployr/internal/metrics"
	"github.com/loykin/deployr/internal/remote"
	"github.com/loykin/deployr/internal/remote/sshexec"
	iapi "github.com/loykin/deployr/internal/server"
	itls "github.com/loykin/deployr/internal/tls"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Context = deploy.Context

type Event = lifecycle.Event

type StepName = lifecycle.StepName

type ServiceStatus = lifecycle.ServiceStatus

type HistoryEvent = history.Event

type HistorySink = history.Sink

type Transport = remote.Transport

type ServerOptions = iapi.Options

// RunGate serializes runs between the hook server and the scheduler.
type RunGate = iapi.Gate

var ErrBusy = iapi.ErrBusy

const (
	EventPreDeploy    = lifecycle.EventPreDeploy
	EventPostUpdate   = lifecycle.EventPostUpdate
	EventPostRollback = lifecycle.EventPostRollback
	EventManual       = lifecycle.EventManual
)

func LoadConfig(path string, overrides []string) (*Config, error) {
	return cfg.Load(path, overrides)
}

func ParseEvent(s string) (Event, error) { return lifecycle.ParseEvent(s) }

// Options override what New would otherwise build from the configuration.
type Options struct {
	// Transport replaces the SSH or local transport.
	Transport Transport
	// Sink replaces the history sink named by history.dsn.
	Sink   HistorySink
	Logger *slog.Logger
}

// Deployer is a thin facade over internal/lifecycle.Orchestrator bound to
// one target host.
type Deployer struct {
	inner  *lifecycle.Orchestrator
	cfg    *Config
	t      remote.Transport
	sink   history.Sink
	lister history.Lister
	log    *slog.Logger
}

// New connects to the target described by c and returns a Deployer. The
// caller must Close it.
func New(ctx context.Context, c *Config, o Options) (*Deployer, error) {
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	opts, err := c.LifecycleOptions()
	if err != nil {
		return nil, err
	}

	t := o.Transport
	if t == nil {
		t, err = Dial(ctx, c)
		if err != nil {
			return nil, err
		}
	}

	sink := o.Sink
	if sink == nil && c.File.History.Enabled && c.File.History.DSN != "" {
		sink, err = factory.NewSinkFromDSN(c.File.History.DSN)
		if err != nil {
			if o.Transport == nil {
				_ = t.Close()
			}
			return nil, fmt.Errorf("history sink: %w", err)
		}
	}
	d := &Deployer{cfg: c, t: t, sink: sink, log: log}
	if l, ok := sink.(history.Lister); ok {
		d.lister = l
	}

	rec := &history.Recorder{
		Sink:        sink,
		Application: c.Context.Application,
		Environment: c.Context.Environment,
		Host:        t.Host(),
		Timeout:     c.File.History.Timeout,
		Logger:      log,
	}
	d.inner = lifecycle.New(c.Context, t, opts, rec, log)
	return d, nil
}

// Dial opens the transport named by the remote section: the local machine
// when remote.local is set, SSH otherwise.
func Dial(ctx context.Context, c *Config) (Transport, error) {
	rc := c.File.Remote
	if rc.Local {
		return remote.NewLocal(remote.ParseSudo(rc.Sudo)), nil
	}
	sc := rc.SSH
	if sc.Sudo == "" {
		sc.Sudo = rc.Sudo
	}
	client, err := sshexec.Dial(ctx, sc)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (d *Deployer) Context() Context     { return d.inner.Context() }
func (d *Deployer) Host() string         { return d.t.Host() }
func (d *Deployer) Config() *Config      { return d.cfg }
func (d *Deployer) Logger() *slog.Logger { return d.log }

func (d *Deployer) Run(ctx context.Context, e Event) error { return d.inner.Run(ctx, e) }
func (d *Deployer) RunSteps(ctx context.Context, e Event, names ...StepName) error {
	return d.inner.RunSteps(ctx, e, names...)
}
func (d *Deployer) Start(ctx context.Context) error   { return d.inner.Start(ctx) }
func (d *Deployer) Stop(ctx context.Context) error    { return d.inner.Stop(ctx) }
func (d *Deployer) Restart(ctx context.Context) error { return d.inner.Restart(ctx) }
func (d *Deployer) Reload(ctx context.Context) error  { return d.inner.Reload(ctx) }
func (d *Deployer) Status(ctx context.Context) (ServiceStatus, error) {
	return d.inner.Status(ctx)
}

// Do runs an event pipeline ("post-update") or a single service verb
// ("restart").
func (d *Deployer) Do(ctx context.Context, action string) error {
	e, steps, err := lifecycle.ParseAction(action)
	if err != nil {
		return err
	}
	if e == EventManual {
		return d.inner.RunSteps(ctx, e, steps...)
	}
	return d.inner.Run(ctx, e)
}

// Deploy runs pre-deploy then post-update.
func (d *Deployer) Deploy(ctx context.Context) error {
	if err := d.inner.Run(ctx, EventPreDeploy); err != nil {
		return err
	}
	return d.inner.Run(ctx, EventPostUpdate)
}

// RenderInit returns the init script for the current context.
func (d *Deployer) RenderInit() ([]byte, error) {
	a, err := d.inner.InitArtifact()
	if err != nil {
		return nil, err
	}
	return a.Content, nil
}

// InitChanged reports whether the installed init script differs from the
// rendered one without writing anything.
func (d *Deployer) InitChanged(ctx context.Context) (bool, error) { return d.inner.DiffInit(ctx) }

// History returns the configured history reader, or nil when the sink
// cannot be read back.
func (d *Deployer) History() history.Lister { return d.lister }

// Recent lists the latest events for this deployment.
func (d *Deployer) Recent(ctx context.Context, limit int) ([]HistoryEvent, error) {
	if d.lister == nil {
		return nil, errors.New("history is not enabled or the sink cannot be queried")
	}
	dc := d.inner.Context()
	return d.lister.Recent(ctx, dc.Application, dc.Environment, limit)
}

// Close releases the transport and the history sink.
func (d *Deployer) Close() error {
	var errs []error
	if err := d.t.Close(); err != nil {
		errs = append(errs, err)
	}
	if c, ok := d.sink.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewRouter exposes d over HTTP; see internal/server for the endpoints.
// opts.History defaults to the deployer's history reader.
func NewRouter(d *Deployer, opts ServerOptions) *iapi.Router {
	if opts.History == nil {
		opts.History = d.lister
	}
	if opts.Logger == nil {
		opts.Logger = d.log
	}
	return iapi.NewRouter(d.inner, opts)
}

// NewHTTPServer starts an HTTP server exposing the hook API for d.
func NewHTTPServer(addr string, d *Deployer, opts ServerOptions) (*http.Server, error) {
	return iapi.NewServer(addr, NewRouter(d, opts))
}

// NewTLSServer starts an HTTPS server using the [server.tls] section.
func NewTLSServer(addr string, d *Deployer, opts ServerOptions) (*http.Server, error) {
	tc, err := ServerTLS(d.cfg)
	if err != nil {
		return nil, err
	}
	return iapi.NewTLSServer(addr, NewRouter(d, opts), tc)
}

// NewScheduler runs the [[schedule]] entries of d's configuration. Each
// firing goes through gate, so a firing that meets a hook server run is
// skipped and logged. A nil gate gives the scheduler its own.
func NewScheduler(d *Deployer, gate *RunGate) (*cron.Scheduler, error) {
	if gate == nil {
		gate = &RunGate{}
	}
	return cron.NewScheduler(d.cfg.File.Schedule, func(ctx context.Context, action string) error {
		return gate.TryRun(func() error { return d.Do(ctx, action) })
	}, d.log)
}

// IssueToken signs a hook server token with server.jwt_secret.
func IssueToken(c *Config, subject string, ttl time.Duration, scopes []string) (string, error) {
	return auth.Issue(c.File.Server.JWTSecret, subject, ttl, scopes)
}

// ServerTLS builds the hook server TLS configuration, nil when disabled.
func ServerTLS(c *Config) (*tls.Config, error) {
	return itls.Setup(c.File.Server.TLS)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// WriteMetricsTextfile dumps the default registry for node_exporter.
func WriteMetricsTextfile(path string) error {
	return metrics.WriteTextfile(prometheus.DefaultGatherer, path)
}

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
