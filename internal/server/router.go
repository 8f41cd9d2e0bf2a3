package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/deployr/internal/artifact"
	"github.com/loykin/deployr/internal/auth"
	"github.com/loykin/deployr/internal/history"
	"github.com/loykin/deployr/internal/lifecycle"
	"github.com/loykin/deployr/internal/metrics"
)

// Runner is the part of *lifecycle.Orchestrator the router drives.
type Runner interface {
	Run(ctx context.Context, event lifecycle.Event) error
	RunSteps(ctx context.Context, event lifecycle.Event, names ...lifecycle.StepName) error
	Status(ctx context.Context) (lifecycle.ServiceStatus, error)
	InitArtifact() (artifact.Artifact, error)
}

// Options configure the router. Only Runner-backed endpoints are always
// mounted; the rest appear when their dependency is set.
type Options struct {
	BasePath string
	// Token enables bearer authentication on every {base} route.
	Token string
	// JWTSecret additionally accepts scoped tokens signed by auth.Issue.
	JWTSecret string
	// History backs GET {base}/history.
	History history.Lister
	// Sampler backs GET {base}/service/process.
	Sampler *metrics.ServiceSampler
	// Metrics mounts GET /metrics.
	Metrics bool
	// RunTimeout bounds a single hook or service run. Zero means 10 minutes.
	RunTimeout time.Duration
	// Gate is shared with other run sources such as the scheduler. Nil
	// gives the router its own.
	Gate   *Gate
	Logger *slog.Logger
}

// Router exposes the lifecycle over HTTP for CI systems and deployment
// runtimes that prefer a webhook to an SSH session.
// Endpoints:
//
//	POST {basePath}/hooks/:event      pre-deploy | post-update | post-rollback
//	POST {basePath}/service/:verb     start | stop | restart | reload
//	GET  {basePath}/service/status
//	GET  {basePath}/service/process   (when a sampler is configured)
//	GET  {basePath}/init-script
//	GET  {basePath}/history?limit=N   (when a history lister is configured)
//	GET  /metrics                     (when enabled)
//
// Only one hook or service run executes at a time; a concurrent request is
// answered with 409.
type Router struct {
	runner   Runner
	basePath string
	opts     Options
	verifier *auth.Verifier
	gate     *Gate
	log      *slog.Logger
}

func NewRouter(runner Runner, opts Options) *Router {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.RunTimeout == 0 {
		opts.RunTimeout = 10 * time.Minute
	}
	gate := opts.Gate
	if gate == nil {
		gate = &Gate{}
	}
	return &Router{
		runner:   runner,
		basePath: sanitizeBase(opts.BasePath),
		opts:     opts,
		verifier: auth.NewVerifier(auth.Config{Token: opts.Token, JWTSecret: opts.JWTSecret}),
		gate:     gate,
		log:      log,
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.opts.Metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.basePath)
	group.Use(auth.GinAuth(r.verifier))
	scope := func(s string) gin.HandlerFunc { return auth.RequireScope(r.verifier, s) }
	group.POST("/hooks/:event", scope(auth.ScopeHooks), r.handleHook)
	group.POST("/service/:verb", scope(auth.ScopeService), r.handleService)
	group.GET("/service/status", scope(auth.ScopeRead), r.handleStatus)
	group.GET("/init-script", scope(auth.ScopeRead), r.handleInitScript)
	if r.opts.Sampler != nil {
		group.GET("/service/process", scope(auth.ScopeRead), r.handleProcess)
	}
	if r.opts.History != nil {
		group.GET("/history", scope(auth.ScopeRead), r.handleHistory)
	}
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Errors other than a graceful shutdown are logged.
func NewServer(addr string, r *Router) (*http.Server, error) {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("http server stopped", "addr", addr, "error", err)
		}
	}()
	return server, nil
}

// NewTLSServer is NewServer over HTTPS with the given configuration.
func NewTLSServer(addr string, r *Router, tc *tls.Config) (*http.Server, error) {
	if tc == nil {
		return nil, errors.New("tls config is required")
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		TLSConfig:         tc,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("https server stopped", "addr", addr, "error", err)
		}
	}()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
	Event string `json:"event,omitempty"`
	Step  string `json:"step,omitempty"`
}

type runResp struct {
	OK       bool     `json:"ok"`
	Event    string   `json:"event"`
	Steps    []string `json:"steps"`
	Duration string   `json:"duration"`
}

// exclusive runs fn unless another run holds the gate. The run is detached
// from the request so a disconnecting client cannot abort a half-done
// deployment.
func (r *Router) exclusive(c *gin.Context, event lifecycle.Event, steps []lifecycle.StepName, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), r.opts.RunTimeout)
	defer cancel()

	start := time.Now()
	err := r.gate.TryRun(func() error {
		r.log.Info("http run", "event", event, "remote", c.ClientIP())
		return fn(ctx)
	})
	if errors.Is(err, ErrBusy) {
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error(), Event: string(event)})
		return
	}
	if err != nil {
		resp := errorResp{Error: err.Error(), Event: string(event)}
		var se *lifecycle.StepError
		if errors.As(err, &se) {
			resp.Step = string(se.Step)
		}
		writeJSON(c, http.StatusInternalServerError, resp)
		return
	}
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = string(s)
	}
	writeJSON(c, http.StatusOK, runResp{OK: true, Event: string(event), Steps: names, Duration: time.Since(start).String()})
}

func (r *Router) handleHook(c *gin.Context) {
	event, err := lifecycle.ParseEvent(c.Param("event"))
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	steps, _ := lifecycle.Pipeline(event)
	r.exclusive(c, event, steps, func(ctx context.Context) error {
		return r.runner.Run(ctx, event)
	})
}

var serviceSteps = map[string]lifecycle.StepName{
	"start":   lifecycle.StepStart,
	"stop":    lifecycle.StepStop,
	"restart": lifecycle.StepRestart,
	"reload":  lifecycle.StepReload,
}

func (r *Router) handleService(c *gin.Context) {
	step, ok := serviceSteps[c.Param("verb")]
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "verb must be one of start, stop, restart, reload"})
		return
	}
	r.exclusive(c, lifecycle.EventManual, []lifecycle.StepName{step}, func(ctx context.Context) error {
		return r.runner.RunSteps(ctx, lifecycle.EventManual, step)
	})
}

func (r *Router) handleStatus(c *gin.Context) {
	st, err := r.runner.Status(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleProcess(c *gin.Context) {
	sample, err := r.opts.Sampler.Sample()
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, metrics.ErrNoServiceProcess) {
			code = http.StatusNotFound
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, sample)
}

func (r *Router) handleInitScript(c *gin.Context) {
	a, err := r.runner.InitArtifact()
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	c.Header("X-Deployr-Path", a.Path)
	c.Data(http.StatusOK, "text/x-shellscript; charset=utf-8", a.Content)
}

func (r *Router) handleHistory(c *gin.Context) {
	limit, err := queryLimit(c.Query("limit"), 50, 1000)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	events, err := r.opts.History.Recent(c.Request.Context(), c.Query("application"), c.Query("environment"), limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}
