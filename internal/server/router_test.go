package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/deployr/internal/artifact"
	"github.com/loykin/deployr/internal/auth"
	"github.com/loykin/deployr/internal/deploy"
	"github.com/loykin/deployr/internal/history"
	"github.com/loykin/deployr/internal/lifecycle"
	"github.com/loykin/deployr/internal/remote/remotetest"
)

type fakeRunner struct {
	mu      sync.Mutex
	runs    []lifecycle.Event
	steps   []lifecycle.StepName
	runErr  error
	status  lifecycle.ServiceStatus
	statErr error
	started chan struct{}
	block   chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, event lifecycle.Event) error {
	if f.block != nil {
		close(f.started)
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, event)
	return f.runErr
}

func (f *fakeRunner) RunSteps(ctx context.Context, event lifecycle.Event, names ...lifecycle.StepName) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, event)
	f.steps = append(f.steps, names...)
	return f.runErr
}

func (f *fakeRunner) Status(context.Context) (lifecycle.ServiceStatus, error) {
	return f.status, f.statErr
}

func (f *fakeRunner) InitArtifact() (artifact.Artifact, error) {
	return artifact.Artifact{Path: "/etc/init.d/api-production", Content: []byte("#!/bin/sh\n"), Executable: true}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupRouter(t *testing.T, runner Runner, opts Options) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	opts.Logger = quietLogger()
	return NewRouter(runner, opts).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHookRunsPipeline(t *testing.T) {
	f := &fakeRunner{}
	h := setupRouter(t, f, Options{BasePath: "/api"})
	rec := doReq(t, h, http.MethodPost, "/api/hooks/post-update", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp runResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK || resp.Event != "post-update" || strings.Join(resp.Steps, ",") != "install_packages,restart" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(f.runs) != 1 || f.runs[0] != lifecycle.EventPostUpdate {
		t.Fatalf("runs = %v", f.runs)
	}
}

func TestHookUnknownEvent(t *testing.T) {
	f := &fakeRunner{}
	h := setupRouter(t, f, Options{BasePath: "/api"})
	rec := doReq(t, h, http.MethodPost, "/api/hooks/deploy", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if len(f.runs) != 0 {
		t.Fatalf("runner must not be called")
	}
}

func TestHookStepFailure(t *testing.T) {
	f := &fakeRunner{runErr: &lifecycle.StepError{
		Event: lifecycle.EventPreDeploy, Step: lifecycle.StepCheckInitConfig, Err: errors.New("upload refused"),
	}}
	h := setupRouter(t, f, Options{})
	rec := doReq(t, h, http.MethodPost, "/hooks/pre-deploy", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var resp errorResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Step != "check_init_config" || !strings.Contains(resp.Error, "upload refused") {
		t.Fatalf("unexpected error body %+v", resp)
	}
}

func TestConcurrentRunConflicts(t *testing.T) {
	f := &fakeRunner{started: make(chan struct{}), block: make(chan struct{})}
	h := setupRouter(t, f, Options{})

	done := make(chan int)
	go func() {
		done <- doReq(t, h, http.MethodPost, "/hooks/post-rollback", nil).Code
	}()
	<-f.started

	rec := doReq(t, h, http.MethodPost, "/service/restart", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while a run is in progress, got %d", rec.Code)
	}
	close(f.block)
	if code := <-done; code != http.StatusOK {
		t.Fatalf("first run: expected 200, got %d", code)
	}
	if len(f.steps) != 0 {
		t.Fatalf("rejected request must not run, steps %v", f.steps)
	}
}

func TestServiceVerbs(t *testing.T) {
	f := &fakeRunner{}
	h := setupRouter(t, f, Options{})
	for _, verb := range []string{"start", "stop", "restart", "reload"} {
		rec := doReq(t, h, http.MethodPost, "/service/"+verb, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", verb, rec.Code)
		}
	}
	want := []lifecycle.StepName{lifecycle.StepStart, lifecycle.StepStop, lifecycle.StepRestart, lifecycle.StepReload}
	for i, s := range want {
		if f.steps[i] != s {
			t.Fatalf("steps = %v", f.steps)
		}
	}
	for _, e := range f.runs {
		if e != lifecycle.EventManual {
			t.Fatalf("service verbs run under the manual event, got %s", e)
		}
	}

	rec := doReq(t, h, http.MethodPost, "/service/force-reload", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := &fakeRunner{status: lifecycle.ServiceStatus{Running: true, Code: 0, State: "running"}}
	h := setupRouter(t, f, Options{})
	rec := doReq(t, h, http.MethodGet, "/service/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var st lifecycle.ServiceStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !st.Running || st.State != "running" {
		t.Fatalf("status = %+v", st)
	}

	f.statErr = errors.New("ssh: connection refused")
	rec = doReq(t, h, http.MethodGet, "/service/status", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestInitScriptEndpoint(t *testing.T) {
	h := setupRouter(t, &fakeRunner{}, Options{BasePath: "api/"})
	rec := doReq(t, h, http.MethodGet, "/api/init-script", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Deployr-Path"); got != "/etc/init.d/api-production" {
		t.Fatalf("path header = %q", got)
	}
	if !strings.HasPrefix(rec.Body.String(), "#!/bin/sh") {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestHistoryEndpoint(t *testing.T) {
	mem := history.NewMemory()
	ctx := context.Background()
	for _, step := range []string{"create_release_dir", "check_init_config", "restart"} {
		_ = mem.Send(ctx, history.Event{Application: "api", Environment: "production", Event: "pre-deploy", Step: step, Outcome: history.OutcomeOK})
	}
	h := setupRouter(t, &fakeRunner{}, Options{History: mem})

	rec := doReq(t, h, http.MethodGet, "/history?limit=2&application=api", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var events []history.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	rec = doReq(t, h, http.MethodGet, "/history?limit=0", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	noHistory := setupRouter(t, &fakeRunner{}, Options{})
	if rec := doReq(t, noHistory, http.MethodGet, "/history", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("history without a lister: expected 404, got %d", rec.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	h := setupRouter(t, &fakeRunner{}, Options{Token: "s3cret"})

	rec := doReq(t, h, http.MethodGet, "/service/status", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var body map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != "authentication_failed" {
		t.Fatalf("unexpected body %v", body)
	}

	rec = doReq(t, h, http.MethodGet, "/service/status", map[string]string{"Authorization": "Bearer wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = doReq(t, h, http.MethodGet, "/service/status", map[string]string{"Authorization": "Bearer s3cret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestScopedJWT(t *testing.T) {
	f := &fakeRunner{}
	h := setupRouter(t, f, Options{JWTSecret: "jwt-secret"})

	readOnly, err := auth.Issue("jwt-secret", "dashboard", time.Hour, []string{auth.ScopeRead})
	if err != nil {
		t.Fatal(err)
	}
	bearer := map[string]string{"Authorization": "Bearer " + readOnly}
	if rec := doReq(t, h, http.MethodGet, "/service/status", bearer); rec.Code != http.StatusOK {
		t.Fatalf("read scope on status: expected 200, got %d", rec.Code)
	}
	rec := doReq(t, h, http.MethodPost, "/service/stop", bearer)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("read scope on stop: expected 403, got %d", rec.Code)
	}
	if len(f.steps) != 0 {
		t.Fatalf("stop ran without the service scope: %v", f.steps)
	}

	ci, err := auth.Issue("jwt-secret", "ci", time.Hour, []string{auth.ScopeHooks})
	if err != nil {
		t.Fatal(err)
	}
	if rec := doReq(t, h, http.MethodPost, "/hooks/post-update", map[string]string{"Authorization": "Bearer " + ci}); rec.Code != http.StatusOK {
		t.Fatalf("hooks scope on hook: expected 200, got %d", rec.Code)
	}

	forged, err := auth.Issue("other-secret", "ci", time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rec := doReq(t, h, http.MethodPost, "/hooks/post-update", map[string]string{"Authorization": "Bearer " + forged}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("foreign signature: expected 401, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := setupRouter(t, &fakeRunner{}, Options{Metrics: true, Token: "s3cret"})
	rec := doReq(t, h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestProcessEndpointWithoutSampler(t *testing.T) {
	h := setupRouter(t, &fakeRunner{}, Options{})
	if rec := doReq(t, h, http.MethodGet, "/service/process", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRouterDrivesOrchestrator(t *testing.T) {
	host := remotetest.New()
	host.MkdirAll("/etc/init.d")
	host.MkdirAll("/srv/api/shared")
	dc := deploy.Context{
		Application: "api",
		AppCommand:  "server.js",
		Environment: "production",
		Interpreter: "/usr/bin/node",
		User:        "deploy",
		DeployTo:    "/srv/api",
		ReleasePath: "/srv/api/releases/20240101000000",
	}
	mem := history.NewMemory()
	rec := &history.Recorder{Sink: mem, Application: dc.Application, Environment: dc.Environment, Host: host.Host()}
	orch := lifecycle.New(dc, host, lifecycle.Options{}, rec, quietLogger())
	h := setupRouter(t, orch, Options{History: mem})

	resp := doReq(t, h, http.MethodPost, "/hooks/pre-deploy", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("pre-deploy: expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if _, ok := host.File("/etc/init.d/api-production"); !ok {
		t.Fatalf("init script not installed through the hook")
	}

	resp = doReq(t, h, http.MethodGet, "/history", nil)
	var events []history.Event
	if err := json.NewDecoder(bytes.NewReader(resp.Body.Bytes())).Decode(&events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected two pre-deploy steps in history, got %d", len(events))
	}
}
