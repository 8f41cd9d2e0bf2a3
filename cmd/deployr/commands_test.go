package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/loykin/deployr/internal/remote/remotetest"
)

const release = "/srv/api/releases/20240101000000"

const apiConfig = `
application = "api"
app_command = "server.js"
deploy_to = "/srv/api"

[init]
env = ["PORT=3000"]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "deployr.toml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func fakeHost() *remotetest.Host {
	h := remotetest.New()
	h.MkdirAll("/etc/init.d")
	h.MkdirAll("/srv/api/shared")
	h.PutFile(release+"/package.json", []byte(`{"name":"api","main":"server.js"}`), false)
	return h
}

// run executes the CLI against h and returns stdout.
func run(t *testing.T, h *remotetest.Host, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	c := &command{global: &GlobalFlags{}, transport: h, stdout: &out, stderr: &errOut}
	root := buildRoot(c)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestGlobalOverrides(t *testing.T) {
	g := GlobalFlags{Set: []string{"environment=staging"}, LogLevel: "debug", Local: true}
	want := []string{"environment=staging", "log.slog.level=debug", "remote.local=true"}
	if got := g.overrides(); !reflect.DeepEqual(got, want) {
		t.Fatalf("overrides = %v, want %v", got, want)
	}
	if got := (GlobalFlags{}).overrides(); len(got) != 0 {
		t.Fatalf("expected no overrides, got %v", got)
	}
}

func TestDeployCommand(t *testing.T) {
	h := fakeHost()
	cfg := writeConfig(t, apiConfig)
	if _, err := run(t, h, "--config", cfg, "--set", "release_path="+release, "deploy"); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	script, ok := h.File("/etc/init.d/api-production")
	if !ok || !h.Executable("/etc/init.d/api-production") {
		t.Fatalf("init script not installed")
	}
	if !strings.Contains(string(script), "PORT=3000") {
		t.Fatalf("init env missing from script")
	}
	if _, ok := h.Link(release + "/node_modules"); !ok {
		t.Fatalf("node_modules not linked")
	}
	labels := h.Labels()
	if labels[len(labels)-1] != "service.restart" {
		t.Fatalf("deploy should end with a restart, labels %v", labels)
	}
}

func TestHookCommand(t *testing.T) {
	h := fakeHost()
	cfg := writeConfig(t, apiConfig)
	if _, err := run(t, h, "--config", cfg, "hook", "pre-deploy"); err != nil {
		t.Fatalf("hook: %v", err)
	}
	if !h.Dir("/srv/api/shared/pids") {
		t.Fatalf("pre-deploy did not create directories")
	}

	h.Reset()
	if _, err := run(t, h, "--config", cfg, "hook", "deploy"); err == nil {
		t.Fatalf("expected error for unknown event")
	}
	if len(h.Calls()) != 0 {
		t.Fatalf("unknown event must not touch the host, calls %v", h.Rendered())
	}
}

func TestCheckInitDryRun(t *testing.T) {
	h := fakeHost()
	cfg := writeConfig(t, apiConfig)
	out, err := run(t, h, "--config", cfg, "check-init", "--dry-run")
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !strings.Contains(out, "/etc/init.d/api-production: changed") {
		t.Fatalf("unexpected output %q", out)
	}
	if h.Writes() != 0 || len(h.Uploads()) != 0 {
		t.Fatalf("dry run wrote to the host")
	}

	if _, err := run(t, h, "--config", cfg, "check-init"); err != nil {
		t.Fatalf("check-init: %v", err)
	}
	out, err = run(t, h, "--config", cfg, "check-init", "--dry-run")
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !strings.Contains(out, "up to date") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestServiceCommands(t *testing.T) {
	h := fakeHost()
	h.PutFile("/etc/init.d/api-production", []byte("#!/bin/sh\n"), true)
	cfg := writeConfig(t, apiConfig)
	for _, verb := range []string{"start", "stop", "restart", "reload"} {
		if _, err := run(t, h, "--config", cfg, verb); err != nil {
			t.Fatalf("%s: %v", verb, err)
		}
	}
	want := []string{"service.start", "service.stop", "service.restart", "service.reload"}
	if got := h.Labels(); !reflect.DeepEqual(got, want) {
		t.Fatalf("labels = %v, want %v", got, want)
	}

	h.VerbCodes = map[string]int{"start": 3}
	if _, err := run(t, h, "--config", cfg, "start"); err == nil {
		t.Fatalf("expected usage error")
	}
}

func TestStatusCommand(t *testing.T) {
	h := fakeHost()
	h.PutFile("/etc/init.d/api-production", []byte("#!/bin/sh\n"), true)
	h.VerbCodes = map[string]int{"status": 3}
	cfg := writeConfig(t, apiConfig)
	out, err := run(t, h, "--config", cfg, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var st struct {
		Running bool   `json:"running"`
		Code    int    `json:"code"`
		State   string `json:"state"`
	}
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if st.Running || st.Code != 3 || st.State != "stopped" {
		t.Fatalf("status = %+v", st)
	}
}

func TestRenderInitCommand(t *testing.T) {
	cfg := writeConfig(t, apiConfig)
	out, err := run(t, nil, "--config", cfg, "render-init")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.HasPrefix(out, "#!/bin/sh") {
		t.Fatalf("unexpected script %q", out)
	}

	dest := filepath.Join(t.TempDir(), "api-production")
	if _, err := run(t, nil, "--config", cfg, "render-init", "--out", dest); err != nil {
		t.Fatalf("render --out: %v", err)
	}
	fi, err := os.Stat(dest)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Mode().Perm()&0o100 == 0 {
		t.Fatalf("rendered script is not executable: %v", fi.Mode())
	}
	if _, err := run(t, nil, "--config", cfg, "render-init", "--out", dest); err == nil {
		t.Fatalf("expected refusal to overwrite without --force")
	}
	if _, err := run(t, nil, "--config", cfg, "render-init", "--out", dest, "--force"); err != nil {
		t.Fatalf("render --force: %v", err)
	}
}

func TestContextCommand(t *testing.T) {
	cfg := writeConfig(t, apiConfig)
	out, err := run(t, nil, "--config", cfg, "--set", "environment=staging", "context")
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	for _, want := range []string{
		"environment: staging",
		"job_name: api-staging",
		"init_file: /etc/init.d/api-staging",
		"staging: /srv/api/shared/api.conf",
		"- PORT=3000",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("context output lacks %q:\n%s", want, out)
		}
	}
}

func TestTemplateCommand(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "deployr.toml")
	out, err := run(t, nil, "template", "--type", "local", "--name", "api", "--output", dest)
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	if !strings.Contains(out, dest) {
		t.Fatalf("unexpected output %q", out)
	}
	ctxOut, err := run(t, nil, "--config", dest, "context")
	if err != nil {
		t.Fatalf("generated template does not load: %v", err)
	}
	if !strings.Contains(ctxOut, "local: true") {
		t.Fatalf("local template should target this machine:\n%s", ctxOut)
	}
	if _, err := run(t, nil, "template", "--type", "local", "--output", dest); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	if _, err := run(t, nil, "template", "--type", "web", "--output", "-"); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}

func TestHistoryCommand(t *testing.T) {
	h := fakeHost()
	db := filepath.Join(t.TempDir(), "history.db")
	cfg := writeConfig(t, apiConfig+"\n[history]\nenabled = true\ndsn = \""+db+"\"\n")
	if _, err := run(t, h, "--config", cfg, "hook", "pre-deploy"); err != nil {
		t.Fatalf("hook: %v", err)
	}
	out, err := run(t, h, "--config", cfg, "history", "--limit", "1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var events []map[string]any
	if err := json.Unmarshal([]byte(out), &events); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(events) != 1 || events[0]["step"] != "check_init_config" {
		t.Fatalf("events = %v", events)
	}

	noSink := writeConfig(t, apiConfig)
	if _, err := run(t, h, "--config", noSink, "history"); err == nil {
		t.Fatalf("expected error without a history sink")
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, nil, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != "deployr dev" {
		t.Fatalf("version output %q", out)
	}
}
