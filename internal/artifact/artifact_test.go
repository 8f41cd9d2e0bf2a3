package artifact

import (
	"context"
	"errors"
	"testing"

	"github.com/loykin/deployr/internal/checksum"
	"github.com/loykin/deployr/internal/remote/remotetest"
)

const (
	initPath    = "/etc/init.d/api-production"
	stagingPath = "/srv/api/shared/api.conf"
)

func newHost() *remotetest.Host {
	h := remotetest.New()
	h.PutFile("/srv/api/shared/.keep", nil, false)
	h.PutFile("/etc/init.d/.keep", nil, false)
	return h
}

func script(body string) Artifact {
	return Artifact{Path: initPath, Content: []byte(body), Executable: true}
}

func TestReconcile_InstallsWhenAbsent(t *testing.T) {
	h := newHost()
	s := New(h, checksum.MD5, stagingPath)

	out, err := s.Reconcile(context.Background(), script("v1"))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if out != OutcomeInstalled {
		t.Fatalf("outcome %s, want installed", out)
	}
	data, ok := h.File(initPath)
	if !ok || string(data) != "v1" {
		t.Fatalf("remote content %q", data)
	}
	if !h.Executable(initPath) {
		t.Fatalf("init script not executable")
	}
	if got := h.Uploads(); len(got) != 1 || got[0] != stagingPath {
		t.Fatalf("uploads %v", got)
	}

	// absent path: no checksum was attempted before install
	labels := h.Labels()
	want := []string{"probe.exists", "artifact.install", "probe.checksum"}
	if len(labels) != 3 || labels[0] != want[0] || labels[1] != want[1] || labels[2] != want[2] {
		t.Fatalf("command labels %v", labels)
	}
	for _, c := range h.Calls() {
		if c.Label == "artifact.install" {
			if !c.Sudo {
				t.Fatalf("install must be privileged")
			}
			if c.Render() != "cp /srv/api/shared/api.conf /etc/init.d/api-production && chmod +x /etc/init.d/api-production" {
				t.Fatalf("install command %q", c.Render())
			}
		} else if c.Sudo {
			t.Fatalf("%s must not be privileged", c.Label)
		}
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	h := newHost()
	s := New(h, checksum.MD5, stagingPath)
	ctx := context.Background()

	if _, err := s.Reconcile(ctx, script("v1")); err != nil {
		t.Fatalf("first: %v", err)
	}
	h.Reset()

	out, err := s.Reconcile(ctx, script("v1"))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if out != OutcomeSkipped {
		t.Fatalf("outcome %s, want skipped", out)
	}
	if h.Writes() != 0 || len(h.Uploads()) != 0 {
		t.Fatalf("second reconcile wrote: writes=%d uploads=%v", h.Writes(), h.Uploads())
	}
	if got := h.Rendered(); len(got) != 2 || got[0] != "test -e "+initPath || got[1] != "md5sum "+initPath {
		t.Fatalf("read-only commands %q", got)
	}
}

func TestReconcile_DetectsChange(t *testing.T) {
	h := newHost()
	h.PutFile(initPath, []byte("old"), true)
	s := New(h, checksum.SHA256, stagingPath)

	changed, err := s.Diff(context.Background(), script("new"))
	if err != nil || !changed {
		t.Fatalf("Diff = %v, %v", changed, err)
	}
	out, err := s.Reconcile(context.Background(), script("new"))
	if err != nil || out != OutcomeInstalled {
		t.Fatalf("Reconcile = %s, %v", out, err)
	}
	if data, _ := h.File(initPath); string(data) != "new" {
		t.Fatalf("remote content %q", data)
	}
}

func TestReconcile_ProbeFailureAborts(t *testing.T) {
	h := newHost()
	h.Codes = map[string]int{"test": 255}
	s := New(h, checksum.MD5, stagingPath)

	_, err := s.Reconcile(context.Background(), script("v1"))
	var op *OpError
	if !errors.As(err, &op) || op.Intent != IntentProbe {
		t.Fatalf("want probe OpError, got %v", err)
	}
	if !errors.Is(err, ErrProbeFailure) || !errors.Is(err, ErrRemoteOperation) || errors.Is(err, ErrInstallFailure) {
		t.Fatalf("sentinel mismatch for %v", err)
	}
	if len(h.Uploads()) != 0 || h.Writes() != 0 {
		t.Fatalf("probe failure must not write")
	}
}

func TestReconcile_UploadFailure(t *testing.T) {
	h := newHost()
	h.UploadErr = errors.New("disk full")
	s := New(h, checksum.MD5, stagingPath)

	_, err := s.Reconcile(context.Background(), script("v1"))
	var op *OpError
	if !errors.As(err, &op) || op.Intent != IntentUpload {
		t.Fatalf("want upload OpError, got %v", err)
	}
	if !errors.Is(err, ErrInstallFailure) {
		t.Fatalf("upload failure should be an install failure: %v", err)
	}
	for _, c := range h.Calls() {
		if c.Label == "artifact.install" {
			t.Fatalf("privileged copy ran after failed upload")
		}
	}
}

func TestReconcile_InstallFailure(t *testing.T) {
	h := newHost()
	h.Codes = map[string]int{"cp": 1}
	s := New(h, checksum.MD5, stagingPath)

	_, err := s.Reconcile(context.Background(), script("v1"))
	var op *OpError
	if !errors.As(err, &op) || op.Intent != IntentInstall || !errors.Is(err, ErrInstallFailure) {
		t.Fatalf("want install OpError, got %v", err)
	}
}

func TestReconcile_VerifyMismatch(t *testing.T) {
	h := newHost()
	// cp reports success but leaves stale content behind
	h.PutFile(initPath, []byte("stale"), true)
	h.Intercept = func(_ *remotetest.Host, step []string) (int, bool) {
		return 0, step[0] == "cp"
	}
	s := New(h, checksum.MD5, stagingPath)

	_, err := s.Reconcile(context.Background(), script("v1"))
	var op *OpError
	if !errors.As(err, &op) || op.Intent != IntentVerify {
		t.Fatalf("want verify OpError, got %v", err)
	}
	if !errors.Is(err, ErrDigestMismatch) || !errors.Is(err, ErrInstallFailure) {
		t.Fatalf("sentinel mismatch for %v", err)
	}
}
