package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/deployr/internal/history"
)

func sampleEvent(step string, outcome history.Outcome) history.Event {
	return history.Event{
		Application: "api",
		Environment: "production",
		Host:        "web-1",
		Event:       "post-update",
		Step:        step,
		Outcome:     outcome,
		Duration:    1500 * time.Millisecond,
		OccurredAt:  time.Now().UTC(),
	}
}

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	if err := sink.Send(ctx, sampleEvent("install_packages", history.OutcomeOK)); err != nil {
		t.Fatalf("send: %v", err)
	}
	failed := sampleEvent("restart", history.OutcomeFailed)
	failed.Error = "exit status 2"
	if err := sink.Send(ctx, failed); err != nil {
		t.Fatalf("send: %v", err)
	}
	other := sampleEvent("restart", history.OutcomeOK)
	other.Environment = "staging"
	if err := sink.Send(ctx, other); err != nil {
		t.Fatalf("send: %v", err)
	}

	got, err := sink.Recent(ctx, "api", "production", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 production events, got %d", len(got))
	}
	if got[0].Step != "restart" || got[0].Outcome != history.OutcomeFailed || got[0].Error != "exit status 2" {
		t.Fatalf("newest event mismatch: %+v", got[0])
	}
	if got[1].Duration != 1500*time.Millisecond || got[1].Detail != "" {
		t.Fatalf("oldest event mismatch: %+v", got[1])
	}

	all, err := sink.Recent(ctx, "", "", 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("recent(all) = %d, %v", len(all), err)
	}
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	if err := sink.Send(context.Background(), sampleEvent("create_release_dir", history.OutcomeOK)); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := sink.Recent(context.Background(), "api", "", 1)
	if err != nil || len(got) != 1 {
		t.Fatalf("recent = %v, %v", got, err)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}

func TestSQLiteSink_CreatesParentDir(t *testing.T) {
	p := filepath.Join(t.TempDir(), "var", "lib", "deployr", "history.db")
	sink, err := New(p)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = sink.Close() }()
	if sink.Path != p {
		t.Fatalf("path = %q", sink.Path)
	}
	if err := sink.Send(context.Background(), sampleEvent("restart", history.OutcomeOK)); err != nil {
		t.Fatalf("send: %v", err)
	}

	// a second handle on the same file sees the event
	again, err := New("sqlite://" + p)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = again.Close() }()
	got, err := again.Recent(context.Background(), "api", "production", 5)
	if err != nil || len(got) != 1 {
		t.Fatalf("recent = %v, %v", got, err)
	}
}
