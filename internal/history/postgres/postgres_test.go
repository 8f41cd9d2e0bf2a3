package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/deployr/internal/history"
)

func TestWithApplicationName(t *testing.T) {
	cases := []struct{ in, want string }{
		{
			in:   "postgres://u:p@db:5432/deploys?sslmode=disable",
			want: "postgres://u:p@db:5432/deploys?application_name=deployr&sslmode=disable",
		},
		{
			in:   "postgres://u:p@db:5432/deploys?application_name=ci&sslmode=disable",
			want: "postgres://u:p@db:5432/deploys?application_name=ci&sslmode=disable",
		},
		{in: "host=db user=u dbname=deploys", want: "host=db user=u dbname=deploys"},
	}
	for _, c := range cases {
		if got := withApplicationName(c.in); got != c.want {
			t.Fatalf("withApplicationName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestPostgresSink_EmptyDSN(t *testing.T) {
	if _, err := New(" "); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	sink, err := New(connStr)
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	for _, step := range []string{"create_release_dir", "check_init_config"} {
		e := history.Event{
			Application: "api",
			Environment: "production",
			Host:        "web-1",
			Event:       "pre-deploy",
			Step:        step,
			Outcome:     history.OutcomeOK,
			Duration:    250 * time.Millisecond,
			OccurredAt:  time.Now().UTC(),
		}
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", step, err)
		}
	}

	got, err := sink.Recent(ctx, "api", "production", 10)
	if err != nil {
		t.Fatalf("Failed to read history: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 events in history, got %d", len(got))
	}
	if got[0].Step != "check_init_config" || got[0].Duration != 250*time.Millisecond {
		t.Errorf("unexpected newest event: %+v", got[0])
	}

	if _, err := New(""); err == nil {
		t.Errorf("expected error for empty DSN")
	}
}
