package cron

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestJobValidate(t *testing.T) {
	cases := []struct {
		job  Job
		want string
	}{
		{Job{Name: "nightly", Schedule: "0 4 * * *", Action: "restart"}, ""},
		{Job{Name: "often", Schedule: "@every 6h", Action: "reload"}, ""},
		{Job{Schedule: "@daily", Action: "restart"}, "requires a name"},
		{Job{Name: "x", Schedule: "@daily"}, "action is required"},
		{Job{Name: "x", Schedule: "every day", Action: "restart"}, "schedule x"},
		{Job{Name: "x", Schedule: "0 0 4 * * *", Action: "restart"}, "schedule x"},
	}
	for _, c := range cases {
		err := c.job.Validate()
		if c.want == "" {
			if err != nil {
				t.Fatalf("%+v: unexpected error %v", c.job, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), c.want) {
			t.Fatalf("%+v: error %v, want %q", c.job, err, c.want)
		}
	}
}

func TestNewSchedulerRejectsDuplicates(t *testing.T) {
	jobs := []Job{
		{Name: "a", Schedule: "@daily", Action: "restart"},
		{Name: "a", Schedule: "@hourly", Action: "reload"},
	}
	if _, err := NewScheduler(jobs, nil, quiet()); err == nil {
		t.Fatalf("expected duplicate name error")
	}
}

func TestRunNowRecordsResult(t *testing.T) {
	var got []string
	boom := errors.New("init script exited 1")
	run := func(_ context.Context, action string) error {
		got = append(got, action)
		if action == "reload" {
			return boom
		}
		return nil
	}
	s, err := NewScheduler([]Job{
		{Name: "nightly", Schedule: "0 4 * * *", Action: "restart"},
		{Name: "hup", Schedule: "@hourly", Action: "reload"},
	}, run, quiet())
	if err != nil {
		t.Fatal(err)
	}
	if s.Len() != 2 {
		t.Fatalf("len = %d", s.Len())
	}
	if !s.Last("nightly").At.IsZero() {
		t.Fatalf("job fired before RunNow")
	}

	if err := s.RunNow("nightly"); err != nil {
		t.Fatalf("run nightly: %v", err)
	}
	if err := s.RunNow("hup"); !errors.Is(err, boom) {
		t.Fatalf("run hup: expected %v, got %v", boom, err)
	}
	if err := s.RunNow("missing"); err == nil {
		t.Fatalf("expected error for unknown job")
	}
	if strings.Join(got, ",") != "restart,reload" {
		t.Fatalf("actions = %v", got)
	}
	if r := s.Last("nightly"); r.At.IsZero() || r.Err != nil {
		t.Fatalf("nightly result = %+v", r)
	}
}

func TestSchedulerFires(t *testing.T) {
	var n atomic.Int32
	fired := make(chan struct{}, 1)
	s, err := NewScheduler([]Job{{Name: "tick", Schedule: "@every 1s", Action: "reload"}},
		func(ctx context.Context, action string) error {
			if n.Add(1) == 1 {
				fired <- struct{}{}
			}
			return nil
		}, quiet())
	if err != nil {
		t.Fatal(err)
	}
	if !s.Next("tick").IsZero() {
		t.Fatalf("next should be zero before Start")
	}
	s.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Stop(ctx); err != nil {
			t.Fatalf("stop: %v", err)
		}
	}()

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatalf("job did not fire")
	}
	if s.Next("tick").IsZero() {
		t.Fatalf("next should be set once running")
	}
}

func TestStopCancelsRunningJob(t *testing.T) {
	started := make(chan struct{})
	s, err := NewScheduler([]Job{{Name: "slow", Schedule: "@daily", Action: "restart"}},
		func(ctx context.Context, action string) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}, quiet())
	if err != nil {
		t.Fatal(err)
	}
	s.Start()
	errc := make(chan error, 1)
	go func() { errc <- s.RunNow("slow") }()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("running job should see cancellation, got %v", err)
	}
}
