// Package cron runs lifecycle actions on a schedule next to the hook
// server, e.g. a nightly restart or a periodic reload.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one [[schedule]] entry.
type Job struct {
	Name string `toml:"name" mapstructure:"name"`
	// Schedule is a five-field cron expression or a descriptor such as
	// "@daily" or "@every 6h".
	Schedule string `toml:"schedule" mapstructure:"schedule"`
	// Action is an event name or a service verb.
	Action string `toml:"action" mapstructure:"action"`
}

// Validate checks the fields that do not depend on the action table.
func (j Job) Validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return errors.New("schedule entry requires a name")
	}
	if strings.TrimSpace(j.Action) == "" {
		return fmt.Errorf("schedule %s: action is required", j.Name)
	}
	if _, err := cron.ParseStandard(j.Schedule); err != nil {
		return fmt.Errorf("schedule %s: %w", j.Name, err)
	}
	return nil
}

// RunFunc performs action. It is called from the scheduler goroutine.
type RunFunc func(ctx context.Context, action string) error

// Scheduler fires jobs. A job whose previous run is still going skips the
// tick; overlap with other run sources is up to RunFunc.
type Scheduler struct {
	c    *cron.Cron
	run  RunFunc
	log  *slog.Logger
	ids  map[string]cron.EntryID
	ctx  context.Context
	stop context.CancelFunc

	mu   sync.Mutex
	last map[string]Result
}

// Result describes the latest firing of a job.
type Result struct {
	At       time.Time
	Duration time.Duration
	Err      error
}

func NewScheduler(jobs []Job, run RunFunc, log *slog.Logger) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		c: cron.New(cron.WithChain(
			cron.Recover(cronLogger{log}),
			cron.SkipIfStillRunning(cronLogger{log}),
		)),
		run:  run,
		log:  log,
		ids:  make(map[string]cron.EntryID, len(jobs)),
		last: make(map[string]Result, len(jobs)),
	}
	s.ctx, s.stop = context.WithCancel(context.Background())
	for _, j := range jobs {
		if err := j.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.ids[j.Name]; dup {
			return nil, fmt.Errorf("duplicate schedule name %q", j.Name)
		}
		id, err := s.c.AddFunc(j.Schedule, s.fire(j))
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", j.Name, err)
		}
		s.ids[j.Name] = id
	}
	return s, nil
}

func (s *Scheduler) fire(j Job) func() {
	return func() {
		start := time.Now()
		s.log.Info("scheduled run", "job", j.Name, "action", j.Action)
		err := s.run(s.ctx, j.Action)
		d := time.Since(start)
		if err != nil {
			s.log.Error("scheduled run failed", "job", j.Name, "action", j.Action, "duration", d, "error", err)
		}
		s.mu.Lock()
		s.last[j.Name] = Result{At: start, Duration: d, Err: err}
		s.mu.Unlock()
	}
}

// RunNow fires the named job synchronously, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	id, ok := s.ids[name]
	if !ok {
		return fmt.Errorf("no schedule named %q", name)
	}
	s.c.Entry(id).WrappedJob.Run()
	return s.Last(name).Err
}

// Last returns the latest result for name; the zero Result when it has
// not fired yet.
func (s *Scheduler) Last(name string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[name]
}

// Next returns when name fires next. Zero before Start.
func (s *Scheduler) Next(name string) time.Time {
	id, ok := s.ids[name]
	if !ok {
		return time.Time{}
	}
	return s.c.Entry(id).Next
}

func (s *Scheduler) Len() int { return len(s.ids) }

func (s *Scheduler) Start() { s.c.Start() }

// Stop prevents further firings, cancels the context passed to running
// jobs and waits for them until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.c.Stop()
	s.stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
