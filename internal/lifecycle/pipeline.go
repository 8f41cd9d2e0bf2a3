package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/deployr/internal/history"
	"github.com/loykin/deployr/internal/initscript"
	"github.com/loykin/deployr/internal/metrics"
)

// Event is a point in the deployment at which a pipeline runs.
type Event string

const (
	EventPreDeploy    Event = "pre-deploy"
	EventPostUpdate   Event = "post-update"
	EventPostRollback Event = "post-rollback"
	// EventManual tags steps run one at a time from the CLI or the server.
	EventManual Event = "manual"
)

// StepName identifies a lifecycle step.
type StepName string

const (
	StepCreateReleaseDir StepName = "create_release_dir"
	StepCheckInitConfig  StepName = "check_init_config"
	StepInstallInit      StepName = "install_init"
	StepInstallPackages  StepName = "install_packages"
	StepStart            StepName = "start"
	StepStop             StepName = "stop"
	StepRestart          StepName = "restart"
	StepReload           StepName = "reload"
)

var pipelines = map[Event][]StepName{
	EventPreDeploy:    {StepCreateReleaseDir, StepCheckInitConfig},
	EventPostUpdate:   {StepInstallPackages, StepRestart},
	EventPostRollback: {StepRestart},
}

var verbs = map[string]StepName{
	"start":   StepStart,
	"stop":    StepStop,
	"restart": StepRestart,
	"reload":  StepReload,
}

var (
	ErrUnknownEvent  = errors.New("unknown lifecycle event")
	ErrUnknownStep   = errors.New("unknown lifecycle step")
	ErrUnknownAction = errors.New("unknown action")
)

// Events lists the events that have a pipeline, in deployment order.
func Events() []Event {
	return []Event{EventPreDeploy, EventPostUpdate, EventPostRollback}
}

// ParseEvent accepts an event name such as "post-update".
func ParseEvent(s string) (Event, error) {
	e := Event(strings.TrimSpace(s))
	if _, ok := pipelines[e]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEvent, s)
	}
	return e, nil
}

// Pipeline returns the ordered steps run for e.
func Pipeline(e Event) ([]StepName, error) {
	steps, ok := pipelines[e]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, e)
	}
	return append([]StepName(nil), steps...), nil
}

// ParseAction resolves an event name or a service verb to the event it
// runs under and its steps. Verbs run under EventManual.
func ParseAction(s string) (Event, []StepName, error) {
	s = strings.TrimSpace(s)
	if step, ok := verbs[s]; ok {
		return EventManual, []StepName{step}, nil
	}
	if steps, ok := pipelines[Event(s)]; ok {
		return Event(s), append([]StepName(nil), steps...), nil
	}
	return "", nil, fmt.Errorf("%w %q: want an event (pre-deploy, post-update, post-rollback) or start, stop, restart, reload", ErrUnknownAction, s)
}

// StepError wraps the failure of one step of a run.
type StepError struct {
	Event Event
	Step  StepName
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: step %s: %v", e.Event, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

type stepFunc func(ctx context.Context) (history.Outcome, string, error)

func (o *Orchestrator) step(name StepName) (stepFunc, bool) {
	verb := func(v string) stepFunc {
		return func(ctx context.Context) (history.Outcome, string, error) {
			code, err := o.Service(ctx, v)
			return history.OutcomeOK, fmt.Sprintf("exit %d", code), err
		}
	}
	switch name {
	case StepCreateReleaseDir:
		return func(ctx context.Context) (history.Outcome, string, error) {
			return history.OutcomeOK, o.dc.ReleasesPath(), o.CreateReleaseDir(ctx)
		}, true
	case StepCheckInitConfig:
		return func(ctx context.Context) (history.Outcome, string, error) {
			outcome, err := o.CheckInitConfig(ctx)
			return history.Outcome(outcome), o.dc.InitFilePath(), err
		}, true
	case StepInstallInit:
		return func(ctx context.Context) (history.Outcome, string, error) {
			return history.OutcomeInstalled, o.dc.InitFilePath(), o.InstallInit(ctx)
		}, true
	case StepInstallPackages:
		return func(ctx context.Context) (history.Outcome, string, error) {
			return history.OutcomeOK, o.dc.CurrentReleasePath(), o.InstallPackages(ctx)
		}, true
	case StepStart:
		return verb(initscript.VerbStart), true
	case StepStop:
		return verb(initscript.VerbStop), true
	case StepRestart:
		return verb(initscript.VerbRestart), true
	case StepReload:
		return verb(initscript.VerbReload), true
	}
	return nil, false
}

// Run executes the pipeline for event. The first failing step stops the
// run and is returned as a *StepError.
func (o *Orchestrator) Run(ctx context.Context, event Event) error {
	steps, err := Pipeline(event)
	if err != nil {
		return err
	}
	return o.RunSteps(ctx, event, steps...)
}

// RunSteps executes names in order, recording each one under event.
func (o *Orchestrator) RunSteps(ctx context.Context, event Event, names ...StepName) (err error) {
	started := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "failed"
		}
		metrics.SetLastRun(string(event), result, float64(time.Now().Unix()))
	}()

	for _, name := range names {
		fn, ok := o.step(name)
		if !ok {
			return &StepError{Event: event, Step: name, Err: ErrUnknownStep}
		}
		if err := ctx.Err(); err != nil {
			return &StepError{Event: event, Step: name, Err: err}
		}

		o.log.Info("step started", "event", event, "step", name)
		t0 := time.Now()
		outcome, detail, stepErr := fn(ctx)
		elapsed := time.Since(t0)

		ev := history.Event{
			Event:    string(event),
			Step:     string(name),
			Outcome:  outcome,
			Detail:   detail,
			Duration: elapsed,
		}
		if stepErr != nil {
			ev.Outcome = history.OutcomeFailed
			ev.Error = stepErr.Error()
			o.rec.Record(ctx, ev)
			metrics.ObserveStep(string(event), string(name), "failed", elapsed.Seconds())
			o.log.Error("step failed", "event", event, "step", name, "duration", elapsed, "error", stepErr)
			return &StepError{Event: event, Step: name, Err: stepErr}
		}
		o.rec.Record(ctx, ev)
		metrics.ObserveStep(string(event), string(name), string(outcome), elapsed.Seconds())
		o.log.Info("step finished", "event", event, "step", name, "outcome", outcome, "duration", elapsed)
	}
	o.log.Info("run finished", "event", event, "steps", len(names), "duration", time.Since(started))
	return nil
}
