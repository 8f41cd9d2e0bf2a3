package history

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Outcome is the result recorded for a step or service command.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeInstalled Outcome = "installed"
)

// Event is one deployment step or service command, exported to external
// systems for auditing.
type Event struct {
	Application string        `json:"application"`
	Environment string        `json:"environment"`
	Host        string        `json:"host"`
	Event       string        `json:"event"`
	Step        string        `json:"step"`
	Outcome     Outcome       `json:"outcome"`
	Detail      string        `json:"detail,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration_ns"`
	OccurredAt  time.Time     `json:"occurred_at"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Lister is implemented by sinks that can read events back.
type Lister interface {
	Recent(ctx context.Context, application, environment string, limit int) ([]Event, error)
}

// Recorder stamps events with the deployment identity and forwards them to
// a sink. Sink failures are logged and never returned.
type Recorder struct {
	Sink        Sink
	Application string
	Environment string
	Host        string
	Timeout     time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

// Record sends e. A nil Recorder or Sink drops the event.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil || r.Sink == nil {
		return
	}
	if e.Application == "" {
		e.Application = r.Application
	}
	if e.Environment == "" {
		e.Environment = r.Environment
	}
	if e.Host == "" {
		e.Host = r.Host
	}
	if e.OccurredAt.IsZero() {
		now := time.Now
		if r.Now != nil {
			now = r.Now
		}
		e.OccurredAt = now().UTC()
	}
	timeout := r.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	// a cancelled deploy still gets its failure recorded
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := r.Sink.Send(sctx, e); err != nil {
		log := r.Logger
		if log == nil {
			log = slog.Default()
		}
		log.Warn("history sink failed", "event", e.Event, "step", e.Step, "error", err)
	}
}

// Memory keeps events in process. It backs tests and the hook server's
// recent-events view when no sink is configured.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

// Events returns a copy of everything recorded so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

func (m *Memory) Recent(_ context.Context, application, environment string, limit int) ([]Event, error) {
	all := m.Events()
	var out []Event
	for i := len(all) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		e := all[i]
		if (application == "" || e.Application == application) && (environment == "" || e.Environment == environment) {
			out = append(out, e)
		}
	}
	return out, nil
}
