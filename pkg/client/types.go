package client

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrBusy is returned when the server is already running a hook or a
// service command.
var ErrBusy = errors.New("another run is in progress")

// RunResult is the body of a successful hook or service request.
type RunResult struct {
	OK       bool     `json:"ok"`
	Event    string   `json:"event"`
	Steps    []string `json:"steps"`
	Duration string   `json:"duration"`
}

// ServiceStatus mirrors the init script status verb.
type ServiceStatus struct {
	Running bool   `json:"running"`
	Code    int    `json:"code"`
	State   string `json:"state"`
}

// InitScript is the rendered init script and where it is installed.
type InitScript struct {
	Path    string
	Content []byte
}

// HistoryQuery filters GET /history. Zero values use the server defaults.
type HistoryQuery struct {
	Application string
	Environment string
	Limit       int
}

// HistoryEvent is one recorded step.
type HistoryEvent struct {
	Application string        `json:"application"`
	Environment string        `json:"environment"`
	Host        string        `json:"host"`
	Event       string        `json:"event"`
	Step        string        `json:"step"`
	Outcome     string        `json:"outcome"`
	Detail      string        `json:"detail,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration_ns"`
	OccurredAt  time.Time     `json:"occurred_at"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Event   string `json:"event,omitempty"`
	Step    string `json:"step,omitempty"`
}

// APIError is any non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
	Event      string
	Step       string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Step != "" {
		return fmt.Sprintf("API error %d: %s failed at %s: %s", e.StatusCode, e.Event, e.Step, msg)
	}
	return fmt.Sprintf("API error %d: %s", e.StatusCode, msg)
}

func (e *APIError) Is(target error) bool {
	return target == ErrBusy && e.StatusCode == http.StatusConflict
}
