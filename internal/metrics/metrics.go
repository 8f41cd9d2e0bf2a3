package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	remoteCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployr",
			Subsystem: "remote",
			Name:      "commands_total",
			Help:      "Remote commands by label and result (ok, exit, transport).",
		}, []string{"label", "result"},
	)
	remoteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "deployr",
			Subsystem: "remote",
			Name:      "command_duration_seconds",
			Help:      "Wall time of remote commands.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"label"},
	)
	reconciles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployr",
			Subsystem: "artifact",
			Name:      "reconciles_total",
			Help:      "Artifact reconciliations by outcome (skipped, installed, failed).",
		}, []string{"path", "outcome"},
	)
	steps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployr",
			Subsystem: "lifecycle",
			Name:      "steps_total",
			Help:      "Lifecycle steps by event, step and result.",
		}, []string{"event", "step", "result"},
	)
	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "deployr",
			Subsystem: "lifecycle",
			Name:      "step_duration_seconds",
			Help:      "Wall time of lifecycle steps.",
			Buckets:   []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"step"},
	)
	serviceExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployr",
			Subsystem: "service",
			Name:      "command_exits_total",
			Help:      "Init script invocations by verb and exit code.",
		}, []string{"job", "verb", "code"},
	)
	lastRun = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "deployr",
			Subsystem: "lifecycle",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last pipeline run per event and result.",
		}, []string{"event", "result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{remoteCommands, remoteDuration, reconciles, steps, stepDuration, serviceExits, lastRun}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// WriteTextfile writes every metric gathered by g to path in the text
// exposition format read by node_exporter's textfile collector.
func WriteTextfile(g prometheus.Gatherer, path string) error {
	return prometheus.WriteToTextfile(path, g)
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func ObserveRemoteCommand(label, result string, seconds float64) {
	if regOK.Load() {
		remoteCommands.WithLabelValues(label, result).Inc()
		remoteDuration.WithLabelValues(label).Observe(seconds)
	}
}

func IncReconcile(path, outcome string) {
	if regOK.Load() {
		reconciles.WithLabelValues(path, outcome).Inc()
	}
}

func ObserveStep(event, step, result string, seconds float64) {
	if regOK.Load() {
		steps.WithLabelValues(event, step, result).Inc()
		stepDuration.WithLabelValues(step).Observe(seconds)
	}
}

func IncServiceExit(job, verb string, code int) {
	if regOK.Load() {
		serviceExits.WithLabelValues(job, verb, strconv.Itoa(code)).Inc()
	}
}

func SetLastRun(event, result string, unix float64) {
	if regOK.Load() {
		lastRun.WithLabelValues(event, result).Set(unix)
	}
}
