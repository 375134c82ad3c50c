// Package metrics holds the Prometheus collectors for the supervisor. The
// helper functions are no-ops until Register has been called.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "botvisor"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workerStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of successful worker spawns.",
		},
	)
	workerStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of worker terminations by cause (exited, graceful, killed, orphan).",
		}, []string{"cause"},
	)
	workerRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Number of restart requests.",
		},
	)
	workerStartErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "start_errors_total",
			Help:      "Number of rejected or failed start requests by reason.",
		}, []string{"reason"},
	)
	workerRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "running",
			Help:      "1 while a worker is running.",
		},
	)
	stopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "stop_duration_seconds",
			Help:      "Time from stop request to confirmed termination.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
		},
	)
	streamLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "lines_total",
			Help:      "Lines read from the worker by stream.",
		}, []string{"stream"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor phase transitions.",
		}, []string{"from", "to"},
	)
	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events a subscriber missed because its buffer was full.",
		}, []string{"type"},
	)
	provisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provision_total",
			Help:      "Workspace provisioning attempts by result.",
		}, []string{"result"},
	)
	auxRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aux_runs_total",
			Help:      "Auxiliary script runs by mode and result.",
		}, []string{"mode", "result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		workerStarts, workerStops, workerRestarts, workerStartErrors, workerRunning,
		stopDuration, streamLines, stateTransitions, eventsDropped, provisions, auxRuns,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func IncStart() {
	if regOK.Load() {
		workerStarts.Inc()
	}
}

func IncStop(cause string) {
	if regOK.Load() {
		workerStops.WithLabelValues(cause).Inc()
	}
}

func IncRestart() {
	if regOK.Load() {
		workerRestarts.Inc()
	}
}

func IncStartError(reason string) {
	if regOK.Load() {
		workerStartErrors.WithLabelValues(reason).Inc()
	}
}

func SetRunning(running bool) {
	if regOK.Load() {
		v := 0.0
		if running {
			v = 1
		}
		workerRunning.Set(v)
	}
}

func ObserveStopDuration(seconds float64) {
	if regOK.Load() {
		stopDuration.Observe(seconds)
	}
}

func IncLine(stream string) {
	if regOK.Load() {
		streamLines.WithLabelValues(stream).Inc()
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func IncEventDropped(eventType string) {
	if regOK.Load() {
		eventsDropped.WithLabelValues(eventType).Inc()
	}
}

func IncProvision(result string) {
	if regOK.Load() {
		provisions.WithLabelValues(result).Inc()
	}
}

func IncAuxRun(mode, result string) {
	if regOK.Load() {
		auxRuns.WithLabelValues(mode, result).Inc()
	}
}
