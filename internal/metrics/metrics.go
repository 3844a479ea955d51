// Package metrics holds the Prometheus collectors for interview sessions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "interview"

var (
	// sessionsActive is a gauge of sessions currently running.
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of interview sessions currently running",
		},
	)

	// sessionsTotal counts sessions by how they ended.
	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total interview sessions by outcome",
		},
		[]string{"channel", "outcome"}, // outcome: completed, abandoned
	)

	// phaseTransitionsTotal counts orchestrator phase changes.
	phaseTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Total orchestrator phase transitions",
		},
		[]string{"from", "to"},
	)

	// turnsTotal counts processed user turns per step.
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total user turns by step and result",
		},
		[]string{"step", "result"}, // result: advanced, stayed, rejected, failed
	)

	// generationAttemptsTotal counts calls to the text generation backend.
	generationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_attempts_total",
			Help:      "Total generation backend calls by outcome",
		},
		[]string{"model", "outcome"},
	)

	// generationDuration is a histogram of generation backend latency.
	generationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Duration of generation backend calls in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"model"},
	)

	// retriesTotal counts failed turns surfaced to the user.
	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_failures_total",
			Help:      "Total failed turns by severity",
		},
		[]string{"severity"}, // severity: transient, terminal
	)

	// persistErrorsTotal counts swallowed persistence failures.
	persistErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_errors_total",
			Help:      "Total best-effort persistence failures",
		},
		[]string{"store"},
	)
)

var allMetrics = []prometheus.Collector{
	sessionsActive,
	sessionsTotal,
	phaseTransitionsTotal,
	turnsTotal,
	generationAttemptsTotal,
	generationDuration,
	retriesTotal,
	persistErrorsTotal,
}

// NewRegistry returns a registry with every interview collector plus the Go runtime collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	for _, c := range allMetrics {
		reg.MustRegister(c)
	}
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func SessionStarted() {
	sessionsActive.Inc()
}

func SessionEnded(channel, outcome string) {
	sessionsActive.Dec()
	sessionsTotal.WithLabelValues(channel, outcome).Inc()
}

func RecordPhaseTransition(from, to string) {
	phaseTransitionsTotal.WithLabelValues(from, to).Inc()
}

func RecordTurn(step, result string) {
	turnsTotal.WithLabelValues(step, result).Inc()
}

// RecordGeneration records one backend call. outcome is "success" or an error kind.
func RecordGeneration(model, outcome string, durationSeconds float64) {
	generationAttemptsTotal.WithLabelValues(model, outcome).Inc()
	generationDuration.WithLabelValues(model).Observe(durationSeconds)
}

func RecordTurnFailure(terminal bool) {
	severity := "transient"
	if terminal {
		severity = "terminal"
	}
	retriesTotal.WithLabelValues(severity).Inc()
}

func RecordPersistError(store string) {
	persistErrorsTotal.WithLabelValues(store).Inc()
}
