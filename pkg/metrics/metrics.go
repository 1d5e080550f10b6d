// Package metrics instruments the supervisor itself: live worker
// count, admission verdicts, auxiliary restarts and crash-recovery
// cycles. This is ambient observability, distinct from the external
// statistics-collector protocol the spec treats as out of scope.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WorkersLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_workers_live",
			Help: "Number of live client session workers in the registry",
		},
	)

	AdmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_admissions_total",
			Help: "Total handshake admission verdicts by category",
		},
		[]string{"category"},
	)

	SpawnFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_spawn_failures_total",
			Help: "Total worker spawn failures",
		},
	)

	AuxiliaryRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_auxiliary_restarts_total",
			Help: "Total auxiliary subsystem restarts by kind",
		},
		[]string{"aux"},
	)

	CrashRecoveryCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_crash_recovery_cycles_total",
			Help: "Total number of crash-recovery cycles entered",
		},
	)

	CancelRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_cancel_requests_total",
			Help: "Total cancel requests by outcome (delivered, secret_mismatch, unknown_worker, not_yet_spawned, signal_failed)",
		},
		[]string{"outcome"},
	)

	PhaseTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_phase_transitions_total",
			Help: "Total life-phase transitions by resulting phase",
		},
		[]string{"phase"},
	)

	HandshakeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warden_handshake_duration_seconds",
			Help:    "Time spent processing a startup handshake",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		WorkersLive,
		AdmissionsTotal,
		SpawnFailuresTotal,
		AuxiliaryRestartsTotal,
		CrashRecoveryCyclesTotal,
		CancelRequestsTotal,
		PhaseTransitionsTotal,
		HandshakeDuration,
	)
}

// Handler returns the Prometheus HTTP handler for the internal metrics
// listener.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer, starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
