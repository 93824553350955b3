// Package metrics registers the engine's Prometheus instruments.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Set holds every instrument the engine emits. One Set is built per process
// and handed to the components that record into it.
type Set struct {
	DecisionsTotal  *prometheus.CounterVec
	SignalLatency   *prometheus.HistogramVec
	LLMDegradations *prometheus.CounterVec
	ExportsTotal    *prometheus.CounterVec
	IngestRows      *prometheus.CounterVec
	DriftSignal     *prometheus.GaugeVec
	RetrainsTotal   *prometheus.CounterVec
	JournalStatus   *prometheus.GaugeVec
}

// New builds and registers the instrument set on the given registerer.
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgerpilot",
			Name:      "decisions_total",
			Help:      "Decisions by route and review reason.",
		}, []string{"tenant", "route", "reason"}),
		SignalLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ledgerpilot",
			Name:      "signal_latency_seconds",
			Help:      "Per-tier signal computation latency.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		}, []string{"source"}),
		LLMDegradations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgerpilot",
			Name:      "llm_degradations_total",
			Help:      "Adjudications that degraded instead of running.",
		}, []string{"tenant", "reason"}),
		ExportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgerpilot",
			Name:      "exports_total",
			Help:      "Export ledger outcomes.",
		}, []string{"tenant", "status"}),
		IngestRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgerpilot",
			Name:      "ingest_rows_total",
			Help:      "Ingested rows by outcome.",
		}, []string{"tenant", "outcome"}),
		DriftSignal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ledgerpilot",
			Name:      "drift_signal",
			Help:      "Latest drift signal values (PSI, JS, accuracy delta).",
		}, []string{"tenant", "signal"}),
		RetrainsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgerpilot",
			Name:      "retrains_total",
			Help:      "Retrain attempts by outcome.",
		}, []string{"tenant", "outcome"}),
		JournalStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ledgerpilot",
			Name:      "journal_entries",
			Help:      "Journal entries by lifecycle status.",
		}, []string{"tenant", "status"}),
	}
	reg.MustRegister(
		s.DecisionsTotal, s.SignalLatency, s.LLMDegradations, s.ExportsTotal,
		s.IngestRows, s.DriftSignal, s.RetrainsTotal, s.JournalStatus,
	)
	return s
}

// ObserveSignal records one tier's latency. Nil-safe so callers can run
// without instrumentation in tests.
func (s *Set) ObserveSignal(source string, d time.Duration) {
	if s == nil {
		return
	}
	s.SignalLatency.WithLabelValues(source).Observe(d.Seconds())
}

// CountDecision records one routed decision.
func (s *Set) CountDecision(tenant, route, reason string) {
	if s == nil {
		return
	}
	s.DecisionsTotal.WithLabelValues(tenant, route, reason).Inc()
}

// CountDegradation records one degraded adjudication.
func (s *Set) CountDegradation(tenant, reason string) {
	if s == nil {
		return
	}
	s.LLMDegradations.WithLabelValues(tenant, reason).Inc()
}

// CountExport records one export ledger outcome.
func (s *Set) CountExport(tenant, status string) {
	if s == nil {
		return
	}
	s.ExportsTotal.WithLabelValues(tenant, status).Inc()
}
