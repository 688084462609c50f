package metrics

import (
	"net/http"
	"time"

	"roadwatch-sync-server/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the reconciliation collectors. Each instance owns its own
// registry so tests can build as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal         *prometheus.CounterVec
	RunDuration       prometheus.Histogram
	ItemsSynced       prometheus.Counter
	ItemsErrored      prometheus.Counter
	ConflictsDetected *prometheus.CounterVec
	ConflictsResolved *prometheus.CounterVec
	AdapterUp         *prometheus.GaugeVec
	AdapterLatency    *prometheus.GaugeVec
	SchedulerTicks    *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "roadwatch",
				Subsystem: "sync",
				Name:      "runs_total",
				Help:      "Total number of reconciliation runs by outcome",
			},
			[]string{"outcome", "trigger"},
		),
		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "roadwatch",
				Subsystem: "sync",
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of reconciliation runs",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
		),
		ItemsSynced: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "roadwatch",
				Subsystem: "sync",
				Name:      "items_synced_total",
				Help:      "Records written to a store by reconciliation",
			},
		),
		ItemsErrored: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "roadwatch",
				Subsystem: "sync",
				Name:      "items_errored_total",
				Help:      "Records whose write failed after all retries",
			},
		),
		ConflictsDetected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "roadwatch",
				Subsystem: "sync",
				Name:      "conflicts_detected_total",
				Help:      "Conflicts appended to the ledger by type",
			},
			[]string{"type"},
		),
		ConflictsResolved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "roadwatch",
				Subsystem: "sync",
				Name:      "conflicts_resolved_total",
				Help:      "Conflicts resolved by an operator by choice",
			},
			[]string{"choice"},
		),
		AdapterUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "roadwatch",
				Subsystem: "adapter",
				Name:      "up",
				Help:      "Whether the last probe of a store succeeded",
			},
			[]string{"side"},
		),
		AdapterLatency: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "roadwatch",
				Subsystem: "adapter",
				Name:      "latency_seconds",
				Help:      "Latency of the last probe of a store",
			},
			[]string{"side"},
		),
		SchedulerTicks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "roadwatch",
				Subsystem: "scheduler",
				Name:      "ticks_total",
				Help:      "Scheduler ticks by result",
			},
			[]string{"result"},
		),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRun(run *domain.SyncRun) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(string(run.Outcome), string(run.Trigger)).Inc()
	m.RunDuration.Observe(run.Duration().Seconds())
	m.ItemsSynced.Add(float64(run.ItemsSynced))
	m.ItemsErrored.Add(float64(run.ItemsErrored))
}

func (m *Metrics) ObserveConflict(t domain.ConflictType) {
	if m == nil {
		return
	}
	m.ConflictsDetected.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) ObserveResolution(choice domain.ResolutionChoice) {
	if m == nil {
		return
	}
	m.ConflictsResolved.WithLabelValues(string(choice)).Inc()
}

func (m *Metrics) ObserveProbe(side domain.Side, connected bool, latency time.Duration) {
	if m == nil {
		return
	}
	up := 0.0
	if connected {
		up = 1
	}
	m.AdapterUp.WithLabelValues(string(side)).Set(up)
	m.AdapterLatency.WithLabelValues(string(side)).Set(latency.Seconds())
}

func (m *Metrics) ObserveTick(result string) {
	if m == nil {
		return
	}
	m.SchedulerTicks.WithLabelValues(result).Inc()
}
