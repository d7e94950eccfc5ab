package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"notifyd/internal/model"
)

// Metrics are the engine's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	items         *prometheus.CounterVec
	dispatch      *prometheus.HistogramVec
	ticksSkipped  prometheus.Counter
	pending       prometheus.Gauge
	malformed     prometheus.Counter
	lastCycle     prometheus.Gauge
}

// NewMetrics registers the engine collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notifyd", Subsystem: "engine", Name: "cycles_total",
			Help: "Delivery cycles by result (ok, error, busy).",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "notifyd", Subsystem: "engine", Name: "cycle_duration_seconds",
			Help:    "Wall time of one delivery cycle.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notifyd", Subsystem: "engine", Name: "items_total",
			Help: "Dispatched due items by kind and outcome.",
		}, []string{"kind", "outcome"}),
		dispatch: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "notifyd", Subsystem: "engine", Name: "dispatch_duration_seconds",
			Help:    "Channel time per due item.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"kind"}),
		ticksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "notifyd", Subsystem: "engine", Name: "ticks_skipped_total",
			Help: "Ticks dropped because a cycle was still running.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "notifyd", Subsystem: "engine", Name: "pending_notifications",
			Help: "Pending notifications seen by the last cycle.",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "notifyd", Subsystem: "engine", Name: "malformed_schedules_total",
			Help: "Reminders or series skipped because of an unknown interval unit.",
		}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "notifyd", Subsystem: "engine", Name: "last_cycle_timestamp_seconds",
			Help: "Unix time of the last completed cycle.",
		}),
	}
	reg.MustRegister(m.cycles, m.cycleDuration, m.items, m.dispatch, m.ticksSkipped, m.pending, m.malformed, m.lastCycle)
	return m
}

func (m *Metrics) cycle(result string, rep CycleReport) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(result).Inc()
	if result == "busy" {
		return
	}
	m.cycleDuration.Observe(rep.Took.Seconds())
	m.pending.Set(float64(rep.Pending))
	m.lastCycle.Set(float64(time.Now().Unix()))
}

func (m *Metrics) item(kind model.ItemKind, res Result) {
	if m == nil {
		return
	}
	m.items.WithLabelValues(kind.String(), res.Outcome.String()).Inc()
	m.dispatch.WithLabelValues(kind.String()).Observe(res.Took.Seconds())
}

func (m *Metrics) skipped() {
	if m == nil {
		return
	}
	m.ticksSkipped.Inc()
}

func (m *Metrics) malformedSchedules(n int) {
	if m == nil || n == 0 {
		return
	}
	m.malformed.Add(float64(n))
}
