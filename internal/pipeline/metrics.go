package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes pipeline observability counters. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	eventsTotal    *prometheus.CounterVec
	processedTotal *prometheus.CounterVec
	failuresTotal  *prometheus.CounterVec
	retriesTotal   *prometheus.CounterVec
	laggedTotal    *prometheus.CounterVec
	rejectedTotal  *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
}

// NewMetrics registers pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crucible", Subsystem: "pipeline",
			Name: "events_total", Help: "File events accepted, by kind.",
		}, []string{"kind"}),
		processedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crucible", Subsystem: "pipeline",
			Name: "documents_processed_total", Help: "Deliveries applied per sink.",
		}, []string{"sink"}),
		failuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crucible", Subsystem: "pipeline",
			Name: "sink_failures_total", Help: "Failed sink applies.",
		}, []string{"sink"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crucible", Subsystem: "pipeline",
			Name: "retries_total", Help: "Deliveries re-attempted per sink.",
		}, []string{"sink"}),
		laggedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crucible", Subsystem: "pipeline",
			Name: "lagged_drops_total", Help: "Deliveries dropped by lagging sinks.",
		}, []string{"sink"}),
		rejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crucible", Subsystem: "pipeline",
			Name: "breaker_rejections_total", Help: "Deliveries rejected by an open breaker.",
		}, []string{"sink"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "crucible", Subsystem: "pipeline",
			Name: "breaker_state", Help: "Breaker state per sink: 0 closed, 1 open, 2 half-open.",
		}, []string{"sink"}),
	}

	reg.MustRegister(m.eventsTotal, m.processedTotal, m.failuresTotal,
		m.retriesTotal, m.laggedTotal, m.rejectedTotal, m.breakerState)
	return m
}

func (m *Metrics) event(kind string) {
	if m != nil {
		m.eventsTotal.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) processed(sink string) {
	if m != nil {
		m.processedTotal.WithLabelValues(sink).Inc()
	}
}

func (m *Metrics) failed(sink string) {
	if m != nil {
		m.failuresTotal.WithLabelValues(sink).Inc()
	}
}

func (m *Metrics) retried(sink string) {
	if m != nil {
		m.retriesTotal.WithLabelValues(sink).Inc()
	}
}

func (m *Metrics) lagged(sink string) {
	if m != nil {
		m.laggedTotal.WithLabelValues(sink).Inc()
	}
}

func (m *Metrics) rejected(sink string) {
	if m != nil {
		m.rejectedTotal.WithLabelValues(sink).Inc()
	}
}

func (m *Metrics) breaker(sink string, state BreakerState) {
	if m != nil {
		m.breakerState.WithLabelValues(sink).Set(float64(state))
	}
}
