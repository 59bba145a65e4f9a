package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the service exports. Methods are nil-safe so
// components can run without instrumentation in tests.
type Metrics struct {
	registry prometheus.Gatherer

	RequestsTotal      *prometheus.CounterVec
	RequestLatency     *prometheus.HistogramVec
	TransitionsTotal   *prometheus.CounterVec
	PollsTotal         *prometheus.CounterVec
	PollLatency        prometheus.Histogram
	RegisteredCharges  prometheus.Gauge
	DroppedSettlements prometheus.Counter
}

// New creates the collectors and registers them on reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated from the global registry.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"route", "method", "status"},
		),
		RequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_requests_latency_seconds",
				Help:    "Latency of HTTP requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "charge_transitions_total",
				Help: "Committed charge status transitions",
			},
			[]string{"from", "to", "origin"},
		),
		PollsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciler_polls_total",
				Help: "Gateway status polls by outcome",
			},
			[]string{"outcome"}, // pending|settled|expired|failed|unavailable|error
		),
		PollLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "reconciler_poll_latency_seconds",
				Help:    "Latency of gateway status polls.",
				Buckets: prometheus.DefBuckets,
			},
		),
		RegisteredCharges: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "reconciler_registered_charges",
				Help: "Charges currently registered for polling",
			},
		),
		DroppedSettlements: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reconciler_dropped_settlements_total",
				Help: "Settlements observed after another writer already moved the charge",
			},
		),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestLatency,
		m.TransitionsTotal,
		m.PollsTotal,
		m.PollLatency,
		m.RegisteredCharges,
		m.DroppedSettlements,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveTransition(from, to, origin string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to, origin).Inc()
}

func (m *Metrics) ObservePoll(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.PollsTotal.WithLabelValues(outcome).Inc()
	m.PollLatency.Observe(seconds)
}

func (m *Metrics) SetRegistered(n int) {
	if m == nil {
		return
	}
	m.RegisteredCharges.Set(float64(n))
}

func (m *Metrics) DroppedSettlement() {
	if m == nil {
		return
	}
	m.DroppedSettlements.Inc()
}

func (m *Metrics) ObserveRequest(route, method, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, method, status).Inc()
	m.RequestLatency.WithLabelValues(route, method).Observe(seconds)
}
