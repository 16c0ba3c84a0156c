package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry        *prometheus.Registry
	accountsOpened  *prometheus.CounterVec
	executionsTotal *prometheus.CounterVec
	refundsTotal    prometheus.Counter
	abortsTotal     *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	dlqDepth        prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	opened := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "isarelay_accounts_opened_total",
		Help: "Escrow account open requests by status",
	}, []string{"status"})

	executions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "isarelay_executions_total",
		Help: "Escrow executions by mode and outcome",
	}, []string{"mode", "outcome"})

	refunds := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "isarelay_refunds_total",
		Help: "Refund transfers published",
	})

	aborts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "isarelay_aborts_total",
		Help: "Executions rolled back without an outcome",
	}, []string{"reason"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "isarelay_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "isarelay_dlq_depth",
		Help: "Number of items in the DLQ",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(opened, executions, refunds, aborts, duration, dlq)

	return &metricsRegistry{
		registry:        r,
		accountsOpened:  opened,
		executionsTotal: executions,
		refundsTotal:    refunds,
		abortsTotal:     aborts,
		requestDuration: duration,
		dlqDepth:        dlq,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incOpened(status string) {
	m.accountsOpened.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incExecution(mode, outcome string) {
	m.executionsTotal.WithLabelValues(mode, outcome).Inc()
}

func (m *metricsRegistry) addRefunds(n int) {
	m.refundsTotal.Add(float64(n))
}

func (m *metricsRegistry) incAbort(reason string) {
	m.abortsTotal.WithLabelValues(reason).Inc()
}

func (m *metricsRegistry) observe(route string, seconds float64) {
	m.requestDuration.WithLabelValues(route).Observe(seconds)
}

func (m *metricsRegistry) setDLQDepth(depth int) {
	m.dlqDepth.Set(float64(depth))
}
