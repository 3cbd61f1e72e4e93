package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry           *prometheus.Registry
	willsCreatedTotal  *prometheus.CounterVec
	claimsTotal        *prometheus.CounterVec
	settlementsTotal   *prometheus.CounterVec
	retryAttemptsTotal *prometheus.CounterVec
	dlqDepth           prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	created := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "willescrow_wills_created_total",
		Help: "Total number of will creation requests",
	}, []string{"status"})

	claims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "willescrow_claims_total",
		Help: "Total number of beneficiary claims processed",
	}, []string{"status"})

	settlements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "willescrow_settlements_total",
		Help: "Total number of joint settlements processed",
	}, []string{"status"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "willescrow_retry_attempts_total",
		Help: "Submission attempts against a contended escrow output",
	}, []string{"result"})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "willescrow_dlq_depth",
		Help: "Number of items in the DLQ",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(created, claims, settlements, retries, dlq)

	return &metricsRegistry{
		registry:           r,
		willsCreatedTotal:  created,
		claimsTotal:        claims,
		settlementsTotal:   settlements,
		retryAttemptsTotal: retries,
		dlqDepth:           dlq,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incCreated(status string) {
	m.willsCreatedTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incClaim(status string) {
	m.claimsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incSettlement(status string) {
	m.settlementsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incRetry(result string) {
	m.retryAttemptsTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) setDLQDepth(depth int) {
	m.dlqDepth.Set(float64(depth))
}
