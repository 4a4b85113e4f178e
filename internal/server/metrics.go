package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry          *prometheus.Registry
	celebrityOpsTotal *prometheus.CounterVec
	requestOpsTotal   *prometheus.CounterVec
	autographOpsTotal *prometheus.CounterVec
	escrowBalanceWei  prometheus.Gauge
	pendingRequests   prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	celebrities := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hashink_celebrity_ops_total",
		Help: "Celebrity profile operations by outcome",
	}, []string{"op", "status"})

	reqs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hashink_request_ops_total",
		Help: "Autograph request operations by outcome",
	}, []string{"op", "status"})

	autographs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hashink_autograph_ops_total",
		Help: "Autograph token operations by outcome",
	}, []string{"op", "status"})

	balance := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hashink_escrow_balance_wei",
		Help: "Value currently held in escrow",
	})

	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hashink_pending_requests",
		Help: "Requests awaiting signature or deletion",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(celebrities, reqs, autographs, balance, pending)

	return &metricsRegistry{
		registry:          r,
		celebrityOpsTotal: celebrities,
		requestOpsTotal:   reqs,
		autographOpsTotal: autographs,
		escrowBalanceWei:  balance,
		pendingRequests:   pending,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incCelebrity(op, status string) {
	m.celebrityOpsTotal.WithLabelValues(op, status).Inc()
}

func (m *metricsRegistry) incRequest(op, status string) {
	m.requestOpsTotal.WithLabelValues(op, status).Inc()
}

func (m *metricsRegistry) incAutograph(op, status string) {
	m.autographOpsTotal.WithLabelValues(op, status).Inc()
}

func (m *metricsRegistry) setEscrowBalance(balance float64) {
	m.escrowBalanceWei.Set(balance)
}

func (m *metricsRegistry) setPendingRequests(pending int) {
	m.pendingRequests.Set(float64(pending))
}
