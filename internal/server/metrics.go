package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry           *prometheus.Registry
	mintRequestsTotal  *prometheus.CounterVec
	escrowRequests     *prometheus.CounterVec
	scannerEventsTotal *prometheus.CounterVec
	undecodableLogs    prometheus.Counter
	cursorBlock        prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	mints := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "assetrails_mint_requests_total",
		Help: "Mint requests by outcome",
	}, []string{"status"})

	escrows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "assetrails_escrow_requests_total",
		Help: "Escrow create/release/refund requests by outcome",
	}, []string{"op", "status"})

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "assetrails_scanner_events_total",
		Help: "Ledger events processed by the reconciliation scanner",
	}, []string{"kind", "result"})

	undecodable := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "assetrails_undecodable_logs_total",
		Help: "Raw logs the decoder skipped",
	})

	cursor := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "assetrails_cursor_block",
		Help: "Block number of the persisted reconciliation cursor",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(mints, escrows, events, undecodable, cursor)

	return &metricsRegistry{
		registry:           r,
		mintRequestsTotal:  mints,
		escrowRequests:     escrows,
		scannerEventsTotal: events,
		undecodableLogs:    undecodable,
		cursorBlock:        cursor,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incMint(status string) {
	m.mintRequestsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incEscrow(op, status string) {
	m.escrowRequests.WithLabelValues(op, status).Inc()
}

// The scanner observes through the same registry.

func (m *metricsRegistry) EventApplied(kind string) {
	m.scannerEventsTotal.WithLabelValues(kind, "applied").Inc()
}

func (m *metricsRegistry) EventRejected(kind string) {
	m.scannerEventsTotal.WithLabelValues(kind, "rejected").Inc()
}

func (m *metricsRegistry) LogsSkipped(n int) {
	m.undecodableLogs.Add(float64(n))
}

func (m *metricsRegistry) CursorHeight(block uint64) {
	m.cursorBlock.Set(float64(block))
}
