package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for streamgate.
type Metrics struct {
	registry              *prometheus.Registry
	sessionsStartedTotal  prometheus.Counter
	sessionsRejectedTotal prometheus.Counter
	sessionsClosedTotal   prometheus.Counter
	bitrateChangesTotal   prometheus.Counter
	processRestartsTotal  prometheus.Counter
	activeSessions        prometheus.Gauge
}

// NewMetrics creates and registers Prometheus metrics for streamgate.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	sessionsStartedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamgate_sessions_started_total",
		Help: "Total number of stream sessions admitted and started",
	})
	sessionsRejectedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamgate_sessions_rejected_total",
		Help: "Total number of session requests rejected by admission control",
	})
	sessionsClosedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamgate_sessions_closed_total",
		Help: "Total number of stream sessions closed",
	})
	bitrateChangesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamgate_bitrate_changes_total",
		Help: "Total number of bitrate rung changes applied",
	})
	processRestartsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamgate_process_restarts_total",
		Help: "Total number of transcode process restarts after unexpected exit",
	})
	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "streamgate_sessions_active",
		Help: "Number of stream sessions currently active",
	})

	registry.MustRegister(
		sessionsStartedTotal,
		sessionsRejectedTotal,
		sessionsClosedTotal,
		bitrateChangesTotal,
		processRestartsTotal,
		activeSessions,
	)

	return &Metrics{
		registry:              registry,
		sessionsStartedTotal:  sessionsStartedTotal,
		sessionsRejectedTotal: sessionsRejectedTotal,
		sessionsClosedTotal:   sessionsClosedTotal,
		bitrateChangesTotal:   bitrateChangesTotal,
		processRestartsTotal:  processRestartsTotal,
		activeSessions:        activeSessions,
	}
}

// IncSessionsStarted increments the sessions started counter.
func (m *Metrics) IncSessionsStarted() {
	m.sessionsStartedTotal.Inc()
}

// IncSessionsRejected increments the sessions rejected counter.
func (m *Metrics) IncSessionsRejected() {
	m.sessionsRejectedTotal.Inc()
}

// IncSessionsClosed increments the sessions closed counter.
func (m *Metrics) IncSessionsClosed() {
	m.sessionsClosedTotal.Inc()
}

// IncBitrateChanges increments the bitrate changes counter.
func (m *Metrics) IncBitrateChanges() {
	m.bitrateChangesTotal.Inc()
}

// IncProcessRestarts increments the process restarts counter.
func (m *Metrics) IncProcessRestarts() {
	m.processRestartsTotal.Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
