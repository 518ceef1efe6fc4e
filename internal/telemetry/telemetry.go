// Package telemetry holds the panel's Prometheus collectors.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pifleet/panel/internal/scanner"
)

const namespace = "panel"

// Metrics records scans, probe outcomes, terminal sessions and HTTP traffic
// on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	scansTotal       *prometheus.CounterVec
	probeResults     *prometheus.CounterVec
	scanDuration     *prometheus.HistogramVec
	scansRunning     prometheus.Gauge
	terminalSessions prometheus.Gauge
	httpRequests     *prometheus.CounterVec
}

// New builds the collectors and registers them, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		scansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Total discovery scans started, by probe method.",
		}, []string{"method"}),
		probeResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_results_total",
			Help:      "Probe results emitted, by method and status.",
		}, []string{"method", "status"}),
		scanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Wall time of finished scans.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"method", "state"}),
		scansRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scans_running",
			Help:      "Scans currently streaming.",
		}),
		terminalSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "terminal",
			Name:      "sessions_active",
			Help:      "Open interactive SSH relays.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served, by method and status code.",
		}, []string{"method", "status"}),
	}

	m.registry.MustRegister(
		m.scansTotal,
		m.probeResults,
		m.scanDuration,
		m.scansRunning,
		m.terminalSessions,
		m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ScanStarted(method scanner.Method) {
	m.scansTotal.WithLabelValues(string(method)).Inc()
	m.scansRunning.Inc()
}

func (m *Metrics) ResultRecorded(method scanner.Method, status scanner.Status) {
	m.probeResults.WithLabelValues(string(method), string(status)).Inc()
}

func (m *Metrics) ScanFinished(method scanner.Method, state scanner.State, elapsed time.Duration) {
	m.scansRunning.Dec()
	m.scanDuration.WithLabelValues(string(method), string(state)).Observe(elapsed.Seconds())
}

// SessionOpened marks a terminal relay as started.
func (m *Metrics) SessionOpened() { m.terminalSessions.Inc() }

// SessionClosed marks a terminal relay as finished.
func (m *Metrics) SessionClosed() { m.terminalSessions.Dec() }

// HTTPRequest counts one served request.
func (m *Metrics) HTTPRequest(method string, status int) {
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

var _ scanner.Recorder = (*Metrics)(nil)
