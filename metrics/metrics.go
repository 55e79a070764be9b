// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Buckets for dispatch latency. Tunneled exchanges are slower than direct
// proxying, so the tail reaches into minutes.
var defaultBuckets = []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300}

// Metrics holds all Prometheus metric collectors for the gateway.
type Metrics struct {
	Registry *prometheus.Registry

	DispatchesTotal  *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	ConnectedPeers   prometheus.Gauge
	FramesDropped    prometheus.Counter
	RecordsDropped   prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors
// registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		DispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "burrow_dispatches_total",
			Help: "Total forwarded dispatches by response mode and terminal outcome.",
		}, []string{"mode", "outcome"}),

		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "burrow_dispatch_duration_seconds",
			Help:    "Dispatch latency from inbound request to terminal state.",
			Buckets: defaultBuckets,
		}, []string{"mode"}),

		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "burrow_connected_peers",
			Help: "Number of peers currently bound in the registry.",
		}),

		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "burrow_frames_dropped_total",
			Help: "Control-channel frames dropped (malformed, unknown type, or unmatched request id).",
		}),

		RecordsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "burrow_request_log_records_dropped_total",
			Help: "Request log entries dropped because the recorder queue was full.",
		}),
	}

	reg.MustRegister(
		m.DispatchesTotal,
		m.DispatchDuration,
		m.ConnectedPeers,
		m.FramesDropped,
		m.RecordsDropped,
	)

	return m
}

// The helpers below are nil-safe so components can carry an optional *Metrics.

// ObserveDispatch records a finished dispatch.
func (m *Metrics) ObserveDispatch(mode, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.DispatchesTotal.WithLabelValues(mode, outcome).Inc()
	m.DispatchDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

// PeerConnected increments the connected peers gauge.
func (m *Metrics) PeerConnected() {
	if m == nil {
		return
	}
	m.ConnectedPeers.Inc()
}

// PeerDisconnected decrements the connected peers gauge.
func (m *Metrics) PeerDisconnected() {
	if m == nil {
		return
	}
	m.ConnectedPeers.Dec()
}

// FrameDropped counts one dropped control-channel frame.
func (m *Metrics) FrameDropped() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

// RecordDropped counts one request log entry lost to queue pressure.
func (m *Metrics) RecordDropped() {
	if m == nil {
		return
	}
	m.RecordsDropped.Inc()
}
