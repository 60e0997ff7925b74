// Package metrics exposes process-level Prometheus collectors for sessions,
// relayed bytes, upstream transport and sink health.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mpsocks"

type Metrics struct {
	sessions        *prometheus.CounterVec
	active          prometheus.Gauge
	bytes           *prometheus.CounterVec
	sinkErrors      *prometheus.CounterVec
	upstreams       *prometheus.CounterVec
	sessionDuration prometheus.Histogram
	connectDuration prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Sessions finished, by final status.",
		}, []string{"status"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions accepted and not yet finished.",
		}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes relayed, by direction relative to the upstream.",
		}, []string{"direction"}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Failed session sink calls, by operation.",
		}, []string{"op"}),
		upstreams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_connections_total",
			Help:      "Upstream connections opened, by transport actually negotiated.",
		}, []string{"transport"}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Time from accept to finalize.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		connectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_duration_seconds",
			Help:      "Time to open the upstream connection, including retries.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.sessions,
		m.active,
		m.bytes,
		m.sinkErrors,
		m.upstreams,
		m.sessionDuration,
		m.connectDuration,
	)
	return m
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.active.Inc()
}

// SessionFinished records a session's final status and totals.
func (m *Metrics) SessionFinished(status string, sent, received int64, d time.Duration) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.sessions.WithLabelValues(status).Inc()
	m.bytes.WithLabelValues("sent").Add(float64(sent))
	m.bytes.WithLabelValues("received").Add(float64(received))
	m.sessionDuration.Observe(d.Seconds())
}

func (m *Metrics) SinkError(op string) {
	if m == nil {
		return
	}
	m.sinkErrors.WithLabelValues(op).Inc()
}

// UpstreamConnected records how long connecting took and whether the
// connection ended up multipath.
func (m *Metrics) UpstreamConnected(multipath bool, d time.Duration) {
	if m == nil {
		return
	}
	transport := "tcp"
	if multipath {
		transport = "mptcp"
	}
	m.upstreams.WithLabelValues(transport).Inc()
	m.connectDuration.Observe(d.Seconds())
}
