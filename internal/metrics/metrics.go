// Package metrics provides Prometheus metrics for shipproxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "shipproxy"

// Error reasons recorded on the requests_failed_total counter.
const (
	ReasonDialFailed     = "dial_failed"
	ReasonLinkDown       = "link_down"
	ReasonTimeout        = "timeout"
	ReasonBadEnvelope    = "bad_envelope"
	ReasonOutboundFailed = "outbound_failed"
	ReasonClientGone     = "client_gone"
)

// Sides label which process recorded a sample.
const (
	SideAgent = "agent"
	SideRelay = "relay"
)

// Metrics holds all Prometheus metrics for shipproxy. All methods are
// safe to call on a nil receiver, which disables recording.
type Metrics struct {
	Registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestsFailed  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	queueWait       prometheus.Histogram
	queueDepth      prometheus.Gauge
	linkUp          prometheus.Gauge
	linkBytes       *prometheus.CounterVec
	reconnectsTotal prometheus.Counter
	tunnelSessions  *prometheus.CounterVec
	rejectedConns   prometheus.Counter
}

// New creates a new Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total proxied requests that reached a terminal state.",
		}, []string{"side", "outcome"}),

		requestsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_failed_total",
			Help:      "Total requests answered with a synthetic error, by reason.",
		}, []string{"side", "reason"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from dispatch to terminal state, in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		}, []string{"side"}),

		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_seconds",
			Help:      "Time a request spent queued before its dispatch began.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of requests waiting in the sequential queue.",
		}),

		linkUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "link_connected",
			Help:      "Whether the managed relay link is connected (1) or not (0).",
		}),

		linkBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_bytes_total",
			Help:      "Total bytes carried on the managed relay link.",
		}, []string{"direction"}),

		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_reconnects_total",
			Help:      "Total reconnect attempts on the managed relay link.",
		}),

		tunnelSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_sessions_total",
			Help:      "Total CONNECT tunnel sessions, by mode.",
		}, []string{"mode"}),

		rejectedConns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_connections_total",
			Help:      "Inbound relay connections refused while one was active.",
		}),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestsFailed,
		m.requestDuration,
		m.queueWait,
		m.queueDepth,
		m.linkUp,
		m.linkBytes,
		m.reconnectsTotal,
		m.tunnelSessions,
		m.rejectedConns,
	)

	return m
}

// RequestDone records a request reaching a terminal state.
func (m *Metrics) RequestDone(side, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(side, outcome).Inc()
	m.requestDuration.WithLabelValues(side).Observe(seconds)
}

// RequestFailed records a request answered with a synthetic error.
func (m *Metrics) RequestFailed(side, reason string) {
	if m == nil {
		return
	}
	m.requestsFailed.WithLabelValues(side, reason).Inc()
}

// ObserveQueueWait records how long a request sat in the queue before
// the dispatcher picked it up.
func (m *Metrics) ObserveQueueWait(seconds float64) {
	if m == nil {
		return
	}
	m.queueWait.Observe(seconds)
}

// SetQueueDepth sets the sequential queue depth gauge.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// SetLinkConnected sets the managed link gauge.
func (m *Metrics) SetLinkConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.linkUp.Set(1)
	} else {
		m.linkUp.Set(0)
	}
}

// AddLinkBytes records bytes carried on the managed link.
// direction is "sent" or "received".
func (m *Metrics) AddLinkBytes(direction string, n int64) {
	if m == nil {
		return
	}
	m.linkBytes.WithLabelValues(direction).Add(float64(n))
}

// IncrReconnects counts one reconnect attempt on the managed link.
func (m *Metrics) IncrReconnects() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}

// TunnelSession counts one CONNECT tunnel session. mode is "relay" or
// "direct".
func (m *Metrics) TunnelSession(mode string) {
	if m == nil {
		return
	}
	m.tunnelSessions.WithLabelValues(mode).Inc()
}

// IncrRejectedConns counts an inbound relay connection refused because
// one was already active.
func (m *Metrics) IncrRejectedConns() {
	if m == nil {
		return
	}
	m.rejectedConns.Inc()
}
