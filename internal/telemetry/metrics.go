package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "netplay"

// Metrics collects client counters. All methods are safe on a nil
// receiver, so components can be built without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	framesSent        *prometheus.CounterVec
	framesReceived    *prometheus.CounterVec
	decodeFailures    prometheus.Counter
	handshakeFailures *prometheus.CounterVec
	reconnectAttempts prometheus.Counter
	connectionState   prometheus.Gauge
	inboxDepth        prometheus.Gauge
	factsSent         prometheus.Counter
	factsSuppressed   prometheus.Counter
	factsPending      prometheus.Gauge
}

// NewMetrics registers the client metrics on a fresh registry that also
// carries the Go and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return newMetrics(reg)
}

func newMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to the server by message type",
		}, []string{"type"}),

		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames decoded from the server by message type",
		}, []string{"type"}),

		decodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Incoming lines dropped because they did not decode",
		}),

		handshakeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Failed connect attempts by reason",
		}, []string{"reason"}),

		reconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts made by the supervisor",
		}),

		connectionState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "0 disconnected, 1 connecting, 2 handshaking, 3 connected",
		}),

		inboxDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inbox_depth",
			Help:      "Messages waiting for the frame loop",
		}),

		factsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "facts_sent_total",
			Help:      "Fact messages written to the server, resends included",
		}),

		factsSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "facts_suppressed_total",
			Help:      "Fact reports dropped because the fact was already known",
		}),

		factsPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "facts_pending",
			Help:      "Facts not yet confirmed by a server snapshot",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// FrameSent counts one outgoing frame.
func (m *Metrics) FrameSent(msgType string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(msgType).Inc()
}

// FrameReceived counts one decoded incoming frame.
func (m *Metrics) FrameReceived(msgType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(msgType).Inc()
}

// DecodeFailure counts one dropped line.
func (m *Metrics) DecodeFailure() {
	if m == nil {
		return
	}
	m.decodeFailures.Inc()
}

// HandshakeFailure counts one failed connect attempt.
func (m *Metrics) HandshakeFailure(reason string) {
	if m == nil {
		return
	}
	m.handshakeFailures.WithLabelValues(reason).Inc()
}

// ReconnectAttempt counts one supervisor attempt.
func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

// SetConnectionState records the numeric connection state.
func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
}

// SetInboxDepth records the inbox length.
func (m *Metrics) SetInboxDepth(n int) {
	if m == nil {
		return
	}
	m.inboxDepth.Set(float64(n))
}

// FactSent counts one fact written to the wire.
func (m *Metrics) FactSent() {
	if m == nil {
		return
	}
	m.factsSent.Inc()
}

// FactSuppressed counts one duplicate fact report.
func (m *Metrics) FactSuppressed() {
	if m == nil {
		return
	}
	m.factsSuppressed.Inc()
}

// SetFactsPending records how many facts await confirmation.
func (m *Metrics) SetFactsPending(n int) {
	if m == nil {
		return
	}
	m.factsPending.Set(float64(n))
}
