package msgnet

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors updated by servers, clients and
// their connections. A nil *Metrics is valid and records nothing.
type Metrics struct {
	accepted          prometheus.Counter
	denied            prometheus.Counter
	validated         prometheus.Counter
	handshakeFailures prometheus.Counter
	activeConns       prometheus.Gauge

	messagesReceived *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec
	bytesReceived    *prometheus.CounterVec
	bytesSent        *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
}

// NewMetrics creates the collectors under namespace and registers them with
// reg. A nil reg uses prometheus.DefaultRegisterer. Registering twice with the
// same registry panics, as with any promauto collector.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "msgnet"
	}
	factory := promauto.With(reg)

	return &Metrics{
		accepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total number of inbound connections accepted by the listener",
		}),
		denied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_denied_total",
			Help:      "Total number of inbound connections vetoed by OnClientConnect",
		}),
		validated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_validated_total",
			Help:      "Total number of connections that completed the handshake",
		}),
		handshakeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Total number of handshakes rejected or aborted",
		}),
		activeConns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of connections currently held by a server",
		}),
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of messages received",
		}, []string{"role"}),
		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of messages written to the socket",
		}, []string{"role"}),
		bytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "received_bytes_total",
			Help:      "Total number of message bytes received, headers included",
		}, []string{"role"}),
		bytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sent_bytes_total",
			Help:      "Total number of message bytes sent, headers included",
		}, []string{"role"}),
		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Total number of received messages dropped by the rate limiter",
		}, []string{"role"}),
	}
}

func (m *Metrics) connAccepted() {
	if m != nil {
		m.accepted.Inc()
	}
}

func (m *Metrics) connDenied() {
	if m != nil {
		m.denied.Inc()
	}
}

func (m *Metrics) connValidated() {
	if m != nil {
		m.validated.Inc()
	}
}

func (m *Metrics) handshakeFailed() {
	if m != nil {
		m.handshakeFailures.Inc()
	}
}

func (m *Metrics) setActive(n int) {
	if m != nil {
		m.activeConns.Set(float64(n))
	}
}

func (m *Metrics) received(role Role, bytes int) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(role.String()).Inc()
	m.bytesReceived.WithLabelValues(role.String()).Add(float64(bytes))
}

func (m *Metrics) sent(role Role, bytes int) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(role.String()).Inc()
	m.bytesSent.WithLabelValues(role.String()).Add(float64(bytes))
}

func (m *Metrics) dropped(role Role) {
	if m != nil {
		m.messagesDropped.WithLabelValues(role.String()).Inc()
	}
}
