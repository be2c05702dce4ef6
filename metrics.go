package cerver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultMetricsNamespace is used when ServerOption.MetricsNamespace is empty.
const DefaultMetricsNamespace = "cerver"

// metrics holds the counters of one server.
// A nil registerer creates unregistered collectors, which still count.
type metrics struct {
	packetsReceived   *prometheus.CounterVec
	packetsSent       prometheus.Counter
	bytesReceived     prometheus.Counter
	bytesSent         prometheus.Counter
	badPackets        prometheus.Counter
	protocolErrors    prometheus.Counter
	lostConnections   prometheus.Counter
	handlerPanics     prometheus.Counter
	authSuccess       prometheus.Counter
	authFailures      prometheus.Counter
	onHoldDiscarded   prometheus.Counter
	onHoldDropped     *prometheus.CounterVec
	activeConnections prometheus.Gauge
	onHoldConnections prometheus.Gauge
	registeredClients prometheus.Gauge
	queuedJobs        prometheus.Gauge
	rejectedJobs      prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, namespace string) *metrics {
	if namespace == "" {
		namespace = DefaultMetricsNamespace
	}
	factory := promauto.With(reg)
	return &metrics{
		packetsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Total number of reassembled packets by packet type",
		}, []string{"type"}),
		packetsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Total number of packets written to connections",
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "received_bytes_total",
			Help:      "Total number of bytes read from connections",
		}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sent_bytes_total",
			Help:      "Total number of bytes written to connections",
		}),
		badPackets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bad_packets_total",
			Help:      "Total number of packets without a matching route",
		}),
		protocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Total number of packets dropped for an incompatible protocol tag",
		}),
		lostConnections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lost_connections_total",
			Help:      "Total number of connections dropped for a malformed packet size",
		}),
		handlerPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Total number of recovered handler panics",
		}),
		authSuccess: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "success_total",
			Help:      "Total number of successful authentications",
		}),
		authFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "failures_total",
			Help:      "Total number of rejected authentication attempts",
		}),
		onHoldDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "on_hold",
			Name:      "discarded_packets_total",
			Help:      "Total number of non auth packets discarded from on hold connections",
		}),
		onHoldDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "on_hold",
			Name:      "dropped_total",
			Help:      "Total number of on hold connections dropped by reason",
		}, []string{"reason"}),
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of registered connections",
		}),
		onHoldConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "on_hold",
			Name:      "connections",
			Help:      "Number of connections waiting for authentication",
		}),
		registeredClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients",
			Help:      "Number of registered clients",
		}),
		queuedJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "queued_jobs",
			Help:      "Number of jobs waiting in the worker pool",
		}),
		rejectedJobs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "rejected_jobs_total",
			Help:      "Total number of jobs rejected by the worker pool",
		}),
	}
}

// Drop reasons of on hold connections.
const (
	dropReasonAuthTries  = "auth_tries"
	dropReasonBadPackets = "bad_packets"
	dropReasonTimeout    = "timeout"
	dropReasonNoAuth     = "no_authenticator"
	dropReasonLost       = "lost"
	dropReasonInternal   = "internal"
)
