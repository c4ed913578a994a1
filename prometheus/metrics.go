// Package prometheus provides a Prometheus implementation of device.Metrics.
//
// # Metric Names
//
// All metrics use the configured namespace prefix (default: "minilan").
//
//	minilan_messages_received_total{type="<message>"}
//	minilan_messages_rejected_total{type="<message>",reason="<reason>"}
//	minilan_handshake_results_total{result="success|failure|restart|rekey"}
//	minilan_sessions_established_total
//	minilan_sessions_lost_total
//	minilan_data_bytes_total{direction="sent|received"}
//	minilan_peers_purged_total
//	minilan_handshake_duration_seconds
//	minilan_sessions_active
//	minilan_peers
//
// # Example Usage
//
//	metrics := prommetrics.NewMetrics("")
//	dev, err := device.New(tunDev, udpConn, device.Config{Identity: id, Metrics: metrics})
//	http.Handle("/metrics", promhttp.Handler())
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drio/minilan/device"
)

// DefaultNamespace is the default namespace for all metrics.
const DefaultNamespace = "minilan"

// Metrics implements device.Metrics using Prometheus collectors.
//
// Metrics is safe for concurrent use.
type Metrics struct {
	messagesReceived *prometheus.CounterVec
	messagesRejected *prometheus.CounterVec

	handshakeResults  *prometheus.CounterVec
	handshakeDuration prometheus.Histogram

	sessionsEstablished prometheus.Counter
	sessionsLost        prometheus.Counter
	sessionsActive      prometheus.Gauge

	dataBytes *prometheus.CounterVec

	peersPurged prometheus.Counter
	peers       prometheus.Gauge
}

var _ device.Metrics = (*Metrics)(nil)

// NewMetrics registers the collectors with the default Prometheus registry.
// It panics if they are already registered; use NewMetricsWithRegisterer to
// avoid that.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates the collectors and registers them with
// registerer, unless it is nil. An empty namespace means DefaultNamespace.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	m := &Metrics{
		messagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Total number of inbound messages by type",
			},
			[]string{"type"},
		),
		messagesRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_rejected_total",
				Help:      "Total number of dropped inbound messages by type and reason",
			},
			[]string{"type", "reason"},
		),
		handshakeResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshake_results_total",
				Help:      "Total number of handshake results by outcome",
			},
			[]string{"result"},
		),
		handshakeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handshake_duration_seconds",
				Help:      "Histogram of time from first contact to established session",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		sessionsEstablished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_established_total",
			Help:      "Total number of sessions established",
		}),
		sessionsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_lost_total",
			Help:      "Total number of sessions lost",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of established sessions",
		}),
		dataBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "data_bytes_total",
				Help:      "Total tunnel payload bytes by direction",
			},
			[]string{"direction"},
		),
		peersPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_purged_total",
			Help:      "Total number of stale peer contexts removed",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Number of peer contexts in the registry",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.messagesReceived,
			m.messagesRejected,
			m.handshakeResults,
			m.handshakeDuration,
			m.sessionsEstablished,
			m.sessionsLost,
			m.sessionsActive,
			m.dataBytes,
			m.peersPurged,
			m.peers,
		)
	}

	return m
}

func (m *Metrics) MessageReceived(msgType string) {
	m.messagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) MessageRejected(msgType, reason string) {
	m.messagesRejected.WithLabelValues(msgType, reason).Inc()
}

func (m *Metrics) HandshakeResult(result string) {
	m.handshakeResults.WithLabelValues(result).Inc()
}

func (m *Metrics) HandshakeDuration(seconds float64) {
	m.handshakeDuration.Observe(seconds)
}

func (m *Metrics) SessionEstablished() {
	m.sessionsEstablished.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionLost() {
	m.sessionsLost.Inc()
	m.sessionsActive.Dec()
}

func (m *Metrics) DataSent(bytes int) {
	m.dataBytes.WithLabelValues("sent").Add(float64(bytes))
}

func (m *Metrics) DataReceived(bytes int) {
	m.dataBytes.WithLabelValues("received").Add(float64(bytes))
}

func (m *Metrics) PeersPurged(n int) {
	m.peersPurged.Add(float64(n))
}

func (m *Metrics) Peers(n int) {
	m.peers.Set(float64(n))
}
