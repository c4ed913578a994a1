package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatheredNames(t *testing.T, registry *prometheus.Registry) map[string]bool {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestNamespace(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetricsWithRegisterer("", registry)
	m.SessionEstablished()
	assert.True(t, gatheredNames(t, registry)["minilan_sessions_established_total"])

	registry = prometheus.NewRegistry()
	m = NewMetricsWithRegisterer("vpn", registry)
	m.SessionEstablished()
	assert.True(t, gatheredNames(t, registry)["vpn_sessions_established_total"])
}

func TestNilRegisterer(t *testing.T) {
	m := NewMetricsWithRegisterer("test", nil)
	m.Peers(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.peers))
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	registry := prometheus.NewRegistry()
	NewMetricsWithRegisterer("test", registry)
	assert.Panics(t, func() { NewMetricsWithRegisterer("test", registry) })
}

func TestMessageMetrics(t *testing.T) {
	m := NewMetricsWithRegisterer("test", prometheus.NewRegistry())

	m.MessageReceived("hello_request")
	m.MessageReceived("hello_request")
	m.MessageReceived("data")
	m.MessageRejected("session_request", "replayed_session")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.messagesReceived.WithLabelValues("hello_request")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.messagesReceived.WithLabelValues("data")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.messagesRejected.WithLabelValues("session_request", "replayed_session")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.messagesRejected.WithLabelValues("session", "malformed")))
}

func TestSessionMetrics(t *testing.T) {
	m := NewMetricsWithRegisterer("test", prometheus.NewRegistry())

	m.HandshakeResult("success")
	m.HandshakeResult("restart")
	m.HandshakeDuration(0.2)
	m.SessionEstablished()
	m.SessionEstablished()
	m.SessionLost()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.handshakeResults.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.handshakeResults.WithLabelValues("restart")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.sessionsEstablished))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sessionsLost))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sessionsActive))
	assert.Equal(t, 1, testutil.CollectAndCount(m.handshakeDuration))
}

func TestDataAndPeerMetrics(t *testing.T) {
	m := NewMetricsWithRegisterer("test", prometheus.NewRegistry())

	m.DataSent(100)
	m.DataSent(20)
	m.DataReceived(7)
	m.PeersPurged(2)
	m.PeersPurged(1)
	m.Peers(5)
	m.Peers(4)

	assert.Equal(t, float64(120), testutil.ToFloat64(m.dataBytes.WithLabelValues("sent")))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.dataBytes.WithLabelValues("received")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.peersPurged))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.peers))
}
