package device

// Metrics receives device counters. The prometheus package provides an
// implementation; NopMetrics is the default.
//
// Implementations must be safe for concurrent use.
type Metrics interface {
	// MessageReceived counts an inbound message by type name.
	MessageReceived(msgType string)

	// MessageRejected counts a dropped inbound message by type and reason.
	MessageRejected(msgType, reason string)

	// HandshakeResult counts handshake outcomes (success, failure, restart).
	HandshakeResult(result string)

	// HandshakeDuration records seconds from first contact to establishment.
	HandshakeDuration(seconds float64)

	// SessionEstablished and SessionLost track lifecycle edges.
	SessionEstablished()
	SessionLost()

	// DataSent and DataReceived count tunnel payload bytes.
	DataSent(bytes int)
	DataReceived(bytes int)

	// PeersPurged counts stale contexts removed by PurgeStale.
	PeersPurged(n int)

	// Peers reports the current registry size.
	Peers(n int)
}

// NopMetrics discards all metrics.
type NopMetrics struct{}

var _ Metrics = NopMetrics{}

func (NopMetrics) MessageReceived(string)         {}
func (NopMetrics) MessageRejected(string, string) {}
func (NopMetrics) HandshakeResult(string)         {}
func (NopMetrics) HandshakeDuration(float64)      {}
func (NopMetrics) SessionEstablished()            {}
func (NopMetrics) SessionLost()                   {}
func (NopMetrics) DataSent(int)                   {}
func (NopMetrics) DataReceived(int)               {}
func (NopMetrics) PeersPurged(int)                {}
func (NopMetrics) Peers(int)                      {}
