package device

import (
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/drio/minilan/conn"
	"github.com/drio/minilan/identity"
	"github.com/drio/minilan/tun"
)

// Sealer holds the local certificate and performs the asymmetric operations
// of the handshake. identity.Identity implements it.
type Sealer interface {
	Certificate() *x509.Certificate
	Seal(peer *x509.Certificate, plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
	Sign(msg []byte) ([]byte, error)
	Verify(peer *x509.Certificate, msg, sig []byte) error
}

// CertificateVerifier decides whether a presented certificate is trusted.
// identity.Verifier implements it.
type CertificateVerifier interface {
	VerifyCertificate(cert *x509.Certificate) error
}

// Config holds configuration for creating a Device
type Config struct {
	Identity Sealer
	Verifier CertificateVerifier // nil accepts any valid self-signed certificate
	Policy   Policy              // nil means AcceptAll

	// Peers are greeted on every contact tick until a session exists.
	Peers []netip.AddrPort

	ContactPeriod        time.Duration
	StaleTimeout         time.Duration // idle time before a non-established peer is purged
	SessionTimeout       time.Duration // silence before an established session is lost
	KeepaliveInterval    time.Duration
	SessionLifetime      time.Duration // negative disables rekeying
	MaxHandshakeAttempts int
	MaxPeers             int

	// Callbacks run on the goroutine that caused the edge, after the peer
	// lock is released. Edges for one endpoint raised on different
	// goroutines (UDP reader, main loop, MarkLost) are not ordered with
	// respect to each other, so a callback that needs the current state
	// should check Peer.Established.
	OnSessionEstablished func(netip.AddrPort)
	OnSessionLost        func(netip.AddrPort)

	Logger  Logger
	Metrics Metrics
	Debug   bool // Enable verbose packet-level logging

	// Now is the clock; tests replace it.
	Now func() time.Time
}

// Device is one VPN endpoint: a registry of peer contexts driven by inbound
// datagrams, tun packets and the contact tick.
type Device struct {
	cfg      Config
	identity Sealer
	verifier CertificateVerifier
	policy   Policy
	log      Logger
	metrics  Metrics
	now      func() time.Time

	peers      *Registry
	configured []netip.AddrPort
	notifier   notifier

	presentation []byte
	cookieSecret [32]byte

	queueMu       sync.Mutex
	queuedPackets [][]byte // Packets waiting for the first session

	tun tun.TUNDevice
	udp conn.UDPConn

	done      chan struct{}
	closeOnce sync.Once

	debug bool
}

// New creates a Device. tunDev may be nil for a control-plane only device;
// received DATA is then dropped after authentication.
func New(tunDev tun.TUNDevice, udpConn conn.UDPConn, cfg Config) (*Device, error) {
	if cfg.Identity == nil || cfg.Identity.Certificate() == nil {
		return nil, errors.New("device needs an identity with a certificate")
	}
	if udpConn == nil {
		return nil, errors.New("device needs a UDP connection")
	}
	cfg = cfg.withDefaults()

	d := &Device{
		cfg:      cfg,
		identity: cfg.Identity,
		verifier: cfg.Verifier,
		policy:   cfg.Policy,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		peers:    NewRegistry(cfg.MaxPeers),
		tun:      tunDev,
		udp:      udpConn,
		done:     make(chan struct{}),
		debug:    cfg.Debug,
	}
	if d.verifier == nil {
		d.verifier = identity.NewVerifier(nil)
	}
	if d.policy == nil {
		d.policy = AcceptAll{}
	}
	if d.log == nil {
		d.log = NopLogger{}
	}
	if d.metrics == nil {
		d.metrics = NopMetrics{}
	}
	if d.now == nil {
		d.now = time.Now
	}
	d.notifier = notifier{
		onEstablished: cfg.OnSessionEstablished,
		onLost:        cfg.OnSessionLost,
		log:           d.log,
	}

	seen := make(map[netip.AddrPort]bool)
	for _, ep := range cfg.Peers {
		ep = conn.Canonical(ep)
		if !ep.IsValid() || seen[ep] {
			continue
		}
		seen[ep] = true
		d.configured = append(d.configured, ep)
	}

	pres := PresentationMessage{Certificate: cfg.Identity.Certificate().Raw}
	buf, err := pres.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to build presentation: %w", err)
	}
	d.presentation = buf

	if _, err := rand.Read(d.cookieSecret[:]); err != nil {
		return nil, fmt.Errorf("failed to seed cookie secret: %v", err)
	}

	return d, nil
}

// TUN returns the TUN device interface
func (d *Device) TUN() tun.TUNDevice {
	return d.tun
}

// UDP returns the UDP connection interface
func (d *Device) UDP() conn.UDPConn {
	return d.udp
}

// Done returns the done channel for shutdown coordination
func (d *Device) Done() <-chan struct{} {
	return d.done
}

// Peers returns a snapshot of the known peer contexts.
func (d *Device) Peers() []*Peer {
	return d.peers.Snapshot()
}

// Peer returns the context for ep, or nil.
func (d *Device) Peer(ep netip.AddrPort) *Peer {
	return d.peers.Lookup(conn.Canonical(ep))
}

// Close sends SESSION_CLOSE to every established peer, ends those sessions
// and shuts down the tun and UDP endpoints. It is safe to call more than once.
func (d *Device) Close() error {
	var closeErr error
	d.closeOnce.Do(func() {
		for _, p := range d.peers.Snapshot() {
			if err := d.sendClose(p); err != nil && !errors.Is(err, ErrNoSession) {
				d.log.Debug("failed to send session close", "peer", p.endpoint, "err", err)
			}
			p.mu.Lock()
			e, _ := p.transition(event{kind: eventLoss, now: d.now()})
			p.mu.Unlock()
			d.fire(p.endpoint, e)
		}

		close(d.done)
		if d.tun != nil {
			if err := d.tun.Close(); err != nil {
				closeErr = err // Store first error but continue cleanup
			}
		}
		if err := d.udp.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	})
	return closeErr
}

// queuePacket keeps a tun packet until the first session exists. The oldest
// packet is dropped when the queue is full.
func (d *Device) queuePacket(packet []byte) {
	packetCopy := make([]byte, len(packet))
	copy(packetCopy, packet)

	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	if len(d.queuedPackets) >= QueuedPacketBuffer {
		d.queuedPackets = d.queuedPackets[1:]
		d.log.Debug("tun queue full, dropping oldest packet")
	}
	d.queuedPackets = append(d.queuedPackets, packetCopy)
}

// sendQueuedPackets flushes the queue to a newly established peer.
func (d *Device) sendQueuedPackets(ep netip.AddrPort) {
	d.queueMu.Lock()
	queued := d.queuedPackets
	d.queuedPackets = nil
	d.queueMu.Unlock()

	for _, packet := range queued {
		if err := d.Send(ep, packet); err != nil {
			d.log.Warn("failed to send queued packet", "peer", ep, "err", err)
		}
	}
}

func (d *Device) queueLen() int {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	return len(d.queuedPackets)
}
