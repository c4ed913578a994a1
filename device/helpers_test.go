package device

import (
	"crypto/x509"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/drio/minilan/identity"
)

// datagram is one write recorded by fakeUDP.
type datagram struct {
	data []byte
	to   netip.AddrPort
}

// fakeUDP records writes; tests move them between devices by hand.
type fakeUDP struct {
	mu     sync.Mutex
	sent   []datagram
	closed bool
}

func (f *fakeUDP) ReadFromUDPAddrPort([]byte) (int, netip.AddrPort, error) {
	return 0, netip.AddrPort{}, net.ErrClosed
}

func (f *fakeUDP) WriteToUDPAddrPort(b []byte, ep netip.AddrPort) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, net.ErrClosed
	}
	f.sent = append(f.sent, datagram{data: append([]byte(nil), b...), to: ep})
	return len(b), nil
}

func (f *fakeUDP) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// take drains the recorded writes.
func (f *fakeUDP) take() []datagram {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.sent
	f.sent = nil
	return out
}

// fakeTUN records packets injected by the device.
type fakeTUN struct {
	mu      sync.Mutex
	written [][]byte
}

func (f *fakeTUN) Read([]byte) (int, error) { return 0, net.ErrClosed }

func (f *fakeTUN) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), b...))
	return len(b), nil
}

func (f *fakeTUN) Close() error { return nil }

func (f *fakeTUN) packets() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written
}

// testClock is a settable clock shared by the devices of a test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// testNode is a device wired to fakes.
type testNode struct {
	dev *Device
	udp *fakeUDP
	tun *fakeTUN
	id  *identity.Identity
	ep  netip.AddrPort

	mu          sync.Mutex
	established []netip.AddrPort
	lost        []netip.AddrPort
}

func (n *testNode) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.established), len(n.lost)
}

func newTestIdentity(t *testing.T, name string) *identity.Identity {
	t.Helper()
	id, err := identity.Generate(name, 24*time.Hour)
	if err != nil {
		t.Fatalf("failed to generate identity %s: %v", name, err)
	}
	return id
}

// newTestNode builds a device at ep. peers are greeted on Contact.
func newTestNode(t *testing.T, clock *testClock, ep string, peers []string, tweak func(*Config)) *testNode {
	t.Helper()
	n := &testNode{
		udp: &fakeUDP{},
		tun: &fakeTUN{},
		id:  newTestIdentity(t, ep),
		ep:  netip.MustParseAddrPort(ep),
	}
	cfg := Config{
		Identity: n.id,
		Now:      clock.Now,
		OnSessionEstablished: func(ep netip.AddrPort) {
			n.mu.Lock()
			defer n.mu.Unlock()
			n.established = append(n.established, ep)
		},
		OnSessionLost: func(ep netip.AddrPort) {
			n.mu.Lock()
			defer n.mu.Unlock()
			n.lost = append(n.lost, ep)
		},
	}
	for _, p := range peers {
		cfg.Peers = append(cfg.Peers, netip.MustParseAddrPort(p))
	}
	if tweak != nil {
		tweak(&cfg)
	}
	dev, err := New(n.tun, n.udp, cfg)
	if err != nil {
		t.Fatalf("failed to create device: %v", err)
	}
	n.dev = dev
	return n
}

// pump delivers datagrams between nodes until the network is quiet. drop
// may discard individual datagrams. It returns the number delivered.
func pump(t *testing.T, drop func(from, to netip.AddrPort, data []byte) bool, nodes ...*testNode) int {
	t.Helper()
	byEP := make(map[netip.AddrPort]*testNode)
	for _, n := range nodes {
		byEP[n.ep] = n
	}
	delivered := 0
	for round := 0; round < 100; round++ {
		moved := false
		for _, n := range nodes {
			for _, dg := range n.udp.take() {
				moved = true
				dst, ok := byEP[dg.to]
				if !ok || (drop != nil && drop(n.ep, dg.to, dg.data)) {
					continue
				}
				dst.dev.HandlePacket(n.ep, dg.data)
				delivered++
			}
		}
		if !moved {
			return delivered
		}
	}
	t.Fatalf("network did not settle")
	return delivered
}

// establishPair runs a full handshake from a to b.
func establishPair(t *testing.T, clock *testClock) (*testNode, *testNode) {
	t.Helper()
	a := newTestNode(t, clock, "10.0.0.1:5000", []string{"10.0.0.2:5000"}, nil)
	b := newTestNode(t, clock, "10.0.0.2:5000", nil, nil)

	a.dev.Contact(clock.Now())
	pump(t, nil, a, b)

	requireEstablished(t, a, b.ep)
	requireEstablished(t, b, a.ep)
	return a, b
}

func requireEstablished(t *testing.T, n *testNode, ep netip.AddrPort) *Peer {
	t.Helper()
	p := n.dev.Peer(ep)
	if p == nil {
		t.Fatalf("%v has no context for %v", n.ep, ep)
	}
	if !p.Established() {
		t.Fatalf("%v: peer %v is %v, want Established", n.ep, ep, p.Phase())
	}
	return p
}

// presentationFrom builds the PRESENTATION datagram of id.
func presentationFrom(t *testing.T, id *identity.Identity) []byte {
	t.Helper()
	msg := PresentationMessage{Certificate: id.Certificate().Raw}
	buf, err := msg.Marshal()
	if err != nil {
		t.Fatalf("failed to marshal presentation: %v", err)
	}
	return buf
}

// sessionFrom seals plain for to, signs it as from and frames it.
func sessionFrom(t *testing.T, from *identity.Identity, to *x509.Certificate, msgType uint8, plain []byte) []byte {
	t.Helper()
	sealed, err := from.Seal(to, plain)
	if err != nil {
		t.Fatalf("failed to seal: %v", err)
	}
	env := SessionEnvelope{Type: msgType, Sealed: sealed}
	env.Signature, err = from.Sign(env.signedBytes())
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	buf, err := env.Marshal()
	if err != nil {
		t.Fatalf("failed to marshal envelope: %v", err)
	}
	return buf
}
