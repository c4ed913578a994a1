// peer.go
//
// Per-endpoint negotiation state and the registry that owns it.
//
// Every change to a peer's phase or key material goes through
// Peer.transition, which checks the event against the current phase and keeps
// the invariant: PhaseEstablished <=> local and remote material and the
// remote certificate are all present.
//
// Locking: the registry mutex only guards the map. Each peer has its own
// mutex that serializes its transitions. The registry lock may be taken
// before a peer lock, never the other way around.

package device

import (
	"crypto/x509"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/replay"

	"github.com/drio/minilan/session"
)

// Phase is the handshake phase of one peer.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseHelloSent
	PhasePresented
	PhaseSessionRequested
	PhaseEstablished
)

// String returns a human-readable name for the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseHelloSent:
		return "HelloSent"
	case PhasePresented:
		return "Presented"
	case PhaseSessionRequested:
		return "SessionRequested"
	case PhaseEstablished:
		return "Established"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Peer is the session context of one remote endpoint.
type Peer struct {
	mu       sync.Mutex
	endpoint netip.AddrPort
	phase    Phase

	// Negotiation bookkeeping
	cookie        uint32
	helloSent     time.Time
	helloRTT      time.Duration
	initiator     bool // we started from HELLO and presented first
	attempts      int
	started       time.Time
	lastHandshake []byte // resent by Contact while negotiating
	lastReply     []byte // SESSION reply, resent for retransmitted requests

	certificate    *x509.Certificate
	local          *session.Material
	remote         *session.Material
	previousRemote *session.Material // accepted during rekey overlap
	pendingLocal   *session.Material // our outstanding rekey request

	// unconfirmedLocal is the material we answered a renewal with. We keep
	// sending with local until the peer shows it has the reply.
	unconfirmedLocal *session.Material

	// Session number watermarks survive loss so late replies stay rejected.
	hasLocalNumber  bool
	localNumber     uint32
	hasRemoteNumber bool
	remoteNumber    uint32

	sendSequence   uint64
	replay         replay.Filter
	previousReplay replay.Filter

	created      time.Time
	lastContact  time.Time
	lastReceived time.Time
	lastSent     time.Time
}

func newPeer(ep netip.AddrPort, now time.Time) *Peer {
	return &Peer{
		endpoint:    ep,
		phase:       PhaseIdle,
		created:     now,
		lastContact: now,
	}
}

type eventKind int

const (
	eventContact eventKind = iota
	eventHelloResponse
	eventPresentation
	eventSessionRequested
	eventSessionEstablished
	eventRekeyRequested
	eventRekeyed
	eventReject
	eventLoss
)

func (k eventKind) String() string {
	switch k {
	case eventContact:
		return "contact"
	case eventHelloResponse:
		return "hello_response"
	case eventPresentation:
		return "presentation"
	case eventSessionRequested:
		return "session_requested"
	case eventSessionEstablished:
		return "session_established"
	case eventRekeyRequested:
		return "rekey_requested"
	case eventRekeyed:
		return "rekeyed"
	case eventReject:
		return "reject"
	case eventLoss:
		return "loss"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

type event struct {
	kind        eventKind
	now         time.Time
	cookie      uint32
	certificate *x509.Certificate
	local       *session.Material
	remote      *session.Material
}

// edge is a lifecycle change produced by a transition.
type edge int

const (
	edgeNone edge = iota
	edgeEstablished
	edgeLost
)

// transition applies ev. The caller holds p.mu.
func (p *Peer) transition(ev event) (edge, error) {
	switch ev.kind {
	case eventContact:
		if p.phase != PhaseIdle {
			return edgeNone, p.unexpected(ev)
		}
		p.phase = PhaseHelloSent
		p.cookie = ev.cookie
		p.helloSent = ev.now
		p.initiator = true
		p.attempts = 0
		p.started = ev.now
		return edgeNone, nil

	case eventHelloResponse:
		if p.phase != PhaseHelloSent {
			return edgeNone, p.unexpected(ev)
		}
		p.helloRTT = ev.now.Sub(p.helloSent)
		p.phase = PhasePresented
		return edgeNone, nil

	case eventPresentation:
		switch p.phase {
		case PhaseIdle, PhaseHelloSent:
			// We answer with our own presentation and let the peer request
			// the session.
			if p.phase == PhaseIdle {
				p.started = ev.now
			}
			p.initiator = false
			p.phase = PhasePresented
		case PhasePresented:
		default:
			return edgeNone, p.unexpected(ev)
		}
		p.certificate = ev.certificate
		return edgeNone, nil

	case eventSessionRequested:
		if p.phase != PhasePresented || p.certificate == nil || ev.local == nil {
			return edgeNone, p.unexpected(ev)
		}
		p.setLocal(ev.local)
		p.phase = PhaseSessionRequested
		return edgeNone, nil

	case eventSessionEstablished:
		if p.phase != PhasePresented && p.phase != PhaseSessionRequested {
			return edgeNone, p.unexpected(ev)
		}
		if p.certificate == nil || ev.remote == nil {
			return edgeNone, p.unexpected(ev)
		}
		if ev.local != nil {
			p.setLocal(ev.local)
		}
		if p.local == nil {
			return edgeNone, p.unexpected(ev)
		}
		p.setRemote(ev.remote)
		p.phase = PhaseEstablished
		p.attempts = 0
		p.lastHandshake = nil
		return edgeEstablished, nil

	case eventRekeyRequested:
		if p.phase != PhaseEstablished || ev.local == nil {
			return edgeNone, p.unexpected(ev)
		}
		p.pendingLocal = ev.local
		p.hasLocalNumber = true
		p.localNumber = ev.local.Number
		return edgeNone, nil

	case eventRekeyed:
		if p.phase != PhaseEstablished || ev.remote == nil {
			return edgeNone, p.unexpected(ev)
		}
		// ev.local is set when we answered the peer's request; otherwise
		// the peer answered ours.
		responder := ev.local != nil
		local := ev.local
		if local == nil {
			local = p.pendingLocal
		}
		if local == nil {
			return edgeNone, p.unexpected(ev)
		}
		if p.previousRemote != nil {
			p.previousRemote.Wipe()
		}
		p.previousRemote = p.remote
		p.previousReplay = p.replay
		p.setRemote(ev.remote)
		if responder {
			if p.unconfirmedLocal != nil && p.unconfirmedLocal != local {
				p.unconfirmedLocal.Wipe()
			}
			p.unconfirmedLocal = local
			p.hasLocalNumber = true
			p.localNumber = local.Number
		} else {
			if p.unconfirmedLocal != nil {
				p.unconfirmedLocal.Wipe()
				p.unconfirmedLocal = nil
			}
			if local != p.local {
				p.setLocal(local)
			}
		}
		p.pendingLocal = nil
		return edgeNone, nil

	case eventReject:
		if p.phase == PhaseEstablished {
			return edgeNone, nil
		}
		p.reset()
		return edgeNone, nil

	case eventLoss:
		if p.phase != PhaseEstablished {
			return edgeNone, nil
		}
		p.reset()
		return edgeLost, nil
	}

	return edgeNone, fmt.Errorf("unknown event %v", ev.kind)
}

func (p *Peer) unexpected(ev event) error {
	return fmt.Errorf("%w: %v in %v", ErrUnexpectedMessage, ev.kind, p.phase)
}

func (p *Peer) setLocal(m *session.Material) {
	if p.local != nil && p.local != m {
		p.local.Wipe()
	}
	p.local = m
	p.hasLocalNumber = true
	p.localNumber = m.Number
	p.sendSequence = 0
}

func (p *Peer) setRemote(m *session.Material) {
	p.remote = m
	p.hasRemoteNumber = true
	p.remoteNumber = m.Number
	p.replay.Reset()
}

// confirmLocal starts sending with the material of an answered renewal. The
// caller holds p.mu.
func (p *Peer) confirmLocal() bool {
	if p.unconfirmedLocal == nil {
		return false
	}
	p.setLocal(p.unconfirmedLocal)
	p.unconfirmedLocal = nil
	return true
}

// reset returns the peer to Idle and drops all negotiated material. Session
// number watermarks are kept.
func (p *Peer) reset() {
	for _, m := range []*session.Material{p.local, p.remote, p.previousRemote, p.pendingLocal, p.unconfirmedLocal} {
		if m != nil {
			m.Wipe()
		}
	}
	p.phase = PhaseIdle
	p.local = nil
	p.remote = nil
	p.previousRemote = nil
	p.pendingLocal = nil
	p.unconfirmedLocal = nil
	p.certificate = nil
	p.initiator = false
	p.attempts = 0
	p.lastHandshake = nil
	p.lastReply = nil
	p.sendSequence = 0
}

// established checks the full invariant. The caller holds p.mu.
func (p *Peer) established() bool {
	return p.phase == PhaseEstablished && p.local != nil && p.remote != nil && p.certificate != nil
}

// nextLocalNumber returns the session number for a new local session.
func (p *Peer) nextLocalNumber(now time.Time) uint32 {
	return session.NextNumber(p.localNumber, p.hasLocalNumber, now)
}

// Endpoint returns the peer's transport address.
func (p *Peer) Endpoint() netip.AddrPort {
	return p.endpoint
}

// Phase returns the current phase.
func (p *Peer) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// Established reports whether data may flow for this peer.
func (p *Peer) Established() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.established()
}

// HelloRTT returns the round-trip time of the last answered hello.
func (p *Peer) HelloRTT() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.helloRTT
}

// Certificate returns the verified remote certificate, if any.
func (p *Peer) Certificate() *x509.Certificate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.certificate
}

// LocalSession returns the session number we send with.
func (p *Peer) LocalSession() (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.local == nil {
		return 0, false
	}
	return p.local.Number, true
}

// RemoteSession returns the session number the peer sends with.
func (p *Peer) RemoteSession() (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return 0, false
	}
	return p.remote.Number, true
}

// LastContact returns when the peer was last heard from.
func (p *Peer) LastContact() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastContact
}

// Registry maps endpoints to peer contexts.
type Registry struct {
	mu    sync.Mutex
	peers map[netip.AddrPort]*Peer
	max   int
}

// NewRegistry returns an empty registry holding at most max peers
// (0 means unbounded).
func NewRegistry(max int) *Registry {
	return &Registry{peers: make(map[netip.AddrPort]*Peer), max: max}
}

// GetOrCreate returns the peer for ep, creating it at Idle if needed.
func (r *Registry) GetOrCreate(ep netip.AddrPort, now time.Time) (*Peer, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.peers[ep]; ok {
		return p, false, nil
	}
	if r.max > 0 && len(r.peers) >= r.max {
		return nil, false, fmt.Errorf("%w: %d peers", ErrTooManyPeers, len(r.peers))
	}
	p := newPeer(ep, now)
	r.peers[ep] = p
	return p, true, nil
}

// Lookup returns the peer for ep or nil.
func (r *Registry) Lookup(ep netip.AddrPort) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers[ep]
}

// Snapshot returns the current peers in no particular order.
func (r *Registry) Snapshot() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// Len returns the number of peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// PurgeStale drops peers that are not established and have not been heard
// from within timeout. Established peers are only removed by a loss.
func (r *Registry) PurgeStale(now time.Time, timeout time.Duration) []netip.AddrPort {
	r.mu.Lock()
	defer r.mu.Unlock()

	var purged []netip.AddrPort
	for ep, p := range r.peers {
		p.mu.Lock()
		stale := p.phase != PhaseEstablished && now.Sub(p.lastContact) > timeout
		p.mu.Unlock()
		if stale {
			delete(r.peers, ep)
			purged = append(purged, ep)
		}
	}
	return purged
}
