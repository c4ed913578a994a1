// handshake.go
//
// Per-peer handshake driven by inbound datagrams.
//
// Exchange (initiator A, responder B):
// 1. A -> B  HELLO_REQUEST(cookie)       B echoes the cookie
// 2. B -> A  HELLO_RESPONSE(cookie)      A records the RTT
// 3. A -> B  PRESENTATION(cert A)        B verifies, answers with its own
// 4. B -> A  PRESENTATION(cert B)        A verifies
// 5. A -> B  SESSION_REQUEST(sealed A)   B opens, stores A's material
// 6. B -> A  SESSION(sealed B)           both sides are established
//
// SESSION_REQUEST and SESSION carry a clear session message sealed for the
// recipient's certificate and signed by the sender over type and ciphertext.
//
// Rejections: a malformed or replayed message is dropped and nothing changes.
// Any other PRESENTATION / SESSION_REQUEST / SESSION rejection regresses a
// negotiating peer to Idle. An established session is never torn down by a
// rejected message; only loss ends it.

package device

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/drio/minilan/conn"
	"github.com/drio/minilan/session"
)

// sessionCapacity bounds the clear session message we build.
const sessionCapacity = 4096

// HandlePacket processes one datagram received from ep. It reports whether
// the message was accepted; rejected messages are logged and counted.
func (d *Device) HandlePacket(ep netip.AddrPort, data []byte) bool {
	ep = conn.Canonical(ep)

	msgType, body, err := parseMessage(data)
	if err != nil {
		d.reject(ep, msgType, err)
		return false
	}
	d.metrics.MessageReceived(messageTypeName(msgType))
	if d.debug {
		d.log.Debug("received message", "peer", ep, "type", messageTypeName(msgType), "bytes", len(data))
	}

	var e edge
	switch msgType {
	case MessageTypeData, MessageTypeKeepAlive, MessageTypeSessionClose:
		p := d.peers.Lookup(ep)
		if p == nil {
			err = fmt.Errorf("%w: unknown peer", ErrNoSession)
			break
		}
		e, err = d.handleFrame(p, msgType, body)

	case MessageTypeHelloRequest, MessageTypeHelloResponse, MessageTypePresentation,
		MessageTypeSessionRequest, MessageTypeSession:
		p, gerr := d.handshakePeer(ep, msgType)
		if gerr != nil {
			err = gerr
			break
		}
		e, err = d.handleHandshake(p, msgType, body)

	default:
		err = fmt.Errorf("%w: type 0x%02x", ErrUnknownMessage, msgType)
	}

	d.fire(ep, e)
	if err != nil {
		d.reject(ep, msgType, err)
		return false
	}
	return true
}

// handshakePeer returns the context for a handshake message from ep. A HELLO
// from an unknown endpoint passes the policy before a context is allocated.
func (d *Device) handshakePeer(ep netip.AddrPort, msgType uint8) (*Peer, error) {
	if msgType == MessageTypeHelloRequest {
		p := d.peers.Lookup(ep)
		if !d.policy.AcceptHello(ep, p == nil) {
			return nil, fmt.Errorf("%w: hello", ErrPolicyRejected)
		}
		if p != nil {
			return p, nil
		}
	}
	p, _, err := d.peers.GetOrCreate(ep, d.now())
	return p, err
}

func (d *Device) handleHandshake(p *Peer, msgType uint8, body []byte) (edge, error) {
	switch msgType {
	case MessageTypeHelloRequest:
		return edgeNone, d.handleHelloRequest(p, body)
	case MessageTypeHelloResponse:
		return edgeNone, d.handleHelloResponse(p, body)
	case MessageTypePresentation:
		return edgeNone, d.handlePresentation(p, body)
	default:
		return d.handleSession(p, msgType, body)
	}
}

// reject logs and counts a dropped message.
func (d *Device) reject(ep netip.AddrPort, msgType uint8, err error) {
	name := messageTypeName(msgType)
	d.metrics.MessageRejected(name, reason(err))
	if errors.Is(err, ErrTooManyPeers) {
		d.log.Warn("dropping message, peer registry full", "peer", ep, "type", name, "err", err)
		return
	}
	d.log.Debug("dropped message", "peer", ep, "type", name, "err", err)
}

// fail applies the rejection rule to p and returns err. The caller holds p.mu.
func (d *Device) fail(p *Peer, err error) error {
	if errors.Is(err, ErrMalformedMessage) || errors.Is(err, ErrReplayedSession) {
		return err
	}
	if p.phase != PhaseIdle && p.phase != PhaseEstablished {
		d.metrics.HandshakeResult("failure")
		d.log.Info("handshake failed", "peer", p.endpoint, "phase", p.phase, "err", err)
	}
	p.transition(event{kind: eventReject, now: d.now()})
	return err
}

// send writes a control message to p.
func (d *Device) send(p *Peer, buf []byte) error {
	if _, err := d.udp.WriteToUDPAddrPort(buf, p.endpoint); err != nil {
		return fmt.Errorf("failed to send to %v: %v", p.endpoint, err)
	}
	return nil
}

// sendAll writes buf and logs instead of failing the inbound message: the
// transition already happened and the contact tick retransmits.
func (d *Device) sendAll(p *Peer, buf []byte) {
	if buf == nil {
		return
	}
	if err := d.send(p, buf); err != nil {
		d.log.Warn("failed to send handshake message", "peer", p.endpoint, "err", err)
	}
}

func (d *Device) handleHelloRequest(p *Peer, body []byte) error {
	var msg HelloMessage
	if err := msg.Unmarshal(MessageTypeHelloRequest, body); err != nil {
		return err
	}

	// Only authenticated traffic keeps an established session alive.
	p.mu.Lock()
	if p.phase != PhaseEstablished {
		p.lastContact = d.now()
	}
	p.mu.Unlock()

	resp := HelloMessage{Type: MessageTypeHelloResponse, Cookie: msg.Cookie}
	buf, err := resp.Marshal()
	if err != nil {
		return err
	}
	return d.send(p, buf)
}

func (d *Device) handleHelloResponse(p *Peer, body []byte) error {
	var msg HelloMessage
	if err := msg.Unmarshal(MessageTypeHelloResponse, body); err != nil {
		return err
	}

	p.mu.Lock()
	if p.phase == PhaseHelloSent && msg.Cookie != p.cookie {
		p.mu.Unlock()
		return fmt.Errorf("%w: hello cookie mismatch", ErrUnexpectedMessage)
	}
	now := d.now()
	if _, err := p.transition(event{kind: eventHelloResponse, now: now, cookie: msg.Cookie}); err != nil {
		p.mu.Unlock()
		return err
	}
	p.lastContact = now
	p.lastHandshake = d.presentation
	p.attempts = 0
	rtt := p.helloRTT
	p.mu.Unlock()

	d.log.Debug("hello answered", "peer", p.endpoint, "rtt", rtt)
	d.sendAll(p, d.presentation)
	return nil
}

func (d *Device) handlePresentation(p *Peer, body []byte) error {
	var msg PresentationMessage
	if err := msg.Unmarshal(body); err != nil {
		return err
	}
	cert, err := x509.ParseCertificate(append([]byte(nil), msg.Certificate...))
	if err != nil {
		return fmt.Errorf("%w: certificate: %v", ErrMalformedMessage, err)
	}
	verifyErr := d.verifier.VerifyCertificate(cert)

	p.mu.Lock()
	reply, err := d.acceptPresentation(p, cert, verifyErr)
	p.mu.Unlock()

	d.sendAll(p, reply)
	return err
}

// acceptPresentation stores a verified certificate and returns the message
// to send back. The caller holds p.mu.
func (d *Device) acceptPresentation(p *Peer, cert *x509.Certificate, verifyErr error) ([]byte, error) {
	if verifyErr != nil {
		return nil, d.fail(p, fmt.Errorf("%w: %v", ErrUntrustedCertificate, verifyErr))
	}
	// A presentation retransmitted while our request is in flight gets the
	// request again.
	if p.phase == PhaseSessionRequested && bytes.Equal(cert.Raw, p.certificate.Raw) {
		return p.lastHandshake, nil
	}
	if !d.policy.AcceptPresentation(p.endpoint, cert, p.certificate == nil) {
		return nil, d.fail(p, fmt.Errorf("%w: presentation", ErrPolicyRejected))
	}
	now := d.now()
	if _, err := p.transition(event{kind: eventPresentation, now: now, certificate: cert}); err != nil {
		return nil, d.fail(p, err)
	}
	p.lastContact = now

	if !p.initiator {
		p.lastHandshake = d.presentation
		p.attempts = 0
		return d.presentation, nil
	}
	buf, err := d.requestSession(p)
	if err != nil {
		return nil, d.fail(p, err)
	}
	return buf, nil
}

// requestSession generates local material and builds a SESSION_REQUEST for
// it. The caller holds p.mu.
func (d *Device) requestSession(p *Peer) ([]byte, error) {
	now := d.now()
	local, err := session.Generate(p.nextLocalNumber(now), now)
	if err != nil {
		return nil, err
	}
	buf, err := d.sealSession(p, MessageTypeSessionRequest, local)
	if err != nil {
		local.Wipe()
		return nil, err
	}
	if _, err := p.transition(event{kind: eventSessionRequested, now: now, local: local}); err != nil {
		local.Wipe()
		return nil, err
	}
	p.lastHandshake = buf
	p.attempts = 0
	return buf, nil
}

// sealSession encodes m, seals it for the peer's certificate and signs the
// envelope. The caller holds p.mu.
func (d *Device) sealSession(p *Peer, msgType uint8, m *session.Material) ([]byte, error) {
	if p.certificate == nil {
		return nil, fmt.Errorf("%w: no certificate for %v", ErrUnexpectedMessage, p.endpoint)
	}
	plain, err := m.Encode(sessionCapacity)
	if err != nil {
		return nil, err
	}
	defer wipe(plain)

	sealed, err := d.identity.Seal(p.certificate, plain)
	if err != nil {
		return nil, fmt.Errorf("failed to seal session: %v", err)
	}
	env := SessionEnvelope{Type: msgType, Sealed: sealed}
	env.Signature, err = d.identity.Sign(env.signedBytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign session: %v", err)
	}
	return env.Marshal()
}

func (d *Device) handleSession(p *Peer, msgType uint8, body []byte) (edge, error) {
	var env SessionEnvelope
	if err := env.Unmarshal(msgType, body); err != nil {
		return edgeNone, err
	}

	p.mu.Lock()
	e, reply, err := d.acceptSession(p, &env)
	p.mu.Unlock()

	d.sendAll(p, reply)
	return e, err
}

// acceptSession runs the checks on a SESSION_REQUEST or SESSION and applies
// the resulting transition. It returns the message to send back, if any. The
// caller holds p.mu.
func (d *Device) acceptSession(p *Peer, env *SessionEnvelope) (edge, []byte, error) {
	request := env.Type == MessageTypeSessionRequest

	switch {
	case p.certificate == nil:
		return edgeNone, nil, d.fail(p, fmt.Errorf("%w: %s before presentation", ErrUnexpectedMessage, messageTypeName(env.Type)))
	case request && p.phase != PhasePresented && p.phase != PhaseSessionRequested && p.phase != PhaseEstablished:
		return edgeNone, nil, d.fail(p, fmt.Errorf("%w: session request in %v", ErrUnexpectedMessage, p.phase))
	case !request && p.phase != PhaseSessionRequested && p.phase != PhaseEstablished:
		return edgeNone, nil, d.fail(p, fmt.Errorf("%w: session in %v", ErrUnexpectedMessage, p.phase))
	}

	if err := d.identity.Verify(p.certificate, env.signedBytes(), env.Signature); err != nil {
		return edgeNone, nil, d.fail(p, fmt.Errorf("%w: %v", ErrVerifyFailed, err))
	}
	plain, err := d.identity.Open(env.Sealed)
	if err != nil {
		return edgeNone, nil, d.fail(p, fmt.Errorf("%w: %v", ErrOpenFailed, err))
	}
	defer wipe(plain)

	msg, err := session.Parse(plain)
	if err != nil {
		return edgeNone, nil, err
	}
	now := d.now()
	remote := msg.Material(now)
	if err := remote.Validate(); err != nil {
		remote.Wipe()
		return edgeNone, nil, err
	}

	if p.hasRemoteNumber && remote.Number <= p.remoteNumber {
		// Crossed renewal: the peer's reply to our request shows it already
		// holds the material we answered its request with.
		if !request && p.phase == PhaseEstablished && remote.Number == p.remoteNumber && p.confirmLocal() {
			remote.Wipe()
			p.lastContact = now
			return edgeNone, nil, nil
		}
		var resend []byte
		if request && p.phase == PhaseEstablished && remote.Number == p.remoteNumber {
			resend = p.lastReply
		}
		remote.Wipe()
		return edgeNone, resend, fmt.Errorf("%w: session %d, highest accepted %d", ErrReplayedSession, remote.Number, p.remoteNumber)
	}

	if request {
		return d.acceptSessionRequest(p, remote, now)
	}

	// SESSION: the answer to our request, or to our rekey request.
	kind := eventSessionEstablished
	if p.phase == PhaseEstablished {
		if p.pendingLocal == nil {
			remote.Wipe()
			return edgeNone, nil, fmt.Errorf("%w: session without pending rekey", ErrUnexpectedMessage)
		}
		kind = eventRekeyed
	}
	e, err := p.transition(event{kind: kind, now: now, remote: remote})
	if err != nil {
		remote.Wipe()
		return edgeNone, nil, d.fail(p, err)
	}
	p.lastContact = now
	d.handshakeDone(p, kind, now)
	return e, nil, nil
}

// acceptSessionRequest answers a verified, fresh SESSION_REQUEST. The caller
// holds p.mu.
func (d *Device) acceptSessionRequest(p *Peer, remote *session.Material, now time.Time) (edge, []byte, error) {
	if !d.policy.AcceptSessionRequest(p.endpoint, p.remote == nil) {
		remote.Wipe()
		return edgeNone, nil, d.fail(p, fmt.Errorf("%w: session request", ErrPolicyRejected))
	}

	// In a crossed exchange the material we already offered is reused, so
	// both requests and both replies agree.
	var local *session.Material
	fresh := false
	switch p.phase {
	case PhaseSessionRequested:
		local = p.local
	case PhaseEstablished:
		local = p.pendingLocal
	}
	if local == nil {
		var err error
		local, err = session.Generate(p.nextLocalNumber(now), now)
		if err != nil {
			remote.Wipe()
			return edgeNone, nil, d.fail(p, err)
		}
		fresh = true
	}

	reply, err := d.sealSession(p, MessageTypeSession, local)
	if err != nil {
		remote.Wipe()
		if fresh {
			local.Wipe()
		}
		return edgeNone, nil, d.fail(p, err)
	}

	kind := eventSessionEstablished
	if p.phase == PhaseEstablished {
		kind = eventRekeyed
	}
	e, err := p.transition(event{kind: kind, now: now, local: local, remote: remote})
	if err != nil {
		remote.Wipe()
		if fresh {
			local.Wipe()
		}
		return edgeNone, nil, d.fail(p, err)
	}
	p.lastReply = reply
	p.lastContact = now
	d.handshakeDone(p, kind, now)
	return e, reply, nil
}

// handshakeDone records a completed negotiation. The caller holds p.mu.
func (d *Device) handshakeDone(p *Peer, kind eventKind, now time.Time) {
	if kind == eventRekeyed {
		d.metrics.HandshakeResult("rekey")
		d.log.Debug("session renewed", "peer", p.endpoint, "local", p.local.Number, "remote", p.remote.Number)
		return
	}
	d.metrics.HandshakeResult("success")
	if !p.started.IsZero() {
		d.metrics.HandshakeDuration(now.Sub(p.started).Seconds())
	}
}

func wipe(b []byte) {
	clear(b)
}
