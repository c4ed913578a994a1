// contact.go
//
// Externally driven ticks: greeting configured peers, retransmitting the
// handshake, maintaining established sessions and purging stale contexts.
//
// None of these functions owns a timer. Run calls them from its tickers and
// tests call them with synthetic times.

package device

import (
	"encoding/binary"
	"net/netip"
	"time"

	"golang.org/x/crypto/blake2s"

	"github.com/drio/minilan/session"
)

// Contact greets every configured peer that has no session and maintains
// every established one.
func (d *Device) Contact(now time.Time) {
	for _, ep := range d.configured {
		p, _, err := d.peers.GetOrCreate(ep, now)
		if err != nil {
			d.log.Warn("cannot contact peer", "peer", ep, "err", err)
			d.metrics.MessageRejected(messageTypeName(MessageTypeHelloRequest), reason(err))
			continue
		}

		p.mu.Lock()
		buf := d.contactLocked(p, now)
		p.mu.Unlock()

		d.sendAll(p, buf)
	}

	d.Maintain(now)
}

// contactLocked returns the handshake message to (re)send to a configured
// peer, or nil. The caller holds p.mu.
func (d *Device) contactLocked(p *Peer, now time.Time) []byte {
	switch p.phase {
	case PhaseIdle:
		return d.helloLocked(p, now)

	case PhaseHelloSent, PhasePresented, PhaseSessionRequested:
		p.attempts++
		if p.attempts > d.cfg.MaxHandshakeAttempts {
			d.metrics.HandshakeResult("restart")
			d.log.Info("handshake stalled, restarting", "peer", p.endpoint, "phase", p.phase, "attempts", p.attempts-1)
			p.transition(event{kind: eventReject, now: now})
			return d.helloLocked(p, now)
		}
		if p.phase == PhaseHelloSent {
			p.helloSent = now
		}
		d.log.Debug("retransmitting handshake", "peer", p.endpoint, "phase", p.phase, "attempt", p.attempts)
		return p.lastHandshake
	}
	return nil
}

// helloLocked moves an Idle peer to HelloSent and builds the request. The
// caller holds p.mu.
func (d *Device) helloLocked(p *Peer, now time.Time) []byte {
	cookie := d.newCookie(p.endpoint, now)
	if _, err := p.transition(event{kind: eventContact, now: now, cookie: cookie}); err != nil {
		d.log.Warn("cannot send hello", "peer", p.endpoint, "err", err)
		return nil
	}
	msg := HelloMessage{Type: MessageTypeHelloRequest, Cookie: cookie}
	buf, err := msg.Marshal()
	if err != nil {
		return nil
	}
	p.lastHandshake = buf
	d.log.Debug("sending hello", "peer", p.endpoint)
	return buf
}

// newCookie derives an unpredictable hello cookie from the device secret.
func (d *Device) newCookie(ep netip.AddrPort, now time.Time) uint32 {
	mac, _ := blake2s.New128(d.cookieSecret[:])
	addr, _ := ep.MarshalBinary()
	mac.Write(addr)
	mac.Write(binary.BigEndian.AppendUint64(nil, uint64(now.UnixNano())))
	return binary.BigEndian.Uint32(mac.Sum(nil))
}

// Maintain checks every established session: a silent peer is lost, an old
// local session is renewed and an idle send path gets a keepalive.
func (d *Device) Maintain(now time.Time) {
	for _, p := range d.peers.Snapshot() {
		d.maintain(p, now)
	}
}

func (d *Device) maintain(p *Peer, now time.Time) {
	const (
		actionNone = iota
		actionKeepAlive
		actionSend
	)

	p.mu.Lock()
	if !p.established() {
		p.mu.Unlock()
		return
	}

	e := edgeNone
	action := actionNone
	var buf []byte
	switch {
	case d.cfg.SessionTimeout > 0 && now.Sub(p.lastContact) > d.cfg.SessionTimeout:
		d.log.Info("session timed out", "peer", p.endpoint, "silence", now.Sub(p.lastContact))
		e, _ = p.transition(event{kind: eventLoss, now: now})

	case p.pendingLocal != nil:
		p.attempts++
		if p.attempts > d.cfg.MaxHandshakeAttempts {
			// Give up on this request; the next tick starts a fresh one.
			p.pendingLocal.Wipe()
			p.pendingLocal = nil
			p.attempts = 0
			p.lastHandshake = nil
		} else {
			buf, action = p.lastHandshake, actionSend
		}

	case p.unconfirmedLocal == nil && p.local.IsOld(now, d.cfg.SessionLifetime):
		var err error
		buf, err = d.rekeyLocked(p, now)
		if err != nil {
			d.log.Warn("cannot renew session", "peer", p.endpoint, "err", err)
		} else {
			action = actionSend
		}

	case d.cfg.KeepaliveInterval > 0 && now.Sub(p.lastSent) >= d.cfg.KeepaliveInterval:
		action = actionKeepAlive
	}
	p.mu.Unlock()

	switch action {
	case actionSend:
		d.sendAll(p, buf)
	case actionKeepAlive:
		if err := d.sendKeepAlive(p); err != nil {
			d.log.Debug("failed to send keepalive", "peer", p.endpoint, "err", err)
		}
	}
	d.fire(p.endpoint, e)
}

// rekeyLocked offers new local material to an established peer. The current
// session keeps working until the peer answers. The caller holds p.mu.
func (d *Device) rekeyLocked(p *Peer, now time.Time) ([]byte, error) {
	local, err := session.Generate(p.nextLocalNumber(now), now)
	if err != nil {
		return nil, err
	}
	buf, err := d.sealSession(p, MessageTypeSessionRequest, local)
	if err != nil {
		local.Wipe()
		return nil, err
	}
	if _, err := p.transition(event{kind: eventRekeyRequested, now: now, local: local}); err != nil {
		local.Wipe()
		return nil, err
	}
	p.lastHandshake = buf
	p.attempts = 0
	d.log.Debug("renewing session", "peer", p.endpoint, "number", local.Number)
	return buf, nil
}

// PurgeStale drops peer contexts that never reached a session and have been
// silent for StaleTimeout.
func (d *Device) PurgeStale(now time.Time) []netip.AddrPort {
	purged := d.peers.PurgeStale(now, d.cfg.StaleTimeout)
	if len(purged) > 0 {
		d.metrics.PeersPurged(len(purged))
		d.log.Debug("purged stale peers", "count", len(purged))
	}
	d.metrics.Peers(d.peers.Len())
	return purged
}
