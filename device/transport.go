// transport.go
//
// Tunnel traffic encryption and decryption routines
//
// Once a peer is established, both sides hold:
// - local material: our session number, signature key, encryption key, IV
// - remote material: the same, chosen by the peer for its direction
//
// A frame is sent with the local material and opened with the remote one, so
// each direction uses keys chosen by its sender.
//
// Frame format (after the outer header):
// [Session:4][Sequence:8][Ciphertext:variable][Tag:32]
//
// The ciphertext is XChaCha20 with the encryption key and nonce IV||Sequence.
// The tag is HMAC-BLAKE2s with the signature key over type, session, sequence
// and ciphertext. Sequence numbers pass a sliding replay window.

package device

import (
	"crypto/hmac"
	"encoding/binary"
	"fmt"
	"hash"
	"math"
	"net/netip"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20"

	"github.com/drio/minilan/conn"
	"github.com/drio/minilan/session"
	"github.com/drio/minilan/tun"
)

// rejectAfterMessages is the replay filter limit; a session never gets close.
const rejectAfterMessages = math.MaxUint64

func newBlake2s() hash.Hash {
	h, _ := blake2s.New256(nil)
	return h
}

// frameTag computes the authentication tag of f.
func frameTag(key []byte, f *DataFrame) [TagSize]byte {
	mac := hmac.New(newBlake2s, key)
	mac.Write(f.header())
	mac.Write(f.Ciphertext)
	var tag [TagSize]byte
	copy(tag[:], mac.Sum(nil))
	return tag
}

// xorKeyStream applies the session cipher for sequence seq.
func xorKeyStream(m *session.Material, seq uint64, dst, src []byte) error {
	nonce := make([]byte, 0, chacha20.NonceSizeX)
	nonce = append(nonce, m.IV...)
	nonce = binary.BigEndian.AppendUint64(nonce, seq)
	cipher, err := chacha20.NewUnauthenticatedCipher(m.EncryptionKey, nonce)
	if err != nil {
		return fmt.Errorf("failed to create frame cipher: %v", err)
	}
	cipher.XORKeyStream(dst, src)
	return nil
}

// sealFrame encrypts plaintext under local material m.
func sealFrame(m *session.Material, msgType uint8, seq uint64, plaintext []byte) ([]byte, error) {
	f := DataFrame{
		Type:       msgType,
		Session:    m.Number,
		Sequence:   seq,
		Ciphertext: make([]byte, len(plaintext)),
	}
	if err := xorKeyStream(m, seq, f.Ciphertext, plaintext); err != nil {
		return nil, err
	}
	f.Tag = frameTag(m.SignatureKey, &f)
	return f.Marshal()
}

// openFrame authenticates and decrypts f with the peer's remote material,
// falling back to the previous remote session during a rekey overlap. The
// caller holds p.mu.
func openFrame(p *Peer, f *DataFrame) ([]byte, error) {
	m, filter := p.remote, &p.replay
	if f.Session != m.Number {
		if p.previousRemote == nil || f.Session != p.previousRemote.Number {
			return nil, fmt.Errorf("%w: frame for session %d", ErrNoSession, f.Session)
		}
		m, filter = p.previousRemote, &p.previousReplay
	}

	tag := frameTag(m.SignatureKey, f)
	if !hmac.Equal(tag[:], f.Tag[:]) {
		return nil, fmt.Errorf("%w: bad frame tag", ErrVerifyFailed)
	}
	if !filter.ValidateCounter(f.Sequence, rejectAfterMessages) {
		return nil, fmt.Errorf("%w: sequence %d", ErrReplayedFrame, f.Sequence)
	}

	plaintext := make([]byte, len(f.Ciphertext))
	if err := xorKeyStream(m, f.Sequence, plaintext, f.Ciphertext); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// sealLocked builds the next frame for p. The caller holds p.mu.
func (d *Device) sealLocked(p *Peer, msgType uint8, plaintext []byte) ([]byte, error) {
	if !p.established() {
		return nil, fmt.Errorf("%w: %v is %v", ErrNoSession, p.endpoint, p.phase)
	}
	seq := p.sendSequence
	buf, err := sealFrame(p.local, msgType, seq, plaintext)
	if err != nil {
		return nil, err
	}
	p.sendSequence++
	p.lastSent = d.now()
	return buf, nil
}

// Send encrypts plaintext for the established peer at ep and writes it as a
// DATA frame.
func (d *Device) Send(ep netip.AddrPort, plaintext []byte) error {
	ep = conn.Canonical(ep)
	p := d.peers.Lookup(ep)
	if p == nil {
		return fmt.Errorf("%w: unknown peer %v", ErrNoSession, ep)
	}

	p.mu.Lock()
	buf, err := d.sealLocked(p, MessageTypeData, plaintext)
	p.mu.Unlock()
	if err != nil {
		return err
	}

	if _, err := d.udp.WriteToUDPAddrPort(buf, ep); err != nil {
		return fmt.Errorf("failed to send encrypted packet: %v", err)
	}
	d.metrics.DataSent(len(plaintext))
	return nil
}

// sendFrame sends an empty KEEP_ALIVE or SESSION_CLOSE frame.
func (d *Device) sendFrame(p *Peer, msgType uint8) error {
	p.mu.Lock()
	buf, err := d.sealLocked(p, msgType, nil)
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if _, err := d.udp.WriteToUDPAddrPort(buf, p.endpoint); err != nil {
		return fmt.Errorf("failed to send %s: %v", messageTypeName(msgType), err)
	}
	return nil
}

func (d *Device) sendKeepAlive(p *Peer) error {
	return d.sendFrame(p, MessageTypeKeepAlive)
}

func (d *Device) sendClose(p *Peer) error {
	return d.sendFrame(p, MessageTypeSessionClose)
}

// handleFrame processes DATA, KEEP_ALIVE and SESSION_CLOSE. A frame that
// fails any check is dropped without touching the session.
func (d *Device) handleFrame(p *Peer, msgType uint8, body []byte) (edge, error) {
	var f DataFrame
	if err := f.Unmarshal(msgType, body); err != nil {
		return edgeNone, err
	}

	p.mu.Lock()
	if !p.established() {
		p.mu.Unlock()
		return edgeNone, fmt.Errorf("%w: %s in %v", ErrNoSession, messageTypeName(msgType), p.phase)
	}
	plaintext, err := openFrame(p, &f)
	if err != nil {
		p.mu.Unlock()
		return edgeNone, err
	}
	now := d.now()
	p.lastReceived = now
	p.lastContact = now
	if f.Session == p.remote.Number && p.confirmLocal() {
		d.log.Debug("renewed session confirmed", "peer", p.endpoint, "local", p.local.Number)
	}

	e := edgeNone
	if msgType == MessageTypeSessionClose {
		e, _ = p.transition(event{kind: eventLoss, now: now})
	}
	p.mu.Unlock()

	if msgType != MessageTypeData || len(plaintext) == 0 {
		return e, nil
	}
	d.metrics.DataReceived(len(plaintext))
	if d.tun == nil {
		return e, nil
	}
	if d.debug {
		d.log.Debug("injecting packet into tun", "peer", p.endpoint, "packet", tun.Describe(plaintext))
	}
	if _, err := d.tun.Write(plaintext); err != nil {
		d.log.Warn("failed to write to TUN interface", "err", err)
	}
	return e, nil
}

// handleTUNPacket sends a packet read from the tun device to every
// established peer. Without any session the packet is queued.
func (d *Device) handleTUNPacket(packet []byte) {
	sent := 0
	for _, p := range d.peers.Snapshot() {
		if !p.Established() {
			continue
		}
		if err := d.Send(p.endpoint, packet); err != nil {
			d.log.Debug("failed to forward tun packet", "peer", p.endpoint, "err", err)
			continue
		}
		sent++
	}
	if sent > 0 {
		return
	}
	if d.debug {
		d.log.Debug("no session, queuing packet", "packet", tun.Describe(packet))
	}
	d.queuePacket(packet)

	// A session may have come up since the snapshot; its flush would have
	// missed this packet.
	for _, p := range d.peers.Snapshot() {
		if p.Established() {
			d.sendQueuedPackets(p.endpoint)
			return
		}
	}
}
