package device

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/drio/minilan/session"
)

// newFramePeer returns an established peer whose remote material is m.
func newFramePeer(t *testing.T, m *session.Material) *Peer {
	t.Helper()
	local, err := session.Generate(1, time.Now())
	if err != nil {
		t.Fatalf("failed to generate material: %v", err)
	}
	p := newPeer(netip.MustParseAddrPort("10.0.0.2:5000"), time.Now())
	p.phase = PhaseEstablished
	p.local = local
	p.remote = m
	return p
}

// TestFrameEncryptionDecryption tests frame sealing and opening with the
// directional session material
func TestFrameEncryptionDecryption(t *testing.T) {
	material, err := session.Generate(42, time.Now())
	if err != nil {
		t.Fatalf("failed to generate material: %v", err)
	}
	receiver := newFramePeer(t, material)
	testPacket := []byte("Hello from TUN interface! This is test tunnel traffic.")

	open := func(t *testing.T, buf []byte) ([]byte, error) {
		t.Helper()
		msgType, body, err := parseMessage(buf)
		if err != nil {
			t.Fatalf("failed to parse frame: %v", err)
		}
		var f DataFrame
		if err := f.Unmarshal(msgType, body); err != nil {
			t.Fatalf("failed to unmarshal frame: %v", err)
		}
		return openFrame(receiver, &f)
	}

	t.Run("Basic encryption and decryption", func(t *testing.T) {
		buf, err := sealFrame(material, MessageTypeData, 0, testPacket)
		if err != nil {
			t.Fatalf("encryption failed: %v", err)
		}
		if len(buf) != HeaderSize+FrameOverhead+len(testPacket) {
			t.Errorf("frame wrong size: expected %d, got %d", HeaderSize+FrameOverhead+len(testPacket), len(buf))
		}
		if bytes.Contains(buf, testPacket) {
			t.Error("plaintext visible in frame")
		}
		plaintext, err := open(t, buf)
		if err != nil {
			t.Fatalf("decryption failed: %v", err)
		}
		if !bytes.Equal(plaintext, testPacket) {
			t.Errorf("data integrity check failed: expected %s, got %s", testPacket, plaintext)
		}
	})

	t.Run("Anti-replay protection", func(t *testing.T) {
		buf, _ := sealFrame(material, MessageTypeData, 1, testPacket)
		if _, err := open(t, buf); err != nil {
			t.Fatalf("first delivery failed: %v", err)
		}
		if _, err := open(t, buf); !errors.Is(err, ErrReplayedFrame) {
			t.Errorf("replay not detected: %v", err)
		}
	})

	t.Run("Out of order within window", func(t *testing.T) {
		late, _ := sealFrame(material, MessageTypeData, 5, testPacket)
		early, _ := sealFrame(material, MessageTypeData, 6, testPacket)
		if _, err := open(t, early); err != nil {
			t.Fatalf("frame 6 rejected: %v", err)
		}
		if _, err := open(t, late); err != nil {
			t.Errorf("frame 5 rejected after 6: %v", err)
		}
	})

	t.Run("Tampered ciphertext", func(t *testing.T) {
		buf, _ := sealFrame(material, MessageTypeData, 10, testPacket)
		buf[HeaderSize+12] ^= 0x01
		if _, err := open(t, buf); !errors.Is(err, ErrVerifyFailed) {
			t.Errorf("tampering not detected: %v", err)
		}
	})

	t.Run("Tampered type", func(t *testing.T) {
		buf, _ := sealFrame(material, MessageTypeKeepAlive, 11, nil)
		buf[1] = MessageTypeSessionClose
		if _, err := open(t, buf); !errors.Is(err, ErrVerifyFailed) {
			t.Errorf("type change not detected: %v", err)
		}
	})

	t.Run("Unknown session", func(t *testing.T) {
		other, _ := session.Generate(43, time.Now())
		buf, _ := sealFrame(other, MessageTypeData, 0, testPacket)
		if _, err := open(t, buf); !errors.Is(err, ErrNoSession) {
			t.Errorf("frame for another session accepted: %v", err)
		}
	})
}

// TestDataFlow sends traffic both ways through an established pair.
func TestDataFlow(t *testing.T) {
	clock := newTestClock()
	a, b := establishPair(t, clock)

	packets := [][]byte{[]byte("first"), []byte("second"), bytes.Repeat([]byte{0xab}, 1400)}
	for _, pkt := range packets {
		if err := a.dev.Send(b.ep, pkt); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}
	if err := b.dev.Send(a.ep, []byte("reply")); err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	pump(t, nil, a, b)

	got := b.tun.packets()
	if len(got) != len(packets) {
		t.Fatalf("received %d packets, want %d", len(got), len(packets))
	}
	for i := range packets {
		if !bytes.Equal(got[i], packets[i]) {
			t.Errorf("packet %d corrupted", i)
		}
	}
	if back := a.tun.packets(); len(back) != 1 || string(back[0]) != "reply" {
		t.Errorf("reply not delivered")
	}
}

// TestBadFrameResilience checks that one bad frame neither ends the session
// nor blocks the next good one.
func TestBadFrameResilience(t *testing.T) {
	clock := newTestClock()
	a, b := establishPair(t, clock)

	if err := a.dev.Send(b.ep, []byte("tampered")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	bad := a.udp.take()[0].data
	bad[len(bad)-1] ^= 0xff

	tests := []struct {
		name string
		data []byte
	}{
		{"Bad tag", bad},
		{"Truncated frame", bad[:HeaderSize+10]},
		{"Wrong version", append([]byte{ProtocolVersion + 1}, bad[1:]...)},
		{"Unknown type", []byte{ProtocolVersion, 0x55, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if b.dev.HandlePacket(a.ep, tt.data) {
				t.Error("bad frame accepted")
			}
			requireEstablished(t, b, a.ep)
		})
	}

	if err := a.dev.Send(b.ep, []byte("good")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	pump(t, nil, a, b)
	if got := b.tun.packets(); len(got) != 1 || string(got[0]) != "good" {
		t.Errorf("good frame after bad ones not delivered")
	}
}

// TestReplayedFrameDropped delivers the same DATA frame twice.
func TestReplayedFrameDropped(t *testing.T) {
	clock := newTestClock()
	a, b := establishPair(t, clock)

	if err := a.dev.Send(b.ep, []byte("once")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	frame := a.udp.take()[0].data

	if !b.dev.HandlePacket(a.ep, frame) {
		t.Fatal("first delivery rejected")
	}
	if b.dev.HandlePacket(a.ep, frame) {
		t.Error("replayed frame accepted")
	}
	if got := len(b.tun.packets()); got != 1 {
		t.Errorf("tun received %d packets, want 1", got)
	}
}

// TestSendWithoutSession tests error handling before any handshake
func TestSendWithoutSession(t *testing.T) {
	clock := newTestClock()
	a := newTestNode(t, clock, "10.0.0.1:5000", []string{"10.0.0.2:5000"}, nil)
	b := netip.MustParseAddrPort("10.0.0.2:5000")

	if err := a.dev.Send(b, []byte("x")); !errors.Is(err, ErrNoSession) {
		t.Errorf("send to unknown peer returned %v", err)
	}
	a.dev.Contact(clock.Now())
	if err := a.dev.Send(b, []byte("x")); !errors.Is(err, ErrNoSession) {
		t.Errorf("send while negotiating returned %v", err)
	}

	frame := DataFrame{Type: MessageTypeData, Session: 1}
	buf, _ := frame.Marshal()
	if a.dev.HandlePacket(b, buf) {
		t.Error("frame accepted while negotiating")
	}
	if got := a.dev.Peer(b).Phase(); got != PhaseHelloSent {
		t.Errorf("frame moved peer to %v", got)
	}
}

// TestTUNPacketQueue keeps tun packets until the first session exists.
func TestTUNPacketQueue(t *testing.T) {
	clock := newTestClock()
	a := newTestNode(t, clock, "10.0.0.1:5000", []string{"10.0.0.2:5000"}, nil)
	b := newTestNode(t, clock, "10.0.0.2:5000", nil, nil)

	a.dev.handleTUNPacket([]byte("early-1"))
	a.dev.handleTUNPacket([]byte("early-2"))
	if got := a.dev.queueLen(); got != 2 {
		t.Fatalf("queue holds %d packets, want 2", got)
	}

	a.dev.Contact(clock.Now())
	pump(t, nil, a, b)

	if got := a.dev.queueLen(); got != 0 {
		t.Errorf("queue not flushed, %d left", got)
	}
	got := b.tun.packets()
	if len(got) != 2 || string(got[0]) != "early-1" || string(got[1]) != "early-2" {
		t.Errorf("queued packets not delivered in order: %q", got)
	}

	a.dev.handleTUNPacket([]byte("live"))
	pump(t, nil, a, b)
	if got := b.tun.packets(); len(got) != 3 || string(got[2]) != "live" {
		t.Errorf("live packet not forwarded")
	}
}

// TestTUNPacketQueueBound drops the oldest packets beyond the buffer.
func TestTUNPacketQueueBound(t *testing.T) {
	clock := newTestClock()
	a := newTestNode(t, clock, "10.0.0.1:5000", nil, nil)

	for i := 0; i < QueuedPacketBuffer+5; i++ {
		a.dev.handleTUNPacket([]byte{byte(i)})
	}
	if got := a.dev.queueLen(); got != QueuedPacketBuffer {
		t.Errorf("queue holds %d packets, want %d", got, QueuedPacketBuffer)
	}
	a.dev.queueMu.Lock()
	first := a.dev.queuedPackets[0][0]
	a.dev.queueMu.Unlock()
	if first != 5 {
		t.Errorf("oldest kept packet is %d, want 5", first)
	}
}
