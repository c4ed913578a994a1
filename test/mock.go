package test

import (
	"net"
	"net/netip"
	"sync"

	"github.com/drio/minilan/conn"
	"github.com/drio/minilan/tun"
)

// Compile-time interface compliance checks
var _ conn.UDPConn = (*MockUDPConn)(nil)
var _ tun.TUNDevice = (*MockTUN)(nil)

// MockUDPConn simulates a UDP connection using channels
type MockUDPConn struct {
	// Channel to receive packets that would come from the network
	inbound chan UDPPacket
	// Channel where packets written to this UDP connection go
	outbound chan UDPPacket
	// Local address simulation
	localAddr netip.AddrPort

	closed    chan struct{}
	closeOnce sync.Once
}

type UDPPacket struct {
	Data []byte
	Addr netip.AddrPort
}

// NewMockUDPConn creates a mock UDP connection
func NewMockUDPConn(localPort uint16) *MockUDPConn {
	return &MockUDPConn{
		inbound:   make(chan UDPPacket, 100),
		outbound:  make(chan UDPPacket, 100),
		localAddr: netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), localPort),
		closed:    make(chan struct{}),
	}
}

// LocalAddr returns the simulated local endpoint
func (m *MockUDPConn) LocalAddr() netip.AddrPort {
	return m.localAddr
}

// ReadFromUDPAddrPort simulates reading from UDP - blocks until packet arrives
func (m *MockUDPConn) ReadFromUDPAddrPort(buf []byte) (int, netip.AddrPort, error) {
	select {
	case packet := <-m.inbound:
		n := copy(buf, packet.Data)
		return n, packet.Addr, nil
	case <-m.closed:
		return 0, netip.AddrPort{}, net.ErrClosed
	}
}

// WriteToUDPAddrPort simulates writing to UDP - puts packet in outbound channel
func (m *MockUDPConn) WriteToUDPAddrPort(data []byte, addr netip.AddrPort) (int, error) {
	select {
	case <-m.closed:
		return 0, net.ErrClosed
	default:
	}

	// Make a copy to avoid memory issues
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	// Non-blocking send
	select {
	case m.outbound <- UDPPacket{Data: dataCopy, Addr: addr}:
	default:
		// Channel full - simulate dropped packet
	}
	return len(data), nil
}

// Close closes the mock connection
func (m *MockUDPConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// InjectPacket simulates a packet arriving from the network
func (m *MockUDPConn) InjectPacket(data []byte, fromAddr netip.AddrPort) {
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	select {
	case m.inbound <- UDPPacket{Data: dataCopy, Addr: fromAddr}:
		// Packet injected
	default:
		// Channel full - drop packet
	}
}

// ReadOutbound reads a packet that was written to this connection (non-blocking)
func (m *MockUDPConn) ReadOutbound() *UDPPacket {
	select {
	case packet := <-m.outbound:
		return &packet
	default:
		return nil
	}
}

// MockTUN simulates a TUN interface using channels
type MockTUN struct {
	// Channel to receive packets written to TUN (app → network)
	inbound chan []byte
	// Channel where packets read from TUN come from (network → app)
	outbound chan []byte

	closed    chan struct{}
	closeOnce sync.Once
}

// NewMockTUN creates a mock TUN interface
func NewMockTUN() *MockTUN {
	return &MockTUN{
		inbound:  make(chan []byte, 100),
		outbound: make(chan []byte, 100),
		closed:   make(chan struct{}),
	}
}

// Read simulates reading from TUN - blocks until packet available
func (m *MockTUN) Read(buf []byte) (int, error) {
	select {
	case packet := <-m.outbound:
		return copy(buf, packet), nil
	case <-m.closed:
		return 0, net.ErrClosed
	}
}

// Write simulates writing to TUN - puts packet in inbound channel
func (m *MockTUN) Write(data []byte) (int, error) {
	// Make a copy to avoid memory issues
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	select {
	case m.inbound <- dataCopy:
	default:
		// Channel full - simulate dropped packet
	}
	return len(data), nil
}

// Close closes the mock TUN
func (m *MockTUN) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// InjectPacket simulates a packet coming from the network to this TUN
func (m *MockTUN) InjectPacket(data []byte) {
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	select {
	case m.outbound <- dataCopy:
		// Packet injected
	default:
		// Channel full - drop packet
	}
}

// ReadInbound reads a packet that was written to TUN (non-blocking)
func (m *MockTUN) ReadInbound() []byte {
	select {
	case packet := <-m.inbound:
		return packet
	default:
		return nil
	}
}
