package conn

import (
	"fmt"
	"net"
	"net/netip"
)

// MaxMessageSize is the largest datagram the device reads or writes.
const MaxMessageSize = 65507

// UDPConn interface for UDP connections - allows mocking for tests.
// Endpoints are netip.AddrPort so they can key per-peer state directly.
type UDPConn interface {
	ReadFromUDPAddrPort([]byte) (int, netip.AddrPort, error)
	WriteToUDPAddrPort([]byte, netip.AddrPort) (int, error)
	Close() error
}

// SetupUDP creates and binds a UDP socket on the specified port
func SetupUDP(listenPort int) (UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf(":%d", listenPort))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %v", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP socket: %v", err)
	}

	return conn, nil
}

// Canonical unmaps IPv4-in-IPv6 addresses so the same peer always yields the
// same key regardless of socket family.
func Canonical(ep netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ep.Addr().Unmap(), ep.Port())
}
