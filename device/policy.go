package device

import (
	"crypto/x509"
	"net/netip"
)

// Policy decides whether inbound handshake steps are accepted. It is consulted
// after the message has been parsed and cryptographically checked. isNew is
// true when the peer has no prior state of the kind being negotiated.
type Policy interface {
	AcceptHello(ep netip.AddrPort, isNew bool) bool
	AcceptPresentation(ep netip.AddrPort, cert *x509.Certificate, isNew bool) bool
	AcceptSessionRequest(ep netip.AddrPort, isNew bool) bool
}

// AcceptAll accepts every well-formed, correctly signed request.
type AcceptAll struct{}

var _ Policy = AcceptAll{}

func (AcceptAll) AcceptHello(netip.AddrPort, bool) bool                           { return true }
func (AcceptAll) AcceptPresentation(netip.AddrPort, *x509.Certificate, bool) bool { return true }
func (AcceptAll) AcceptSessionRequest(netip.AddrPort, bool) bool                  { return true }

// AllowList only talks to the listed endpoints.
type AllowList map[netip.AddrPort]bool

var _ Policy = AllowList(nil)

func (a AllowList) AcceptHello(ep netip.AddrPort, _ bool) bool { return a[ep] }

func (a AllowList) AcceptPresentation(ep netip.AddrPort, _ *x509.Certificate, _ bool) bool {
	return a[ep]
}

func (a AllowList) AcceptSessionRequest(ep netip.AddrPort, _ bool) bool { return a[ep] }
