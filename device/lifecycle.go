package device

import (
	"net/netip"
	"sync"

	"github.com/drio/minilan/conn"
)

// notifier fans lifecycle edges out to the application callbacks. Callbacks
// are observers: a panicking callback is logged and otherwise ignored.
type notifier struct {
	mu            sync.RWMutex
	onEstablished func(netip.AddrPort)
	onLost        func(netip.AddrPort)
	log           Logger
}

func (n *notifier) setEstablished(cb func(netip.AddrPort)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onEstablished = cb
}

func (n *notifier) setLost(cb func(netip.AddrPort)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onLost = cb
}

func (n *notifier) established(ep netip.AddrPort) {
	n.mu.RLock()
	cb := n.onEstablished
	n.mu.RUnlock()
	n.call("established", cb, ep)
}

func (n *notifier) lost(ep netip.AddrPort) {
	n.mu.RLock()
	cb := n.onLost
	n.mu.RUnlock()
	n.call("lost", cb, ep)
}

func (n *notifier) call(name string, cb func(netip.AddrPort), ep netip.AddrPort) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("session callback panicked", "callback", name, "peer", ep, "panic", r)
		}
	}()
	cb(ep)
}

// SetSessionEstablishedCallback replaces the established callback. See
// Config.OnSessionEstablished for the ordering of callbacks.
func (d *Device) SetSessionEstablishedCallback(cb func(netip.AddrPort)) {
	d.notifier.setEstablished(cb)
}

// SetSessionLostCallback replaces the lost callback.
func (d *Device) SetSessionLostCallback(cb func(netip.AddrPort)) {
	d.notifier.setLost(cb)
}

// fire publishes a lifecycle edge. It must be called without holding any
// peer lock so callbacks may use the device.
func (d *Device) fire(ep netip.AddrPort, e edge) {
	switch e {
	case edgeEstablished:
		d.log.Info("session established", "peer", ep)
		d.metrics.SessionEstablished()
		d.notifier.established(ep)
		d.sendQueuedPackets(ep)
	case edgeLost:
		d.log.Info("session lost", "peer", ep)
		d.metrics.SessionLost()
		d.notifier.lost(ep)
	}
}

// MarkLost tears down the session with ep. It is the explicit loss signal
// for transport errors or an application-initiated teardown. Calling it for a
// peer that is not established does nothing.
func (d *Device) MarkLost(ep netip.AddrPort) {
	ep = conn.Canonical(ep)
	p := d.peers.Lookup(ep)
	if p == nil {
		return
	}
	p.mu.Lock()
	e, _ := p.transition(event{kind: eventLoss, now: d.now()})
	p.mu.Unlock()
	d.fire(ep, e)
}
