// loop.go
//
// Goroutine layout of a running device.
// A TUN reader and a UDP reader run alongside a central loop that owns the
// tickers. UDP datagrams are handled directly by the reader so they are
// processed in arrival order; tun packets and ticks go through the loop.
//
// Flow control: the TUN reader hands packets over with a non-blocking send.
// When the buffer is full the packet is dropped with a log line, keeping the
// reader responsive under load rather than blocking.

package device

import (
	"errors"
	"net"
	"time"

	"github.com/drio/minilan/conn"
	"github.com/drio/minilan/tun"
)

const (
	TUNReadBuffer      = 65536
	QueuedPacketBuffer = 100
)

// closed reports whether Close has been called.
func (d *Device) closed() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// tunReader reads packets from the TUN interface and sends them to the main loop
func (d *Device) tunReader(outbound chan<- []byte) {
	d.log.Info("TUN reader started")

	buf := make([]byte, TUNReadBuffer)
	for {
		n, err := d.tun.Read(buf)
		if err != nil {
			if d.closed() {
				return
			}
			d.log.Warn("TUN read error", "err", err)
			continue
		}

		packet := make([]byte, n)
		copy(packet, buf[:n])
		if d.debug {
			d.log.Debug("TUN: received packet", "bytes", n, "packet", tun.Describe(packet))
		}
		// Non-blocking send - drop packet if main loop is overwhelmed
		select {
		case outbound <- packet:
		default:
			d.log.Warn("TUN packet dropped - queue full")
		}
	}
}

// udpReader reads datagrams and hands them to HandlePacket
func (d *Device) udpReader() {
	d.log.Info("UDP reader started")

	buf := make([]byte, conn.MaxMessageSize)
	for {
		n, addr, err := d.udp.ReadFromUDPAddrPort(buf)
		if err != nil {
			if d.closed() || errors.Is(err, net.ErrClosed) {
				return
			}
			d.log.Warn("UDP read error", "err", err)
			continue
		}
		d.HandlePacket(addr, buf[:n])
	}
}

// Run starts the readers and the main loop. It returns after Close.
func (d *Device) Run() {
	d.log.Info("starting device main loop", "peers", len(d.configured), "contact_period", d.cfg.ContactPeriod)

	packets := make(chan []byte, QueuedPacketBuffer)
	if d.tun != nil {
		go d.tunReader(packets)
	}
	go d.udpReader()

	contact := time.NewTicker(d.cfg.ContactPeriod)
	defer contact.Stop()
	maintenance := time.NewTicker(d.maintenancePeriod())
	defer maintenance.Stop()

	d.Contact(d.now())

	for {
		select {
		case packet := <-packets:
			d.handleTUNPacket(packet)

		case <-contact.C:
			now := d.now()
			d.Contact(now)
			d.PurgeStale(now)

		case <-maintenance.C:
			d.Maintain(d.now())

		case <-d.done:
			d.log.Info("device main loop shutting down")
			return
		}
	}
}

// maintenancePeriod is short enough for keepalives to go out on time.
func (d *Device) maintenancePeriod() time.Duration {
	period := d.cfg.KeepaliveInterval / 2
	if period <= 0 || period > d.cfg.ContactPeriod {
		period = d.cfg.ContactPeriod
	}
	if period < time.Second {
		period = time.Second
	}
	return period
}
