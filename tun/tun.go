package tun

import (
	"fmt"
	"log/slog"
	"net/netip"
	"regexp"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
)

// TUNDevice interface for TUN devices - allows mocking for tests
type TUNDevice interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	Close() error
}

var validName = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// validateInterfaceName rejects names the kernel would refuse.
func validateInterfaceName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("invalid interface name: %s (contains unsafe characters)", name)
	}
	if len(name) > 15 { // IFNAMSIZ includes the trailing NUL
		return fmt.Errorf("interface name too long: %s (max 15 chars)", name)
	}
	return nil
}

// parseTUNAddress validates that a TUN address is a valid CIDR.
func parseTUNAddress(address string) (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(address)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid TUN address: %s (%v)", address, err)
	}
	return prefix, nil
}

// SetupTUN creates a TUN interface and, when tunAddress is set, assigns the
// address and brings the link up.
func SetupTUN(tunName, tunAddress string, log *slog.Logger) (TUNDevice, error) {
	if tunName != "" {
		if err := validateInterfaceName(tunName); err != nil {
			return nil, err
		}
	}
	var prefix netip.Prefix
	if tunAddress != "" {
		var err error
		if prefix, err = parseTUNAddress(tunAddress); err != nil {
			return nil, err
		}
	}

	config := water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: tunName,
		},
	}

	iface, err := water.New(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create TUN interface: %v", err)
	}

	log.Info("TUN interface created", "name", iface.Name())

	if !prefix.IsValid() {
		log.Info("no TUN address specified, interface created but not configured", "name", iface.Name())
		return iface, nil
	}

	if err := configureLink(iface.Name(), prefix); err != nil {
		iface.Close()
		return nil, err
	}
	log.Info("interface configured", "name", iface.Name(), "address", prefix)
	return iface, nil
}

// configureLink is `ip addr add <prefix> dev <name>` followed by
// `ip link set <name> up`.
func configureLink(name string, prefix netip.Prefix) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("failed to find interface %s: %v", name, err)
	}
	addr, err := netlink.ParseAddr(prefix.String())
	if err != nil {
		return fmt.Errorf("failed to parse address %s: %v", prefix, err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("failed to add IP address %s to %s: %v", prefix, name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to bring up interface %s: %v", name, err)
	}
	return nil
}

// PacketInfo is the part of an IP header worth logging.
type PacketInfo struct {
	Version  int
	Src      netip.Addr
	Dst      netip.Addr
	Protocol string
	Length   int
}

// ParsePacket decodes the IP header of a packet read from the tun device.
func ParsePacket(packet []byte) (PacketInfo, error) {
	if len(packet) == 0 {
		return PacketInfo{}, fmt.Errorf("empty packet")
	}

	info := PacketInfo{Version: int(packet[0] >> 4), Length: len(packet)}
	var first gopacket.LayerType
	switch info.Version {
	case 4:
		first = layers.LayerTypeIPv4
	case 6:
		first = layers.LayerTypeIPv6
	default:
		return info, fmt.Errorf("unknown IP version %d", info.Version)
	}

	pkt := gopacket.NewPacket(packet, first, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		info.Src, _ = netip.AddrFromSlice(ip.SrcIP.To4())
		info.Dst, _ = netip.AddrFromSlice(ip.DstIP.To4())
		info.Protocol = ip.Protocol.String()
	case *layers.IPv6:
		info.Src, _ = netip.AddrFromSlice(ip.SrcIP)
		info.Dst, _ = netip.AddrFromSlice(ip.DstIP)
		info.Protocol = ip.NextHeader.String()
	default:
		if errLayer := pkt.ErrorLayer(); errLayer != nil {
			return info, fmt.Errorf("failed to decode IPv%d header: %v", info.Version, errLayer.Error())
		}
		return info, fmt.Errorf("failed to decode IPv%d header", info.Version)
	}
	return info, nil
}

// Describe renders a packet for debug logs.
func Describe(packet []byte) string {
	info, err := ParsePacket(packet)
	if err != nil {
		return fmt.Sprintf("%d bytes (%v)", len(packet), err)
	}
	return fmt.Sprintf("IPv%d %s %v -> %v %d bytes", info.Version, info.Protocol, info.Src, info.Dst, info.Length)
}
