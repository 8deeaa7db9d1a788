package addrutil

import (
	"net"
	"net/netip"
)

// outboundProbe is never contacted; dialing UDP only selects a route.
const outboundProbe = "8.8.8.8:80"

// InterfaceAddrs lists addresses of up, non-loopback interfaces. It is a
// variable so tests can substitute a fixed inventory.
var InterfaceAddrs = func() ([]netip.Prefix, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []netip.Prefix
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipnet.IP)
			if !ok {
				continue
			}
			ones, _ := ipnet.Mask.Size()
			out = append(out, netip.PrefixFrom(addr.Unmap(), ones))
		}
	}
	return out, nil
}

// OutboundAddr returns the source address the kernel would pick for traffic to
// the internet, without sending anything.
func OutboundAddr() (netip.Addr, bool) {
	conn, err := net.Dial("udp", outboundProbe)
	if err != nil {
		return netip.Addr{}, false
	}
	defer conn.Close()
	udp, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(udp.IP)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// LocalAddresses returns the addresses a node advertises: the outbound
// address first, then other global or private unicast interface addresses,
// then any extra (e.g. a STUN-mapped public address). It never returns an
// empty list; loopback is the last resort.
func LocalAddresses(extra ...netip.Addr) []netip.Addr {
	var out []netip.Addr
	seen := map[netip.Addr]struct{}{}
	add := func(a netip.Addr) {
		if !a.IsValid() {
			return
		}
		a = a.Unmap()
		if _, ok := seen[a]; ok {
			return
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}

	if a, ok := OutboundAddr(); ok {
		add(a)
	}
	if prefixes, err := InterfaceAddrs(); err == nil {
		for _, p := range prefixes {
			a := p.Addr()
			if a.IsLoopback() || a.IsLinkLocalUnicast() || a.IsMulticast() {
				continue
			}
			add(a)
		}
	}
	for _, a := range extra {
		add(a)
	}

	if len(out) == 0 {
		out = append(out, netip.AddrFrom4([4]byte{127, 0, 0, 1}))
	}
	return out
}
