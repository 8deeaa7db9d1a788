package addrutil

import (
	"net/netip"
	"strconv"
	"strings"
)

// ParseEndpoint parses a transport endpoint as printed by WireGuard tooling.
//
// Accepted forms are "1.2.3.4:51820", "[2001:db8::1]:51820" and, for sloppy
// tooling output, an unbracketed "2001:db8::1:51820" where the last group is
// taken as the port. Anything else (including "(none)") yields ok=false.
func ParseEndpoint(s string) (netip.AddrPort, bool) {
	a := strings.TrimSpace(s)
	if a == "" || a == "(none)" {
		return netip.AddrPort{}, false
	}

	if ap, err := netip.ParseAddrPort(a); err == nil {
		return normalize(ap), true
	}

	// Unbracketed IPv6 "host:port": peel off the last ":port".
	if strings.Count(a, ":") > 1 && !strings.HasPrefix(a, "[") {
		last := strings.LastIndexByte(a, ':')
		if last <= 0 || last == len(a)-1 {
			return netip.AddrPort{}, false
		}
		addr, err := netip.ParseAddr(a[:last])
		if err != nil {
			return netip.AddrPort{}, false
		}
		port, err := strconv.ParseUint(a[last+1:], 10, 16)
		if err != nil {
			return netip.AddrPort{}, false
		}
		return normalize(netip.AddrPortFrom(addr, uint16(port))), true
	}

	return netip.AddrPort{}, false
}

// WithPort replaces the port of every address, dropping duplicates while
// keeping first-seen order. Tunnel endpoints carry the tunnel's own port; the
// discovery port is applied here.
func WithPort(addrs []netip.Addr, port uint16) []netip.AddrPort {
	seen := make(map[netip.Addr]struct{}, len(addrs))
	out := make([]netip.AddrPort, 0, len(addrs))
	for _, a := range addrs {
		if !a.IsValid() {
			continue
		}
		a = a.Unmap()
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, netip.AddrPortFrom(a, port))
	}
	return out
}

// Unspecified reports whether the endpoint is a wildcard placeholder such as
// 0.0.0.0:0 that WireGuard prints for peers it has never heard from.
func Unspecified(ap netip.AddrPort) bool {
	return !ap.IsValid() || ap.Addr().IsUnspecified()
}

func normalize(ap netip.AddrPort) netip.AddrPort {
	addr := ap.Addr().Unmap().WithZone("")
	return netip.AddrPortFrom(addr, ap.Port())
}
