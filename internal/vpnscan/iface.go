package vpnscan

import (
	"bufio"
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"meshprobe/internal/execx"
)

// arphrdNone is the link type the kernel reports for layer-3 tun devices.
const arphrdNone = 65534

// Interface is a tun/tap style interface and its IPv4 subnet.
type Interface struct {
	Name      string     `json:"name"`
	Address   netip.Addr `json:"address"`
	PrefixLen int        `json:"prefix_len"`
}

func (i Interface) String() string {
	return i.Name + " " + netip.PrefixFrom(i.Address, i.PrefixLen).String()
}

// HostCount is the number of usable addresses in the subnet: size minus
// network and broadcast, 2 for a /31 and 1 for a /32.
func (i Interface) HostCount() uint64 {
	switch {
	case i.PrefixLen >= 32:
		return 1
	case i.PrefixLen == 31:
		return 2
	}
	return (uint64(1) << (32 - i.PrefixLen)) - 2
}

// CandidateCount is len(HostIPs()) without materializing the list.
func (i Interface) CandidateCount() uint64 {
	switch {
	case i.PrefixLen >= 32:
		return 0
	case i.PrefixLen == 31:
		return 1
	}
	n := i.HostCount()
	net, bcast := i.bounds()
	self := v4(i.Address)
	if self > net && self < bcast {
		n--
	}
	return n
}

// HostIPs lists every host in the subnet except the network address, the
// broadcast address and the interface's own address. A /31 yields the single
// other address, a /32 yields nothing.
func (i Interface) HostIPs() []netip.Addr {
	if !i.Address.Is4() || i.PrefixLen < 0 || i.PrefixLen >= 32 {
		return nil
	}
	self := v4(i.Address)
	net, bcast := i.bounds()

	first, last := net+1, bcast-1
	if i.PrefixLen == 31 {
		first, last = net, bcast
	}
	out := make([]netip.Addr, 0, i.CandidateCount())
	for h := uint64(first); h <= uint64(last); h++ {
		if uint32(h) == self {
			continue
		}
		out = append(out, fromV4(uint32(h)))
	}
	return out
}

func (i Interface) bounds() (uint32, uint32) {
	var mask uint32
	if i.PrefixLen > 0 {
		mask = ^uint32(0) << (32 - i.PrefixLen)
	}
	net := v4(i.Address) & mask
	return net, net | ^mask
}

func v4(a netip.Addr) uint32 {
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func fromV4(u uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(u >> 24), byte(u >> 16), byte(u >> 8), byte(u)})
}

// Lister returns the tun-style interfaces of the host.
type Lister interface {
	Interfaces(ctx context.Context) ([]Interface, error)
}

// Detector finds tun/tap interfaces through sysfs and reads their address
// with `ip addr show`.
type Detector struct {
	SysClassNet string
	Runner      execx.Runner
}

func NewDetector(runner execx.Runner) *Detector {
	return &Detector{SysClassNet: "/sys/class/net", Runner: runner}
}

// Interfaces returns every detected tun-style interface that has an IPv4
// address. Interfaces whose address cannot be read are left out.
func (d *Detector) Interfaces(ctx context.Context) ([]Interface, error) {
	names, err := d.tunNames()
	if err != nil {
		return nil, err
	}
	var out []Interface
	for _, name := range names {
		text, err := d.Runner.Output(ctx, "ip", "addr", "show", name)
		if err != nil {
			continue
		}
		if iface, ok := ParseIPAddr(name, text); ok {
			out = append(out, iface)
		}
	}
	return out, nil
}

func (d *Detector) tunNames() ([]string, error) {
	entries, err := os.ReadDir(d.SysClassNet)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "tun") || strings.HasPrefix(name, "tap") {
			names = append(names, name)
			continue
		}
		raw, err := os.ReadFile(filepath.Join(d.SysClassNet, name, "type"))
		if err != nil {
			continue
		}
		if t, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil && t == arphrdNone {
			names = append(names, name)
		}
	}
	return names, nil
}

// ParseIPAddr extracts the first "inet a.b.c.d/n" line of `ip addr show`.
func ParseIPAddr(name, text string) (Interface, bool) {
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || fields[0] != "inet" {
			continue
		}
		prefix, err := netip.ParsePrefix(fields[1])
		if err != nil || !prefix.Addr().Is4() {
			continue
		}
		return Interface{Name: name, Address: prefix.Addr(), PrefixLen: prefix.Bits()}, true
	}
	return Interface{}, false
}
