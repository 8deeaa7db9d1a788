package wireguard

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"go.uber.org/zap"

	"meshprobe/internal/addrutil"
	"meshprobe/internal/execx"
)

// ErrToolMissing is returned when the wg binary is not installed.
var ErrToolMissing = errors.New("wg tool not available")

// Peer is one peer of a WireGuard interface as reported by `wg show`.
type Peer struct {
	Interface  string          `json:"interface"`
	PublicKey  string          `json:"public_key"`
	Endpoint   *netip.AddrPort `json:"endpoint,omitempty"`
	AllowedIPs []string        `json:"allowed_ips"`
}

// Interface is a WireGuard interface and its peers.
type Interface struct {
	Name  string `json:"name"`
	Peers []Peer `json:"peers"`
}

// Inspector reads WireGuard state through the wg tool. It never changes it.
type Inspector struct {
	runner      execx.Runner
	sysClassNet string
	log         *zap.Logger
}

func NewInspector(runner execx.Runner, log *zap.Logger) *Inspector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Inspector{runner: runner, sysClassNet: "/sys/class/net", log: log}
}

// InterfaceNames lists WireGuard interfaces via `wg show interfaces`, falling
// back to wg* entries under /sys/class/net when the tool fails.
func (in *Inspector) InterfaceNames(ctx context.Context) []string {
	out, err := in.runner.Output(ctx, "wg", "show", "interfaces")
	if err == nil {
		return strings.Fields(out)
	}
	in.log.Debug("wg show interfaces failed, falling back to sysfs", zap.Error(err))

	entries, err := os.ReadDir(in.sysClassNet)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "wg") {
			names = append(names, e.Name())
		}
	}
	return names
}

// Show returns the parsed `wg show <name>` output.
func (in *Inspector) Show(ctx context.Context, name string) (Interface, error) {
	out, err := in.runner.Output(ctx, "wg", "show", name)
	if err != nil {
		if errors.Is(err, execx.ErrNotFound) {
			return Interface{}, ErrToolMissing
		}
		return Interface{}, fmt.Errorf("wg show %s: %w", name, err)
	}
	return ParseShow(name, out), nil
}

// Interfaces returns every interface that could be read. Per-interface
// failures are logged and skipped.
func (in *Inspector) Interfaces(ctx context.Context) []Interface {
	var out []Interface
	for _, name := range in.InterfaceNames(ctx) {
		iface, err := in.Show(ctx, name)
		if err != nil {
			in.log.Debug("wg interface unreadable", zap.String("interface", name), zap.Error(err))
			if errors.Is(err, ErrToolMissing) {
				return out
			}
			continue
		}
		out = append(out, iface)
	}
	return out
}

// PeerIPs returns the endpoint address (port stripped) of every peer that has
// one. Unspecified endpoints are left out.
func (in *Inspector) PeerIPs(ctx context.Context) []netip.Addr {
	var out []netip.Addr
	seen := map[netip.Addr]struct{}{}
	for _, iface := range in.Interfaces(ctx) {
		for _, p := range iface.Peers {
			if p.Endpoint == nil || addrutil.Unspecified(*p.Endpoint) {
				continue
			}
			a := p.Endpoint.Addr()
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	return out
}

// ParseShow parses the human-readable output of `wg show <iface>`. Only the
// peer:, endpoint: and allowed ips: lines are read.
func ParseShow(name, text string) Interface {
	iface := Interface{Name: name}
	var cur *Peer
	flush := func() {
		if cur != nil {
			iface.Peers = append(iface.Peers, *cur)
			cur = nil
		}
	}

	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "peer":
			flush()
			cur = &Peer{Interface: name, PublicKey: value}
		case "endpoint":
			if cur == nil {
				continue
			}
			if ap, ok := addrutil.ParseEndpoint(value); ok {
				cur.Endpoint = &ap
			}
		case "allowed ips":
			if cur == nil {
				continue
			}
			cur.AllowedIPs = cur.AllowedIPs[:0]
			for _, ip := range strings.Split(value, ",") {
				if ip = strings.TrimSpace(ip); ip != "" && ip != "(none)" {
					cur.AllowedIPs = append(cur.AllowedIPs, ip)
				}
			}
		}
	}
	flush()
	return iface
}
