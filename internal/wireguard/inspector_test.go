package wireguard

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"meshprobe/internal/execx"
)

type fakeRunner struct {
	out  map[string]string
	errs map[string]error
	cmds []string
}

func (r *fakeRunner) Output(_ context.Context, name string, args ...string) (string, error) {
	key := name + " " + strings.Join(args, " ")
	r.cmds = append(r.cmds, key)
	if err, ok := r.errs[key]; ok {
		return "", err
	}
	if s, ok := r.out[key]; ok {
		return s, nil
	}
	return "", errors.New("exit status 1")
}

var _ execx.Runner = (*fakeRunner)(nil)

const wg0 = `interface: wg0
  public key: SERVERPUB=
  private key: (hidden)
  listening port: 51820

peer: PEERA=
  endpoint: 192.168.1.100:51820
  allowed ips: 10.7.0.2/32, 10.7.1.0/24
  latest handshake: 1 minute, 2 seconds ago
  transfer: 1.21 KiB received, 3.45 KiB sent

peer: PEERB=
  allowed ips: 10.7.0.3/32

peer: PEERC=
  endpoint: [2001:db8::1]:51820
  allowed ips: (none)
`

func TestParseShow(t *testing.T) {
	t.Parallel()

	iface := ParseShow("wg0", wg0)
	if iface.Name != "wg0" || len(iface.Peers) != 3 {
		t.Fatalf("iface=%+v", iface)
	}

	a := iface.Peers[0]
	if a.PublicKey != "PEERA=" || a.Interface != "wg0" {
		t.Fatalf("a=%+v", a)
	}
	if a.Endpoint == nil || a.Endpoint.String() != "192.168.1.100:51820" {
		t.Fatalf("a.endpoint=%v", a.Endpoint)
	}
	if len(a.AllowedIPs) != 2 || a.AllowedIPs[1] != "10.7.1.0/24" {
		t.Fatalf("a.allowed=%v", a.AllowedIPs)
	}

	if iface.Peers[1].Endpoint != nil {
		t.Fatalf("b.endpoint=%v", iface.Peers[1].Endpoint)
	}
	c := iface.Peers[2]
	if c.Endpoint == nil || c.Endpoint.Addr() != netip.MustParseAddr("2001:db8::1") {
		t.Fatalf("c.endpoint=%v", c.Endpoint)
	}
	if len(c.AllowedIPs) != 0 {
		t.Fatalf("c.allowed=%v", c.AllowedIPs)
	}
}

func TestParseShow_BadEndpointIgnored(t *testing.T) {
	t.Parallel()

	iface := ParseShow("wg1", "peer: X=\n  endpoint: not-an-endpoint\n")
	if len(iface.Peers) != 1 || iface.Peers[0].Endpoint != nil {
		t.Fatalf("iface=%+v", iface)
	}
}

func TestPeerIPs_SkipsPeersWithoutEndpoint(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{out: map[string]string{
		"wg show interfaces": "wg0 wg1",
		"wg show wg0":        wg0,
		"wg show wg1":        "interface: wg1\n\npeer: D=\n  endpoint: 0.0.0.0:0\n\npeer: E=\n  endpoint: 192.168.1.100:4000\n",
	}}
	in := NewInspector(r, zap.NewNop())

	got := in.PeerIPs(context.Background())
	want := []netip.Addr{netip.MustParseAddr("192.168.1.100"), netip.MustParseAddr("2001:db8::1")}
	if len(got) != len(want) {
		t.Fatalf("got=%v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got=%v want=%v", got, want)
		}
	}
}

func TestInterfaces_PerInterfaceErrorSkipped(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{out: map[string]string{
		"wg show interfaces": "wg0 wgbroken",
		"wg show wg0":        wg0,
	}}
	got := NewInspector(r, nil).Interfaces(context.Background())
	if len(got) != 1 || got[0].Name != "wg0" {
		t.Fatalf("got=%+v", got)
	}
}

func TestInterfaceNames_SysfsFallback(t *testing.T) {
	t.Parallel()

	sys := t.TempDir()
	for _, name := range []string{"eth0", "wg0", "wg-mesh", "tun0"} {
		if err := os.Mkdir(filepath.Join(sys, name), 0o755); err != nil {
			t.Fatalf("Mkdir: %v", err)
		}
	}
	r := &fakeRunner{errs: map[string]error{
		"wg show interfaces": fmt.Errorf("wg: %w", execx.ErrNotFound),
	}}
	in := NewInspector(r, nil)
	in.sysClassNet = sys

	names := in.InterfaceNames(context.Background())
	if len(names) != 2 || names[0] != "wg-mesh" || names[1] != "wg0" {
		t.Fatalf("names=%v", names)
	}
}

func TestToolMissing_DegradesToNoPeers(t *testing.T) {
	t.Parallel()

	missing := fmt.Errorf("wg: %w", execx.ErrNotFound)
	r := &fakeRunner{errs: map[string]error{
		"wg show interfaces": missing,
		"wg show wg0":        missing,
		"wg show wg1":        missing,
	}}
	sys := t.TempDir()
	for _, name := range []string{"wg0", "wg1"} {
		if err := os.Mkdir(filepath.Join(sys, name), 0o755); err != nil {
			t.Fatalf("Mkdir: %v", err)
		}
	}
	in := NewInspector(r, nil)
	in.sysClassNet = sys

	if _, err := in.Show(context.Background(), "wg0"); !errors.Is(err, ErrToolMissing) {
		t.Fatalf("err=%v", err)
	}
	r.cmds = nil
	if got := in.PeerIPs(context.Background()); len(got) != 0 {
		t.Fatalf("got=%v", got)
	}
	// Stops at the first interface once the tool is known to be missing.
	if len(r.cmds) != 2 {
		t.Fatalf("cmds=%v", r.cmds)
	}
}
