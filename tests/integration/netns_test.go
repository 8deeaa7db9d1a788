//go:build integration

package integration

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"
)

// This test requires:
// - Linux
// - root (netns + link creation, raw ICMP)
// - iproute2 (`ip`)
//
// It is gated behind -tags=integration and MESHPROBE_INTEGRATION=1 to avoid
// accidental local network disruption.
func TestNetns_MulticastDiscoveryAndGoodbye(t *testing.T) {
	if os.Getenv("MESHPROBE_INTEGRATION") != "1" {
		t.Skip("set MESHPROBE_INTEGRATION=1 to run")
	}
	if os.Geteuid() != 0 {
		t.Skip("requires root")
	}
	if _, err := exec.LookPath("ip"); err != nil {
		t.Skip("missing ip")
	}

	tmp := t.TempDir()
	bin := filepath.Join(tmp, "meshprobe")
	run(t, "../..", "go", "build", "-o", bin, "./cmd/meshprobe")

	suffix := fmt.Sprintf("%d", os.Getpid())
	nsA := "meshprobe-a-" + suffix
	nsB := "meshprobe-b-" + suffix
	br := "mpbr-" + suffix
	t.Cleanup(func() {
		_ = exec.Command("ip", "netns", "del", nsA).Run()
		_ = exec.Command("ip", "netns", "del", nsB).Run()
		_ = exec.Command("ip", "link", "del", br).Run()
	})

	run(t, ".", "ip", "netns", "add", nsA)
	run(t, ".", "ip", "netns", "add", nsB)
	run(t, ".", "ip", "link", "add", br, "type", "bridge")
	run(t, ".", "ip", "link", "set", br, "up")

	connect := func(ns, ifBr, ipCIDR string) {
		run(t, ".", "ip", "link", "add", ifBr, "type", "veth", "peer", "name", "eth0", "netns", ns)
		run(t, ".", "ip", "link", "set", ifBr, "master", br)
		run(t, ".", "ip", "link", "set", ifBr, "up")
		run(t, ".", "ip", "netns", "exec", ns, "ip", "link", "set", "lo", "up")
		run(t, ".", "ip", "netns", "exec", ns, "ip", "addr", "add", ipCIDR, "dev", "eth0")
		run(t, ".", "ip", "netns", "exec", ns, "ip", "link", "set", "eth0", "up")
		run(t, ".", "ip", "netns", "exec", ns, "ip", "route", "add", "224.0.0.0/4", "dev", "eth0")
	}
	connect(nsA, "mpa-"+suffix, "192.168.150.2/24")
	connect(nsB, "mpb-"+suffix, "192.168.150.3/24")

	nodeTemplate := func(hostname string) string {
		return fmt.Sprintf(`node:
  hostname: %q
discovery:
  interval: 1s
  wireguard: false
  vpn_scan: false
reaper:
  interval: 1s
  timeout: 30s
liveness:
  interval: 1s
  timeout: 1s
api:
  listen: "127.0.0.1:8787"
logging:
  level: debug
`, hostname)
	}
	aPath := filepath.Join(tmp, "a.yaml")
	bPath := filepath.Join(tmp, "b.yaml")
	mustWrite(t, aPath, nodeTemplate("node-a"))
	mustWrite(t, bPath, nodeTemplate("node-b"))

	aCmd := start(t, nsA, bin, "run", "--config", aPath)
	t.Cleanup(func() { _ = aCmd.Process.Kill() })
	bCmd := start(t, nsB, bin, "run", "--config", bPath)
	t.Cleanup(func() { _ = bCmd.Process.Kill() })

	peers := func() []byte {
		out, _ := exec.Command("ip", "netns", "exec", nsA, bin, "peers", "--config", aPath).CombinedOutput()
		return out
	}

	if !eventually(10*time.Second, func() bool { return bytes.Contains(peers(), []byte("node-b")) }) {
		t.Fatalf("node-b never discovered by node-a\n%s", peers())
	}
	if !bytes.Contains(peers(), []byte("broadcast")) {
		t.Fatalf("expected broadcast provenance\n%s", peers())
	}

	// A clean shutdown sends a goodbye; node-a must drop node-b well before
	// the 30s reaper timeout.
	if err := bCmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signal node-b: %v", err)
	}
	if !eventually(5*time.Second, func() bool { return !bytes.Contains(peers(), []byte("node-b")) }) {
		t.Fatalf("node-b still listed after goodbye\n%s", peers())
	}
}

func start(t *testing.T, ns, bin string, args ...string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("ip", append([]string{"netns", "exec", ns, bin}, args...)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("start %s in %s: %v", bin, ns, err)
	}
	return cmd
}

func eventually(d time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(200 * time.Millisecond)
	}
	return false
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func run(t *testing.T, dir, name string, args ...string) {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("%s %v: %v\n%s", name, args, err, string(out))
	}
}
