package agent

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"meshprobe/internal/api"
	"meshprobe/internal/config"
	"meshprobe/internal/model"
	"meshprobe/internal/probe"
)

type noRunner struct{}

func (noRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	return "", nil
}

func quietConfig() config.Config {
	cfg := config.Default()
	cfg.Discovery.Enabled = false
	cfg.API.Listen = "127.0.0.1:0"
	cfg.Liveness.Interval = 20 * time.Millisecond
	cfg.Liveness.Timeout = time.Second
	return cfg
}

func fastPinger() probe.Pinger {
	return probe.PingerFunc(func(ctx context.Context, addr netip.Addr, timeout time.Duration) (time.Duration, error) {
		return 2 * time.Millisecond, nil
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAgent_RunServesAPIAndStops(t *testing.T) {
	t.Parallel()

	a := New(quietConfig(), Options{Version: "test", Log: zaptest.NewLogger(t), Runner: noRunner{}, Pinger: fastPinger()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	var addr net.Addr
	waitFor(t, "api listener", func() bool {
		var ok bool
		addr, ok = a.APIAddr()
		return ok
	})
	c := api.NewClient("http://" + addr.String())

	a.Registry().AddOrUpdate(model.NodeRecord{
		ID:            "peer-1",
		Hostname:      "beta",
		Addresses:     []netip.Addr{netip.MustParseAddr("10.8.0.9")},
		Port:          5678,
		Status:        model.StatusOnline,
		LastSeen:      model.FormatTimestamp(time.Now()),
		DiscoveredVia: model.ViaBroadcast,
	})

	nodes, err := c.Nodes(context.Background())
	if err != nil {
		t.Fatalf("Nodes: %v", err)
	}
	if nodes.LocalID != a.Registry().LocalID() || len(nodes.Nodes) != 1 {
		t.Fatalf("nodes=%+v", nodes)
	}

	waitFor(t, "latency history", func() bool {
		h, err := c.Latency(context.Background(), "peer-1")
		return err == nil && h.AvgLatencyMs != nil
	})

	self, err := c.Self(context.Background())
	if err != nil {
		t.Fatalf("Self: %v", err)
	}
	if self.Version != "test" || self.KnownNodes != 1 || self.APIPort == 0 {
		t.Fatalf("self=%+v", self)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestAgent_SelfUsesConfiguredIdentity(t *testing.T) {
	t.Parallel()

	cfg := quietConfig()
	cfg.Node.Hostname = "edge-1"
	cfg.Node.APIPort = 9000
	a := New(cfg, Options{Runner: noRunner{}, Pinger: fastPinger()})

	self := a.Self()
	if self.Hostname != "edge-1" || self.APIPort != 9000 {
		t.Fatalf("self=%+v", self)
	}
	if self.DiscoveryPort != 5678 {
		t.Fatalf("discovery_port=%d", self.DiscoveryPort)
	}
	if len(self.Addresses) == 0 {
		t.Fatal("no addresses")
	}
	if self.ID == "" || self.ID != a.Registry().LocalID() {
		t.Fatalf("id=%q", self.ID)
	}
}

func TestAgent_APIListenFailure(t *testing.T) {
	t.Parallel()

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	cfg := quietConfig()
	cfg.API.Listen = busy.Addr().String()
	err = New(cfg, Options{Runner: noRunner{}, Pinger: fastPinger()}).Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "api listen") {
		t.Fatalf("err=%v", err)
	}
}

func TestAgent_LivenessDisabled(t *testing.T) {
	t.Parallel()

	cfg := quietConfig()
	cfg.Liveness.Enabled = false
	cfg.API.Enabled = false
	a := New(cfg, Options{Runner: noRunner{}, Pinger: fastPinger()})
	if a.live != nil {
		t.Fatal("liveness service built while disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	if _, ok := a.APIAddr(); ok {
		t.Fatal("api bound while disabled")
	}
}
