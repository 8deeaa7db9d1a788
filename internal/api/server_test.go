package api

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"meshprobe/internal/events"
	"meshprobe/internal/liveness"
	"meshprobe/internal/model"
)

type fakeDir struct {
	local string
	nodes []model.NodeRecord
}

func (d fakeDir) List() []model.NodeRecord { return append([]model.NodeRecord(nil), d.nodes...) }
func (d fakeDir) LocalID() string          { return d.local }
func (d fakeDir) Get(id string) (model.NodeRecord, bool) {
	for _, n := range d.nodes {
		if n.ID == id {
			return n, true
		}
	}
	return model.NodeRecord{}, false
}

type fakeLatency map[string]liveness.History

func (f fakeLatency) History(id string) (liveness.History, bool) {
	h, ok := f[id]
	return h, ok
}

func (f fakeLatency) Histories() map[string]liveness.History { return f }

func testDir() fakeDir {
	return fakeDir{
		local: "self-id",
		nodes: []model.NodeRecord{
			{
				ID:            "n1",
				Hostname:      "alpha",
				Addresses:     []netip.Addr{netip.MustParseAddr("10.8.0.2")},
				Port:          5678,
				Status:        model.StatusOnline,
				LastSeen:      "2026-01-02T03:04:05Z",
				DiscoveredVia: model.ViaWireGuard,
			},
			{
				ID:            "n2",
				Hostname:      "beta",
				Addresses:     []netip.Addr{netip.MustParseAddr("192.168.1.20")},
				Port:          5678,
				Status:        model.StatusOnline,
				LastSeen:      "2026-01-02T03:04:06Z",
				DiscoveredVia: model.ViaBroadcast,
			},
		},
	}
}

func newTestServer(t *testing.T, s *Server) *Client {
	t.Helper()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return NewClient(ts.URL)
}

func TestServer_Nodes(t *testing.T) {
	t.Parallel()

	c := newTestServer(t, NewServer(testDir(), nil, zaptest.NewLogger(t)))
	resp, err := c.Nodes(context.Background())
	if err != nil {
		t.Fatalf("Nodes: %v", err)
	}
	if resp.LocalID != "self-id" || len(resp.Nodes) != 2 {
		t.Fatalf("resp=%+v", resp)
	}
	if resp.Nodes[0].Addresses[0] != netip.MustParseAddr("10.8.0.2") || resp.Nodes[0].DiscoveredVia != model.ViaWireGuard {
		t.Fatalf("node=%+v", resp.Nodes[0])
	}
}

func TestServer_NodesEmptyIsArray(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(NewServer(fakeDir{local: "x"}, nil, nil).Handler())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/api/nodes")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(body), `"nodes":[]`) {
		t.Fatalf("body=%s", body)
	}
}

func TestServer_NodeByID(t *testing.T) {
	t.Parallel()

	c := newTestServer(t, NewServer(testDir(), nil, nil))
	rec, err := c.Node(context.Background(), "n2")
	if err != nil {
		t.Fatalf("Node: %v", err)
	}
	if rec.Hostname != "beta" {
		t.Fatalf("rec=%+v", rec)
	}

	_, err = c.Node(context.Background(), "missing")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("err=%v", err)
	}
}

func TestServer_Latency(t *testing.T) {
	t.Parallel()

	s := NewServer(testDir(), nil, nil)
	c := newTestServer(t, s)
	if _, err := c.Latency(context.Background(), "n1"); err == nil {
		t.Fatal("expected 404 while liveness is disabled")
	}

	ms := 12.5
	s.SetLatencies(fakeLatency{"n1": {NodeID: "n1", AvgLatencyMs: &ms}})
	c = newTestServer(t, s)
	h, err := c.Latency(context.Background(), "n1")
	if err != nil {
		t.Fatalf("Latency: %v", err)
	}
	if h.NodeID != "n1" || h.AvgLatencyMs == nil || *h.AvgLatencyMs != ms {
		t.Fatalf("h=%+v", h)
	}
	if _, err := c.Latency(context.Background(), "n2"); err == nil {
		t.Fatal("expected 404 for node without history")
	}

	all, err := c.Latencies(context.Background())
	if err != nil {
		t.Fatalf("Latencies: %v", err)
	}
	if len(all) != 1 || all["n1"].NodeID != "n1" {
		t.Fatalf("all=%+v", all)
	}
}

func TestServer_SelfAndHealth(t *testing.T) {
	t.Parallel()

	self := func() SelfResponse {
		return SelfResponse{ID: "self-id", Hostname: "me", DiscoveryPort: 5678, KnownNodes: 2}
	}
	ts := httptest.NewServer(NewServer(testDir(), self, nil).Handler())
	defer ts.Close()

	got, err := NewClient(ts.URL).Self(context.Background())
	if err != nil {
		t.Fatalf("Self: %v", err)
	}
	if got.ID != "self-id" || got.DiscoveryPort != 5678 {
		t.Fatalf("self=%+v", got)
	}

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(body), `"known_nodes":2`) {
		t.Fatalf("code=%d body=%s", res.StatusCode, body)
	}
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(NewServer(testDir(), nil, nil).Handler())
	defer ts.Close()

	if _, err := NewClient(ts.URL).Nodes(context.Background()); err != nil {
		t.Fatal(err)
	}
	res, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(body), "meshprobe_api_requests_total") {
		t.Fatalf("metrics missing api counter")
	}
}

func TestServer_NoEventsNoWebsocket(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(NewServer(testDir(), nil, nil).Handler())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/ws")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("code=%d", res.StatusCode)
	}
}

func TestServer_WatchStreamsEvents(t *testing.T) {
	t.Parallel()

	b := events.NewBroadcaster(8)
	s := NewServer(testDir(), nil, zaptest.NewLogger(t))
	s.SetEvents(b)
	c := newTestServer(t, s)

	got := make(chan events.Event, 4)
	done := make(chan error, 1)
	go func() {
		done <- c.Watch(context.Background(), func(ev events.Event) { got <- ev })
	}()

	deadline := time.Now().Add(5 * time.Second)
	for b.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watcher never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	b.Publish(events.LatencyUpdate("self-id", "n1", 3.6, time.Unix(0, 0)))
	select {
	case ev := <-got:
		if ev.Type != events.TypeLatencyUpdate || len(ev.Connections) != 1 || ev.Connections[0].LatencyMs != 4 {
			t.Fatalf("ev=%+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}

	b.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watch: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not end")
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(testDir(), nil, nil).Serve(ctx, ln) }()

	res, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
