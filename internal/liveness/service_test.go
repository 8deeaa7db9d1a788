package liveness

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"meshprobe/internal/events"
	"meshprobe/internal/model"
	"meshprobe/internal/probe"
)

type staticMembers struct {
	local string
	nodes []model.NodeRecord
}

func (m staticMembers) List() []model.NodeRecord { return m.nodes }
func (m staticMembers) LocalID() string          { return m.local }

type mutableMembers struct {
	mu    sync.Mutex
	nodes []model.NodeRecord
}

func (m *mutableMembers) List() []model.NodeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.NodeRecord(nil), m.nodes...)
}

func (m *mutableMembers) LocalID() string { return "self" }

func (m *mutableMembers) set(nodes ...model.NodeRecord) {
	m.mu.Lock()
	m.nodes = nodes
	m.mu.Unlock()
}

type capture struct {
	mu  sync.Mutex
	evs []events.Event
}

func (c *capture) Publish(ev events.Event) {
	c.mu.Lock()
	c.evs = append(c.evs, ev)
	c.mu.Unlock()
}

func rec(id string, addrs ...string) model.NodeRecord {
	r := model.NodeRecord{ID: id, Status: model.StatusOnline}
	for _, a := range addrs {
		r.Addresses = append(r.Addresses, netip.MustParseAddr(a))
	}
	return r
}

func TestTick_RecordsAndEmitsOnSuccessOnly(t *testing.T) {
	t.Parallel()

	members := staticMembers{local: "self", nodes: []model.NodeRecord{
		rec("self", "10.0.0.1"),
		rec("up", "10.0.0.2", "192.168.0.2"),
		rec("down", "10.0.0.3"),
		rec("noaddr"),
	}}
	var mu sync.Mutex
	var pinged []netip.Addr
	pinger := probe.PingerFunc(func(_ context.Context, addr netip.Addr, timeout time.Duration) (time.Duration, error) {
		mu.Lock()
		pinged = append(pinged, addr)
		mu.Unlock()
		if timeout != DefaultTimeout {
			t.Errorf("timeout=%v", timeout)
		}
		if addr == netip.MustParseAddr("10.0.0.2") {
			return 12400 * time.Microsecond, nil
		}
		return 0, errors.New("timeout")
	})
	pub := &capture{}
	csv := filepath.Join(t.TempDir(), "latency.csv")
	s := NewService(members, pinger, pub, Options{SamplesCSV: csv}, zaptest.NewLogger(t))

	if n := s.Tick(context.Background()); n != 2 {
		t.Fatalf("launched=%d", n)
	}
	s.Wait()

	if len(pinged) != 2 {
		t.Fatalf("pinged=%v", pinged)
	}
	up, ok := s.History("up")
	if !ok || len(up.Samples) != 1 || up.Samples[0].LatencyMs == nil || *up.Samples[0].LatencyMs != 12.4 {
		t.Fatalf("up=%+v", up)
	}
	down, ok := s.History("down")
	if !ok || len(down.Samples) != 1 || down.Samples[0].LatencyMs != nil {
		t.Fatalf("down=%+v", down)
	}
	if _, ok := s.History("self"); ok {
		t.Fatalf("local node probed")
	}

	if len(pub.evs) != 1 {
		t.Fatalf("events=%+v", pub.evs)
	}
	c := pub.evs[0].Connections[0]
	if pub.evs[0].Type != events.TypeLatencyUpdate || c.From != "self" || c.To != "up" || c.LatencyMs != 12 {
		t.Fatalf("event=%+v", pub.evs[0])
	}

	data, err := os.ReadFile(csv)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got := strings.Count(strings.TrimSpace(string(data)), "\n"); got != 2 {
		t.Fatalf("csv rows=%d\n%s", got, data)
	}
}

func TestTick_SlowProbeDoesNotBlock(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	members := staticMembers{local: "self", nodes: []model.NodeRecord{rec("slow", "10.0.0.9"), rec("fast", "10.0.0.8")}}
	pinger := probe.PingerFunc(func(_ context.Context, addr netip.Addr, _ time.Duration) (time.Duration, error) {
		if addr == netip.MustParseAddr("10.0.0.9") {
			<-release
		}
		return time.Millisecond, nil
	})
	s := NewService(members, pinger, nil, Options{}, nil)

	done := make(chan struct{})
	go func() {
		s.Tick(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Tick blocked on a probe")
	}

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := s.History("fast"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("fast probe delayed by slow one")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	s.Wait()
}

func TestTick_PrunesDepartedNodes(t *testing.T) {
	t.Parallel()

	members := &staticMembers{local: "self", nodes: []model.NodeRecord{rec("a", "10.0.0.2")}}
	pinger := probe.PingerFunc(func(context.Context, netip.Addr, time.Duration) (time.Duration, error) {
		return time.Millisecond, nil
	})
	s := NewService(members, pinger, nil, Options{}, nil)
	s.Tick(context.Background())
	s.Wait()
	if len(s.Histories()) != 1 {
		t.Fatalf("histories=%d", len(s.Histories()))
	}

	members.nodes = nil
	s.Tick(context.Background())
	if len(s.Histories()) != 0 {
		t.Fatalf("histories=%d", len(s.Histories()))
	}
}

func TestTick_LateProbeForDepartedNodeIsDropped(t *testing.T) {
	t.Parallel()

	members := &mutableMembers{}
	members.set(rec("gone", "10.0.0.4"))
	started := make(chan struct{})
	release := make(chan struct{})
	pinger := probe.PingerFunc(func(context.Context, netip.Addr, time.Duration) (time.Duration, error) {
		close(started)
		<-release
		return time.Millisecond, nil
	})
	pub := &capture{}
	s := NewService(members, pinger, pub, Options{}, nil)

	s.Tick(context.Background())
	<-started
	members.set()
	s.Tick(context.Background())
	close(release)
	s.Wait()

	if _, ok := s.History("gone"); ok {
		t.Fatalf("history recreated for departed node")
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.evs) != 0 {
		t.Fatalf("events=%+v", pub.evs)
	}
}

func TestRun_ProbesImmediately(t *testing.T) {
	t.Parallel()

	members := staticMembers{local: "self", nodes: []model.NodeRecord{rec("a", "10.0.0.2")}}
	pinger := probe.PingerFunc(func(context.Context, netip.Addr, time.Duration) (time.Duration, error) {
		return time.Millisecond, nil
	})
	s := NewService(members, pinger, nil, Options{Interval: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := s.History("a"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no probe before the first interval")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	s := NewService(staticMembers{local: "self"}, probe.PingerFunc(func(context.Context, netip.Addr, time.Duration) (time.Duration, error) {
		return 0, nil
	}), nil, Options{Interval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not return")
	}
}
