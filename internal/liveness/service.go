package liveness

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshprobe/internal/events"
	"meshprobe/internal/metrics"
	"meshprobe/internal/model"
	"meshprobe/internal/probe"
	"meshprobe/internal/telemetry"
)

const (
	DefaultInterval = 60 * time.Second
	DefaultTimeout  = 5 * time.Second
)

// Membership is the read side of the registry the service needs.
type Membership interface {
	List() []model.NodeRecord
	LocalID() string
}

type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	// SamplesCSV, when set, receives every sample via metrics.AppendCSV.
	SamplesCSV string
}

// Service periodically probes every known node and keeps a latency history
// per node.
type Service struct {
	members Membership
	pinger  probe.Pinger
	pub     events.Publisher
	opts    Options
	log     *zap.Logger
	now     func() time.Time

	mu        sync.RWMutex
	histories map[string]*History

	inflight sync.WaitGroup
}

func NewService(members Membership, pinger probe.Pinger, pub events.Publisher, opts Options, log *zap.Logger) *Service {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		members:   members,
		pinger:    pinger,
		pub:       pub,
		opts:      opts,
		log:       log,
		now:       time.Now,
		histories: map[string]*History{},
	}
}

// Run probes immediately and then on every tick until ctx is cancelled, then
// waits for probes still in flight.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	s.log.Info("liveness service started", zap.Duration("interval", s.opts.Interval))

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.inflight.Wait()
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick launches one independent probe per remote node with an address and
// returns how many were launched. It does not wait for them.
func (s *Service) Tick(ctx context.Context) int {
	nodes := s.members.List()
	local := s.members.LocalID()
	s.prune(nodes)

	launched := 0
	for _, n := range nodes {
		if n.ID == local {
			continue
		}
		addr, ok := n.PrimaryAddr()
		if !ok {
			continue
		}
		launched++
		s.inflight.Add(1)
		go func(id string, addr netip.Addr) {
			defer s.inflight.Done()
			s.probe(ctx, id, addr)
		}(n.ID, addr)
	}
	return launched
}

// Wait blocks until every launched probe has finished.
func (s *Service) Wait() {
	s.inflight.Wait()
}

func (s *Service) probe(ctx context.Context, id string, addr netip.Addr) {
	rtt, err := s.pinger.Ping(ctx, addr, s.opts.Timeout)
	if err != nil && ctx.Err() != nil {
		return
	}

	sample := model.LatencySample{NodeID: id, Address: addr, Timestamp: s.now().UTC()}
	if err == nil {
		v := float64(rtt.Microseconds()) / 1000.0
		sample.LatencyMs = &v
	}
	if !s.record(sample) {
		s.log.Debug("dropping sample for departed node", zap.String("node_id", id))
		return
	}

	telemetry.ProbesTotal.WithLabelValues(telemetry.Result(err)).Inc()
	if err != nil {
		s.log.Debug("ping timed out", zap.String("node_id", id), zap.Stringer("address", addr), zap.Error(err))
	} else {
		telemetry.ProbeRTT.Observe(rtt.Seconds())
		s.log.Debug("pinged", zap.String("node_id", id), zap.Stringer("address", addr), zap.Float64("latency_ms", *sample.LatencyMs))
		if s.pub != nil {
			s.pub.Publish(events.LatencyUpdate(s.members.LocalID(), id, *sample.LatencyMs, sample.Timestamp))
		}
	}

	if s.opts.SamplesCSV != "" {
		if err := metrics.AppendCSV(s.opts.SamplesCSV, []model.LatencySample{sample}); err != nil {
			s.log.Warn("append latency sample failed", zap.String("path", s.opts.SamplesCSV), zap.Error(err))
		}
	}
}

// record appends sample to its node's history. A missing history is only
// created while the node is still a member, so a probe that outlives a prune
// cannot bring a departed node back.
func (s *Service) record(sample model.LatencySample) bool {
	s.mu.Lock()
	if h, ok := s.histories[sample.NodeID]; ok {
		h.Add(sample)
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()

	if !s.isMember(sample.NodeID) {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.histories[sample.NodeID]
	if !ok {
		h = NewHistory(sample.NodeID)
		s.histories[sample.NodeID] = h
	}
	h.Add(sample)
	return true
}

func (s *Service) isMember(id string) bool {
	for _, n := range s.members.List() {
		if n.ID == id {
			return true
		}
	}
	return false
}

// prune drops histories of nodes that left the membership.
func (s *Service) prune(nodes []model.NodeRecord) {
	live := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		live[n.ID] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.histories {
		if _, ok := live[id]; !ok {
			delete(s.histories, id)
		}
	}
}

// History returns a copy of the history for id.
func (s *Service) History(id string) (History, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[id]
	if !ok {
		return History{}, false
	}
	return h.Clone(), true
}

// Histories returns a copy of every history keyed by node id.
func (s *Service) Histories() map[string]History {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]History, len(s.histories))
	for id, h := range s.histories {
		out[id] = h.Clone()
	}
	return out
}
