package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"meshprobe/internal/events"
	"meshprobe/internal/model"
	"meshprobe/internal/telemetry"
)

const (
	DefaultInterval = 60 * time.Second
	DefaultTimeout  = 90 * time.Second
)

// Evictor is the part of the registry the reaper drives.
type Evictor interface {
	EvictStale(timeout time.Duration) []model.NodeRecord
	Len() int
}

// Reaper removes nodes that have not announced within Timeout. The decision
// is purely local.
type Reaper struct {
	reg      Evictor
	pub      events.Publisher
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger
}

func New(reg Evictor, pub events.Publisher, interval, timeout time.Duration, log *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reaper{reg: reg, pub: pub, interval: interval, timeout: timeout, log: log}
}

func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.log.Info("reaper started", zap.Duration("interval", r.interval), zap.Duration("timeout", r.timeout))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep runs one eviction pass and returns the evicted ids.
func (r *Reaper) Sweep() []string {
	removed := r.reg.EvictStale(r.timeout)
	ids := make([]string, 0, len(removed))
	for _, rec := range removed {
		ids = append(ids, rec.ID)
		r.log.Info("evicted stale node",
			zap.String("node_id", rec.ID),
			zap.String("hostname", rec.Hostname),
			zap.String("last_seen", rec.LastSeen))
		telemetry.MembershipChanges.WithLabelValues("remove", events.ReasonStale).Inc()
		if r.pub != nil {
			r.pub.Publish(events.NodeRemoved(rec.ID, events.ReasonStale))
		}
	}
	telemetry.KnownNodes.Set(float64(r.reg.Len()))
	return ids
}
