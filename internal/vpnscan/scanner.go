package vpnscan

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"meshprobe/internal/probe"
	"meshprobe/internal/telemetry"
)

const (
	DefaultMaxHosts    = 1024
	DefaultConcurrency = 64
	DefaultTimeout     = time.Second
)

// Options bounds a sweep. Zero values take the defaults; Rate <= 0 disables
// launch pacing.
type Options struct {
	MaxHosts    int
	Concurrency int
	Timeout     time.Duration
	Rate        float64
}

// Scanner sweeps the subnets of tun-style interfaces with ICMP echo.
type Scanner struct {
	lister  Lister
	pinger  probe.Pinger
	opts    Options
	limiter *rate.Limiter
	log     *zap.Logger
}

func New(lister Lister, pinger probe.Pinger, opts Options, log *zap.Logger) *Scanner {
	if opts.MaxHosts <= 0 {
		opts.MaxHosts = DefaultMaxHosts
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scanner{lister: lister, pinger: pinger, opts: opts, log: log}
	if opts.Rate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.Rate), opts.Concurrency)
	}
	return s
}

// Targets returns the candidate hosts of every detected interface, skipping
// interfaces with more than MaxHosts candidates.
func (s *Scanner) Targets(ctx context.Context) []netip.Addr {
	ifaces, err := s.lister.Interfaces(ctx)
	if err != nil {
		s.log.Debug("vpn interface detection failed", zap.Error(err))
		return nil
	}
	if len(ifaces) == 0 {
		s.log.Debug("no vpn interfaces found")
		return nil
	}

	var hosts []netip.Addr
	for _, iface := range ifaces {
		n := iface.CandidateCount()
		if n > uint64(s.opts.MaxHosts) {
			s.log.Warn("vpn subnet too large, skipping",
				zap.String("interface", iface.Name),
				zap.Int("prefix_len", iface.PrefixLen),
				zap.Uint64("hosts", n))
			continue
		}
		s.log.Info("scanning vpn interface",
			zap.String("interface", iface.Name),
			zap.String("address", iface.Address.String()),
			zap.Int("prefix_len", iface.PrefixLen),
			zap.Uint64("hosts", n))
		hosts = append(hosts, iface.HostIPs()...)
	}
	return hosts
}

// Scan detects interfaces and sweeps them, returning the responders.
func (s *Scanner) Scan(ctx context.Context) []netip.Addr {
	hosts := s.Targets(ctx)
	if len(hosts) == 0 {
		return nil
	}
	return s.Sweep(ctx, hosts)
}

// Sweep pings every host with at most Concurrency probes in flight and
// returns those that answered, in input order.
func (s *Scanner) Sweep(ctx context.Context, hosts []netip.Addr) []netip.Addr {
	start := time.Now()
	sem := semaphore.NewWeighted(int64(s.opts.Concurrency))
	alive := make([]bool, len(hosts))

	var wg sync.WaitGroup
	for i, host := range hosts {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				break
			}
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		if ctx.Err() != nil {
			sem.Release(1)
			break
		}
		wg.Add(1)
		go func(i int, host netip.Addr) {
			defer wg.Done()
			defer sem.Release(1)
			if _, err := s.pinger.Ping(ctx, host, s.opts.Timeout); err == nil {
				alive[i] = true
			}
		}(i, host)
	}
	wg.Wait()

	var out []netip.Addr
	for i, ok := range alive {
		if ok {
			out = append(out, hosts[i])
		}
	}

	telemetry.ScanDuration.Observe(time.Since(start).Seconds())
	telemetry.ScanResponders.Set(float64(len(out)))
	s.log.Info("vpn subnet scan complete",
		zap.Int("responded", len(out)),
		zap.Int("hosts", len(hosts)),
		zap.Duration("took", time.Since(start)))
	return out
}
