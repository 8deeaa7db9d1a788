package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meshprobe/internal/addrutil"
	"meshprobe/internal/api"
	"meshprobe/internal/config"
	"meshprobe/internal/discovery"
	"meshprobe/internal/events"
	"meshprobe/internal/execx"
	"meshprobe/internal/liveness"
	"meshprobe/internal/model"
	"meshprobe/internal/probe"
	"meshprobe/internal/reaper"
	"meshprobe/internal/registry"
	"meshprobe/internal/stunutil"
	"meshprobe/internal/telemetry"
	"meshprobe/internal/vpnscan"
	"meshprobe/internal/wireguard"
)

const stunTimeout = 5 * time.Second

// Options carries process-level inputs. Nil Runner and Pinger select the
// host implementations.
type Options struct {
	Version string
	Log     *zap.Logger
	Runner  execx.Runner
	Pinger  probe.Pinger
}

// Agent owns the registry and every service that reads or writes it.
type Agent struct {
	cfg     config.Config
	version string
	log     *zap.Logger

	reg    *registry.Registry
	bus    *events.Broadcaster
	peers  *discovery.Peers
	runner execx.Runner
	pinger probe.Pinger
	live   *liveness.Service

	hostname string
	started  time.Time

	mu      sync.RWMutex
	mapped  netip.Addr
	apiAddr net.Addr
}

func New(cfg config.Config, opts Options) *Agent {
	config.ApplyDefaults(&cfg)
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Runner == nil {
		opts.Runner = execx.NewOSRunner()
	}
	if opts.Pinger == nil {
		opts.Pinger = probe.NewICMPPinger()
	}

	hostname := cfg.Node.Hostname
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		} else {
			hostname = "unknown"
		}
	}

	a := &Agent{
		cfg:      cfg,
		version:  opts.Version,
		log:      opts.Log,
		reg:      registry.New(),
		bus:      events.NewBroadcaster(events.DefaultBuffer),
		peers:    discovery.NewPeers(),
		runner:   opts.Runner,
		pinger:   opts.Pinger,
		hostname: hostname,
		started:  time.Now(),
	}
	if cfg.Liveness.Enabled {
		a.live = liveness.NewService(a.reg, a.pinger, a.bus, liveness.Options{
			Interval:   cfg.Liveness.Interval,
			Timeout:    cfg.Liveness.Timeout,
			SamplesCSV: cfg.Liveness.SamplesCSV,
		}, a.log.With(zap.String("component", "liveness")))
	}
	return a
}

// Run is New(cfg, opts).Run(ctx).
func Run(ctx context.Context, cfg config.Config, opts Options) error {
	return New(cfg, opts).Run(ctx)
}

func (a *Agent) Registry() *registry.Registry { return a.reg }
func (a *Agent) Events() *events.Broadcaster  { return a.bus }

// APIAddr returns the bound API address once the server is listening.
func (a *Agent) APIAddr() (net.Addr, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.apiAddr, a.apiAddr != nil
}

// Self describes the local node for the API.
func (a *Agent) Self() api.SelfResponse {
	return api.SelfResponse{
		ID:            a.reg.LocalID(),
		Hostname:      a.hostname,
		Version:       a.version,
		Addresses:     a.addresses(),
		DiscoveryPort: a.cfg.Discovery.GroupAddr().Port(),
		APIPort:       a.apiPort(),
		KnownNodes:    a.reg.Len(),
		StartedAt:     model.FormatTimestamp(a.started),
	}
}

// Run starts every enabled service and blocks until ctx is cancelled or one
// of them fails. On the way out a goodbye is sent so peers drop this node
// without waiting for eviction.
func (a *Agent) Run(ctx context.Context) error {
	telemetry.SetBuildInfo(a.version)
	a.log.Info("agent starting",
		zap.String("node_id", a.reg.LocalID()),
		zap.String("hostname", a.hostname),
	)

	if servers := a.cfg.Discovery.STUNServers; len(servers) > 0 {
		a.probeSTUN(ctx, servers)
	}

	var apiLn net.Listener
	if a.cfg.API.Enabled {
		ln, err := net.Listen("tcp", a.cfg.API.Listen)
		if err != nil {
			return fmt.Errorf("api listen %s: %w", a.cfg.API.Listen, err)
		}
		apiLn = ln
		a.mu.Lock()
		a.apiAddr = ln.Addr()
		a.mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)

	var announcer *discovery.Announcer
	var sender net.PacketConn
	if a.cfg.Discovery.Enabled {
		var err error
		sender, err = net.ListenPacket("udp", ":0")
		if err != nil {
			if apiLn != nil {
				apiLn.Close()
			}
			return fmt.Errorf("discovery sender socket: %w", err)
		}
		defer sender.Close()

		announcer = a.newAnnouncer(sender)
		g.Go(func() error { return announcer.Run(gctx) })

		group := a.cfg.Discovery.GroupAddr()
		conn, err := discovery.ListenGroup(group, a.log)
		if err != nil {
			a.log.Warn("multicast listener unavailable, running send-only", zap.Error(err))
		} else {
			listener := discovery.NewListener(a.reg, a.bus, a.log.With(zap.String("component", "listener")))
			g.Go(func() error { return listener.Run(gctx, conn) })
		}
	}

	r := reaper.New(a.reg, a.bus, a.cfg.Reaper.Interval, a.cfg.Reaper.Timeout, a.log.With(zap.String("component", "reaper")))
	g.Go(func() error { return r.Run(gctx) })

	if a.live != nil {
		g.Go(func() error { return a.live.Run(gctx) })
	}

	if apiLn != nil {
		srv := api.NewServer(a.reg, a.Self, a.log.With(zap.String("component", "api")))
		srv.SetEvents(a.bus)
		if a.live != nil {
			srv.SetLatencies(a.live)
		}
		g.Go(func() error { return srv.Serve(gctx, apiLn) })
	}

	err := g.Wait()
	if announcer != nil {
		announcer.Goodbye(discovery.ReasonShutdown)
	}
	if a.live != nil {
		a.live.Wait()
	}
	a.bus.Close()

	if err != nil && !errors.Is(err, context.Canceled) {
		a.log.Error("agent stopped", zap.Error(err))
		return err
	}
	a.log.Info("agent stopped")
	return nil
}

func (a *Agent) newAnnouncer(conn net.PacketConn) *discovery.Announcer {
	// Disabled sources stay untyped nil.
	var wg discovery.PeerSource
	if a.cfg.Discovery.WireGuard {
		wg = wireguard.NewInspector(a.runner, a.log.With(zap.String("component", "wireguard")))
	}
	var scanner discovery.SubnetScanner
	if a.cfg.Discovery.VPNScan {
		scanner = vpnscan.New(vpnscan.NewDetector(a.runner), a.pinger, vpnscan.Options{
			MaxHosts:    a.cfg.Scan.MaxHosts,
			Concurrency: a.cfg.Scan.Concurrency,
			Timeout:     a.cfg.Scan.Timeout,
			Rate:        a.cfg.Scan.Rate,
		}, a.log.With(zap.String("component", "vpnscan")))
	}

	self := discovery.Self{
		Hostname:  a.hostname,
		APIPort:   a.apiPort(),
		Version:   a.version,
		Addresses: a.addresses,
	}
	opts := discovery.AnnouncerOptions{
		Group:     a.cfg.Discovery.GroupAddr(),
		Interval:  a.cfg.Discovery.Interval,
		ScanEvery: a.cfg.Discovery.ScanEvery,
	}
	return discovery.NewAnnouncer(a.reg, conn, self, opts, wg, scanner, a.peers, a.log.With(zap.String("component", "announcer")))
}

// probeSTUN records the NAT-mapped address, if any, as an extra announced
// address. Failure only costs that address.
func (a *Agent) probeSTUN(ctx context.Context, servers []string) {
	m, err := stunutil.Probe(ctx, servers, stunTimeout)
	if err != nil {
		a.log.Warn("stun probe failed", zap.Error(err))
		return
	}
	a.mu.Lock()
	a.mapped = m.Addr.Addr()
	a.mu.Unlock()
	a.log.Info("stun mapping", zap.Stringer("addr", m.Addr), zap.String("nat_type", m.NATType))
}

func (a *Agent) addresses() []netip.Addr {
	a.mu.RLock()
	mapped := a.mapped
	a.mu.RUnlock()
	if mapped.IsValid() {
		return addrutil.LocalAddresses(mapped)
	}
	return addrutil.LocalAddresses()
}

func (a *Agent) apiPort() uint16 {
	if a.cfg.Node.APIPort > 0 {
		return uint16(a.cfg.Node.APIPort)
	}
	if addr, ok := a.APIAddr(); ok {
		if tcp, ok := addr.(*net.TCPAddr); ok {
			return uint16(tcp.Port)
		}
	}
	if a.cfg.API.Enabled {
		return uint16(a.cfg.API.Port())
	}
	return 0
}
