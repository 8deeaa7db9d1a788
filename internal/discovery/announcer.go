package discovery

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"meshprobe/internal/addrutil"
	"meshprobe/internal/model"
	"meshprobe/internal/telemetry"
)

const (
	DefaultInterval  = 30 * time.Second
	DefaultScanEvery = 10
	DefaultPort      = 5678
)

// DefaultGroup is the IPv4 multicast group announcements are sent to.
var DefaultGroup = netip.AddrPortFrom(netip.AddrFrom4([4]byte{239, 255, 42, 1}), DefaultPort)

// Destination kinds used in logs and metrics.
const (
	destMulticast = "multicast"
	destWireGuard = "wireguard"
	destVPN       = "vpn"
)

// PacketWriter is the sending half of a UDP socket.
type PacketWriter interface {
	WriteTo(p []byte, addr net.Addr) (int, error)
}

// PeerSource returns tunnel peers that multicast cannot reach.
type PeerSource interface {
	PeerIPs(ctx context.Context) []netip.Addr
}

// SubnetScanner sweeps VPN subnets for responding hosts.
type SubnetScanner interface {
	Scan(ctx context.Context) []netip.Addr
}

// Members is the read side of the registry the announcer needs.
type Members interface {
	LocalID() string
	IDs() []string
}

// Self describes the local node as announced.
type Self struct {
	Hostname string
	APIPort  uint16
	Version  string
	// Addresses is called once per cycle.
	Addresses func() []netip.Addr
}

type AnnouncerOptions struct {
	Group     netip.AddrPort
	Interval  time.Duration
	ScanEvery int
}

// Announcer periodically advertises the local node to the multicast group
// and, by unicast, to WireGuard peers and hosts found by VPN sweeps.
type Announcer struct {
	members Members
	conn    PacketWriter
	self    Self
	opts    AnnouncerOptions

	wg      PeerSource
	scanner SubnetScanner
	peers   *Peers
	log     *zap.Logger

	cycle    uint64
	scanning atomic.Bool
	scans    sync.WaitGroup
	now      func() time.Time
}

// Peers are the caches shared between announcer and listener.
type Peers struct {
	WireGuard *PeerCache
	VPN       *PeerCache
}

func NewPeers() *Peers {
	return &Peers{WireGuard: NewPeerCache(), VPN: NewPeerCache()}
}

// NewAnnouncer builds an announcer. wg and scanner may be nil to disable
// those unicast sources.
func NewAnnouncer(members Members, conn PacketWriter, self Self, opts AnnouncerOptions, wg PeerSource, scanner SubnetScanner, peers *Peers, log *zap.Logger) *Announcer {
	if !opts.Group.IsValid() {
		opts.Group = DefaultGroup
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ScanEvery <= 0 {
		opts.ScanEvery = DefaultScanEvery
	}
	if self.Addresses == nil {
		self.Addresses = func() []netip.Addr { return addrutil.LocalAddresses() }
	}
	if peers == nil {
		peers = NewPeers()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Announcer{
		members: members,
		conn:    conn,
		self:    self,
		opts:    opts,
		wg:      wg,
		scanner: scanner,
		peers:   peers,
		log:     log,
		now:     time.Now,
	}
}

// Run announces immediately and then every interval until ctx is cancelled.
// It waits for a VPN sweep still running before returning.
func (a *Announcer) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()
	defer a.scans.Wait()
	a.log.Info("announcer started",
		zap.Stringer("group", a.opts.Group),
		zap.Duration("interval", a.opts.Interval),
		zap.Int("scan_every", a.opts.ScanEvery))

	a.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Cycle(ctx)
		}
	}
}

// Cycle performs one announce round. Send failures are logged and skipped.
func (a *Announcer) Cycle(ctx context.Context) {
	data, err := EncodeAnnounce(a.announcement())
	if err != nil {
		a.log.Error("encode announce failed", zap.Error(err))
		return
	}

	a.send(data, a.opts.Group, destMulticast)

	var wgPeers []netip.Addr
	if a.wg != nil {
		wgPeers = a.wg.PeerIPs(ctx)
		a.peers.WireGuard.Set(wgPeers)
	}
	vpnPeers := a.peers.VPN.Get()
	if a.scanner != nil && a.cycle%uint64(a.opts.ScanEvery) == 0 {
		a.triggerScan(ctx)
	}
	a.cycle++

	a.sendUnicast(data, wgPeers, vpnPeers)
}

// Goodbye sends a Goodbye to the group and to every unicast peer currently
// cached.
func (a *Announcer) Goodbye(reason string) {
	data, err := EncodeGoodbye(Goodbye{NodeID: a.members.LocalID(), Reason: reason})
	if err != nil {
		a.log.Error("encode goodbye failed", zap.Error(err))
		return
	}
	a.send(data, a.opts.Group, destMulticast)
	a.sendUnicast(data, a.peers.WireGuard.Get(), a.peers.VPN.Get())
	a.log.Info("sent goodbye", zap.String("reason", reason))
}

func (a *Announcer) announcement() Announce {
	return Announce{
		NodeID:     a.members.LocalID(),
		Hostname:   a.self.Hostname,
		Addresses:  a.self.Addresses(),
		Port:       a.self.APIPort,
		Timestamp:  model.FormatTimestamp(a.now()),
		Version:    a.self.Version,
		KnownPeers: a.members.IDs(),
	}
}

// sendUnicast sends one batch per source concurrently and waits for both.
func (a *Announcer) sendUnicast(data []byte, wgPeers, vpnPeers []netip.Addr) {
	port := a.opts.Group.Port()
	var wg sync.WaitGroup
	for _, batch := range []struct {
		dest  string
		addrs []netip.Addr
	}{{destWireGuard, wgPeers}, {destVPN, vpnPeers}} {
		if len(batch.addrs) == 0 {
			continue
		}
		wg.Add(1)
		go func(dest string, targets []netip.AddrPort) {
			defer wg.Done()
			for _, t := range targets {
				a.send(data, t, dest)
			}
		}(batch.dest, addrutil.WithPort(batch.addrs, port))
	}
	wg.Wait()
}

func (a *Announcer) send(data []byte, dst netip.AddrPort, dest string) {
	_, err := a.conn.WriteTo(data, net.UDPAddrFromAddrPort(dst))
	telemetry.MessagesSent.WithLabelValues(dest, telemetry.Result(err)).Inc()
	if err != nil {
		a.log.Warn("discovery send failed", zap.String("dest", dest), zap.Stringer("to", dst), zap.Error(err))
		return
	}
	a.log.Debug("discovery datagram sent", zap.String("dest", dest), zap.Stringer("to", dst), zap.Int("bytes", len(data)))
}

// triggerScan starts a VPN sweep in the background unless one is running.
func (a *Announcer) triggerScan(ctx context.Context) {
	if !a.scanning.CompareAndSwap(false, true) {
		a.log.Debug("vpn scan still running, skipping trigger")
		return
	}
	a.scans.Add(1)
	go func() {
		defer a.scans.Done()
		defer a.scanning.Store(false)
		found := a.scanner.Scan(ctx)
		if ctx.Err() != nil {
			return
		}
		a.peers.VPN.Set(found)
		a.log.Info("vpn peer cache updated", zap.Int("peers", len(found)))
	}()
}

// WaitScans blocks until a background sweep, if any, has finished.
func (a *Announcer) WaitScans() {
	a.scans.Wait()
}
