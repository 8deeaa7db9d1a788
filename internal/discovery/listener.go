package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"

	"meshprobe/internal/events"
	"meshprobe/internal/model"
	"meshprobe/internal/telemetry"
)

const (
	maxDatagram     = 65535
	readBackoff     = 100 * time.Millisecond
	readErrLogEvery = 10 * time.Second
)

// Table is the registry surface the listener mutates.
type Table interface {
	LocalID() string
	AddOrUpdate(rec model.NodeRecord) bool
	Remove(id string) bool
	Len() int
}

// Listener applies received discovery datagrams to the registry.
type Listener struct {
	table Table
	pub   events.Publisher
	log   *zap.Logger

	readBackoff time.Duration
	readErrLog  rate.Sometimes
}

func NewListener(table Table, pub events.Publisher, log *zap.Logger) *Listener {
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{
		table:       table,
		pub:         pub,
		log:         log,
		readBackoff: readBackoff,
		readErrLog:  rate.Sometimes{First: 1, Interval: readErrLogEvery},
	}
}

// ListenGroup binds the group port on all addresses and joins the multicast
// group on every up, multicast-capable interface. The socket also receives
// unicast announcements sent to the port. Memberships last until the returned
// conn is closed.
func ListenGroup(group netip.AddrPort, log *zap.Logger) (net.PacketConn, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", group.Port()))
	if err != nil {
		return nil, fmt.Errorf("listen discovery port %d: %w", group.Port(), err)
	}
	p := ipv4.NewPacketConn(c)
	gaddr := &net.UDPAddr{IP: group.Addr().AsSlice()}

	joined := 0
	ifaces, _ := net.Interfaces()
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := p.JoinGroup(&iface, gaddr); err != nil {
			log.Debug("join multicast group failed", zap.String("interface", iface.Name), zap.Error(err))
			continue
		}
		joined++
	}
	if joined == 0 {
		if err := p.JoinGroup(nil, gaddr); err != nil {
			c.Close()
			return nil, fmt.Errorf("join multicast group %s: %w", group.Addr(), err)
		}
		joined = 1
	}
	log.Info("joined multicast group", zap.Stringer("group", group), zap.Int("interfaces", joined))
	return c, nil
}

// Run reads datagrams from conn until ctx is cancelled, closing conn on the
// way out. Read errors are logged at most every few seconds and followed by a
// short pause before the next read.
func (l *Listener) Run(ctx context.Context, conn net.PacketConn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	buf := make([]byte, maxDatagram)
	for {
		n, src, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			telemetry.MessagesReceived.WithLabelValues("error").Inc()
			l.readErrLog.Do(func() {
				l.log.Warn("discovery receive failed", zap.Error(err))
			})
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(l.readBackoff):
			}
			continue
		}
		var from netip.Addr
		if ua, ok := src.(*net.UDPAddr); ok {
			from = ua.AddrPort().Addr().Unmap()
		}
		l.Handle(buf[:n], from)
	}
}

// Handle applies one datagram received from src. Malformed input is counted
// and dropped.
func (l *Listener) Handle(data []byte, src netip.Addr) {
	msg, err := Decode(data)
	if err != nil {
		telemetry.MessagesReceived.WithLabelValues("invalid").Inc()
		l.log.Debug("dropping discovery datagram", zap.Stringer("from", src), zap.Error(err))
		return
	}
	telemetry.MessagesReceived.WithLabelValues(string(msg.Type)).Inc()

	switch msg.Type {
	case TypeAnnounce:
		l.announce(msg.Announce, src)
	case TypeGoodbye:
		l.goodbye(msg.Goodbye)
	}
	telemetry.KnownNodes.Set(float64(l.table.Len()))
}

// announce upserts a remote node. Every announce is tagged "broadcast",
// whether it arrived via the group or as a unicast to the port.
func (l *Listener) announce(a *Announce, src netip.Addr) {
	if a.NodeID == l.table.LocalID() {
		return
	}
	rec := model.NodeRecord{
		ID:            a.NodeID,
		Hostname:      a.Hostname,
		Addresses:     a.Addresses,
		Port:          a.Port,
		Status:        model.StatusOnline,
		LastSeen:      a.Timestamp,
		DiscoveredVia: model.ViaBroadcast,
	}
	if !l.table.AddOrUpdate(rec) {
		l.log.Debug("refreshed node", zap.String("node_id", a.NodeID), zap.Int("known_peers", len(a.KnownPeers)))
		return
	}
	telemetry.MembershipChanges.WithLabelValues("add", rec.DiscoveredVia).Inc()
	l.log.Info("discovered node",
		zap.String("node_id", a.NodeID),
		zap.String("hostname", a.Hostname),
		zap.Stringer("from", src),
		zap.String("version", a.Version))
	if l.pub != nil {
		l.pub.Publish(events.NodeDiscovered(rec))
	}
}

func (l *Listener) goodbye(g *Goodbye) {
	if g.NodeID == l.table.LocalID() {
		return
	}
	if !l.table.Remove(g.NodeID) {
		return
	}
	telemetry.MembershipChanges.WithLabelValues("remove", events.ReasonGoodbye).Inc()
	l.log.Info("node left", zap.String("node_id", g.NodeID), zap.String("reason", g.Reason))
	if l.pub != nil {
		l.pub.Publish(events.NodeRemoved(g.NodeID, events.ReasonGoodbye))
	}
}
