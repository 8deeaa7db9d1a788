package probe

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	protoICMP   = 1
	protoICMPv6 = 58
)

// Pinger sends one echo request and reports the round-trip time.
type Pinger interface {
	Ping(ctx context.Context, addr netip.Addr, timeout time.Duration) (time.Duration, error)
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context, addr netip.Addr, timeout time.Duration) (time.Duration, error)

func (f PingerFunc) Ping(ctx context.Context, addr netip.Addr, timeout time.Duration) (time.Duration, error) {
	return f(ctx, addr, timeout)
}

// ICMPPinger uses unprivileged ICMP datagram sockets where the kernel allows
// them (net.ipv4.ping_group_range) and raw sockets otherwise.
type ICMPPinger struct {
	id  int
	seq atomic.Uint32
}

func NewICMPPinger() *ICMPPinger {
	return &ICMPPinger{id: rand.IntN(0xffff)}
}

// Ping returns the RTT to addr or an error when no reply arrived within
// timeout (or before ctx was cancelled).
func (p *ICMPPinger) Ping(ctx context.Context, addr netip.Addr, timeout time.Duration) (time.Duration, error) {
	addr = addr.Unmap()
	if !addr.IsValid() {
		return 0, fmt.Errorf("ping: invalid address")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	conn, privileged, err := listen(addr.Is4())
	if err != nil {
		return 0, fmt.Errorf("ping %s: %w", addr, err)
	}
	defer conn.Close()
	if err := conn.SetDeadline(deadline); err != nil {
		return 0, fmt.Errorf("ping %s: %w", addr, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	seq := int(p.seq.Add(1) & 0xffff)
	payload := make([]byte, 16)
	binary.BigEndian.PutUint64(payload, uint64(time.Now().UnixNano()))
	binary.BigEndian.PutUint64(payload[8:], rand.Uint64())

	var reqType, replyType icmp.Type = ipv4.ICMPTypeEcho, ipv4.ICMPTypeEchoReply
	proto := protoICMP
	if !addr.Is4() {
		reqType, replyType = ipv6.ICMPTypeEchoRequest, ipv6.ICMPTypeEchoReply
		proto = protoICMPv6
	}
	msg := icmp.Message{
		Type: reqType,
		Body: &icmp.Echo{ID: p.id, Seq: seq, Data: payload},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return 0, fmt.Errorf("ping %s: %w", addr, err)
	}

	var dst net.Addr = &net.UDPAddr{IP: addr.AsSlice(), Zone: addr.Zone()}
	if privileged {
		dst = &net.IPAddr{IP: addr.AsSlice(), Zone: addr.Zone()}
	}

	start := time.Now()
	if _, err := conn.WriteTo(wire, dst); err != nil {
		return 0, fmt.Errorf("ping %s: %w", addr, err)
	}

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, fmt.Errorf("ping %s: %w", addr, err)
		}
		reply, err := icmp.ParseMessage(proto, buf[:n])
		if err != nil || reply.Type != replyType {
			continue
		}
		echo, ok := reply.Body.(*icmp.Echo)
		if !ok || echo.Seq != seq || !bytes.Equal(echo.Data, payload) {
			continue
		}
		// Datagram sockets get their id rewritten by the kernel.
		if privileged && echo.ID != p.id {
			continue
		}
		return time.Since(start), nil
	}
}

func listen(v4 bool) (*icmp.PacketConn, bool, error) {
	network, raw, laddr := "udp4", "ip4:icmp", "0.0.0.0"
	if !v4 {
		network, raw, laddr = "udp6", "ip6:ipv6-icmp", "::"
	}
	if conn, err := icmp.ListenPacket(network, laddr); err == nil {
		return conn, false, nil
	}
	conn, err := icmp.ListenPacket(raw, laddr)
	if err != nil {
		return nil, false, err
	}
	return conn, true, nil
}
