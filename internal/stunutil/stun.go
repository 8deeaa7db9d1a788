package stunutil

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/pion/stun/v3"
)

const (
	NATTypeUnknown          = "unknown"
	NATTypeSymmetric        = "symmetric"
	NATTypeConeOrRestricted = "cone_or_restricted"
)

// Mapping is the server-reflexive address seen by the STUN servers.
type Mapping struct {
	Addr    netip.AddrPort `json:"addr"`
	NATType string         `json:"nat_type"`
}

// Probe queries every server and returns the first mapped address plus a NAT
// classification from comparing all answers. The mapping belongs to the probe
// socket only; the port is not reusable by other sockets.
func Probe(ctx context.Context, servers []string, timeout time.Duration) (Mapping, error) {
	if len(servers) == 0 {
		return Mapping{NATType: NATTypeUnknown}, errors.New("no STUN servers provided")
	}

	results := make([]netip.AddrPort, 0, len(servers))
	var lastErr error
	for _, server := range servers {
		addr, err := probeServer(ctx, server, timeout)
		if err != nil {
			lastErr = fmt.Errorf("stun %s: %w", server, err)
			continue
		}
		results = append(results, addr)
	}

	if len(results) == 0 {
		if lastErr == nil {
			lastErr = errors.New("STUN probe failed")
		}
		return Mapping{NATType: NATTypeUnknown}, lastErr
	}
	return Mapping{Addr: results[0], NATType: Classify(results)}, nil
}

// Classify infers NAT type by comparing mapped addresses from multiple servers.
func Classify(addrs []netip.AddrPort) string {
	if len(addrs) < 2 {
		return NATTypeUnknown
	}
	for _, addr := range addrs[1:] {
		if addr != addrs[0] {
			return NATTypeSymmetric
		}
	}
	return NATTypeConeOrRestricted
}

func probeServer(ctx context.Context, server string, timeout time.Duration) (netip.AddrPort, error) {
	uriStr := strings.TrimSpace(server)
	if uriStr == "" {
		return netip.AddrPort{}, errors.New("empty STUN server")
	}
	if !strings.HasPrefix(uriStr, "stun:") {
		uriStr = "stun:" + uriStr
	}

	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return netip.AddrPort{}, err
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return netip.AddrPort{}, err
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	result := make(chan stun.XORMappedAddress, 1)
	fail := make(chan error, 1)

	go func() {
		var addr stun.XORMappedAddress
		err := client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				fail <- res.Error
				return
			}
			if err := addr.GetFrom(res.Message); err != nil {
				fail <- err
				return
			}
			result <- addr
		})
		if err != nil {
			fail <- err
		}
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case addr := <-result:
		ip, ok := netip.AddrFromSlice(addr.IP)
		if !ok {
			return netip.AddrPort{}, fmt.Errorf("bad mapped address %s", addr)
		}
		return netip.AddrPortFrom(ip.Unmap(), uint16(addr.Port)), nil
	case err := <-fail:
		return netip.AddrPort{}, err
	case <-ctx.Done():
		return netip.AddrPort{}, ctx.Err()
	}
}
