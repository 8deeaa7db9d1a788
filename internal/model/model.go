package model

import (
	"net/netip"
	"time"
)

// Status is the liveness state of a node as seen by the registry.
type Status string

const (
	StatusOnline      Status = "online"
	StatusOffline     Status = "offline"
	StatusUnreachable Status = "unreachable"
)

// Provenance tags for DiscoveredVia.
const (
	ViaBroadcast = "broadcast"
	ViaWireGuard = "wireguard"
	ViaVPNScan   = "vpn_scan"
)

// NodeRecord is one discovered node in the mesh.
type NodeRecord struct {
	ID            string       `json:"id" yaml:"id"`
	Hostname      string       `json:"hostname" yaml:"hostname"`
	Addresses     []netip.Addr `json:"addresses" yaml:"addresses"`
	Port          uint16       `json:"port" yaml:"port"`
	Status        Status       `json:"status" yaml:"status"`
	LastSeen      string       `json:"last_seen" yaml:"last_seen"` // RFC 3339
	DiscoveredVia string       `json:"discovered_via" yaml:"discovered_via"`
}

// PrimaryAddr returns the first address, used for liveness probing.
func (n NodeRecord) PrimaryAddr() (netip.Addr, bool) {
	if len(n.Addresses) == 0 {
		return netip.Addr{}, false
	}
	return n.Addresses[0], true
}

// Clone returns a deep copy so snapshots never alias registry state.
func (n NodeRecord) Clone() NodeRecord {
	out := n
	if n.Addresses != nil {
		out.Addresses = append([]netip.Addr(nil), n.Addresses...)
	}
	return out
}

// LatencySample is a single liveness probe result. LatencyMs is nil when the
// probe timed out or failed.
type LatencySample struct {
	NodeID    string     `json:"node_id"`
	Address   netip.Addr `json:"address"`
	LatencyMs *float64   `json:"latency_ms"`
	Timestamp time.Time  `json:"timestamp"`
}

// OK reports whether the probe got a reply.
func (s LatencySample) OK() bool {
	return s.LatencyMs != nil
}

// FormatTimestamp renders t the way last_seen and wire timestamps are stored.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTimestamp accepts any RFC 3339 timestamp (with or without fraction).
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
