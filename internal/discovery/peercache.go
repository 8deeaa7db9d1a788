package discovery

import (
	"net/netip"
	"sync"
	"time"
)

// PeerCache holds the last result of an external peer source (WireGuard
// inspection or a VPN sweep). Readers never wait for a refresh in progress.
type PeerCache struct {
	mu        sync.RWMutex
	addrs     []netip.Addr
	set       map[netip.Addr]struct{}
	updatedAt time.Time
}

func NewPeerCache() *PeerCache {
	return &PeerCache{set: map[netip.Addr]struct{}{}}
}

// Set replaces the cached addresses.
func (c *PeerCache) Set(addrs []netip.Addr) {
	cp := make([]netip.Addr, 0, len(addrs))
	set := make(map[netip.Addr]struct{}, len(addrs))
	for _, a := range addrs {
		a = a.Unmap()
		if _, ok := set[a]; ok {
			continue
		}
		set[a] = struct{}{}
		cp = append(cp, a)
	}

	c.mu.Lock()
	c.addrs, c.set, c.updatedAt = cp, set, time.Now()
	c.mu.Unlock()
}

// Get returns a copy of the cached addresses.
func (c *PeerCache) Get() []netip.Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]netip.Addr(nil), c.addrs...)
}

func (c *PeerCache) Contains(a netip.Addr) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.set[a.Unmap()]
	return ok
}

// UpdatedAt is the time of the last Set, zero if never set.
func (c *PeerCache) UpdatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updatedAt
}
