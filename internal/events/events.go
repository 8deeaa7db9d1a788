package events

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"meshprobe/internal/model"
)

// Type discriminates events on the wire.
type Type string

const (
	TypeLatencyUpdate  Type = "latency_update"
	TypeNodeDiscovered Type = "node_discovered"
	TypeNodeRemoved    Type = "node_removed"
)

// Removal reasons carried by node_removed events.
const (
	ReasonGoodbye = "goodbye"
	ReasonStale   = "stale"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 100

// Connection is one measured edge of the mesh.
type Connection struct {
	From      string `json:"from"`
	To        string `json:"to"`
	LatencyMs uint32 `json:"latency_ms"`
	Timestamp string `json:"timestamp"`
}

// Event is published to every subscriber of a Broadcaster.
type Event struct {
	Type        Type              `json:"type"`
	Connections []Connection      `json:"connections,omitempty"`
	Node        *model.NodeRecord `json:"node,omitempty"`
	NodeID      string            `json:"node_id,omitempty"`
	Reason      string            `json:"reason,omitempty"`
}

// LatencyUpdate builds a latency_update event for a single successful probe.
func LatencyUpdate(from, to string, latencyMs float64, at time.Time) Event {
	return Event{
		Type: TypeLatencyUpdate,
		Connections: []Connection{{
			From:      from,
			To:        to,
			LatencyMs: uint32(math.Round(latencyMs)),
			Timestamp: model.FormatTimestamp(at),
		}},
	}
}

// NodeDiscovered builds a node_discovered event.
func NodeDiscovered(rec model.NodeRecord) Event {
	c := rec.Clone()
	return Event{Type: TypeNodeDiscovered, Node: &c, NodeID: rec.ID}
}

// NodeRemoved builds a node_removed event.
func NodeRemoved(id, reason string) Event {
	return Event{Type: TypeNodeRemoved, NodeID: id, Reason: reason}
}

// Publisher is the write side handed to services.
type Publisher interface {
	Publish(Event)
}

// Broadcaster fans events out to any number of subscribers. Publish never
// blocks: a subscriber whose queue is full misses the event.
type Broadcaster struct {
	buffer int

	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	dropped atomic.Uint64
	closed  bool
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{buffer: buffer, subs: map[uint64]chan Event{}}
}

// Subscribe registers a new subscriber. The returned cancel func unregisters
// it and closes the channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				close(c)
				delete(b.subs, id)
			}
		})
	}
}

// Publish delivers ev to every subscriber with room in its queue.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a queue was full.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the current subscriber count.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel; later publishes are discarded.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
