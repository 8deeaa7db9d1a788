package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"meshprobe/internal/model"
)

// Registry is the membership table shared by every service of a node. It
// never holds the local node.
type Registry struct {
	localID string
	now     func() time.Time

	mu    sync.RWMutex
	nodes map[string]model.NodeRecord
}

// New creates an empty registry with a fresh random local id.
func New() *Registry {
	return NewWithID(uuid.NewString())
}

// NewWithID creates an empty registry owned by localID.
func NewWithID(localID string) *Registry {
	return &Registry{
		localID: localID,
		now:     time.Now,
		nodes:   map[string]model.NodeRecord{},
	}
}

// LocalID returns this process's node id.
func (r *Registry) LocalID() string {
	return r.localID
}

// AddOrUpdate inserts rec or fully replaces the existing record with the same
// id. Records carrying the local id or an empty id are ignored. inserted is true
// when the id was not present before.
func (r *Registry) AddOrUpdate(rec model.NodeRecord) (inserted bool) {
	if rec.ID == "" || rec.ID == r.localID {
		return false
	}
	rec = rec.Clone()

	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed := r.nodes[rec.ID]
	r.nodes[rec.ID] = rec
	return !existed
}

// Remove deletes id. Removing an unknown id is a no-op that reports false.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; !ok {
		return false
	}
	delete(r.nodes, id)
	return true
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (model.NodeRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.nodes[id]
	if !ok {
		return model.NodeRecord{}, false
	}
	return rec.Clone(), true
}

// List returns a point-in-time copy of all records ordered by id.
func (r *Registry) List() []model.NodeRecord {
	r.mu.RLock()
	out := make([]model.NodeRecord, 0, len(r.nodes))
	for _, rec := range r.nodes {
		out = append(out, rec.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the ids of all known nodes ordered.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		out = append(out, id)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Len returns the number of known nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// EvictStale removes every record whose last_seen is older than timeout, or
// cannot be parsed, and returns the removed records.
func (r *Registry) EvictStale(timeout time.Duration) []model.NodeRecord {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []model.NodeRecord
	for id, rec := range r.nodes {
		seen, err := model.ParseTimestamp(rec.LastSeen)
		if err != nil || now.Sub(seen) > timeout {
			delete(r.nodes, id)
			removed = append(removed, rec)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].ID < removed[j].ID })
	return removed
}
