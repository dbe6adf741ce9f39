package diverter

import (
	"sort"
	"sync"
)

// Registry is the arena of per-diverter locks. Locks are created lazily and
// never removed while the process runs.
type Registry struct {
	mu     sync.RWMutex
	locks  map[int64]*ResourceLock
	closed bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		locks: make(map[int64]*ResourceLock),
	}
}

// Get returns the lock for diverterID, creating it on first use. After Close
// it returns a closed lock so callers fail fast instead of panicking.
func (r *Registry) Get(diverterID int64) *ResourceLock {
	r.mu.RLock()
	l, ok := r.locks[diverterID]
	r.mu.RUnlock()
	if ok {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.locks[diverterID]; ok {
		return l
	}
	l = NewResourceLock(diverterID)
	if r.closed {
		l.Close()
	}
	r.locks[diverterID] = l
	return l
}

// DiverterIDs returns the ids of every lock created so far.
func (r *Registry) DiverterIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.locks))
	for id := range r.locks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close closes every lock. It is idempotent.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, l := range r.locks {
		l.Close()
	}
}
