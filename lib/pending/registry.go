package pending

import (
	"sync"
	"time"

	"github.com/ValentinKolb/dRange/lib/rangeerr"
	"github.com/ValentinKolb/dRange/lib/util"
)

// Registry tracks requests that wait for a raft round trip.
//
// Every entry is handed out exactly once: either Take on the apply path or
// ScanOneExpired followed by Take on the sweep path wins, the loser gets
// ok=false and must do nothing. Ownership of the value moves to the caller
// of Take.
type Registry[V any] struct {
	mu        sync.Mutex
	entries   map[uint64]V
	deadlines *util.MapHeap[uint64]
}

func NewRegistry[V any]() *Registry[V] {
	return &Registry[V]{
		entries:   make(map[uint64]V),
		deadlines: util.NewMapHeap[uint64](),
	}
}

// Add tracks value under id until deadline. It fails if id is already tracked.
func (r *Registry[V]) Add(id uint64, value V, deadline time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		return rangeerr.Newf(rangeerr.CodeExists, "pending request %d already registered", id)
	}
	r.entries[id] = value
	r.deadlines.AddItem(id, deadline.UnixNano())
	return nil
}

// Remove drops an entry without handing it out, for requests answered inline
func (r *Registry[V]) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, id)
	r.deadlines.RemoveByKey(id)
}

// Take removes and returns the entry
func (r *Registry[V]) Take(id uint64) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	value, ok := r.entries[id]
	if !ok {
		var zero V
		return zero, false
	}
	delete(r.entries, id)
	r.deadlines.RemoveByKey(id)
	return value, true
}

// ScanOneExpired returns the id with the earliest deadline if that deadline
// is not after now. The entry stays registered, the caller claims it with Take.
func (r *Registry[V]) ScanOneExpired(now time.Time) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	head, ok := r.deadlines.Peek()
	if !ok || head.Priority > now.UnixNano() {
		return 0, false
	}
	return head.Key, true
}

// Len returns the number of tracked entries
func (r *Registry[V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
