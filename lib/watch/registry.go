package watch

import (
	"sync"
	"time"

	"github.com/ValentinKolb/dRange/lib/rangeerr"
	"github.com/ValentinKolb/dRange/lib/util"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("watch")

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// EventType says why a subscription fired
type EventType uint8

const (
	EventPut     EventType = iota // The key (or a key below the watched prefix) was written.
	EventDelete                   // The key was deleted.
	EventTimeout                  // The deadline passed without a change.
)

func (t EventType) String() string {
	switch t {
	case EventPut:
		return "Put"
	case EventDelete:
		return "Delete"
	case EventTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// Event is delivered to a Notifier exactly once per subscription
type Event struct {
	Type EventType
	// WatchKey is the encoded key the subscription was registered under
	WatchKey []byte
	// Key is the encoded key that changed, it differs from WatchKey for prefix watches
	Key     []byte
	Version int64
	Value   []byte
	Ext     []byte
}

// Notifier receives the single event of a subscription. It is always called
// without registry locks held.
type Notifier interface {
	Notify(ev Event)
}

// NotifierFunc adapts a function to the Notifier interface
type NotifierFunc func(ev Event)

func (f NotifierFunc) Notify(ev Event) { f(ev) }

// Subscription is one (key, session) pair waiting for a change
type Subscription struct {
	Key       string
	SessionID uint64
	Deadline  time.Time
	// Prefix subscriptions also fire for writes below Key
	Prefix bool
	// StartVersion is the version the client has already seen
	StartVersion int64
	Notifier     Notifier
}

type subKey struct {
	key     string
	session uint64
}

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

// Registry holds every watch subscription of a node. The forward index
// (key -> session -> subscription), the reverse index (session -> keys) and
// the deadline heap are always changed together under mu.
type Registry struct {
	mu        sync.Mutex
	keys      map[string]map[uint64]*Subscription
	sessions  map[uint64]map[string]struct{}
	deadlines *util.MapHeap[subKey]
	capacity  int

	wake   chan struct{}
	stop   chan struct{}
	closed bool
	waiter sync.WaitGroup
}

// NewRegistry creates a registry that accepts at most capacity distinct keys
// (0 means unlimited) and starts its expiry waiter.
func NewRegistry(capacity int) *Registry {
	r := &Registry{
		keys:      make(map[string]map[uint64]*Subscription),
		sessions:  make(map[uint64]map[string]struct{}),
		deadlines: util.NewMapHeap[subKey](),
		capacity:  capacity,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	r.waiter.Add(1)
	go r.expireLoop()
	return r
}

// AddWatcher registers sub under key. Adding an existing (key, session)
// pair replaces its notifier and deadline and keeps a single subscription;
// the replaced notifier receives a Timeout event.
// A new distinct key is rejected once the registry holds capacity keys.
func (r *Registry) AddWatcher(key []byte, sub Subscription) error {
	sub.Key = string(key)
	sk := subKey{key: sub.Key, session: sub.SessionID}

	r.mu.Lock()
	subs, known := r.keys[sub.Key]
	if !known && r.capacity > 0 && len(r.keys) >= r.capacity {
		r.mu.Unlock()
		Logger.Warningf("add watcher failed: registry holds the maximum of %d keys", r.capacity)
		return rangeerr.Newf(rangeerr.CodeCapacityExceeded, "watch registry full (%d keys)", r.capacity)
	}
	if !known {
		subs = make(map[uint64]*Subscription)
		r.keys[sub.Key] = subs
	}
	replaced := subs[sub.SessionID]
	subs[sub.SessionID] = &sub

	keys, ok := r.sessions[sub.SessionID]
	if !ok {
		keys = make(map[string]struct{})
		r.sessions[sub.SessionID] = keys
	}
	keys[sub.Key] = struct{}{}

	r.deadlines.AddItem(sk, sub.Deadline.UnixNano())
	r.mu.Unlock()

	if replaced != nil && replaced.Notifier != nil {
		replaced.Notifier.Notify(Event{Type: EventTimeout, WatchKey: key, Key: key})
	}
	r.signal()
	return nil
}

// DelWatcher removes the (key, session) pair from every index
func (r *Registry) DelWatcher(session uint64, key []byte) error {
	r.mu.Lock()
	_, ok := r.removeLocked(string(key), session)
	r.mu.Unlock()

	if !ok {
		return rangeerr.Newf(rangeerr.CodeNotFound, "no watcher for session %d", session)
	}
	r.signal()
	return nil
}

// GetWatchers returns copies of the subscriptions of an exact key. known is
// false if nobody watches the key.
func (r *Registry) GetWatchers(key []byte) (subs []Subscription, known bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, known := r.keys[string(key)]
	if !known {
		return nil, false
	}
	subs = make([]Subscription, 0, len(m))
	for _, s := range m {
		subs = append(subs, *s)
	}
	return subs, true
}

// TakeWatchers removes and returns the subscriptions of key accepted by
// filter (nil accepts all). The caller owns the returned subscriptions and
// notifies them after this call returned.
func (r *Registry) TakeWatchers(key []byte, filter func(*Subscription) bool) []*Subscription {
	r.mu.Lock()
	m, ok := r.keys[string(key)]
	if !ok {
		r.mu.Unlock()
		return nil
	}

	var taken []*Subscription
	for session, s := range m {
		if filter != nil && !filter(s) {
			continue
		}
		if sub, removed := r.removeLocked(s.Key, session); removed {
			taken = append(taken, sub)
		}
	}
	r.mu.Unlock()

	if len(taken) > 0 {
		r.signal()
	}
	return taken
}

// Notify takes the subscriptions of watchKey accepted by filter and delivers
// ev to them. It returns the number of notified subscriptions.
func (r *Registry) Notify(watchKey []byte, ev Event, filter func(*Subscription) bool) int {
	subs := r.TakeWatchers(watchKey, filter)
	ev.WatchKey = watchKey
	for _, s := range subs {
		s.Notifier.Notify(ev)
	}
	return len(subs)
}

// Len returns the number of subscriptions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deadlines.Len()
}

// KeyCount returns the number of distinct watched keys
func (r *Registry) KeyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

// Close stops the expiry waiter. Remaining subscriptions are not notified.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.stop)
	r.waiter.Wait()
}

// --------------------------------------------------------------------------
// Expiry Waiter
// --------------------------------------------------------------------------

// expireLoop sleeps until the nearest deadline, or until a structural change
// wakes it, and fires the timeout of every subscription that is due.
func (r *Registry) expireLoop() {
	defer r.waiter.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		for _, s := range r.takeExpired(time.Now()) {
			Logger.Debugf("watcher of session %d expired", s.SessionID)
			s.Notifier.Notify(Event{Type: EventTimeout, WatchKey: []byte(s.Key), Key: []byte(s.Key)})
		}

		r.mu.Lock()
		head, ok := r.deadlines.Peek()
		r.mu.Unlock()

		var timerC <-chan time.Time
		if ok {
			timer.Reset(time.Until(time.Unix(0, head.Priority)))
			timerC = timer.C
		}

		select {
		case <-r.stop:
			return
		case <-r.wake:
		case <-timerC:
		}
	}
}

// takeExpired removes every subscription whose deadline is not after now.
// The deadline is checked under the lock, so a subscription that was
// delivered or deleted in the meantime never fires.
func (r *Registry) takeExpired(now time.Time) []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []*Subscription
	for {
		head, ok := r.deadlines.Peek()
		if !ok || head.Priority > now.UnixNano() {
			return expired
		}
		if sub, removed := r.removeLocked(head.Key.key, head.Key.session); removed {
			expired = append(expired, sub)
		} else {
			// heap entry without index entry, drop it so the loop terminates
			r.deadlines.RemoveByKey(head.Key)
		}
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// removeLocked deletes the pair from all three structures. Callers hold mu.
func (r *Registry) removeLocked(key string, session uint64) (*Subscription, bool) {
	subs, ok := r.keys[key]
	if !ok {
		return nil, false
	}
	sub, ok := subs[session]
	if !ok {
		return nil, false
	}

	delete(subs, session)
	if len(subs) == 0 {
		delete(r.keys, key)
	}

	if keys, ok := r.sessions[session]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(r.sessions, session)
		}
	}

	r.deadlines.RemoveByKey(subKey{key: key, session: session})
	return sub, true
}

// signal wakes the expiry waiter without blocking
func (r *Registry) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}
