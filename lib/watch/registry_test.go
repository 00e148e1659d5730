package watch

import (
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dRange/lib/rangeerr"
)

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// recorder collects the events of one subscription
type recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Event, 16)}
}

func (r *recorder) Notify(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func sub(session uint64, deadline time.Time, n Notifier) Subscription {
	return Subscription{SessionID: session, Deadline: deadline, Notifier: n}
}

func sessions(subs []Subscription) []uint64 {
	out := make([]uint64, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.SessionID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func far() time.Time { return time.Now().Add(time.Hour) }

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

// TestAddDelGet tests the basic subscription lifecycle of a key
func TestAddDelGet(t *testing.T) {
	r := NewRegistry(0)
	defer r.Close()
	k := []byte("k")

	if _, known := r.GetWatchers(k); known {
		t.Fatal("key should be unknown before AddWatcher")
	}

	_ = r.AddWatcher(k, sub(1, far(), newRecorder()))
	_ = r.AddWatcher(k, sub(2, far(), newRecorder()))

	subs, known := r.GetWatchers(k)
	if got := sessions(subs); !known || len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("GetWatchers() = %v, %v; want sessions [1 2]", got, known)
	}

	if err := r.DelWatcher(1, k); err != nil {
		t.Fatalf("DelWatcher() error = %v", err)
	}
	subs, _ = r.GetWatchers(k)
	if got := sessions(subs); len(got) != 1 || got[0] != 2 {
		t.Errorf("GetWatchers() after delete = %v, want [2]", got)
	}

	if err := r.DelWatcher(1, k); !rangeerr.Is(err, rangeerr.CodeNotFound) {
		t.Errorf("second DelWatcher() error = %v, want NotFound", err)
	}

	_ = r.DelWatcher(2, k)
	if _, known = r.GetWatchers(k); known {
		t.Error("key should be unknown after its last subscriber left")
	}
	if r.Len() != 0 || r.KeyCount() != 0 {
		t.Errorf("Len() = %d, KeyCount() = %d; want 0, 0", r.Len(), r.KeyCount())
	}

	// a fresh subscriber inserts the key again
	_ = r.AddWatcher(k, sub(3, far(), newRecorder()))
	subs, known = r.GetWatchers(k)
	if got := sessions(subs); !known || len(got) != 1 || got[0] != 3 {
		t.Errorf("GetWatchers() after re-add = %v, %v", got, known)
	}
}

// TestDelWatcherKeepsOtherKeys tests that deleting one pair leaves the other keys of a session alone
func TestDelWatcherKeepsOtherKeys(t *testing.T) {
	r := NewRegistry(0)
	defer r.Close()

	_ = r.AddWatcher([]byte("a"), sub(1, far(), newRecorder()))
	_ = r.AddWatcher([]byte("b"), sub(1, far(), newRecorder()))
	_ = r.AddWatcher([]byte("a"), sub(2, far(), newRecorder()))

	_ = r.DelWatcher(1, []byte("a"))

	if subs, _ := r.GetWatchers([]byte("a")); len(subs) != 1 || subs[0].SessionID != 2 {
		t.Errorf("key a should still be watched by session 2, got %v", sessions(subs))
	}
	if subs, known := r.GetWatchers([]byte("b")); !known || len(subs) != 1 {
		t.Error("key b of session 1 must survive")
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

// TestAddWatcherIdempotent tests that re-adding a pair keeps a single subscription
// and ends the replaced one with a timeout
func TestAddWatcherIdempotent(t *testing.T) {
	r := NewRegistry(0)
	defer r.Close()

	first, second := newRecorder(), newRecorder()
	_ = r.AddWatcher([]byte("k"), sub(1, far(), first))
	_ = r.AddWatcher([]byte("k"), sub(1, far(), second))

	if r.Len() != 1 || r.KeyCount() != 1 {
		t.Fatalf("Len() = %d, KeyCount() = %d; want 1, 1", r.Len(), r.KeyCount())
	}

	if n := r.Notify([]byte("k"), Event{Type: EventPut, Version: 3}, nil); n != 1 {
		t.Fatalf("Notify() = %d, want 1", n)
	}
	if first.count() != 1 || second.count() != 1 {
		t.Fatalf("events: first %d, second %d; want 1, 1", first.count(), second.count())
	}
	if ev := <-first.ch; ev.Type != EventTimeout || string(ev.WatchKey) != "k" {
		t.Errorf("replaced notifier got %s for %q, want Timeout", ev.Type, ev.WatchKey)
	}
	if ev := <-second.ch; ev.Type != EventPut || ev.Version != 3 {
		t.Errorf("latest notifier got %s at version %d, want Put at 3", ev.Type, ev.Version)
	}
}

// TestCapacity tests that new keys are rejected at capacity without touching existing subscriptions
func TestCapacity(t *testing.T) {
	r := NewRegistry(2)
	defer r.Close()

	_ = r.AddWatcher([]byte("a"), sub(1, far(), newRecorder()))
	_ = r.AddWatcher([]byte("b"), sub(1, far(), newRecorder()))

	err := r.AddWatcher([]byte("c"), sub(1, far(), newRecorder()))
	if !rangeerr.Is(err, rangeerr.CodeCapacityExceeded) {
		t.Fatalf("AddWatcher() beyond capacity error = %v", err)
	}
	if r.KeyCount() != 2 || r.Len() != 2 {
		t.Errorf("rejected add changed the registry: keys %d, subs %d", r.KeyCount(), r.Len())
	}

	// existing keys still accept new sessions
	if err := r.AddWatcher([]byte("a"), sub(2, far(), newRecorder())); err != nil {
		t.Errorf("AddWatcher() on existing key error = %v", err)
	}
}

// TestNotifyTakesSubscriptions tests delivery on write and the filter
func TestNotifyTakesSubscriptions(t *testing.T) {
	r := NewRegistry(0)
	defer r.Close()

	keep, fire := newRecorder(), newRecorder()
	_ = r.AddWatcher([]byte("k"), Subscription{SessionID: 1, Deadline: far(), Notifier: keep, StartVersion: 10})
	_ = r.AddWatcher([]byte("k"), Subscription{SessionID: 2, Deadline: far(), Notifier: fire, StartVersion: 1})

	// only subscriptions that have not seen version 5 fire
	n := r.Notify([]byte("k"), Event{Type: EventPut, Version: 5, Value: []byte("v")}, func(s *Subscription) bool {
		return s.StartVersion < 5
	})
	if n != 1 {
		t.Fatalf("Notify() = %d, want 1", n)
	}

	ev := <-fire.ch
	if ev.Type != EventPut || ev.Version != 5 || string(ev.WatchKey) != "k" {
		t.Errorf("unexpected event %+v", ev)
	}
	if keep.count() != 0 {
		t.Error("the filtered subscription must not fire")
	}

	subs, _ := r.GetWatchers([]byte("k"))
	if got := sessions(subs); len(got) != 1 || got[0] != 1 {
		t.Errorf("remaining watchers = %v, want [1]", got)
	}
	if err := r.DelWatcher(2, []byte("k")); err == nil {
		t.Error("a delivered subscription must be gone from the session index")
	}
}

// TestExpiry tests that the waiter fires timeouts in deadline order and cleans all indexes
func TestExpiry(t *testing.T) {
	r := NewRegistry(0)
	defer r.Close()

	order := make(chan uint64, 3)
	notifier := func(session uint64) Notifier {
		return NotifierFunc(func(ev Event) {
			if ev.Type != EventTimeout {
				t.Errorf("expected timeout event, got %v", ev.Type)
			}
			order <- session
		})
	}

	now := time.Now()
	_ = r.AddWatcher([]byte("x"), sub(3, now.Add(60*time.Millisecond), notifier(3)))
	_ = r.AddWatcher([]byte("y"), sub(1, now.Add(20*time.Millisecond), notifier(1)))
	_ = r.AddWatcher([]byte("z"), sub(2, now.Add(40*time.Millisecond), notifier(2)))

	for _, want := range []uint64{1, 2, 3} {
		select {
		case got := <-order:
			if got != want {
				t.Errorf("expired session %d, want %d", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for session %d to expire", want)
		}
	}

	if r.Len() != 0 || r.KeyCount() != 0 {
		t.Errorf("expired subscriptions left behind: Len %d KeyCount %d", r.Len(), r.KeyCount())
	}
	for _, k := range []string{"x", "y", "z"} {
		if _, known := r.GetWatchers([]byte(k)); known {
			t.Errorf("key %s still known after expiry", k)
		}
	}
}

// TestDeletedNeverExpires tests that a deleted subscription never fires a timeout
func TestDeletedNeverExpires(t *testing.T) {
	r := NewRegistry(0)
	defer r.Close()

	deleted, other := newRecorder(), newRecorder()
	_ = r.AddWatcher([]byte("k"), sub(1, time.Now().Add(20*time.Millisecond), deleted))
	_ = r.AddWatcher([]byte("k"), sub(2, time.Now().Add(40*time.Millisecond), other))
	_ = r.DelWatcher(1, []byte("k"))

	select {
	case <-other.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("remaining subscription did not expire")
	}
	time.Sleep(20 * time.Millisecond)
	if deleted.count() != 0 {
		t.Error("deleted subscription fired")
	}
}

// TestWakeOnEarlierDeadline tests that a new, earlier deadline interrupts a long sleep
func TestWakeOnEarlierDeadline(t *testing.T) {
	r := NewRegistry(0)
	defer r.Close()

	_ = r.AddWatcher([]byte("late"), sub(1, time.Now().Add(time.Hour), newRecorder()))
	time.Sleep(10 * time.Millisecond)

	early := newRecorder()
	_ = r.AddWatcher([]byte("early"), sub(2, time.Now().Add(10*time.Millisecond), early))

	select {
	case <-early.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("the waiter kept sleeping until the old deadline")
	}
}

// TestConcurrentExpiryAndDelete races deletes and notifies against the waiter
// and checks every subscription ends exactly once.
func TestConcurrentExpiryAndDelete(t *testing.T) {
	r := NewRegistry(0)
	defer r.Close()

	const n = 500
	var fired [n]atomic.Int32
	var ended atomic.Int64

	for i := 0; i < n; i++ {
		i := i
		deadline := time.Now().Add(time.Duration(i%20) * time.Millisecond)
		_ = r.AddWatcher([]byte{byte(i % 7)}, Subscription{
			SessionID: uint64(i),
			Deadline:  deadline,
			Notifier: NotifierFunc(func(Event) {
				if fired[i].Add(1) != 1 {
					t.Errorf("subscription %d fired twice", i)
				}
				ended.Add(1)
			}),
		})
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < n; i += 4 {
				switch i % 3 {
				case 0:
					if r.DelWatcher(uint64(i), []byte{byte(i % 7)}) == nil {
						ended.Add(1)
						fired[i].Add(1)
					}
				case 1:
					r.Notify([]byte{byte(i % 7)}, Event{Type: EventPut}, func(s *Subscription) bool {
						return s.SessionID == uint64(i)
					})
				}
			}
		}(w)
	}
	wg.Wait()

	deadline := time.Now().Add(3 * time.Second)
	for ended.Load() < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ended.Load() != n {
		t.Fatalf("%d of %d subscriptions ended", ended.Load(), n)
	}
	for i := range fired {
		if fired[i].Load() != 1 {
			t.Errorf("subscription %d ended %d times", i, fired[i].Load())
		}
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after all subscriptions ended", r.Len())
	}
}
