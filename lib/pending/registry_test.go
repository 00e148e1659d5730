package pending

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dRange/lib/rangeerr"
)

// TestAddTake tests that an entry can be taken exactly once
func TestAddTake(t *testing.T) {
	r := NewRegistry[string]()
	deadline := time.Now().Add(time.Minute)

	if err := r.Add(1, "req", deadline); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := r.Add(1, "dup", deadline); !rangeerr.Is(err, rangeerr.CodeExists) {
		t.Errorf("duplicate Add() error = %v, want Exists", err)
	}

	v, ok := r.Take(1)
	if !ok || v != "req" {
		t.Fatalf("Take() = %q, %v", v, ok)
	}
	if _, ok = r.Take(1); ok {
		t.Error("second Take() must report not found")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}

	// the id is free again
	if err := r.Add(1, "again", deadline); err != nil {
		t.Errorf("Add() after Take error = %v", err)
	}
}

// TestRemove tests that a removed entry is neither takeable nor expired
func TestRemove(t *testing.T) {
	r := NewRegistry[int]()
	past := time.Now().Add(-time.Second)

	_ = r.Add(5, 5, past)
	r.Remove(5)
	r.Remove(5) // no-op

	if _, ok := r.Take(5); ok {
		t.Error("Take() after Remove must fail")
	}
	if _, ok := r.ScanOneExpired(time.Now()); ok {
		t.Error("removed entry must not show up as expired")
	}
}

// TestScanOneExpired tests the deadline ordering of the sweep
func TestScanOneExpired(t *testing.T) {
	r := NewRegistry[int]()
	base := time.Unix(1000, 0)

	_ = r.Add(1, 1, base.Add(3*time.Second))
	_ = r.Add(2, 2, base.Add(1*time.Second))
	_ = r.Add(3, 3, base.Add(2*time.Second))

	if _, ok := r.ScanOneExpired(base); ok {
		t.Fatal("nothing is due at base time")
	}

	now := base.Add(2 * time.Second)
	var order []uint64
	for {
		id, ok := r.ScanOneExpired(now)
		if !ok {
			break
		}
		if _, taken := r.Take(id); !taken {
			t.Fatalf("expired id %d could not be taken", id)
		}
		order = append(order, id)
	}
	if len(order) != 2 || order[0] != 2 || order[1] != 3 {
		t.Errorf("expired order = %v, want [2 3]", order)
	}

	// the deadline itself counts as expired
	if id, ok := r.ScanOneExpired(base.Add(3 * time.Second)); !ok || id != 1 {
		t.Errorf("ScanOneExpired() at the deadline = %d, %v", id, ok)
	}

	// ScanOneExpired does not remove
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

// TestConcurrentExactlyOnce races apply-style Take calls against a sweeper
// and checks that no id is completed twice or lost.
func TestConcurrentExactlyOnce(t *testing.T) {
	r := NewRegistry[uint64]()

	const producers = 4
	const perProducer = 2000
	total := producers * perProducer

	completions := make([]atomic.Int32, total)
	var completed atomic.Int64
	complete := func(id uint64) {
		if completions[id].Add(1) != 1 {
			t.Errorf("id %d completed twice", id)
		}
		completed.Add(1)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// sweeper
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for {
				id, ok := r.ScanOneExpired(time.Now())
				if !ok {
					break
				}
				if _, taken := r.Take(id); taken {
					complete(id)
				}
			}
		}
	}()

	var producersWG sync.WaitGroup
	for p := 0; p < producers; p++ {
		producersWG.Add(1)
		go func(p int) {
			defer producersWG.Done()
			for i := 0; i < perProducer; i++ {
				id := uint64(p*perProducer + i)
				// half of the entries are already due when they are added
				deadline := time.Now().Add(time.Millisecond)
				if i%2 == 0 {
					deadline = time.Now().Add(-time.Millisecond)
				}
				if err := r.Add(id, id, deadline); err != nil {
					t.Errorf("Add(%d) error = %v", id, err)
					return
				}
				if v, ok := r.Take(id); ok {
					if v != id {
						t.Errorf("Take(%d) returned %d", id, v)
					}
					complete(id)
				}
			}
		}(p)
	}
	producersWG.Wait()

	deadline := time.Now().Add(5 * time.Second)
	for completed.Load() < int64(total) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(stop)
	wg.Wait()

	if completed.Load() != int64(total) {
		t.Fatalf("completed %d of %d ids", completed.Load(), total)
	}
	if r.Len() != 0 {
		t.Errorf("registry still holds %d entries", r.Len())
	}
}
