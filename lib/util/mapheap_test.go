package util

import (
	"math/rand"
	"sort"
	"testing"
)

// TestNewMapHeap tests the creation of a new MapHeap
func TestNewMapHeap(t *testing.T) {
	mh := NewMapHeap[uint64]()

	if mh.Len() != 0 {
		t.Errorf("New heap should be empty, but has length %d", mh.Len())
	}
	if len(mh.itemsMap) != 0 {
		t.Errorf("New heap's map should be empty, but has %d items", len(mh.itemsMap))
	}
	if _, ok := mh.Peek(); ok {
		t.Error("Peek on empty heap should return ok=false")
	}
	if _, ok := mh.PopMin(); ok {
		t.Error("PopMin on empty heap should return ok=false")
	}
}

// TestAddItem tests adding items and the min ordering
func TestAddItem(t *testing.T) {
	mh := NewMapHeap[uint64]()

	mh.AddItem(1, 100)
	mh.AddItem(2, 200)
	mh.AddItem(3, 50)

	if mh.Len() != 3 {
		t.Errorf("Heap should have 3 items, but has %d", mh.Len())
	}
	for _, k := range []uint64{1, 2, 3} {
		if !mh.Contains(k) {
			t.Errorf("Heap should contain key %d", k)
		}
	}

	it, ok := mh.Peek()
	if !ok {
		t.Fatal("Peek() should return an item")
	}
	if it.Key != 3 || it.Priority != 50 {
		t.Errorf("Expected min item to be (3,50), got (%d,%d)", it.Key, it.Priority)
	}
}

// TestUpdateItem tests that re-adding a key moves it instead of duplicating it
func TestUpdateItem(t *testing.T) {
	mh := NewMapHeap[string]()

	mh.AddItem("a", 100)
	mh.AddItem("b", 200)
	mh.AddItem("a", 300)

	if mh.Len() != 2 {
		t.Fatalf("Updating a key must not add an item, have %d", mh.Len())
	}
	if it, _ := mh.GetByKey("a"); it.Priority != 300 {
		t.Errorf("Item a should have priority 300, got %d", it.Priority)
	}
	if it, _ := mh.Peek(); it.Key != "b" {
		t.Errorf("Min item should now be b, got %s", it.Key)
	}

	mh.AddItem("b", 500)
	if it, _ := mh.Peek(); it.Key != "a" {
		t.Errorf("Min item should now be a, got %s", it.Key)
	}
}

// TestRemoveByKey tests removing items by key
func TestRemoveByKey(t *testing.T) {
	mh := NewMapHeap[uint64]()
	mh.AddItem(1, 100)
	mh.AddItem(2, 200)
	mh.AddItem(3, 300)

	prio, ok := mh.RemoveByKey(2)
	if !ok {
		t.Fatal("RemoveByKey should return true for existing key")
	}
	if prio != 200 {
		t.Errorf("RemoveByKey should return priority 200, got %d", prio)
	}
	if mh.Len() != 2 || mh.Contains(2) {
		t.Error("Key 2 should be gone after removal")
	}
	if _, ok = mh.RemoveByKey(99); ok {
		t.Error("RemoveByKey should return false for non-existent key")
	}

	// removing the head must promote the next smallest item
	mh.RemoveByKey(1)
	if it, _ := mh.Peek(); it.Key != 3 {
		t.Errorf("Expected key 3 at the head, got %d", it.Key)
	}
}

// TestPopOrder tests if items are popped in priority order, also with negative priorities
func TestPopOrder(t *testing.T) {
	mh := NewMapHeap[uint64]()

	items := []struct {
		key  uint64
		prio int64
	}{
		{5, 50}, {3, 30}, {1, -10}, {4, 40}, {2, 20},
	}
	for _, it := range items {
		mh.AddItem(it.key, it.prio)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].prio < items[j].prio })

	for i, expected := range items {
		it, ok := mh.PopMin()
		if !ok {
			t.Fatalf("Heap empty after %d items", i)
		}
		if it.Key != expected.key || it.Priority != expected.prio {
			t.Errorf("Pop %d: expected (%d,%d), got (%d,%d)", i, expected.key, expected.prio, it.Key, it.Priority)
		}
		if mh.Contains(it.Key) {
			t.Errorf("Popped key %d must be removed from the map", it.Key)
		}
	}
}

// TestStructKeys tests the heap with a composite key, the way the watch registry uses it
func TestStructKeys(t *testing.T) {
	type subKey struct {
		key     string
		session uint64
	}
	mh := NewMapHeap[subKey]()
	mh.AddItem(subKey{"k", 1}, 10)
	mh.AddItem(subKey{"k", 2}, 5)
	mh.AddItem(subKey{"j", 1}, 7)

	if _, ok := mh.RemoveByKey(subKey{"k", 2}); !ok {
		t.Fatal("expected composite key to be found")
	}
	if it, _ := mh.Peek(); it.Key != (subKey{"j", 1}) {
		t.Errorf("unexpected head %v", it.Key)
	}
}

// TestRandomized compares the heap against a sorted reference under random operations
func TestRandomized(t *testing.T) {
	mh := NewMapHeap[int]()
	ref := map[int]int64{}
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 5000; i++ {
		k := rng.Intn(200)
		switch rng.Intn(3) {
		case 0, 1:
			p := rng.Int63n(1000)
			mh.AddItem(k, p)
			ref[k] = p
		case 2:
			_, ok := mh.RemoveByKey(k)
			_, refOK := ref[k]
			if ok != refOK {
				t.Fatalf("RemoveByKey(%d) = %v, reference says %v", k, ok, refOK)
			}
			delete(ref, k)
		}
	}

	if mh.Len() != len(ref) {
		t.Fatalf("length mismatch: heap %d reference %d", mh.Len(), len(ref))
	}
	last := int64(-1)
	for mh.Len() > 0 {
		it, _ := mh.PopMin()
		if it.Priority < last {
			t.Fatalf("heap order violated: %d after %d", it.Priority, last)
		}
		if ref[it.Key] != it.Priority {
			t.Fatalf("priority mismatch for %d", it.Key)
		}
		last = it.Priority
	}
}
