package testing

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ValentinKolb/dRange/lib/storage"
)

// EngineFactory is a function that creates a new, empty engine
type EngineFactory func(t testing.TB) storage.Engine

// RunEngineTests runs the conformance suite for a storage.Engine implementation.
func RunEngineTests(t *testing.T, name string, factory EngineFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("PutGet", func(t *testing.T) {
			testPutGet(t, factory(t))
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, factory(t))
		})

		t.Run("DeleteRange", func(t *testing.T) {
			testDeleteRange(t, factory(t))
		})

		t.Run("Write", func(t *testing.T) {
			testWrite(t, factory(t))
		})

		t.Run("IteratorOrder", func(t *testing.T) {
			testIteratorOrder(t, factory(t))
		})

		t.Run("IteratorSnapshot", func(t *testing.T) {
			testIteratorSnapshot(t, factory(t))
		})

		t.Run("TruncateAndApplySnapshot", func(t *testing.T) {
			testTruncateAndApplySnapshot(t, factory(t))
		})

		t.Run("ApproximateSize", func(t *testing.T) {
			testApproximateSize(t, factory(t))
		})

		t.Run("ConcurrentAccess", func(t *testing.T) {
			testConcurrentAccess(t, factory(t))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func mustGet(t *testing.T, e storage.Engine, key string) []byte {
	t.Helper()
	v, err := e.Get([]byte(key))
	if err != nil {
		t.Fatalf("Get(%q) error = %v", key, err)
	}
	return v
}

func requireMissing(t *testing.T, e storage.Engine, key string) {
	t.Helper()
	if _, err := e.Get([]byte(key)); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get(%q) error = %v, want ErrNotFound", key, err)
	}
}

func keys(t *testing.T, e storage.Engine, start, end []byte) []string {
	t.Helper()
	kvs, err := storage.Scan(e, start, end, 0)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	out := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		out = append(out, string(kv.Key))
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testPutGet(t *testing.T, e storage.Engine) {
	defer e.Close()

	requireMissing(t, e, "k")

	if err := e.Put([]byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if v := mustGet(t, e, "k"); !bytes.Equal(v, []byte("v1")) {
		t.Errorf("Get() = %q, want v1", v)
	}

	_ = e.Put([]byte("k"), []byte("v2"))
	v := mustGet(t, e, "k")
	if !bytes.Equal(v, []byte("v2")) {
		t.Errorf("Get() after overwrite = %q, want v2", v)
	}

	// Get must return a copy
	v[0] = 'X'
	if again := mustGet(t, e, "k"); !bytes.Equal(again, []byte("v2")) {
		t.Errorf("Get should return a copy, stored value changed to %q", again)
	}

	// the engine must not keep a reference to the caller's buffers
	buf := []byte("value")
	_ = e.Put([]byte("other"), buf)
	buf[0] = 'X'
	if got := mustGet(t, e, "other"); !bytes.Equal(got, []byte("value")) {
		t.Errorf("Put should copy its input, stored value changed to %q", got)
	}

	// empty values are valid
	_ = e.Put([]byte("empty"), nil)
	if got := mustGet(t, e, "empty"); len(got) != 0 {
		t.Errorf("Get() of empty value = %q", got)
	}
}

func testDelete(t *testing.T, e storage.Engine) {
	defer e.Close()

	_ = e.Put([]byte("a"), []byte("1"))
	if err := e.Delete([]byte("a")); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	requireMissing(t, e, "a")

	if err := e.Delete([]byte("never-existed")); err != nil {
		t.Errorf("Delete() of missing key error = %v", err)
	}
}

func testDeleteRange(t *testing.T, e storage.Engine) {
	defer e.Close()

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		_ = e.Put([]byte(k), []byte(k))
	}

	if err := e.DeleteRange([]byte("b"), []byte("d")); err != nil {
		t.Fatalf("DeleteRange() error = %v", err)
	}
	if got := keys(t, e, nil, nil); !equalStrings(got, []string{"a", "d", "e"}) {
		t.Errorf("keys after DeleteRange(b, d) = %v", got)
	}

	// a nil end deletes up to the last key
	if err := e.DeleteRange([]byte("d"), nil); err != nil {
		t.Fatalf("DeleteRange() error = %v", err)
	}
	if got := keys(t, e, nil, nil); !equalStrings(got, []string{"a"}) {
		t.Errorf("keys after DeleteRange(d, nil) = %v", got)
	}

	// empty or inverted ranges are no-ops
	if err := e.DeleteRange([]byte("z"), []byte("a")); err != nil {
		t.Errorf("inverted DeleteRange() error = %v", err)
	}
	if got := keys(t, e, nil, nil); !equalStrings(got, []string{"a"}) {
		t.Errorf("inverted DeleteRange changed data: %v", got)
	}
}

func testWrite(t *testing.T, e storage.Engine) {
	defer e.Close()

	_ = e.Put([]byte("gone"), []byte("x"))
	err := e.Write([]storage.Mutation{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("gone"), Delete: true},
	})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := keys(t, e, nil, nil); !equalStrings(got, []string{"a", "b"}) {
		t.Errorf("keys after Write() = %v", got)
	}
}

func testIteratorOrder(t *testing.T, e storage.Engine) {
	defer e.Close()

	in := []string{"m", "a", "z", "b\x00", "b", "\xff", ""}
	for _, k := range in {
		_ = e.Put([]byte(k), []byte("v"))
	}

	want := []string{"", "a", "b", "b\x00", "m", "z", "\xff"}
	if got := keys(t, e, nil, nil); !equalStrings(got, want) {
		t.Errorf("full scan = %q, want %q", got, want)
	}

	// [start, end) is half open
	if got := keys(t, e, []byte("b"), []byte("m")); !equalStrings(got, []string{"b", "b\x00"}) {
		t.Errorf("scan [b, m) = %q", got)
	}

	kvs, err := storage.Scan(e, []byte("a"), nil, 2)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(kvs) != 2 || string(kvs[0].Key) != "a" || string(kvs[1].Key) != "b" {
		t.Errorf("limited scan = %v", kvs)
	}
}

func testIteratorSnapshot(t *testing.T, e storage.Engine) {
	defer e.Close()

	for i := 0; i < 10; i++ {
		_ = e.Put([]byte(fmt.Sprintf("k%02d", i)), []byte("old"))
	}

	it, err := e.NewIterator(nil, nil)
	if err != nil {
		t.Fatalf("NewIterator() error = %v", err)
	}
	defer it.Close()

	// writes after the iterator was created must stay invisible
	_ = e.Put([]byte("k05"), []byte("new"))
	_ = e.Put([]byte("k99"), []byte("new"))
	_ = e.Delete([]byte("k00"))

	n := 0
	for ; it.Valid(); it.Next() {
		if !bytes.Equal(it.Value(), []byte("old")) {
			t.Errorf("iterator saw a later write for %s: %s", it.Key(), it.Value())
		}
		n++
	}
	if err := it.Error(); err != nil {
		t.Fatalf("iterator error = %v", err)
	}
	if n != 10 {
		t.Errorf("iterator returned %d entries, want 10", n)
	}
}

func testTruncateAndApplySnapshot(t *testing.T, e storage.Engine) {
	defer e.Close()

	for i := 0; i < 100; i++ {
		_ = e.Put([]byte(fmt.Sprintf("old-%03d", i)), []byte("v"))
	}
	if err := e.Truncate(); err != nil {
		t.Fatalf("Truncate() error = %v", err)
	}
	if got := keys(t, e, nil, nil); len(got) != 0 {
		t.Fatalf("engine should be empty after Truncate, has %d keys", len(got))
	}

	// truncating an empty engine is fine
	if err := e.Truncate(); err != nil {
		t.Fatalf("Truncate() of empty engine error = %v", err)
	}

	chunks := [][]storage.KV{
		{{Key: []byte("a"), Value: []byte("1")}, {Key: []byte("b"), Value: []byte("2")}},
		{{Key: []byte("c"), Value: []byte("3")}},
	}
	for _, c := range chunks {
		if err := e.ApplySnapshot(c); err != nil {
			t.Fatalf("ApplySnapshot() error = %v", err)
		}
	}
	if got := keys(t, e, nil, nil); !equalStrings(got, []string{"a", "b", "c"}) {
		t.Errorf("keys after snapshot = %v", got)
	}
	if v := mustGet(t, e, "c"); !bytes.Equal(v, []byte("3")) {
		t.Errorf("Get(c) = %q", v)
	}
}

func testApproximateSize(t *testing.T, e storage.Engine) {
	defer e.Close()

	if s := e.ApproximateSize(); s != 0 {
		t.Errorf("ApproximateSize() of empty engine = %d", s)
	}
	for i := 0; i < 50; i++ {
		_ = e.Put([]byte(fmt.Sprintf("key-%03d", i)), bytes.Repeat([]byte("x"), 100))
	}
	// pebble only counts flushed sstables, so only the upper bound is checked here
	if s := e.ApproximateSize(); s > 1<<20 {
		t.Errorf("ApproximateSize() = %d, unreasonably large", s)
	}
}

func testConcurrentAccess(t *testing.T, e storage.Engine) {
	defer e.Close()

	const workers = 8
	const perWorker = 100

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				k := []byte(fmt.Sprintf("w%d-%03d", w, i))
				if err := e.Put(k, k); err != nil {
					t.Errorf("Put() error = %v", err)
					return
				}
				if _, err := e.Get(k); err != nil {
					t.Errorf("Get() of own write error = %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	if got := keys(t, e, nil, nil); len(got) != workers*perWorker {
		t.Errorf("have %d keys, want %d", len(got), workers*perWorker)
	}
}
