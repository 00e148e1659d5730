package btreekv

import (
	"testing"

	"github.com/ValentinKolb/dRange/lib/storage"
	storagetesting "github.com/ValentinKolb/dRange/lib/storage/testing"
)

func Test(t *testing.T) {
	storagetesting.RunEngineTests(t, "BTreeKV", func(testing.TB) storage.Engine {
		return New()
	})
}

func Benchmark(b *testing.B) {
	storagetesting.RunEngineBenchmarks(b, "BTreeKV", func(testing.TB) storage.Engine {
		return New()
	})
}

// TestApproximateSizeTracksContent tests the exact byte accounting of the memory engine
func TestApproximateSizeTracksContent(t *testing.T) {
	e := New()

	_ = e.Put([]byte("ab"), []byte("123"))
	_ = e.Put([]byte("cd"), []byte("4"))
	if s := e.ApproximateSize(); s != 8 {
		t.Errorf("ApproximateSize() = %d, want 8", s)
	}

	_ = e.Put([]byte("ab"), []byte("1"))
	if s := e.ApproximateSize(); s != 6 {
		t.Errorf("ApproximateSize() after overwrite = %d, want 6", s)
	}

	_ = e.Delete([]byte("cd"))
	if s := e.ApproximateSize(); s != 3 || e.Len() != 1 {
		t.Errorf("after delete: size %d, len %d", s, e.Len())
	}

	_ = e.Truncate()
	if e.ApproximateSize() != 0 || e.Len() != 0 {
		t.Error("Truncate should reset size and length")
	}
}
