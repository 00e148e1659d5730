package testing

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/dRange/lib/storage"
)

// RunEngineBenchmarks runs all benchmarks for a storage engine implementation
func RunEngineBenchmarks(b *testing.B, name string, factory EngineFactory) {

	b.Run("Put", func(b *testing.B) {
		benchmarkPut(b, factory(b))
	})

	b.Run("Get", func(b *testing.B) {
		benchmarkGet(b, factory(b))
	})

	b.Run("Write", func(b *testing.B) {
		benchmarkWrite(b, factory(b))
	})

	b.Run("Scan", func(b *testing.B) {
		benchmarkScan(b, factory(b))
	})

	b.Run("MixedUsage", func(b *testing.B) {
		benchmarkMixedUsage(b, factory(b))
	})
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

// Benchmark for Put operation
func benchmarkPut(b *testing.B, e storage.Engine) {
	b.Cleanup(func() {
		e.Close()
	})

	var counter atomic.Int64
	value := []byte("benchmark-value")

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			key := []byte(fmt.Sprintf("key-%d", counter.Add(1)))
			_ = e.Put(key, value)
		}
	})
}

// Benchmark for Get operation on pre populated keys
func benchmarkGet(b *testing.B, e storage.Engine) {
	b.Cleanup(func() {
		e.Close()
	})

	const n = 1000
	for i := 0; i < n; i++ {
		_ = e.Put([]byte(fmt.Sprintf("key-%d", i)), []byte("value"))
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			_, _ = e.Get([]byte(fmt.Sprintf("key-%d", r.Intn(n))))
		}
	})
}

// Benchmark for atomic batches of ten mutations
func benchmarkWrite(b *testing.B, e storage.Engine) {
	b.Cleanup(func() {
		e.Close()
	})

	muts := make([]storage.Mutation, 10)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for j := range muts {
			muts[j] = storage.Mutation{Key: []byte(fmt.Sprintf("batch-%d-%d", i, j)), Value: []byte("v")}
		}
		_ = e.Write(muts)
	}
}

// Benchmark for scans of 100 keys
func benchmarkScan(b *testing.B, e storage.Engine) {
	b.Cleanup(func() {
		e.Close()
	})

	for i := 0; i < 10000; i++ {
		_ = e.Put([]byte(fmt.Sprintf("key-%05d", i)), []byte("value"))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		start := []byte(fmt.Sprintf("key-%05d", i%9900))
		_, _ = storage.Scan(e, start, nil, 100)
	}
}

// Benchmark for a 80/20 read/write mix
func benchmarkMixedUsage(b *testing.B, e storage.Engine) {
	b.Cleanup(func() {
		e.Close()
	})

	const n = 1000
	for i := 0; i < n; i++ {
		_ = e.Put([]byte(fmt.Sprintf("key-%d", i)), []byte("value"))
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			key := []byte(fmt.Sprintf("key-%d", r.Intn(n)))
			if r.Intn(5) == 0 {
				_ = e.Put(key, []byte("updated"))
			} else {
				_, _ = e.Get(key)
			}
		}
	})
}
