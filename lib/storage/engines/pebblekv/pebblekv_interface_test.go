package pebblekv

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/dRange/lib/storage"
	storagetesting "github.com/ValentinKolb/dRange/lib/storage/testing"
	"github.com/cockroachdb/pebble/vfs"
)

var seq atomic.Int64

func factory(tb testing.TB) storage.Engine {
	e, err := Open(fmt.Sprintf("engine-%d", seq.Add(1)), &Options{FS: vfs.NewMem()})
	if err != nil {
		tb.Fatalf("Open() error = %v", err)
	}
	return e
}

func Test(t *testing.T) {
	storagetesting.RunEngineTests(t, "PebbleKV", factory)
}

func Benchmark(b *testing.B) {
	storagetesting.RunEngineBenchmarks(b, "PebbleKV", factory)
}

// TestReopen tests that data survives closing and reopening on the same filesystem
func TestReopen(t *testing.T) {
	fs := vfs.NewMem()

	e, err := Open("data", &Options{FS: fs})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	_ = e.Put([]byte("persist"), []byte("me"))
	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	e, err = Open("data", &Options{FS: fs})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer e.Close()

	v, err := e.Get([]byte("persist"))
	if err != nil || string(v) != "me" {
		t.Errorf("Get() after reopen = %q, %v", v, err)
	}
}
