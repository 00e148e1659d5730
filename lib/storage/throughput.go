package storage

import (
	"sync"

	gometrics "github.com/rcrowley/go-metrics"
)

const (
	meterKeysRead     = "keys.read"
	meterKeysWritten  = "keys.written"
	meterBytesRead    = "bytes.read"
	meterBytesWritten = "bytes.written"
)

// Throughput counts keys and bytes read and written by an engine.
// Engines embed it and mark every access; CollectMetrics reports the one
// minute rates.
type Throughput struct {
	mu       sync.Mutex
	registry gometrics.Registry
}

func NewThroughput() *Throughput {
	return &Throughput{registry: gometrics.NewRegistry()}
}

func (t *Throughput) meter(name string) gometrics.Meter {
	t.mu.Lock()
	defer t.mu.Unlock()
	return gometrics.GetOrRegisterMeter(name, t.registry)
}

// MarkRead records keys read with their total size
func (t *Throughput) MarkRead(keys int, bytes int) {
	t.meter(meterKeysRead).Mark(int64(keys))
	t.meter(meterBytesRead).Mark(int64(bytes))
}

// MarkWrite records keys written with their total size
func (t *Throughput) MarkWrite(keys int, bytes int) {
	t.meter(meterKeysWritten).Mark(int64(keys))
	t.meter(meterBytesWritten).Mark(int64(bytes))
}

func (t *Throughput) CollectMetrics() Metrics {
	return Metrics{
		KeysReadPerSec:     rate(t.meter(meterKeysRead)),
		KeysWrittenPerSec:  rate(t.meter(meterKeysWritten)),
		BytesReadPerSec:    rate(t.meter(meterBytesRead)),
		BytesWrittenPerSec: rate(t.meter(meterBytesWritten)),
	}
}

// ResetMetrics stops all meters, new ones start on the next mark
func (t *Throughput) ResetMetrics() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.registry.UnregisterAll()
}

// Counts returns the total number of marked events per meter since the last reset
func (t *Throughput) Counts() map[string]int64 {
	out := make(map[string]int64, 4)
	for _, name := range []string{meterKeysRead, meterKeysWritten, meterBytesRead, meterBytesWritten} {
		out[name] = t.meter(name).Count()
	}
	return out
}

func rate(m gometrics.Meter) uint64 {
	r := m.Rate1()
	if r <= 0 {
		return 0
	}
	return uint64(r)
}
