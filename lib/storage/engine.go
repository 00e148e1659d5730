package storage

import (
	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplPebble Implementation = "pebble"
	ImplBTree  Implementation = "memory"
)

// ErrNotFound is returned by Get for a missing key
var ErrNotFound = errors.New("storage: key not found")

// KV is a single key value pair, used for scans and snapshot chunks
type KV struct {
	Key   []byte
	Value []byte
}

// Mutation is one element of an atomic Write. Delete ignores Value.
type Mutation struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Metrics is the throughput of an engine, as events per second over the last minute
type Metrics struct {
	KeysReadPerSec     uint64 `json:"keys_read_per_sec"`
	KeysWrittenPerSec  uint64 `json:"keys_written_per_sec"`
	BytesReadPerSec    uint64 `json:"bytes_read_per_sec"`
	BytesWrittenPerSec uint64 `json:"bytes_written_per_sec"`
}

// --------------------------------------------------------------------------
// Engine Interface
// --------------------------------------------------------------------------

// Iterator walks a consistent snapshot of the engine in ascending key order.
// A new iterator is positioned at its first entry.
type Iterator interface {
	Valid() bool
	Next()
	// Key and Value are only valid until the next call to Next
	Key() []byte
	Value() []byte
	Error() error
	Close() error
}

// Engine is the storage of exactly one range. All keys stored in an engine
// belong to that range, so Truncate may simply drop everything.
type Engine interface {

	// --------------------------------------------------------------------------
	// Write Operations
	// --------------------------------------------------------------------------

	// Put inserts or overwrites a key
	Put(key, value []byte) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(key []byte) error

	// DeleteRange removes every key in [start, end)
	DeleteRange(start, end []byte) error

	// Write applies all mutations atomically
	Write(muts []Mutation) error

	// --------------------------------------------------------------------------
	// Query Operations
	// --------------------------------------------------------------------------

	// Get returns a copy of the value, or ErrNotFound
	Get(key []byte) ([]byte, error)

	// NewIterator returns an iterator over [start, end). A nil end means unbounded.
	NewIterator(start, end []byte) (Iterator, error)

	// --------------------------------------------------------------------------
	// Snapshot Operations
	// --------------------------------------------------------------------------

	// Truncate removes all data of the engine
	Truncate() error

	// ApplySnapshot loads one chunk of a snapshot stream
	ApplySnapshot(chunk []KV) error

	// --------------------------------------------------------------------------
	// Statistics
	// --------------------------------------------------------------------------

	// ApproximateSize returns the approximate number of bytes stored
	ApproximateSize() uint64

	// CollectMetrics samples the read and write throughput
	CollectMetrics() Metrics

	// ResetMetrics restarts the throughput meters
	ResetMetrics()

	// Close releases the engine
	Close() error
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// Scan collects up to limit entries of [start, end). A limit <= 0 means no limit.
func Scan(e Engine, start, end []byte, limit int) ([]KV, error) {
	it, err := e.NewIterator(start, end)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []KV
	for ; it.Valid(); it.Next() {
		out = append(out, KV{
			Key:   append([]byte{}, it.Key()...),
			Value: append([]byte{}, it.Value()...),
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, it.Error()
}
