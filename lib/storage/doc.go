// Package storage defines the Engine interface a range replica stores its data in.
//
// An engine holds the data of exactly one range. The replica only needs a
// handful of primitives: point reads and writes, atomic batches, ordered
// iteration over a consistent snapshot, truncation and snapshot loading.
// Throughput is tracked with go-metrics meters and reported in heartbeats.
//
// Implementations live in storage/engines:
//   - pebblekv: a pebble instance per range, the default for servers
//   - btreekv: an in-memory google/btree, used by tests and the memory mode
//
// storage/testing contains the conformance suite every engine must pass.
package storage
