// Package metastore persists range metadata and applied indexes.
//
// Two implementations exist:
//   - PebbleStore: one pebble instance per node, records under the "/applied/"
//     and "/range/" prefixes followed by the big endian range id
//   - MemoryStore: xsync maps, for the memory engine and tests
//
// The store is separate from the range data so a range can be truncated
// without losing its bookkeeping, and so restart recovery can list every
// range that lived on this node.
package metastore
