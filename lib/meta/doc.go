// Package meta defines the metadata of a range: its key bounds, epoch and peers,
// together with the binary format used to persist it and to ship it inside snapshots.
package meta
