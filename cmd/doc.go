// Package cmd implements the command-line interface of dRange. It provides a
// hierarchical command structure for running a node and for talking to the
// ranges it hosts.
//
// The package is organized into several subpackages:
//
//   - serve: Starts and configures a dRange node
//   - kv: Key-value operations on one range (get, set, scan, etc.)
//   - lock: Lock operations (acquire, update, release)
//   - watch: Watch entries and long polling watches
//   - ranges: Range administration (status, split, leader transfer)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See drange -help for a list of all commands.
package cmd
