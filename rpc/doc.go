// Package rpc is the communication layer between dRange clients and the
// ranges a node hosts. Every request carries the id of the range it is for.
//
// The package is organized into several subpackages:
//
//   - common: Core data structures used across the RPC system, including the
//     Message protocol, configuration structures, and logging.
//
//   - transport: Network communication abstractions with framed TCP and Unix
//     socket implementations.
//
//   - serializer: Message serialization with multiple format options (Binary, JSON, GOB)
//     for converting between Message objects and byte arrays.
//
//   - client: The RangeClient, which tracks the epoch of a range and retries
//     requests that reached a follower.
//
//   - server: The node server. It starts the raft node host and maps messages
//     onto replica operations.
package rpc
