// Package util provides the small building blocks shared by the drange packages.
//
// The package contains:
//   - mapheap: a keyed min-heap used for every deadline-ordered structure
//     (pending requests, watch subscriptions, the leader heartbeat queue)
//   - lockfreempsc: a lock-free Multi-Producer Single-Consumer (MPSC) queue,
//     used to feed schedule requests into the node's timer loop
//   - functions: random seeds
package util
