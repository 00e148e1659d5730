// Package replica implements the raft state machine of one range.
//
// A Replica owns the storage engine and the raft group of its range. Client
// requests enter through Propose (writes) or the read functions, which
// check leadership, epoch and key bounds first. Raft later calls Apply for
// every committed command, one at a time and in log order. Apply writes to
// storage, persists the applied index and only then answers the proposer
// and notifies watchers.
//
// Every proposal waits in a pending registry until Apply or the expiry sweep
// takes it, whichever comes first. The loser finds nothing to do.
//
// Collaborators are small interfaces (GroupFactory, MetaStore,
// HeartbeatSender, StatusProvider, TimerQueue, MetricsSink, ...) so that the
// package can be tested without dragonboat. See lib/replica/raft for the
// dragonboat binding and lib/node for the process wide services.
package replica
