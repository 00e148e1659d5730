// Package raft binds replica.Replica to dragonboat.
//
// Every range runs as a dragonboat on disk replica with the range id as
// shard id and the node id as replica id. The state machine forwards
// committed entries to Replica.Apply and streams snapshots in chunks through
// the snapshot methods of the replica. A LeaderListener installed on the
// NodeHost forwards leader changes.
package raft
