// Package node hosts the replicas of one drange process.
//
// A Node creates, reopens and removes replicas and wires them to the
// services they share: one watch registry, a heartbeat queue that calls
// Replica.Heartbeat when a range is due, a sweeper that answers expired
// requests of every replica, VictoriaMetrics gauges, the filesystem status
// and a collector of heartbeat reports. It is also the split handler: the
// data of a split off range moves into a new engine owned by a new replica.
package node
