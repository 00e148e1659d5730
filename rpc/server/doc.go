// Package server implements the RPC server of a dRange node. It decodes
// requests, routes them to the replica of the addressed range and encodes
// the response.
//
// Key Components:
//
//   - Handler: maps a common.Message onto a replica. Reads are served from
//     the leader, writes are proposed through raft and answered once applied
//     or timed out. Watch reads are long polls bounded by the server timeout.
//
//   - NewRPCServer: creates a server with the given transport and serializer.
//     Serve opens the meta store, starts the Dragonboat NodeHost, reopens the
//     persisted ranges and creates the configured ones.
//
// Usage Example:
//
//	members, _ := common.ParseClusterMembers("1=10.0.0.1:63001,2=10.0.0.2:63001,3=10.0.0.3:63001")
//	rng, _ := common.ParseRangeSpec("1:1:-")
//	config := common.ServerConfig{
//	  Ranges:         []common.RangeSpec{rng},
//	  ReplicaID:      1,
//	  ClusterMembers: members,
//	  DataDir:        "/var/lib/drange",
//	  Engine:         "pebble",
//	  TimeoutSecond:  5,
//	  Transport:      common.ServerTransportConfig{Endpoint: "0.0.0.0:8080"},
//	}
//
//	s := server.NewRPCServer(
//	  config,
//	  tcp.NewTCPDefaultServerTransport(),
//	  serializer.NewBinarySerializer(),
//	)
//	if err := s.Serve(); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//
// Errors never fail a request at the transport level. They are returned as
// MsgTError responses carrying the rangeerr code and the routing hints a
// client needs to retry (leader, current range, sibling after a split).
package server
