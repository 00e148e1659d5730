// Package rangeerr defines the error taxonomy of range replicas.
//
// Every error returned by a replica, its registries or the rpc layer carries a
// Code. The structured fields (leader, epoch, bounds, sibling range) travel to
// the client with the response so it can redirect or refresh its routing.
//
// IsIOClass separates the failures that must stop raft from applying further
// entries from content level rejections, which are reported to the client but
// never returned to raft.
package rangeerr
