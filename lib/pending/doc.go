// Package pending provides the registry of in-flight raft proposals.
//
// A replica registers a request before it submits the command to raft. The
// request is completed either by the apply path, once the command was applied
// and the applied index persisted, or by the expiry sweep. Both paths claim the
// entry with Take under the registry lock, so a request is answered at most once.
package pending
