// Package watch implements the key watch subscriptions of a node.
//
// A client that issues WatchGet without seeing a newer version is parked in
// the Registry under the encoded key and its session id. The subscription
// ends in exactly one of three ways:
//   - a write to the key (or below a watched prefix) takes it and notifies it
//   - the client cancels it with DelWatcher
//   - its deadline passes and the expiry waiter notifies it with EventTimeout
//
// All three paths remove the subscription from the forward index, the
// reverse index and the deadline heap under the same lock, so no path can
// fire for a subscription another path already consumed. Notifiers are
// always invoked after the lock was released.
//
// One registry is shared by every replica of a node. Keys are already
// encoded with watch/codec and carry the table id, so ranges never collide.
package watch
