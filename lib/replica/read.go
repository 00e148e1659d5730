package replica

import (
	"bytes"
	"time"

	"github.com/ValentinKolb/dRange/lib/meta"
	"github.com/ValentinKolb/dRange/lib/rangeerr"
	"github.com/ValentinKolb/dRange/lib/storage"
	"github.com/ValentinKolb/dRange/lib/watch"
	"github.com/ValentinKolb/dRange/lib/watch/codec"
	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Key Value Reads
// --------------------------------------------------------------------------

// Get reads a key on the leader
func (r *Replica) Get(epoch meta.Epoch, key []byte) ([]byte, error) {
	if err := r.checkRequest(epoch, [][]byte{key}); err != nil {
		return nil, err
	}
	value, err := r.store.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, rangeerr.New(rangeerr.CodeNotFound, "key not found")
	}
	if err != nil {
		return nil, rangeerr.IOError("get", err)
	}
	return value, nil
}

// Scan reads up to limit keys of [start, end) on the leader. The bounds are
// clamped to the range, a nil end scans to the end of the range.
func (r *Replica) Scan(epoch meta.Epoch, start, end []byte, limit int) ([]storage.KV, error) {
	if err := r.checkRequest(epoch, nil); err != nil {
		return nil, err
	}
	m := r.Meta()
	if bytes.Compare(start, m.StartKey) < 0 {
		start = m.StartKey
	}
	if len(m.EndKey) > 0 && (len(end) == 0 || bytes.Compare(end, m.EndKey) > 0) {
		end = m.EndKey
	}
	if len(end) == 0 {
		end = nil
	}
	if end != nil && bytes.Compare(start, end) >= 0 {
		return nil, nil
	}

	kvs, err := storage.Scan(r.store, start, end, limit)
	if err != nil {
		return nil, rangeerr.IOError("scan", err)
	}
	return kvs, nil
}

// --------------------------------------------------------------------------
// Watch Reads
// --------------------------------------------------------------------------

// PureGet returns the decoded watch entry of an encoded key, or every entry
// below it if prefix is set
func (r *Replica) PureGet(epoch meta.Epoch, key []byte, prefix bool) ([]codec.KV, error) {
	if err := r.checkRequest(epoch, [][]byte{key}); err != nil {
		return nil, err
	}
	if _, _, err := codec.DecodeKey(key); err != nil {
		return nil, rangeerr.Wrap(rangeerr.CodeInvalidArgument, err, "watch key")
	}

	kvs, err := r.readWatchKeys(key, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]codec.KV, 0, len(kvs))
	for _, kv := range kvs {
		_, decoded, err := codec.DecodeKV(kv.Key, kv.Value)
		if err != nil {
			return nil, rangeerr.Corruption("watch entry", err)
		}
		out = append(out, decoded)
	}
	return out, nil
}

// WatchGet returns the newest entry of key (or below key, for prefix
// watches) if its version is greater than startVersion. Otherwise it
// registers a subscription for session and returns a nil event; n is
// notified once on the next change or when the deadline passes.
//
// The subscription is registered before the stored version is read, so a
// write applied in between either notifies n or is seen by the read. If the
// read answers the request, the subscription is taken back; when it was
// already taken by a notification, n alone delivers the result.
func (r *Replica) WatchGet(epoch meta.Epoch, key []byte, prefix bool, startVersion int64, session uint64, deadline time.Time, n watch.Notifier) (*watch.Event, error) {
	if err := r.checkRequest(epoch, [][]byte{key}); err != nil {
		return nil, err
	}
	if _, _, err := codec.DecodeKey(key); err != nil {
		return nil, rangeerr.Wrap(rangeerr.CodeInvalidArgument, err, "watch key")
	}

	err := r.watches.AddWatcher(key, watch.Subscription{
		SessionID:    session,
		Deadline:     deadline,
		Prefix:       prefix,
		StartVersion: startVersion,
		Notifier:     n,
	})
	if err != nil {
		return nil, err
	}

	newest, err := r.newestWatchEntry(key, prefix, startVersion)
	if err != nil || newest != nil {
		if !r.takeOwnWatcher(key, session, startVersion, deadline) {
			// a notification already ended the subscription
			return nil, nil
		}
	}
	return newest, err
}

// newestWatchEntry returns the entry of key (or below key) with the highest
// version greater than startVersion, or nil
func (r *Replica) newestWatchEntry(key []byte, prefix bool, startVersion int64) (*watch.Event, error) {
	kvs, err := r.readWatchKeys(key, prefix)
	if err != nil {
		return nil, err
	}
	var newest *watch.Event
	for _, kv := range kvs {
		version, value, ext, err := codec.DecodeValue(kv.Value)
		if err != nil {
			return nil, rangeerr.Corruption("watch value", err)
		}
		if version > startVersion && (newest == nil || version > newest.Version) {
			newest = &watch.Event{Type: watch.EventPut, WatchKey: key, Key: kv.Key, Version: version, Value: value, Ext: ext}
		}
	}
	return newest, nil
}

// takeOwnWatcher removes the subscription WatchGet registered, unless it
// was notified or replaced meanwhile
func (r *Replica) takeOwnWatcher(key []byte, session uint64, startVersion int64, deadline time.Time) bool {
	taken := r.watches.TakeWatchers(key, func(s *watch.Subscription) bool {
		return s.SessionID == session && s.StartVersion == startVersion && s.Deadline.Equal(deadline)
	})
	return len(taken) > 0
}

// CancelWatch removes the subscription of session on key
func (r *Replica) CancelWatch(session uint64, key []byte) error {
	return r.watches.DelWatcher(session, key)
}

func (r *Replica) readWatchKeys(key []byte, prefix bool) ([]storage.KV, error) {
	if !prefix {
		value, err := r.store.Get(key)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, rangeerr.IOError("get", err)
		}
		return []storage.KV{{Key: key, Value: value}}, nil
	}

	end, err := codec.NextComparableByteString(key)
	if err != nil {
		return nil, rangeerr.Wrap(rangeerr.CodeInvalidArgument, err, "watch prefix")
	}
	kvs, err := storage.Scan(r.store, key, end, 0)
	if err != nil {
		return nil, rangeerr.IOError("scan", err)
	}
	return kvs, nil
}
