package replica

import (
	"bytes"
	"encoding/binary"

	"github.com/ValentinKolb/dRange/lib/rangeerr"
	"github.com/ValentinKolb/dRange/lib/storage"
	"github.com/ValentinKolb/dRange/lib/watch"
	"github.com/ValentinKolb/dRange/lib/watch/codec"
	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Locks
// --------------------------------------------------------------------------

// lockRecord is the stored value of a lock key:
// 8 bytes deadline (unix ms), 4 bytes owner length, owner, value
type lockRecord struct {
	deadline int64
	owner    []byte
	value    []byte
}

func (l *lockRecord) encode() []byte {
	buf := make([]byte, 0, 12+len(l.owner)+len(l.value))
	buf = binary.BigEndian.AppendUint64(buf, uint64(l.deadline))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(l.owner)))
	buf = append(buf, l.owner...)
	return append(buf, l.value...)
}

func decodeLockRecord(data []byte) (*lockRecord, error) {
	if len(data) < 12 {
		return nil, errors.Newf("lock record too short: %d bytes", len(data))
	}
	n := int(binary.BigEndian.Uint32(data[8:12]))
	if len(data) < 12+n {
		return nil, errors.Newf("lock owner of %d bytes exceeds record", n)
	}
	return &lockRecord{
		deadline: int64(binary.BigEndian.Uint64(data)),
		owner:    data[12 : 12+n],
		value:    data[12+n:],
	}, nil
}

// loadLock returns nil if the lock key does not exist
func loadLock(store storage.Engine, key []byte) (*lockRecord, error) {
	data, err := store.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, rangeerr.IOError("get lock", err)
	}
	rec, err := decodeLockRecord(data)
	if err != nil {
		return nil, rangeerr.Corruption("lock record", err)
	}
	return rec, nil
}

func (o *Lock) apply(ctx *applyContext) (Result, error) {
	store := ctx.r.store
	cur, err := loadLock(store, o.Key)
	if err != nil {
		return Result{}, err
	}
	if cur != nil && cur.deadline > o.Now && !bytes.Equal(cur.owner, o.Owner) {
		return Result{}, rangeerr.Newf(rangeerr.CodeLockHeld, "lock held by %q", cur.owner)
	}
	rec := &lockRecord{deadline: o.Deadline, owner: o.Owner, value: o.Value}
	if err := store.Put(o.Key, rec.encode()); err != nil {
		return Result{}, rangeerr.IOError("put lock", err)
	}
	return Result{}, nil
}

func (o *LockUpdate) apply(ctx *applyContext) (Result, error) {
	store := ctx.r.store
	cur, err := loadLock(store, o.Key)
	if err != nil {
		return Result{}, err
	}
	if cur == nil {
		return Result{}, rangeerr.New(rangeerr.CodeNotFound, "lock not found")
	}
	if !bytes.Equal(cur.owner, o.Owner) {
		return Result{}, rangeerr.Newf(rangeerr.CodeLockNotOwner, "lock owned by %q", cur.owner)
	}
	rec := &lockRecord{deadline: o.Deadline, owner: o.Owner, value: o.Value}
	if err := store.Put(o.Key, rec.encode()); err != nil {
		return Result{}, rangeerr.IOError("put lock", err)
	}
	return Result{}, nil
}

func (o *Unlock) apply(ctx *applyContext) (Result, error) {
	store := ctx.r.store
	cur, err := loadLock(store, o.Key)
	if err != nil {
		return Result{}, err
	}
	if cur == nil {
		return Result{}, rangeerr.New(rangeerr.CodeNotFound, "lock not found")
	}
	if !bytes.Equal(cur.owner, o.Owner) {
		return Result{}, rangeerr.Newf(rangeerr.CodeLockNotOwner, "lock owned by %q", cur.owner)
	}
	if err := store.Delete(o.Key); err != nil {
		return Result{}, rangeerr.IOError("delete lock", err)
	}
	return Result{Affected: 1}, nil
}

func (o *UnlockForce) apply(ctx *applyContext) (Result, error) {
	if err := ctx.r.store.Delete(o.Key); err != nil {
		return Result{}, rangeerr.IOError("delete lock", err)
	}
	return Result{Affected: 1}, nil
}

// --------------------------------------------------------------------------
// Raw and Structured Rows
// --------------------------------------------------------------------------

func (o *RawPut) apply(ctx *applyContext) (Result, error) {
	return put(ctx.r.store, o.Key, o.Value)
}

func (o *RawDelete) apply(ctx *applyContext) (Result, error) {
	return del(ctx.r.store, o.Key)
}

func (o *Insert) apply(ctx *applyContext) (Result, error) {
	store := ctx.r.store
	if o.CheckDuplicate {
		for _, row := range o.Rows {
			exists, err := keyExists(store, row.Key)
			if err != nil {
				return Result{}, err
			}
			if exists {
				return Result{}, rangeerr.Newf(rangeerr.CodeExists, "key %x exists", row.Key)
			}
		}
	}
	muts := make([]storage.Mutation, len(o.Rows))
	for i, row := range o.Rows {
		muts[i] = storage.Mutation{Key: row.Key, Value: row.Value}
	}
	if err := store.Write(muts); err != nil {
		return Result{}, rangeerr.IOError("insert", err)
	}
	return Result{Affected: uint64(len(o.Rows))}, nil
}

func (o *Delete) apply(ctx *applyContext) (Result, error) {
	store := ctx.r.store
	var affected uint64
	for _, k := range o.KeyList {
		exists, err := keyExists(store, k)
		if err != nil {
			return Result{}, err
		}
		if exists {
			affected++
		}
	}
	if err := deleteKeys(store, o.KeyList); err != nil {
		return Result{}, err
	}
	return Result{Affected: affected}, nil
}

// --------------------------------------------------------------------------
// Key Value
// --------------------------------------------------------------------------

func (o *KvSet) apply(ctx *applyContext) (Result, error) {
	return put(ctx.r.store, o.Key, o.Value)
}

func (o *KvBatchSet) apply(ctx *applyContext) (Result, error) {
	muts := make([]storage.Mutation, len(o.KVs))
	for i, kv := range o.KVs {
		muts[i] = storage.Mutation{Key: kv.Key, Value: kv.Value}
	}
	if err := ctx.r.store.Write(muts); err != nil {
		return Result{}, rangeerr.IOError("batch set", err)
	}
	return Result{Affected: uint64(len(o.KVs))}, nil
}

func (o *KvDelete) apply(ctx *applyContext) (Result, error) {
	return del(ctx.r.store, o.Key)
}

func (o *KvBatchDelete) apply(ctx *applyContext) (Result, error) {
	if err := deleteKeys(ctx.r.store, o.KeyList); err != nil {
		return Result{}, err
	}
	return Result{Affected: uint64(len(o.KeyList))}, nil
}

func (o *KvRangeDelete) apply(ctx *applyContext) (Result, error) {
	m := ctx.r.Meta()
	start, end := o.Start, o.End
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
		return Result{}, nil
	}

	store := ctx.r.store
	kvs, err := storage.Scan(store, start, end, 0)
	if err != nil {
		return Result{}, rangeerr.IOError("scan", err)
	}
	if err := store.DeleteRange(start, end); err != nil {
		return Result{}, rangeerr.IOError("delete range", err)
	}
	return Result{Affected: uint64(len(kvs))}, nil
}

// --------------------------------------------------------------------------
// Watch
// --------------------------------------------------------------------------

func (o *WatchPut) apply(ctx *applyContext) (Result, error) {
	if _, _, err := codec.DecodeKey(o.Key); err != nil {
		return Result{}, rangeerr.Wrap(rangeerr.CodeInvalidArgument, err, "watch key")
	}
	version := int64(ctx.index)
	if err := ctx.r.store.Put(o.Key, codec.EncodeValue(version, o.Value, o.Ext)); err != nil {
		return Result{}, rangeerr.IOError("put watch key", err)
	}

	ctx.notifyChange(o.Key, watch.Event{Type: watch.EventPut, Key: o.Key, Version: version, Value: o.Value, Ext: o.Ext})
	return Result{Version: version, Affected: 1}, nil
}

func (o *WatchDel) apply(ctx *applyContext) (Result, error) {
	if _, _, err := codec.DecodeKey(o.Key); err != nil {
		return Result{}, rangeerr.Wrap(rangeerr.CodeInvalidArgument, err, "watch key")
	}
	store := ctx.r.store
	version := int64(ctx.index)

	if !o.Prefix {
		exists, err := keyExists(store, o.Key)
		if err != nil {
			return Result{}, err
		}
		if !exists {
			return Result{}, rangeerr.New(rangeerr.CodeNotFound, "watch key not found")
		}
		if err := store.Delete(o.Key); err != nil {
			return Result{}, rangeerr.IOError("delete watch key", err)
		}
		ctx.notifyChange(o.Key, watch.Event{Type: watch.EventDelete, Key: o.Key, Version: version})
		return Result{Version: version, Affected: 1}, nil
	}

	end, err := codec.NextComparableByteString(o.Key)
	if err != nil {
		return Result{}, rangeerr.Wrap(rangeerr.CodeInvalidArgument, err, "watch prefix")
	}
	kvs, err := storage.Scan(store, o.Key, end, 0)
	if err != nil {
		return Result{}, rangeerr.IOError("scan watch prefix", err)
	}
	if err := store.DeleteRange(o.Key, end); err != nil {
		return Result{}, rangeerr.IOError("delete watch prefix", err)
	}

	ctx.notifyChange(o.Key, watch.Event{Type: watch.EventDelete, Key: o.Key, Version: version})
	for _, kv := range kvs {
		ctx.notifyChange(kv.Key, watch.Event{Type: watch.EventDelete, Key: kv.Key, Version: version})
	}
	return Result{Version: version, Affected: uint64(len(kvs))}, nil
}

// notifyChange schedules the notification of the watchers of key and of the
// prefix watchers of every shorter component prefix of key
func (ctx *applyContext) notifyChange(key []byte, ev watch.Event) {
	w := ctx.r.watches
	if w == nil {
		return
	}
	table, comps, err := codec.DecodeKey(key)
	if err != nil {
		return
	}
	prefixes, err := codec.PrefixKeys(table, comps)
	if err != nil {
		return
	}

	newer := func(s *watch.Subscription) bool { return s.StartVersion < ev.Version }
	newerPrefix := func(s *watch.Subscription) bool { return s.Prefix && s.StartVersion < ev.Version }
	ctx.after(func() {
		w.Notify(key, ev, newer)
		for _, p := range prefixes {
			w.Notify(p, ev, newerPrefix)
		}
	})
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func put(store storage.Engine, key, value []byte) (Result, error) {
	if err := store.Put(key, value); err != nil {
		return Result{}, rangeerr.IOError("put", err)
	}
	return Result{Affected: 1}, nil
}

func del(store storage.Engine, key []byte) (Result, error) {
	if err := store.Delete(key); err != nil {
		return Result{}, rangeerr.IOError("delete", err)
	}
	return Result{Affected: 1}, nil
}

func deleteKeys(store storage.Engine, keys [][]byte) error {
	muts := make([]storage.Mutation, len(keys))
	for i, k := range keys {
		muts[i] = storage.Mutation{Key: k, Delete: true}
	}
	if err := store.Write(muts); err != nil {
		return rangeerr.IOError("batch delete", err)
	}
	return nil
}

func keyExists(store storage.Engine, key []byte) (bool, error) {
	_, err := store.Get(key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, rangeerr.IOError("get", err)
	}
}

// AdminSplit is dispatched by Apply before the filesystem gate, apply only
// completes the Op interface
func (o *AdminSplit) apply(ctx *applyContext) (Result, error) {
	return Result{}, ctx.r.applySplit(ctx.cmd, o)
}
