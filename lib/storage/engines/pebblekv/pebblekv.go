package pebblekv

import (
	"bytes"
	"sync/atomic"

	"github.com/ValentinKolb/dRange/lib/storage"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("pebblekv")

// pebbleLogger routes pebble's log output through the package logger
type pebbleLogger struct{}

func (pebbleLogger) Infof(format string, args ...interface{}) {
	Logger.Debugf("[pebble] "+format, args...)
}

func (pebbleLogger) Fatalf(format string, args ...interface{}) {
	Logger.Panicf("[pebble] "+format, args...)
}

// Options configures an Engine
type Options struct {
	// FS replaces the default filesystem, tests use vfs.NewMem()
	FS vfs.FS
	// CacheSize of the block cache in bytes, 0 keeps pebble's default
	CacheSize int64
	// DisableWAL trades durability for speed, raft already keeps the log
	DisableWAL bool
}

// Engine is a storage.Engine backed by a dedicated pebble instance
type Engine struct {
	*storage.Throughput

	db     *pebble.DB
	dir    string
	closed atomic.Bool
}

var _ storage.Engine = (*Engine)(nil)

// Open opens (or creates) the engine in dir
func Open(dir string, opts *Options) (*Engine, error) {
	if opts == nil {
		opts = &Options{}
	}
	pebbleOpts := &pebble.Options{
		Logger:     pebbleLogger{},
		DisableWAL: opts.DisableWAL,
	}
	if opts.FS != nil {
		pebbleOpts.FS = opts.FS
	}
	if opts.CacheSize > 0 {
		cache := pebble.NewCache(opts.CacheSize)
		defer cache.Unref()
		pebbleOpts.Cache = cache
	}

	db, err := pebble.Open(dir, pebbleOpts)
	if err != nil {
		return nil, errors.Wrapf(err, "open pebble engine at %s", dir)
	}
	Logger.Debugf("opened pebble engine at %s", dir)
	return &Engine{Throughput: storage.NewThroughput(), db: db, dir: dir}, nil
}

// --------------------------------------------------------------------------
// Write Operations
// --------------------------------------------------------------------------

func (e *Engine) Put(key, value []byte) error {
	if err := e.db.Set(key, value, pebble.Sync); err != nil {
		return errors.Wrapf(err, "put %x", key)
	}
	e.MarkWrite(1, len(key)+len(value))
	return nil
}

func (e *Engine) Delete(key []byte) error {
	if err := e.db.Delete(key, pebble.Sync); err != nil {
		return errors.Wrapf(err, "delete %x", key)
	}
	e.MarkWrite(1, len(key))
	return nil
}

func (e *Engine) DeleteRange(start, end []byte) error {
	if end == nil {
		_, last, ok, err := e.bounds()
		if err != nil || !ok {
			return err
		}
		end = keySuccessor(last)
	}
	if bytes.Compare(start, end) >= 0 {
		return nil
	}
	if err := e.db.DeleteRange(start, end, pebble.Sync); err != nil {
		return errors.Wrapf(err, "delete range [%x, %x)", start, end)
	}
	e.MarkWrite(1, len(start)+len(end))
	return nil
}

func (e *Engine) Write(muts []storage.Mutation) error {
	b := e.db.NewBatch()
	defer b.Close()

	size := 0
	for _, m := range muts {
		var err error
		if m.Delete {
			err = b.Delete(m.Key, nil)
		} else {
			err = b.Set(m.Key, m.Value, nil)
		}
		if err != nil {
			return errors.WithStack(err)
		}
		size += len(m.Key) + len(m.Value)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "commit batch")
	}
	e.MarkWrite(len(muts), size)
	return nil
}

// --------------------------------------------------------------------------
// Query Operations
// --------------------------------------------------------------------------

func (e *Engine) Get(key []byte) ([]byte, error) {
	val, closer, err := e.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %x", key)
	}
	defer closer.Close()

	result := make([]byte, len(val))
	copy(result, val)
	e.MarkRead(1, len(key)+len(val))
	return result, nil
}

func (e *Engine) NewIterator(start, end []byte) (storage.Iterator, error) {
	snap := e.db.NewSnapshot()
	iter := snap.NewIter(&pebble.IterOptions{LowerBound: start, UpperBound: end})
	iter.First()
	return &iterator{iter: iter, snap: snap, tp: e.Throughput}, nil
}

// iterator reads from a pebble snapshot so concurrent writes stay invisible
type iterator struct {
	iter *pebble.Iterator
	snap *pebble.Snapshot
	tp   *storage.Throughput
}

func (it *iterator) Valid() bool { return it.iter.Valid() }

func (it *iterator) Next() {
	it.tp.MarkRead(1, len(it.iter.Key())+len(it.iter.Value()))
	it.iter.Next()
}

func (it *iterator) Key() []byte   { return it.iter.Key() }
func (it *iterator) Value() []byte { return it.iter.Value() }
func (it *iterator) Error() error  { return it.iter.Error() }

func (it *iterator) Close() error {
	err := it.iter.Close()
	if serr := it.snap.Close(); err == nil {
		err = serr
	}
	return err
}

// --------------------------------------------------------------------------
// Snapshot Operations
// --------------------------------------------------------------------------

// Truncate deletes every key between the first and the last one
func (e *Engine) Truncate() error {
	first, last, ok, err := e.bounds()
	if err != nil || !ok {
		return err
	}
	if err := e.db.DeleteRange(first, keySuccessor(last), pebble.Sync); err != nil {
		return errors.Wrap(err, "truncate")
	}
	return nil
}

func (e *Engine) ApplySnapshot(chunk []storage.KV) error {
	b := e.db.NewBatch()
	defer b.Close()

	size := 0
	for _, kv := range chunk {
		if err := b.Set(kv.Key, kv.Value, nil); err != nil {
			return errors.WithStack(err)
		}
		size += len(kv.Key) + len(kv.Value)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "apply snapshot chunk")
	}
	e.MarkWrite(len(chunk), size)
	return nil
}

// --------------------------------------------------------------------------
// Statistics
// --------------------------------------------------------------------------

func (e *Engine) ApproximateSize() uint64 {
	first, last, ok, err := e.bounds()
	if err != nil || !ok {
		return 0
	}
	size, err := e.db.EstimateDiskUsage(first, keySuccessor(last))
	if err != nil {
		Logger.Warningf("estimate disk usage of %s failed: %v", e.dir, err)
		return 0
	}
	return size
}

// Close closes the pebble instance (idempotent - safe to call multiple times)
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.ResetMetrics()
	return e.db.Close()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// bounds returns copies of the smallest and the largest key, ok is false for an empty engine
func (e *Engine) bounds() (first, last []byte, ok bool, err error) {
	iter := e.db.NewIter(nil)
	defer iter.Close()

	if !iter.First() {
		return nil, nil, false, iter.Error()
	}
	first = append([]byte{}, iter.Key()...)
	if !iter.Last() {
		return nil, nil, false, iter.Error()
	}
	last = append([]byte{}, iter.Key()...)
	return first, last, true, nil
}

// keySuccessor returns the smallest key greater than key
func keySuccessor(key []byte) []byte {
	return append(append([]byte{}, key...), 0)
}
