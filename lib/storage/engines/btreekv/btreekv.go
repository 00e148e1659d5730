package btreekv

import (
	"bytes"
	"sync"

	"github.com/ValentinKolb/dRange/lib/storage"
	"github.com/google/btree"
)

const degree = 32

// item is a stored entry, ordered by key
type item struct {
	key   []byte
	value []byte
}

func (i *item) Less(than btree.Item) bool {
	return bytes.Compare(i.key, than.(*item).key) < 0
}

// Engine is an in-memory storage.Engine on a google/btree.
// Stored slices are never modified, so iterators can share them.
type Engine struct {
	*storage.Throughput

	mu   sync.RWMutex
	tree *btree.BTree
	size uint64
}

var _ storage.Engine = (*Engine)(nil)

func New() *Engine {
	return &Engine{Throughput: storage.NewThroughput(), tree: btree.New(degree)}
}

// --------------------------------------------------------------------------
// Write Operations
// --------------------------------------------------------------------------

func (e *Engine) Put(key, value []byte) error {
	e.mu.Lock()
	e.put(key, value)
	e.mu.Unlock()
	e.MarkWrite(1, len(key)+len(value))
	return nil
}

func (e *Engine) Delete(key []byte) error {
	e.mu.Lock()
	e.delete(key)
	e.mu.Unlock()
	e.MarkWrite(1, len(key))
	return nil
}

func (e *Engine) DeleteRange(start, end []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var doomed []*item
	e.ascend(start, end, func(it *item) bool {
		doomed = append(doomed, it)
		return true
	})
	for _, it := range doomed {
		e.delete(it.key)
	}
	e.MarkWrite(len(doomed), 0)
	return nil
}

func (e *Engine) Write(muts []storage.Mutation) error {
	e.mu.Lock()
	size := 0
	for _, m := range muts {
		if m.Delete {
			e.delete(m.Key)
		} else {
			e.put(m.Key, m.Value)
		}
		size += len(m.Key) + len(m.Value)
	}
	e.mu.Unlock()
	e.MarkWrite(len(muts), size)
	return nil
}

// --------------------------------------------------------------------------
// Query Operations
// --------------------------------------------------------------------------

func (e *Engine) Get(key []byte) ([]byte, error) {
	e.mu.RLock()
	found := e.tree.Get(&item{key: key})
	e.mu.RUnlock()

	if found == nil {
		return nil, storage.ErrNotFound
	}
	it := found.(*item)
	e.MarkRead(1, len(it.key)+len(it.value))
	return append([]byte{}, it.value...), nil
}

// NewIterator copies the matching items under the read lock. The items
// themselves are immutable, so the iterator sees a consistent snapshot.
func (e *Engine) NewIterator(start, end []byte) (storage.Iterator, error) {
	e.mu.RLock()
	var items []*item
	e.ascend(start, end, func(it *item) bool {
		items = append(items, it)
		return true
	})
	e.mu.RUnlock()
	return &iterator{items: items, tp: e.Throughput}, nil
}

type iterator struct {
	items []*item
	pos   int
	tp    *storage.Throughput
}

func (it *iterator) Valid() bool { return it.pos < len(it.items) }

func (it *iterator) Next() {
	cur := it.items[it.pos]
	it.tp.MarkRead(1, len(cur.key)+len(cur.value))
	it.pos++
}

func (it *iterator) Key() []byte   { return it.items[it.pos].key }
func (it *iterator) Value() []byte { return it.items[it.pos].value }
func (it *iterator) Error() error  { return nil }

func (it *iterator) Close() error {
	it.items = nil
	return nil
}

// --------------------------------------------------------------------------
// Snapshot Operations
// --------------------------------------------------------------------------

func (e *Engine) Truncate() error {
	e.mu.Lock()
	e.tree = btree.New(degree)
	e.size = 0
	e.mu.Unlock()
	return nil
}

func (e *Engine) ApplySnapshot(chunk []storage.KV) error {
	e.mu.Lock()
	size := 0
	for _, kv := range chunk {
		e.put(kv.Key, kv.Value)
		size += len(kv.Key) + len(kv.Value)
	}
	e.mu.Unlock()
	e.MarkWrite(len(chunk), size)
	return nil
}

// --------------------------------------------------------------------------
// Statistics
// --------------------------------------------------------------------------

func (e *Engine) ApproximateSize() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.size
}

// Len returns the number of stored keys
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tree.Len()
}

func (e *Engine) Close() error {
	e.ResetMetrics()
	return nil
}

// --------------------------------------------------------------------------
// Helper (callers hold mu)
// --------------------------------------------------------------------------

func (e *Engine) put(key, value []byte) {
	it := &item{key: append([]byte{}, key...), value: append([]byte{}, value...)}
	if old := e.tree.ReplaceOrInsert(it); old != nil {
		o := old.(*item)
		e.size -= uint64(len(o.key) + len(o.value))
	}
	e.size += uint64(len(it.key) + len(it.value))
}

func (e *Engine) delete(key []byte) {
	if old := e.tree.Delete(&item{key: key}); old != nil {
		o := old.(*item)
		e.size -= uint64(len(o.key) + len(o.value))
	}
}

// ascend visits the items of [start, end), a nil end means unbounded
func (e *Engine) ascend(start, end []byte, fn func(*item) bool) {
	visit := func(i btree.Item) bool { return fn(i.(*item)) }
	if end == nil {
		e.tree.AscendGreaterOrEqual(&item{key: start}, visit)
		return
	}
	if bytes.Compare(start, end) >= 0 {
		return
	}
	e.tree.AscendRange(&item{key: start}, &item{key: end}, visit)
}
