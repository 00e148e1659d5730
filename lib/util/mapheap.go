// Package util
//
// This file provides a keyed min-heap used for everything in drange that has to
// fire "at the earliest deadline": pending requests, watch subscriptions and the
// leader heartbeat queue.
//
// The heap is combined with a hash map so that an entry can be looked up and
// removed by its key in O(log n). Removing by key is what allows the registries
// to excise a deadline eagerly when a request or subscription is resolved by any
// other path, instead of leaving stale entries behind for the waiter to skip.
//
//   - O(log n) for AddItem, RemoveByKey, PopMin
//   - O(1) for Peek, Contains, GetByKey
//
// The MapHeap is not thread-safe. Every user guards it with its own lock.
//
// Example usage:
//
//	deadlines := NewMapHeap[uint64]()
//	deadlines.AddItem(42, time.Now().Add(time.Second).UnixNano())
//
//	if next, ok := deadlines.Peek(); ok && next.Priority <= now {
//	    deadlines.RemoveByKey(next.Key)
//	}
package util

import (
	"container/heap"
	"fmt"
)

// Item is a single heap entry. Lower priorities are popped first.
type Item[K comparable] struct {
	Key      K
	Priority int64
	index    int // maintained by the heap package
}

func (i *Item[K]) String() string {
	return fmt.Sprintf("{Key: %v, Priority: %d}", i.Key, i.Priority)
}

// MapHeap is a min-heap ordered by priority that also supports access by key
type MapHeap[K comparable] struct {
	items    []*Item[K]
	itemsMap map[K]*Item[K]
}

// NewMapHeap creates an empty MapHeap
func NewMapHeap[K comparable]() *MapHeap[K] {
	return &MapHeap[K]{
		items:    make([]*Item[K], 0),
		itemsMap: make(map[K]*Item[K]),
	}
}

// --------------------------------------------------------------------------
// heap.Interface
// --------------------------------------------------------------------------

// Len returns the number of items in the heap
func (h *MapHeap[K]) Len() int { return len(h.items) }

func (h *MapHeap[K]) Less(i, j int) bool {
	return h.items[i].Priority < h.items[j].Priority
}

func (h *MapHeap[K]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

// Push is part of heap.Interface, use AddItem instead
func (h *MapHeap[K]) Push(x interface{}) {
	it := x.(*Item[K])
	it.index = len(h.items)
	h.items = append(h.items, it)
	h.itemsMap[it.Key] = it
}

// Pop is part of heap.Interface, use PopMin instead
func (h *MapHeap[K]) Pop() interface{} {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil // avoid memory leak
	it.index = -1
	h.items = old[:n-1]
	delete(h.itemsMap, it.Key)
	return it
}

// --------------------------------------------------------------------------
// Keyed access
// --------------------------------------------------------------------------

// AddItem inserts key with the given priority or updates the priority of an existing key
func (h *MapHeap[K]) AddItem(key K, priority int64) {
	if it, exists := h.itemsMap[key]; exists {
		it.Priority = priority
		heap.Fix(h, it.index)
		return
	}
	heap.Push(h, &Item[K]{Key: key, Priority: priority})
}

// RemoveByKey removes key and returns its priority
func (h *MapHeap[K]) RemoveByKey(key K) (int64, bool) {
	it, exists := h.itemsMap[key]
	if !exists {
		return 0, false
	}
	heap.Remove(h, it.index)
	return it.Priority, true
}

// Peek returns the item with the lowest priority without removing it
func (h *MapHeap[K]) Peek() (Item[K], bool) {
	if len(h.items) == 0 {
		return Item[K]{}, false
	}
	return *h.items[0], true
}

// PopMin removes and returns the item with the lowest priority
func (h *MapHeap[K]) PopMin() (Item[K], bool) {
	if len(h.items) == 0 {
		return Item[K]{}, false
	}
	return *heap.Pop(h).(*Item[K]), true
}

// Contains checks if a key exists in the heap
func (h *MapHeap[K]) Contains(key K) bool {
	_, exists := h.itemsMap[key]
	return exists
}

// GetByKey retrieves an item by its key without removing it
func (h *MapHeap[K]) GetByKey(key K) (Item[K], bool) {
	it, exists := h.itemsMap[key]
	if !exists {
		return Item[K]{}, false
	}
	return *it, true
}
