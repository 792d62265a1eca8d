package ratelimit

import (
	"sync"
	"time"

	"github.com/tidwall/btree"

	"github.com/Aidin1998/tiergate/internal/orderqueue"
)

type deferredItem struct {
	readyAt int64
	seq     uint64
	op      orderqueue.Operation
}

func deferredLess(a, b deferredItem) bool {
	if a.readyAt != b.readyAt {
		return a.readyAt < b.readyAt
	}
	return a.seq < b.seq
}

// DeferredQueue is a bounded retry queue ordered by ready time, then by arrival.
type DeferredQueue struct {
	mu       sync.Mutex
	items    *btree.BTreeG[deferredItem]
	capacity int
	seq      uint64
}

// NewDeferredQueue creates a deferred queue holding at most capacity operations.
func NewDeferredQueue(capacity int) *DeferredQueue {
	return &DeferredQueue{
		items:    btree.NewBTreeGOptions(deferredLess, btree.Options{NoLocks: true}),
		capacity: capacity,
	}
}

// Push parks op until readyAt. It returns false when the queue is saturated.
func (q *DeferredQueue) Push(op orderqueue.Operation, readyAt time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() >= q.capacity {
		return false
	}
	q.seq++
	q.items.Set(deferredItem{readyAt: readyAt.UnixNano(), seq: q.seq, op: op})
	return true
}

// PopReady removes and returns every operation whose ready time is not after now,
// earliest first.
func (q *DeferredQueue) PopReady(now time.Time) []orderqueue.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	ts := now.UnixNano()
	var ready []orderqueue.Operation
	for {
		item, ok := q.items.Min()
		if !ok || item.readyAt > ts {
			break
		}
		q.items.PopMin()
		ready = append(ready, item.op)
	}
	return ready
}

// Len returns the number of parked operations.
func (q *DeferredQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Capacity returns the configured bound.
func (q *DeferredQueue) Capacity() int {
	return q.capacity
}
