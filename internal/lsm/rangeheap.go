package lsm

import (
	"bytes"
	"container/heap"

	"github.com/grabcocque/lsmer/internal/memtable"
)

// kvIterator is the common shape of sstable.Iterator and the memtable
// range-iterator adapter below, letting Range merge across both kinds
// of source with one heap.
type kvIterator interface {
	Next() (key, value []byte, seq uint64, tombstone bool, ok bool)
}

type memtableIterAdapter struct{ it *memtable.RangeIterator }

func (a *memtableIterAdapter) Next() (key, value []byte, seq uint64, tombstone bool, ok bool) {
	e, ok := a.it.Next()
	if !ok {
		return nil, nil, 0, false, false
	}
	return e.Key, e.Value, e.Seq, e.Tombstone, true
}

type rangeItem struct {
	srcIndex  int
	src       kvIterator
	key       []byte
	value     []byte
	seq       uint64
	tombstone bool
}

// rangeHeap orders by key ascending, then by sequence descending so the
// newest duplicate of a key is always visited first — the same
// precedence rule compaction.Merge uses, since Put/Delete assign
// globally unique, strictly increasing sequence numbers regardless of
// which source (memtable or SSTable) a record ultimately lands in.
type rangeHeap []*rangeItem

func (h rangeHeap) Len() int { return len(h) }
func (h rangeHeap) Less(i, j int) bool {
	c := bytes.Compare(h[i].key, h[j].key)
	if c != 0 {
		return c < 0
	}
	return h[i].seq > h[j].seq
}
func (h rangeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *rangeHeap) Push(x any)         { *h = append(*h, x.(*rangeItem)) }
func (h *rangeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func popRange(h *rangeHeap) *rangeItem { return heap.Pop(h).(*rangeItem) }

func pushNextRange(h *rangeHeap, srcIndex int, src kvIterator) error {
	key, value, seq, tombstone, ok := src.Next()
	if !ok {
		if it, isSST := src.(interface{ Err() error }); isSST {
			return it.Err()
		}
		return nil
	}
	heap.Push(h, &rangeItem{srcIndex: srcIndex, src: src, key: key, value: value, seq: seq, tombstone: tombstone})
	return nil
}
