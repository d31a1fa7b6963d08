// Package compaction implements the size-tiered merge policy and the
// k-way merge that collapses a group of SSTables into one, dropping
// shadowed duplicates and, at the bottom tier, tombstones.
package compaction

import (
	"bytes"
	"container/heap"

	"github.com/grabcocque/lsmer/internal/diskmanager"
	"github.com/grabcocque/lsmer/internal/sstable"
)

// Result describes a completed merge, ready for the caller to install
// into its metadata and unlink the inputs.
type Result struct {
	Output     *sstable.Table
	EntryCount uint64
}

type mergeItem struct {
	srcIndex  int
	it        *sstable.Iterator
	key       []byte
	value     []byte
	seq       uint64
	tombstone bool
}

type mergeHeap []*mergeItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	c := bytes.Compare(h[i].key, h[j].key)
	if c != 0 {
		return c < 0
	}
	// Equal keys: the higher sequence number is strictly newer and must
	// be visited first so lower-sequence duplicates can be discarded.
	return h[i].seq > h[j].seq
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(*mergeItem)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Merge k-way merges inputs into a new SSTable at outputPath, keeping
// only the highest-sequence record per key. When dropTombstones is true
// (the bottom tier, where no older table could still be shadowed by a
// delete), tombstoned keys are omitted from the output entirely rather
// than carried forward.
func Merge(dm diskmanager.DiskManager, inputs []*sstable.Table, outputPath string, outputID, outputEpoch uint64, blockSizeBytes int, falsePositiveRate float64, dropTombstones bool) (Result, error) {
	var expectedKeys uint64
	for _, in := range inputs {
		expectedKeys += in.Reader.EntryCount()
	}

	w, err := sstable.Open(dm, outputPath, blockSizeBytes, expectedKeys, falsePositiveRate)
	if err != nil {
		return Result{}, err
	}

	h := &mergeHeap{}
	heap.Init(h)
	for i, in := range inputs {
		it := in.Reader.Range(nil, nil)
		if err := pushNext(h, i, it); err != nil {
			_ = w.Abandon()
			return Result{}, err
		}
	}

	var lastKey []byte
	var mergeErr error
	for h.Len() > 0 {
		item := heap.Pop(h).(*mergeItem)

		if lastKey != nil && bytes.Equal(item.key, lastKey) {
			pushNext(h, item.srcIndex, item.it)
			continue // shadowed by a higher-sequence duplicate already written
		}
		lastKey = item.key

		if !(item.tombstone && dropTombstones) {
			if err := w.Add(item.key, item.value, item.seq, item.tombstone); err != nil {
				mergeErr = err
				break
			}
		}
		pushNext(h, item.srcIndex, item.it)
	}

	if mergeErr != nil {
		_ = w.Abandon()
		return Result{}, mergeErr
	}
	if err := w.Finish(); err != nil {
		return Result{}, err
	}

	out, err := sstable.OpenTable(dm, outputPath, outputID, outputEpoch, nil)
	if err != nil {
		return Result{}, err
	}
	return Result{Output: out, EntryCount: w.EntryCount()}, nil
}

// pushNext advances it and, if it yielded an entry, pushes it onto h.
func pushNext(h *mergeHeap, srcIndex int, it *sstable.Iterator) error {
	key, value, seq, tombstone, ok := it.Next()
	if !ok {
		return it.Err()
	}
	heap.Push(h, &mergeItem{
		srcIndex:  srcIndex,
		it:        it,
		key:       key,
		value:     value,
		seq:       seq,
		tombstone: tombstone,
	})
	return nil
}
