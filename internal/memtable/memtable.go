// Package memtable implements the in-memory write buffer of one LSM
// generation: a size-bounded wrapper over the skiplist ordered index.
package memtable

import (
	"sync/atomic"

	"github.com/grabcocque/lsmer/internal/lsmerrors"
	"github.com/grabcocque/lsmer/internal/skiplist"
)

// tombstoneOverhead is the fixed accounting cost attributed to a
// delete, mirroring the cost of a put's key+value for size bookkeeping.
const tombstoneOverhead = 16

// Entry is a materialized (key, value-or-tombstone, seq) record, used
// by DrainSorted to hand entries to the flusher.
type Entry struct {
	Key       []byte
	Value     []byte
	Seq       uint64
	Tombstone bool
}

// Memtable is a size-bounded, concurrency-safe write buffer. Writers
// call Put/Delete; exactly one flusher calls DrainSorted once the table
// is sealed.
type Memtable struct {
	index    *skiplist.List
	size     atomic.Int64
	capacity int64
}

// New returns an empty Memtable with the given capacity bound in bytes.
func New(capacityBytes int) *Memtable {
	return &Memtable{index: skiplist.New(), capacity: int64(capacityBytes)}
}

// Size returns the accumulated byte size of the table's contents.
func (m *Memtable) Size() int64 { return m.size.Load() }

// Capacity returns the configured capacity bound in bytes.
func (m *Memtable) Capacity() int64 { return m.capacity }

// Put inserts or replaces key's value. When strict is true, a write whose
// resulting size would exceed capacity is refused with
// ErrCapacityExceeded and leaves the table unchanged; when strict is
// false, the write is always applied and exceeding capacity returns a
// NeedsFlush signal instead of an error.
func (m *Memtable) Put(key, value []byte, seq uint64, strict bool) (needsFlush bool, err error) {
	old, _ := m.index.Get(key)
	delta := int64(len(key) + len(value))
	if old != nil {
		delta = int64(len(value) - len(old.Data))
	}
	if strict && m.size.Load()+delta > m.capacity {
		return false, lsmerrors.ErrCapacityExceeded
	}
	m.index.Put(key, value, seq, false)
	newSize := m.size.Add(delta)

	return newSize > m.capacity, nil
}

// Delete inserts a tombstone for key at seq.
func (m *Memtable) Delete(key []byte, seq uint64) (needsFlush bool) {
	old, _ := m.index.Get(key)
	delta := int64(len(key) + tombstoneOverhead)
	if old != nil {
		delta = int64(tombstoneOverhead - len(old.Data))
	}
	m.index.Delete(key, seq)
	return m.size.Add(delta) > m.capacity
}

// Lookup result states for Get.
type LookupState int

const (
	// Absent means no record for the key exists in this table.
	Absent LookupState = iota
	// Present means a live value was found.
	Present
	// PresentTombstone means the highest-sequence record is a delete.
	PresentTombstone
)

// Get returns the current state for key plus its value when Present.
func (m *Memtable) Get(key []byte) (LookupState, []byte, uint64) {
	v, ok := m.index.Get(key)
	if !ok {
		return Absent, nil, 0
	}
	if v.Tombstone {
		return PresentTombstone, nil, v.Seq
	}
	return Present, v.Data, v.Seq
}

// RangeIterator is a lazy ordered iterator over [lo, hi).
type RangeIterator struct {
	it *skiplist.Iterator
}

// Range returns a lazy iterator over [lo, hi); hi == nil means unbounded.
func (m *Memtable) Range(lo, hi []byte) *RangeIterator {
	return &RangeIterator{it: m.index.Range(lo, hi)}
}

// Next advances the iterator, yielding tombstones too — callers that
// want "live keys only" must check Entry.Tombstone themselves, since the
// coordinator needs to see tombstones to shadow older SSTable entries.
func (it *RangeIterator) Next() (Entry, bool) {
	k, v, ok := it.it.Next()
	if !ok {
		return Entry{}, false
	}
	return Entry{Key: k, Value: v.Data, Seq: v.Seq, Tombstone: v.Tombstone}, true
}

// DrainSorted returns every entry in key order. It is intended to be
// called exactly once by the flusher against a sealed (no longer
// receiving writes) memtable.
func (m *Memtable) DrainSorted() []Entry {
	var out []Entry
	it := m.index.Range(nil, nil)
	for {
		k, v, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, Entry{Key: k, Value: v.Data, Seq: v.Seq, Tombstone: v.Tombstone})
	}
	return out
}
