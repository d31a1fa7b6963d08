// Package skiplist implements a concurrent ordered map from byte-string
// keys to a value-or-tombstone slot. Point lookups are wait-free;
// insert/replace use a lock-free CAS loop over atomic forward pointers.
// Range iteration sees a linearizable snapshot of the keys that existed
// when the iterator was created, implemented by stamping each node with
// the global epoch in effect at the time it was linked in rather than by
// manual memory reclamation — Go's garbage collector already reclaims an
// unlinked node once no goroutine holds a reference to it.
package skiplist

import (
	"bytes"
	"math/rand"
	"sync/atomic"
)

const (
	maxLevel    = 16
	probability = 0.25
)

// Value is an immutable value-or-tombstone slot. A List never mutates a
// Value in place; a replacing Put/Delete installs a fresh *Value via CAS
// and bumps Generation, so any goroutine holding an old *Value keeps
// reading a coherent, unchanged record.
type Value struct {
	Data       []byte
	Seq        uint64
	Tombstone  bool
	Generation uint64
}

type node struct {
	key       []byte
	slot      atomic.Pointer[Value]
	next      []atomic.Pointer[node]
	bornEpoch uint64
}

// List is a lock-free ordered map from key to Value.
type List struct {
	head  *node
	level atomic.Int32
	epoch atomic.Uint64
	size  atomic.Int64 // number of distinct keys ever inserted (not decremented by tombstones)
}

// New returns an empty List.
func New() *List {
	return &List{
		head: &node{next: make([]atomic.Pointer[node], maxLevel)},
	}
}

func randomLevel() int {
	level := 1
	for rand.Float64() < probability && level < maxLevel {
		level++
	}
	return level
}

// Epoch returns the current global mutation counter, usable as a
// snapshot token for Range.
func (l *List) Epoch() uint64 { return l.epoch.Load() }

// Len returns the number of distinct keys ever inserted into the list,
// including those currently shadowed by a tombstone.
func (l *List) Len() int64 { return l.size.Load() }

// findPredecessors walks down from the current top level, returning the
// per-level predecessor and, if an exact key match exists at level 0,
// that node.
func (l *List) findPredecessors(key []byte) ([maxLevel]*node, *node) {
	var preds [maxLevel]*node
	for i := range preds {
		preds[i] = l.head
	}
	cur := l.head
	top := int(l.level.Load())
	if top == 0 {
		top = 1
	}
	for i := top - 1; i >= 0; i-- {
		for {
			next := cur.next[i].Load()
			if next == nil || bytes.Compare(next.key, key) >= 0 {
				break
			}
			cur = next
		}
		preds[i] = cur
	}
	bottom := preds[0].next[0].Load()
	if bottom != nil && bytes.Equal(bottom.key, key) {
		return preds, bottom
	}
	return preds, nil
}

// Get performs a wait-free point lookup.
func (l *List) Get(key []byte) (*Value, bool) {
	_, n := l.findPredecessors(key)
	if n == nil {
		return nil, false
	}
	v := n.slot.Load()
	if v == nil {
		return nil, false
	}
	return v, true
}

// Put inserts a new key or replaces the value slot of an existing one.
// Returns the previous value (nil if the key was new).
func (l *List) Put(key []byte, data []byte, seq uint64, tombstone bool) *Value {
	for {
		preds, existing := l.findPredecessors(key)
		if existing != nil {
			old := existing.slot.Load()
			if old != nil && old.Seq >= seq {
				// A higher- or equal-sequence write already won; callers
				// race on seq assignment (an atomic counter) independently
				// of lock acquisition order, so a lower sequence must lose
				// even though it arrived here second.
				return old
			}
			gen := uint64(1)
			if old != nil {
				gen = old.Generation + 1
			}
			next := &Value{Data: data, Seq: seq, Tombstone: tombstone, Generation: gen}
			if existing.slot.CompareAndSwap(old, next) {
				l.epoch.Add(1)
				return old
			}
			continue // lost the race with a concurrent replace, retry
		}

		lvl := randomLevel()
		n := &node{
			key:  append([]byte(nil), key...),
			next: make([]atomic.Pointer[node], lvl),
		}
		n.slot.Store(&Value{Data: data, Seq: seq, Tombstone: tombstone, Generation: 1})

		// Snapshot successors for the new node's own levels.
		for i := 0; i < lvl; i++ {
			n.next[i].Store(preds[i].next[i].Load())
		}

		// Linearization point: splice in at level 0.
		if !preds[0].next[0].CompareAndSwap(n.next[0].Load(), n) {
			continue // predecessor's level-0 pointer moved, retry from scratch
		}

		n.bornEpoch = l.epoch.Add(1)
		l.size.Add(1)
		l.raiseLevel(lvl)

		// Splice at higher levels. Until a level's link succeeds the node
		// is still reachable via level 0, so a missing higher-level link
		// only costs search fan-out, never correctness.
		for i := 1; i < lvl; i++ {
			for {
				pred := preds[i]
				succ := pred.next[i].Load()
				n.next[i].Store(succ)
				if pred.next[i].CompareAndSwap(succ, n) {
					break
				}
				// A concurrent insert raced us at this level; re-resolve
				// the predecessor at this level and retry until it links.
				refreshed, _ := l.findPredecessors(key)
				preds[i] = refreshed[i]
			}
		}
		return nil
	}
}

func (l *List) raiseLevel(lvl int) {
	for {
		cur := l.level.Load()
		if int32(lvl) <= cur {
			return
		}
		if l.level.CompareAndSwap(cur, int32(lvl)) {
			return
		}
	}
}

// Delete installs a tombstone Value for key with the given sequence
// number. If the key does not exist yet, it is inserted as a tombstone
// (a delete of a never-seen key is still recorded, matching the
// memtable's semantics of carrying tombstones forward).
func (l *List) Delete(key []byte, seq uint64) *Value {
	return l.Put(key, nil, seq, true)
}

// Iterator yields (key, Value) pairs in ascending key order, restricted
// to nodes created at or before the pinned epoch.
type Iterator struct {
	cur    *node
	hi     []byte
	hasHi  bool
	pinned uint64
}

// Range returns a lazy iterator over [lo, hi). A nil hi means unbounded.
// The iterator pins the list's current epoch, so keys inserted after
// Range is called are not observed, per the snapshot guarantee.
func (l *List) Range(lo, hi []byte) *Iterator {
	pinned := l.epoch.Load()
	cur := l.head
	top := int(l.level.Load())
	if top == 0 {
		top = 1
	}
	for i := top - 1; i >= 0; i-- {
		for {
			next := cur.next[i].Load()
			if next == nil || lo == nil || bytes.Compare(next.key, lo) >= 0 {
				break
			}
			cur = next
		}
	}
	it := &Iterator{cur: cur, pinned: pinned}
	if hi != nil {
		it.hi = hi
		it.hasHi = true
	}
	return it
}

// Next advances the iterator. It returns false once the range or the
// list is exhausted.
func (it *Iterator) Next() (key []byte, value *Value, ok bool) {
	for {
		it.cur = it.cur.next[0].Load()
		if it.cur == nil {
			return nil, nil, false
		}
		if it.hasHi && bytes.Compare(it.cur.key, it.hi) >= 0 {
			return nil, nil, false
		}
		if it.cur.bornEpoch > it.pinned {
			continue // key created after the snapshot was pinned
		}
		v := it.cur.slot.Load()
		return it.cur.key, v, true
	}
}
