package lsm

import (
	"bytes"

	"github.com/grabcocque/lsmer/internal/config"
	"github.com/grabcocque/lsmer/internal/lsmerrors"
	"github.com/grabcocque/lsmer/internal/memtable"
)

// maxKeyBytes and maxValueBytes bound a single record per the on-disk
// format's length-prefix widths (a 32-bit key length, comfortably
// bounded well below 2^32; a value length that must fit a 4 GiB cap).
const (
	maxKeyBytes   = 64 * 1024
	maxValueBytes = int64(4) * 1024 * 1024 * 1024
)

// validateKV rejects an empty or oversized key, or an oversized value,
// before it is ever appended to the WAL.
func validateKV(key, value []byte) error {
	if len(key) == 0 || len(key) > maxKeyBytes {
		return lsmerrors.ErrInvalidArgument
	}
	if int64(len(value)) > maxValueBytes {
		return lsmerrors.ErrInvalidArgument
	}
	return nil
}

// Put inserts or replaces key's value, durable according to durability.
func (db *DB) Put(key, value []byte, durability config.Durability) error {
	if err := db.checkWritable(); err != nil {
		return err
	}
	if err := validateKV(key, value); err != nil {
		return err
	}

	seq := db.nextSeq()
	if err := db.wal.AppendPut(seq, key, value, durability); err != nil {
		db.degraded.Store(true)
		return err
	}

	db.mu.Lock()
	needsFlush, _ := db.active.Put(key, value, seq, false)
	db.mu.Unlock()
	if needsFlush {
		db.signal(db.flushSignal)
	}
	return nil
}

// Delete inserts a tombstone for key, durable according to durability.
func (db *DB) Delete(key []byte, durability config.Durability) error {
	if err := db.checkWritable(); err != nil {
		return err
	}
	if err := validateKV(key, nil); err != nil {
		return err
	}

	seq := db.nextSeq()
	if err := db.wal.AppendDelete(seq, key, durability); err != nil {
		db.degraded.Store(true)
		return err
	}

	db.mu.Lock()
	needsFlush := db.active.Delete(key, seq)
	db.mu.Unlock()
	if needsFlush {
		db.signal(db.flushSignal)
	}
	return nil
}

// Get returns the current value for key. It returns lsmerrors.ErrNotFound
// if no live record exists, including when the newest record is a
// tombstone.
func (db *DB) Get(key []byte) ([]byte, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	if state, val, _ := db.active.Get(key); state != memtable.Absent {
		return resolveLookup(state, val)
	}
	for i := len(db.sealed) - 1; i >= 0; i-- {
		if state, val, _ := db.sealed[i].Get(key); state != memtable.Absent {
			return resolveLookup(state, val)
		}
	}
	for _, id := range db.liveEpoch {
		t := db.tables[id]
		if !t.Contains(key) {
			continue
		}
		val, _, tombstone, found, err := t.Reader.Get(key)
		if err != nil {
			return nil, err
		}
		if found {
			if tombstone {
				return nil, lsmerrors.ErrNotFound
			}
			return val, nil
		}
	}
	return nil, lsmerrors.ErrNotFound
}

func resolveLookup(state memtable.LookupState, val []byte) ([]byte, error) {
	if state == memtable.PresentTombstone {
		return nil, lsmerrors.ErrNotFound
	}
	return val, nil
}

// Iterator yields live (non-tombstoned) key/value pairs across [lo, hi)
// in ascending key order, merged across the active memtable, sealed
// memtables and every SSTable.
type Iterator struct {
	h   *rangeHeap
	err error
}

// Range returns a lazy iterator over [lo, hi); hi == nil means unbounded.
// The sources are fixed at call time. Keys first inserted into the
// active memtable after the call are not observed; a later overwrite or
// delete of a key already present there can be.
func (db *DB) Range(lo, hi []byte) (*Iterator, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	h := &rangeHeap{}
	sources := make([]kvIterator, 0, 2+len(db.sealed)+len(db.tables))
	sources = append(sources, &memtableIterAdapter{it: db.active.Range(lo, hi)})
	for _, m := range db.sealed {
		sources = append(sources, &memtableIterAdapter{it: m.Range(lo, hi)})
	}
	for _, id := range db.liveEpoch {
		sources = append(sources, db.tables[id].Reader.Range(lo, hi))
	}

	for i, src := range sources {
		if err := pushNextRange(h, i, src); err != nil {
			return nil, err
		}
	}
	return &Iterator{h: h}, nil
}

// Next advances the iterator, skipping shadowed duplicates and
// tombstones. ok is false once the range is exhausted or a decode error
// occurred (see Err).
func (it *Iterator) Next() (key, value []byte, ok bool) {
	for it.h.Len() > 0 {
		item := popRange(it.h)
		if err := pushNextRange(it.h, item.srcIndex, item.src); err != nil {
			it.err = err
			return nil, nil, false
		}

		// Drain and discard any lower-sequence duplicates of this key
		// already sitting in the heap before deciding whether to emit it.
		for it.h.Len() > 0 && bytes.Equal((*it.h)[0].key, item.key) {
			dup := popRange(it.h)
			if err := pushNextRange(it.h, dup.srcIndex, dup.src); err != nil {
				it.err = err
				return nil, nil, false
			}
		}

		if item.tombstone {
			continue
		}
		return item.key, item.value, true
	}
	return nil, nil, false
}

// Err returns any error encountered during iteration.
func (it *Iterator) Err() error { return it.err }
