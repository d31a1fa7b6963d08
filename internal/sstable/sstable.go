package sstable

import (
	"bytes"

	"github.com/grabcocque/lsmer/internal/diskmanager"
)

// Table bundles a finalized SSTable's file path with its opened Reader,
// plus the identifier and creation epoch the coordinator uses to order
// and account for live tables.
type Table struct {
	ID       uint64
	Epoch    uint64
	Path     string
	Reader   *Reader
}

// OpenTable opens path for reading and wraps it with the coordinator's
// bookkeeping fields.
func OpenTable(dm diskmanager.DiskManager, path string, id, epoch uint64, cache *BlockCache) (*Table, error) {
	r, err := OpenReader(dm, path)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		r.AttachCache(cache)
	}
	return &Table{ID: id, Epoch: epoch, Path: path, Reader: r}, nil
}

// Close releases the table's file handle.
func (t *Table) Close() error { return t.Reader.Close() }

// Contains reports whether key could fall within this table's key range,
// used by the coordinator to skip tables cheaply before consulting their
// Bloom filter.
func (t *Table) Contains(key []byte) bool {
	smallest, largest := t.Reader.SmallestKey(), t.Reader.LargestKey()
	if smallest == nil {
		return false
	}
	return bytes.Compare(key, smallest) >= 0 && bytes.Compare(key, largest) <= 0
}
