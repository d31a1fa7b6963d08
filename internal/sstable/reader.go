package sstable

import (
	"bytes"
	"os"
	"sort"

	"github.com/grabcocque/lsmer/internal/bloom"
	"github.com/grabcocque/lsmer/internal/diskmanager"
	"github.com/grabcocque/lsmer/internal/lsmerrors"
)

// Reader provides point lookups and range iteration over one finalized
// SSTable file.
type Reader struct {
	dm   diskmanager.DiskManager
	file diskmanager.FileHandle
	path string

	index []indexEntry

	bloomFilter      *bloom.Filter
	bloomPartitioned *bloom.Partitioned
	partitioned      bool

	entryCount uint64
	smallest   []byte
	largest    []byte

	cache *BlockCache
}

// AttachCache wires a shared BlockCache into the reader so repeated
// lookups against hot blocks skip re-reading and re-validating them.
func (r *Reader) AttachCache(c *BlockCache) { r.cache = c }

// OpenReader reads and validates path's footer, index block and Bloom block.
// A footer CRC or magic mismatch returns ErrCorruption; the caller is
// expected to quarantine the file with a .bad suffix rather than delete
// it, per the recovery policy.
func OpenReader(dm diskmanager.DiskManager, path string) (*Reader, error) {
	fh, err := dm.Open(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, lsmerrors.NewIOError("open", path, err)
	}

	stat, err := fh.Stat()
	if err != nil {
		return nil, lsmerrors.NewIOError("stat", path, err)
	}
	if stat.Size() < footerSize {
		return nil, &lsmerrors.CorruptionError{Path: path, Offset: 0, Reason: "file too small for footer"}
	}

	footerBuf := make([]byte, footerSize)
	footerOff := stat.Size() - footerSize
	if _, err := fh.ReadAt(footerBuf, footerOff); err != nil {
		return nil, lsmerrors.NewIOError("read", path, err)
	}
	ft, err := decodeFooter(footerBuf)
	if err != nil {
		return nil, &lsmerrors.CorruptionError{Path: path, Offset: footerOff, Reason: "footer magic or CRC mismatch"}
	}

	framedIndex := make([]byte, ft.indexLength)
	if _, err := fh.ReadAt(framedIndex, int64(ft.indexOffset)); err != nil {
		return nil, lsmerrors.NewIOError("read", path, err)
	}
	indexBuf, err := unsealBlock(framedIndex)
	if err != nil {
		return nil, &lsmerrors.CorruptionError{Path: path, Offset: int64(ft.indexOffset), Reason: "index block CRC mismatch"}
	}
	var idx []indexEntry
	for len(indexBuf) > 0 {
		e, n, err := decodeIndexEntry(indexBuf)
		if err != nil {
			return nil, &lsmerrors.CorruptionError{Path: path, Offset: int64(ft.indexOffset), Reason: "index block decode failure"}
		}
		idx = append(idx, e)
		indexBuf = indexBuf[n:]
	}

	framedBloom := make([]byte, ft.bloomLength)
	if _, err := fh.ReadAt(framedBloom, int64(ft.bloomOffset)); err != nil {
		return nil, lsmerrors.NewIOError("read", path, err)
	}
	bloomBuf, err := unsealBlock(framedBloom)
	if err != nil {
		return nil, &lsmerrors.CorruptionError{Path: path, Offset: int64(ft.bloomOffset), Reason: "bloom block CRC mismatch"}
	}

	r := &Reader{dm: dm, file: fh, path: path, index: idx, entryCount: ft.entryCount}

	br := bytes.NewReader(bloomBuf)
	switch ft.bloomKind {
	case bloomKindPartitioned:
		r.partitioned = true
		r.bloomPartitioned, _, err = bloom.ReadPartitionedFrom(br)
	default:
		r.bloomFilter, _, err = bloom.ReadFrom(br)
	}
	if err != nil {
		return nil, &lsmerrors.CorruptionError{Path: path, Offset: int64(ft.bloomOffset), Reason: "bloom block decode failure"}
	}

	if len(idx) > 0 {
		r.smallest = idx[0].firstKey
		lastBlock, err := r.readBlock(idx[len(idx)-1])
		if err == nil && len(lastBlock) > 0 {
			r.largest = lastBlock[len(lastBlock)-1].key
		}
	}
	return r, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error { return r.dm.Close(r.path) }

// EntryCount returns the number of entries recorded in the footer.
func (r *Reader) EntryCount() uint64 { return r.entryCount }

// SmallestKey and LargestKey report this table's key bounds, used by the
// coordinator to skip tables that cannot contain a queried key.
func (r *Reader) SmallestKey() []byte { return r.smallest }
func (r *Reader) LargestKey() []byte  { return r.largest }

func (r *Reader) mayContain(key []byte) bool {
	if r.partitioned {
		return r.bloomPartitioned.MayContain(key)
	}
	return r.bloomFilter.MayContain(key)
}

func (r *Reader) readBlock(e indexEntry) ([]blockEntry, error) {
	if r.cache != nil {
		if entries, ok := r.cache.get(r.path, e.offset); ok {
			return entries, nil
		}
	}
	buf := make([]byte, e.length)
	if _, err := r.file.ReadAt(buf, int64(e.offset)); err != nil {
		return nil, lsmerrors.NewIOError("read", r.path, err)
	}
	entries, err := decodeBlock(buf)
	if err != nil {
		return nil, &lsmerrors.CorruptionError{Path: r.path, Offset: int64(e.offset), Reason: "data block CRC mismatch"}
	}
	if r.cache != nil {
		r.cache.put(r.path, e.offset, entries)
	}
	return entries, nil
}

// blockFor returns the index entry whose block may contain key, or false
// if key falls before the table's first key.
func (r *Reader) blockFor(key []byte) (indexEntry, bool) {
	pos := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].firstKey, key) > 0
	})
	if pos == 0 {
		return indexEntry{}, false
	}
	return r.index[pos-1], true
}

// Get looks up key. found is false when the table contains no record for
// key; when found is true, tombstone distinguishes a delete marker from
// a live value.
func (r *Reader) Get(key []byte) (value []byte, seq uint64, tombstone bool, found bool, err error) {
	if len(r.index) == 0 || !r.mayContain(key) {
		return nil, 0, false, false, nil
	}
	be, ok := r.blockFor(key)
	if !ok {
		return nil, 0, false, false, nil
	}
	entries, err := r.readBlock(be)
	if err != nil {
		return nil, 0, false, false, err
	}
	pos := sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].key, key) >= 0
	})
	if pos == len(entries) || !bytes.Equal(entries[pos].key, key) {
		return nil, 0, false, false, nil
	}
	e := entries[pos]
	return e.value, e.seq, e.tombstone, true, nil
}

// Iterator yields entries of one SSTable in ascending key order across
// [lo, hi). A nil hi means unbounded.
type Iterator struct {
	r       *Reader
	blockIx int
	entries []blockEntry
	pos     int
	hi      []byte
	err     error
}

// Range returns a lazy iterator over [lo, hi).
func (r *Reader) Range(lo, hi []byte) *Iterator {
	startBlock := 0
	if lo != nil {
		pos := sort.Search(len(r.index), func(i int) bool {
			return bytes.Compare(r.index[i].firstKey, lo) > 0
		})
		if pos > 0 {
			startBlock = pos - 1
		}
	}
	it := &Iterator{r: r, blockIx: startBlock, hi: hi}
	if startBlock < len(r.index) {
		it.entries, it.err = r.readBlock(r.index[startBlock])
		if lo != nil {
			it.pos = sort.Search(len(it.entries), func(i int) bool {
				return bytes.Compare(it.entries[i].key, lo) >= 0
			})
		}
	}
	return it
}

// Next advances the iterator. ok is false once the range, or the table,
// is exhausted, or a decode error occurred (see Err).
func (it *Iterator) Next() (key, value []byte, seq uint64, tombstone bool, ok bool) {
	for {
		if it.err != nil {
			return nil, nil, 0, false, false
		}
		if it.pos >= len(it.entries) {
			it.blockIx++
			if it.blockIx >= len(it.r.index) {
				return nil, nil, 0, false, false
			}
			it.entries, it.err = it.r.readBlock(it.r.index[it.blockIx])
			it.pos = 0
			continue
		}
		e := it.entries[it.pos]
		if it.hi != nil && bytes.Compare(e.key, it.hi) >= 0 {
			return nil, nil, 0, false, false
		}
		it.pos++
		return e.key, e.value, e.seq, e.tombstone, true
	}
}

// Err returns any decode error encountered during iteration.
func (it *Iterator) Err() error { return it.err }
