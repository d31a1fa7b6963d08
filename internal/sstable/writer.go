package sstable

import (
	"bytes"
	"fmt"
	"os"

	"github.com/grabcocque/lsmer/internal/bloom"
	"github.com/grabcocque/lsmer/internal/diskmanager"
	"github.com/grabcocque/lsmer/internal/lsmerrors"
)

// partitionThreshold is the entry count above which a table's Bloom
// filter is built as a partitioned filter rather than a single one.
const partitionThreshold = 4096

// Writer builds one SSTable file. Add must be called with strictly
// increasing keys; Finish flushes the trailing block, the index, the
// Bloom filter and the footer, then atomically renames the temp file
// into place.
type Writer struct {
	dm   diskmanager.DiskManager
	file diskmanager.FileHandle

	tmpPath   string
	finalPath string

	blockTarget int
	block       bytes.Buffer
	blockFirst  []byte
	offset      uint64

	index []indexEntry

	bloomFilter      *bloom.Filter
	bloomPartitioned *bloom.Partitioned
	partitioned      bool

	lastKey    []byte
	entryCount uint64
	open       bool
}

// Open creates path.tmp exclusively and prepares the writer to accept
// entries. expectedKeys sizes the Bloom filter and selects between a
// single and a partitioned filter; falsePositiveRate is the target p.
func Open(dm diskmanager.DiskManager, path string, blockSizeBytes int, expectedKeys uint64, falsePositiveRate float64) (*Writer, error) {
	tmpPath := path + ".tmp"
	fh, err := dm.Open(tmpPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return nil, lsmerrors.NewIOError("open", tmpPath, err)
	}

	w := &Writer{
		dm:          dm,
		file:        fh,
		tmpPath:     tmpPath,
		finalPath:   path,
		blockTarget: blockSizeBytes,
		open:        true,
		partitioned: expectedKeys > partitionThreshold,
	}
	if w.partitioned {
		w.bloomPartitioned = bloom.NewPartitioned(expectedKeys, falsePositiveRate)
	} else {
		w.bloomFilter = bloom.New(expectedKeys, falsePositiveRate)
	}
	return w, nil
}

// Add appends one record. Keys must be strictly increasing; an equal or
// out-of-order key returns ErrInvalidArgument.
func (w *Writer) Add(key, value []byte, seq uint64, tombstone bool) error {
	if len(key) == 0 {
		return lsmerrors.ErrInvalidArgument
	}
	if w.lastKey != nil && bytes.Compare(key, w.lastKey) <= 0 {
		return lsmerrors.ErrInvalidArgument
	}

	entry := blockEntry{key: key, value: value, seq: seq, tombstone: tombstone}
	encoded := encodeEntry(nil, entry)

	if w.block.Len() > 0 && w.block.Len()+len(encoded) > 2*w.blockTarget {
		if err := w.sealCurrentBlock(); err != nil {
			return err
		}
	}
	if w.block.Len() == 0 {
		w.blockFirst = append([]byte(nil), key...)
	}
	w.block.Write(encoded)

	if w.partitioned {
		w.bloomPartitioned.Insert(key)
	} else {
		w.bloomFilter.Insert(key)
	}

	w.lastKey = append([]byte(nil), key...)
	w.entryCount++
	return nil
}

func (w *Writer) sealCurrentBlock() error {
	framed := sealBlock(w.block.Bytes())
	n, err := w.file.WriteAt(framed, int64(w.offset))
	if err != nil {
		return lsmerrors.NewIOError("write", w.tmpPath, err)
	}
	w.index = append(w.index, indexEntry{
		firstKey: w.blockFirst,
		offset:   w.offset,
		length:   uint64(n),
	})
	w.offset += uint64(n)
	w.block.Reset()
	w.blockFirst = nil
	return nil
}

// Finish writes the index, Bloom and footer sections, fsyncs, closes and
// atomically renames the temp file to its final path.
func (w *Writer) Finish() error {
	if !w.open {
		return fmt.Errorf("sstable writer already finished")
	}
	if w.block.Len() > 0 {
		if err := w.sealCurrentBlock(); err != nil {
			return err
		}
	}

	indexOffset := w.offset
	var indexBuf []byte
	for _, e := range w.index {
		indexBuf = encodeIndexEntry(indexBuf, e)
	}
	framedIndex := sealBlock(indexBuf)
	if _, err := w.file.WriteAt(framedIndex, int64(w.offset)); err != nil {
		return lsmerrors.NewIOError("write", w.tmpPath, err)
	}
	w.offset += uint64(len(framedIndex))
	indexLength := uint64(len(framedIndex))

	bloomOffset := w.offset
	var bloomBuf bytes.Buffer
	var bk bloomKind
	if w.partitioned {
		bk = bloomKindPartitioned
		if _, err := w.bloomPartitioned.WriteTo(&bloomBuf); err != nil {
			return err
		}
	} else {
		bk = bloomKindSingle
		if _, err := w.bloomFilter.WriteTo(&bloomBuf); err != nil {
			return err
		}
	}
	framedBloom := sealBlock(bloomBuf.Bytes())
	if _, err := w.file.WriteAt(framedBloom, int64(w.offset)); err != nil {
		return lsmerrors.NewIOError("write", w.tmpPath, err)
	}
	w.offset += uint64(len(framedBloom))
	bloomLength := uint64(len(framedBloom))

	f := footer{
		bloomKind:   bk,
		indexOffset: indexOffset,
		indexLength: indexLength,
		bloomOffset: bloomOffset,
		bloomLength: bloomLength,
		entryCount:  w.entryCount,
	}
	if _, err := w.file.WriteAt(f.encode(), int64(w.offset)); err != nil {
		return lsmerrors.NewIOError("write", w.tmpPath, err)
	}

	if err := w.file.Sync(); err != nil {
		return lsmerrors.NewIOError("sync", w.tmpPath, err)
	}
	if err := w.file.Close(); err != nil {
		return lsmerrors.NewIOError("close", w.tmpPath, err)
	}
	if err := w.dm.Rename(w.tmpPath, w.finalPath); err != nil {
		return lsmerrors.NewIOError("rename", w.tmpPath, err)
	}

	w.open = false
	return nil
}

// Abandon closes and removes the temp file without publishing a table,
// for the case where the caller fails before calling Finish.
func (w *Writer) Abandon() error {
	if !w.open {
		return nil
	}
	w.open = false
	_ = w.file.Close()
	return w.dm.Delete(w.tmpPath)
}

// EntryCount returns the number of entries added so far.
func (w *Writer) EntryCount() uint64 { return w.entryCount }
