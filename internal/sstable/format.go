// Package sstable implements the immutable on-disk sorted table format:
// data blocks, a sparse index block, a Bloom filter block and a fixed
// footer, all guarded by CRC32 checksums.
package sstable

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/grabcocque/lsmer/internal/lsmerrors"
)

// Magic identifies a valid SSTable footer, per the on-disk format.
const Magic uint32 = 0x4C534D31

const footerVersion1 = 1

// bloomKind tags which Bloom filter encoding the bloom block carries.
type bloomKind uint8

const (
	bloomKindSingle      bloomKind = 0
	bloomKindPartitioned bloomKind = 1
)

// footerSize is the fixed byte length of the trailing footer record:
// magic(4) version(1) bloomKind(1) reserved(2) indexOffset(8)
// indexLength(8) bloomOffset(8) bloomLength(8) entryCount(8) crc(4).
const footerSize = 4 + 1 + 1 + 2 + 8 + 8 + 8 + 8 + 8 + 4

type footer struct {
	bloomKind    bloomKind
	indexOffset  uint64
	indexLength  uint64
	bloomOffset  uint64
	bloomLength  uint64
	entryCount   uint64
}

func (f footer) encode() []byte {
	buf := make([]byte, footerSize)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	buf[4] = footerVersion1
	buf[5] = byte(f.bloomKind)
	// buf[6:8] reserved, left zero
	binary.LittleEndian.PutUint64(buf[8:16], f.indexOffset)
	binary.LittleEndian.PutUint64(buf[16:24], f.indexLength)
	binary.LittleEndian.PutUint64(buf[24:32], f.bloomOffset)
	binary.LittleEndian.PutUint64(buf[32:40], f.bloomLength)
	binary.LittleEndian.PutUint64(buf[40:48], f.entryCount)
	crc := crc32.ChecksumIEEE(buf[:48])
	binary.LittleEndian.PutUint32(buf[48:52], crc)
	return buf
}

func decodeFooter(buf []byte) (footer, error) {
	if len(buf) != footerSize {
		return footer{}, lsmerrors.ErrCorruption
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != Magic {
		return footer{}, lsmerrors.ErrCorruption
	}
	crc := binary.LittleEndian.Uint32(buf[48:52])
	if crc32.ChecksumIEEE(buf[:48]) != crc {
		return footer{}, lsmerrors.ErrCorruption
	}
	return footer{
		bloomKind:   bloomKind(buf[5]),
		indexOffset: binary.LittleEndian.Uint64(buf[8:16]),
		indexLength: binary.LittleEndian.Uint64(buf[16:24]),
		bloomOffset: binary.LittleEndian.Uint64(buf[24:32]),
		bloomLength: binary.LittleEndian.Uint64(buf[32:40]),
		entryCount:  binary.LittleEndian.Uint64(buf[40:48]),
	}, nil
}

// blockEntry is one decoded (key, value-or-tombstone, seq) record within
// a data block.
type blockEntry struct {
	key       []byte
	value     []byte
	seq       uint64
	tombstone bool
}

// encodeEntry appends key's wire encoding to dst and returns the result.
// Layout: u32 keyLen, key, u8 tombstone, u64 seq, u32 valueLen, value.
func encodeEntry(dst []byte, e blockEntry) []byte {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(e.key)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, e.key...)

	if e.tombstone {
		dst = append(dst, 1)
	} else {
		dst = append(dst, 0)
	}

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], e.seq)
	dst = append(dst, seqBuf[:]...)

	if e.tombstone {
		binary.LittleEndian.PutUint32(hdr[:], 0)
		dst = append(dst, hdr[:]...)
		return dst
	}
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(e.value)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, e.value...)
	return dst
}

// decodeEntry reads one entry starting at buf[0], returning it and the
// number of bytes consumed.
func decodeEntry(buf []byte) (blockEntry, int, error) {
	if len(buf) < 4 {
		return blockEntry{}, 0, lsmerrors.ErrCorruption
	}
	klen := int(binary.LittleEndian.Uint32(buf[0:4]))
	pos := 4
	if len(buf) < pos+klen+1+8+4 {
		return blockEntry{}, 0, lsmerrors.ErrCorruption
	}
	key := buf[pos : pos+klen]
	pos += klen

	tombstone := buf[pos] == 1
	pos++

	seq := binary.LittleEndian.Uint64(buf[pos : pos+8])
	pos += 8

	vlen := int(binary.LittleEndian.Uint32(buf[pos : pos+4]))
	pos += 4
	if len(buf) < pos+vlen {
		return blockEntry{}, 0, lsmerrors.ErrCorruption
	}
	var value []byte
	if !tombstone {
		value = buf[pos : pos+vlen]
	}
	pos += vlen

	return blockEntry{key: key, value: value, seq: seq, tombstone: tombstone}, pos, nil
}

// sealBlock appends a CRC32 trailer to body, returning the framed block.
// Every persisted block — data, index and Bloom alike — goes through
// this same framing so a single flipped bit anywhere surfaces as
// ErrCorruption instead of silently misdecoding.
func sealBlock(body []byte) []byte {
	crc := crc32.ChecksumIEEE(body)
	var trailer [4]byte
	binary.LittleEndian.PutUint32(trailer[:], crc)
	return append(body, trailer[:]...)
}

// unsealBlock validates framed's trailing CRC32 and returns the body
// beneath it.
func unsealBlock(framed []byte) ([]byte, error) {
	if len(framed) < 4 {
		return nil, lsmerrors.ErrCorruption
	}
	body := framed[:len(framed)-4]
	wantCRC := binary.LittleEndian.Uint32(framed[len(framed)-4:])
	if crc32.ChecksumIEEE(body) != wantCRC {
		return nil, lsmerrors.ErrCorruption
	}
	return body, nil
}

// decodeBlock validates a data block's trailer and decodes every entry
// in it.
func decodeBlock(framed []byte) ([]blockEntry, error) {
	body, err := unsealBlock(framed)
	if err != nil {
		return nil, err
	}

	var entries []blockEntry
	for len(body) > 0 {
		e, n, err := decodeEntry(body)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		body = body[n:]
	}
	return entries, nil
}

// indexEntry records the first key and on-disk span of one data block.
type indexEntry struct {
	firstKey []byte
	offset   uint64
	length   uint64
}

func encodeIndexEntry(dst []byte, e indexEntry) []byte {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(e.firstKey)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, e.firstKey...)
	var span [16]byte
	binary.LittleEndian.PutUint64(span[0:8], e.offset)
	binary.LittleEndian.PutUint64(span[8:16], e.length)
	return append(dst, span[:]...)
}

func decodeIndexEntry(buf []byte) (indexEntry, int, error) {
	if len(buf) < 4 {
		return indexEntry{}, 0, lsmerrors.ErrCorruption
	}
	klen := int(binary.LittleEndian.Uint32(buf[0:4]))
	pos := 4
	if len(buf) < pos+klen+16 {
		return indexEntry{}, 0, lsmerrors.ErrCorruption
	}
	key := append([]byte(nil), buf[pos:pos+klen]...)
	pos += klen
	offset := binary.LittleEndian.Uint64(buf[pos : pos+8])
	length := binary.LittleEndian.Uint64(buf[pos+8 : pos+16])
	pos += 16
	return indexEntry{firstKey: key, offset: offset, length: length}, pos, nil
}
