// Package walog implements the append-only write-ahead log: record
// framing with CRC32 integrity, durability levels, group-commit
// batching, segment rotation/retirement, and checkpoint-aware replay.
package walog

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/grabcocque/lsmer/internal/lsmerrors"
)

// Kind tags what a Record represents.
type Kind uint8

const (
	KindPut Kind = iota
	KindDelete
	KindBatchBegin
	KindBatchCommit
	KindCheckpoint
	KindCompactionCommit
)

// Record is one decoded WAL entry.
type Record struct {
	Seq   uint64
	Kind  Kind
	Key   []byte
	Value []byte

	// Populated only for KindCheckpoint.
	CheckpointMaxSeq  uint64
	CheckpointTableID uint64

	// Populated only for KindCompactionCommit: inputs have been merged
	// into the output table, and may be unlinked if still present.
	CompactionInputIDs []uint64
	CompactionOutputID uint64
}

// recordHeaderSize covers seq(8) + kind(1) + payloadLen(4); the frame
// also carries a leading u32 total length and a trailing u32 CRC32.
const recordHeaderSize = 8 + 1 + 4

func putPayload(key, value []byte) []byte {
	buf := make([]byte, 4+len(key)+4+len(value))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(key)))
	copy(buf[4:4+len(key)], key)
	off := 4 + len(key)
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(value)))
	copy(buf[off+4:], value)
	return buf
}

func deletePayload(key []byte) []byte {
	buf := make([]byte, 4+len(key))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(key)))
	copy(buf[4:], key)
	return buf
}

func checkpointPayload(maxSeq, tableID uint64) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], maxSeq)
	binary.LittleEndian.PutUint64(buf[8:16], tableID)
	return buf
}

// compactionCommitPayload encodes u32 inputCount, inputCount*u64 input
// table IDs, then u64 outputID.
func compactionCommitPayload(inputIDs []uint64, outputID uint64) []byte {
	buf := make([]byte, 4+8*len(inputIDs)+8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(inputIDs)))
	off := 4
	for _, id := range inputIDs {
		binary.LittleEndian.PutUint64(buf[off:off+8], id)
		off += 8
	}
	binary.LittleEndian.PutUint64(buf[off:off+8], outputID)
	return buf
}

func decodePutPayload(p []byte) (key, value []byte, err error) {
	if len(p) < 4 {
		return nil, nil, lsmerrors.ErrCorruption
	}
	klen := int(binary.LittleEndian.Uint32(p[0:4]))
	if len(p) < 4+klen+4 {
		return nil, nil, lsmerrors.ErrCorruption
	}
	key = p[4 : 4+klen]
	vlen := int(binary.LittleEndian.Uint32(p[4+klen : 8+klen]))
	if len(p) < 8+klen+vlen {
		return nil, nil, lsmerrors.ErrCorruption
	}
	value = p[8+klen : 8+klen+vlen]
	return key, value, nil
}

func decodeDeletePayload(p []byte) (key []byte, err error) {
	if len(p) < 4 {
		return nil, lsmerrors.ErrCorruption
	}
	klen := int(binary.LittleEndian.Uint32(p[0:4]))
	if len(p) < 4+klen {
		return nil, lsmerrors.ErrCorruption
	}
	return p[4 : 4+klen], nil
}

func decodeCheckpointPayload(p []byte) (maxSeq, tableID uint64, err error) {
	if len(p) < 16 {
		return 0, 0, lsmerrors.ErrCorruption
	}
	return binary.LittleEndian.Uint64(p[0:8]), binary.LittleEndian.Uint64(p[8:16]), nil
}

func decodeCompactionCommitPayload(p []byte) (inputIDs []uint64, outputID uint64, err error) {
	if len(p) < 4 {
		return nil, 0, lsmerrors.ErrCorruption
	}
	count := int(binary.LittleEndian.Uint32(p[0:4]))
	if len(p) < 4+8*count+8 {
		return nil, 0, lsmerrors.ErrCorruption
	}
	off := 4
	ids := make([]uint64, count)
	for i := 0; i < count; i++ {
		ids[i] = binary.LittleEndian.Uint64(p[off : off+8])
		off += 8
	}
	outputID = binary.LittleEndian.Uint64(p[off : off+8])
	return ids, outputID, nil
}

// encodeRecord frames (seq, kind, payload) as
// u32 totalLen | u64 seq | u8 kind | u32 payloadLen | payload | u32 crc32.
// totalLen covers everything after itself, through the trailing CRC.
func encodeRecord(seq uint64, kind Kind, payload []byte) []byte {
	body := make([]byte, recordHeaderSize+len(payload))
	binary.LittleEndian.PutUint64(body[0:8], seq)
	body[8] = byte(kind)
	binary.LittleEndian.PutUint32(body[9:13], uint32(len(payload)))
	copy(body[13:], payload)

	crc := crc32.ChecksumIEEE(body)
	framed := make([]byte, 4+len(body)+4)
	binary.LittleEndian.PutUint32(framed[0:4], uint32(len(body)+4))
	copy(framed[4:], body)
	binary.LittleEndian.PutUint32(framed[4+len(body):], crc)
	return framed
}

// decodeRecord parses one frame starting at buf[0] (the total-length
// field), returning the Record and the number of bytes consumed.
func decodeRecord(buf []byte) (Record, int, error) {
	if len(buf) < 4 {
		return Record{}, 0, lsmerrors.ErrCorruption
	}
	bodyLen := int(binary.LittleEndian.Uint32(buf[0:4]))
	if bodyLen < recordHeaderSize+4 || len(buf) < 4+bodyLen {
		return Record{}, 0, lsmerrors.ErrCorruption
	}
	body := buf[4 : 4+bodyLen]
	crc := binary.LittleEndian.Uint32(body[len(body)-4:])
	payloadAndHeader := body[:len(body)-4]
	if crc32.ChecksumIEEE(payloadAndHeader) != crc {
		return Record{}, 0, lsmerrors.ErrCorruption
	}

	seq := binary.LittleEndian.Uint64(payloadAndHeader[0:8])
	kind := Kind(payloadAndHeader[8])
	payloadLen := int(binary.LittleEndian.Uint32(payloadAndHeader[9:13]))
	if len(payloadAndHeader) < recordHeaderSize+payloadLen {
		return Record{}, 0, lsmerrors.ErrCorruption
	}
	payload := payloadAndHeader[recordHeaderSize : recordHeaderSize+payloadLen]

	rec := Record{Seq: seq, Kind: kind}
	var err error
	switch kind {
	case KindPut:
		rec.Key, rec.Value, err = decodePutPayload(payload)
	case KindDelete:
		rec.Key, err = decodeDeletePayload(payload)
	case KindCheckpoint:
		rec.CheckpointMaxSeq, rec.CheckpointTableID, err = decodeCheckpointPayload(payload)
	case KindCompactionCommit:
		rec.CompactionInputIDs, rec.CompactionOutputID, err = decodeCompactionCommitPayload(payload)
	case KindBatchBegin, KindBatchCommit:
		// no payload to decode
	default:
		err = lsmerrors.ErrCorruption
	}
	if err != nil {
		return Record{}, 0, err
	}
	return rec, 4 + bodyLen, nil
}
