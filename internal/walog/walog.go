package walog

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grabcocque/lsmer/internal/config"
	"github.com/grabcocque/lsmer/internal/diskmanager"
	"github.com/grabcocque/lsmer/internal/lsmerrors"
)

const segmentSuffix = ".wal"

type segmentMeta struct {
	startSeq uint64
	path     string
}

func segmentPath(dir string, startSeq uint64) string {
	return filepath.Join(dir, strconv.FormatUint(startSeq, 10)+segmentSuffix)
}

// WAL is a segmented, append-only log. Exactly one writer goroutine owns
// the current segment's file handle; Append enqueues a record and,
// depending on its durability level, blocks until a group-commit batch
// containing it has been written (and, for Sync, fsynced).
type WAL struct {
	dm            diskmanager.DiskManager
	dir           string
	segmentBytes  int64
	commitWindow  time.Duration

	segMu     sync.Mutex
	segments  []segmentMeta // ascending by startSeq; last is current
	curFile   diskmanager.FileHandle
	curOffset int64

	mu             sync.Mutex
	pending        []*pendingAppend
	flushScheduled bool
	closed         bool
}

type pendingAppend struct {
	seq        uint64
	encoded    []byte
	durability config.Durability
	done       chan error
}

// Open scans dir for existing segments, replays every record across
// them in sequence order (truncating a corrupt or partial tail rather
// than failing open: new Appends resume right after the last valid
// record of the current segment, overwriting the tail), and returns a
// WAL ready to accept new Appends plus the replayed records.
func Open(dm diskmanager.DiskManager, dir string, segmentBytes int64, commitWindow time.Duration) (*WAL, []Record, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, lsmerrors.NewIOError("mkdir", dir, err)
	}

	names, err := dm.List(dir, segmentSuffix)
	if err != nil {
		return nil, nil, lsmerrors.NewIOError("list", dir, err)
	}

	var segments []segmentMeta
	for _, name := range names {
		if !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		seqStr := strings.TrimSuffix(name, segmentSuffix)
		seq, err := strconv.ParseUint(seqStr, 10, 64)
		if err != nil {
			continue
		}
		segments = append(segments, segmentMeta{startSeq: seq, path: filepath.Join(dir, name)})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].startSeq < segments[j].startSeq })

	var records []Record
	tailValid := int64(-1)
	for _, seg := range segments {
		segRecords, valid, err := replaySegment(dm, seg.path)
		if err != nil {
			return nil, nil, err
		}
		records = append(records, segRecords...)
		tailValid = valid
	}

	if len(segments) == 0 {
		segments = []segmentMeta{{startSeq: 0, path: segmentPath(dir, 0)}}
	}

	cur := segments[len(segments)-1]
	fh, err := dm.Open(cur.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, nil, lsmerrors.NewIOError("open", cur.path, err)
	}
	stat, err := fh.Stat()
	if err != nil {
		return nil, nil, lsmerrors.NewIOError("stat", cur.path, err)
	}
	curOffset := stat.Size()
	if tailValid >= 0 && tailValid < curOffset {
		curOffset = tailValid
	}

	w := &WAL{
		dm:           dm,
		dir:          dir,
		segmentBytes: segmentBytes,
		commitWindow: commitWindow,
		segments:     segments,
		curFile:      fh,
		curOffset:    curOffset,
	}
	return w, records, nil
}

// replaySegment decodes every record in path, stopping (without error)
// at the first decode failure: an incomplete trailing record is the
// expected signature of a crash mid-write, not corruption to report.
// It also returns the byte length of the valid prefix it decoded.
func replaySegment(dm diskmanager.DiskManager, path string) ([]Record, int64, error) {
	fh, err := dm.Open(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, 0, lsmerrors.NewIOError("open", path, err)
	}
	defer func() { _ = dm.Close(path) }()

	stat, err := fh.Stat()
	if err != nil {
		return nil, 0, lsmerrors.NewIOError("stat", path, err)
	}
	buf := make([]byte, stat.Size())
	if _, err := fh.ReadAt(buf, 0); err != nil && stat.Size() > 0 {
		return nil, 0, lsmerrors.NewIOError("read", path, err)
	}

	var records []Record
	var valid int64
	for len(buf) > 0 {
		rec, n, err := decodeRecord(buf)
		if err != nil {
			break // partial tail from a crash mid-append; truncate silently
		}
		records = append(records, rec)
		buf = buf[n:]
		valid += int64(n)
	}
	return records, valid, nil
}

func (w *WAL) appendPayload(seq uint64, kind Kind, payload []byte, durability config.Durability) error {
	p := &pendingAppend{
		seq:        seq,
		encoded:    encodeRecord(seq, kind, payload),
		durability: durability,
		done:       make(chan error, 1),
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return lsmerrors.ErrClosedEngine
	}
	w.pending = append(w.pending, p)
	needSchedule := !w.flushScheduled
	if needSchedule {
		w.flushScheduled = true
	}
	w.mu.Unlock()

	if needSchedule {
		go w.scheduleDrain()
	}

	if durability == config.DurabilityNone {
		return nil
	}
	return <-p.done
}

func (w *WAL) scheduleDrain() {
	if w.commitWindow > 0 {
		time.Sleep(w.commitWindow)
	}
	w.drain()
}

func (w *WAL) drain() {
	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.flushScheduled = false
	w.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	maxDurability := config.DurabilityNone
	var buf []byte
	for _, p := range batch {
		buf = append(buf, p.encoded...)
		if p.durability > maxDurability {
			maxDurability = p.durability
		}
	}

	w.segMu.Lock()
	if w.curOffset >= w.segmentBytes {
		w.rotate(batch[0].seq)
	}
	n, err := w.curFile.WriteAt(buf, w.curOffset)
	if err == nil {
		w.curOffset += int64(n)
	} else {
		err = lsmerrors.NewIOError("write", w.segments[len(w.segments)-1].path, err)
	}
	if err == nil && maxDurability == config.DurabilitySync {
		if syncErr := w.curFile.Sync(); syncErr != nil {
			err = lsmerrors.NewIOError("sync", w.segments[len(w.segments)-1].path, syncErr)
		}
	}
	w.segMu.Unlock()

	for _, p := range batch {
		if p.durability != config.DurabilityNone {
			p.done <- err
		}
	}
}

// rotate must be called with segMu held. It closes the current segment
// and opens a new one named after startSeq.
func (w *WAL) rotate(startSeq uint64) {
	_ = w.curFile.Sync()
	path := w.segments[len(w.segments)-1].path
	_ = w.dm.Close(path)

	newPath := segmentPath(w.dir, startSeq)
	fh, err := w.dm.Open(newPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		// Fall back to the existing (now-closed) segment path; the next
		// write will surface the real error.
		return
	}
	w.segments = append(w.segments, segmentMeta{startSeq: startSeq, path: newPath})
	w.curFile = fh
	w.curOffset = 0
}

// AppendPut appends a put record and returns once durability has been
// satisfied (or immediately for DurabilityNone).
func (w *WAL) AppendPut(seq uint64, key, value []byte, durability config.Durability) error {
	return w.appendPayload(seq, KindPut, putPayload(key, value), durability)
}

// AppendDelete appends a delete (tombstone) record.
func (w *WAL) AppendDelete(seq uint64, key []byte, durability config.Durability) error {
	return w.appendPayload(seq, KindDelete, deletePayload(key), durability)
}

// AppendCheckpoint records that every write up to maxSeq is durably
// present in the SSTable identified by tableID.
func (w *WAL) AppendCheckpoint(seq, maxSeq, tableID uint64) error {
	return w.appendPayload(seq, KindCheckpoint, checkpointPayload(maxSeq, tableID), config.DurabilitySync)
}

// AppendCompactionCommit records that inputIDs have been merged into
// outputID, whose SSTable file is already fsynced and renamed into
// place. A crash after this record but before the inputs are unlinked
// is recovered by finishing the unlink on replay, rather than
// re-running the merge.
func (w *WAL) AppendCompactionCommit(seq uint64, inputIDs []uint64, outputID uint64) error {
	return w.appendPayload(seq, KindCompactionCommit, compactionCommitPayload(inputIDs, outputID), config.DurabilitySync)
}

// Retire deletes every segment file whose entire sequence range is
// below beforeSeq, leaving the current segment untouched.
func (w *WAL) Retire(beforeSeq uint64) error {
	w.segMu.Lock()
	defer w.segMu.Unlock()

	kept := make([]segmentMeta, 0, len(w.segments))
	for i := 0; i < len(w.segments)-1; i++ {
		nextStart := w.segments[i+1].startSeq
		if nextStart <= beforeSeq {
			if err := w.dm.Delete(w.segments[i].path); err != nil && !os.IsNotExist(err) {
				return lsmerrors.NewIOError("delete", w.segments[i].path, err)
			}
			continue
		}
		kept = append(kept, w.segments[i])
	}
	kept = append(kept, w.segments[len(w.segments)-1])
	w.segments = kept
	return nil
}

// Close flushes any pending group-commit batch, fsyncs and closes the
// current segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	w.drain()

	w.segMu.Lock()
	defer w.segMu.Unlock()
	if err := w.curFile.Sync(); err != nil {
		return lsmerrors.NewIOError("sync", w.segments[len(w.segments)-1].path, err)
	}
	return w.curFile.Close()
}
