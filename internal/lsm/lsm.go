// Package lsm coordinates the memtable, write-ahead log, SSTables and
// background compaction into one embeddable storage engine: the piece
// that ties every other internal package together behind Put/Delete/
// Get/Range/Flush/Close.
package lsm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/grabcocque/lsmer/internal/compaction"
	"github.com/grabcocque/lsmer/internal/config"
	"github.com/grabcocque/lsmer/internal/diskmanager"
	"github.com/grabcocque/lsmer/internal/logging"
	"github.com/grabcocque/lsmer/internal/lsmerrors"
	"github.com/grabcocque/lsmer/internal/memtable"
	"github.com/grabcocque/lsmer/internal/sstable"
	"github.com/grabcocque/lsmer/internal/walog"
)

const sstSuffix = ".sst"
const badSuffix = ".bad"
const tmpSuffix = ".tmp"

// DB is one open storage engine instance, rooted at a single directory
// containing wal/, sst/ and a MANIFEST file.
type DB struct {
	dm     diskmanager.DiskManager
	dir    string
	walDir string
	sstDir string
	cfg    *config.Config
	logger *zap.Logger

	mu          sync.RWMutex
	active      *memtable.Memtable
	sealed      []*memtable.Memtable // oldest first; awaiting flush
	tables      map[uint64]*sstable.Table
	tiers       compaction.Tiers
	liveEpoch   []uint64 // table IDs, epoch descending; rebuilt on mutation
	nextTableID uint64

	wal        *walog.WAL
	blockCache *sstable.BlockCache
	policy     compaction.Policy

	seq atomic.Uint64

	ioSem  *semaphore.Weighted
	eg     *errgroup.Group
	egCtx  context.Context
	cancel context.CancelFunc

	flushSignal   chan struct{}
	compactSignal chan struct{}

	closing  atomic.Bool
	closed   atomic.Bool
	degraded atomic.Bool
}

// Open opens (or creates) a storage engine rooted at dir, replaying the
// write-ahead log and validating every SSTable footer before returning.
func Open(dm diskmanager.DiskManager, dir string, cfg *config.Config) (*DB, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	cfg.FillDefaults()

	sstDir := filepath.Join(dir, "sst")
	walDir := filepath.Join(dir, "wal")
	if err := os.MkdirAll(sstDir, 0755); err != nil {
		return nil, lsmerrors.NewIOError("mkdir", sstDir, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(ctx)

	db := &DB{
		dm:            dm,
		dir:           dir,
		walDir:        walDir,
		sstDir:        sstDir,
		cfg:           cfg,
		logger:        logging.New(cfg.Logger, "lsm"),
		tables:        make(map[uint64]*sstable.Table),
		blockCache:    sstable.NewBlockCache(cfg.BlockCacheBlocks),
		policy:        compaction.NewPolicy(cfg.CompactionTriggerCount),
		ioSem:         semaphore.NewWeighted(cfg.MaxInflightIO),
		eg:            eg,
		egCtx:         egCtx,
		cancel:        cancel,
		flushSignal:   make(chan struct{}, 1),
		compactSignal: make(chan struct{}, 1),
	}

	manifest, haveManifest, err := readManifest(dm, dir)
	if err != nil {
		db.logger.Warn("manifest unreadable, rebuilding from disk scan", zap.Error(err))
		haveManifest = false
	}

	if err := db.recoverTables(manifest, haveManifest); err != nil {
		cancel()
		return nil, err
	}

	wal, records, err := walog.Open(dm, walDir, cfg.WALSegmentBytes, cfg.GroupCommitWindow)
	if err != nil {
		cancel()
		return nil, err
	}
	db.wal = wal

	if err := db.replayWAL(records, manifest, haveManifest); err != nil {
		cancel()
		return nil, err
	}

	if err := writeManifest(dm, dir, manifestState{LastSeq: db.seq.Load(), NextTableID: db.nextTableID}); err != nil {
		cancel()
		return nil, err
	}

	db.eg.Go(func() error { db.flushWorker(); return nil })
	db.eg.Go(func() error { db.compactWorker(); return nil })

	return db, nil
}

// recoverTables scans sstDir, deleting orphan .tmp files left by a crash
// mid-write, quarantining footer-corrupt files with a .bad suffix rather
// than deleting them, and opening every remaining table. Recovered
// tables all land in tier 0 — a restart re-derives true tiering lazily
// as the compaction policy re-groups them, the same simplification the
// teacher's own SSTable reload takes ("proper level detection would
// parse filename").
func (db *DB) recoverTables(m manifestState, haveManifest bool) error {
	names, err := db.dm.List(db.sstDir, "")
	if err != nil {
		return lsmerrors.NewIOError("list", db.sstDir, err)
	}

	var maxID uint64
	var tier0 []uint64
	for _, name := range names {
		full := filepath.Join(db.sstDir, name)
		switch {
		case strings.HasSuffix(name, tmpSuffix):
			if err := db.dm.Delete(full); err != nil && !os.IsNotExist(err) {
				return lsmerrors.NewIOError("delete", full, err)
			}
			continue
		case strings.HasSuffix(name, badSuffix):
			continue
		case !strings.HasSuffix(name, sstSuffix):
			continue
		}

		idStr := strings.TrimSuffix(name, sstSuffix)
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}

		table, err := sstable.OpenTable(db.dm, full, id, id, db.blockCache)
		if err != nil {
			db.logger.Error("quarantining corrupt sstable", zap.String("path", full), zap.Error(err))
			if rerr := db.dm.Rename(full, full+badSuffix); rerr != nil {
				return lsmerrors.NewIOError("rename", full, rerr)
			}
			continue
		}

		db.tables[id] = table
		tier0 = append(tier0, id)
		if id > maxID {
			maxID = id
		}
	}

	sort.Slice(tier0, func(i, j int) bool { return tier0[i] < tier0[j] })
	db.tiers = compaction.Tiers{tier0}
	db.nextTableID = maxID + 1
	if haveManifest && m.NextTableID > db.nextTableID {
		db.nextTableID = m.NextTableID
	}
	db.rebuildLiveEpoch()
	return nil
}

// rebuildLiveEpoch refreshes the epoch-descending lookup order used by
// Get/Range to check the newest table first. Must be called with mu held.
func (db *DB) rebuildLiveEpoch() {
	ids := make([]uint64, 0, len(db.tables))
	for id := range db.tables {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return db.tables[ids[i]].Epoch > db.tables[ids[j]].Epoch })
	db.liveEpoch = ids
}

// finishCompactionUnlink redoes the tail of an interrupted compaction: a
// crash between appending the compaction-commit record and unlinking
// every input table leaves some input files still on disk, already
// re-scanned into db.tables by recoverTables. Since the commit record
// is proof the merge output was fsynced and renamed into place, any
// inputID still present is stale and is unlinked now rather than
// re-merged.
func (db *DB) finishCompactionUnlink(inputIDs []uint64, outputID uint64) {
	for _, id := range inputIDs {
		if id == outputID {
			continue
		}
		t, ok := db.tables[id]
		if !ok {
			continue // already unlinked before the crash
		}
		path := t.Path
		_ = t.Close()
		delete(db.tables, id)
		for tier, ids := range db.tiers {
			kept := ids[:0]
			for _, existing := range ids {
				if existing != id {
					kept = append(kept, existing)
				}
			}
			db.tiers[tier] = kept
		}
		if err := db.dm.Delete(path); err != nil && !os.IsNotExist(err) {
			db.logger.Warn("failed to finish compaction unlink on recovery", zap.String("path", path), zap.Error(err))
		}
	}
	db.rebuildLiveEpoch()
}

// replayWAL applies every record newer than the most recent checkpoint's
// covered sequence into a fresh active memtable. Records at or below a
// checkpoint's maxSeq are already durable in the SSTable it names, so
// replaying them again would only waste memory, not change correctness.
func (db *DB) replayWAL(records []walog.Record, m manifestState, haveManifest bool) error {
	db.active = memtable.New(db.cfg.MemtableCapacityBytes)

	var checkpointMaxSeq uint64
	var maxSeq uint64
	for _, rec := range records {
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
		if rec.Kind == walog.KindCheckpoint && rec.CheckpointMaxSeq > checkpointMaxSeq {
			checkpointMaxSeq = rec.CheckpointMaxSeq
		}
	}

	for _, rec := range records {
		if rec.Kind == walog.KindCompactionCommit {
			db.finishCompactionUnlink(rec.CompactionInputIDs, rec.CompactionOutputID)
			continue
		}
		if rec.Seq <= checkpointMaxSeq {
			continue
		}
		switch rec.Kind {
		case walog.KindPut:
			_, _ = db.active.Put(rec.Key, rec.Value, rec.Seq, false)
		case walog.KindDelete:
			db.active.Delete(rec.Key, rec.Seq)
		}
	}

	startSeq := maxSeq
	if haveManifest && m.LastSeq > startSeq {
		startSeq = m.LastSeq
	}
	db.seq.Store(startSeq)

	if db.active.Size() > db.active.Capacity() {
		return db.flushActive(db.egCtx)
	}
	return nil
}

// nextSeq returns the next monotonically increasing sequence number.
func (db *DB) nextSeq() uint64 { return db.seq.Add(1) }

// Close stops background workers, flushes any remaining data, and
// releases every open file handle.
func (db *DB) Close() error {
	if !db.closing.CompareAndSwap(false, true) {
		return lsmerrors.ErrClosedEngine
	}

	db.mu.Lock()
	needsFlush := db.active.Size() > 0 || len(db.sealed) > 0
	db.mu.Unlock()
	if needsFlush {
		if err := db.flushActive(db.egCtx); err != nil {
			db.logger.Error("flush during close failed", zap.Error(err))
		}
	}

	db.cancel()
	_ = db.eg.Wait()

	var firstErr error
	if err := db.wal.Close(); err != nil {
		firstErr = err
	}
	db.mu.Lock()
	for _, t := range db.tables {
		_ = t.Close()
	}
	db.mu.Unlock()

	if err := writeManifest(db.dm, db.dir, manifestState{LastSeq: db.seq.Load(), NextTableID: db.nextTableID}); err != nil && firstErr == nil {
		firstErr = err
	}

	db.closed.Store(true)
	return firstErr
}

// checkOpen is used by read paths (Get, Range): it rejects a closed or
// closing engine but, per the degraded-mode contract, lets reads
// through even after a write has failed and set db.degraded.
func (db *DB) checkOpen() error {
	if db.closed.Load() {
		return lsmerrors.ErrClosedEngine
	}
	if db.closing.Load() {
		return lsmerrors.ErrBusy
	}
	return nil
}

// checkWritable is used by write paths (Put, Delete, Flush): a failed
// fsync leaves the engine degraded and read-only, so writes are
// refused until the process restarts and recovery re-establishes
// durability.
func (db *DB) checkWritable() error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if db.degraded.Load() {
		return lsmerrors.ErrDegraded
	}
	return nil
}

// Config returns the configuration this DB was opened with, including
// defaults filled in for any zero-valued fields.
func (db *DB) Config() *config.Config { return db.cfg }

func (db *DB) sstPath(id uint64) string {
	return filepath.Join(db.sstDir, fmt.Sprintf("%012d.sst", id))
}

// allocTableID must be called with mu held.
func (db *DB) allocTableID() uint64 {
	id := db.nextTableID
	db.nextTableID++
	return id
}

func (db *DB) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
